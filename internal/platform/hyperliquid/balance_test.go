package hyperliquid

import (
	"errors"
	"testing"
	"time"

	"github.com/alanyoungcy/wickhunter/internal/domain"
)

func TestParseBalances(t *testing.T) {
	now := time.Unix(1700000000, 0)

	tests := []struct {
		name      string
		hint      domain.BalanceKind
		raw       string
		wantShape string
		wantKind  domain.BalanceKind
		wantAsset string
		wantAmt   float64
		wantErr   error
	}{
		{
			name:      "spot balances",
			hint:      domain.BalanceSpot,
			raw:       `{"balances":[{"coin":"USDC","total":"12.5","hold":"0"}]}`,
			wantShape: ShapeSpotBalances, wantKind: domain.BalanceSpot, wantAsset: "USDC", wantAmt: 12.5,
		},
		{
			name:      "margin summary",
			hint:      domain.BalancePerp,
			raw:       `{"marginSummary":{"accountValue":"100.25","totalNtlPos":"0"},"assetPositions":[]}`,
			wantShape: ShapeMarginSummary, wantKind: domain.BalancePerp, wantAsset: "USDC", wantAmt: 100.25,
		},
		{
			name:      "ccxt totals take the hint",
			hint:      domain.BalanceSpot,
			raw:       `{"total":{"HYPE":3}}`,
			wantShape: ShapeCCXTTotals, wantKind: domain.BalanceSpot, wantAsset: "HYPE", wantAmt: 3,
		},
		{
			name:      "unknown shape fails closed",
			hint:      domain.BalancePerp,
			raw:       `{"free":{"USDC":5}}`,
			wantShape: ShapeUnknown, wantKind: domain.BalanceUnknown, wantAmt: 0,
			wantErr:   domain.ErrUnknownBalanceShape,
		},
		{
			name:      "not an object",
			hint:      domain.BalancePerp,
			raw:       `[1,2,3]`,
			wantShape: ShapeUnknown, wantKind: domain.BalanceUnknown, wantAmt: 0,
			wantErr:   domain.ErrUnknownBalanceShape,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ParseBalances("0xabc", tt.hint, []byte(tt.raw), now)
			if tt.wantErr != nil {
				if !errors.Is(err, tt.wantErr) {
					t.Fatalf("expected %v, got %v", tt.wantErr, err)
				}
			} else if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if len(got) != 1 {
				t.Fatalf("expected one balance, got %d", len(got))
			}
			b := got[0]
			if b.Shape != tt.wantShape || b.Kind != tt.wantKind || b.Asset != tt.wantAsset || b.Amount != tt.wantAmt {
				t.Fatalf("unexpected balance %+v", b)
			}
		})
	}
}

func TestParseTrades(t *testing.T) {
	recv := time.UnixMilli(1700000000500)
	data := []byte(`[
		{"coin":"HYPE","side":"B","px":"25.1","sz":"2","time":1700000000000,"tid":1},
		{"coin":"HYPE","side":"A","px":"bad","sz":"2","time":1700000000001,"tid":2},
		{"coin":"HYPE","side":"A","px":"24.9","sz":"0.5","time":1700000000002,"tid":3}
	]`)

	ticks := ParseTrades(data, recv)
	if len(ticks) != 2 {
		t.Fatalf("expected 2 ticks, got %d", len(ticks))
	}
	if ticks[0].Price != 25.1 || ticks[1].Price != 24.9 {
		t.Fatalf("expected arrival order preserved, got %+v", ticks)
	}
	if !ticks[1].ExchangeTime.Equal(time.UnixMilli(1700000000002)) || !ticks[1].ReceivedAt.Equal(recv) {
		t.Fatalf("unexpected timestamps %+v", ticks[1])
	}
}
