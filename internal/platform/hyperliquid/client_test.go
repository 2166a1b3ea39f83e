package hyperliquid

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	ethcrypto "github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/signer/core/apitypes"

	"github.com/alanyoungcy/wickhunter/internal/crypto"
	"github.com/alanyoungcy/wickhunter/internal/domain"
)

type fixedSigner struct{ calls int }

func (s *fixedSigner) SignTypedData(context.Context, apitypes.TypedData) (string, error) {
	s.calls++
	return "0x" + strings.Repeat("11", 32) + strings.Repeat("22", 32) + "1b", nil
}

type fakeVenue struct {
	t        *testing.T
	orders   []map[string]any
	statuses string
}

func (v *fakeVenue) handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /info", func(w http.ResponseWriter, r *http.Request) {
		var req infoRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		switch req.Type {
		case "meta":
			w.Write([]byte(`{"universe":[{"name":"BTC","szDecimals":5},{"name":"HYPE","szDecimals":2}]}`))
		case "spotMeta":
			w.Write([]byte(`{"universe":[{"name":"@107","tokens":[150,0],"index":107}],
				"tokens":[{"name":"USDC","szDecimals":8,"index":0},{"name":"HYPE","szDecimals":2,"index":150}]}`))
		case "l2Book":
			w.Write([]byte(`{"coin":"` + req.Coin + `","time":1700000000000,"levels":[
				[{"px":"24.9","sz":"10","n":1},{"px":"24.8","sz":"5","n":1}],
				[{"px":"25.1","sz":"3","n":1},{"px":"25.2","sz":"8","n":2}]]}`))
		case "clearinghouseState":
			w.Write([]byte(`{"marginSummary":{"accountValue":"1234.5"}}`))
		default:
			http.Error(w, "unknown type", http.StatusBadRequest)
		}
	})
	mux.HandleFunc("POST /exchange", func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			Action    map[string]any `json:"action"`
			Nonce     int64          `json:"nonce"`
			Signature signatureWire  `json:"signature"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		if req.Signature.V != 27 || req.Signature.R != "0x"+strings.Repeat("11", 32) {
			v.t.Errorf("unexpected signature %+v", req.Signature)
		}
		for _, o := range req.Action["orders"].([]any) {
			v.orders = append(v.orders, o.(map[string]any))
		}
		w.Write([]byte(`{"status":"ok","response":{"type":"order","data":{"statuses":[` + v.statuses + `]}}}`))
	})
	return mux
}

func newTestClient(t *testing.T, venue *fakeVenue, signer Signer) *Client {
	t.Helper()
	srv := httptest.NewServer(venue.handler())
	t.Cleanup(srv.Close)
	return NewClient(ClientConfig{BaseURL: srv.URL, Account: "0xabc"}, signer)
}

func TestClient_Markets(t *testing.T) {
	c := newTestClient(t, &fakeVenue{t: t}, nil)
	ctx := context.Background()

	tests := []struct {
		symbol string
		want   domain.Market
	}{
		{"HYPE/USDC:USDC", domain.Market{Symbol: "HYPE/USDC:USDC", Coin: "HYPE", Kind: domain.MarketPerp, AssetIndex: 1, SizeDecimals: 2}},
		{"HYPE/USDC", domain.Market{Symbol: "HYPE/USDC", Coin: "@107", Kind: domain.MarketSpot, AssetIndex: 10107, SizeDecimals: 2}},
	}
	for _, tt := range tests {
		got, err := c.Market(ctx, tt.symbol)
		if err != nil {
			t.Fatalf("%s: %v", tt.symbol, err)
		}
		if got != tt.want {
			t.Fatalf("%s: expected %+v, got %+v", tt.symbol, tt.want, got)
		}
	}

	if _, err := c.Market(ctx, "NOPE/USDC"); !errors.Is(err, domain.ErrMarketNotFound) {
		t.Fatalf("expected ErrMarketNotFound, got %v", err)
	}
}

func TestClient_OrderBook(t *testing.T) {
	c := newTestClient(t, &fakeVenue{t: t}, nil)

	book, err := c.OrderBook(context.Background(), "HYPE/USDC")
	if err != nil {
		t.Fatalf("order book: %v", err)
	}
	if book.BestBid() != 24.9 || book.BestAsk() != 25.1 {
		t.Fatalf("expected 24.9/25.1, got %v/%v", book.BestBid(), book.BestAsk())
	}
	if len(book.Side(domain.OrderSideBuy)) != 2 || book.Side(domain.OrderSideBuy)[1].Size != 8 {
		t.Fatalf("unexpected ask side %+v", book.Asks)
	}
}

func TestClient_PlaceOrderFilled(t *testing.T) {
	venue := &fakeVenue{t: t, statuses: `{"filled":{"totalSz":"1.99","avgPx":"25.12","oid":77}}`}
	signer := &fixedSigner{}
	c := newTestClient(t, venue, signer)

	res, err := c.PlaceOrder(context.Background(), domain.OrderRequest{
		Symbol:      "HYPE",
		Kind:        domain.MarketSpot,
		Side:        domain.OrderSideBuy,
		Type:        domain.OrderTypeLimit,
		Amount:      1.999,
		LimitPrice:  25.351,
		TimeInForce: domain.TimeInForceIOC,
		ClientID:    "6ba7b810-9dad-11d1-80b4-00c04fd430c8",
	})
	if err != nil {
		t.Fatalf("place order: %v", err)
	}
	if res.OrderID != "77" || res.FilledAmount != 1.99 || res.AvgPrice != 25.12 {
		t.Fatalf("unexpected result %+v", res)
	}
	if signer.calls != 1 {
		t.Fatalf("expected one signature, got %d", signer.calls)
	}

	o := venue.orders[0]
	if o["a"].(float64) != 10107 || o["b"] != true || o["p"] != "25.351" || o["s"] != "1.99" {
		t.Fatalf("unexpected wire order %+v", o)
	}
	if tif := o["t"].(map[string]any)["limit"].(map[string]any)["tif"]; tif != "Ioc" {
		t.Fatalf("expected Ioc, got %v", tif)
	}
	if o["c"] != "0x6ba7b8109dad11d180b400c04fd430c8" {
		t.Fatalf("unexpected cloid %v", o["c"])
	}
}

func TestClient_PlaceOrderRejected(t *testing.T) {
	venue := &fakeVenue{t: t, statuses: `{"error":"Order could not immediately match"}`}
	c := newTestClient(t, venue, &fixedSigner{})

	_, err := c.PlaceOrder(context.Background(), domain.OrderRequest{
		Symbol: "HYPE/USDC:USDC", Kind: domain.MarketPerp, Side: domain.OrderSideSell,
		Type: domain.OrderTypeMarket, Amount: 1, ReduceOnly: true,
	})
	if !errors.Is(err, domain.ErrOrderNotFilled) {
		t.Fatalf("expected ErrOrderNotFilled, got %v", err)
	}

	o := venue.orders[0]
	// Market sell is bounded 5% under the best bid of 24.9.
	if o["p"] != "23.655" || o["r"] != true {
		t.Fatalf("unexpected market sell wire order %+v", o)
	}
}

func TestClient_Balances(t *testing.T) {
	c := newTestClient(t, &fakeVenue{t: t}, nil)

	bals, err := c.Balances(context.Background(), domain.BalancePerp)
	if err != nil {
		t.Fatalf("balances: %v", err)
	}
	if len(bals) != 1 || bals[0].Amount != 1234.5 || bals[0].Kind != domain.BalancePerp || bals[0].Account != "0xabc" {
		t.Fatalf("unexpected balances %+v", bals)
	}
}

type keyAdapter struct{ *crypto.KeySigner }

func (k keyAdapter) SignTypedData(_ context.Context, td apitypes.TypedData) (string, error) {
	return k.KeySigner.SignTypedData(td)
}

func TestSignAction_RecoversSigner(t *testing.T) {
	key, _ := ethcrypto.GenerateKey()
	ks := crypto.NewKeySigner(key)
	c := NewClient(ClientConfig{BaseURL: "http://unused"}, keyAdapter{ks})

	action := orderAction{Type: "order", Grouping: "na", Orders: []orderWire{{
		Asset: 1, IsBuy: true, LimitPx: "25", Size: "1", OrderType: orderTypeWire{Limit: limitWire{Tif: "Ioc"}},
	}}}
	nonce := time.Now().UnixMilli()
	sig, err := c.signAction(context.Background(), action, nonce)
	if err != nil {
		t.Fatalf("sign action: %v", err)
	}

	hash, _ := actionHash(action, nonce, "")
	digest, _, err := apitypes.TypedDataAndHash(agentTypedData("a", hash))
	if err != nil {
		t.Fatalf("hash typed data: %v", err)
	}
	r, _ := hex.DecodeString(strings.TrimPrefix(sig.R, "0x"))
	s, _ := hex.DecodeString(strings.TrimPrefix(sig.S, "0x"))
	raw := append(append(r, s...), byte(sig.V-27))
	pub, err := ethcrypto.SigToPub(digest, raw)
	if err != nil {
		t.Fatalf("recover: %v", err)
	}
	if ethcrypto.PubkeyToAddress(*pub) != ks.Address() {
		t.Fatalf("signature does not recover to the signer")
	}
}

func TestActionHash_SensitiveToNonce(t *testing.T) {
	action := orderAction{Type: "order", Grouping: "na"}
	a, _ := actionHash(action, 1, "")
	b, _ := actionHash(action, 2, "")
	if hex.EncodeToString(a) == hex.EncodeToString(b) {
		t.Fatalf("expected different hashes for different nonces")
	}
}

type recordingLimiter struct {
	keys []string
	err  error
}

func (l *recordingLimiter) Allow(context.Context, string, int, time.Duration) (bool, error) {
	return true, nil
}

func (l *recordingLimiter) Wait(_ context.Context, key string) error {
	l.keys = append(l.keys, key)
	return l.err
}

func TestClient_InfoRateLimited(t *testing.T) {
	limiter := &recordingLimiter{}
	c := newTestClient(t, &fakeVenue{t: t}, nil).WithRateLimiter(limiter)

	if _, err := c.OrderBook(context.Background(), "BTC/USDC:USDC"); err != nil {
		t.Fatalf("order book: %v", err)
	}
	if len(limiter.keys) == 0 {
		t.Fatalf("expected /info calls to wait on the limiter")
	}
	for _, k := range limiter.keys {
		if k != "hyperliquid:info:0xabc" {
			t.Fatalf("unexpected limiter key %q", k)
		}
	}

	limiter.err = context.DeadlineExceeded
	c2 := newTestClient(t, &fakeVenue{t: t}, nil).WithRateLimiter(limiter)
	if _, err := c2.OrderBook(context.Background(), "BTC/USDC:USDC"); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected limiter error to surface, got %v", err)
	}
}
