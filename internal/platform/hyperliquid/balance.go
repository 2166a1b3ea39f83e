package hyperliquid

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/alanyoungcy/wickhunter/internal/domain"
)

// Known balance response shapes.
const (
	ShapeSpotBalances  = "spotBalances"  // {"balances":[{"coin":"USDC","total":"12.5"}]}
	ShapeMarginSummary = "marginSummary" // {"marginSummary":{"accountValue":"100.0"}}
	ShapeCCXTTotals    = "ccxtTotals"    // {"total":{"USDC":12.5}}
	ShapeUnknown       = "unknown"
)

type spotBalancesShape struct {
	Balances []struct {
		Coin  string    `json:"coin"`
		Total flexFloat `json:"total"`
	} `json:"balances"`
}

type marginSummaryShape struct {
	MarginSummary struct {
		AccountValue flexFloat `json:"accountValue"`
	} `json:"marginSummary"`
}

type ccxtTotalsShape struct {
	Total map[string]flexFloat `json:"total"`
}

// DetectBalanceShape names the shape of raw by its discriminating key.
func DetectBalanceShape(raw []byte) string {
	var keys map[string]json.RawMessage
	if err := json.Unmarshal(raw, &keys); err != nil {
		return ShapeUnknown
	}
	isObject := func(m json.RawMessage) bool { return len(m) > 0 && m[0] == '{' }
	isArray := func(m json.RawMessage) bool { return len(m) > 0 && m[0] == '[' }

	switch {
	case isArray(keys["balances"]):
		return ShapeSpotBalances
	case isObject(keys["marginSummary"]):
		return ShapeMarginSummary
	case isObject(keys["total"]):
		return ShapeCCXTTotals
	default:
		return ShapeUnknown
	}
}

// ParseBalances decodes a balance response. Spot balances and the margin
// summary carry their own account kind; ccxt totals take hint. Any other
// shape fails closed with a single zero balance of kind unknown and
// domain.ErrUnknownBalanceShape.
func ParseBalances(account string, hint domain.BalanceKind, raw []byte, now time.Time) ([]domain.Balance, error) {
	shape := DetectBalanceShape(raw)
	mk := func(kind domain.BalanceKind, asset string, amount float64) domain.Balance {
		return domain.Balance{
			Account:   account,
			Kind:      kind,
			Asset:     asset,
			Amount:    amount,
			Shape:     shape,
			UpdatedAt: now,
		}
	}

	var out []domain.Balance
	switch shape {
	case ShapeSpotBalances:
		var s spotBalancesShape
		if err := json.Unmarshal(raw, &s); err != nil {
			return failClosed(account, now, fmt.Errorf("hyperliquid: %s: %w", shape, err))
		}
		for _, b := range s.Balances {
			out = append(out, mk(domain.BalanceSpot, b.Coin, float64(b.Total)))
		}
	case ShapeMarginSummary:
		var s marginSummaryShape
		if err := json.Unmarshal(raw, &s); err != nil {
			return failClosed(account, now, fmt.Errorf("hyperliquid: %s: %w", shape, err))
		}
		out = append(out, mk(domain.BalancePerp, "USDC", float64(s.MarginSummary.AccountValue)))
	case ShapeCCXTTotals:
		var s ccxtTotalsShape
		if err := json.Unmarshal(raw, &s); err != nil {
			return failClosed(account, now, fmt.Errorf("hyperliquid: %s: %w", shape, err))
		}
		for asset, amt := range s.Total {
			out = append(out, mk(hint, asset, float64(amt)))
		}
	default:
		return failClosed(account, now, fmt.Errorf("hyperliquid: %w", domain.ErrUnknownBalanceShape))
	}
	return out, nil
}

func failClosed(account string, now time.Time, err error) ([]domain.Balance, error) {
	return []domain.Balance{{
		Account:   account,
		Kind:      domain.BalanceUnknown,
		Shape:     ShapeUnknown,
		UpdatedAt: now,
	}}, err
}
