package hyperliquid

import (
	"fmt"
	"math"

	"github.com/shopspring/decimal"

	"github.com/alanyoungcy/wickhunter/internal/domain"
)

const (
	priceSigFigs    = 5
	perpMaxDecimals = 6
	spotMaxDecimals = 8
)

// FormatPrice renders px with at most five significant figures and at most
// (6 - szDecimals) decimals for perps, (8 - szDecimals) for spot. Integer
// prices are always accepted.
func FormatPrice(px float64, szDecimals int, kind domain.MarketKind) (string, error) {
	if px <= 0 || math.IsNaN(px) || math.IsInf(px, 0) {
		return "", fmt.Errorf("hyperliquid: price %v: %w", px, domain.ErrInvalidOrder)
	}

	maxDecimals := perpMaxDecimals
	if kind == domain.MarketSpot {
		maxDecimals = spotMaxDecimals
	}
	places := priceSigFigs - 1 - int(math.Floor(math.Log10(px)))
	if limit := maxDecimals - szDecimals; places > limit {
		places = limit
	}
	if places < 0 {
		places = 0
	}

	d := decimal.NewFromFloat(px).Round(int32(places))
	if !d.IsPositive() {
		return "", fmt.Errorf("hyperliquid: price %v rounds to zero: %w", px, domain.ErrInvalidOrder)
	}
	return d.String(), nil
}

// FormatSize truncates amount to szDecimals.
func FormatSize(amount float64, szDecimals int) (string, error) {
	if amount <= 0 || math.IsNaN(amount) || math.IsInf(amount, 0) {
		return "", fmt.Errorf("hyperliquid: size %v: %w", amount, domain.ErrInvalidOrder)
	}
	d := decimal.NewFromFloat(amount).Truncate(int32(szDecimals))
	if !d.IsPositive() {
		return "", fmt.Errorf("hyperliquid: size %v below lot size: %w", amount, domain.ErrInvalidOrder)
	}
	return d.String(), nil
}
