package executor

import (
	"fmt"
	"math"

	"github.com/alanyoungcy/wickhunter/internal/domain"
)

// Depth is the outcome of walking one side of a book.
type Depth struct {
	NotionalUSD float64
	WorstPrice  float64
	Levels      int
}

// WalkDepth accumulates notional over levels, best first, until notionalUSD
// is covered or the price has moved more than maxSlippage (a fraction) from
// the top of book. It returns domain.ErrInsufficientLiquidity when the band
// runs out first.
func WalkDepth(levels []domain.PriceLevel, notionalUSD, maxSlippage float64) (Depth, error) {
	if len(levels) == 0 || levels[0].Price <= 0 {
		return Depth{}, fmt.Errorf("executor: empty book: %w", domain.ErrInsufficientLiquidity)
	}

	top := levels[0].Price
	var d Depth
	for _, l := range levels {
		if math.Abs(l.Price-top)/top > maxSlippage {
			break
		}
		d.NotionalUSD += l.Price * l.Size
		d.WorstPrice = l.Price
		d.Levels++
		if d.NotionalUSD >= notionalUSD {
			return d, nil
		}
	}
	return d, fmt.Errorf("executor: %.2f of %.2f USD within %.2f%% of top: %w",
		d.NotionalUSD, notionalUSD, maxSlippage*100, domain.ErrInsufficientLiquidity)
}
