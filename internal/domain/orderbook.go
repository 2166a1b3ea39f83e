package domain

import "time"

// PriceLevel is a single price+size entry in an orderbook.
type PriceLevel struct {
	Price float64
	Size  float64
}

// OrderBook is an L2 snapshot. Bids are sorted best (highest) first and asks
// best (lowest) first.
type OrderBook struct {
	Symbol    string
	Bids      []PriceLevel
	Asks      []PriceLevel
	Timestamp time.Time
}

// BestBid returns the top bid price, or zero when the side is empty.
func (b OrderBook) BestBid() float64 {
	if len(b.Bids) == 0 {
		return 0
	}
	return b.Bids[0].Price
}

// BestAsk returns the top ask price, or zero when the side is empty.
func (b OrderBook) BestAsk() float64 {
	if len(b.Asks) == 0 {
		return 0
	}
	return b.Asks[0].Price
}

// Side returns the levels an order on the given side consumes: asks for a
// buy, bids for a sell.
func (b OrderBook) Side(side OrderSide) []PriceLevel {
	if side == OrderSideBuy {
		return b.Asks
	}
	return b.Bids
}
