package domain

// OrderSide indicates whether this is a buy or sell.
type OrderSide string

const (
	OrderSideBuy  OrderSide = "buy"
	OrderSideSell OrderSide = "sell"
)

// MarketKind distinguishes spot markets from perpetual swaps.
type MarketKind string

const (
	MarketSpot MarketKind = "spot"
	MarketPerp MarketKind = "perp"
)

// OrderType is the execution style of an order.
type OrderType string

const (
	OrderTypeLimit  OrderType = "limit"
	OrderTypeMarket OrderType = "market"
)

// TimeInForce is the lifetime policy of a limit order.
type TimeInForce string

const (
	TimeInForceIOC TimeInForce = "IOC" // Immediate-Or-Cancel
	TimeInForceGTC TimeInForce = "GTC" // Good-Till-Cancelled
)

// Market describes a tradable instrument on the exchange.
type Market struct {
	Symbol       string
	Coin         string
	Kind         MarketKind
	AssetIndex   int
	SizeDecimals int
}

// OrderRequest is an order to submit. OneWayMode is only meaningful for perp
// orders.
type OrderRequest struct {
	Symbol      string
	Kind        MarketKind
	Side        OrderSide
	Type        OrderType
	Amount      float64
	LimitPrice  float64
	TimeInForce TimeInForce
	OneWayMode  bool
	ReduceOnly  bool
	ClientID    string
}

// OrderResult is the exchange's response to a submitted order.
type OrderResult struct {
	OrderID      string
	Status       string
	FilledAmount float64
	AvgPrice     float64
}

// Filled reports whether any amount was executed.
func (r OrderResult) Filled() bool {
	return r.FilledAmount > 0
}
