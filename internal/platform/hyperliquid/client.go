// Package hyperliquid is the exchange adapter: REST market data, signed IOC
// order submission, account balances and the trade websocket.
package hyperliquid

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/signer/core/apitypes"
	"github.com/google/uuid"

	"github.com/alanyoungcy/wickhunter/internal/domain"
)

const (
	// marketSlippage bounds emulated market orders around the top of book.
	marketSlippage = 0.05
	// spotAssetOffset is added to a spot pair index to form its asset id.
	spotAssetOffset = 10000
)

// Signer signs exchange actions. crypto.SigningActor satisfies it.
type Signer interface {
	SignTypedData(ctx context.Context, td apitypes.TypedData) (string, error)
}

// ClientConfig configures a Client.
type ClientConfig struct {
	BaseURL     string
	Account     string
	QuoteAsset  string
	Testnet     bool
	HTTPTimeout time.Duration
}

// Client is the REST client for the exchange's /info and /exchange
// endpoints.
type Client struct {
	cfg        ClientConfig
	httpClient *http.Client
	signer     Signer
	limiter    domain.RateLimiter
	now        func() time.Time

	mu      sync.RWMutex
	markets map[string]domain.Market
}

// NewClient creates a Client. signer may be nil for a read-only client.
func NewClient(cfg ClientConfig, signer Signer) *Client {
	if cfg.QuoteAsset == "" {
		cfg.QuoteAsset = "USDC"
	}
	if cfg.HTTPTimeout <= 0 {
		cfg.HTTPTimeout = 10 * time.Second
	}
	cfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")
	return &Client{
		cfg:        cfg,
		httpClient: &http.Client{Timeout: cfg.HTTPTimeout},
		signer:     signer,
		now:        time.Now,
	}
}

// infoLimitKey is the shared rate limit bucket of /info requests across
// every process using the same account.
const infoLimitKey = "hyperliquid:info"

// WithRateLimiter throttles /info requests through l. Order submission is
// never throttled.
func (c *Client) WithRateLimiter(l domain.RateLimiter) *Client {
	c.limiter = l
	return c
}

// MarketSymbol builds the unified symbol of coin's market of the given kind:
// "HYPE/USDC" for spot and "HYPE/USDC:USDC" for perps.
func MarketSymbol(coin, quote string, kind domain.MarketKind) string {
	if kind == domain.MarketPerp {
		return coin + "/" + quote + ":" + quote
	}
	return coin + "/" + quote
}

// LoadMarkets fetches perp and spot metadata and replaces the market cache.
func (c *Client) LoadMarkets(ctx context.Context) error {
	var perps perpMeta
	if err := c.info(ctx, infoRequest{Type: "meta"}, &perps); err != nil {
		return fmt.Errorf("hyperliquid: load perp meta: %w", err)
	}
	var spots spotMeta
	if err := c.info(ctx, infoRequest{Type: "spotMeta"}, &spots); err != nil {
		return fmt.Errorf("hyperliquid: load spot meta: %w", err)
	}

	markets := make(map[string]domain.Market, len(perps.Universe)+len(spots.Universe))
	for i, u := range perps.Universe {
		sym := MarketSymbol(u.Name, c.cfg.QuoteAsset, domain.MarketPerp)
		markets[sym] = domain.Market{
			Symbol:       sym,
			Coin:         u.Name,
			Kind:         domain.MarketPerp,
			AssetIndex:   i,
			SizeDecimals: u.SzDecimals,
		}
	}

	tokens := make(map[int]struct {
		name       string
		szDecimals int
	}, len(spots.Tokens))
	for _, t := range spots.Tokens {
		tokens[t.Index] = struct {
			name       string
			szDecimals int
		}{t.Name, t.SzDecimals}
	}
	for _, u := range spots.Universe {
		if len(u.Tokens) != 2 {
			continue
		}
		base, okBase := tokens[u.Tokens[0]]
		quote, okQuote := tokens[u.Tokens[1]]
		if !okBase || !okQuote {
			continue
		}
		sym := base.name + "/" + quote.name
		markets[sym] = domain.Market{
			Symbol:       sym,
			Coin:         u.Name,
			Kind:         domain.MarketSpot,
			AssetIndex:   spotAssetOffset + u.Index,
			SizeDecimals: base.szDecimals,
		}
	}

	c.mu.Lock()
	c.markets = markets
	c.mu.Unlock()
	return nil
}

// Market resolves a unified symbol. Markets are loaded on first use.
func (c *Client) Market(ctx context.Context, symbol string) (domain.Market, error) {
	c.mu.RLock()
	loaded := c.markets != nil
	m, ok := c.markets[symbol]
	c.mu.RUnlock()
	if ok {
		return m, nil
	}
	if !loaded {
		if err := c.LoadMarkets(ctx); err != nil {
			return domain.Market{}, err
		}
		c.mu.RLock()
		m, ok = c.markets[symbol]
		c.mu.RUnlock()
		if ok {
			return m, nil
		}
	}
	return domain.Market{}, fmt.Errorf("hyperliquid: %s: %w", symbol, domain.ErrMarketNotFound)
}

// OrderBook returns the L2 snapshot of symbol.
func (c *Client) OrderBook(ctx context.Context, symbol string) (domain.OrderBook, error) {
	m, err := c.Market(ctx, symbol)
	if err != nil {
		return domain.OrderBook{}, err
	}

	var book l2Book
	if err := c.info(ctx, infoRequest{Type: "l2Book", Coin: m.Coin}, &book); err != nil {
		return domain.OrderBook{}, fmt.Errorf("hyperliquid: l2 book %s: %w", symbol, err)
	}

	toLevels := func(in []l2Level) []domain.PriceLevel {
		out := make([]domain.PriceLevel, 0, len(in))
		for _, l := range in {
			out = append(out, domain.PriceLevel{Price: parseFloat(l.Px), Size: parseFloat(l.Sz)})
		}
		return out
	}
	return domain.OrderBook{
		Symbol:    symbol,
		Bids:      toLevels(book.Levels[0]),
		Asks:      toLevels(book.Levels[1]),
		Timestamp: time.UnixMilli(book.Time),
	}, nil
}

// PlaceOrder submits a signed order. Market orders are sent as IOC limits
// bounded around the top of book. Perp positions on this venue are always
// one-way, so OneWayMode needs no extra wire flag.
func (c *Client) PlaceOrder(ctx context.Context, req domain.OrderRequest) (domain.OrderResult, error) {
	if c.signer == nil {
		return domain.OrderResult{}, fmt.Errorf("hyperliquid: place order: no signer configured")
	}

	symbol := req.Symbol
	if !strings.Contains(symbol, "/") {
		symbol = MarketSymbol(symbol, c.cfg.QuoteAsset, req.Kind)
	}
	m, err := c.Market(ctx, symbol)
	if err != nil {
		return domain.OrderResult{}, err
	}

	limit := req.LimitPrice
	tif := req.TimeInForce
	if req.Type == domain.OrderTypeMarket {
		book, err := c.OrderBook(ctx, symbol)
		if err != nil {
			return domain.OrderResult{}, err
		}
		if req.Side == domain.OrderSideBuy {
			limit = book.BestAsk() * (1 + marketSlippage)
		} else {
			limit = book.BestBid() * (1 - marketSlippage)
		}
		tif = domain.TimeInForceIOC
	}
	if tif == "" {
		tif = domain.TimeInForceIOC
	}

	px, err := FormatPrice(limit, m.SizeDecimals, m.Kind)
	if err != nil {
		return domain.OrderResult{}, err
	}
	sz, err := FormatSize(req.Amount, m.SizeDecimals)
	if err != nil {
		return domain.OrderResult{}, err
	}

	wire := orderWire{
		Asset:      m.AssetIndex,
		IsBuy:      req.Side == domain.OrderSideBuy,
		LimitPx:    px,
		Size:       sz,
		ReduceOnly: req.ReduceOnly && m.Kind == domain.MarketPerp,
		OrderType:  orderTypeWire{Limit: limitWire{Tif: tifWire(tif)}},
	}
	if id, err := uuid.Parse(req.ClientID); err == nil {
		wire.Cloid = "0x" + strings.ReplaceAll(id.String(), "-", "")
	}
	action := orderAction{Type: "order", Orders: []orderWire{wire}, Grouping: "na"}

	raw, err := c.exchange(ctx, action)
	if err != nil {
		return domain.OrderResult{}, fmt.Errorf("hyperliquid: place %s %s: %w", req.Side, symbol, err)
	}

	var data orderResponseData
	if err := json.Unmarshal(raw, &data); err != nil {
		return domain.OrderResult{}, fmt.Errorf("hyperliquid: decode order response: %w", err)
	}
	if len(data.Data.Statuses) == 0 {
		return domain.OrderResult{}, fmt.Errorf("hyperliquid: order response has no status")
	}

	st := data.Data.Statuses[0]
	switch {
	case st.Filled != nil:
		return domain.OrderResult{
			OrderID:      strconv.FormatInt(st.Filled.Oid, 10),
			Status:       "filled",
			FilledAmount: parseFloat(st.Filled.TotalSz),
			AvgPrice:     parseFloat(st.Filled.AvgPx),
		}, nil
	case st.Resting != nil:
		return domain.OrderResult{
			OrderID: strconv.FormatInt(st.Resting.Oid, 10),
			Status:  "resting",
		}, nil
	default:
		return domain.OrderResult{Status: "rejected"},
			fmt.Errorf("hyperliquid: order rejected: %s: %w", st.Error, domain.ErrOrderNotFilled)
	}
}

// Balances fetches the account state of the given kind and parses it.
func (c *Client) Balances(ctx context.Context, kind domain.BalanceKind) ([]domain.Balance, error) {
	reqType := "clearinghouseState"
	if kind == domain.BalanceSpot {
		reqType = "spotClearinghouseState"
	}

	var raw json.RawMessage
	if err := c.info(ctx, infoRequest{Type: reqType, User: c.cfg.Account}, &raw); err != nil {
		return nil, fmt.Errorf("hyperliquid: %s: %w", reqType, err)
	}
	return ParseBalances(c.cfg.Account, kind, raw, c.now())
}

func tifWire(t domain.TimeInForce) string {
	if t == domain.TimeInForceGTC {
		return "Gtc"
	}
	return "Ioc"
}

func (c *Client) info(ctx context.Context, req infoRequest, out any) error {
	if c.limiter != nil {
		if err := c.limiter.Wait(ctx, infoLimitKey+":"+c.cfg.Account); err != nil {
			return err
		}
	}
	return c.post(ctx, "/info", req, out)
}

// exchange signs action and posts it. It returns the inner response payload.
func (c *Client) exchange(ctx context.Context, action any) (json.RawMessage, error) {
	nonce := c.now().UnixMilli()
	sig, err := c.signAction(ctx, action, nonce)
	if err != nil {
		return nil, err
	}

	var resp exchangeResponse
	if err := c.post(ctx, "/exchange", exchangeRequest{
		Action:    action,
		Nonce:     nonce,
		Signature: sig,
	}, &resp); err != nil {
		return nil, err
	}
	if resp.Status != "ok" {
		var msg string
		if json.Unmarshal(resp.Response, &msg) != nil {
			msg = string(resp.Response)
		}
		return nil, fmt.Errorf("exchange error: %s", msg)
	}
	return resp.Response, nil
}

func (c *Client) post(ctx context.Context, path string, body, out any) error {
	payload, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.BaseURL+path, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("http request: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("read response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("HTTP %d: %s", resp.StatusCode, string(respBody))
	}
	if err := json.Unmarshal(respBody, out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}
