package handler

import (
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/alanyoungcy/wickhunter/internal/domain"
	"github.com/alanyoungcy/wickhunter/internal/engine"
)

// EngineStatus reports a running engine's snapshot. *engine.Engine
// satisfies it.
type EngineStatus interface {
	Status() engine.Status
}

// StatusHandler serves the process status for observers.
type StatusHandler struct {
	mode   string
	engine EngineStatus
	prices domain.PriceCache
	symbol string
	logger *slog.Logger
}

// NewStatusHandler creates a StatusHandler. eng is nil when no engine runs
// in this process; prices and symbol then supply the last price published
// by a remote engine, if a cache is configured.
func NewStatusHandler(mode string, eng EngineStatus, prices domain.PriceCache, symbol string, logger *slog.Logger) *StatusHandler {
	return &StatusHandler{mode: mode, engine: eng, prices: prices, symbol: symbol, logger: logger}
}

type statusResponse struct {
	Mode       string         `json:"mode"`
	Engine     *engine.Status `json:"engine"`
	LastPrice  *float64       `json:"lastPrice,omitempty"`
	PriceAt    *time.Time     `json:"priceAt,omitempty"`
	ServerTime time.Time      `json:"serverTime"`
}

// GetStatus responds with the engine snapshot: position, statistics, last
// price and feed state.
// GET /api/status
func (h *StatusHandler) GetStatus(w http.ResponseWriter, r *http.Request) {
	resp := statusResponse{Mode: h.mode, ServerTime: time.Now().UTC()}

	if h.engine != nil {
		st := h.engine.Status()
		resp.Engine = &st
		writeJSON(w, http.StatusOK, resp)
		return
	}

	if h.prices != nil && h.symbol != "" {
		price, at, err := h.prices.GetPrice(r.Context(), h.symbol)
		switch {
		case err == nil:
			resp.LastPrice = &price
			resp.PriceAt = &at
		case errors.Is(err, domain.ErrNotFound):
		default:
			h.logger.ErrorContext(r.Context(), "handler: read cached price failed",
				slog.String("symbol", h.symbol),
				slog.String("error", err.Error()),
			)
			writeError(w, http.StatusInternalServerError, "failed to read price")
			return
		}
	}
	writeJSON(w, http.StatusOK, resp)
}
