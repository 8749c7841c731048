package server

import (
	"net/http"
	"time"

	"github.com/rs/zerolog"

	"github.com/otcplatform/sentinel-otc/internal/clock"
	"github.com/otcplatform/sentinel-otc/internal/di"
	"github.com/otcplatform/sentinel-otc/internal/domain"
)

// MarketHoursHandler reports a synthetic symbol's current market-hours
// status and the mode the scheduler would assign it right now (spec §4.A).
type MarketHoursHandler struct {
	container *di.Container
	log       zerolog.Logger
}

// NewMarketHoursHandler creates a MarketHoursHandler.
func NewMarketHoursHandler(container *di.Container, log zerolog.Logger) *MarketHoursHandler {
	return &MarketHoursHandler{container: container, log: log.With().Str("component", "market_hours_handler").Logger()}
}

type marketHoursResponse struct {
	Symbol string `json:"symbol"`
	Open   bool   `json:"open"`
	Mode   string `json:"mode"`
}

// HandleStatus handles GET /api/market-hours?symbol=.... symbol is taken
// from the query string rather than the path, since synthetic symbols
// like "EUR/USD-OTC" contain a literal slash.
func (h *MarketHoursHandler) HandleStatus(w http.ResponseWriter, r *http.Request) {
	symbol := r.URL.Query().Get("symbol")
	if symbol == "" {
		writeError(h.log, w, http.StatusBadRequest, "validation", "symbol is required")
		return
	}

	cfg, ok, err := h.container.Gateway.GetSymbolConfig(r.Context(), symbol)
	if err != nil {
		writeError(h.log, w, http.StatusInternalServerError, "persistence", "failed to load symbol configuration")
		return
	}
	if !ok {
		writeError(h.log, w, http.StatusNotFound, "validation", "unknown symbol")
		return
	}

	now := time.Now()
	mode, ok := h.container.Clock.CurrentMode(symbol)
	if !ok {
		mode = domain.ModeSynthetic
	}
	writeJSON(h.log, w, http.StatusOK, marketHoursResponse{
		Symbol: symbol,
		Open:   clock.IsMarketOpen(cfg, now),
		Mode:   string(mode),
	})
}
