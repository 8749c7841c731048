package server

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/otcplatform/sentinel-otc/internal/di"
	"github.com/otcplatform/sentinel-otc/internal/domain"
	"github.com/otcplatform/sentinel-otc/internal/events"
	"github.com/otcplatform/sentinel-otc/internal/persistence"
)

// TradeHandler implements the position lifecycle API's place_trade entry
// point (spec §6): validate, debit the wallet, open exposure, persist the
// OPEN position, and schedule its settlement.
type TradeHandler struct {
	container *di.Container
	log       zerolog.Logger
}

// NewTradeHandler creates a TradeHandler.
func NewTradeHandler(container *di.Container, log zerolog.Logger) *TradeHandler {
	return &TradeHandler{container: container, log: log.With().Str("component", "trade_handler").Logger()}
}

type placeTradeRequest struct {
	User        string  `json:"user"`
	Symbol      string  `json:"symbol"`
	Direction   string  `json:"direction"`
	Stake       float64 `json:"stake"`
	DurationSec int     `json:"duration"`
	AccountKind string  `json:"account_kind"`
}

type placeTradeResponse struct {
	PositionID string    `json:"position_id"`
	EntryPrice float64   `json:"entry_price"`
	ExpiresAt  time.Time `json:"expires_at"`
}

// HandlePlaceTrade handles POST /api/trades.
func (h *TradeHandler) HandlePlaceTrade(w http.ResponseWriter, r *http.Request) {
	var req placeTradeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(h.log, w, http.StatusBadRequest, "validation", "malformed request body")
		return
	}

	direction := domain.Direction(req.Direction)
	if direction != domain.DirectionUp && direction != domain.DirectionDown {
		writeError(h.log, w, http.StatusBadRequest, "validation", "direction must be UP or DOWN")
		return
	}
	accountKind := domain.AccountKind(req.AccountKind)
	if accountKind != domain.AccountReal && accountKind != domain.AccountDemo {
		writeError(h.log, w, http.StatusBadRequest, "validation", "account kind not permitted")
		return
	}
	if req.User == "" || req.Symbol == "" || req.DurationSec <= 0 {
		writeError(h.log, w, http.StatusBadRequest, "validation", "missing required field")
		return
	}

	ctx := r.Context()
	cfg, ok, err := h.container.Gateway.GetSymbolConfig(ctx, req.Symbol)
	if err != nil {
		writeError(h.log, w, http.StatusInternalServerError, "persistence", "failed to load symbol configuration")
		return
	}
	if !ok || !cfg.Enabled {
		writeError(h.log, w, http.StatusBadRequest, "validation", "symbol is disabled or unknown")
		return
	}
	if req.Stake < cfg.TradeBounds.Min || req.Stake > cfg.TradeBounds.Max {
		writeError(h.log, w, http.StatusBadRequest, "validation", "stake outside bounds")
		return
	}

	tick, ok := h.container.LatestTick(req.Symbol)
	if !ok {
		writeError(h.log, w, http.StatusServiceUnavailable, "validation", "no price available for symbol yet")
		return
	}

	now := time.Now()
	pos := domain.Position{
		ID:            uuid.New().String(),
		User:          req.User,
		Symbol:        req.Symbol,
		Direction:     direction,
		Stake:         req.Stake,
		EntryPrice:    tick.Price,
		OpenedAt:      now,
		ExpiresAt:     now.Add(time.Duration(req.DurationSec) * time.Second),
		PayoutPercent: cfg.PayoutPercent,
		AccountKind:   accountKind,
		Status:        domain.StatusOpen,
	}

	if err := h.container.Gateway.DebitWallet(ctx, req.User, accountKind, req.Stake, now); err != nil {
		if errors.Is(err, persistence.ErrInsufficientBalance) {
			writeError(h.log, w, http.StatusBadRequest, "validation", "wallet insufficient")
			return
		}
		writeError(h.log, w, http.StatusInternalServerError, "persistence", "failed to debit wallet")
		return
	}

	if accountKind == domain.AccountReal {
		if _, err := h.container.Exposure.Open(ctx, req.Symbol, direction, req.Stake); err != nil {
			if _, closeErr := h.container.Exposure.Close(ctx, req.Symbol, direction, req.Stake); closeErr != nil {
				h.log.Error().Err(closeErr).Msg("failed to roll back exposure after failed exposure write")
			}
			h.rollbackDebit(ctx, req.User, accountKind, req.Stake, now)
			writeError(h.log, w, http.StatusInternalServerError, "persistence", "failed to open exposure")
			return
		}
	}

	if err := h.container.Gateway.CreatePosition(ctx, pos); err != nil {
		if accountKind == domain.AccountReal {
			if _, closeErr := h.container.Exposure.Close(ctx, req.Symbol, direction, req.Stake); closeErr != nil {
				h.log.Error().Err(closeErr).Msg("failed to roll back exposure after failed position insert")
			}
		}
		h.rollbackDebit(ctx, req.User, accountKind, req.Stake, now)
		writeError(h.log, w, http.StatusInternalServerError, "persistence", "failed to persist position")
		return
	}

	h.container.Settlement.Schedule(pos)
	h.container.Events.Emit("trade", &events.PositionOpenedData{
		PositionID: pos.ID, Symbol: pos.Symbol, Direction: string(pos.Direction), Stake: pos.Stake, EntryPrice: pos.EntryPrice,
	})

	writeJSON(h.log, w, http.StatusCreated, placeTradeResponse{
		PositionID: pos.ID, EntryPrice: pos.EntryPrice, ExpiresAt: pos.ExpiresAt,
	})
}

// rollbackDebit undoes a wallet debit when a later step in place_trade
// fails, per spec §7's "exposure book and wallet rollbacks must be
// performed synchronously".
func (h *TradeHandler) rollbackDebit(ctx context.Context, user string, accountKind domain.AccountKind, stake float64, at time.Time) {
	if err := h.container.Gateway.CreditWallet(ctx, user, accountKind, stake, at); err != nil {
		h.log.Error().Err(err).Str("user", user).Msg("failed to roll back wallet debit")
	}
}
