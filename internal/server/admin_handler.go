package server

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog"

	"github.com/otcplatform/sentinel-otc/internal/di"
	"github.com/otcplatform/sentinel-otc/internal/domain"
	"github.com/otcplatform/sentinel-otc/internal/events"
)

// AdminHandler implements the admin control surface (spec §4.G/§6): each
// call mutates a symbol's overlay or a user's target and returns the
// activity-log id the mutation was recorded under.
type AdminHandler struct {
	container *di.Container
	log       zerolog.Logger
}

// NewAdminHandler creates an AdminHandler.
func NewAdminHandler(container *di.Container, log zerolog.Logger) *AdminHandler {
	return &AdminHandler{container: container, log: log.With().Str("component", "admin_handler").Logger()}
}

// RegisterRoutes mounts every admin endpoint under r (expected to already
// be scoped to /api).
func (h *AdminHandler) RegisterRoutes(r chi.Router) {
	r.Route("/admin", func(r chi.Router) {
		r.Post("/direction-bias", h.handleSetDirectionBias)
		r.Delete("/direction-bias", h.handleClearOverlay)
		r.Post("/volatility", h.handleSetVolatility)
		r.Delete("/volatility", h.handleClearOverlay)
		r.Post("/price-override", h.handleSetPriceOverride)
		r.Delete("/price-override", h.handleClearOverlay)
		r.Post("/user-target", h.handleSetUserTarget)
		r.Delete("/user-target/{user}", h.handleClearUserTarget)
		r.Post("/force-outcome", h.handleForceTradeOutcome)
	})
}

func expiryFrom(durationSec int) time.Time {
	if durationSec <= 0 {
		return time.Time{}
	}
	return time.Now().Add(time.Duration(durationSec) * time.Second)
}

func (h *AdminHandler) respondWithActivityID(w http.ResponseWriter, r *http.Request) {
	id, err := h.container.Gateway.LatestActivityLogID(r.Context())
	if err != nil {
		writeError(h.log, w, http.StatusInternalServerError, "persistence", "failed to read back activity log id")
		return
	}
	writeJSON(h.log, w, http.StatusOK, map[string]interface{}{"activity_log_id": id})
}

type directionBiasRequest struct {
	Actor       string  `json:"actor"`
	Symbol      string  `json:"symbol"`
	Bias        float64 `json:"bias"`
	Strength    float64 `json:"strength"`
	DurationSec int     `json:"duration"`
}

func (h *AdminHandler) handleSetDirectionBias(w http.ResponseWriter, r *http.Request) {
	var req directionBiasRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(h.log, w, http.StatusBadRequest, "validation", "malformed request body")
		return
	}
	if req.Bias < -100 || req.Bias > 100 || req.Strength < 0 || req.Strength > 1 {
		writeError(h.log, w, http.StatusBadRequest, "validation", "bias or strength out of range")
		return
	}
	// req.Bias arrives on the [-100,+100] percent scale (spec §6); the
	// overlay and internal/generator's formula both operate on the
	// [-1,+1] fraction scale (spec §3), so convert at this boundary.
	h.container.Admin.SetDirectionBias(r.Context(), req.Actor, req.Symbol, req.Bias/100, req.Strength, expiryFrom(req.DurationSec))
	h.container.Events.Emit("admin", &events.OverlayChangedData{Symbol: req.Symbol, Actor: req.Actor, Action: "set_direction_bias"})
	h.respondWithActivityID(w, r)
}

type volatilityRequest struct {
	Actor       string  `json:"actor"`
	Symbol      string  `json:"symbol"`
	Multiplier  float64 `json:"multiplier"`
	DurationSec int     `json:"duration"`
}

func (h *AdminHandler) handleSetVolatility(w http.ResponseWriter, r *http.Request) {
	var req volatilityRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(h.log, w, http.StatusBadRequest, "validation", "malformed request body")
		return
	}
	if req.Multiplier <= 0 {
		writeError(h.log, w, http.StatusBadRequest, "validation", "multiplier must be positive")
		return
	}
	h.container.Admin.SetVolatilityOverride(r.Context(), req.Actor, req.Symbol, req.Multiplier, expiryFrom(req.DurationSec))
	h.container.Events.Emit("admin", &events.OverlayChangedData{Symbol: req.Symbol, Actor: req.Actor, Action: "set_volatility_override"})
	h.respondWithActivityID(w, r)
}

type priceOverrideRequest struct {
	Actor       string  `json:"actor"`
	Symbol      string  `json:"symbol"`
	Price       float64 `json:"price"`
	DurationSec int     `json:"duration"`
}

func (h *AdminHandler) handleSetPriceOverride(w http.ResponseWriter, r *http.Request) {
	var req priceOverrideRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(h.log, w, http.StatusBadRequest, "validation", "malformed request body")
		return
	}
	if req.Price <= 0 || req.DurationSec <= 0 {
		writeError(h.log, w, http.StatusBadRequest, "validation", "price_override requires a positive price and duration")
		return
	}
	h.container.Admin.SetPriceOverride(r.Context(), req.Actor, req.Symbol, req.Price, expiryFrom(req.DurationSec))
	h.container.Events.Emit("admin", &events.OverlayChangedData{Symbol: req.Symbol, Actor: req.Actor, Action: "set_price_override"})
	h.respondWithActivityID(w, r)
}

// handleClearOverlay backs clear_direction_bias/clear_volatility/
// clear_price_override: the overlay is a single per-symbol struct, so
// clearing any one of its fields clears the overlay wholesale. symbol is
// taken from the query string rather than the path, since synthetic
// symbols like "EUR/USD-OTC" contain a literal slash.
func (h *AdminHandler) handleClearOverlay(w http.ResponseWriter, r *http.Request) {
	symbol := r.URL.Query().Get("symbol")
	actor := r.URL.Query().Get("actor")
	if symbol == "" {
		writeError(h.log, w, http.StatusBadRequest, "validation", "symbol is required")
		return
	}
	h.container.Admin.ClearOverlay(r.Context(), actor, symbol)
	h.container.Events.Emit("admin", &events.OverlayChangedData{Symbol: symbol, Actor: actor, Action: "clear_overlay"})
	h.respondWithActivityID(w, r)
}

type userTargetRequest struct {
	Actor           string   `json:"actor"`
	User            string   `json:"user"`
	TargetWinRate   *float64 `json:"target_win_rate"`
	ForceNextWins   int      `json:"force_next_wins"`
	ForceNextLosses int      `json:"force_next_losses"`
}

func (h *AdminHandler) handleSetUserTarget(w http.ResponseWriter, r *http.Request) {
	var req userTargetRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(h.log, w, http.StatusBadRequest, "validation", "malformed request body")
		return
	}
	if req.User == "" {
		writeError(h.log, w, http.StatusBadRequest, "validation", "user is required")
		return
	}
	h.container.Admin.SetTargetFor(req.User, domain.UserTarget{
		TargetWinRate:   req.TargetWinRate,
		ForceNextWins:   req.ForceNextWins,
		ForceNextLosses: req.ForceNextLosses,
	})
	if req.ForceNextWins == 0 && req.ForceNextLosses == 0 {
		if err := h.container.Gateway.AppendActivityLog(r.Context(), domain.ActivityLog{
			At: time.Now(), Actor: req.Actor, Action: "set_user_target", Symbol: req.User,
		}); err != nil {
			writeError(h.log, w, http.StatusInternalServerError, "persistence", "failed to record activity")
			return
		}
	}
	if req.ForceNextWins > 0 {
		h.container.Admin.SetForceNextWins(r.Context(), req.Actor, req.User, req.ForceNextWins)
	}
	if req.ForceNextLosses > 0 {
		h.container.Admin.SetForceNextLosses(r.Context(), req.Actor, req.User, req.ForceNextLosses)
	}
	h.respondWithActivityID(w, r)
}

func (h *AdminHandler) handleClearUserTarget(w http.ResponseWriter, r *http.Request) {
	user := chi.URLParam(r, "user")
	actor := r.URL.Query().Get("actor")
	h.container.Admin.SetTargetFor(user, domain.UserTarget{})
	h.container.Admin.SetForceNextWins(r.Context(), actor, user, 0)
	h.respondWithActivityID(w, r)
}

type forceOutcomeRequest struct {
	Actor      string `json:"actor"`
	PositionID string `json:"position_id"`
	Outcome    string `json:"outcome"`
}

func (h *AdminHandler) handleForceTradeOutcome(w http.ResponseWriter, r *http.Request) {
	var req forceOutcomeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(h.log, w, http.StatusBadRequest, "validation", "malformed request body")
		return
	}
	outcome := domain.PositionResult(req.Outcome)
	if outcome != domain.ResultWon && outcome != domain.ResultLost {
		writeError(h.log, w, http.StatusBadRequest, "validation", "outcome must be WON or LOST")
		return
	}
	if err := h.container.Admin.ForceTradeOutcome(r.Context(), req.Actor, h.container.Gateway, req.PositionID, string(outcome)); err != nil {
		writeError(h.log, w, http.StatusConflict, "validation", err.Error())
		return
	}
	h.container.Events.Emit("admin", &events.ForcedOutcomeSetData{PositionID: req.PositionID, Actor: req.Actor, Outcome: string(outcome)})
	h.respondWithActivityID(w, r)
}
