// Package admin implements the admin control plane (spec §4.G): pure
// mutators over each synthetic symbol's ControlOverlay and each user's
// UserTarget, plus the one-shot force_trade_outcome flag settlement
// honours ahead of the risk cascade.
//
// Grounded on the teacher's settings-module mutator shape (validate,
// mutate under lock, return the new value) generalized from symbol
// settings to overlay/target state.
package admin

import (
	"context"
	"sync"
	"time"

	"github.com/otcplatform/sentinel-otc/internal/domain"
	"github.com/rs/zerolog"
)

// ActivityLogger records admin actions to the append-only activity log
// (spec §4.I).
type ActivityLogger interface {
	AppendActivityLog(ctx context.Context, entry domain.ActivityLog) error
}

// Panel owns every symbol's ControlOverlay and every user's UserTarget.
type Panel struct {
	mu        sync.RWMutex
	overlays  map[string]domain.ControlOverlay
	targets   map[string]domain.UserTarget
	forced    map[string]string // position id -> outcome, one-shot
	log       zerolog.Logger
	activity  ActivityLogger
}

// New creates an empty Panel.
func New(activity ActivityLogger, log zerolog.Logger) *Panel {
	return &Panel{
		overlays: make(map[string]domain.ControlOverlay),
		targets:  make(map[string]domain.UserTarget),
		forced:   make(map[string]string),
		activity: activity,
		log:      log.With().Str("component", "admin_panel").Logger(),
	}
}

// OverlayFor returns symbol's current overlay, or the zero value if none
// is set.
func (p *Panel) OverlayFor(symbol string) domain.ControlOverlay {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.overlays[symbol]
}

// TargetFor returns user's current target, or the zero value if none is set.
func (p *Panel) TargetFor(user string) domain.UserTarget {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.targets[user]
}

// SetTargetFor replaces user's target wholesale (used by the settlement
// dispatcher to consume a one-shot force_next_wins/losses count).
func (p *Panel) SetTargetFor(user string, target domain.UserTarget) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if target.Empty() {
		delete(p.targets, user)
		return
	}
	p.targets[user] = target
}

// SetDirectionBias sets a directional bias on symbol's overlay, idempotent
// and timestamp-bearing.
func (p *Panel) SetDirectionBias(ctx context.Context, actor, symbol string, bias, strength float64, expiry time.Time) {
	p.mu.Lock()
	ov := p.overlays[symbol]
	ov.DirectionBias = bias
	ov.DirectionStrength = strength
	ov.DirectionExpiry = expiry
	p.overlays[symbol] = ov
	p.mu.Unlock()

	p.logAction(ctx, actor, "set_direction_bias", symbol, "")
}

// SetVolatilityOverride sets a volatility multiplier override on symbol's overlay.
func (p *Panel) SetVolatilityOverride(ctx context.Context, actor, symbol string, multiplier float64, expiry time.Time) {
	p.mu.Lock()
	ov := p.overlays[symbol]
	ov.VolMultiplierOverride = multiplier
	ov.VolExpiry = expiry
	p.overlays[symbol] = ov
	p.mu.Unlock()

	p.logAction(ctx, actor, "set_volatility_override", symbol, "")
}

// SetPriceOverride pins symbol's emitted price to an exact value until expiry.
func (p *Panel) SetPriceOverride(ctx context.Context, actor, symbol string, price float64, expiry time.Time) {
	p.mu.Lock()
	ov := p.overlays[symbol]
	ov.PriceOverride = price
	ov.PriceOverrideExpiry = expiry
	p.overlays[symbol] = ov
	p.mu.Unlock()

	p.logAction(ctx, actor, "set_price_override", symbol, "")
}

// ClearOverlay removes symbol's overlay entirely.
func (p *Panel) ClearOverlay(ctx context.Context, actor, symbol string) {
	p.mu.Lock()
	delete(p.overlays, symbol)
	p.mu.Unlock()

	p.logAction(ctx, actor, "clear_overlay", symbol, "")
}

// SetForceNextWins sets user's one-shot forced-win count.
func (p *Panel) SetForceNextWins(ctx context.Context, actor, user string, count int) {
	p.mu.Lock()
	t := p.targets[user]
	t.ForceNextWins = count
	p.targets[user] = t
	p.mu.Unlock()

	p.logAction(ctx, actor, "set_force_next_wins", user, "")
}

// SetForceNextLosses sets user's one-shot forced-loss count.
func (p *Panel) SetForceNextLosses(ctx context.Context, actor, user string, count int) {
	p.mu.Lock()
	t := p.targets[user]
	t.ForceNextLosses = count
	p.targets[user] = t
	p.mu.Unlock()

	p.logAction(ctx, actor, "set_force_next_losses", user, "")
}

// ErrPositionNotOpen is returned by ForceTradeOutcome when the position is
// not OPEN (spec §4.G: permitted only while OPEN), and also when an outcome
// has already been forced for it.
type ErrPositionNotOpen struct{ PositionID string }

func (e ErrPositionNotOpen) Error() string {
	return "position " + e.PositionID + " is not open"
}

// PositionStatusChecker reports a position's current status so
// ForceTradeOutcome can enforce the OPEN-only precondition.
type PositionStatusChecker interface {
	StatusOf(ctx context.Context, positionID string) (domain.PositionStatus, error)
}

// ForceTradeOutcome sets a one-shot forced outcome on positionID, honoured
// by the settlement dispatcher instead of the risk cascade (spec §4.F
// step 3 / §4.G). Must be used at most once per position.
func (p *Panel) ForceTradeOutcome(ctx context.Context, actor string, statusOf PositionStatusChecker, positionID, outcome string) error {
	status, err := statusOf.StatusOf(ctx, positionID)
	if err != nil {
		return err
	}
	if status != domain.StatusOpen {
		return ErrPositionNotOpen{PositionID: positionID}
	}

	p.mu.Lock()
	if _, already := p.forced[positionID]; already {
		p.mu.Unlock()
		return ErrPositionNotOpen{PositionID: positionID}
	}
	p.forced[positionID] = outcome
	p.mu.Unlock()

	p.logAction(ctx, actor, "force_trade_outcome", positionID, outcome)
	return nil
}

// ConsumeForcedOutcome returns and clears positionID's forced outcome, if any.
func (p *Panel) ConsumeForcedOutcome(positionID string) (string, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	outcome, ok := p.forced[positionID]
	if ok {
		delete(p.forced, positionID)
	}
	return outcome, ok
}

// CleanupExpired clears overlays that have fully lapsed at now (spec
// §4.G: "a periodic (>= 1 min) cleanup may clear clearly expired rows").
// Returns the number of overlays removed.
func (p *Panel) CleanupExpired(now time.Time) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	removed := 0
	for symbol, ov := range p.overlays {
		if ov.Expired(now) {
			delete(p.overlays, symbol)
			removed++
		}
	}
	return removed
}

func (p *Panel) logAction(ctx context.Context, actor, action, symbol, detail string) {
	if p.activity == nil {
		return
	}
	if err := p.activity.AppendActivityLog(ctx, domain.ActivityLog{
		At:     time.Now(),
		Actor:  actor,
		Action: action,
		Symbol: symbol,
		Detail: detail,
	}); err != nil {
		p.log.Error().Err(err).Str("action", action).Msg("failed to append activity log")
	}
}
