// Package settlement implements the settlement timer/dispatcher (spec
// §4.F): a time-ordered expiry queue that fires each position within 50 ms
// of its expires_at, applies the risk policy, persists the result, closes
// the exposure book, and emits a settlement event.
//
// The time-ordered-queue shape is adapted from the teacher's job-queue
// idiom (a typed unit of work carrying its own metadata, dispatched by a
// single scheduling loop); priority there was a discrete enum, here it
// collapses to a min-heap ordered purely by expires_at. The
// execute-then-persist-then-emit sequencing is grounded on the teacher's
// trade execution service.
package settlement

import (
	"container/heap"
	"context"
	"sync"
	"time"

	"github.com/otcplatform/sentinel-otc/internal/domain"
	"github.com/otcplatform/sentinel-otc/internal/risk"
	"github.com/rs/zerolog"
)

// TickSource supplies the current tick for a symbol (spec §4.F step 2: a
// blocking read with a 200 ms timeout, falling back to the most recently
// stored tick).
type TickSource interface {
	// BlockingTick waits up to the context's deadline for a fresh tick on
	// symbol and returns it, or returns the most recent stored tick with
	// ok=true and fresh=false if none arrives in time.
	BlockingTick(ctx context.Context, symbol string) (tick domain.Tick, fresh bool, ok bool)
}

// ExposureCloser closes a settled position's contribution to exposure.
type ExposureCloser interface {
	Close(ctx context.Context, symbol string, direction domain.Direction, stake float64) (domain.Exposure, error)
	// RecordIntervention increments a symbol's intervention counter when the
	// risk cascade adjusts a position's exit price away from the market tick.
	RecordIntervention(ctx context.Context, symbol string) error
}

// ExposureReader reads a symbol's current Exposure snapshot for the risk decision.
type ExposureReader interface {
	Snapshot(symbol string) domain.Exposure
}

// ConfigSource looks up a symbol's configuration and current overlay/target.
type ConfigSource interface {
	ConfigFor(symbol string) (domain.SymbolConfig, bool)
	OverlayFor(symbol string) domain.ControlOverlay
	TargetFor(user string) domain.UserTarget
	SetTargetFor(user string, target domain.UserTarget)
	// ConsumeForcedOutcome returns and clears positionID's one-shot
	// force_trade_outcome flag (spec §4.G), if an admin set one after the
	// position was scheduled.
	ConsumeForcedOutcome(positionID string) (string, bool)
}

// RiskPolicy decides a position's exit price.
type RiskPolicy interface {
	Decide(now time.Time, pos domain.Position, m float64, overlay domain.ControlOverlay, exp domain.Exposure, cfg domain.SymbolConfig, target domain.UserTarget) (risk.Decision, domain.UserTarget)
}

// Store persists the settled position and the activity-log/price-history
// side effects of settlement.
type Store interface {
	SettlePosition(ctx context.Context, positionID string, result domain.PositionResult, exitPrice, pnl float64, at time.Time) error
	AppendActivityLog(ctx context.Context, entry domain.ActivityLog) error
	OpenPositionsPastExpiry(ctx context.Context, now time.Time) ([]domain.Position, error)
	// CreditWallet pays a settled position's proceeds (stake + pnl on a
	// win, stake alone on a VOID refund) back to the user's wallet.
	CreditWallet(ctx context.Context, user string, accountKind domain.AccountKind, amount float64, at time.Time) error
}

// Events publishes the settlement event to the subscription bus.
type Events interface {
	PublishSettlement(symbol string, pos domain.Position)
}

// Dispatcher is the time-ordered settlement scheduler. One Dispatcher
// serves every symbol; each pending position is a single heap entry keyed
// by ExpiresAt.
type Dispatcher struct {
	mu    sync.Mutex
	queue entryHeap
	wake  chan struct{}

	ticks    TickSource
	exposure interface {
		ExposureCloser
		ExposureReader
	}
	cfg    ConfigSource
	risk   RiskPolicy
	store  Store
	events Events
	log    zerolog.Logger
}

type entry struct {
	pos   domain.Position
	index int
}

type entryHeap []*entry

func (h entryHeap) Len() int            { return len(h) }
func (h entryHeap) Less(i, j int) bool  { return h[i].pos.ExpiresAt.Before(h[j].pos.ExpiresAt) }
func (h entryHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].index = i
	h[j].index = j
}
func (h *entryHeap) Push(x any) {
	e := x.(*entry)
	e.index = len(*h)
	*h = append(*h, e)
}
func (h *entryHeap) Pop() any {
	old := *h
	n := len(old)
	e := old[n-1]
	old[n-1] = nil
	*h = old[:n-1]
	return e
}

// New creates a Dispatcher.
func New(
	ticks TickSource,
	exposure interface {
		ExposureCloser
		ExposureReader
	},
	cfg ConfigSource,
	risk RiskPolicy,
	store Store,
	events Events,
	log zerolog.Logger,
) *Dispatcher {
	return &Dispatcher{
		wake:     make(chan struct{}, 1),
		ticks:    ticks,
		exposure: exposure,
		cfg:      cfg,
		risk:     risk,
		store:    store,
		events:   events,
		log:      log.With().Str("component", "settlement_dispatcher").Logger(),
	}
}

// Schedule enqueues an OPEN position for settlement at its ExpiresAt.
func (d *Dispatcher) Schedule(pos domain.Position) {
	d.mu.Lock()
	heap.Push(&d.queue, &entry{pos: pos})
	d.mu.Unlock()
	d.nudge()
}

func (d *Dispatcher) nudge() {
	select {
	case d.wake <- struct{}{}:
	default:
	}
}

// Run drives the dispatch loop until ctx is cancelled. It must be started
// exactly once.
func (d *Dispatcher) Run(ctx context.Context) {
	timer := time.NewTimer(time.Hour)
	defer timer.Stop()

	for {
		d.mu.Lock()
		var wait time.Duration
		if d.queue.Len() == 0 {
			wait = time.Hour
		} else {
			wait = time.Until(d.queue[0].pos.ExpiresAt)
			if wait < 0 {
				wait = 0
			}
		}
		d.mu.Unlock()

		if !timer.Stop() {
			select {
			case <-timer.C:
			default:
			}
		}
		timer.Reset(wait)

		select {
		case <-ctx.Done():
			return
		case <-d.wake:
			continue
		case <-timer.C:
			d.fireDue(ctx)
		}
	}
}

// fireDue settles every position whose ExpiresAt has passed.
func (d *Dispatcher) fireDue(ctx context.Context) {
	now := time.Now()
	for {
		d.mu.Lock()
		if d.queue.Len() == 0 || d.queue[0].pos.ExpiresAt.After(now) {
			d.mu.Unlock()
			return
		}
		e := heap.Pop(&d.queue).(*entry)
		d.mu.Unlock()

		d.settle(ctx, e.pos)
	}
}

// settle implements spec §4.F steps 1-6 for one position. Step 1 (the
// atomic OPEN->settling transition) is assumed to have already happened at
// Schedule time under the caller's own persistence transaction; settle
// here performs steps 2-6.
func (d *Dispatcher) settle(ctx context.Context, pos domain.Position) {
	cfg, ok := d.cfg.ConfigFor(pos.Symbol)
	if !ok {
		d.log.Error().Str("symbol", pos.Symbol).Str("position", pos.ID).Msg("no config for settling symbol")
		return
	}

	readCtx, cancel := context.WithTimeout(ctx, 200*time.Millisecond)
	tick, fresh, ok := d.ticks.BlockingTick(readCtx, pos.Symbol)
	cancel()

	var result domain.PositionResult
	var exitPrice float64

	switch {
	case !ok:
		result, exitPrice = domain.ResultVoid, pos.EntryPrice
	case !fresh && time.Since(tick.Timestamp) > 5*time.Second:
		result, exitPrice = domain.ResultVoid, pos.EntryPrice
	default:
		var intervened bool
		result, exitPrice, intervened = d.applyRisk(pos, tick, cfg)
		if intervened {
			if err := d.exposure.RecordIntervention(ctx, pos.Symbol); err != nil {
				d.log.Error().Err(err).Str("position", pos.ID).Msg("failed to record risk intervention")
			}
		}
	}

	pnl := pnlOf(pos, result)
	credit := creditAmount(pos, result)

	if err := d.store.SettlePosition(ctx, pos.ID, result, exitPrice, pnl, time.Now()); err != nil {
		d.log.Error().Err(err).Str("position", pos.ID).Msg("failed to persist settlement")
		return
	}

	if pos.AccountKind == domain.AccountReal {
		if _, err := d.exposure.Close(ctx, pos.Symbol, pos.Direction, pos.Stake); err != nil {
			d.log.Error().Err(err).Str("position", pos.ID).Msg("failed to close exposure")
		}
	}

	if credit > 0 {
		if err := d.store.CreditWallet(ctx, pos.User, pos.AccountKind, credit, time.Now()); err != nil {
			d.log.Error().Err(err).Str("position", pos.ID).Msg("failed to credit wallet after settlement")
		}
	}

	pos.Status = domain.StatusClosed
	pos.Result = result
	pos.ExitPrice = exitPrice
	pos.PnL = pnl
	pos.SettledAt = time.Now()
	d.events.PublishSettlement(pos.Symbol, pos)
}

// applyRisk runs a forced outcome (spec §4.G one-shot flag, which takes
// precedence over §4.E) or the full risk cascade, then derives WON/LOST/VOID.
// A forced outcome can be set by the admin control plane any time after the
// position was scheduled, so it's consumed from d.cfg here rather than read
// off the pos snapshot captured at Schedule time.
func (d *Dispatcher) applyRisk(pos domain.Position, tick domain.Tick, cfg domain.SymbolConfig) (domain.PositionResult, float64, bool) {
	var exitPrice float64
	var intervened bool

	forcedOutcome := pos.ForcedOutcome
	if outcome, ok := d.cfg.ConsumeForcedOutcome(pos.ID); ok {
		forcedOutcome = outcome
	}

	if forcedOutcome != "" {
		exitPrice = forcedExit(pos, forcedOutcome)
	} else {
		overlay := d.cfg.OverlayFor(pos.Symbol)
		exp := d.exposure.Snapshot(pos.Symbol)
		target := d.cfg.TargetFor(pos.User)

		dec, nextTarget := d.risk.Decide(time.Now(), pos, tick.Price, overlay, exp, cfg, target)
		exitPrice = dec.ExitPrice
		if nextTarget != target {
			d.cfg.SetTargetFor(pos.User, nextTarget)
		}
		if dec.Intervened {
			d.log.Debug().Str("position", pos.ID).Msg("risk intervention applied at settlement")
			intervened = true
		}
	}

	switch {
	case pos.Wins(exitPrice):
		return domain.ResultWon, exitPrice, intervened
	case pos.Loses(exitPrice):
		return domain.ResultLost, exitPrice, intervened
	default:
		return domain.ResultVoid, exitPrice, intervened
	}
}

// forcedExit honours a one-shot force_trade_outcome flag instead of the
// risk cascade (spec §4.G).
func forcedExit(pos domain.Position, outcome string) float64 {
	margin := pos.EntryPrice * 1e-5
	if margin <= 0 {
		margin = 1e-8
	}
	wantsWin := outcome == string(domain.ResultWon)
	switch pos.Direction {
	case domain.DirectionUp:
		if wantsWin {
			return pos.EntryPrice + margin
		}
		return pos.EntryPrice - margin
	default:
		if wantsWin {
			return pos.EntryPrice - margin
		}
		return pos.EntryPrice + margin
	}
}

// pnlOf computes a settled position's net profit or loss: +stake*payout_percent/100
// on a win, -stake on a loss, 0 on a VOID (the stake is fully refunded, not lost).
func pnlOf(pos domain.Position, result domain.PositionResult) float64 {
	switch result {
	case domain.ResultWon:
		return pos.Stake * pos.PayoutPercent / 100
	case domain.ResultLost:
		return -pos.Stake
	default:
		return 0
	}
}

// creditAmount computes the wallet credit for a settled position (spec
// §4.E): WON credits stake*(1+payout_percent/100) (stake back plus
// profit); LOST credits 0 (stake was already debited at open); VOID
// credits the stake back in full.
func creditAmount(pos domain.Position, result domain.PositionResult) float64 {
	switch result {
	case domain.ResultWon:
		return pos.Stake * (1 + pos.PayoutPercent/100)
	case domain.ResultVoid:
		return pos.Stake
	default:
		return 0
	}
}

// RecoverOnStartup scans for OPEN positions whose ExpiresAt has already
// passed (spec §4.F "Crash recovery") and settles them immediately using
// whatever tick is available.
func (d *Dispatcher) RecoverOnStartup(ctx context.Context) error {
	stale, err := d.store.OpenPositionsPastExpiry(ctx, time.Now())
	if err != nil {
		return err
	}
	for _, pos := range stale {
		d.settle(ctx, pos)
	}
	return nil
}
