package settlement

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/otcplatform/sentinel-otc/internal/domain"
	"github.com/otcplatform/sentinel-otc/internal/risk"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeTicks struct {
	tick  domain.Tick
	fresh bool
	ok    bool
}

func (f *fakeTicks) BlockingTick(_ context.Context, _ string) (domain.Tick, bool, bool) {
	return f.tick, f.fresh, f.ok
}

type fakeExposure struct {
	mu            sync.Mutex
	closed        []domain.Position
	interventions []string
	snapshot      domain.Exposure
}

func (f *fakeExposure) Close(_ context.Context, symbol string, dir domain.Direction, stake float64) (domain.Exposure, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = append(f.closed, domain.Position{Symbol: symbol, Direction: dir, Stake: stake})
	return domain.Exposure{Symbol: symbol}, nil
}

func (f *fakeExposure) Snapshot(symbol string) domain.Exposure {
	if f.snapshot.Symbol != "" {
		return f.snapshot
	}
	return domain.Exposure{Symbol: symbol}
}

func (f *fakeExposure) RecordIntervention(_ context.Context, symbol string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.interventions = append(f.interventions, symbol)
	return nil
}

type fakeConfig struct {
	cfg    domain.SymbolConfig
	forced map[string]string
}

func (f *fakeConfig) ConfigFor(symbol string) (domain.SymbolConfig, bool) { return f.cfg, true }
func (f *fakeConfig) OverlayFor(symbol string) domain.ControlOverlay      { return domain.ControlOverlay{} }
func (f *fakeConfig) TargetFor(user string) domain.UserTarget             { return domain.UserTarget{} }
func (f *fakeConfig) SetTargetFor(user string, target domain.UserTarget)  {}
func (f *fakeConfig) ConsumeForcedOutcome(positionID string) (string, bool) {
	if f.forced == nil {
		return "", false
	}
	outcome, ok := f.forced[positionID]
	if ok {
		delete(f.forced, positionID)
	}
	return outcome, ok
}

type fakeStore struct {
	mu       sync.Mutex
	settled  []string
	results  []domain.PositionResult
	credits  []float64
}

func (f *fakeStore) SettlePosition(_ context.Context, id string, result domain.PositionResult, exitPrice, pnl float64, at time.Time) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.settled = append(f.settled, id)
	f.results = append(f.results, result)
	return nil
}
func (f *fakeStore) AppendActivityLog(_ context.Context, entry domain.ActivityLog) error { return nil }
func (f *fakeStore) OpenPositionsPastExpiry(_ context.Context, _ time.Time) ([]domain.Position, error) {
	return nil, nil
}
func (f *fakeStore) CreditWallet(_ context.Context, _ string, _ domain.AccountKind, amount float64, _ time.Time) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.credits = append(f.credits, amount)
	return nil
}

type fakeEvents struct {
	mu        sync.Mutex
	published []domain.Position
}

func (f *fakeEvents) PublishSettlement(symbol string, pos domain.Position) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.published = append(f.published, pos)
}

func newDispatcher(ticks *fakeTicks, store *fakeStore, events *fakeEvents) (*Dispatcher, *fakeExposure) {
	exp := &fakeExposure{}
	cfg := &fakeConfig{cfg: domain.SymbolConfig{Symbol: "EUR/USD-OTC", RiskEnabled: false, PayoutPercent: 85}}
	pol := risk.New(1, zerolog.Nop())
	return New(ticks, exp, cfg, pol, store, events, zerolog.Nop()), exp
}

func TestSettleWinningPositionCreditsPayout(t *testing.T) {
	ticks := &fakeTicks{tick: domain.Tick{Symbol: "EUR/USD-OTC", Price: 1.2000, Timestamp: time.Now()}, fresh: true, ok: true}
	store := &fakeStore{}
	events := &fakeEvents{}
	d, exp := newDispatcher(ticks, store, events)

	pos := domain.Position{
		ID: "p1", Symbol: "EUR/USD-OTC", Direction: domain.DirectionUp,
		Stake: 100, EntryPrice: 1.1000, AccountKind: domain.AccountReal,
		PayoutPercent: 85, Status: domain.StatusOpen,
	}
	d.settle(context.Background(), pos)

	require.Len(t, store.results, 1)
	assert.Equal(t, domain.ResultWon, store.results[0])
	assert.Len(t, exp.closed, 1)
	assert.Len(t, events.published, 1)
	require.Len(t, store.credits, 1)
	assert.Equal(t, 185.0, store.credits[0])
}

func TestSettleLosingPositionCreditsNothing(t *testing.T) {
	ticks := &fakeTicks{tick: domain.Tick{Symbol: "EUR/USD-OTC", Price: 1.0500, Timestamp: time.Now()}, fresh: true, ok: true}
	store := &fakeStore{}
	events := &fakeEvents{}
	d, _ := newDispatcher(ticks, store, events)

	pos := domain.Position{
		ID: "p5", Symbol: "EUR/USD-OTC", Direction: domain.DirectionUp,
		Stake: 100, EntryPrice: 1.1000, AccountKind: domain.AccountReal,
		PayoutPercent: 85, Status: domain.StatusOpen,
	}
	d.settle(context.Background(), pos)

	require.Len(t, store.results, 1)
	assert.Equal(t, domain.ResultLost, store.results[0])
	assert.Empty(t, store.credits)
}

func TestSettleVoidRefundsStake(t *testing.T) {
	ticks := &fakeTicks{ok: false}
	store := &fakeStore{}
	events := &fakeEvents{}
	d, _ := newDispatcher(ticks, store, events)

	pos := domain.Position{ID: "p6", Symbol: "EUR/USD-OTC", Stake: 50, EntryPrice: 1.1, AccountKind: domain.AccountDemo}
	d.settle(context.Background(), pos)

	require.Len(t, store.results, 1)
	assert.Equal(t, domain.ResultVoid, store.results[0])
	require.Len(t, store.credits, 1)
	assert.Equal(t, 50.0, store.credits[0])
}

func TestSettleNoTickVoids(t *testing.T) {
	ticks := &fakeTicks{ok: false}
	store := &fakeStore{}
	events := &fakeEvents{}
	d, _ := newDispatcher(ticks, store, events)

	pos := domain.Position{ID: "p2", Symbol: "EUR/USD-OTC", Direction: domain.DirectionUp, EntryPrice: 1.1, AccountKind: domain.AccountDemo}
	d.settle(context.Background(), pos)

	require.Len(t, store.results, 1)
	assert.Equal(t, domain.ResultVoid, store.results[0])
}

func TestSettleStaleTickOlderThanFiveSecondsVoids(t *testing.T) {
	ticks := &fakeTicks{tick: domain.Tick{Timestamp: time.Now().Add(-6 * time.Second)}, fresh: false, ok: true}
	store := &fakeStore{}
	events := &fakeEvents{}
	d, _ := newDispatcher(ticks, store, events)

	pos := domain.Position{ID: "p3", Symbol: "EUR/USD-OTC", Direction: domain.DirectionUp, EntryPrice: 1.1, AccountKind: domain.AccountDemo}
	d.settle(context.Background(), pos)

	require.Len(t, store.results, 1)
	assert.Equal(t, domain.ResultVoid, store.results[0])
}

func TestSettleForcedOutcomeTakesPrecedence(t *testing.T) {
	ticks := &fakeTicks{tick: domain.Tick{Price: 1.0500, Timestamp: time.Now()}, fresh: true, ok: true}
	store := &fakeStore{}
	events := &fakeEvents{}
	d, _ := newDispatcher(ticks, store, events)

	pos := domain.Position{
		ID: "p4", Symbol: "EUR/USD-OTC", Direction: domain.DirectionUp,
		EntryPrice: 1.1000, AccountKind: domain.AccountReal, ForcedOutcome: string(domain.ResultWon),
	}
	d.settle(context.Background(), pos)

	require.Len(t, store.results, 1)
	assert.Equal(t, domain.ResultWon, store.results[0])
}

func TestSettleConsumesForcedOutcomeSetAfterScheduling(t *testing.T) {
	ticks := &fakeTicks{tick: domain.Tick{Price: 1.0500, Timestamp: time.Now()}, fresh: true, ok: true}
	store := &fakeStore{}
	events := &fakeEvents{}
	exp := &fakeExposure{}
	cfg := &fakeConfig{
		cfg:    domain.SymbolConfig{Symbol: "EUR/USD-OTC", RiskEnabled: false, PayoutPercent: 85},
		forced: map[string]string{"p5": string(domain.ResultLost)},
	}
	pol := risk.New(1, zerolog.Nop())
	d := New(ticks, exp, cfg, pol, store, events, zerolog.Nop())

	// pos.ForcedOutcome is empty, matching the snapshot captured at Schedule
	// time before the admin's later force_trade_outcome call recorded the
	// override in cfg rather than on the position itself.
	pos := domain.Position{ID: "p5", Symbol: "EUR/USD-OTC", Direction: domain.DirectionUp, EntryPrice: 1.1000, AccountKind: domain.AccountReal}
	d.settle(context.Background(), pos)

	require.Len(t, store.results, 1)
	assert.Equal(t, domain.ResultLost, store.results[0])
	_, stillForced := cfg.ConsumeForcedOutcome("p5")
	assert.False(t, stillForced, "forced outcome should be consumed exactly once")
}

func TestSettleRecordsExposureInterventionWhenRiskCascadeIntervenes(t *testing.T) {
	ticks := &fakeTicks{tick: domain.Tick{Price: 1.1050, Timestamp: time.Now()}, fresh: true, ok: true}
	store := &fakeStore{}
	events := &fakeEvents{}
	exp := &fakeExposure{snapshot: domain.Exposure{Symbol: "EUR/USD-OTC", UpStake: 100, DownStake: 0}}
	cfg := &fakeConfig{cfg: domain.SymbolConfig{
		Symbol: "EUR/USD-OTC", PipSize: 0.0001, RiskEnabled: true,
		ExposureThreshold: 0.2, InterventionRateRange: domain.Range{Lo: 1, Hi: 1}, PayoutPercent: 85,
	}}
	pol := risk.New(7, zerolog.Nop())
	d := New(ticks, exp, cfg, pol, store, events, zerolog.Nop())

	pos := domain.Position{ID: "p6", Symbol: "EUR/USD-OTC", Direction: domain.DirectionUp, EntryPrice: 1.1000, AccountKind: domain.AccountReal}
	d.settle(context.Background(), pos)

	require.Len(t, store.results, 1)
	assert.Equal(t, []string{"EUR/USD-OTC"}, exp.interventions)
}

func TestScheduleOrdersByExpiry(t *testing.T) {
	ticks := &fakeTicks{ok: false}
	store := &fakeStore{}
	events := &fakeEvents{}
	d, _ := newDispatcher(ticks, store, events)

	now := time.Now()
	d.Schedule(domain.Position{ID: "late", ExpiresAt: now.Add(time.Minute)})
	d.Schedule(domain.Position{ID: "early", ExpiresAt: now.Add(time.Second)})

	require.Equal(t, "early", d.queue[0].pos.ID)
}
