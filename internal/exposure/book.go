// Package exposure implements the in-memory exposure book (spec §4.D): a
// per-symbol aggregate of open REAL-account stakes split by direction,
// durably mirrored through a Persister.
//
// Grounded on the teacher's portfolio position-aggregation idiom and the
// example pack's per-symbol mutex-guarded aggregate-stake shape: one
// mutex per symbol entry rather than one global lock, so placements on
// different symbols never contend.
package exposure

import (
	"context"
	"sync"

	"github.com/otcplatform/sentinel-otc/internal/domain"
	"github.com/rs/zerolog"
)

// Persister is the write-through target for exposure mutations (the
// Exposure slice of the persistence gateway, spec §4.I).
type Persister interface {
	UpsertExposure(ctx context.Context, e domain.Exposure) error
}

// Book owns every symbol's Exposure aggregate.
type Book struct {
	mu     sync.RWMutex
	bySym  map[string]*entry
	persist Persister
	log    zerolog.Logger
}

type entry struct {
	mu sync.Mutex
	e  domain.Exposure
}

// New creates an empty Book.
func New(persist Persister, log zerolog.Logger) *Book {
	return &Book{
		bySym:   make(map[string]*entry),
		persist: persist,
		log:     log.With().Str("component", "exposure_book").Logger(),
	}
}

func (b *Book) entryFor(symbol string) *entry {
	b.mu.RLock()
	e, ok := b.bySym[symbol]
	b.mu.RUnlock()
	if ok {
		return e
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if e, ok = b.bySym[symbol]; ok {
		return e
	}
	e = &entry{e: domain.Exposure{Symbol: symbol}}
	b.bySym[symbol] = e
	return e
}

// Restore seeds the book from a persisted snapshot at startup (crash
// recovery, spec §3 "the core rehydrates all of these at startup").
func (b *Book) Restore(snapshots []domain.Exposure) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, snap := range snapshots {
		b.bySym[snap.Symbol] = &entry{e: snap}
	}
}

// Open records a newly placed REAL position on a synthetic symbol. Only
// called for positions that are eligible for exposure (spec §4.D: "Only
// REAL-account positions on synthetic symbols contribute"); callers filter
// DEMO positions before calling Open.
func (b *Book) Open(ctx context.Context, symbol string, direction domain.Direction, stake float64) (domain.Exposure, error) {
	e := b.entryFor(symbol)
	e.mu.Lock()
	switch direction {
	case domain.DirectionUp:
		e.e.UpStake += stake
		e.e.UpCount++
	case domain.DirectionDown:
		e.e.DownStake += stake
		e.e.DownCount++
	}
	snap := e.e
	e.mu.Unlock()

	if err := b.persist.UpsertExposure(ctx, snap); err != nil {
		return snap, err
	}
	return snap, nil
}

// Close releases a settled position's contribution to exposure. Aggregates
// are clamped to zero and a warning is logged if a decrement would
// underflow (spec §4.D: "treat as a bug and clamp to zero while emitting a
// warning event").
func (b *Book) Close(ctx context.Context, symbol string, direction domain.Direction, stake float64) (domain.Exposure, error) {
	e := b.entryFor(symbol)
	e.mu.Lock()
	switch direction {
	case domain.DirectionUp:
		e.e.UpStake -= stake
		if e.e.UpStake < 0 {
			b.log.Warn().Str("symbol", symbol).Float64("stake", stake).Msg("exposure underflow clamped to zero (up_stake)")
			e.e.UpStake = 0
		}
		e.e.UpCount--
		if e.e.UpCount < 0 {
			e.e.UpCount = 0
		}
	case domain.DirectionDown:
		e.e.DownStake -= stake
		if e.e.DownStake < 0 {
			b.log.Warn().Str("symbol", symbol).Float64("stake", stake).Msg("exposure underflow clamped to zero (down_stake)")
			e.e.DownStake = 0
		}
		e.e.DownCount--
		if e.e.DownCount < 0 {
			e.e.DownCount = 0
		}
	}
	snap := e.e
	e.mu.Unlock()

	if err := b.persist.UpsertExposure(ctx, snap); err != nil {
		return snap, err
	}
	return snap, nil
}

// RecordIntervention increments the intervention counter for symbol,
// write-through to persistence.
func (b *Book) RecordIntervention(ctx context.Context, symbol string) error {
	e := b.entryFor(symbol)
	e.mu.Lock()
	e.e.InterventionsApplied++
	snap := e.e
	e.mu.Unlock()
	return b.persist.UpsertExposure(ctx, snap)
}

// Reset clears a symbol's exposure aggregates to zero. This is an explicit
// administrative reconciliation action (spec §9 Open Question), never part
// of the normal settlement path; callers are responsible for logging it to
// the activity log.
func (b *Book) Reset(ctx context.Context, symbol string) (domain.Exposure, error) {
	e := b.entryFor(symbol)
	e.mu.Lock()
	e.e = domain.Exposure{Symbol: symbol}
	snap := e.e
	e.mu.Unlock()
	return snap, b.persist.UpsertExposure(ctx, snap)
}

// Snapshot returns a consistent read of symbol's current Exposure.
func (b *Book) Snapshot(symbol string) domain.Exposure {
	e := b.entryFor(symbol)
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.e
}
