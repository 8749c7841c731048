// Package clock implements the market-hours scheduler (spec §4.A): per
// symbol, it decides whether the price generator should mirror the real
// feed, run synthetically, or blend between the two during anchoring.
//
// Of the teacher's market_hours module handler contract (GetMarketStatus /
// IsMarketOpen / GetOpenMarkets), only IsMarketOpen is provided here; the
// HTTP surface in internal/server uses it alongside CurrentMode.
package clock

import (
	"sync"
	"time"

	"github.com/otcplatform/sentinel-otc/internal/domain"
)

// MarketStatus is the read-model returned to admin/status callers.
type MarketStatus struct {
	Exchange string
	Open     bool
	Timezone string
}

// Scheduler decides a synthetic symbol's Mode at a point in time and
// tracks the monotonic mode history required to detect the
// SYNTHETIC->ANCHORING transition (spec §4.A).
//
// One Scheduler instance serves every symbol; per-symbol state is guarded
// by a single mutex since updates are rare (one per tick cycle per symbol,
// at 10 Hz) relative to typical lock-contention budgets.
type Scheduler struct {
	mu    sync.Mutex
	state map[string]*symbolState
}

type symbolState struct {
	lastMode           domain.Mode
	anchoringStartedAt time.Time
}

// New creates an empty Scheduler.
func New() *Scheduler {
	return &Scheduler{state: make(map[string]*symbolState)}
}

// ModeFor implements the mode_for(symbol, now) contract of spec §4.A. cfg
// describes the synthetic symbol being scheduled; base market openness is
// computed from cfg.MarketKind and cfg.Base's calendar rules.
//
// The scheduler must be consulted at most once per tick cycle per symbol;
// callers that violate this will see non-monotonic anchoring windows.
func (s *Scheduler) ModeFor(cfg domain.SymbolConfig, now time.Time) domain.Mode {
	s.mu.Lock()
	defer s.mu.Unlock()

	st, ok := s.state[cfg.Symbol]
	if !ok {
		st = &symbolState{lastMode: domain.ModeSynthetic}
		s.state[cfg.Symbol] = st
	}

	if !isMarketOpen(cfg.MarketKind, now) {
		st.lastMode = domain.ModeSynthetic
		return domain.ModeSynthetic
	}

	// Market is open. Was it SYNTHETIC last cycle? Start anchoring.
	if st.lastMode == domain.ModeSynthetic {
		st.lastMode = domain.ModeAnchoring
		st.anchoringStartedAt = now
		return domain.ModeAnchoring
	}

	if st.lastMode == domain.ModeAnchoring {
		if now.Sub(st.anchoringStartedAt) < cfg.AnchoringDuration {
			return domain.ModeAnchoring
		}
		st.lastMode = domain.ModeRealMirror
		return domain.ModeRealMirror
	}

	st.lastMode = domain.ModeRealMirror
	return domain.ModeRealMirror
}

// AnchoringStartedAt returns the time anchoring began for symbol, if it is
// currently (or was most recently) anchoring.
func (s *Scheduler) AnchoringStartedAt(symbol string) (time.Time, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	st, ok := s.state[symbol]
	if !ok || st.lastMode != domain.ModeAnchoring {
		return time.Time{}, false
	}
	return st.anchoringStartedAt, true
}

// CurrentMode returns symbol's most recently assigned Mode without
// advancing scheduler state, for read-only status reporting. Returns false
// if ModeFor has never been called for symbol.
func (s *Scheduler) CurrentMode(symbol string) (domain.Mode, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	st, ok := s.state[symbol]
	if !ok {
		return "", false
	}
	return st.lastMode, true
}

// ForceSynthetic is called when a feed outage exceeds 60s (spec §7), or
// when no real price has been seen yet for the symbol's base: the affected
// symbol transitions to SYNTHETIC regardless of the calendar.
func (s *Scheduler) ForceSynthetic(symbol string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if st, ok := s.state[symbol]; ok {
		st.lastMode = domain.ModeSynthetic
	}
}

// isMarketOpen implements the FOREX/CRYPTO calendar rules of spec §4.A.
// FOREX is closed from Friday 22:00 UTC until Sunday 22:00 UTC (all of
// Saturday) and reopens at Sunday 22:00 UTC. CRYPTO is always open.
func isMarketOpen(kind domain.MarketKind, now time.Time) bool {
	if kind == domain.MarketCrypto {
		return true
	}
	u := now.UTC()
	wd := u.Weekday()
	switch wd {
	case time.Saturday:
		return false
	case time.Friday:
		return u.Hour() < 22
	case time.Sunday:
		return u.Hour() >= 22
	default:
		return true
	}
}

// IsMarketOpen reports whether cfg's base market is open at now, without
// touching mode history. Used by the read-only status surface.
func IsMarketOpen(cfg domain.SymbolConfig, now time.Time) bool {
	return isMarketOpen(cfg.MarketKind, now)
}
