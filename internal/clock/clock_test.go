package clock

import (
	"testing"
	"time"

	"github.com/otcplatform/sentinel-otc/internal/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func forexConfig() domain.SymbolConfig {
	return domain.SymbolConfig{
		Symbol:            "EUR/USD-OTC",
		Base:              "EUR/USD",
		MarketKind:        domain.MarketForex,
		AnchoringDuration: 15 * time.Minute,
	}
}

func TestIsMarketOpenForex(t *testing.T) {
	// Saturday is always closed.
	sat := time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC)
	require.Equal(t, time.Saturday, sat.Weekday())
	assert.False(t, isMarketOpen(domain.MarketForex, sat))

	// Friday 21:59 UTC still open, 22:00 closed.
	fri2159 := time.Date(2026, 7, 31, 21, 59, 0, 0, time.UTC)
	assert.True(t, isMarketOpen(domain.MarketForex, fri2159))
	fri2200 := time.Date(2026, 7, 31, 22, 0, 0, 0, time.UTC)
	assert.False(t, isMarketOpen(domain.MarketForex, fri2200))

	// Sunday 21:59 closed, 22:00 open.
	sun2159 := time.Date(2026, 8, 2, 21, 59, 0, 0, time.UTC)
	assert.False(t, isMarketOpen(domain.MarketForex, sun2159))
	sun2200 := time.Date(2026, 8, 2, 22, 0, 0, 0, time.UTC)
	assert.True(t, isMarketOpen(domain.MarketForex, sun2200))
}

func TestIsMarketOpenCrypto(t *testing.T) {
	sat := time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC)
	assert.True(t, isMarketOpen(domain.MarketCrypto, sat))
}

func TestModeForAnchoringTransition(t *testing.T) {
	cfg := forexConfig()
	s := New()

	// Saturday: closed -> SYNTHETIC.
	sat := time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC)
	assert.Equal(t, domain.ModeSynthetic, s.ModeFor(cfg, sat))

	// Sunday 22:00: market reopens -> begin ANCHORING.
	reopen := time.Date(2026, 8, 2, 22, 0, 0, 0, time.UTC)
	assert.Equal(t, domain.ModeAnchoring, s.ModeFor(cfg, reopen))

	// Mid-anchoring: still ANCHORING.
	mid := reopen.Add(7 * time.Minute)
	assert.Equal(t, domain.ModeAnchoring, s.ModeFor(cfg, mid))

	// Past anchoring_duration: REAL_MIRROR.
	after := reopen.Add(cfg.AnchoringDuration + time.Second)
	assert.Equal(t, domain.ModeRealMirror, s.ModeFor(cfg, after))

	// Stays REAL_MIRROR while still open.
	later := after.Add(time.Hour)
	assert.Equal(t, domain.ModeRealMirror, s.ModeFor(cfg, later))
}

func TestForceSynthetic(t *testing.T) {
	cfg := forexConfig()
	s := New()
	reopen := time.Date(2026, 8, 2, 22, 0, 0, 0, time.UTC)
	s.ModeFor(cfg, reopen)
	s.ForceSynthetic(cfg.Symbol)
	start, ok := s.AnchoringStartedAt(cfg.Symbol)
	assert.False(t, ok)
	assert.True(t, start.IsZero())
}
