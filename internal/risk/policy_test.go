package risk

import (
	"testing"
	"time"

	"github.com/otcplatform/sentinel-otc/internal/domain"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
)

func testCfg() domain.SymbolConfig {
	return domain.SymbolConfig{
		Symbol:                "EUR/USD-OTC",
		PipSize:               0.0001,
		RiskEnabled:           true,
		ExposureThreshold:     0.2,
		InterventionRateRange: domain.Range{Lo: 0.1, Hi: 0.9},
	}
}

func TestDecideForcedWinConsumesOneShot(t *testing.T) {
	p := New(1, zerolog.Nop())
	cfg := testCfg()
	pos := domain.Position{Direction: domain.DirectionUp, EntryPrice: 1.1000, AccountKind: domain.AccountReal}
	target := domain.UserTarget{ForceNextWins: 1}

	dec, next := p.Decide(time.Now(), pos, 1.0999, domain.ControlOverlay{}, domain.Exposure{}, cfg, target)

	assert.True(t, dec.ForcedWin)
	assert.True(t, pos.Wins(dec.ExitPrice))
	assert.Equal(t, 0, next.ForceNextWins)
}

func TestDecidePriceOverrideFallsThroughToStep4(t *testing.T) {
	p := New(2, zerolog.Nop())
	cfg := testCfg()
	pos := domain.Position{Direction: domain.DirectionUp, EntryPrice: 1.1000, AccountKind: domain.AccountReal}
	overlay := domain.ControlOverlay{PriceOverride: 1.2000, PriceOverrideExpiry: time.Now().Add(time.Minute)}

	// No exposure at all => step 4 passes through unchanged with the override value.
	dec, _ := p.Decide(time.Now(), pos, 1.0999, overlay, domain.Exposure{}, cfg, domain.UserTarget{})

	assert.Equal(t, 1.2000, dec.ExitPrice)
	assert.False(t, dec.Intervened)
}

func TestDecideDemoAccountPassesThrough(t *testing.T) {
	p := New(3, zerolog.Nop())
	cfg := testCfg()
	pos := domain.Position{Direction: domain.DirectionUp, EntryPrice: 1.1000, AccountKind: domain.AccountDemo}
	exp := domain.Exposure{UpStake: 100, DownStake: 10}

	dec, _ := p.Decide(time.Now(), pos, 1.0999, domain.ControlOverlay{}, exp, cfg, domain.UserTarget{})

	assert.Equal(t, 1.0999, dec.ExitPrice)
	assert.False(t, dec.Intervened)
}

func TestDecideMinoritySidePassesThrough(t *testing.T) {
	p := New(4, zerolog.Nop())
	cfg := testCfg()
	// UP is majority; a DOWN position is on the minority side, exempt.
	exp := domain.Exposure{UpStake: 100, DownStake: 10}
	pos := domain.Position{Direction: domain.DirectionDown, EntryPrice: 1.1000, AccountKind: domain.AccountReal}

	dec, _ := p.Decide(time.Now(), pos, 1.0999, domain.ControlOverlay{}, exp, cfg, domain.UserTarget{})

	assert.Equal(t, 1.0999, dec.ExitPrice)
	assert.False(t, dec.Intervened)
}

func TestDecideMajoritySideBelowThresholdPassesThrough(t *testing.T) {
	p := New(5, zerolog.Nop())
	cfg := testCfg()
	exp := domain.Exposure{UpStake: 11, DownStake: 10} // ratio ~0.048, below 0.2 threshold
	pos := domain.Position{Direction: domain.DirectionUp, EntryPrice: 1.1000, AccountKind: domain.AccountReal}

	dec, _ := p.Decide(time.Now(), pos, 1.0999, domain.ControlOverlay{}, exp, cfg, domain.UserTarget{})

	assert.Equal(t, 1.0999, dec.ExitPrice)
	assert.False(t, dec.Intervened)
}

func TestDecideMajoritySideAboveThresholdCanIntervene(t *testing.T) {
	// Extreme imbalance drives intervention probability to its ceiling, so a
	// fixed seed should deterministically intervene.
	p := New(7, zerolog.Nop())
	cfg := testCfg()
	cfg.InterventionRateRange = domain.Range{Lo: 1, Hi: 1}
	exp := domain.Exposure{UpStake: 100, DownStake: 0}
	pos := domain.Position{Direction: domain.DirectionUp, EntryPrice: 1.1000, AccountKind: domain.AccountReal}

	dec, _ := p.Decide(time.Now(), pos, 1.1050, domain.ControlOverlay{}, exp, cfg, domain.UserTarget{})

	assert.True(t, dec.Intervened)
	assert.NotEqual(t, 1.1050, dec.ExitPrice)
}
