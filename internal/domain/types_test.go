package domain

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSyntheticSymbol(t *testing.T) {
	assert.Equal(t, "EUR/USD-OTC", SyntheticSymbol("EUR/USD"))
}

func TestSymbolConfigValidate(t *testing.T) {
	base := SymbolConfig{
		TradeBounds:           TradeBounds{Min: 1, Max: 100},
		InterventionRateRange: Range{Lo: 0.25, Hi: 0.4},
		ExposureThreshold:     0.35,
		MaxDeviationFraction:  0.02,
		PayoutPercent:         85,
	}
	require.NoError(t, base.Validate())

	bad := base
	bad.TradeBounds = TradeBounds{Min: 100, Max: 1}
	assert.Error(t, bad.Validate())

	bad = base
	bad.ExposureThreshold = 1
	assert.Error(t, bad.Validate())

	bad = base
	bad.MaxDeviationFraction = 0.2
	assert.Error(t, bad.Validate())
}

func TestPositionWinsLoses(t *testing.T) {
	up := Position{Direction: DirectionUp, EntryPrice: 1.1000}
	assert.True(t, up.Wins(1.1001))
	assert.False(t, up.Wins(1.1000))
	assert.True(t, up.Loses(1.0999))

	down := Position{Direction: DirectionDown, EntryPrice: 1.1000}
	assert.True(t, down.Wins(1.0999))
	assert.True(t, down.Loses(1.1001))
}

func TestExposureRatio(t *testing.T) {
	e := Exposure{UpStake: 1000, DownStake: 100}
	assert.InDelta(t, 900.0/1100.0, e.Ratio(), 1e-9)

	empty := Exposure{}
	assert.Equal(t, 0.0, empty.Ratio())
}

func TestControlOverlayExpiry(t *testing.T) {
	now := time.Now()
	o := ControlOverlay{
		PriceOverride:       1.2,
		PriceOverrideExpiry: now.Add(time.Minute),
	}
	assert.True(t, o.PriceActive(now))
	assert.False(t, o.Expired(now))
	assert.True(t, o.Expired(now.Add(2*time.Minute)))
}
