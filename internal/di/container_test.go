package di

import (
	"context"
	"testing"
	"time"

	"github.com/otcplatform/sentinel-otc/internal/config"
	"github.com/otcplatform/sentinel-otc/internal/domain"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	return &config.Config{
		DataDir:               t.TempDir(),
		LogLevel:              "error",
		Port:                  8080,
		BackupMinKeep:         3,
		PriceHistoryRetention: 14 * 24 * time.Hour,
	}
}

func TestNewWiresEveryComponent(t *testing.T) {
	c, err := New(context.Background(), testConfig(t), zerolog.Nop())
	require.NoError(t, err)
	t.Cleanup(func() { c.Shutdown(context.Background()) })

	assert.NotNil(t, c.Gateway)
	assert.NotNil(t, c.Clock)
	assert.NotNil(t, c.Generator)
	assert.NotNil(t, c.Feed)
	assert.NotNil(t, c.Exposure)
	assert.NotNil(t, c.Risk)
	assert.NotNil(t, c.Admin)
	assert.NotNil(t, c.Bus)
	assert.NotNil(t, c.Settlement)
	assert.NotNil(t, c.Events)
	assert.Nil(t, c.Archive, "no archive bucket configured")
}

func TestStartAndShutdownRoundTrip(t *testing.T) {
	c, err := New(context.Background(), testConfig(t), zerolog.Nop())
	require.NoError(t, err)

	require.NoError(t, c.Start(context.Background()))
	time.Sleep(20 * time.Millisecond)
	require.NoError(t, c.Shutdown(context.Background()))
}

func TestConfigSourceComposesGatewayAndPanel(t *testing.T) {
	c, err := New(context.Background(), testConfig(t), zerolog.Nop())
	require.NoError(t, err)
	t.Cleanup(func() { c.Shutdown(context.Background()) })

	cfg := domain.SymbolConfig{
		Symbol: "EUR/USD-OTC", Base: "EUR/USD", MarketKind: domain.MarketForex,
		PipSize: 0.0001, Enabled: true, PayoutPercent: 85,
		TradeBounds:           domain.TradeBounds{Min: 1, Max: 100},
		BaselineVol:           0.001,
		VolMultiplier:         1,
		MeanReversionStrength: 0.1,
		MaxDeviationFraction:  0.02,
		InterventionRateRange: domain.Range{Lo: 0.1, Hi: 0.3},
		AnchoringDuration:     15 * time.Minute,
	}
	require.NoError(t, c.Gateway.UpsertSymbolConfig(context.Background(), cfg))

	cs := &configSource{gateway: c.Gateway, panel: c.Admin}

	got, ok := cs.ConfigFor("EUR/USD-OTC")
	require.True(t, ok)
	assert.Equal(t, cfg.PayoutPercent, got.PayoutPercent)

	c.Admin.SetTargetFor("alice", domain.UserTarget{ForceNextWins: 2})
	target := cs.TargetFor("alice")
	assert.Equal(t, 2, target.ForceNextWins)
}
