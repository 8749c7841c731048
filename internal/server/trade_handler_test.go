package server

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/otcplatform/sentinel-otc/internal/config"
	"github.com/otcplatform/sentinel-otc/internal/di"
	"github.com/otcplatform/sentinel-otc/internal/domain"
)

func testContainer(t *testing.T) *di.Container {
	t.Helper()
	c, err := di.New(context.Background(), &config.Config{
		DataDir:               t.TempDir(),
		LogLevel:              "error",
		Port:                  8080,
		BackupMinKeep:         3,
		PriceHistoryRetention: 14 * 24 * time.Hour,
	}, zerolog.Nop())
	require.NoError(t, err)
	t.Cleanup(func() { c.Shutdown(context.Background()) })
	return c
}

func seedSymbol(t *testing.T, c *di.Container, symbol string) {
	t.Helper()
	require.NoError(t, c.Gateway.UpsertSymbolConfig(context.Background(), domain.SymbolConfig{
		Symbol: symbol, Base: "EUR/USD", MarketKind: domain.MarketForex,
		PipSize: 0.0001, Enabled: true, PayoutPercent: 85,
		TradeBounds:           domain.TradeBounds{Min: 1, Max: 1000},
		BaselineVol:           0.001,
		VolMultiplier:         1,
		MeanReversionStrength: 0.1,
		MaxDeviationFraction:  0.02,
		InterventionRateRange: domain.Range{Lo: 0.1, Hi: 0.3},
		AnchoringDuration:     15 * time.Minute,
	}))
}

// waitForTick polls until the market loop (already started by the caller)
// has published at least one tick for symbol, the way a real client would
// wait for the feed to warm up before placing its first trade.
func waitForTick(t *testing.T, c *di.Container, symbol string) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if _, ok := c.LatestTick(symbol); ok {
			return
		}
		time.Sleep(20 * time.Millisecond)
	}
	t.Fatalf("no tick published for %s within deadline", symbol)
}

func doPlaceTrade(t *testing.T, h *TradeHandler, body interface{}) *httptest.ResponseRecorder {
	t.Helper()
	data, err := json.Marshal(body)
	require.NoError(t, err)
	req := httptest.NewRequest(http.MethodPost, "/api/trades/", bytes.NewReader(data))
	rec := httptest.NewRecorder()
	h.HandlePlaceTrade(rec, req)
	return rec
}

func TestHandlePlaceTradeRejectsUnknownSymbol(t *testing.T) {
	c := testContainer(t)
	h := NewTradeHandler(c, zerolog.Nop())

	rec := doPlaceTrade(t, h, placeTradeRequest{
		User: "alice", Symbol: "NOPE", Direction: "UP", Stake: 10, DurationSec: 60, AccountKind: "DEMO",
	})

	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestHandlePlaceTradeRejectsBadDirection(t *testing.T) {
	c := testContainer(t)
	seedSymbol(t, c, "EUR/USD-OTC")
	h := NewTradeHandler(c, zerolog.Nop())

	rec := doPlaceTrade(t, h, placeTradeRequest{
		User: "alice", Symbol: "EUR/USD-OTC", Direction: "SIDEWAYS", Stake: 10, DurationSec: 60, AccountKind: "DEMO",
	})

	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestHandlePlaceTradeRejectsStakeOutsideBounds(t *testing.T) {
	c := testContainer(t)
	seedSymbol(t, c, "EUR/USD-OTC")
	h := NewTradeHandler(c, zerolog.Nop())

	rec := doPlaceTrade(t, h, placeTradeRequest{
		User: "alice", Symbol: "EUR/USD-OTC", Direction: "UP", Stake: 5000, DurationSec: 60, AccountKind: "DEMO",
	})

	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestHandlePlaceTradeRejectsWithoutPriceYet(t *testing.T) {
	c := testContainer(t)
	seedSymbol(t, c, "EUR/USD-OTC")
	h := NewTradeHandler(c, zerolog.Nop())

	// The market loop hasn't been started, so no tick has been published yet
	// for this symbol: place_trade must refuse rather than price at zero.
	rec := doPlaceTrade(t, h, placeTradeRequest{
		User: "alice", Symbol: "EUR/USD-OTC", Direction: "UP", Stake: 10, DurationSec: 60, AccountKind: "DEMO",
	})

	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestHandlePlaceTradeSucceedsAndDebitsWallet(t *testing.T) {
	c := testContainer(t)
	seedSymbol(t, c, "EUR/USD-OTC")
	require.NoError(t, c.Gateway.CreditWallet(context.Background(), "alice", domain.AccountDemo, 1000, time.Now()))
	// No real feed is configured in tests, so give the generator a starting
	// price for the synthetic walk; otherwise every tick is priced at zero.
	c.Generator.SeedReal("EUR/USD-OTC", 1.10000, time.Now())
	require.NoError(t, c.Start(context.Background()))
	waitForTick(t, c, "EUR/USD-OTC")
	h := NewTradeHandler(c, zerolog.Nop())

	rec := doPlaceTrade(t, h, placeTradeRequest{
		User: "alice", Symbol: "EUR/USD-OTC", Direction: "UP", Stake: 100, DurationSec: 60, AccountKind: "DEMO",
	})

	require.Equal(t, http.StatusCreated, rec.Code)

	var resp placeTradeResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.NotEmpty(t, resp.PositionID)
	assert.Greater(t, resp.EntryPrice, 0.0)

	balance, err := c.Gateway.WalletBalance(context.Background(), "alice", domain.AccountDemo)
	require.NoError(t, err)
	assert.Equal(t, 900.0, balance)
}

func TestHandlePlaceTradeRejectsInsufficientBalance(t *testing.T) {
	c := testContainer(t)
	seedSymbol(t, c, "EUR/USD-OTC")
	require.NoError(t, c.Start(context.Background()))
	waitForTick(t, c, "EUR/USD-OTC")
	h := NewTradeHandler(c, zerolog.Nop())

	rec := doPlaceTrade(t, h, placeTradeRequest{
		User: "broke", Symbol: "EUR/USD-OTC", Direction: "UP", Stake: 100, DurationSec: 60, AccountKind: "DEMO",
	})

	assert.Equal(t, http.StatusBadRequest, rec.Code)
}
