package server

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/otcplatform/sentinel-otc/internal/domain"
)

func newTestAdminRouter(t *testing.T, h *AdminHandler) *chi.Mux {
	t.Helper()
	r := chi.NewRouter()
	h.RegisterRoutes(r)
	return r
}

func doRequest(t *testing.T, router *chi.Mux, method, path string, body interface{}) *httptest.ResponseRecorder {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		data, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(data)
	} else {
		reader = bytes.NewReader(nil)
	}
	req := httptest.NewRequest(method, path, reader)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	return rec
}

func activityIDFrom(t *testing.T, rec *httptest.ResponseRecorder) int64 {
	t.Helper()
	var resp map[string]int64
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	return resp["activity_log_id"]
}

func TestHandleSetDirectionBiasAppliesOverlayAndLogsActivity(t *testing.T) {
	c := testContainer(t)
	h := NewAdminHandler(c, zerolog.Nop())
	router := newTestAdminRouter(t, h)

	rec := doRequest(t, router, http.MethodPost, "/direction-bias", directionBiasRequest{
		Actor: "ops", Symbol: "EUR/USD-OTC", Bias: 20, Strength: 0.5, DurationSec: 300,
	})

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Greater(t, activityIDFrom(t, rec), int64(0))

	overlay := c.Admin.OverlayFor("EUR/USD-OTC")
	assert.Equal(t, 0.2, overlay.DirectionBias)
	assert.Equal(t, 0.5, overlay.DirectionStrength)
}

func TestHandleSetDirectionBiasRejectsOutOfRangeBias(t *testing.T) {
	c := testContainer(t)
	h := NewAdminHandler(c, zerolog.Nop())
	router := newTestAdminRouter(t, h)

	rec := doRequest(t, router, http.MethodPost, "/direction-bias", directionBiasRequest{
		Actor: "ops", Symbol: "EUR/USD-OTC", Bias: 500, Strength: 0.5, DurationSec: 300,
	})

	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestHandleClearOverlayRemovesEverySetting(t *testing.T) {
	c := testContainer(t)
	h := NewAdminHandler(c, zerolog.Nop())
	router := newTestAdminRouter(t, h)

	doRequest(t, router, http.MethodPost, "/direction-bias", directionBiasRequest{
		Actor: "ops", Symbol: "EUR/USD-OTC", Bias: 20, Strength: 0.5, DurationSec: 300,
	})
	rec := doRequest(t, router, http.MethodDelete, "/direction-bias?symbol=EUR%2FUSD-OTC", nil)

	require.Equal(t, http.StatusOK, rec.Code)
	overlay := c.Admin.OverlayFor("EUR/USD-OTC")
	assert.Equal(t, 0.0, overlay.DirectionBias)
}

func TestHandleSetUserTargetAndClear(t *testing.T) {
	c := testContainer(t)
	h := NewAdminHandler(c, zerolog.Nop())
	router := newTestAdminRouter(t, h)

	winRate := 0.6
	rec := doRequest(t, router, http.MethodPost, "/user-target", userTargetRequest{
		Actor: "ops", User: "alice", TargetWinRate: &winRate,
	})
	require.Equal(t, http.StatusOK, rec.Code)

	target := c.Admin.TargetFor("alice")
	require.NotNil(t, target.TargetWinRate)
	assert.Equal(t, 0.6, *target.TargetWinRate)

	rec = doRequest(t, router, http.MethodDelete, "/user-target/alice", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.True(t, c.Admin.TargetFor("alice").Empty())
}

func TestHandleForceTradeOutcomeRequiresOpenPosition(t *testing.T) {
	c := testContainer(t)
	h := NewAdminHandler(c, zerolog.Nop())
	router := newTestAdminRouter(t, h)

	rec := doRequest(t, router, http.MethodPost, "/force-outcome", forceOutcomeRequest{
		Actor: "ops", PositionID: "does-not-exist", Outcome: "WON",
	})

	assert.Equal(t, http.StatusConflict, rec.Code)
}

func TestHandleForceTradeOutcomeSucceedsForOpenPosition(t *testing.T) {
	c := testContainer(t)
	seedSymbol(t, c, "EUR/USD-OTC")
	h := NewAdminHandler(c, zerolog.Nop())
	router := newTestAdminRouter(t, h)

	pos := domain.Position{
		ID: "pos-1", User: "alice", Symbol: "EUR/USD-OTC", Direction: domain.DirectionUp,
		Stake: 10, EntryPrice: 1.1, OpenedAt: time.Now(), ExpiresAt: time.Now().Add(time.Minute),
		PayoutPercent: 85, AccountKind: domain.AccountDemo, Status: domain.StatusOpen,
	}
	require.NoError(t, c.Gateway.CreatePosition(context.Background(), pos))

	rec := doRequest(t, router, http.MethodPost, "/force-outcome", forceOutcomeRequest{
		Actor: "ops", PositionID: "pos-1", Outcome: "WON",
	})

	require.Equal(t, http.StatusOK, rec.Code)
	outcome, ok := c.Admin.ConsumeForcedOutcome("pos-1")
	require.True(t, ok)
	assert.Equal(t, "WON", outcome)
}
