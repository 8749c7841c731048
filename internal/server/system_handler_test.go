package server

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHandleStatusReportsUptimeAndResourceUsage(t *testing.T) {
	c := testContainer(t)
	h := NewSystemHandler(c, zerolog.Nop())

	req := httptest.NewRequest(http.MethodGet, "/api/system/status", nil)
	rec := httptest.NewRecorder()
	h.HandleStatus(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)

	var resp systemStatusResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.GreaterOrEqual(t, resp.UptimeSeconds, 0.0)
	assert.Equal(t, 0, resp.WSSubscribers)
}
