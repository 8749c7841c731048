package server

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/rs/zerolog"

	"github.com/otcplatform/sentinel-otc/internal/domain"
	"github.com/otcplatform/sentinel-otc/internal/persistence"
)

const (
	activityPollInterval = 1 * time.Second
	activityPollBatch    = 100
	sseHeartbeatInterval = 30 * time.Second
)

// EventsStreamHandler streams newly appended activity-log rows over
// Server-Sent Events, for an admin dashboard tailing the audit trail.
//
// events.Manager only logs (it has no subscriber fan-out, unlike
// internal/bus), so the stream is built by polling persistence.Gateway's
// activity_log table instead of subscribing to an in-process bus, grounded
// on the teacher's events_stream.go SSE mechanics (headers, http.Flusher,
// heartbeat ticker) with polling standing in for its event-bus Subscribe.
type EventsStreamHandler struct {
	gateway *persistence.Gateway
	log     zerolog.Logger
}

// NewEventsStreamHandler creates an EventsStreamHandler.
func NewEventsStreamHandler(gateway *persistence.Gateway, log zerolog.Logger) *EventsStreamHandler {
	return &EventsStreamHandler{gateway: gateway, log: log.With().Str("component", "events_stream").Logger()}
}

// ServeHTTP handles GET /api/events/stream.
func (h *EventsStreamHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")

	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming not supported", http.StatusInternalServerError)
		return
	}

	ctx := r.Context()
	h.log.Info().Msg("client connected to activity log stream")

	lastID, err := h.gateway.LatestActivityLogID(ctx)
	if err != nil {
		lastID = 0
	}

	fmt.Fprintf(w, "event: connected\ndata: {}\n\n")
	flusher.Flush()

	poll := time.NewTicker(activityPollInterval)
	defer poll.Stop()
	heartbeat := time.NewTicker(sseHeartbeatInterval)
	defer heartbeat.Stop()

	for {
		select {
		case <-ctx.Done():
			h.log.Info().Msg("client disconnected from activity log stream")
			return

		case <-heartbeat.C:
			fmt.Fprintf(w, ": heartbeat\n\n")
			flusher.Flush()

		case <-poll.C:
			entries, err := h.gateway.ActivityLogSince(ctx, lastID, activityPollBatch)
			if err != nil {
				h.log.Warn().Err(err).Msg("failed to poll activity log")
				continue
			}
			for _, entry := range entries {
				fmt.Fprintf(w, "event: activity\ndata: %s\n\n", encodeActivity(entry))
				lastID = entry.ID
			}
			if len(entries) > 0 {
				flusher.Flush()
			}
		}
	}
}

// encodeActivity marshals an activity-log row for an SSE data line. A
// marshal failure here would mean domain.ActivityLog stopped being
// JSON-safe, which Go's own encoding/json would already have caught
// elsewhere; falling back to an empty object keeps the stream alive.
func encodeActivity(entry domain.ActivityLog) []byte {
	data, err := json.Marshal(entry)
	if err != nil {
		return []byte("{}")
	}
	return data
}
