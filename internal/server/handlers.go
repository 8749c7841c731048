package server

import (
	"encoding/json"
	"net/http"

	"github.com/rs/zerolog"
)

// handleHealth reports liveness.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(s.log, w, http.StatusOK, map[string]interface{}{
		"status":  "healthy",
		"service": "sentinel-otc",
	})
}

// handleVersion reports the build identity.
func (s *Server) handleVersion(w http.ResponseWriter, r *http.Request) {
	writeJSON(s.log, w, http.StatusOK, map[string]interface{}{
		"service": "sentinel-otc",
		"version": "1.0.0",
	})
}

// writeJSON writes a JSON response, logging (but not panicking on) an
// encode failure.
func writeJSON(log zerolog.Logger, w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		log.Error().Err(err).Msg("failed to encode JSON response")
	}
}

// writeError writes a {error:{code,message}} envelope matching the
// WebSocket error shape (spec §6), so REST and WS clients share one error
// vocabulary.
func writeError(log zerolog.Logger, w http.ResponseWriter, status int, code, message string) {
	writeJSON(log, w, status, map[string]interface{}{
		"error": map[string]string{
			"code":    code,
			"message": message,
		},
	})
}
