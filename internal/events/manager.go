package events

import (
	"time"

	"github.com/rs/zerolog"
)

// Manager logs emitted events with structured fields. It does not fan
// events out to subscribers — live delivery is internal/bus's job; this
// is strictly the diagnostic/audit trail.
type Manager struct {
	log zerolog.Logger
}

// NewManager creates an event Manager.
func NewManager(log zerolog.Logger) *Manager {
	return &Manager{log: log.With().Str("component", "events").Logger()}
}

// Emit logs module's occurrence of data's event type.
func (m *Manager) Emit(module string, data EventData) {
	evt := Event{Type: data.EventType(), Timestamp: time.Now(), Module: module, Data: data}
	m.log.Info().
		Str("event_type", string(evt.Type)).
		Str("module", module).
		Interface("data", data).
		Msg("event emitted")
}

// EmitError logs an error occurrence with free-form context.
func (m *Manager) EmitError(module string, err error, context map[string]interface{}) {
	m.Emit(module, &ErrorEventData{Error: err.Error(), Context: context})
}
