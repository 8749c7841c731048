package events

import (
	"encoding/json"
)

// EventData is implemented by every typed event payload, so events can
// carry a concrete struct while still flowing through one channel/log
// sink keyed only on EventType.
type EventData interface {
	EventType() EventType
}

// TickPublishedData is emitted each time a symbol's generator publishes
// a new price (spec §4.B).
type TickPublishedData struct {
	Symbol string  `json:"symbol"`
	Price  float64 `json:"price"`
	Bid    float64 `json:"bid"`
	Ask    float64 `json:"ask"`
	Mode   string  `json:"mode"`
}

func (d *TickPublishedData) EventType() EventType { return TickPublished }

// MarketModeChangedData is emitted when a symbol transitions between
// SYNTHETIC, ANCHORING, and REAL_MIRROR modes (spec §4.A).
type MarketModeChangedData struct {
	Symbol  string `json:"symbol"`
	OldMode string `json:"old_mode"`
	NewMode string `json:"new_mode"`
}

func (d *MarketModeChangedData) EventType() EventType { return MarketModeChanged }

// PositionOpenedData is emitted when a new binary-option position is
// placed (spec §4.I).
type PositionOpenedData struct {
	PositionID string  `json:"position_id"`
	Symbol     string  `json:"symbol"`
	Direction  string  `json:"direction"`
	Stake      float64 `json:"stake"`
	EntryPrice float64 `json:"entry_price"`
}

func (d *PositionOpenedData) EventType() EventType { return PositionOpened }

// PositionSettledData is emitted when the settlement timer resolves a
// position (spec §4.F).
type PositionSettledData struct {
	PositionID string  `json:"position_id"`
	Symbol     string  `json:"symbol"`
	Result     string  `json:"result"`
	ExitPrice  float64 `json:"exit_price"`
	PnL        float64 `json:"pnl"`
	Intervened bool    `json:"intervened"`
}

func (d *PositionSettledData) EventType() EventType { return PositionSettled }

// InterventionAppliedData is emitted whenever the risk policy nudges a
// settlement's exit price away from the raw market tick (spec §4.E).
type InterventionAppliedData struct {
	PositionID    string  `json:"position_id"`
	Symbol        string  `json:"symbol"`
	ExposureRatio float64 `json:"exposure_ratio"`
	ForcedWin     bool    `json:"forced_win"`
	ForcedLoss    bool    `json:"forced_loss"`
}

func (d *InterventionAppliedData) EventType() EventType { return InterventionApplied }

// OverlayChangedData is emitted when an admin mutates a symbol's control
// overlay (spec §4.G).
type OverlayChangedData struct {
	Symbol string `json:"symbol"`
	Actor  string `json:"actor"`
	Action string `json:"action"`
}

func (d *OverlayChangedData) EventType() EventType { return OverlayChanged }

// ForcedOutcomeSetData is emitted when an admin forces a specific open
// position's outcome (spec §4.G).
type ForcedOutcomeSetData struct {
	PositionID string `json:"position_id"`
	Actor      string `json:"actor"`
	Outcome    string `json:"outcome"`
}

func (d *ForcedOutcomeSetData) EventType() EventType { return ForcedOutcomeSet }

// FeedModeChangedData is emitted when the real-feed adapter's upstream
// connectivity transitions, affecting which mode each symbol can run in
// (spec §4.C).
type FeedModeChangedData struct {
	Connected bool `json:"connected"`
}

func (d *FeedModeChangedData) EventType() EventType { return FeedModeChanged }

// ErrorEventData carries a logged error and its surrounding context.
type ErrorEventData struct {
	Error   string                 `json:"error"`
	Context map[string]interface{} `json:"context,omitempty"`
}

func (d *ErrorEventData) EventType() EventType { return ErrorOccurred }

// MarshalJSON serializes the Event along with its concrete Data payload.
func (e *Event) MarshalJSON() ([]byte, error) {
	type alias Event
	aux := &struct {
		Data json.RawMessage `json:"data"`
		*alias
	}{alias: (*alias)(e)}

	if e.Data != nil {
		dataBytes, err := json.Marshal(e.Data)
		if err != nil {
			return nil, err
		}
		aux.Data = dataBytes
	}
	return json.Marshal(aux)
}

// UnmarshalJSON reconstructs Data into the concrete struct matching Type.
func (e *Event) UnmarshalJSON(data []byte) error {
	type alias Event
	aux := &struct {
		Data json.RawMessage `json:"data"`
		*alias
	}{alias: (*alias)(e)}

	if err := json.Unmarshal(data, aux); err != nil {
		return err
	}
	if len(aux.Data) == 0 {
		return nil
	}

	var payload EventData
	switch aux.Type {
	case TickPublished:
		payload = &TickPublishedData{}
	case MarketModeChanged:
		payload = &MarketModeChangedData{}
	case PositionOpened:
		payload = &PositionOpenedData{}
	case PositionSettled:
		payload = &PositionSettledData{}
	case InterventionApplied:
		payload = &InterventionAppliedData{}
	case OverlayChanged:
		payload = &OverlayChangedData{}
	case ForcedOutcomeSet:
		payload = &ForcedOutcomeSetData{}
	case FeedModeChanged:
		payload = &FeedModeChangedData{}
	case ErrorOccurred:
		payload = &ErrorEventData{}
	default:
		var raw map[string]interface{}
		if err := json.Unmarshal(aux.Data, &raw); err != nil {
			return err
		}
		e.Data = &GenericEventData{Type: aux.Type, Data: raw}
		return nil
	}

	if err := json.Unmarshal(aux.Data, payload); err != nil {
		return err
	}
	e.Data = payload
	return nil
}

// GenericEventData is a fallback for event types this package doesn't
// (yet) have a typed payload for.
type GenericEventData struct {
	Type EventType
	Data map[string]interface{}
}

func (d *GenericEventData) EventType() EventType { return d.Type }

func (d *GenericEventData) MarshalJSON() ([]byte, error) { return json.Marshal(d.Data) }

func (d *GenericEventData) UnmarshalJSON(data []byte) error {
	return json.Unmarshal(data, &d.Data)
}
