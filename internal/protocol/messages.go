package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

// MessageType identifies websocket payload variants.
type MessageType string

const (
	TypeClientControl MessageType = "client_control"
	TypeSharingState  MessageType = "sharing_state"
	TypeNotice        MessageType = "notice"
	TypeErrorEvent    MessageType = "error_event"
)

const (
	ActionStartSharing = "start_sharing"
	ActionStopSharing  = "stop_sharing"
)

var ErrUnsupportedType = errors.New("unsupported message type")

type Envelope struct {
	Type MessageType `json:"type"`
}

type ClientControl struct {
	Type      MessageType `json:"type"`
	Action    string      `json:"action"`
	BookingID string      `json:"booking_id"`
}

// Position is a sample as the view renders it. Speed is km/h.
type Position struct {
	Latitude  float64  `json:"latitude"`
	Longitude float64  `json:"longitude"`
	Heading   *float64 `json:"heading,omitempty"`
	SpeedKmh  *float64 `json:"speed_kmh,omitempty"`
	Accuracy  *float64 `json:"accuracy,omitempty"`
	TSMs      int64    `json:"ts_ms"`
}

type SharingState struct {
	Type         MessageType `json:"type"`
	Active       bool        `json:"active"`
	BookingID    string      `json:"booking_id,omitempty"`
	LastPosition *Position   `json:"last_position,omitempty"`
	LastError    string      `json:"last_error,omitempty"`
	StartedAtMs  int64       `json:"started_at_ms,omitempty"`
	UpdatedAtMs  int64       `json:"updated_at_ms,omitempty"`
}

type Notice struct {
	Type      MessageType `json:"type"`
	Level     string      `json:"level"`
	Code      string      `json:"code"`
	Message   string      `json:"message"`
	BookingID string      `json:"booking_id,omitempty"`
}

type ErrorEvent struct {
	Type   MessageType `json:"type"`
	Code   string      `json:"code"`
	Detail string      `json:"detail"`
}

func ParseClientMessage(raw []byte) (any, error) {
	var env Envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, fmt.Errorf("invalid envelope: %w", err)
	}

	switch env.Type {
	case TypeClientControl:
		var msg ClientControl
		if err := json.Unmarshal(raw, &msg); err != nil {
			return nil, err
		}
		msg.BookingID = strings.TrimSpace(msg.BookingID)
		if msg.BookingID == "" {
			return nil, errors.New("invalid client_control: booking_id is required")
		}
		switch msg.Action {
		case ActionStartSharing, ActionStopSharing:
		default:
			return nil, fmt.Errorf("invalid client_control: unknown action %q", msg.Action)
		}
		return msg, nil
	default:
		return nil, ErrUnsupportedType
	}
}
