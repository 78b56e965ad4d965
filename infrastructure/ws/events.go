// Package ws adapts WebSocket traffic to the broadcast engine. Inbound
// frames come in two historical shapes (payload nested under "data" or
// flat on the envelope); both collapse to one canonical command here so
// nothing downstream ever sees the difference.
package ws

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/go-playground/validator/v10"
)

const (
	typeSendMessage    = "send_message"
	typeGuardianAction = "guardian_action"
)

var validate = validator.New()

type inboundEnvelope struct {
	Type string          `json:"type" validate:"required,oneof=send_message guardian_action"`
	Data json.RawMessage `json:"data"`

	// Flat shape fields, honored when no data object is present.
	Content    string `json:"content"`
	Action     string `json:"action"`
	MessageID  string `json:"messageId"`
	DurationMs int64  `json:"durationMs"`
}

type sendPayload struct {
	Content string `json:"content"`
}

type guardianPayload struct {
	Action     string `json:"action" validate:"required,oneof=mute delete slow_mode"`
	MessageID  string `json:"messageId"`
	DurationMs int64  `json:"durationMs"`
}

// command is the canonical inbound shape handed to the engine.
type command struct {
	Type      string
	Content   string
	Action    string
	MessageID string
	Duration  time.Duration
}

func decodeInbound(raw []byte) (command, error) {
	var envelope inboundEnvelope
	if err := json.Unmarshal(raw, &envelope); err != nil {
		return command{}, fmt.Errorf("decoding inbound event: %w", err)
	}
	if err := validate.Struct(envelope); err != nil {
		return command{}, fmt.Errorf("invalid inbound event: %w", err)
	}

	switch envelope.Type {
	case typeSendMessage:
		payload := sendPayload{Content: envelope.Content}
		if len(envelope.Data) > 0 {
			if err := json.Unmarshal(envelope.Data, &payload); err != nil {
				return command{}, fmt.Errorf("decoding send payload: %w", err)
			}
		}
		return command{Type: typeSendMessage, Content: payload.Content}, nil

	case typeGuardianAction:
		payload := guardianPayload{
			Action:     envelope.Action,
			MessageID:  envelope.MessageID,
			DurationMs: envelope.DurationMs,
		}
		if len(envelope.Data) > 0 {
			if err := json.Unmarshal(envelope.Data, &payload); err != nil {
				return command{}, fmt.Errorf("decoding guardian payload: %w", err)
			}
		}
		if err := validate.Struct(payload); err != nil {
			return command{}, fmt.Errorf("invalid guardian payload: %w", err)
		}
		return command{
			Type:      typeGuardianAction,
			Action:    payload.Action,
			MessageID: payload.MessageID,
			Duration:  time.Duration(payload.DurationMs) * time.Millisecond,
		}, nil
	}

	return command{}, fmt.Errorf("unsupported event type %q", envelope.Type)
}
