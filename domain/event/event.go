// Package event defines the canonical outbound envelope pushed to client
// channels. Transport adapters translate inbound wire shapes to commands
// before they reach the engine; outbound traffic always uses this shape.
package event

import (
	"time"

	"emberchat/domain"

	"github.com/google/uuid"
	"github.com/samber/lo"
)

type Type string

const (
	TypeInitialMessages Type = "initial_messages"
	TypeGuardianStatus  Type = "guardian_status"
	TypeMessage         Type = "message"
	TypeMessageDeleted  Type = "message_deleted"
	TypeSystemMessage   Type = "system_message"
	TypeError           Type = "error"
)

// Event is the single outbound envelope: a type tag and a data payload.
type Event struct {
	Type Type `json:"type"`
	Data any  `json:"data"`
}

// MessagePayload is the client-facing projection of a domain.Message.
// The sender's source identity stays server-side.
type MessagePayload struct {
	ID          string    `json:"id"`
	Content     string    `json:"content"`
	DisplayName string    `json:"displayName"`
	CreatedAt   time.Time `json:"createdAt"`
	ExpiresAt   time.Time `json:"expiresAt"`
	Promotional bool      `json:"isPromotional"`
}

type DeletedPayload struct {
	MessageID string `json:"messageId"`
}

type SystemPayload struct {
	Message string `json:"message"`
}

type ErrorPayload struct {
	Message      string     `json:"message"`
	BlockedUntil *time.Time `json:"blockedUntil,omitempty"`
}

type GuardianStatusPayload struct {
	IsGuardian bool `json:"isGuardian"`
}

func FromMessage(m domain.Message) Event {
	return Event{Type: TypeMessage, Data: toPayload(m)}
}

func InitialMessages(messages []domain.Message) Event {
	payloads := lo.Map(messages, func(m domain.Message, _ int) MessagePayload {
		return toPayload(m)
	})
	return Event{Type: TypeInitialMessages, Data: payloads}
}

func GuardianStatus(isGuardian bool) Event {
	return Event{Type: TypeGuardianStatus, Data: GuardianStatusPayload{IsGuardian: isGuardian}}
}

func MessageDeleted(id uuid.UUID) Event {
	return Event{Type: TypeMessageDeleted, Data: DeletedPayload{MessageID: id.String()}}
}

func SystemMessage(message string) Event {
	return Event{Type: TypeSystemMessage, Data: SystemPayload{Message: message}}
}

func Error(message string) Event {
	return Event{Type: TypeError, Data: ErrorPayload{Message: message}}
}

// BlockedError carries the moment the block lifts so the client can
// display a countdown. Purely advisory; the engine never retries.
func BlockedError(message string, blockedUntil time.Time) Event {
	return Event{Type: TypeError, Data: ErrorPayload{Message: message, BlockedUntil: &blockedUntil}}
}

func toPayload(m domain.Message) MessagePayload {
	return MessagePayload{
		ID:          m.ID.String(),
		Content:     m.Content,
		DisplayName: m.DisplayName,
		CreatedAt:   m.CreatedAt,
		ExpiresAt:   m.ExpiresAt,
		Promotional: m.Promotional,
	}
}
