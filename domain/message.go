// Package domain contains core concepts of the ephemeral message bus.
// Messages are immutable once created; only a guardian deletion or the
// reaper removes them.
package domain

import (
	"time"

	"github.com/google/uuid"
)

// Message represents a chat message with a fixed lifetime.
// ExpiresAt is set once at creation and never moves.
type Message struct {
	ID          uuid.UUID
	Content     string
	Sender      string // source identity of the author, never sent to clients
	DisplayName string
	CreatedAt   time.Time
	ExpiresAt   time.Time
	Promotional bool
}

// Expired reports whether the message must no longer be visible.
func (m Message) Expired(now time.Time) bool {
	return !now.Before(m.ExpiresAt)
}

// PromoInsertion is a sponsor-supplied line injected into the stream on a
// message-count cadence. It carries no sender identity.
type PromoInsertion struct {
	ID        uuid.UUID
	Text      string
	ExpiresAt time.Time
}

// Record is a TTL-bound key/value owned by out-of-band flows: temporary
// handles and theme preferences.
type Record struct {
	Key       string
	Value     string
	ExpiresAt time.Time
}
