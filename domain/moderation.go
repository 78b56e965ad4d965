package domain

import (
	"time"

	"github.com/google/uuid"
)

// Guardian actions accepted by the bus.
const (
	ActionMute     = "mute"
	ActionDelete   = "delete"
	ActionSlowMode = "slow_mode"
)

// MuteRecord suppresses every send from Identity until ExpiresAt,
// regardless of rate state. Created only by a guardian.
type MuteRecord struct {
	Identity  string
	MutedBy   string
	ExpiresAt time.Time
}

// GuardianGrant gives Identity temporary moderation privilege. Multiple
// overlapping grants for one identity are legal; any live grant qualifies.
type GuardianGrant struct {
	Identity  string
	ExpiresAt time.Time
	OriginRef string
}

// AuditEntry is the append-only trace of a privileged action. The bus
// never mutates or deletes entries; retention is an external concern.
type AuditEntry struct {
	ID         uuid.UUID
	Actor      string
	Action     string
	Target     string
	MessageID  *uuid.UUID
	RecordedAt time.Time
}
