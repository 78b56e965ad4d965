// Package moderation decides guardian eligibility and applies privileged
// actions. Every accepted action lands in the audit trail before its
// effect, so the trail can never show an effect without a record.
package moderation

import (
	"fmt"
	"log/slog"
	"time"

	"emberchat/domain"

	"github.com/google/uuid"
)

// Store is the persistence surface the authority needs. Satisfied by
// repositories.ModerationRepository.
type Store interface {
	Mute(identity, mutedBy string, d time.Duration) (domain.MuteRecord, error)
	IsMuted(identity string) (bool, error)
	Grant(identity string, ttl time.Duration, originRef string) (domain.GuardianGrant, error)
	HasLiveGrant(identity string) (bool, error)
	AppendAudit(entry domain.AuditEntry) error
}

type Authority struct {
	store Store
	log   *slog.Logger
	now   func() time.Time
}

func NewAuthority(store Store, log *slog.Logger) *Authority {
	return &Authority{store: store, log: log, now: time.Now}
}

// IsPrivileged reports whether identity holds a live guardian grant.
// Checked fresh on every privileged command; grants can lapse between
// two actions of the same actor.
func (a *Authority) IsPrivileged(identity string) bool {
	live, err := a.store.HasLiveGrant(identity)
	if err != nil {
		a.log.Error("grant lookup failed, treating as unprivileged",
			"identity", identity, "error", err)
		return false
	}
	return live
}

// IsMuted reports whether identity is currently suppressed.
func (a *Authority) IsMuted(identity string) bool {
	muted, err := a.store.IsMuted(identity)
	if err != nil {
		a.log.Error("mute lookup failed, treating as not muted",
			"identity", identity, "error", err)
		return false
	}
	return muted
}

// Grant records a guardian grant. Called by the payment-confirmation
// flow; the bus itself never initiates one.
func (a *Authority) Grant(identity string, ttl time.Duration, originRef string) (domain.GuardianGrant, error) {
	return a.store.Grant(identity, ttl, originRef)
}

// RecordAction appends the audit entry for an accepted privileged action.
func (a *Authority) RecordAction(actor, action, target string, messageID *uuid.UUID) error {
	entry := domain.AuditEntry{
		ID:         uuid.New(),
		Actor:      actor,
		Action:     action,
		Target:     target,
		MessageID:  messageID,
		RecordedAt: a.now().UTC(),
	}
	if err := a.store.AppendAudit(entry); err != nil {
		return fmt.Errorf("recording %s action: %w", action, err)
	}
	return nil
}

// MuteIdentity audits and then applies a mute against target. The audit
// entry precedes the effect; a failed mute leaves a record with no
// effect, which is the tolerated direction.
func (a *Authority) MuteIdentity(actor, target string, d time.Duration, messageID *uuid.UUID) error {
	if err := a.RecordAction(actor, domain.ActionMute, target, messageID); err != nil {
		return err
	}
	if _, err := a.store.Mute(target, actor, d); err != nil {
		return fmt.Errorf("muting %q: %w", target, err)
	}
	a.log.Info("identity muted", "actor", actor, "target", target, "duration", d)
	return nil
}
