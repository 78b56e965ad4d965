package repositories

import (
	"fmt"
	"log/slog"
	"time"

	"emberchat/domain"

	"github.com/dgraph-io/badger/v4"
	"github.com/fxamacker/cbor/v2"
	"github.com/google/uuid"
)

const (
	mutePrefix  = "mute:"
	grantPrefix = "grant:"
	auditPrefix = "audit:"
)

// ModerationRepository owns mute records, guardian grants and the audit
// trail. Grants and audit entries are never swept here; their lifecycle
// belongs to payment and administrative flows.
type ModerationRepository struct {
	db  *badger.DB
	log *slog.Logger
	now func() time.Time
}

func NewModerationRepository(db *badger.DB, log *slog.Logger) *ModerationRepository {
	return &ModerationRepository{db: db, log: log, now: time.Now}
}

type storedMute struct {
	Identity  string
	MutedBy   string
	ExpiresAt int64
}

type storedGrant struct {
	Identity  string
	ExpiresAt int64
	OriginRef string
}

type storedAudit struct {
	ID         string
	Actor      string
	Action     string
	Target     string
	MessageID  string
	RecordedAt int64
}

// Mute suppresses every send from identity for the given duration. A new
// mute overwrites any previous one for the same identity.
func (r *ModerationRepository) Mute(identity, mutedBy string, d time.Duration) (domain.MuteRecord, error) {
	now := r.now().UTC()
	record := domain.MuteRecord{Identity: identity, MutedBy: mutedBy, ExpiresAt: now.Add(d)}
	value, err := cbor.Marshal(storedMute{
		Identity:  record.Identity,
		MutedBy:   record.MutedBy,
		ExpiresAt: record.ExpiresAt.UnixNano(),
	})
	if err != nil {
		return domain.MuteRecord{}, fmt.Errorf("encoding mute: %w", err)
	}
	err = r.db.Update(func(txn *badger.Txn) error {
		return txn.Set([]byte(mutePrefix+identity), value)
	})
	if err != nil {
		return domain.MuteRecord{}, fmt.Errorf("storing mute for %q: %w", identity, err)
	}
	return record, nil
}

// IsMuted reports whether a live mute record exists for identity.
func (r *ModerationRepository) IsMuted(identity string) (bool, error) {
	now := r.now().UTC()
	muted := false
	err := r.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get([]byte(mutePrefix + identity))
		if err == badger.ErrKeyNotFound {
			return nil
		}
		if err != nil {
			return err
		}
		var stored storedMute
		if err := item.Value(func(value []byte) error {
			return cbor.Unmarshal(value, &stored)
		}); err != nil {
			return err
		}
		muted = now.Before(time.Unix(0, stored.ExpiresAt))
		return nil
	})
	if err != nil {
		return false, fmt.Errorf("checking mute for %q: %w", identity, err)
	}
	return muted, nil
}

// SweepExpiredMutes physically deletes expired mute records.
func (r *ModerationRepository) SweepExpiredMutes() (int, error) {
	n, err := sweepPrefix(r.db, mutePrefix, r.now().UTC(), func(value []byte) (time.Time, error) {
		var stored storedMute
		if err := cbor.Unmarshal(value, &stored); err != nil {
			return time.Time{}, err
		}
		return time.Unix(0, stored.ExpiresAt), nil
	})
	if err != nil {
		return 0, fmt.Errorf("sweeping mutes: %w", err)
	}
	if n > 0 {
		r.log.Info("expired mutes reaped", "count", n, "reason", "expired")
	}
	return n, nil
}

// Grant records a guardian grant. Overlapping grants for one identity
// coexist under distinct keys; eligibility checks scan all of them.
func (r *ModerationRepository) Grant(identity string, ttl time.Duration, originRef string) (domain.GuardianGrant, error) {
	now := r.now().UTC()
	grant := domain.GuardianGrant{Identity: identity, ExpiresAt: now.Add(ttl), OriginRef: originRef}
	value, err := cbor.Marshal(storedGrant{
		Identity:  grant.Identity,
		ExpiresAt: grant.ExpiresAt.UnixNano(),
		OriginRef: grant.OriginRef,
	})
	if err != nil {
		return domain.GuardianGrant{}, fmt.Errorf("encoding grant: %w", err)
	}
	err = r.db.Update(func(txn *badger.Txn) error {
		key := fmt.Sprintf("%s%s:%s", grantPrefix, identity, uuid.NewString())
		return txn.Set([]byte(key), value)
	})
	if err != nil {
		return domain.GuardianGrant{}, fmt.Errorf("storing grant for %q: %w", identity, err)
	}
	return grant, nil
}

// HasLiveGrant reports whether any non-expired grant exists for identity.
func (r *ModerationRepository) HasLiveGrant(identity string) (bool, error) {
	now := r.now().UTC()
	live := false
	err := r.db.View(func(txn *badger.Txn) error {
		it := txn.NewIterator(badger.DefaultIteratorOptions)
		defer it.Close()

		prefix := []byte(grantPrefix + identity + ":")
		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			var stored storedGrant
			err := it.Item().Value(func(value []byte) error {
				return cbor.Unmarshal(value, &stored)
			})
			if err != nil {
				return err
			}
			if now.Before(time.Unix(0, stored.ExpiresAt)) {
				live = true
				return nil
			}
		}
		return nil
	})
	if err != nil {
		return false, fmt.Errorf("checking grants for %q: %w", identity, err)
	}
	return live, nil
}

// AppendAudit stores an audit entry. Entries are append-only; nothing in
// the bus updates or deletes them.
func (r *ModerationRepository) AppendAudit(entry domain.AuditEntry) error {
	messageID := ""
	if entry.MessageID != nil {
		messageID = entry.MessageID.String()
	}
	value, err := cbor.Marshal(storedAudit{
		ID:         entry.ID.String(),
		Actor:      entry.Actor,
		Action:     entry.Action,
		Target:     entry.Target,
		MessageID:  messageID,
		RecordedAt: entry.RecordedAt.UnixNano(),
	})
	if err != nil {
		return fmt.Errorf("encoding audit entry: %w", err)
	}
	err = r.db.Update(func(txn *badger.Txn) error {
		key := fmt.Sprintf("%s%019d:%s", auditPrefix, entry.RecordedAt.UnixNano(), entry.ID)
		return txn.Set([]byte(key), value)
	})
	if err != nil {
		return fmt.Errorf("storing audit entry: %w", err)
	}
	return nil
}

// AuditEntries returns up to limit entries, newest first.
func (r *ModerationRepository) AuditEntries(limit int) ([]domain.AuditEntry, error) {
	var entries []domain.AuditEntry
	err := r.db.View(func(txn *badger.Txn) error {
		options := badger.DefaultIteratorOptions
		options.Reverse = true
		it := txn.NewIterator(options)
		defer it.Close()

		prefix := []byte(auditPrefix)
		it.Seek(append([]byte(auditPrefix), []byte(maxPaddedNanos)...))
		for ; it.ValidForPrefix(prefix); it.Next() {
			if len(entries) == limit {
				break
			}
			var stored storedAudit
			err := it.Item().Value(func(value []byte) error {
				return cbor.Unmarshal(value, &stored)
			})
			if err != nil {
				return err
			}
			entry, err := toAuditEntry(stored)
			if err != nil {
				return err
			}
			entries = append(entries, entry)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("reading audit entries: %w", err)
	}
	return entries, nil
}

func toAuditEntry(stored storedAudit) (domain.AuditEntry, error) {
	parsedID, err := uuid.Parse(stored.ID)
	if err != nil {
		return domain.AuditEntry{}, err
	}
	var messageID *uuid.UUID
	if stored.MessageID != "" {
		parsed, err := uuid.Parse(stored.MessageID)
		if err != nil {
			return domain.AuditEntry{}, err
		}
		messageID = &parsed
	}
	return domain.AuditEntry{
		ID:         parsedID,
		Actor:      stored.Actor,
		Action:     stored.Action,
		Target:     stored.Target,
		MessageID:  messageID,
		RecordedAt: time.Unix(0, stored.RecordedAt).UTC(),
	}, nil
}
