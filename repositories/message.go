// Package repositories persists the bus's TTL-bound records in BadgerDB.
//
// Keys embed a 19-digit zero-padded nanosecond timestamp where time order
// matters, so reverse prefix iteration yields newest-first without an
// index. Every read path filters records whose expiry has passed; the
// reaper alone deletes them physically, so a late sweep can never make an
// expired record visible.
package repositories

import (
	"fmt"
	"log/slog"
	"strings"
	"time"

	"emberchat/domain"
	"emberchat/errors"

	"github.com/dgraph-io/badger/v4"
	"github.com/fxamacker/cbor/v2"
	"github.com/google/uuid"
)

const (
	msgPrefix = "msg:"

	// Seeks past every timestamped key under a prefix so a reverse
	// iterator starts at the newest record.
	maxPaddedNanos = "9999999999999999999"
)

type MessageRepository struct {
	db  *badger.DB
	log *slog.Logger
	ttl time.Duration
	now func() time.Time
}

func NewMessageRepository(db *badger.DB, log *slog.Logger, ttl time.Duration) *MessageRepository {
	return &MessageRepository{db: db, log: log, ttl: ttl, now: time.Now}
}

type storedMessage struct {
	ID          string
	Content     string
	Sender      string
	DisplayName string
	CreatedAt   int64
	ExpiresAt   int64
	Promotional bool
}

// Create persists a new message whose expiry is fixed at creation time
// plus the configured TTL.
func (r *MessageRepository) Create(content, sender, displayName string, promotional bool) (domain.Message, error) {
	now := r.now().UTC()
	m := domain.Message{
		ID:          uuid.New(),
		Content:     content,
		Sender:      sender,
		DisplayName: displayName,
		CreatedAt:   now,
		ExpiresAt:   now.Add(r.ttl),
		Promotional: promotional,
	}
	value, err := cbor.Marshal(fromMessage(m))
	if err != nil {
		return domain.Message{}, fmt.Errorf("encoding message: %w", err)
	}
	err = r.db.Update(func(txn *badger.Txn) error {
		return txn.Set([]byte(messageKey(m.CreatedAt, m.ID)), value)
	})
	if err != nil {
		return domain.Message{}, fmt.Errorf("storing message: %w", err)
	}
	return m, nil
}

// Recent returns up to limit non-expired messages, newest first. Expiry
// is checked against the clock at call time, independent of the reaper.
func (r *MessageRepository) Recent(limit int) ([]domain.Message, error) {
	now := r.now().UTC()
	var messages []domain.Message
	err := r.db.View(func(txn *badger.Txn) error {
		options := badger.DefaultIteratorOptions
		options.Reverse = true
		it := txn.NewIterator(options)
		defer it.Close()

		prefix := []byte(msgPrefix)
		it.Seek(append([]byte(msgPrefix), []byte(maxPaddedNanos)...))
		for ; it.ValidForPrefix(prefix); it.Next() {
			if len(messages) == limit {
				break
			}
			var stored storedMessage
			err := it.Item().Value(func(value []byte) error {
				return cbor.Unmarshal(value, &stored)
			})
			if err != nil {
				return err
			}
			m, err := toMessage(stored)
			if err != nil {
				return err
			}
			if m.Expired(now) {
				continue
			}
			messages = append(messages, m)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("reading recent messages: %w", err)
	}
	return messages, nil
}

// Get returns the non-expired message with the given id.
func (r *MessageRepository) Get(id uuid.UUID) (domain.Message, error) {
	now := r.now().UTC()
	var found *domain.Message
	err := r.db.View(func(txn *badger.Txn) error {
		it := txn.NewIterator(badger.DefaultIteratorOptions)
		defer it.Close()

		prefix := []byte(msgPrefix)
		suffix := ":" + id.String()
		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			item := it.Item()
			if !strings.HasSuffix(string(item.Key()), suffix) {
				continue
			}
			var stored storedMessage
			if err := item.Value(func(value []byte) error {
				return cbor.Unmarshal(value, &stored)
			}); err != nil {
				return err
			}
			m, err := toMessage(stored)
			if err != nil {
				return err
			}
			if !m.Expired(now) {
				found = &m
			}
			return nil
		}
		return nil
	})
	if err != nil {
		return domain.Message{}, fmt.Errorf("looking up message %s: %w", id, err)
	}
	if found == nil {
		return domain.Message{}, errors.ErrNotFound
	}
	return *found, nil
}

// DeleteByID removes a message explicitly. This is the guardian deletion
// path and is logged as such, never as expiry.
func (r *MessageRepository) DeleteByID(id uuid.UUID) error {
	deleted := false
	err := r.db.Update(func(txn *badger.Txn) error {
		options := badger.DefaultIteratorOptions
		options.PrefetchValues = false
		it := txn.NewIterator(options)
		defer it.Close()

		prefix := []byte(msgPrefix)
		suffix := ":" + id.String()
		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			key := it.Item().KeyCopy(nil)
			if strings.HasSuffix(string(key), suffix) {
				deleted = true
				return txn.Delete(key)
			}
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("deleting message %s: %w", id, err)
	}
	if !deleted {
		return errors.ErrNotFound
	}
	r.log.Info("message deleted by guardian action", "message_id", id)
	return nil
}

// SweepExpired physically deletes every expired message and returns the
// number removed. Calling it again immediately is a no-op.
func (r *MessageRepository) SweepExpired() (int, error) {
	n, err := sweepPrefix(r.db, msgPrefix, r.now().UTC(), func(value []byte) (time.Time, error) {
		var stored storedMessage
		if err := cbor.Unmarshal(value, &stored); err != nil {
			return time.Time{}, err
		}
		return time.Unix(0, stored.ExpiresAt), nil
	})
	if err != nil {
		return 0, fmt.Errorf("sweeping messages: %w", err)
	}
	if n > 0 {
		r.log.Info("expired messages reaped", "count", n, "reason", "expired")
	}
	return n, nil
}

func messageKey(createdAt time.Time, id uuid.UUID) string {
	return fmt.Sprintf("%s%019d:%s", msgPrefix, createdAt.UnixNano(), id)
}

func fromMessage(m domain.Message) storedMessage {
	return storedMessage{
		ID:          m.ID.String(),
		Content:     m.Content,
		Sender:      m.Sender,
		DisplayName: m.DisplayName,
		CreatedAt:   m.CreatedAt.UnixNano(),
		ExpiresAt:   m.ExpiresAt.UnixNano(),
		Promotional: m.Promotional,
	}
}

func toMessage(stored storedMessage) (domain.Message, error) {
	parsedID, err := uuid.Parse(stored.ID)
	if err != nil {
		return domain.Message{}, err
	}
	return domain.Message{
		ID:          parsedID,
		Content:     stored.Content,
		Sender:      stored.Sender,
		DisplayName: stored.DisplayName,
		CreatedAt:   time.Unix(0, stored.CreatedAt).UTC(),
		ExpiresAt:   time.Unix(0, stored.ExpiresAt).UTC(),
		Promotional: stored.Promotional,
	}, nil
}
