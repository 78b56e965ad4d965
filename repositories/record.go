package repositories

import (
	"fmt"
	"log/slog"
	"time"

	"emberchat/domain"
	"emberchat/errors"

	"github.com/dgraph-io/badger/v4"
	"github.com/fxamacker/cbor/v2"
)

// RecordKind selects which TTL-bound key/value family a call addresses.
type RecordKind string

const (
	KindHandle RecordKind = "handle"
	KindTheme  RecordKind = "theme"
)

// RecordRepository owns temporary handles and theme preferences. Records
// are written by out-of-band flows (payment confirmation) and only read
// by the bus.
type RecordRepository struct {
	db  *badger.DB
	log *slog.Logger
	now func() time.Time
}

func NewRecordRepository(db *badger.DB, log *slog.Logger) *RecordRepository {
	return &RecordRepository{db: db, log: log, now: time.Now}
}

type storedRecord struct {
	Key       string
	Value     string
	ExpiresAt int64
}

// Reserve claims key for the given kind. It fails with ErrKeyTaken while
// a live record holds the key; an expired record does not block a new
// reservation even before the reaper removes it.
func (r *RecordRepository) Reserve(kind RecordKind, key, value string, ttl time.Duration) (domain.Record, error) {
	now := r.now().UTC()
	record := domain.Record{Key: key, Value: value, ExpiresAt: now.Add(ttl)}
	encoded, err := cbor.Marshal(storedRecord{Key: key, Value: value, ExpiresAt: record.ExpiresAt.UnixNano()})
	if err != nil {
		return domain.Record{}, fmt.Errorf("encoding %s record: %w", kind, err)
	}

	err = r.db.Update(func(txn *badger.Txn) error {
		storageKey := []byte(recordKey(kind, key))
		item, err := txn.Get(storageKey)
		if err == nil {
			var existing storedRecord
			if err := item.Value(func(value []byte) error {
				return cbor.Unmarshal(value, &existing)
			}); err != nil {
				return err
			}
			if now.Before(time.Unix(0, existing.ExpiresAt)) {
				return errors.ErrKeyTaken
			}
		} else if err != badger.ErrKeyNotFound {
			return err
		}
		return txn.Set(storageKey, encoded)
	})
	if err != nil {
		if err == errors.ErrKeyTaken {
			return domain.Record{}, err
		}
		return domain.Record{}, fmt.Errorf("reserving %s %q: %w", kind, key, err)
	}
	return record, nil
}

// Get returns the live record for key, or ok=false when the key is
// absent or its record has expired.
func (r *RecordRepository) Get(kind RecordKind, key string) (domain.Record, bool, error) {
	now := r.now().UTC()
	var record domain.Record
	found := false
	err := r.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get([]byte(recordKey(kind, key)))
		if err == badger.ErrKeyNotFound {
			return nil
		}
		if err != nil {
			return err
		}
		var stored storedRecord
		if err := item.Value(func(value []byte) error {
			return cbor.Unmarshal(value, &stored)
		}); err != nil {
			return err
		}
		expiresAt := time.Unix(0, stored.ExpiresAt).UTC()
		if !now.Before(expiresAt) {
			return nil
		}
		record = domain.Record{Key: stored.Key, Value: stored.Value, ExpiresAt: expiresAt}
		found = true
		return nil
	})
	if err != nil {
		return domain.Record{}, false, fmt.Errorf("reading %s %q: %w", kind, key, err)
	}
	return record, found, nil
}

// SweepExpired physically deletes expired records of one kind.
func (r *RecordRepository) SweepExpired(kind RecordKind) (int, error) {
	n, err := sweepPrefix(r.db, string(kind)+":", r.now().UTC(), func(value []byte) (time.Time, error) {
		var stored storedRecord
		if err := cbor.Unmarshal(value, &stored); err != nil {
			return time.Time{}, err
		}
		return time.Unix(0, stored.ExpiresAt), nil
	})
	if err != nil {
		return 0, fmt.Errorf("sweeping %s records: %w", kind, err)
	}
	if n > 0 {
		r.log.Info("expired records reaped", "kind", string(kind), "count", n, "reason", "expired")
	}
	return n, nil
}

func recordKey(kind RecordKind, key string) string {
	return fmt.Sprintf("%s:%s", kind, key)
}
