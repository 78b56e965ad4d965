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

const promoPrefix = "promo:"

// PromoRepository owns sponsor-supplied promotional insertions.
type PromoRepository struct {
	db  *badger.DB
	log *slog.Logger
	now func() time.Time
}

func NewPromoRepository(db *badger.DB, log *slog.Logger) *PromoRepository {
	return &PromoRepository{db: db, log: log, now: time.Now}
}

type storedPromo struct {
	ID        string
	Text      string
	ExpiresAt int64
}

// Add registers a promotional insertion that stays eligible until its
// expiry. Written by the sponsorship flow, read by the broadcast engine.
func (r *PromoRepository) Add(text string, ttl time.Duration) (domain.PromoInsertion, error) {
	now := r.now().UTC()
	promo := domain.PromoInsertion{
		ID:        uuid.New(),
		Text:      text,
		ExpiresAt: now.Add(ttl),
	}
	value, err := cbor.Marshal(storedPromo{
		ID:        promo.ID.String(),
		Text:      promo.Text,
		ExpiresAt: promo.ExpiresAt.UnixNano(),
	})
	if err != nil {
		return domain.PromoInsertion{}, fmt.Errorf("encoding promo: %w", err)
	}
	err = r.db.Update(func(txn *badger.Txn) error {
		return txn.Set([]byte(promoPrefix+promo.ID.String()), value)
	})
	if err != nil {
		return domain.PromoInsertion{}, fmt.Errorf("storing promo: %w", err)
	}
	return promo, nil
}

// Active returns every non-expired insertion.
func (r *PromoRepository) Active() ([]domain.PromoInsertion, error) {
	now := r.now().UTC()
	var promos []domain.PromoInsertion
	err := r.db.View(func(txn *badger.Txn) error {
		it := txn.NewIterator(badger.DefaultIteratorOptions)
		defer it.Close()

		prefix := []byte(promoPrefix)
		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			var stored storedPromo
			err := it.Item().Value(func(value []byte) error {
				return cbor.Unmarshal(value, &stored)
			})
			if err != nil {
				return err
			}
			expiresAt := time.Unix(0, stored.ExpiresAt).UTC()
			if !now.Before(expiresAt) {
				continue
			}
			parsedID, err := uuid.Parse(stored.ID)
			if err != nil {
				return err
			}
			promos = append(promos, domain.PromoInsertion{ID: parsedID, Text: stored.Text, ExpiresAt: expiresAt})
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("reading active promos: %w", err)
	}
	return promos, nil
}

// SweepExpired physically deletes expired insertions.
func (r *PromoRepository) SweepExpired() (int, error) {
	n, err := sweepPrefix(r.db, promoPrefix, r.now().UTC(), func(value []byte) (time.Time, error) {
		var stored storedPromo
		if err := cbor.Unmarshal(value, &stored); err != nil {
			return time.Time{}, err
		}
		return time.Unix(0, stored.ExpiresAt), nil
	})
	if err != nil {
		return 0, fmt.Errorf("sweeping promos: %w", err)
	}
	if n > 0 {
		r.log.Info("expired promos reaped", "count", n, "reason", "expired")
	}
	return n, nil
}
