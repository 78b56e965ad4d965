package repositories

import (
	"time"

	"github.com/dgraph-io/badger/v4"
)

// sweepPrefix deletes every key under prefix whose decoded expiry is at
// or before now. Collection happens in a read pass, deletion in a write
// transaction, so a value that fails to decode only skips itself.
func sweepPrefix(db *badger.DB, prefix string, now time.Time, expiryOf func(value []byte) (time.Time, error)) (int, error) {
	var expiredKeys [][]byte
	err := db.View(func(txn *badger.Txn) error {
		it := txn.NewIterator(badger.DefaultIteratorOptions)
		defer it.Close()

		p := []byte(prefix)
		for it.Seek(p); it.ValidForPrefix(p); it.Next() {
			item := it.Item()
			var expiresAt time.Time
			err := item.Value(func(value []byte) error {
				var decodeErr error
				expiresAt, decodeErr = expiryOf(value)
				return decodeErr
			})
			if err != nil {
				continue
			}
			if !now.Before(expiresAt.UTC()) {
				expiredKeys = append(expiredKeys, item.KeyCopy(nil))
			}
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	if len(expiredKeys) == 0 {
		return 0, nil
	}
	err = db.Update(func(txn *badger.Txn) error {
		for _, key := range expiredKeys {
			if err := txn.Delete(key); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	return len(expiredKeys), nil
}
