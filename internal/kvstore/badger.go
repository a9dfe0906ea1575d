package kvstore

import (
	"context"
	"errors"
	"fmt"

	badger "github.com/dgraph-io/badger/v4"
)

// maxConflictRetries bounds the retry loop around transaction conflicts;
// these resolve in microseconds under badger's MVCC, so a tight retry
// loop is sufficient.
const maxConflictRetries = 10

// BadgerStore is an embedded-KV Store backend, for deployments that
// want durability and enumeration without a filesystem tree per key.
type BadgerStore struct {
	db *badger.DB
}

// NewBadgerStore opens (creating if necessary) a badger database rooted
// at dir. Keys are namespaced "collection\x00key" so Keys can iterate a
// single collection by prefix.
func NewBadgerStore(dir string) (*BadgerStore, error) {
	opts := badger.DefaultOptions(dir).WithLogger(nil)
	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("kvstore: open badger at %s: %w", dir, err)
	}
	return &BadgerStore{db: db}, nil
}

// Close releases the underlying database handle.
func (s *BadgerStore) Close() error {
	return s.db.Close()
}

func badgerKey(collection, key string) []byte {
	return []byte(collection + "\x00" + key)
}

func (s *BadgerStore) dbUpdate(fn func(txn *badger.Txn) error) error {
	var err error
	for i := 0; i < maxConflictRetries; i++ {
		err = s.db.Update(fn)
		if !errors.Is(err, badger.ErrConflict) {
			return err
		}
	}
	return fmt.Errorf("kvstore: transaction conflict not resolved after %d retries: %w", maxConflictRetries, err)
}

// Get implements Store.
func (s *BadgerStore) Get(_ context.Context, collection, key string) ([]byte, error) {
	var value []byte
	err := s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(badgerKey(collection, key))
		if err != nil {
			return err
		}
		return item.Value(func(val []byte) error {
			value = append([]byte(nil), val...)
			return nil
		})
	})
	if errors.Is(err, badger.ErrKeyNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("kvstore: badger get %s/%s: %w", collection, key, err)
	}
	return value, nil
}

// Set implements Store.
func (s *BadgerStore) Set(_ context.Context, collection, key string, value []byte) error {
	err := s.dbUpdate(func(txn *badger.Txn) error {
		return txn.SetEntry(badger.NewEntry(badgerKey(collection, key), value))
	})
	if err != nil {
		return fmt.Errorf("kvstore: badger set %s/%s: %w", collection, key, err)
	}
	return nil
}

// Delete implements Store. Deleting a missing key is a no-op.
func (s *BadgerStore) Delete(_ context.Context, collection, key string) error {
	err := s.dbUpdate(func(txn *badger.Txn) error {
		err := txn.Delete(badgerKey(collection, key))
		if errors.Is(err, badger.ErrKeyNotFound) {
			return nil
		}
		return err
	})
	if err != nil {
		return fmt.Errorf("kvstore: badger delete %s/%s: %w", collection, key, err)
	}
	return nil
}

// Keys implements Store by scanning the collection's key prefix.
func (s *BadgerStore) Keys(_ context.Context, collection string) ([]string, error) {
	prefix := []byte(collection + "\x00")
	var keys []string
	err := s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.PrefetchValues = false
		it := txn.NewIterator(opts)
		defer it.Close()
		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			k := it.Item().KeyCopy(nil)
			keys = append(keys, string(k[len(prefix):]))
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("kvstore: badger keys %s: %w", collection, err)
	}
	return keys, nil
}
