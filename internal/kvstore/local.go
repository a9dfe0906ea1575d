package kvstore

import (
	"context"
	"errors"
	"os"
	"path/filepath"
)

// LocalStore persists one file per key under dir/collection/key.json,
// adapted from the teacher's Checkpoint.SaveToFile/LoadFromFile
// convention and generalized to arbitrary collections.
type LocalStore struct {
	dir string
}

// NewLocalStore roots a LocalStore at dir, creating it if necessary.
func NewLocalStore(dir string) (*LocalStore, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}
	return &LocalStore{dir: dir}, nil
}

func (s *LocalStore) path(collection, key string) string {
	return filepath.Join(s.dir, collection, key+".json")
}

// Get reads a previously-written value.
func (s *LocalStore) Get(_ context.Context, collection, key string) ([]byte, error) {
	data, err := os.ReadFile(s.path(collection, key))
	if errors.Is(err, os.ErrNotExist) {
		return nil, ErrNotFound
	}
	return data, err
}

// Set writes value to the key's file, creating the collection
// directory on first use.
func (s *LocalStore) Set(_ context.Context, collection, key string, value []byte) error {
	dir := filepath.Join(s.dir, collection)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	return os.WriteFile(s.path(collection, key), value, 0o644)
}

// Delete removes a key's file; deleting a missing key is a no-op.
func (s *LocalStore) Delete(_ context.Context, collection, key string) error {
	err := os.Remove(s.path(collection, key))
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	return err
}

// Keys lists the keys present in a collection.
func (s *LocalStore) Keys(_ context.Context, collection string) ([]string, error) {
	entries, err := os.ReadDir(filepath.Join(s.dir, collection))
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	keys := make([]string, 0, len(entries))
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		name := e.Name()
		keys = append(keys, name[:len(name)-len(filepath.Ext(name))])
	}
	return keys, nil
}
