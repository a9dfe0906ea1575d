package kvstore

import (
	"context"
	"errors"
	"testing"
)

func TestBadgerStore_SetGetDelete(t *testing.T) {
	store, err := NewBadgerStore(t.TempDir())
	if err != nil {
		t.Fatalf("NewBadgerStore() error = %v", err)
	}
	defer store.Close()

	ctx := context.Background()
	if err := store.Set(ctx, "sessions", "s1", []byte("hello")); err != nil {
		t.Fatalf("Set() error = %v", err)
	}

	got, err := store.Get(ctx, "sessions", "s1")
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if string(got) != "hello" {
		t.Errorf("Get() = %q, want %q", got, "hello")
	}

	if err := store.Delete(ctx, "sessions", "s1"); err != nil {
		t.Fatalf("Delete() error = %v", err)
	}
	if _, err := store.Get(ctx, "sessions", "s1"); !errors.Is(err, ErrNotFound) {
		t.Errorf("Get() after delete error = %v, want ErrNotFound", err)
	}

	// deleting an already-missing key is a no-op
	if err := store.Delete(ctx, "sessions", "s1"); err != nil {
		t.Errorf("Delete() of missing key error = %v, want nil", err)
	}
}

func TestBadgerStore_Keys(t *testing.T) {
	store, err := NewBadgerStore(t.TempDir())
	if err != nil {
		t.Fatalf("NewBadgerStore() error = %v", err)
	}
	defer store.Close()

	ctx := context.Background()
	want := map[string]bool{"a": true, "b": true, "c": true}
	for k := range want {
		if err := store.Set(ctx, "queue-pending", k, []byte("v")); err != nil {
			t.Fatalf("Set(%s) error = %v", k, err)
		}
	}
	// a key in a different collection must not leak into Keys
	if err := store.Set(ctx, "other", "z", []byte("v")); err != nil {
		t.Fatalf("Set(other/z) error = %v", err)
	}

	keys, err := store.Keys(ctx, "queue-pending")
	if err != nil {
		t.Fatalf("Keys() error = %v", err)
	}
	if len(keys) != len(want) {
		t.Fatalf("Keys() = %v, want %d entries", keys, len(want))
	}
	for _, k := range keys {
		if !want[k] {
			t.Errorf("unexpected key %q", k)
		}
	}
}

func TestBadgerStore_GetMissing(t *testing.T) {
	store, err := NewBadgerStore(t.TempDir())
	if err != nil {
		t.Fatalf("NewBadgerStore() error = %v", err)
	}
	defer store.Close()

	if _, err := store.Get(context.Background(), "sessions", "absent"); !errors.Is(err, ErrNotFound) {
		t.Errorf("Get() error = %v, want ErrNotFound", err)
	}
}
