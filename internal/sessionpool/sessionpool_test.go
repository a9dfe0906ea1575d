package sessionpool

import (
	"context"
	"testing"
	"time"

	"github.com/kestrelrun/crawlkit/internal/kvstore"
)

func testConfig() Config {
	return Config{
		MaxPoolSize:   5,
		TargetSize:    2,
		MaxErrorScore: 3,
		MaxUsageCount: 5,
	}
}

func newFixedCreate() CreateFunc {
	return func() (*Session, error) {
		return NewSession("", 0)
	}
}

func TestPool_GrowsToTargetBeforeReusing(t *testing.T) {
	pool := New(testConfig(), newFixedCreate(), nil, "")

	first, err := pool.Acquire()
	if err != nil {
		t.Fatalf("Acquire() error = %v", err)
	}
	second, err := pool.Acquire()
	if err != nil {
		t.Fatalf("Acquire() error = %v", err)
	}
	if first.ID == second.ID {
		t.Fatal("expected two distinct sessions while below target size")
	}
	if pool.Size() != 2 {
		t.Fatalf("Size() = %d, want 2", pool.Size())
	}
}

func TestPool_MarkBadRetiresPastErrorThreshold(t *testing.T) {
	pool := New(testConfig(), newFixedCreate(), nil, "")
	sess, err := pool.Acquire()
	if err != nil {
		t.Fatalf("Acquire() error = %v", err)
	}

	for i := 0; i < 3; i++ {
		pool.Release(sess, false)
	}

	if sess.Usable(pool.cfg.MaxErrorScore, pool.cfg.MaxUsageCount) {
		t.Fatal("expected session to become unusable after 3 bad marks crossed maxErrorScore")
	}
	if pool.Size() != 0 {
		t.Fatalf("Size() = %d, want 0 after retirement", pool.Size())
	}
}

func TestPool_MarkGoodDecaysErrorScore(t *testing.T) {
	sess, err := NewSession("", 0)
	if err != nil {
		t.Fatalf("NewSession() error = %v", err)
	}
	sess.MarkBad()
	sess.MarkBad()
	sess.MarkGood()

	if !sess.Usable(3, 100) {
		t.Fatal("expected session with errorScore=1 to remain usable under maxErrorScore=3")
	}
}

func TestPool_RetiresOnUsageCountThreshold(t *testing.T) {
	cfg := testConfig()
	cfg.MaxUsageCount = 2
	pool := New(cfg, newFixedCreate(), nil, "")
	sess, err := pool.Acquire()
	if err != nil {
		t.Fatalf("Acquire() error = %v", err)
	}

	pool.Release(sess, true)
	pool.Release(sess, true)

	if pool.Size() != 0 {
		t.Fatalf("Size() = %d, want 0 once usageCount reached maxUsageCount", pool.Size())
	}
}

func TestPool_AcquireMintsFreshSessionWhenNoneUsable(t *testing.T) {
	cfg := Config{MaxPoolSize: 1, TargetSize: 1, MaxErrorScore: 1, MaxUsageCount: 100}
	pool := New(cfg, newFixedCreate(), nil, "")

	sess, err := pool.Acquire()
	if err != nil {
		t.Fatalf("Acquire() error = %v", err)
	}
	pool.Release(sess, false) // errorScore=1 >= maxErrorScore=1, retires and frees the only slot

	fresh, err := pool.Acquire()
	if err != nil {
		t.Fatalf("Acquire() error = %v, want a freshly minted session", err)
	}
	if fresh.ID == sess.ID {
		t.Fatalf("Acquire() returned retired session %q, want a new one", sess.ID)
	}
}

func TestPool_ExpiredSessionIsUnusable(t *testing.T) {
	sess, err := NewSession("", time.Millisecond)
	if err != nil {
		t.Fatalf("NewSession() error = %v", err)
	}
	time.Sleep(5 * time.Millisecond)
	if sess.Usable(100, 100) {
		t.Fatal("expected expired session to be unusable regardless of thresholds")
	}
}

func TestPool_PersistAndRestoreRoundTripsCounters(t *testing.T) {
	store, err := kvstore.NewLocalStore(t.TempDir())
	if err != nil {
		t.Fatalf("NewLocalStore() error = %v", err)
	}
	ctx := context.Background()

	pool := New(testConfig(), newFixedCreate(), store, "crawl-1")
	sess, err := pool.Acquire()
	if err != nil {
		t.Fatalf("Acquire() error = %v", err)
	}
	pool.Release(sess, false)
	if err := pool.PersistState(ctx); err != nil {
		t.Fatalf("PersistState() error = %v", err)
	}

	restored := New(testConfig(), newFixedCreate(), store, "crawl-1")
	if err := restored.Restore(ctx); err != nil {
		t.Fatalf("Restore() error = %v", err)
	}
	if restored.Size() != 1 {
		t.Fatalf("Size() after restore = %d, want 1", restored.Size())
	}
}
