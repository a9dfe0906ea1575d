package browserpool

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"
)

var errLaunch = errors.New("fake launch failure")

type fakePage struct {
	mu     sync.Mutex
	open   bool
	closes *int
}

func newFakePage(closes *int) *fakePage {
	return &fakePage{open: true, closes: closes}
}

func (p *fakePage) IsOpen() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.open
}

func (p *fakePage) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.open {
		p.open = false
		*p.closes++
	}
	return nil
}

type fakeBrowser struct {
	mu      sync.Mutex
	closed  bool
	closes  *int
	pages   *int
}

func (b *fakeBrowser) NewPage(ctx context.Context) (BackendPage, error) {
	*b.pages++
	return newFakePage(b.closes), nil
}

func (b *fakeBrowser) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.closed = true
	return nil
}

type fakeBackend struct {
	mu          sync.Mutex
	launches    int
	pagesOpened int
	pageCloses  int
	launchErr   error
}

func (b *fakeBackend) Launch(ctx context.Context, cacheDir string) (BackendBrowser, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.launchErr != nil {
		return nil, b.launchErr
	}
	b.launches++
	return &fakeBrowser{closes: &b.pageCloses, pages: &b.pagesOpened}, nil
}

func testConfig() Config {
	cfg := DefaultConfig()
	cfg.MaxOpenPagesPerInstance = 2
	cfg.RetireInstanceAfterReqs = 100
	cfg.KillSettleDelay = 0
	return cfg
}

func TestPool_LaunchesOnDemand(t *testing.T) {
	backend := &fakeBackend{}
	pool := New(backend, testConfig(), nil)
	ctx := context.Background()

	page, err := pool.NewPage(ctx)
	if err != nil {
		t.Fatalf("NewPage() error = %v", err)
	}
	if backend.launches != 1 {
		t.Fatalf("launches = %d, want 1", backend.launches)
	}
	if page.Instance.State() != StateActive {
		t.Fatalf("instance state = %v, want ACTIVE", page.Instance.State())
	}
}

func TestPool_ReusesCapacityBeforeLaunchingAnother(t *testing.T) {
	backend := &fakeBackend{}
	pool := New(backend, testConfig(), nil)
	ctx := context.Background()

	p1, err := pool.NewPage(ctx)
	if err != nil {
		t.Fatalf("NewPage() error = %v", err)
	}
	p2, err := pool.NewPage(ctx)
	if err != nil {
		t.Fatalf("NewPage() error = %v", err)
	}
	if backend.launches != 1 {
		t.Fatalf("launches = %d, want 1 (second page should fit on first instance)", backend.launches)
	}
	if p1.Instance != p2.Instance {
		t.Fatal("expected both pages to share the same instance while under capacity")
	}

	// a third page exceeds MaxOpenPagesPerInstance=2, forcing a new instance
	p3, err := pool.NewPage(ctx)
	if err != nil {
		t.Fatalf("NewPage() error = %v", err)
	}
	if backend.launches != 2 {
		t.Fatalf("launches = %d, want 2 once capacity is exhausted", backend.launches)
	}
	if p3.Instance == p1.Instance {
		t.Fatal("expected third page on a new instance")
	}
}

func TestPool_RetireStopsNewAllocationButLetsPagesFinish(t *testing.T) {
	backend := &fakeBackend{}
	pool := New(backend, testConfig(), nil)
	ctx := context.Background()

	page, err := pool.NewPage(ctx)
	if err != nil {
		t.Fatalf("NewPage() error = %v", err)
	}
	pool.Retire(page.Instance)

	if page.Instance.State() != StateRetired {
		t.Fatalf("state = %v, want RETIRED", page.Instance.State())
	}
	if page.Instance.ActivePages() != 1 {
		t.Fatalf("ActivePages() = %d, want 1 (existing page should still be live)", page.Instance.ActivePages())
	}

	// a new page request must not land on the retired instance
	p2, err := pool.NewPage(ctx)
	if err != nil {
		t.Fatalf("NewPage() error = %v", err)
	}
	if p2.Instance == page.Instance {
		t.Fatal("new page landed on a retired instance")
	}
}

func TestPool_KillsAfterRetiredAndActivePagesReachZero(t *testing.T) {
	backend := &fakeBackend{}
	cfg := testConfig()
	cfg.KillSettleDelay = 0
	pool := New(backend, cfg, nil)
	ctx := context.Background()

	page, err := pool.NewPage(ctx)
	if err != nil {
		t.Fatalf("NewPage() error = %v", err)
	}
	pool.Retire(page.Instance)
	page.Recycle()

	deadline := time.Now().Add(time.Second)
	for page.Instance.State() != StateKilled && time.Now().Before(deadline) {
		time.Sleep(time.Millisecond)
	}
	if page.Instance.State() != StateKilled {
		t.Fatalf("state = %v, want KILLED after retirement drained to zero active pages", page.Instance.State())
	}
	if len(pool.Instances()) != 0 {
		t.Fatal("expected killed instance to be removed from the tracked instance list")
	}
}

func TestPool_RetireAfterRequestCountThreshold(t *testing.T) {
	backend := &fakeBackend{}
	cfg := testConfig()
	cfg.RetireInstanceAfterReqs = 2
	pool := New(backend, cfg, nil)
	ctx := context.Background()

	p1, err := pool.NewPage(ctx)
	if err != nil {
		t.Fatalf("NewPage() error = %v", err)
	}
	p1.Recycle()

	p2, err := pool.NewPage(ctx)
	if err != nil {
		t.Fatalf("NewPage() error = %v", err)
	}
	if p2.Instance.State() != StateRetired {
		t.Fatalf("state = %v, want RETIRED once totalPages reached the threshold", p2.Instance.State())
	}
}

func TestPool_ReusePagesPrefersIdlePage(t *testing.T) {
	backend := &fakeBackend{}
	cfg := testConfig()
	cfg.ReusePages = true
	pool := New(backend, cfg, nil)
	ctx := context.Background()

	page, err := pool.NewPage(ctx)
	if err != nil {
		t.Fatalf("NewPage() error = %v", err)
	}
	original := page.Backend
	page.Recycle()

	reused, err := pool.NewPage(ctx)
	if err != nil {
		t.Fatalf("NewPage() error = %v", err)
	}
	if reused.Backend != original {
		t.Fatal("expected NewPage to hand back the idle page instead of opening a fresh one")
	}
	if backend.pagesOpened != 1 {
		t.Fatalf("pagesOpened = %d, want 1 (no new page should have been opened)", backend.pagesOpened)
	}
}

func TestPool_SweepIdleKillsInstancesPastTimeout(t *testing.T) {
	backend := &fakeBackend{}
	cfg := testConfig()
	cfg.KillInstanceAfterIdle = time.Minute
	pool := New(backend, cfg, nil)
	ctx := context.Background()

	page, err := pool.NewPage(ctx)
	if err != nil {
		t.Fatalf("NewPage() error = %v", err)
	}

	pool.SweepIdle(time.Now())
	if page.Instance.State() == StateKilled {
		t.Fatal("instance killed before the idle timeout elapsed")
	}

	pool.SweepIdle(time.Now().Add(2 * time.Minute))
	if page.Instance.State() != StateKilled {
		t.Fatalf("state = %v, want KILLED after exceeding the idle timeout", page.Instance.State())
	}
}

func TestPool_LaunchFailureFreesInstanceSlot(t *testing.T) {
	backend := &fakeBackend{launchErr: errLaunch}
	pool := New(backend, testConfig(), nil)
	ctx := context.Background()

	if _, err := pool.NewPage(ctx); err == nil {
		t.Fatal("expected NewPage to propagate the launch error")
	}
	if len(pool.Instances()) != 0 {
		t.Fatal("expected failed launch to leave no dangling instance")
	}
}

func TestPool_CloseKillsAllInstances(t *testing.T) {
	backend := &fakeBackend{}
	pool := New(backend, testConfig(), nil)
	ctx := context.Background()
	if _, err := pool.NewPage(ctx); err != nil {
		t.Fatalf("NewPage() error = %v", err)
	}

	pool.Close()
	if len(pool.Instances()) != 0 {
		t.Fatal("expected Close to remove all instances")
	}
}
