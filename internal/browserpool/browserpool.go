// Package browserpool implements the Browser Pool (C7): launches and
// retires long-lived headless browser instances and hands out pages to
// crawler tasks, generalizing the teacher's PagePool (channel-backed
// available-page pool, clean-retry-then-destroy health policy) and
// DynamicCrawler's crash/relaunch loop from a single fixed browser to
// a pool of independently scaling BrowserInstances.
package browserpool

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
)

// State is a BrowserInstance's lifecycle state. Transitions are
// monotonic: LAUNCHING -> ACTIVE -> RETIRED -> KILLED, never backwards,
// and never out of KILLED.
type State int

const (
	StateLaunching State = iota
	StateActive
	StateRetired
	StateKilled
)

func (s State) String() string {
	switch s {
	case StateLaunching:
		return "LAUNCHING"
	case StateActive:
		return "ACTIVE"
	case StateRetired:
		return "RETIRED"
	case StateKilled:
		return "KILLED"
	default:
		return "UNKNOWN"
	}
}

// ErrPoolClosed is returned by NewPage once the pool has been closed.
var ErrPoolClosed = errors.New("browserpool: pool closed")

// BackendPage is one open tab, as the underlying automation library
// represents it. The pool never inspects its contents; it only tracks
// the instance that owns it and whether it's still open.
type BackendPage interface {
	// IsOpen reports whether the page is still usable (not crashed,
	// not closed out from under the pool).
	IsOpen() bool
	// Close closes the page. Idempotent.
	Close() error
}

// Backend launches and tears down browser processes. The concrete
// implementation (rod, or a test double) is supplied at construction,
// per the BrowserBackend capability in the crawler's composition model
// — the Browser Pool itself never imports an automation library
// directly.
type Backend interface {
	// Launch starts a new browser process, optionally bound to a
	// disk cache directory for later recycling.
	Launch(ctx context.Context, cacheDir string) (BackendBrowser, error)
}

// BackendBrowser is one running browser process.
type BackendBrowser interface {
	NewPage(ctx context.Context) (BackendPage, error)
	Close() error
}

// Config holds the pool's tunables, named per §4.7.
type Config struct {
	MaxOpenPagesPerInstance    int
	RetireInstanceAfterReqs    int
	KillInstanceAfterIdle      time.Duration
	KillSettleDelay            time.Duration
	ReusePages                 bool
	RecycleDiskCacheDirs       bool
}

// DefaultConfig matches §4.7's stated defaults.
func DefaultConfig() Config {
	return Config{
		MaxOpenPagesPerInstance: 8,
		RetireInstanceAfterReqs: 100,
		KillInstanceAfterIdle:   5 * time.Minute,
		KillSettleDelay:         time.Second,
		ReusePages:              false,
		RecycleDiskCacheDirs:    false,
	}
}

// Instance is one long-lived BrowserInstance.
type Instance struct {
	ID          int
	LaunchedAt  time.Time
	SessionID   string // optional bound session, empty if none
	ProxyURL    string // optional bound proxy, empty if none
	CacheDir    string // optional disk-cache directory, empty if none

	mu               sync.Mutex
	state            State
	activePages      int
	totalPages       int
	lastPageOpenedAt time.Time
	browser          BackendBrowser
	idlePages        []BackendPage // reuse queue, only populated when ReusePages
}

func (inst *Instance) State() State {
	inst.mu.Lock()
	defer inst.mu.Unlock()
	return inst.state
}

func (inst *Instance) ActivePages() int {
	inst.mu.Lock()
	defer inst.mu.Unlock()
	return inst.activePages
}

func (inst *Instance) TotalPages() int {
	inst.mu.Lock()
	defer inst.mu.Unlock()
	return inst.totalPages
}

// Page is a page on loan from the pool, bound to the Instance that
// owns it. Callers must call Recycle when finished; they must not
// retain the Page past that call.
type Page struct {
	Backend  BackendPage
	Instance *Instance
	pool     *Pool
	reused   bool
}

// Pool is the Browser Pool (C7).
type Pool struct {
	backend Backend
	cfg     Config

	cacheDirAllocator func() string // nil when RecycleDiskCacheDirs is off

	mu        sync.Mutex
	instances []*Instance
	nextID    int
	closed    bool

	freeCacheDirs []string // recycled disk-cache directories awaiting reuse

	killWG sync.WaitGroup
}

// New builds a Pool. cacheDirForReuse, if non-nil, supplies a fresh
// disk-cache directory path when no recycled one is available; the
// pool returns a KILLED instance's directory to the free list instead
// of deleting it, when cfg.RecycleDiskCacheDirs is set.
func New(backend Backend, cfg Config, cacheDirForReuse func() string) *Pool {
	return &Pool{
		backend:           backend,
		cfg:               cfg,
		cacheDirAllocator: cacheDirForReuse,
		nextID:            1,
	}
}

// NewPage returns a page bound to an ACTIVE instance with spare
// capacity, per §4.7's contract: a reused idle page is preferred when
// ReusePages is set and one is available and still open; otherwise a
// fresh page is opened on an instance with capacity, launching a new
// instance if none qualifies. If launch fails, no instance slot is
// consumed and the error propagates.
func (p *Pool) NewPage(ctx context.Context) (*Page, error) {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil, ErrPoolClosed
	}

	if p.cfg.ReusePages {
		for _, inst := range p.instances {
			if page, ok := inst.takeIdlePage(); ok {
				p.mu.Unlock()
				return &Page{Backend: page, Instance: inst, pool: p, reused: true}, nil
			}
		}
	}

	for _, inst := range p.instances {
		if inst.reserveSlot(p.cfg.MaxOpenPagesPerInstance) {
			p.mu.Unlock()
			return p.openPageOn(ctx, inst)
		}
	}

	cacheDir := ""
	if p.cfg.RecycleDiskCacheDirs {
		cacheDir = p.takeCacheDirLocked()
	}
	inst := &Instance{ID: p.nextID, state: StateLaunching, CacheDir: cacheDir}
	p.nextID++
	p.instances = append(p.instances, inst)
	p.mu.Unlock()

	browser, err := p.backend.Launch(ctx, cacheDir)
	if err != nil {
		p.removeInstance(inst)
		return nil, fmt.Errorf("browserpool: launch instance %d: %w", inst.ID, err)
	}

	inst.mu.Lock()
	inst.browser = browser
	inst.state = StateActive
	inst.LaunchedAt = time.Now()
	inst.mu.Unlock()
	inst.reserveSlot(p.cfg.MaxOpenPagesPerInstance)

	log.Debug().Int("instance", inst.ID).Msg("browser instance launched")
	return p.openPageOn(ctx, inst)
}

func (p *Pool) openPageOn(ctx context.Context, inst *Instance) (*Page, error) {
	backendPage, err := inst.browser.NewPage(ctx)
	if err != nil {
		inst.releaseSlot()
		return nil, fmt.Errorf("browserpool: open page on instance %d: %w", inst.ID, err)
	}

	inst.mu.Lock()
	inst.totalPages++
	inst.lastPageOpenedAt = time.Now()
	total := inst.totalPages
	inst.mu.Unlock()

	if total >= p.cfg.RetireInstanceAfterReqs {
		p.Retire(inst)
	}

	return &Page{Backend: backendPage, Instance: inst, pool: p}, nil
}

// Recycle returns a page to the pool, per §4.7's recyclePage contract:
// with ReusePages, it's parked on an idle queue for reuse; otherwise
// it's closed outright. Either way, closing or idling decrements the
// instance's open-page accounting and may schedule the instance's
// kill once RETIRED.
func (pg *Page) Recycle() {
	pg.pool.recycle(pg)
}

func (p *Pool) recycle(pg *Page) {
	inst := pg.Instance

	if p.cfg.ReusePages && pg.Backend.IsOpen() {
		inst.mu.Lock()
		if inst.state == StateActive {
			inst.idlePages = append(inst.idlePages, pg.Backend)
			if inst.activePages > 0 {
				inst.activePages--
			}
			inst.mu.Unlock()
			return
		}
		inst.mu.Unlock()
	}

	_ = pg.Backend.Close()
	p.onPageClosed(inst)
}

// onPageClosed models the backend's targetdestroyed handler: it
// decrements activePages and, if the instance is RETIRED and now has
// no active pages, schedules its kill after the settle delay.
func (p *Pool) onPageClosed(inst *Instance) {
	inst.mu.Lock()
	inst.activePages--
	if inst.activePages < 0 {
		inst.activePages = 0
	}
	shouldKill := inst.state == StateRetired && inst.activePages == 0
	inst.mu.Unlock()

	if shouldKill {
		p.scheduleKill(inst, p.cfg.KillSettleDelay)
	}
}

// Retire marks inst RETIRED: no further pages will be allocated on it,
// but pages already on loan finish normally. Monotonic — a no-op past
// LAUNCHING/ACTIVE is safe, and retiring an already-KILLED instance is
// a no-op.
func (p *Pool) Retire(inst *Instance) {
	inst.mu.Lock()
	if inst.state == StateRetired || inst.state == StateKilled {
		inst.mu.Unlock()
		return
	}
	inst.state = StateRetired
	idle := inst.idlePages
	inst.idlePages = nil
	activePages := inst.activePages
	inst.mu.Unlock()

	for _, page := range idle {
		_ = page.Close()
	}

	log.Debug().Int("instance", inst.ID).Msg("browser instance retired")

	if activePages == 0 {
		p.scheduleKill(inst, p.cfg.KillSettleDelay)
	}
}

func (p *Pool) scheduleKill(inst *Instance, delay time.Duration) {
	p.killWG.Add(1)
	go func() {
		defer p.killWG.Done()
		if delay > 0 {
			time.Sleep(delay)
		}
		p.kill(inst)
	}()
}

func (p *Pool) kill(inst *Instance) {
	inst.mu.Lock()
	if inst.state == StateKilled {
		inst.mu.Unlock()
		return
	}
	inst.state = StateKilled
	browser := inst.browser
	cacheDir := inst.CacheDir
	inst.mu.Unlock()

	if browser != nil {
		if err := browser.Close(); err != nil {
			log.Warn().Err(err).Int("instance", inst.ID).Msg("error closing browser instance")
		}
	}

	if p.cfg.RecycleDiskCacheDirs && cacheDir != "" {
		p.mu.Lock()
		p.freeCacheDirs = append(p.freeCacheDirs, cacheDir)
		p.mu.Unlock()
	}

	p.removeInstance(inst)
	log.Debug().Int("instance", inst.ID).Msg("browser instance killed")
}

func (p *Pool) removeInstance(inst *Instance) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for i, cur := range p.instances {
		if cur == inst {
			p.instances = append(p.instances[:i], p.instances[i+1:]...)
			break
		}
	}
}

func (p *Pool) takeCacheDirLocked() string {
	if len(p.freeCacheDirs) > 0 {
		dir := p.freeCacheDirs[len(p.freeCacheDirs)-1]
		p.freeCacheDirs = p.freeCacheDirs[:len(p.freeCacheDirs)-1]
		return dir
	}
	if p.cacheDirAllocator != nil {
		return p.cacheDirAllocator()
	}
	return ""
}

// SweepIdle kills any ACTIVE instance whose last page was opened more
// than KillInstanceAfterIdle ago, per §4.7's idle-timeout clause.
// Callers run this on a ticker; the pool does not start its own timer
// so tests can drive it deterministically.
func (p *Pool) SweepIdle(now time.Time) {
	p.mu.Lock()
	instances := make([]*Instance, len(p.instances))
	copy(instances, p.instances)
	p.mu.Unlock()

	for _, inst := range instances {
		inst.mu.Lock()
		idleTooLong := inst.state == StateActive && !inst.lastPageOpenedAt.IsZero() &&
			now.Sub(inst.lastPageOpenedAt) > p.cfg.KillInstanceAfterIdle
		inst.mu.Unlock()
		if idleTooLong {
			p.kill(inst)
		}
	}
}

// Instances returns a snapshot of currently tracked instances (any
// state not yet removed by kill).
func (p *Pool) Instances() []*Instance {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]*Instance, len(p.instances))
	copy(out, p.instances)
	return out
}

// Close retires and kills every instance, then waits for all
// scheduled kills to finish.
func (p *Pool) Close() {
	p.mu.Lock()
	p.closed = true
	instances := make([]*Instance, len(p.instances))
	copy(instances, p.instances)
	p.mu.Unlock()

	for _, inst := range instances {
		p.Retire(inst)
	}
	p.killWG.Wait()

	for _, inst := range instances {
		p.kill(inst)
	}
}

func (inst *Instance) reserveSlot(maxPages int) bool {
	inst.mu.Lock()
	defer inst.mu.Unlock()
	if inst.state != StateActive {
		return false
	}
	if inst.activePages >= maxPages {
		return false
	}
	inst.activePages++
	return true
}

func (inst *Instance) releaseSlot() {
	inst.mu.Lock()
	defer inst.mu.Unlock()
	if inst.activePages > 0 {
		inst.activePages--
	}
}

func (inst *Instance) takeIdlePage() (BackendPage, bool) {
	inst.mu.Lock()
	defer inst.mu.Unlock()
	if inst.state != StateActive {
		return nil, false
	}
	for len(inst.idlePages) > 0 {
		n := len(inst.idlePages)
		page := inst.idlePages[n-1]
		inst.idlePages = inst.idlePages[:n-1]
		if page.IsOpen() {
			inst.activePages++
			return page, true
		}
		_ = page.Close()
	}
	return nil, false
}
