// Package sessionpool implements the Session Pool (C8): a rotating
// pool of reputation-tracked session identities (cookies, proxy
// binding), persisted through internal/kvstore. The teacher has no
// session concept of its own; this is built in its idiom (mutex-
// guarded slice, counters) informed by the newscrawler example's
// per-host state map shape and persisted session store.
package sessionpool

import (
	"context"
	"crypto/rand"
	"encoding/json"
	"errors"
	"fmt"
	"math/big"
	"net/http"
	"net/http/cookiejar"
	"net/url"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/kestrelrun/crawlkit/internal/kvstore"
)

const stateKey = "sessions"

// Session is one reputation-tracked identity.
type Session struct {
	ID        string
	ProxyURL  string // optional bound proxy, empty if none
	CreatedAt time.Time
	ExpiresAt time.Time // zero means no expiry

	mu         sync.Mutex
	usageCount int
	errorScore float64
	jar        http.CookieJar
}

// CreateFunc mints a new Session, e.g. binding it to a proxy from a
// rotation list. The pool never constructs Sessions itself beyond
// wiring the common fields.
type CreateFunc func() (*Session, error)

// NewSession builds a Session with a fresh random id and an empty
// cookie jar.
func NewSession(proxyURL string, ttl time.Duration) (*Session, error) {
	jar, err := cookiejar.New(nil)
	if err != nil {
		return nil, fmt.Errorf("sessionpool: new cookie jar: %w", err)
	}
	now := time.Now()
	var expires time.Time
	if ttl > 0 {
		expires = now.Add(ttl)
	}
	return &Session{
		ID:        uuid.New().String(),
		ProxyURL:  proxyURL,
		CreatedAt: now,
		ExpiresAt: expires,
		jar:       jar,
	}, nil
}

// Cookies returns the cookies set for origin.
func (s *Session) Cookies(origin *url.URL) []*http.Cookie {
	return s.jar.Cookies(origin)
}

// SetCookies records cookies returned for origin.
func (s *Session) SetCookies(origin *url.URL, cookies []*http.Cookie) {
	s.jar.SetCookies(origin, cookies)
}

// MarkGood records a successful use: usageCount increments, errorScore
// decays by 1 toward zero.
func (s *Session) MarkGood() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.usageCount++
	s.errorScore -= 1
	if s.errorScore < 0 {
		s.errorScore = 0
	}
}

// MarkBad records a failed use: usageCount increments, errorScore
// increases by 1.
func (s *Session) MarkBad() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.usageCount++
	s.errorScore += 1
}

// Usable reports whether s may still be handed out: below both the
// error and usage thresholds, and not expired.
func (s *Session) Usable(maxErrorScore float64, maxUsageCount int) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.ExpiresAt.IsZero() && time.Now().After(s.ExpiresAt) {
		return false
	}
	return s.errorScore < maxErrorScore && s.usageCount < maxUsageCount
}

// snapshot captures counters only. cookiejar.Jar exposes no
// enumeration API, so cookies aren't round-tripped through
// persistence; a restored session starts with an empty jar and
// re-accumulates cookies as requests touch each origin again.
func (s *Session) snapshot() sessionRecord {
	s.mu.Lock()
	defer s.mu.Unlock()
	return sessionRecord{
		ID:         s.ID,
		ProxyURL:   s.ProxyURL,
		CreatedAt:  s.CreatedAt,
		ExpiresAt:  s.ExpiresAt,
		UsageCount: s.usageCount,
		ErrorScore: s.errorScore,
	}
}

type sessionRecord struct {
	ID         string    `json:"id"`
	ProxyURL   string    `json:"proxyUrl,omitempty"`
	CreatedAt  time.Time `json:"createdAt"`
	ExpiresAt  time.Time `json:"expiresAt,omitempty"`
	UsageCount int       `json:"usageCount"`
	ErrorScore float64   `json:"errorScore"`
}

// Config holds the pool's thresholds.
type Config struct {
	MaxPoolSize   int
	TargetSize    int
	MaxErrorScore float64
	MaxUsageCount int
	SessionTTL    time.Duration
}

// DefaultConfig matches §4.8's described defaults.
func DefaultConfig() Config {
	return Config{
		MaxPoolSize:   50,
		TargetSize:    10,
		MaxErrorScore: 3,
		MaxUsageCount: 50,
		SessionTTL:    30 * time.Minute,
	}
}

var ErrPoolFull = errors.New("sessionpool: pool at maxPoolSize with no usable session")

// Pool is the Session Pool (C8).
type Pool struct {
	cfg    Config
	create CreateFunc
	store  kvstore.Store
	ns     string

	mu       sync.Mutex
	sessions []*Session
}

// New builds a Pool. store/ns may be the zero kvstore.Store (nil) to
// run without persistence.
func New(cfg Config, create CreateFunc, store kvstore.Store, ns string) *Pool {
	return &Pool{cfg: cfg, create: create, store: store, ns: ns}
}

// Acquire returns a usable session per §4.8's policy: mint a new one
// while below maxPoolSize and (the pool is below its target size, or
// none currently usable); otherwise hand back a random usable one.
// Unusable sessions encountered along the way are removed lazily.
func (p *Pool) Acquire() (*Session, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.pruneUnusableLocked()

	if len(p.sessions) < p.cfg.MaxPoolSize && (len(p.sessions) < p.cfg.TargetSize || len(p.sessions) == 0) {
		sess, err := p.create()
		if err != nil {
			return nil, fmt.Errorf("sessionpool: create session: %w", err)
		}
		p.sessions = append(p.sessions, sess)
		return sess, nil
	}

	if len(p.sessions) == 0 {
		return nil, ErrPoolFull
	}
	idx, err := randomIndex(len(p.sessions))
	if err != nil {
		return nil, err
	}
	return p.sessions[idx], nil
}

func (p *Pool) pruneUnusableLocked() {
	kept := p.sessions[:0]
	for _, s := range p.sessions {
		if s.Usable(p.cfg.MaxErrorScore, p.cfg.MaxUsageCount) {
			kept = append(kept, s)
		}
	}
	p.sessions = kept
}

func randomIndex(n int) (int, error) {
	if n == 1 {
		return 0, nil
	}
	idx, err := rand.Int(rand.Reader, big.NewInt(int64(n)))
	if err != nil {
		return 0, fmt.Errorf("sessionpool: pick random session: %w", err)
	}
	return int(idx.Int64()), nil
}

// Release reports the outcome of using sess, updating its reputation
// and retiring it immediately if it crossed a threshold.
func (p *Pool) Release(sess *Session, ok bool) {
	if ok {
		sess.MarkGood()
	} else {
		sess.MarkBad()
	}
	if !sess.Usable(p.cfg.MaxErrorScore, p.cfg.MaxUsageCount) {
		p.remove(sess)
	}
}

func (p *Pool) remove(sess *Session) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for i, s := range p.sessions {
		if s == sess {
			p.sessions = append(p.sessions[:i], p.sessions[i+1:]...)
			return
		}
	}
}

// Size returns the current number of tracked sessions (usable or not,
// prior to the next lazy prune).
func (p *Pool) Size() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.sessions)
}

// PersistState snapshots every tracked session's counters (not its
// cookies, which are rehydrated by use) into the store. The pool runs
// no timer of its own; cmd/crawlkit calls this once, at shutdown.
func (p *Pool) PersistState(ctx context.Context) error {
	if p.store == nil {
		return nil
	}
	p.mu.Lock()
	records := make([]sessionRecord, len(p.sessions))
	for i, s := range p.sessions {
		records[i] = s.snapshot()
	}
	p.mu.Unlock()

	data, err := json.Marshal(records)
	if err != nil {
		return fmt.Errorf("sessionpool: encode state: %w", err)
	}
	return p.store.Set(ctx, p.ns, stateKey, data)
}

// Restore loads a prior PersistState snapshot, recreating sessions
// with their saved counters and fresh empty cookie jars.
func (p *Pool) Restore(ctx context.Context) error {
	if p.store == nil {
		return nil
	}
	data, err := p.store.Get(ctx, p.ns, stateKey)
	if errors.Is(err, kvstore.ErrNotFound) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("sessionpool: load state: %w", err)
	}

	var records []sessionRecord
	if err := json.Unmarshal(data, &records); err != nil {
		return fmt.Errorf("sessionpool: decode state: %w", err)
	}

	restored := make([]*Session, 0, len(records))
	for _, rec := range records {
		jar, err := cookiejar.New(nil)
		if err != nil {
			return fmt.Errorf("sessionpool: new cookie jar: %w", err)
		}
		restored = append(restored, &Session{
			ID:         rec.ID,
			ProxyURL:   rec.ProxyURL,
			CreatedAt:  rec.CreatedAt,
			ExpiresAt:  rec.ExpiresAt,
			usageCount: rec.UsageCount,
			errorScore: rec.ErrorScore,
			jar:        jar,
		})
	}

	p.mu.Lock()
	p.sessions = restored
	p.mu.Unlock()
	return nil
}
