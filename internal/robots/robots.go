// Package robots implements politeness via robots.txt: a TTL cache of
// parsed rules plus an allow/deny check, adapted directly from the
// newscrawler example's Agent.
package robots

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/temoto/robotstxt"
)

// Config holds the agent's tunables.
type Config struct {
	UserAgent string
	CacheTTL  time.Duration
	Respect   bool          // if false, Allowed always returns true
	Overrides []string      // hosts that always return true regardless of robots.txt
}

// DefaultConfig respects robots.txt with a 30-minute cache.
func DefaultConfig(userAgent string) Config {
	return Config{
		UserAgent: userAgent,
		CacheTTL:  30 * time.Minute,
		Respect:   true,
	}
}

type cacheEntry struct {
	fetched time.Time
	rules   *robotstxt.RobotsData
}

// Agent evaluates robots.txt rules with caching and per-host
// overrides.
type Agent struct {
	client    *http.Client
	userAgent string
	ttl       time.Duration
	respect   bool

	mu        sync.RWMutex
	cache     map[string]cacheEntry
	overrides map[string]struct{}
}

// NewAgent constructs a robots agent. client may be nil, in which case
// a client with a 10s timeout is used.
func NewAgent(cfg Config, client *http.Client) *Agent {
	if client == nil {
		client = &http.Client{Timeout: 10 * time.Second}
	}
	ttl := cfg.CacheTTL
	if ttl <= 0 {
		ttl = 30 * time.Minute
	}

	overrides := make(map[string]struct{}, len(cfg.Overrides))
	for _, host := range cfg.Overrides {
		host = strings.ToLower(strings.TrimSpace(host))
		if host != "" {
			overrides[host] = struct{}{}
		}
	}

	return &Agent{
		client:    client,
		userAgent: cfg.UserAgent,
		ttl:       ttl,
		respect:   cfg.Respect,
		cache:     make(map[string]cacheEntry),
		overrides: overrides,
	}
}

// Allowed reports whether target may be fetched. Robots-fetch errors
// fail open (common crawler practice, and what the newscrawler example
// does): a host whose robots.txt can't be retrieved is treated as
// unrestricted rather than blocking the crawl.
func (a *Agent) Allowed(ctx context.Context, target *url.URL) bool {
	if target == nil || !target.IsAbs() {
		return false
	}
	if !a.respect {
		return true
	}

	host := strings.ToLower(target.Hostname())
	if _, ok := a.overrides[host]; ok {
		return true
	}

	rules, err := a.rules(ctx, target)
	if err != nil {
		return true
	}

	group := rules.FindGroup(a.userAgent)
	if group == nil {
		group = rules.FindGroup("*")
		if group == nil {
			return true
		}
	}
	return group.Test(target.Path)
}

func (a *Agent) rules(ctx context.Context, target *url.URL) (*robotstxt.RobotsData, error) {
	host := strings.ToLower(target.Host)

	a.mu.RLock()
	entry, ok := a.cache[host]
	if ok && time.Since(entry.fetched) < a.ttl {
		a.mu.RUnlock()
		return entry.rules, nil
	}
	a.mu.RUnlock()

	robotsURL := target.Scheme + "://" + target.Host + "/robots.txt"
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, robotsURL, nil)
	if err != nil {
		return nil, fmt.Errorf("robots: build request: %w", err)
	}
	if a.userAgent != "" {
		req.Header.Set("User-Agent", a.userAgent)
	}

	resp, err := a.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("robots: fetch %s: %w", robotsURL, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		return nil, fmt.Errorf("robots: %s returned status %d", robotsURL, resp.StatusCode)
	}

	data, err := robotstxt.FromResponse(resp)
	if err != nil {
		return nil, fmt.Errorf("robots: parse %s: %w", robotsURL, err)
	}

	a.mu.Lock()
	a.cache[host] = cacheEntry{fetched: time.Now(), rules: data}
	a.mu.Unlock()

	return data, nil
}

// Purge evicts cached rules for host (on any port), forcing the next
// Allowed call to refetch.
func (a *Agent) Purge(host string) {
	host = strings.ToLower(strings.TrimSpace(host))
	if host == "" {
		return
	}
	a.mu.Lock()
	for key := range a.cache {
		if key == host || (&url.URL{Host: key}).Hostname() == host {
			delete(a.cache, key)
		}
	}
	a.mu.Unlock()
}
