package robots

import (
	"context"
	"net/http"
	"net/http/httptest"
	"net/url"
	"testing"
)

func TestAgent_DisallowsPathInRobotsTxt(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("User-agent: *\nDisallow: /private\n"))
	}))
	defer srv.Close()

	agent := NewAgent(DefaultConfig("testbot"), srv.Client())

	base, _ := url.Parse(srv.URL)
	allowed := base.ResolveReference(&url.URL{Path: "/private/secret"})
	denied := agent.Allowed(context.Background(), allowed)
	if denied {
		t.Fatal("expected /private/secret to be disallowed")
	}

	public := base.ResolveReference(&url.URL{Path: "/public"})
	if !agent.Allowed(context.Background(), public) {
		t.Fatal("expected /public to be allowed")
	}
}

func TestAgent_OverrideBypassesRobotsTxt(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("User-agent: *\nDisallow: /\n"))
	}))
	defer srv.Close()

	base, _ := url.Parse(srv.URL)
	cfg := DefaultConfig("testbot")
	cfg.Overrides = []string{base.Hostname()}
	agent := NewAgent(cfg, srv.Client())

	target := base.ResolveReference(&url.URL{Path: "/anything"})
	if !agent.Allowed(context.Background(), target) {
		t.Fatal("expected override host to bypass robots.txt disallow")
	}
}

func TestAgent_RespectFalseAllowsEverything(t *testing.T) {
	cfg := DefaultConfig("testbot")
	cfg.Respect = false
	agent := NewAgent(cfg, nil)

	target, _ := url.Parse("https://example.com/private")
	if !agent.Allowed(context.Background(), target) {
		t.Fatal("expected Respect=false to allow everything without a network call")
	}
}

func TestAgent_FetchErrorFailsOpen(t *testing.T) {
	agent := NewAgent(DefaultConfig("testbot"), http.DefaultClient)
	target, _ := url.Parse("http://127.0.0.1:1/unreachable")
	if !agent.Allowed(context.Background(), target) {
		t.Fatal("expected an unreachable robots.txt host to fail open")
	}
}

func TestAgent_PurgeForcesRefetch(t *testing.T) {
	calls := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		w.Write([]byte("User-agent: *\nDisallow: /private\n"))
	}))
	defer srv.Close()

	agent := NewAgent(DefaultConfig("testbot"), srv.Client())
	base, _ := url.Parse(srv.URL)
	target := base.ResolveReference(&url.URL{Path: "/public"})

	agent.Allowed(context.Background(), target)
	agent.Allowed(context.Background(), target)
	if calls != 1 {
		t.Fatalf("calls = %d, want 1 (second check should hit the cache)", calls)
	}

	agent.Purge(base.Hostname())
	agent.Allowed(context.Background(), target)
	if calls != 2 {
		t.Fatalf("calls = %d, want 2 after Purge forced a refetch", calls)
	}
}
