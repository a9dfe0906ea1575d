package requestlist

import (
	"context"
	"testing"

	"github.com/kestrelrun/crawlkit/internal/kvstore"
	"github.com/kestrelrun/crawlkit/internal/request"
)

func mustRequest(t *testing.T, rawURL string) *request.Request {
	t.Helper()
	req, err := request.New(rawURL, "GET", nil)
	if err != nil {
		t.Fatalf("request.New(%s) error = %v", rawURL, err)
	}
	return req
}

func newTestList(t *testing.T) (*List, *kvstore.LocalStore) {
	t.Helper()
	store, err := kvstore.NewLocalStore(t.TempDir())
	if err != nil {
		t.Fatalf("NewLocalStore() error = %v", err)
	}
	return New(store, "request-lists", "test-crawl"), store
}

func TestList_FetchesInOrder(t *testing.T) {
	list, _ := newTestList(t)
	sources := []Source{
		{Request: mustRequest(t, "https://example.com/a")},
		{Request: mustRequest(t, "https://example.com/b")},
	}
	ctx := context.Background()
	if err := list.Initialize(ctx, sources, nil, false); err != nil {
		t.Fatalf("Initialize() error = %v", err)
	}

	first := list.FetchNextRequest()
	second := list.FetchNextRequest()
	third := list.FetchNextRequest()

	if first.URL != "https://example.com/a" || second.URL != "https://example.com/b" {
		t.Fatalf("unexpected order: %s, %s", first.URL, second.URL)
	}
	if third != nil {
		t.Fatalf("expected nil after exhausting sequence, got %v", third)
	}
}

func TestList_DeduplicatesByIdentifier(t *testing.T) {
	list, _ := newTestList(t)
	sources := []Source{
		{Request: mustRequest(t, "https://example.com/a")},
		{Request: mustRequest(t, "https://example.com/a")},
	}
	if err := list.Initialize(context.Background(), sources, nil, false); err != nil {
		t.Fatalf("Initialize() error = %v", err)
	}
	first := list.FetchNextRequest()
	if first == nil {
		t.Fatal("expected one request to survive dedup")
	}
	if second := list.FetchNextRequest(); second != nil {
		t.Fatalf("expected duplicate source to be dropped, got %v", second)
	}
}

func TestList_ReclaimGoesToFrontInOrder(t *testing.T) {
	list, _ := newTestList(t)
	sources := []Source{
		{Request: mustRequest(t, "https://example.com/a")},
		{Request: mustRequest(t, "https://example.com/b")},
		{Request: mustRequest(t, "https://example.com/c")},
	}
	ctx := context.Background()
	if err := list.Initialize(ctx, sources, nil, false); err != nil {
		t.Fatalf("Initialize() error = %v", err)
	}

	a := list.FetchNextRequest()
	b := list.FetchNextRequest()
	if err := list.ReclaimRequest(a); err != nil {
		t.Fatalf("ReclaimRequest(a) error = %v", err)
	}
	if err := list.ReclaimRequest(b); err != nil {
		t.Fatalf("ReclaimRequest(b) error = %v", err)
	}

	next := list.FetchNextRequest()
	if next.URL != a.URL {
		t.Fatalf("FetchNextRequest() = %s, want reclaimed %s first", next.URL, a.URL)
	}
	next2 := list.FetchNextRequest()
	if next2.URL != b.URL {
		t.Fatalf("FetchNextRequest() = %s, want reclaimed %s second", next2.URL, b.URL)
	}
	next3 := list.FetchNextRequest()
	if next3.URL != "https://example.com/c" {
		t.Fatalf("FetchNextRequest() = %s, want fresh item c", next3.URL)
	}
}

func TestList_ReclaimRejectsNotInProgress(t *testing.T) {
	list, _ := newTestList(t)
	req := mustRequest(t, "https://example.com/a")
	if err := list.ReclaimRequest(req); err == nil {
		t.Fatal("expected error reclaiming a request never fetched")
	}
}

func TestList_PersistAndResumeReServesInProgress(t *testing.T) {
	store, err := kvstore.NewLocalStore(t.TempDir())
	if err != nil {
		t.Fatalf("NewLocalStore() error = %v", err)
	}
	sources := []Source{
		{Request: mustRequest(t, "https://example.com/a")},
		{Request: mustRequest(t, "https://example.com/b")},
		{Request: mustRequest(t, "https://example.com/c")},
	}
	ctx := context.Background()

	first := New(store, "request-lists", "crawl-1")
	if err := first.Initialize(ctx, sources, nil, false); err != nil {
		t.Fatalf("Initialize() error = %v", err)
	}
	// Fetch "a" and leave it in progress (simulating a crash before
	// it was handled or reclaimed), then persist.
	a := first.FetchNextRequest()
	if a.URL != "https://example.com/a" {
		t.Fatalf("unexpected first fetch %s", a.URL)
	}
	if err := first.PersistState(ctx); err != nil {
		t.Fatalf("PersistState() error = %v", err)
	}

	second := New(store, "request-lists", "crawl-1")
	if err := second.Initialize(ctx, sources, nil, false); err != nil {
		t.Fatalf("second Initialize() error = %v", err)
	}
	resumed := second.FetchNextRequest()
	if resumed.URL != "https://example.com/a" {
		t.Fatalf("FetchNextRequest() after resume = %s, want re-served %s", resumed.URL, a.URL)
	}
	next := second.FetchNextRequest()
	if next.URL != "https://example.com/b" {
		t.Fatalf("FetchNextRequest() = %s, want %s (nextIndex resumed)", next.URL, "https://example.com/b")
	}
}

func TestList_IsEmptyAndIsFinished(t *testing.T) {
	list, _ := newTestList(t)
	sources := []Source{{Request: mustRequest(t, "https://example.com/a")}}
	ctx := context.Background()
	if err := list.Initialize(ctx, sources, nil, false); err != nil {
		t.Fatalf("Initialize() error = %v", err)
	}

	if list.IsEmpty() {
		t.Fatal("IsEmpty() = true before fetching the one item")
	}
	req := list.FetchNextRequest()
	if !list.IsEmpty() {
		t.Fatal("IsEmpty() = false after sequence exhausted")
	}
	if list.IsFinished() {
		t.Fatal("IsFinished() = true while request is still in progress")
	}
	list.MarkRequestHandled(req)
	if !list.IsFinished() {
		t.Fatal("IsFinished() = false after the only request was handled")
	}
}
