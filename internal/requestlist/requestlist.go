// Package requestlist implements the Request List (C4): an ordered,
// restartable source of seed requests with persistent progress
// state, generalizing the teacher's one-shot Checkpoint
// (ToJSON/FromJSON, SaveToFile/LoadFromFile) into a resumable
// sequence cursor.
package requestlist

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
	"sync"

	"github.com/kestrelrun/crawlkit/internal/kvstore"
	"github.com/kestrelrun/crawlkit/internal/request"
)

// Source is one seed entry: either an inline Request, or a URL whose
// fetched body is scanned with Pattern to yield a batch of URLs.
type Source struct {
	Request *request.Request
	URL     string
	Pattern *regexp.Regexp
}

// BatchFetcher retrieves the body behind a batch Source's URL. The
// caller supplies it; the List has no HTTP client of its own (the
// specific HTTP library is an external collaborator).
type BatchFetcher func(ctx context.Context, url string) ([]byte, error)

// persistedState is the on-disk shape of List.PersistState; it stores
// identifiers only; the full Request is recovered from the freshly
// materialized sequence on load, which is deterministic given the
// same sources.
type persistedState struct {
	NextIndex    int      `json:"nextIndex"`
	InProgressID []string `json:"inProgressIds"`
	ReclaimedID  []string `json:"reclaimedIds"`
}

// List is the Request List (C4).
type List struct {
	store      kvstore.Store
	collection string
	key        string

	mu         sync.Mutex
	sequence   []*request.Request
	byID       map[string]*request.Request
	nextIndex  int
	inProgress map[string]*request.Request
	reclaimed  []*request.Request
}

// New builds an empty List. Call Initialize before use.
func New(store kvstore.Store, collection, key string) *List {
	return &List{
		store:      store,
		collection: collection,
		key:        key,
		inProgress: make(map[string]*request.Request),
	}
}

// Initialize materializes sources into memory in order, deduplicating
// by identifier unless keepDuplicates is set, then loads any
// persisted progress for this key so a restart resumes instead of
// re-seeding from scratch.
func (l *List) Initialize(ctx context.Context, sources []Source, fetch BatchFetcher, keepDuplicates bool) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	seen := make(map[string]bool)
	l.sequence = nil
	l.byID = make(map[string]*request.Request)

	add := func(req *request.Request) {
		if !keepDuplicates && seen[req.ID] {
			return
		}
		seen[req.ID] = true
		l.sequence = append(l.sequence, req)
		l.byID[req.ID] = req
	}

	for _, src := range sources {
		if src.Request != nil {
			add(src.Request)
			continue
		}
		if src.URL == "" || src.Pattern == nil {
			continue
		}
		body, err := fetch(ctx, src.URL)
		if err != nil {
			return fmt.Errorf("requestlist: fetch batch source %s: %w", src.URL, err)
		}
		for _, match := range src.Pattern.FindAllString(string(body), -1) {
			req, err := request.New(match, "GET", nil)
			if err != nil {
				continue
			}
			add(req)
		}
	}

	return l.loadPersistedLocked(ctx)
}

func (l *List) loadPersistedLocked(ctx context.Context) error {
	data, err := l.store.Get(ctx, l.collection, l.key)
	if errors.Is(err, kvstore.ErrNotFound) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("requestlist: load state: %w", err)
	}

	var state persistedState
	if err := json.Unmarshal(data, &state); err != nil {
		return fmt.Errorf("requestlist: decode state: %w", err)
	}

	l.nextIndex = state.NextIndex
	// In-progress items from the crashed run have no live task
	// holding them; re-serve them first, then whatever had already
	// been explicitly reclaimed.
	for _, id := range state.InProgressID {
		if req, ok := l.byID[id]; ok {
			l.reclaimed = append(l.reclaimed, req)
		}
	}
	for _, id := range state.ReclaimedID {
		if req, ok := l.byID[id]; ok {
			l.reclaimed = append(l.reclaimed, req)
		}
	}
	return nil
}

// FetchNextRequest pops the next request to serve: reclaimed items
// first (in the order they were reclaimed), then fresh items from the
// sequence. Returns nil when exhausted.
func (l *List) FetchNextRequest() *request.Request {
	l.mu.Lock()
	defer l.mu.Unlock()

	if len(l.reclaimed) > 0 {
		req := l.reclaimed[0]
		l.reclaimed = l.reclaimed[1:]
		l.inProgress[req.ID] = req
		return req
	}
	if l.nextIndex >= len(l.sequence) {
		return nil
	}
	req := l.sequence[l.nextIndex]
	l.nextIndex++
	l.inProgress[req.ID] = req
	return req
}

// MarkRequestHandled removes req from in-progress tracking.
func (l *List) MarkRequestHandled(req *request.Request) {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.inProgress, req.ID)
}

// ReclaimRequest requires req to be in-progress and re-queues it at
// the front (behind any already-reclaimed requests).
func (l *List) ReclaimRequest(req *request.Request) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if _, ok := l.inProgress[req.ID]; !ok {
		return fmt.Errorf("requestlist: reclaim %s: not in progress", req.ID)
	}
	delete(l.inProgress, req.ID)
	l.reclaimed = append(l.reclaimed, req)
	return nil
}

// IsEmpty reports whether there are no more requests to serve right
// now (reclaimed queue and sequence both exhausted).
func (l *List) IsEmpty() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.nextIndex >= len(l.sequence) && len(l.reclaimed) == 0
}

// IsFinished reports IsEmpty plus no outstanding in-progress items.
func (l *List) IsFinished() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.nextIndex >= len(l.sequence) && len(l.reclaimed) == 0 && len(l.inProgress) == 0
}

// PersistState snapshots (nextIndex, inProgress, reclaimed) to the
// key-value collaborator under this List's key.
func (l *List) PersistState(ctx context.Context) error {
	l.mu.Lock()
	state := persistedState{
		NextIndex:    l.nextIndex,
		InProgressID: idsOf(l.inProgress),
		ReclaimedID:  idsOfSlice(l.reclaimed),
	}
	l.mu.Unlock()

	data, err := json.Marshal(state)
	if err != nil {
		return fmt.Errorf("requestlist: encode state: %w", err)
	}
	return l.store.Set(ctx, l.collection, l.key, data)
}

func idsOf(m map[string]*request.Request) []string {
	ids := make([]string, 0, len(m))
	for id := range m {
		ids = append(ids, id)
	}
	return ids
}

func idsOfSlice(reqs []*request.Request) []string {
	ids := make([]string, len(reqs))
	for i, req := range reqs {
		ids[i] = req.ID
	}
	return ids
}
