// Package requestqueue implements the Request Queue (C5): a
// deduplicated queue with per-request lifecycle states, generalizing
// the teacher's URLQueue (channel-backed pending set, visited map)
// into the full add/fetch/mark/reclaim lifecycle, backed by whichever
// kvstore.Store the caller provides (local file tree or embedded
// badger).
package requestqueue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/kestrelrun/crawlkit/internal/kvstore"
	"github.com/kestrelrun/crawlkit/internal/lru"
	"github.com/kestrelrun/crawlkit/internal/request"
)

const (
	requestsCollSuffix   = "requests"
	pendingCollSuffix    = "pending"
	inProgressCollSuffix = "in-progress"
	handledCollSuffix    = "handled"
	metaCollSuffix       = "meta"
	pendingOrderKey      = "pending-order"
)

// AddResult mirrors §4.5's addRequest return shape.
type AddResult struct {
	RequestID         string
	WasAlreadyPresent bool
	WasAlreadyHandled bool
}

// Queue is the Request Queue (C5). ns namespaces this queue's keys
// within store, so multiple queues can share one Store.
type Queue struct {
	store kvstore.Store
	ns    string
	cache *lru.Cache // recently added ids, tolerating read-your-writes lag

	mu           sync.Mutex
	pendingOrder []string
	inProgress   map[string]bool
	handledCount int

	backoff []time.Duration // bounded exponential backoff for the fetch-vs-head-estimate race
}

// New builds a Queue over store, namespaced by ns (e.g. a crawl name).
// Call Load before first use to resume any persisted state.
func New(store kvstore.Store, ns string) *Queue {
	return &Queue{
		store:      store,
		ns:         ns,
		cache:      lru.New(50000, 10*time.Minute),
		inProgress: make(map[string]bool),
		backoff:    []time.Duration{10 * time.Millisecond, 40 * time.Millisecond, 160 * time.Millisecond},
	}
}

func (q *Queue) coll(suffix string) string { return q.ns + "/" + suffix }

// Load resumes persisted state: the pending order list, plus any
// requests left in-progress by a crashed run, which are re-served
// (requeued to the front of pending, ahead of untouched pending
// items) since no live task holds them.
func (q *Queue) Load(ctx context.Context) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	data, err := q.store.Get(ctx, q.coll(metaCollSuffix), pendingOrderKey)
	switch {
	case errors.Is(err, kvstore.ErrNotFound):
		// fresh queue
	case err != nil:
		return fmt.Errorf("requestqueue: load pending order: %w", err)
	default:
		if err := json.Unmarshal(data, &q.pendingOrder); err != nil {
			return fmt.Errorf("requestqueue: decode pending order: %w", err)
		}
	}

	staleInProgress, err := q.store.Keys(ctx, q.coll(inProgressCollSuffix))
	if err != nil {
		return fmt.Errorf("requestqueue: list in-progress: %w", err)
	}
	for _, id := range staleInProgress {
		if err := q.store.Delete(ctx, q.coll(inProgressCollSuffix), id); err != nil {
			return fmt.Errorf("requestqueue: clear stale in-progress %s: %w", id, err)
		}
		if err := q.store.Set(ctx, q.coll(pendingCollSuffix), id, []byte{}); err != nil {
			return fmt.Errorf("requestqueue: requeue stale in-progress %s: %w", id, err)
		}
		q.pendingOrder = append([]string{id}, q.pendingOrder...)
	}

	handledIDs, err := q.store.Keys(ctx, q.coll(handledCollSuffix))
	if err != nil {
		return fmt.Errorf("requestqueue: count handled: %w", err)
	}
	q.handledCount = len(handledIDs)

	return q.persistPendingOrderLocked(ctx)
}

func (q *Queue) persistPendingOrderLocked(ctx context.Context) error {
	data, err := json.Marshal(q.pendingOrder)
	if err != nil {
		return fmt.Errorf("requestqueue: encode pending order: %w", err)
	}
	return q.store.Set(ctx, q.coll(metaCollSuffix), pendingOrderKey, data)
}

// AddRequest adds req if its identifier hasn't been seen, storing it
// under requestsCollSuffix regardless of lifecycle state. A duplicate
// identifier is a no-op that reports WasAlreadyPresent and doesn't
// move the existing entry's queue position.
func (q *Queue) AddRequest(ctx context.Context, req *request.Request, forefront bool) (AddResult, error) {
	if q.cache.Has(req.ID) {
		handled, err := q.isHandled(ctx, req.ID)
		if err != nil {
			return AddResult{}, err
		}
		return AddResult{RequestID: req.ID, WasAlreadyPresent: true, WasAlreadyHandled: handled}, nil
	}

	_, err := q.store.Get(ctx, q.coll(requestsCollSuffix), req.ID)
	switch {
	case errors.Is(err, kvstore.ErrNotFound):
		// not seen yet, fall through to add it
	case err != nil:
		return AddResult{}, fmt.Errorf("requestqueue: check existing %s: %w", req.ID, err)
	default:
		q.cache.Add(req.ID)
		handled, err := q.isHandled(ctx, req.ID)
		if err != nil {
			return AddResult{}, err
		}
		return AddResult{RequestID: req.ID, WasAlreadyPresent: true, WasAlreadyHandled: handled}, nil
	}

	data, err := req.ToJSON()
	if err != nil {
		return AddResult{}, fmt.Errorf("requestqueue: encode %s: %w", req.ID, err)
	}
	if err := q.store.Set(ctx, q.coll(requestsCollSuffix), req.ID, data); err != nil {
		return AddResult{}, fmt.Errorf("requestqueue: store %s: %w", req.ID, err)
	}
	if err := q.store.Set(ctx, q.coll(pendingCollSuffix), req.ID, []byte{}); err != nil {
		return AddResult{}, fmt.Errorf("requestqueue: mark pending %s: %w", req.ID, err)
	}

	q.mu.Lock()
	if forefront {
		q.pendingOrder = append([]string{req.ID}, q.pendingOrder...)
	} else {
		q.pendingOrder = append(q.pendingOrder, req.ID)
	}
	persistErr := q.persistPendingOrderLocked(ctx)
	q.mu.Unlock()
	if persistErr != nil {
		return AddResult{}, persistErr
	}

	q.cache.Add(req.ID)
	return AddResult{RequestID: req.ID}, nil
}

func (q *Queue) isHandled(ctx context.Context, id string) (bool, error) {
	_, err := q.store.Get(ctx, q.coll(handledCollSuffix), id)
	if errors.Is(err, kvstore.ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("requestqueue: check handled %s: %w", id, err)
	}
	return true, nil
}

// FetchNextRequest dequeues the next pending identifier and loads its
// Request. Returns nil, nil when pending is empty. If the in-memory
// head estimate says pending should be non-empty but the backing
// store's Get races behind a concurrent writer, it retries with
// bounded backoff before giving up.
func (q *Queue) FetchNextRequest(ctx context.Context) (*request.Request, error) {
	q.mu.Lock()
	if len(q.pendingOrder) == 0 {
		q.mu.Unlock()
		return nil, nil
	}
	id := q.pendingOrder[0]
	q.pendingOrder = q.pendingOrder[1:]
	persistErr := q.persistPendingOrderLocked(ctx)
	q.mu.Unlock()
	if persistErr != nil {
		return nil, persistErr
	}

	var data []byte
	var err error
	for attempt := 0; ; attempt++ {
		data, err = q.store.Get(ctx, q.coll(requestsCollSuffix), id)
		if err == nil || !errors.Is(err, kvstore.ErrNotFound) || attempt >= len(q.backoff) {
			break
		}
		select {
		case <-time.After(q.backoff[attempt]):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if err != nil {
		return nil, fmt.Errorf("requestqueue: load %s: %w", id, err)
	}

	req, err := request.FromJSON(data)
	if err != nil {
		return nil, fmt.Errorf("requestqueue: decode %s: %w", id, err)
	}

	if err := q.store.Delete(ctx, q.coll(pendingCollSuffix), id); err != nil {
		return nil, fmt.Errorf("requestqueue: clear pending %s: %w", id, err)
	}
	if err := q.store.Set(ctx, q.coll(inProgressCollSuffix), id, []byte{}); err != nil {
		return nil, fmt.Errorf("requestqueue: mark in-progress %s: %w", id, err)
	}

	q.mu.Lock()
	q.inProgress[id] = true
	q.mu.Unlock()

	return req, nil
}

// MarkRequestHandled requires req to be in-progress and moves it to
// handled.
func (q *Queue) MarkRequestHandled(ctx context.Context, req *request.Request) error {
	q.mu.Lock()
	if !q.inProgress[req.ID] {
		q.mu.Unlock()
		return fmt.Errorf("requestqueue: mark handled %s: not in progress", req.ID)
	}
	delete(q.inProgress, req.ID)
	q.handledCount++
	q.mu.Unlock()

	if err := q.store.Delete(ctx, q.coll(inProgressCollSuffix), req.ID); err != nil {
		return fmt.Errorf("requestqueue: clear in-progress %s: %w", req.ID, err)
	}
	if err := q.store.Set(ctx, q.coll(handledCollSuffix), req.ID, []byte{}); err != nil {
		return fmt.Errorf("requestqueue: mark handled %s: %w", req.ID, err)
	}
	return nil
}

// ReclaimRequest requires req to be in-progress, stores req's current
// state (retry count, error messages) and returns it to pending, at the
// front when forefront is set.
func (q *Queue) ReclaimRequest(ctx context.Context, req *request.Request, forefront bool) error {
	q.mu.Lock()
	if !q.inProgress[req.ID] {
		q.mu.Unlock()
		return fmt.Errorf("requestqueue: reclaim %s: not in progress", req.ID)
	}
	data, err := req.ToJSON()
	if err != nil {
		q.mu.Unlock()
		return fmt.Errorf("requestqueue: encode %s: %w", req.ID, err)
	}
	if err := q.store.Set(ctx, q.coll(requestsCollSuffix), req.ID, data); err != nil {
		q.mu.Unlock()
		return fmt.Errorf("requestqueue: store %s: %w", req.ID, err)
	}
	delete(q.inProgress, req.ID)
	if forefront {
		q.pendingOrder = append([]string{req.ID}, q.pendingOrder...)
	} else {
		q.pendingOrder = append(q.pendingOrder, req.ID)
	}
	persistErr := q.persistPendingOrderLocked(ctx)
	q.mu.Unlock()
	if persistErr != nil {
		return persistErr
	}

	if err := q.store.Delete(ctx, q.coll(inProgressCollSuffix), req.ID); err != nil {
		return fmt.Errorf("requestqueue: clear in-progress %s: %w", req.ID, err)
	}
	return q.store.Set(ctx, q.coll(pendingCollSuffix), req.ID, []byte{})
}

// IsEmpty reports whether pending has no identifiers right now.
func (q *Queue) IsEmpty() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.pendingOrder) == 0
}

// IsFinished reports IsEmpty plus no outstanding in-progress items.
func (q *Queue) IsFinished() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.pendingOrder) == 0 && len(q.inProgress) == 0
}

// HandledCount returns the number of requests marked handled so far.
func (q *Queue) HandledCount() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.handledCount
}
