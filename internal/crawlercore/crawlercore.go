// Package crawlercore implements the Crawler Core (C6): it composes
// the Request List, Request Queue, and Autoscaled Pool into the
// per-task fetch/handle/retry/reclaim procedure, generalizing the
// teacher's Crawler.Crawl orchestration shape (mode dispatch over
// static/dynamic crawlers) and DynamicCrawler's worker loop into the
// generic handleRequestFunction contract.
package crawlercore

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/kestrelrun/crawlkit/internal/autoscale"
	"github.com/kestrelrun/crawlkit/internal/eventbus"
	"github.com/kestrelrun/crawlkit/internal/request"
	"github.com/kestrelrun/crawlkit/internal/requestlist"
	"github.com/kestrelrun/crawlkit/internal/requestqueue"
	"github.com/rs/zerolog/log"
)

// HandleRequestFunc processes one Request. Its error, if any, drives
// the retry/reclaim decision in RunTask.
type HandleRequestFunc func(ctx context.Context, req *request.Request) error

// HandleFailedRequestFunc is invoked once a Request has exhausted its
// retries. An error returned here is a secondary failure: the crawl is
// considered to have entered an unknown state and Run rejects with it.
type HandleFailedRequestFunc func(ctx context.Context, req *request.Request, cause error) error

// Config holds the Crawler Core's own tunables; MaxRequestsPerCrawl
// zero means unlimited.
type Config struct {
	MaxRequestRetries   int
	MaxRequestsPerCrawl int
	MigrationGracePeriod time.Duration
}

// DefaultConfig matches §4.6's stated defaults.
func DefaultConfig() Config {
	return Config{
		MaxRequestRetries:    3,
		MaxRequestsPerCrawl:  0,
		MigrationGracePeriod: 20 * time.Second,
	}
}

// ErrNoFrontier is returned by New when neither a List nor a Queue was
// supplied; §4.6 requires at least one.
var ErrNoFrontier = errors.New("crawlercore: at least one of List or Queue is required")

// Core is the Crawler Core (C6).
type Core struct {
	cfg Config

	list  *requestlist.List
	queue *requestqueue.Queue
	bus   *eventbus.Bus

	handleRequest HandleRequestFunc
	handleFailed  HandleFailedRequestFunc

	pool *autoscale.Pool

	handledCount int64
	fatalErr     atomic.Value // error, set once by a failing handleFailedRequestFunction
}

// New builds a Core. At least one of list or queue must be non-nil;
// bus may be nil to run without migration/abort/persist-state
// notifications.
func New(
	cfg Config,
	list *requestlist.List,
	queue *requestqueue.Queue,
	bus *eventbus.Bus,
	poolCfg autoscale.Config,
	status autoscale.StatusSource,
	handleRequest HandleRequestFunc,
	handleFailed HandleFailedRequestFunc,
) (*Core, error) {
	if list == nil && queue == nil {
		return nil, ErrNoFrontier
	}

	c := &Core{
		cfg:           cfg,
		list:          list,
		queue:         queue,
		bus:           bus,
		handleRequest: handleRequest,
		handleFailed:  handleFailed,
	}
	if queue != nil {
		c.handledCount = int64(queue.HandledCount())
	}
	c.pool = autoscale.New(poolCfg, status, c.runTask, c.isTaskReady, c.isFinished)
	return c, nil
}

// HandledCount returns the number of requests marked handled so far.
func (c *Core) HandledCount() int {
	return int(atomic.LoadInt64(&c.handledCount))
}

// Run drives the pool until the frontier is drained or the pool is
// aborted. If a handleFailedRequestFunction call itself fails, Run
// returns that secondary error (the crawl is in an unknown state).
func (c *Core) Run(ctx context.Context) error {
	if c.bus != nil {
		c.bus.Subscribe(eventbus.Migrating, func() { c.onMigrating(ctx) })
		c.bus.Subscribe(eventbus.PersistState, func() { c.persistState(ctx) })
	}

	err := c.pool.Run(ctx)
	if fatal := c.fatalErr.Load(); fatal != nil {
		return fatal.(error)
	}
	return err
}

// Abort stops the crawl immediately, emitting eventbus.Aborting so
// external collaborators (browser/session pools) stop handing out new
// work before the pool itself drains in-flight tasks.
func (c *Core) Abort() {
	if c.bus != nil {
		c.bus.Emit(eventbus.Aborting)
	}
	c.pool.Abort()
}

func (c *Core) onMigrating(ctx context.Context) {
	if err := c.pool.Pause(c.cfg.MigrationGracePeriod); err != nil {
		log.Warn().Err(err).Msg("migration grace period expired with tasks still in flight; persisting anyway, duplicates possible on resume")
	}
	c.persistState(ctx)
	c.pool.Resume()
}

func (c *Core) persistState(ctx context.Context) {
	if c.list == nil {
		return
	}
	if err := c.list.PersistState(ctx); err != nil {
		log.Warn().Err(err).Msg("failed to persist request list state")
	}
}

// isTaskReady gates whether a new task may start: the frontier has
// something pending and the per-crawl cap hasn't been reached.
func (c *Core) isTaskReady() bool {
	if c.cfg.MaxRequestsPerCrawl > 0 && c.HandledCount() >= c.cfg.MaxRequestsPerCrawl {
		return false
	}
	if c.list != nil && !c.list.IsEmpty() {
		return true
	}
	if c.queue != nil && !c.queue.IsEmpty() {
		return true
	}
	return false
}

// isFinished gates whether Run should return once the pool is idle:
// the frontier is fully drained (no pending, nothing in flight), or
// the per-crawl cap has been reached. Concurrent in-flight tasks may
// slightly overshoot the cap, per §4.6.
func (c *Core) isFinished() bool {
	if c.cfg.MaxRequestsPerCrawl > 0 && c.HandledCount() >= c.cfg.MaxRequestsPerCrawl {
		return true
	}
	listDone := c.list == nil || c.list.IsFinished()
	queueDone := c.queue == nil || c.queue.IsFinished()
	return listDone && queueDone
}

// runTask implements §4.6's per-task procedure.
func (c *Core) runTask(ctx context.Context) error {
	req, fromList, err := c.fetchNext(ctx)
	if err != nil {
		return fmt.Errorf("crawlercore: fetch next request: %w", err)
	}
	if req == nil {
		return nil
	}

	handleErr := c.invokeWithCancellation(ctx, req)

	if handleErr == nil {
		req.MarkHandled(time.Now())
		if c.queue != nil {
			if err := c.queue.MarkRequestHandled(ctx, req); err != nil {
				return fmt.Errorf("crawlercore: mark handled: %w", err)
			}
		} else if fromList {
			c.list.MarkRequestHandled(req)
		}
		atomic.AddInt64(&c.handledCount, 1)
		return nil
	}

	// Abort-induced cancellation (autoscale.Pool cancels its ctx before
	// draining in-flight tasks on Abort) is not a handler failure per
	// §5/§7: reclaim the request exactly as it was, with RetryCount and
	// ErrorMessages untouched, instead of falling into the retry path.
	if errors.Is(handleErr, context.Canceled) {
		if c.queue != nil {
			if err := c.queue.ReclaimRequest(ctx, req, true); err != nil {
				return fmt.Errorf("crawlercore: reclaim after cancellation: %w", err)
			}
		} else if fromList {
			if err := c.list.ReclaimRequest(req); err != nil {
				return fmt.Errorf("crawlercore: reclaim after cancellation: %w", err)
			}
		}
		return nil
	}

	req.AddError(handleErr.Error())
	if !req.NoRetry && req.RetryCount < c.cfg.MaxRequestRetries {
		req.RetryCount++
		if c.queue != nil {
			if err := c.queue.ReclaimRequest(ctx, req, true); err != nil {
				return fmt.Errorf("crawlercore: reclaim: %w", err)
			}
		} else if fromList {
			if err := c.list.ReclaimRequest(req); err != nil {
				return fmt.Errorf("crawlercore: reclaim: %w", err)
			}
		}
		return nil
	}

	if c.queue != nil {
		if err := c.queue.MarkRequestHandled(ctx, req); err != nil {
			return fmt.Errorf("crawlercore: mark handled (exhausted retries): %w", err)
		}
	} else if fromList {
		c.list.MarkRequestHandled(req)
	}
	atomic.AddInt64(&c.handledCount, 1)

	if c.handleFailed != nil {
		if secondary := c.handleFailed(ctx, req, handleErr); secondary != nil {
			c.fatalErr.Store(fmt.Errorf("crawlercore: handleFailedRequestFunction: %w", secondary))
			if c.bus != nil {
				c.bus.Emit(eventbus.Aborting)
			}
			return c.fatalErr.Load().(error)
		}
	}
	return nil
}

// fetchNext implements step 1 of §4.6's per-task procedure: when both
// List and Queue are present, take from List first and enqueue it to
// Queue with forefront=true before handing off, unifying retry and
// at-most-once tracking behind the Queue. If the enqueue fails, the
// request is reclaimed to the List and this tick is skipped.
func (c *Core) fetchNext(ctx context.Context) (req *request.Request, fromList bool, err error) {
	if c.list != nil && c.queue != nil {
		seed := c.list.FetchNextRequest()
		if seed == nil {
			return nil, false, nil
		}
		if _, err := c.queue.AddRequest(ctx, seed, true); err != nil {
			if reclaimErr := c.list.ReclaimRequest(seed); reclaimErr != nil {
				log.Warn().Err(reclaimErr).Str("requestId", seed.ID).Msg("failed to reclaim to list after a failed queue enqueue")
			}
			return nil, false, nil
		}
		// The List's role ends at handoff; the Queue now owns this
		// request's retry/at-most-once tracking for the rest of its
		// life, so the List considers it handled immediately.
		c.list.MarkRequestHandled(seed)

		// Pull it back out of the Queue so the Queue's own
		// in-progress bookkeeping (what MarkRequestHandled/
		// ReclaimRequest require below) is actually engaged. The
		// forefront insert makes this the next item the Queue
		// serves, barring a concurrent task racing the same fetch.
		queued, err := c.queue.FetchNextRequest(ctx)
		if err != nil {
			return nil, false, fmt.Errorf("fetch handed-off request from queue: %w", err)
		}
		if queued == nil {
			return nil, false, nil
		}
		return queued, false, nil
	}

	if c.queue != nil {
		req, err := c.queue.FetchNextRequest(ctx)
		return req, false, err
	}

	return c.list.FetchNextRequest(), true, nil
}

// invokeWithCancellation races handleRequest against ctx, per step 2
// of §4.6's per-task procedure ("under a race with a cancellation
// signal"). A cancellation while the handler is still running returns
// ctx.Err() without waiting for the handler's goroutine. The handler
// works on a clone of req, so the caller's req stays safe to reclaim
// on that path even while the handler's goroutine is still running.
func (c *Core) invokeWithCancellation(ctx context.Context, req *request.Request) error {
	done := make(chan error, 1)
	go func() {
		done <- c.handleRequest(ctx, req.Clone())
	}()

	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}
