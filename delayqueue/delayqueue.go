// Package delayqueue accumulates page-change events per recipient and fires
// one merged digest per accumulation window.
//
// The window is anchored at the first event for a (tenant, user) key and is
// never extended by later events; a continuously edited page therefore cannot
// starve digest delivery.
package delayqueue

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"wikinotify/pkg/digest"
)

// DeliverFunc receives a consumed pending digest when its window elapses.
// Errors are logged and the digest dropped; there are no retries.
type DeliverFunc func(ctx context.Context, pd *digest.PendingDigest) error

type key struct {
	tenant digest.TenantID
	user   digest.UserID
}

type pending struct {
	pd    *digest.PendingDigest
	timer *time.Timer
}

// Queue is the time-windowed accumulator.
type Queue struct {
	window  time.Duration
	deliver DeliverFunc
	logger  *slog.Logger

	mu       sync.Mutex
	pending  map[key]*pending
	stopped  bool
	inflight sync.WaitGroup
}

// New creates a queue that merges events for window and then hands the
// merged digest to deliver.
func New(window time.Duration, deliver DeliverFunc, logger *slog.Logger) *Queue {
	return &Queue{
		window:  window,
		deliver: deliver,
		logger:  logger,
		pending: make(map[key]*pending),
	}
}

// Enqueue merges one event into the recipient's pending digest, creating the
// digest and arming its one-shot window timer if none exists. Never blocks.
func (q *Queue) Enqueue(tenant digest.TenantID, user digest.UserID, page digest.PageID, eventTime time.Time, isDelete bool) {
	k := key{tenant: tenant, user: user}
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.stopped {
		q.logger.Warn("Queue stopped, dropping event", "tenant", tenant, "user", user, "page", page)
		return
	}

	p, found := q.pending[k]
	if !found {
		p = &pending{
			pd: &digest.PendingDigest{
				TenantID:        tenant,
				UserID:          user,
				WindowStartedAt: time.Now(),
				Entries:         make(map[digest.PageID]*digest.DigestEntry),
			},
		}
		p.timer = time.AfterFunc(q.window, func() { q.fire(k) })
		q.pending[k] = p
		q.logger.Debug("Accumulation window opened", "tenant", tenant, "user", user, "window", q.window)
	}

	entry, found := p.pd.Entries[page]
	if !found {
		p.pd.Entries[page] = &digest.DigestEntry{LastEventTime: eventTime, Delete: isDelete}
		return
	}
	if eventTime.After(entry.LastEventTime) {
		entry.LastEventTime = eventTime
	}
	entry.Delete = entry.Delete || isDelete
}

// Len reports the number of open accumulation windows.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.pending)
}

// fire consumes the pending digest for k and delivers it. A new digest may
// immediately begin accumulating for the same key.
func (q *Queue) fire(k key) {
	q.mu.Lock()
	p, found := q.pending[k]
	if !found {
		// already consumed by Stop
		q.mu.Unlock()
		return
	}
	delete(q.pending, k)
	q.inflight.Add(1)
	q.mu.Unlock()
	defer q.inflight.Done()

	q.dispatch(context.Background(), p.pd)
}

// dispatch invokes the delivery callback, isolating its failures from other
// recipients.
func (q *Queue) dispatch(ctx context.Context, pd *digest.PendingDigest) {
	if err := q.deliver(ctx, pd); err != nil {
		q.logger.Warn("Digest delivery failed, dropping digest",
			"tenant", pd.TenantID,
			"user", pd.UserID,
			"page_count", len(pd.Entries),
			"error", err)
		return
	}
	q.logger.Info("Digest delivered",
		"tenant", pd.TenantID,
		"user", pd.UserID,
		"page_count", len(pd.Entries),
		"window_started_at", pd.WindowStartedAt.Format(time.RFC3339))
}

// Stop cancels all outstanding window timers and flushes their digests
// synchronously, then waits for timer-driven deliveries already in flight.
// Best-effort final delivery: nothing is dropped silently.
func (q *Queue) Stop(ctx context.Context) {
	q.mu.Lock()
	q.stopped = true
	remaining := make([]*pending, 0, len(q.pending))
	for k, p := range q.pending {
		p.timer.Stop()
		remaining = append(remaining, p)
		delete(q.pending, k)
	}
	q.mu.Unlock()

	q.logger.Info("Draining delay queue", "pending_digests", len(remaining))
	for _, p := range remaining {
		q.dispatch(ctx, p.pd)
	}
	q.inflight.Wait()
}
