// Package orchestrator ties the service together: it owns the lifecycle
// state machine, routes incoming change events into per-recipient digest
// windows, and drives composition and delivery when a window expires.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"wikinotify/delayqueue"
	"wikinotify/pkg/digest"
	"wikinotify/registry"
	"wikinotify/rendercache"
)

// State is the service lifecycle phase.
type State int

const (
	// StateUninitialized is the zero value, before Start.
	StateUninitialized State = iota
	// StateLoading means persisted subscriptions are being restored.
	// Calls arriving now block until loading completes.
	StateLoading
	// StateActive is normal operation.
	StateActive
	// StateShuttingDown means Stop has begun draining pending digests.
	StateShuttingDown
	// StateStopped is terminal.
	StateStopped
)

func (s State) String() string {
	switch s {
	case StateUninitialized:
		return "uninitialized"
	case StateLoading:
		return "loading"
	case StateActive:
		return "active"
	case StateShuttingDown:
		return "shutting-down"
	case StateStopped:
		return "stopped"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// Store persists subscription documents.
type Store interface {
	Save(ctx context.Context, tenant digest.TenantID, doc *digest.Document) error
	Delete(ctx context.Context, tenant digest.TenantID, user digest.UserID) error
	LoadAll(ctx context.Context) (map[digest.TenantID][]*digest.Document, error)
}

// Broker maintains the registration with the upstream change broker.
type Broker interface {
	Register(ctx context.Context, set *digest.SubscriptionSet) error
	PushSubscriptionSet(ctx context.Context, set *digest.SubscriptionSet) error
	Deregister(ctx context.Context) error
}

// Composer assembles one digest email from a pending digest.
type Composer interface {
	Compose(ctx context.Context, pd *digest.PendingDigest, user *digest.UserRecord, site *digest.SiteInfo) (*digest.OutboundMessage, error)
}

// Sender delivers a composed email.
type Sender interface {
	Deliver(ctx context.Context, msg *digest.OutboundMessage) error
}

// Options configures an Orchestrator.
type Options struct {
	AccumulationWindow time.Duration
	DeliveryTimeout    time.Duration
	ReconcileSchedule  string // cron expression for re-pushing the subscription set
	SweepSchedule      string // cron expression for evicting expired render entries
	Owner              string // identity reported to the broker
}

// Orchestrator coordinates the registry, delay queue, composer and
// transports behind a single lifecycle.
type Orchestrator struct {
	opts     Options
	logger   *slog.Logger
	registry *registry.Registry
	store    Store
	broker   Broker
	composer Composer
	sender   Sender
	cache    *rendercache.Cache
	queue    *delayqueue.Queue
	cron     *cron.Cron

	mu      sync.Mutex
	cond    *sync.Cond
	state   State
	done    chan struct{}
	workers sync.WaitGroup
}

// New wires an Orchestrator. Start must be called before any operation.
func New(opts Options, reg *registry.Registry, store Store, brk Broker, composer Composer, sender Sender, cache *rendercache.Cache, logger *slog.Logger) *Orchestrator {
	o := &Orchestrator{
		opts:     opts,
		logger:   logger,
		registry: reg,
		store:    store,
		broker:   brk,
		composer: composer,
		sender:   sender,
		cache:    cache,
		done:     make(chan struct{}),
	}
	o.cond = sync.NewCond(&o.mu)
	o.queue = delayqueue.New(opts.AccumulationWindow, o.deliver, logger)
	return o
}

// State returns the current lifecycle phase.
func (o *Orchestrator) State() State {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.state
}

// gate blocks while the service is loading and rejects calls outside the
// loading/active phases.
func (o *Orchestrator) gate() error {
	o.mu.Lock()
	defer o.mu.Unlock()
	for o.state == StateLoading {
		o.cond.Wait()
	}
	if o.state != StateActive {
		return fmt.Errorf("%w: service is %s", digest.ErrServiceUnavailable, o.state)
	}
	return nil
}

func (o *Orchestrator) setState(s State) {
	o.mu.Lock()
	o.state = s
	o.cond.Broadcast()
	o.mu.Unlock()
	o.logger.Info("Service state changed", "state", s.String())
}

// Start restores persisted subscriptions, registers with the broker and
// begins accepting events. Calls that arrive during the restore block until
// it finishes.
func (o *Orchestrator) Start(ctx context.Context) error {
	o.mu.Lock()
	if o.state != StateUninitialized {
		state := o.state
		o.mu.Unlock()
		return fmt.Errorf("%w: cannot start while %s", digest.ErrServiceUnavailable, state)
	}
	o.state = StateLoading
	o.mu.Unlock()
	o.logger.Info("Service state changed", "state", StateLoading.String())

	docs, err := o.store.LoadAll(ctx)
	if err != nil {
		o.setState(StateStopped)
		return fmt.Errorf("restore subscriptions: %w", err)
	}
	users := 0
	for tenant, tenantDocs := range docs {
		o.registry.LoadDocuments(tenant, tenantDocs)
		users += len(tenantDocs)
	}
	o.logger.Info("Restored persisted subscriptions", "tenants", len(docs), "users", users)

	o.workers.Add(2)
	go o.persistLoop()
	go o.syncLoop()

	if err := o.broker.Register(ctx, o.registry.Snapshot(o.opts.Owner)); err != nil {
		// keep running; the reconcile job re-registers once the broker is back
		o.logger.Error("Initial broker registration failed", "error", err)
	}

	o.cron = cron.New()
	if o.opts.ReconcileSchedule != "" {
		if _, err := o.cron.AddFunc(o.opts.ReconcileSchedule, o.reconcile); err != nil {
			o.abortStart()
			return fmt.Errorf("schedule reconcile job: %w", err)
		}
	}
	if o.opts.SweepSchedule != "" {
		if _, err := o.cron.AddFunc(o.opts.SweepSchedule, o.cache.Sweep); err != nil {
			o.abortStart()
			return fmt.Errorf("schedule sweep job: %w", err)
		}
	}
	o.cron.Start()

	o.setState(StateActive)
	return nil
}

// abortStart tears down the listener goroutines when Start fails after
// spawning them.
func (o *Orchestrator) abortStart() {
	o.setState(StateStopped)
	close(o.done)
	o.workers.Wait()
}

// Subscribe registers the user's interest in a page.
func (o *Orchestrator) Subscribe(ctx context.Context, tenant digest.TenantID, user digest.UserID, page digest.PageID, depth digest.Depth) error {
	if err := o.gate(); err != nil {
		return err
	}
	return o.registry.Subscribe(ctx, tenant, user, page, depth)
}

// Unsubscribe removes the user's interest in a page.
func (o *Orchestrator) Unsubscribe(ctx context.Context, tenant digest.TenantID, user digest.UserID, page digest.PageID) error {
	if err := o.gate(); err != nil {
		return err
	}
	return o.registry.Unsubscribe(ctx, tenant, user, page)
}

// ListSubscriptions returns the user's subscriptions, optionally filtered to
// the given pages.
func (o *Orchestrator) ListSubscriptions(_ context.Context, tenant digest.TenantID, user digest.UserID, pages ...digest.PageID) ([]digest.Subscription, error) {
	if err := o.gate(); err != nil {
		return nil, err
	}
	return o.registry.ListSubscriptions(tenant, user, pages...), nil
}

// Notify routes one page-change event into the digest windows of every
// subscribed recipient. The change's author is never notified of their own
// edit.
func (o *Orchestrator) Notify(ctx context.Context, ev digest.ChangeEvent) error {
	if err := o.gate(); err != nil {
		return err
	}
	recipients, err := o.registry.RecipientsFor(ctx, ev.TenantID, ev.PageID)
	if err != nil {
		return fmt.Errorf("resolve recipients: %w", err)
	}
	queued := 0
	for _, user := range recipients {
		if user == ev.AuthorID {
			continue
		}
		o.queue.Enqueue(ev.TenantID, user, ev.PageID, ev.EventTime, ev.Delete)
		queued++
	}
	o.logger.Debug("Change event queued",
		"tenant", ev.TenantID,
		"page", ev.PageID,
		"author", ev.AuthorID,
		"delete", ev.Delete,
		"recipients", queued)
	return nil
}

// HandleUserEvent reacts to upstream user-lifecycle events: deletions purge
// the user entirely, profile changes invalidate the cached validation so the
// next digest re-fetches it.
func (o *Orchestrator) HandleUserEvent(_ context.Context, ev digest.UserEvent) error {
	if err := o.gate(); err != nil {
		return err
	}
	if ev.Deleted {
		o.registry.DeleteUser(ev.TenantID, ev.UserID)
	} else {
		o.registry.InvalidateUser(ev.TenantID, ev.UserID)
	}
	return nil
}

// deliver composes and sends one expired digest window. Failures are logged
// and the digest is dropped; a digest that cannot be composed now will not
// compose better later, and the next change starts a fresh window.
func (o *Orchestrator) deliver(ctx context.Context, pd *digest.PendingDigest) error {
	ctx, cancel := context.WithTimeout(ctx, o.opts.DeliveryTimeout)
	defer cancel()

	user, err := o.registry.ValidatedUser(ctx, pd.TenantID, pd.UserID)
	if err != nil {
		o.logger.Warn("Dropping digest, recipient failed validation",
			"tenant", pd.TenantID, "user", pd.UserID, "error", err)
		return err
	}
	site, err := o.registry.SiteInfo(ctx, pd.TenantID)
	if err != nil {
		o.logger.Warn("Dropping digest, site not ready for email",
			"tenant", pd.TenantID, "user", pd.UserID, "error", err)
		return err
	}

	msg, err := o.composer.Compose(ctx, pd, user, site)
	if err != nil {
		if errors.Is(err, digest.ErrEmptyDigest) {
			o.logger.Debug("Nothing to send for expired digest window",
				"tenant", pd.TenantID, "user", pd.UserID)
			return nil
		}
		o.logger.Error("Digest composition failed",
			"tenant", pd.TenantID, "user", pd.UserID, "error", err)
		return err
	}

	if err := o.sender.Deliver(ctx, msg); err != nil {
		o.logger.Error("Digest delivery failed",
			"tenant", pd.TenantID, "user", pd.UserID, "to", msg.To, "error", err)
		return err
	}
	return nil
}

// persistLoop writes every subscription record change through to storage.
func (o *Orchestrator) persistLoop() {
	defer o.workers.Done()
	ctx := context.Background()
	for {
		select {
		case ev := <-o.registry.Records():
			o.persist(ctx, ev)
		case <-o.done:
			// drain whatever is still queued before exiting
			for {
				select {
				case ev := <-o.registry.Records():
					o.persist(ctx, ev)
				default:
					return
				}
			}
		}
	}
}

func (o *Orchestrator) persist(ctx context.Context, ev registry.RecordEvent) {
	var err error
	if ev.Delete {
		err = o.store.Delete(ctx, ev.TenantID, ev.UserID)
	} else {
		err = o.store.Save(ctx, ev.TenantID, ev.Doc)
	}
	if err != nil {
		o.logger.Error("Failed to persist subscription change",
			"tenant", ev.TenantID,
			"user", ev.UserID,
			"delete", ev.Delete,
			"error", err)
	}
}

// syncLoop pushes a fresh subscription set to the broker whenever a tenant's
// set changes. Changes arriving while a push is in flight coalesce into the
// next push.
func (o *Orchestrator) syncLoop() {
	defer o.workers.Done()
	ctx := context.Background()
	for {
		select {
		case tenant := <-o.registry.SetChanges():
			// soak up the burst; one push covers them all
			drained := false
			for !drained {
				select {
				case tenant = <-o.registry.SetChanges():
				default:
					drained = true
				}
			}
			set := o.registry.Snapshot(o.opts.Owner)
			if err := o.broker.PushSubscriptionSet(ctx, set); err != nil {
				o.logger.Error("Failed to push subscription set",
					"tenant", tenant, "error", err)
			}
		case <-o.done:
			return
		}
	}
}

// reconcile re-pushes the full subscription set on a schedule so broker and
// registry cannot drift apart for long.
func (o *Orchestrator) reconcile() {
	ctx, cancel := context.WithTimeout(context.Background(), o.opts.DeliveryTimeout)
	defer cancel()
	if err := o.broker.PushSubscriptionSet(ctx, o.registry.Snapshot(o.opts.Owner)); err != nil {
		o.logger.Error("Scheduled subscription reconcile failed", "error", err)
	}
}

// Stop drains pending digest windows, deregisters from the broker and shuts
// the service down. Digests still accumulating are delivered early rather
// than lost.
func (o *Orchestrator) Stop(ctx context.Context) error {
	o.mu.Lock()
	if o.state == StateShuttingDown || o.state == StateStopped {
		o.mu.Unlock()
		return nil
	}
	o.state = StateShuttingDown
	o.cond.Broadcast()
	o.mu.Unlock()
	o.logger.Info("Service state changed", "state", StateShuttingDown.String())

	if o.cron != nil {
		cronCtx := o.cron.Stop()
		select {
		case <-cronCtx.Done():
		case <-ctx.Done():
		}
	}

	o.queue.Stop(ctx)

	if err := o.broker.Deregister(ctx); err != nil {
		o.logger.Warn("Broker deregistration failed", "error", err)
	}

	close(o.done)
	o.workers.Wait()

	o.setState(StateStopped)
	return nil
}
