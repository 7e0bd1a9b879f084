package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"wikinotify/pkg/digest"
	"wikinotify/registry"
	"wikinotify/rendercache"
)

type fakeWiki struct {
	mu        sync.Mutex
	profiles  map[digest.UserID]*digest.Profile
	ancestors map[digest.PageID][]digest.PageID
}

func (f *fakeWiki) UserProfile(_ context.Context, _ digest.TenantID, user digest.UserID) (*digest.Profile, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	p, ok := f.profiles[user]
	if !ok {
		return nil, fmt.Errorf("%w: user %d", digest.ErrNoSuchUser, user)
	}
	return p, nil
}

func (f *fakeWiki) CanSubscribe(context.Context, digest.TenantID, digest.UserID, digest.PageID) (bool, error) {
	return true, nil
}

func (f *fakeWiki) PageAncestors(_ context.Context, _ digest.TenantID, page digest.PageID) ([]digest.PageID, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.ancestors[page], nil
}

func (f *fakeWiki) SiteSettings(_ context.Context, tenant digest.TenantID) (*digest.SiteInfo, error) {
	return &digest.SiteInfo{
		TenantID:    tenant,
		SiteName:    "Acme Wiki",
		FromAddress: "wiki@acme.example",
		EmailFormat: digest.FormatBoth,
	}, nil
}

type fakeStore struct {
	mu      sync.Mutex
	docs    map[digest.TenantID]map[digest.UserID]*digest.Document
	saves   int
	deletes int
}

func newFakeStore() *fakeStore {
	return &fakeStore{docs: make(map[digest.TenantID]map[digest.UserID]*digest.Document)}
}

func (f *fakeStore) seed(tenant digest.TenantID, doc *digest.Document) {
	if f.docs[tenant] == nil {
		f.docs[tenant] = make(map[digest.UserID]*digest.Document)
	}
	f.docs[tenant][doc.UserID] = doc
}

func (f *fakeStore) Save(_ context.Context, tenant digest.TenantID, doc *digest.Document) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.docs[tenant] == nil {
		f.docs[tenant] = make(map[digest.UserID]*digest.Document)
	}
	f.docs[tenant][doc.UserID] = doc
	f.saves++
	return nil
}

func (f *fakeStore) Delete(_ context.Context, tenant digest.TenantID, user digest.UserID) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.docs[tenant], user)
	f.deletes++
	return nil
}

func (f *fakeStore) LoadAll(context.Context) (map[digest.TenantID][]*digest.Document, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	all := make(map[digest.TenantID][]*digest.Document)
	for tenant, users := range f.docs {
		for _, doc := range users {
			all[tenant] = append(all[tenant], doc)
		}
	}
	return all, nil
}

type fakeBroker struct {
	mu          sync.Mutex
	registered  bool
	pushes      int
	deregisters int
}

func (f *fakeBroker) Register(context.Context, *digest.SubscriptionSet) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.registered = true
	return nil
}

func (f *fakeBroker) PushSubscriptionSet(context.Context, *digest.SubscriptionSet) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.pushes++
	return nil
}

func (f *fakeBroker) Deregister(context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.deregisters++
	return nil
}

type fakeComposer struct{}

func (fakeComposer) Compose(_ context.Context, pd *digest.PendingDigest, user *digest.UserRecord, site *digest.SiteInfo) (*digest.OutboundMessage, error) {
	return &digest.OutboundMessage{
		TenantID: pd.TenantID,
		UserID:   pd.UserID,
		To:       user.Address(),
		From:     site.FromAddress,
		Subject:  "[" + site.SiteName + "] Page Modified",
		Text:     "changed\n",
		Pages:    pd.SortedPages(),
	}, nil
}

type fakeSender struct {
	mu     sync.Mutex
	sent   []*digest.OutboundMessage
	notify chan struct{}
}

func newFakeSender() *fakeSender {
	return &fakeSender{notify: make(chan struct{}, 64)}
}

func (f *fakeSender) Deliver(_ context.Context, msg *digest.OutboundMessage) error {
	f.mu.Lock()
	f.sent = append(f.sent, msg)
	f.mu.Unlock()
	f.notify <- struct{}{}
	return nil
}

func (f *fakeSender) messages() []*digest.OutboundMessage {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]*digest.OutboundMessage, len(f.sent))
	copy(out, f.sent)
	return out
}

func (f *fakeSender) wait(t *testing.T, n int) {
	t.Helper()
	for i := 0; i < n; i++ {
		select {
		case <-f.notify:
		case <-time.After(5 * time.Second):
			t.Fatalf("timed out waiting for delivery %d of %d", i+1, n)
		}
	}
}

type harness struct {
	orch   *Orchestrator
	wiki   *fakeWiki
	store  *fakeStore
	broker *fakeBroker
	sender *fakeSender
}

func newHarness(t *testing.T, window time.Duration) *harness {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	wiki := &fakeWiki{
		profiles: map[digest.UserID]*digest.Profile{
			1: {Email: "u1@example.com", Capabilities: []string{"subscribe"}},
			2: {Email: "u2@example.com", Capabilities: []string{"subscribe"}},
		},
		ancestors: map[digest.PageID][]digest.PageID{},
	}
	h := &harness{
		wiki:   wiki,
		store:  newFakeStore(),
		broker: &fakeBroker{},
		sender: newFakeSender(),
	}
	reg := registry.New(wiki, wiki, wiki, wiki, logger)
	h.orch = New(Options{
		AccumulationWindow: window,
		DeliveryTimeout:    5 * time.Second,
		Owner:              "notifier-test",
	}, reg, h.store, h.broker, fakeComposer{}, h.sender, rendercache.New(time.Second, logger), logger)
	return h
}

func (h *harness) start(t *testing.T) {
	t.Helper()
	if err := h.orch.Start(context.Background()); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		_ = h.orch.Stop(ctx)
	})
}

func TestOperationsRejectedBeforeStart(t *testing.T) {
	h := newHarness(t, time.Hour)
	err := h.orch.Subscribe(context.Background(), "w1", 1, 100, digest.DepthSingle)
	if !errors.Is(err, digest.ErrServiceUnavailable) {
		t.Errorf("Subscribe() before Start error = %v, want ErrServiceUnavailable", err)
	}
	err = h.orch.Notify(context.Background(), digest.ChangeEvent{TenantID: "w1", PageID: 100})
	if !errors.Is(err, digest.ErrServiceUnavailable) {
		t.Errorf("Notify() before Start error = %v, want ErrServiceUnavailable", err)
	}
}

func TestStartRestoresSubscriptions(t *testing.T) {
	h := newHarness(t, time.Hour)
	h.store.seed("w1", &digest.Document{
		UserID:        1,
		Subscriptions: []digest.Subscription{{PageID: 100, Depth: digest.DepthSubtree}},
	})
	h.start(t)

	if h.orch.State() != StateActive {
		t.Fatalf("state = %v, want active", h.orch.State())
	}
	h.broker.mu.Lock()
	registered := h.broker.registered
	h.broker.mu.Unlock()
	if !registered {
		t.Errorf("Start() did not register with the broker")
	}

	subs, err := h.orch.ListSubscriptions(context.Background(), "w1", 1)
	if err != nil {
		t.Fatalf("ListSubscriptions() error = %v", err)
	}
	if len(subs) != 1 || subs[0].PageID != 100 {
		t.Errorf("restored subscriptions = %v, want page 100", subs)
	}
}

func TestSubscribePersists(t *testing.T) {
	h := newHarness(t, time.Hour)
	h.start(t)

	if err := h.orch.Subscribe(context.Background(), "w1", 1, 100, digest.DepthSingle); err != nil {
		t.Fatalf("Subscribe() error = %v", err)
	}

	// the persistence listener runs async; poll for the write
	deadline := time.Now().Add(5 * time.Second)
	for {
		h.store.mu.Lock()
		saves := h.store.saves
		h.store.mu.Unlock()
		if saves >= 1 {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("subscription never persisted")
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestNotifySkipsAuthor(t *testing.T) {
	h := newHarness(t, 40*time.Millisecond)
	h.start(t)
	ctx := context.Background()

	for _, user := range []digest.UserID{1, 2} {
		if err := h.orch.Subscribe(ctx, "w1", user, 100, digest.DepthSingle); err != nil {
			t.Fatalf("Subscribe(user %d) error = %v", user, err)
		}
	}

	err := h.orch.Notify(ctx, digest.ChangeEvent{
		TenantID:  "w1",
		PageID:    100,
		AuthorID:  1,
		EventTime: time.Now(),
	})
	if err != nil {
		t.Fatalf("Notify() error = %v", err)
	}

	h.sender.wait(t, 1)
	msgs := h.sender.messages()
	if len(msgs) != 1 {
		t.Fatalf("sent %d messages, want 1", len(msgs))
	}
	if msgs[0].UserID != 2 {
		t.Errorf("digest went to user %d, want 2 (author must be skipped)", msgs[0].UserID)
	}
}

func TestBurstYieldsOneDigest(t *testing.T) {
	h := newHarness(t, 40*time.Millisecond)
	h.start(t)
	ctx := context.Background()

	if err := h.orch.Subscribe(ctx, "w1", 1, 100, digest.DepthSingle); err != nil {
		t.Fatalf("Subscribe() error = %v", err)
	}
	if err := h.orch.Subscribe(ctx, "w1", 1, 200, digest.DepthSingle); err != nil {
		t.Fatalf("Subscribe() error = %v", err)
	}

	now := time.Now()
	for _, page := range []digest.PageID{100, 200, 100} {
		if err := h.orch.Notify(ctx, digest.ChangeEvent{
			TenantID: "w1", PageID: page, AuthorID: 99, EventTime: now,
		}); err != nil {
			t.Fatalf("Notify(page %d) error = %v", page, err)
		}
	}

	h.sender.wait(t, 1)
	msgs := h.sender.messages()
	if len(msgs) != 1 {
		t.Fatalf("sent %d messages, want 1 merged digest", len(msgs))
	}
	if len(msgs[0].Pages) != 2 {
		t.Errorf("digest pages = %v, want both changed pages", msgs[0].Pages)
	}
}

func TestStopDrainsPendingDigests(t *testing.T) {
	h := newHarness(t, time.Hour)
	h.start(t)
	ctx := context.Background()

	if err := h.orch.Subscribe(ctx, "w1", 1, 100, digest.DepthSingle); err != nil {
		t.Fatalf("Subscribe() error = %v", err)
	}
	if err := h.orch.Notify(ctx, digest.ChangeEvent{
		TenantID: "w1", PageID: 100, AuthorID: 99, EventTime: time.Now(),
	}); err != nil {
		t.Fatalf("Notify() error = %v", err)
	}

	stopCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := h.orch.Stop(stopCtx); err != nil {
		t.Fatalf("Stop() error = %v", err)
	}

	if msgs := h.sender.messages(); len(msgs) != 1 {
		t.Errorf("drain sent %d messages, want 1", len(msgs))
	}
	h.broker.mu.Lock()
	deregisters := h.broker.deregisters
	h.broker.mu.Unlock()
	if deregisters != 1 {
		t.Errorf("deregisters = %d, want 1", deregisters)
	}
	if h.orch.State() != StateStopped {
		t.Errorf("state = %v, want stopped", h.orch.State())
	}

	err := h.orch.Subscribe(ctx, "w1", 1, 200, digest.DepthSingle)
	if !errors.Is(err, digest.ErrServiceUnavailable) {
		t.Errorf("Subscribe() after Stop error = %v, want ErrServiceUnavailable", err)
	}
}

func TestHandleUserEventDeletion(t *testing.T) {
	h := newHarness(t, time.Hour)
	h.start(t)
	ctx := context.Background()

	if err := h.orch.Subscribe(ctx, "w1", 1, 100, digest.DepthSingle); err != nil {
		t.Fatalf("Subscribe() error = %v", err)
	}
	if err := h.orch.HandleUserEvent(ctx, digest.UserEvent{TenantID: "w1", UserID: 1, Deleted: true}); err != nil {
		t.Fatalf("HandleUserEvent() error = %v", err)
	}

	subs, err := h.orch.ListSubscriptions(ctx, "w1", 1)
	if err != nil {
		t.Fatalf("ListSubscriptions() error = %v", err)
	}
	if len(subs) != 0 {
		t.Errorf("deleted user still has subscriptions: %v", subs)
	}
}

func TestSubscriptionChangesPushToBroker(t *testing.T) {
	h := newHarness(t, time.Hour)
	h.start(t)

	if err := h.orch.Subscribe(context.Background(), "w1", 1, 100, digest.DepthSingle); err != nil {
		t.Fatalf("Subscribe() error = %v", err)
	}

	deadline := time.Now().Add(5 * time.Second)
	for {
		h.broker.mu.Lock()
		pushes := h.broker.pushes
		h.broker.mu.Unlock()
		if pushes >= 1 {
			return
		}
		if time.Now().After(deadline) {
			t.Fatalf("subscription change never pushed to broker")
		}
		time.Sleep(10 * time.Millisecond)
	}
}
