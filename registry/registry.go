// Package registry maintains the in-memory subscription index.
//
// The registry is the source of truth for delivery: it is loaded from the
// document store at startup, mutated by subscribe/unsubscribe calls and
// user-lifecycle events, and read by the notification fan-out. Every mutation
// emits change events consumed asynchronously by the orchestrator's
// persistence and upstream-sync listeners, so request latency never includes
// storage or broker I/O.
package registry

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"wikinotify/pkg/digest"
)

// validationExpiry is how long fetched profile data stays fresh before the
// next use forces a re-fetch.
const validationExpiry = 2 * time.Hour

// changeBuffer sizes the change event channels. Listeners that fall this far
// behind start losing events; persistence is best-effort by contract.
const changeBuffer = 256

// ProfileLookup fetches user metadata from the wiki's user service.
type ProfileLookup interface {
	UserProfile(ctx context.Context, tenant digest.TenantID, user digest.UserID) (*digest.Profile, error)
}

// PermissionChecker verifies a user may subscribe to a page.
type PermissionChecker interface {
	CanSubscribe(ctx context.Context, tenant digest.TenantID, user digest.UserID, page digest.PageID) (bool, error)
}

// Hierarchy resolves page ancestry for subtree subscription matching.
type Hierarchy interface {
	PageAncestors(ctx context.Context, tenant digest.TenantID, page digest.PageID) ([]digest.PageID, error)
}

// SiteLookup fetches per-tenant site settings.
type SiteLookup interface {
	SiteSettings(ctx context.Context, tenant digest.TenantID) (*digest.SiteInfo, error)
}

// RecordEvent reports that one user's persisted document must change.
type RecordEvent struct {
	TenantID digest.TenantID
	UserID   digest.UserID
	Doc      *digest.Document // nil when Delete is set
	Delete   bool
}

// Registry is the per-tenant subscription index.
type Registry struct {
	logger    *slog.Logger
	profiles  ProfileLookup
	perms     PermissionChecker
	hierarchy Hierarchy
	sites     SiteLookup

	mu      sync.RWMutex
	tenants map[digest.TenantID]*tenantState

	records    chan RecordEvent
	setChanges chan digest.TenantID
}

// tenantState guards one tenant's users so unrelated tenants never contend.
type tenantState struct {
	mu    sync.Mutex
	users map[digest.UserID]*userState
	site  *digest.SiteInfo // nil until fetched and validated
}

type userState struct {
	record      digest.UserRecord
	validatedAt time.Time
}

// fresh reports whether the profile data can still be trusted.
func (u *userState) fresh() bool {
	return u.record.Validated && time.Since(u.validatedAt) < validationExpiry
}

// New creates an empty registry.
func New(profiles ProfileLookup, perms PermissionChecker, hierarchy Hierarchy, sites SiteLookup, logger *slog.Logger) *Registry {
	return &Registry{
		logger:     logger,
		profiles:   profiles,
		perms:      perms,
		hierarchy:  hierarchy,
		sites:      sites,
		tenants:    make(map[digest.TenantID]*tenantState),
		records:    make(chan RecordEvent, changeBuffer),
		setChanges: make(chan digest.TenantID, changeBuffer),
	}
}

// Records is the stream of per-user document changes to persist.
func (r *Registry) Records() <-chan RecordEvent { return r.records }

// SetChanges is the stream of tenants whose upstream subscription set must
// be recomputed and pushed.
func (r *Registry) SetChanges() <-chan digest.TenantID { return r.setChanges }

// LoadDocuments seeds one tenant's users from persisted documents at
// startup. Loaded users are unvalidated; profile data is fetched on first
// use. No change events are emitted.
func (r *Registry) LoadDocuments(tenant digest.TenantID, docs []*digest.Document) {
	t := r.tenant(tenant)
	t.mu.Lock()
	defer t.mu.Unlock()
	for _, doc := range docs {
		subs := make(map[digest.PageID]digest.Depth, len(doc.Subscriptions))
		for _, sub := range doc.Subscriptions {
			subs[sub.PageID] = sub.Depth
		}
		t.users[doc.UserID] = &userState{
			record: digest.UserRecord{
				TenantID:      tenant,
				UserID:        doc.UserID,
				Subscriptions: subs,
			},
		}
	}
	r.logger.Info("Loaded tenant subscriptions", "tenant", tenant, "user_count", len(docs))
}

// tenant returns the state for a tenant, creating it on first use.
func (r *Registry) tenant(id digest.TenantID) *tenantState {
	r.mu.RLock()
	t, ok := r.tenants[id]
	r.mu.RUnlock()
	if ok {
		return t
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if t, ok = r.tenants[id]; ok {
		return t
	}
	t = &tenantState{users: make(map[digest.UserID]*userState)}
	r.tenants[id] = t
	return t
}

// Subscribe upserts one subscription. The call is idempotent: repeating it
// with the same page and depth changes nothing and emits no events.
func (r *Registry) Subscribe(ctx context.Context, tenant digest.TenantID, user digest.UserID, page digest.PageID, depth digest.Depth) error {
	ok, err := r.perms.CanSubscribe(ctx, tenant, user, page)
	if err != nil {
		return fmt.Errorf("check subscribe permission: %w", err)
	}
	if !ok {
		return digest.ErrNotAuthorized
	}

	if _, err := r.ValidatedUser(ctx, tenant, user); err != nil {
		return fmt.Errorf("%w: %w", digest.ErrInvalidUser, err)
	}

	t := r.tenant(tenant)
	t.mu.Lock()
	u, found := t.users[user]
	if !found {
		// deleted concurrently between validation and upsert
		t.mu.Unlock()
		return fmt.Errorf("%w: user record disappeared", digest.ErrInvalidUser)
	}
	if existing, found := u.record.Subscriptions[page]; found && existing == depth {
		t.mu.Unlock()
		return nil
	}
	u.record.Subscriptions[page] = depth
	doc := u.record.AsDocument()
	t.mu.Unlock()

	r.logger.Info("Subscription added", "tenant", tenant, "user", user, "page", page, "depth", depth)
	r.emitRecord(RecordEvent{TenantID: tenant, UserID: user, Doc: doc})
	r.emitSetChange(tenant)
	return nil
}

// Unsubscribe removes one subscription. Removing a subscription that does
// not exist is a no-op, not an error. A user whose last subscription is
// removed is purged from the registry and their stored document deleted.
func (r *Registry) Unsubscribe(ctx context.Context, tenant digest.TenantID, user digest.UserID, page digest.PageID) error {
	t := r.tenant(tenant)
	t.mu.Lock()
	u, found := t.users[user]
	if !found {
		t.mu.Unlock()
		return nil
	}
	if _, found = u.record.Subscriptions[page]; !found {
		t.mu.Unlock()
		return nil
	}
	delete(u.record.Subscriptions, page)
	purge := len(u.record.Subscriptions) == 0
	var doc *digest.Document
	if purge {
		delete(t.users, user)
	} else {
		doc = u.record.AsDocument()
	}
	t.mu.Unlock()

	if purge {
		r.logger.Info("Purging user, no subscriptions left", "tenant", tenant, "user", user)
		r.emitRecord(RecordEvent{TenantID: tenant, UserID: user, Delete: true})
	} else {
		r.logger.Info("Subscription removed", "tenant", tenant, "user", user, "page", page)
		r.emitRecord(RecordEvent{TenantID: tenant, UserID: user, Doc: doc})
	}
	r.emitSetChange(tenant)
	return nil
}

// ListSubscriptions returns the user's subscriptions. When pages is
// non-empty the result is filtered to those pages. An unknown user yields an
// empty list.
func (r *Registry) ListSubscriptions(tenant digest.TenantID, user digest.UserID, pages ...digest.PageID) []digest.Subscription {
	t := r.tenant(tenant)
	t.mu.Lock()
	defer t.mu.Unlock()
	u, found := t.users[user]
	if !found {
		return nil
	}
	filter := make(map[digest.PageID]bool, len(pages))
	for _, p := range pages {
		filter[p] = true
	}
	var subs []digest.Subscription
	for _, page := range u.record.SortedPages() {
		if len(filter) > 0 && !filter[page] {
			continue
		}
		subs = append(subs, digest.Subscription{PageID: page, Depth: u.record.Subscriptions[page]})
	}
	return subs
}

// RecipientsFor returns, in ascending user id order, every user whose
// subscription set covers the page: an exact match at any depth, or a
// subtree subscription on one of the page's ancestors.
func (r *Registry) RecipientsFor(ctx context.Context, tenant digest.TenantID, page digest.PageID) ([]digest.UserID, error) {
	ancestors, err := r.hierarchy.PageAncestors(ctx, tenant, page)
	if err != nil {
		return nil, fmt.Errorf("resolve page ancestors: %w", err)
	}
	ancestorSet := make(map[digest.PageID]bool, len(ancestors))
	for _, a := range ancestors {
		ancestorSet[a] = true
	}

	t := r.tenant(tenant)
	t.mu.Lock()
	defer t.mu.Unlock()
	var recipients []digest.UserID
	for id, u := range t.users {
		if covers(u.record.Subscriptions, page, ancestorSet) {
			recipients = append(recipients, id)
		}
	}
	sort.Slice(recipients, func(i, j int) bool { return recipients[i] < recipients[j] })
	return recipients, nil
}

func covers(subs map[digest.PageID]digest.Depth, page digest.PageID, ancestors map[digest.PageID]bool) bool {
	if _, found := subs[page]; found {
		return true
	}
	for sub, depth := range subs {
		if depth == digest.DepthSubtree && ancestors[sub] {
			return true
		}
	}
	return false
}

// InvalidateUser marks a user's profile data stale so the next use re-fetches
// email, locale and timezone. Unknown users are ignored.
func (r *Registry) InvalidateUser(tenant digest.TenantID, user digest.UserID) {
	t := r.tenant(tenant)
	t.mu.Lock()
	defer t.mu.Unlock()
	u, found := t.users[user]
	if !found {
		return
	}
	u.record.Validated = false
	r.logger.Debug("User invalidated", "tenant", tenant, "user", user)
}

// DeleteUser removes every subscription for the user and purges the record.
// Idempotent.
func (r *Registry) DeleteUser(tenant digest.TenantID, user digest.UserID) {
	t := r.tenant(tenant)
	t.mu.Lock()
	_, found := t.users[user]
	if found {
		delete(t.users, user)
	}
	t.mu.Unlock()
	if !found {
		return
	}
	r.logger.Info("User deleted, all subscriptions removed", "tenant", tenant, "user", user)
	r.emitRecord(RecordEvent{TenantID: tenant, UserID: user, Delete: true})
	r.emitSetChange(tenant)
}

// ValidatedUser returns a copy of the user's record with fresh profile data,
// fetching from the user service when the record is missing, invalidated, or
// stale. A user that cannot be validated (no email, no subscribe capability,
// lookup failure) yields an error.
func (r *Registry) ValidatedUser(ctx context.Context, tenant digest.TenantID, user digest.UserID) (*digest.UserRecord, error) {
	t := r.tenant(tenant)
	t.mu.Lock()
	if u, found := t.users[user]; found && u.fresh() {
		rec := snapshot(&u.record)
		t.mu.Unlock()
		return rec, nil
	}
	t.mu.Unlock()

	// Fetch outside the lock; the fetch may suspend.
	profile, err := r.profiles.UserProfile(ctx, tenant, user)
	if err != nil {
		return nil, fmt.Errorf("fetch user profile: %w", err)
	}
	if profile.Email == "" {
		return nil, fmt.Errorf("%w: no email on file", digest.ErrInvalidUser)
	}
	if !profile.CanSubscribe() {
		return nil, fmt.Errorf("%w: no subscribe capability", digest.ErrInvalidUser)
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	u, found := t.users[user]
	if !found {
		u = &userState{
			record: digest.UserRecord{
				TenantID:      tenant,
				UserID:        user,
				Subscriptions: make(map[digest.PageID]digest.Depth),
			},
		}
		t.users[user] = u
	}
	u.record.Email = profile.Email
	u.record.DisplayName = profile.DisplayName
	if profile.Locale != "" {
		u.record.Locale = profile.Locale
	}
	if profile.Timezone != "" {
		// only update timezone when the profile defines one
		u.record.Timezone = profile.Timezone
	}
	u.record.Validated = true
	u.validatedAt = time.Now()
	return snapshot(&u.record), nil
}

// SiteInfo returns site settings for the tenant, fetched lazily and cached
// until validated.
func (r *Registry) SiteInfo(ctx context.Context, tenant digest.TenantID) (*digest.SiteInfo, error) {
	t := r.tenant(tenant)
	t.mu.Lock()
	if t.site != nil && t.site.Validated() {
		site := *t.site
		t.mu.Unlock()
		return &site, nil
	}
	t.mu.Unlock()

	site, err := r.sites.SiteSettings(ctx, tenant)
	if err != nil {
		return nil, fmt.Errorf("fetch site settings: %w", err)
	}
	site.TenantID = tenant
	if site.EmailFormat == "" {
		site.EmailFormat = digest.FormatBoth
	}
	if !site.Validated() {
		return nil, fmt.Errorf("%w: site settings incomplete for tenant %q", digest.ErrNoSuchSite, tenant)
	}

	t.mu.Lock()
	t.site = site
	t.mu.Unlock()
	copied := *site
	return &copied, nil
}

// Snapshot computes the full cross-tenant subscription set for the upstream
// broker: per page, the widest subscribed depth and the interested users.
func (r *Registry) Snapshot(owner string) *digest.SubscriptionSet {
	r.mu.RLock()
	ids := make([]digest.TenantID, 0, len(r.tenants))
	for id := range r.tenants {
		ids = append(ids, id)
	}
	r.mu.RUnlock()
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })

	set := &digest.SubscriptionSet{Owner: owner}
	var pageCount, userCount int
	for _, id := range ids {
		ts := r.snapshotTenant(id)
		if len(ts.Pages) == 0 {
			continue
		}
		pageCount += len(ts.Pages)
		set.Tenants = append(set.Tenants, ts)
	}
	r.mu.RLock()
	for _, t := range r.tenants {
		t.mu.Lock()
		userCount += len(t.users)
		t.mu.Unlock()
	}
	r.mu.RUnlock()
	r.logger.Debug("Calculated subscription set", "page_subscriptions", pageCount, "subscribed_users", userCount)
	return set
}

func (r *Registry) snapshotTenant(id digest.TenantID) digest.TenantSubscription {
	t := r.tenant(id)
	t.mu.Lock()
	byPage := make(map[digest.PageID]*digest.PageSubscription)
	for userID, u := range t.users {
		for page, depth := range u.record.Subscriptions {
			ps, found := byPage[page]
			if !found {
				ps = &digest.PageSubscription{PageID: page, Depth: depth}
				byPage[page] = ps
			} else if depth == digest.DepthSubtree {
				ps.Depth = digest.DepthSubtree
			}
			ps.Recipients = append(ps.Recipients, userID)
		}
	}
	t.mu.Unlock()

	ts := digest.TenantSubscription{TenantID: id}
	pages := make([]digest.PageID, 0, len(byPage))
	for page := range byPage {
		pages = append(pages, page)
	}
	sort.Slice(pages, func(i, j int) bool { return pages[i] < pages[j] })
	for _, page := range pages {
		ps := byPage[page]
		sort.Slice(ps.Recipients, func(i, j int) bool { return ps.Recipients[i] < ps.Recipients[j] })
		ts.Pages = append(ts.Pages, *ps)
	}
	return ts
}

// snapshot copies a record so callers never hold registry-owned state.
func snapshot(rec *digest.UserRecord) *digest.UserRecord {
	copied := *rec
	copied.Subscriptions = make(map[digest.PageID]digest.Depth, len(rec.Subscriptions))
	for page, depth := range rec.Subscriptions {
		copied.Subscriptions[page] = depth
	}
	return &copied
}

// emitRecord hands a document change to the persistence listener without
// blocking the mutating caller.
func (r *Registry) emitRecord(ev RecordEvent) {
	select {
	case r.records <- ev:
	default:
		r.logger.Warn("Record change listener backlog full, dropping event",
			"tenant", ev.TenantID, "user", ev.UserID, "delete", ev.Delete)
	}
}

func (r *Registry) emitSetChange(tenant digest.TenantID) {
	select {
	case r.setChanges <- tenant:
	default:
		// coalescing is fine here, the periodic reconcile covers gaps
		r.logger.Debug("Subscription set listener backlog full, coalescing", "tenant", tenant)
	}
}
