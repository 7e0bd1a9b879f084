// Package digest contains the core domain types for the wiki change-notification service.
package digest

import (
	"sort"
	"time"
)

// TenantID identifies one wiki instance among the many hosted by the service.
type TenantID string

// UserID identifies a user within a tenant.
type UserID uint64

// PageID identifies a page within a tenant.
type PageID uint64

// Depth describes how much of the page hierarchy a subscription covers.
type Depth string

const (
	// DepthSingle covers exactly one page.
	DepthSingle Depth = "single"
	// DepthSubtree covers a page and all of its descendants.
	DepthSubtree Depth = "subtree"
)

// EmailFormat selects which MIME parts a digest email carries.
type EmailFormat string

const (
	FormatHTML      EmailFormat = "html"
	FormatPlaintext EmailFormat = "plaintext"
	FormatBoth      EmailFormat = "both"
)

// IncludesHTML reports whether the format carries an HTML part.
// Anything other than an explicit plaintext-only setting does.
func (f EmailFormat) IncludesHTML() bool { return f != FormatPlaintext }

// IncludesPlaintext reports whether the format carries a plaintext part.
func (f EmailFormat) IncludesPlaintext() bool { return f != FormatHTML }

// Subscription is one (page, depth) pair a user is subscribed to.
type Subscription struct {
	PageID PageID `json:"page_id"`
	Depth  Depth  `json:"depth"`
}

// Document is the persisted form of one user's subscriptions.
// Profile data (email, locale, timezone) is deliberately not persisted;
// it is re-fetched from the user service on demand.
type Document struct {
	UserID        UserID         `json:"user_id"`
	Subscriptions []Subscription `json:"subscriptions"`
}

// Profile is the user metadata fetched from the wiki's user service.
type Profile struct {
	Email        string   `json:"email"`
	DisplayName  string   `json:"display_name"`
	Locale       string   `json:"locale"`
	Timezone     string   `json:"timezone"`
	Capabilities []string `json:"capabilities"`
}

// CanSubscribe reports whether the profile carries the subscribe capability.
func (p *Profile) CanSubscribe() bool {
	for _, c := range p.Capabilities {
		if c == "subscribe" {
			return true
		}
	}
	return false
}

// UserRecord is the in-memory state for one subscribed user.
type UserRecord struct {
	TenantID      TenantID
	UserID        UserID
	Email         string
	DisplayName   string
	Locale        string
	Timezone      string
	Validated     bool
	Subscriptions map[PageID]Depth
}

// Address returns the RFC 5322 destination for the user,
// "Display Name" <email> when a display name is known.
func (u *UserRecord) Address() string {
	if u.DisplayName == "" {
		return u.Email
	}
	return "\"" + u.DisplayName + "\" <" + u.Email + ">"
}

// SortedPages returns the subscribed page ids in ascending order.
func (u *UserRecord) SortedPages() []PageID {
	pages := make([]PageID, 0, len(u.Subscriptions))
	for id := range u.Subscriptions {
		pages = append(pages, id)
	}
	sort.Slice(pages, func(i, j int) bool { return pages[i] < pages[j] })
	return pages
}

// AsDocument snapshots the record into its persisted form.
func (u *UserRecord) AsDocument() *Document {
	doc := &Document{UserID: u.UserID}
	for _, id := range u.SortedPages() {
		doc.Subscriptions = append(doc.Subscriptions, Subscription{PageID: id, Depth: u.Subscriptions[id]})
	}
	return doc
}

// SiteInfo is the per-tenant metadata needed to address a digest email.
type SiteInfo struct {
	TenantID    TenantID
	SiteName    string
	FromAddress string
	EmailFormat EmailFormat
	Locale      string
}

// Validated reports whether enough site data is present to send email.
func (s *SiteInfo) Validated() bool {
	return s.SiteName != "" && s.FromAddress != ""
}

// DigestEntry is the accumulated state for one changed page within a pending digest.
type DigestEntry struct {
	LastEventTime time.Time
	Delete        bool
}

// PendingDigest accumulates page-change events for one (tenant, user) pair
// until its accumulation window elapses.
type PendingDigest struct {
	TenantID        TenantID
	UserID          UserID
	WindowStartedAt time.Time
	Entries         map[PageID]*DigestEntry
}

// SortedPages returns the digest's page ids in ascending order so that
// composition is deterministic.
func (d *PendingDigest) SortedPages() []PageID {
	pages := make([]PageID, 0, len(d.Entries))
	for id := range d.Entries {
		pages = append(pages, id)
	}
	sort.Slice(pages, func(i, j int) bool { return pages[i] < pages[j] })
	return pages
}

// ChangeEvent is one raw content-change event received from the upstream broker.
type ChangeEvent struct {
	TenantID  TenantID
	PageID    PageID
	AuthorID  UserID // user who caused the change; never notified about it
	EventTime time.Time
	Delete    bool
}

// UserEvent is a user-lifecycle event from the upstream broker.
type UserEvent struct {
	TenantID TenantID
	UserID   UserID
	Deleted  bool // true for account deletion, false for profile change
}

// PageChange is a rendered change fragment for one page, as produced by the
// wiki's rendering engine.
type PageChange struct {
	Title     string
	HTML      string
	Plaintext string
}

// OutboundMessage is a fully composed digest email ready for transport.
type OutboundMessage struct {
	TenantID TenantID
	UserID   UserID
	To       string
	From     string
	Subject  string
	HTML     string // empty when the site format is plaintext-only
	Text     string // empty when the site format is html-only
	Pages    []PageID
}

// SubscriptionSet is the tenant-wide view pushed to the upstream broker so
// the event stream keeps flowing.
type SubscriptionSet struct {
	Owner   string               `json:"owner"`
	Tenants []TenantSubscription `json:"tenants"`
}

// TenantSubscription lists, per page, the widest subscribed depth and the
// recipients interested in it.
type TenantSubscription struct {
	TenantID TenantID           `json:"tenant_id"`
	Pages    []PageSubscription `json:"pages"`
}

// PageSubscription is one page's entry in the upstream subscription set.
type PageSubscription struct {
	PageID     PageID   `json:"page_id"`
	Depth      Depth    `json:"depth"`
	Recipients []UserID `json:"recipients"`
}
