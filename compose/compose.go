// Package compose turns an accumulated pending digest into a single outbound
// email. Rendering of each page's change fragment is delegated to the wiki
// and memoized through a short-lived cache so a burst of digests for the
// same page does not hammer the rendering engine.
package compose

import (
	"context"
	"fmt"
	"html"
	"log/slog"
	"strings"
	"time"

	"wikinotify/pkg/digest"
	"wikinotify/rendercache"
)

// PageRenderer produces the rendered change fragment for one page.
type PageRenderer interface {
	RenderChange(ctx context.Context, tenant digest.TenantID, page digest.PageID, since time.Time, locale, timezone string) (*digest.PageChange, error)
}

// Unsubscriber removes a subscription once its page is gone.
type Unsubscriber interface {
	Unsubscribe(ctx context.Context, tenant digest.TenantID, user digest.UserID, page digest.PageID) error
}

// subjects maps a locale to the digest subject template. The site name is
// interpolated in front.
var subjects = map[string]string{
	"en": "Page Modified",
	"de": "Seite geändert",
	"fr": "Page modifiée",
	"es": "Página modificada",
	"ja": "ページが変更されました",
}

// Composer builds digest emails.
type Composer struct {
	renderer     PageRenderer
	cache        *rendercache.Cache
	unsubscriber Unsubscriber
	logger       *slog.Logger
}

// New creates a Composer.
func New(renderer PageRenderer, cache *rendercache.Cache, unsubscriber Unsubscriber, logger *slog.Logger) *Composer {
	return &Composer{
		renderer:     renderer,
		cache:        cache,
		unsubscriber: unsubscriber,
		logger:       logger,
	}
}

// Compose renders every page entry in the pending digest and assembles one
// email for the user. Pages whose fragment fails to render are skipped with
// a log entry rather than sinking the whole digest; if nothing at all
// renders, Compose returns digest.ErrEmptyDigest. Entries flagged as deleted
// are included with a deletion notice and their subscription is removed
// after inclusion.
func (c *Composer) Compose(ctx context.Context, pd *digest.PendingDigest, user *digest.UserRecord, site *digest.SiteInfo) (*digest.OutboundMessage, error) {
	type section struct {
		page    digest.PageID
		change  *digest.PageChange
		deleted bool
	}

	var sections []section
	for _, page := range pd.SortedPages() {
		entry := pd.Entries[page]
		change, err := c.render(ctx, pd, page, user)
		if err != nil {
			if entry.Delete {
				// the page is gone; tell the user so anyway
				change = &digest.PageChange{
					Title:     fmt.Sprintf("Page %d", page),
					Plaintext: "This page has been deleted.",
					HTML:      "<p>This page has been deleted.</p>",
				}
			} else {
				c.logger.Warn("Skipping page in digest, render failed",
					"tenant", pd.TenantID,
					"user", pd.UserID,
					"page", page,
					"error", err)
				continue
			}
		}
		sections = append(sections, section{page: page, change: change, deleted: entry.Delete})
	}

	if len(sections) == 0 {
		return nil, fmt.Errorf("%w: no renderable changes for user %d on tenant %q",
			digest.ErrEmptyDigest, pd.UserID, pd.TenantID)
	}

	msg := &digest.OutboundMessage{
		TenantID: pd.TenantID,
		UserID:   pd.UserID,
		To:       user.Address(),
		From:     site.FromAddress,
		Subject:  subject(site, user),
	}
	format := site.EmailFormat
	if format == "" {
		format = digest.FormatBoth
	}

	var htmlBody, textBody strings.Builder
	if format.IncludesHTML() {
		fmt.Fprintf(&htmlBody, "<html><body>\n<p>The following pages on %s have changed:</p>\n",
			html.EscapeString(site.SiteName))
	}
	if format.IncludesPlaintext() {
		fmt.Fprintf(&textBody, "The following pages on %s have changed:\n\n", site.SiteName)
	}

	for _, s := range sections {
		msg.Pages = append(msg.Pages, s.page)
		if format.IncludesHTML() {
			fmt.Fprintf(&htmlBody, "<h3>%s</h3>\n%s\n", html.EscapeString(s.change.Title), s.change.HTML)
		}
		if format.IncludesPlaintext() {
			fmt.Fprintf(&textBody, "%s\n%s\n%s\n\n", s.change.Title,
				strings.Repeat("-", len(s.change.Title)), s.change.Plaintext)
		}
	}

	if format.IncludesHTML() {
		htmlBody.WriteString("</body></html>\n")
		msg.HTML = htmlBody.String()
	}
	if format.IncludesPlaintext() {
		msg.Text = strings.TrimRight(textBody.String(), "\n") + "\n"
	}

	for _, s := range sections {
		if !s.deleted {
			continue
		}
		if err := c.unsubscriber.Unsubscribe(ctx, pd.TenantID, pd.UserID, s.page); err != nil {
			c.logger.Warn("Failed to drop subscription for deleted page",
				"tenant", pd.TenantID,
				"user", pd.UserID,
				"page", s.page,
				"error", err)
		}
	}

	return msg, nil
}

// render fetches the change fragment through the memoizing cache. The
// fragment covers everything since the digest window opened, and the cache
// key carries the recipient's locale and timezone because the wiki localizes
// timestamps inside the fragment.
func (c *Composer) render(ctx context.Context, pd *digest.PendingDigest, page digest.PageID, user *digest.UserRecord) (*digest.PageChange, error) {
	since := pd.WindowStartedAt
	key := rendercache.Key{
		Tenant:   pd.TenantID,
		Page:     page,
		Since:    since,
		Locale:   user.Locale,
		Timezone: user.Timezone,
	}
	return c.cache.GetOrRender(ctx, key, func(ctx context.Context) (*digest.PageChange, error) {
		return c.renderer.RenderChange(ctx, pd.TenantID, page, since, user.Locale, user.Timezone)
	})
}

// subject builds the localized subject line, "[SiteName] Page Modified".
func subject(site *digest.SiteInfo, user *digest.UserRecord) string {
	locale := user.Locale
	if locale == "" {
		locale = site.Locale
	}
	if i := strings.IndexAny(locale, "-_"); i > 0 {
		locale = locale[:i]
	}
	text, ok := subjects[strings.ToLower(locale)]
	if !ok {
		text = subjects["en"]
	}
	return fmt.Sprintf("[%s] %s", site.SiteName, text)
}
