// Package wikiapi is the HTTP client for the wiki's REST API: user profiles,
// site settings, page permissions, page hierarchy and rendered page diffs.
// The wiki is a black box to this service; everything here is a lookup.
package wikiapi

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/PuerkitoBio/goquery"
	"github.com/codeGROOVE-dev/retry"

	"wikinotify/pkg/digest"
)

// siteHeader routes a request to one tenant on a multi-tenant wiki host.
const siteHeader = "X-Wiki-Site"

// HTTPStatusError indicates a non-OK response from the wiki API.
type HTTPStatusError struct {
	URL    string
	Status int
}

func (e *HTTPStatusError) Error() string {
	return fmt.Sprintf("HTTP %d: %s", e.Status, e.URL)
}

// Client calls the wiki REST API.
type Client struct {
	base   string
	apikey string
	client *http.Client
	logger *slog.Logger
}

// New creates a new wiki API client.
func New(baseURL, apikey string, client *http.Client, logger *slog.Logger) *Client {
	if client == nil {
		client = &http.Client{Timeout: 30 * time.Second}
	}
	return &Client{
		base:   strings.TrimSuffix(baseURL, "/"),
		apikey: apikey,
		client: client,
		logger: logger,
	}
}

// UserProfile fetches a user's email, name, locale, timezone and
// capabilities. A 404 maps to digest.ErrNoSuchUser.
func (c *Client) UserProfile(ctx context.Context, tenant digest.TenantID, user digest.UserID) (*digest.Profile, error) {
	var profile digest.Profile
	err := c.getJSON(ctx, tenant, fmt.Sprintf("/users/%d", user), nil, &profile)
	if err != nil {
		if isStatus(err, http.StatusNotFound) {
			return nil, fmt.Errorf("%w: user %d on tenant %q", digest.ErrNoSuchUser, user, tenant)
		}
		return nil, fmt.Errorf("fetch user profile: %w", err)
	}
	return &profile, nil
}

// SiteSettings fetches per-tenant site branding and email configuration.
// A 404 maps to digest.ErrNoSuchSite.
func (c *Client) SiteSettings(ctx context.Context, tenant digest.TenantID) (*digest.SiteInfo, error) {
	var payload struct {
		SiteName    string `json:"site_name"`
		FromAddress string `json:"from_address"`
		AdminEmail  string `json:"admin_email"`
		EmailFormat string `json:"email_format"`
		Locale      string `json:"locale"`
	}
	err := c.getJSON(ctx, tenant, "/site/settings", nil, &payload)
	if err != nil {
		if isStatus(err, http.StatusNotFound) {
			return nil, fmt.Errorf("%w: tenant %q", digest.ErrNoSuchSite, tenant)
		}
		return nil, fmt.Errorf("fetch site settings: %w", err)
	}
	info := &digest.SiteInfo{
		TenantID:    tenant,
		SiteName:    payload.SiteName,
		FromAddress: payload.FromAddress,
		EmailFormat: digest.EmailFormat(payload.EmailFormat),
		Locale:      payload.Locale,
	}
	if info.FromAddress == "" {
		// fall back to the site admin's address, as the wiki does
		info.FromAddress = payload.AdminEmail
	}
	return info, nil
}

// CanSubscribe checks read+subscribe permission for the user on the page.
func (c *Client) CanSubscribe(ctx context.Context, tenant digest.TenantID, user digest.UserID, page digest.PageID) (bool, error) {
	var payload struct {
		Allowed bool `json:"allowed"`
	}
	q := url.Values{}
	q.Set("user", fmt.Sprint(uint64(user)))
	q.Set("permissions", "read,subscribe")
	err := c.getJSON(ctx, tenant, fmt.Sprintf("/pages/%d/allowed", page), q, &payload)
	if err != nil {
		if isStatus(err, http.StatusForbidden) || isStatus(err, http.StatusNotFound) {
			return false, nil
		}
		return false, fmt.Errorf("check page permission: %w", err)
	}
	return payload.Allowed, nil
}

// PageAncestors returns the page's ancestor chain, nearest first.
func (c *Client) PageAncestors(ctx context.Context, tenant digest.TenantID, page digest.PageID) ([]digest.PageID, error) {
	var payload struct {
		Ancestors []digest.PageID `json:"ancestors"`
	}
	err := c.getJSON(ctx, tenant, fmt.Sprintf("/pages/%d/ancestors", page), nil, &payload)
	if err != nil {
		if isStatus(err, http.StatusNotFound) {
			// deleted page, no ancestors to match
			return nil, nil
		}
		return nil, fmt.Errorf("fetch page ancestors: %w", err)
	}
	return payload.Ancestors, nil
}

// RenderChange asks the wiki's diff engine for the rendered change fragment
// of a page since the given time, localized for one recipient. The plaintext
// body is derived from the HTML when the engine does not supply one.
func (c *Client) RenderChange(ctx context.Context, tenant digest.TenantID, page digest.PageID, since time.Time, locale, timezone string) (*digest.PageChange, error) {
	var payload struct {
		Title     string `json:"title"`
		HTML      string `json:"html"`
		Plaintext string `json:"plaintext"`
	}
	q := url.Values{}
	q.Set("since", since.UTC().Format(time.RFC3339))
	if locale != "" {
		q.Set("locale", locale)
	}
	if timezone != "" {
		q.Set("timezone", timezone)
	}
	err := c.getJSON(ctx, tenant, fmt.Sprintf("/pages/%d/diff", page), q, &payload)
	if err != nil {
		return nil, fmt.Errorf("render page change: %w", err)
	}
	change := &digest.PageChange{
		Title:     payload.Title,
		HTML:      payload.HTML,
		Plaintext: payload.Plaintext,
	}
	if change.Plaintext == "" && change.HTML != "" {
		change.Plaintext = HTMLToText(change.HTML)
	}
	return change, nil
}

// getJSON performs a retried GET and decodes the JSON response. 4xx statuses
// are not retried; they describe the resource, not the connection.
func (c *Client) getJSON(ctx context.Context, tenant digest.TenantID, path string, query url.Values, out any) error {
	reqURL := c.base + path
	if len(query) > 0 {
		reqURL += "?" + query.Encode()
	}

	return retry.Do(
		func() error {
			req, err := http.NewRequestWithContext(ctx, http.MethodGet, reqURL, http.NoBody)
			if err != nil {
				return retry.Unrecoverable(fmt.Errorf("create request: %w", err))
			}
			req.Header.Set(siteHeader, string(tenant))
			req.Header.Set("Accept", "application/json")
			if c.apikey != "" {
				req.Header.Set("X-ApiKey", c.apikey)
			}

			startTime := time.Now()
			resp, err := c.client.Do(req)
			duration := time.Since(startTime)
			if err != nil {
				c.logger.Warn("Wiki API request failed, will retry",
					"url", reqURL,
					"duration_ms", duration.Milliseconds(),
					"error", err)
				return err
			}
			defer func() {
				if closeErr := resp.Body.Close(); closeErr != nil {
					c.logger.Warn("Failed to close response body", "error", closeErr)
				}
			}()

			c.logger.Debug("Wiki API request completed",
				"url", reqURL,
				"tenant", tenant,
				"status_code", resp.StatusCode,
				"duration_ms", duration.Milliseconds())

			if resp.StatusCode != http.StatusOK {
				statusErr := &HTTPStatusError{URL: reqURL, Status: resp.StatusCode}
				if resp.StatusCode >= 400 && resp.StatusCode < 500 {
					return retry.Unrecoverable(statusErr)
				}
				return statusErr
			}

			body, err := io.ReadAll(resp.Body)
			if err != nil {
				return fmt.Errorf("read response: %w", err)
			}
			if err := json.Unmarshal(body, out); err != nil {
				return retry.Unrecoverable(fmt.Errorf("decode response: %w", err))
			}
			return nil
		},
		retry.Attempts(3),
		retry.Delay(time.Second),
		retry.MaxDelay(time.Minute),
		retry.MaxJitter(5*time.Second),
		retry.Context(ctx),
		retry.OnRetry(func(n uint, err error) {
			c.logger.Info("Retrying wiki API request after error", "attempt", n, "url", reqURL, "error", err)
		}),
	)
}

// isStatus reports whether err carries the given HTTP status.
func isStatus(err error, status int) bool {
	var statusErr *HTTPStatusError
	return errors.As(err, &statusErr) && statusErr.Status == status
}

// HTMLToText flattens an HTML fragment into readable plaintext: block
// elements become line breaks, everything else is stripped.
func HTMLToText(fragment string) string {
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(fragment))
	if err != nil {
		// fall back to the raw fragment; better an ugly body than none
		return fragment
	}
	doc.Find("br").Each(func(_ int, s *goquery.Selection) {
		s.ReplaceWithHtml("\n")
	})
	doc.Find("p, div, li, h1, h2, h3, h4, tr, blockquote").Each(func(_ int, s *goquery.Selection) {
		s.AppendHtml("\n")
	})
	text := doc.Text()

	// collapse runs of blank lines left by nested blocks
	lines := strings.Split(text, "\n")
	var out []string
	blank := false
	for _, line := range lines {
		line = strings.TrimRight(line, " \t")
		if strings.TrimSpace(line) == "" {
			if !blank && len(out) > 0 {
				out = append(out, "")
			}
			blank = true
			continue
		}
		blank = false
		out = append(out, line)
	}
	return strings.TrimSpace(strings.Join(out, "\n"))
}
