// Package broker registers this service with the upstream change broker and
// keeps the broker's copy of the subscription set current. The broker only
// forwards page-change and user events for pages somebody actually
// subscribes to, so a stale set means missed notifications.
package broker

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/codeGROOVE-dev/retry"

	"wikinotify/pkg/digest"
)

// Client manages this service's registration with the change broker.
type Client struct {
	base   string
	client *http.Client
	logger *slog.Logger

	mu       sync.Mutex
	location string // broker-assigned registration URL, empty until registered
}

// New creates a broker client. The base URL points at the broker's
// subscribers collection.
func New(baseURL string, client *http.Client, logger *slog.Logger) *Client {
	if client == nil {
		client = &http.Client{Timeout: 30 * time.Second}
	}
	return &Client{base: baseURL, client: client, logger: logger}
}

// Register announces this service to the broker with its initial
// subscription set and remembers the registration location the broker
// assigns. Registering twice replaces the earlier registration.
func (c *Client) Register(ctx context.Context, set *digest.SubscriptionSet) error {
	body, err := json.Marshal(set)
	if err != nil {
		return fmt.Errorf("encode subscription set: %w", err)
	}

	var location string
	err = c.do(ctx, func() error {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.base, bytes.NewReader(body))
		if err != nil {
			return retry.Unrecoverable(fmt.Errorf("create request: %w", err))
		}
		req.Header.Set("Content-Type", "application/json")

		resp, err := c.client.Do(req)
		if err != nil {
			return err
		}
		defer drain(resp, c.logger)

		if resp.StatusCode != http.StatusCreated && resp.StatusCode != http.StatusOK {
			return fmt.Errorf("broker registration returned HTTP %d", resp.StatusCode)
		}
		location = resp.Header.Get("Location")
		if location == "" {
			return retry.Unrecoverable(fmt.Errorf("broker registration returned no Location header"))
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("register with broker: %w", err)
	}

	c.mu.Lock()
	c.location = location
	c.mu.Unlock()
	c.logger.Info("Registered with change broker",
		"location", location,
		"tenants", len(set.Tenants))
	return nil
}

// PushSubscriptionSet replaces the broker's copy of the subscription set.
// If the broker has forgotten the registration (the set of brokers may be
// re-deployed under us), Register is called again transparently.
func (c *Client) PushSubscriptionSet(ctx context.Context, set *digest.SubscriptionSet) error {
	c.mu.Lock()
	location := c.location
	c.mu.Unlock()
	if location == "" {
		return c.Register(ctx, set)
	}

	body, err := json.Marshal(set)
	if err != nil {
		return fmt.Errorf("encode subscription set: %w", err)
	}

	gone := false
	err = c.do(ctx, func() error {
		req, err := http.NewRequestWithContext(ctx, http.MethodPut, location, bytes.NewReader(body))
		if err != nil {
			return retry.Unrecoverable(fmt.Errorf("create request: %w", err))
		}
		req.Header.Set("Content-Type", "application/json")

		resp, err := c.client.Do(req)
		if err != nil {
			return err
		}
		defer drain(resp, c.logger)

		switch {
		case resp.StatusCode == http.StatusOK || resp.StatusCode == http.StatusNoContent:
			return nil
		case resp.StatusCode == http.StatusNotFound || resp.StatusCode == http.StatusGone:
			gone = true
			return retry.Unrecoverable(fmt.Errorf("broker registration expired, HTTP %d", resp.StatusCode))
		default:
			return fmt.Errorf("broker update returned HTTP %d", resp.StatusCode)
		}
	})
	if gone {
		c.logger.Warn("Broker registration expired, re-registering", "location", location)
		c.mu.Lock()
		c.location = ""
		c.mu.Unlock()
		return c.Register(ctx, set)
	}
	if err != nil {
		return fmt.Errorf("push subscription set: %w", err)
	}

	c.logger.Debug("Pushed subscription set to broker", "tenants", len(set.Tenants))
	return nil
}

// Deregister removes this service's registration. Safe to call when never
// registered.
func (c *Client) Deregister(ctx context.Context) error {
	c.mu.Lock()
	location := c.location
	c.location = ""
	c.mu.Unlock()
	if location == "" {
		return nil
	}

	err := c.do(ctx, func() error {
		req, err := http.NewRequestWithContext(ctx, http.MethodDelete, location, http.NoBody)
		if err != nil {
			return retry.Unrecoverable(fmt.Errorf("create request: %w", err))
		}
		resp, err := c.client.Do(req)
		if err != nil {
			return err
		}
		defer drain(resp, c.logger)

		if resp.StatusCode >= 300 && resp.StatusCode != http.StatusNotFound {
			return fmt.Errorf("broker deregistration returned HTTP %d", resp.StatusCode)
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("deregister from broker: %w", err)
	}
	c.logger.Info("Deregistered from change broker", "location", location)
	return nil
}

// do runs one broker request with the standard retry policy.
func (c *Client) do(ctx context.Context, fn func() error) error {
	return retry.Do(fn,
		retry.Attempts(3),
		retry.Delay(time.Second),
		retry.MaxDelay(30*time.Second),
		retry.MaxJitter(5*time.Second),
		retry.Context(ctx),
		retry.OnRetry(func(n uint, err error) {
			c.logger.Info("Retrying broker request after error", "attempt", n, "error", err)
		}),
	)
}

func drain(resp *http.Response, logger *slog.Logger) {
	if _, err := io.Copy(io.Discard, resp.Body); err != nil {
		logger.Debug("Failed to drain response body", "error", err)
	}
	if err := resp.Body.Close(); err != nil {
		logger.Warn("Failed to close response body", "error", err)
	}
}
