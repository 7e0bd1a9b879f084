// Package email delivers composed digest messages. Transports are pluggable
// behind the Provider interface; production uses Gmail, tests and dry runs
// use the mock.
package email

import (
	"context"
	"fmt"
	"log/slog"

	"wikinotify/pkg/digest"
)

// Provider sends a single composed digest email.
type Provider interface {
	// Send delivers the message. Implementations retry transient
	// transport failures internally.
	Send(ctx context.Context, msg *digest.OutboundMessage) error
	// Name identifies the provider in logs.
	Name() string
}

// NewProvider creates the named provider. Supported names are "gmail" and
// "mock".
func NewProvider(ctx context.Context, name string, logger *slog.Logger) (Provider, error) {
	switch name {
	case "gmail":
		return NewGmailProvider(ctx, logger)
	case "mock":
		return NewMockProvider(logger), nil
	default:
		return nil, fmt.Errorf("unknown email provider %q", name)
	}
}
