package email

import (
	"context"
	"fmt"
	"log/slog"

	"golang.org/x/time/rate"

	"wikinotify/pkg/digest"
)

// Sender wraps a Provider with an outbound rate limit so a burst of expiring
// digest windows cannot trip the transport's abuse controls.
type Sender struct {
	provider Provider
	limiter  *rate.Limiter
	logger   *slog.Logger
}

// NewSender creates a Sender allowing ratePerMinute messages per minute.
// Zero or negative disables the limit.
func NewSender(provider Provider, ratePerMinute int, logger *slog.Logger) *Sender {
	limiter := rate.NewLimiter(rate.Inf, 1)
	if ratePerMinute > 0 {
		limiter = rate.NewLimiter(rate.Limit(float64(ratePerMinute)/60.0), ratePerMinute)
	}
	return &Sender{provider: provider, limiter: limiter, logger: logger}
}

// Deliver waits for rate-limit headroom, then sends the message. Transport
// errors are wrapped in digest.ErrTransportFailure.
func (s *Sender) Deliver(ctx context.Context, msg *digest.OutboundMessage) error {
	if err := s.limiter.Wait(ctx); err != nil {
		return fmt.Errorf("%w: rate limiter: %w", digest.ErrTransportFailure, err)
	}
	if err := s.provider.Send(ctx, msg); err != nil {
		return fmt.Errorf("%w: %s: %w", digest.ErrTransportFailure, s.provider.Name(), err)
	}
	return nil
}
