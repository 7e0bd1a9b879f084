package email

import (
	"context"
	"log/slog"
	"sync"

	"wikinotify/pkg/digest"
)

// MockProvider records messages instead of sending them. Used by tests and
// for dry runs against production data.
type MockProvider struct {
	logger *slog.Logger

	mu   sync.Mutex
	sent []*digest.OutboundMessage

	// FailWith, when set, is returned from every Send call.
	FailWith error
}

// NewMockProvider creates a recording provider.
func NewMockProvider(logger *slog.Logger) *MockProvider {
	return &MockProvider{logger: logger}
}

// Name identifies this provider in logs.
func (*MockProvider) Name() string { return "mock" }

// Send records msg.
func (m *MockProvider) Send(_ context.Context, msg *digest.OutboundMessage) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.FailWith != nil {
		return m.FailWith
	}
	m.sent = append(m.sent, msg)
	m.logger.Info("Mock email recorded",
		"to", msg.To,
		"subject", msg.Subject,
		"tenant", msg.TenantID,
		"pages", len(msg.Pages))
	return nil
}

// Sent returns a copy of all recorded messages.
func (m *MockProvider) Sent() []*digest.OutboundMessage {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*digest.OutboundMessage, len(m.sent))
	copy(out, m.sent)
	return out
}

// Reset discards recorded messages.
func (m *MockProvider) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sent = nil
}
