package email

import (
	"context"
	"encoding/base64"
	"fmt"
	"log/slog"
	"mime"
	"strings"
	"time"

	"github.com/codeGROOVE-dev/retry"
	"github.com/google/uuid"
	"google.golang.org/api/gmail/v1"

	"wikinotify/pkg/digest"
)

// GmailProvider sends digests through the Gmail API using application
// default credentials.
type GmailProvider struct {
	service *gmail.Service
	logger  *slog.Logger
}

// NewGmailProvider creates a Gmail-backed provider.
func NewGmailProvider(ctx context.Context, logger *slog.Logger) (*GmailProvider, error) {
	service, err := gmail.NewService(ctx)
	if err != nil {
		return nil, fmt.Errorf("create gmail service: %w", err)
	}
	return &GmailProvider{service: service, logger: logger}, nil
}

// Name identifies this provider in logs.
func (*GmailProvider) Name() string { return "gmail" }

// Send delivers msg through the Gmail API, retrying transient failures.
func (g *GmailProvider) Send(ctx context.Context, msg *digest.OutboundMessage) error {
	raw, err := BuildMIME(msg)
	if err != nil {
		return fmt.Errorf("build message: %w", err)
	}

	encoded := base64.URLEncoding.EncodeToString([]byte(raw))
	return retry.Do(
		func() error {
			startTime := time.Now()
			_, err := g.service.Users.Messages.Send("me", &gmail.Message{Raw: encoded}).Context(ctx).Do()
			duration := time.Since(startTime)
			if err != nil {
				g.logger.Warn("Gmail send failed, will retry",
					"to", msg.To,
					"tenant", msg.TenantID,
					"duration_ms", duration.Milliseconds(),
					"error", err)
				return err
			}
			g.logger.Info("Digest email sent",
				"provider", "gmail",
				"to", msg.To,
				"tenant", msg.TenantID,
				"user", msg.UserID,
				"pages", len(msg.Pages),
				"duration_ms", duration.Milliseconds())
			return nil
		},
		retry.Attempts(3),
		retry.Delay(2*time.Second),
		retry.MaxDelay(time.Minute),
		retry.MaxJitter(5*time.Second),
		retry.Context(ctx),
		retry.OnRetry(func(n uint, err error) {
			g.logger.Info("Retrying gmail send after error", "attempt", n, "to", msg.To, "error", err)
		}),
	)
}

// BuildMIME assembles the RFC 5322 message for msg. A message with both
// bodies becomes multipart/alternative with the plaintext part first so
// capable clients prefer the HTML part.
func BuildMIME(msg *digest.OutboundMessage) (string, error) {
	if msg.To == "" {
		return "", fmt.Errorf("message has no recipient")
	}
	if msg.HTML == "" && msg.Text == "" {
		return "", fmt.Errorf("message has no body")
	}

	var b strings.Builder
	fmt.Fprintf(&b, "From: %s\r\n", sanitizeHeader(msg.From))
	fmt.Fprintf(&b, "To: %s\r\n", sanitizeHeader(msg.To))
	fmt.Fprintf(&b, "Subject: %s\r\n", mime.QEncoding.Encode("utf-8", sanitizeHeader(msg.Subject)))
	fmt.Fprintf(&b, "Message-ID: <%s@wikinotify>\r\n", uuid.NewString())
	fmt.Fprintf(&b, "Date: %s\r\n", time.Now().UTC().Format(time.RFC1123Z))
	b.WriteString("MIME-Version: 1.0\r\n")

	switch {
	case msg.HTML != "" && msg.Text != "":
		boundary := "d-" + uuid.NewString()
		fmt.Fprintf(&b, "Content-Type: multipart/alternative; boundary=%q\r\n\r\n", boundary)
		fmt.Fprintf(&b, "--%s\r\n", boundary)
		b.WriteString("Content-Type: text/plain; charset=\"utf-8\"\r\n\r\n")
		b.WriteString(msg.Text)
		fmt.Fprintf(&b, "\r\n--%s\r\n", boundary)
		b.WriteString("Content-Type: text/html; charset=\"utf-8\"\r\n\r\n")
		b.WriteString(msg.HTML)
		fmt.Fprintf(&b, "\r\n--%s--\r\n", boundary)
	case msg.HTML != "":
		b.WriteString("Content-Type: text/html; charset=\"utf-8\"\r\n\r\n")
		b.WriteString(msg.HTML)
	default:
		b.WriteString("Content-Type: text/plain; charset=\"utf-8\"\r\n\r\n")
		b.WriteString(msg.Text)
	}
	return b.String(), nil
}

// sanitizeHeader strips CR and LF so composed values cannot inject headers.
func sanitizeHeader(v string) string {
	v = strings.ReplaceAll(v, "\r", "")
	return strings.ReplaceAll(v, "\n", " ")
}
