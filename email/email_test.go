package email

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"strings"
	"testing"

	"wikinotify/pkg/digest"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func testMessage() *digest.OutboundMessage {
	return &digest.OutboundMessage{
		TenantID: "w1",
		UserID:   7,
		To:       "\"Pat Reader\" <u7@example.com>",
		From:     "wiki@acme.example",
		Subject:  "[Acme Wiki] Page Modified",
		HTML:     "<html><body><p>changed</p></body></html>",
		Text:     "changed\n",
		Pages:    []digest.PageID{100},
	}
}

func TestBuildMIMEMultipart(t *testing.T) {
	raw, err := BuildMIME(testMessage())
	if err != nil {
		t.Fatalf("BuildMIME() error = %v", err)
	}
	for _, want := range []string{
		"From: wiki@acme.example\r\n",
		"To: \"Pat Reader\" <u7@example.com>\r\n",
		"MIME-Version: 1.0\r\n",
		"Content-Type: multipart/alternative",
		"Content-Type: text/plain; charset=\"utf-8\"",
		"Content-Type: text/html; charset=\"utf-8\"",
		"<p>changed</p>",
		"Message-ID: <",
	} {
		if !strings.Contains(raw, want) {
			t.Errorf("message missing %q:\n%s", want, raw)
		}
	}
	// plaintext part precedes the html part
	if strings.Index(raw, "text/plain") > strings.Index(raw, "text/html") {
		t.Errorf("plaintext part must come first:\n%s", raw)
	}
}

func TestBuildMIMESinglePart(t *testing.T) {
	tests := []struct {
		name     string
		mutate   func(*digest.OutboundMessage)
		wantType string
		reject   string
	}{
		{
			"html only",
			func(m *digest.OutboundMessage) { m.Text = "" },
			"Content-Type: text/html",
			"multipart",
		},
		{
			"plaintext only",
			func(m *digest.OutboundMessage) { m.HTML = "" },
			"Content-Type: text/plain",
			"multipart",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			msg := testMessage()
			tt.mutate(msg)
			raw, err := BuildMIME(msg)
			if err != nil {
				t.Fatalf("BuildMIME() error = %v", err)
			}
			if !strings.Contains(raw, tt.wantType) {
				t.Errorf("message missing %q:\n%s", tt.wantType, raw)
			}
			if strings.Contains(raw, tt.reject) {
				t.Errorf("single-part message must not be %q:\n%s", tt.reject, raw)
			}
		})
	}
}

func TestBuildMIMERejectsEmpty(t *testing.T) {
	msg := testMessage()
	msg.HTML = ""
	msg.Text = ""
	if _, err := BuildMIME(msg); err == nil {
		t.Errorf("BuildMIME() accepted a bodyless message")
	}

	msg = testMessage()
	msg.To = ""
	if _, err := BuildMIME(msg); err == nil {
		t.Errorf("BuildMIME() accepted a message with no recipient")
	}
}

func TestBuildMIMESanitizesHeaders(t *testing.T) {
	msg := testMessage()
	msg.Subject = "innocent\r\nBcc: victim@example.com"
	raw, err := BuildMIME(msg)
	if err != nil {
		t.Fatalf("BuildMIME() error = %v", err)
	}
	if strings.Contains(raw, "\r\nBcc:") {
		t.Errorf("header injection survived:\n%s", raw)
	}
}

func TestMockProviderRecords(t *testing.T) {
	m := NewMockProvider(testLogger())
	if err := m.Send(context.Background(), testMessage()); err != nil {
		t.Fatalf("Send() error = %v", err)
	}
	sent := m.Sent()
	if len(sent) != 1 || sent[0].UserID != 7 {
		t.Errorf("Sent() = %v, want the one recorded message", sent)
	}
	m.Reset()
	if len(m.Sent()) != 0 {
		t.Errorf("Reset() did not clear messages")
	}
}

func TestSenderWrapsTransportFailure(t *testing.T) {
	m := NewMockProvider(testLogger())
	m.FailWith = errors.New("quota exceeded")
	s := NewSender(m, 0, testLogger())

	err := s.Deliver(context.Background(), testMessage())
	if !errors.Is(err, digest.ErrTransportFailure) {
		t.Errorf("Deliver() error = %v, want ErrTransportFailure", err)
	}
}

func TestSenderDelivers(t *testing.T) {
	m := NewMockProvider(testLogger())
	s := NewSender(m, 600, testLogger())
	if err := s.Deliver(context.Background(), testMessage()); err != nil {
		t.Fatalf("Deliver() error = %v", err)
	}
	if len(m.Sent()) != 1 {
		t.Errorf("sent = %d, want 1", len(m.Sent()))
	}
}
