package mail

import (
	"context"
	"errors"
	"net/smtp"
	"strings"
	"sync"
	"testing"

	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"
)

type captureSender struct {
	mu   sync.Mutex
	msgs []Message
	fail int
}

func (c *captureSender) Send(_ context.Context, msg Message) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.fail > 0 {
		c.fail--
		return errors.New("relay unavailable")
	}
	c.msgs = append(c.msgs, msg)
	return nil
}

func (c *captureSender) sent() []Message {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]Message(nil), c.msgs...)
}

func newTestRenderer(t *testing.T) *Renderer {
	t.Helper()
	r, err := NewRenderer("https://app.example.com/")
	if err != nil {
		t.Fatalf("NewRenderer: %v", err)
	}
	return r
}

func TestRendererLinks(t *testing.T) {
	r := newTestRenderer(t)

	msg, err := r.Verification("a@b.com", "tok 1&x")
	if err != nil {
		t.Fatalf("Verification: %v", err)
	}
	if msg.To != "a@b.com" || msg.Subject != "Confirm your email" {
		t.Fatalf("unexpected message header %+v", msg)
	}
	// html/template escapes & inside attributes.
	if !strings.Contains(msg.HTML, "https://app.example.com/email-verification?token=tok&#43;1%26x") &&
		!strings.Contains(msg.HTML, "https://app.example.com/email-verification?token=tok+1%26x") {
		t.Fatalf("verification link missing or unescaped: %s", msg.HTML)
	}

	msg, _ = r.PasswordReset("a@b.com", "abc")
	if !strings.Contains(msg.HTML, "https://app.example.com/complete-password-reset?token=abc") {
		t.Fatalf("reset link missing: %s", msg.HTML)
	}

	msg, _ = r.PasswordChanged("a@b.com")
	if !strings.Contains(msg.HTML, "https://app.example.com/login") {
		t.Fatalf("login link missing: %s", msg.HTML)
	}

	msg, _ = r.TwoFactorCode("a@b.com", "<b>123456</b>")
	if strings.Contains(msg.HTML, "<b>123456</b>") {
		t.Fatalf("code must be escaped: %s", msg.HTML)
	}
}

func TestNewRendererRequiresAbsoluteURL(t *testing.T) {
	if _, err := NewRenderer("/relative"); err == nil {
		t.Fatalf("expected error for relative url")
	}
}

func TestNotifierSendsInline(t *testing.T) {
	sender := &captureSender{}
	n, err := NewNotifier(newTestRenderer(t), sender)
	if err != nil {
		t.Fatalf("NewNotifier: %v", err)
	}
	ctx := context.Background()
	if err := n.SendTwoFactorCode(ctx, "a@b.com", "654321"); err != nil {
		t.Fatalf("SendTwoFactorCode: %v", err)
	}
	if err := n.SendPasswordChanged(ctx, "a@b.com"); err != nil {
		t.Fatalf("SendPasswordChanged: %v", err)
	}
	got := sender.sent()
	if len(got) != 2 || !strings.Contains(got[0].HTML, "654321") {
		t.Fatalf("unexpected messages %+v", got)
	}

	sender.fail = 1
	if err := n.SendVerification(ctx, "a@b.com", "t"); err == nil {
		t.Fatalf("expected inline failure to surface")
	}
}

type brokenOutbox struct{}

func (brokenOutbox) Enqueue(context.Context, Message) error { return errors.New("queue down") }

func TestNotifierFallsBackWhenOutboxFails(t *testing.T) {
	core, logs := observer.New(zap.WarnLevel)
	sender := &captureSender{}
	n, err := NewNotifier(newTestRenderer(t), sender, WithOutbox(brokenOutbox{}), WithNotifierLogger(zap.New(core)))
	if err != nil {
		t.Fatalf("NewNotifier: %v", err)
	}
	if err := n.SendPasswordReset(context.Background(), "a@b.com", "r1"); err != nil {
		t.Fatalf("SendPasswordReset: %v", err)
	}
	if len(sender.sent()) != 1 {
		t.Fatalf("expected inline delivery after outbox failure")
	}
	if logs.FilterMessageSnippet("outbox enqueue failed").Len() != 1 {
		t.Fatalf("expected warning about outbox failure")
	}
}

func TestSMTPSenderEncodesMessage(t *testing.T) {
	s, err := NewSMTPSender(SMTPConfig{Host: "smtp.example.com", Username: "u", Password: "p", From: "no-reply@example.com"})
	if err != nil {
		t.Fatalf("NewSMTPSender: %v", err)
	}
	var (
		gotAddr string
		gotTo   []string
		gotBody string
		gotAuth smtp.Auth
	)
	s.send = func(addr string, a smtp.Auth, from string, to []string, msg []byte) error {
		gotAddr, gotTo, gotBody, gotAuth = addr, to, string(msg), a
		return nil
	}
	if err := s.Send(context.Background(), Message{To: "a@b.com", Subject: "Hi", HTML: "<p>x</p>"}); err != nil {
		t.Fatalf("Send: %v", err)
	}
	if gotAddr != "smtp.example.com:587" || len(gotTo) != 1 || gotTo[0] != "a@b.com" || gotAuth == nil {
		t.Fatalf("unexpected envelope %s %v", gotAddr, gotTo)
	}
	for _, want := range []string{"From: no-reply@example.com\r\n", "To: a@b.com\r\n", "Content-Type: text/html", "\r\n\r\n<p>x</p>"} {
		if !strings.Contains(gotBody, want) {
			t.Fatalf("body missing %q:\n%s", want, gotBody)
		}
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := s.Send(ctx, Message{To: "a@b.com"}); !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context error, got %v", err)
	}
}

func TestLogSender(t *testing.T) {
	core, logs := observer.New(zap.InfoLevel)
	if err := NewLogSender(zap.New(core)).Send(context.Background(), Message{To: "a@b.com", Subject: "S"}); err != nil {
		t.Fatalf("Send: %v", err)
	}
	entries := logs.All()
	if len(entries) != 1 || entries[0].ContextMap()["to"] != "a@b.com" {
		t.Fatalf("unexpected log entries %+v", entries)
	}
}
