package email

import (
	"errors"
	"net/mail"
	"strings"
	"testing"
	"time"
)

var mailAddr = mail.Address{Address: "ana@example.com"}

func newTestMailer(t *testing.T, cfg Config) *Mailer {
	t.Helper()
	m, err := NewMailer(cfg)
	if err != nil {
		t.Fatalf("NewMailer() error = %v", err)
	}
	return m
}

func TestNewMailerValidatesConfig(t *testing.T) {
	tests := []struct {
		name string
		cfg  Config
	}{
		{name: "missing_host", cfg: Config{From: "noreply@example.com"}},
		{name: "bad_from", cfg: Config{Host: "smtp.example.com", From: "not an address"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := NewMailer(tt.cfg); err == nil {
				t.Fatal("NewMailer() error = nil, want error")
			}
		})
	}

	m := newTestMailer(t, Config{Host: "smtp.example.com", From: "noreply@example.com"})
	if m.cfg.Port != 587 || m.cfg.Timeout != defaultTimeout {
		t.Fatalf("defaults = port %d timeout %v", m.cfg.Port, m.cfg.Timeout)
	}
}

func TestBuildMessageHeaders(t *testing.T) {
	m := newTestMailer(t, Config{Host: "smtp.example.com", From: "Stockyard <noreply@example.com>"})
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	msg, err := m.buildMessage(&mailAddr, "Hi", "line one\nline two", now)
	if err != nil {
		t.Fatalf("buildMessage() error = %v", err)
	}

	head, body, ok := strings.Cut(string(msg), "\r\n\r\n")
	if !ok {
		t.Fatalf("message has no header/body separator: %q", msg)
	}
	for _, want := range []string{
		`From: "Stockyard" <noreply@example.com>`,
		"To: <ana@example.com>",
		"Subject: Hi",
		"Date: Sun, 01 Mar 2026 12:00:00 +0000",
		"Message-ID: <",
		`Content-Type: text/plain; charset="utf-8"`,
	} {
		if !strings.Contains(head, want) {
			t.Fatalf("headers %q missing %q", head, want)
		}
	}
	if body != "line one\r\nline two" {
		t.Fatalf("body = %q, want CRLF line endings", body)
	}
}

func TestBuildMessageRejectsHeaderInjection(t *testing.T) {
	m := newTestMailer(t, Config{Host: "smtp.example.com", From: "noreply@example.com"})

	if _, err := m.buildMessage(&mailAddr, "Hi\r\nBcc: x@example.com", "body", time.Now()); err == nil {
		t.Fatal("buildMessage() error = nil, want error for multi-line subject")
	}
}

func TestSendRejectsBadRecipient(t *testing.T) {
	m := newTestMailer(t, Config{Host: "127.0.0.1", Port: 1, From: "noreply@example.com"})

	err := m.SendResetCode("ana@example.com\r\nBcc: x@example.com", "123456", 10*time.Minute)
	if !errors.Is(err, ErrInvalidAddress) {
		t.Fatalf("SendResetCode() error = %v, want ErrInvalidAddress", err)
	}
}

func TestSendFailsWithoutServer(t *testing.T) {
	m := newTestMailer(t, Config{Host: "127.0.0.1", Port: 1, From: "noreply@example.com", Timeout: 2 * time.Second})

	err := m.SendResetCode("ana@example.com", "123456", 10*time.Minute)
	if err == nil {
		t.Fatal("SendResetCode() error = nil, want connection error")
	}
	if !strings.Contains(err.Error(), "connecting to SMTP server") {
		t.Fatalf("SendResetCode() error = %v", err)
	}
}
