// Package email delivers account mail over SMTP.
package email

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/mail"
	"net/smtp"
	"strings"
	"time"

	"github.com/google/uuid"
)

const defaultTimeout = 30 * time.Second

var ErrInvalidAddress = errors.New("invalid email address")

type Config struct {
	Host     string
	Port     int
	Username string
	Password string
	From     string
	// Timeout bounds one whole delivery. Zero means 30s.
	Timeout time.Duration
}

// Mailer sends plain-text mail through a single SMTP relay.
type Mailer struct {
	cfg  Config
	from mail.Address
}

func NewMailer(cfg Config) (*Mailer, error) {
	if strings.TrimSpace(cfg.Host) == "" {
		return nil, fmt.Errorf("smtp host is required")
	}
	from, err := mail.ParseAddress(cfg.From)
	if err != nil {
		return nil, fmt.Errorf("%w: from %q", ErrInvalidAddress, cfg.From)
	}
	if cfg.Port == 0 {
		cfg.Port = 587
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = defaultTimeout
	}
	return &Mailer{cfg: cfg, from: *from}, nil
}

// SendResetCode mails a password reset code valid for ttl.
func (m *Mailer) SendResetCode(to, code string, ttl time.Duration) error {
	minutes := int(ttl.Round(time.Minute).Minutes())
	if minutes < 1 {
		minutes = 1
	}

	body := fmt.Sprintf(`Hello!

Someone asked to reset the password of your Stockyard account.
Enter this code in the app to choose a new password:

    %s

The code expires in %d minutes and works only once.

If you didn't ask for this, ignore this email. Your password stays the same.

- The Stockyard Team`, code, minutes)

	ctx, cancel := context.WithTimeout(context.Background(), m.cfg.Timeout)
	defer cancel()
	return m.Send(ctx, to, "Your Stockyard password reset code", body)
}

// Send delivers one message. ctx bounds the dial and every SMTP command.
func (m *Mailer) Send(ctx context.Context, to, subject, body string) error {
	rcpt, err := mail.ParseAddress(to)
	if err != nil {
		return fmt.Errorf("%w: %q", ErrInvalidAddress, to)
	}
	msg, err := m.buildMessage(rcpt, subject, body, time.Now())
	if err != nil {
		return err
	}

	addr := net.JoinHostPort(m.cfg.Host, fmt.Sprint(m.cfg.Port))
	var dialer net.Dialer
	conn, err := dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		return fmt.Errorf("connecting to SMTP server: %w", err)
	}
	if deadline, ok := ctx.Deadline(); ok {
		conn.SetDeadline(deadline)
	}

	client, err := smtp.NewClient(conn, m.cfg.Host)
	if err != nil {
		conn.Close()
		return fmt.Errorf("creating SMTP client: %w", err)
	}
	defer client.Close()

	if err := m.secure(client); err != nil {
		return err
	}
	if err := client.Mail(m.from.Address); err != nil {
		return fmt.Errorf("SMTP MAIL command: %w", err)
	}
	if err := client.Rcpt(rcpt.Address); err != nil {
		return fmt.Errorf("SMTP RCPT command: %w", err)
	}

	wc, err := client.Data()
	if err != nil {
		return fmt.Errorf("SMTP DATA command: %w", err)
	}
	if _, err := wc.Write(msg); err != nil {
		wc.Close()
		return fmt.Errorf("writing email body: %w", err)
	}
	if err := wc.Close(); err != nil {
		return fmt.Errorf("closing email body: %w", err)
	}

	if err := client.Quit(); err != nil {
		slog.Warn("smtp QUIT command failed", "component", "email", "error", err)
	}
	slog.Debug("mail delivered", "component", "email", "subject", subject)
	return nil
}

// secure upgrades to TLS when offered and authenticates. Credentials are only
// sent over TLS, except on the local relay ports 25 and 1025.
func (m *Mailer) secure(client *smtp.Client) error {
	if ok, _ := client.Extension("STARTTLS"); ok {
		if err := client.StartTLS(&tls.Config{ServerName: m.cfg.Host}); err != nil {
			return fmt.Errorf("STARTTLS: %w", err)
		}
	} else if m.cfg.Port != 25 && m.cfg.Port != 1025 {
		return fmt.Errorf("STARTTLS not available on port %d", m.cfg.Port)
	}

	if m.cfg.Username == "" || m.cfg.Password == "" {
		return nil
	}
	auth := smtp.PlainAuth("", m.cfg.Username, m.cfg.Password, m.cfg.Host)
	if err := client.Auth(auth); err != nil {
		return fmt.Errorf("SMTP authentication: %w", err)
	}
	return nil
}

func (m *Mailer) buildMessage(to *mail.Address, subject, body string, now time.Time) ([]byte, error) {
	if strings.ContainsAny(subject, "\r\n") {
		return nil, fmt.Errorf("subject must be a single line")
	}

	domain := m.from.Address[strings.LastIndexByte(m.from.Address, '@')+1:]
	headers := []string{
		"From: " + m.from.String(),
		"To: " + to.String(),
		"Subject: " + subject,
		"Date: " + now.Format(time.RFC1123Z),
		fmt.Sprintf("Message-ID: <%s@%s>", uuid.NewString(), domain),
		"MIME-Version: 1.0",
		`Content-Type: text/plain; charset="utf-8"`,
	}

	var b strings.Builder
	for _, h := range headers {
		b.WriteString(h)
		b.WriteString("\r\n")
	}
	b.WriteString("\r\n")
	b.WriteString(strings.ReplaceAll(strings.ReplaceAll(body, "\r\n", "\n"), "\n", "\r\n"))
	return []byte(b.String()), nil
}
