package notify

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net"
	"strings"
	"time"

	mail "github.com/wneessen/go-mail"
)

// ErrNotConfigured is returned by senders that are missing credentials.
var ErrNotConfigured = errors.New("delivery channel not configured")

const implicitTLSPort = 465

// SMTPConfig holds the outgoing mail server settings.
type SMTPConfig struct {
	Host     string
	Port     int
	Username string
	Password string
	From     string
	// Timeout bounds one delivery when the caller's context has no deadline.
	Timeout time.Duration
}

// SMTPMailer sends HTML email over SMTP with STARTTLS (or implicit TLS on
// port 465) and PLAIN auth.
type SMTPMailer struct {
	cfg SMTPConfig
	now func() time.Time
}

// NewSMTPMailer builds a mailer. From defaults to the username.
func NewSMTPMailer(cfg SMTPConfig) *SMTPMailer {
	if cfg.Port == 0 {
		cfg.Port = 587
	}
	if cfg.From == "" {
		cfg.From = cfg.Username
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	return &SMTPMailer{cfg: cfg, now: time.Now}
}

// Configured reports whether the mailer has a server and credentials.
func (m *SMTPMailer) Configured() bool {
	return m != nil && m.cfg.Host != "" && m.cfg.Username != "" && m.cfg.Password != ""
}

// Send delivers one HTML message. Every network operation, including the
// server greeting, is bounded by ctx.
func (m *SMTPMailer) Send(ctx context.Context, to, subject, html string) error {
	if !m.Configured() {
		return ErrNotConfigured
	}
	if strings.TrimSpace(to) == "" {
		return errors.New("smtp: recipient required")
	}
	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, m.cfg.Timeout)
		defer cancel()
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	msg, err := m.compose(to, subject, html)
	if err != nil {
		return err
	}
	// On port 465 dial already wraps the connection in TLS and the server
	// advertises no STARTTLS.
	policy := mail.TLSMandatory
	if m.cfg.Port == implicitTLSPort {
		policy = mail.TLSOpportunistic
	}
	client, err := mail.NewClient(m.cfg.Host,
		mail.WithPort(m.cfg.Port),
		mail.WithSMTPAuth(mail.SMTPAuthPlain),
		mail.WithUsername(m.cfg.Username),
		mail.WithPassword(m.cfg.Password),
		mail.WithTLSPolicy(policy),
		mail.WithTimeout(m.cfg.Timeout),
		mail.WithDialContextFunc(m.dial),
	)
	if err != nil {
		return fmt.Errorf("smtp client: %w", err)
	}
	if err := client.DialAndSendWithContext(ctx, msg); err != nil {
		return fmt.Errorf("smtp send: %w", err)
	}
	return nil
}

// dial opens the connection and pins its deadline to the context so a silent
// server cannot hold the caller.
func (m *SMTPMailer) dial(ctx context.Context, network, addr string) (net.Conn, error) {
	dialer := &net.Dialer{}
	var (
		conn net.Conn
		err  error
	)
	if m.cfg.Port == implicitTLSPort {
		tlsDialer := &tls.Dialer{NetDialer: dialer, Config: &tls.Config{ServerName: m.cfg.Host, MinVersion: tls.VersionTLS12}}
		conn, err = tlsDialer.DialContext(ctx, network, addr)
	} else {
		conn, err = dialer.DialContext(ctx, network, addr)
	}
	if err != nil {
		return nil, err
	}
	if deadline, ok := ctx.Deadline(); ok {
		if err := conn.SetDeadline(deadline); err != nil {
			_ = conn.Close()
			return nil, err
		}
	}
	return conn, nil
}

func (m *SMTPMailer) compose(to, subject, html string) (*mail.Msg, error) {
	msg := mail.NewMsg()
	if err := msg.From(m.cfg.From); err != nil {
		return nil, fmt.Errorf("smtp from: %w", err)
	}
	if err := msg.To(to); err != nil {
		return nil, fmt.Errorf("smtp to: %w", err)
	}
	msg.Subject(subject)
	msg.SetDateWithValue(m.now())
	msg.SetBodyString(mail.TypeTextHTML, html)
	return msg, nil
}
