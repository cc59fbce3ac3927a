// Package notify delivers event notifications by email and WhatsApp and
// provides the router handlers that build them.
package notify

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/danielsht11/riley/internal/logutil"
	"github.com/danielsht11/riley/internal/metrics"
	"github.com/danielsht11/riley/internal/store"
)

const (
	ChannelEmail    = "email"
	ChannelWhatsApp = "whatsapp"

	whatsappPrefix = "whatsapp:"
)

// Message is one notification to deliver. An empty To uses the channel default.
type Message struct {
	Channel  string
	Template string
	To       string
	Subject  string
	EventID  string
	Data     map[string]interface{}
}

// Deliverer sends notifications. It never returns errors; failures are logged
// and reported as false.
type Deliverer interface {
	Deliver(ctx context.Context, msg Message) bool
}

// Mailer sends an HTML email.
type Mailer interface {
	Configured() bool
	Send(ctx context.Context, to, subject, html string) error
}

// MessageSender sends a text message through the telephony provider.
type MessageSender interface {
	Configured() bool
	SendMessage(ctx context.Context, from, to, body string) (string, error)
}

// AuditLog records delivery attempts.
type AuditLog interface {
	RecordDelivery(ctx context.Context, d *store.Delivery) error
}

// Options configure a Service. Every collaborator is optional.
type Options struct {
	Templates    *Templates
	Mailer       Mailer
	DefaultEmail string
	WhatsApp     MessageSender
	WhatsAppFrom string
	Audit        AuditLog
	Logger       *log.Logger
	Timeout      time.Duration
}

// Service is the Deliverer backed by SMTP and Twilio messaging.
type Service struct {
	templates    *Templates
	mailer       Mailer
	defaultEmail string
	whatsapp     MessageSender
	whatsappFrom string
	audit        AuditLog
	logger       *log.Logger
	timeout      time.Duration
}

// NewService builds the delivery service, loading the embedded templates when
// none are supplied.
func NewService(opts Options) (*Service, error) {
	if opts.Templates == nil {
		t, err := LoadTemplates()
		if err != nil {
			return nil, err
		}
		opts.Templates = t
	}
	if opts.Logger == nil {
		opts.Logger = log.Default()
	}
	if opts.Timeout <= 0 {
		opts.Timeout = 30 * time.Second
	}
	return &Service{
		templates:    opts.Templates,
		mailer:       opts.Mailer,
		defaultEmail: opts.DefaultEmail,
		whatsapp:     opts.WhatsApp,
		whatsappFrom: opts.WhatsAppFrom,
		audit:        opts.Audit,
		logger:       opts.Logger,
		timeout:      opts.Timeout,
	}, nil
}

// EmailConfigured reports whether email can be sent.
func (s *Service) EmailConfigured() bool {
	return s.mailer != nil && s.mailer.Configured() && s.defaultEmail != ""
}

// WhatsAppConfigured reports whether WhatsApp messages can be sent.
func (s *Service) WhatsAppConfigured() bool {
	return s.whatsapp != nil && s.whatsapp.Configured() && s.whatsappFrom != ""
}

// Deliver renders and sends msg, then records the attempt.
func (s *Service) Deliver(ctx context.Context, msg Message) bool {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	var (
		to  string
		err error
	)
	switch msg.Channel {
	case ChannelEmail:
		to, err = s.sendEmail(ctx, msg)
	case ChannelWhatsApp:
		to, err = s.sendWhatsApp(ctx, msg)
	default:
		err = fmt.Errorf("unknown channel %q", msg.Channel)
	}

	ok := err == nil
	metrics.ObserveDelivery(msg.Channel, ok)
	fields := map[string]interface{}{
		"channel":  msg.Channel,
		"template": msg.Template,
		"to":       to,
		"event_id": msg.EventID,
	}
	if ok {
		logutil.Info("notification_sent", fields)
	} else if errors.Is(err, ErrNotConfigured) {
		logutil.Warn("notification_skipped", fields)
	} else {
		logutil.Error("notification_failed", err, fields)
	}
	s.record(ctx, msg, to, err)
	return ok
}

func (s *Service) sendEmail(ctx context.Context, msg Message) (string, error) {
	to := msg.To
	if to == "" {
		to = s.defaultEmail
	}
	if !s.EmailConfigured() {
		return to, ErrNotConfigured
	}
	body, err := s.templates.Email(msg.Template, msg.Data)
	if err != nil {
		return to, err
	}
	return to, s.mailer.Send(ctx, to, msg.Subject, body)
}

func (s *Service) sendWhatsApp(ctx context.Context, msg Message) (string, error) {
	to := msg.To
	if to == "" {
		return to, errors.New("whatsapp recipient required")
	}
	if !strings.HasPrefix(to, whatsappPrefix) {
		to = whatsappPrefix + to
	}
	if !s.WhatsAppConfigured() {
		return to, ErrNotConfigured
	}
	body, err := s.templates.WhatsApp(msg.Template, msg.Data)
	if err != nil {
		return to, err
	}
	from := s.whatsappFrom
	if !strings.HasPrefix(from, whatsappPrefix) {
		from = whatsappPrefix + from
	}
	sid, err := s.whatsapp.SendMessage(ctx, from, to, body)
	if err != nil {
		return to, err
	}
	s.logger.Printf("notify: whatsapp sent to %s: %s", to, sid)
	return to, nil
}

func (s *Service) record(ctx context.Context, msg Message, to string, sendErr error) {
	if s.audit == nil {
		return
	}
	d := &store.Delivery{
		Channel:   msg.Channel,
		Template:  msg.Template,
		Recipient: to,
		Subject:   msg.Subject,
		EventID:   msg.EventID,
		Success:   sendErr == nil,
	}
	if sendErr != nil {
		d.Error = sendErr.Error()
	}
	rctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()
	if err := s.audit.RecordDelivery(rctx, d); err != nil {
		s.logger.Printf("notify: failed to record delivery: %v", err)
	}
}
