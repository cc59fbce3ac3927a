package notify

import (
	"context"
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/danielsht11/riley/internal/customer"
	"github.com/danielsht11/riley/internal/events"
	"github.com/danielsht11/riley/internal/logutil"
)

// Handler reacts to one event type.
type Handler interface {
	EventType() events.Type
	Handle(ctx context.Context, env events.Envelope) error
}

// EmailDirectory reports whether an address belongs to a business or owner
// in the directory.
type EmailDirectory interface {
	KnownBusinessEmail(ctx context.Context, email string) (bool, error)
}

// HandlerOptions are shared by the notification handlers.
type HandlerOptions struct {
	Deliverer        Deliverer
	BusinessWhatsApp string
	// BusinessEmail is the configured business inbox. Follow-up requests may
	// only name this address or one known to Directory.
	BusinessEmail string
	Directory     EmailDirectory
	Logger        *log.Logger
}

// Handlers returns the notification handlers for every notifying event type.
func Handlers(opts HandlerOptions) []Handler {
	if opts.Logger == nil {
		opts.Logger = log.Default()
	}
	return []Handler{
		&CustomerDataHandler{opts: opts},
		&InvalidCustomerDataHandler{opts: opts},
		&MeetingScheduledHandler{opts: opts},
		&HighPriorityHandler{opts: opts},
		&EmailRequestHandler{opts: opts},
	}
}

// CustomerDataHandler re-validates new customer records and notifies the business.
type CustomerDataHandler struct {
	opts HandlerOptions
}

func (h *CustomerDataHandler) EventType() events.Type { return events.TypeCustomerData }

func (h *CustomerDataHandler) Handle(ctx context.Context, env events.Envelope) error {
	rec, err := customer.Validate(env.Data)
	if err != nil {
		logutil.Warn("customer_data_revalidation_failed", map[string]interface{}{
			"event_id": env.EventID,
			"error":    err.Error(),
		})
		return nil
	}

	urgency := env.String("urgency")
	if urgency == "" {
		urgency = "medium"
	}
	h.opts.Deliverer.Deliver(ctx, Message{
		Channel:  ChannelEmail,
		Template: string(events.TypeCustomerData),
		Subject:  "New Customer Contact: " + rec.FullName,
		EventID:  env.EventID,
		Data: map[string]interface{}{
			"timestamp":                formatTimestamp(env.Timestamp),
			"stream_id":                env.StreamID,
			"full_name":                rec.FullName,
			"phone_number":             rec.PhoneNumber,
			"address":                  rec.Address,
			"email":                    rec.Email,
			"reason_calling":           rec.ReasonCalling,
			"preferred_contact_method": string(rec.PreferredContactMethod),
			"additional_notes":         rec.AdditionalNotes,
			"urgency":                  urgency,
			"urgent":                   isUrgent(urgency),
		},
	})

	if !strings.EqualFold(string(rec.PreferredContactMethod), string(customer.ContactWhatsapp)) || h.opts.BusinessWhatsApp == "" {
		return nil
	}
	h.opts.Deliverer.Deliver(ctx, Message{
		Channel:  ChannelWhatsApp,
		Template: string(events.TypeCustomerData),
		To:       h.opts.BusinessWhatsApp,
		EventID:  env.EventID,
		Data: map[string]interface{}{
			"timestamp":                env.Timestamp.Format("2006-01-02 15:04"),
			"full_name":                rec.FullName,
			"phone_number":             rec.PhoneNumber,
			"address":                  rec.Address,
			"reason_calling":           rec.ReasonCalling,
			"preferred_contact_method": string(rec.PreferredContactMethod),
		},
	})
	return nil
}

// InvalidCustomerDataHandler asks the business to review records that failed validation.
type InvalidCustomerDataHandler struct {
	opts HandlerOptions
}

func (h *InvalidCustomerDataHandler) EventType() events.Type { return events.TypeCustomerDataInvalid }

func (h *InvalidCustomerDataHandler) Handle(ctx context.Context, env events.Envelope) error {
	data := withEnvelope(env)
	if env.String("validation_error") == "" {
		data["validation_error"] = "Unknown validation error"
	}
	h.opts.Deliverer.Deliver(ctx, Message{
		Channel:  ChannelEmail,
		Template: string(events.TypeCustomerDataInvalid),
		Subject:  "VALIDATION FAILED - Customer Data Needs Review",
		EventID:  env.EventID,
		Data:     data,
	})
	return nil
}

// MeetingScheduledHandler notifies the business of a requested meeting.
type MeetingScheduledHandler struct {
	opts HandlerOptions
}

func (h *MeetingScheduledHandler) EventType() events.Type { return events.TypeMeetingScheduled }

func (h *MeetingScheduledHandler) Handle(ctx context.Context, env events.Envelope) error {
	client := env.String("client_name")
	if client == "" {
		client = "Unknown Client"
	}
	h.opts.Deliverer.Deliver(ctx, Message{
		Channel:  ChannelEmail,
		Template: string(events.TypeMeetingScheduled),
		Subject:  "Meeting Scheduled: " + client,
		EventID:  env.EventID,
		Data:     withEnvelope(env),
	})
	return nil
}

// HighPriorityHandler alerts the business by email and WhatsApp.
type HighPriorityHandler struct {
	opts HandlerOptions
}

func (h *HighPriorityHandler) EventType() events.Type { return events.TypeHighPriority }

func (h *HighPriorityHandler) Handle(ctx context.Context, env events.Envelope) error {
	h.opts.Logger.Printf("notify: high priority event %s (%s)", env.EventID, env.EventType)
	name := env.String("full_name")
	if name == "" {
		name = "Unknown Customer"
	}
	h.opts.Deliverer.Deliver(ctx, Message{
		Channel:  ChannelEmail,
		Template: string(events.TypeHighPriority),
		Subject:  "🚨 HIGH PRIORITY: " + name,
		EventID:  env.EventID,
		Data:     withEnvelope(env),
	})

	if h.opts.BusinessWhatsApp == "" {
		return nil
	}
	h.opts.Deliverer.Deliver(ctx, Message{
		Channel:  ChannelWhatsApp,
		Template: string(events.TypeHighPriority),
		To:       h.opts.BusinessWhatsApp,
		EventID:  env.EventID,
		Data: map[string]interface{}{
			"full_name":      stringOr(env, "full_name", "Unknown"),
			"phone_number":   stringOr(env, "phone_number", "No phone"),
			"reason_calling": stringOr(env, "reason_calling", "Not specified"),
			"urgency":        stringOr(env, "urgency", "HIGH"),
		},
	})
	return nil
}

// EmailRequestHandler sends the caller's details to the business at the end of a call.
type EmailRequestHandler struct {
	opts HandlerOptions
}

func (h *EmailRequestHandler) EventType() events.Type { return events.TypeEmailRequest }

func (h *EmailRequestHandler) Handle(ctx context.Context, env events.Envelope) error {
	client, _ := env.Data["client_data"].(map[string]interface{})
	if client == nil {
		return fmt.Errorf("email_request %s: client_data missing or not an object", env.EventID)
	}
	name, _ := client["full_name"].(string)
	if name == "" {
		name, _ = client["client_name"].(string)
	}
	if name == "" {
		name = "Unknown Client"
	}
	priority := stringOr(env, "priority", "medium")

	data := withEnvelope(env)
	data["priority"] = priority
	h.opts.Deliverer.Deliver(ctx, Message{
		Channel:  ChannelEmail,
		Template: string(events.TypeEmailRequest),
		To:       h.recipient(ctx, env),
		Subject:  fmt.Sprintf("Follow-up Request (%s): %s", strings.ToUpper(priority), name),
		EventID:  env.EventID,
		Data:     data,
	})
	return nil
}

// recipient returns the requested address when it belongs to the business.
// Anything else falls back to the configured inbox (empty To).
func (h *EmailRequestHandler) recipient(ctx context.Context, env events.Envelope) string {
	requested := strings.TrimSpace(env.String("business_email"))
	if requested == "" {
		return ""
	}
	if strings.EqualFold(requested, h.opts.BusinessEmail) {
		return h.opts.BusinessEmail
	}
	if h.opts.Directory != nil {
		known, err := h.opts.Directory.KnownBusinessEmail(ctx, requested)
		if err != nil {
			logutil.Error("email_request_directory_lookup_failed", err, map[string]interface{}{"event_id": env.EventID})
		} else if known {
			return requested
		}
	}
	logutil.Warn("email_request_recipient_rejected", map[string]interface{}{
		"event_id":  env.EventID,
		"requested": requested,
	})
	return ""
}

func withEnvelope(env events.Envelope) map[string]interface{} {
	out := make(map[string]interface{}, len(env.Data)+2)
	for k, v := range env.Data {
		out[k] = v
	}
	out["timestamp"] = formatTimestamp(env.Timestamp)
	out["stream_id"] = env.StreamID
	return out
}

func stringOr(env events.Envelope, key, def string) string {
	if v := env.String(key); v != "" {
		return v
	}
	return def
}

func formatTimestamp(ts time.Time) string {
	if ts.IsZero() {
		return ""
	}
	return ts.UTC().Format(time.RFC3339)
}

func isUrgent(urgency string) bool {
	switch strings.ToLower(urgency) {
	case "high", "urgent":
		return true
	}
	return false
}
