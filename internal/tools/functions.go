package tools

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sort"
	"time"

	"github.com/danielsht11/riley/internal/customer"
	"github.com/danielsht11/riley/internal/events"
)

const (
	GatherClientInformation = "gather_client_information"
	SetUpMeeting            = "set_up_meeting"
	SendBusinessEmail       = "send_business_email"
)

// SnapshotWriter stores the latest validated customer snapshot for a stream.
type SnapshotWriter interface {
	Save(ctx context.Context, streamID, callID string, snapshot map[string]interface{}) error
}

// Defaults returns the three call-handling functions in their advertised order.
func Defaults(snapshots SnapshotWriter, logger *log.Logger) []Function {
	return []Function{
		&GatherClientInfo{Snapshots: snapshots, Logger: logger},
		MeetingScheduler{},
		BusinessEmail{},
	}
}

// GatherClientInfo validates caller details and emits customer_data or
// customer_data_invalid.
type GatherClientInfo struct {
	Snapshots SnapshotWriter
	Logger    *log.Logger
	Now       func() time.Time
}

func (g *GatherClientInfo) Definition() Definition {
	return Definition{
		Type:        "function",
		Name:        GatherClientInformation,
		Description: "Collect and store client information including name, phone, address, reason for calling",
		Parameters: objectSchema(map[string]interface{}{
			"full_name":                stringProp("Client's full name"),
			"phone_number":             stringProp("Client's phone number"),
			"address":                  stringProp("Client's address"),
			"email":                    stringProp("Client's email address"),
			"reason_calling":           stringProp("Detailed description of why the client is calling"),
			"preferred_contact_method": enumProp("Client's preferred method of contact", "Whatsapp", "Email", "Phone"),
			"additional_notes":         stringProp("Additional notes about the client or their request"),
			"urgency":                  enumProp("How urgently the client needs a response", "low", "medium", "high", "urgent"),
		}, "full_name", "reason_calling", "preferred_contact_method"),
	}
}

func (g *GatherClientInfo) Invoke(ctx context.Context, args map[string]interface{}, sc SessionContext) Result {
	now := time.Now
	if g.Now != nil {
		now = g.Now
	}
	collected := keys(args)

	_, err := customer.ValidateAt(args, now())
	if err != nil {
		msg := err.Error()
		var verr *customer.ValidationError
		if !errors.As(err, &verr) {
			msg = fmt.Sprintf("processing failed: %v", err)
		}
		data := copyArgs(args)
		data["validation_error"] = msg
		return Result{
			Ack: map[string]interface{}{
				"status":            "warning",
				"message":           "Customer information collected but validation failed. Please verify data manually.",
				"data_collected":    collected,
				"validation_status": "failed",
				"validation_error":  msg,
			},
			Event:     events.TypeCustomerDataInvalid,
			EventData: data,
		}
	}

	data := copyArgs(args)
	data["valid"] = true

	if g.Snapshots != nil && sc.StreamID != "" {
		snapshot := copyArgs(args)
		snapshot["timestamp"] = now().UTC().Format(time.RFC3339Nano)
		snapshot["validation_status"] = "valid"
		snapshot["call_sid"] = sc.CallID
		if err := g.Snapshots.Save(ctx, sc.StreamID, sc.CallID, snapshot); err != nil && g.Logger != nil {
			g.Logger.Printf("tools: failed to store session snapshot for %s: %v", sc.StreamID, err)
		}
	}

	return Result{
		Ack: map[string]interface{}{
			"status":            "success",
			"message":           "Customer information collected and validated successfully",
			"data_collected":    collected,
			"validation_status": "passed",
		},
		Event:     events.TypeCustomerData,
		EventData: data,
	}
}

// MeetingScheduler forwards meeting requests as meeting_scheduled events.
type MeetingScheduler struct{}

func (MeetingScheduler) Definition() Definition {
	return Definition{
		Type:        "function",
		Name:        SetUpMeeting,
		Description: "Schedule a meeting with the client",
		Parameters: objectSchema(map[string]interface{}{
			"client_name":    map[string]interface{}{"type": "string"},
			"preferred_date": stringProp("Client's preferred date"),
			"preferred_time": stringProp("Client's preferred time"),
			"meeting_type":   map[string]interface{}{"type": "string", "enum": []string{"phone", "video", "in_person"}},
			"address":        stringProp("Client's address"),
			"notes":          stringProp("Additional notes about the client or their request"),
		}, "client_name", "preferred_date", "preferred_time"),
	}
}

func (MeetingScheduler) Invoke(_ context.Context, args map[string]interface{}, _ SessionContext) Result {
	return Result{
		Ack: map[string]interface{}{
			"status": "success",
			"message": fmt.Sprintf("Meeting scheduled for %v on %v at %v",
				argOr(args, "client_name"), argOr(args, "preferred_date"), argOr(args, "preferred_time")),
		},
		Event:     events.TypeMeetingScheduled,
		EventData: copyArgs(args),
	}
}

// BusinessEmail hands the collected details to the business and ends the call.
type BusinessEmail struct{}

func (BusinessEmail) Definition() Definition {
	return Definition{
		Type:        "function",
		Name:        SendBusinessEmail,
		Description: "Send client details to business email for follow-up",
		Parameters: objectSchema(map[string]interface{}{
			"client_data":    map[string]interface{}{"type": "object"},
			"priority":       map[string]interface{}{"type": "string", "enum": []string{"low", "medium", "high"}},
			"notes":          map[string]interface{}{"type": "string"},
			"business_email": map[string]interface{}{"type": "string"},
			"business_phone": map[string]interface{}{"type": "string"},
		}, "client_data"),
	}
}

func (BusinessEmail) Invoke(_ context.Context, args map[string]interface{}, _ SessionContext) Result {
	return Result{
		Ack: map[string]interface{}{
			"status":  "success",
			"message": "Business email sent with client details",
		},
		Event:     events.TypeEmailRequest,
		EventData: copyArgs(args),
		Terminate: true,
	}
}

func objectSchema(props map[string]interface{}, required ...string) map[string]interface{} {
	return map[string]interface{}{
		"type":       "object",
		"properties": props,
		"required":   required,
	}
}

func stringProp(description string) map[string]interface{} {
	return map[string]interface{}{"type": "string", "description": description}
}

func enumProp(description string, values ...string) map[string]interface{} {
	return map[string]interface{}{"type": "string", "enum": values, "description": description}
}

func keys(m map[string]interface{}) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

func copyArgs(m map[string]interface{}) map[string]interface{} {
	out := make(map[string]interface{}, len(m)+1)
	for k, v := range m {
		out[k] = v
	}
	return out
}

func argOr(args map[string]interface{}, key string) interface{} {
	if v, ok := args[key]; ok && v != nil {
		return v
	}
	return "unspecified"
}
