package events

import (
	"encoding/json"
	"fmt"
	"sort"
	"time"
)

// Type tags an event envelope.
type Type string

const (
	TypeCustomerData        Type = "customer_data"
	TypeCustomerDataInvalid Type = "customer_data_invalid"
	TypeMeetingScheduled    Type = "meeting_scheduled"
	TypeEmailRequest        Type = "email_request"
	TypeHighPriority        Type = "high_priority"
	TypeCallStatus          Type = "call_status"
)

const (
	// DefaultChannel receives event types missing from the routing table.
	DefaultChannel = "customer:general"
	// PriorityChannel receives urgent envelopes in addition to their canonical channel.
	PriorityChannel = "customer:priority:high"
)

var channels = map[Type]string{
	TypeCustomerData:        "customer:data:new",
	TypeCustomerDataInvalid: "customer:data:invalid",
	TypeMeetingScheduled:    "customer:meeting:scheduled",
	TypeEmailRequest:        "customer:email:request",
	TypeHighPriority:        PriorityChannel,
	TypeCallStatus:          "customer:call:status",
}

// ChannelFor returns the channel an event type is published on.
func ChannelFor(t Type) string {
	if ch, ok := channels[t]; ok {
		return ch
	}
	return DefaultChannel
}

// RoutedChannels lists every channel in the routing table plus the default channel, sorted.
func RoutedChannels() []string {
	seen := map[string]struct{}{DefaultChannel: {}}
	for _, ch := range channels {
		seen[ch] = struct{}{}
	}
	out := make([]string, 0, len(seen))
	for ch := range seen {
		out = append(out, ch)
	}
	sort.Strings(out)
	return out
}

// Correlation carries the optional call identifiers attached to an envelope.
type Correlation struct {
	StreamID string
	CallID   string
}

// Envelope is the published unit. It is never mutated after Publish builds it.
type Envelope struct {
	EventID   string
	EventType Type
	Timestamp time.Time
	StreamID  string
	CallID    string
	Data      map[string]interface{}
}

type wireEnvelope struct {
	EventID   string                 `json:"event_id"`
	EventType Type                   `json:"event_type"`
	Timestamp string                 `json:"timestamp"`
	StreamID  *string                `json:"stream_id"`
	CallID    *string                `json:"call_id"`
	Data      map[string]interface{} `json:"data"`
}

// MarshalJSON renders empty correlation ids as null and the timestamp as RFC 3339.
func (e Envelope) MarshalJSON() ([]byte, error) {
	data := e.Data
	if data == nil {
		data = map[string]interface{}{}
	}
	return json.Marshal(wireEnvelope{
		EventID:   e.EventID,
		EventType: e.EventType,
		Timestamp: e.Timestamp.UTC().Format(time.RFC3339Nano),
		StreamID:  nullable(e.StreamID),
		CallID:    nullable(e.CallID),
		Data:      data,
	})
}

// UnmarshalJSON accepts RFC 3339 timestamps with or without a zone offset.
func (e *Envelope) UnmarshalJSON(b []byte) error {
	var w wireEnvelope
	if err := json.Unmarshal(b, &w); err != nil {
		return err
	}
	ts, err := parseTimestamp(w.Timestamp)
	if err != nil {
		return err
	}
	*e = Envelope{
		EventID:   w.EventID,
		EventType: w.EventType,
		Timestamp: ts,
		Data:      w.Data,
	}
	if w.StreamID != nil {
		e.StreamID = *w.StreamID
	}
	if w.CallID != nil {
		e.CallID = *w.CallID
	}
	if e.Data == nil {
		e.Data = map[string]interface{}{}
	}
	return nil
}

// Decode parses a wire payload into an envelope.
func Decode(payload []byte) (Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(payload, &env); err != nil {
		return Envelope{}, fmt.Errorf("decode envelope: %w", err)
	}
	if env.EventType == "" {
		return Envelope{}, fmt.Errorf("decode envelope: missing event_type")
	}
	return env, nil
}

// String returns a data field as a string, or "" when absent or not a string.
func (e Envelope) String(key string) string {
	if v, ok := e.Data[key].(string); ok {
		return v
	}
	return ""
}

func nullable(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

// timestamps written by older publishers carry no zone.
var timestampLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02T15:04:05.999999999",
}

func parseTimestamp(v string) (time.Time, error) {
	if v == "" {
		return time.Time{}, nil
	}
	for _, layout := range timestampLayouts {
		if ts, err := time.Parse(layout, v); err == nil {
			return ts, nil
		}
	}
	return time.Time{}, fmt.Errorf("invalid envelope timestamp %q", v)
}
