// Package customer validates the caller details extracted during a call.
package customer

import (
	_ "embed"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/xeipuuv/gojsonschema"
)

// ContactMethod is how the caller wants to be reached back.
type ContactMethod string

const (
	ContactWhatsapp ContactMethod = "Whatsapp"
	ContactEmail    ContactMethod = "Email"
	ContactPhone    ContactMethod = "Phone"
)

//go:embed schema.json
var schemaJSON []byte

var schema = mustSchema()

func mustSchema() *gojsonschema.Schema {
	s, err := gojsonschema.NewSchema(gojsonschema.NewBytesLoader(schemaJSON))
	if err != nil {
		panic(fmt.Sprintf("customer: invalid embedded schema: %v", err))
	}
	return s
}

// aliases maps legacy argument names onto canonical record fields.
var aliases = map[string]string{
	"preferred_contact": "preferred_contact_method",
	"notes":             "additional_notes",
}

// Record is a validated customer call.
type Record struct {
	Timestamp              time.Time     `json:"timestamp"`
	FullName               string        `json:"full_name"`
	PhoneNumber            string        `json:"phone_number,omitempty"`
	Email                  string        `json:"email,omitempty"`
	Address                string        `json:"address,omitempty"`
	ReasonCalling          string        `json:"reason_calling"`
	PreferredContactMethod ContactMethod `json:"preferred_contact_method"`
	AdditionalNotes        string        `json:"additional_notes,omitempty"`
}

// ValidationError carries the rejected payload and what was wrong with it.
type ValidationError struct {
	Raw      map[string]interface{}
	Problems []string
}

func (e *ValidationError) Error() string {
	return "validation failed: " + strings.Join(e.Problems, "; ")
}

// Normalize returns a copy of fields with alias keys renamed. A canonical key
// already present is overwritten by its alias, matching how the model retries.
func Normalize(fields map[string]interface{}) map[string]interface{} {
	out := make(map[string]interface{}, len(fields))
	for k, v := range fields {
		out[k] = v
	}
	for alias, canonical := range aliases {
		if v, ok := out[alias]; ok {
			out[canonical] = v
			delete(out, alias)
		}
	}
	return out
}

// Validate checks fields against the customer schema using the current time
// as the default timestamp.
func Validate(fields map[string]interface{}) (*Record, error) {
	return ValidateAt(fields, time.Now())
}

// ValidateAt is Validate with an explicit default timestamp.
func ValidateAt(fields map[string]interface{}, now time.Time) (*Record, error) {
	normalized := Normalize(fields)

	var problems []string
	result, err := schema.Validate(gojsonschema.NewGoLoader(normalized))
	if err != nil {
		problems = append(problems, fmt.Sprintf("schema validation error: %v", err))
	} else if !result.Valid() {
		for _, e := range result.Errors() {
			problems = append(problems, e.String())
		}
	}

	ts := now
	if raw, ok := normalized["timestamp"]; ok {
		parsed, perr := parseTimestamp(raw)
		if perr != nil {
			problems = append(problems, perr.Error())
		} else {
			ts = parsed
		}
	}

	if len(problems) > 0 {
		sort.Strings(problems)
		return nil, &ValidationError{Raw: fields, Problems: problems}
	}
	return newRecord(normalized, ts), nil
}

func newRecord(fields map[string]interface{}, ts time.Time) *Record {
	return &Record{
		Timestamp:              ts.UTC(),
		FullName:               str(fields, "full_name"),
		PhoneNumber:            str(fields, "phone_number"),
		Email:                  str(fields, "email"),
		Address:                str(fields, "address"),
		ReasonCalling:          str(fields, "reason_calling"),
		PreferredContactMethod: ContactMethod(str(fields, "preferred_contact_method")),
		AdditionalNotes:        str(fields, "additional_notes"),
	}
}

// zone-less ISO timestamps are read as UTC.
var timestampLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02T15:04:05.999999999",
}

func parseTimestamp(raw interface{}) (time.Time, error) {
	s, ok := raw.(string)
	if !ok {
		return time.Time{}, fmt.Errorf("timestamp: expected an ISO-8601 string")
	}
	for _, layout := range timestampLayouts {
		if ts, err := time.Parse(layout, s); err == nil {
			return ts, nil
		}
	}
	return time.Time{}, fmt.Errorf("timestamp: %q is not an ISO-8601 date-time", s)
}

func str(fields map[string]interface{}, key string) string {
	if v, ok := fields[key].(string); ok {
		return v
	}
	return ""
}

// Map renders the record with its canonical field names.
func (r *Record) Map() map[string]interface{} {
	return map[string]interface{}{
		"timestamp":                r.Timestamp.Format(time.RFC3339Nano),
		"full_name":                r.FullName,
		"phone_number":             r.PhoneNumber,
		"email":                    r.Email,
		"address":                  r.Address,
		"reason_calling":           r.ReasonCalling,
		"preferred_contact_method": string(r.PreferredContactMethod),
		"additional_notes":         r.AdditionalNotes,
	}
}
