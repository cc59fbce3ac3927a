package customer

import (
	"errors"
	"strings"
	"testing"
	"time"
)

var fixedNow = time.Date(2025, 7, 1, 10, 0, 0, 0, time.UTC)

func validFields() map[string]interface{} {
	return map[string]interface{}{
		"full_name":                "Dana Levi",
		"phone_number":             "+972501234567",
		"reason_calling":           "Leaking kitchen pipe",
		"preferred_contact_method": "Whatsapp",
	}
}

func TestValidateAcceptsCompleteRecord(t *testing.T) {
	t.Parallel()

	rec, err := ValidateAt(validFields(), fixedNow)
	if err != nil {
		t.Fatalf("validate: %v", err)
	}
	if rec.FullName != "Dana Levi" || rec.PreferredContactMethod != ContactWhatsapp {
		t.Fatalf("unexpected record %+v", rec)
	}
	if !rec.Timestamp.Equal(fixedNow) {
		t.Fatalf("expected default timestamp %s, got %s", fixedNow, rec.Timestamp)
	}
}

func TestValidateAllContactMethods(t *testing.T) {
	t.Parallel()

	for _, method := range []ContactMethod{ContactWhatsapp, ContactEmail, ContactPhone} {
		fields := validFields()
		fields["preferred_contact_method"] = string(method)
		if _, err := ValidateAt(fields, fixedNow); err != nil {
			t.Fatalf("method %s: %v", method, err)
		}
	}
}

func TestValidateAppliesAliases(t *testing.T) {
	t.Parallel()

	fields := validFields()
	delete(fields, "preferred_contact_method")
	fields["preferred_contact"] = "Email"
	fields["notes"] = "call after 5pm"

	rec, err := ValidateAt(fields, fixedNow)
	if err != nil {
		t.Fatalf("validate: %v", err)
	}
	if rec.PreferredContactMethod != ContactEmail || rec.AdditionalNotes != "call after 5pm" {
		t.Fatalf("aliases not applied: %+v", rec)
	}
	if _, ok := fields["preferred_contact"]; !ok {
		t.Fatalf("normalize must not mutate the caller's map")
	}
}

func TestValidateRejectsMissingReason(t *testing.T) {
	t.Parallel()

	fields := validFields()
	delete(fields, "reason_calling")

	rec, err := ValidateAt(fields, fixedNow)
	if rec != nil {
		t.Fatalf("expected no record, got %+v", rec)
	}
	var verr *ValidationError
	if !errors.As(err, &verr) {
		t.Fatalf("expected *ValidationError, got %v", err)
	}
	if !strings.Contains(verr.Error(), "reason_calling") {
		t.Fatalf("expected the error to name reason_calling, got %q", verr.Error())
	}
	if verr.Raw["full_name"] != "Dana Levi" {
		t.Fatalf("expected raw payload on the error, got %v", verr.Raw)
	}
}

func TestValidateNameLength(t *testing.T) {
	t.Parallel()

	cases := map[string]bool{
		"D":                       false,
		"Do":                      true,
		"דנה":                     true,
		strings.Repeat("a", 100): true,
		strings.Repeat("a", 101): false,
		strings.Repeat("ש", 100): true,
	}
	for name, ok := range cases {
		fields := validFields()
		fields["full_name"] = name
		_, err := ValidateAt(fields, fixedNow)
		if ok && err != nil {
			t.Fatalf("name %q: unexpected error %v", name, err)
		}
		if !ok && err == nil {
			t.Fatalf("name %q: expected rejection", name)
		}
	}
}

func TestValidateRejectsUnknownContactMethod(t *testing.T) {
	t.Parallel()

	fields := validFields()
	fields["preferred_contact_method"] = "whatsapp"
	if _, err := ValidateAt(fields, fixedNow); err == nil {
		t.Fatalf("expected enum to be case-sensitive")
	}
}

func TestValidateTimestamp(t *testing.T) {
	t.Parallel()

	fields := validFields()
	fields["timestamp"] = "2025-06-30T08:15:00+03:00"
	rec, err := ValidateAt(fields, fixedNow)
	if err != nil {
		t.Fatalf("validate: %v", err)
	}
	if rec.Timestamp.Hour() != 5 {
		t.Fatalf("expected timestamp normalized to UTC, got %s", rec.Timestamp)
	}

	fields["timestamp"] = "yesterday"
	if _, err := ValidateAt(fields, fixedNow); err == nil {
		t.Fatalf("expected malformed timestamp to be rejected")
	}
}

func TestValidateToleratesUnknownKeys(t *testing.T) {
	t.Parallel()

	fields := validFields()
	fields["urgency"] = "high"
	if _, err := ValidateAt(fields, fixedNow); err != nil {
		t.Fatalf("validate: %v", err)
	}
}
