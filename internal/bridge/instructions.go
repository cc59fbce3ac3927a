package bridge

import (
	"bytes"
	"fmt"
	"strings"
	"text/template"

	"github.com/danielsht11/riley/internal/store"
)

// Profile describes how the agent sounds and what it is told.
type Profile struct {
	Voice       string  `json:"voice,omitempty"`
	Temperature float64 `json:"temperature,omitempty"`
	Language    string  `json:"language,omitempty"`
	// Instructions replaces the stock system prompt; the business block is appended.
	Instructions string `json:"instructions,omitempty"`
	// Template replaces the whole business prompt template.
	Template       string `json:"template,omitempty"`
	FallbackNumber string `json:"fallbackNumber,omitempty"`
	DefaultHours   string `json:"defaultHours,omitempty"`
	Placeholder    string `json:"placeholder,omitempty"`
	DefaultScope   string `json:"defaultScope,omitempty"`
}

const defaultInstructions = `You are a professional voice agent answering calls for a business. You speak {{.Language}}.

Your goals:
- Greet callers warmly and professionally.
- Understand why they are calling and how the business can help.
- Collect the essential details: full name, phone number, address (when relevant),
  a detailed description of the problem or need, and the preferred contact method.

Based on the conversation, either:
- schedule a meeting with the business (tell the caller it is pending the owner's approval), or
- send the details to the business by email for follow-up.

Confirm the caller's details before doing either. Always be polite and helpful,
ask clarifying questions when needed, and confirm all information before moving on.

Use the available tools:
- gather_client_information: collect and store caller details
- set_up_meeting: schedule a meeting on request
- send_business_email: send the caller's details to the business for follow-up
`

const defaultTemplate = defaultInstructions + `
You are answering for {{.BusinessName}} ({{.BusinessScope}}), owned by {{.OwnerName}}.
{{- if .BusinessTagline}}
Tagline: {{.BusinessTagline}}{{end}}
Description: {{.BusinessDescription}}
Services: {{.BusinessServices}}
Service areas: {{.BusinessActivityAreas}}
Phone: {{.BusinessPhone}}
Address: {{.BusinessAddress}}, {{.BusinessCity}}, {{.BusinessCountry}}
Website: {{.BusinessWebpage}}
Owner email: {{.OwnerEmail}}
Working hours:
{{.BusinessHours}}
`

// DefaultProfile returns the stock agent profile.
func DefaultProfile() Profile {
	return Profile{
		Voice:        "coral",
		Temperature:  0.8,
		Language:     "he-IL",
		DefaultHours: "Sunday - Thursday: 08:00 - 17:00\nFriday: 09:00 - 13:00",
		Placeholder:  "not specified",
		DefaultScope: "general business",
	}
}

func (p Profile) withDefaults() Profile {
	d := DefaultProfile()
	if p.Voice == "" {
		p.Voice = d.Voice
	}
	if p.Temperature == 0 {
		p.Temperature = d.Temperature
	}
	if p.Language == "" {
		p.Language = d.Language
	}
	if p.DefaultHours == "" {
		p.DefaultHours = d.DefaultHours
	}
	if p.Placeholder == "" {
		p.Placeholder = d.Placeholder
	}
	if p.DefaultScope == "" {
		p.DefaultScope = d.DefaultScope
	}
	return p
}

// Instructions renders session instructions for a profile.
type Instructions struct {
	profile  Profile
	fallback string
	tmpl     *template.Template
}

type instructionData struct {
	Language              string
	BusinessName          string
	BusinessScope         string
	BusinessPhone         string
	BusinessAddress       string
	BusinessCity          string
	BusinessCountry       string
	BusinessWebpage       string
	BusinessServices      string
	BusinessActivityAreas string
	BusinessTagline       string
	BusinessDescription   string
	BusinessHours         string
	OwnerName             string
	OwnerEmail            string
}

// NewInstructions parses the profile's templates.
func NewInstructions(p Profile) (*Instructions, error) {
	p = p.withDefaults()
	base := p.Instructions
	if base == "" {
		base = defaultInstructions
	}
	baseTmpl, err := template.New("instructions").Parse(base)
	if err != nil {
		return nil, fmt.Errorf("parse instructions: %w", err)
	}
	var buf bytes.Buffer
	if err := baseTmpl.Execute(&buf, instructionData{Language: p.Language}); err != nil {
		return nil, fmt.Errorf("render default instructions: %w", err)
	}

	body := p.Template
	if body == "" {
		body = defaultTemplate
		if p.Instructions != "" {
			body = p.Instructions + strings.TrimPrefix(defaultTemplate, defaultInstructions)
		}
	}
	tmpl, err := template.New("business").Option("missingkey=zero").Parse(body)
	if err != nil {
		return nil, fmt.Errorf("parse instruction template: %w", err)
	}
	return &Instructions{profile: p, fallback: buf.String(), tmpl: tmpl}, nil
}

// Profile returns the profile with defaults applied.
func (i *Instructions) Profile() Profile {
	return i.profile
}

// Default returns the instructions used before a business is known.
func (i *Instructions) Default() string {
	return i.fallback
}

// Render personalizes the instructions for a business and its owner.
func (i *Instructions) Render(cc *store.CallContext) (string, error) {
	if cc == nil {
		return i.fallback, nil
	}
	p := i.profile
	or := func(v, def string) string {
		if strings.TrimSpace(v) == "" {
			return def
		}
		return v
	}
	b, o := cc.Business, cc.Owner
	data := instructionData{
		Language:              p.Language,
		BusinessName:          or(b.Name, p.Placeholder),
		BusinessScope:         or(b.Scope, p.DefaultScope),
		BusinessPhone:         or(b.CalloutPhone, p.Placeholder),
		BusinessAddress:       or(b.Address, p.Placeholder),
		BusinessCity:          or(b.City, p.Placeholder),
		BusinessCountry:       or(b.Country, p.Placeholder),
		BusinessWebpage:       or(b.WebpageURL, p.Placeholder),
		BusinessServices:      or(strings.Join(b.Services, ", "), p.Placeholder),
		BusinessActivityAreas: or(strings.Join(b.ActivityAreas, ", "), p.Placeholder),
		BusinessTagline:       b.Tagline,
		BusinessDescription:   or(b.Description, p.Placeholder),
		BusinessHours:         or(b.Hours, p.DefaultHours),
		OwnerName:             or(o.Name, p.Placeholder),
		OwnerEmail:            or(o.Email, p.Placeholder),
	}
	var buf bytes.Buffer
	if err := i.tmpl.Execute(&buf, data); err != nil {
		return i.fallback, fmt.Errorf("render instructions: %w", err)
	}
	return buf.String(), nil
}
