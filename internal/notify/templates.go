package notify

import (
	"bytes"
	"embed"
	"encoding/json"
	"fmt"
	htmltemplate "html/template"
	"strings"
	texttemplate "text/template"
)

//go:embed templates/email/*.html templates/whatsapp/*.txt
var templateFS embed.FS

var funcs = map[string]interface{}{
	"upper": func(v interface{}) string {
		if v == nil {
			return ""
		}
		return strings.ToUpper(fmt.Sprint(v))
	},
}

// Templates renders email and WhatsApp bodies by template name.
type Templates struct {
	email    *htmltemplate.Template
	whatsapp *texttemplate.Template
}

// LoadTemplates parses the embedded templates.
func LoadTemplates() (*Templates, error) {
	email, err := htmltemplate.New("email").Funcs(htmltemplate.FuncMap(funcs)).ParseFS(templateFS, "templates/email/*.html")
	if err != nil {
		return nil, fmt.Errorf("parse email templates: %w", err)
	}
	whatsapp, err := texttemplate.New("whatsapp").Funcs(texttemplate.FuncMap(funcs)).Option("missingkey=zero").ParseFS(templateFS, "templates/whatsapp/*.txt")
	if err != nil {
		return nil, fmt.Errorf("parse whatsapp templates: %w", err)
	}
	return &Templates{email: email, whatsapp: whatsapp}, nil
}

// Email renders the named HTML template.
func (t *Templates) Email(name string, data map[string]interface{}) (string, error) {
	tmpl := t.email.Lookup(name + ".html")
	if tmpl == nil {
		return "", fmt.Errorf("unknown email template %q", name)
	}
	var buf bytes.Buffer
	if err := tmpl.Execute(&buf, data); err != nil {
		return "", fmt.Errorf("render email %s: %w", name, err)
	}
	return buf.String(), nil
}

// WhatsApp renders the named text template. Unknown names fall back to a
// generic update listing the data.
func (t *Templates) WhatsApp(name string, data map[string]interface{}) (string, error) {
	tmpl := t.whatsapp.Lookup(name + ".txt")
	if tmpl == nil {
		raw, err := json.Marshal(data)
		if err != nil {
			return "", err
		}
		return "New update: " + string(raw), nil
	}
	var buf bytes.Buffer
	if err := tmpl.Execute(&buf, stringify(data)); err != nil {
		return "", fmt.Errorf("render whatsapp %s: %w", name, err)
	}
	return strings.TrimSpace(buf.String()), nil
}

func stringify(data map[string]interface{}) map[string]string {
	out := make(map[string]string, len(data))
	for k, v := range data {
		if v == nil {
			continue
		}
		out[k] = fmt.Sprint(v)
	}
	return out
}
