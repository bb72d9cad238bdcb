package notify

import (
	"bytes"
	_ "embed"
	"fmt"
	"html/template"
	"strings"
	ttemplate "text/template"

	"gopkg.in/yaml.v3"
)

//go:embed templates.yaml
var defaultTemplates []byte

const fallbackLanguage = "ko"

// Template names.
const (
	TemplatePaymentCompleted = "payment_completed"
	TemplatePaymentFailed    = "payment_failed"
)

// MessageData is the data every payment template can reference.
type MessageData struct {
	ProjectID   string
	ChargeID    string
	Code        string
	Amount      string
	Currency    string
	Description string
	HostedURL   string
}

// Message is a rendered email.
type Message struct {
	Subject string
	HTML    string
}

type templateText struct {
	Subject string `yaml:"subject"`
	Title   string `yaml:"title"`
	Body    string `yaml:"body"`
	Footer  string `yaml:"footer"`
}

type compiled struct {
	subject *ttemplate.Template
	title   *template.Template
	body    *template.Template
	footer  *template.Template
}

// Templates renders localized notification emails.
type Templates struct {
	set map[string]map[string]*compiled
}

var layout = template.Must(template.New("layout").Parse(`<!DOCTYPE html>
<html>
<body style="font-family: -apple-system, BlinkMacSystemFont, 'Segoe UI', sans-serif; color: #1f2937;">
  <div style="max-width: 560px; margin: 0 auto; padding: 24px;">
    <h1 style="font-size: 20px;">{{.Title}}</h1>
    <p>{{.Body}}</p>
    <p style="color: #6b7280; font-size: 12px;">{{.Footer}}</p>
  </div>
</body>
</html>
`))

// LoadTemplates parses the built-in template table.
func LoadTemplates() (*Templates, error) {
	return ParseTemplates(defaultTemplates)
}

// ParseTemplates parses a YAML table of name -> language -> text.
func ParseTemplates(data []byte) (*Templates, error) {
	var raw map[string]map[string]templateText
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("parse templates: %w", err)
	}

	t := &Templates{set: make(map[string]map[string]*compiled, len(raw))}
	for name, langs := range raw {
		t.set[name] = make(map[string]*compiled, len(langs))
		for lang, text := range langs {
			c, err := compile(name+"."+lang, text)
			if err != nil {
				return nil, err
			}
			t.set[name][lang] = c
		}
	}
	return t, nil
}

func compile(name string, text templateText) (*compiled, error) {
	if text.Subject == "" || text.Body == "" {
		return nil, fmt.Errorf("template %s: subject and body are required", name)
	}
	var (
		c   compiled
		err error
	)
	// Subjects are headers, not HTML.
	if c.subject, err = ttemplate.New(name + ".subject").Parse(text.Subject); err != nil {
		return nil, fmt.Errorf("template %s subject: %w", name, err)
	}
	if c.title, err = template.New(name + ".title").Parse(text.Title); err != nil {
		return nil, fmt.Errorf("template %s title: %w", name, err)
	}
	if c.body, err = template.New(name + ".body").Parse(text.Body); err != nil {
		return nil, fmt.Errorf("template %s body: %w", name, err)
	}
	if c.footer, err = template.New(name + ".footer").Parse(text.Footer); err != nil {
		return nil, fmt.Errorf("template %s footer: %w", name, err)
	}
	return &c, nil
}

// Render builds the email for name in lang, falling back to Korean when
// the language has no translation.
func (t *Templates) Render(name, lang string, data MessageData) (*Message, error) {
	langs, ok := t.set[name]
	if !ok {
		return nil, fmt.Errorf("unknown template %q", name)
	}
	c, ok := langs[strings.ToLower(lang)]
	if !ok {
		if c, ok = langs[fallbackLanguage]; !ok {
			return nil, fmt.Errorf("template %q has no %q or %q text", name, lang, fallbackLanguage)
		}
	}

	var subject bytes.Buffer
	if err := c.subject.Execute(&subject, data); err != nil {
		return nil, fmt.Errorf("render %s subject: %w", name, err)
	}

	parts := make(map[string]template.HTML, 3)
	for key, tmpl := range map[string]*template.Template{"Title": c.title, "Body": c.body, "Footer": c.footer} {
		var buf bytes.Buffer
		if err := tmpl.Execute(&buf, data); err != nil {
			return nil, fmt.Errorf("render %s %s: %w", name, strings.ToLower(key), err)
		}
		// already escaped by html/template
		parts[key] = template.HTML(buf.String())
	}

	var html bytes.Buffer
	if err := layout.Execute(&html, parts); err != nil {
		return nil, fmt.Errorf("render %s layout: %w", name, err)
	}
	return &Message{Subject: strings.TrimSpace(subject.String()), HTML: html.String()}, nil
}
