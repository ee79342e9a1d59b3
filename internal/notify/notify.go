// Package notify composes the operator notification and the submitter
// autoresponse for a saved record. It only builds messages; delivery is
// the Mailer's job.
package notify

import (
	"fmt"
	"net/mail"
	"regexp"
	"strings"
	"time"

	"github.com/dharsanguruparan/FormDrop/internal/forms"
	"github.com/dharsanguruparan/FormDrop/internal/model"
)

// Built-in template names.
const (
	TemplateNotification = "notification"
	TemplateAutoresponse = "autoresponse"
)

// Default subjects used when a form configures none.
const (
	DefaultNotificationSubject = "New submission on #{record.date}"
	DefaultAutoresponseSubject = "Thank you for your submission"
)

// Templates reports which mail templates are registered.
type Templates interface {
	Exists(name string) bool
}

// Attachment is a stored upload attached under its original name.
type Attachment struct {
	Path string `json:"path"`
	Name string `json:"name"`
}

// Data is handed to the mail template.
type Data struct {
	ID     string         `json:"id"`
	Fields map[string]any `json:"data"`
	IP     string         `json:"ip"`
	Date   time.Time      `json:"date"`
}

// Message is a composed email ready for delivery.
type Message struct {
	Kind        string       `json:"kind"`
	From        string       `json:"from,omitempty"`
	To          []string     `json:"to,omitempty"`
	Bcc         []string     `json:"bcc,omitempty"`
	ReplyTo     string       `json:"replyTo,omitempty"`
	Subject     string       `json:"subject"`
	Template    string       `json:"template"`
	Data        Data         `json:"data"`
	Attachments []Attachment `json:"attachments,omitempty"`
}

// Recipients returns every envelope recipient.
func (m *Message) Recipients() []string {
	out := make([]string, 0, len(m.To)+len(m.Bcc))
	out = append(out, m.To...)
	return append(out, m.Bcc...)
}

// Composer builds messages against a template registry.
type Composer struct {
	templates Templates
}

// NewComposer returns a Composer. templates may be nil, in which case the
// built-in templates are always used.
func NewComposer(templates Templates) *Composer {
	return &Composer{templates: templates}
}

// Compose returns every message the form configuration asks for.
func (c *Composer) Compose(cfg *forms.Configuration, rec *model.Record) []*Message {
	var out []*Message
	if msg, ok := c.Notification(cfg, rec); ok {
		out = append(out, msg)
	}
	if msg, ok := c.Autoresponse(cfg, rec); ok {
		out = append(out, msg)
	}
	return out
}

// Notification builds the operator email. ok is false when notifications
// are disabled or neither recipients nor BCC addresses are configured.
func (c *Composer) Notification(cfg *forms.Configuration, rec *model.Record) (*Message, bool) {
	n := cfg.Mail
	if !n.Enabled || (len(n.Recipients) == 0 && len(n.BCC) == 0) {
		return nil, false
	}
	subject := n.Subject
	if subject == "" {
		subject = DefaultNotificationSubject
	}
	msg := &Message{
		Kind:     TemplateNotification,
		To:       append([]string(nil), n.Recipients...),
		Bcc:      append([]string(nil), n.BCC...),
		ReplyTo:  n.ReplyTo,
		Subject:  Subject(subject, rec, cfg.DateFormat),
		Template: c.template(n.Template, TemplateNotification),
		Data:     dataFor(rec),
	}
	if n.Uploads {
		for _, f := range rec.Files {
			msg.Attachments = append(msg.Attachments, Attachment{Path: f.Path, Name: f.FileName})
		}
	}
	return msg, true
}

// Autoresponse builds the confirmation email to the submitter. ok is false
// when disabled or when the submission carries no valid address.
func (c *Composer) Autoresponse(cfg *forms.Configuration, rec *model.Record) (*Message, bool) {
	a := cfg.Autoresponse
	if !a.Enabled || a.AddressField == "" {
		return nil, false
	}
	addr, ok := scalar(lookup(cfg, rec.Data, a.AddressField))
	if !ok || strings.TrimSpace(addr) == "" {
		return nil, false
	}
	to := &mail.Address{Address: strings.TrimSpace(addr)}
	if _, err := mail.ParseAddress(to.Address); err != nil {
		return nil, false
	}
	if a.NameField != "" {
		if name, ok := scalar(lookup(cfg, rec.Data, a.NameField)); ok {
			to.Name = strings.TrimSpace(name)
		}
	}
	var from string
	if a.From != "" {
		from = (&mail.Address{Name: a.FromName, Address: a.From}).String()
	}
	subject := a.Subject
	if subject == "" {
		subject = DefaultAutoresponseSubject
	}
	return &Message{
		Kind:     TemplateAutoresponse,
		From:     from,
		To:       []string{to.String()},
		Subject:  Subject(subject, rec, cfg.DateFormat),
		Template: c.template(a.Template, TemplateAutoresponse),
		Data:     dataFor(rec),
	}, true
}

func (c *Composer) template(custom, fallback string) string {
	if custom != "" && c.templates != nil && c.templates.Exists(custom) {
		return custom
	}
	return fallback
}

var tokenPattern = regexp.MustCompile(`#\{\s*([^{}\s]+)\s*\}`)

// Subject substitutes #{record.id}, #{record.ip}, #{record.date} and
// #{form.<field>} in tmpl. Tokens for list or map fields and unknown
// tokens are left untouched.
func Subject(tmpl string, rec *model.Record, layout string) string {
	if layout == "" {
		layout = forms.DefaultDateFormat
	}
	return tokenPattern.ReplaceAllStringFunc(tmpl, func(tok string) string {
		name := tokenPattern.FindStringSubmatch(tok)[1]
		switch name {
		case "record.id":
			return rec.ID
		case "record.ip":
			return rec.IP
		case "record.date":
			return rec.CreatedAt.Format(layout)
		}
		if field, ok := strings.CutPrefix(name, "form."); ok {
			if v, present := rec.Data[field]; present {
				if s, ok := scalar(v); ok {
					return s
				}
			}
		}
		return tok
	})
}

func dataFor(rec *model.Record) Data {
	return Data{ID: rec.ID, Fields: rec.Data, IP: rec.IP, Date: rec.CreatedAt}
}

// lookup finds field in data under its own name or its display label, since
// stored keys may have been renamed.
func lookup(cfg *forms.Configuration, data map[string]any, field string) any {
	if v, ok := data[field]; ok {
		return v
	}
	return data[cfg.Label(field)]
}

func scalar(v any) (string, bool) {
	switch t := v.(type) {
	case nil:
		return "", true
	case string:
		return t, true
	case []any, []string, map[string]any:
		return "", false
	default:
		return fmt.Sprint(t), true
	}
}
