// Package forms holds the per-form configuration. A configuration is loaded
// once, validated, and then treated as read-only for every submission.
package forms

import (
	"errors"
	"fmt"
	"net/mail"
	"os"
	"regexp"
	"sort"

	"gopkg.in/yaml.v2"
)

// Inline error display modes.
const (
	InlineDisabled = "disabled"
	InlineDisplay  = "display"
	InlineVariable = "variable"
)

// Sanitization modes.
const (
	SanitizeDisabled = "disabled"
	SanitizeEscape   = "escape"
)

// IP anonymization modes.
const (
	AnonymizeDisabled = "disabled"
	AnonymizePartial  = "partial"
	AnonymizeFull     = "full"
)

// CAPTCHA widget sizes.
const (
	CaptchaNormal    = "normal"
	CaptchaCompact   = "compact"
	CaptchaInvisible = "invisible"
)

// DefaultDateFormat is the layout used for #{record.date}.
const DefaultDateFormat = "2006-01-02"

var aliasPattern = regexp.MustCompile(`^[a-zA-Z0-9_-]+$`)

// Recaptcha configures the CAPTCHA widget for one form. Keys are global.
type Recaptcha struct {
	Enabled bool   `yaml:"enabled"`
	Size    string `yaml:"size"`
}

// Notification configures the operator notification email.
type Notification struct {
	Enabled    bool     `yaml:"enabled"`
	Recipients []string `yaml:"recipients"`
	BCC        []string `yaml:"bcc"`
	ReplyTo    string   `yaml:"reply_to"`
	Subject    string   `yaml:"subject"`
	Template   string   `yaml:"template"`
	Uploads    bool     `yaml:"uploads"`
}

// Autoresponse configures the confirmation email sent to the submitter.
type Autoresponse struct {
	Enabled      bool   `yaml:"enabled"`
	AddressField string `yaml:"address_field"`
	NameField    string `yaml:"name_field"`
	From         string `yaml:"from"`
	FromName     string `yaml:"from_name"`
	Subject      string `yaml:"subject"`
	Template     string `yaml:"template"`
}

// Configuration enumerates every option a form recognizes.
type Configuration struct {
	Alias            string            `yaml:"alias"`
	AllowedFields    []string          `yaml:"allowed_fields"`
	Rules            map[string]string `yaml:"rules"`
	Messages         map[string]string `yaml:"rules_messages"`
	CustomAttributes map[string]string `yaml:"custom_attributes"`
	Recaptcha        Recaptcha         `yaml:"recaptcha"`
	InlineErrors     string            `yaml:"inline_errors"`
	Sanitize         string            `yaml:"sanitize_data"`
	AnonymizeIP      string            `yaml:"anonymize_ip"`
	Group            string            `yaml:"group"`
	SkipDatabase     bool              `yaml:"skip_database"`
	Redirect         string            `yaml:"redirect"`
	MessagesSuccess  string            `yaml:"messages_success"`
	MessagesErrors   string            `yaml:"messages_errors"`
	MessagesPartial  string            `yaml:"messages_partial"`
	JSOnSuccess      string            `yaml:"js_on_success"`
	JSOnError        string            `yaml:"js_on_error"`
	ResetForm        bool              `yaml:"reset_form"`
	UploaderEnabled  bool              `yaml:"uploader_enable"`
	DateFormat       string            `yaml:"emails_date_format"`
	Mail             Notification      `yaml:"mail"`
	Autoresponse     Autoresponse      `yaml:"autoresponse"`
}

// Validate normalizes defaults and rejects unknown option values.
func (c *Configuration) Validate() error {
	if !aliasPattern.MatchString(c.Alias) {
		return fmt.Errorf("form alias %q: must match %s", c.Alias, aliasPattern)
	}
	var err error
	if c.InlineErrors, err = oneOf("inline_errors", c.InlineErrors, InlineDisabled, InlineDisabled, InlineDisplay, InlineVariable); err != nil {
		return c.wrap(err)
	}
	if c.Sanitize, err = oneOf("sanitize_data", c.Sanitize, SanitizeDisabled, SanitizeDisabled, SanitizeEscape); err != nil {
		return c.wrap(err)
	}
	if c.AnonymizeIP, err = oneOf("anonymize_ip", c.AnonymizeIP, AnonymizeDisabled, AnonymizeDisabled, AnonymizePartial, AnonymizeFull); err != nil {
		return c.wrap(err)
	}
	if c.Recaptcha.Size, err = oneOf("recaptcha.size", c.Recaptcha.Size, CaptchaNormal, CaptchaNormal, CaptchaCompact, CaptchaInvisible); err != nil {
		return c.wrap(err)
	}
	if c.DateFormat == "" {
		c.DateFormat = DefaultDateFormat
	}
	if c.MessagesSuccess == "" {
		c.MessagesSuccess = "Form successfully sent!"
	}
	if c.MessagesErrors == "" {
		c.MessagesErrors = "There were errors with your submission."
	}
	if c.MessagesPartial == "" {
		c.MessagesPartial = "flash"
	}
	for _, addr := range append(append([]string{}, c.Mail.Recipients...), c.Mail.BCC...) {
		if _, err := mail.ParseAddress(addr); err != nil {
			return c.wrap(fmt.Errorf("mail address %q: %w", addr, err))
		}
	}
	if c.Mail.ReplyTo != "" {
		if _, err := mail.ParseAddress(c.Mail.ReplyTo); err != nil {
			return c.wrap(fmt.Errorf("mail.reply_to %q: %w", c.Mail.ReplyTo, err))
		}
	}
	if c.Autoresponse.Enabled && c.Autoresponse.AddressField == "" {
		return c.wrap(errors.New("autoresponse.address_field is required when autoresponse is enabled"))
	}
	return nil
}

// CaptchaRequired reports whether the CAPTCHA response is a required field
// during ordinary validation.
func (c *Configuration) CaptchaRequired() bool {
	return c.Recaptcha.Enabled && c.Recaptcha.Size != CaptchaInvisible
}

// Label returns the display label for a field.
func (c *Configuration) Label(field string) string {
	if l, ok := c.CustomAttributes[field]; ok && l != "" {
		return l
	}
	return field
}

func (c *Configuration) wrap(err error) error {
	return fmt.Errorf("form %q: %w", c.Alias, err)
}

func oneOf(name, value, def string, allowed ...string) (string, error) {
	if value == "" {
		return def, nil
	}
	for _, a := range allowed {
		if a == value {
			return value, nil
		}
	}
	return "", fmt.Errorf("%s: unsupported value %q", name, value)
}

// ErrUnknownForm is returned by Registry.Get for unconfigured aliases.
var ErrUnknownForm = errors.New("unknown form")

// Registry holds validated configurations keyed by alias.
type Registry struct {
	forms map[string]*Configuration
}

type file struct {
	Forms []*Configuration `yaml:"forms"`
}

// LoadFile reads a YAML forms file and validates every entry.
func LoadFile(path string) (*Registry, error) {
	buf, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read forms file: %w", err)
	}
	return Parse(buf)
}

// Parse decodes YAML forms definitions.
func Parse(buf []byte) (*Registry, error) {
	var f file
	if err := yaml.UnmarshalStrict(buf, &f); err != nil {
		return nil, fmt.Errorf("decode forms: %w", err)
	}
	return NewRegistry(f.Forms...)
}

// NewRegistry validates configs and indexes them by alias.
func NewRegistry(configs ...*Configuration) (*Registry, error) {
	r := &Registry{forms: make(map[string]*Configuration, len(configs))}
	for i, c := range configs {
		if c == nil {
			return nil, fmt.Errorf("form #%d is empty", i+1)
		}
		if err := c.Validate(); err != nil {
			return nil, err
		}
		if _, dup := r.forms[c.Alias]; dup {
			return nil, fmt.Errorf("form %q defined twice", c.Alias)
		}
		r.forms[c.Alias] = c
	}
	return r, nil
}

// Get returns the configuration for alias.
func (r *Registry) Get(alias string) (*Configuration, error) {
	c, ok := r.forms[alias]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownForm, alias)
	}
	return c, nil
}

// Aliases lists configured aliases in sorted order.
func (r *Registry) Aliases() []string {
	out := make([]string, 0, len(r.forms))
	for a := range r.forms {
		out = append(out, a)
	}
	sort.Strings(out)
	return out
}
