package validation

import "strings"

// Outcome is the result of one validation pass. It is never persisted.
type Outcome struct {
	Errors map[string][]string `json:"errors"`
	order  []string
	labels map[string]string
}

func newOutcome(labels map[string]string) *Outcome {
	return &Outcome{Errors: map[string][]string{}, labels: labels}
}

func (o *Outcome) add(field, msg string) {
	if _, seen := o.Errors[field]; !seen {
		o.order = append(o.order, field)
	}
	o.Errors[field] = append(o.Errors[field], msg)
}

// Passed reports whether no rule failed.
func (o *Outcome) Passed() bool {
	return len(o.Errors) == 0
}

// Fields lists failing fields in the order they were reported.
func (o *Outcome) Fields() []string {
	return append([]string(nil), o.order...)
}

// All flattens every message, field by field.
func (o *Outcome) All() []string {
	var out []string
	for _, f := range o.order {
		out = append(out, o.Errors[f]...)
	}
	return out
}

// First returns the first message for field, or "".
func (o *Outcome) First(field string) string {
	if msgs := o.Errors[field]; len(msgs) > 0 {
		return msgs[0]
	}
	return ""
}

// Label returns the display name of field.
func (o *Outcome) Label(field string) string {
	if l, ok := o.labels[field]; ok && l != "" {
		return l
	}
	return strings.ReplaceAll(field, "_", " ")
}

var defaultMessages = map[string]string{
	"required":  "The :attribute field is required.",
	"email":     "The :attribute must be a valid email address.",
	"min":       "The :attribute must be at least :param.",
	"max":       "The :attribute may not be greater than :param.",
	"gte":       "The :attribute must be at least :param.",
	"lte":       "The :attribute may not be greater than :param.",
	"len":       "The :attribute must be :param.",
	"eq":        "The :attribute must be :param.",
	"numeric":   "The :attribute must be a number.",
	"number":    "The :attribute must be a number.",
	"boolean":   "The :attribute field must be true or false.",
	"alpha":     "The :attribute may only contain letters.",
	"alphanum":  "The :attribute may only contain letters and numbers.",
	"oneof":     "The selected :attribute is invalid.",
	"url":       "The :attribute format is invalid.",
	"datetime":  "The :attribute does not match the format :param.",
	"recaptcha": "The :attribute verification failed. Please try again.",
}

const fallbackMessage = "The :attribute format is invalid."

func message(field, tag, param string, custom map[string]string, label string) string {
	msg, ok := custom[field+"."+tag]
	if !ok {
		msg, ok = custom[tag]
	}
	if !ok {
		msg, ok = defaultMessages[tag]
	}
	if !ok {
		msg = fallbackMessage
	}
	return strings.NewReplacer(":attribute", label, ":param", param).Replace(msg)
}
