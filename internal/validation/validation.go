// Package validation runs declarative per-field rule sets and collects every
// failure into an Outcome.
//
// Rules use go-playground/validator tag syntax ("required,email,max=120").
// Each tag of a chain is evaluated on its own so that all failures are
// reported, not only the first one. Tags other than required* and custom
// rules are skipped for empty values.
package validation

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/go-playground/validator/v10"
)

// RuleFunc checks a single string value.
type RuleFunc func(ctx context.Context, value string) bool

// Option configures a Validator.
type Option func(*Validator) error

// WithRule registers a custom rule. Custom rules always run, even for empty
// values.
func WithRule(name string, fn RuleFunc) Option {
	return func(v *Validator) error {
		err := v.validate.RegisterValidationCtx(name, func(ctx context.Context, fl validator.FieldLevel) bool {
			s, _ := fl.Field().Interface().(string)
			return fn(ctx, s)
		}, true)
		if err != nil {
			return fmt.Errorf("register rule %s: %w", name, err)
		}
		v.implicit[name] = true
		return nil
	}
}

// Validator is safe for concurrent use once constructed.
type Validator struct {
	validate *validator.Validate
	implicit map[string]bool
}

// New builds a Validator with the given custom rules.
func New(opts ...Option) (*Validator, error) {
	v := &Validator{validate: validator.New(), implicit: map[string]bool{}}
	for _, opt := range opts {
		if err := opt(v); err != nil {
			return nil, err
		}
	}
	return v, nil
}

// Validate evaluates rules against fields. messages are keyed "field.tag" or
// "tag"; labels replace field names in messages.
func (v *Validator) Validate(ctx context.Context, fields map[string]any, rules, messages, labels map[string]string) *Outcome {
	out := newOutcome(labels)
	names := make([]string, 0, len(rules))
	for name := range rules {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		value := fields[name]
		// validator counts any non-nil slice or map as present.
		if isEmpty(value) {
			value = ""
		}
		for _, tag := range splitTags(rules[name]) {
			tagName, param := splitParam(tag)
			if isEmpty(value) && !v.isImplicit(tagName) {
				continue
			}
			failed, err := v.run(ctx, value, tag)
			switch {
			case err != nil:
				out.add(name, fmt.Sprintf("The %s rule is not defined.", tagName))
			case failed != "":
				if failed != tagName {
					param = ""
				}
				out.add(name, message(name, failed, param, messages, out.Label(name)))
			}
		}
	}
	return out
}

// Check reports rules that reference undefined tags. It is meant to run once
// when forms are loaded.
func (v *Validator) Check(rules map[string]string) error {
	var errs []error
	for field, rule := range rules {
		for _, tag := range splitTags(rule) {
			if _, err := v.run(context.Background(), "", tag); err != nil {
				errs = append(errs, fmt.Errorf("field %s: %w", field, err))
			}
		}
	}
	return errors.Join(errs...)
}

// run returns the failing tag name (empty on success). validator panics on
// undefined tags; that is reported as an error.
func (v *Validator) run(ctx context.Context, value any, tag string) (failed string, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("rule %q: %v", tag, r)
		}
	}()
	verr := v.validate.VarCtx(ctx, value, tag)
	if verr == nil {
		return "", nil
	}
	var ves validator.ValidationErrors
	if errors.As(verr, &ves) && len(ves) > 0 {
		return ves[0].Tag(), nil
	}
	return "", verr
}

func (v *Validator) isImplicit(tag string) bool {
	return strings.HasPrefix(tag, "required") || v.implicit[tag]
}

func splitTags(rule string) []string {
	rule = strings.TrimSpace(rule)
	if rule == "" {
		return nil
	}
	// dive chains only make sense as a whole.
	if strings.Contains(rule, "dive") {
		return []string{rule}
	}
	var out []string
	for _, t := range strings.Split(rule, ",") {
		if t = strings.TrimSpace(t); t != "" && t != "omitempty" {
			out = append(out, t)
		}
	}
	return out
}

func splitParam(tag string) (string, string) {
	name, param, _ := strings.Cut(tag, "=")
	return name, param
}

func isEmpty(v any) bool {
	switch t := v.(type) {
	case nil:
		return true
	case string:
		return t == ""
	case []any:
		return len(t) == 0
	case []string:
		return len(t) == 0
	case map[string]any:
		return len(t) == 0
	}
	return false
}
