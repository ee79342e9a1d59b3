// Package fields derives the submitted field map from raw request input.
package fields

import (
	"html"
	"net/url"
	"sort"
	"strings"

	"github.com/dharsanguruparan/FormDrop/internal/forms"
)

// Transport-only keys. They travel with the request but are never stored.
const (
	CaptchaField    = "g-recaptcha-response"
	TokenField      = "_token"
	SessionKeyField = "_session_key"
	FilesField      = "files"
)

// TransportKeys lists every key removed before a record is stored.
var TransportKeys = []string{TokenField, CaptchaField, SessionKeyField, FilesField}

// Prepare applies the allow-list and sanitization mode of cfg to raw.
// captchaEnabled is the effective CAPTCHA state for this request. The input
// map is never modified.
func Prepare(raw map[string]any, cfg *forms.Configuration, captchaEnabled bool) map[string]any {
	var out map[string]any
	if len(cfg.AllowedFields) == 0 {
		out = make(map[string]any, len(raw))
		for k, v := range raw {
			out[k] = v
		}
	} else {
		out = make(map[string]any, len(cfg.AllowedFields)+1)
		for _, f := range cfg.AllowedFields {
			out[f] = raw[f]
		}
		if captchaEnabled {
			out[CaptchaField] = raw[CaptchaField]
		}
	}
	if cfg.Sanitize == forms.SanitizeEscape {
		out = Sanitize(out)
	}
	return out
}

// Sanitize returns a copy of m with every string HTML-escaped, descending
// into nested lists and maps.
func Sanitize(m map[string]any) map[string]any {
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = escape(v)
	}
	return out
}

func escape(v any) any {
	switch t := v.(type) {
	case string:
		return html.EscapeString(t)
	case []string:
		out := make([]string, len(t))
		for i, s := range t {
			out[i] = html.EscapeString(s)
		}
		return out
	case []any:
		out := make([]any, len(t))
		for i, e := range t {
			out[i] = escape(e)
		}
		return out
	case map[string]any:
		return Sanitize(t)
	default:
		return v
	}
}

// Strip returns a copy of m without the given keys.
func Strip(m map[string]any, keys ...string) map[string]any {
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = v
	}
	for _, k := range keys {
		delete(out, k)
	}
	return out
}

// Rename maps keys through labels; keys without a label are kept as-is.
func Rename(m map[string]any, labels map[string]string) map[string]any {
	if len(labels) == 0 {
		return m
	}
	out := make(map[string]any, len(m))
	for k, v := range m {
		if l, ok := labels[k]; ok && l != "" {
			out[l] = v
			continue
		}
		out[k] = v
	}
	return out
}

// FromValues converts decoded form values. "name[]" keys become lists and
// "name[key]" keys become nested maps; repeated plain keys keep the last
// value.
func FromValues(values url.Values) map[string]any {
	out := make(map[string]any, len(values))
	keys := make([]string, 0, len(values))
	for k := range values {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		vals := values[k]
		if len(vals) == 0 {
			continue
		}
		name, sub, ok := splitKey(k)
		switch {
		case !ok:
			out[k] = vals[len(vals)-1]
		case sub == "":
			list, _ := out[name].([]any)
			for _, v := range vals {
				list = append(list, v)
			}
			out[name] = list
		default:
			nested, _ := out[name].(map[string]any)
			if nested == nil {
				nested = map[string]any{}
			}
			nested[sub] = vals[len(vals)-1]
			out[name] = nested
		}
	}
	return out
}

func splitKey(k string) (name, sub string, ok bool) {
	open := strings.IndexByte(k, '[')
	if open <= 0 || !strings.HasSuffix(k, "]") {
		return k, "", false
	}
	return k[:open], k[open+1 : len(k)-1], true
}

// Strings returns v as a list of strings; scalars yield a single element.
func Strings(v any) []string {
	switch t := v.(type) {
	case nil:
		return nil
	case string:
		if t == "" {
			return nil
		}
		return []string{t}
	case []string:
		return t
	case []any:
		out := make([]string, 0, len(t))
		for _, e := range t {
			if s, ok := e.(string); ok && s != "" {
				out = append(out, s)
			}
		}
		return out
	default:
		return nil
	}
}
