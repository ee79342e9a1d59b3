// Package render produces the HTML fragments returned to the browser after
// a submission: the flash banner, its inline scripts and the CAPTCHA widget.
package render

import (
	"bytes"
	"embed"
	"encoding/json"
	"fmt"
	"html/template"
	"io/fs"
	"os"
	"path"
	"path/filepath"
	"strings"
)

//go:embed partials/*.html
var builtin embed.FS

// Partial names shipped with the service.
const (
	PartialFlash     = "flash"
	PartialRecaptcha = "recaptcha"
)

// Flash is the data handed to flash partials.
type Flash struct {
	Status  string
	Type    string
	Content string
	Errors  []string
	Script  template.JS
}

// Widget is the data handed to the CAPTCHA widget partial.
type Widget struct {
	SiteKey   string
	Size      string
	Invisible bool
}

// Renderer executes named partials.
type Renderer struct {
	partials map[string]*template.Template
}

// New loads the built-in partials and every *.html file in dir, which may
// override them. dir may be empty.
func New(dir string) (*Renderer, error) {
	r := &Renderer{partials: map[string]*template.Template{}}
	names, err := fs.Glob(builtin, "partials/*.html")
	if err != nil {
		return nil, err
	}
	for _, name := range names {
		buf, err := builtin.ReadFile(name)
		if err != nil {
			return nil, err
		}
		if err := r.add(strings.TrimSuffix(path.Base(name), ".html"), string(buf)); err != nil {
			return nil, err
		}
	}
	if dir == "" {
		return r, nil
	}
	files, err := filepath.Glob(filepath.Join(dir, "*.html"))
	if err != nil {
		return nil, err
	}
	for _, file := range files {
		buf, err := os.ReadFile(file)
		if err != nil {
			return nil, err
		}
		if err := r.add(strings.TrimSuffix(filepath.Base(file), ".html"), string(buf)); err != nil {
			return nil, err
		}
	}
	return r, nil
}

func (r *Renderer) add(name, body string) error {
	t, err := template.New(name).Parse(body)
	if err != nil {
		return fmt.Errorf("parse partial %s: %w", name, err)
	}
	r.partials[name] = t
	return nil
}

// Exists reports whether a partial is registered.
func (r *Renderer) Exists(name string) bool {
	_, ok := r.partials[name]
	return ok
}

// Render executes partial name with data. Unknown names fall back to the
// flash partial.
func (r *Renderer) Render(name string, data any) (string, error) {
	t, ok := r.partials[name]
	if !ok {
		t = r.partials[PartialFlash]
	}
	var buf bytes.Buffer
	if err := t.Execute(&buf, data); err != nil {
		return "", fmt.Errorf("render partial %s: %w", name, err)
	}
	return strings.TrimSpace(buf.String()), nil
}

// RecaptchaResetJS resets every CAPTCHA widget on the page.
const RecaptchaResetJS = "if (typeof grecaptcha !== 'undefined') { grecaptcha.reset(); }"

// ResetFormJS resets the form that contains the element matching selector.
func ResetFormJS(selector string) string {
	quoted, _ := json.Marshal(selector)
	return "(function () { var el = document.querySelector(" + string(quoted) +
		"); var form = el && el.closest('form'); if (form) { form.reset(); } })();"
}

// FlashTarget is the DOM selector of a form's flash container.
func FlashTarget(alias string) string {
	return "#" + alias + "_forms_flash"
}
