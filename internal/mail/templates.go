package mail

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

//go:embed templates/*.html
var builtin embed.FS

// Registry holds named HTML mail templates. Built-ins are always present;
// a templates directory may add more or override them.
type Registry struct {
	templates map[string]*template.Template
}

var funcs = template.FuncMap{
	"value": display,
}

// NewRegistry loads the built-in templates and every *.html file in dir.
// An empty dir loads only the built-ins.
func NewRegistry(dir string) (*Registry, error) {
	r := &Registry{templates: map[string]*template.Template{}}
	names, err := fs.Glob(builtin, "templates/*.html")
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

func (r *Registry) add(name, body string) error {
	t, err := template.New(name).Funcs(funcs).Parse(body)
	if err != nil {
		return fmt.Errorf("parse mail template %s: %w", name, err)
	}
	r.templates[name] = t
	return nil
}

// Exists reports whether name is registered.
func (r *Registry) Exists(name string) bool {
	_, ok := r.templates[name]
	return ok
}

// Render executes template name with data.
func (r *Registry) Render(name string, data any) (string, error) {
	t, ok := r.templates[name]
	if !ok {
		return "", fmt.Errorf("mail template %q not found", name)
	}
	var buf bytes.Buffer
	if err := t.Execute(&buf, data); err != nil {
		return "", fmt.Errorf("render mail template %s: %w", name, err)
	}
	return buf.String(), nil
}

// display flattens a submitted value for the mail body.
func display(v any) string {
	switch t := v.(type) {
	case nil:
		return ""
	case string:
		return t
	case []any:
		parts := make([]string, 0, len(t))
		for _, item := range t {
			parts = append(parts, display(item))
		}
		return strings.Join(parts, ", ")
	case []string:
		return strings.Join(t, ", ")
	case map[string]any:
		buf, err := json.Marshal(t)
		if err != nil {
			return fmt.Sprint(t)
		}
		return string(buf)
	default:
		return fmt.Sprint(t)
	}
}
