package templates

import (
	"bytes"
	"errors"
	"fmt"
	"strings"
	"text/template"

	sprig "github.com/Masterminds/sprig/v3"
)

// Renderer compiles text templates with the sprig function map. Helpers that
// read the process environment or the filesystem are removed so rendered
// output depends only on the data passed to Render.
type Renderer struct {
	funcs template.FuncMap
}

// Template is a compiled template, safe for concurrent use.
type Template struct {
	name string
	tmpl *template.Template
}

// NewRenderer builds a renderer; extra functions override sprig entries of the
// same name.
func NewRenderer(extra template.FuncMap) *Renderer {
	funcs := sprig.TxtFuncMap()
	restricted := []string{
		"env",
		"expandenv",
		"readDir",
		"mustReadDir",
		"readFile",
		"mustReadFile",
		"glob",
	}
	for _, name := range restricted {
		delete(funcs, name)
	}
	for name, fn := range extra {
		funcs[name] = fn
	}
	return &Renderer{funcs: funcs}
}

// CompileInline parses source. Missing map keys are errors so a layout cannot
// silently drop a section.
func (r *Renderer) CompileInline(name, source string) (*Template, error) {
	if strings.TrimSpace(source) == "" {
		return nil, fmt.Errorf("templates: %q is empty", name)
	}
	if name == "" {
		name = "inline"
	}
	tmpl, err := template.New(name).Funcs(r.funcs).Option("missingkey=error").Parse(source)
	if err != nil {
		return nil, fmt.Errorf("templates: compile %q: %w", name, err)
	}
	return &Template{name: name, tmpl: tmpl}, nil
}

// MustCompileInline is CompileInline for package-level layouts.
func (r *Renderer) MustCompileInline(name, source string) *Template {
	t, err := r.CompileInline(name, source)
	if err != nil {
		panic(err)
	}
	return t
}

// Render executes the template with data.
func (t *Template) Render(data any) (string, error) {
	if t == nil {
		return "", errors.New("templates: nil template")
	}
	var buf bytes.Buffer
	if err := t.tmpl.Execute(&buf, data); err != nil {
		return "", fmt.Errorf("templates: execute %q: %w", t.name, err)
	}
	return buf.String(), nil
}

// Name returns the logical template name.
func (t *Template) Name() string {
	if t == nil {
		return ""
	}
	return t.name
}
