// Package prompt assembles the fixed-layout prompt handed to the external
// generator.
package prompt

import (
	"fmt"
	"log/slog"
	"reflect"
	"strings"

	"github.com/l0p7/contractcache/internal/canonical"
	"github.com/l0p7/contractcache/internal/contract"
	"github.com/l0p7/contractcache/internal/templates"
)

// Section headers. Downstream parsers split on these, so they must not change.
const (
	HeaderEconomyRules = "## ECONOMY RULES"
	HeaderOutputSchema = "## OUTPUT SCHEMA (JSON)"
	HeaderPatchMode    = "## PATCH MODE"
	HeaderInputPayload = "## INPUT PAYLOAD (JSON)"
	BaseDocumentLabel  = "BASE_DOCUMENT:"
)

// PatchInstruction is the body of the patch-mode section.
const PatchInstruction = `Do not rewrite the full document. Respond with a JSON array of patch operations against BASE_DOCUMENT.
Each operation is an object {"op": "add" | "replace" | "remove", "path": "<JSON Pointer into BASE_DOCUMENT>", "value": <new value, omitted for remove>}.
Emit the smallest list of operations that produces the required result.`

const layoutSource = `{{ .ContractText }}

` + HeaderEconomyRules + `
{{- range .EconomyRules }}
- {{ . }}
{{- end }}

` + HeaderOutputSchema + `
{{ .Schema }}
{{- if .Patch }}

` + HeaderPatchMode + `
{{ .PatchInstruction }}
` + BaseDocumentLabel + `
{{ .BaseDocument }}
{{- end }}

` + HeaderInputPayload + `
{{ .Payload }}
`

// Mode distinguishes a full-document request from a minimal-patch request.
type Mode string

const (
	ModeFull  Mode = "full"
	ModePatch Mode = "patch"
)

// Source records where the contract text came from.
type Source string

const (
	SourceOverride    Source = "override"
	SourceStore       Source = "store"
	SourcePlaceholder Source = "placeholder"
)

// Option adjusts a single Build call.
type Option func(*options)

type options struct {
	contractText *string
	patchAgainst any
}

// WithContractText uses text verbatim instead of looking the contract up.
func WithContractText(text string) Option {
	return func(o *options) { o.contractText = &text }
}

// WithPatchAgainst switches the prompt to patch mode against doc. A nil doc,
// including a nil map, slice or pointer, leaves the prompt in full mode.
func WithPatchAgainst(doc any) Option {
	return func(o *options) { o.patchAgainst = doc }
}

// Prompt is an assembled prompt plus how it was assembled.
type Prompt struct {
	Text   string
	Source Source
	Mode   Mode
}

type layoutData struct {
	ContractText     string
	EconomyRules     []string
	Schema           string
	Patch            bool
	PatchInstruction string
	BaseDocument     string
	Payload          string
}

// Builder renders prompts for contract specs. It is safe for concurrent use.
type Builder struct {
	store  contract.Store
	layout *templates.Template
	logger *slog.Logger
}

// NewBuilder returns a builder that resolves contract text through store. A
// nil store means every prompt without an override uses the placeholder.
func NewBuilder(store contract.Store, logger *slog.Logger) *Builder {
	if logger == nil {
		logger = slog.Default()
	}
	renderer := templates.NewRenderer(nil)
	return &Builder{
		store:  store,
		layout: renderer.MustCompileInline("prompt-layout", layoutSource),
		logger: logger.With(slog.String("agent", "prompt_builder")),
	}
}

// Placeholder is the contract text used when no contract file exists.
func Placeholder(name, version string) string {
	return fmt.Sprintf("CONTRACT %s@%s (contract text not found; follow the schema and rules below)", name, version)
}

// Mode reports which output contract the options select.
func (b *Builder) Mode(opts ...Option) Mode {
	return collect(opts).mode()
}

// Build returns the prompt text. Missing contracts never fail the build; the
// only errors come from values that cannot be encoded as JSON.
func (b *Builder) Build(spec contract.Spec, payload any, opts ...Option) (string, error) {
	p, err := b.Assemble(spec, payload, opts...)
	if err != nil {
		return "", err
	}
	return p.Text, nil
}

// Assemble is Build with the contract source and mode reported alongside.
func (b *Builder) Assemble(spec contract.Spec, payload any, opts ...Option) (Prompt, error) {
	o := collect(opts)
	text, source := b.resolve(spec, o)

	schema, err := canonical.MarshalIndent(spec.Schema)
	if err != nil {
		return Prompt{}, fmt.Errorf("prompt: encode schema: %w", err)
	}
	body, err := canonical.Marshal(payload)
	if err != nil {
		return Prompt{}, fmt.Errorf("prompt: encode payload: %w", err)
	}

	data := layoutData{
		ContractText: text,
		EconomyRules: spec.EconomyRules,
		Schema:       string(schema),
		Payload:      string(body),
	}
	mode := o.mode()
	if mode == ModePatch {
		base, err := canonical.Marshal(o.patchAgainst)
		if err != nil {
			return Prompt{}, fmt.Errorf("prompt: encode base document: %w", err)
		}
		data.Patch = true
		data.PatchInstruction = PatchInstruction
		data.BaseDocument = string(base)
	}

	rendered, err := b.layout.Render(data)
	if err != nil {
		return Prompt{}, fmt.Errorf("prompt: render: %w", err)
	}
	return Prompt{Text: rendered, Source: source, Mode: mode}, nil
}

func (b *Builder) resolve(spec contract.Spec, o options) (string, Source) {
	if o.contractText != nil {
		return *o.contractText, SourceOverride
	}
	if b.store != nil {
		res := b.store.Lookup(spec.Name, spec.Version)
		if res.Found {
			return strings.TrimSpace(res.Text), SourceStore
		}
	}
	b.logger.Warn("contract text not found, using placeholder",
		slog.String("contract", spec.Name),
		slog.String("version", spec.Version),
	)
	return Placeholder(spec.Name, spec.Version), SourcePlaceholder
}

func collect(opts []Option) options {
	var o options
	for _, opt := range opts {
		if opt != nil {
			opt(&o)
		}
	}
	return o
}

func (o options) mode() Mode {
	if isAbsent(o.patchAgainst) {
		return ModeFull
	}
	return ModePatch
}

// isAbsent treats typed nils (a nil map, slice or pointer) like a nil doc.
func isAbsent(doc any) bool {
	if doc == nil {
		return true
	}
	switch v := reflect.ValueOf(doc); v.Kind() {
	case reflect.Map, reflect.Slice, reflect.Pointer, reflect.Interface:
		return v.IsNil()
	}
	return false
}
