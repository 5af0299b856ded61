package templates

import (
	"strings"
	"testing"
	"text/template"

	"github.com/stretchr/testify/require"
)

func TestRendererRemovesEnvironmentAndFilesystemHelpers(t *testing.T) {
	renderer := NewRenderer(nil)
	for _, name := range []string{"env", "expandenv", "readFile", "glob"} {
		_, err := renderer.CompileInline("inline", "{{ "+name+" \"x\" }}")
		require.Error(t, err, "helper %s should be unavailable", name)
	}
}

func TestRendererKeepsSprigHelpers(t *testing.T) {
	renderer := NewRenderer(nil)
	tmpl, err := renderer.CompileInline("inline", `{{ .name | upper }}|{{ list "a" "b" | join "," }}`)
	require.NoError(t, err)
	out, err := tmpl.Render(map[string]any{"name": "hub"})
	require.NoError(t, err)
	require.Equal(t, "HUB|a,b", out)
}

func TestRendererExtraFuncsOverride(t *testing.T) {
	renderer := NewRenderer(template.FuncMap{
		"upper": func(s string) string { return "<" + s + ">" },
		"shout": func(s string) string { return strings.ToUpper(s) + "!" },
	})
	tmpl, err := renderer.CompileInline("inline", `{{ upper .v }} {{ shout .v }}`)
	require.NoError(t, err)
	out, err := tmpl.Render(map[string]any{"v": "x"})
	require.NoError(t, err)
	require.Equal(t, "<x> X!", out)
}

func TestRendererMissingKeyIsError(t *testing.T) {
	tmpl, err := NewRenderer(nil).CompileInline("layout", "{{ .missing }}")
	require.NoError(t, err)
	_, err = tmpl.Render(map[string]any{})
	require.Error(t, err)
	require.Contains(t, err.Error(), "layout")
}

func TestRendererRejectsEmptySource(t *testing.T) {
	_, err := NewRenderer(nil).CompileInline("blank", "  \n")
	require.Error(t, err)

	var nilTemplate *Template
	_, err = nilTemplate.Render(nil)
	require.Error(t, err)
	require.Empty(t, nilTemplate.Name())
}

func TestMustCompileInlinePanicsOnBadSource(t *testing.T) {
	require.Panics(t, func() {
		NewRenderer(nil).MustCompileInline("bad", "{{ .x ")
	})
	tmpl := NewRenderer(nil).MustCompileInline("good", "ok")
	require.Equal(t, "good", tmpl.Name())
}
