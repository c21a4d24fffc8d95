package manifest

import (
	"bytes"
	"fmt"
	"go/format"
	"text/template"

	"github.com/spf13/afero"
)

// fileTemplate is the generated constants file. One typed constant per
// topic keeps subscriptions compile-time checked.
const fileTemplate = `// Code generated by remora topics gen. DO NOT EDIT.

package {{.Package}}

import "github.com/nfrund/remora/internal/topics"

const (
{{- range .Topics}}
	// {{identifier .Name}} is the "{{.Name}}" topic.{{with .Doc}} {{.}}{{end}}
	{{identifier .Name}} topics.Topic = "{{.Name}}"
{{- end}}
)
`

// Generate renders the constants file for m and writes it to path,
// gofmt'ed.
func Generate(fs afero.Fs, m *Manifest, path string) error {
	pkg := m.Package
	if pkg == "" {
		pkg = "topics"
	}

	tmpl := template.Must(template.New("topics").Funcs(template.FuncMap{
		"identifier": Identifier,
	}).Parse(fileTemplate))

	var buf bytes.Buffer
	data := struct {
		Package string
		Topics  []Topic
	}{Package: pkg, Topics: m.Topics}
	if err := tmpl.Execute(&buf, data); err != nil {
		return fmt.Errorf("render topics file: %w", err)
	}

	src, err := format.Source(buf.Bytes())
	if err != nil {
		return fmt.Errorf("format topics file: %w", err)
	}
	if err := afero.WriteFile(fs, path, src, 0o644); err != nil {
		return fmt.Errorf("write %s: %w", path, err)
	}
	return nil
}
