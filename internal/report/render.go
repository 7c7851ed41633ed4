package report

import (
	"embed"
	"fmt"
	"html/template"
	"io"
	"time"
)

//go:embed templates/*.html
var templateFS embed.FS

var reportTemplate = template.Must(template.New("report.html").
	Funcs(template.FuncMap{"signed": func(v int64) string { return fmt.Sprintf("%+d", v) }}).
	ParseFS(templateFS, "templates/report.html"))

// Renderer writes the HTML coverage table.
type Renderer struct {
	// Now stamps the page. Nil leaves the stamp out.
	Now func() time.Time
}

func (r Renderer) Render(w io.Writer, diffs []TargetStatusDiff) error {
	data := struct {
		Generated string
		Diffs     []TargetStatusDiff
	}{Diffs: diffs}
	if r.Now != nil {
		data.Generated = r.Now().UTC().Format("2006-01-02 15:04:05 UTC")
	}
	if err := reportTemplate.Execute(w, data); err != nil {
		return fmt.Errorf("render report: %w", err)
	}
	return nil
}
