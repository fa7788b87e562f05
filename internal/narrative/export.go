package narrative

import (
	"bytes"
	"encoding/json"
	"strings"
	"time"

	"github.com/rotisserie/eris"
	"github.com/yuin/goldmark"
)

// ErrUnsupportedExportFormat is returned by Export for unknown formats.
var ErrUnsupportedExportFormat = eris.New("unsupported export format")

// Export formats.
const (
	FormatJSON     = "json"
	FormatMarkdown = "markdown"
	FormatHTML     = "html"
)

// ExportFormats lists the formats Export accepts.
var ExportFormats = []string{FormatJSON, FormatMarkdown, FormatHTML}

type exportJSON struct {
	Title       string         `json:"title"`
	Summary     string         `json:"summary"`
	Evidence    map[string]any `json:"evidence"`
	Actions     []string       `json:"actions"`
	GeneratedAt string         `json:"generated_at"`
	Author      string         `json:"author"`
}

// Export renders n as json, markdown or html.
func Export(n *Narrative, format string) ([]byte, error) {
	switch strings.ToLower(format) {
	case FormatJSON:
		return exportAsJSON(n)
	case FormatMarkdown, "md":
		return exportAsMarkdown(n)
	case FormatHTML:
		md, err := exportAsMarkdown(n)
		if err != nil {
			return nil, err
		}
		var buf bytes.Buffer
		if err := goldmark.Convert(md, &buf); err != nil {
			return nil, eris.Wrap(err, "narrative: render html")
		}
		return buf.Bytes(), nil
	}
	return nil, eris.Wrapf(ErrUnsupportedExportFormat, "narrative: %q (use %s)", format, strings.Join(ExportFormats, ", "))
}

func exportAsJSON(n *Narrative) ([]byte, error) {
	out := exportJSON{
		Title:       n.Title,
		Summary:     n.Summary,
		Evidence:    n.Evidence,
		Actions:     n.Actions,
		GeneratedAt: n.GeneratedAt.Format(time.RFC3339),
		Author:      n.Author,
	}
	if out.Evidence == nil {
		out.Evidence = map[string]any{}
	}
	if out.Actions == nil {
		out.Actions = []string{}
	}
	data, err := json.MarshalIndent(out, "", "  ")
	if err != nil {
		return nil, eris.Wrap(err, "narrative: marshal json export")
	}
	return data, nil
}

func exportAsMarkdown(n *Narrative) ([]byte, error) {
	evidence := n.Evidence
	if evidence == nil {
		evidence = map[string]any{}
	}
	ev, err := json.MarshalIndent(evidence, "", "  ")
	if err != nil {
		return nil, eris.Wrap(err, "narrative: marshal evidence")
	}

	var b strings.Builder
	b.WriteString("# " + n.Title + "\n\n")
	b.WriteString("## Summary\n" + n.Summary + "\n\n")
	b.WriteString("## Evidence\n```json\n" + string(ev) + "\n```\n\n")
	b.WriteString("## Actions\n")
	for _, a := range n.Actions {
		b.WriteString("- " + a + "\n")
	}
	b.WriteString("\n---\n")
	b.WriteString("Generated on: " + n.GeneratedAt.Format(time.RFC3339) + "\n")
	b.WriteString("Author: " + n.Author + "\n")
	return []byte(b.String()), nil
}
