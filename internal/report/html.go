package report

import (
	"fmt"
	"html/template"
	"io"
	"os"
	"path/filepath"
	"strings"
)

var htmlTemplate = template.Must(template.New("report").Parse(`<!doctype html>
<html><head><meta charset="utf-8">
<title>Post-Trade Report {{.From}} to {{.To}}</title>
<style>
  body { font-family: Segoe UI, Arial, sans-serif; background: #F6F8FC; color: #0B1220; padding: 24px; }
  .card { background: white; border: 1px solid #D8E1F0; border-radius: 14px; padding: 16px; margin: 14px 0; }
  h1 { margin: 0 0 8px 0; font-size: 22px; }
  h2 { margin: 0 0 8px 0; font-size: 16px; }
  .meta { color: #5E6B85; font-size: 12px; margin-bottom: 12px; line-height: 1.5; }
  table { width: 100%; border-collapse: collapse; font-size: 12px; }
  th, td { border-bottom: 1px solid #EEF3FF; padding: 8px 10px; text-align: left; white-space: nowrap; }
  th { background: #F8FAFF; position: sticky; top: 0; }
  tr.total td { font-weight: 700; background: #F8FAFF; }
  .top { color: #0B6B2A; font-weight: 700; }
  .bottom { color: #B91C1C; font-weight: 700; }
  .pill { display: inline-block; padding: 2px 8px; border-radius: 999px; font-size: 11px; border: 1px solid #D8E1F0; }
  .summary { white-space: pre-line; }
</style>
</head><body>
<div class="card">
  <h1>Post-Trade Report</h1>
  <div class="meta">
    Range: <span class="pill">{{.From}}</span> → <span class="pill">{{.To}}</span>
    • N: <span class="pill">{{.N}}</span>
    • Ranking: <span class="pill">{{.Mode}}</span>
    • Rows: <span class="pill">{{.Lines}}</span>
    <div class="summary">{{.Summary}}</div>
  </div>
</div>
{{range .Blocks}}
<div class="card">
  <h2>{{.Metric}} • <span class="{{.Class}}">{{.RankType}}</span></h2>
  <table>
    <thead><tr><th>sign</th><th>rank</th><th>metric_value</th>{{range $.Fields}}<th>{{.}}</th>{{end}}</tr></thead>
    <tbody>
    {{range .Lines}}<tr{{if .IsTotal}} class="total"{{end}}><td>{{.Sign}}</td><td>{{.RankLabel}}</td><td>{{.Value.StringFixed 2}}</td>{{range .Fields}}<td>{{.}}</td>{{end}}</tr>
    {{end}}
    </tbody>
  </table>
</div>
{{end}}
</body></html>
`))

type htmlBlock struct {
	Metric   string
	RankType string
	Class    string
	Lines    []Line
}

type htmlPage struct {
	From, To string
	N        int
	Mode     Mode
	Lines    int
	Summary  string
	Fields   []string
	Blocks   []htmlBlock
}

// RenderHTML writes rep as a standalone HTML page with the summary lines in its header.
func RenderHTML(w io.Writer, rep *Report, summary []string) error {
	page := htmlPage{
		From:    dayOrOpen(rep.From.String(), rep.From.IsZero()),
		To:      dayOrOpen(rep.To.String(), rep.To.IsZero()),
		N:       rep.N,
		Mode:    rep.Mode,
		Lines:   len(rep.Lines),
		Summary: "No summary.",
		Fields:  rep.Fields,
	}
	if len(summary) > 0 {
		page.Summary = strings.Join(summary, "\n")
	}

	for _, l := range rep.Lines {
		n := len(page.Blocks)
		if n == 0 || page.Blocks[n-1].Metric != l.Metric || page.Blocks[n-1].RankType != l.RankType {
			class := "bottom"
			if l.RankType == RankTop {
				class = "top"
			}
			page.Blocks = append(page.Blocks, htmlBlock{Metric: l.Metric, RankType: l.RankType, Class: class})
			n++
		}
		page.Blocks[n-1].Lines = append(page.Blocks[n-1].Lines, l)
	}

	if err := htmlTemplate.Execute(w, page); err != nil {
		return fmt.Errorf("failed to render report: %w", err)
	}
	return nil
}

func dayOrOpen(s string, zero bool) string {
	if zero {
		return "open"
	}
	return s
}

// FileName returns the export file name of a report.
func FileName(rep *Report) string {
	name := fmt.Sprintf("report_%s_to_%s.html",
		dayOrOpen(rep.From.String(), rep.From.IsZero()),
		dayOrOpen(rep.To.String(), rep.To.IsZero()))
	return strings.ReplaceAll(name, ":", "-")
}

// WriteHTML renders rep into dir and returns the file path.
func WriteHTML(dir string, rep *Report, summary []string) (string, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("failed to create report directory: %w", err)
	}
	path := filepath.Join(dir, FileName(rep))
	f, err := os.Create(path)
	if err != nil {
		return "", fmt.Errorf("failed to create report file: %w", err)
	}
	defer f.Close()

	if err := RenderHTML(f, rep, summary); err != nil {
		return "", err
	}
	return path, nil
}
