package export

import (
	"bytes"
	"fmt"
	"html/template"
	"strings"
	"time"
)

var transcriptTemplate = template.Must(template.New("transcript").Funcs(template.FuncMap{
	"formatDate": func(t time.Time, layout string) string {
		if t.IsZero() {
			return ""
		}
		return t.Format(layout)
	},
	"roleLabel": roleLabel,
	"paragraphs": func(text string) []string {
		return strings.Split(strings.TrimSpace(text), "\n\n")
	},
}).Parse(transcriptHTML))

// RenderHTML renders the transcript as a standalone HTML page.
func RenderHTML(t Transcript) (string, error) {
	var buf bytes.Buffer
	if err := transcriptTemplate.Execute(&buf, t); err != nil {
		return "", err
	}
	return buf.String(), nil
}

// RenderMarkdown renders the transcript as Markdown, one heading per message.
func RenderMarkdown(t Transcript) string {
	var b strings.Builder
	fmt.Fprintf(&b, "# %s\n\n", firstNonBlank(t.Title, "Untitled chat"))
	var meta []string
	if t.Author != "" {
		meta = append(meta, t.Author)
	}
	if t.Model != "" {
		meta = append(meta, t.Model)
	}
	if !t.CreatedAt.IsZero() {
		meta = append(meta, t.CreatedAt.UTC().Format("Jan 2, 2006"))
	}
	if len(meta) > 0 {
		fmt.Fprintf(&b, "_%s_\n\n", strings.Join(meta, " · "))
	}

	for _, msg := range t.Messages {
		fmt.Fprintf(&b, "## %s\n\n", roleLabel(msg.Role))
		if text := strings.TrimSpace(msg.Text); text != "" {
			b.WriteString(text)
			b.WriteString("\n\n")
		}
		if len(msg.Sources) > 0 {
			b.WriteString("**Sources**\n\n")
			for i, src := range msg.Sources {
				title := firstNonBlank(src.Title, src.URL, src.ID)
				if src.URL != "" {
					fmt.Fprintf(&b, "%d. [%s](%s)\n", i+1, title, src.URL)
				} else {
					fmt.Fprintf(&b, "%d. %s\n", i+1, title)
				}
			}
			b.WriteString("\n")
		}
	}
	return strings.TrimRight(b.String(), "\n") + "\n"
}

func roleLabel(role string) string {
	switch role {
	case "user":
		return "You"
	case "assistant":
		return "Assistant"
	case "":
		return "Unknown"
	default:
		return strings.ToUpper(role[:1]) + role[1:]
	}
}

func firstNonBlank(values ...string) string {
	for _, value := range values {
		if strings.TrimSpace(value) != "" {
			return value
		}
	}
	return ""
}

const transcriptHTML = `<!DOCTYPE html>
<html>
<head>
  <meta charset="UTF-8">
  <title>{{.Title}}</title>
  <style>
    body { font-family: Arial, sans-serif; line-height: 1.6; max-width: 800px; margin: 2rem auto; color: #222; }
    h1 { border-bottom: 2px solid #333; padding-bottom: 0.5rem; }
    .meta { color: #666; font-size: 0.9em; margin-bottom: 2rem; }
    .message { margin: 1.25rem 0; padding: 0.75rem 1rem; border-left: 3px solid #ccc; }
    .message.user { border-color: #3b82f6; background: #f5f8ff; }
    .message.assistant { border-color: #333; }
    .role { font-weight: bold; font-size: 0.85em; text-transform: uppercase; color: #555; }
    .sources { font-size: 0.85em; color: #444; }
  </style>
</head>
<body>
  <h1>{{.Title}}</h1>
  <div class="meta">{{if .Author}}{{.Author}} | {{end}}{{if .Model}}{{.Model}} | {{end}}{{formatDate .CreatedAt "Jan 2, 2006"}}</div>
  {{range .Messages}}
  <div class="message {{.Role}}">
    <div class="role">{{roleLabel .Role}}</div>
    {{range paragraphs .Text}}<p>{{.}}</p>{{end}}
    {{if .Sources}}
    <ol class="sources">
      {{range .Sources}}<li>{{if .URL}}<a href="{{.URL}}">{{if .Title}}{{.Title}}{{else}}{{.URL}}{{end}}</a>{{else}}{{if .Title}}{{.Title}}{{else}}{{.ID}}{{end}}{{end}}</li>{{end}}
    </ol>
    {{end}}
  </div>
  {{end}}
  <div class="meta">Exported {{formatDate .ExportedAt "Jan 2, 2006 15:04 MST"}}</div>
</body>
</html>`
