// Package export renders chat transcripts as PDF, HTML or Markdown.
package export

import (
	"errors"
	"time"

	"parley/internal/sources"
)

type Format string

const (
	FormatPDF      Format = "pdf"
	FormatHTML     Format = "html"
	FormatMarkdown Format = "markdown"
)

// ParseFormat accepts the format names clients send; "md" is an alias for markdown.
func ParseFormat(value string) (Format, bool) {
	switch value {
	case "pdf":
		return FormatPDF, true
	case "html":
		return FormatHTML, true
	case "markdown", "md":
		return FormatMarkdown, true
	default:
		return "", false
	}
}

type Request struct {
	ChatID         string
	Format         Format
	IncludeSources bool
}

// Transcript is a chat flattened for rendering.
type Transcript struct {
	Title      string
	Model      string
	Author     string
	CreatedAt  time.Time
	ExportedAt time.Time
	Messages   []TranscriptMessage
}

type TranscriptMessage struct {
	Role      string
	Text      string
	Model     string
	CreatedAt time.Time
	Sources   []sources.NormalizedSource
}

type Result struct {
	Data     []byte
	Filename string
	MimeType string
}

var (
	// ErrPDFDependencyMissing indicates no Chrome binary is available for PDF rendering.
	ErrPDFDependencyMissing = errors.New("export pdf dependency missing")
	ErrUnsupportedFormat    = errors.New("unsupported export format")
)
