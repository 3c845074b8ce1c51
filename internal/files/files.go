// Package files renders submitted documents to plain text for the model.
//
// Text formats pass through, spreadsheets are flattened sheet by sheet and
// anything else becomes a placeholder marker. An unreadable document never
// fails a job on its own.
package files

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"strings"
	"unicode/utf8"

	"github.com/xuri/excelize/v2"

	"github.com/roach88/atomjob/internal/job"
)

// PlaceholderPrefix starts every marker emitted for unsupported content.
const PlaceholderPrefix = "[unsupported document"

var textExtensions = map[string]bool{
	".txt":  true,
	".csv":  true,
	".tsv":  true,
	".md":   true,
	".json": true,
	".xml":  true,
	".html": true,
	".htm":  true,
}

var spreadsheetExtensions = map[string]bool{
	".xlsx": true,
	".xlsm": true,
}

// Extractor implements the executor's file extraction capability.
type Extractor struct {
	// MaxChars truncates each rendered document. Zero means no limit.
	MaxChars int
	Logger   *slog.Logger
}

// New returns an Extractor with the given per-document limit.
func New(maxChars int, logger *slog.Logger) *Extractor {
	if logger == nil {
		logger = slog.Default()
	}
	return &Extractor{MaxChars: maxChars, Logger: logger}
}

// Extract renders f to text.
func (e *Extractor) Extract(ctx context.Context, f job.InputFile) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}

	ext := strings.ToLower(filepath.Ext(f.Name))
	var text string
	switch {
	case textExtensions[ext] || isTextContentType(f.ContentType):
		text = toValidText(f.Content)
	case spreadsheetExtensions[ext]:
		rendered, err := renderSpreadsheet(f.Content)
		if err != nil {
			e.logger().Warn("files.spreadsheet.unreadable", "name", f.Name, "error", err)
			return Placeholder(f), nil
		}
		text = rendered
	default:
		return Placeholder(f), nil
	}

	if e.MaxChars > 0 && utf8.RuneCountInString(text) > e.MaxChars {
		text = string([]rune(text)[:e.MaxChars]) + "\n[truncated]"
	}
	return text, nil
}

func (e *Extractor) logger() *slog.Logger {
	if e.Logger == nil {
		return slog.Default()
	}
	return e.Logger
}

// Placeholder is the marker used in place of content that cannot be read.
func Placeholder(f job.InputFile) string {
	ct := f.ContentType
	if ct == "" {
		ct = "unknown type"
	}
	return fmt.Sprintf("%s: %s (%s, %d bytes)]", PlaceholderPrefix, f.Name, ct, f.Size)
}

// IsPlaceholder reports whether text is a placeholder marker.
func IsPlaceholder(text string) bool {
	return strings.HasPrefix(text, PlaceholderPrefix)
}

func isTextContentType(ct string) bool {
	ct = strings.ToLower(ct)
	return strings.HasPrefix(ct, "text/") || ct == "application/json" || ct == "application/xml"
}

func toValidText(b []byte) string {
	return strings.ToValidUTF8(string(bytes.TrimPrefix(b, []byte("\xef\xbb\xbf"))), "\uFFFD")
}

// renderSpreadsheet writes every sheet as tab-separated rows under a
// "## Sheet: <name>" heading, skipping empty rows.
func renderSpreadsheet(content []byte) (string, error) {
	f, err := excelize.OpenReader(bytes.NewReader(content))
	if err != nil {
		return "", fmt.Errorf("open workbook: %w", err)
	}
	defer func() { _ = f.Close() }()

	var b strings.Builder
	for i, sheet := range f.GetSheetList() {
		rows, err := f.GetRows(sheet)
		if err != nil {
			return "", fmt.Errorf("read sheet %q: %w", sheet, err)
		}
		if i > 0 {
			b.WriteString("\n")
		}
		b.WriteString("## Sheet: ")
		b.WriteString(sheet)
		b.WriteString("\n")
		for _, row := range rows {
			if strings.TrimSpace(strings.Join(row, "")) == "" {
				continue
			}
			b.WriteString(strings.Join(row, "\t"))
			b.WriteString("\n")
		}
	}
	return b.String(), nil
}
