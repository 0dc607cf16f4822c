// Package extract turns document payloads into plain text, keyed by mime type.
package extract

import (
	"context"
	"fmt"
	"log/slog"
	"mime"
	"regexp"
	"sort"
	"strings"
	"sync"
	"unicode/utf8"

	"github.com/c360/docrelay/errors"
)

// Mime types with a built-in extractor
const (
	MimeText     = "text/plain"
	MimeMarkdown = "text/markdown"
	MimeCSV      = "text/csv"
	MimePDF      = "application/pdf"
	MimeDOCX     = "application/vnd.openxmlformats-officedocument.wordprocessingml.document"
	MimeXLSX     = "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet"
)

// Extractor converts raw bytes to text
type Extractor interface {
	Extract(ctx context.Context, data []byte) (string, error)
}

// ExtractorFunc adapts a function to Extractor
type ExtractorFunc func(ctx context.Context, data []byte) (string, error)

// Extract implements Extractor
func (f ExtractorFunc) Extract(ctx context.Context, data []byte) (string, error) {
	return f(ctx, data)
}

// Format describes a supported format for user-facing listings
type Format struct {
	MimeType string `json:"mimeType"`
	Label    string `json:"label"`
}

type entry struct {
	format    Format
	extractor Extractor
}

// Registry maps mime types to extractors
type Registry struct {
	mu            sync.RWMutex
	entries       map[string]entry
	minTextLength int
	logger        *slog.Logger
}

// NewRegistry creates an empty registry. Extracted text shorter than
// minTextLength runes is rejected.
func NewRegistry(minTextLength int, logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{
		entries:       make(map[string]entry),
		minTextLength: minTextLength,
		logger:        logger.With("component", "extract"),
	}
}

// NewDefaultRegistry registers the built-in text, PDF, Word and Excel extractors
func NewDefaultRegistry(minTextLength int, logger *slog.Logger) *Registry {
	r := NewRegistry(minTextLength, logger)
	r.Register(MimePDF, "PDF documents (.pdf)", ExtractorFunc(extractPDF))
	r.Register(MimeDOCX, "Word documents (.docx)", ExtractorFunc(extractDOCX))
	r.Register(MimeXLSX, "Excel spreadsheets (.xlsx)", ExtractorFunc(extractXLSX))
	r.Register(MimeText, "Text files (.txt)", ExtractorFunc(extractText))
	r.Register(MimeMarkdown, "Markdown files (.md)", ExtractorFunc(extractText))
	r.Register(MimeCSV, "CSV files (.csv)", ExtractorFunc(extractText))
	return r
}

// Register adds or replaces the extractor for mimeType
func (r *Registry) Register(mimeType, label string, ex Extractor) {
	mt := Normalize(mimeType)
	r.mu.Lock()
	r.entries[mt] = entry{format: Format{MimeType: mt, Label: label}, extractor: ex}
	r.mu.Unlock()
}

// Normalize lower-cases a mime type and strips parameters
func Normalize(mimeType string) string {
	if mt, _, err := mime.ParseMediaType(mimeType); err == nil {
		return mt
	}
	return strings.ToLower(strings.TrimSpace(mimeType))
}

// Supports reports whether mimeType has an extractor
func (r *Registry) Supports(mimeType string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.entries[Normalize(mimeType)]
	return ok
}

// Formats lists supported formats ordered by label
func (r *Registry) Formats() []Format {
	r.mu.RLock()
	out := make([]Format, 0, len(r.entries))
	for _, e := range r.entries {
		out = append(out, e.format)
	}
	r.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].Label < out[j].Label })
	return out
}

// Extract runs the extractor for mimeType and normalizes the result. When ctx
// ends first the extractor goroutine is abandoned.
func (r *Registry) Extract(ctx context.Context, mimeType string, data []byte) (string, error) {
	mt := Normalize(mimeType)
	r.mu.RLock()
	e, ok := r.entries[mt]
	r.mu.RUnlock()
	if !ok {
		return "", fmt.Errorf("no extractor for %s: %w", mt, errors.ErrUnsupported)
	}

	type result struct {
		text string
		err  error
	}
	done := make(chan result, 1)
	go func() {
		defer func() {
			if rec := recover(); rec != nil {
				done <- result{err: fmt.Errorf("%s extractor panicked: %v: %w", mt, rec, errors.ErrParsingFailed)}
			}
		}()
		text, err := e.extractor.Extract(ctx, data)
		done <- result{text: text, err: err}
	}()

	var res result
	select {
	case res = <-done:
	case <-ctx.Done():
		return "", fmt.Errorf("extract %s: %w", mt, ctx.Err())
	}
	if res.err != nil {
		return "", res.err
	}

	text := CleanText(res.text)
	if n := utf8.RuneCountInString(text); n < r.minTextLength {
		return "", fmt.Errorf("extracted %d characters, need at least %d: %w",
			n, r.minTextLength, errors.ErrInvalidData)
	}
	r.logger.Debug("Text extracted", "mime_type", mt, "bytes", len(data), "chars", len(text))
	return text, nil
}

var (
	controlChars = regexp.MustCompile(`[\x00-\x08\x0B\x0C\x0E-\x1F\x7F]`)
	inlineSpace  = regexp.MustCompile(`[ \t\x{00A0}]+`)
	manyNewlines = regexp.MustCompile(`\n{3,}`)
)

// CleanText strips control characters, collapses runs of blanks and keeps
// at most one empty line between paragraphs.
func CleanText(s string) string {
	s = strings.ToValidUTF8(s, "")
	s = strings.ReplaceAll(s, "\r\n", "\n")
	s = strings.ReplaceAll(s, "\r", "\n")
	s = controlChars.ReplaceAllString(s, "")
	s = inlineSpace.ReplaceAllString(s, " ")

	lines := strings.Split(s, "\n")
	for i, l := range lines {
		lines[i] = strings.TrimSpace(l)
	}
	s = strings.Join(lines, "\n")
	s = manyNewlines.ReplaceAllString(s, "\n\n")
	return strings.TrimSpace(s)
}
