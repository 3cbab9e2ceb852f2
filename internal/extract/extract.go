// Package extract turns uploaded file bytes into plain text.
package extract

import (
	"context"
	"fmt"
	"mime"
	"path/filepath"
	"strings"

	"github.com/cwru-xlab/case-study-ai-avatar-sub003/internal/knowledge"
)

const (
	MimePDF      = "application/pdf"
	MimeText     = "text/plain"
	MimeMarkdown = "text/markdown"
	MimeDOCX     = "application/vnd.openxmlformats-officedocument.wordprocessingml.document"
)

// Result is the extracted text and the best title found for it.
type Result struct {
	Text  string
	Title string
}

type extractFunc func(data []byte) (text, title string, err error)

// Extractor dispatches on mime type. The zero value is not usable; call New.
type Extractor struct {
	byType map[string]extractFunc
}

func New() *Extractor {
	return &Extractor{
		byType: map[string]extractFunc{
			MimePDF:      extractPDF,
			MimeText:     extractPlainText,
			MimeMarkdown: extractMarkdown,
			MimeDOCX:     extractDOCX,
		},
	}
}

// NormalizeMimeType lowercases m and drops parameters such as charset.
func NormalizeMimeType(m string) string {
	if mt, _, err := mime.ParseMediaType(m); err == nil {
		return mt
	}
	m, _, _ = strings.Cut(m, ";")
	return strings.ToLower(strings.TrimSpace(m))
}

// Supports reports whether mimeType can be extracted.
func (e *Extractor) Supports(mimeType string) bool {
	_, ok := e.byType[NormalizeMimeType(mimeType)]
	return ok
}

// MimeTypeFromFilename maps known extensions for clients that upload as
// application/octet-stream. Unknown extensions return "".
func MimeTypeFromFilename(name string) string {
	switch strings.ToLower(filepath.Ext(name)) {
	case ".pdf":
		return MimePDF
	case ".txt", ".text":
		return MimeText
	case ".md", ".markdown":
		return MimeMarkdown
	case ".docx":
		return MimeDOCX
	}
	return ""
}

// Extract returns the text of data. filename only feeds the title fallback.
func (e *Extractor) Extract(ctx context.Context, data []byte, mimeType, filename string) (Result, error) {
	if err := ctx.Err(); err != nil {
		return Result{}, err
	}
	mt := NormalizeMimeType(mimeType)
	fn, ok := e.byType[mt]
	if !ok {
		return Result{}, fmt.Errorf("%w: %q", knowledge.ErrUnsupportedType, mimeType)
	}

	text, title, err := fn(data)
	if err != nil {
		return Result{}, fmt.Errorf("%w: %s: %w", knowledge.ErrExtractionFailed, mt, err)
	}
	if title == "" {
		title = TitleFromFilename(filename)
	}
	return Result{Text: text, Title: title}, nil
}

// TitleFromFilename strips the extension and turns '_' and '-' into spaces.
func TitleFromFilename(name string) string {
	base := filepath.Base(name)
	if base == "." || base == "/" {
		return ""
	}
	base = strings.TrimSuffix(base, filepath.Ext(base))
	base = strings.NewReplacer("_", " ", "-", " ").Replace(base)
	return strings.TrimSpace(base)
}
