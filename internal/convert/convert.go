package convert

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"strings"
	"unicode/utf8"
)

// Errors
var (
	// ErrUnsupportedFormat is returned for document types the converter
	// does not recognize.
	ErrUnsupportedFormat = errors.New("unsupported document format")
	// ErrCorrupt is returned for recognized types with unreadable content.
	ErrCorrupt = errors.New("corrupt document")
	// ErrTooLarge is returned when the extracted text exceeds the
	// configured character cap.
	ErrTooLarge = errors.New("document text too large")
)

// Chunk is one retrieval-ready slice of the cleaned document text.
// Offset is the byte offset of Text within the cleaned text.
type Chunk struct {
	Text   string `json:"text"`
	Offset int    `json:"offset"`
}

// Converter turns a raw document into an ordered chunk sequence.
type Converter interface {
	Convert(ctx context.Context, data []byte, declaredMIME string) ([]Chunk, error)
}

// Options bounds the conversion pipeline.
type Options struct {
	ChunkSize    int // characters per chunk
	ChunkOverlap int // characters shared between adjacent chunks
	MaxTextChars int // cap on extracted text length, 0 for no cap
	MaxChunks    int // cap on produced chunks, 0 for no cap
}

// DocumentConverter extracts, cleans, and chunks plain text, Markdown, and
// PDF documents.
type DocumentConverter struct {
	opts Options
}

// New creates a DocumentConverter.
func New(opts Options) *DocumentConverter {
	if opts.ChunkSize <= 0 {
		opts.ChunkSize = 1000
	}
	if opts.ChunkOverlap < 0 || opts.ChunkOverlap >= opts.ChunkSize {
		opts.ChunkOverlap = opts.ChunkSize / 5
	}
	return &DocumentConverter{opts: opts}
}

// Convert extracts text from the document, cleans it, and splits it into
// overlapping chunks.
func (c *DocumentConverter) Convert(ctx context.Context, data []byte, declaredMIME string) ([]Chunk, error) {
	if len(data) == 0 {
		return nil, fmt.Errorf("%w: empty document", ErrCorrupt)
	}

	var text string
	var err error
	switch normalizeMIME(declaredMIME, data) {
	case "application/pdf":
		text, err = extractPDFText(data)
	case "text/plain", "text/markdown":
		text, err = extractPlainText(data)
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnsupportedFormat, declaredMIME)
	}
	if err != nil {
		return nil, err
	}
	if ctx.Err() != nil {
		return nil, ctx.Err()
	}

	if c.opts.MaxTextChars > 0 && utf8.RuneCountInString(text) > c.opts.MaxTextChars {
		return nil, fmt.Errorf("%w: %d characters", ErrTooLarge, utf8.RuneCountInString(text))
	}

	cleaned := CleanText(text)
	if strings.TrimSpace(cleaned) == "" {
		return nil, fmt.Errorf("%w: no extractable text", ErrCorrupt)
	}

	chunks := splitText(cleaned, c.opts.ChunkSize, c.opts.ChunkOverlap)
	if c.opts.MaxChunks > 0 && len(chunks) > c.opts.MaxChunks {
		chunks = chunks[:c.opts.MaxChunks]
	}
	if ctx.Err() != nil {
		return nil, ctx.Err()
	}
	return chunks, nil
}

// normalizeMIME strips parameters from the declared type and falls back to
// content sniffing when the declaration is empty or generic.
func normalizeMIME(declared string, data []byte) string {
	mime := strings.ToLower(strings.TrimSpace(declared))
	if i := strings.IndexByte(mime, ';'); i >= 0 {
		mime = strings.TrimSpace(mime[:i])
	}
	switch mime {
	case "application/pdf", "application/x-pdf":
		return "application/pdf"
	case "text/plain", "text/markdown", "text/x-markdown":
		if mime == "text/plain" {
			return "text/plain"
		}
		return "text/markdown"
	case "", "application/octet-stream":
		if bytes.HasPrefix(data, []byte("%PDF-")) {
			return "application/pdf"
		}
		if utf8.Valid(data) {
			return "text/plain"
		}
	}
	return mime
}

func extractPlainText(data []byte) (string, error) {
	if !utf8.Valid(data) {
		return "", fmt.Errorf("%w: not valid UTF-8 text", ErrCorrupt)
	}
	return string(data), nil
}
