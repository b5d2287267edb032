// Package reader extracts plain text from formulary documents held in memory,
// on disk or behind an http(s) URL.
package reader

import (
	"bytes"
	"context"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/xhad/formulary/internal/models"
)

type format int

const (
	formatUnknown format = iota
	formatText
	formatHTML
	formatPDF
)

type ReaderConfig struct {
	MaxBytes  int64
	Timeout   time.Duration
	RateLimit float64 // URL fetches per second
	Client    *http.Client
}

type DocumentReader struct {
	config  ReaderConfig
	fetcher *Fetcher
}

func NewWithConfig(config ReaderConfig) *DocumentReader {
	if config.MaxBytes == 0 {
		config.MaxBytes = 64 << 20
	}
	return &DocumentReader{
		config:  config,
		fetcher: NewFetcher(config),
	}
}

func New() *DocumentReader {
	return NewWithConfig(ReaderConfig{})
}

// Read returns the full extracted text of doc. Every failure, including an
// empty extraction, is reported as ErrDocumentUnreadable.
func (r *DocumentReader) Read(ctx context.Context, doc models.SourceDocument) (string, error) {
	const op = "reader.Read"

	data, contentType, name, err := r.load(ctx, doc)
	if err != nil {
		return "", models.E(models.ErrDocumentUnreadable, op, err)
	}

	var text string
	switch detect(contentType, name, data) {
	case formatPDF:
		text, err = readPDF(ctx, data)
	case formatHTML:
		text, err = readHTML(data)
	case formatText:
		text = strings.ToValidUTF8(string(data), "")
	default:
		err = fmt.Errorf("unsupported content type %q", contentType)
	}
	if err != nil {
		return "", models.E(models.ErrDocumentUnreadable, op, fmt.Errorf("%s: %w", doc.Handle(), err))
	}

	text = normalize(text)
	if text == "" {
		return "", models.Ef(models.ErrDocumentUnreadable, op, "%s: no extractable text", doc.Handle())
	}
	return text, nil
}

func (r *DocumentReader) load(ctx context.Context, doc models.SourceDocument) ([]byte, string, string, error) {
	switch {
	case len(doc.Content) > 0:
		return doc.Content, doc.ContentType, doc.Title, nil
	case doc.Path != "":
		if err := ctx.Err(); err != nil {
			return nil, "", "", err
		}
		info, err := os.Stat(doc.Path)
		if err != nil {
			return nil, "", "", err
		}
		if info.Size() > r.config.MaxBytes {
			return nil, "", "", fmt.Errorf("%s is %d bytes, limit is %d", doc.Path, info.Size(), r.config.MaxBytes)
		}
		data, err := os.ReadFile(doc.Path)
		return data, doc.ContentType, doc.Path, err
	case doc.URL != "":
		data, contentType, err := r.fetcher.Fetch(ctx, doc.URL)
		if err != nil {
			return nil, "", "", err
		}
		if doc.ContentType != "" {
			contentType = doc.ContentType
		}
		return data, contentType, doc.URL, nil
	default:
		return nil, "", "", fmt.Errorf("document %q has no content, path or url", doc.ID)
	}
}

func detect(contentType, name string, data []byte) format {
	ct := strings.ToLower(contentType)
	if i := strings.IndexByte(ct, ';'); i >= 0 {
		ct = strings.TrimSpace(ct[:i])
	}
	switch {
	case ct == "application/pdf":
		return formatPDF
	case ct == "text/html", ct == "application/xhtml+xml":
		return formatHTML
	case strings.HasPrefix(ct, "text/"):
		return formatText
	}

	switch strings.ToLower(filepath.Ext(name)) {
	case ".pdf":
		return formatPDF
	case ".html", ".htm":
		return formatHTML
	case ".txt", ".md", ".csv":
		return formatText
	}

	if bytes.HasPrefix(data, []byte("%PDF-")) {
		return formatPDF
	}
	sniffed := http.DetectContentType(data)
	switch {
	case strings.HasPrefix(sniffed, "text/html"):
		return formatHTML
	case strings.HasPrefix(sniffed, "text/"):
		return formatText
	case ct == "" && utf8.Valid(data):
		return formatText
	}
	return formatUnknown
}

// normalize collapses runs of blanks inside a line and keeps a single empty
// line between paragraphs.
func normalize(s string) string {
	lines := strings.Split(strings.ReplaceAll(s, "\r\n", "\n"), "\n")
	out := make([]string, 0, len(lines))
	blank := false
	for _, l := range lines {
		l = strings.Join(strings.Fields(l), " ")
		if l == "" {
			blank = len(out) > 0
			continue
		}
		if blank {
			out = append(out, "")
			blank = false
		}
		out = append(out, l)
	}
	return strings.Join(out, "\n")
}
