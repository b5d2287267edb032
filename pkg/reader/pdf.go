package reader

import (
	"bytes"
	"context"
	"fmt"
	"strings"

	"github.com/tmc/langchaingo/documentloaders"
)

// readPDF joins the text of every page. The underlying parser panics on some
// malformed inputs; those surface as ordinary errors.
func readPDF(ctx context.Context, data []byte) (text string, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("pdf parser: %v", r)
		}
	}()

	pages, err := documentloaders.NewPDF(bytes.NewReader(data), int64(len(data))).Load(ctx)
	if err != nil {
		return "", err
	}

	parts := make([]string, 0, len(pages))
	for _, p := range pages {
		parts = append(parts, p.PageContent)
	}
	return strings.Join(parts, "\n\n"), nil
}
