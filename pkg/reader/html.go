package reader

import (
	"bytes"
	"strings"

	"github.com/PuerkitoBio/goquery"
)

// Main content areas tried before falling back to the whole body.
var contentSelectors = []string{
	"main",
	"article",
	".content",
	"#content",
	".monograph",
	"#monograph",
}

func readHTML(data []byte) (string, error) {
	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(data))
	if err != nil {
		return "", err
	}
	doc.Find("script, style, noscript, nav, header, footer").Remove()

	root := doc.Find("body")
	for _, selector := range contentSelectors {
		if selected := doc.Find(selector); selected.Length() > 0 {
			root = selected
			break
		}
	}
	if root.Length() == 0 {
		root = doc.Selection
	}

	// Block elements end a line so paragraph structure survives normalize.
	root.Find("p, div, li, tr, br, h1, h2, h3, h4, h5, h6, table").Each(func(_ int, s *goquery.Selection) {
		s.AppendHtml("\n")
	})

	var sb strings.Builder
	root.Each(func(i int, s *goquery.Selection) {
		if i > 0 {
			sb.WriteString("\n\n")
		}
		sb.WriteString(s.Text())
	})
	return sb.String(), nil
}
