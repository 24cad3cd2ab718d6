package renderer

import (
	"fmt"
	"regexp"

	"github.com/tdewolff/minify/v2"
	"github.com/tdewolff/minify/v2/css"
	"github.com/tdewolff/minify/v2/html"
	"github.com/tdewolff/minify/v2/js"
)

// Minifier compacts full-page output. Inline styles and scripts are
// minified along with the markup.
type Minifier struct {
	m *minify.M
}

// NewMinifier creates a minifier that preserves document and end tags so
// the output still passes the well-formedness check.
func NewMinifier() *Minifier {
	m := minify.New()
	m.AddFunc("text/css", css.Minify)
	m.AddFuncRegexp(regexp.MustCompile(`^(application|text)/(x-)?(java|ecma)script$`), js.Minify)
	m.Add("text/html", &html.Minifier{
		KeepDocumentTags: true,
		KeepEndTags:      true,
		KeepQuotes:       true,
	})
	return &Minifier{m: m}
}

// MinifyHTML minifies an HTML document.
func (m *Minifier) MinifyHTML(raw string) (string, error) {
	out, err := m.m.String("text/html", raw)
	if err != nil {
		return "", fmt.Errorf("minifying html: %w", err)
	}
	return out, nil
}
