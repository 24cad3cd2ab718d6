// Package renderer resolves caller-supplied tags into compiled view text and
// post-processes rendered output.
//
// A tag has three spellings: {{name}} inserts the value verbatim, {|name|}
// inserts it HTML-encoded and {!name!} renders it as Markdown. Names are
// word characters, dots and dashes. Tags without a value, or with an empty
// one, are removed.
package renderer

import (
	"regexp"
	"strings"

	"github.com/yuin/goldmark/util"
)

// Encoding selects how a tag value is transformed before insertion.
type Encoding int

const (
	// EncodingRaw inserts the value unchanged: {{name}}
	EncodingRaw Encoding = iota
	// EncodingHTML HTML-encodes the value: {|name|}
	EncodingHTML
	// EncodingMarkdown converts the value from Markdown: {!name!}
	EncodingMarkdown
)

// Spelling returns the tag token for name under encoding e.
func (e Encoding) Spelling(name string) string {
	switch e {
	case EncodingHTML:
		return "{|" + name + "|}"
	case EncodingMarkdown:
		return "{!" + name + "!}"
	default:
		return "{{" + name + "}}"
	}
}

// LeftoverPattern matches any tag token in any of the three spellings.
var LeftoverPattern = regexp.MustCompile(`\{\{[\w.\-]+\}\}|\{\|[\w.\-]+\|\}|\{![\w.\-]+!\}`)

// MarkdownConverter turns Markdown into HTML.
type MarkdownConverter interface {
	Convert(src string) (string, error)
}

// TagResolver substitutes tag values into text.
type TagResolver struct {
	markdown MarkdownConverter
}

// NewTagResolver creates a resolver. A nil converter falls back to HTML
// encoding for Markdown tags.
func NewTagResolver(markdown MarkdownConverter) *TagResolver {
	return &TagResolver{markdown: markdown}
}

// Resolve applies tags to content in a single scan. Every tag token is
// replaced by its encoded value, or removed when no non-empty value was
// supplied. Inserted values are never scanned again, so a value that itself
// looks like a tag is kept verbatim.
func (r *TagResolver) Resolve(content string, tags map[string]string) string {
	if !strings.Contains(content, "{") {
		return content
	}

	// markdown conversion runs once per token, however often it repeats
	encoded := make(map[string]string)
	return LeftoverPattern.ReplaceAllStringFunc(content, func(token string) string {
		if out, ok := encoded[token]; ok {
			return out
		}
		enc, name := parseToken(token)
		out := ""
		if value := tags[name]; value != "" {
			out = r.encode(enc, value)
		}
		encoded[token] = out
		return out
	})
}

// parseToken splits a token matched by LeftoverPattern
func parseToken(token string) (Encoding, string) {
	name := token[2 : len(token)-2]
	switch token[1] {
	case '|':
		return EncodingHTML, name
	case '!':
		return EncodingMarkdown, name
	default:
		return EncodingRaw, name
	}
}

func (r *TagResolver) encode(enc Encoding, value string) string {
	switch enc {
	case EncodingHTML:
		return EscapeHTML(value)
	case EncodingMarkdown:
		if r.markdown == nil {
			return EscapeHTML(value)
		}
		out, err := r.markdown.Convert(value)
		if err != nil {
			return EscapeHTML(value)
		}
		return out
	default:
		return value
	}
}

// StripLeftovers removes every remaining tag token.
func StripLeftovers(content string) string {
	return LeftoverPattern.ReplaceAllLiteralString(content, "")
}

// EscapeHTML encodes &, <, > and " for safe insertion into markup.
func EscapeHTML(value string) string {
	return string(util.EscapeHTML([]byte(value)))
}
