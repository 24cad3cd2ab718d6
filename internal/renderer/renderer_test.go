package renderer

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type failingMarkdown struct{}

func (failingMarkdown) Convert(string) (string, error) { return "", errors.New("boom") }

func TestResolveEncodings(t *testing.T) {
	resolver := NewTagResolver(NewMarkdown())

	testCases := []struct {
		name     string
		content  string
		tags     map[string]string
		expected string
	}{
		{
			name:     "raw value is not escaped",
			content:  "<p>{{x}}</p>",
			tags:     map[string]string{"x": "<b>"},
			expected: "<p><b></p>",
		},
		{
			name:     "html value is escaped",
			content:  "<p>{|x|}</p>",
			tags:     map[string]string{"x": "<b>"},
			expected: "<p>&lt;b&gt;</p>",
		},
		{
			name:     "markdown value is converted",
			content:  "<div>{!x!}</div>",
			tags:     map[string]string{"x": "**bold**"},
			expected: "<div><p><strong>bold</strong></p></div>",
		},
		{
			name:     "every occurrence replaced",
			content:  "{{a}}-{{a}}-{|a|}",
			tags:     map[string]string{"a": "1"},
			expected: "1-1-1",
		},
		{
			name:     "empty value leaves tag for cleanup",
			content:  "[{{x}}]",
			tags:     map[string]string{"x": ""},
			expected: "[]",
		},
		{
			name:     "missing tags are stripped",
			content:  "Hello {{name}}{|title|}{!body!}!",
			tags:     nil,
			expected: "Hello !",
		},
		{
			name:     "dotted and dashed names",
			content:  "{{user.first-name}}",
			tags:     map[string]string{"user.first-name": "Ada"},
			expected: "Ada",
		},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.expected, resolver.Resolve(tc.content, tc.tags))
		})
	}
}

func TestResolveKeepsTagLikeValues(t *testing.T) {
	resolver := NewTagResolver(NewMarkdown())
	tags := map[string]string{
		"a":      "{{secret}}",
		"b":      "{|a|}",
		"secret": "leaked",
	}

	out := resolver.Resolve("<p>{{a}}</p><p>{{b}}</p>", tags)
	assert.Equal(t, "<p>{{secret}}</p><p>{|a|}</p>", out)

	// HTML encoding leaves braces alone, so the value still must not expand
	assert.Equal(t, "{{secret}}", resolver.Resolve("{|a|}", tags))
}

func TestParseTokenMatchesSpelling(t *testing.T) {
	for _, enc := range []Encoding{EncodingRaw, EncodingHTML, EncodingMarkdown} {
		token := enc.Spelling("user.name")
		require.True(t, LeftoverPattern.MatchString(token), token)
		gotEnc, name := parseToken(token)
		assert.Equal(t, enc, gotEnc)
		assert.Equal(t, "user.name", name)
	}
}

func TestResolveMarkdownFallback(t *testing.T) {
	assert.Equal(t, "&lt;i&gt;", NewTagResolver(nil).Resolve("{!x!}", map[string]string{"x": "<i>"}))
	assert.Equal(t, "&lt;i&gt;", NewTagResolver(failingMarkdown{}).Resolve("{!x!}", map[string]string{"x": "<i>"}))
}

func TestStripLeftovers(t *testing.T) {
	assert.Equal(t, "a  b", StripLeftovers("a {{x}} b"))
	assert.Equal(t, "{ {x} }", StripLeftovers("{ {x} }"))
	assert.False(t, LeftoverPattern.MatchString(StripLeftovers("{{a}}{|b|}{!c!}")))
}

func TestMarkdownHighlighting(t *testing.T) {
	out, err := NewMarkdown().Convert("```go\nfunc main() {}\n```")
	require.NoError(t, err)
	assert.Contains(t, out, `class="language-go"`)
	assert.Contains(t, out, "hl-")
}

func TestMarkdownDropsRawHTML(t *testing.T) {
	out, err := NewMarkdown().Convert("<script>alert(1)</script>")
	require.NoError(t, err)
	assert.NotContains(t, out, "<script>")
}

func TestMinifyHTML(t *testing.T) {
	out, err := NewMinifier().MinifyHTML("<html>\n  <body>\n    <p>  hi  </p>\n  </body>\n</html>")
	require.NoError(t, err)
	assert.NotContains(t, out, "\n")
	assert.Contains(t, out, "</p>")
	assert.Contains(t, out, "<html>")
}
