package build

import (
	"fmt"
	"io"
	"strings"

	"golang.org/x/net/html"

	"github.com/conneroisu/stencil/internal/errors"
)

// voidElements never take a closing tag
var voidElements = map[string]bool{
	"area": true, "base": true, "br": true, "col": true, "embed": true,
	"hr": true, "img": true, "input": true, "link": true, "meta": true,
	"param": true, "source": true, "track": true, "wbr": true,
}

// CheckWellFormed reports whether every element opened in text is closed in
// order. It is a tag-balance check over the tokenizer stream, not a full
// HTML parse: text and raw-text element contents are ignored.
func CheckWellFormed(text string) error {
	z := html.NewTokenizer(strings.NewReader(text))
	var stack []string

	for {
		tt := z.Next()
		switch tt {
		case html.ErrorToken:
			if err := z.Err(); err != io.EOF {
				return errors.NewMalformedOutputError(fmt.Sprintf("tokenizing output: %v", err))
			}
			if len(stack) > 0 {
				return errors.NewMalformedOutputError(
					fmt.Sprintf("unclosed element <%s>", stack[len(stack)-1]))
			}
			return nil

		case html.StartTagToken:
			name, _ := z.TagName()
			tag := string(name)
			if !voidElements[tag] {
				stack = append(stack, tag)
			}

		case html.EndTagToken:
			name, _ := z.TagName()
			tag := string(name)
			if voidElements[tag] {
				continue
			}
			if len(stack) == 0 {
				return errors.NewMalformedOutputError(fmt.Sprintf("unexpected </%s>", tag))
			}
			if top := stack[len(stack)-1]; top != tag {
				return errors.NewMalformedOutputError(
					fmt.Sprintf("</%s> closes <%s>", tag, top))
			}
			stack = stack[:len(stack)-1]
		}
	}
}
