// Package build compiles templates into cached views and renders them.
//
// Compilation runs an ordered set of handlers over a text buffer in three
// phases. Directive handlers react to %%Name=Value%% tokens; substitution
// handlers transform the whole buffer. Within a phase preprocessors run
// first, then every directive token owned by the phase is resolved, so that
// tokens spliced in by a master or partial are resolved in the same pass.
// Substitutions then run once each, in registration order.
package build

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/conneroisu/stencil/internal/errors"
)

// Phase identifies when a handler runs.
type Phase int

const (
	// PhaseCompile runs once, before masters are merged in.
	PhaseCompile Phase = iota
	// PhaseAfterCompile sees the fully master-merged document.
	PhaseAfterCompile
	// PhaseRender runs on every render request.
	PhaseRender
)

// String returns the string representation of the Phase
func (p Phase) String() string {
	switch p {
	case PhaseCompile:
		return "compile"
	case PhaseAfterCompile:
		return "after_compile"
	case PhaseRender:
		return "render"
	default:
		return "unknown"
	}
}

// DirectivePattern matches %%Name=Value%% tokens.
var DirectivePattern = regexp.MustCompile(`%%([A-Za-z]+)=([^\s%]+)%%`)

// DefaultMaxExpansions bounds the token-introducing resolutions one phase
// may perform for a view.
const DefaultMaxExpansions = 256

// Resolver gives directive handlers access to other views during compilation.
// It is nil during the render phase.
type Resolver interface {
	// ResolveKey maps a bare directive value onto a template key.
	ResolveKey(value string) (string, bool)
	// Layout returns key's text after the compile phase only, and records
	// key as a dependency of the view being compiled.
	Layout(key string) (string, error)
	// Include returns the compiled text of key, compiling it first if needed,
	// and records key as a dependency of the view being compiled.
	Include(key string) (string, error)
}

// DirectiveContext describes one directive token occurrence.
type DirectiveContext struct {
	// Key is the view being processed
	Key string
	// Content is the current buffer
	Content string
	// Token is the full token text, e.g. %%Master=Master%%
	Token string
	// Name and Value are the two halves of the token
	Name  string
	Value string
	// Index is the byte offset of Token in Content
	Index int
	// Resolver is nil outside the compile phases
	Resolver Resolver
}

// ReplaceToken returns Content with this occurrence of Token replaced.
func (dc *DirectiveContext) ReplaceToken(replacement string) string {
	return dc.Content[:dc.Index] + replacement + dc.Content[dc.Index+len(dc.Token):]
}

// Directive is a handler keyed by directive name. A directive asked to
// process a token with a different name returns the content unchanged.
type Directive interface {
	Name() string
	Phase() Phase
	Process(dc *DirectiveContext) (string, error)
}

// Substitution is a whole-buffer transform scoped to one phase.
type Substitution interface {
	Phase() Phase
	Process(key, content string) (string, error)
}

// Pipeline holds the ordered handler lists.
type Pipeline struct {
	preprocessors []Substitution
	directives    []Directive
	substitutions []Substitution
	maxExpansions int
}

// NewPipeline creates an empty pipeline
func NewPipeline() *Pipeline {
	return &Pipeline{maxExpansions: DefaultMaxExpansions}
}

// SetMaxExpansions overrides how many token-introducing resolutions one
// phase may perform
func (p *Pipeline) SetMaxExpansions(n int) {
	if n > 0 {
		p.maxExpansions = n
	}
}

// AddPreprocessor registers a substitution that runs before the directives
// of its phase are resolved
func (p *Pipeline) AddPreprocessor(s Substitution) *Pipeline {
	p.preprocessors = append(p.preprocessors, s)
	return p
}

// AddDirective registers a directive handler
func (p *Pipeline) AddDirective(d Directive) *Pipeline {
	p.directives = append(p.directives, d)
	return p
}

// AddSubstitution registers a substitution handler
func (p *Pipeline) AddSubstitution(s Substitution) *Pipeline {
	p.substitutions = append(p.substitutions, s)
	return p
}

// DirectiveNames returns the directive names owned by phase
func (p *Pipeline) DirectiveNames(phase Phase) map[string]bool {
	names := make(map[string]bool)
	for _, d := range p.directives {
		if d.Phase() == phase {
			names[d.Name()] = true
		}
	}
	return names
}

// Run applies every handler of phase to content.
//
// Tokens are resolved left to right. When a resolution leaves the text
// before the token untouched, scanning resumes at the token's offset, so the
// spliced text is scanned once. A resolution counts against the expansion
// limit only when it may have introduced owned tokens; every other step
// removes one, so the loop always ends.
func (p *Pipeline) Run(phase Phase, key, content string, resolver Resolver) (string, error) {
	content, err := applySubstitutions(p.preprocessors, phase, key, content)
	if err != nil {
		return "", err
	}

	owned := p.DirectiveNames(phase)
	expansions, from := 0, 0
	// owned tokens in content, or -1 when not yet counted
	remaining := -1

	for {
		dc, found := nextToken(content, from, owned)
		if !found {
			break
		}
		dc.Key = key
		dc.Resolver = resolver

		updated, err := p.resolve(phase, dc)
		if err != nil {
			return "", err
		}

		var grew bool
		if spliced(content, updated, dc) {
			from = dc.Index
			grew = introducesTokens(updated, dc.Index, len(updated)-(len(content)-dc.Index-len(dc.Token)), owned)
			switch {
			case grew:
				remaining = -1
			case remaining > 0:
				remaining--
			}
		} else {
			from = 0
			if remaining < 0 {
				remaining = countTokens(content, owned)
			}
			after := countTokens(updated, owned)
			grew = after >= remaining
			remaining = after
		}

		if grew {
			expansions++
			if expansions > p.maxExpansions {
				return "", errors.NewExpansionLimitError(p.maxExpansions, dc.Token).WithKey(key)
			}
		}
		content = updated
	}

	return applySubstitutions(p.substitutions, phase, key, content)
}

// resolve offers dc to each directive of phase until one changes the buffer
func (p *Pipeline) resolve(phase Phase, dc *DirectiveContext) (string, error) {
	original := dc.Content
	for _, d := range p.directives {
		if d.Phase() != phase {
			continue
		}
		dc.Content = original
		updated, err := d.Process(dc)
		if err != nil {
			return "", err
		}
		if updated != original {
			return updated, nil
		}
	}
	return "", errors.NewInternalError("DIRECTIVE_NOT_CONSUMED",
		fmt.Sprintf("no handler consumed %s", dc.Token), nil).WithKey(dc.Key)
}

func applySubstitutions(subs []Substitution, phase Phase, key, content string) (string, error) {
	for _, s := range subs {
		if s.Phase() != phase {
			continue
		}
		next, err := s.Process(key, content)
		if err != nil {
			return "", err
		}
		content = next
	}
	return content, nil
}

// spliced reports whether updated only replaced dc's token, keeping the text
// on both sides of it
func spliced(content, updated string, dc *DirectiveContext) bool {
	before := content[:dc.Index]
	after := content[dc.Index+len(dc.Token):]
	return len(updated) >= len(before)+len(after) &&
		strings.HasPrefix(updated, before) &&
		strings.HasSuffix(updated, after)
}

// introducesTokens reports whether scanning updated[start:end] finds an owned
// token, or any token running past end and so shifting the scan of the
// unchanged tail.
func introducesTokens(updated string, start, end int, owned map[string]bool) bool {
	for pos := start; pos < end; {
		m := DirectivePattern.FindStringSubmatchIndex(updated[pos:])
		if m == nil || pos+m[0] >= end {
			return false
		}
		if owned[updated[pos+m[2]:pos+m[3]]] || pos+m[1] > end {
			return true
		}
		pos += m[1]
	}
	return false
}

func countTokens(content string, owned map[string]bool) int {
	n := 0
	for _, m := range DirectivePattern.FindAllStringSubmatchIndex(content, -1) {
		if owned[content[m[2]:m[3]]] {
			n++
		}
	}
	return n
}

// nextToken finds the first directive token at or after from whose name is
// in owned
func nextToken(content string, from int, owned map[string]bool) (*DirectiveContext, bool) {
	if len(owned) == 0 {
		return nil, false
	}
	for pos := from; pos <= len(content); {
		m := DirectivePattern.FindStringSubmatchIndex(content[pos:])
		if m == nil {
			return nil, false
		}
		name := content[pos+m[2] : pos+m[3]]
		if owned[name] {
			return &DirectiveContext{
				Content: content,
				Token:   content[pos+m[0] : pos+m[1]],
				Name:    name,
				Value:   content[pos+m[4] : pos+m[5]],
				Index:   pos + m[0],
			}, true
		}
		pos += m[1]
	}
	return nil, false
}
