package build

import (
	"regexp"
	"strings"
)

var (
	headBlockPattern    = regexp.MustCompile(`\[\[([\s\S]*?)\]\]`)
	commentBlockPattern = regexp.MustCompile(`@@[\s\S]*?@@`)
)

// HeadSubstitution lifts every [[...]] block out of the document and inserts
// the interiors just before the %%Head%% marker. The marker is kept so
// nested masters keep accumulating; rendering strips it. Documents without
// the marker are left untouched.
type HeadSubstitution struct{}

// Phase implements Substitution
func (HeadSubstitution) Phase() Phase { return PhaseCompile }

// Process implements Substitution
func (HeadSubstitution) Process(_ string, content string) (string, error) {
	if !strings.Contains(content, HeadMarker) {
		return content, nil
	}
	matches := headBlockPattern.FindAllStringSubmatch(content, -1)
	if len(matches) == 0 {
		return content, nil
	}

	var heads strings.Builder
	for _, m := range matches {
		heads.WriteString(m[1])
	}
	content = headBlockPattern.ReplaceAllLiteralString(content, "")
	return strings.Replace(content, HeadMarker, heads.String()+HeadMarker, 1), nil
}

// CommentSubstitution strips @@...@@ comment blocks. Registered as a
// preprocessor so directives inside a comment are never resolved.
type CommentSubstitution struct{}

// Phase implements Substitution
func (CommentSubstitution) Phase() Phase { return PhaseCompile }

// Process implements Substitution
func (CommentSubstitution) Process(_ string, content string) (string, error) {
	return commentBlockPattern.ReplaceAllLiteralString(content, ""), nil
}

// TokenGenerator produces anti-forgery tokens. Each call must return a fresh,
// unpredictable value.
type TokenGenerator interface {
	NewAntiForgeryToken() string
}

// AntiForgeryTokenSubstitution replaces each %%AntiForgeryToken%% occurrence
// with its own freshly generated token.
type AntiForgeryTokenSubstitution struct {
	tokens TokenGenerator
}

// NewAntiForgeryTokenSubstitution creates the substitution over a generator
func NewAntiForgeryTokenSubstitution(tokens TokenGenerator) *AntiForgeryTokenSubstitution {
	return &AntiForgeryTokenSubstitution{tokens: tokens}
}

// Phase implements Substitution
func (s *AntiForgeryTokenSubstitution) Phase() Phase { return PhaseRender }

// Process implements Substitution. Occurrences are replaced right to left so
// earlier offsets stay valid.
func (s *AntiForgeryTokenSubstitution) Process(_ string, content string) (string, error) {
	var offsets []int
	for from := 0; ; {
		i := strings.Index(content[from:], AntiForgeryMarker)
		if i < 0 {
			break
		}
		offsets = append(offsets, from+i)
		from += i + len(AntiForgeryMarker)
	}

	for i := len(offsets) - 1; i >= 0; i-- {
		at := offsets[i]
		content = content[:at] + s.tokens.NewAntiForgeryToken() + content[at+len(AntiForgeryMarker):]
	}
	return content, nil
}

// HelperBundlesSubstitution replaces %%HelperBundles%% with one link per
// entry of an externally supplied bundle map.
type HelperBundlesSubstitution struct {
	linker  *BundleLinker
	bundles func() map[string]string
}

// NewHelperBundlesSubstitution creates the substitution. bundles is consulted
// on every render so the host can change the map at runtime.
func NewHelperBundlesSubstitution(linker *BundleLinker, bundles func() map[string]string) *HelperBundlesSubstitution {
	return &HelperBundlesSubstitution{linker: linker, bundles: bundles}
}

// Phase implements Substitution
func (s *HelperBundlesSubstitution) Phase() Phase { return PhaseRender }

// Process implements Substitution
func (s *HelperBundlesSubstitution) Process(_ string, content string) (string, error) {
	if !strings.Contains(content, HelperBundlesMarker) {
		return content, nil
	}
	var bundles map[string]string
	if s.bundles != nil {
		bundles = s.bundles()
	}
	return strings.ReplaceAll(content, HelperBundlesMarker, s.linker.HelperBundles(bundles)), nil
}
