package build

import (
	"strings"

	"github.com/conneroisu/stencil/internal/errors"
)

// Markers recognised inside template text.
const (
	ViewMarker           = "%%View%%"
	HeadMarker           = "%%Head%%"
	AntiForgeryMarker    = "%%AntiForgeryToken%%"
	HelperBundlesMarker  = "%%HelperBundles%%"
	MasterDirectiveName  = "Master"
	PartialDirectiveName = "Partial"
	PlaceholderName      = "Placeholder"
	BundleDirectiveName  = "Bundle"
	IncludeDirectiveName = "Include"
)

// MasterPageDirective wraps the current content in a master template: the
// master's compile-phase text is loaded and the content replaces its %%View%%
// marker. The master's own after-compile directives, such as placeholders,
// are then resolved against the merged document.
type MasterPageDirective struct{}

// Name implements Directive
func (MasterPageDirective) Name() string { return MasterDirectiveName }

// Phase implements Directive
func (MasterPageDirective) Phase() Phase { return PhaseCompile }

// Process implements Directive
func (d MasterPageDirective) Process(dc *DirectiveContext) (string, error) {
	if dc.Name != d.Name() {
		return dc.Content, nil
	}
	key, err := lookup(dc, errors.CodeMasterNotFound)
	if err != nil {
		return "", err
	}
	masterText, err := dc.Resolver.Layout(key)
	if err != nil {
		return "", err
	}
	if !strings.Contains(masterText, ViewMarker) {
		return "", errors.NewValidationError("MASTER_WITHOUT_VIEW",
			"master "+dc.Value+" has no "+ViewMarker+" marker").WithKey(dc.Key)
	}

	body := dc.ReplaceToken("")
	return strings.ReplaceAll(masterText, ViewMarker, body), nil
}

// PartialPageDirective splices a partial's compiled text at the directive site.
type PartialPageDirective struct{}

// Name implements Directive
func (PartialPageDirective) Name() string { return PartialDirectiveName }

// Phase implements Directive
func (PartialPageDirective) Phase() Phase { return PhaseAfterCompile }

// Process implements Directive
func (d PartialPageDirective) Process(dc *DirectiveContext) (string, error) {
	if dc.Name != d.Name() {
		return dc.Content, nil
	}
	key, err := lookup(dc, errors.CodePartialNotFound)
	if err != nil {
		return "", err
	}
	partialText, err := dc.Resolver.Include(key)
	if err != nil {
		return "", err
	}
	return dc.ReplaceToken(partialText), nil
}

// lookup resolves dc.Value to a template key
func lookup(dc *DirectiveContext, code string) (string, error) {
	if dc.Resolver == nil {
		return "", errors.NewInternalError("NO_RESOLVER", dc.Token+" outside compile phases", nil).WithKey(dc.Key)
	}
	key, ok := dc.Resolver.ResolveKey(dc.Value)
	if !ok {
		return "", errors.NewUnresolvedReferenceError(code, dc.Name, dc.Value).WithKey(dc.Key)
	}
	return key, nil
}

// PlaceholderDirective moves the interior of the first [id]...[/id] block in
// the document to the directive site and removes the block. Without a block
// the placeholder renders empty, so a master compiled on its own still
// yields a directive-free view.
type PlaceholderDirective struct{}

// Name implements Directive
func (PlaceholderDirective) Name() string { return PlaceholderName }

// Phase implements Directive
func (PlaceholderDirective) Phase() Phase { return PhaseAfterCompile }

// Process implements Directive
func (d PlaceholderDirective) Process(dc *DirectiveContext) (string, error) {
	if dc.Name != d.Name() {
		return dc.Content, nil
	}
	start, end, inner, ok := findBlock(dc.Content, dc.Value)
	if !ok {
		return dc.ReplaceToken(""), nil
	}

	c := dc.Content
	tokenEnd := dc.Index + len(dc.Token)
	switch {
	case tokenEnd <= start:
		return c[:dc.Index] + inner + c[tokenEnd:start] + c[end:], nil
	case dc.Index >= end:
		return c[:start] + c[end:dc.Index] + inner + c[tokenEnd:], nil
	default:
		// The placeholder sits inside its own block: the block unwraps in place
		inner = strings.Replace(inner, dc.Token, "", 1)
		return c[:start] + inner + c[end:], nil
	}
}

// findBlock locates the first [id]...[/id] block, returning its byte range
// and interior.
func findBlock(content, id string) (start, end int, inner string, ok bool) {
	open := "[" + id + "]"
	closing := "[/" + id + "]"

	start = strings.Index(content, open)
	if start < 0 {
		return 0, 0, "", false
	}
	from := start + len(open)
	n := strings.Index(content[from:], closing)
	if n < 0 {
		return 0, 0, "", false
	}
	return start, from + n + len(closing), content[from : from+n], true
}

// BundleDirective emits resource links. Registered once as "Bundle" and once
// as "Include"; both share the link emission in BundleLinker.
type BundleDirective struct {
	name   string
	linker *BundleLinker
}

// NewBundleDirective handles %%Bundle=name%%
func NewBundleDirective(linker *BundleLinker) *BundleDirective {
	return &BundleDirective{name: BundleDirectiveName, linker: linker}
}

// NewIncludeDirective handles %%Include=path%%
func NewIncludeDirective(linker *BundleLinker) *BundleDirective {
	return &BundleDirective{name: IncludeDirectiveName, linker: linker}
}

// Name implements Directive
func (d *BundleDirective) Name() string { return d.name }

// Phase implements Directive
func (d *BundleDirective) Phase() Phase { return PhaseRender }

// Process implements Directive
func (d *BundleDirective) Process(dc *DirectiveContext) (string, error) {
	if dc.Name != d.name {
		return dc.Content, nil
	}
	if d.name == IncludeDirectiveName {
		return dc.ReplaceToken(d.linker.Include(dc.Value)), nil
	}
	return dc.ReplaceToken(d.linker.Bundle(dc.Value)), nil
}
