// Package types provides the entities shared by the loader, store, compiler and
// engine. It has no dependencies on other internal packages.
package types

import (
	"strings"
	"sync"
)

// Template is a named, versioned unit of source text as read by the loader.
// Templates are replaced wholesale when their backing file changes.
type Template struct {
	// Name is the file-stem identifier (e.g. "Index")
	Name string
	// FullName is the slash-separated key unique across all view roots (e.g. "Home/Index")
	FullName string
	// Path is the origin location on disk
	Path string
	// RawText is the unprocessed source
	RawText string
	// Fingerprint is the content hash used to tell real changes from spurious notifications
	Fingerprint string
}

// CompiledView is the directive-resolved form of one Template plus the slot
// holding its last rendered output.
//
// Everything except the result slot is immutable after construction, so a
// store can swap views by reference and readers never see a partial view.
type CompiledView struct {
	FullName     string
	Name         string
	CompiledText string
	Fingerprint  string

	mu     sync.RWMutex
	result string
}

// NewCompiledView builds a view for t with the given compiled text.
func NewCompiledView(t *Template, compiledText string) *CompiledView {
	return &CompiledView{
		FullName:     t.FullName,
		Name:         t.Name,
		CompiledText: compiledText,
		Fingerprint:  t.Fingerprint,
	}
}

// Result returns the last rendered output, or "" if the view was never rendered.
func (v *CompiledView) Result() string {
	v.mu.RLock()
	defer v.mu.RUnlock()
	return v.result
}

// SetResult overwrites the rendered-output slot.
func (v *CompiledView) SetResult(result string) {
	v.mu.Lock()
	v.result = result
	v.mu.Unlock()
}

// ClearResult empties the rendered-output slot.
func (v *CompiledView) ClearResult() {
	v.SetResult("")
}

// IsStaleFor reports whether v was compiled from a different version of t.
func (v *CompiledView) IsStaleFor(t *Template) bool {
	return t == nil || v.Fingerprint != t.Fingerprint
}

// IsFragment reports whether key marks a fragment under the given marker.
// Fragments bypass the directive pipeline.
func IsFragment(key, marker string) bool {
	return marker != "" && strings.Contains(key, marker)
}
