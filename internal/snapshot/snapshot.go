// Package snapshot captures and restores the view store as a single value:
// every Template, every CompiledView and the dependency map. Rendered
// results are not part of a snapshot.
package snapshot

import (
	"fmt"

	"github.com/conneroisu/stencil/internal/registry"
	"github.com/conneroisu/stencil/internal/types"
)

// Version is the snapshot layout version
const Version = 1

// TemplateRecord is the persisted form of a Template
type TemplateRecord struct {
	Name        string `json:"name" msgpack:"name"`
	FullName    string `json:"fullName" msgpack:"fullName"`
	Path        string `json:"path" msgpack:"path"`
	RawText     string `json:"rawText" msgpack:"rawText"`
	Fingerprint string `json:"contentFingerprint" msgpack:"contentFingerprint"`
}

// ViewRecord is the persisted form of a CompiledView
type ViewRecord struct {
	Name         string `json:"name" msgpack:"name"`
	FullName     string `json:"fullName" msgpack:"fullName"`
	CompiledText string `json:"compiledText" msgpack:"compiledText"`
	Fingerprint  string `json:"contentFingerprint" msgpack:"contentFingerprint"`
}

// Snapshot is the union of a store's templates, views and dependencies
type Snapshot struct {
	Version      int                 `json:"version" msgpack:"version"`
	Templates    []TemplateRecord    `json:"templates" msgpack:"templates"`
	Views        []ViewRecord        `json:"views" msgpack:"views"`
	Dependencies map[string][]string `json:"dependencies" msgpack:"dependencies"`
}

// Capture copies the current content of store
func Capture(store *registry.Store) *Snapshot {
	snap := &Snapshot{
		Version:      Version,
		Templates:    make([]TemplateRecord, 0),
		Views:        make([]ViewRecord, 0),
		Dependencies: store.DependencyGraph(),
	}
	for _, t := range store.Templates() {
		snap.Templates = append(snap.Templates, TemplateRecord{
			Name:        t.Name,
			FullName:    t.FullName,
			Path:        t.Path,
			RawText:     t.RawText,
			Fingerprint: t.Fingerprint,
		})
	}
	for _, v := range store.Views() {
		snap.Views = append(snap.Views, ViewRecord{
			Name:         v.Name,
			FullName:     v.FullName,
			CompiledText: v.CompiledText,
			Fingerprint:  v.Fingerprint,
		})
	}
	return snap
}

// Restore replaces the content of store with the snapshot
func (s *Snapshot) Restore(store *registry.Store) error {
	if s.Version != Version {
		return fmt.Errorf("unsupported snapshot version %d", s.Version)
	}

	templates := make([]*types.Template, 0, len(s.Templates))
	for _, r := range s.Templates {
		templates = append(templates, &types.Template{
			Name:        r.Name,
			FullName:    r.FullName,
			Path:        r.Path,
			RawText:     r.RawText,
			Fingerprint: r.Fingerprint,
		})
	}
	views := make([]*types.CompiledView, 0, len(s.Views))
	for _, r := range s.Views {
		views = append(views, &types.CompiledView{
			Name:         r.Name,
			FullName:     r.FullName,
			CompiledText: r.CompiledText,
			Fingerprint:  r.Fingerprint,
		})
	}

	store.Restore(templates, views, s.Dependencies)
	return nil
}
