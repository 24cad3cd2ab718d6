// Package registry holds the shared view store: Templates, CompiledViews and
// the dependency map between them.
//
// The store is guarded by a single RWMutex. Entries are replaced by reference,
// never mutated in place, so a reader holding a *CompiledView always sees
// either the old or the new version of a view.
package registry

import (
	"sort"
	"sync"
	"time"

	"github.com/conneroisu/stencil/internal/types"
)

// Store manages templates, compiled views and their dependency edges
type Store struct {
	templates map[string]*types.Template
	views     map[string]*types.CompiledView
	deps      map[string][]string
	mutex     sync.RWMutex
	listeners []ChangeListener
}

// StoreEvent describes one mutation of the store
type StoreEvent struct {
	Type      EventType
	Key       string
	Timestamp time.Time
}

// EventType represents the type of store event
type EventType int

const (
	EventTypeAdded EventType = iota
	EventTypeUpdated
	EventTypeRemoved
	EventTypeTemplateStored
	EventTypeTemplateRemoved
	EventTypeDependencyRecorded
)

// String returns the string representation of the EventType
func (e EventType) String() string {
	switch e {
	case EventTypeAdded:
		return "added"
	case EventTypeUpdated:
		return "updated"
	case EventTypeRemoved:
		return "removed"
	case EventTypeTemplateStored:
		return "template_stored"
	case EventTypeTemplateRemoved:
		return "template_removed"
	case EventTypeDependencyRecorded:
		return "dependency_recorded"
	default:
		return "unknown"
	}
}

// ChangeListener is called synchronously after each mutation, with the store
// locked. It must not call back into the store.
type ChangeListener func(event StoreEvent)

// NewStore creates an empty store
func NewStore() *Store {
	return &Store{
		templates: make(map[string]*types.Template),
		views:     make(map[string]*types.CompiledView),
		deps:      make(map[string][]string),
	}
}

// OnChange registers a listener for every later mutation. Restore is not
// reported.
func (s *Store) OnChange(listener ChangeListener) {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	s.listeners = append(s.listeners, listener)
}

// PutTemplate inserts or replaces a template. Any rendered result cached on the
// template's current view is cleared. The previous template is returned.
func (s *Store) PutTemplate(t *types.Template) *types.Template {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	previous := s.templates[t.FullName]
	s.templates[t.FullName] = t
	if view, ok := s.views[t.FullName]; ok {
		view.ClearResult()
	}
	s.notify(EventTypeTemplateStored, t.FullName)
	return previous
}

// Template retrieves a template by key
func (s *Store) Template(key string) (*types.Template, bool) {
	s.mutex.RLock()
	defer s.mutex.RUnlock()

	t, exists := s.templates[key]
	return t, exists
}

// Templates returns all templates ordered by key
func (s *Store) Templates() []*types.Template {
	s.mutex.RLock()
	defer s.mutex.RUnlock()

	result := make([]*types.Template, 0, len(s.templates))
	for _, t := range s.templates {
		result = append(result, t)
	}
	sort.Slice(result, func(i, j int) bool { return result[i].FullName < result[j].FullName })
	return result
}

// TemplateKeys returns all template keys in sorted order
func (s *Store) TemplateKeys() []string {
	s.mutex.RLock()
	defer s.mutex.RUnlock()

	keys := make([]string, 0, len(s.templates))
	for key := range s.templates {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	return keys
}

// RemoveTemplate removes a template and its compiled view
func (s *Store) RemoveTemplate(key string) {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	if _, exists := s.templates[key]; exists {
		delete(s.templates, key)
		s.notify(EventTypeTemplateRemoved, key)
	}
	if _, exists := s.views[key]; exists {
		delete(s.views, key)
		s.notify(EventTypeRemoved, key)
	}
}

// PutView swaps in a compiled view, replacing any previous one for its key
func (s *Store) PutView(v *types.CompiledView) {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	eventType := EventTypeAdded
	if _, exists := s.views[v.FullName]; exists {
		eventType = EventTypeUpdated
	}
	s.views[v.FullName] = v
	if _, exists := s.deps[v.FullName]; !exists {
		s.deps[v.FullName] = []string{}
	}
	s.notify(eventType, v.FullName)
}

// View retrieves a compiled view by key
func (s *Store) View(key string) (*types.CompiledView, bool) {
	s.mutex.RLock()
	defer s.mutex.RUnlock()

	v, exists := s.views[key]
	return v, exists
}

// Views returns all compiled views ordered by key
func (s *Store) Views() []*types.CompiledView {
	s.mutex.RLock()
	defer s.mutex.RUnlock()

	result := make([]*types.CompiledView, 0, len(s.views))
	for _, v := range s.views {
		result = append(result, v)
	}
	sort.Slice(result, func(i, j int) bool { return result[i].FullName < result[j].FullName })
	return result
}

// RemoveView removes a compiled view, leaving its template in place
func (s *Store) RemoveView(key string) {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	if _, exists := s.views[key]; !exists {
		return
	}
	delete(s.views, key)
	s.notify(EventTypeRemoved, key)
}

// Count returns the number of templates and compiled views
func (s *Store) Count() (templates int, views int) {
	s.mutex.RLock()
	defer s.mutex.RUnlock()

	return len(s.templates), len(s.views)
}

// Restore replaces the whole content of the store. Maps are copied.
func (s *Store) Restore(templates []*types.Template, views []*types.CompiledView, deps map[string][]string) {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	s.templates = make(map[string]*types.Template, len(templates))
	for _, t := range templates {
		s.templates[t.FullName] = t
	}
	s.views = make(map[string]*types.CompiledView, len(views))
	for _, v := range views {
		s.views[v.FullName] = v
	}
	s.deps = make(map[string][]string, len(deps))
	for owner, list := range deps {
		s.deps[owner] = append([]string(nil), list...)
	}
}

// notify must be called with the write lock held
func (s *Store) notify(eventType EventType, key string) {
	if len(s.listeners) == 0 {
		return
	}
	event := StoreEvent{
		Type:      eventType,
		Key:       key,
		Timestamp: time.Now(),
	}
	for _, listener := range s.listeners {
		listener(event)
	}
}
