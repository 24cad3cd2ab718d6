package registry

import (
	"sort"
)

// RecordDependency notes that owner statically includes dependency.
// Recording the same pair twice is a no-op.
func (s *Store) RecordDependency(owner, dependency string) {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	list := s.deps[owner]
	for _, existing := range list {
		if existing == dependency {
			return
		}
	}
	s.deps[owner] = append(list, dependency)
	s.notify(EventTypeDependencyRecorded, owner)
}

// EnsureDependencyEntry makes owner appear in the map even with no edges.
func (s *Store) EnsureDependencyEntry(owner string) {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	if _, exists := s.deps[owner]; !exists {
		s.deps[owner] = []string{}
		s.notify(EventTypeDependencyRecorded, owner)
	}
}

// Dependencies returns the keys owner includes, in recording order
func (s *Store) Dependencies(owner string) []string {
	s.mutex.RLock()
	defer s.mutex.RUnlock()

	return append([]string(nil), s.deps[owner]...)
}

// HasDependencyEntry reports whether owner has been compiled at least once
func (s *Store) HasDependencyEntry(owner string) bool {
	s.mutex.RLock()
	defer s.mutex.RUnlock()

	_, exists := s.deps[owner]
	return exists
}

// Dependents returns the owners whose dependency set contains key, sorted
func (s *Store) Dependents(key string) []string {
	s.mutex.RLock()
	defer s.mutex.RUnlock()

	return s.dependentsLocked(key)
}

func (s *Store) dependentsLocked(key string) []string {
	var dependents []string
	for owner, list := range s.deps {
		for _, dep := range list {
			if dep == key {
				dependents = append(dependents, owner)
				break
			}
		}
	}
	sort.Strings(dependents)
	return dependents
}

// TransitiveDependents returns every owner that reaches key through one or
// more dependency edges, nearest first. key itself is never included.
func (s *Store) TransitiveDependents(key string) []string {
	s.mutex.RLock()
	defer s.mutex.RUnlock()

	seen := map[string]bool{key: true}
	var result []string
	frontier := []string{key}
	for len(frontier) > 0 {
		var next []string
		for _, k := range frontier {
			for _, owner := range s.dependentsLocked(k) {
				if seen[owner] {
					continue
				}
				seen[owner] = true
				result = append(result, owner)
				next = append(next, owner)
			}
		}
		frontier = next
	}
	return result
}

// DependencyGraph returns a copy of the full dependency map
func (s *Store) DependencyGraph() map[string][]string {
	s.mutex.RLock()
	defer s.mutex.RUnlock()

	graph := make(map[string][]string, len(s.deps))
	for owner, list := range s.deps {
		graph[owner] = append([]string(nil), list...)
	}
	return graph
}

// DetectCircularDependencies returns the include cycles in the graph, at
// most one per unvisited starting owner, each closed by repeating its first
// key. Owners and dependencies are walked in sorted order.
func (s *Store) DetectCircularDependencies() [][]string {
	var cycles [][]string
	graph := s.DependencyGraph()

	owners := make([]string, 0, len(graph))
	for owner, list := range graph {
		owners = append(owners, owner)
		sort.Strings(list)
	}
	sort.Strings(owners)

	visited := make(map[string]bool)
	onPath := make(map[string]bool)

	for _, owner := range owners {
		if !visited[owner] {
			if cycle := detectCycleDFS(owner, graph, visited, onPath, nil); cycle != nil {
				cycles = append(cycles, cycle)
			}
		}
	}

	return cycles
}

// detectCycleDFS clears key from onPath on every return, so a later walk
// never mistakes an earlier path for its own.
func detectCycleDFS(key string, graph map[string][]string, visited, onPath map[string]bool, path []string) []string {
	visited[key] = true
	onPath[key] = true
	defer delete(onPath, key)
	path = append(path, key)

	for _, dep := range graph[key] {
		if onPath[dep] {
			for i, p := range path {
				if p == dep {
					cycle := make([]string, 0, len(path)-i+1)
					cycle = append(cycle, path[i:]...)
					return append(cycle, dep)
				}
			}
		}
		if !visited[dep] {
			if cycle := detectCycleDFS(dep, graph, visited, onPath, path); cycle != nil {
				return cycle
			}
		}
	}
	return nil
}
