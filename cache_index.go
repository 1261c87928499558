package apiclient

import (
	"strings"
	"sync"
)

// PathIndex records, per normalized resource path, every cache key populated under it.
// It is used for invalidation only, never for lookup. Keys whose entries already
// expired may linger until their path is invalidated; deleting them is harmless.
type PathIndex struct {
	mu    sync.Mutex
	paths map[string]map[string]struct{}
}

// NewPathIndex creates an empty index.
func NewPathIndex() *PathIndex {
	return &PathIndex{paths: make(map[string]map[string]struct{})}
}

// Add records key under the normalized form of path.
func (i *PathIndex) Add(path, key string) {
	path = NormalizePath(path)

	i.mu.Lock()
	defer i.mu.Unlock()

	keys, ok := i.paths[path]
	if !ok {
		keys = make(map[string]struct{})
		i.paths[path] = keys
	}
	keys[key] = struct{}{}
}

// Invalidate removes and returns every key indexed under a path related to target:
// the same path, an ancestor of it, or a descendant of it. Matching respects segment
// boundaries, so "orders" matches "orders" and "orders/123" but not "orders2".
func (i *PathIndex) Invalidate(target string) []string {
	target = NormalizePath(target)

	i.mu.Lock()
	defer i.mu.Unlock()

	var keys []string
	for path, set := range i.paths {
		if !pathsRelated(path, target) {
			continue
		}
		for key := range set {
			keys = append(keys, key)
		}
		delete(i.paths, path)
	}
	return keys
}

// Reset drops every indexed path.
func (i *PathIndex) Reset() {
	i.mu.Lock()
	defer i.mu.Unlock()

	i.paths = make(map[string]map[string]struct{})
}

// Len returns the number of indexed paths.
func (i *PathIndex) Len() int {
	i.mu.Lock()
	defer i.mu.Unlock()

	return len(i.paths)
}

func pathsRelated(a, b string) bool {
	if a == b {
		return true
	}
	if a == "" || b == "" {
		// The root path is an ancestor of everything.
		return true
	}
	return strings.HasPrefix(a, b+"/") || strings.HasPrefix(b, a+"/")
}

// NormalizePath strips the query string and any leading or trailing slashes.
func NormalizePath(path string) string {
	if idx := strings.IndexAny(path, "?#"); idx >= 0 {
		path = path[:idx]
	}
	return strings.Trim(path, "/")
}
