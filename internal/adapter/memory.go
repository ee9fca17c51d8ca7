// Package adapter provides a minimal in-memory implementation of the
// host-provided ShellAdapter capability set, sufficient to
// drive the Coordinator end-to-end in tests without a real file-manager
// host attached.
package adapter

import (
	"fmt"
	"sort"
	"sync"
)

// FileEntry is the metadata DTO returned by GetMetadata, deliberately
// small — the real host's richer stat-like DTO is out of scope here.
type FileEntry struct {
	Path  string `json:"path"`
	Name  string `json:"name"`
	IsDir bool   `json:"isDir"`
}

// MemoryAdapter simulates a single directory view: a current path, a
// fixed action catalog, and an in-memory directory tree.
type MemoryAdapter struct {
	mu      sync.Mutex
	path    string
	entries map[string][]FileEntry // parent path -> children
	actions []string
}

// NewMemoryAdapter returns an adapter rooted at root, with dirs as the
// initial directory contents (parent path -> children).
func NewMemoryAdapter(root string, dirs map[string][]FileEntry) *MemoryAdapter {
	if dirs == nil {
		dirs = map[string][]FileEntry{}
	}
	return &MemoryAdapter{
		path:    root,
		entries: dirs,
		actions: []string{"copy", "paste", "delete", "rename", "refresh"},
	}
}

// GetState returns the adapter's current path and navigation
// capability flags.
func (a *MemoryAdapter) GetState() (interface{}, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	return map[string]interface{}{
		"path":                a.path,
		"canNavigateBack":     false,
		"canNavigateForward":  false,
	}, nil
}

// ListActions returns the static action catalog.
func (a *MemoryAdapter) ListActions() (interface{}, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	out := make([]string, len(a.actions))
	copy(out, a.actions)
	return out, nil
}

// Navigate switches the current path, failing if the path was never
// registered via the dirs map passed to NewMemoryAdapter.
func (a *MemoryAdapter) Navigate(path string) (interface{}, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if _, ok := a.entries[path]; !ok {
		return nil, fmt.Errorf("adapter: unknown path %q", path)
	}
	a.path = path
	return map[string]interface{}{"path": a.path}, nil
}

// GetMetadata returns the registered FileEntry for each requested path,
// sorted by path, omitting paths with no known entry.
func (a *MemoryAdapter) GetMetadata(paths []string) (interface{}, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	byPath := make(map[string]FileEntry)
	for _, children := range a.entries {
		for _, c := range children {
			byPath[c.Path] = c
		}
	}
	out := make([]FileEntry, 0, len(paths))
	for _, p := range paths {
		if e, ok := byPath[p]; ok {
			out = append(out, e)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Path < out[j].Path })
	return out, nil
}

// ExecuteAction accepts any action in the catalog and reports success;
// it has no observable side effect beyond that, being a test double.
func (a *MemoryAdapter) ExecuteAction(actionID string) (interface{}, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	for _, act := range a.actions {
		if act == actionID {
			return map[string]interface{}{"status": "ok"}, nil
		}
	}
	return nil, fmt.Errorf("adapter: unknown action %q", actionID)
}
