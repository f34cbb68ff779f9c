package config

import (
	"path/filepath"
	"strings"
	"sync"
)

// AllowList is the live set of directories sessions may run in. It can be
// swapped at runtime by the config watcher.
type AllowList struct {
	mu   sync.RWMutex
	dirs []string
}

// NewAllowList creates an allow-list from already resolved directories.
func NewAllowList(dirs []string) *AllowList {
	a := &AllowList{}
	a.Set(dirs)
	return a
}

// Set replaces the allowed directories.
func (a *AllowList) Set(dirs []string) {
	resolved := ResolveDirectories(dirs)
	a.mu.Lock()
	a.dirs = resolved
	a.mu.Unlock()
}

// Dirs returns a copy of the allowed directories.
func (a *AllowList) Dirs() []string {
	a.mu.RLock()
	defer a.mu.RUnlock()
	out := make([]string, len(a.dirs))
	copy(out, a.dirs)
	return out
}

// Contains reports whether path equals an allowed root or lies beneath one.
// Relative paths are resolved against the process working directory.
func (a *AllowList) Contains(path string) bool {
	if path == "" {
		return false
	}
	abs, err := filepath.Abs(path)
	if err != nil {
		return false
	}
	abs = filepath.Clean(abs)

	a.mu.RLock()
	defer a.mu.RUnlock()
	for _, dir := range a.dirs {
		if Within(abs, dir) {
			return true
		}
	}
	return false
}

// Within reports whether path is root or a descendant of root. Both must be
// clean absolute paths.
func Within(path, root string) bool {
	if path == root {
		return true
	}
	if root == string(filepath.Separator) {
		return strings.HasPrefix(path, root)
	}
	return strings.HasPrefix(path, root+string(filepath.Separator))
}
