package registry

import (
	"sort"
	"strings"
	"sync"

	"github.com/vk/servicesd/internal/plugin"
)

// Headers holds one header per loaded module.
type Headers struct {
	mu sync.RWMutex
	m  map[string]plugin.Header
}

// NewHeaders creates an empty header table.
func NewHeaders() *Headers {
	return &Headers{m: make(map[string]plugin.Header)}
}

// Create stores h. It returns false when a header with the same name
// exists or the name is empty.
func (t *Headers) Create(h plugin.Header) bool {
	if h.Name == "" {
		return false
	}
	key := strings.ToLower(h.Name)
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, exists := t.m[key]; exists {
		return false
	}
	t.m[key] = h
	return true
}

// Get returns the header of module name.
func (t *Headers) Get(name string) (plugin.Header, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	h, ok := t.m[strings.ToLower(name)]
	return h, ok
}

// Delete removes the header of module name.
func (t *Headers) Delete(name string) bool {
	key := strings.ToLower(name)
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.m[key]; !ok {
		return false
	}
	delete(t.m, key)
	return true
}

// List returns every header, sorted by name.
func (t *Headers) List() []plugin.Header {
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := make([]plugin.Header, 0, len(t.m))
	for _, h := range t.m {
		out = append(out, h)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Clear removes every header.
func (t *Headers) Clear() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.m = make(map[string]plugin.Header)
}
