package registry

import (
	"strings"
	"sync"
	"time"

	"github.com/vk/servicesd/internal/plugin"
)

// Record is a loaded module.
type Record struct {
	Name      string
	ClassName string
	LoadedAt  time.Time

	mu       sync.RWMutex
	instance plugin.Module
	reloads  int
}

// NewRecord creates a record around a freshly loaded instance.
func NewRecord(name, className string, instance plugin.Module) *Record {
	return &Record{Name: name, ClassName: className, LoadedAt: time.Now(), instance: instance}
}

// Instance returns the current module instance.
func (r *Record) Instance() plugin.Module {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.instance
}

// Swap replaces the instance and returns the previous one.
func (r *Record) Swap(instance plugin.Module) plugin.Module {
	r.mu.Lock()
	defer r.mu.Unlock()
	old := r.instance
	r.instance = instance
	r.reloads++
	return old
}

// Reloads returns how many times the instance was swapped.
func (r *Record) Reloads() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.reloads
}

// Registry maps module names to records. Names are case-insensitive.
type Registry struct {
	mu      sync.RWMutex
	records []*Record
	index   map[string]*Record
}

// New creates an empty registry.
func New() *Registry {
	return &Registry{index: make(map[string]*Record)}
}

// Insert adds r. It returns false, leaving the registry unchanged, when a
// module with the same name is already present.
func (g *Registry) Insert(r *Record) bool {
	key := strings.ToLower(r.Name)
	g.mu.Lock()
	defer g.mu.Unlock()
	if _, exists := g.index[key]; exists {
		return false
	}
	g.records = append(g.records, r)
	g.index[key] = r
	return true
}

// Get returns the record for name or nil.
func (g *Registry) Get(name string) *Record {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.index[strings.ToLower(name)]
}

// Exists reports whether name is loaded.
func (g *Registry) Exists(name string) bool {
	return g.Get(name) != nil
}

// Remove drops the record for name.
func (g *Registry) Remove(name string) bool {
	key := strings.ToLower(name)
	g.mu.Lock()
	defer g.mu.Unlock()
	r, ok := g.index[key]
	if !ok {
		return false
	}
	delete(g.index, key)
	for i, rec := range g.records {
		if rec == r {
			g.records = append(g.records[:i], g.records[i+1:]...)
			break
		}
	}
	return true
}

// List returns the records in insertion order. The slice is a copy and
// may be iterated while the registry changes.
func (g *Registry) List() []*Record {
	g.mu.RLock()
	defer g.mu.RUnlock()
	out := make([]*Record, len(g.records))
	copy(out, g.records)
	return out
}

// Names returns the module names in insertion order.
func (g *Registry) Names() []string {
	recs := g.List()
	out := make([]string, len(recs))
	for i, r := range recs {
		out[i] = r.Name
	}
	return out
}

// Len returns the number of loaded modules.
func (g *Registry) Len() int {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return len(g.records)
}

// Clear drops every record.
func (g *Registry) Clear() {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.records = nil
	g.index = make(map[string]*Record)
}
