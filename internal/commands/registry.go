package commands

import (
	"sort"
	"strings"
	"sync"
)

// Command is a single registered command.
type Command struct {
	Name        string `json:"command_name"`
	Module      string `json:"module_name"`
	Level       int    `json:"command_level"`
	Description string `json:"description"`
}

type key struct {
	name   string
	module string
}

func keyOf(name, module string) key {
	return key{name: strings.ToLower(name), module: strings.ToLower(module)}
}

// Registry stores commands keyed by (name, module). The zero value is not
// usable; create one with New.
type Registry struct {
	mu    sync.RWMutex
	items []Command
	index map[key]int
}

// New creates an empty command registry.
func New() *Registry {
	return &Registry{index: make(map[key]int)}
}

// Build registers a command. An existing entry with the same (name, module)
// key is dropped and the new one appended, under a single lock. It returns
// false only when name or module is empty.
func (r *Registry) Build(level int, module, name, description string) bool {
	if name == "" || module == "" {
		return false
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	k := keyOf(name, module)
	if _, ok := r.index[k]; ok {
		r.dropLocked(k)
	}
	r.items = append(r.items, Command{
		Name:        name,
		Module:      module,
		Level:       level,
		Description: description,
	})
	r.index[k] = len(r.items) - 1
	return true
}

// Get returns the command registered under (name, module).
func (r *Registry) Get(name, module string) (Command, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	i, ok := r.index[keyOf(name, module)]
	if !ok {
		return Command{}, false
	}
	return r.items[i], true
}

// Lookup returns every command registered under name, regardless of the
// owning module, in registration order.
func (r *Registry) Lookup(name string) []Command {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []Command
	for _, c := range r.items {
		if strings.EqualFold(c.Name, name) {
			out = append(out, c)
		}
	}
	return out
}

// ByModule returns the commands owned by module in registration order.
func (r *Registry) ByModule(module string) []Command {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []Command
	for _, c := range r.items {
		if strings.EqualFold(c.Module, module) {
			out = append(out, c)
		}
	}
	return out
}

// Drop removes the command registered under (name, module).
func (r *Registry) Drop(name, module string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.dropLocked(keyOf(name, module))
}

// DropModule removes every command owned by module and returns how many
// were removed.
func (r *Registry) DropModule(module string) int {
	r.mu.Lock()
	defer r.mu.Unlock()

	kept := r.items[:0]
	removed := 0
	for _, c := range r.items {
		if strings.EqualFold(c.Module, module) {
			removed++
			continue
		}
		kept = append(kept, c)
	}
	r.items = kept
	r.reindexLocked()
	return removed
}

// OrderedByLevel returns all commands whose level is at most maxLevel,
// sorted by (level, module) ascending. Ties keep registration order.
func (r *Registry) OrderedByLevel(maxLevel int) []Command {
	r.mu.RLock()
	out := make([]Command, 0, len(r.items))
	for _, c := range r.items {
		if c.Level <= maxLevel {
			out = append(out, c)
		}
	}
	r.mu.RUnlock()

	sort.SliceStable(out, func(i, j int) bool {
		if out[i].Level != out[j].Level {
			return out[i].Level < out[j].Level
		}
		return out[i].Module < out[j].Module
	})
	return out
}

// All returns a copy of every registered command in registration order.
func (r *Registry) All() []Command {
	return r.Snapshot()
}

// Len returns the number of registered commands.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.items)
}

// Snapshot returns a copy of the registry contents suitable for Restore.
func (r *Registry) Snapshot() []Command {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Command, len(r.items))
	copy(out, r.items)
	return out
}

// Restore rebuilds the registry from a snapshot, replacing its contents.
func (r *Registry) Restore(snapshot []Command) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.items = make([]Command, 0, len(snapshot))
	r.index = make(map[key]int, len(snapshot))
	for _, c := range snapshot {
		k := keyOf(c.Name, c.Module)
		if _, ok := r.index[k]; ok {
			r.dropLocked(k)
		}
		r.items = append(r.items, c)
		r.index[k] = len(r.items) - 1
	}
}

// Reset removes every command.
func (r *Registry) Reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.items = nil
	r.index = make(map[key]int)
}

func (r *Registry) dropLocked(k key) bool {
	i, ok := r.index[k]
	if !ok {
		return false
	}
	r.items = append(r.items[:i], r.items[i+1:]...)
	r.reindexLocked()
	return true
}

func (r *Registry) reindexLocked() {
	r.index = make(map[key]int, len(r.items))
	for i, c := range r.items {
		r.index[keyOf(c.Name, c.Module)] = i
	}
}
