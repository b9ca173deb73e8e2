package protocol

import (
	"sort"
	"strings"
	"sync"
)

// CommandTable is the set of inbound verbs currently routed to modules. It
// is filled from the selected dialect and cleared on restart.
type CommandTable struct {
	mu    sync.RWMutex
	verbs map[string]string
}

// NewCommandTable creates an empty table.
func NewCommandTable() *CommandTable {
	return &CommandTable{verbs: make(map[string]string)}
}

// RegisterFrom replaces the table contents with p's verbs and returns how
// many were registered.
func (t *CommandTable) RegisterFrom(p Protocol) int {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.verbs = make(map[string]string)
	for _, v := range p.Verbs() {
		t.verbs[strings.ToUpper(v)] = p.Name()
	}
	return len(t.verbs)
}

// Known reports whether verb is routed.
func (t *CommandTable) Known(verb string) bool {
	t.mu.RLock()
	defer t.mu.RUnlock()
	_, ok := t.verbs[strings.ToUpper(verb)]
	return ok
}

// Verbs returns the routed verbs, sorted.
func (t *CommandTable) Verbs() []string {
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := make([]string, 0, len(t.verbs))
	for v := range t.verbs {
		out = append(out, v)
	}
	sort.Strings(out)
	return out
}

// Len returns the number of routed verbs.
func (t *CommandTable) Len() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.verbs)
}

// Clear empties the table.
func (t *CommandTable) Clear() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.verbs = make(map[string]string)
}
