package plugin

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/vk/servicesd/internal/supervisor"
)

// UnitKind classifies a loaded code unit.
type UnitKind int

const (
	// KindEntry is a module's entry point; it is rebuilt by the lifecycle
	// manager, never by the dependency reloader.
	KindEntry UnitKind = iota
	// KindShared is a helper unit a module depends on.
	KindShared
	// KindSchema holds plain data definitions; rebuilt with its module.
	KindSchema
	// KindCore is one of the daemon's own units, reloaded by rehash.
	KindCore
)

func (k UnitKind) String() string {
	switch k {
	case KindEntry:
		return "entry"
	case KindShared:
		return "shared"
	case KindSchema:
		return "schema"
	case KindCore:
		return "core"
	default:
		return fmt.Sprintf("UnitKind(%d)", int(k))
	}
}

// CoreUnits are the daemon's own units, reloaded in this order by rehash
// and restart.
var CoreUnits = []string{
	"core.config",
	"core.store",
	"core.commands",
	"core.registry",
	"core.supervisor",
	"core.protocol",
	"core.lifecycle",
}

// Unit is an entry of the loaded-code table.
type Unit struct {
	Name       string
	Kind       UnitKind
	Owner      string
	Generation int
	LoadedAt   time.Time
}

// Definition describes a module the binary can load.
type Definition struct {
	Name      string
	ClassName string
	Factory   Factory
	// Shared lists helper units relative to the module namespace, for
	// example "utils" or "utils.net".
	Shared []string
	// Schema adds a schema unit to the module namespace.
	Schema bool
	// Refresh, when set, runs every time one of the module's units is
	// reloaded. An error fails that unit's reload.
	Refresh func(ctx context.Context, unit string) error
}

// Registrar is implemented by feature module packages.
type Registrar interface {
	Register(h *Host)
}

var (
	// ErrUnknownModule is returned for a name no definition exists for.
	ErrUnknownModule = errors.New("no such module")
	// ErrUnitNotLoaded is returned when reloading a unit that is not in
	// the loaded-code table.
	ErrUnitNotLoaded = errors.New("code unit not loaded")
)

// Namespace returns the unit prefix of module name, "mods.<name>.".
func Namespace(name string) string {
	return "mods." + strings.ToLower(name) + "."
}

// EntryUnit returns the qualified name of a module's entry unit.
func EntryUnit(name string) string {
	return Namespace(name) + "module"
}

// SchemaUnit returns the qualified name of a module's schema unit.
func SchemaUnit(name string) string {
	return Namespace(name) + "schemas"
}

// Host holds the module definitions compiled into the binary and the table
// of code units currently loaded. Loading a unit makes its definition's
// factory available; reloading it bumps its generation and runs the
// definition's Refresh hook.
type Host struct {
	logger *slog.Logger

	mu      sync.RWMutex
	defs    map[string]Definition
	units   map[string]*Unit
	refresh map[string]func(ctx context.Context, unit string) error
}

// NewHost creates a host with the core units loaded.
func NewHost(logger *slog.Logger) *Host {
	if logger == nil {
		logger = slog.Default()
	}
	h := &Host{
		logger:  logger.With("component", "plugin_host"),
		defs:    make(map[string]Definition),
		units:   make(map[string]*Unit),
		refresh: make(map[string]func(ctx context.Context, unit string) error),
	}
	now := time.Now()
	for _, name := range CoreUnits {
		h.units[name] = &Unit{Name: name, Kind: KindCore, Generation: 1, LoadedAt: now}
	}
	return h
}

// Register calls Register on each registrar.
func (h *Host) Register(rs ...Registrar) {
	for _, r := range rs {
		r.Register(h)
	}
}

// Define adds a module definition. It panics on an empty name, a nil
// factory or a duplicate, all of which are programming errors.
func (h *Host) Define(def Definition) {
	if def.Name == "" || def.Factory == nil {
		panic(fmt.Sprintf("invalid module definition %q", def.Name))
	}
	if def.ClassName == "" {
		def.ClassName = def.Name
	}
	key := strings.ToLower(def.Name)

	h.mu.Lock()
	defer h.mu.Unlock()
	if _, exists := h.defs[key]; exists {
		panic(fmt.Sprintf("module definition '%s' already registered", def.Name))
	}
	h.logger.Debug("Registering module definition.", "module", def.Name, "shared_units", len(def.Shared))
	h.defs[key] = def
}

// Definition returns the definition registered under name.
func (h *Host) Definition(name string) (Definition, bool) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	def, ok := h.defs[strings.ToLower(name)]
	return def, ok
}

// Available returns every definition, sorted by name.
func (h *Host) Available() []Definition {
	h.mu.RLock()
	defer h.mu.RUnlock()
	out := make([]Definition, 0, len(h.defs))
	for _, d := range h.defs {
		out = append(out, d)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// SetRefresh installs a reload hook for a core unit.
func (h *Host) SetRefresh(unit string, fn func(ctx context.Context, unit string) error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.refresh[unit] = fn
}

// Import loads the module's units into the table and returns its factory.
// Importing an already loaded module is a no-op.
func (h *Host) Import(ctx context.Context, name string) (Factory, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	def, ok := h.defs[strings.ToLower(name)]
	if !ok {
		return nil, fmt.Errorf("import %s: %w", name, ErrUnknownModule)
	}

	now := time.Now()
	add := func(unit string, kind UnitKind) {
		if _, loaded := h.units[unit]; !loaded {
			h.units[unit] = &Unit{Name: unit, Kind: kind, Owner: def.Name, Generation: 1, LoadedAt: now}
		}
	}
	for _, dep := range def.Shared {
		add(Namespace(def.Name)+strings.ToLower(dep), KindShared)
	}
	if def.Schema {
		add(SchemaUnit(def.Name), KindSchema)
	}
	add(EntryUnit(def.Name), KindEntry)
	return def.Factory, nil
}

// IsLoaded reports whether the module's entry unit is in the table.
func (h *Host) IsLoaded(name string) bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	_, ok := h.units[EntryUnit(name)]
	return ok
}

// Factory returns the factory of a loaded module.
func (h *Host) Factory(name string) (Factory, error) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	if _, ok := h.units[EntryUnit(name)]; !ok {
		return nil, fmt.Errorf("%s: %w", EntryUnit(name), ErrUnitNotLoaded)
	}
	def, ok := h.defs[strings.ToLower(name)]
	if !ok {
		return nil, fmt.Errorf("factory %s: %w", name, ErrUnknownModule)
	}
	return def.Factory, nil
}

// ReloadUnit reloads one unit. Panics raised by a Refresh hook are
// returned as errors.
func (h *Host) ReloadUnit(ctx context.Context, name string) error {
	h.mu.RLock()
	u, ok := h.units[name]
	var fn func(context.Context, string) error
	if ok {
		if hook, found := h.refresh[name]; found {
			fn = hook
		} else if def, found := h.defs[strings.ToLower(u.Owner)]; found {
			fn = def.Refresh
		}
	}
	h.mu.RUnlock()
	if !ok {
		return fmt.Errorf("%s: %w", name, ErrUnitNotLoaded)
	}

	if fn != nil {
		if err := supervisor.Guard(func() error { return fn(ctx, name) }); err != nil {
			return fmt.Errorf("reload %s: %w", name, err)
		}
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	if u, ok := h.units[name]; ok {
		u.Generation++
		u.LoadedAt = time.Now()
		h.logger.Debug("Code unit reloaded.", "unit", name, "generation", u.Generation)
	}
	return nil
}

// Evict removes every unit of the module and returns how many were removed.
func (h *Host) Evict(name string) int {
	prefix := Namespace(name)
	h.mu.Lock()
	defer h.mu.Unlock()
	n := 0
	for unit := range h.units {
		if strings.HasPrefix(unit, prefix) {
			delete(h.units, unit)
			n++
		}
	}
	return n
}

// Retains reports whether any unit of the module is still loaded.
func (h *Host) Retains(name string) bool {
	return len(h.Units(Namespace(name))) > 0
}

// Unit returns a copy of the named unit.
func (h *Host) Unit(name string) (Unit, bool) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	u, ok := h.units[name]
	if !ok {
		return Unit{}, false
	}
	return *u, true
}

// Units returns copies of the loaded units whose name starts with prefix,
// sorted by name.
func (h *Host) Units(prefix string) []Unit {
	h.mu.RLock()
	defer h.mu.RUnlock()
	var out []Unit
	for name, u := range h.units {
		if strings.HasPrefix(name, prefix) {
			out = append(out, *u)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}
