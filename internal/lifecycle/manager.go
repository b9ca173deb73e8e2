package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	cmap "github.com/orcaman/concurrent-map/v2"
	"github.com/vk/servicesd/internal/commands"
	"github.com/vk/servicesd/internal/config"
	"github.com/vk/servicesd/internal/ctxlog"
	"github.com/vk/servicesd/internal/metrics"
	"github.com/vk/servicesd/internal/observer"
	"github.com/vk/servicesd/internal/plugin"
	"github.com/vk/servicesd/internal/registry"
	"github.com/vk/servicesd/internal/store"
	"github.com/vk/servicesd/internal/supervisor"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// Publisher receives lifecycle events.
type Publisher interface {
	Publish(ctx context.Context, e observer.Event)
}

// Deps are the collaborators of a Manager. Host, Registry, Headers,
// Commands and Store are required.
type Deps struct {
	Host      *plugin.Host
	Registry  *registry.Registry
	Headers   *registry.Headers
	Commands  *commands.Registry
	Store     store.Modules
	Notifier  plugin.Notifier
	Observers Publisher
	Metrics   *metrics.Metrics
	Logger    *slog.Logger
	// NewContext builds the service context handed to a module factory.
	NewContext func(name string) *plugin.Context
}

// Manager drives module state transitions.
type Manager struct {
	deps     Deps
	logger   *slog.Logger
	tracer   trace.Tracer
	reloader *plugin.DependencyReloader

	locks  cmap.ConcurrentMap[string, *sync.Mutex]
	states cmap.ConcurrentMap[string, State]
}

// New creates a manager.
func New(deps Deps) *Manager {
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	if deps.NewContext == nil {
		deps.NewContext = func(name string) *plugin.Context {
			return &plugin.Context{Name: name, Logger: logger.With("module", name), Commands: deps.Commands}
		}
	}
	return &Manager{
		deps:     deps,
		logger:   logger.With("component", "lifecycle"),
		tracer:   otel.Tracer("servicesd/lifecycle"),
		reloader: &plugin.DependencyReloader{Host: deps.Host},
		locks:    cmap.New[*sync.Mutex](),
		states:   cmap.New[State](),
	}
}

func (m *Manager) lock(name string) func() {
	mu := m.locks.Upsert(name, nil, func(exist bool, cur *sync.Mutex, _ *sync.Mutex) *sync.Mutex {
		if exist {
			return cur
		}
		return &sync.Mutex{}
	})
	mu.Lock()
	return mu.Unlock
}

func (m *Manager) setState(name string, s State) {
	if s == Unloaded {
		m.states.Remove(name)
		return
	}
	m.states.Set(name, s)
}

// State returns the lifecycle state of name.
func (m *Manager) State(name string) State {
	s, ok := m.states.Get(strings.ToLower(name))
	if !ok {
		return Unloaded
	}
	return s
}

func (m *Manager) notify(ctx context.Context, text string) {
	if m.deps.Notifier != nil {
		m.deps.Notifier.Notify(ctx, "", text)
	}
}

func (m *Manager) publish(ctx context.Context, e observer.Event) {
	if m.deps.Observers != nil {
		m.deps.Observers.Publish(ctx, e)
	}
}

func (m *Manager) startSpan(ctx context.Context, op, name, requester string) (context.Context, trace.Span) {
	return m.tracer.Start(ctx, "lifecycle."+op, trace.WithAttributes(
		attribute.String("module", name),
		attribute.String("requester", requester),
	))
}

func endSpan(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	span.End()
}

func normalize(name string) (string, error) {
	n := strings.ToLower(strings.TrimSpace(name))
	if !config.ModuleNamePattern.MatchString(n) {
		return "", fmt.Errorf("%q: %w", name, ErrInvalidModuleName)
	}
	return n, nil
}

// Load imports, constructs and starts module name. When the module's code
// is already imported but no record exists it reloads instead.
func (m *Manager) Load(ctx context.Context, name, requester string, isDefault bool) (err error) {
	ctx, span := m.startSpan(ctx, "load", name, requester)
	defer func() { endSpan(span, err) }()
	defer func() { m.deps.Metrics.LifecycleOp("load", err) }()

	raw := name
	name, err = normalize(name)
	if err != nil {
		m.notify(ctx, fmt.Sprintf("Cannot load %s: module names must match mod_*.", raw))
		return err
	}
	ctx, logger := ctxlog.With(ctx, "module", name, "requester", requester)
	unlock := m.lock(name)
	defer unlock()

	if m.deps.Host.IsLoaded(name) && !m.deps.Registry.Exists(name) {
		logger.Info("Module code already imported, reloading instead.")
		return m.reload(ctx, name, requester, isDefault)
	}
	if m.deps.Registry.Exists(name) {
		m.notify(ctx, fmt.Sprintf("Module %s is already loaded.", name))
		return fmt.Errorf("%s: %w", name, ErrModuleAlreadyLoaded)
	}

	m.setState(name, Loading)
	inst, stage, err := m.construct(ctx, name, true, true)
	if err != nil {
		return m.failLoad(ctx, name, requester, stage, err)
	}

	m.putHeader(name, inst)
	def, _ := m.deps.Host.Definition(name)
	m.deps.Registry.Insert(registry.NewRecord(name, def.ClassName, inst))
	m.setState(name, Loaded)
	m.deps.Metrics.SetModulesLoaded(m.deps.Registry.Len())

	if created, perr := m.deps.Store.RegisterModule(ctx, name, requester, isDefault); perr != nil {
		logger.Warn("Module loaded but could not be persisted.", "error", perr)
	} else if created {
		logger.Debug("Module persisted.")
	}

	logger.Info("Module loaded.", "default", isDefault)
	m.publish(ctx, observer.Event{Kind: observer.ModuleLoaded, Module: name, Requester: requester})
	m.notify(ctx, fmt.Sprintf("Module %s loaded by %s.", name, requester))
	span.AddEvent("loaded")
	return nil
}

// construct imports the module when importing is true, builds an instance
// and runs its Load hook, preceded by CreateTables when createTables is
// true. It returns the failed stage.
func (m *Manager) construct(ctx context.Context, name string, importing, createTables bool) (plugin.Module, string, error) {
	var (
		factory plugin.Factory
		err     error
	)
	if importing {
		err = supervisor.Guard(func() error {
			factory, err = m.deps.Host.Import(ctx, name)
			return err
		})
		if err != nil {
			return nil, "import", err
		}
	} else {
		factory, err = m.deps.Host.Factory(name)
		if err != nil {
			return nil, "factory", err
		}
	}

	var inst plugin.Module
	err = supervisor.Guard(func() error {
		inst = factory(m.deps.NewContext(name))
		if inst == nil {
			return ErrMissingCapability
		}
		return nil
	})
	if err != nil {
		return nil, "construct", err
	}
	if createTables {
		if err := supervisor.Guard(func() error { return inst.CreateTables(ctx) }); err != nil {
			return nil, "create_tables", err
		}
	}
	if err := supervisor.Guard(func() error { return inst.Load(ctx) }); err != nil {
		return nil, "load", err
	}
	return inst, "", nil
}

func (m *Manager) failLoad(ctx context.Context, name, requester, stage string, cause error) error {
	logger := ctxlog.FromContext(ctx)
	err := &LoadError{Module: name, Stage: stage, Err: cause}

	dropped := m.deps.Commands.DropModule(name)
	m.deps.Host.Evict(name)
	if _, derr := m.deps.Store.DeleteModule(ctx, name); derr != nil {
		logger.Warn("Could not delete persisted module entry.", "error", derr)
	}
	m.setState(name, Unloaded)

	var pe *supervisor.PanicError
	if errors.As(cause, &pe) {
		logger.Error("Module panicked while loading.", "stage", stage, "error", cause, "stack", string(pe.Stack))
	} else {
		logger.Error("Failed to load module.", "stage", stage, "error", cause, "commands_dropped", dropped)
	}
	m.publish(ctx, observer.Event{Kind: observer.ModuleLoadFailed, Module: name, Requester: requester, Detail: stage, Error: cause.Error()})
	m.notify(ctx, fmt.Sprintf("Failed to load %s (%s): %v", name, stage, cause))
	return err
}

func (m *Manager) putHeader(name string, inst plugin.Module) {
	h := inst.Header()
	if h.Name == "" {
		h.Name = name
	}
	m.deps.Headers.Delete(name)
	if !strings.EqualFold(h.Name, name) {
		m.logger.Warn("Module header names another module, using the loaded name.", "module", name, "header_name", h.Name)
		h.Name = name
	}
	m.deps.Headers.Create(h)
}

// Unload stops module name. keepInDB leaves its persisted entry in place
// so the module comes back on the next start.
func (m *Manager) Unload(ctx context.Context, name string, keepInDB bool) (err error) {
	ctx, span := m.startSpan(ctx, "unload", name, "")
	defer func() { endSpan(span, err) }()
	defer func() { m.deps.Metrics.LifecycleOp("unload", err) }()

	name = strings.ToLower(strings.TrimSpace(name))
	ctx, logger := ctxlog.With(ctx, "module", name)
	unlock := m.lock(name)
	defer unlock()

	rec := m.deps.Registry.Get(name)
	if rec == nil {
		if deleted, derr := m.deps.Store.DeleteModule(ctx, name); derr != nil {
			logger.Warn("Could not delete stale persisted entry.", "error", derr)
		} else if deleted {
			logger.Info("Removed stale persisted entry for a module that was not loaded.")
		}
		m.notify(ctx, fmt.Sprintf("Module %s is not loaded.", name))
		return fmt.Errorf("%s: %w", name, ErrModuleNotLoaded)
	}

	m.setState(name, Unloading)
	m.deps.Headers.Delete(name)
	hookErr := supervisor.Guard(func() error { return rec.Instance().Unload(ctx) })
	if hookErr != nil {
		logger.Error("Module unload hook failed.", "error", hookErr)
	}

	m.deps.Registry.Remove(name)
	dropped := m.deps.Commands.DropModule(name)
	m.deps.Host.Evict(name)
	if m.deps.Host.Retains(name) {
		logger.Warn("Module code still retained after eviction.")
	}
	if !keepInDB {
		if _, derr := m.deps.Store.DeleteModule(ctx, name); derr != nil {
			logger.Warn("Could not delete persisted module entry.", "error", derr)
		}
	}
	m.setState(name, Unloaded)
	m.deps.Metrics.SetModulesLoaded(m.deps.Registry.Len())

	logger.Info("Module unloaded.", "commands_dropped", dropped, "keep_in_db", keepInDB)
	ev := observer.Event{Kind: observer.ModuleUnloaded, Module: name}
	if hookErr != nil {
		ev.Error = hookErr.Error()
	}
	m.publish(ctx, ev)
	m.notify(ctx, fmt.Sprintf("Module %s unloaded.", name))
	if hookErr != nil {
		return fmt.Errorf("unload %s: %w", name, hookErr)
	}
	return nil
}

// Reload rebuilds module name from freshly reloaded code.
func (m *Manager) Reload(ctx context.Context, name, requester string) (err error) {
	ctx, span := m.startSpan(ctx, "reload", name, requester)
	defer func() { endSpan(span, err) }()

	name, err = normalize(name)
	if err != nil {
		m.deps.Metrics.LifecycleOp("reload", err)
		return err
	}
	ctx, _ = ctxlog.With(ctx, "module", name, "requester", requester)
	unlock := m.lock(name)
	defer unlock()
	return m.reload(ctx, name, requester, false)
}

// reload runs with the module lock held. Without a record it recovers a
// module whose code outlived its instance: tables are created and the
// entry is registered as a fresh load with isDefault.
func (m *Manager) reload(ctx context.Context, name, requester string, isDefault bool) (err error) {
	defer func() { m.deps.Metrics.LifecycleOp("reload", err) }()
	logger := ctxlog.FromContext(ctx)

	if !m.deps.Host.IsLoaded(name) {
		m.notify(ctx, fmt.Sprintf("Module %s is not imported; use load instead.", name))
		return fmt.Errorf("%s: %w", name, ErrNotImported)
	}

	m.setState(name, Reloading)
	rec := m.deps.Registry.Get(name)
	m.deps.Headers.Delete(name)

	if rec != nil {
		if err := supervisor.Guard(func() error { return rec.Instance().Unload(ctx) }); err != nil {
			return m.failReload(ctx, name, requester, "unload", err)
		}
	}
	m.deps.Commands.DropModule(name)

	reloaded, depErr := m.reloader.ReloadGraph(ctx, plugin.Namespace(name))
	if depErr != nil {
		m.notify(ctx, fmt.Sprintf("Some dependencies of %s failed to reload: %v", name, depErr))
	}
	if err := m.deps.Host.ReloadUnit(ctx, plugin.EntryUnit(name)); err != nil {
		return m.failReload(ctx, name, requester, "entry", err)
	}
	if _, ok := m.deps.Host.Unit(plugin.SchemaUnit(name)); ok {
		if err := m.deps.Host.ReloadUnit(ctx, plugin.SchemaUnit(name)); err != nil {
			return m.failReload(ctx, name, requester, "schema", err)
		}
	}

	inst, stage, err := m.construct(ctx, name, false, rec == nil)
	if err != nil {
		return m.failReload(ctx, name, requester, stage, err)
	}
	m.putHeader(name, inst)
	if rec != nil {
		rec.Swap(inst)
	} else {
		def, _ := m.deps.Host.Definition(name)
		m.deps.Registry.Insert(registry.NewRecord(name, def.ClassName, inst))
		logger.Warn("Reloaded module had no record, inserted a new one.")
	}
	m.setState(name, Loaded)
	m.deps.Metrics.SetModulesLoaded(m.deps.Registry.Len())

	if rec == nil {
		if _, perr := m.deps.Store.RegisterModule(ctx, name, requester, isDefault); perr != nil {
			logger.Warn("Module recovered but could not be persisted.", "error", perr)
		}
	} else if terr := m.deps.Store.TouchModule(ctx, name, requester); terr != nil {
		logger.Warn("Could not persist reload event.", "error", terr)
	}
	logger.Info("Module reloaded.", "dependencies", len(reloaded))
	m.publish(ctx, observer.Event{Kind: observer.ModuleReloaded, Module: name, Requester: requester})
	m.notify(ctx, fmt.Sprintf("Module %s reloaded by %s.", name, requester))
	return nil
}

func (m *Manager) failReload(ctx context.Context, name, requester, stage string, cause error) error {
	logger := ctxlog.FromContext(ctx)
	if _, derr := m.deps.Store.DeleteModule(ctx, name); derr != nil {
		logger.Warn("Could not delete persisted module entry.", "error", derr)
	}
	if m.deps.Registry.Exists(name) {
		m.setState(name, Loaded)
	} else {
		m.setState(name, Unloaded)
	}
	logger.Error("Failed to reload module.", "stage", stage, "error", cause)
	m.publish(ctx, observer.Event{Kind: observer.ModuleReloadFailed, Module: name, Requester: requester, Detail: stage, Error: cause.Error()})
	m.notify(ctx, fmt.Sprintf("Failed to reload %s (%s): %v", name, stage, cause))
	return &ReloadError{Module: name, Stage: stage, Err: cause}
}

// Loaded returns the loaded modules in load order.
func (m *Manager) Loaded() []*registry.Record {
	return m.deps.Registry.List()
}

// Available returns every module the binary can load.
func (m *Manager) Available() []plugin.Definition {
	return m.deps.Host.Available()
}

// Header returns the header of a loaded module.
func (m *Manager) Header(name string) (plugin.Header, bool) {
	return m.deps.Headers.Get(name)
}

// CreateHeader stores h. It returns false when one already exists.
func (m *Manager) CreateHeader(h plugin.Header) bool {
	return m.deps.Headers.Create(h)
}

// DeleteHeader removes the header of name.
func (m *Manager) DeleteHeader(name string) bool {
	return m.deps.Headers.Delete(name)
}

// RestorePersisted loads every persisted module. On an empty store it
// loads defaults instead and marks them as default modules.
func (m *Manager) RestorePersisted(ctx context.Context, defaults []string) error {
	entries, err := m.deps.Store.ListRegisteredModules(ctx)
	if err != nil {
		return fmt.Errorf("list persisted modules: %w", err)
	}

	var errs []error
	if len(entries) == 0 {
		m.logger.Info("No persisted modules, loading defaults.", "count", len(defaults))
		for _, name := range defaults {
			if err := m.Load(ctx, name, "config", true); err != nil && !errors.Is(err, ErrModuleAlreadyLoaded) {
				errs = append(errs, err)
			}
		}
		return errors.Join(errs...)
	}

	m.logger.Info("Restoring persisted modules.", "count", len(entries))
	for _, e := range entries {
		if err := m.Load(ctx, e.Name, e.User, e.IsDefault); err != nil && !errors.Is(err, ErrModuleAlreadyLoaded) {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// UnloadAll unloads every module, newest first.
func (m *Manager) UnloadAll(ctx context.Context, keepInDB bool) error {
	recs := m.deps.Registry.List()
	var errs []error
	for i := len(recs) - 1; i >= 0; i-- {
		if err := m.Unload(ctx, recs[i].Name, keepInDB); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
