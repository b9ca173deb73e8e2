package app

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"sync"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/vk/servicesd/internal/admin"
	"github.com/vk/servicesd/internal/cache"
	"github.com/vk/servicesd/internal/commands"
	"github.com/vk/servicesd/internal/config"
	"github.com/vk/servicesd/internal/ctxlog"
	"github.com/vk/servicesd/internal/hcl"
	"github.com/vk/servicesd/internal/lifecycle"
	"github.com/vk/servicesd/internal/link"
	"github.com/vk/servicesd/internal/metrics"
	"github.com/vk/servicesd/internal/notify"
	"github.com/vk/servicesd/internal/observer"
	"github.com/vk/servicesd/internal/plugin"
	"github.com/vk/servicesd/internal/protocol"
	"github.com/vk/servicesd/internal/registry"
	"github.com/vk/servicesd/internal/rehash"
	"github.com/vk/servicesd/internal/rpc"
	"github.com/vk/servicesd/internal/session"
	"github.com/vk/servicesd/internal/state"
	"github.com/vk/servicesd/internal/store"
	"github.com/vk/servicesd/internal/supervisor"
	"github.com/vk/servicesd/internal/yamlconfig"
)

// Options override collaborators of a new App. The zero value builds the
// production daemon.
type Options struct {
	// Source replaces the file-backed configuration source.
	Source config.Source
	// Modules replaces the compiled-in module list.
	Modules []plugin.Registrar
	// LinkOptions are passed to the uplink.
	LinkOptions []link.Option
	// OpenStore replaces the badger constructor.
	OpenStore func(cfg config.Storage, logger *slog.Logger) (store.Store, error)
}

// App encapsulates the daemon's dependencies, configuration and lifecycle.
type App struct {
	outW      io.Writer
	logger    *slog.Logger
	appConfig *Config
	source    config.Source
	openStore func(cfg config.Storage, logger *slog.Logger) (store.Store, error)

	promRegistry *prometheus.Registry
	metrics      *metrics.Metrics

	host      *plugin.Host
	registry  *registry.Registry
	headers   *registry.Headers
	commands  *commands.Registry
	cache     *cache.Cache
	state     *state.Store
	table     *protocol.CommandTable
	tasks     *supervisor.Tasks
	threads   *supervisor.Threads
	store     *swapStore
	notifier  *notify.Notifier
	hub       *observer.Hub
	relay     *observer.SocketIORelay
	link      *link.Link
	session   *session.Session
	rpc       *rpc.Server
	lifecycle *lifecycle.Manager
	rehash    *rehash.Orchestrator
	admin     *admin.Commands

	mu  sync.RWMutex
	cfg *config.Model
}

// NewApp builds every singleton from the configuration files named in
// appConfig, opens the database and stamps the runtime section. Nothing
// touches the network until Run.
func NewApp(outW io.Writer, appConfig *Config, opts Options) (*App, error) {
	logger := newLogger(appConfig.LogLevel, appConfig.LogFormat, outW)
	ctx := ctxlog.WithLogger(context.Background(), logger)
	logger.Debug("Logger configured successfully.")

	source := opts.Source
	if source == nil {
		var err error
		if source, err = fileSource(appConfig.ConfigPaths); err != nil {
			return nil, err
		}
	}
	cfg, err := source.Build(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to load configuration: %w", err)
	}
	logger.Debug("Configuration loaded and validated.", "paths", appConfig.ConfigPaths)

	a := &App{
		outW:      outW,
		logger:    logger,
		appConfig: appConfig,
		source:    source,
		openStore: opts.OpenStore,
		cfg:       cfg,
	}
	if a.openStore == nil {
		a.openStore = openBadger
	}

	db, err := a.openStore(cfg.Storage, logger)
	if err != nil {
		return nil, fmt.Errorf("failed to open module database: %w", err)
	}
	a.store = &swapStore{inner: db, cfg: cfg.Storage}
	if err := a.stampRuntime(ctx); err != nil {
		_ = a.store.Close()
		return nil, err
	}

	a.wire(opts)

	p, err := protocol.Select(cfg.Link.Protocol)
	if err != nil {
		_ = a.store.Close()
		return nil, err
	}
	if err := a.Install(ctx, cfg, p); err != nil {
		_ = a.store.Close()
		return nil, err
	}
	a.table.RegisterFrom(p)
	if err := a.store.SaveRuntime(ctx, cfg.Runtime); err != nil {
		logger.Warn("Could not persist protocol capabilities.", "error", err)
	}
	return a, nil
}

func fileSource(paths []string) (config.Source, error) {
	format, err := formatOf(paths)
	if err != nil {
		return nil, err
	}
	var loader config.Loader = hcl.NewLoader()
	if format == "yaml" {
		loader = yamlconfig.NewLoader()
	}
	return &config.FileSource{Loader: loader, Paths: paths}, nil
}

func openBadger(cfg config.Storage, logger *slog.Logger) (store.Store, error) {
	return store.Open(store.ConfigFrom(cfg, logger))
}

// stampRuntime replaces the file's runtime section with the persisted
// one, counts this run and saves it back.
func (a *App) stampRuntime(ctx context.Context) error {
	rt, found, err := a.store.LoadRuntime(ctx)
	if err != nil {
		return fmt.Errorf("failed to load runtime state: %w", err)
	}
	if !found {
		rt = config.Runtime{}
	}
	if rt.InstallID == "" {
		rt.InstallID = uuid.NewString()
		a.logger.Info("🆕 First start, new installation.", "install_id", rt.InstallID)
	}
	rt.RunCount++
	rt.CoreVersion = config.CoreVersion
	rt.RestartPending = false
	a.cfg.Runtime = rt
	if err := a.store.SaveRuntime(ctx, rt); err != nil {
		return fmt.Errorf("failed to save runtime state: %w", err)
	}
	a.logger.Debug("Runtime state stamped.", "run_count", rt.RunCount)
	return nil
}

// wire builds the collaborators. The configuration dependent parts are
// set by Install.
func (a *App) wire(opts Options) {
	logger := a.logger
	cfg := a.cfg

	a.promRegistry = prometheus.NewRegistry()
	a.promRegistry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	a.metrics = metrics.New(a.promRegistry)

	registrars := opts.Modules
	if len(registrars) == 0 {
		registrars = builtinModules
	}
	a.host = plugin.NewHost(logger)
	a.host.Register(registrars...)
	logger.Debug("Module definitions registered.", "count", len(a.host.Available()))

	a.registry = registry.New()
	a.headers = registry.NewHeaders()
	a.commands = commands.New()
	a.cache = cache.New()
	a.state = state.New()
	a.table = protocol.NewCommandTable()
	a.tasks = supervisor.NewTasks(logger, a.metrics)
	a.threads = supervisor.NewThreads(logger, a.metrics)

	a.hub = observer.NewHub(logger)
	if cfg.Observer.Enabled {
		a.relay = observer.NewSocketIORelay(logger, cfg.Observer)
		a.hub.Subscribe(a.relay.Handle)
	}
	a.hub.Subscribe(func(_ context.Context, e observer.Event) {
		logger.Debug("Lifecycle event.", "kind", e.Kind, "module", e.Module, "error", e.Error)
	})

	a.link = link.New(logger, cfg.Link, a.metrics, opts.LinkOptions...)
	a.session = session.New(session.Deps{
		Link:     a.link,
		State:    a.state,
		Commands: a.commands,
		Table:    a.table,
		Modules:  loadedModules{a.registry},
		Tasks:    a.tasks,
		Logger:   logger,
	})
	a.notifier = notify.New(logger, a.session, cfg.Notices, cfg.Service.Channel)
	a.rpc = rpc.NewServer(logger, cfg.RPC, a.commands, a.registry, a.headers)

	a.lifecycle = lifecycle.New(lifecycle.Deps{
		Host:       a.host,
		Registry:   a.registry,
		Headers:    a.headers,
		Commands:   a.commands,
		Store:      a.store,
		Notifier:   a.notifier,
		Observers:  a.hub,
		Metrics:    a.metrics,
		Logger:     logger,
		NewContext: a.moduleContext,
	})
	a.rehash = rehash.New(rehash.Deps{
		Lifecycle:     a.lifecycle,
		Host:          a.host,
		Registry:      a.registry,
		Commands:      a.commands,
		Cache:         a.cache,
		Source:        a.source,
		Runtime:       a.store,
		Core:          a,
		RPC:           a.rpc,
		Link:          a.session,
		ProtocolTable: a.table,
		State:         a.state,
		Notifier:      a.notifier,
		Observers:     a.hub,
		Metrics:       a.metrics,
		Logger:        logger,
	})

	a.admin = admin.New(admin.Deps{
		Lifecycle: a.lifecycle,
		Rehash:    a.rehash,
		Commands:  a.commands,
		Tasks:     a.tasks,
		Threads:   a.threads,
		State:     a.state,
		Sender:    a.session,
		Logger:    logger,
	})
	n := a.admin.Register(a.commands)
	a.session.SetCore(a.admin)
	logger.Debug("Core commands registered.", "count", n)

	a.host.SetRefresh("core.store", func(ctx context.Context, _ string) error {
		_, err := a.store.ListRegisteredModules(ctx)
		return err
	})
	a.host.SetRefresh("core.supervisor", func(ctx context.Context, _ string) error {
		ctxlog.FromContext(ctx).Debug("Supervisor state.", "tasks", a.tasks.Len(), "threads", a.threads.Len())
		return nil
	})
}

// loadedModules lists the registry's records for the session.
type loadedModules struct{ reg *registry.Registry }

func (m loadedModules) Loaded() []*registry.Record { return m.reg.List() }

// moduleContext builds the service context handed to a module factory.
func (a *App) moduleContext(name string) *plugin.Context {
	return &plugin.Context{
		Name:     name,
		Logger:   a.logger.With("module", name),
		Commands: a.commands,
		Tasks:    a.tasks,
		Threads:  a.threads,
		State:    a.state,
		Notifier: a.notifier,
		Sender:   a.session,
		Settings: a.Config().ModuleSettings(name),
	}
}

// Config returns the active configuration. Callers must not modify it.
func (a *App) Config() *config.Model {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.cfg
}

// Install makes cfg active and pushes it into every configuration
// dependent singleton, with p as the link dialect.
func (a *App) Install(ctx context.Context, cfg *config.Model, p protocol.Protocol) error {
	cfg.Runtime.ProtocolCaps = p.Verbs()
	cfg.Runtime.CoreVersion = config.CoreVersion

	a.mu.Lock()
	a.cfg = cfg
	a.mu.Unlock()

	a.session.Configure(p, identity(cfg), cfg.Service.CommandPrefix)
	a.notifier.Reconfigure(cfg.Notices, cfg.Service.Channel)
	a.rpc.Reconfigure(cfg.RPC)
	a.link.Reconfigure(cfg.Link)
	ctxlog.FromContext(ctx).Debug("Configuration installed.", "protocol", p.Name(), "server", cfg.Service.ServerName)
	return nil
}

// Reinitialize reopens the database when the storage section changed.
// On failure the previous database stays in use.
func (a *App) Reinitialize(ctx context.Context, cfg *config.Model) error {
	logger := ctxlog.FromContext(ctx)
	if a.store.config() == cfg.Storage {
		logger.Debug("Storage unchanged, keeping the open database.")
		return nil
	}
	prevCfg := a.store.config()
	prev := a.store.swap(nil, prevCfg)
	if prev != nil {
		if err := prev.Close(); err != nil {
			logger.Warn("Failed to close the previous database.", "error", err)
		}
	}
	next, err := a.openStore(cfg.Storage, a.logger)
	if err != nil {
		logger.Error("Failed to open the new database, reopening the previous one.", "path", cfg.Storage.Path, "error", err)
		back, backErr := a.openStore(prevCfg, a.logger)
		if backErr != nil {
			return fmt.Errorf("open %s: %w (reopening previous: %v)", cfg.Storage.Path, err, backErr)
		}
		a.store.swap(back, prevCfg)
		return fmt.Errorf("open %s: %w", cfg.Storage.Path, err)
	}
	a.store.swap(next, cfg.Storage)
	logger.Info("Module database reopened.", "path", cfg.Storage.Path, "in_memory", cfg.Storage.InMemory)
	return nil
}

func identity(cfg *config.Model) protocol.Identity {
	return protocol.Identity{
		ServerName:  cfg.Service.ServerName,
		ServerID:    cfg.Service.ServerID,
		Password:    cfg.Link.Password,
		Description: cfg.Service.Description,
		Nickname:    cfg.Service.Nickname,
		Ident:       cfg.Service.Ident,
		Host:        cfg.Service.Host,
		Realname:    cfg.Service.Realname,
		Channel:     cfg.Service.Channel,
	}
}

// Lifecycle returns the module lifecycle manager. This is primarily for
// testing.
func (a *App) Lifecycle() *lifecycle.Manager {
	return a.lifecycle
}

// Rehash returns the reconfiguration orchestrator.
func (a *App) Rehash() *rehash.Orchestrator {
	return a.rehash
}

// Session returns the link session.
func (a *App) Session() *session.Session {
	return a.session
}

// Commands returns the command registry.
func (a *App) Commands() *commands.Registry {
	return a.commands
}
