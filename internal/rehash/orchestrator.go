package rehash

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"github.com/google/uuid"
	"github.com/vk/servicesd/internal/cache"
	"github.com/vk/servicesd/internal/commands"
	"github.com/vk/servicesd/internal/config"
	"github.com/vk/servicesd/internal/ctxlog"
	"github.com/vk/servicesd/internal/lifecycle"
	"github.com/vk/servicesd/internal/metrics"
	"github.com/vk/servicesd/internal/observer"
	"github.com/vk/servicesd/internal/plugin"
	"github.com/vk/servicesd/internal/protocol"
	"github.com/vk/servicesd/internal/registry"
	"github.com/vk/servicesd/internal/state"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// CommandsCacheKey is where the command registry snapshot waits while
// the registry is rebuilt.
const CommandsCacheKey = "rehash:commands"

// Listener is a network surface that must be quiet while the registries
// are rebuilt.
type Listener interface {
	Stop(ctx context.Context) error
	Start(ctx context.Context) error
}

// Uplink is the server link.
type Uplink interface {
	SetNick(ctx context.Context, nick string) error
	Quit(ctx context.Context, reason string) error
	// Reconnect re-establishes the link and resumes the session loop.
	Reconnect(ctx context.Context) error
}

// Core owns the active configuration and the singletons built from it.
type Core interface {
	Config() *config.Model
	// Install makes cfg active and rebuilds the singletons depending on it
	// with p as the link dialect.
	Install(ctx context.Context, cfg *config.Model, p protocol.Protocol) error
	// Reinitialize rebuilds the persistence glue from cfg.
	Reinitialize(ctx context.Context, cfg *config.Model) error
}

// Deps are the orchestrator's collaborators. RPC, Link, Runtime and
// Observers are optional.
type Deps struct {
	Lifecycle     *lifecycle.Manager
	Host          *plugin.Host
	Registry      *registry.Registry
	Commands      *commands.Registry
	Cache         *cache.Cache
	Source        config.Source
	Runtime       config.RuntimeStore
	Core          Core
	RPC           Listener
	Link          Uplink
	ProtocolTable *protocol.CommandTable
	State         *state.Store
	Notifier      plugin.Notifier
	Observers     lifecycle.Publisher
	Metrics       *metrics.Metrics
	Logger        *slog.Logger
}

// Orchestrator runs rehash and restart. Concurrent calls are serialized.
type Orchestrator struct {
	deps   Deps
	logger *slog.Logger
	tracer trace.Tracer
	mu     sync.Mutex
}

// New creates an orchestrator.
func New(deps Deps) *Orchestrator {
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Orchestrator{
		deps:   deps,
		logger: logger.With("component", "rehash"),
		tracer: otel.Tracer("servicesd/rehash"),
	}
}

func (o *Orchestrator) notify(ctx context.Context, format string, args ...any) {
	if o.deps.Notifier != nil {
		o.deps.Notifier.Notify(ctx, "", fmt.Sprintf(format, args...))
	}
}

func (o *Orchestrator) publish(ctx context.Context, e observer.Event) {
	if o.deps.Observers != nil {
		o.deps.Observers.Publish(ctx, e)
	}
}

// Rehash reloads code and configuration while the link stays up.
func (o *Orchestrator) Rehash(ctx context.Context, requester string) (err error) {
	o.mu.Lock()
	defer o.mu.Unlock()

	runID := uuid.NewString()
	ctx, span := o.tracer.Start(ctx, "rehash.Rehash", trace.WithAttributes(
		attribute.String("requester", requester),
		attribute.String("run_id", runID),
	))
	logger := o.logger.With("run_id", runID, "requester", requester)
	ctx = ctxlog.WithLogger(ctx, logger)
	defer func() {
		o.finish(ctx, span, "rehash", err)
	}()

	logger.Info("🔄 Rehash started.")
	o.notify(ctx, "Rehash requested by %s.", requester)
	modules := o.deps.Registry.Names()
	prev := o.deps.Core.Config().Clone()
	var errs []error

	o.deps.Cache.Set(CommandsCacheKey, o.deps.Commands.Snapshot())
	span.AddEvent("commands_snapshotted")

	if o.deps.RPC != nil {
		if err := o.deps.RPC.Stop(ctx); err != nil {
			logger.Warn("Failed to stop RPC listener.", "error", err)
			errs = append(errs, fmt.Errorf("stop rpc: %w", err))
		}
	}

	errs = append(errs, o.reloadCoreUnits(ctx)...)

	next, err := o.rebuildConfig(ctx, prev)
	if err != nil {
		errs = append(errs, err)
	}

	if prev.Service.Nickname != next.Service.Nickname && o.deps.Link != nil {
		if err := o.deps.Link.SetNick(ctx, next.Service.Nickname); err != nil {
			logger.Warn("Failed to change nickname on link.", "error", err)
			errs = append(errs, fmt.Errorf("change nick: %w", err))
		}
	}

	o.deps.Commands.Reset()
	snapshot, ok := cache.Take[[]commands.Command](o.deps.Cache, CommandsCacheKey)
	if !ok {
		errs = append(errs, errors.New("command snapshot missing from cache"))
	}
	o.deps.Commands.Restore(snapshot)
	span.AddEvent("commands_restored", trace.WithAttributes(attribute.Int("commands", len(snapshot))))

	if err := o.install(ctx, next); err != nil {
		errs = append(errs, err)
	}

	if o.deps.RPC != nil {
		if err := o.deps.RPC.Start(ctx); err != nil {
			logger.Error("Failed to restart RPC listener.", "error", err)
			errs = append(errs, fmt.Errorf("start rpc: %w", err))
		}
	}

	for _, name := range modules {
		if err := o.deps.Lifecycle.Reload(ctx, name, requester); err != nil {
			errs = append(errs, err)
		}
	}

	o.publish(ctx, observer.Event{Kind: observer.RehashDone, Requester: requester, Detail: runID})
	return errors.Join(errs...)
}

// Restart tears the daemon down and brings it back with the same modules.
func (o *Orchestrator) Restart(ctx context.Context, requester, reason string) (err error) {
	o.mu.Lock()
	defer o.mu.Unlock()

	runID := uuid.NewString()
	ctx, span := o.tracer.Start(ctx, "rehash.Restart", trace.WithAttributes(
		attribute.String("requester", requester),
		attribute.String("run_id", runID),
	))
	logger := o.logger.With("run_id", runID, "requester", requester)
	ctx = ctxlog.WithLogger(ctx, logger)
	defer func() {
		o.finish(ctx, span, "restart", err)
	}()

	logger.Info("Restart started.", "reason", reason)
	o.notify(ctx, "Restart requested by %s: %s", requester, reason)
	modules := o.deps.Registry.Names()
	prev := o.deps.Core.Config().Clone()
	var errs []error

	if err := o.deps.Lifecycle.UnloadAll(ctx, true); err != nil {
		errs = append(errs, err)
	}
	sweep(ctx, logger)

	if o.deps.Link != nil {
		if err := o.deps.Link.Quit(ctx, reason); err != nil {
			logger.Warn("Failed to announce departure.", "error", err)
		}
	}

	errs = append(errs, o.reloadCoreUnits(ctx)...)

	next, err := o.deps.Source.Build(ctx)
	if err != nil {
		logger.Error("Failed to rebuild configuration, keeping the previous one.", "error", err)
		o.notify(ctx, "Configuration rebuild failed, keeping the previous one: %v", err)
		errs = append(errs, err)
		next = prev.Clone()
	}
	config.CarryForward(prev, next)
	next.Runtime.RestartPending = false

	if err := o.deps.Core.Reinitialize(ctx, next); err != nil {
		errs = append(errs, fmt.Errorf("reinitialize persistence: %w", err))
	}

	o.deps.Registry.Clear()
	if o.deps.State != nil {
		o.deps.State.Clear()
	}
	o.deps.ProtocolTable.Clear()

	if err := o.install(ctx, next); err != nil {
		errs = append(errs, err)
	}

	for _, name := range modules {
		if err := o.deps.Lifecycle.Load(ctx, name, requester, false); err != nil {
			errs = append(errs, err)
		}
	}

	if o.deps.Link != nil {
		if err := o.deps.Link.Reconnect(ctx); err != nil {
			logger.Error("Failed to re-establish link.", "error", err)
			errs = append(errs, fmt.Errorf("reconnect: %w", err))
		}
	}
	o.saveRuntime(ctx, next.Runtime)

	o.publish(ctx, observer.Event{Kind: observer.RestartDone, Requester: requester, Detail: reason})
	return errors.Join(errs...)
}

func (o *Orchestrator) finish(ctx context.Context, span trace.Span, kind string, err error) {
	logger := ctxlog.FromContext(ctx)
	o.deps.Metrics.Reconfigured(kind, err)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "partial "+kind)
		logger.Warn("Reconfiguration finished with errors.", "kind", kind, "error", err)
		o.notify(ctx, "%s finished with errors: %v", capitalize(kind), err)
	} else {
		logger.Info("✅ Reconfiguration finished.", "kind", kind)
		o.notify(ctx, "%s complete.", capitalize(kind))
	}
	span.End()
}

func capitalize(s string) string {
	if s == "" {
		return s
	}
	return strings.ToUpper(s[:1]) + s[1:]
}

// reloadCoreUnits reloads plugin.CoreUnits in order.
func (o *Orchestrator) reloadCoreUnits(ctx context.Context) []error {
	logger := ctxlog.FromContext(ctx)
	var errs []error
	for i, unit := range plugin.CoreUnits {
		if err := o.deps.Host.ReloadUnit(ctx, unit); err != nil {
			logger.Error("Failed to reload core unit.", "unit", unit, "error", err)
			o.notify(ctx, "Reloading %s failed: %v", unit, err)
			errs = append(errs, err)
			continue
		}
		o.notify(ctx, "Reloaded %s (%d/%d).", unit, i+1, len(plugin.CoreUnits))
	}
	return errs
}

// rebuildConfig builds the next model, carries the runtime section over,
// announces every change and forces restart-only fields back. On a build
// failure it returns a copy of prev.
func (o *Orchestrator) rebuildConfig(ctx context.Context, prev *config.Model) (*config.Model, error) {
	logger := ctxlog.FromContext(ctx)
	next, err := o.deps.Source.Build(ctx)
	if err != nil {
		logger.Error("Failed to rebuild configuration, keeping the previous one.", "error", err)
		o.notify(ctx, "Configuration rebuild failed, keeping the previous one: %v", err)
		return prev.Clone(), fmt.Errorf("rebuild config: %w", err)
	}
	config.CarryForward(prev, next)

	changes, err := config.Diff(prev, next)
	if err != nil {
		logger.Warn("Could not diff configuration.", "error", err)
		return next, fmt.Errorf("diff config: %w", err)
	}
	for _, c := range changes {
		logger.Info("Configuration changed.", "path", c.Path, "sensitive", c.Sensitive)
		o.notify(ctx, "Config %s", c)
		o.publish(ctx, observer.Event{Kind: observer.ConfigChanged, Detail: c.Path})
	}

	if forced := config.RestoreRestartRequired(prev, next, changes); len(forced) > 0 {
		next.Runtime.RestartPending = true
		logger.Warn("Some changes need a restart and were not applied.", "paths", forced)
		o.notify(ctx, "These changes need a restart and were not applied: %s", strings.Join(forced, ", "))
	}
	return next, nil
}

// install selects the link dialect, installs cfg into the core and
// registers the dialect's commands.
func (o *Orchestrator) install(ctx context.Context, cfg *config.Model) error {
	logger := ctxlog.FromContext(ctx)
	p, err := protocol.Select(cfg.Link.Protocol)
	if err != nil {
		logger.Error("Failed to select link protocol.", "protocol", cfg.Link.Protocol, "error", err)
		return err
	}
	if err := o.deps.Core.Install(ctx, cfg, p); err != nil {
		return fmt.Errorf("install core: %w", err)
	}
	o.deps.ProtocolTable.Clear()
	n := o.deps.ProtocolTable.RegisterFrom(p)
	logger.Debug("Protocol commands registered.", "protocol", p.Name(), "verbs", n)
	o.saveRuntime(ctx, cfg.Runtime)
	return nil
}

func (o *Orchestrator) saveRuntime(ctx context.Context, rt config.Runtime) {
	if o.deps.Runtime == nil {
		return
	}
	if err := o.deps.Runtime.SaveRuntime(ctx, rt); err != nil {
		ctxlog.FromContext(ctx).Warn("Could not persist runtime state.", "error", err)
	}
}
