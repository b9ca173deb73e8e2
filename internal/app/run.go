package app

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/vk/servicesd/internal/ctxlog"
	"golang.org/x/sync/errgroup"
)

// shutdownTimeout bounds module unloading and the farewell on exit.
const shutdownTimeout = 10 * time.Second

// Run brings the persisted modules back, connects the uplink and serves
// until ctx ends or a component fails. It always releases the database.
func (a *App) Run(ctx context.Context) (err error) {
	ctx = ctxlog.WithLogger(ctx, a.logger)
	a.logger.Debug("App.Run method started.")
	defer func() {
		if cerr := a.Close(); cerr != nil {
			err = errors.Join(err, cerr)
		}
	}()

	if err := a.lifecycle.RestorePersisted(ctx, a.Config().Modules.Default); err != nil {
		a.logger.Warn("Some modules could not be restored.", "error", err)
	}
	a.logger.Info("📦 Modules ready.", "loaded", a.registry.Len(), "available", len(a.host.Available()))

	if err := a.rpc.Start(ctx); err != nil {
		a.shutdown(ctx)
		return fmt.Errorf("failed to start RPC listener: %w", err)
	}

	// The session outlives ctx so the farewell can still go out on the
	// link; it stops once shutdown is done.
	sessionCtx, stopSession := context.WithCancel(context.WithoutCancel(ctx))
	defer stopSession()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return a.session.Run(sessionCtx) })
	g.Go(func() error {
		<-gctx.Done()
		a.shutdown(ctx)
		stopSession()
		return nil
	})
	if a.appConfig.HealthcheckPort > 0 {
		g.Go(func() error { return a.serveHealthcheck(gctx) })
	} else {
		a.logger.Debug("Health check server disabled.")
	}
	if a.appConfig.WatchConfig {
		g.Go(func() error { return a.watchConfig(gctx) })
	}
	if a.relay != nil {
		go func() {
			if err := a.relay.Connect(gctx); err != nil {
				a.logger.Warn("Observer relay unavailable, events stay local.", "error", err)
			}
		}()
	}

	a.logger.Info("🚀 servicesd running.", "server", a.Config().Service.ServerName, "uplink", a.link.Address())
	runErr := g.Wait()
	if runErr != nil && !errors.Is(runErr, context.Canceled) {
		return runErr
	}
	a.logger.Info("🏁 servicesd stopped.")
	return nil
}

// shutdown unloads every module, keeping them persisted for the next
// start, says goodbye on the link and stops background work.
func (a *App) shutdown(ctx context.Context) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), shutdownTimeout)
	defer cancel()

	if err := a.lifecycle.UnloadAll(ctx, true); err != nil {
		a.logger.Warn("Some modules failed to unload.", "error", err)
	}
	if err := a.session.Quit(ctx, "Shutting down"); err != nil {
		a.logger.Debug("Farewell not delivered.", "error", err)
	}
	if err := a.rpc.Stop(ctx); err != nil {
		a.logger.Warn("Failed to stop RPC listener.", "error", err)
	}
	if n := a.tasks.CancelAll(); n > 0 {
		a.logger.Debug("Cancelled remaining tasks.", "count", n)
	}
	if err := a.tasks.Wait(ctx); err != nil {
		a.logger.Warn("Tasks still running at exit.", "error", err)
	}
}

// Close releases the observer relay, the uplink and the database.
func (a *App) Close() error {
	if a.relay != nil {
		a.relay.Close()
	}
	_ = a.link.Close()
	return a.store.Close()
}
