package app

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/heptiolabs/healthcheck"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/vk/servicesd/internal/ctxlog"
)

// maxGoroutines fails liveness when the daemon leaks goroutines.
const maxGoroutines = 10000

var errLinkDown = errors.New("uplink is not connected")

// healthHandler builds the /live, /ready and /metrics endpoints. Liveness
// follows the session loop; readiness follows the uplink.
func (a *App) healthHandler() http.Handler {
	health := healthcheck.NewMetricsHandler(a.promRegistry, "servicesd")
	health.AddLivenessCheck("goroutines", healthcheck.GoroutineCountCheck(maxGoroutines))
	health.AddLivenessCheck("session", func() error {
		if !a.session.Alive() {
			return errors.New("session loop is not running")
		}
		return nil
	})
	health.AddReadinessCheck("uplink", func() error {
		if !a.session.Connected() {
			return errLinkDown
		}
		return nil
	})

	mux := http.NewServeMux()
	mux.HandleFunc("/live", health.LiveEndpoint)
	mux.HandleFunc("/ready", health.ReadyEndpoint)
	mux.HandleFunc("/health", health.LiveEndpoint)
	mux.Handle("/metrics", promhttp.HandlerFor(a.promRegistry, promhttp.HandlerOpts{}))
	return mux
}

// serveHealthcheck runs the health check server until ctx ends.
func (a *App) serveHealthcheck(ctx context.Context) error {
	logger := ctxlog.FromContext(ctx)
	addr := fmt.Sprintf(":%d", a.appConfig.HealthcheckPort)
	var lc net.ListenConfig
	ln, err := lc.Listen(ctx, "tcp", addr)
	if err != nil {
		return fmt.Errorf("health check listen on %s: %w", addr, err)
	}
	srv := &http.Server{Handler: a.healthHandler(), ReadHeaderTimeout: 5 * time.Second}

	serveCh := make(chan error, 1)
	go func() {
		logger.Info("🩺 Health check server starting.", "address", fmt.Sprintf("http://localhost%s/live", addr))
		serveCh <- srv.Serve(ln)
	}()

	select {
	case err := <-serveCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		logger.Error("Health check server failed unexpectedly.", "error", err)
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()
	logger.Info("🩺 Shutting down health check server...")
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("Health check server shutdown failed.", "error", err)
		return err
	}
	<-serveCh
	return nil
}
