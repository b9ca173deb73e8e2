// Package notify delivers operator notices: lifecycle failures, config
// changes and rehash progress. Notices are logged and, when a link is
// attached, sent to the services channel under a token bucket so a burst
// of failures cannot flood the network.
package notify

import (
	"context"
	"log/slog"
	"sync"

	"github.com/vk/servicesd/internal/config"
	"golang.org/x/time/rate"
)

// Sink is where notices end up on the network.
type Sink interface {
	Notice(ctx context.Context, target, text string) error
}

// Notifier implements plugin.Notifier.
type Notifier struct {
	logger *slog.Logger

	mu      sync.RWMutex
	limiter *rate.Limiter
	channel string
	sink    Sink
}

// New creates a notifier. sink may be nil until the link is up.
func New(logger *slog.Logger, sink Sink, cfg config.Notices, channel string) *Notifier {
	if logger == nil {
		logger = slog.Default()
	}
	return &Notifier{
		logger:  logger.With("component", "notify"),
		limiter: newLimiter(cfg),
		channel: channel,
		sink:    sink,
	}
}

func newLimiter(cfg config.Notices) *rate.Limiter {
	if cfg.PerSecond <= 0 {
		return rate.NewLimiter(rate.Inf, 0)
	}
	burst := cfg.Burst
	if burst < 1 {
		burst = 1
	}
	return rate.NewLimiter(rate.Limit(cfg.PerSecond), burst)
}

// Notify sends text to target, or to the services channel when target is
// empty. It waits for the rate limiter; a cancelled ctx drops the notice.
func (n *Notifier) Notify(ctx context.Context, target, text string) {
	n.mu.RLock()
	limiter, sink := n.limiter, n.sink
	if target == "" {
		target = n.channel
	}
	n.mu.RUnlock()

	n.logger.Info(text, "target", target)
	if sink == nil || target == "" {
		return
	}
	if err := limiter.Wait(ctx); err != nil {
		n.logger.Warn("Notice dropped.", "target", target, "error", err)
		return
	}
	if err := sink.Notice(ctx, target, text); err != nil {
		n.logger.Warn("Failed to deliver notice.", "target", target, "error", err)
	}
}

// Reconfigure applies new rate settings and services channel.
func (n *Notifier) Reconfigure(cfg config.Notices, channel string) {
	n.mu.Lock()
	defer n.mu.Unlock()
	if cfg.PerSecond > 0 {
		n.limiter.SetLimit(rate.Limit(cfg.PerSecond))
		n.limiter.SetBurst(max(cfg.Burst, 1))
	}
	n.channel = channel
}

// Attach replaces the sink. Passing nil detaches the notifier from the
// network; notices are then only logged.
func (n *Notifier) Attach(sink Sink) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.sink = sink
}

// Channel returns the current default target.
func (n *Notifier) Channel() string {
	n.mu.RLock()
	defer n.mu.RUnlock()
	return n.channel
}
