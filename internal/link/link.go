package link

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"strconv"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/vk/servicesd/internal/config"
	"github.com/vk/servicesd/internal/metrics"
	"github.com/vk/servicesd/internal/protocol"
)

// ErrNotConnected is returned by Send while no connection is up.
var ErrNotConnected = errors.New("link not connected")

const defaultMaxBackoff = 60 * time.Second

// DialFunc opens the raw connection. Tests replace it.
type DialFunc func(ctx context.Context, network, address string) (net.Conn, error)

// Option configures a Link.
type Option func(*Link)

// WithDialer overrides how connections are opened.
func WithDialer(d DialFunc) Option {
	return func(l *Link) { l.dial = d }
}

// WithInitialBackoff sets the first retry delay.
func WithInitialBackoff(d time.Duration) Option {
	return func(l *Link) { l.initial = d }
}

// Link dials the uplink and tracks the current connection.
type Link struct {
	logger  *slog.Logger
	metrics *metrics.Metrics
	dial    DialFunc
	initial time.Duration

	mu   sync.Mutex
	cfg  config.Link
	conn *Conn
}

// New creates a Link for cfg. Nothing is dialed until Connect.
func New(logger *slog.Logger, cfg config.Link, m *metrics.Metrics, opts ...Option) *Link {
	if logger == nil {
		logger = slog.Default()
	}
	l := &Link{
		logger:  logger.With("component", "link"),
		metrics: m,
		initial: 500 * time.Millisecond,
		cfg:     cfg,
	}
	for _, o := range opts {
		o(l)
	}
	if l.dial == nil {
		l.dial = l.defaultDial
	}
	return l
}

// Reconfigure replaces the link settings. The next Connect uses them.
func (l *Link) Reconfigure(cfg config.Link) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.cfg = cfg
}

// Address returns host:port of the configured uplink.
func (l *Link) Address() string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return net.JoinHostPort(l.cfg.Host, strconv.Itoa(l.cfg.Port))
}

// Connect dials until it succeeds or ctx ends, backing off exponentially
// between attempts. The new connection replaces any previous one.
func (l *Link) Connect(ctx context.Context) (*Conn, error) {
	l.mu.Lock()
	cfg := l.cfg
	l.mu.Unlock()
	addr := net.JoinHostPort(cfg.Host, strconv.Itoa(cfg.Port))

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = l.initial
	b.MaxInterval = defaultMaxBackoff
	if cfg.MaxBackoffSeconds > 0 {
		b.MaxInterval = time.Duration(cfg.MaxBackoffSeconds) * time.Second
	}
	b.MaxElapsedTime = 0

	op := func() (net.Conn, error) {
		nc, err := l.dial(ctx, "tcp", addr)
		l.metrics.LinkConnect(err)
		if err != nil && ctx.Err() != nil {
			return nil, backoff.Permanent(ctx.Err())
		}
		return nc, err
	}
	notify := func(err error, wait time.Duration) {
		l.logger.Warn("Link connect failed, retrying.", "address", addr, "error", err, "retry_in", wait)
	}
	nc, err := backoff.RetryNotifyWithData[net.Conn](op, backoff.WithContext(b, ctx), notify)
	if err != nil {
		return nil, fmt.Errorf("connect to %s: %w", addr, err)
	}

	c := newConn(nc, l.logger, l.metrics)
	l.mu.Lock()
	prev := l.conn
	l.conn = c
	l.mu.Unlock()
	if prev != nil {
		_ = prev.Close()
	}
	l.logger.Info("🔗 Link connected.", "address", addr, "tls", cfg.TLS)
	return c, nil
}

// Current returns the live connection or nil.
func (l *Link) Current() *Conn {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.conn == nil {
		return nil
	}
	select {
	case <-l.conn.Done():
		return nil
	default:
		return l.conn
	}
}

// Connected reports whether a connection is up.
func (l *Link) Connected() bool {
	return l.Current() != nil
}

// Send queues msgs on the current connection.
func (l *Link) Send(msgs ...protocol.Message) error {
	c := l.Current()
	if c == nil {
		return ErrNotConnected
	}
	return c.Send(msgs...)
}

// Close drops the current connection.
func (l *Link) Close() error {
	l.mu.Lock()
	c := l.conn
	l.conn = nil
	l.mu.Unlock()
	if c == nil {
		return nil
	}
	return c.Close()
}

func (l *Link) defaultDial(ctx context.Context, network, address string) (net.Conn, error) {
	l.mu.Lock()
	useTLS := l.cfg.TLS
	host := l.cfg.Host
	l.mu.Unlock()

	d := &net.Dialer{Timeout: 15 * time.Second, KeepAlive: 30 * time.Second}
	if !useTLS {
		return d.DialContext(ctx, network, address)
	}
	td := &tls.Dialer{NetDialer: d, Config: &tls.Config{ServerName: host, MinVersion: tls.VersionTLS12}}
	return td.DialContext(ctx, network, address)
}
