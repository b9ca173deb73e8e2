package observer

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"sync"
	"time"

	"github.com/vk/servicesd/internal/config"
	"github.com/zishang520/engine.io-client-go/transports"
	"github.com/zishang520/engine.io/v2/types"
	"github.com/zishang520/socket.io-client-go/socket"
)

// RelayEvent is the socket.io event name lifecycle events are emitted as.
const RelayEvent = "servicesd:lifecycle"

const connectTimeout = 15 * time.Second

// SocketIORelay forwards hub events to a socket.io dashboard.
type SocketIORelay struct {
	logger *slog.Logger
	cfg    config.Observer
	// InsecureSkipVerify disables TLS verification for self-signed
	// dashboards.
	InsecureSkipVerify bool

	mu     sync.Mutex
	client *socket.Socket
}

// NewSocketIORelay creates a relay; call Connect before subscribing it.
func NewSocketIORelay(logger *slog.Logger, cfg config.Observer) *SocketIORelay {
	if logger == nil {
		logger = slog.Default()
	}
	return &SocketIORelay{logger: logger.With("component", "observer_relay", "url", cfg.URL), cfg: cfg}
}

// Connect dials the dashboard and waits for the namespace to accept.
func (r *SocketIORelay) Connect(ctx context.Context) error {
	parsedURL, err := url.Parse(r.cfg.URL)
	if err != nil {
		return fmt.Errorf("failed to parse observer URL: %w", err)
	}
	if parsedURL.Scheme == "" || parsedURL.Host == "" {
		return fmt.Errorf("observer URL %q must be absolute", r.cfg.URL)
	}

	opts := socket.DefaultOptions()
	opts.SetPath(parsedURL.Path)
	if r.InsecureSkipVerify {
		r.logger.Warn("Skipping TLS certificate verification.")
		opts.SetTLSClientConfig(&tls.Config{InsecureSkipVerify: true})
	}
	opts.SetTransports(types.NewSet(transports.WebSocket))

	baseURL := fmt.Sprintf("%s://%s", parsedURL.Scheme, parsedURL.Host)
	manager := socket.NewManager(baseURL, opts)
	io := manager.Socket(r.cfg.Namespace, opts)

	connectChan := make(chan error, 1)
	io.Once(types.EventName("connect"), func(...any) {
		r.logger.Info("Observer relay connected.", "sid", io.Id())
		select {
		case connectChan <- nil:
		default:
		}
	})
	io.Once(types.EventName("connect_error"), func(errs ...any) {
		err := errors.New("connect_error")
		if len(errs) > 0 {
			if e, ok := errs[0].(error); ok {
				err = e
			}
		}
		select {
		case connectChan <- err:
		default:
		}
	})
	io.Connect()

	select {
	case err := <-connectChan:
		if err != nil {
			io.Disconnect()
			return fmt.Errorf("socket.io connection failed: %w", err)
		}
	case <-ctx.Done():
		io.Disconnect()
		return fmt.Errorf("waiting for socket.io connection: %w", ctx.Err())
	case <-time.After(connectTimeout):
		io.Disconnect()
		return fmt.Errorf("timed out after %s waiting for socket.io connection", connectTimeout)
	}

	r.mu.Lock()
	r.client = io
	r.mu.Unlock()
	return nil
}

// Handle is a Handler emitting e to the dashboard. Events are dropped
// while disconnected.
func (r *SocketIORelay) Handle(_ context.Context, e Event) {
	r.mu.Lock()
	client := r.client
	r.mu.Unlock()
	if client == nil || !client.Connected() {
		r.logger.Debug("Observer relay offline, event dropped.", "kind", e.Kind)
		return
	}
	client.Emit(RelayEvent, payload(e))
}

// Close disconnects from the dashboard.
func (r *SocketIORelay) Close() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.client != nil {
		r.logger.Info("Disconnecting observer relay.", "sid", r.client.Id())
		r.client.Disconnect()
		r.client = nil
	}
}

func payload(e Event) map[string]any {
	out := map[string]any{
		"kind": string(e.Kind),
		"at":   e.At.Format(time.RFC3339Nano),
	}
	for k, v := range map[string]string{"module": e.Module, "requester": e.Requester, "detail": e.Detail, "error": e.Error} {
		if v != "" {
			out[k] = v
		}
	}
	return out
}
