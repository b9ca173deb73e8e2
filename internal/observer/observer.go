// Package observer fans lifecycle events out to interested parties: the
// dashboard relay, tests and anything else that wants to watch modules
// come and go.
package observer

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/vk/servicesd/internal/supervisor"
)

// Kind names an event.
type Kind string

const (
	ModuleLoaded       Kind = "module.loaded"
	ModuleUnloaded     Kind = "module.unloaded"
	ModuleReloaded     Kind = "module.reloaded"
	ModuleLoadFailed   Kind = "module.load_failed"
	ModuleReloadFailed Kind = "module.reload_failed"
	ConfigChanged      Kind = "config.changed"
	RehashDone         Kind = "rehash.done"
	RestartDone        Kind = "restart.done"
)

// Event is one lifecycle occurrence.
type Event struct {
	Kind      Kind      `json:"kind"`
	Module    string    `json:"module,omitempty"`
	Requester string    `json:"requester,omitempty"`
	Detail    string    `json:"detail,omitempty"`
	Error     string    `json:"error,omitempty"`
	At        time.Time `json:"at"`
}

// Handler receives events. It runs on the publisher's goroutine and must
// not block for long.
type Handler func(ctx context.Context, e Event)

// Hub is a synchronous publish/subscribe point.
type Hub struct {
	logger *slog.Logger

	mu     sync.RWMutex
	nextID int
	subs   map[int]Handler
	order  []int
}

// NewHub creates a hub with no subscribers.
func NewHub(logger *slog.Logger) *Hub {
	if logger == nil {
		logger = slog.Default()
	}
	return &Hub{logger: logger.With("component", "observer"), subs: make(map[int]Handler)}
}

// Subscribe registers h and returns a function removing it.
func (h *Hub) Subscribe(fn Handler) (unsubscribe func()) {
	h.mu.Lock()
	defer h.mu.Unlock()
	id := h.nextID
	h.nextID++
	h.subs[id] = fn
	h.order = append(h.order, id)
	var once sync.Once
	return func() {
		once.Do(func() {
			h.mu.Lock()
			defer h.mu.Unlock()
			delete(h.subs, id)
			for i, v := range h.order {
				if v == id {
					h.order = append(h.order[:i], h.order[i+1:]...)
					break
				}
			}
		})
	}
}

// Publish delivers e to every subscriber in subscription order. A panicking
// subscriber is logged and skipped.
func (h *Hub) Publish(ctx context.Context, e Event) {
	if e.At.IsZero() {
		e.At = time.Now().UTC()
	}
	h.mu.RLock()
	handlers := make([]Handler, 0, len(h.order))
	for _, id := range h.order {
		handlers = append(handlers, h.subs[id])
	}
	h.mu.RUnlock()

	for _, fn := range handlers {
		if err := supervisor.Guard(func() error { fn(ctx, e); return nil }); err != nil {
			h.logger.Error("Observer panicked.", "kind", e.Kind, "error", err)
		}
	}
}

// Len returns the number of subscribers.
func (h *Hub) Len() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subs)
}
