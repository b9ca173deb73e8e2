// Package store persists which modules are loaded, so a restarted daemon
// brings the same feature set back, and the daemon-owned runtime section of
// the configuration.
package store

import (
	"context"
	"errors"
	"time"

	"github.com/vk/servicesd/internal/config"
)

// ErrClosed is returned by every operation after Close.
var ErrClosed = errors.New("store: closed")

// ModuleEntry is the persisted load event of one module.
type ModuleEntry struct {
	Name       string    `json:"name"`
	User       string    `json:"user"`
	IsDefault  bool      `json:"is_default"`
	LoadedAt   time.Time `json:"loaded_at"`
	ReloadedAt time.Time `json:"reloaded_at,omitzero"`
	Reloads    int       `json:"reloads"`
}

// Modules is the persistence surface the lifecycle manager consumes.
type Modules interface {
	ModuleExists(ctx context.Context, name string) (bool, error)
	// RegisterModule stores a load event. It returns false when the module
	// is already registered.
	RegisterModule(ctx context.Context, name, user string, isDefault bool) (bool, error)
	// DeleteModule returns false when nothing was stored under name.
	DeleteModule(ctx context.Context, name string) (bool, error)
	// ListRegisteredModules returns entries in registration order.
	ListRegisteredModules(ctx context.Context) ([]ModuleEntry, error)
	// TouchModule records a reload event.
	TouchModule(ctx context.Context, name, user string) error
}

// Store is everything the daemon persists.
type Store interface {
	Modules
	config.RuntimeStore
	Close() error
}
