package plugin

import (
	"context"
	"log/slog"

	"github.com/vk/servicesd/internal/commands"
	"github.com/vk/servicesd/internal/protocol"
	"github.com/vk/servicesd/internal/state"
	"github.com/vk/servicesd/internal/supervisor"
)

// Header is the descriptive metadata a module publishes about itself.
type Header struct {
	Name        string `json:"name"`
	Version     string `json:"version"`
	Description string `json:"description"`
	Author      string `json:"author"`
	CoreVersion string `json:"core_version"`
}

// Module is the capability every feature module implements. Load, Unload,
// Cmd and HCmds may block; they receive a context the caller may cancel.
type Module interface {
	// Config returns the module's read-only settings.
	Config() map[string]string
	CreateTables(ctx context.Context) error
	Load(ctx context.Context) error
	Unload(ctx context.Context) error
	// Cmd receives raw link traffic routed by the session.
	Cmd(ctx context.Context, msg protocol.Message) error
	// HCmds receives a parsed user command. channel is empty for private
	// messages.
	HCmds(ctx context.Context, user, channel, command string, args []string) error
	Header() Header
}

// Notifier delivers operator-visible notices.
type Notifier interface {
	// Notify sends text to target, or to the services channel when target
	// is empty.
	Notify(ctx context.Context, target, text string)
}

// Sender writes to the link on behalf of the service.
type Sender interface {
	Privmsg(ctx context.Context, target, text string) error
	Notice(ctx context.Context, target, text string) error
	Raw(ctx context.Context, msg protocol.Message) error
}

// Context is the service context handed to a module constructor. It owns
// no state: every field points at a process-wide component.
type Context struct {
	Name     string
	Logger   *slog.Logger
	Commands *commands.Registry
	Tasks    *supervisor.Tasks
	Threads  *supervisor.Threads
	State    *state.Store
	Notifier Notifier
	Sender   Sender
	// Settings is the module's mod_config, already copied.
	Settings map[string]string
}

// Factory constructs a fresh module instance.
type Factory func(*Context) Module

// Base provides the optional parts of Module. Feature modules embed it and
// override what they need.
type Base struct {
	Ctx *Context
}

// Config implements Module.
func (b *Base) Config() map[string]string {
	out := make(map[string]string, len(b.Ctx.Settings))
	for k, v := range b.Ctx.Settings {
		out[k] = v
	}
	return out
}

// CreateTables implements Module.
func (b *Base) CreateTables(context.Context) error { return nil }

// Unload implements Module.
func (b *Base) Unload(context.Context) error { return nil }

// Cmd implements Module.
func (b *Base) Cmd(context.Context, protocol.Message) error { return nil }
