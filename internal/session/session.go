// Package session runs the link loop: it keeps the uplink connected,
// announces the service, tracks network state from inbound traffic and
// routes user commands and raw verbs to the loaded modules.
package session

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/vk/servicesd/internal/commands"
	"github.com/vk/servicesd/internal/link"
	"github.com/vk/servicesd/internal/protocol"
	"github.com/vk/servicesd/internal/registry"
	"github.com/vk/servicesd/internal/state"
	"github.com/vk/servicesd/internal/supervisor"
)

// CoreModule is the command-registry owner name of built-in commands.
const CoreModule = "core"

// ErrNotConfigured is returned when sending before a dialect is set.
var ErrNotConfigured = errors.New("session has no protocol configured")

// Modules lists loaded module records.
type Modules interface {
	Loaded() []*registry.Record
}

// CommandHandler serves commands owned by CoreModule.
type CommandHandler interface {
	HCmds(ctx context.Context, user, channel, command string, args []string) error
}

// Deps are the session's collaborators. Core and Tasks are optional.
type Deps struct {
	Link     *link.Link
	State    *state.Store
	Commands *commands.Registry
	Table    *protocol.CommandTable
	Modules  Modules
	Core     CommandHandler
	Tasks    *supervisor.Tasks
	Logger   *slog.Logger
}

// Session is the link loop. Configure must be called before Run.
type Session struct {
	link     *link.Link
	state    *state.Store
	commands *commands.Registry
	table    *protocol.CommandTable
	modules  Modules
	tasks    *supervisor.Tasks
	logger   *slog.Logger

	mu     sync.RWMutex
	proto  protocol.Protocol
	id     protocol.Identity
	prefix string
	core   CommandHandler

	paused atomic.Bool
	resume chan struct{}
	alive  atomic.Bool
}

// New creates a session.
func New(deps Deps) *Session {
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Session{
		link:     deps.Link,
		state:    deps.State,
		commands: deps.Commands,
		table:    deps.Table,
		modules:  deps.Modules,
		tasks:    deps.Tasks,
		core:     deps.Core,
		logger:   logger.With("component", "session"),
		resume:   make(chan struct{}, 1),
	}
}

// Configure sets the dialect, the announced identity and the channel
// command prefix. It is called on every install of a configuration.
func (s *Session) Configure(p protocol.Protocol, id protocol.Identity, prefix string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.proto, s.id, s.prefix = p, id, prefix
}

// SetCore installs the handler of built-in commands.
func (s *Session) SetCore(h CommandHandler) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.core = h
}

// Identity returns the announced identity.
func (s *Session) Identity() protocol.Identity {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.id
}

func (s *Session) dialect() (protocol.Protocol, protocol.Identity, string) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.proto, s.id, s.prefix
}

// Alive reports whether Run is executing.
func (s *Session) Alive() bool {
	return s.alive.Load()
}

// Connected reports whether the uplink is up.
func (s *Session) Connected() bool {
	return s.link.Connected()
}

// Run connects, announces the service and pumps inbound traffic until ctx
// ends. A dropped link is redialed; after Quit the loop waits for
// Reconnect.
func (s *Session) Run(ctx context.Context) error {
	s.alive.Store(true)
	defer s.alive.Store(false)
	for {
		if err := s.waitResume(ctx); err != nil {
			return nil
		}
		conn, err := s.link.Connect(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return err
		}
		if err := s.handshake(conn); err != nil {
			_ = conn.Close()
			continue
		}
		s.pump(ctx, conn)
		if ctx.Err() != nil {
			_ = conn.Close()
			return nil
		}
		if !s.paused.Load() {
			s.logger.Warn("Link lost, reconnecting.")
			s.state.Clear()
		}
	}
}

func (s *Session) waitResume(ctx context.Context) error {
	for s.paused.Load() {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-s.resume:
		}
	}
	return nil
}

func (s *Session) handshake(conn *link.Conn) error {
	p, id, _ := s.dialect()
	if p == nil {
		return ErrNotConfigured
	}
	if err := conn.Send(p.Handshake(id)...); err != nil {
		return err
	}
	s.logger.Info("🤝 Handshake sent.", "protocol", p.Name(), "server", id.ServerName)
	return nil
}

func (s *Session) pump(ctx context.Context, conn *link.Conn) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-conn.Done():
			return
		case msg := <-conn.Inbound():
			s.Dispatch(ctx, msg)
		}
	}
}

// SetNick changes the service nickname on the network.
func (s *Session) SetNick(_ context.Context, nick string) error {
	s.mu.Lock()
	p, id := s.proto, s.id
	s.id.Nickname = nick
	s.mu.Unlock()
	if p == nil {
		return ErrNotConfigured
	}
	return s.link.Send(p.Nick(id, nick))
}

// Quit announces a quit, flushes and drops the link. Run stays idle until
// Reconnect.
func (s *Session) Quit(ctx context.Context, reason string) error {
	s.paused.Store(true)
	conn := s.link.Current()
	if conn == nil {
		return nil
	}
	p, id, _ := s.dialect()
	if p != nil {
		_ = conn.Send(p.Quit(id, reason))
	}
	shutdownCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	err := conn.Shutdown(shutdownCtx)
	s.logger.Info("Link closed for quit.", "reason", reason)
	return err
}

// Reconnect lets Run dial again after Quit.
func (s *Session) Reconnect(context.Context) error {
	s.paused.Store(false)
	select {
	case s.resume <- struct{}{}:
	default:
	}
	return nil
}

// Privmsg sends a message as the service.
func (s *Session) Privmsg(_ context.Context, target, text string) error {
	p, id, _ := s.dialect()
	if p == nil {
		return ErrNotConfigured
	}
	return s.link.Send(p.Privmsg(id, target, text))
}

// Notice sends a notice as the service.
func (s *Session) Notice(_ context.Context, target, text string) error {
	p, id, _ := s.dialect()
	if p == nil {
		return ErrNotConfigured
	}
	return s.link.Send(p.Notice(id, target, text))
}

// Raw sends msg unchanged.
func (s *Session) Raw(_ context.Context, msg protocol.Message) error {
	return s.link.Send(msg)
}
