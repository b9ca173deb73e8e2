// Package admin implements the built-in operator commands: module
// management, rehash, restart and supervisor inspection. The commands are
// registered in the command registry under the "core" module and reached
// through the session's command dispatch.
package admin

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"time"

	"github.com/vk/servicesd/internal/commands"
	"github.com/vk/servicesd/internal/plugin"
	"github.com/vk/servicesd/internal/registry"
	"github.com/vk/servicesd/internal/session"
	"github.com/vk/servicesd/internal/state"
	"github.com/vk/servicesd/internal/supervisor"
)

// ErrUsage is returned when a command is called with the wrong arguments.
var ErrUsage = errors.New("wrong arguments")

// Lifecycle is the module management surface.
type Lifecycle interface {
	Load(ctx context.Context, name, requester string, isDefault bool) error
	Unload(ctx context.Context, name string, keepInDB bool) error
	Reload(ctx context.Context, name, requester string) error
	Loaded() []*registry.Record
	Available() []plugin.Definition
	Header(name string) (plugin.Header, bool)
}

// Reconfigurer runs rehash and restart.
type Reconfigurer interface {
	Rehash(ctx context.Context, requester string) error
	Restart(ctx context.Context, requester, reason string) error
}

// Deps are the collaborators of the command set. Threads and State are
// optional.
type Deps struct {
	Lifecycle Lifecycle
	Rehash    Reconfigurer
	Commands  *commands.Registry
	Tasks     *supervisor.Tasks
	Threads   *supervisor.Threads
	State     *state.Store
	Sender    plugin.Sender
	Logger    *slog.Logger
}

type entry struct {
	level       int
	description string
	run         func(ctx context.Context, req request) error
}

type request struct {
	user    string
	nick    string
	channel string
	args    []string
}

// Commands serves the built-in command set.
type Commands struct {
	deps   Deps
	logger *slog.Logger
	table  map[string]entry
}

// New builds the command set. Call Register to expose it.
func New(deps Deps) *Commands {
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	c := &Commands{deps: deps, logger: logger.With("component", "admin")}
	c.table = map[string]entry{
		"help":      {session.LevelUser, "List the commands you can use", c.help},
		"modlist":   {session.LevelUser, "List loaded modules", c.modList},
		"modavail":  {session.LevelUser, "List modules that can be loaded", c.modAvail},
		"modload":   {session.LevelOper, "Load a module: modload <mod_name>", c.modLoad},
		"modunload": {session.LevelOper, "Unload a module: modunload <mod_name>", c.modUnload},
		"modreload": {session.LevelOper, "Reload a module: modreload <mod_name>", c.modReload},
		"rehash":    {session.LevelOper, "Reload code and configuration", c.rehash},
		"restart":   {session.LevelOper, "Restart the service: restart [reason]", c.restart},
		"tasks":     {session.LevelOper, "List supervised tasks and threads", c.listTasks},
	}
	return c
}

// Register adds every built-in command to the registry.
func (c *Commands) Register(reg *commands.Registry) int {
	names := make([]string, 0, len(c.table))
	for name := range c.table {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		s := c.table[name]
		reg.Build(s.level, session.CoreModule, name, s.description)
	}
	return len(names)
}

// HCmds dispatches one built-in command.
func (c *Commands) HCmds(ctx context.Context, user, channel, command string, args []string) error {
	s, ok := c.table[strings.ToLower(command)]
	if !ok {
		return fmt.Errorf("unknown core command %q", command)
	}
	req := request{user: user, nick: c.nick(user), channel: channel, args: args}
	c.logger.Info("Core command invoked.", "command", command, "user", req.nick, "args", args)
	err := s.run(ctx, req)
	if errors.Is(err, ErrUsage) {
		c.reply(ctx, req, "Usage: "+s.description)
		return nil
	}
	return err
}

func (c *Commands) nick(user string) string {
	if c.deps.State != nil {
		if u, ok := c.deps.State.Resolve(user); ok {
			return u.Nick
		}
	}
	return user
}

func (c *Commands) reply(ctx context.Context, req request, text string) {
	if c.deps.Sender == nil {
		return
	}
	if err := c.deps.Sender.Notice(ctx, req.user, text); err != nil {
		c.logger.Debug("Reply not delivered.", "user", req.nick, "error", err)
	}
}

func oneName(req request) (string, error) {
	if len(req.args) != 1 {
		return "", ErrUsage
	}
	return req.args[0], nil
}

func (c *Commands) modLoad(ctx context.Context, req request) error {
	name, err := oneName(req)
	if err != nil {
		return err
	}
	if err := c.deps.Lifecycle.Load(ctx, name, req.nick, false); err != nil {
		c.reply(ctx, req, fmt.Sprintf("Load of %s failed: %v", name, err))
		return nil
	}
	c.reply(ctx, req, fmt.Sprintf("Loaded %s.", strings.ToLower(name)))
	return nil
}

func (c *Commands) modUnload(ctx context.Context, req request) error {
	name, err := oneName(req)
	if err != nil {
		return err
	}
	if err := c.deps.Lifecycle.Unload(ctx, name, false); err != nil {
		c.reply(ctx, req, fmt.Sprintf("Unload of %s failed: %v", name, err))
		return nil
	}
	c.reply(ctx, req, fmt.Sprintf("Unloaded %s.", strings.ToLower(name)))
	return nil
}

func (c *Commands) modReload(ctx context.Context, req request) error {
	name, err := oneName(req)
	if err != nil {
		return err
	}
	if err := c.deps.Lifecycle.Reload(ctx, name, req.nick); err != nil {
		c.reply(ctx, req, fmt.Sprintf("Reload of %s failed: %v", name, err))
		return nil
	}
	c.reply(ctx, req, fmt.Sprintf("Reloaded %s.", strings.ToLower(name)))
	return nil
}

func (c *Commands) modList(ctx context.Context, req request) error {
	recs := c.deps.Lifecycle.Loaded()
	if len(recs) == 0 {
		c.reply(ctx, req, "No modules loaded.")
		return nil
	}
	for _, r := range recs {
		version := "?"
		if h, ok := c.deps.Lifecycle.Header(r.Name); ok && h.Version != "" {
			version = h.Version
		}
		c.reply(ctx, req, fmt.Sprintf("%s %s (%s) loaded %s, %d reloads",
			r.Name, version, r.ClassName, r.LoadedAt.Format(time.RFC3339), r.Reloads()))
	}
	return nil
}

func (c *Commands) modAvail(ctx context.Context, req request) error {
	loaded := make(map[string]bool)
	for _, r := range c.deps.Lifecycle.Loaded() {
		loaded[r.Name] = true
	}
	defs := c.deps.Lifecycle.Available()
	if len(defs) == 0 {
		c.reply(ctx, req, "No modules available.")
		return nil
	}
	for _, d := range defs {
		mark := ""
		if loaded[d.Name] {
			mark = " [loaded]"
		}
		c.reply(ctx, req, d.Name+mark)
	}
	return nil
}

func (c *Commands) rehash(ctx context.Context, req request) error {
	if err := c.deps.Rehash.Rehash(ctx, req.nick); err != nil {
		c.reply(ctx, req, fmt.Sprintf("Rehash finished with errors: %v", err))
		return nil
	}
	c.reply(ctx, req, "Rehash complete.")
	return nil
}

func (c *Commands) restart(ctx context.Context, req request) error {
	reason := strings.Join(req.args, " ")
	if reason == "" {
		reason = "Restart requested by " + req.nick
	}
	if err := c.deps.Rehash.Restart(ctx, req.nick, reason); err != nil {
		c.logger.Error("Restart finished with errors.", "error", err)
	}
	return nil
}

func (c *Commands) listTasks(ctx context.Context, req request) error {
	tasks := c.deps.Tasks.List()
	var threads []supervisor.Info
	if c.deps.Threads != nil {
		threads = c.deps.Threads.List()
	}
	c.reply(ctx, req, fmt.Sprintf("%d tasks, %d threads running.", len(tasks), len(threads)))
	for _, t := range tasks {
		c.reply(ctx, req, fmt.Sprintf("task %s %s running %s", t.Name, short(t.ID), time.Since(t.StartedAt).Round(time.Second)))
	}
	for _, t := range threads {
		c.reply(ctx, req, fmt.Sprintf("thread %s %s os=%d running %s", t.Name, short(t.ID), t.OSThreadID, time.Since(t.StartedAt).Round(time.Second)))
	}
	return nil
}

func short(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}

func (c *Commands) help(ctx context.Context, req request) error {
	level := session.LevelUser
	if c.deps.State != nil {
		if u, ok := c.deps.State.Resolve(req.user); ok && u.IsOper() {
			level = session.LevelOper
		}
	}
	for _, cmd := range c.deps.Commands.OrderedByLevel(level) {
		c.reply(ctx, req, fmt.Sprintf("%-10s %s (%s)", cmd.Name, cmd.Description, cmd.Module))
	}
	return nil
}
