// Package autolimit keeps channel +l limits a few slots above the current
// member count, which blunts join floods without locking channels.
package autolimit

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/vk/servicesd/internal/config"
	"github.com/vk/servicesd/internal/plugin"
	"github.com/vk/servicesd/internal/protocol"
	"github.com/vk/servicesd/internal/supervisor"
)

// Name is the module name.
const Name = "mod_autolimit"

const (
	pollTask        = "autolimit:poll"
	defaultInterval = time.Minute
	defaultOffset   = 5
	// Limits are only rewritten when they drift by at least this much.
	tolerance = 2
)

// Registrar adds the module definition to a host.
type Registrar struct{}

// Register implements plugin.Registrar.
func (Registrar) Register(h *plugin.Host) {
	h.Define(plugin.Definition{
		Name:      Name,
		ClassName: "AutoLimit",
		Factory:   New,
		Shared:    []string{"utils"},
		Schema:    true,
	})
}

// AutoLimit is one module instance.
type AutoLimit struct {
	plugin.Base
	interval time.Duration
	offset   int
	task     *supervisor.Task
}

// New builds an instance from the service context.
func New(c *plugin.Context) plugin.Module {
	return &AutoLimit{Base: plugin.Base{Ctx: c}}
}

// Load reads settings, registers the command and starts the poller.
func (a *AutoLimit) Load(ctx context.Context) error {
	settings := a.Config()
	a.interval = defaultInterval
	if v, ok := settings["interval_seconds"]; ok {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			return fmt.Errorf("interval_seconds: invalid value %q", v)
		}
		a.interval = time.Duration(n) * time.Second
	}
	a.offset = defaultOffset
	if v, ok := settings["offset"]; ok {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 {
			return fmt.Errorf("offset: invalid value %q", v)
		}
		a.offset = n
	}

	a.Ctx.Commands.Build(1, a.Ctx.Name, "autolimit", "Show or apply channel limits: autolimit [now]")
	a.task = a.Ctx.Tasks.Create(ctx, pollTask, a.poll, supervisor.RunOnce(), supervisor.Cancellable())
	if a.task == nil {
		a.Ctx.Logger.Warn("Poller already running, not starting another.", "task", pollTask)
	}
	return nil
}

// Unload stops the poller and waits for it to finish.
func (a *AutoLimit) Unload(ctx context.Context) error {
	if a.task == nil {
		return nil
	}
	a.task.Cancel()
	select {
	case <-a.task.Done():
		return nil
	case <-ctx.Done():
		return fmt.Errorf("waiting for %s: %w", pollTask, ctx.Err())
	}
}

// HCmds serves the autolimit command.
func (a *AutoLimit) HCmds(ctx context.Context, user, _, command string, args []string) error {
	if command != "autolimit" {
		return nil
	}
	if len(args) > 0 && args[0] == "now" {
		n := a.apply(ctx)
		return a.Ctx.Sender.Notice(ctx, user, fmt.Sprintf("Adjusted %d channel limits.", n))
	}
	return a.Ctx.Sender.Notice(ctx, user, fmt.Sprintf("Limits are kept at members+%d, checked every %s.", a.offset, a.interval))
}

// Header implements plugin.Module.
func (a *AutoLimit) Header() plugin.Header {
	return plugin.Header{
		Name:        Name,
		Version:     "1.1",
		Description: "Keeps channel limits a few slots above the member count",
		Author:      "servicesd",
		CoreVersion: config.CoreVersion,
	}
}

func (a *AutoLimit) poll(ctx context.Context) error {
	ticker := time.NewTicker(a.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			if errors.Is(ctx.Err(), context.Canceled) {
				return nil
			}
			return ctx.Err()
		case <-ticker.C:
			a.apply(ctx)
		}
	}
}

// apply sets the limit of every drifted channel and returns how many were
// changed.
func (a *AutoLimit) apply(ctx context.Context) int {
	changed := 0
	for _, name := range a.Ctx.State.Channels() {
		ch, ok := a.Ctx.State.Channel(name)
		if !ok {
			continue
		}
		want := len(ch.Members) + a.offset
		if diff := want - ch.Limit; diff > -tolerance && diff < tolerance {
			continue
		}
		msg := protocol.New("", "MODE", ch.Name, "+l", strconv.Itoa(want))
		if err := a.Ctx.Sender.Raw(ctx, msg); err != nil {
			a.Ctx.Logger.Warn("Failed to set channel limit.", "channel", ch.Name, "error", err)
			continue
		}
		a.Ctx.State.SetLimit(ch.Name, want)
		changed++
	}
	if changed > 0 {
		a.Ctx.Logger.Debug("Channel limits adjusted.", "channels", changed)
	}
	return changed
}
