// Package clone watches for many connections from one address and lets
// operators inspect them. Host name lookups run as blocking jobs on the
// thread supervisor.
package clone

import (
	"context"
	"fmt"
	"net"
	"strconv"
	"strings"

	"github.com/vk/servicesd/internal/config"
	"github.com/vk/servicesd/internal/plugin"
	"github.com/vk/servicesd/internal/protocol"
	"github.com/vk/servicesd/internal/state"
	"github.com/vk/servicesd/internal/supervisor"
)

// Name is the module name.
const Name = "mod_clone"

const defaultLimit = 3

// Resolver looks up the addresses of a host.
type Resolver func(ctx context.Context, host string) ([]string, error)

// Registrar adds the module definition to a host. Resolve defaults to the
// system resolver.
type Registrar struct {
	Resolve Resolver
}

// Register implements plugin.Registrar.
func (r Registrar) Register(h *plugin.Host) {
	resolve := r.Resolve
	if resolve == nil {
		resolve = net.DefaultResolver.LookupHost
	}
	h.Define(plugin.Definition{
		Name:      Name,
		ClassName: "Clone",
		Factory: func(c *plugin.Context) plugin.Module {
			return &Clone{Base: plugin.Base{Ctx: c}, resolve: resolve}
		},
		Shared: []string{"utils", "utils.dns"},
	})
}

// Clone is one module instance.
type Clone struct {
	plugin.Base
	resolve Resolver
	limit   int
}

// Load reads the limit setting and registers the command.
func (c *Clone) Load(context.Context) error {
	c.limit = defaultLimit
	if v, ok := c.Config()["limit"]; ok {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 {
			return fmt.Errorf("limit: invalid value %q", v)
		}
		c.limit = n
	}
	c.Ctx.Commands.Build(1, c.Ctx.Name, "clones", "List connections sharing an address: clones <nick|ip|host>")
	return nil
}

// Cmd checks every new connection against the limit.
func (c *Clone) Cmd(ctx context.Context, msg protocol.Message) error {
	if msg.Command != "UID" {
		return nil
	}
	for _, p := range msg.Params {
		if net.ParseIP(p) == nil {
			continue
		}
		if users := c.Ctx.State.UsersByIP(p); len(users) > c.limit {
			c.Ctx.Notifier.Notify(ctx, "", fmt.Sprintf("Clone alert: %d connections from %s (%s).", len(users), p, nicks(users)))
		}
		return nil
	}
	return nil
}

// HCmds serves the clones command.
func (c *Clone) HCmds(ctx context.Context, user, _, command string, args []string) error {
	if command != "clones" {
		return nil
	}
	if len(args) != 1 {
		return c.Ctx.Sender.Notice(ctx, user, "Usage: clones <nick|ip|host>")
	}
	ips, err := c.addresses(ctx, args[0])
	if err != nil {
		return c.Ctx.Sender.Notice(ctx, user, fmt.Sprintf("Cannot resolve %s: %v", args[0], err))
	}
	found := 0
	for _, ip := range ips {
		users := c.Ctx.State.UsersByIP(ip)
		if len(users) == 0 {
			continue
		}
		found += len(users)
		if err := c.Ctx.Sender.Notice(ctx, user, fmt.Sprintf("%s: %d (%s)", ip, len(users), nicks(users))); err != nil {
			return err
		}
	}
	if found == 0 {
		return c.Ctx.Sender.Notice(ctx, user, "No connections match "+args[0]+".")
	}
	return nil
}

// addresses turns a nickname, address or host name into addresses.
func (c *Clone) addresses(ctx context.Context, target string) ([]string, error) {
	if u, ok := c.Ctx.State.UserByNick(target); ok {
		return []string{u.IP}, nil
	}
	if net.ParseIP(target) != nil {
		return []string{target}, nil
	}
	ips, ran, err := supervisor.RunBlocking(ctx, c.Ctx.Threads, "clone:dns:"+strings.ToLower(target),
		func(ctx context.Context) ([]string, error) { return c.resolve(ctx, target) },
		supervisor.RunOnce(), supervisor.Cancellable())
	if !ran {
		return nil, fmt.Errorf("a lookup of %s is already running", target)
	}
	return ips, err
}

// Header implements plugin.Module.
func (c *Clone) Header() plugin.Header {
	return plugin.Header{
		Name:        Name,
		Version:     "2.0",
		Description: "Detects many connections from one address",
		Author:      "servicesd",
		CoreVersion: config.CoreVersion,
	}
}

func nicks(users []state.User) string {
	out := make([]string, len(users))
	for i, u := range users {
		out[i] = u.Nick
	}
	return strings.Join(out, ", ")
}
