// Package votekick lets channel members vote a user out.
package votekick

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/vk/servicesd/internal/config"
	"github.com/vk/servicesd/internal/plugin"
	"github.com/vk/servicesd/internal/protocol"
)

// Name is the module name.
const Name = "mod_votekick"

const (
	defaultVotes  = 3
	defaultWindow = 2 * time.Minute
)

// Registrar adds the module definition to a host.
type Registrar struct{}

// Register implements plugin.Registrar.
func (Registrar) Register(h *plugin.Host) {
	h.Define(plugin.Definition{Name: Name, ClassName: "VoteKick", Factory: New})
}

type vote struct {
	target  string
	voters  map[string]struct{}
	started time.Time
}

// VoteKick is one module instance.
type VoteKick struct {
	plugin.Base
	needed int
	window time.Duration
	now    func() time.Time

	mu    sync.Mutex
	votes map[string]*vote
}

// New builds an instance from the service context.
func New(c *plugin.Context) plugin.Module {
	return &VoteKick{Base: plugin.Base{Ctx: c}, now: time.Now, votes: make(map[string]*vote)}
}

// Load reads settings and registers the commands.
func (v *VoteKick) Load(context.Context) error {
	settings := v.Config()
	v.needed = defaultVotes
	if s, ok := settings["votes"]; ok {
		n, err := strconv.Atoi(s)
		if err != nil || n < 2 {
			return fmt.Errorf("votes: invalid value %q", s)
		}
		v.needed = n
	}
	v.window = defaultWindow
	if s, ok := settings["window_seconds"]; ok {
		n, err := strconv.Atoi(s)
		if err != nil || n <= 0 {
			return fmt.Errorf("window_seconds: invalid value %q", s)
		}
		v.window = time.Duration(n) * time.Second
	}
	v.Ctx.Commands.Build(0, v.Ctx.Name, "votekick", "Start a vote to kick someone: votekick <nick>")
	v.Ctx.Commands.Build(0, v.Ctx.Name, "vote", "Support the running vote in this channel")
	return nil
}

// Unload drops running votes.
func (v *VoteKick) Unload(context.Context) error {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.votes = make(map[string]*vote)
	return nil
}

// HCmds serves votekick and vote.
func (v *VoteKick) HCmds(ctx context.Context, user, channel, command string, args []string) error {
	if channel == "" {
		return v.Ctx.Sender.Notice(ctx, user, "Votes only work in channels.")
	}
	switch command {
	case "votekick":
		if len(args) != 1 {
			return v.Ctx.Sender.Notice(ctx, user, "Usage: votekick <nick>")
		}
		return v.start(ctx, user, channel, args[0])
	case "vote":
		return v.support(ctx, user, channel)
	}
	return nil
}

func (v *VoteKick) start(ctx context.Context, user, channel, nick string) error {
	target, ok := v.Ctx.State.UserByNick(nick)
	if !ok {
		return v.Ctx.Sender.Notice(ctx, user, "No such user "+nick+".")
	}
	key := strings.ToLower(channel)

	v.mu.Lock()
	if cur, ok := v.votes[key]; ok && v.now().Sub(cur.started) < v.window {
		v.mu.Unlock()
		return v.Ctx.Sender.Notice(ctx, user, "A vote is already running in "+channel+".")
	}
	v.votes[key] = &vote{target: target.UID, voters: map[string]struct{}{user: {}}, started: v.now()}
	v.mu.Unlock()

	return v.Ctx.Sender.Privmsg(ctx, channel, fmt.Sprintf("Vote to kick %s started, %d more votes needed within %s. Type vote to agree.",
		target.Nick, v.needed-1, v.window))
}

func (v *VoteKick) support(ctx context.Context, user, channel string) error {
	key := strings.ToLower(channel)

	v.mu.Lock()
	cur, ok := v.votes[key]
	if !ok || v.now().Sub(cur.started) >= v.window {
		delete(v.votes, key)
		v.mu.Unlock()
		return v.Ctx.Sender.Notice(ctx, user, "No vote is running in "+channel+".")
	}
	cur.voters[user] = struct{}{}
	count, target := len(cur.voters), cur.target
	passed := count >= v.needed
	if passed {
		delete(v.votes, key)
	}
	v.mu.Unlock()

	if !passed {
		return v.Ctx.Sender.Notice(ctx, user, fmt.Sprintf("Vote counted (%d/%d).", count, v.needed))
	}
	if err := v.Ctx.Sender.Raw(ctx, protocol.New("", "KICK", channel, target, "Voted out")); err != nil {
		return err
	}
	v.Ctx.Notifier.Notify(ctx, "", fmt.Sprintf("%s was voted out of %s with %d votes.", target, channel, count))
	return nil
}

// Header implements plugin.Module.
func (v *VoteKick) Header() plugin.Header {
	return plugin.Header{
		Name:        Name,
		Version:     "1.0",
		Description: "Channel vote kicks",
		Author:      "servicesd",
		CoreVersion: config.CoreVersion,
	}
}
