package session

import (
	"context"
	"strings"

	"github.com/vk/servicesd/internal/commands"
	"github.com/vk/servicesd/internal/protocol"
	"github.com/vk/servicesd/internal/state"
	"github.com/vk/servicesd/internal/supervisor"
)

// User levels compared against commands.Command.Level.
const (
	LevelUser = 0
	LevelOper = 1
)

// Dispatch handles one inbound message: keepalive, state tracking, user
// commands and module routing.
func (s *Session) Dispatch(ctx context.Context, msg protocol.Message) {
	p, id, _ := s.dialect()
	switch msg.Command {
	case "PING":
		if p != nil {
			_ = s.link.Send(p.Pong(id, msg.Param(len(msg.Params)-1)))
		}
	case "UID":
		s.trackUID(p, msg)
	case "NICK":
		s.state.Rename(msg.Source(), msg.Param(0))
	case "QUIT":
		s.state.RemoveUser(msg.Source())
	case "KILL":
		s.state.RemoveUser(msg.Param(0))
	case "SJOIN":
		s.trackSJOIN(msg)
	case "FJOIN":
		s.trackFJOIN(msg)
	case "JOIN":
		for _, ch := range strings.Split(msg.Param(0), ",") {
			s.state.Join(msg.Source(), ch)
		}
	case "PART":
		for _, ch := range strings.Split(msg.Param(0), ",") {
			s.state.Part(msg.Source(), ch)
		}
	case "UMODE2":
		s.state.ApplyModes(msg.Source(), msg.Param(0))
	case "MODE":
		if target := msg.Param(0); target != "" && !strings.HasPrefix(target, "#") {
			s.state.ApplyModes(target, msg.Param(1))
		}
	case "PRIVMSG":
		s.handlePrivmsg(ctx, msg)
	}

	if s.table != nil && s.table.Known(msg.Command) {
		s.route(ctx, msg)
	}
}

// route hands raw traffic to every loaded module.
func (s *Session) route(ctx context.Context, msg protocol.Message) {
	if s.modules == nil {
		return
	}
	for _, rec := range s.modules.Loaded() {
		inst := rec.Instance()
		err := supervisor.Guard(func() error { return inst.Cmd(ctx, msg) })
		if err != nil {
			s.logger.Error("Module failed to handle message.", "module", rec.Name, "verb", msg.Command, "error", err)
		}
	}
}

func (s *Session) trackUID(p protocol.Protocol, msg protocol.Message) {
	gecos := msg.Param(len(msg.Params) - 1)
	var u state.User
	if p != nil && p.Name() == "inspircd" {
		// uid ts nick host dhost ident ip signon modes :gecos
		u = state.User{UID: msg.Param(0), Nick: msg.Param(2), Host: msg.Param(3), Ident: msg.Param(5), IP: msg.Param(6), Modes: msg.Param(8)}
	} else {
		// nick hop ts ident host uid stamp modes vhost cloak ip :gecos
		u = state.User{Nick: msg.Param(0), Ident: msg.Param(3), Host: msg.Param(4), UID: msg.Param(5), Modes: msg.Param(7), IP: msg.Param(10)}
	}
	if u.UID == "" || u.Nick == "" {
		return
	}
	u.Realname = gecos
	s.state.AddUser(u)
}

// trackSJOIN reads "ts #chan [modes...] :members" where members carry
// status prefixes and list entries (bans, excepts) start with &, " or '.
func (s *Session) trackSJOIN(msg protocol.Message) {
	channel := msg.Param(1)
	if channel == "" || len(msg.Params) < 3 {
		return
	}
	for _, m := range strings.Fields(msg.Param(len(msg.Params) - 1)) {
		if strings.ContainsAny(m[:1], "&\"'") {
			continue
		}
		if uid := strings.TrimLeft(m, "*~@%+"); uid != "" {
			s.state.Join(uid, channel)
		}
	}
}

// trackFJOIN reads "#chan ts modes... :status,uid[:id] ...".
func (s *Session) trackFJOIN(msg protocol.Message) {
	channel := msg.Param(0)
	if channel == "" || len(msg.Params) < 3 {
		return
	}
	for _, m := range strings.Fields(msg.Param(len(msg.Params) - 1)) {
		_, member, ok := strings.Cut(m, ",")
		if !ok {
			member = m
		}
		uid, _, _ := strings.Cut(member, ":")
		if uid != "" {
			s.state.Join(uid, channel)
		}
	}
}

func (s *Session) handlePrivmsg(ctx context.Context, msg protocol.Message) {
	_, id, prefix := s.dialect()
	from := msg.Source()
	target := msg.Param(0)
	text := strings.TrimSpace(msg.Param(len(msg.Params) - 1))
	if len(msg.Params) < 2 || text == "" {
		return
	}

	channel := ""
	if strings.HasPrefix(target, "#") {
		if prefix == "" || !strings.HasPrefix(text, prefix) {
			return
		}
		channel = target
		text = strings.TrimPrefix(text, prefix)
	} else if !strings.EqualFold(target, id.Nickname) && !strings.HasPrefix(target, id.ServerID) {
		return
	} else if prefix != "" {
		text = strings.TrimPrefix(text, prefix)
	}

	fields := strings.Fields(text)
	if len(fields) == 0 {
		return
	}
	command := strings.ToLower(fields[0])
	args := fields[1:]

	candidates := s.commands.Lookup(command)
	if len(candidates) == 0 {
		if channel == "" {
			_ = s.Notice(ctx, from, "Unknown command "+command+".")
		}
		return
	}
	level := LevelUser
	if u, ok := s.state.Resolve(from); ok && u.IsOper() {
		level = LevelOper
	}
	allowed := make([]commands.Command, 0, len(candidates))
	for _, c := range candidates {
		if c.Level <= level {
			allowed = append(allowed, c)
		}
	}
	if len(allowed) == 0 {
		_ = s.Notice(ctx, from, "Permission denied.")
		return
	}
	for _, c := range allowed {
		s.runCommand(ctx, c, from, channel, command, args)
	}
}

func (s *Session) runCommand(ctx context.Context, c commands.Command, user, channel, command string, args []string) {
	handler := s.handlerFor(c.Module)
	if handler == nil {
		s.logger.Warn("Command owner not loaded.", "command", command, "module", c.Module)
		return
	}
	logger := s.logger.With("command", command, "module", c.Module, "user", user)
	body := func(ctx context.Context) error {
		err := handler.HCmds(ctx, user, channel, command, args)
		if err != nil {
			logger.Error("Command failed.", "error", err)
		}
		return err
	}
	if s.tasks == nil {
		_ = supervisor.Guard(func() error { return body(ctx) })
		return
	}
	s.tasks.CreateSafe(ctx, "cmd:"+c.Module+":"+command, body)
}

func (s *Session) handlerFor(module string) CommandHandler {
	if strings.EqualFold(module, CoreModule) {
		s.mu.RLock()
		defer s.mu.RUnlock()
		return s.core
	}
	if s.modules == nil {
		return nil
	}
	for _, rec := range s.modules.Loaded() {
		if strings.EqualFold(rec.Name, module) {
			return rec.Instance()
		}
	}
	return nil
}
