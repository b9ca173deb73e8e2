package session

import (
	"bufio"
	"context"
	"net"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/vk/servicesd/internal/commands"
	"github.com/vk/servicesd/internal/config"
	"github.com/vk/servicesd/internal/link"
	"github.com/vk/servicesd/internal/plugin"
	"github.com/vk/servicesd/internal/protocol"
	"github.com/vk/servicesd/internal/registry"
	"github.com/vk/servicesd/internal/state"
)

type call struct {
	user, channel, command string
	args                   []string
}

type recorder struct {
	plugin.Base
	mu    sync.Mutex
	calls []call
	verbs []string
}

func (r *recorder) Load(context.Context) error { return nil }

func (r *recorder) Header() plugin.Header { return plugin.Header{Name: "mod_test"} }

func (r *recorder) HCmds(_ context.Context, user, channel, command string, args []string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls = append(r.calls, call{user, channel, command, args})
	return nil
}

func (r *recorder) Cmd(_ context.Context, msg protocol.Message) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.verbs = append(r.verbs, msg.Command)
	return nil
}

func (r *recorder) snapshot() ([]call, []string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]call(nil), r.calls...), append([]string(nil), r.verbs...)
}

type loaded []*registry.Record

func (l loaded) Loaded() []*registry.Record { return l }

type fixture struct {
	session  *Session
	state    *state.Store
	commands *commands.Registry
	module   *recorder
	core     *recorder
}

func identity() protocol.Identity {
	return protocol.Identity{ServerName: "services.example.net", ServerID: "00A", Password: "secret", Nickname: "Services", Ident: "services", Host: "services.example.net", Channel: "#services"}
}

func newFixture(t *testing.T, cfg config.Link) *fixture {
	t.Helper()
	p, err := protocol.Select("unreal6")
	require.NoError(t, err)
	table := protocol.NewCommandTable()
	table.RegisterFrom(p)

	f := &fixture{state: state.New(), commands: commands.New(), module: &recorder{}, core: &recorder{}}
	f.commands.Build(0, "mod_test", "hello", "say hello")
	f.commands.Build(1, "mod_test", "secret", "opers only")
	f.commands.Build(1, CoreModule, "rehash", "reload configuration")

	f.session = New(Deps{
		Link:     link.New(nil, cfg, nil, link.WithInitialBackoff(time.Millisecond)),
		State:    f.state,
		Commands: f.commands,
		Table:    table,
		Modules:  loaded{registry.NewRecord("mod_test", "Recorder", f.module)},
		Core:     f.core,
	})
	f.session.Configure(p, identity(), "!")
	return f
}

func line(raw string) protocol.Message { return protocol.Parse(raw) }

func TestDispatch_TracksUsersAndChannels(t *testing.T) {
	t.Parallel()

	// --- Arrange ---
	f := newFixture(t, config.Link{})
	ctx := context.Background()

	// --- Act ---
	f.session.Dispatch(ctx, line(":001 UID alice 0 1700000000 al host.example 001AAAAAB 0 +iw * * 192.0.2.1 :Alice A"))
	f.session.Dispatch(ctx, line(":001 UID bob 0 1700000000 bo host.example 001AAAAAC 0 +i * * 192.0.2.2 :Bob"))
	f.session.Dispatch(ctx, line(":001 SJOIN 1700000000 #chat +nt :@001AAAAAB +001AAAAAC &*!*@bad.example"))
	f.session.Dispatch(ctx, line(":001AAAAAB NICK alicia 1700000001"))
	f.session.Dispatch(ctx, line(":001AAAAAC PART #chat"))
	f.session.Dispatch(ctx, line(":001AAAAAB UMODE2 +o"))

	// --- Assert ---
	u, ok := f.state.UserByNick("alicia")
	require.True(t, ok)
	assert.Equal(t, "001AAAAAB", u.UID)
	assert.Equal(t, "Alice A", u.Realname)
	assert.True(t, u.IsOper())
	ch, ok := f.state.Channel("#chat")
	require.True(t, ok)
	assert.Equal(t, []string{"001AAAAAB"}, ch.Members)

	f.session.Dispatch(ctx, line(":001AAAAAB QUIT :bye"))
	_, ok = f.state.UserByUID("001AAAAAB")
	assert.False(t, ok)
}

func TestDispatch_RoutesKnownVerbsToModules(t *testing.T) {
	t.Parallel()
	f := newFixture(t, config.Link{})

	f.session.Dispatch(context.Background(), line(":001 EOS"))
	f.session.Dispatch(context.Background(), line(":001 WHATEVER x"))

	_, verbs := f.module.snapshot()
	assert.Equal(t, []string{"EOS"}, verbs)
}

func TestDispatch_CommandsHonourPrefixAndLevel(t *testing.T) {
	t.Parallel()

	// --- Arrange ---
	f := newFixture(t, config.Link{})
	ctx := context.Background()
	f.state.AddUser(state.User{UID: "001AAAAAB", Nick: "alice", Modes: "+i"})
	f.state.AddUser(state.User{UID: "001AAAAAO", Nick: "oper", Modes: "+io"})

	// --- Act ---
	f.session.Dispatch(ctx, line(":001AAAAAB PRIVMSG #chat :!HELLO world  again"))
	f.session.Dispatch(ctx, line(":001AAAAAB PRIVMSG #chat :hello without prefix"))
	f.session.Dispatch(ctx, line(":001AAAAAB PRIVMSG Services :secret"))
	f.session.Dispatch(ctx, line(":001AAAAAO PRIVMSG 00AAAAAAA :secret sauce"))
	f.session.Dispatch(ctx, line(":001AAAAAO PRIVMSG Services :rehash"))

	// --- Assert ---
	calls, _ := f.module.snapshot()
	assert.Equal(t, []call{
		{user: "001AAAAAB", channel: "#chat", command: "hello", args: []string{"world", "again"}},
		{user: "001AAAAAO", command: "secret", args: []string{"sauce"}},
	}, calls)
	coreCalls, _ := f.core.snapshot()
	require.Len(t, coreCalls, 1)
	assert.Equal(t, "rehash", coreCalls[0].command)
}

func TestRun_HandshakePingAndQuit(t *testing.T) {
	t.Parallel()

	// --- Arrange ---
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	t.Cleanup(func() { _ = ln.Close() })
	accepted := make(chan net.Conn, 2)
	go func() {
		for {
			c, err := ln.Accept()
			if err != nil {
				return
			}
			accepted <- c
		}
	}()
	port := ln.Addr().(*net.TCPAddr).Port
	f := newFixture(t, config.Link{Host: "127.0.0.1", Port: port})
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)

	// --- Act ---
	go func() { done <- f.session.Run(ctx) }()
	server := <-accepted
	r := bufio.NewReader(server)
	var handshake []string
	for i := 0; i < len(mustSelect(t).Handshake(identity())); i++ {
		l, err := r.ReadString('\n')
		require.NoError(t, err)
		handshake = append(handshake, strings.TrimSpace(l))
	}
	_, err = server.Write([]byte("PING :irc.example.net\r\n"))
	require.NoError(t, err)
	pong, err := r.ReadString('\n')
	require.NoError(t, err)

	require.NoError(t, f.session.Quit(ctx, "restarting"))
	quit, err := r.ReadString('\n')
	require.NoError(t, err)

	// --- Assert ---
	assert.Equal(t, "PASS secret", handshake[0])
	assert.Equal(t, ":00A PONG services.example.net irc.example.net\r\n", pong)
	assert.Equal(t, ":00AAAAAAA QUIT restarting\r\n", quit)
	assert.True(t, f.session.Alive())
	assert.Eventually(t, func() bool { return !f.session.Connected() }, time.Second, 10*time.Millisecond)

	require.NoError(t, f.session.Reconnect(ctx))
	select {
	case c := <-accepted:
		_ = c.Close()
	case <-time.After(2 * time.Second):
		t.Fatal("session did not reconnect")
	}

	cancel()
	require.NoError(t, <-done)
	assert.False(t, f.session.Alive())
}

func mustSelect(t *testing.T) protocol.Protocol {
	t.Helper()
	p, err := protocol.Select("unreal6")
	require.NoError(t, err)
	return p
}
