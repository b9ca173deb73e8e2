package rehash

import (
	"context"
	"errors"
	"strings"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/vk/servicesd/internal/cache"
	"github.com/vk/servicesd/internal/commands"
	"github.com/vk/servicesd/internal/config"
	"github.com/vk/servicesd/internal/lifecycle"
	"github.com/vk/servicesd/internal/plugin"
	"github.com/vk/servicesd/internal/protocol"
	"github.com/vk/servicesd/internal/registry"
	"github.com/vk/servicesd/internal/state"
	"github.com/vk/servicesd/internal/store"
)

// cmdModule registers a single level-1 command named after itself.
type cmdModule struct {
	plugin.Base
	command string
	loadErr error
}

func (m *cmdModule) Load(context.Context) error {
	m.Ctx.Commands.Build(1, m.Ctx.Name, m.command, m.command+" command")
	return m.loadErr
}

func (m *cmdModule) HCmds(context.Context, string, string, string, []string) error { return nil }

func (m *cmdModule) Header() plugin.Header {
	return plugin.Header{Name: m.Ctx.Name, Version: "1.0"}
}

type fakeCore struct {
	mu        sync.Mutex
	cfg       *config.Model
	installs  int
	reinits   int
	protocols []string
}

func (c *fakeCore) Config() *config.Model {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.cfg
}

func (c *fakeCore) Install(_ context.Context, cfg *config.Model, p protocol.Protocol) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.cfg = cfg
	c.installs++
	c.protocols = append(c.protocols, p.Name())
	return nil
}

func (c *fakeCore) Reinitialize(context.Context, *config.Model) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.reinits++
	return nil
}

type fakeSource struct {
	next *config.Model
	err  error
}

func (s *fakeSource) Build(context.Context) (*config.Model, error) {
	if s.err != nil {
		return nil, s.err
	}
	return s.next.Clone(), nil
}

type fakeListener struct{ calls []string }

func (l *fakeListener) Stop(context.Context) error  { l.calls = append(l.calls, "stop"); return nil }
func (l *fakeListener) Start(context.Context) error { l.calls = append(l.calls, "start"); return nil }

type fakeUplink struct{ calls []string }

func (u *fakeUplink) SetNick(_ context.Context, nick string) error {
	u.calls = append(u.calls, "nick "+nick)
	return nil
}

func (u *fakeUplink) Quit(_ context.Context, reason string) error {
	u.calls = append(u.calls, "quit "+reason)
	return nil
}

func (u *fakeUplink) Reconnect(context.Context) error {
	u.calls = append(u.calls, "reconnect")
	return nil
}

type notices struct {
	mu    sync.Mutex
	texts []string
}

func (n *notices) Notify(_ context.Context, _ string, text string) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.texts = append(n.texts, text)
}

func (n *notices) contains(sub string) bool {
	n.mu.Lock()
	defer n.mu.Unlock()
	for _, t := range n.texts {
		if strings.Contains(t, sub) {
			return true
		}
	}
	return false
}

func baseModel() *config.Model {
	m := &config.Model{
		Service: config.Service{ServerName: "services.example.net", ServerID: "00A", Nickname: "Services", Channel: "#services"},
		Link:    config.Link{Host: "irc.example.net", Port: 6900, Protocol: "unreal6", Password: "secret"},
		Storage: config.Storage{InMemory: true},
		Runtime: config.Runtime{InstallID: "install-1", RunCount: 4, CoreVersion: config.CoreVersion},
	}
	config.ApplyDefaults(m)
	return m
}

type harness struct {
	orch     *Orchestrator
	host     *plugin.Host
	registry *registry.Registry
	commands *commands.Registry
	cache    *cache.Cache
	core     *fakeCore
	source   *fakeSource
	rpc      *fakeListener
	link     *fakeUplink
	state    *state.Store
	table    *protocol.CommandTable
	notices  *notices
	manager  *lifecycle.Manager
	store    *store.Badger
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	db, err := store.Open(store.InMemoryConfig())
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	h := &harness{
		registry: registry.New(),
		commands: commands.New(),
		cache:    cache.New(),
		core:     &fakeCore{cfg: baseModel()},
		source:   &fakeSource{next: baseModel()},
		rpc:      &fakeListener{},
		link:     &fakeUplink{},
		state:    state.New(),
		table:    protocol.NewCommandTable(),
		notices:  &notices{},
		store:    db,
	}
	host := plugin.NewHost(nil)
	for _, name := range []string{"autolimit", "clone"} {
		command := name
		host.Define(plugin.Definition{
			Name: "mod_" + name,
			Factory: func(c *plugin.Context) plugin.Module {
				return &cmdModule{Base: plugin.Base{Ctx: c}, command: command}
			},
		})
	}
	h.host = host
	h.manager = lifecycle.New(lifecycle.Deps{
		Host:     host,
		Registry: h.registry,
		Headers:  registry.NewHeaders(),
		Commands: h.commands,
		Store:    db,
		Notifier: h.notices,
	})
	h.orch = New(Deps{
		Lifecycle:     h.manager,
		Host:          host,
		Registry:      h.registry,
		Commands:      h.commands,
		Cache:         h.cache,
		Source:        h.source,
		Runtime:       db,
		Core:          h.core,
		RPC:           h.rpc,
		Link:          h.link,
		ProtocolTable: h.table,
		State:         h.state,
		Notifier:      h.notices,
	})
	return h
}

func (h *harness) loadModules(t *testing.T) {
	t.Helper()
	ctx := context.Background()
	require.NoError(t, h.manager.Load(ctx, "mod_autolimit", "alice", true))
	require.NoError(t, h.manager.Load(ctx, "mod_clone", "alice", false))
	h.commands.Build(0, "core", "rehash", "reload configuration")
}

func TestRehash_RoundTripsModulesAndCommands(t *testing.T) {
	t.Parallel()

	// --- Arrange ---
	h := newHarness(t)
	h.loadModules(t)
	before := h.commands.Snapshot()
	autolimit := h.registry.Get("mod_autolimit")
	oldInstance := autolimit.Instance()

	// --- Act ---
	err := h.orch.Rehash(context.Background(), "alice")

	// --- Assert ---
	require.NoError(t, err)
	assert.Equal(t, []string{"mod_autolimit", "mod_clone"}, h.registry.Names())
	assert.Same(t, autolimit, h.registry.Get("mod_autolimit"))
	assert.NotSame(t, oldInstance, autolimit.Instance(), "modules run fresh instances")

	byName := func(cs []commands.Command) map[string]commands.Command {
		out := make(map[string]commands.Command)
		for _, c := range cs {
			out[c.Name] = c
		}
		return out
	}
	if diff := cmp.Diff(byName(before), byName(h.commands.All())); diff != "" {
		t.Errorf("commands changed across rehash (-before +after):\n%s", diff)
	}
	assert.Equal(t, 1, h.commands.ByModule("mod_autolimit")[0].Level)
	assert.Equal(t, 1, h.commands.ByModule("mod_clone")[0].Level)

	assert.Zero(t, h.cache.Size(), "the snapshot is consumed")
	assert.Equal(t, []string{"stop", "start"}, h.rpc.calls)
	assert.Empty(t, h.link.calls)
	assert.Equal(t, 1, h.core.installs)
	assert.Positive(t, h.table.Len())
	assert.True(t, h.notices.contains("Rehash complete."))
	assert.True(t, h.notices.contains("(7/7)"), "one progress notice per core unit")
}

func TestRehash_AppliesLiveChangesAndRejectsRestartOnlyOnes(t *testing.T) {
	t.Parallel()

	// --- Arrange ---
	h := newHarness(t)
	h.source.next.Service.Nickname = "NickServ"
	h.source.next.Link.Port = 7000
	h.source.next.Runtime = config.Runtime{InstallID: "from-file"}

	// --- Act ---
	err := h.orch.Rehash(context.Background(), "alice")

	// --- Assert ---
	require.NoError(t, err)
	cfg := h.core.Config()
	assert.Equal(t, "NickServ", cfg.Service.Nickname)
	assert.Equal(t, 6900, cfg.Link.Port, "restart-only field forced back")
	assert.True(t, cfg.Runtime.RestartPending)
	assert.Equal(t, "install-1", cfg.Runtime.InstallID, "runtime is carried forward")
	assert.Equal(t, 4, cfg.Runtime.RunCount)
	assert.Equal(t, []string{"nick NickServ"}, h.link.calls)
	assert.True(t, h.notices.contains("service.nickname"))
	assert.True(t, h.notices.contains("need a restart"))

	rt, found, rerr := h.store.LoadRuntime(context.Background())
	require.NoError(t, rerr)
	require.True(t, found)
	assert.True(t, rt.RestartPending)
}

func TestRehash_ConfigFailureKeepsPreviousAndReloadsModules(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	h.loadModules(t)
	h.source.err = errors.New("syntax error")

	err := h.orch.Rehash(context.Background(), "alice")

	require.Error(t, err)
	assert.ErrorContains(t, err, "syntax error")
	assert.Equal(t, "Services", h.core.Config().Service.Nickname)
	assert.Equal(t, 2, h.registry.Len())
	assert.Len(t, h.commands.ByModule("mod_clone"), 1)
	assert.True(t, h.notices.contains("finished with errors"))
}

func TestRestart_BringsModulesBackFromScratch(t *testing.T) {
	t.Parallel()

	// --- Arrange ---
	h := newHarness(t)
	h.loadModules(t)
	h.state.AddUser(state.User{UID: "001AAAAAA", Nick: "alice"})
	h.core.cfg.Runtime.RestartPending = true
	h.source.next.Link.Port = 7000
	first := h.registry.Get("mod_clone")

	// --- Act ---
	err := h.orch.Restart(context.Background(), "alice", "upgrade")

	// --- Assert ---
	require.NoError(t, err)
	assert.Equal(t, []string{"mod_autolimit", "mod_clone"}, h.registry.Names())
	assert.NotSame(t, first, h.registry.Get("mod_clone"), "restart builds new records")
	assert.Len(t, h.commands.ByModule("mod_clone"), 1)
	assert.Zero(t, h.state.UserCount())
	assert.Equal(t, []string{"quit upgrade", "reconnect"}, h.link.calls)
	assert.Equal(t, 1, h.core.reinits)
	cfg := h.core.Config()
	assert.Equal(t, 7000, cfg.Link.Port, "restart applies restart-only fields")
	assert.False(t, cfg.Runtime.RestartPending)

	entries, lerr := h.store.ListRegisteredModules(context.Background())
	require.NoError(t, lerr)
	assert.Len(t, entries, 2, "modules stay persisted across restart")
}

func TestRehash_Serialized(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	h.loadModules(t)

	var wg sync.WaitGroup
	errs := make([]error, 4)
	for i := range errs {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			errs[i] = h.orch.Rehash(context.Background(), "alice")
		}(i)
	}
	wg.Wait()

	for _, err := range errs {
		assert.NoError(t, err)
	}
	assert.Equal(t, 4, h.core.installs)
	assert.Len(t, h.commands.All(), 3)
}

func TestRehash_ContinuesPastUnitAndModuleFailures(t *testing.T) {
	t.Parallel()

	// --- Arrange ---
	h := newHarness(t)
	var gen atomic.Int32
	h.host.Define(plugin.Definition{
		Name: "mod_aaa",
		Factory: func(c *plugin.Context) plugin.Module {
			m := &cmdModule{Base: plugin.Base{Ctx: c}, command: "aaa"}
			if gen.Add(1) > 1 {
				m.loadErr = errors.New("reload broke")
			}
			return m
		},
	})
	h.host.SetRefresh("core.store", func(context.Context, string) error {
		return errors.New("store unit broke")
	})
	ctx := context.Background()
	require.NoError(t, h.manager.Load(ctx, "mod_aaa", "alice", false))
	h.loadModules(t)
	clone := h.registry.Get("mod_clone")
	oldClone := clone.Instance()

	// --- Act ---
	err := h.orch.Rehash(ctx, "alice")

	// --- Assert ---
	require.Error(t, err)
	assert.ErrorContains(t, err, "store unit broke")
	assert.ErrorContains(t, err, "reload broke")
	var re *lifecycle.ReloadError
	require.ErrorAs(t, err, &re)
	assert.Equal(t, "mod_aaa", re.Module)

	assert.True(t, h.notices.contains("Reloading core.store failed"))
	assert.True(t, h.notices.contains("(7/7)"), "later core units still reload")
	assert.NotSame(t, oldClone, clone.Instance(), "other modules still get fresh instances")
	assert.Len(t, h.commands.ByModule("mod_clone"), 1)

	exists, serr := h.store.ModuleExists(ctx, "mod_aaa")
	require.NoError(t, serr)
	assert.False(t, exists, "the failed module's entry is deleted")
	exists, serr = h.store.ModuleExists(ctx, "mod_clone")
	require.NoError(t, serr)
	assert.True(t, exists)
	assert.True(t, h.notices.contains("finished with errors"))
}
