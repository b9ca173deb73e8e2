package admin

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/vk/servicesd/internal/commands"
	"github.com/vk/servicesd/internal/plugin"
	"github.com/vk/servicesd/internal/protocol"
	"github.com/vk/servicesd/internal/registry"
	"github.com/vk/servicesd/internal/session"
	"github.com/vk/servicesd/internal/state"
	"github.com/vk/servicesd/internal/supervisor"
)

type fakeLifecycle struct {
	calls   []string
	loadErr error
	loaded  []*registry.Record
}

func (f *fakeLifecycle) Load(_ context.Context, name, requester string, _ bool) error {
	f.calls = append(f.calls, "load "+name+" by "+requester)
	return f.loadErr
}

func (f *fakeLifecycle) Unload(_ context.Context, name string, keepInDB bool) error {
	f.calls = append(f.calls, "unload "+name)
	return nil
}

func (f *fakeLifecycle) Reload(_ context.Context, name, requester string) error {
	f.calls = append(f.calls, "reload "+name+" by "+requester)
	return nil
}

func (f *fakeLifecycle) Loaded() []*registry.Record { return f.loaded }

func (f *fakeLifecycle) Available() []plugin.Definition {
	return []plugin.Definition{{Name: "mod_autolimit"}, {Name: "mod_clone"}}
}

func (f *fakeLifecycle) Header(name string) (plugin.Header, bool) {
	return plugin.Header{Name: name, Version: "1.2"}, true
}

type fakeRehash struct {
	rehashes []string
	restarts []string
}

func (f *fakeRehash) Rehash(_ context.Context, requester string) error {
	f.rehashes = append(f.rehashes, requester)
	return nil
}

func (f *fakeRehash) Restart(_ context.Context, requester, reason string) error {
	f.restarts = append(f.restarts, requester+": "+reason)
	return nil
}

type notices struct {
	mu    sync.Mutex
	lines []string
}

func (n *notices) Notice(_ context.Context, target, text string) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.lines = append(n.lines, target+" "+text)
	return nil
}

func (n *notices) Privmsg(context.Context, string, string) error { return nil }

func (n *notices) Raw(context.Context, protocol.Message) error { return nil }

func (n *notices) joined() string {
	n.mu.Lock()
	defer n.mu.Unlock()
	return strings.Join(n.lines, "\n")
}

type harness struct {
	cmds      *Commands
	registry  *commands.Registry
	lifecycle *fakeLifecycle
	rehash    *fakeRehash
	notices   *notices
	tasks     *supervisor.Tasks
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	st := state.New()
	st.AddUser(state.User{UID: "001AAAAAB", Nick: "alice", Modes: "+o"})
	st.AddUser(state.User{UID: "001AAAAAC", Nick: "bob"})
	h := &harness{
		registry:  commands.New(),
		lifecycle: &fakeLifecycle{},
		rehash:    &fakeRehash{},
		notices:   &notices{},
		tasks:     supervisor.NewTasks(nil, nil),
	}
	h.cmds = New(Deps{
		Lifecycle: h.lifecycle,
		Rehash:    h.rehash,
		Commands:  h.registry,
		Tasks:     h.tasks,
		State:     st,
		Sender:    h.notices,
	})
	h.cmds.Register(h.registry)
	return h
}

func TestRegister_CoreCommands(t *testing.T) {
	t.Parallel()
	h := newHarness(t)

	core := h.registry.ByModule(session.CoreModule)

	assert.Len(t, core, 9)
	c, ok := h.registry.Get("modload", "core")
	require.True(t, ok)
	assert.Equal(t, session.LevelOper, c.Level)
	c, ok = h.registry.Get("modlist", "core")
	require.True(t, ok)
	assert.Equal(t, session.LevelUser, c.Level)
}

func TestModuleCommands_UseRequesterNick(t *testing.T) {
	t.Parallel()

	// --- Arrange ---
	h := newHarness(t)
	ctx := context.Background()

	// --- Act ---
	require.NoError(t, h.cmds.HCmds(ctx, "001AAAAAB", "", "modload", []string{"MOD_Clone"}))
	require.NoError(t, h.cmds.HCmds(ctx, "001AAAAAB", "#ops", "modreload", []string{"mod_clone"}))
	require.NoError(t, h.cmds.HCmds(ctx, "001AAAAAB", "", "MODUNLOAD", []string{"mod_clone"}))

	// --- Assert ---
	assert.Equal(t, []string{"load MOD_Clone by alice", "reload mod_clone by alice", "unload mod_clone"}, h.lifecycle.calls)
	out := h.notices.joined()
	assert.Contains(t, out, "001AAAAAB Loaded mod_clone.")
	assert.Contains(t, out, "Reloaded mod_clone.")
	assert.Contains(t, out, "Unloaded mod_clone.")
}

func TestModLoad_ReportsFailureAndUsage(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	h.lifecycle.loadErr = errors.New("no such module")
	ctx := context.Background()

	require.NoError(t, h.cmds.HCmds(ctx, "001AAAAAB", "", "modload", []string{"mod_nope"}))
	require.NoError(t, h.cmds.HCmds(ctx, "001AAAAAB", "", "modload", nil))

	out := h.notices.joined()
	assert.Contains(t, out, "Load of mod_nope failed: no such module")
	assert.Contains(t, out, "Usage: Load a module")
}

func TestModListAndAvail(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	rec := registry.NewRecord("mod_clone", "Clone", nil)
	h.lifecycle.loaded = []*registry.Record{rec}
	ctx := context.Background()

	require.NoError(t, h.cmds.HCmds(ctx, "001AAAAAC", "", "modlist", nil))
	require.NoError(t, h.cmds.HCmds(ctx, "001AAAAAC", "", "modavail", nil))

	out := h.notices.joined()
	assert.Contains(t, out, "mod_clone 1.2 (Clone) loaded")
	assert.Contains(t, out, "mod_clone [loaded]")
	assert.Contains(t, out, "mod_autolimit\n")
}

func TestRehashAndRestart(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	ctx := context.Background()

	require.NoError(t, h.cmds.HCmds(ctx, "001AAAAAB", "", "rehash", nil))
	require.NoError(t, h.cmds.HCmds(ctx, "001AAAAAB", "", "restart", []string{"new", "build"}))
	require.NoError(t, h.cmds.HCmds(ctx, "001AAAAAB", "", "restart", nil))

	assert.Equal(t, []string{"alice"}, h.rehash.rehashes)
	assert.Equal(t, []string{"alice: new build", "alice: Restart requested by alice"}, h.rehash.restarts)
	assert.Contains(t, h.notices.joined(), "Rehash complete.")
}

func TestHelp_FiltersByLevel(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	ctx := context.Background()

	require.NoError(t, h.cmds.HCmds(ctx, "001AAAAAC", "", "help", nil))
	userHelp := h.notices.joined()

	assert.Contains(t, userHelp, "modlist")
	assert.NotContains(t, userHelp, "modload")
}

func TestTasks_ListsRunningWork(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	release := make(chan struct{})
	h.tasks.Create(context.Background(), "poll", func(ctx context.Context) error {
		<-release
		return nil
	})
	t.Cleanup(func() { close(release) })

	require.NoError(t, h.cmds.HCmds(context.Background(), "001AAAAAB", "", "tasks", nil))

	out := h.notices.joined()
	assert.Contains(t, out, "1 tasks, 0 threads running.")
	assert.Contains(t, out, "task poll ")
}

func TestHCmds_UnknownCommand(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	err := h.cmds.HCmds(context.Background(), "001AAAAAB", "", "shutdown", nil)
	assert.Error(t, err)
}
