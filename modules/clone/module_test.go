package clone

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/vk/servicesd/internal/plugin"
	"github.com/vk/servicesd/internal/protocol"
	"github.com/vk/servicesd/internal/state"
	"github.com/vk/servicesd/internal/testutil"
)

func newClone(t *testing.T, settings map[string]string, resolve Resolver) (*Clone, *testutil.ModuleEnv) {
	t.Helper()
	env := testutil.NewModuleEnv(t, Name, settings)
	host := plugin.NewHost(nil)
	Registrar{Resolve: resolve}.Register(host)
	factory, err := host.Import(context.Background(), Name)
	require.NoError(t, err)
	m := factory(env.Ctx).(*Clone)
	require.NoError(t, m.Load(context.Background()))
	return m, env
}

func addUsers(st *state.Store, ip string, nicks ...string) {
	for i, n := range nicks {
		st.AddUser(state.User{UID: ip + "-" + string(rune('A'+i)), Nick: n, IP: ip})
	}
}

func TestCmd_AlertsAboveLimit(t *testing.T) {
	t.Parallel()

	// --- Arrange ---
	m, env := newClone(t, map[string]string{"limit": "2"}, nil)
	addUsers(env.State, "192.0.2.7", "a", "b", "c")

	// --- Act ---
	err := m.Cmd(context.Background(), protocol.Parse(":001 UID c 0 1 id host 001AAAAAD 0 +i * * 192.0.2.7 :C"))

	// --- Assert ---
	require.NoError(t, err)
	alerts := env.Outbox.Alerts()
	require.Len(t, alerts, 1)
	assert.Contains(t, alerts[0], "3 connections from 192.0.2.7")
}

func TestCmd_QuietAtLimit(t *testing.T) {
	t.Parallel()
	m, env := newClone(t, nil, nil)
	addUsers(env.State, "192.0.2.8", "a", "b", "c")

	require.NoError(t, m.Cmd(context.Background(), protocol.Parse(":001 UID c 0 1 id host 001AAAAAD 0 +i * * 192.0.2.8 :C")))

	assert.Empty(t, env.Outbox.Alerts())
}

func TestHCmds_ByNickAndHost(t *testing.T) {
	t.Parallel()

	// --- Arrange ---
	resolve := func(_ context.Context, host string) ([]string, error) {
		if host == "bad.example" {
			return nil, errors.New("no such host")
		}
		return []string{"198.51.100.1", "198.51.100.2"}, nil
	}
	m, env := newClone(t, nil, resolve)
	addUsers(env.State, "198.51.100.1", "alice", "alicia")
	ctx := context.Background()

	// --- Act ---
	require.NoError(t, m.HCmds(ctx, "oper", "", "clones", []string{"ALICE"}))
	require.NoError(t, m.HCmds(ctx, "oper", "", "clones", []string{"pool.example"}))
	require.NoError(t, m.HCmds(ctx, "oper", "", "clones", []string{"bad.example"}))
	require.NoError(t, m.HCmds(ctx, "oper", "", "clones", []string{"203.0.113.9"}))

	// --- Assert ---
	notices := env.Outbox.Notices()
	require.Len(t, notices, 4)
	assert.Equal(t, "oper 198.51.100.1: 2 (alice, alicia)", notices[0])
	assert.Equal(t, "oper 198.51.100.1: 2 (alice, alicia)", notices[1])
	assert.Contains(t, notices[2], "Cannot resolve bad.example: no such host")
	assert.Equal(t, "oper No connections match 203.0.113.9.", notices[3])
	assert.Zero(t, env.Threads.Len(), "lookups leave no threads behind")
}

func TestLoad_RegistersCommand(t *testing.T) {
	t.Parallel()
	_, env := newClone(t, nil, nil)

	c, ok := env.Ctx.Commands.Get("clones", Name)
	require.True(t, ok)
	assert.Equal(t, 1, c.Level)
}
