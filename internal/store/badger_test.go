package store

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/vk/servicesd/internal/config"
)

func openTestStore(t *testing.T) *Badger {
	t.Helper()
	s, err := Open(InMemoryConfig())
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestRegisterModule(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	s := openTestStore(t)

	created, err := s.RegisterModule(ctx, "mod_clone", "admin", false)
	require.NoError(t, err)
	assert.True(t, created)

	created, err = s.RegisterModule(ctx, "MOD_CLONE", "other", true)
	require.NoError(t, err)
	assert.False(t, created, "second registration is a no-op")

	exists, err := s.ModuleExists(ctx, "mod_clone")
	require.NoError(t, err)
	assert.True(t, exists)
}

func TestDeleteModule(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	s := openTestStore(t)
	_, err := s.RegisterModule(ctx, "mod_clone", "admin", false)
	require.NoError(t, err)

	deleted, err := s.DeleteModule(ctx, "mod_clone")
	require.NoError(t, err)
	assert.True(t, deleted)

	deleted, err = s.DeleteModule(ctx, "mod_clone")
	require.NoError(t, err)
	assert.False(t, deleted)
}

func TestListRegisteredModules_RegistrationOrder(t *testing.T) {
	t.Parallel()

	// --- Arrange ---
	ctx := context.Background()
	s := openTestStore(t)
	for _, n := range []string{"mod_votekick", "mod_autolimit", "mod_clone"} {
		_, err := s.RegisterModule(ctx, n, "admin", n == "mod_autolimit")
		require.NoError(t, err)
		time.Sleep(time.Millisecond)
	}

	// --- Act ---
	entries, err := s.ListRegisteredModules(ctx)

	// --- Assert ---
	require.NoError(t, err)
	var names []string
	for _, e := range entries {
		names = append(names, e.Name)
	}
	assert.Equal(t, []string{"mod_votekick", "mod_autolimit", "mod_clone"}, names)
	assert.True(t, entries[1].IsDefault)
}

func TestTouchModule(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	s := openTestStore(t)
	_, err := s.RegisterModule(ctx, "mod_clone", "admin", false)
	require.NoError(t, err)

	require.NoError(t, s.TouchModule(ctx, "mod_clone", "oper"))
	require.NoError(t, s.TouchModule(ctx, "mod_clone", "oper"))

	entries, err := s.ListRegisteredModules(ctx)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, 2, entries[0].Reloads)
	assert.Equal(t, "admin", entries[0].User)
	assert.False(t, entries[0].ReloadedAt.IsZero())
}

func TestRuntimeRoundTrip(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	s := openTestStore(t)

	_, found, err := s.LoadRuntime(ctx)
	require.NoError(t, err)
	assert.False(t, found)

	want := config.Runtime{InstallID: "abc", RunCount: 3, ProtocolCaps: []string{"MTAGS"}, CoreVersion: "6.2.0"}
	require.NoError(t, s.SaveRuntime(ctx, want))

	got, found, err := s.LoadRuntime(ctx)
	require.NoError(t, err)
	assert.True(t, found)
	assert.Equal(t, want, got)
}

func TestClosedStore(t *testing.T) {
	t.Parallel()
	s, err := Open(InMemoryConfig())
	require.NoError(t, err)
	require.NoError(t, s.Close())
	require.NoError(t, s.Close())

	_, err = s.ModuleExists(context.Background(), "mod_clone")
	assert.ErrorIs(t, err, ErrClosed)
}

func TestOpen_PersistentRequiresPath(t *testing.T) {
	t.Parallel()
	_, err := Open(Config{})
	assert.Error(t, err)
}

func TestOpen_Persistent(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	ctx := context.Background()

	s, err := Open(DefaultConfig(dir))
	require.NoError(t, err)
	_, err = s.RegisterModule(ctx, "mod_clone", "admin", false)
	require.NoError(t, err)
	require.NoError(t, s.Close())

	s, err = Open(DefaultConfig(dir))
	require.NoError(t, err)
	defer s.Close()
	exists, err := s.ModuleExists(ctx, "mod_clone")
	require.NoError(t, err)
	assert.True(t, exists)
}
