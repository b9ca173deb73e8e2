package votekick

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/vk/servicesd/internal/state"
	"github.com/vk/servicesd/internal/testutil"
)

func newVoteKick(t *testing.T, settings map[string]string) (*VoteKick, *testutil.ModuleEnv) {
	t.Helper()
	env := testutil.NewModuleEnv(t, Name, settings)
	env.State.AddUser(state.User{UID: "001AAAAAZ", Nick: "troll"})
	m := New(env.Ctx).(*VoteKick)
	require.NoError(t, m.Load(context.Background()))
	return m, env
}

func TestVote_KicksAtThreshold(t *testing.T) {
	t.Parallel()

	// --- Arrange ---
	m, env := newVoteKick(t, map[string]string{"votes": "3"})
	ctx := context.Background()

	// --- Act ---
	require.NoError(t, m.HCmds(ctx, "u1", "#chat", "votekick", []string{"Troll"}))
	require.NoError(t, m.HCmds(ctx, "u1", "#chat", "vote", nil))
	require.NoError(t, m.HCmds(ctx, "u2", "#chat", "vote", nil))
	require.Empty(t, env.Outbox.Raws())
	require.NoError(t, m.HCmds(ctx, "u3", "#chat", "vote", nil))

	// --- Assert ---
	raws := env.Outbox.Raws()
	require.Len(t, raws, 1)
	assert.Equal(t, "KICK #chat 001AAAAAZ :Voted out", raws[0].String())
	assert.Len(t, env.Outbox.Alerts(), 1)
	assert.True(t, env.Outbox.HasNotice("Vote counted (2/3)."))

	require.NoError(t, m.HCmds(ctx, "u4", "#chat", "vote", nil))
	assert.True(t, env.Outbox.HasNotice("No vote is running in #chat."))
}

func TestVote_ExpiresAfterWindow(t *testing.T) {
	t.Parallel()
	m, env := newVoteKick(t, map[string]string{"window_seconds": "30"})
	now := time.Unix(1700000000, 0)
	m.now = func() time.Time { return now }
	ctx := context.Background()

	require.NoError(t, m.HCmds(ctx, "u1", "#chat", "votekick", []string{"troll"}))
	now = now.Add(31 * time.Second)
	require.NoError(t, m.HCmds(ctx, "u2", "#chat", "vote", nil))

	assert.True(t, env.Outbox.HasNotice("No vote is running"))
	require.NoError(t, m.HCmds(ctx, "u2", "#chat", "votekick", []string{"troll"}), "a new vote can start")
	assert.Len(t, env.Outbox.Privmsgs(), 2)
}

func TestVoteKick_Rejections(t *testing.T) {
	t.Parallel()
	m, env := newVoteKick(t, nil)
	ctx := context.Background()

	require.NoError(t, m.HCmds(ctx, "u1", "", "votekick", []string{"troll"}))
	require.NoError(t, m.HCmds(ctx, "u1", "#chat", "votekick", []string{"ghost"}))
	require.NoError(t, m.HCmds(ctx, "u1", "#chat", "votekick", []string{"troll"}))
	require.NoError(t, m.HCmds(ctx, "u2", "#chat", "votekick", []string{"troll"}))

	assert.True(t, env.Outbox.HasNotice("Votes only work in channels."))
	assert.True(t, env.Outbox.HasNotice("No such user ghost."))
	assert.True(t, env.Outbox.HasNotice("A vote is already running in #chat."))
}

func TestLoad_RejectsBadVotes(t *testing.T) {
	t.Parallel()
	env := testutil.NewModuleEnv(t, Name, map[string]string{"votes": "1"})
	assert.ErrorContains(t, New(env.Ctx).Load(context.Background()), "votes")
}
