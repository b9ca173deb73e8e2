package autolimit

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/vk/servicesd/internal/supervisor"
	"github.com/vk/servicesd/internal/testutil"
)

func TestLoad_StartsSinglePoller(t *testing.T) {
	t.Parallel()

	// --- Arrange ---
	env := testutil.NewModuleEnv(t, Name, map[string]string{"interval_seconds": "3600"})
	first := New(env.Ctx).(*AutoLimit)
	second := New(env.Ctx).(*AutoLimit)
	ctx := context.Background()

	// --- Act ---
	require.NoError(t, first.Load(ctx))
	require.NoError(t, second.Load(ctx))

	// --- Assert ---
	assert.Len(t, env.Tasks.Get("AUTOLIMIT:POLL"), 1, "run-once keeps one poller")
	assert.Nil(t, second.task)
	_, ok := env.Ctx.Commands.Get("autolimit", Name)
	assert.True(t, ok)

	require.NoError(t, first.Unload(ctx))
	assert.False(t, env.Tasks.Running(pollTask))
	require.NoError(t, second.Load(ctx), "a new poller starts once the old one is gone")
	assert.NotNil(t, second.task)
}

func TestLoad_RejectsBadSettings(t *testing.T) {
	t.Parallel()
	env := testutil.NewModuleEnv(t, Name, map[string]string{"offset": "zero"})

	err := New(env.Ctx).Load(context.Background())

	assert.ErrorContains(t, err, "offset")
}

func TestApply_AdjustsDriftedChannels(t *testing.T) {
	t.Parallel()

	// --- Arrange ---
	env := testutil.NewModuleEnv(t, Name, map[string]string{"interval_seconds": "3600", "offset": "3"})
	m := New(env.Ctx).(*AutoLimit)
	require.NoError(t, m.Load(context.Background()))
	env.State.Join("001AAAAAB", "#busy")
	env.State.Join("001AAAAAC", "#busy")
	env.State.Join("001AAAAAB", "#steady")
	env.State.SetLimit("#steady", 4)

	// --- Act ---
	require.NoError(t, m.HCmds(context.Background(), "001AAAAAB", "", "autolimit", []string{"now"}))

	// --- Assert ---
	raws := env.Outbox.Raws()
	require.Len(t, raws, 1)
	assert.Equal(t, "MODE #busy +l 5", raws[0].String())
	ch, _ := env.State.Channel("#busy")
	assert.Equal(t, 5, ch.Limit)
	assert.True(t, env.Outbox.HasNotice("Adjusted 1 channel limits."))
}

func TestPoll_RunsOnInterval(t *testing.T) {
	t.Parallel()
	env := testutil.NewModuleEnv(t, Name, nil)
	m := New(env.Ctx).(*AutoLimit)
	m.offset = 2
	m.interval = 10 * time.Millisecond
	env.State.Join("001AAAAAB", "#chan")

	m.task = env.Tasks.Create(context.Background(), pollTask, m.poll, supervisor.Cancellable())

	assert.Eventually(t, func() bool { return len(env.Outbox.Raws()) > 0 }, time.Second, 5*time.Millisecond)
	require.NoError(t, m.Unload(context.Background()))
	assert.NoError(t, m.task.Err())
}
