package supervisor

import (
	"context"
	"errors"
	"runtime"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/vk/servicesd/internal/metrics"
)

func newTestThreads(t *testing.T) (*Threads, *metrics.Metrics) {
	t.Helper()
	m := metrics.New(prometheus.NewRegistry())
	return NewThreads(nil, m), m
}

func TestRunBlocking_ReturnsValue(t *testing.T) {
	t.Parallel()
	s, m := newTestThreads(t)

	got, ran, err := RunBlocking(context.Background(), s, "resolve", func(context.Context) (string, error) {
		return "192.0.2.10", nil
	})

	require.NoError(t, err)
	assert.True(t, ran)
	assert.Equal(t, "192.0.2.10", got)
	assert.Zero(t, s.Len(), "entry must be removed after completion")
	assert.Equal(t, 1.0, testutil.ToFloat64(m.ThreadsFinished.WithLabelValues(metrics.OutcomeSuccess)))
}

func TestRunBlocking_RecordsOSThread(t *testing.T) {
	if runtime.GOOS != "linux" {
		t.Skip("thread ids are only recorded on linux")
	}
	t.Parallel()
	s, _ := newTestThreads(t)

	seen := make(chan int, 1)
	_, _, err := RunBlocking(context.Background(), s, "tid", func(context.Context) (struct{}, error) {
		for _, info := range s.List() {
			if info.Name == "tid" {
				seen <- info.OSThreadID
			}
		}
		return struct{}{}, nil
	})
	require.NoError(t, err)
	assert.Positive(t, <-seen)
}

func TestRunBlocking_RunOnceDuplicate(t *testing.T) {
	t.Parallel()

	// --- Arrange ---
	s, m := newTestThreads(t)
	started := make(chan struct{})
	release := make(chan struct{})
	firstDone := make(chan struct{})

	go func() {
		defer close(firstDone)
		_, _, _ = RunBlocking(context.Background(), s, "poll", func(context.Context) (int, error) {
			close(started)
			<-release
			return 1, nil
		}, RunOnce())
	}()
	<-started

	// --- Act ---
	v, ran, err := RunBlocking(context.Background(), s, "POLL", func(context.Context) (int, error) {
		return 2, nil
	}, RunOnce())

	// --- Assert ---
	require.NoError(t, err)
	assert.False(t, ran)
	assert.Zero(t, v)
	assert.Equal(t, 1.0, testutil.ToFloat64(m.DuplicatesSkipped.WithLabelValues("thread")))

	close(release)
	<-firstDone
	assert.Zero(t, s.Len())
}

func TestRunBlocking_PanicBecomesError(t *testing.T) {
	t.Parallel()
	s, m := newTestThreads(t)

	_, ran, err := RunBlocking(context.Background(), s, "boom", func(context.Context) (int, error) {
		panic(errors.New("resolver exploded"))
	})

	assert.True(t, ran)
	var pe *PanicError
	require.ErrorAs(t, err, &pe)
	assert.Equal(t, 1.0, testutil.ToFloat64(m.ThreadsFinished.WithLabelValues(metrics.OutcomeFailure)))
}

func TestRunBlocking_Cancel(t *testing.T) {
	t.Parallel()
	s, m := newTestThreads(t)
	started := make(chan struct{})

	go func() {
		<-started
		assert.Equal(t, 1, s.Cancel("slow"))
	}()

	_, ran, err := RunBlocking(context.Background(), s, "slow", func(ctx context.Context) (int, error) {
		close(started)
		select {
		case <-ctx.Done():
			return 0, ctx.Err()
		case <-time.After(2 * time.Second):
			return 0, errors.New("not cancelled")
		}
	}, Cancellable())

	assert.True(t, ran)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, 1.0, testutil.ToFloat64(m.ThreadsFinished.WithLabelValues(metrics.OutcomeCancelled)))
}
