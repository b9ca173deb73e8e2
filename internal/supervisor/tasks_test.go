package supervisor

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/vk/servicesd/internal/metrics"
)

func newTestTasks(t *testing.T) (*Tasks, *metrics.Metrics) {
	t.Helper()
	m := metrics.New(prometheus.NewRegistry())
	return NewTasks(nil, m), m
}

func waitDone(t *testing.T, ch <-chan struct{}) {
	t.Helper()
	select {
	case <-ch:
	case <-time.After(2 * time.Second):
		t.Fatal("unit did not finish in time")
	}
}

func TestCreate_RunOnceIsCaseInsensitive(t *testing.T) {
	t.Parallel()

	// --- Arrange ---
	s, m := newTestTasks(t)
	release := make(chan struct{})
	body := func(ctx context.Context) error {
		<-release
		return nil
	}

	// --- Act ---
	first := s.Create(context.Background(), "poll", body, RunOnce())
	second := s.Create(context.Background(), "POLL", body, RunOnce())

	// --- Assert ---
	require.NotNil(t, first)
	assert.Nil(t, second, "a run-once duplicate must not be created")
	assert.Equal(t, 1, s.Len())
	assert.Equal(t, 1.0, testutil.ToFloat64(m.DuplicatesSkipped.WithLabelValues("task")))

	close(release)
	waitDone(t, first.Done())
	assert.Zero(t, s.Len())
	assert.False(t, s.Running("poll"))

	third := s.Create(context.Background(), "Poll", func(context.Context) error { return nil }, RunOnce())
	require.NotNil(t, third, "the name is free again once the first task finished")
	waitDone(t, third.Done())
}

func TestCreate_WithoutRunOnceAllowsDuplicates(t *testing.T) {
	t.Parallel()
	s, _ := newTestTasks(t)
	release := make(chan struct{})
	body := func(context.Context) error { <-release; return nil }

	a := s.Create(context.Background(), "sweep", body)
	b := s.Create(context.Background(), "sweep", body)
	require.NotNil(t, a)
	require.NotNil(t, b)
	assert.Len(t, s.Get("SWEEP"), 2)

	close(release)
	require.NoError(t, s.Wait(context.Background()))
	assert.Zero(t, s.Len())
}

func TestCreate_PanicIsIsolated(t *testing.T) {
	t.Parallel()
	s, m := newTestTasks(t)

	task := s.Create(context.Background(), "boom", func(context.Context) error {
		panic("kaboom")
	})
	require.NotNil(t, task)
	waitDone(t, task.Done())

	var pe *PanicError
	require.ErrorAs(t, task.Err(), &pe)
	assert.Equal(t, "kaboom", pe.Value)
	assert.Zero(t, s.Len())
	assert.Equal(t, 1.0, testutil.ToFloat64(m.TasksFinished.WithLabelValues(metrics.OutcomeFailure)))
}

func TestCreate_FailureIsRecorded(t *testing.T) {
	t.Parallel()
	s, m := newTestTasks(t)
	want := errors.New("lookup failed")

	task := s.Create(context.Background(), "lookup", func(context.Context) error { return want })
	waitDone(t, task.Done())

	assert.ErrorIs(t, task.Err(), want)
	assert.Equal(t, 1.0, testutil.ToFloat64(m.TasksFinished.WithLabelValues(metrics.OutcomeFailure)))
}

func TestCancel_Cooperative(t *testing.T) {
	t.Parallel()

	// --- Arrange ---
	s, m := newTestTasks(t)
	started := make(chan struct{})
	task := s.Create(context.Background(), "poll", func(ctx context.Context) error {
		close(started)
		<-ctx.Done()
		return ctx.Err()
	}, Cancellable())
	require.NotNil(t, task)
	<-started

	// --- Act ---
	n := s.Cancel("POLL")

	// --- Assert ---
	assert.Equal(t, 1, n)
	waitDone(t, task.Done())
	assert.Equal(t, 1.0, testutil.ToFloat64(m.TasksFinished.WithLabelValues(metrics.OutcomeCancelled)))
	assert.Zero(t, testutil.ToFloat64(m.TasksActive))
}

func TestCreate_DetachedFromCallerContext(t *testing.T) {
	t.Parallel()
	s, _ := newTestTasks(t)
	ctx, cancel := context.WithCancel(context.Background())

	gotErr := make(chan error, 1)
	release := make(chan struct{})
	task := s.CreateSafe(ctx, "detached", func(runCtx context.Context) error {
		<-release
		gotErr <- runCtx.Err()
		return nil
	}, Cancellable())
	require.NotNil(t, task)
	assert.False(t, task.Cancellable(), "CreateSafe never hands out a cancel handle")

	cancel()
	close(release)
	waitDone(t, task.Done())
	assert.NoError(t, <-gotErr)
}

func TestCancelAll_SkipsNonCancellable(t *testing.T) {
	t.Parallel()
	s, _ := newTestTasks(t)
	release := make(chan struct{})
	blocker := func(ctx context.Context) error {
		select {
		case <-ctx.Done():
		case <-release:
		}
		return nil
	}

	s.Create(context.Background(), "a", blocker, Cancellable())
	s.Create(context.Background(), "b", blocker, Cancellable())
	s.Create(context.Background(), "c", blocker)

	assert.Equal(t, 2, s.CancelAll())
	close(release)
	require.NoError(t, s.Wait(context.Background()))
}

func TestCreate_ConcurrentRunOnce(t *testing.T) {
	t.Parallel()
	s, _ := newTestTasks(t)
	release := make(chan struct{})

	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		created []*Task
	)
	for i := 0; i < 32; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			task := s.Create(context.Background(), "poll", func(context.Context) error { <-release; return nil }, RunOnce())
			if task != nil {
				mu.Lock()
				created = append(created, task)
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	assert.Len(t, created, 1)
	close(release)
	require.NoError(t, s.Wait(context.Background()))
}

func TestList_OldestFirst(t *testing.T) {
	t.Parallel()
	s, _ := newTestTasks(t)
	release := make(chan struct{})
	body := func(context.Context) error { <-release; return nil }

	s.Create(context.Background(), "first", body)
	time.Sleep(2 * time.Millisecond)
	s.Create(context.Background(), "second", body)

	list := s.List()
	require.Len(t, list, 2)
	assert.Equal(t, "first", list[0].Name)
	assert.Equal(t, "second", list[1].Name)

	close(release)
	require.NoError(t, s.Wait(context.Background()))
}

func TestWait_RespectsContext(t *testing.T) {
	t.Parallel()
	s, _ := newTestTasks(t)
	release := make(chan struct{})
	defer close(release)
	s.Create(context.Background(), "stuck", func(context.Context) error { <-release; return nil })

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	assert.ErrorIs(t, s.Wait(ctx), context.DeadlineExceeded)
}

func TestWait_AllowsCreateWhileWaiting(t *testing.T) {
	t.Parallel()

	// --- Arrange ---
	s, _ := newTestTasks(t)
	var second atomic.Pointer[Task]
	release := make(chan struct{})
	s.Create(context.Background(), "first", func(context.Context) error {
		<-release
		second.Store(s.CreateSafe(context.Background(), "second", func(context.Context) error {
			time.Sleep(20 * time.Millisecond)
			return nil
		}))
		return nil
	})
	waitErr := make(chan error, 1)

	// --- Act ---
	go func() { waitErr <- s.Wait(context.Background()) }()
	time.Sleep(5 * time.Millisecond)
	close(release)

	// --- Assert ---
	select {
	case err := <-waitErr:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("Wait did not return")
	}
	require.NotNil(t, second.Load())
	assert.Zero(t, s.Len(), "tasks created during Wait are waited for")
}
