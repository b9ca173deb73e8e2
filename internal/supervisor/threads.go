package supervisor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime"
	"sort"
	"strings"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	cmap "github.com/orcaman/concurrent-map/v2"
	"github.com/panjf2000/ants/v2"
	"github.com/vk/servicesd/internal/metrics"
)

// Thread is a tracked blocking job.
type Thread struct {
	ID        string
	Name      string
	StartedAt time.Time

	osID      atomic.Int64
	pool      *ants.Pool
	cancel    context.CancelFunc
	cancelled atomic.Bool
	done      chan struct{}
}

// OSThreadID returns the id of the OS thread running the job, or 0 before
// the worker started or on platforms without one.
func (t *Thread) OSThreadID() int {
	return int(t.osID.Load())
}

// Cancel asks the job to stop. It reports false when the job was not
// started cancellable.
func (t *Thread) Cancel() bool {
	if t.cancel == nil {
		return false
	}
	t.cancelled.Store(true)
	t.cancel()
	return true
}

// Done is closed once the job returned and left the tracking table.
func (t *Thread) Done() <-chan struct{} {
	return t.done
}

func (t *Thread) info() Info {
	return Info{
		ID:          t.ID,
		Name:        t.Name,
		StartedAt:   t.StartedAt,
		Cancellable: t.cancel != nil,
		OSThreadID:  t.OSThreadID(),
	}
}

// Threads is the blocking-job supervisor.
type Threads struct {
	logger  *slog.Logger
	metrics *metrics.Metrics

	tracked cmap.ConcurrentMap[string, *Thread]
	names   nameIndex
}

// NewThreads creates a blocking-job supervisor. m may be nil.
func NewThreads(logger *slog.Logger, m *metrics.Metrics) *Threads {
	if logger == nil {
		logger = slog.Default()
	}
	return &Threads{
		logger:  logger.With("component", "threads"),
		metrics: m,
		tracked: cmap.New[*Thread](),
		names:   newNameIndex(),
	}
}

type blockingResult[T any] struct {
	value T
	err   error
}

// RunBlocking runs fn on a dedicated single-worker pool and waits for its
// result. ran is false when RunOnce is given and a same-name job is
// already tracked; nothing is started in that case.
func RunBlocking[T any](ctx context.Context, s *Threads, name string, fn func(ctx context.Context) (T, error), opts ...Option) (value T, ran bool, err error) {
	o := applyOptions(opts)
	id := uuid.NewString()
	if name == "" {
		name = "thread-" + id[:8]
	}
	if !s.names.reserve(name, o.runOnce) {
		s.logger.Debug("Run-once blocking job already running, skipping.", "thread", name)
		s.metrics.DuplicateSkipped("thread")
		return value, false, nil
	}

	pool, err := ants.NewPool(1)
	if err != nil {
		s.names.release(name)
		return value, false, fmt.Errorf("create worker pool for %q: %w", name, err)
	}
	defer pool.Release()

	runCtx, cancel := detach(ctx, o.cancellable)
	th := &Thread{
		ID:        id,
		Name:      name,
		StartedAt: time.Now(),
		pool:      pool,
		cancel:    cancel,
		done:      make(chan struct{}),
	}
	s.tracked.Set(th.ID, th)
	s.metrics.ThreadStarted()

	results := make(chan blockingResult[T], 1)
	submitErr := pool.Submit(func() {
		runtime.LockOSThread()
		defer runtime.UnlockOSThread()
		th.osID.Store(int64(currentThreadID()))

		var r blockingResult[T]
		r.err = Guard(func() error {
			var fnErr error
			r.value, fnErr = fn(runCtx)
			return fnErr
		})
		results <- r
	})
	if submitErr != nil {
		s.finish(th, submitErr)
		return value, false, fmt.Errorf("submit blocking job %q: %w", name, submitErr)
	}
	s.logger.Debug("Blocking job started.", "thread", name, "id", id)

	r := <-results
	s.finish(th, r.err)
	return r.value, true, r.err
}

// finish is the completion observer, shared in shape with Tasks.finish.
func (s *Threads) finish(th *Thread, err error) {
	logger := s.logger.With("thread", th.Name, "id", th.ID, "os_thread", th.OSThreadID(), "elapsed", time.Since(th.StartedAt))
	outcome := classify(err, th.cancelled.Load())
	switch outcome {
	case metrics.OutcomeSuccess:
		logger.Debug("Blocking job finished.")
	case metrics.OutcomeCancelled:
		logger.Info("Blocking job cancelled.")
	default:
		var pe *PanicError
		if errors.As(err, &pe) {
			logger.Error("Blocking job panicked.", "error", err, "stack", string(pe.Stack))
		} else {
			logger.Error("Blocking job failed.", "error", err)
		}
	}

	if th.cancel != nil {
		th.cancel()
	}
	s.tracked.Remove(th.ID)
	s.names.release(th.Name)
	s.metrics.ThreadFinished(outcome)
	close(th.done)
}

// Get returns the tracked jobs named name (case-insensitive).
func (s *Threads) Get(name string) []*Thread {
	var out []*Thread
	for item := range s.tracked.IterBuffered() {
		if strings.EqualFold(item.Val.Name, name) {
			out = append(out, item.Val)
		}
	}
	return out
}

// List returns a snapshot of the tracked jobs, oldest first.
func (s *Threads) List() []Info {
	out := make([]Info, 0, s.tracked.Count())
	for item := range s.tracked.IterBuffered() {
		out = append(out, item.Val.info())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].StartedAt.Before(out[j].StartedAt) })
	return out
}

// Len returns the number of tracked jobs.
func (s *Threads) Len() int {
	return s.tracked.Count()
}

// Cancel signals every cancellable job named name.
func (s *Threads) Cancel(name string) int {
	n := 0
	for _, th := range s.Get(name) {
		if th.Cancel() {
			n++
		}
	}
	return n
}
