package supervisor

import (
	"context"
	"errors"
	"log/slog"
	"sort"
	"strings"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	cmap "github.com/orcaman/concurrent-map/v2"
	"github.com/vk/servicesd/internal/metrics"
)

const waitPollInterval = 10 * time.Millisecond

// TaskFunc is the body of a supervised task.
type TaskFunc func(ctx context.Context) error

// Task is a tracked goroutine.
type Task struct {
	ID        string
	Name      string
	StartedAt time.Time

	cancel    context.CancelFunc
	cancelled atomic.Bool
	done      chan struct{}
	err       error
}

// Cancel asks the task to stop. It reports false when the task was not
// created cancellable.
func (t *Task) Cancel() bool {
	if t.cancel == nil {
		return false
	}
	t.cancelled.Store(true)
	t.cancel()
	return true
}

// Cancellable reports whether Cancel has any effect.
func (t *Task) Cancellable() bool {
	return t.cancel != nil
}

// Done is closed once the task finished and left the tracking table.
func (t *Task) Done() <-chan struct{} {
	return t.done
}

// Err returns the body's terminal error. Only meaningful after Done.
func (t *Task) Err() error {
	select {
	case <-t.done:
		return t.err
	default:
		return nil
	}
}

func (t *Task) info() Info {
	return Info{ID: t.ID, Name: t.Name, StartedAt: t.StartedAt, Cancellable: t.Cancellable()}
}

// Tasks is the task supervisor.
type Tasks struct {
	logger  *slog.Logger
	metrics *metrics.Metrics

	tracked cmap.ConcurrentMap[string, *Task]
	names   nameIndex
}

// NewTasks creates a task supervisor. m may be nil.
func NewTasks(logger *slog.Logger, m *metrics.Metrics) *Tasks {
	if logger == nil {
		logger = slog.Default()
	}
	return &Tasks{
		logger:  logger.With("component", "tasks"),
		metrics: m,
		tracked: cmap.New[*Task](),
		names:   newNameIndex(),
	}
}

// Create schedules fn as a tracked task. It returns nil, without starting
// anything, when RunOnce is given and a same-name task is outstanding.
func (s *Tasks) Create(ctx context.Context, name string, fn TaskFunc, opts ...Option) *Task {
	return s.start(ctx, name, fn, applyOptions(opts))
}

// CreateSafe is Create for bodies that terminate on their own: the task
// never gets a cancel handle, whatever options are passed.
func (s *Tasks) CreateSafe(ctx context.Context, name string, fn TaskFunc, opts ...Option) *Task {
	o := applyOptions(opts)
	o.cancellable = false
	return s.start(ctx, name, fn, o)
}

func (s *Tasks) start(ctx context.Context, name string, fn TaskFunc, o options) *Task {
	id := uuid.NewString()
	if name == "" {
		name = "task-" + id[:8]
	}
	if !s.names.reserve(name, o.runOnce) {
		s.logger.Debug("Run-once task already scheduled, skipping.", "task", name)
		s.metrics.DuplicateSkipped("task")
		return nil
	}

	runCtx, cancel := detach(ctx, o.cancellable)
	t := &Task{
		ID:        id,
		Name:      name,
		StartedAt: time.Now(),
		cancel:    cancel,
		done:      make(chan struct{}),
	}
	s.tracked.Set(t.ID, t)
	s.metrics.TaskStarted()
	s.logger.Debug("Task scheduled.", "task", name, "id", id, "cancellable", o.cancellable)

	go func() {
		defer s.finish(t)
		t.err = Guard(func() error { return fn(runCtx) })
	}()
	return t
}

// finish is the completion observer.
func (s *Tasks) finish(t *Task) {
	logger := s.logger.With("task", t.Name, "id", t.ID, "elapsed", time.Since(t.StartedAt))
	outcome := classify(t.err, t.cancelled.Load())
	switch outcome {
	case metrics.OutcomeSuccess:
		logger.Debug("Task finished.")
	case metrics.OutcomeCancelled:
		logger.Info("Task cancelled.")
	default:
		var pe *PanicError
		if errors.As(t.err, &pe) {
			logger.Error("Task panicked.", "error", t.err, "stack", string(pe.Stack))
		} else {
			logger.Error("Task failed.", "error", t.err)
		}
	}

	if t.cancel != nil {
		t.cancel()
	}
	s.tracked.Remove(t.ID)
	s.names.release(t.Name)
	s.metrics.TaskFinished(outcome)
	close(t.done)
}

func classify(err error, cancelled bool) string {
	switch {
	case cancelled && (err == nil || errors.Is(err, context.Canceled)):
		return metrics.OutcomeCancelled
	case err == nil:
		return metrics.OutcomeSuccess
	default:
		return metrics.OutcomeFailure
	}
}

// Get returns the outstanding tasks named name (case-insensitive).
func (s *Tasks) Get(name string) []*Task {
	var out []*Task
	for item := range s.tracked.IterBuffered() {
		if strings.EqualFold(item.Val.Name, name) {
			out = append(out, item.Val)
		}
	}
	return out
}

// Running reports whether a task named name is outstanding.
func (s *Tasks) Running(name string) bool {
	return s.names.outstanding(name)
}

// List returns a snapshot of the outstanding tasks, oldest first.
func (s *Tasks) List() []Info {
	out := make([]Info, 0, s.tracked.Count())
	for item := range s.tracked.IterBuffered() {
		out = append(out, item.Val.info())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].StartedAt.Before(out[j].StartedAt) })
	return out
}

// Len returns the number of outstanding tasks.
func (s *Tasks) Len() int {
	return s.tracked.Count()
}

// Cancel cancels every cancellable task named name and returns how many
// were signalled.
func (s *Tasks) Cancel(name string) int {
	n := 0
	for _, t := range s.Get(name) {
		if t.Cancel() {
			n++
		}
	}
	return n
}

// CancelAll signals every cancellable task.
func (s *Tasks) CancelAll() int {
	n := 0
	for item := range s.tracked.IterBuffered() {
		if item.Val.Cancel() {
			n++
		}
	}
	return n
}

// Wait blocks until the tracking table is empty or ctx is done. Tasks may
// still be created while it waits.
func (s *Tasks) Wait(ctx context.Context) error {
	ticker := time.NewTicker(waitPollInterval)
	defer ticker.Stop()
	for s.tracked.Count() > 0 {
		select {
		case <-ticker.C:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return nil
}
