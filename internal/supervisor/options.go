package supervisor

import (
	"context"
	"fmt"
	"runtime/debug"
	"strings"
	"time"

	cmap "github.com/orcaman/concurrent-map/v2"
)

// Option configures a task or blocking job.
type Option func(*options)

type options struct {
	runOnce     bool
	cancellable bool
}

// RunOnce makes the request a no-op while a same-name unit is outstanding.
func RunOnce() Option {
	return func(o *options) { o.runOnce = true }
}

// Cancellable gives the unit a context that Cancel closes.
func Cancellable() Option {
	return func(o *options) { o.cancellable = true }
}

func applyOptions(opts []Option) options {
	var o options
	for _, opt := range opts {
		opt(&o)
	}
	return o
}

// Info is a point-in-time view of a tracked unit.
type Info struct {
	ID          string
	Name        string
	StartedAt   time.Time
	Cancellable bool
	// OSThreadID is set for blocking jobs on Linux once the worker started.
	OSThreadID int
}

// PanicError wraps a value recovered from a panicking body.
type PanicError struct {
	Value any
	Stack []byte
}

func (e *PanicError) Error() string {
	return fmt.Sprintf("panic: %v", e.Value)
}

// Guard runs fn and converts a panic into a *PanicError.
func Guard(fn func() error) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = &PanicError{Value: r, Stack: debug.Stack()}
		}
	}()
	return fn()
}

// detach returns a context that keeps ctx's values but not its
// cancellation, optionally wrapped with a cancel function.
func detach(ctx context.Context, cancellable bool) (context.Context, context.CancelFunc) {
	if ctx == nil {
		ctx = context.Background()
	}
	runCtx := context.WithoutCancel(ctx)
	if !cancellable {
		return runCtx, nil
	}
	return context.WithCancel(runCtx)
}

// nameIndex counts outstanding units per lowercase name.
type nameIndex struct {
	m cmap.ConcurrentMap[string, int]
}

func newNameIndex() nameIndex {
	return nameIndex{m: cmap.New[int]()}
}

// reserve claims name. With runOnce it fails when the name is already
// outstanding; the check and the increment happen under one shard lock.
func (n nameIndex) reserve(name string, runOnce bool) bool {
	busy := false
	n.m.Upsert(strings.ToLower(name), 1, func(exist bool, cur int, _ int) int {
		if exist && cur > 0 {
			if runOnce {
				busy = true
				return cur
			}
			return cur + 1
		}
		return 1
	})
	return !busy
}

func (n nameIndex) release(name string) {
	k := strings.ToLower(name)
	n.m.Upsert(k, 0, func(exist bool, cur int, _ int) int {
		if !exist {
			return 0
		}
		return cur - 1
	})
	n.m.RemoveCb(k, func(_ string, v int, exists bool) bool {
		return exists && v <= 0
	})
}

func (n nameIndex) outstanding(name string) bool {
	v, ok := n.m.Get(strings.ToLower(name))
	return ok && v > 0
}
