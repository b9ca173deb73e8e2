// Package supervisor tracks every unit of concurrent work the service
// spawns.
//
// # Tasks and threads
//
// Tasks are goroutines started through Tasks.Create. Blocking jobs go
// through RunBlocking, which gives each call its own single-worker ants
// pool and pins that worker to an OS thread while the job runs, so a slow
// DNS lookup or disk scan never shares a worker with anything else. The
// caller of RunBlocking waits for the result; the process never waits for
// the worker at exit.
//
// # Completion observer
//
// Both kinds share one completion contract: success is logged at debug
// level, failure (returned error or recovered panic) at error level,
// cooperative cancellation at info level, and in every case the unit is
// removed from its tracking table before its Done channel closes.
//
// # Run-once
//
// A run-once request whose name matches an outstanding unit
// (case-insensitive) is a silent no-op. The name is reserved atomically
// before the unit is created, so two concurrent run-once requests can never
// both start work.
//
// # Cancellation
//
// Cancellation is cooperative only. A cancellable unit receives a context
// that Cancel closes; a body that never looks at it runs to completion.
// Units are detached from the creator's context, so the end of an admin
// command does not stop the work it started.
package supervisor
