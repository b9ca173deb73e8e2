// Package metrics defines the Prometheus collectors exported by the
// services daemon: supervised work, module lifecycle operations, live
// reconfiguration runs and uplink traffic.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "servicesd"

// Outcome labels shared by tasks and threads.
const (
	OutcomeSuccess   = "success"
	OutcomeFailure   = "failure"
	OutcomeCancelled = "cancelled"
)

// Metrics groups every collector. A nil *Metrics is valid and records
// nothing, which keeps tests and tools free of registry plumbing.
type Metrics struct {
	// TasksActive tracks supervised goroutines currently running.
	TasksActive prometheus.Gauge

	// TasksFinished counts finished tasks by outcome.
	// Labels: outcome (success, failure, cancelled)
	TasksFinished *prometheus.CounterVec

	// ThreadsActive tracks blocking jobs currently pinned to a worker.
	ThreadsActive prometheus.Gauge

	// ThreadsFinished counts finished blocking jobs by outcome.
	ThreadsFinished *prometheus.CounterVec

	// DuplicatesSkipped counts run-once requests that found a live
	// same-name unit. Labels: kind (task, thread)
	DuplicatesSkipped *prometheus.CounterVec

	// LifecycleOps counts module lifecycle operations.
	// Labels: op (load, unload, reload), result (ok, error)
	LifecycleOps *prometheus.CounterVec

	// ModulesLoaded tracks the size of the module registry.
	ModulesLoaded prometheus.Gauge

	// Reconfigurations counts rehash and restart runs.
	// Labels: kind (rehash, restart), result (ok, partial)
	Reconfigurations *prometheus.CounterVec

	// LinkConnects counts uplink connection attempts.
	// Labels: result (ok, error)
	LinkConnects *prometheus.CounterVec

	// LinkLines counts lines crossing the uplink.
	// Labels: direction (in, out)
	LinkLines *prometheus.CounterVec
}

// New creates the collectors and registers them with reg.
func New(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		TasksActive: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "supervisor",
			Name:      "tasks_active",
			Help:      "Number of supervised tasks currently running",
		}),
		TasksFinished: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "supervisor",
			Name:      "tasks_finished_total",
			Help:      "Supervised tasks finished, by outcome",
		}, []string{"outcome"}),
		ThreadsActive: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "supervisor",
			Name:      "threads_active",
			Help:      "Number of blocking jobs currently running on a dedicated worker",
		}),
		ThreadsFinished: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "supervisor",
			Name:      "threads_finished_total",
			Help:      "Blocking jobs finished, by outcome",
		}, []string{"outcome"}),
		DuplicatesSkipped: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "supervisor",
			Name:      "duplicates_skipped_total",
			Help:      "Run-once requests skipped because a same-name unit was outstanding",
		}, []string{"kind"}),
		LifecycleOps: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "modules",
			Name:      "lifecycle_ops_total",
			Help:      "Module lifecycle operations, by operation and result",
		}, []string{"op", "result"}),
		ModulesLoaded: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "modules",
			Name:      "loaded",
			Help:      "Number of modules currently loaded",
		}),
		Reconfigurations: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "rehash",
			Name:      "runs_total",
			Help:      "Live reconfiguration runs, by kind and result",
		}, []string{"kind", "result"}),
		LinkConnects: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "link",
			Name:      "connects_total",
			Help:      "Uplink connection attempts, by result",
		}, []string{"result"}),
		LinkLines: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "link",
			Name:      "lines_total",
			Help:      "Lines read from or written to the uplink",
		}, []string{"direction"}),
	}
}

// TaskStarted records a task start.
func (m *Metrics) TaskStarted() {
	if m == nil {
		return
	}
	m.TasksActive.Inc()
}

// TaskFinished records a task completion with the given outcome.
func (m *Metrics) TaskFinished(outcome string) {
	if m == nil {
		return
	}
	m.TasksActive.Dec()
	m.TasksFinished.WithLabelValues(outcome).Inc()
}

// ThreadStarted records a blocking job start.
func (m *Metrics) ThreadStarted() {
	if m == nil {
		return
	}
	m.ThreadsActive.Inc()
}

// ThreadFinished records a blocking job completion with the given outcome.
func (m *Metrics) ThreadFinished(outcome string) {
	if m == nil {
		return
	}
	m.ThreadsActive.Dec()
	m.ThreadsFinished.WithLabelValues(outcome).Inc()
}

// DuplicateSkipped records a run-once collision.
func (m *Metrics) DuplicateSkipped(kind string) {
	if m == nil {
		return
	}
	m.DuplicatesSkipped.WithLabelValues(kind).Inc()
}

// LifecycleOp records a lifecycle operation result.
func (m *Metrics) LifecycleOp(op string, err error) {
	if m == nil {
		return
	}
	result := "ok"
	if err != nil {
		result = "error"
	}
	m.LifecycleOps.WithLabelValues(op, result).Inc()
}

// SetModulesLoaded records the current registry size.
func (m *Metrics) SetModulesLoaded(n int) {
	if m == nil {
		return
	}
	m.ModulesLoaded.Set(float64(n))
}

// Reconfigured records a rehash or restart run.
func (m *Metrics) Reconfigured(kind string, err error) {
	if m == nil {
		return
	}
	result := "ok"
	if err != nil {
		result = "partial"
	}
	m.Reconfigurations.WithLabelValues(kind, result).Inc()
}

// LinkConnect records an uplink connection attempt.
func (m *Metrics) LinkConnect(err error) {
	if m == nil {
		return
	}
	result := "ok"
	if err != nil {
		result = "error"
	}
	m.LinkConnects.WithLabelValues(result).Inc()
}

// LinkLine records n lines in the given direction ("in" or "out").
func (m *Metrics) LinkLine(direction string, n int) {
	if m == nil {
		return
	}
	m.LinkLines.WithLabelValues(direction).Add(float64(n))
}
