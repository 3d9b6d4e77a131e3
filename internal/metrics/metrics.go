// Package metrics exposes orchestrator counters and gauges. All methods are
// nil-receiver safe so components can run unmetered in tests.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

type Metrics struct {
	runsStarted     *prometheus.CounterVec
	runsFinished    *prometheus.CounterVec
	runsRejected    prometheus.Counter
	tasksFinished   *prometheus.CounterVec
	taskRetries     prometheus.Counter
	dispatchRetries prometheus.Counter
	activeRuns      prometheus.Gauge
	syncReconciles  *prometheus.CounterVec
	lineageOutcomes *prometheus.CounterVec
}

func New(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		runsStarted: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "dataloom_runs_started_total",
			Help: "Runs admitted and started, by product.",
		}, []string{"product"}),
		runsFinished: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "dataloom_runs_finished_total",
			Help: "Runs reaching a terminal state, by product and outcome.",
		}, []string{"product", "outcome"}),
		runsRejected: factory.NewCounter(prometheus.CounterOpts{
			Name: "dataloom_runs_rejected_total",
			Help: "Run triggers rejected by the admission policy.",
		}),
		tasksFinished: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "dataloom_tasks_finished_total",
			Help: "Tasks reaching a terminal state, by kind and state.",
		}, []string{"kind", "state"}),
		taskRetries: factory.NewCounter(prometheus.CounterOpts{
			Name: "dataloom_task_retries_total",
			Help: "Failed task attempts re-queued under the retry policy.",
		}),
		dispatchRetries: factory.NewCounter(prometheus.CounterOpts{
			Name: "dataloom_dispatch_retries_total",
			Help: "Task start failures retried inside executor dispatch.",
		}),
		activeRuns: factory.NewGauge(prometheus.GaugeOpts{
			Name: "dataloom_active_runs",
			Help: "Runs currently in a non-terminal state.",
		}),
		syncReconciles: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "dataloom_sync_reconciles_total",
			Help: "Definition sync reconcile passes, by result.",
		}, []string{"result"}),
		lineageOutcomes: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "dataloom_lineage_registrations_total",
			Help: "Lineage registration attempts, by outcome.",
		}, []string{"outcome"}),
	}
}

func (m *Metrics) RunStarted(product string) {
	if m == nil {
		return
	}
	m.runsStarted.WithLabelValues(product).Inc()
	m.activeRuns.Inc()
}

func (m *Metrics) RunFinished(product, outcome string) {
	if m == nil {
		return
	}
	m.runsFinished.WithLabelValues(product, outcome).Inc()
	m.activeRuns.Dec()
}

func (m *Metrics) RunRejected() {
	if m == nil {
		return
	}
	m.runsRejected.Inc()
}

func (m *Metrics) TaskFinished(kind, state string) {
	if m == nil {
		return
	}
	m.tasksFinished.WithLabelValues(kind, state).Inc()
}

func (m *Metrics) TaskRetried() {
	if m == nil {
		return
	}
	m.taskRetries.Inc()
}

func (m *Metrics) DispatchRetried() {
	if m == nil {
		return
	}
	m.dispatchRetries.Inc()
}

func (m *Metrics) SyncReconcile(result string) {
	if m == nil {
		return
	}
	m.syncReconciles.WithLabelValues(result).Inc()
}

func (m *Metrics) LineageOutcome(outcome string) {
	if m == nil {
		return
	}
	m.lineageOutcomes.WithLabelValues(outcome).Inc()
}
