// Package metrics exports run and target state to Prometheus.
package metrics

import (
	"net/http"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"fuzzci/internal/feedback"
	"fuzzci/internal/status"
)

// Metrics implements supervisor.Observer; ForBranch returns the
// feedback.Observer of a run.
type Metrics struct {
	reg *prometheus.Registry

	edges          *prometheus.GaugeVec
	errors         *prometheus.GaugeVec
	runsStarted    *prometheus.CounterVec
	runsSuperseded *prometheus.CounterVec
	runsFinished   *prometheus.CounterVec
	runsActive     *prometheus.GaugeVec
	reports        *prometheus.CounterVec

	mu      sync.Mutex
	targets map[string]map[string]struct{}
}

func New() *Metrics {
	m := &Metrics{
		reg: prometheus.NewRegistry(),
		edges: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "fuzzci_target_edges",
			Help: "Edges of a fuzz target: total after calibration and covered so far.",
		}, []string{"branch", "target", "kind"}),
		errors: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "fuzzci_target_errors",
			Help: "Crashes found by a fuzz target in the current run.",
		}, []string{"branch", "target"}),
		runsStarted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "fuzzci_runs_started_total",
			Help: "Fuzzing runs started.",
		}, []string{"branch"}),
		runsSuperseded: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "fuzzci_runs_superseded_total",
			Help: "Fuzzing runs cancelled by a newer push.",
		}, []string{"branch"}),
		runsFinished: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "fuzzci_runs_finished_total",
			Help: "Fuzzing runs finished, by result.",
		}, []string{"branch", "result"}),
		runsActive: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "fuzzci_runs_active",
			Help: "Whether a run is active for the branch.",
		}, []string{"branch"}),
		reports: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "fuzzci_reports_total",
			Help: "Report generations, by result.",
		}, []string{"result"}),
		targets: make(map[string]map[string]struct{}),
	}
	m.reg.MustRegister(m.edges, m.errors, m.runsStarted, m.runsSuperseded, m.runsFinished, m.runsActive, m.reports)
	return m
}

// Gatherer exposes the registry, mainly for tests.
func (m *Metrics) Gatherer() prometheus.Gatherer { return m.reg }

func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.reg, promhttp.HandlerOpts{})
}

func (m *Metrics) RunStarted(branch string) {
	m.runsStarted.WithLabelValues(branch).Inc()
	m.runsActive.WithLabelValues(branch).Set(1)
	m.resetTargets(branch)
}

func (m *Metrics) RunSuperseded(branch string) {
	m.runsSuperseded.WithLabelValues(branch).Inc()
}

func (m *Metrics) RunFinished(branch string, err error) {
	result := "ok"
	if err != nil {
		result = "error"
	}
	m.runsFinished.WithLabelValues(branch, result).Inc()
	m.runsActive.WithLabelValues(branch).Set(0)
}

// resetTargets drops the target series of the previous run of branch.
func (m *Metrics) resetTargets(branch string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for target := range m.targets[branch] {
		m.edges.DeleteLabelValues(branch, target, "total")
		m.edges.DeleteLabelValues(branch, target, "covered")
		m.errors.DeleteLabelValues(branch, target)
	}
	delete(m.targets, branch)
}

func (m *Metrics) observeStatus(branch, target string, st status.TargetStatus) {
	m.mu.Lock()
	seen := m.targets[branch]
	if seen == nil {
		seen = make(map[string]struct{})
		m.targets[branch] = seen
	}
	seen[target] = struct{}{}
	m.mu.Unlock()

	m.edges.WithLabelValues(branch, target, "total").Set(float64(st.Total))
	m.edges.WithLabelValues(branch, target, "covered").Set(float64(st.Covered))
	m.errors.WithLabelValues(branch, target).Set(float64(st.Errors))
}

func (m *Metrics) observeReport(err error) {
	result := "ok"
	if err != nil {
		result = "error"
	}
	m.reports.WithLabelValues(result).Inc()
}

// ForBranch returns the observer for the feedback of a run on branch.
func (m *Metrics) ForBranch(branch string) feedback.Observer {
	return branchObserver{m: m, branch: branch}
}

type branchObserver struct {
	m      *Metrics
	branch string
}

func (o branchObserver) ObserveStatus(target string, st status.TargetStatus) {
	o.m.observeStatus(o.branch, target, st)
}

func (o branchObserver) ObserveReport(err error) { o.m.observeReport(err) }
