package core

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	utilruntime "k8s.io/apimachinery/pkg/util/runtime"
)

const (
	metricsNamespace = "rollover"

	metricsSubsystemWorkflow = "workflow"
	metricsSubsystemErrors   = "errors"
)

// MetricsReporter exposes the rollover workflow on a Prometheus registry.
type MetricsReporter struct {
	inProgress   *prometheus.GaugeVec
	transitions  *prometheus.CounterVec
	runs         *prometheus.CounterVec
	stepDuration *prometheus.HistogramVec
	runDuration  *prometheus.HistogramVec
	errorsCount  prometheus.Counter
	panicsCount  prometheus.Counter
}

func NewMetricsReporter(registry prometheus.Registerer) (*MetricsReporter, error) {
	applicationLabelNames := []string{"namespace", "application"}

	result := &MetricsReporter{
		inProgress: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: metricsNamespace,
			Subsystem: metricsSubsystemWorkflow,
			Name:      "in_progress",
			Help:      "Whether a rollover is currently in progress for the application",
		}, applicationLabelNames),
		transitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: metricsSubsystemWorkflow,
			Name:      "transitions_total",
			Help:      "Number of workflow state transitions",
		}, []string{"namespace", "application", "from", "to"}),
		runs: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: metricsSubsystemWorkflow,
			Name:      "runs_total",
			Help:      "Number of finished rollovers by result and abort reason",
		}, []string{"namespace", "application", "result", "reason"}),
		stepDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: metricsNamespace,
			Subsystem: metricsSubsystemWorkflow,
			Name:      "step_duration_seconds",
			Help:      "Time spent in each workflow state",
			Buckets:   prometheus.ExponentialBuckets(0.1, 2, 12),
		}, []string{"state"}),
		runDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: metricsNamespace,
			Subsystem: metricsSubsystemWorkflow,
			Name:      "duration_seconds",
			Help:      "Total duration of finished rollovers",
			Buckets:   prometheus.ExponentialBuckets(1, 2, 12),
		}, []string{"result"}),
		errorsCount: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: metricsSubsystemErrors,
			Name:      "count",
			Help:      "Number of errors encountered",
		}),
		panicsCount: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: metricsSubsystemErrors,
			Name:      "panic_count",
			Help:      "Number of panics encountered",
		}),
	}

	for _, metric := range []prometheus.Collector{
		result.inProgress,
		result.transitions,
		result.runs,
		result.stepDuration,
		result.runDuration,
		result.errorsCount,
		result.panicsCount,
	} {
		err := registry.Register(metric)
		if err != nil {
			return nil, err
		}
	}

	// expose Kubernetes client errors as metric
	utilruntime.ErrorHandlers = append(utilruntime.ErrorHandlers, func(_ error) {
		result.ReportError()
	})

	return result, nil
}

func (reporter *MetricsReporter) applicationLabels(request *RolloverRequest) prometheus.Labels {
	return prometheus.Labels{
		"namespace":   request.Namespace,
		"application": request.Application,
	}
}

// ReportRunStarted flags the application as having a rollover in flight.
func (reporter *MetricsReporter) ReportRunStarted(request *RolloverRequest) {
	reporter.inProgress.With(reporter.applicationLabels(request)).Set(1.0)
}

// ReportTransition counts one workflow state change.
func (reporter *MetricsReporter) ReportTransition(request *RolloverRequest, from, to WorkflowState) {
	reporter.transitions.With(prometheus.Labels{
		"namespace":   request.Namespace,
		"application": request.Application,
		"from":        string(from),
		"to":          string(to),
	}).Inc()
}

// ReportStepDuration records how long the workflow stayed in one state.
func (reporter *MetricsReporter) ReportStepDuration(state WorkflowState, duration time.Duration) {
	reporter.stepDuration.With(prometheus.Labels{"state": string(state)}).Observe(duration.Seconds())
}

// ReportRunFinished counts the final result and clears the in-progress flag.
func (reporter *MetricsReporter) ReportRunFinished(request *RolloverRequest, result RolloverResult, duration time.Duration) {
	reporter.inProgress.With(reporter.applicationLabels(request)).Set(0.0)

	reason := ""
	if result.State == WorkflowAborted {
		reason = result.Reason
	}
	reporter.runs.With(prometheus.Labels{
		"namespace":   request.Namespace,
		"application": request.Application,
		"result":      string(result.State),
		"reason":      reason,
	}).Inc()
	reporter.runDuration.With(prometheus.Labels{"result": string(result.State)}).Observe(duration.Seconds())
}

func (reporter *MetricsReporter) ReportError() {
	reporter.errorsCount.Inc()
}

func (reporter *MetricsReporter) ReportPanic() {
	reporter.panicsCount.Inc()
}
