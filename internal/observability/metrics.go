package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics collects runtime measurements: model call latency, tool execution
// patterns, task lifecycle, and schedule firing. All metrics register with
// the default Prometheus registry and surface at the /metrics endpoint.
type Metrics struct {
	// ModelRequestDuration measures model API call latency in seconds.
	// Labels: model, mode (ask|ask_messages|precheck)
	// Buckets: 0.1s .. 120s
	ModelRequestDuration *prometheus.HistogramVec

	// ModelRequestCounter counts model requests.
	// Labels: model, mode, status (success|error|cancelled)
	ModelRequestCounter *prometheus.CounterVec

	// ToolExecutionCounter counts tool invocations.
	// Labels: tool, status (success|error)
	ToolExecutionCounter *prometheus.CounterVec

	// ToolExecutionDuration measures tool execution time in seconds.
	// Labels: tool
	ToolExecutionDuration *prometheus.HistogramVec

	// LoopTurns observes turns consumed per completed request.
	LoopTurns prometheus.Histogram

	// RequestCounter counts agent requests by outcome.
	// Labels: outcome (fast_path|clarify|completed|max_turns|error|cancelled)
	RequestCounter *prometheus.CounterVec

	// ActiveTasks gauges currently queued or running background tasks.
	ActiveTasks prometheus.Gauge

	// TaskDuration measures task wall time in seconds.
	// Labels: status (completed|failed|cancelled)
	TaskDuration *prometheus.HistogramVec

	// ScheduleFires counts schedule firings.
	// Labels: result (spawned|skipped|paused)
	ScheduleFires *prometheus.CounterVec

	// CheckpointWrites counts checkpoint store writes.
	// Labels: status (success|error)
	CheckpointWrites *prometheus.CounterVec

	// ErrorCounter tracks errors by component and type.
	// Labels: component (agent|llm|tools|tasks|schedule|history), error_type
	ErrorCounter *prometheus.CounterVec
}

// NewMetrics creates and registers all Prometheus metrics. Call once at
// startup; promauto panics on duplicate registration.
func NewMetrics() *Metrics {
	return &Metrics{
		ModelRequestDuration: promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "axon_model_request_duration_seconds",
				Help:    "Duration of model API requests in seconds",
				Buckets: []float64{0.1, 0.5, 1, 2, 5, 10, 30, 60, 120},
			},
			[]string{"model", "mode"},
		),

		ModelRequestCounter: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "axon_model_requests_total",
				Help: "Total number of model requests by model, mode, and status",
			},
			[]string{"model", "mode", "status"},
		),

		ToolExecutionCounter: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "axon_tool_executions_total",
				Help: "Total number of tool executions by tool and status",
			},
			[]string{"tool", "status"},
		),

		ToolExecutionDuration: promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "axon_tool_execution_duration_seconds",
				Help:    "Duration of tool executions in seconds",
				Buckets: []float64{0.01, 0.05, 0.1, 0.5, 1, 5, 10, 30, 60},
			},
			[]string{"tool"},
		),

		LoopTurns: promauto.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "axon_loop_turns",
				Help:    "Turns consumed per completed agent request",
				Buckets: []float64{1, 2, 3, 5, 8, 13, 21, 30},
			},
		),

		RequestCounter: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "axon_requests_total",
				Help: "Total number of agent requests by outcome",
			},
			[]string{"outcome"},
		),

		ActiveTasks: promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "axon_active_tasks",
				Help: "Current number of queued or running background tasks",
			},
		),

		TaskDuration: promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "axon_task_duration_seconds",
				Help:    "Wall time of background tasks in seconds",
				Buckets: []float64{1, 5, 15, 60, 300, 900, 3600},
			},
			[]string{"status"},
		),

		ScheduleFires: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "axon_schedule_fires_total",
				Help: "Total number of schedule firings by result",
			},
			[]string{"result"},
		),

		CheckpointWrites: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "axon_checkpoint_writes_total",
				Help: "Total number of checkpoint writes by status",
			},
			[]string{"status"},
		),

		ErrorCounter: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "axon_errors_total",
				Help: "Total number of errors by component and error type",
			},
			[]string{"component", "error_type"},
		),
	}
}

// RecordModelRequest records one model call.
func (m *Metrics) RecordModelRequest(model, mode, status string, durationSeconds float64) {
	m.ModelRequestCounter.WithLabelValues(model, mode, status).Inc()
	m.ModelRequestDuration.WithLabelValues(model, mode).Observe(durationSeconds)
}

// RecordToolExecution records one tool invocation.
func (m *Metrics) RecordToolExecution(tool, status string, durationSeconds float64) {
	m.ToolExecutionCounter.WithLabelValues(tool, status).Inc()
	m.ToolExecutionDuration.WithLabelValues(tool).Observe(durationSeconds)
}

// RecordRequest records a finished agent request and its turn count.
func (m *Metrics) RecordRequest(outcome string, turns int) {
	m.RequestCounter.WithLabelValues(outcome).Inc()
	if turns > 0 {
		m.LoopTurns.Observe(float64(turns))
	}
}

// RecordError increments the error counter.
func (m *Metrics) RecordError(component, errorType string) {
	m.ErrorCounter.WithLabelValues(component, errorType).Inc()
}

// RecordScheduleFire records one schedule firing result.
func (m *Metrics) RecordScheduleFire(result string) {
	m.ScheduleFires.WithLabelValues(result).Inc()
}

// RecordCheckpointWrite records a checkpoint write attempt.
func (m *Metrics) RecordCheckpointWrite(status string) {
	m.CheckpointWrites.WithLabelValues(status).Inc()
}

// TaskStarted bumps the active-task gauge.
func (m *Metrics) TaskStarted() { m.ActiveTasks.Inc() }

// TaskFinished decrements the active-task gauge and records duration.
func (m *Metrics) TaskFinished(status string, durationSeconds float64) {
	m.ActiveTasks.Dec()
	m.TaskDuration.WithLabelValues(status).Observe(durationSeconds)
}
