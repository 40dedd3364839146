package observability

import (
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "parla"

// Provider connection states exported on the provider_state gauge
var providerStates = []string{"disconnected", "connecting", "connected", "error"}

type moduleMetrics struct {
	queueSize    *prometheus.GaugeVec
	enqueueTotal *prometheus.CounterVec
	dequeueTotal *prometheus.CounterVec
	taskDuration *prometheus.HistogramVec

	toolExecutionTotal    *prometheus.CounterVec
	toolExecutionDuration *prometheus.HistogramVec
	toolsDiscovered       *prometheus.GaugeVec
	toolsRejected         *prometheus.GaugeVec
	providerState         *prometheus.GaugeVec
	bridgeErrorsTotal     *prometheus.CounterVec
	bridgeErrorsDropped   prometheus.Counter

	realtimeConnected   prometheus.Gauge
	realtimeEventsTotal *prometheus.CounterVec
	realtimeSentTotal   *prometheus.CounterVec
	realtimeErrorsTotal *prometheus.CounterVec
	bargeInTotal        prometheus.Counter
}

var (
	metricsOnce sync.Once
	metricsInst *moduleMetrics
)

func getMetrics() *moduleMetrics {
	metricsOnce.Do(func() {
		m := &moduleMetrics{
			queueSize: prometheus.NewGaugeVec(
				prometheus.GaugeOpts{
					Namespace: namespace,
					Name:      "callqueue_size",
					Help:      "Current queued tool calls by lane.",
				},
				[]string{"lane"},
			),
			enqueueTotal: prometheus.NewCounterVec(
				prometheus.CounterOpts{
					Namespace: namespace,
					Name:      "callqueue_enqueue_total",
					Help:      "Total enqueued tool calls by lane.",
				},
				[]string{"lane"},
			),
			dequeueTotal: prometheus.NewCounterVec(
				prometheus.CounterOpts{
					Namespace: namespace,
					Name:      "callqueue_completed_total",
					Help:      "Total completed tool calls by lane and status.",
				},
				[]string{"lane", "status"},
			),
			taskDuration: prometheus.NewHistogramVec(
				prometheus.HistogramOpts{
					Namespace: namespace,
					Name:      "callqueue_task_duration_seconds",
					Help:      "Queued task duration in seconds by lane.",
					Buckets:   prometheus.DefBuckets,
				},
				[]string{"lane"},
			),
			toolExecutionTotal: prometheus.NewCounterVec(
				prometheus.CounterOpts{
					Namespace: namespace,
					Name:      "tool_execution_total",
					Help:      "Total tool executions by provider, tool and status.",
				},
				[]string{"provider", "tool", "status"},
			),
			toolExecutionDuration: prometheus.NewHistogramVec(
				prometheus.HistogramOpts{
					Namespace: namespace,
					Name:      "tool_execution_duration_seconds",
					Help:      "Tool execution duration in seconds by provider.",
					Buckets:   prometheus.DefBuckets,
				},
				[]string{"provider"},
			),
			toolsDiscovered: prometheus.NewGaugeVec(
				prometheus.GaugeOpts{
					Namespace: namespace,
					Name:      "provider_tools",
					Help:      "Valid tools exposed by provider.",
				},
				[]string{"provider"},
			),
			toolsRejected: prometheus.NewGaugeVec(
				prometheus.GaugeOpts{
					Namespace: namespace,
					Name:      "provider_tools_rejected",
					Help:      "Tools rejected by schema validation by provider.",
				},
				[]string{"provider"},
			),
			providerState: prometheus.NewGaugeVec(
				prometheus.GaugeOpts{
					Namespace: namespace,
					Name:      "provider_state",
					Help:      "Provider connection state (1 for the current state).",
				},
				[]string{"provider", "state"},
			),
			bridgeErrorsTotal: prometheus.NewCounterVec(
				prometheus.CounterOpts{
					Namespace: namespace,
					Name:      "bridge_errors_total",
					Help:      "Errors reported by the tool bridge by provider and operation.",
				},
				[]string{"provider", "op"},
			),
			bridgeErrorsDropped: prometheus.NewCounter(
				prometheus.CounterOpts{
					Namespace: namespace,
					Name:      "bridge_errors_dropped_total",
					Help:      "Bridge errors dropped because no reader kept up.",
				},
			),
			realtimeConnected: prometheus.NewGauge(
				prometheus.GaugeOpts{
					Namespace: namespace,
					Name:      "realtime_connected",
					Help:      "Realtime session connection state (1 connected).",
				},
			),
			realtimeEventsTotal: prometheus.NewCounterVec(
				prometheus.CounterOpts{
					Namespace: namespace,
					Name:      "realtime_events_total",
					Help:      "Inbound realtime frames by type.",
				},
				[]string{"type"},
			),
			realtimeSentTotal: prometheus.NewCounterVec(
				prometheus.CounterOpts{
					Namespace: namespace,
					Name:      "realtime_sent_total",
					Help:      "Outbound realtime events by type.",
				},
				[]string{"type"},
			),
			realtimeErrorsTotal: prometheus.NewCounterVec(
				prometheus.CounterOpts{
					Namespace: namespace,
					Name:      "realtime_errors_total",
					Help:      "Realtime error events by kind (benign or fatal).",
				},
				[]string{"kind"},
			),
			bargeInTotal: prometheus.NewCounter(
				prometheus.CounterOpts{
					Namespace: namespace,
					Name:      "barge_in_total",
					Help:      "User interruptions of assistant audio.",
				},
			),
		}

		prometheus.MustRegister(
			m.queueSize,
			m.enqueueTotal,
			m.dequeueTotal,
			m.taskDuration,
			m.toolExecutionTotal,
			m.toolExecutionDuration,
			m.toolsDiscovered,
			m.toolsRejected,
			m.providerState,
			m.bridgeErrorsTotal,
			m.bridgeErrorsDropped,
			m.realtimeConnected,
			m.realtimeEventsTotal,
			m.realtimeSentTotal,
			m.realtimeErrorsTotal,
			m.bargeInTotal,
		)

		metricsInst = m
	})

	return metricsInst
}

// EnsureRegistered initializes and registers metrics the first time it is called.
func EnsureRegistered() {
	_ = getMetrics()
}

func MetricsHandler() http.Handler {
	EnsureRegistered()
	return promhttp.Handler()
}

func statusLabel(success bool) string {
	if success {
		return "success"
	}
	return "error"
}

func RecordQueueEnqueue(lane string, queueSize int) {
	m := getMetrics()
	m.enqueueTotal.WithLabelValues(lane).Inc()
	m.queueSize.WithLabelValues(lane).Set(float64(queueSize))
}

func SetQueueSize(lane string, queueSize int) {
	getMetrics().queueSize.WithLabelValues(lane).Set(float64(queueSize))
}

func RecordQueueCompletion(lane string, duration time.Duration, success bool, queueSize int) {
	m := getMetrics()
	m.dequeueTotal.WithLabelValues(lane, statusLabel(success)).Inc()
	m.taskDuration.WithLabelValues(lane).Observe(duration.Seconds())
	m.queueSize.WithLabelValues(lane).Set(float64(queueSize))
}

// RecordToolExecution counts one tool call. status is success, error or timeout.
func RecordToolExecution(provider, tool string, duration time.Duration, status string) {
	m := getMetrics()
	m.toolExecutionTotal.WithLabelValues(provider, tool, status).Inc()
	m.toolExecutionDuration.WithLabelValues(provider).Observe(duration.Seconds())
}

func SetProviderTools(provider string, valid, rejected int) {
	m := getMetrics()
	m.toolsDiscovered.WithLabelValues(provider).Set(float64(valid))
	m.toolsRejected.WithLabelValues(provider).Set(float64(rejected))
}

// SetProviderState flags state as current for provider and clears the others
func SetProviderState(provider, state string) {
	m := getMetrics()
	for _, s := range providerStates {
		value := 0.0
		if s == state {
			value = 1.0
		}
		m.providerState.WithLabelValues(provider, s).Set(value)
	}
}

func RecordBridgeError(provider, op string) {
	getMetrics().bridgeErrorsTotal.WithLabelValues(provider, op).Inc()
}

func RecordBridgeErrorDropped() {
	getMetrics().bridgeErrorsDropped.Inc()
}

func SetRealtimeConnected(connected bool) {
	value := 0.0
	if connected {
		value = 1.0
	}
	getMetrics().realtimeConnected.Set(value)
}

func RecordRealtimeEvent(eventType string) {
	getMetrics().realtimeEventsTotal.WithLabelValues(eventType).Inc()
}

func RecordRealtimeSend(eventType string) {
	getMetrics().realtimeSentTotal.WithLabelValues(eventType).Inc()
}

// RecordRealtimeError counts an error event under kind benign or fatal
func RecordRealtimeError(benign bool) {
	kind := "fatal"
	if benign {
		kind = "benign"
	}
	getMetrics().realtimeErrorsTotal.WithLabelValues(kind).Inc()
}

func RecordBargeIn() {
	getMetrics().bargeInTotal.Inc()
}
