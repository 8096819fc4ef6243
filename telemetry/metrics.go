// Package telemetry provides Prometheus metrics, tracing, logging setup and
// correlation-id aware logging helpers.
package telemetry

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	once sync.Once

	// Counters
	EventsStarted     *prometheus.CounterVec // reason=manual|auto|admin
	EventsFinalized   *prometheus.CounterVec // reason=solved|deadline
	StageTransitions  *prometheus.CounterVec // stage=<next stage>
	TransportFailures *prometheus.CounterVec // op=send|edit|delete|history|presence
	StaleTimerDrops   prometheus.Counter
	RepliesSent       *prometheus.CounterVec // kind=search|generate|prompt|error

	// Histograms (seconds)
	EventDuration prometheus.Observer

	// Gauges
	EventActiveGauge   prometheus.Gauge
	PendingTimersGauge prometheus.Gauge
)

// Init registers metrics (idempotent).
func Init() {
	once.Do(func() {
		EventsStarted = promauto.NewCounterVec(prometheus.CounterOpts{Name: "nadeko_events_started_total", Help: "Event sessions started"}, []string{"reason"})
		EventsFinalized = promauto.NewCounterVec(prometheus.CounterOpts{Name: "nadeko_events_finalized_total", Help: "Event sessions torn down"}, []string{"reason"})
		StageTransitions = promauto.NewCounterVec(prometheus.CounterOpts{Name: "nadeko_event_stage_transitions_total", Help: "Stage changes applied by the script engine"}, []string{"stage"})
		TransportFailures = promauto.NewCounterVec(prometheus.CounterOpts{Name: "nadeko_transport_failures_total", Help: "Best-effort chat operations that failed"}, []string{"op"})
		StaleTimerDrops = promauto.NewCounter(prometheus.CounterOpts{Name: "nadeko_event_stale_timer_drops_total", Help: "Scheduled actions dropped because their session ended"})
		RepliesSent = promauto.NewCounterVec(prometheus.CounterOpts{Name: "nadeko_replies_total", Help: "Non-event replies posted"}, []string{"kind"})
		EventDuration = promauto.NewHistogram(prometheus.HistogramOpts{Name: "nadeko_event_duration_seconds", Help: "Session duration from start to teardown", Buckets: []float64{30, 60, 300, 600, 900, 1200, 1800, 3600}})
		EventActiveGauge = promauto.NewGauge(prometheus.GaugeOpts{Name: "nadeko_event_active", Help: "1 while an event session is running"})
		PendingTimersGauge = promauto.NewGauge(prometheus.GaugeOpts{Name: "nadeko_event_pending_timers", Help: "Scheduled actions not yet finished"})
	})
}

// IncCounter increments vec{label} if metrics are initialised.
func IncCounter(vec *prometheus.CounterVec, label string) {
	if vec != nil {
		vec.WithLabelValues(label).Inc()
	}
}

// IncStaleTimer counts a dropped stale scheduled action.
func IncStaleTimer() {
	if StaleTimerDrops != nil {
		StaleTimerDrops.Inc()
	}
}

// SetEventActive sets the active gauge to 1 or 0.
func SetEventActive(active bool) {
	if EventActiveGauge == nil {
		return
	}
	if active {
		EventActiveGauge.Set(1)
	} else {
		EventActiveGauge.Set(0)
	}
}

// SetPendingTimers records the number of outstanding scheduled actions.
func SetPendingTimers(n int) {
	if PendingTimersGauge != nil {
		PendingTimersGauge.Set(float64(n))
	}
}

// ObserveDuration records d in obs if non-nil.
func ObserveDuration(obs prometheus.Observer, d time.Duration) {
	if obs != nil {
		obs.Observe(d.Seconds())
	}
}

// Correlation ID helpers ----------------------------------------------------
type corrKeyType struct{}

var corrKey corrKeyType

// WithCorrelation returns a new context embedding the correlation id.
func WithCorrelation(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, corrKey, id)
}

// GetCorrelation returns correlation id or empty string.
func GetCorrelation(ctx context.Context) string {
	if s, ok := ctx.Value(corrKey).(string); ok {
		return s
	}
	return ""
}

// LoggerWithCorr returns a logger with corr attribute if present.
func LoggerWithCorr(ctx context.Context) *slog.Logger {
	if id := GetCorrelation(ctx); id != "" {
		return slog.Default().With(slog.String("corr", id))
	}
	return slog.Default()
}
