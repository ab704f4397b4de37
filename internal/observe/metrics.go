// Package observe provides application-wide observability primitives for
// marionette: OpenTelemetry metrics, distributed tracing, structured logging,
// and HTTP middleware that ties them together.
//
// Metrics are recorded through the OpenTelemetry Metrics API. A Prometheus
// exporter bridge is available via [InitProvider] so that metrics can still be
// scraped via the standard /metrics endpoint. A package-level default
// [Metrics] instance ([DefaultMetrics]) is provided for convenience; tests
// should use [NewMetrics] with a custom [metric.MeterProvider] to avoid
// cross-test pollution.
//
// The Record* helpers accept a nil *Metrics receiver and do nothing, so
// simulation components can run without instrumentation.
package observe

import (
	"context"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// meterName is the instrumentation scope name used for all marionette metrics.
const meterName = "github.com/MrWong99/marionette"

// Metrics holds all OpenTelemetry metric instruments for the application.
// All fields are safe for concurrent use.
type Metrics struct {
	// --- Latency histograms ---

	// TickDuration tracks the wall time of one simulation tick.
	TickDuration metric.Float64Histogram

	// StoreDuration tracks avatar store operations. Use with attribute:
	//   attribute.String("op", ...)
	StoreDuration metric.Float64Histogram

	// --- Navigation counters ---

	// NavRetargets counts new waypoints. Use with attribute:
	//   attribute.String("reason", ...)
	NavRetargets metric.Int64Counter

	// NavCollisions counts collision hits that triggered a re-route.
	NavCollisions metric.Int64Counter

	// NavStuckRecoveries counts waypoints forced by stuck detection.
	NavStuckRecoveries metric.Int64Counter

	// --- Animation counters ---

	// AnimTransitions counts started transitions. Use with attribute:
	//   attribute.String("kind", ...)
	AnimTransitions metric.Int64Counter

	// AnimRejected counts refused transition requests. Use with attribute:
	//   attribute.String("reason", ...)
	AnimRejected metric.Int64Counter

	// OneShotsCompleted counts one-shots that finished and restored the
	// interrupted action.
	OneShotsCompleted metric.Int64Counter

	// --- Lip-sync counters ---

	// SpeechSessions counts started speaking sessions. Use with attribute:
	//   attribute.String("mode", ...)
	SpeechSessions metric.Int64Counter

	// SpeechErrors counts playback and capture failures. Use with attribute:
	//   attribute.String("kind", ...)
	SpeechErrors metric.Int64Counter

	// MicAcquisitions counts microphone acquisition attempts. Use with attribute:
	//   attribute.String("status", ...)
	MicAcquisitions metric.Int64Counter

	// --- Gauges ---

	// ActiveAgents tracks the number of spawned avatars.
	ActiveAgents metric.Int64UpDownCounter

	// ActiveSpeakers tracks the number of speaking sessions.
	ActiveSpeakers metric.Int64UpDownCounter

	// --- HTTP middleware ---

	// HTTPRequestDuration tracks HTTP request processing time. Use with attributes:
	//   attribute.String("method", ...), attribute.String("path", ...)
	HTTPRequestDuration metric.Float64Histogram
}

// tickBuckets defines histogram bucket boundaries (in seconds) sized around a
// 60 Hz frame budget.
var tickBuckets = []float64{
	0.0001, 0.00025, 0.0005, 0.001, 0.0025, 0.005, 0.01, 0.0167, 0.033, 0.1,
}

// latencyBuckets defines histogram bucket boundaries (in seconds) for I/O.
var latencyBuckets = []float64{
	0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5,
}

// NewMetrics creates a fully initialised [Metrics] struct using the given
// [metric.MeterProvider]. Returns an error if any instrument creation fails.
func NewMetrics(mp metric.MeterProvider) (*Metrics, error) {
	m := mp.Meter(meterName)
	var err error
	met := &Metrics{}

	// Histograms.
	if met.TickDuration, err = m.Float64Histogram("marionette.tick.duration",
		metric.WithDescription("Wall time of one simulation tick."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(tickBuckets...),
	); err != nil {
		return nil, err
	}
	if met.StoreDuration, err = m.Float64Histogram("marionette.store.duration",
		metric.WithDescription("Latency of avatar store operations."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}

	// Navigation.
	if met.NavRetargets, err = m.Int64Counter("marionette.nav.retargets",
		metric.WithDescription("Waypoints assigned by reason."),
	); err != nil {
		return nil, err
	}
	if met.NavCollisions, err = m.Int64Counter("marionette.nav.collisions",
		metric.WithDescription("Collision hits that re-routed an agent."),
	); err != nil {
		return nil, err
	}
	if met.NavStuckRecoveries, err = m.Int64Counter("marionette.nav.stuck_recoveries",
		metric.WithDescription("Waypoints forced by stuck detection."),
	); err != nil {
		return nil, err
	}

	// Animation.
	if met.AnimTransitions, err = m.Int64Counter("marionette.anim.transitions",
		metric.WithDescription("Animation transitions by kind."),
	); err != nil {
		return nil, err
	}
	if met.AnimRejected, err = m.Int64Counter("marionette.anim.rejected",
		metric.WithDescription("Refused animation requests by reason."),
	); err != nil {
		return nil, err
	}
	if met.OneShotsCompleted, err = m.Int64Counter("marionette.anim.oneshots_completed",
		metric.WithDescription("One-shot actions that completed and restored the prior action."),
	); err != nil {
		return nil, err
	}

	// Lip sync.
	if met.SpeechSessions, err = m.Int64Counter("marionette.lipsync.sessions",
		metric.WithDescription("Speaking sessions by source mode."),
	); err != nil {
		return nil, err
	}
	if met.SpeechErrors, err = m.Int64Counter("marionette.lipsync.errors",
		metric.WithDescription("Playback and capture failures by kind."),
	); err != nil {
		return nil, err
	}
	if met.MicAcquisitions, err = m.Int64Counter("marionette.lipsync.mic_acquisitions",
		metric.WithDescription("Microphone acquisition attempts by status."),
	); err != nil {
		return nil, err
	}

	// Gauges (UpDownCounters).
	if met.ActiveAgents, err = m.Int64UpDownCounter("marionette.active_agents",
		metric.WithDescription("Number of spawned avatars."),
	); err != nil {
		return nil, err
	}
	if met.ActiveSpeakers, err = m.Int64UpDownCounter("marionette.active_speakers",
		metric.WithDescription("Number of speaking sessions."),
	); err != nil {
		return nil, err
	}

	// HTTP middleware histogram.
	if met.HTTPRequestDuration, err = m.Float64Histogram("marionette.http.request.duration",
		metric.WithDescription("HTTP request latency by method and path."),
		metric.WithUnit("s"),
	); err != nil {
		return nil, err
	}

	return met, nil
}

// defaultMetrics is the lazily-initialised package-level Metrics instance.
var (
	defaultMetrics     *Metrics
	defaultMetricsOnce sync.Once
)

// DefaultMetrics returns the package-level [Metrics] instance, creating it on
// first call using [otel.GetMeterProvider]. Subsequent calls return the same
// pointer. Panics if instrument creation fails (should not happen with the
// global provider).
func DefaultMetrics() *Metrics {
	defaultMetricsOnce.Do(func() {
		var err error
		defaultMetrics, err = NewMetrics(otel.GetMeterProvider())
		if err != nil {
			panic("observe: failed to create default metrics: " + err.Error())
		}
	})
	return defaultMetrics
}

// RecordRetarget records a waypoint assignment with its reason.
func (m *Metrics) RecordRetarget(ctx context.Context, reason string) {
	if m == nil {
		return
	}
	m.NavRetargets.Add(ctx, 1, metric.WithAttributes(attribute.String("reason", reason)))
}

// RecordCollision records a collision re-route.
func (m *Metrics) RecordCollision(ctx context.Context) {
	if m == nil {
		return
	}
	m.NavCollisions.Add(ctx, 1)
}

// RecordStuckRecovery records a stuck-detection re-route.
func (m *Metrics) RecordStuckRecovery(ctx context.Context) {
	if m == nil {
		return
	}
	m.NavStuckRecoveries.Add(ctx, 1)
}

// RecordTransition records a started animation transition.
func (m *Metrics) RecordTransition(ctx context.Context, kind string) {
	if m == nil {
		return
	}
	m.AnimTransitions.Add(ctx, 1, metric.WithAttributes(attribute.String("kind", kind)))
}

// RecordRejected records a refused animation request.
func (m *Metrics) RecordRejected(ctx context.Context, reason string) {
	if m == nil {
		return
	}
	m.AnimRejected.Add(ctx, 1, metric.WithAttributes(attribute.String("reason", reason)))
}

// RecordOneShotCompleted records a completed one-shot.
func (m *Metrics) RecordOneShotCompleted(ctx context.Context) {
	if m == nil {
		return
	}
	m.OneShotsCompleted.Add(ctx, 1)
}

// RecordSpeechStart records a started speaking session and bumps the active
// speaker gauge.
func (m *Metrics) RecordSpeechStart(ctx context.Context, mode string) {
	if m == nil {
		return
	}
	m.SpeechSessions.Add(ctx, 1, metric.WithAttributes(attribute.String("mode", mode)))
	m.ActiveSpeakers.Add(ctx, 1)
}

// RecordSpeechEnd lowers the active speaker gauge.
func (m *Metrics) RecordSpeechEnd(ctx context.Context) {
	if m == nil {
		return
	}
	m.ActiveSpeakers.Add(ctx, -1)
}

// RecordSpeechError records a playback or capture failure.
func (m *Metrics) RecordSpeechError(ctx context.Context, kind string) {
	if m == nil {
		return
	}
	m.SpeechErrors.Add(ctx, 1, metric.WithAttributes(attribute.String("kind", kind)))
}

// RecordMicAcquisition records a microphone acquisition attempt.
func (m *Metrics) RecordMicAcquisition(ctx context.Context, status string) {
	if m == nil {
		return
	}
	m.MicAcquisitions.Add(ctx, 1, metric.WithAttributes(attribute.String("status", status)))
}

// RecordTick records the wall time of one simulation tick in seconds.
func (m *Metrics) RecordTick(ctx context.Context, seconds float64) {
	if m == nil {
		return
	}
	m.TickDuration.Record(ctx, seconds)
}

// RecordAgents adjusts the active agent gauge by delta.
func (m *Metrics) RecordAgents(ctx context.Context, delta int64) {
	if m == nil {
		return
	}
	m.ActiveAgents.Add(ctx, delta)
}

// RecordStoreOp records the latency of an avatar store operation.
func (m *Metrics) RecordStoreOp(ctx context.Context, op string, seconds float64) {
	if m == nil {
		return
	}
	m.StoreDuration.Record(ctx, seconds, metric.WithAttributes(attribute.String("op", op)))
}

func (m *Metrics) recordRequest(ctx context.Context, method, route string, d time.Duration) {
	if m == nil {
		return
	}
	m.HTTPRequestDuration.Record(ctx, d.Seconds(), metric.WithAttributes(
		attribute.String("method", method),
		attribute.String("path", route),
	))
}
