// Package observe provides application-wide observability primitives for
// audiodam: OpenTelemetry metrics, distributed tracing, structured logging,
// and HTTP middleware that ties them together.
//
// Metrics are recorded through the OpenTelemetry Metrics API. A Prometheus
// exporter bridge is available via [InitProvider] so that metrics can be
// scraped via the standard /metrics endpoint. A package-level default
// [Metrics] instance ([DefaultMetrics]) is provided for convenience; tests
// should use [NewMetrics] with a custom [metric.MeterProvider] to avoid
// cross-test pollution.
package observe

import (
	"context"
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// meterName is the instrumentation scope name used for all audiodam metrics.
const meterName = "github.com/MrWong99/audiodam"

// Metrics holds all OpenTelemetry metric instruments for the application.
// All fields are safe for concurrent use; the underlying OTel types handle
// their own synchronisation.
type Metrics struct {
	// --- Histograms ---

	// ProcessDuration tracks the wall time of one data-plane process turn.
	ProcessDuration metric.Float64Histogram

	// GateBacklog tracks the unread history found when a gate opens.
	GateBacklog metric.Float64Histogram

	// --- Counters ---

	// GateTransitions counts gate state changes. Use with attributes:
	//   attribute.String("instance", ...), attribute.String("transition", ...)
	GateTransitions metric.Int64Counter

	// PolicyPushes counts trigger-policy callback pushes. Use with attribute:
	//   attribute.Bool("enabled", ...)
	PolicyPushes metric.Int64Counter

	// ControlRecords counts control-link records by opcode and result. Use
	// with attributes:
	//   attribute.String("opcode", ...), attribute.String("status", ...)
	ControlRecords metric.Int64Counter

	// EOSInserted counts flushing end-of-stream markers emitted on outputs.
	EOSInserted metric.Int64Counter

	// --- Gauges ---

	// ComputeVote tracks the aggregated clock vote in KPPS.
	ComputeVote metric.Int64UpDownCounter

	// ControlPeers tracks the number of connected control-link peers.
	ControlPeers metric.Int64UpDownCounter

	// --- HTTP middleware ---

	// HTTPRequestDuration tracks HTTP request processing time. Use with attributes:
	//   attribute.String("method", ...), attribute.String("path", ...)
	HTTPRequestDuration metric.Float64Histogram
}

// turnBuckets defines histogram bucket boundaries (in seconds) for process
// turns, which run every few milliseconds.
var turnBuckets = []float64{
	0.00005, 0.0001, 0.00025, 0.0005, 0.001, 0.0025, 0.005, 0.01,
}

// backlogBuckets defines histogram bucket boundaries (in seconds) for gate
// backlog, bounded by the history a detector can ask for.
var backlogBuckets = []float64{
	0, 0.1, 0.25, 0.5, 1, 2, 4, 8,
}

// NewMetrics creates a fully initialised [Metrics] struct using the given
// [metric.MeterProvider]. Returns an error if any instrument creation fails.
func NewMetrics(mp metric.MeterProvider) (*Metrics, error) {
	m := mp.Meter(meterName)
	var err error
	met := &Metrics{}

	// Histograms.
	if met.ProcessDuration, err = m.Float64Histogram("audiodam.process.duration",
		metric.WithDescription("Wall time of one data-plane process turn."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(turnBuckets...),
	); err != nil {
		return nil, err
	}
	if met.GateBacklog, err = m.Float64Histogram("audiodam.gate.backlog",
		metric.WithDescription("Unread history available when a gate opens."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(backlogBuckets...),
	); err != nil {
		return nil, err
	}

	// Counters.
	if met.GateTransitions, err = m.Int64Counter("audiodam.gate.transitions",
		metric.WithDescription("Total gate transitions by instance and transition."),
	); err != nil {
		return nil, err
	}
	if met.PolicyPushes, err = m.Int64Counter("audiodam.trigger_policy.pushes",
		metric.WithDescription("Total trigger-policy pushes to the scheduler."),
	); err != nil {
		return nil, err
	}
	if met.ControlRecords, err = m.Int64Counter("audiodam.control.records",
		metric.WithDescription("Total control-link records by opcode and status."),
	); err != nil {
		return nil, err
	}
	if met.EOSInserted, err = m.Int64Counter("audiodam.eos.inserted",
		metric.WithDescription("Total flushing end-of-stream markers emitted."),
	); err != nil {
		return nil, err
	}

	// Gauges (UpDownCounters).
	if met.ComputeVote, err = m.Int64UpDownCounter("audiodam.compute_vote",
		metric.WithDescription("Aggregated compute vote in KPPS."),
	); err != nil {
		return nil, err
	}
	if met.ControlPeers, err = m.Int64UpDownCounter("audiodam.control.peers",
		metric.WithDescription("Number of connected control-link peers."),
	); err != nil {
		return nil, err
	}

	// HTTP middleware histogram.
	if met.HTTPRequestDuration, err = m.Float64Histogram("audiodam.http.request.duration",
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

// Attr is a convenience alias for [attribute.String] to reduce verbosity at
// call sites.
func Attr(key, value string) attribute.KeyValue {
	return attribute.String(key, value)
}

// RecordGateTransition records one gate transition for an instance.
func (m *Metrics) RecordGateTransition(ctx context.Context, instance, transition string) {
	m.GateTransitions.Add(ctx, 1,
		metric.WithAttributes(
			attribute.String("instance", instance),
			attribute.String("transition", transition),
		),
	)
}

// RecordPolicyPush records one trigger-policy push.
func (m *Metrics) RecordPolicyPush(ctx context.Context, instance string, enabled bool) {
	m.PolicyPushes.Add(ctx, 1,
		metric.WithAttributes(
			attribute.String("instance", instance),
			attribute.Bool("enabled", enabled),
		),
	)
}

// RecordControlRecord records one dispatched control record.
func (m *Metrics) RecordControlRecord(ctx context.Context, opcode, status string) {
	m.ControlRecords.Add(ctx, 1,
		metric.WithAttributes(
			attribute.String("opcode", opcode),
			attribute.String("status", status),
		),
	)
}

// RecordComputeVote moves the vote gauge from prev to next KPPS.
func (m *Metrics) RecordComputeVote(ctx context.Context, instance string, prev, next uint32) {
	m.ComputeVote.Add(ctx, int64(next)-int64(prev),
		metric.WithAttributes(attribute.String("instance", instance)),
	)
}
