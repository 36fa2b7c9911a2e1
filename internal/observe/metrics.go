// Package observe provides application-wide observability primitives for
// Leeriya: OpenTelemetry metrics, a Prometheus exporter bridge, and HTTP
// middleware that ties them together.
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

// meterName is the instrumentation scope name used for all Leeriya metrics.
const meterName = "github.com/stevenp1015/leeriya"

// Metrics holds all OpenTelemetry metric instruments for the application.
// All fields are safe for concurrent use; the underlying OTel types handle
// their own synchronisation.
type Metrics struct {
	// --- Gauges ---

	// ActiveRooms tracks the number of rooms currently in the registry.
	ActiveRooms metric.Int64UpDownCounter

	// ControlSubscribers tracks connected control sockets across all rooms.
	ControlSubscribers metric.Int64UpDownCounter

	// AudioSubscribers tracks connected audio sockets across all rooms.
	AudioSubscribers metric.Int64UpDownCounter

	// --- Counters ---

	// AudioFrames counts PCM frames fanned out to audio subscribers.
	AudioFrames metric.Int64Counter

	// RoomMutations counts state mutations by event type. Use with
	// attribute.String("event", ...).
	RoomMutations metric.Int64Counter

	// StaleSubscribers counts subscribers evicted after a failed send. Use
	// with attribute.String("channel", "control"|"audio").
	StaleSubscribers metric.Int64Counter

	// --- Histograms ---

	// BroadcastDuration tracks control-snapshot fan-out latency.
	BroadcastDuration metric.Float64Histogram

	// HTTPRequestDuration tracks HTTP request processing time. Use with
	// attributes: attribute.String("method", ...), attribute.String("path", ...)
	HTTPRequestDuration metric.Float64Histogram
}

// latencyBuckets defines histogram bucket boundaries (in seconds) optimised
// for fan-out and request latencies.
var latencyBuckets = []float64{
	0.001, 0.0025, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5,
}

// NewMetrics creates a fully initialised [Metrics] struct using the given
// [metric.MeterProvider]. Returns an error if any instrument creation fails.
func NewMetrics(mp metric.MeterProvider) (*Metrics, error) {
	m := mp.Meter(meterName)
	var err error
	met := &Metrics{}

	// Gauges (UpDownCounters).
	if met.ActiveRooms, err = m.Int64UpDownCounter("leeriya.rooms.active",
		metric.WithDescription("Number of rooms currently in the registry."),
	); err != nil {
		return nil, err
	}
	if met.ControlSubscribers, err = m.Int64UpDownCounter("leeriya.subscribers.control",
		metric.WithDescription("Connected control sockets across all rooms."),
	); err != nil {
		return nil, err
	}
	if met.AudioSubscribers, err = m.Int64UpDownCounter("leeriya.subscribers.audio",
		metric.WithDescription("Connected audio sockets across all rooms."),
	); err != nil {
		return nil, err
	}

	// Counters.
	if met.AudioFrames, err = m.Int64Counter("leeriya.audio.frames",
		metric.WithDescription("PCM frames fanned out to audio subscribers."),
	); err != nil {
		return nil, err
	}
	if met.RoomMutations, err = m.Int64Counter("leeriya.room.mutations",
		metric.WithDescription("Room state mutations by event type."),
	); err != nil {
		return nil, err
	}
	if met.StaleSubscribers, err = m.Int64Counter("leeriya.subscribers.stale",
		metric.WithDescription("Subscribers evicted after a failed send."),
	); err != nil {
		return nil, err
	}

	// Histograms.
	if met.BroadcastDuration, err = m.Float64Histogram("leeriya.broadcast.duration",
		metric.WithDescription("Control-snapshot fan-out latency."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.HTTPRequestDuration, err = m.Float64Histogram("leeriya.http.request.duration",
		metric.WithDescription("HTTP request latency by method and path."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
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

// DefaultMetrics returns the package-level [Metrics] instance, creating it
// on first call using [otel.GetMeterProvider]. Subsequent calls return the
// same pointer. Panics if instrument creation fails (should not happen with
// the global provider).
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

// RecordMutation records a room mutation counter increment with the
// standard attribute set.
func (m *Metrics) RecordMutation(ctx context.Context, event string) {
	m.RoomMutations.Add(ctx, 1, metric.WithAttributes(attribute.String("event", event)))
}
