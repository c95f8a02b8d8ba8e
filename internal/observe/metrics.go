// Package observe provides application-wide observability primitives for
// Voxbridge: OpenTelemetry metrics and the Prometheus exporter bridge.
//
// Metrics are recorded through the OpenTelemetry Metrics API. A Prometheus
// exporter bridge is available via [InitProvider] so that metrics can be
// scraped via the standard /metrics endpoint. A package-level default
// [Metrics] instance ([DefaultMetrics]) is provided for convenience; tests
// should use [NewMetrics] with a custom [metric.MeterProvider] to avoid
// cross-test pollution.
package observe

import (
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// meterName is the instrumentation scope name used for all Voxbridge metrics.
const meterName = "github.com/voxbridge/voxbridge"

// Metrics holds all OpenTelemetry metric instruments for the application.
// All fields are safe for concurrent use — the underlying OTel types handle
// their own synchronisation.
type Metrics struct {
	// --- Pre-connect relay ---

	// PreconnectChunks counts byte chunks received on pre-connect streams.
	PreconnectChunks metric.Int64Counter

	// PreconnectBytes counts bytes received on pre-connect streams.
	PreconnectBytes metric.Int64Counter

	// PreconnectFrames counts frames appended to model input buffers by the
	// relay, including flush frames.
	PreconnectFrames metric.Int64Counter

	// PreconnectDropped counts chunks that were queued but never processed
	// because the relay was cancelled under the prompt-shutdown policy.
	PreconnectDropped metric.Int64Counter

	// RelayDuration tracks wall-clock relay lifetime from first chunk to
	// commit. Use with attribute.String("outcome", "ok"|"error"|"cancelled").
	RelayDuration metric.Float64Histogram

	// ActiveRelays tracks the number of currently running relays.
	ActiveRelays metric.Int64UpDownCounter

	// --- Model sessions ---

	// ActiveSessions tracks the number of live model sessions.
	ActiveSessions metric.Int64UpDownCounter

	// SessionAudioBytes counts synthesised audio bytes received from model
	// sessions.
	SessionAudioBytes metric.Int64Counter

	// TranscriptEntries counts transcript entries published by model
	// sessions. Use with attribute.String("speaker", "user"|"agent").
	TranscriptEntries metric.Int64Counter

	// --- Errors ---

	// ProviderErrors counts provider errors. Use with attributes:
	//   attribute.String("provider", ...), attribute.String("kind", ...)
	ProviderErrors metric.Int64Counter
}

// latencyBuckets defines histogram bucket boundaries (in seconds) sized for
// pre-connect bursts, which normally span well under ten seconds.
var latencyBuckets = []float64{
	0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10,
}

// NewMetrics creates a fully initialised [Metrics] struct using the given
// [metric.MeterProvider]. Returns an error if any instrument creation fails.
func NewMetrics(mp metric.MeterProvider) (*Metrics, error) {
	m := mp.Meter(meterName)
	var err error
	met := &Metrics{}

	if met.PreconnectChunks, err = m.Int64Counter("voxbridge.preconnect.chunks",
		metric.WithDescription("Byte chunks received on pre-connect audio streams."),
	); err != nil {
		return nil, err
	}
	if met.PreconnectBytes, err = m.Int64Counter("voxbridge.preconnect.bytes",
		metric.WithDescription("Bytes received on pre-connect audio streams."),
		metric.WithUnit("By"),
	); err != nil {
		return nil, err
	}
	if met.PreconnectFrames, err = m.Int64Counter("voxbridge.preconnect.frames",
		metric.WithDescription("Frames appended to model input buffers by pre-connect relays."),
	); err != nil {
		return nil, err
	}
	if met.PreconnectDropped, err = m.Int64Counter("voxbridge.preconnect.dropped_chunks",
		metric.WithDescription("Queued chunks dropped by relay cancellation."),
	); err != nil {
		return nil, err
	}
	if met.RelayDuration, err = m.Float64Histogram("voxbridge.preconnect.relay.duration",
		metric.WithDescription("Relay lifetime from start to commit, by outcome."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.ActiveRelays, err = m.Int64UpDownCounter("voxbridge.preconnect.active_relays",
		metric.WithDescription("Number of currently running pre-connect relays."),
	); err != nil {
		return nil, err
	}
	if met.ActiveSessions, err = m.Int64UpDownCounter("voxbridge.active_sessions",
		metric.WithDescription("Number of live model sessions."),
	); err != nil {
		return nil, err
	}
	if met.SessionAudioBytes, err = m.Int64Counter("voxbridge.session.audio_bytes",
		metric.WithDescription("Synthesised audio bytes received from model sessions."),
		metric.WithUnit("By"),
	); err != nil {
		return nil, err
	}
	if met.TranscriptEntries, err = m.Int64Counter("voxbridge.session.transcript_entries",
		metric.WithDescription("Transcript entries published by model sessions, by speaker."),
	); err != nil {
		return nil, err
	}
	if met.ProviderErrors, err = m.Int64Counter("voxbridge.provider.errors",
		metric.WithDescription("Total provider errors by provider and kind."),
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
