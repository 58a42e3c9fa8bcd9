// Package observe provides OpenTelemetry metrics and tracing for Kaiwa.
//
// Metrics are registered against the global meter provider and exported via
// the Prometheus bridge set up in [InitProvider]. Spans use the global tracer
// provider. Both are safe to use before InitProvider runs; they simply record
// to the no-op providers in that case.
package observe

import (
	"context"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// meterName is the instrumentation scope name for all Kaiwa metrics.
const meterName = "github.com/mntsk/kaiwa"

// latencyBuckets covers the range from fast provider round-trips (tens of
// milliseconds) up to slow LLM generations (tens of seconds).
var latencyBuckets = []float64{0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30}

// Metrics holds all instruments recorded by the voice pipeline.
type Metrics struct {
	// STTDuration measures speech-to-text latency per utterance in seconds,
	// labelled by provider.
	STTDuration metric.Float64Histogram

	// LLMDuration measures full response generation time in seconds, from
	// request to stream close, labelled by provider and model.
	LLMDuration metric.Float64Histogram

	// TTSDuration measures per-segment synthesis latency in seconds,
	// labelled by provider.
	TTSDuration metric.Float64Histogram

	// TurnDuration measures a whole conversational turn in seconds, from
	// utterance close to the final delivered segment.
	TurnDuration metric.Float64Histogram

	// FirstAudioDuration measures time-to-first-audio in seconds: utterance
	// close until the first synthesized segment is ready for delivery. This
	// is the latency the user actually perceives.
	FirstAudioDuration metric.Float64Histogram

	// HTTPRequestDuration measures inbound HTTP request handling in seconds.
	HTTPRequestDuration metric.Float64Histogram

	// ProviderRequests counts outbound provider calls, labelled by kind
	// (stt, llm, tts) and provider.
	ProviderRequests metric.Int64Counter

	// ProviderErrors counts failed provider calls with the same labels.
	ProviderErrors metric.Int64Counter

	// SynthesisFailures counts segments whose synthesis failed or timed out
	// and were delivered as silent no-ops.
	SynthesisFailures metric.Int64Counter

	// PlaybackErrors counts playback failures that were skipped over.
	PlaybackErrors metric.Int64Counter

	// WakeDetections counts wake phrase detections, labelled by phrase.
	WakeDetections metric.Int64Counter

	// TurnCancellations counts user-initiated cancellations of in-flight
	// turns.
	TurnCancellations metric.Int64Counter

	// ActiveSessions tracks currently connected transport sessions.
	ActiveSessions metric.Int64UpDownCounter
}

// NewMetrics creates all instruments on the given meter provider.
func NewMetrics(mp metric.MeterProvider) (*Metrics, error) {
	meter := mp.Meter(meterName)
	m := &Metrics{}

	var err error
	if m.STTDuration, err = meter.Float64Histogram("kaiwa.stt.duration",
		metric.WithDescription("Speech-to-text latency per utterance"),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if m.LLMDuration, err = meter.Float64Histogram("kaiwa.llm.duration",
		metric.WithDescription("Response generation time from request to stream close"),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if m.TTSDuration, err = meter.Float64Histogram("kaiwa.tts.duration",
		metric.WithDescription("Per-segment synthesis latency"),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if m.TurnDuration, err = meter.Float64Histogram("kaiwa.turn.duration",
		metric.WithDescription("Whole conversational turn duration"),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if m.FirstAudioDuration, err = meter.Float64Histogram("kaiwa.first_audio.duration",
		metric.WithDescription("Time from utterance close to first synthesized segment"),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if m.HTTPRequestDuration, err = meter.Float64Histogram("kaiwa.http.request.duration",
		metric.WithDescription("Inbound HTTP request duration"),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if m.ProviderRequests, err = meter.Int64Counter("kaiwa.provider.requests",
		metric.WithDescription("Outbound provider calls"),
	); err != nil {
		return nil, err
	}
	if m.ProviderErrors, err = meter.Int64Counter("kaiwa.provider.errors",
		metric.WithDescription("Failed outbound provider calls"),
	); err != nil {
		return nil, err
	}
	if m.SynthesisFailures, err = meter.Int64Counter("kaiwa.synthesis.failures",
		metric.WithDescription("Segments delivered as silent no-ops after synthesis failure"),
	); err != nil {
		return nil, err
	}
	if m.PlaybackErrors, err = meter.Int64Counter("kaiwa.playback.errors",
		metric.WithDescription("Playback failures skipped during delivery"),
	); err != nil {
		return nil, err
	}
	if m.WakeDetections, err = meter.Int64Counter("kaiwa.wake.detections",
		metric.WithDescription("Wake phrase detections"),
	); err != nil {
		return nil, err
	}
	if m.TurnCancellations, err = meter.Int64Counter("kaiwa.turn.cancellations",
		metric.WithDescription("User-initiated cancellations of in-flight turns"),
	); err != nil {
		return nil, err
	}
	if m.ActiveSessions, err = meter.Int64UpDownCounter("kaiwa.active_sessions",
		metric.WithDescription("Currently connected transport sessions"),
	); err != nil {
		return nil, err
	}

	return m, nil
}

var (
	defaultMetrics     *Metrics
	defaultMetricsOnce sync.Once
)

// DefaultMetrics returns the process-wide [Metrics] instance built on the
// globally registered meter provider. Call [InitProvider] first so the
// instruments export somewhere useful.
func DefaultMetrics() *Metrics {
	defaultMetricsOnce.Do(func() {
		m, err := NewMetrics(otel.GetMeterProvider())
		if err != nil {
			// Instrument creation only fails on invalid names, which is a
			// programming error.
			panic(err)
		}
		defaultMetrics = m
	})
	return defaultMetrics
}

// Attr builds an attribute recording option from alternating key/value string
// pairs. A trailing unpaired key is ignored.
func Attr(kv ...string) metric.MeasurementOption {
	attrs := make([]attribute.KeyValue, 0, len(kv)/2)
	for i := 0; i+1 < len(kv); i += 2 {
		attrs = append(attrs, attribute.String(kv[i], kv[i+1]))
	}
	return metric.WithAttributes(attrs...)
}

// RecordProviderCall records a completed outbound provider call: its latency
// on the matching histogram plus the request and (if failed) error counters.
// kind is one of "stt", "llm", "tts".
func (m *Metrics) RecordProviderCall(ctx context.Context, kind, provider string, d time.Duration, err error) {
	attrs := Attr("kind", kind, "provider", provider)
	m.ProviderRequests.Add(ctx, 1, attrs)
	if err != nil {
		m.ProviderErrors.Add(ctx, 1, attrs)
	}
	switch kind {
	case "stt":
		m.STTDuration.Record(ctx, d.Seconds(), Attr("provider", provider))
	case "llm":
		m.LLMDuration.Record(ctx, d.Seconds(), Attr("provider", provider))
	case "tts":
		m.TTSDuration.Record(ctx, d.Seconds(), Attr("provider", provider))
	}
}

// RecordTurn records a completed turn, including time-to-first-audio when a
// first segment was delivered (firstAudio > 0).
func (m *Metrics) RecordTurn(ctx context.Context, total, firstAudio time.Duration) {
	m.TurnDuration.Record(ctx, total.Seconds())
	if firstAudio > 0 {
		m.FirstAudioDuration.Record(ctx, firstAudio.Seconds())
	}
}
