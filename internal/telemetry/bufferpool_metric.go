package internaltelemetry

import (
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"
)

// BufferPoolMetrics holds the metric instruments for the buffer pool manager.
type BufferPoolMetrics struct {
	HitsCounter         metric.Int64Counter
	MissesCounter       metric.Int64Counter
	EvictionsCounter    metric.Int64Counter
	FlushesCounter      metric.Int64Counter
	ExhaustedCounter    metric.Int64Counter
	PinnedUpDownCounter metric.Int64UpDownCounter
}

// NewBufferPoolMetrics creates and registers all the metrics for the buffer pool.
func NewBufferPoolMetrics(meter metric.Meter) (*BufferPoolMetrics, error) {
	hits, err := meter.Int64Counter(
		"gojodb.bufferpool.hits_total",
		metric.WithDescription("Page requests served from a resident frame."),
		metric.WithUnit("1"),
	)
	if err != nil {
		return nil, err
	}

	misses, err := meter.Int64Counter(
		"gojodb.bufferpool.misses_total",
		metric.WithDescription("Page requests that had to read from disk."),
		metric.WithUnit("1"),
	)
	if err != nil {
		return nil, err
	}

	evictions, err := meter.Int64Counter(
		"gojodb.bufferpool.evictions_total",
		metric.WithDescription("Frames reclaimed through the replacer."),
		metric.WithUnit("1"),
	)
	if err != nil {
		return nil, err
	}

	flushes, err := meter.Int64Counter(
		"gojodb.bufferpool.flushes_total",
		metric.WithDescription("Pages written back to disk."),
		metric.WithUnit("1"),
	)
	if err != nil {
		return nil, err
	}

	exhausted, err := meter.Int64Counter(
		"gojodb.bufferpool.exhausted_total",
		metric.WithDescription("Requests rejected because every frame was pinned."),
		metric.WithUnit("1"),
	)
	if err != nil {
		return nil, err
	}

	pinned, err := meter.Int64UpDownCounter(
		"gojodb.bufferpool.pinned_frames",
		metric.WithDescription("Frames with a non-zero pin count."),
		metric.WithUnit("1"),
	)
	if err != nil {
		return nil, err
	}

	return &BufferPoolMetrics{
		HitsCounter:         hits,
		MissesCounter:       misses,
		EvictionsCounter:    evictions,
		FlushesCounter:      flushes,
		ExhaustedCounter:    exhausted,
		PinnedUpDownCounter: pinned,
	}, nil
}

// NoopBufferPoolMetrics returns instruments that record nothing.
func NoopBufferPoolMetrics() *BufferPoolMetrics {
	m, _ := NewBufferPoolMetrics(noop.NewMeterProvider().Meter(""))
	return m
}
