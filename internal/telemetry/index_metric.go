package internaltelemetry

import (
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"
)

// Index operation names used for the "op" attribute.
const (
	OpSearch  = "search"
	OpInsert  = "insert"
	OpDelete  = "delete"
	OpIterate = "iterate"
)

// IndexMetrics holds the metric instruments for B+tree indexes.
type IndexMetrics struct {
	OpsCounter             metric.Int64Counter
	OpLatencyHistogram     metric.Float64Histogram
	SplitsCounter          metric.Int64Counter
	MergesCounter          metric.Int64Counter
	RedistributionsCounter metric.Int64Counter
}

// NewIndexMetrics creates and registers all the metrics for the index layer.
func NewIndexMetrics(meter metric.Meter) (*IndexMetrics, error) {
	ops, err := meter.Int64Counter(
		"gojodb.btree.operations_total",
		metric.WithDescription("Index operations by op and outcome."),
		metric.WithUnit("1"),
	)
	if err != nil {
		return nil, err
	}

	latency, err := meter.Float64Histogram(
		"gojodb.btree.operation.duration",
		metric.WithDescription("The latency of index operations."),
		metric.WithUnit("ms"),
	)
	if err != nil {
		return nil, err
	}

	splits, err := meter.Int64Counter(
		"gojodb.btree.splits_total",
		metric.WithDescription("Node splits by node kind."),
		metric.WithUnit("1"),
	)
	if err != nil {
		return nil, err
	}

	merges, err := meter.Int64Counter(
		"gojodb.btree.merges_total",
		metric.WithDescription("Node merges by node kind."),
		metric.WithUnit("1"),
	)
	if err != nil {
		return nil, err
	}

	redistributions, err := meter.Int64Counter(
		"gojodb.btree.redistributions_total",
		metric.WithDescription("Entries borrowed from a sibling to fix an underflow."),
		metric.WithUnit("1"),
	)
	if err != nil {
		return nil, err
	}

	return &IndexMetrics{
		OpsCounter:             ops,
		OpLatencyHistogram:     latency,
		SplitsCounter:          splits,
		MergesCounter:          merges,
		RedistributionsCounter: redistributions,
	}, nil
}

// NoopIndexMetrics returns instruments that record nothing.
func NoopIndexMetrics() *IndexMetrics {
	m, _ := NewIndexMetrics(noop.NewMeterProvider().Meter(""))
	return m
}

// OpAttributes builds the attribute set shared by the operation instruments.
func OpAttributes(op string, err error) metric.MeasurementOption {
	outcome := "ok"
	if err != nil {
		outcome = "error"
	}
	return metric.WithAttributes(attribute.String("op", op), attribute.String("outcome", outcome))
}

// NodeKindAttributes tags structural change counters with the node kind.
func NodeKindAttributes(kind string) metric.MeasurementOption {
	return metric.WithAttributes(attribute.String("kind", kind))
}
