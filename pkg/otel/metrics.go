package otel

import (
	"errors"

	"go.opentelemetry.io/otel/metric"
)

type EngineMetrics struct {
	BatchesStarted   metric.Int64Counter
	BatchesCompleted metric.Int64Counter
	BatchesRunning   metric.Int64UpDownCounter
	ItemsCompleted   metric.Int64Counter
	ItemsFailed      metric.Int64Counter
	ItemsSkipped     metric.Int64Counter
}

func NewMetrics(meter metric.Meter) (*EngineMetrics, error) {
	var errJoin error

	batchesStartedTotal, err := meter.Int64Counter("batch_operations_started", metric.WithDescription("Number of batch operations started"))
	errJoin = errors.Join(errJoin, err)

	batchesCompletedTotal, err := meter.Int64Counter("batch_operations_completed", metric.WithDescription("Number of batch operations completed"))
	errJoin = errors.Join(errJoin, err)

	batchesRunning, err := meter.Int64UpDownCounter("batch_operations_running", metric.WithDescription("Number of batch operations currently running"))
	errJoin = errors.Join(errJoin, err)

	itemsCompleted, err := meter.Int64Counter("batch_operation_items_completed", metric.WithDescription("Number of batch operation items completed"))
	errJoin = errors.Join(errJoin, err)

	itemsFailed, err := meter.Int64Counter("batch_operation_items_failed", metric.WithDescription("Number of batch operation items failed"))
	errJoin = errors.Join(errJoin, err)

	itemsSkipped, err := meter.Int64Counter("batch_operation_items_skipped", metric.WithDescription("Number of batch operation items skipped"))
	errJoin = errors.Join(errJoin, err)

	metrics := EngineMetrics{
		BatchesStarted:   batchesStartedTotal,
		BatchesCompleted: batchesCompletedTotal,
		BatchesRunning:   batchesRunning,
		ItemsCompleted:   itemsCompleted,
		ItemsFailed:      itemsFailed,
		ItemsSkipped:     itemsSkipped,
	}
	return &metrics, errJoin
}
