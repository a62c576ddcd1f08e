package observability

import (
	"context"
	"fmt"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// QueryMetrics holds custom metrics for engine operations.
type QueryMetrics struct {
	operationDuration metric.Float64Histogram
	operationCounter  metric.Int64Counter
	errorCounter      metric.Int64Counter
	rowsReturned      metric.Int64Histogram
	statementCount    metric.Int64Histogram
	batchParentCount  metric.Int64Histogram
	batchResultRows   metric.Int64Histogram
}

// InitQueryMetrics initializes engine operation metrics.
func InitQueryMetrics() (*QueryMetrics, error) {
	meter := otel.Meter("testhealth")

	operationDuration, err := meter.Float64Histogram(
		"engine.operation.duration",
		metric.WithDescription("Duration of engine operations in milliseconds"),
		metric.WithUnit("ms"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create operation duration histogram: %w", err)
	}

	operationCounter, err := meter.Int64Counter(
		"engine.operations.total",
		metric.WithDescription("Total number of engine operations"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create operation counter: %w", err)
	}

	errorCounter, err := meter.Int64Counter(
		"engine.errors.total",
		metric.WithDescription("Total number of failed engine operations"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create error counter: %w", err)
	}

	rowsReturned, err := meter.Int64Histogram(
		"engine.results.rows",
		metric.WithDescription("Number of rows returned by read operations"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create rows returned histogram: %w", err)
	}

	statementCount, err := meter.Int64Histogram(
		"engine.mutation.statements",
		metric.WithDescription("Number of statements executed per mutation"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create statement count histogram: %w", err)
	}

	batchParentCount, err := meter.Int64Histogram(
		"engine.batch.parent_count",
		metric.WithDescription("Number of parent keys in a relation batch load"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create batch parent count histogram: %w", err)
	}

	batchResultRows, err := meter.Int64Histogram(
		"engine.batch.result_rows",
		metric.WithDescription("Number of rows returned by a relation batch load"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create batch result rows histogram: %w", err)
	}

	return &QueryMetrics{
		operationDuration: operationDuration,
		operationCounter:  operationCounter,
		errorCounter:      errorCounter,
		rowsReturned:      rowsReturned,
		statementCount:    statementCount,
		batchParentCount:  batchParentCount,
		batchResultRows:   batchResultRows,
	}, nil
}

// RecordOperation records one engine operation with its duration and outcome.
func (m *QueryMetrics) RecordOperation(ctx context.Context, entity, operation string, duration time.Duration, failed bool) {
	if m == nil {
		return
	}
	attrs := []attribute.KeyValue{
		attribute.String("entity", entity),
		attribute.String("operation", operation),
	}
	m.operationDuration.Record(ctx, float64(duration.Milliseconds()), metric.WithAttributes(attrs...))
	m.operationCounter.Add(ctx, 1, metric.WithAttributes(attrs...))
	if failed {
		m.errorCounter.Add(ctx, 1, metric.WithAttributes(attrs...))
	}
}

// RecordRows records the row count of a read operation.
func (m *QueryMetrics) RecordRows(ctx context.Context, entity string, count int64) {
	if m == nil {
		return
	}
	m.rowsReturned.Record(ctx, count, metric.WithAttributes(attribute.String("entity", entity)))
}

// RecordStatements records how many statements one mutation executed.
func (m *QueryMetrics) RecordStatements(ctx context.Context, entity string, count int64) {
	if m == nil {
		return
	}
	m.statementCount.Record(ctx, count, metric.WithAttributes(attribute.String("entity", entity)))
}

// RecordBatch records the shape of a relation batch load.
func (m *QueryMetrics) RecordBatch(ctx context.Context, relation string, parents, rows int64) {
	if m == nil {
		return
	}
	attrs := metric.WithAttributes(attribute.String("relation", relation))
	m.batchParentCount.Record(ctx, parents, attrs)
	m.batchResultRows.Record(ctx, rows, attrs)
}
