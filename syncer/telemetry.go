package syncer

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/mkesani1/stockclerk-sub001/common/metrics"
	"github.com/mkesani1/stockclerk-sub001/model"
)

// TelemetryMiddleware wraps a Service with tracing spans and sync metrics.
type TelemetryMiddleware struct {
	next    Service
	tracer  trace.Tracer
	metrics *metrics.SyncMetrics
}

func NewTelemetryMiddleware(next Service, m *metrics.SyncMetrics) *TelemetryMiddleware {
	return &TelemetryMiddleware{
		next:    next,
		tracer:  otel.Tracer("syncer"),
		metrics: m,
	}
}

func (t *TelemetryMiddleware) ApplyStockChange(ctx context.Context, change model.StockChange) error {
	ctx, span := t.tracer.Start(ctx, "syncer.ApplyStockChange")
	defer span.End()
	span.SetAttributes(
		attribute.String("tenant.id", change.TenantID),
		attribute.String("channel.id", change.SourceChannelID),
		attribute.String("change.type", string(change.ChangeType)),
	)

	t.metrics.StockChangesTotal.WithLabelValues(string(change.ChangeType)).Inc()

	err := t.next.ApplyStockChange(ctx, change)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	return err
}

func (t *TelemetryMiddleware) RunSyncJob(ctx context.Context, job model.SyncJob) error {
	ctx, span := t.tracer.Start(ctx, fmt.Sprintf("syncer.RunSyncJob.%s", job.Operation))
	defer span.End()
	span.SetAttributes(
		attribute.String("tenant.id", job.TenantID),
		attribute.String("sync.operation", string(job.Operation)),
		attribute.Int("sync.products", len(job.ProductIDs)),
	)

	err := t.next.RunSyncJob(ctx, job)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	return err
}

var _ Service = (*TelemetryMiddleware)(nil)
