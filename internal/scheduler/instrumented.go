package scheduler

import (
	"context"
	"errors"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/promoflow/promoflow/pkg/tracing"
)

const tracerName = "github.com/promoflow/promoflow/internal/scheduler"

// Instrumented records a span and a latency observation per call.
type Instrumented struct {
	next     Client
	backend  string
	tracer   trace.Tracer
	duration *prometheus.HistogramVec
}

// NewInstrumented wraps next. backend labels the metrics ("http",
// "cloud").
func NewInstrumented(next Client, backend string, reg prometheus.Registerer) *Instrumented {
	return &Instrumented{
		next:    next,
		backend: backend,
		tracer:  tracing.Tracer(tracerName),
		duration: promauto.With(reg).NewHistogramVec(prometheus.HistogramOpts{
			Name:    "promoflow_scheduler_request_duration_seconds",
			Help:    "Latency of external scheduler calls by operation and outcome",
			Buckets: []float64{.05, .1, .25, .5, 1, 2.5, 5, 10},
		}, []string{"backend", "operation", "outcome"}),
	}
}

func (i *Instrumented) CreateRecurringJob(ctx context.Context, jobID, targetURL, cronSchedule string) error {
	return i.observe(ctx, "create", jobID, func(ctx context.Context) error {
		return i.next.CreateRecurringJob(ctx, jobID, targetURL, cronSchedule)
	})
}

func (i *Instrumented) DeleteRecurringJob(ctx context.Context, jobID string) error {
	return i.observe(ctx, "delete", jobID, func(ctx context.Context) error {
		return i.next.DeleteRecurringJob(ctx, jobID)
	})
}

func (i *Instrumented) ListJobIDs(ctx context.Context) (ids []string, err error) {
	err = i.observe(ctx, "list", "", func(ctx context.Context) error {
		ids, err = i.next.ListJobIDs(ctx)
		return err
	})
	return ids, err
}

func (i *Instrumented) observe(ctx context.Context, op, jobID string, fn func(context.Context) error) error {
	ctx, span := i.tracer.Start(ctx, "scheduler."+op,
		trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(attribute.String("scheduler.backend", i.backend)),
	)
	defer span.End()
	if jobID != "" {
		span.SetAttributes(attribute.String("scheduler.job_id", jobID))
	}

	start := time.Now()
	err := fn(ctx)
	outcome := Outcome(err)
	i.duration.WithLabelValues(i.backend, op, outcome).Observe(time.Since(start).Seconds())

	span.SetAttributes(attribute.String("scheduler.outcome", outcome))
	if outcome == "error" {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	return err
}

// Outcome classifies err for metrics: "ok", "exists", "not_found",
// "timeout" or "error".
func Outcome(err error) string {
	switch {
	case err == nil:
		return "ok"
	case errors.Is(err, ErrJobExists):
		return "exists"
	case errors.Is(err, ErrJobNotFound):
		return "not_found"
	case errors.Is(err, context.DeadlineExceeded):
		return "timeout"
	default:
		return "error"
	}
}
