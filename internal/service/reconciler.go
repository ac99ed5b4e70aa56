package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/promoflow/promoflow/internal/catalog"
	"github.com/promoflow/promoflow/internal/domain"
	"github.com/promoflow/promoflow/internal/repository"
	"github.com/promoflow/promoflow/internal/scheduler"
	"github.com/promoflow/promoflow/pkg/tracing"
)

// ReconcileOptions control one reconciliation pass.
type ReconcileOptions struct {
	// DryRun reports drift without repairing it.
	DryRun bool
	// PendingGrace is how old a marker must be before its operation is
	// considered abandoned.
	PendingGrace time.Duration
}

// ReconcileReport summarises a pass.
type ReconcileReport struct {
	StartedAt   time.Time      `json:"started_at"`
	FinishedAt  time.Time      `json:"finished_at"`
	DryRun      bool           `json:"dry_run"`
	JobsSeen    int            `json:"jobs_seen"`
	RecordsSeen int            `json:"records_seen"`
	Drift       []domain.Drift `json:"drift"`
}

// Repaired counts drift items that were fixed.
func (r *ReconcileReport) Repaired() int {
	n := 0
	for _, d := range r.Drift {
		if d.Repaired {
			n++
		}
	}
	return n
}

type pair struct {
	merchantID string
	key        domain.PromotionKey
}

// Reconciler finds and repairs disagreement between the scheduler and the
// store. When an outcome is ambiguous it prefers off: the job is deleted and
// the record removed, and the merchant can simply activate again.
type Reconciler struct {
	catalog     *catalog.Catalog
	store       repository.ActivePromotionStore
	transitions repository.TransitionStore
	scheduler   scheduler.Client
	events      EventPublisher
	metrics     *Metrics
	tracer      trace.Tracer
	logger      *slog.Logger
	now         func() time.Time
}

// NewReconciler wires the reconciler. metrics may be nil.
func NewReconciler(
	cat *catalog.Catalog,
	store repository.ActivePromotionStore,
	transitions repository.TransitionStore,
	sched scheduler.Client,
	events EventPublisher,
	metrics *Metrics,
	logger *slog.Logger,
) *Reconciler {
	if metrics == nil {
		metrics = NewMetrics(prometheus.NewRegistry())
	}
	return &Reconciler{
		catalog:     cat,
		store:       store,
		transitions: transitions,
		scheduler:   sched,
		events:      events,
		metrics:     metrics,
		tracer:      tracing.Tracer(tracerName),
		logger:      logger,
		now:         time.Now,
	}
}

// Reconcile runs one pass. It fails only when the current state cannot be
// read; individual repair failures are recorded on the drift items.
//
// Records are read before jobs and markers last. An activation creates its
// job before its record and clears its marker after both, so a pair caught
// mid-activation shows up as in flight or, at worst, as a job without a
// record that is re-checked before anything is deleted.
func (r *Reconciler) Reconcile(ctx context.Context, opts ReconcileOptions) (*ReconcileReport, error) {
	ctx, span := r.tracer.Start(ctx, "reconciler.Reconcile",
		trace.WithAttributes(attribute.Bool("reconcile.dry_run", opts.DryRun)))
	defer span.End()

	report := &ReconcileReport{StartedAt: r.now().UTC(), DryRun: opts.DryRun, Drift: []domain.Drift{}}

	records, err := r.store.ListAll(ctx)
	if err != nil {
		return nil, fmt.Errorf("reconcile: list active promotions: %w", err)
	}
	jobIDs, err := r.scheduler.ListJobIDs(ctx)
	if err != nil {
		return nil, fmt.Errorf("reconcile: list scheduler jobs: %w", err)
	}
	markers, err := r.transitions.ListPending(ctx, opts.PendingGrace)
	if err != nil {
		return nil, fmt.Errorf("reconcile: list pending markers: %w", err)
	}
	report.JobsSeen, report.RecordsSeen = len(jobIDs), len(records)

	active := make(map[pair]bool, len(records))
	for _, rec := range records {
		active[pair{rec.MerchantID, rec.PromotionKey}] = true
	}

	type job struct {
		id string
		p  pair
	}
	var known []job
	scheduled := make(map[pair]bool, len(jobIDs))
	for _, id := range jobIDs {
		key, merchantID, ok := r.catalog.ResolveJobID(id)
		if !ok {
			r.record(ctx, report, domain.Drift{Kind: domain.DriftUnknownJob, JobID: id})
			continue
		}
		p := pair{merchantID, key}
		known = append(known, job{id: id, p: p})
		scheduled[p] = true
	}

	inFlight := make(map[pair]bool, len(markers))
	handled := make(map[pair]bool)

	for _, m := range markers {
		p := pair{m.MerchantID, m.PromotionKey}
		if !m.Stale {
			inFlight[p] = true
			continue
		}
		if m.Operation == domain.OpActivation && scheduled[p] && active[p] {
			// The activation finished; only its marker was left behind.
			if !opts.DryRun {
				r.dropMarker(ctx, p, m.Operation)
			}
			continue
		}
		d := domain.Drift{
			Kind:         domain.DriftStalePending,
			MerchantID:   m.MerchantID,
			PromotionKey: m.PromotionKey,
			JobID:        domain.JobID(m.PromotionKey, m.MerchantID),
			Operation:    m.Operation,
		}
		if !opts.DryRun {
			r.repair(ctx, &d, r.driveOff(ctx, p, m.Operation))
		}
		handled[p] = true
		r.record(ctx, report, d)
	}

	for _, j := range known {
		if active[j.p] || inFlight[j.p] || handled[j.p] {
			continue
		}
		d := domain.Drift{Kind: domain.DriftOrphanJob, MerchantID: j.p.merchantID, PromotionKey: j.p.key, JobID: j.id}
		// The snapshot is not atomic: an activation may have written its
		// record since ListAll ran.
		nowActive, err := r.store.IsActive(ctx, j.p.merchantID, j.p.key)
		switch {
		case err != nil:
			d.Error = fmt.Sprintf("re-check record: %v", err)
		case nowActive:
			continue
		case !opts.DryRun:
			r.repair(ctx, &d, r.deleteJob(ctx, j.id))
		}
		r.record(ctx, report, d)
	}

	for _, rec := range records {
		p := pair{rec.MerchantID, rec.PromotionKey}
		if scheduled[p] || inFlight[p] || handled[p] {
			continue
		}
		d := domain.Drift{
			Kind:         domain.DriftPhantomRecord,
			MerchantID:   rec.MerchantID,
			PromotionKey: rec.PromotionKey,
			JobID:        domain.JobID(rec.PromotionKey, rec.MerchantID),
		}
		if !opts.DryRun {
			r.repair(ctx, &d, r.removeRecord(ctx, p))
		}
		r.record(ctx, report, d)
	}

	report.FinishedAt = r.now().UTC()
	r.metrics.lastRun.Set(float64(report.FinishedAt.Unix()))
	span.SetAttributes(
		attribute.Int("reconcile.drift", len(report.Drift)),
		attribute.Int("reconcile.repaired", report.Repaired()),
	)
	r.logger.InfoContext(ctx, "reconciliation finished",
		slog.Bool("dry_run", opts.DryRun),
		slog.Int("jobs", report.JobsSeen),
		slog.Int("records", report.RecordsSeen),
		slog.Int("drift", len(report.Drift)),
		slog.Int("repaired", report.Repaired()),
	)
	return report, nil
}

// dropMarker clears a leftover marker on a pair that is already consistent.
func (r *Reconciler) dropMarker(ctx context.Context, p pair, op domain.TransitionOp) {
	if _, err := r.transitions.ClearPending(ctx, p.merchantID, p.key, op); err != nil {
		r.logger.WarnContext(ctx, "failed to clear leftover pending marker",
			slog.String("job_id", domain.JobID(p.key, p.merchantID)),
			slog.String("error", err.Error()),
		)
		return
	}
	r.logger.InfoContext(ctx, "cleared leftover pending marker",
		slog.String("job_id", domain.JobID(p.key, p.merchantID)),
		slog.String("operation", string(op)),
	)
}

// driveOff takes an abandoned pair to inactive and drops its marker.
func (r *Reconciler) driveOff(ctx context.Context, p pair, op domain.TransitionOp) error {
	if err := r.deleteJob(ctx, domain.JobID(p.key, p.merchantID)); err != nil {
		return err
	}
	if err := r.removeRecord(ctx, p); err != nil {
		return err
	}
	if _, err := r.transitions.ClearPending(ctx, p.merchantID, p.key, op); err != nil {
		return fmt.Errorf("clear marker: %w", err)
	}
	return nil
}

func (r *Reconciler) deleteJob(ctx context.Context, jobID string) error {
	err := r.scheduler.DeleteRecurringJob(ctx, jobID)
	if err != nil && !errors.Is(err, scheduler.ErrJobNotFound) {
		return fmt.Errorf("delete job: %w", err)
	}
	return nil
}

func (r *Reconciler) removeRecord(ctx context.Context, p pair) error {
	err := r.store.Remove(ctx, p.merchantID, p.key)
	if err != nil && !errors.Is(err, domain.ErrNotActive) {
		return fmt.Errorf("remove record: %w", err)
	}
	return nil
}

func (r *Reconciler) repair(ctx context.Context, d *domain.Drift, err error) {
	if err != nil {
		d.Error = err.Error()
		r.logger.ErrorContext(ctx, "failed to repair drift",
			slog.String("kind", string(d.Kind)),
			slog.String("job_id", d.JobID),
			slog.String("error", err.Error()),
		)
		return
	}
	d.Repaired = true
}

func (r *Reconciler) record(ctx context.Context, report *ReconcileReport, d domain.Drift) {
	report.Drift = append(report.Drift, d)
	r.metrics.drift.WithLabelValues(string(d.Kind), strconv.FormatBool(d.Repaired)).Inc()
	r.logger.WarnContext(ctx, "drift detected",
		slog.String("kind", string(d.Kind)),
		slog.String("merchant_id", d.MerchantID),
		slog.String("job_id", d.JobID),
		slog.Bool("repaired", d.Repaired),
	)
	if err := r.events.DriftDetected(ctx, d); err != nil {
		r.logger.WarnContext(ctx, "failed to publish drift event", slog.String("error", err.Error()))
	}
}
