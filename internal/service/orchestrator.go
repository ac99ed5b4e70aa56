package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/promoflow/promoflow/internal/catalog"
	"github.com/promoflow/promoflow/internal/domain"
	"github.com/promoflow/promoflow/internal/repository"
	"github.com/promoflow/promoflow/internal/scheduler"
	apperrors "github.com/promoflow/promoflow/pkg/errors"
	"github.com/promoflow/promoflow/pkg/logger"
	"github.com/promoflow/promoflow/pkg/tracing"
	"github.com/promoflow/promoflow/pkg/validator"
)

const tracerName = "github.com/promoflow/promoflow/internal/service"

// EventPublisher announces lifecycle changes. Publishing is best effort:
// a failure is logged and never changes the outcome of an operation.
type EventPublisher interface {
	PromotionActivated(ctx context.Context, merchantID string, p domain.Promotion, jobID string) error
	PromotionDeactivated(ctx context.Context, res *domain.DeactivationResult) error
	DriftDetected(ctx context.Context, d domain.Drift) error
}

// Timeouts bound each network step of an operation.
type Timeouts struct {
	Scheduler time.Duration
	Store     time.Duration
}

// DefaultTimeouts are used when no Option overrides them.
func DefaultTimeouts() Timeouts {
	return Timeouts{Scheduler: 10 * time.Second, Store: 5 * time.Second}
}

// Option customises an Orchestrator.
type Option func(*Orchestrator)

// WithTimeouts overrides the per-step timeouts. Zero values keep defaults.
func WithTimeouts(t Timeouts) Option {
	return func(o *Orchestrator) {
		if t.Scheduler > 0 {
			o.timeouts.Scheduler = t.Scheduler
		}
		if t.Store > 0 {
			o.timeouts.Store = t.Store
		}
	}
}

// WithMetrics records operation outcomes on m.
func WithMetrics(m *Metrics) Option {
	return func(o *Orchestrator) {
		if m != nil {
			o.metrics = m
		}
	}
}

// Orchestrator keeps merchant intent, scheduler jobs and active records in
// agreement. The external job is always mutated before the store, in both
// directions, and a pending marker brackets every operation so that a crash
// in between can be found by the Reconciler.
type Orchestrator struct {
	catalog     *catalog.Catalog
	store       repository.ActivePromotionStore
	transitions repository.TransitionStore
	scheduler   scheduler.Client
	events      EventPublisher
	timeouts    Timeouts
	metrics     *Metrics
	tracer      trace.Tracer
	logger      *slog.Logger
}

// NewOrchestrator wires the orchestrator.
func NewOrchestrator(
	cat *catalog.Catalog,
	store repository.ActivePromotionStore,
	transitions repository.TransitionStore,
	sched scheduler.Client,
	events EventPublisher,
	logger *slog.Logger,
	opts ...Option,
) *Orchestrator {
	o := &Orchestrator{
		catalog:     cat,
		store:       store,
		transitions: transitions,
		scheduler:   sched,
		events:      events,
		timeouts:    DefaultTimeouts(),
		tracer:      tracing.Tracer(tracerName),
		logger:      logger,
	}
	for _, opt := range opts {
		opt(o)
	}
	if o.metrics == nil {
		o.metrics = NewMetrics(prometheus.NewRegistry())
	}
	return o
}

// Promotions returns the catalog, sorted by key.
func (o *Orchestrator) Promotions() []domain.Promotion {
	return o.catalog.All()
}

// Activate switches promotionName on for merchantID. Activating an already
// active promotion succeeds with StatusAlreadyActive and makes no scheduler
// call.
func (o *Orchestrator) Activate(ctx context.Context, merchantID, promotionName string) (res *domain.ActivationResult, err error) {
	ctx, span := o.startSpan(ctx, "Activate", merchantID, promotionName)
	defer func() { o.finish(span, "activate", statusOf(res), err) }()

	promo, err := o.resolve(merchantID, promotionName)
	if err != nil {
		return nil, err
	}
	log := logger.WithContext(ctx, o.logger).With(slog.String("promotion_key", promo.Key.String()))
	jobID := domain.JobID(promo.Key, merchantID)

	active, err := o.isActive(ctx, merchantID, promo.Key)
	if err != nil {
		return nil, domain.StoreUnavailable(err)
	}
	if active {
		return alreadyActive(merchantID, promo, jobID), nil
	}

	if err := o.markPending(ctx, merchantID, promo.Key, domain.OpActivation); err != nil {
		return nil, domain.StoreUnavailable(err)
	}

	schedCtx, cancel := context.WithTimeout(ctx, o.timeouts.Scheduler)
	err = o.scheduler.CreateRecurringJob(schedCtx, jobID, o.catalog.CallbackURL(promo, merchantID), promo.CronSchedule)
	cancel()
	switch {
	case err == nil:
	case errors.Is(err, scheduler.ErrJobExists):
		log.InfoContext(ctx, "scheduler job already exists, adopting it", slog.String("job_id", jobID))
	default:
		o.clearPending(ctx, log, merchantID, promo.Key, domain.OpActivation)
		log.ErrorContext(ctx, "failed to create scheduler job",
			slog.String("job_id", jobID),
			slog.String("error", err.Error()),
		)
		return nil, domain.SchedulingFailed(jobID, err)
	}

	storeCtx, cancel := context.WithTimeout(ctx, o.timeouts.Store)
	_, err = o.store.Insert(storeCtx, merchantID, promo.Key)
	cancel()
	if errors.Is(err, domain.ErrDuplicateActive) {
		o.clearPending(ctx, log, merchantID, promo.Key, domain.OpActivation)
		return alreadyActive(merchantID, promo, jobID), nil
	}
	if err != nil {
		// The job exists without a record. The marker stays so the
		// reconciler can drive the pair back to inactive.
		log.ErrorContext(ctx, "scheduler job created but activation not recorded",
			slog.String("job_id", jobID),
			slog.String("error", err.Error()),
		)
		return nil, domain.StoreUnavailable(err)
	}

	o.clearPending(ctx, log, merchantID, promo.Key, domain.OpActivation)

	if err := o.events.PromotionActivated(ctx, merchantID, promo, jobID); err != nil {
		log.WarnContext(ctx, "failed to publish promotion.activated", slog.String("error", err.Error()))
	}
	log.InfoContext(ctx, "promotion activated", slog.String("job_id", jobID))

	return &domain.ActivationResult{
		Status:       domain.StatusCreated,
		Message:      fmt.Sprintf("%s activated for merchant %s", promo.DisplayName, merchantID),
		JobID:        jobID,
		PromotionKey: promo.Key,
		MerchantID:   merchantID,
	}, nil
}

// Deactivate switches promotionName off. Missing jobs and records are not
// errors, so deactivating a never-activated promotion succeeds.
func (o *Orchestrator) Deactivate(ctx context.Context, merchantID, promotionName string) (res *domain.DeactivationResult, err error) {
	ctx, span := o.startSpan(ctx, "Deactivate", merchantID, promotionName)
	defer func() {
		status := ""
		if res != nil {
			status = res.Status
		}
		o.finish(span, "deactivate", status, err)
	}()

	promo, err := o.resolve(merchantID, promotionName)
	if err != nil {
		return nil, err
	}
	log := logger.WithContext(ctx, o.logger).With(slog.String("promotion_key", promo.Key.String()))
	jobID := domain.JobID(promo.Key, merchantID)

	if err := o.markPending(ctx, merchantID, promo.Key, domain.OpDeactivation); err != nil {
		return nil, domain.StoreUnavailable(err)
	}

	res = &domain.DeactivationResult{
		Status:       domain.StatusDeleted,
		JobID:        jobID,
		PromotionKey: promo.Key,
		MerchantID:   merchantID,
	}

	schedCtx, cancel := context.WithTimeout(ctx, o.timeouts.Scheduler)
	err = o.scheduler.DeleteRecurringJob(schedCtx, jobID)
	cancel()
	switch {
	case err == nil:
		res.JobDeleted = true
	case errors.Is(err, scheduler.ErrJobNotFound):
		log.DebugContext(ctx, "no scheduler job to delete", slog.String("job_id", jobID))
	default:
		o.clearPending(ctx, log, merchantID, promo.Key, domain.OpDeactivation)
		log.ErrorContext(ctx, "failed to delete scheduler job",
			slog.String("job_id", jobID),
			slog.String("error", err.Error()),
		)
		return nil, domain.UnschedulingFailed(jobID, err)
	}

	storeCtx, cancel := context.WithTimeout(ctx, o.timeouts.Store)
	err = o.store.Remove(storeCtx, merchantID, promo.Key)
	cancel()
	switch {
	case err == nil:
		res.RecordRemoved = true
	case errors.Is(err, domain.ErrNotActive):
	default:
		log.ErrorContext(ctx, "scheduler job deleted but record not removed",
			slog.String("job_id", jobID),
			slog.String("error", err.Error()),
		)
		return nil, domain.StoreUnavailable(err)
	}

	o.clearPending(ctx, log, merchantID, promo.Key, domain.OpDeactivation)

	switch {
	case res.JobDeleted || res.RecordRemoved:
		res.Message = fmt.Sprintf("%s deactivated for merchant %s", promo.DisplayName, merchantID)
		if err := o.events.PromotionDeactivated(ctx, res); err != nil {
			log.WarnContext(ctx, "failed to publish promotion.deactivated", slog.String("error", err.Error()))
		}
	default:
		res.Message = fmt.Sprintf("%s was not active for merchant %s", promo.DisplayName, merchantID)
	}
	log.InfoContext(ctx, "promotion deactivated",
		slog.String("job_id", jobID),
		slog.Bool("job_deleted", res.JobDeleted),
		slog.Bool("record_removed", res.RecordRemoved),
	)
	return res, nil
}

// DeactivateAll switches off every catalog promotion for merchantID. It
// keeps going past failures and returns them joined.
func (o *Orchestrator) DeactivateAll(ctx context.Context, merchantID string) ([]domain.DeactivationResult, error) {
	if err := validateMerchant(merchantID); err != nil {
		return nil, err
	}

	var (
		results []domain.DeactivationResult
		errs    []error
	)
	for _, p := range o.catalog.All() {
		res, err := o.Deactivate(ctx, merchantID, p.Key.String())
		if err != nil {
			errs = append(errs, fmt.Errorf("deactivate %s: %w", p.Key, err))
			continue
		}
		results = append(results, *res)
	}
	return results, errors.Join(errs...)
}

// ListMerchantPromotions returns every catalog promotion annotated with the
// merchant's activation state.
func (o *Orchestrator) ListMerchantPromotions(ctx context.Context, merchantID string) ([]domain.MerchantPromotion, error) {
	if err := validateMerchant(merchantID); err != nil {
		return nil, err
	}

	storeCtx, cancel := context.WithTimeout(ctx, o.timeouts.Store)
	defer cancel()
	records, err := o.store.ListByMerchant(storeCtx, merchantID)
	if err != nil {
		return nil, domain.StoreUnavailable(err)
	}

	activatedAt := make(map[domain.PromotionKey]time.Time, len(records))
	for _, r := range records {
		activatedAt[r.PromotionKey] = r.ActivatedAt
	}

	all := o.catalog.All()
	out := make([]domain.MerchantPromotion, 0, len(all))
	for _, p := range all {
		mp := domain.MerchantPromotion{Promotion: p}
		if at, ok := activatedAt[p.Key]; ok {
			mp.IsActive = true
			mp.ActivatedAt = &at
		}
		out = append(out, mp)
	}
	return out, nil
}

func (o *Orchestrator) resolve(merchantID, promotionName string) (domain.Promotion, error) {
	promo, err := o.catalog.Resolve(promotionName)
	if err != nil {
		return domain.Promotion{}, err
	}
	if err := validateMerchant(merchantID); err != nil {
		return domain.Promotion{}, err
	}
	return promo, nil
}

func (o *Orchestrator) isActive(ctx context.Context, merchantID string, key domain.PromotionKey) (bool, error) {
	ctx, cancel := context.WithTimeout(ctx, o.timeouts.Store)
	defer cancel()
	return o.store.IsActive(ctx, merchantID, key)
}

func (o *Orchestrator) markPending(ctx context.Context, merchantID string, key domain.PromotionKey, op domain.TransitionOp) error {
	ctx, cancel := context.WithTimeout(ctx, o.timeouts.Store)
	defer cancel()
	return o.transitions.MarkPending(ctx, merchantID, key, op)
}

// clearPending drops the marker. Losing it to a concurrent operation means
// two writers raced on the pair; the store keeps whichever finished last.
func (o *Orchestrator) clearPending(ctx context.Context, log *slog.Logger, merchantID string, key domain.PromotionKey, op domain.TransitionOp) {
	ctx, cancel := context.WithTimeout(ctx, o.timeouts.Store)
	defer cancel()

	cleared, err := o.transitions.ClearPending(ctx, merchantID, key, op)
	if err != nil {
		log.WarnContext(ctx, "failed to clear pending marker, reconciliation will pick it up",
			slog.String("operation", string(op)),
			slog.String("error", err.Error()),
		)
		return
	}
	if !cleared {
		log.WarnContext(ctx, "pending marker taken over by a concurrent operation, last writer wins",
			slog.String("operation", string(op)),
		)
	}
}

func (o *Orchestrator) startSpan(ctx context.Context, op, merchantID, promotionName string) (context.Context, trace.Span) {
	ctx = logger.WithMerchantID(ctx, merchantID)
	return o.tracer.Start(ctx, "orchestrator."+op, trace.WithAttributes(
		attribute.String("merchant.id", merchantID),
		attribute.String("promotion.name", promotionName),
	))
}

func (o *Orchestrator) finish(span trace.Span, op, status string, err error) {
	outcome := status
	if err != nil {
		outcome = errorOutcome(err)
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	span.SetAttributes(attribute.String("promotion.outcome", outcome))
	span.End()
	o.metrics.operations.WithLabelValues(op, outcome).Inc()
}

func errorOutcome(err error) string {
	var appErr *apperrors.AppError
	if errors.As(err, &appErr) {
		return appErr.Code
	}
	return "error"
}

func statusOf(res *domain.ActivationResult) string {
	if res == nil {
		return ""
	}
	return res.Status
}

func alreadyActive(merchantID string, p domain.Promotion, jobID string) *domain.ActivationResult {
	return &domain.ActivationResult{
		Status:       domain.StatusAlreadyActive,
		Message:      fmt.Sprintf("%s is already active for merchant %s", p.DisplayName, merchantID),
		JobID:        jobID,
		PromotionKey: p.Key,
		MerchantID:   merchantID,
	}
}

func validateMerchant(merchantID string) error {
	if validator.Var("merchant_id", merchantID, "required,merchant_id") != nil {
		return domain.InvalidMerchantID(merchantID)
	}
	return nil
}
