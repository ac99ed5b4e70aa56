package http

import (
	"context"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/promoflow/promoflow/internal/domain"
	"github.com/promoflow/promoflow/internal/service"
	apperrors "github.com/promoflow/promoflow/pkg/errors"
	"github.com/promoflow/promoflow/pkg/httputil"
	"github.com/promoflow/promoflow/pkg/validator"
)

// PromotionService is the orchestrator surface the HTTP layer drives.
type PromotionService interface {
	Promotions() []domain.Promotion
	Activate(ctx context.Context, merchantID, promotionName string) (*domain.ActivationResult, error)
	Deactivate(ctx context.Context, merchantID, promotionName string) (*domain.DeactivationResult, error)
	ListMerchantPromotions(ctx context.Context, merchantID string) ([]domain.MerchantPromotion, error)
}

// Reconciler runs a reconciliation pass on demand.
type Reconciler interface {
	Reconcile(ctx context.Context, opts service.ReconcileOptions) (*service.ReconcileReport, error)
}

// PromotionHandler handles HTTP requests for promotion endpoints.
type PromotionHandler struct {
	service PromotionService
	logger  *slog.Logger
}

// NewPromotionHandler creates a new promotion HTTP handler.
func NewPromotionHandler(svc PromotionService, logger *slog.Logger) *PromotionHandler {
	return &PromotionHandler{service: svc, logger: logger}
}

// ListPromotions handles GET /api/v1/promotions
func (h *PromotionHandler) ListPromotions(w http.ResponseWriter, _ *http.Request) {
	httputil.WriteData(w, http.StatusOK, h.service.Promotions())
}

// ListMerchantPromotions handles GET /api/v1/merchants/{merchantID}/promotions
func (h *PromotionHandler) ListMerchantPromotions(w http.ResponseWriter, r *http.Request) {
	promotions, err := h.service.ListMerchantPromotions(r.Context(), chi.URLParam(r, "merchantID"))
	if err != nil {
		httputil.WriteError(w, r, err, h.logger)
		return
	}
	httputil.WriteData(w, http.StatusOK, promotions)
}

// Activate handles POST /api/v1/merchants/{merchantID}/promotions/{promotionKey}/activate
func (h *PromotionHandler) Activate(w http.ResponseWriter, r *http.Request) {
	res, err := h.service.Activate(r.Context(), chi.URLParam(r, "merchantID"), chi.URLParam(r, "promotionKey"))
	if err != nil {
		httputil.WriteError(w, r, err, h.logger)
		return
	}

	status := http.StatusOK
	if res.Status == domain.StatusCreated {
		status = http.StatusCreated
	}
	httputil.WriteData(w, status, res)
}

// Deactivate handles POST .../{promotionKey}/deactivate and its DELETE alias.
func (h *PromotionHandler) Deactivate(w http.ResponseWriter, r *http.Request) {
	res, err := h.service.Deactivate(r.Context(), chi.URLParam(r, "merchantID"), chi.URLParam(r, "promotionKey"))
	if err != nil {
		httputil.WriteError(w, r, err, h.logger)
		return
	}
	httputil.WriteData(w, http.StatusOK, res)
}

// AdminHandler serves operator endpoints.
type AdminHandler struct {
	reconciler Reconciler
	opts       service.ReconcileOptions
	logger     *slog.Logger
}

// reconcileRequest is the optional body of POST /admin/reconcile.
type reconcileRequest struct {
	DryRun              *bool `json:"dry_run"`
	PendingGraceSeconds *int  `json:"pending_grace_seconds" validate:"omitempty,gte=0"`
}

// NewAdminHandler creates the admin handler. defaults seed every pass; the
// request body and then the dry_run query parameter override them.
func NewAdminHandler(reconciler Reconciler, defaults service.ReconcileOptions, logger *slog.Logger) *AdminHandler {
	return &AdminHandler{reconciler: reconciler, opts: defaults, logger: logger}
}

// Reconcile handles POST /api/v1/admin/reconcile
func (h *AdminHandler) Reconcile(w http.ResponseWriter, r *http.Request) {
	opts := h.opts

	var req reconcileRequest
	if err := validator.DecodeAndValidate(r, &req); err != nil {
		httputil.WriteValidationError(w, err)
		return
	}
	if req.DryRun != nil {
		opts.DryRun = *req.DryRun
	}
	if req.PendingGraceSeconds != nil {
		opts.PendingGrace = time.Duration(*req.PendingGraceSeconds) * time.Second
	}

	if v := r.URL.Query().Get("dry_run"); v != "" {
		dryRun, err := strconv.ParseBool(v)
		if err != nil {
			httputil.WriteError(w, r, apperrors.InvalidInput("dry_run must be a boolean"), h.logger)
			return
		}
		opts.DryRun = dryRun
	}

	report, err := h.reconciler.Reconcile(r.Context(), opts)
	if err != nil {
		httputil.WriteError(w, r, apperrors.Unavailable("reconciliation source", err), h.logger)
		return
	}
	httputil.WriteData(w, http.StatusOK, report)
}
