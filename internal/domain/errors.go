package domain

import (
	"errors"
	"fmt"
	"net/http"

	apperrors "github.com/promoflow/promoflow/pkg/errors"
)

var (
	ErrUnknownPromotion    = errors.New("unknown promotion")
	ErrInvalidPromotionKey = errors.New("invalid promotion key")
	ErrSchedulingFailed    = errors.New("scheduling failed")
	ErrDuplicateActive     = errors.New("promotion already active")
	ErrNotActive           = errors.New("promotion not active")
	ErrStoreUnavailable    = errors.New("active promotion store unavailable")
)

// UnknownPromotion is returned before any side effect when name does not
// resolve in the catalog.
func UnknownPromotion(name string) *apperrors.AppError {
	return apperrors.New("UNKNOWN_PROMOTION", http.StatusNotFound,
		fmt.Sprintf("promotion %q does not exist", name),
		fmt.Errorf("%w: %w", ErrUnknownPromotion, apperrors.ErrNotFound))
}

// SchedulingFailed reports a hard scheduler error. The store was not touched.
func SchedulingFailed(jobID string, err error) *apperrors.AppError {
	return apperrors.New("SCHEDULING_FAILED", http.StatusInternalServerError,
		fmt.Sprintf("failed to schedule job %s", jobID),
		fmt.Errorf("%w: %w", ErrSchedulingFailed, err))
}

// UnschedulingFailed reports a hard scheduler error on job deletion.
func UnschedulingFailed(jobID string, err error) *apperrors.AppError {
	return apperrors.New("SCHEDULING_FAILED", http.StatusInternalServerError,
		fmt.Sprintf("failed to delete job %s", jobID),
		fmt.Errorf("%w: %w", ErrSchedulingFailed, err))
}

// StoreUnavailable reports that the durable store could not be read or
// written after the scheduler step may already have happened.
func StoreUnavailable(err error) *apperrors.AppError {
	return apperrors.New("STORE_UNAVAILABLE", http.StatusServiceUnavailable,
		"active promotion store is unavailable",
		fmt.Errorf("%w: %w: %w", ErrStoreUnavailable, apperrors.ErrServiceUnavail, err))
}

// InvalidMerchantID is returned for ids outside [A-Za-z0-9_]{1,100}.
func InvalidMerchantID(id string) *apperrors.AppError {
	return apperrors.InvalidInput(fmt.Sprintf("invalid merchant id %q", id))
}
