package repository

import (
	"context"
	"time"

	"github.com/promoflow/promoflow/internal/domain"
)

// ActivePromotionStore is the source of truth for whether a merchant has a
// promotion switched on. Every mutation is a single atomic statement.
type ActivePromotionStore interface {
	// IsActive reports whether a record exists. Absence is not an error.
	IsActive(ctx context.Context, merchantID string, key domain.PromotionKey) (bool, error)

	// Insert records an activation. It returns domain.ErrDuplicateActive if
	// the pair is already recorded and domain.ErrUnknownPromotion if key is
	// not in the catalog.
	Insert(ctx context.Context, merchantID string, key domain.PromotionKey) (*domain.ActivePromotion, error)

	// Remove deletes the record. It returns domain.ErrNotActive when nothing
	// matched.
	Remove(ctx context.Context, merchantID string, key domain.PromotionKey) error

	// ListByMerchant returns the merchant's records ordered by key.
	ListByMerchant(ctx context.Context, merchantID string) ([]domain.ActivePromotion, error)

	// ListAll returns every record.
	ListAll(ctx context.Context) ([]domain.ActivePromotion, error)
}

// TransitionStore keeps pending markers for operations whose outcome is not
// yet known, so a crash between steps can be found and repaired.
type TransitionStore interface {
	// MarkPending upserts the marker for the pair. The last writer wins.
	MarkPending(ctx context.Context, merchantID string, key domain.PromotionKey, op domain.TransitionOp) error

	// ClearPending removes the marker if it still belongs to op. It returns
	// false when another operation has overwritten it.
	ClearPending(ctx context.Context, merchantID string, key domain.PromotionKey, op domain.TransitionOp) (bool, error)

	// ListPending returns every marker. Markers older than grace, by the
	// store's own clock, come back with Stale set.
	ListPending(ctx context.Context, grace time.Duration) ([]domain.PendingTransition, error)
}
