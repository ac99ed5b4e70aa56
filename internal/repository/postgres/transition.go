package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/promoflow/promoflow/internal/domain"
	"github.com/promoflow/promoflow/pkg/database"
)

const transitionsTable = "promotion_transitions"

// TransitionRepository implements repository.TransitionStore on PostgreSQL.
type TransitionRepository struct {
	db database.DBTX
}

// NewTransitionRepository creates a repository over db.
func NewTransitionRepository(db database.DBTX) *TransitionRepository {
	return &TransitionRepository{db: db}
}

// MarkPending upserts the marker; a concurrent operation on the same pair
// simply takes it over.
func (r *TransitionRepository) MarkPending(ctx context.Context, merchantID string, key domain.PromotionKey, op domain.TransitionOp) (err error) {
	query := `
		INSERT INTO promotion_transitions (merchant_id, promotion_name, operation, started_at)
		VALUES ($1, $2, $3, NOW())
		ON CONFLICT (merchant_id, lower(promotion_name))
		DO UPDATE SET operation = EXCLUDED.operation, started_at = EXCLUDED.started_at`

	ctx, end := database.TraceQuery(ctx, transitionsTable, "upsert", query)
	defer func() { end(err) }()

	if _, err = r.db.Exec(ctx, query, merchantID, key.StoredName(), string(op)); err != nil {
		return fmt.Errorf("mark %s pending: %w", op, err)
	}
	return nil
}

// ClearPending deletes the marker only if op still owns it.
func (r *TransitionRepository) ClearPending(ctx context.Context, merchantID string, key domain.PromotionKey, op domain.TransitionOp) (_ bool, err error) {
	query := `
		DELETE FROM promotion_transitions
		WHERE merchant_id = $1 AND lower(promotion_name) = lower($2) AND operation = $3`

	ctx, end := database.TraceQuery(ctx, transitionsTable, "delete", query)
	defer func() { end(err) }()

	tag, err := r.db.Exec(ctx, query, merchantID, key.StoredName(), string(op))
	if err != nil {
		return false, fmt.Errorf("clear %s marker: %w", op, err)
	}
	return tag.RowsAffected() > 0, nil
}

// ListPending returns every marker, oldest first. Staleness is decided by
// the database clock, the same clock that stamped started_at.
func (r *TransitionRepository) ListPending(ctx context.Context, grace time.Duration) (_ []domain.PendingTransition, err error) {
	query := `
		SELECT merchant_id, promotion_name, operation, started_at,
		       started_at < NOW() - make_interval(secs => $1::double precision) AS stale
		FROM promotion_transitions
		ORDER BY started_at`

	ctx, end := database.TraceQuery(ctx, transitionsTable, "select", query)
	defer func() { end(err) }()

	rows, err := r.db.Query(ctx, query, grace.Seconds())
	if err != nil {
		return nil, fmt.Errorf("list pending transitions: %w", err)
	}
	defer rows.Close()

	out := []domain.PendingTransition{}
	for rows.Next() {
		var (
			pt   domain.PendingTransition
			name string
			op   string
		)
		if err = rows.Scan(&pt.MerchantID, &name, &op, &pt.StartedAt, &pt.Stale); err != nil {
			return nil, fmt.Errorf("scan pending transition row: %w", err)
		}
		key, perr := domain.ParsePromotionKey(name)
		if perr != nil {
			key = domain.PromotionKey(name)
		}
		pt.PromotionKey = key
		pt.Operation = domain.TransitionOp(op)
		out = append(out, pt)
	}
	if err = rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate pending transition rows: %w", err)
	}
	return out, nil
}
