package postgres

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/promoflow/promoflow/internal/catalog"
	"github.com/promoflow/promoflow/internal/domain"
	"github.com/promoflow/promoflow/pkg/database"
)

const activePromotionsTable = "active_promotions"

// ActivePromotionRepository implements repository.ActivePromotionStore on
// PostgreSQL. Promotion names are stored in their spaced form and matched
// case-insensitively.
type ActivePromotionRepository struct {
	db      database.DBTX
	catalog *catalog.Catalog
}

// NewActivePromotionRepository creates a repository over db. Inserts are
// validated against cat.
func NewActivePromotionRepository(db database.DBTX, cat *catalog.Catalog) *ActivePromotionRepository {
	return &ActivePromotionRepository{db: db, catalog: cat}
}

// IsActive reports whether the merchant has an active record for key.
func (r *ActivePromotionRepository) IsActive(ctx context.Context, merchantID string, key domain.PromotionKey) (active bool, err error) {
	query := `
		SELECT EXISTS (
			SELECT 1 FROM active_promotions
			WHERE merchant_id = $1 AND lower(promotion_name) = lower($2)
		)`

	ctx, end := database.TraceQuery(ctx, activePromotionsTable, "select", query)
	defer func() { end(err) }()

	if err = r.db.QueryRow(ctx, query, merchantID, key.StoredName()).Scan(&active); err != nil {
		return false, fmt.Errorf("check active promotion: %w", err)
	}
	return active, nil
}

// Insert records the activation and returns the stored row.
func (r *ActivePromotionRepository) Insert(ctx context.Context, merchantID string, key domain.PromotionKey) (_ *domain.ActivePromotion, err error) {
	if !r.catalog.Contains(key) {
		return nil, domain.UnknownPromotion(key.String())
	}

	query := `
		INSERT INTO active_promotions (merchant_id, promotion_name)
		VALUES ($1, $2)
		RETURNING id, activated_at`

	ctx, end := database.TraceQuery(ctx, activePromotionsTable, "insert", query)
	defer func() { end(err) }()

	rec := &domain.ActivePromotion{MerchantID: merchantID, PromotionKey: key}
	if err = r.db.QueryRow(ctx, query, merchantID, key.StoredName()).Scan(&rec.ID, &rec.ActivatedAt); err != nil {
		if database.IsUniqueViolation(err) {
			return nil, fmt.Errorf("insert active promotion %s for merchant %s: %w", key, merchantID, domain.ErrDuplicateActive)
		}
		return nil, fmt.Errorf("insert active promotion: %w", err)
	}
	return rec, nil
}

// Remove deletes the merchant's record for key.
func (r *ActivePromotionRepository) Remove(ctx context.Context, merchantID string, key domain.PromotionKey) (err error) {
	query := `
		DELETE FROM active_promotions
		WHERE merchant_id = $1 AND lower(promotion_name) = lower($2)`

	ctx, end := database.TraceQuery(ctx, activePromotionsTable, "delete", query)
	defer func() { end(err) }()

	tag, err := r.db.Exec(ctx, query, merchantID, key.StoredName())
	if err != nil {
		return fmt.Errorf("delete active promotion: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("delete active promotion %s for merchant %s: %w", key, merchantID, domain.ErrNotActive)
	}
	return nil
}

// ListByMerchant returns the merchant's active promotions ordered by name.
func (r *ActivePromotionRepository) ListByMerchant(ctx context.Context, merchantID string) (_ []domain.ActivePromotion, err error) {
	query := `
		SELECT id, merchant_id, promotion_name, activated_at
		FROM active_promotions
		WHERE merchant_id = $1
		ORDER BY lower(promotion_name)`

	ctx, end := database.TraceQuery(ctx, activePromotionsTable, "select", query)
	defer func() { end(err) }()

	rows, err := r.db.Query(ctx, query, merchantID)
	if err != nil {
		return nil, fmt.Errorf("list active promotions: %w", err)
	}
	return scanActivePromotions(rows)
}

// ListAll returns every active promotion ordered by merchant then name.
func (r *ActivePromotionRepository) ListAll(ctx context.Context) (_ []domain.ActivePromotion, err error) {
	query := `
		SELECT id, merchant_id, promotion_name, activated_at
		FROM active_promotions
		ORDER BY merchant_id, lower(promotion_name)`

	ctx, end := database.TraceQuery(ctx, activePromotionsTable, "select", query)
	defer func() { end(err) }()

	rows, err := r.db.Query(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("list all active promotions: %w", err)
	}
	return scanActivePromotions(rows)
}

// scanActivePromotions converts stored names back to keys. Rows whose name
// no longer parses are returned with the raw name so reconciliation can
// report them.
func scanActivePromotions(rows pgx.Rows) ([]domain.ActivePromotion, error) {
	defer rows.Close()

	out := []domain.ActivePromotion{}
	for rows.Next() {
		var (
			rec  domain.ActivePromotion
			name string
		)
		if err := rows.Scan(&rec.ID, &rec.MerchantID, &name, &rec.ActivatedAt); err != nil {
			return nil, fmt.Errorf("scan active promotion row: %w", err)
		}
		key, err := domain.ParsePromotionKey(name)
		if err != nil {
			key = domain.PromotionKey(name)
		}
		rec.PromotionKey = key
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate active promotion rows: %w", err)
	}
	return out, nil
}
