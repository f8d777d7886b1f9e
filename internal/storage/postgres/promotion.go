package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/go-faster/errors"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"github.com/shoply/promo-engine/internal/promotion"
)

const (
	promotionColumns = `p.id, p.code, p.kind, p.value, p.buy_quantity, p.get_quantity,
		p.start_at, p.end_at, p.active, p.max_usage,
		COALESCE(array_agg(pp.product_id ORDER BY pp.position)
			FILTER (WHERE pp.product_id IS NOT NULL), '{}')`

	promotionFrom = `FROM promotions p
		LEFT JOIN promotion_products pp ON pp.promotion_id = p.id`

	findPromotionByIDSQL = `SELECT ` + promotionColumns + ` ` + promotionFrom + `
		WHERE p.id = $1
		GROUP BY p.id`

	findPromotionByCodeSQL = `SELECT ` + promotionColumns + ` ` + promotionFrom + `
		WHERE UPPER(p.code) = UPPER($1)
		GROUP BY p.id`

	listPromotionsByProductSQL = `SELECT ` + promotionColumns + ` ` + promotionFrom + `
		WHERE NOT EXISTS (SELECT 1 FROM promotion_products s WHERE s.promotion_id = p.id)
		   OR EXISTS (SELECT 1 FROM promotion_products s
		              WHERE s.promotion_id = p.id AND s.product_id = $1)
		GROUP BY p.id
		ORDER BY p.id`

	insertPromotionSQL = `INSERT INTO promotions
		(id, code, kind, value, buy_quantity, get_quantity, start_at, end_at, active, max_usage)
		VALUES ($1, NULLIF($2, ''), $3, $4, $5, $6, $7, $8, $9, $10)
		ON CONFLICT (id) DO UPDATE SET
			code = EXCLUDED.code, kind = EXCLUDED.kind, value = EXCLUDED.value,
			buy_quantity = EXCLUDED.buy_quantity, get_quantity = EXCLUDED.get_quantity,
			start_at = EXCLUDED.start_at, end_at = EXCLUDED.end_at,
			active = EXCLUDED.active, max_usage = EXCLUDED.max_usage`

	deletePromotionScopeSQL = `DELETE FROM promotion_products WHERE promotion_id = $1`

	insertPromotionScopeSQL = `INSERT INTO promotion_products (promotion_id, product_id, position)
		VALUES ($1, $2, $3)`
)

var _ promotion.Repository = (*PromotionRepository)(nil)

// PromotionRepository implements promotion.Repository backed by PostgreSQL.
type PromotionRepository struct {
	pool *pgxpool.Pool
}

// NewPromotionRepository returns a PromotionRepository that uses the given pool.
func NewPromotionRepository(pool *pgxpool.Pool) *PromotionRepository {
	return &PromotionRepository{pool: pool}
}

// FindByID looks up a promotion by its identifier. A miss is reported via the
// found flag, not an error.
func (r *PromotionRepository) FindByID(ctx context.Context, id string) (*promotion.Promotion, bool, error) {
	return r.findOne(ctx, findPromotionByIDSQL, id)
}

// FindByCode looks up a promotion by its human-entered code,
// case-insensitively. A miss is reported via the found flag.
func (r *PromotionRepository) FindByCode(ctx context.Context, code string) (*promotion.Promotion, bool, error) {
	return r.findOne(ctx, findPromotionByCodeSQL, code)
}

func (r *PromotionRepository) findOne(ctx context.Context, sql, arg string) (*promotion.Promotion, bool, error) {
	rows, err := r.pool.Query(ctx, sql, arg)
	if err != nil {
		return nil, false, fmt.Errorf("querying promotion %q: %w", arg, err)
	}

	p, err := pgx.CollectExactlyOneRow(rows, scanPromotion)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, false, nil
		}
		return nil, false, fmt.Errorf("scanning promotion %q: %w", arg, err)
	}
	return &p, true, nil
}

// ListByProduct returns every promotion whose scope admits the given product,
// including unscoped promotions, ordered by ID.
func (r *PromotionRepository) ListByProduct(ctx context.Context, productID string) ([]promotion.Promotion, error) {
	rows, err := r.pool.Query(ctx, listPromotionsByProductSQL, productID)
	if err != nil {
		return nil, fmt.Errorf("listing promotions for product %q: %w", productID, err)
	}

	promos, err := pgx.CollectRows(rows, scanPromotion)
	if err != nil {
		return nil, fmt.Errorf("scanning promotions for product %q: %w", productID, err)
	}
	return promos, nil
}

// Upsert writes a promotion and its product scope. It serves the seed tool;
// the engine itself never mutates promotions.
func (r *PromotionRepository) Upsert(ctx context.Context, p *promotion.Promotion) error {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("beginning upsert tx: %w", err)
	}
	defer tx.Rollback(ctx) //nolint:errcheck // rollback after commit is a no-op

	_, err = tx.Exec(ctx, insertPromotionSQL,
		p.ID, p.Code, string(p.Kind), p.Value, p.BuyQuantity, p.GetQuantity,
		p.StartAt, p.EndAt, p.Active, p.MaxUsage,
	)
	if err != nil {
		return fmt.Errorf("upserting promotion %q: %w", p.ID, err)
	}

	if _, err := tx.Exec(ctx, deletePromotionScopeSQL, p.ID); err != nil {
		return fmt.Errorf("clearing scope for promotion %q: %w", p.ID, err)
	}
	for i, productID := range p.ProductIDs {
		if _, err := tx.Exec(ctx, insertPromotionScopeSQL, p.ID, productID, i); err != nil {
			return fmt.Errorf("inserting scope row for promotion %q: %w", p.ID, err)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("committing upsert for promotion %q: %w", p.ID, err)
	}
	return nil
}

func scanPromotion(row pgx.CollectableRow) (promotion.Promotion, error) {
	var (
		p          promotion.Promotion
		code       *string
		kind       string
		value      decimal.Decimal
		startAt    *time.Time
		endAt      *time.Time
		productIDs []string
	)
	err := row.Scan(
		&p.ID, &code, &kind, &value, &p.BuyQuantity, &p.GetQuantity,
		&startAt, &endAt, &p.Active, &p.MaxUsage, &productIDs,
	)
	if code != nil {
		p.Code = *code
	}
	p.Kind = promotion.DiscountKind(kind)
	p.Value = value
	p.StartAt = startAt
	p.EndAt = endAt
	if len(productIDs) > 0 {
		p.ProductIDs = productIDs
	}
	return p, err
}
