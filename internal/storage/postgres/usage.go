package postgres

import (
	"context"
	"fmt"

	"github.com/go-faster/errors"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/shoply/promo-engine/internal/promotion"
)

const (
	lockPromotionSQL = `SELECT 1 FROM promotions WHERE id = $1 FOR UPDATE`

	usageExistsSQL = `SELECT EXISTS (
		SELECT 1 FROM promotion_usages WHERE promotion_id = $1 AND order_id = $2)`

	countUsagesSQL = `SELECT COUNT(*) FROM promotion_usages WHERE promotion_id = $1`

	countUserUsagesSQL = `SELECT COUNT(*) FROM promotion_usages
		WHERE promotion_id = $1 AND user_id = $2`

	insertUsageSQL = `INSERT INTO promotion_usages (promotion_id, order_id, user_id, amount)
		VALUES ($1, $2, NULLIF($3, ''), $4)`
)

// pgUniqueViolation is the PostgreSQL error code for unique constraint
// violations.
const pgUniqueViolation = "23505"

var _ promotion.Ledger = (*UsageLedger)(nil)

// UsageLedger implements promotion.Ledger backed by PostgreSQL.
//
// Record runs in a transaction that locks the promotion row FOR UPDATE before
// counting, which serializes concurrent recorders for the same promotion: two
// checkouts racing for the last cap slot commit one usage, not two. The
// (promotion_id, order_id) primary key is a second line of defense that
// surfaces duplicates as ErrDuplicateUsage even outside the lock.
type UsageLedger struct {
	pool *pgxpool.Pool
}

// NewUsageLedger returns a UsageLedger that uses the given pool.
func NewUsageLedger(pool *pgxpool.Pool) *UsageLedger {
	return &UsageLedger{pool: pool}
}

// Record appends a usage record, enforcing the idempotency guard and the
// usage cap atomically at write time.
func (l *UsageLedger) Record(ctx context.Context, rec promotion.UsageRecord, maxUsage int) error {
	tx, err := l.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("beginning usage tx: %w", err)
	}
	defer tx.Rollback(ctx) //nolint:errcheck // rollback after commit is a no-op

	// Serialize writers for this promotion.
	var one int
	if err := tx.QueryRow(ctx, lockPromotionSQL, rec.PromotionID).Scan(&one); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return promotion.ErrPromotionNotFound
		}
		return fmt.Errorf("locking promotion %q: %w", rec.PromotionID, err)
	}

	// Duplicate first: a retried order must see ErrDuplicateUsage even when
	// the cap is also exhausted.
	var exists bool
	if err := tx.QueryRow(ctx, usageExistsSQL, rec.PromotionID, rec.OrderID).Scan(&exists); err != nil {
		return fmt.Errorf("checking usage existence: %w", err)
	}
	if exists {
		return promotion.ErrDuplicateUsage
	}

	if maxUsage > 0 {
		var count int
		if err := tx.QueryRow(ctx, countUsagesSQL, rec.PromotionID).Scan(&count); err != nil {
			return fmt.Errorf("counting usages: %w", err)
		}
		if count >= maxUsage {
			return promotion.ErrUsageLimitReached
		}
	}

	if _, err := tx.Exec(ctx, insertUsageSQL,
		rec.PromotionID, rec.OrderID, rec.UserID, rec.Amount,
	); err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == pgUniqueViolation {
			return promotion.ErrDuplicateUsage
		}
		return fmt.Errorf("inserting usage for promotion %q: %w", rec.PromotionID, err)
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("committing usage for promotion %q: %w", rec.PromotionID, err)
	}
	return nil
}

// Count returns the total number of committed usages for the promotion.
func (l *UsageLedger) Count(ctx context.Context, promotionID string) (int, error) {
	var count int
	if err := l.pool.QueryRow(ctx, countUsagesSQL, promotionID).Scan(&count); err != nil {
		return 0, fmt.Errorf("counting usages for promotion %q: %w", promotionID, err)
	}
	return count, nil
}

// CountByUser returns the number of committed usages by a single user.
func (l *UsageLedger) CountByUser(ctx context.Context, promotionID, userID string) (int, error) {
	if userID == "" {
		return 0, nil
	}
	var count int
	if err := l.pool.QueryRow(ctx, countUserUsagesSQL, promotionID, userID).Scan(&count); err != nil {
		return 0, fmt.Errorf("counting user usages for promotion %q: %w", promotionID, err)
	}
	return count, nil
}
