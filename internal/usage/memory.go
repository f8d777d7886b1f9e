// Package usage provides an in-memory implementation of the promotion usage
// ledger. It backs tests and single-process deployments; production setups
// use the PostgreSQL ledger.
package usage

import (
	"context"
	"sync"
	"time"

	"github.com/shoply/promo-engine/internal/promotion"
)

type usageKey struct {
	promotionID string
	orderID     string
}

// MemoryLedger is a mutex-guarded, append-only usage ledger. The duplicate
// guard and the cap check happen under the same lock as the append, so the
// conditional insert is atomic: concurrent attempts at the last remaining
// slot admit exactly one record.
type MemoryLedger struct {
	mu      sync.Mutex
	byOrder map[usageKey]struct{}
	byPromo map[string][]promotion.UsageRecord

	now func() time.Time
}

var _ promotion.Ledger = (*MemoryLedger)(nil)

// NewMemoryLedger creates an empty ledger.
func NewMemoryLedger() *MemoryLedger {
	return &MemoryLedger{
		byOrder: make(map[usageKey]struct{}),
		byPromo: make(map[string][]promotion.UsageRecord),
		now:     time.Now,
	}
}

// Record appends rec unless the (promotion, order) pair was already recorded
// or the committed count has reached maxUsage. The duplicate check runs
// first so a retried order reports ErrDuplicateUsage rather than a spurious
// cap failure.
func (l *MemoryLedger) Record(_ context.Context, rec promotion.UsageRecord, maxUsage int) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	key := usageKey{promotionID: rec.PromotionID, orderID: rec.OrderID}
	if _, ok := l.byOrder[key]; ok {
		return promotion.ErrDuplicateUsage
	}
	if maxUsage > 0 && len(l.byPromo[rec.PromotionID]) >= maxUsage {
		return promotion.ErrUsageLimitReached
	}

	rec.UsedAt = l.now()
	l.byOrder[key] = struct{}{}
	l.byPromo[rec.PromotionID] = append(l.byPromo[rec.PromotionID], rec)
	return nil
}

// Count returns the total number of recorded usages for the promotion.
func (l *MemoryLedger) Count(_ context.Context, promotionID string) (int, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.byPromo[promotionID]), nil
}

// CountByUser returns the number of usages recorded for a single user.
// Anonymous records (empty user ID) are never attributed to anyone.
func (l *MemoryLedger) CountByUser(_ context.Context, promotionID, userID string) (int, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if userID == "" {
		return 0, nil
	}
	n := 0
	for _, rec := range l.byPromo[promotionID] {
		if rec.UserID == userID {
			n++
		}
	}
	return n, nil
}
