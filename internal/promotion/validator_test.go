package promotion

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeLedger is an in-test Ledger with canned counts.
type fakeLedger struct {
	counts     map[string]int
	userCounts map[string]int
	records    []UsageRecord
	recordErr  error
}

func newFakeLedger() *fakeLedger {
	return &fakeLedger{
		counts:     make(map[string]int),
		userCounts: make(map[string]int),
	}
}

func (f *fakeLedger) Record(_ context.Context, rec UsageRecord, maxUsage int) error {
	if f.recordErr != nil {
		return f.recordErr
	}
	for _, r := range f.records {
		if r.PromotionID == rec.PromotionID && r.OrderID == rec.OrderID {
			return ErrDuplicateUsage
		}
	}
	if maxUsage > 0 && f.counts[rec.PromotionID] >= maxUsage {
		return ErrUsageLimitReached
	}
	f.records = append(f.records, rec)
	f.counts[rec.PromotionID]++
	if rec.UserID != "" {
		f.userCounts[rec.PromotionID+"/"+rec.UserID]++
	}
	return nil
}

func (f *fakeLedger) Count(_ context.Context, promotionID string) (int, error) {
	return f.counts[promotionID], nil
}

func (f *fakeLedger) CountByUser(_ context.Context, promotionID, userID string) (int, error) {
	return f.userCounts[promotionID+"/"+userID], nil
}

func TestValidatorCheckUsable(t *testing.T) {
	fixedNow := time.Date(2025, 6, 15, 12, 0, 0, 0, time.UTC)
	past := fixedNow.Add(-24 * time.Hour)
	future := fixedNow.Add(24 * time.Hour)

	tests := []struct {
		name    string
		promo   *Promotion
		used    int
		wantErr error
	}{
		{
			name:    "nil promotion",
			promo:   nil,
			wantErr: ErrNilPromotion,
		},
		{
			name:    "inactive even inside the window",
			promo:   &Promotion{ID: "p1", Active: false, StartAt: &past, EndAt: &future},
			wantErr: ErrInactive,
		},
		{
			name:    "not yet started",
			promo:   &Promotion{ID: "p1", Active: true, StartAt: &future},
			wantErr: ErrNotStarted,
		},
		{
			name:    "expired",
			promo:   &Promotion{ID: "p1", Active: true, EndAt: &past},
			wantErr: ErrExpired,
		},
		{
			name:  "unbounded window is always time-valid",
			promo: &Promotion{ID: "p1", Active: true},
		},
		{
			name:  "inside bounded window",
			promo: &Promotion{ID: "p1", Active: true, StartAt: &past, EndAt: &future},
		},
		{
			name:    "usage cap exhausted",
			promo:   &Promotion{ID: "p1", Active: true, MaxUsage: 3},
			used:    3,
			wantErr: ErrUsageLimitReached,
		},
		{
			name:  "usage under the cap",
			promo: &Promotion{ID: "p1", Active: true, MaxUsage: 3},
			used:  2,
		},
		{
			name:  "zero cap means unlimited",
			promo: &Promotion{ID: "p1", Active: true, MaxUsage: 0},
			used:  9999,
		},
		{
			// Inactive takes precedence over expiry: the check order is fixed.
			name:    "inactive reported before expired",
			promo:   &Promotion{ID: "p1", Active: false, EndAt: &past},
			wantErr: ErrInactive,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ledger := newFakeLedger()
			if tt.promo != nil {
				ledger.counts[tt.promo.ID] = tt.used
			}
			v := NewValidator(ledger)
			v.now = func() time.Time { return fixedNow }

			err := v.CheckUsable(context.Background(), tt.promo)
			if tt.wantErr != nil {
				require.ErrorIs(t, err, tt.wantErr)
				return
			}
			require.NoError(t, err)
		})
	}
}

func TestValidatorCheckApplicable(t *testing.T) {
	scoped := &Promotion{ID: "p1", ProductIDs: []string{"prod-a", "prod-b"}}
	unscoped := &Promotion{ID: "p2"}

	v := NewValidator(newFakeLedger())

	require.NoError(t, v.CheckApplicable(scoped, "prod-a"))
	require.NoError(t, v.CheckApplicable(scoped, "prod-b"))
	require.ErrorIs(t, v.CheckApplicable(scoped, "prod-c"), ErrNotApplicable)

	require.NoError(t, v.CheckApplicable(unscoped, "prod-c"))
	require.NoError(t, v.CheckApplicable(unscoped, "anything"))

	require.ErrorIs(t, v.CheckApplicable(nil, "prod-a"), ErrNilPromotion)
}

func TestValidatorIsActive(t *testing.T) {
	fixedNow := time.Date(2025, 6, 15, 12, 0, 0, 0, time.UTC)
	past := fixedNow.Add(-time.Hour)
	future := fixedNow.Add(time.Hour)

	// The cap must not affect IsActive: a sold-out promotion is still "live"
	// for display purposes.
	ledger := newFakeLedger()
	ledger.counts["capped"] = 100

	v := NewValidator(ledger)
	v.now = func() time.Time { return fixedNow }

	assert.True(t, v.IsActive(&Promotion{ID: "capped", Active: true, MaxUsage: 100}))
	assert.True(t, v.IsActive(&Promotion{Active: true, StartAt: &past, EndAt: &future}))
	assert.False(t, v.IsActive(&Promotion{Active: false}))
	assert.False(t, v.IsActive(&Promotion{Active: true, StartAt: &future}))
	assert.False(t, v.IsActive(&Promotion{Active: true, EndAt: &past}))
	assert.False(t, v.IsActive(nil))
}
