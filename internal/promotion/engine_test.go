package promotion

import (
	"context"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeRepo serves promotions from a map.
type fakeRepo struct {
	promos map[string]*Promotion
}

func newFakeRepo(promos ...*Promotion) *fakeRepo {
	m := make(map[string]*Promotion, len(promos))
	for _, p := range promos {
		m[p.ID] = p
	}
	return &fakeRepo{promos: m}
}

func (f *fakeRepo) FindByID(_ context.Context, id string) (*Promotion, bool, error) {
	p, ok := f.promos[id]
	return p, ok, nil
}

func (f *fakeRepo) FindByCode(_ context.Context, code string) (*Promotion, bool, error) {
	for _, p := range f.promos {
		if p.Code == code {
			return p, true, nil
		}
	}
	return nil, false, nil
}

func (f *fakeRepo) ListByProduct(_ context.Context, productID string) ([]Promotion, error) {
	var out []Promotion
	for _, p := range f.promos {
		if p.AppliesToAll() {
			out = append(out, *p)
			continue
		}
		for _, id := range p.ProductIDs {
			if id == productID {
				out = append(out, *p)
				break
			}
		}
	}
	return out, nil
}

// limitPolicy caps every promotion at the same per-user limit.
type limitPolicy int

func (l limitPolicy) PerUserLimit(string) int { return int(l) }

func newTestEngine(repo Repository, ledger Ledger, policy UserPolicy) *Engine {
	e := NewEngine(repo, ledger, policy)
	e.validator.now = func() time.Time {
		return time.Date(2025, 6, 15, 12, 0, 0, 0, time.UTC)
	}
	return e
}

func TestEngineCalculateDiscount(t *testing.T) {
	ctx := context.Background()

	t.Run("full pipeline computes percentage discount", func(t *testing.T) {
		p := &Promotion{ID: "p1", Kind: KindPercentage, Value: d("10"), Active: true}
		e := newTestEngine(newFakeRepo(p), newFakeLedger(), nil)

		got, err := e.CalculateDiscount(ctx, p, Context{
			ProductID: "prod-a",
			UnitPrice: d("100"),
			Quantity:  1,
		})
		require.NoError(t, err)
		assert.True(t, d("10").Equal(got), "expected 10, got %s", got)
	})

	t.Run("nil promotion", func(t *testing.T) {
		e := newTestEngine(newFakeRepo(), newFakeLedger(), nil)
		_, err := e.CalculateDiscount(ctx, nil, Context{})
		require.ErrorIs(t, err, ErrNilPromotion)
	})

	t.Run("explicit unknown kind fails before any validation", func(t *testing.T) {
		// The promotion is deliberately unusable; an unsupported kind must
		// still win because strategy resolution happens first.
		p := &Promotion{ID: "p1", Kind: KindPercentage, Value: d("10"), Active: false}
		e := newTestEngine(newFakeRepo(p), newFakeLedger(), nil)

		_, err := e.CalculateDiscountAs(ctx, DiscountKind("bogus"), p, Context{})
		require.ErrorIs(t, err, ErrUnsupportedKind)
	})

	t.Run("scoped promotion rejects out-of-scope product", func(t *testing.T) {
		p := &Promotion{
			ID: "p1", Kind: KindFixed, Value: d("5"), Active: true,
			ProductIDs: []string{"prod-a", "prod-b"},
		}
		e := newTestEngine(newFakeRepo(p), newFakeLedger(), nil)

		_, err := e.CalculateDiscount(ctx, p, Context{ProductID: "prod-c", UnitPrice: d("10"), Quantity: 1})
		require.ErrorIs(t, err, ErrNotApplicable)

		got, err := e.CalculateDiscount(ctx, p, Context{ProductID: "prod-a", UnitPrice: d("10"), Quantity: 1})
		require.NoError(t, err)
		assert.True(t, d("5").Equal(got))
	})

	t.Run("malformed terms surface after lifecycle checks", func(t *testing.T) {
		p := &Promotion{ID: "p1", Kind: KindPercentage, Value: d("150"), Active: true}
		e := newTestEngine(newFakeRepo(p), newFakeLedger(), nil)

		_, err := e.CalculateDiscount(ctx, p, Context{ProductID: "x", UnitPrice: d("10"), Quantity: 1})
		require.ErrorIs(t, err, ErrMalformedTerms)
	})

	t.Run("usage cap blocks calculation once exhausted", func(t *testing.T) {
		p := &Promotion{ID: "p1", Kind: KindPercentage, Value: d("10"), Active: true, MaxUsage: 1}
		ledger := newFakeLedger()
		e := newTestEngine(newFakeRepo(p), ledger, nil)

		dctx := Context{ProductID: "x", UnitPrice: d("40"), Quantity: 1}
		amount, err := e.CalculateDiscount(ctx, p, dctx)
		require.NoError(t, err)

		require.NoError(t, e.RecordUsage(ctx, "p1", "order-1", "u1", amount))

		_, err = e.CalculateDiscount(ctx, p, dctx)
		require.ErrorIs(t, err, ErrUsageLimitReached)
	})

	t.Run("per-user policy caps repeat users but not others", func(t *testing.T) {
		p := &Promotion{ID: "p1", Kind: KindFixed, Value: d("5"), Active: true}
		ledger := newFakeLedger()
		e := newTestEngine(newFakeRepo(p), ledger, limitPolicy(1))

		require.NoError(t, e.RecordUsage(ctx, "p1", "order-1", "alice", d("5")))

		_, err := e.CalculateDiscount(ctx, p, Context{
			ProductID: "x", UnitPrice: d("10"), Quantity: 1, UserID: "alice",
		})
		require.ErrorIs(t, err, ErrUsageLimitReached)

		// A different user and the anonymous path are unaffected.
		_, err = e.CalculateDiscount(ctx, p, Context{
			ProductID: "x", UnitPrice: d("10"), Quantity: 1, UserID: "bob",
		})
		require.NoError(t, err)
		_, err = e.CalculateDiscount(ctx, p, Context{
			ProductID: "x", UnitPrice: d("10"), Quantity: 1,
		})
		require.NoError(t, err)
	})
}

func TestEngineRecordUsage(t *testing.T) {
	ctx := context.Background()
	p := &Promotion{ID: "p1", Kind: KindFixed, Value: d("5"), Active: true, MaxUsage: 2}

	t.Run("duplicate order is rejected and not double-counted", func(t *testing.T) {
		ledger := newFakeLedger()
		e := newTestEngine(newFakeRepo(p), ledger, nil)

		require.NoError(t, e.RecordUsage(ctx, "p1", "order-1", "u1", d("5")))
		require.ErrorIs(t, e.RecordUsage(ctx, "p1", "order-1", "u1", d("5")), ErrDuplicateUsage)

		count, err := ledger.Count(ctx, "p1")
		require.NoError(t, err)
		assert.Equal(t, 1, count)
	})

	t.Run("unknown promotion", func(t *testing.T) {
		e := newTestEngine(newFakeRepo(), newFakeLedger(), nil)
		err := e.RecordUsage(ctx, "missing", "order-1", "u1", d("5"))
		require.ErrorIs(t, err, ErrPromotionNotFound)
	})

	t.Run("cap enforced at write time", func(t *testing.T) {
		ledger := newFakeLedger()
		e := newTestEngine(newFakeRepo(p), ledger, nil)

		require.NoError(t, e.RecordUsage(ctx, "p1", "order-1", "u1", d("5")))
		require.NoError(t, e.RecordUsage(ctx, "p1", "order-2", "u2", d("5")))
		require.ErrorIs(t, e.RecordUsage(ctx, "p1", "order-3", "u3", d("5")), ErrUsageLimitReached)
	})
}

func TestEngineListAvailablePromotions(t *testing.T) {
	ctx := context.Background()
	now := time.Date(2025, 6, 15, 12, 0, 0, 0, time.UTC)
	past := now.Add(-time.Hour)

	usable := &Promotion{ID: "p1", Kind: KindPercentage, Value: d("10"), Active: true}
	scoped := &Promotion{ID: "p2", Kind: KindFixed, Value: d("5"), Active: true, ProductIDs: []string{"prod-a"}}
	inactive := &Promotion{ID: "p3", Kind: KindPercentage, Value: d("10"), Active: false}
	expired := &Promotion{ID: "p4", Kind: KindPercentage, Value: d("10"), Active: true, EndAt: &past}

	e := newTestEngine(newFakeRepo(usable, scoped, inactive, expired), newFakeLedger(), nil)

	got, err := e.ListAvailablePromotions(ctx, "prod-a")
	require.NoError(t, err)

	ids := make([]string, len(got))
	for i, p := range got {
		ids[i] = p.ID
	}
	assert.ElementsMatch(t, []string{"p1", "p2"}, ids)

	// Off-scope product only sees the unscoped promotion.
	got, err = e.ListAvailablePromotions(ctx, "prod-z")
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "p1", got[0].ID)
}

func TestEngineEligibilityAndActivity(t *testing.T) {
	p := &Promotion{ID: "p1", Kind: KindPercentage, Value: d("10"), Active: true, ProductIDs: []string{"prod-a"}}
	e := newTestEngine(newFakeRepo(p), newFakeLedger(), nil)

	assert.True(t, e.IsProductEligible("prod-a", p))
	assert.False(t, e.IsProductEligible("prod-b", p))
	assert.True(t, e.IsActive(p))
	assert.False(t, e.IsActive(nil))
}

func TestReason(t *testing.T) {
	// Every error kind maps to a distinct shopper-facing string.
	errs := []error{
		ErrNilPromotion, ErrUnsupportedKind, ErrMalformedTerms, ErrInactive,
		ErrNotStarted, ErrExpired, ErrUsageLimitReached, ErrNotApplicable,
		ErrDuplicateUsage, ErrPromotionNotFound,
	}
	seen := make(map[string]struct{})
	for _, err := range errs {
		r := Reason(err)
		require.NotEmpty(t, r)
		_, dup := seen[r]
		assert.False(t, dup, "duplicate reason %q", r)
		seen[r] = struct{}{}
	}
}
