package promotion

import (
	"context"

	"github.com/go-faster/errors"
	"github.com/shopspring/decimal"
)

// UserPolicy supplies the per-user usage limit for a promotion. The limit is
// external policy and not stored on the Promotion itself. Zero means
// unlimited.
type UserPolicy interface {
	PerUserLimit(promotionID string) int
}

// UnlimitedPolicy is the default UserPolicy: no per-user cap.
type UnlimitedPolicy struct{}

// PerUserLimit always returns zero (unlimited).
func (UnlimitedPolicy) PerUserLimit(string) int { return 0 }

// Engine is the promotion evaluation facade. A single CalculateDiscount call
// resolves the strategy, validates usability and applicability, runs the
// strategy's own validation, and computes the discount.
//
// The engine is stateless per call and safe for concurrent use. It performs
// no side effects: recording a usage is the caller's explicit second step via
// RecordUsage, invoked only after the discount has been committed to an
// order. Abandoned checkouts therefore never consume the usage cap.
type Engine struct {
	promos    Repository
	ledger    Ledger
	validator *Validator
	policy    UserPolicy
}

// NewEngine creates an Engine. policy may be UnlimitedPolicy{} when the
// surrounding system defines no per-user cap.
func NewEngine(promos Repository, ledger Ledger, policy UserPolicy) *Engine {
	if policy == nil {
		policy = UnlimitedPolicy{}
	}
	return &Engine{
		promos:    promos,
		ledger:    ledger,
		validator: NewValidator(ledger),
		policy:    policy,
	}
}

// CalculateDiscount evaluates the promotion against dctx and returns the
// discount amount. The strategy is derived from the promotion's own kind.
func (e *Engine) CalculateDiscount(ctx context.Context, p *Promotion, dctx Context) (decimal.Decimal, error) {
	if p == nil {
		return decimal.Zero, ErrNilPromotion
	}
	return e.CalculateDiscountAs(ctx, p.Kind, p, dctx)
}

// CalculateDiscountAs is CalculateDiscount with an explicit kind override.
// An unknown kind fails with ErrUnsupportedKind before any strategy or
// validator runs.
func (e *Engine) CalculateDiscountAs(ctx context.Context, kind DiscountKind, p *Promotion, dctx Context) (decimal.Decimal, error) {
	strat, err := strategyFor(kind)
	if err != nil {
		return decimal.Zero, err
	}

	if err := e.validator.CheckUsable(ctx, p); err != nil {
		return decimal.Zero, err
	}
	if err := e.validator.CheckApplicable(p, dctx.ProductID); err != nil {
		return decimal.Zero, err
	}
	if err := e.checkUserCap(ctx, p, dctx.UserID); err != nil {
		return decimal.Zero, err
	}
	if err := strat.Validate(p); err != nil {
		return decimal.Zero, err
	}

	return strat.Discount(p, dctx.UnitPrice, dctx.Quantity), nil
}

// checkUserCap enforces the externally supplied per-user limit, when one is
// defined and the caller is not anonymous.
func (e *Engine) checkUserCap(ctx context.Context, p *Promotion, userID string) error {
	limit := e.policy.PerUserLimit(p.ID)
	if limit <= 0 || userID == "" {
		return nil
	}
	count, err := e.ledger.CountByUser(ctx, p.ID, userID)
	if err != nil {
		return errors.Wrap(err, "count user usages")
	}
	if count >= limit {
		return errors.Wrap(ErrUsageLimitReached, "per-user limit")
	}
	return nil
}

// IsActive reports whether the promotion is live right now (active flag and
// time window; the usage cap is not consulted). Intended for display.
func (e *Engine) IsActive(p *Promotion) bool {
	return e.validator.IsActive(p)
}

// IsProductEligible reports whether the promotion's scope admits the product.
func (e *Engine) IsProductEligible(productID string, p *Promotion) bool {
	return e.validator.CheckApplicable(p, productID) == nil
}

// ListAvailablePromotions returns the promotions currently usable for the
// given product, in repository order. Promotions that fail the usability
// check are filtered out rather than surfaced as errors.
func (e *Engine) ListAvailablePromotions(ctx context.Context, productID string) ([]Promotion, error) {
	candidates, err := e.promos.ListByProduct(ctx, productID)
	if err != nil {
		return nil, errors.Wrap(err, "list promotions by product")
	}

	available := make([]Promotion, 0, len(candidates))
	for i := range candidates {
		p := &candidates[i]
		if e.validator.CheckUsable(ctx, p) != nil {
			continue
		}
		if e.validator.CheckApplicable(p, productID) != nil {
			continue
		}
		available = append(available, *p)
	}
	return available, nil
}

// RecordUsage appends a usage record for a committed order. The ledger
// enforces the usage cap again atomically at write time, so a concurrent
// race past the calculation-time check still admits at most MaxUsage records.
// A failure here means the caller must roll back the provisional discount.
func (e *Engine) RecordUsage(ctx context.Context, promotionID, orderID, userID string, amount decimal.Decimal) error {
	p, ok, err := e.promos.FindByID(ctx, promotionID)
	if err != nil {
		return errors.Wrap(err, "find promotion")
	}
	if !ok {
		return ErrPromotionNotFound
	}

	rec := UsageRecord{
		PromotionID: promotionID,
		OrderID:     orderID,
		UserID:      userID,
		Amount:      amount,
	}
	return e.ledger.Record(ctx, rec, p.MaxUsage)
}

// Reason maps an engine error to the human-readable string shown to the
// shopper. Unknown errors map to a generic message.
func Reason(err error) string {
	switch {
	case errors.Is(err, ErrNilPromotion):
		return "a promotion is required"
	case errors.Is(err, ErrUnsupportedKind):
		return "this discount type is not supported"
	case errors.Is(err, ErrMalformedTerms):
		return "this promotion is misconfigured"
	case errors.Is(err, ErrInactive):
		return "this code is not currently active"
	case errors.Is(err, ErrNotStarted):
		return "this code is not valid yet"
	case errors.Is(err, ErrExpired):
		return "this code has expired"
	case errors.Is(err, ErrUsageLimitReached):
		return "this code has reached its usage limit"
	case errors.Is(err, ErrNotApplicable):
		return "this code is not valid for this item"
	case errors.Is(err, ErrDuplicateUsage):
		return "this code was already applied to this order"
	case errors.Is(err, ErrPromotionNotFound):
		return "this code is not recognized"
	default:
		return "this code cannot be applied"
	}
}
