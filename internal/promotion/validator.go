package promotion

import (
	"context"
	"slices"
	"time"

	"github.com/go-faster/errors"
)

// Validator evaluates whether a promotion is usable in the abstract and
// whether it applies to a specific product. It is stateless apart from the
// injected clock and ledger.
type Validator struct {
	ledger Ledger
	now    func() time.Time
}

// NewValidator creates a Validator backed by the given usage ledger.
func NewValidator(ledger Ledger) *Validator {
	return &Validator{ledger: ledger, now: time.Now}
}

// CheckUsable runs the promotion-level usability check. Conditions are
// evaluated in a fixed order and the first failure wins: nil promotion,
// inactive, not started, expired, usage cap reached.
func (v *Validator) CheckUsable(ctx context.Context, p *Promotion) error {
	if p == nil {
		return ErrNilPromotion
	}
	if !p.Active {
		return ErrInactive
	}
	if err := timeWindowError(p, v.now()); err != nil {
		return err
	}
	if p.MaxUsage > 0 {
		count, err := v.ledger.Count(ctx, p.ID)
		if err != nil {
			return errors.Wrap(err, "count usages")
		}
		if count >= p.MaxUsage {
			return ErrUsageLimitReached
		}
	}
	return nil
}

// CheckApplicable verifies the target product against the promotion's scope.
// An empty scope admits every product.
func (v *Validator) CheckApplicable(p *Promotion, productID string) error {
	if p == nil {
		return ErrNilPromotion
	}
	if p.AppliesToAll() {
		return nil
	}
	if !slices.Contains(p.ProductIDs, productID) {
		return ErrNotApplicable
	}
	return nil
}

// IsActive reports whether the promotion is live right now: active flag on
// and within the time window. It deliberately shares the window comparison
// with CheckUsable so a promotion never "looks active" while failing the
// usability check on time grounds. The usage cap is not consulted.
func (v *Validator) IsActive(p *Promotion) bool {
	if p == nil || !p.Active {
		return false
	}
	return timeWindowError(p, v.now()) == nil
}

// timeWindowError is the single source of truth for lifecycle-window checks.
func timeWindowError(p *Promotion, now time.Time) error {
	if p.StartAt != nil && now.Before(*p.StartAt) {
		return ErrNotStarted
	}
	if p.EndAt != nil && now.After(*p.EndAt) {
		return ErrExpired
	}
	return nil
}
