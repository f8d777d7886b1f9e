package promotion

import (
	"github.com/go-faster/errors"
	"github.com/shopspring/decimal"
)

var hundred = decimal.NewFromInt(100)

// strategy computes a discount for one promotion kind. Implementations are
// pure: no I/O, no shared state, safe for concurrent use.
type strategy interface {
	// Validate fails fast with ErrMalformedTerms when the promotion's
	// terms are invalid for this kind.
	Validate(p *Promotion) error
	// Discount returns the discount amount for unitPrice × quantity.
	// Terms are assumed valid; call Validate first.
	Discount(p *Promotion, unitPrice decimal.Decimal, quantity int) decimal.Decimal
}

// strategyFor maps a discount kind to its strategy. The switch is exhaustive
// over the closed set of kinds; adding a kind is a compile-time change here
// plus a new strategy type, not a runtime registration.
func strategyFor(kind DiscountKind) (strategy, error) {
	switch kind {
	case KindPercentage:
		return percentageStrategy{}, nil
	case KindFixed:
		return fixedStrategy{}, nil
	case KindBuyXGetY:
		return buyXGetYStrategy{}, nil
	case KindFreeShipping:
		return freeShippingStrategy{}, nil
	default:
		return nil, errors.Wrapf(ErrUnsupportedKind, "kind %q", kind)
	}
}

// percentageStrategy discounts Value percent of the line subtotal, rounded to
// two decimal places (half up).
type percentageStrategy struct{}

func (percentageStrategy) Validate(p *Promotion) error {
	if !p.Value.IsPositive() || p.Value.GreaterThan(hundred) {
		return errors.Wrapf(ErrMalformedTerms, "percentage value %s must be in (0, 100]", p.Value)
	}
	return nil
}

func (percentageStrategy) Discount(p *Promotion, unitPrice decimal.Decimal, quantity int) decimal.Decimal {
	subtotal := unitPrice.Mul(decimal.NewFromInt(int64(quantity)))
	// decimal.Round rounds half away from zero, which is half-up for the
	// non-negative amounts handled here.
	return subtotal.Mul(p.Value).Div(hundred).Round(2)
}

// fixedStrategy discounts Value per unit, capped at the line subtotal so the
// line never goes negative.
type fixedStrategy struct{}

func (fixedStrategy) Validate(p *Promotion) error {
	if !p.Value.IsPositive() {
		return errors.Wrapf(ErrMalformedTerms, "fixed value %s must be positive", p.Value)
	}
	return nil
}

func (fixedStrategy) Discount(p *Promotion, unitPrice decimal.Decimal, quantity int) decimal.Decimal {
	qty := decimal.NewFromInt(int64(quantity))
	return decimal.Min(p.Value.Mul(qty), unitPrice.Mul(qty)).Round(2)
}

// buyXGetYStrategy grants GetQuantity free units for every complete
// BuyQuantity+GetQuantity batch, plus extra free units when the remainder
// exceeds the buy threshold.
type buyXGetYStrategy struct{}

func (buyXGetYStrategy) Validate(p *Promotion) error {
	if p.BuyQuantity <= 0 || p.GetQuantity <= 0 {
		return errors.Wrapf(ErrMalformedTerms,
			"buy %d and get %d quantities must both be positive", p.BuyQuantity, p.GetQuantity)
	}
	return nil
}

func (buyXGetYStrategy) Discount(p *Promotion, unitPrice decimal.Decimal, quantity int) decimal.Decimal {
	batch := p.BuyQuantity + p.GetQuantity
	fullBatches := quantity / batch
	free := fullBatches * p.GetQuantity

	// A partial batch beyond the buy threshold counts as fulfilled: the
	// units past BuyQuantity are free. Intentionally generous; see the
	// engine's documented remainder rule before changing this.
	if remainder := quantity % batch; remainder > p.BuyQuantity {
		free += remainder - p.BuyQuantity
	}

	return unitPrice.Mul(decimal.NewFromInt(int64(free))).Round(2)
}

// freeShippingStrategy never discounts the product line. The shipping fee
// waiver is applied by the shipping-cost collaborator, not here.
type freeShippingStrategy struct{}

func (freeShippingStrategy) Validate(*Promotion) error { return nil }

func (freeShippingStrategy) Discount(*Promotion, decimal.Decimal, int) decimal.Decimal {
	return decimal.Zero
}
