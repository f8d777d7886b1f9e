// Package promotion implements the discount evaluation engine: discount
// strategies, promotion validation, and usage-cap enforcement.
package promotion

import (
	"context"
	"time"

	"github.com/go-faster/errors"
	"github.com/shopspring/decimal"
)

// DiscountKind enumerates the supported discount strategies.
type DiscountKind string

const (
	// KindPercentage discounts a percentage of the line subtotal.
	KindPercentage DiscountKind = "percentage"
	// KindFixed discounts a fixed amount per unit, capped at the line subtotal.
	KindFixed DiscountKind = "fixed"
	// KindBuyXGetY grants free units for every buy+get batch in the quantity.
	KindBuyXGetY DiscountKind = "buyxgety"
	// KindFreeShipping waives the shipping fee; the product line is untouched.
	KindFreeShipping DiscountKind = "freeshipping"
)

// Supported reports whether a strategy exists for this kind. It has no side
// effects and never allocates.
func (k DiscountKind) Supported() bool {
	switch k {
	case KindPercentage, KindFixed, KindBuyXGetY, KindFreeShipping:
		return true
	default:
		return false
	}
}

var (
	// ErrNilPromotion is returned when a nil promotion is passed in.
	ErrNilPromotion = errors.New("promotion is required")
	// ErrUnsupportedKind is returned for a discount kind with no strategy.
	ErrUnsupportedKind = errors.New("unsupported discount kind")
	// ErrMalformedTerms is returned when a promotion's terms fail the
	// strategy-specific validation. It signals a misconfigured rule, as
	// opposed to a rule that is merely not usable right now.
	ErrMalformedTerms = errors.New("malformed promotion terms")
	// ErrInactive is returned when the promotion's active flag is off.
	ErrInactive = errors.New("promotion is not active")
	// ErrNotStarted is returned before the promotion's start time.
	ErrNotStarted = errors.New("promotion has not started yet")
	// ErrExpired is returned after the promotion's end time.
	ErrExpired = errors.New("promotion has expired")
	// ErrUsageLimitReached is returned when the usage cap is exhausted,
	// either at calculation time or atomically at record time.
	ErrUsageLimitReached = errors.New("promotion usage limit reached")
	// ErrNotApplicable is returned when the target product is outside the
	// promotion's product scope.
	ErrNotApplicable = errors.New("promotion not applicable to this product")
	// ErrDuplicateUsage is returned when a usage record already exists for
	// the same (promotion, order) pair.
	ErrDuplicateUsage = errors.New("promotion already applied to this order")
	// ErrPromotionNotFound is returned by the engine when a referenced
	// promotion does not exist.
	ErrPromotionNotFound = errors.New("promotion not found")
)

// Promotion is a configured discount rule. The engine treats it as read-only
// input; creation and mutation belong to the admin workflow.
type Promotion struct {
	ID   string
	Code string

	Kind  DiscountKind
	Value decimal.Decimal

	// BuyQuantity and GetQuantity are only meaningful for KindBuyXGetY.
	BuyQuantity int
	GetQuantity int

	// ProductIDs is the eligible product scope. Empty means the promotion
	// applies to every product.
	ProductIDs []string

	// StartAt and EndAt bound the lifecycle window. Nil means unbounded
	// on that side.
	StartAt *time.Time
	EndAt   *time.Time

	Active bool

	// MaxUsage caps the total number of usages. Zero means unlimited.
	MaxUsage int
}

// AppliesToAll reports whether the promotion has no product scope.
func (p *Promotion) AppliesToAll() bool {
	return len(p.ProductIDs) == 0
}

// UsageRecord is an append-only ledger entry marking a committed application
// of a promotion to an order.
type UsageRecord struct {
	PromotionID string
	OrderID     string
	// UserID is empty for anonymous checkouts.
	UserID string
	Amount decimal.Decimal
	UsedAt time.Time
}

// Context carries the per-request inputs for a single discount calculation.
// It is transient and never persisted.
type Context struct {
	ProductID string
	UnitPrice decimal.Decimal
	Quantity  int
	// UserID is optional; empty means anonymous.
	UserID string
	// CartTotal is optional and informational; current strategies do not
	// consume it.
	CartTotal decimal.Decimal
}

// Repository provides read-only lookup of promotion rules. Lookups that can
// legitimately miss return an explicit found flag instead of a nil result.
type Repository interface {
	FindByID(ctx context.Context, id string) (*Promotion, bool, error)
	FindByCode(ctx context.Context, code string) (*Promotion, bool, error)
	// ListByProduct returns the promotions whose scope admits the given
	// product, including promotions with an empty scope, ordered by ID.
	ListByProduct(ctx context.Context, productID string) ([]Promotion, error)
}

// Ledger records committed promotion usages and answers the count queries
// used to enforce usage caps.
//
// Record must enforce the cap again at write time, atomically: the usability
// check and the later record are two separate calls, so two concurrent
// checkouts can both pass the check with one slot left. Exactly one of them
// may win the slot.
type Ledger interface {
	// Record appends rec. maxUsage is the promotion's cap (zero means
	// unlimited). It fails with ErrDuplicateUsage when a record for the
	// same (promotion, order) pair exists, and with ErrUsageLimitReached
	// when the committed count has already reached maxUsage.
	Record(ctx context.Context, rec UsageRecord, maxUsage int) error
	// Count returns the total number of usages for the promotion.
	Count(ctx context.Context, promotionID string) (int, error)
	// CountByUser returns the number of usages by a single user. The
	// per-user cap value itself is external policy.
	CountByUser(ctx context.Context, promotionID, userID string) (int, error)
}
