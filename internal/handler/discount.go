package handler

import (
	"io"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-faster/jx"
	"github.com/shopspring/decimal"

	"github.com/shoply/promo-engine/internal/promotion"
)

// calculateRequest is the body of POST /discounts/calculate.
type calculateRequest struct {
	Code      string
	ProductID string
	UnitPrice decimal.Decimal
	Quantity  int
	UserID    string
	CartTotal decimal.Decimal
}

func decodeCalculateRequest(body []byte) (calculateRequest, error) {
	var req calculateRequest
	d := jx.DecodeBytes(body)
	err := d.Obj(func(d *jx.Decoder, key string) error {
		switch key {
		case "code":
			v, err := d.Str()
			req.Code = v
			return err
		case "product_id":
			v, err := d.Str()
			req.ProductID = v
			return err
		case "unit_price":
			v, err := decodeDecimal(d)
			req.UnitPrice = v
			return err
		case "quantity":
			v, err := d.Int()
			req.Quantity = v
			return err
		case "user_id":
			v, err := d.Str()
			req.UserID = v
			return err
		case "cart_total":
			v, err := decodeDecimal(d)
			req.CartTotal = v
			return err
		default:
			return d.Skip()
		}
	})
	return req, err
}

// decodeDecimal reads a decimal encoded as a JSON string or number.
func decodeDecimal(d *jx.Decoder) (decimal.Decimal, error) {
	switch d.Next() {
	case jx.String:
		s, err := d.Str()
		if err != nil {
			return decimal.Zero, err
		}
		return decimal.NewFromString(s)
	default:
		n, err := d.Num()
		if err != nil {
			return decimal.Zero, err
		}
		return decimal.NewFromString(n.String())
	}
}

// calculateDiscount resolves the promotion by code and evaluates it against
// the supplied product context. It never records a usage; that is the
// checkout workflow's explicit second step.
func (h *Handler) calculateDiscount(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(r.Body)
	if err != nil {
		writeError(w, http.StatusBadRequest, "cannot read request body")
		return
	}

	req, err := decodeCalculateRequest(body)
	if err != nil {
		writeError(w, http.StatusBadRequest, "malformed request body")
		return
	}
	if req.Code == "" || req.ProductID == "" {
		writeError(w, http.StatusBadRequest, "code and product_id are required")
		return
	}
	if req.Quantity <= 0 {
		writeError(w, http.StatusUnprocessableEntity, "quantity must be greater than 0")
		return
	}
	if req.UnitPrice.IsNegative() {
		writeError(w, http.StatusUnprocessableEntity, "unit_price must not be negative")
		return
	}

	p, found, err := h.promos.FindByCode(r.Context(), req.Code)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	if !found {
		writeError(w, http.StatusNotFound, promotion.Reason(promotion.ErrPromotionNotFound))
		return
	}

	amount, err := h.engine.CalculateDiscount(r.Context(), p, promotion.Context{
		ProductID: req.ProductID,
		UnitPrice: req.UnitPrice,
		Quantity:  req.Quantity,
		UserID:    req.UserID,
		CartTotal: req.CartTotal,
	})
	if err != nil {
		writeEngineError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, func(e *jx.Encoder) {
		e.ObjStart()
		e.FieldStart("promotion_id")
		e.Str(p.ID)
		e.FieldStart("code")
		e.Str(p.Code)
		e.FieldStart("kind")
		e.Str(string(p.Kind))
		e.FieldStart("amount")
		e.Str(amount.StringFixed(2))
		e.ObjEnd()
	})
}

// usageRequest is the body of POST /promotions/{promotionID}/usages.
type usageRequest struct {
	OrderID string
	UserID  string
	Amount  decimal.Decimal
}

func decodeUsageRequest(body []byte) (usageRequest, error) {
	var req usageRequest
	d := jx.DecodeBytes(body)
	err := d.Obj(func(d *jx.Decoder, key string) error {
		switch key {
		case "order_id":
			v, err := d.Str()
			req.OrderID = v
			return err
		case "user_id":
			v, err := d.Str()
			req.UserID = v
			return err
		case "amount":
			v, err := decodeDecimal(d)
			req.Amount = v
			return err
		default:
			return d.Skip()
		}
	})
	return req, err
}

// recordUsage appends a usage record for a committed order. The ledger
// enforces the duplicate guard and the usage cap atomically, so a conflict or
// cap failure here means the caller must roll back the order's discount.
func (h *Handler) recordUsage(w http.ResponseWriter, r *http.Request) {
	promotionID := chi.URLParam(r, "promotionID")

	body, err := io.ReadAll(r.Body)
	if err != nil {
		writeError(w, http.StatusBadRequest, "cannot read request body")
		return
	}

	req, err := decodeUsageRequest(body)
	if err != nil {
		writeError(w, http.StatusBadRequest, "malformed request body")
		return
	}
	if req.OrderID == "" {
		writeError(w, http.StatusBadRequest, "order_id is required")
		return
	}
	if req.Amount.IsNegative() {
		writeError(w, http.StatusUnprocessableEntity, "amount must not be negative")
		return
	}

	if err := h.engine.RecordUsage(r.Context(), promotionID, req.OrderID, req.UserID, req.Amount); err != nil {
		writeEngineError(w, err)
		return
	}

	writeJSON(w, http.StatusCreated, func(e *jx.Encoder) {
		e.ObjStart()
		e.FieldStart("promotion_id")
		e.Str(promotionID)
		e.FieldStart("order_id")
		e.Str(req.OrderID)
		e.FieldStart("amount")
		e.Str(req.Amount.StringFixed(2))
		e.ObjEnd()
	})
}
