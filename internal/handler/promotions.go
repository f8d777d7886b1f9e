package handler

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-faster/jx"

	"github.com/shoply/promo-engine/internal/promotion"
)

// getPromotion returns a single promotion with its live activity state.
func (h *Handler) getPromotion(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "promotionID")

	p, found, err := h.promos.FindByID(r.Context(), id)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	if !found {
		writeError(w, http.StatusNotFound, promotion.Reason(promotion.ErrPromotionNotFound))
		return
	}

	writeJSON(w, http.StatusOK, func(e *jx.Encoder) {
		h.encodePromotion(e, p)
	})
}

// listPromotions returns the promotions currently usable for a product.
func (h *Handler) listPromotions(w http.ResponseWriter, r *http.Request) {
	productID := chi.URLParam(r, "productID")

	promos, err := h.engine.ListAvailablePromotions(r.Context(), productID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}

	writeJSON(w, http.StatusOK, func(e *jx.Encoder) {
		e.ObjStart()
		e.FieldStart("promotions")
		e.ArrStart()
		for i := range promos {
			h.encodePromotion(e, &promos[i])
		}
		e.ArrEnd()
		e.ObjEnd()
	})
}

// encodePromotion writes the public JSON shape of a promotion. The "active"
// field reflects the live flag-and-window state, not the stored flag alone.
func (h *Handler) encodePromotion(e *jx.Encoder, p *promotion.Promotion) {
	e.ObjStart()
	e.FieldStart("id")
	e.Str(p.ID)
	e.FieldStart("code")
	e.Str(p.Code)
	e.FieldStart("kind")
	e.Str(string(p.Kind))
	e.FieldStart("value")
	e.Str(p.Value.String())
	if p.Kind == promotion.KindBuyXGetY {
		e.FieldStart("buy_quantity")
		e.Int(p.BuyQuantity)
		e.FieldStart("get_quantity")
		e.Int(p.GetQuantity)
	}
	e.FieldStart("product_ids")
	e.ArrStart()
	for _, id := range p.ProductIDs {
		e.Str(id)
	}
	e.ArrEnd()
	encodeTime(e, "start_at", p.StartAt)
	encodeTime(e, "end_at", p.EndAt)
	e.FieldStart("active")
	e.Bool(h.engine.IsActive(p))
	e.FieldStart("max_usage")
	e.Int(p.MaxUsage)
	e.ObjEnd()
}

func encodeTime(e *jx.Encoder, field string, t *time.Time) {
	e.FieldStart(field)
	if t == nil {
		e.Null()
		return
	}
	e.Str(t.Format(time.RFC3339))
}
