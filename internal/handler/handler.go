// Package handler exposes the promotion engine over HTTP.
package handler

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-faster/errors"
	"github.com/go-faster/jx"

	"github.com/shoply/promo-engine/internal/promotion"
)

// Handler serves the promotion API. Business logic lives in the engine; the
// handler only parses requests and maps domain errors to responses.
type Handler struct {
	engine *promotion.Engine
	promos promotion.Repository
}

// New constructs a Handler with the required domain dependencies.
func New(engine *promotion.Engine, promos promotion.Repository) *Handler {
	return &Handler{
		engine: engine,
		promos: promos,
	}
}

// Register mounts the API routes on the given router.
func (h *Handler) Register(r chi.Router) {
	r.Get("/products/{productID}/promotions", h.listPromotions)
	r.Post("/discounts/calculate", h.calculateDiscount)
	r.Get("/promotions/{promotionID}", h.getPromotion)
	r.Post("/promotions/{promotionID}/usages", h.recordUsage)
}

// writeJSON writes a jx-encoded body with the given status.
func writeJSON(w http.ResponseWriter, status int, encode func(e *jx.Encoder)) {
	var e jx.Encoder
	encode(&e)

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_, _ = w.Write(e.Bytes())
}

// writeError writes the standard error body: {"code": N, "message": "..."}.
func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, func(e *jx.Encoder) {
		e.ObjStart()
		e.FieldStart("code")
		e.Int(status)
		e.FieldStart("message")
		e.Str(message)
		e.ObjEnd()
	})
}

// writeEngineError maps a domain error to an HTTP status and the
// shopper-facing reason string.
func writeEngineError(w http.ResponseWriter, err error) {
	status := http.StatusUnprocessableEntity
	switch {
	case errors.Is(err, promotion.ErrPromotionNotFound):
		status = http.StatusNotFound
	case errors.Is(err, promotion.ErrDuplicateUsage):
		status = http.StatusConflict
	case errors.Is(err, promotion.ErrNilPromotion):
		status = http.StatusBadRequest
	case isRejection(err):
		// keep 422
	default:
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	writeError(w, status, promotion.Reason(err))
}

// isRejection reports whether err is one of the engine's expected rejection
// kinds, as opposed to an infrastructure failure.
func isRejection(err error) bool {
	for _, target := range []error{
		promotion.ErrUnsupportedKind,
		promotion.ErrMalformedTerms,
		promotion.ErrInactive,
		promotion.ErrNotStarted,
		promotion.ErrExpired,
		promotion.ErrUsageLimitReached,
		promotion.ErrNotApplicable,
	} {
		if errors.Is(err, target) {
			return true
		}
	}
	return false
}
