package handler

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/xenking/storefront-checkout/internal/domain/order"
)

// GetOrder handles GET /api/orders/{id}. Orders of other customers are
// reported as not found.
func (h *Handler) GetOrder(w http.ResponseWriter, r *http.Request) {
	o, err := h.orders.GetByID(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeDomainError(w, r, err)
		return
	}
	who := identity(r)
	if o.TenantID != who.TenantID || o.CustomerID != who.CustomerID {
		writeDomainError(w, r, order.ErrNotFound)
		return
	}
	writeJSON(w, http.StatusOK, toOrderResponse(o))
}
