package handler

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/xenking/storefront-checkout/internal/domain/cart"
)

type addLineRequest struct {
	ProductID       *string `json:"productId" validate:"required_without=CustomizationID,excluded_with=CustomizationID"`
	CustomizationID *string `json:"customizationId"`
	Quantity        int     `json:"quantity" validate:"gte=1,lte=999"`
	SelectedColor   *string `json:"selectedColor" validate:"omitempty,max=64"`
	SelectedSize    *string `json:"selectedSize" validate:"omitempty,max=64"`
}

type updateLineRequest struct {
	// Zero removes the line.
	Quantity int `json:"quantity" validate:"gte=0,lte=999"`
}

// GetCart handles GET /api/cart.
func (h *Handler) GetCart(w http.ResponseWriter, r *http.Request) {
	who := identity(r)
	c, err := h.carts.Get(r.Context(), who.TenantID, who.CustomerID)
	if err != nil {
		writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toCartResponse(c))
}

// AddCartLine handles POST /api/cart/lines.
func (h *Handler) AddCartLine(w http.ResponseWriter, r *http.Request) {
	var req addLineRequest
	if !decode(w, r, &req) {
		return
	}
	who := identity(r)
	c, err := h.carts.Add(r.Context(), who.TenantID, who.CustomerID, cart.AddRequest{
		ProductID:       req.ProductID,
		CustomizationID: req.CustomizationID,
		Quantity:        req.Quantity,
		SelectedColor:   req.SelectedColor,
		SelectedSize:    req.SelectedSize,
	})
	if err != nil {
		writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, toCartResponse(c))
}

// UpdateCartLine handles PATCH /api/cart/lines/{lineID}.
func (h *Handler) UpdateCartLine(w http.ResponseWriter, r *http.Request) {
	var req updateLineRequest
	if !decode(w, r, &req) {
		return
	}
	who := identity(r)
	c, err := h.carts.UpdateQuantity(r.Context(), who.TenantID, who.CustomerID, chi.URLParam(r, "lineID"), req.Quantity)
	if err != nil {
		writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toCartResponse(c))
}

// RemoveCartLine handles DELETE /api/cart/lines/{lineID}.
func (h *Handler) RemoveCartLine(w http.ResponseWriter, r *http.Request) {
	who := identity(r)
	c, err := h.carts.RemoveLine(r.Context(), who.TenantID, who.CustomerID, chi.URLParam(r, "lineID"))
	if err != nil {
		writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toCartResponse(c))
}
