package handler

import (
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/xenking/storefront-checkout/internal/domain/checkout"
)

const headerIdempotencyKey = "Idempotency-Key"

type deliveryRequest struct {
	AddressID string `json:"addressId" validate:"required,max=64"`
	SlotID    string `json:"slotId" validate:"required,max=64"`
}

type paymentRequest struct {
	FullName       string `json:"fullName" validate:"required,max=200"`
	Phone          string `json:"phone" validate:"required,max=32"`
	Email          string `json:"email" validate:"required_without=AlternateEmail,omitempty,email"`
	AlternateEmail string `json:"alternateEmail" validate:"omitempty,email"`
	PaymentMethod  string `json:"paymentMethod" validate:"omitempty,max=32"`
	Notes          string `json:"notes" validate:"max=1000"`
}

type discountRequest struct {
	Code string `json:"code" validate:"required,max=64"`
}

// BeginCheckout handles POST /api/checkout.
func (h *Handler) BeginCheckout(w http.ResponseWriter, r *http.Request) {
	who := identity(r)
	s, err := h.checkout.Begin(r.Context(), who.TenantID, who.CustomerID)
	if err != nil {
		writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, toSessionResponse(s))
}

// GetCheckout handles GET /api/checkout/{id}. The response carries the
// current price breakdown.
func (h *Handler) GetCheckout(w http.ResponseWriter, r *http.Request) {
	p, err := h.checkout.Quote(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toPreviewResponse(p))
}

// SelectDelivery handles PUT /api/checkout/{id}/delivery.
func (h *Handler) SelectDelivery(w http.ResponseWriter, r *http.Request) {
	var req deliveryRequest
	if !decode(w, r, &req) {
		return
	}
	s, err := h.checkout.SelectDelivery(r.Context(), chi.URLParam(r, "id"), req.AddressID, req.SlotID)
	if err != nil {
		writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toSessionResponse(s))
}

// SetPayment handles PUT /api/checkout/{id}/payment.
func (h *Handler) SetPayment(w http.ResponseWriter, r *http.Request) {
	var req paymentRequest
	if !decode(w, r, &req) {
		return
	}
	contact := checkout.Contact{
		FullName:       req.FullName,
		Phone:          req.Phone,
		Email:          req.Email,
		AlternateEmail: req.AlternateEmail,
	}
	s, err := h.checkout.SetPayment(r.Context(), chi.URLParam(r, "id"), contact, req.PaymentMethod, req.Notes)
	if err != nil {
		writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toSessionResponse(s))
}

// ApplyDiscount handles POST /api/checkout/{id}/discount.
func (h *Handler) ApplyDiscount(w http.ResponseWriter, r *http.Request) {
	var req discountRequest
	if !decode(w, r, &req) {
		return
	}
	s, err := h.checkout.ApplyCode(r.Context(), chi.URLParam(r, "id"), req.Code)
	if err != nil {
		writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toSessionResponse(s))
}

// RemoveDiscount handles DELETE /api/checkout/{id}/discount.
func (h *Handler) RemoveDiscount(w http.ResponseWriter, r *http.Request) {
	s, err := h.checkout.RemoveCode(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toSessionResponse(s))
}

// Submit handles POST /api/checkout/{id}/submit. A first submission answers
// 201; a replay of an already settled submission answers 200 with the same
// order.
func (h *Handler) Submit(w http.ResponseWriter, r *http.Request) {
	key := strings.TrimSpace(r.Header.Get(headerIdempotencyKey))
	if len(key) > 255 {
		writeError(w, http.StatusBadRequest, headerIdempotencyKey+" must be at most 255 characters")
		return
	}
	res, err := h.checkout.Submit(r.Context(), chi.URLParam(r, "id"), key)
	if err != nil {
		writeDomainError(w, r, err)
		return
	}
	status := http.StatusCreated
	if res.Replayed {
		status = http.StatusOK
	}
	writeJSON(w, status, toSubmitResponse(res))
}
