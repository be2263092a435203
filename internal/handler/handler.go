// Package handler exposes the cart, checkout and order operations over a
// JSON HTTP API.
package handler

import (
	"context"
	"net/http"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/xenking/storefront-checkout/internal/domain/auth"
	"github.com/xenking/storefront-checkout/internal/domain/cart"
	"github.com/xenking/storefront-checkout/internal/domain/checkout"
	"github.com/xenking/storefront-checkout/internal/domain/order"
)

// Carts is the cart service used by the cart endpoints.
type Carts interface {
	Get(ctx context.Context, tenantID, customerID string) (*cart.Cart, error)
	Add(ctx context.Context, tenantID, customerID string, req cart.AddRequest) (*cart.Cart, error)
	UpdateQuantity(ctx context.Context, tenantID, customerID, lineID string, qty int) (*cart.Cart, error)
	RemoveLine(ctx context.Context, tenantID, customerID, lineID string) (*cart.Cart, error)
}

// Checkout is the checkout orchestrator.
type Checkout interface {
	Begin(ctx context.Context, tenantID, customerID string) (*checkout.Session, error)
	Quote(ctx context.Context, id string) (*checkout.Preview, error)
	SelectDelivery(ctx context.Context, id, addressID, slotID string) (*checkout.Session, error)
	SetPayment(ctx context.Context, id string, contact checkout.Contact, method, notes string) (*checkout.Session, error)
	ApplyCode(ctx context.Context, id, code string) (*checkout.Session, error)
	RemoveCode(ctx context.Context, id string) (*checkout.Session, error)
	Submit(ctx context.Context, id, idempotencyKey string) (*checkout.Result, error)
}

// Orders reads persisted orders.
type Orders interface {
	GetByID(ctx context.Context, id string) (*order.Order, error)
}

// Authenticator resolves raw API keys.
type Authenticator interface {
	Authenticate(ctx context.Context, key string) (*auth.APIKeyInfo, error)
}

// Handler serves the storefront API.
type Handler struct {
	carts    Carts
	checkout Checkout
	orders   Orders
	keys     Authenticator
	lg       *zap.Logger
}

// New creates a Handler.
func New(carts Carts, co Checkout, orders Orders, keys Authenticator, lg *zap.Logger) *Handler {
	return &Handler{
		carts:    carts,
		checkout: co,
		orders:   orders,
		keys:     keys,
		lg:       lg,
	}
}

// Routes returns the API router. Every route under /api requires an API key
// and a customer reference.
func (h *Handler) Routes() http.Handler {
	r := chi.NewRouter()
	r.NotFound(func(w http.ResponseWriter, _ *http.Request) {
		writeError(w, http.StatusNotFound, "route not found")
	})
	r.MethodNotAllowed(func(w http.ResponseWriter, _ *http.Request) {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
	})

	r.Route("/api", func(r chi.Router) {
		r.Use(h.authenticate)

		r.Route("/cart", func(r chi.Router) {
			r.Get("/", h.GetCart)
			r.Post("/lines", h.AddCartLine)
			r.Patch("/lines/{lineID}", h.UpdateCartLine)
			r.Delete("/lines/{lineID}", h.RemoveCartLine)
		})

		r.Route("/checkout", func(r chi.Router) {
			r.Post("/", h.BeginCheckout)
			r.Get("/{id}", h.GetCheckout)
			r.Put("/{id}/delivery", h.SelectDelivery)
			r.Put("/{id}/payment", h.SetPayment)
			r.Post("/{id}/discount", h.ApplyDiscount)
			r.Delete("/{id}/discount", h.RemoveDiscount)
			r.Post("/{id}/submit", h.Submit)
		})

		r.Get("/orders/{id}", h.GetOrder)
	})
	return r
}
