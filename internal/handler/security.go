package handler

import (
	"net/http"
	"strings"

	"github.com/go-faster/sdk/zctx"
	"go.uber.org/zap"

	"github.com/xenking/storefront-checkout/internal/domain/auth"
)

// Request headers identifying the caller.
const (
	HeaderAPIKey     = "X-API-Key"
	HeaderCustomerID = "X-Customer-ID"
)

// authenticate resolves X-API-Key to a tenant and stores the caller identity
// (tenant plus X-Customer-ID) in the request context.
func (h *Handler) authenticate(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()
		info, err := h.keys.Authenticate(ctx, r.Header.Get(HeaderAPIKey))
		if err != nil {
			writeError(w, http.StatusUnauthorized, "invalid or missing API key")
			return
		}
		customerID := strings.TrimSpace(r.Header.Get(HeaderCustomerID))
		if customerID == "" {
			writeError(w, http.StatusBadRequest, HeaderCustomerID+" header is required")
			return
		}

		ctx = auth.WithIdentity(ctx, auth.Identity{TenantID: info.TenantID, CustomerID: customerID})
		ctx = zctx.With(ctx,
			zap.String("tenant_id", info.TenantID),
			zap.String("customer_id", customerID),
		)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// identity returns the caller set by authenticate.
func identity(r *http.Request) auth.Identity {
	id, _ := auth.FromContext(r.Context())
	return id
}
