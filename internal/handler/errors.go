package handler

import (
	"encoding/json"
	"fmt"
	"net/http"
	"reflect"
	"strings"

	"github.com/go-faster/errors"
	"github.com/go-faster/sdk/zctx"
	"github.com/go-playground/validator/v10"
	"go.uber.org/zap"

	"github.com/xenking/storefront-checkout/internal/domain/cart"
	"github.com/xenking/storefront-checkout/internal/domain/catalog"
	"github.com/xenking/storefront-checkout/internal/domain/checkout"
	"github.com/xenking/storefront-checkout/internal/domain/delivery"
	"github.com/xenking/storefront-checkout/internal/domain/discount"
	"github.com/xenking/storefront-checkout/internal/domain/order"
	"github.com/xenking/storefront-checkout/internal/domain/stock"
)

const maxBodyBytes = 1 << 20

// errorResponse is the body of every non-2xx response.
type errorResponse struct {
	Code      int    `json:"code"`
	Message   string `json:"message"`
	ProductID string `json:"productId,omitempty"`
	Available *int   `json:"available,omitempty"`
}

var validate = newValidator()

func newValidator() *validator.Validate {
	v := validator.New(validator.WithRequiredStructEnabled())
	v.RegisterTagNameFunc(func(f reflect.StructField) string {
		name, _, _ := strings.Cut(f.Tag.Get("json"), ",")
		if name == "-" {
			return ""
		}
		return name
	})
	return v
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, errorResponse{Code: status, Message: msg})
}

// decode reads a JSON body into dst and validates it. It writes the error
// response itself and returns false on failure.
func decode(w http.ResponseWriter, r *http.Request, dst any) bool {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return false
	}
	if err := validate.Struct(dst); err != nil {
		writeError(w, http.StatusBadRequest, validationMessage(err))
		return false
	}
	return true
}

func validationMessage(err error) string {
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return err.Error()
	}
	msgs := make([]string, 0, len(verrs))
	for _, fe := range verrs {
		msgs = append(msgs, fmt.Sprintf("%s %s", fe.Field(), describeTag(fe)))
	}
	return strings.Join(msgs, "; ")
}

func describeTag(fe validator.FieldError) string {
	switch fe.Tag() {
	case "required":
		return "is required"
	case "required_without":
		return "is required when " + lowerFirst(fe.Param()) + " is not set"
	case "excluded_with":
		return "must not be set together with " + lowerFirst(fe.Param())
	case "email":
		return "must be a valid email address"
	case "gte", "min":
		return "must be at least " + fe.Param()
	case "lte", "max":
		return "must be at most " + fe.Param()
	default:
		return "failed " + fe.Tag() + " validation"
	}
}

func lowerFirst(s string) string {
	if s == "" {
		return s
	}
	return strings.ToLower(s[:1]) + s[1:]
}

var statusBySentinel = []struct {
	err    error
	status int
}{
	{checkout.ErrSessionNotFound, http.StatusNotFound},
	{order.ErrNotFound, http.StatusNotFound},
	{cart.ErrLineNotFound, http.StatusNotFound},
	{checkout.ErrSessionClosed, http.StatusConflict},
	{checkout.ErrNotReady, http.StatusConflict},
	{order.ErrDuplicate, http.StatusConflict},
	{checkout.ErrEmptyCart, http.StatusBadRequest},
	{checkout.ErrMissingAddress, http.StatusUnprocessableEntity},
	{checkout.ErrMissingSlot, http.StatusUnprocessableEntity},
	{checkout.ErrMissingContact, http.StatusUnprocessableEntity},
	{checkout.ErrUnsupportedPaymentMethod, http.StatusUnprocessableEntity},
	{cart.ErrInvalidLine, http.StatusUnprocessableEntity},
	{cart.ErrInvalidQuantity, http.StatusUnprocessableEntity},
	{catalog.ErrProductNotFound, http.StatusUnprocessableEntity},
	{catalog.ErrCustomizationNotFound, http.StatusUnprocessableEntity},
	{delivery.ErrMalformedSlotID, http.StatusUnprocessableEntity},
	{discount.ErrNotFound, http.StatusUnprocessableEntity},
	{discount.ErrInactive, http.StatusUnprocessableEntity},
	{discount.ErrExpired, http.StatusUnprocessableEntity},
	{discount.ErrNotYetValid, http.StatusUnprocessableEntity},
	{discount.ErrBelowMinimum, http.StatusUnprocessableEntity},
	{discount.ErrUsageExhausted, http.StatusUnprocessableEntity},
	{discount.ErrInvalidCode, http.StatusUnprocessableEntity},
	{checkout.ErrPersistence, http.StatusServiceUnavailable},
}

// writeDomainError maps err to a status code and response body. Unmapped
// errors are logged and reported as 500 without details.
func writeDomainError(w http.ResponseWriter, r *http.Request, err error) {
	var stockErr *stock.InsufficientStockError
	if errors.As(err, &stockErr) {
		available := stockErr.Available
		writeJSON(w, http.StatusConflict, errorResponse{
			Code:      http.StatusConflict,
			Message:   stockErr.Error(),
			ProductID: stockErr.ProductID,
			Available: &available,
		})
		return
	}
	var timeoutErr *checkout.StepTimeoutError
	if errors.As(err, &timeoutErr) {
		writeError(w, http.StatusGatewayTimeout, timeoutErr.Error())
		return
	}
	for _, m := range statusBySentinel {
		if errors.Is(err, m.err) {
			msg := err.Error()
			if m.status >= http.StatusInternalServerError {
				zctx.From(r.Context()).Error("Request failed", zap.Error(err))
				msg = m.err.Error()
			}
			writeError(w, m.status, msg)
			return
		}
	}

	zctx.From(r.Context()).Error("Unhandled error", zap.Error(err))
	writeError(w, http.StatusInternalServerError, "internal server error")
}
