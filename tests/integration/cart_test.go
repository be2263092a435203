//go:build integration

package integration

import (
	"net/http"
	"testing"
)

func TestCart_Lifecycle(t *testing.T) {
	customer := uniqueCustomer(t)

	resp := call(t, http.MethodGet, "/api/cart", customer, nil)
	expectStatus(t, resp, http.StatusOK)
	empty := decodeJSON[cartResponse](t, resp)
	if len(empty.Lines) != 0 || empty.Subtotal != "0.00" {
		t.Fatalf("new cart: got %+v", empty)
	}

	resp = call(t, http.MethodPost, "/api/cart/lines", customer, map[string]any{
		"productId": "tee-classic", "quantity": 2, "selectedSize": "M",
	})
	expectStatus(t, resp, http.StatusCreated)
	c := decodeJSON[cartResponse](t, resp)
	if len(c.Lines) != 1 || c.Subtotal != "39.98" {
		t.Fatalf("after add: got %+v", c)
	}

	resp = call(t, http.MethodPost, "/api/cart/lines", customer, map[string]any{
		"customizationId": "embroidered-cap", "quantity": 1,
	})
	expectStatus(t, resp, http.StatusCreated)
	c = decodeJSON[cartResponse](t, resp)
	if len(c.Lines) != 2 || c.Subtotal != "63.98" {
		t.Fatalf("after custom add: got %+v", c)
	}

	teeLine := c.Lines[0].ID
	resp = call(t, http.MethodPatch, "/api/cart/lines/"+teeLine, customer, map[string]any{"quantity": 1})
	expectStatus(t, resp, http.StatusOK)
	c = decodeJSON[cartResponse](t, resp)
	if c.Subtotal != "43.99" {
		t.Fatalf("after update: subtotal %s, want 43.99", c.Subtotal)
	}

	resp = call(t, http.MethodDelete, "/api/cart/lines/"+teeLine, customer, nil)
	expectStatus(t, resp, http.StatusOK)
	c = decodeJSON[cartResponse](t, resp)
	if len(c.Lines) != 1 || c.Subtotal != "24.00" {
		t.Fatalf("after remove: got %+v", c)
	}

	resp = call(t, http.MethodDelete, "/api/cart/lines/"+teeLine, customer, nil)
	expectStatus(t, resp, http.StatusNotFound)
	resp.Body.Close()
}

func TestCart_AddValidation(t *testing.T) {
	customer := uniqueCustomer(t)

	tests := []struct {
		name string
		body map[string]any
		want int
	}{
		{"neither product nor customization", map[string]any{"quantity": 1}, http.StatusBadRequest},
		{"both product and customization", map[string]any{"productId": "tee-classic", "customizationId": "embroidered-cap", "quantity": 1}, http.StatusBadRequest},
		{"zero quantity", map[string]any{"productId": "tee-classic", "quantity": 0}, http.StatusBadRequest},
		{"unknown field", map[string]any{"productId": "tee-classic", "quantity": 1, "price": "0.01"}, http.StatusBadRequest},
		{"unknown product", map[string]any{"productId": "no-such-product", "quantity": 1}, http.StatusUnprocessableEntity},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp := call(t, http.MethodPost, "/api/cart/lines", customer, tt.body)
			expectStatus(t, resp, tt.want)
			body := decodeJSON[errorResponse](t, resp)
			if body.Message == "" {
				t.Error("error message is empty")
			}
		})
	}
}

func TestCart_IsolatedPerCustomer(t *testing.T) {
	a, b := uniqueCustomer(t)+"-a", uniqueCustomer(t)+"-b"

	resp := call(t, http.MethodPost, "/api/cart/lines", a, map[string]any{"productId": "socks-3pk", "quantity": 1})
	expectStatus(t, resp, http.StatusCreated)
	resp.Body.Close()

	resp = call(t, http.MethodGet, "/api/cart", b, nil)
	expectStatus(t, resp, http.StatusOK)
	if c := decodeJSON[cartResponse](t, resp); len(c.Lines) != 0 {
		t.Fatalf("customer b sees %d lines of customer a", len(c.Lines))
	}
}
