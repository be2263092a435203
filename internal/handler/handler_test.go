package handler

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/go-faster/errors"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/xenking/storefront-checkout/internal/domain/auth"
	"github.com/xenking/storefront-checkout/internal/domain/cart"
	"github.com/xenking/storefront-checkout/internal/domain/catalog"
	"github.com/xenking/storefront-checkout/internal/domain/checkout"
	"github.com/xenking/storefront-checkout/internal/domain/discount"
	"github.com/xenking/storefront-checkout/internal/domain/order"
	"github.com/xenking/storefront-checkout/internal/domain/outbox"
	"github.com/xenking/storefront-checkout/internal/domain/pricing"
	"github.com/xenking/storefront-checkout/internal/domain/stock"
)

// --- Mock implementations ---

type mockKeys struct{}

func (mockKeys) Authenticate(_ context.Context, key string) (*auth.APIKeyInfo, error) {
	if key != "good-key" {
		return nil, auth.ErrUnauthorized
	}
	return &auth.APIKeyInfo{ID: "k1", TenantID: "t1"}, nil
}

type mockCarts struct {
	cart    *cart.Cart
	err     error
	lastAdd cart.AddRequest
	lastQty int
	lastID  string
	who     auth.Identity
}

func (m *mockCarts) Get(_ context.Context, tenantID, customerID string) (*cart.Cart, error) {
	m.who = auth.Identity{TenantID: tenantID, CustomerID: customerID}
	return m.cart, m.err
}

func (m *mockCarts) Add(_ context.Context, _, _ string, req cart.AddRequest) (*cart.Cart, error) {
	m.lastAdd = req
	return m.cart, m.err
}

func (m *mockCarts) UpdateQuantity(_ context.Context, _, _, lineID string, qty int) (*cart.Cart, error) {
	m.lastID, m.lastQty = lineID, qty
	return m.cart, m.err
}

func (m *mockCarts) RemoveLine(_ context.Context, _, _, lineID string) (*cart.Cart, error) {
	m.lastID = lineID
	return m.cart, m.err
}

type mockCheckout struct {
	session *checkout.Session
	preview *checkout.Preview
	result  *checkout.Result
	err     error

	lastID      string
	lastKey     string
	lastCode    string
	lastContact checkout.Contact
	lastMethod  string
	lastAddress string
	lastSlot    string
	ctxIdentity auth.Identity
}

func (m *mockCheckout) Begin(ctx context.Context, _, _ string) (*checkout.Session, error) {
	m.ctxIdentity, _ = auth.FromContext(ctx)
	return m.session, m.err
}

func (m *mockCheckout) Quote(_ context.Context, id string) (*checkout.Preview, error) {
	m.lastID = id
	return m.preview, m.err
}

func (m *mockCheckout) SelectDelivery(_ context.Context, id, addressID, slotID string) (*checkout.Session, error) {
	m.lastID, m.lastAddress, m.lastSlot = id, addressID, slotID
	return m.session, m.err
}

func (m *mockCheckout) SetPayment(_ context.Context, id string, c checkout.Contact, method, _ string) (*checkout.Session, error) {
	m.lastID, m.lastContact, m.lastMethod = id, c, method
	return m.session, m.err
}

func (m *mockCheckout) ApplyCode(_ context.Context, id, code string) (*checkout.Session, error) {
	m.lastID, m.lastCode = id, code
	return m.session, m.err
}

func (m *mockCheckout) RemoveCode(_ context.Context, id string) (*checkout.Session, error) {
	m.lastID = id
	return m.session, m.err
}

func (m *mockCheckout) Submit(_ context.Context, id, key string) (*checkout.Result, error) {
	m.lastID, m.lastKey = id, key
	return m.result, m.err
}

type mockOrders struct {
	order *order.Order
	err   error
}

func (m *mockOrders) GetByID(context.Context, string) (*order.Order, error) {
	return m.order, m.err
}

// --- Helpers ---

type fixture struct {
	carts    *mockCarts
	checkout *mockCheckout
	orders   *mockOrders
	srv      http.Handler
}

func newFixture() *fixture {
	f := &fixture{
		carts:    &mockCarts{cart: cart.New("t1", "c1")},
		checkout: &mockCheckout{},
		orders:   &mockOrders{},
	}
	f.srv = New(f.carts, f.checkout, f.orders, mockKeys{}, zap.NewNop()).Routes()
	return f
}

func (f *fixture) do(method, path, body string, headers ...string) *httptest.ResponseRecorder {
	var rd io.Reader
	if body != "" {
		rd = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, path, rd)
	req.Header.Set(HeaderAPIKey, "good-key")
	req.Header.Set(HeaderCustomerID, "c1")
	for i := 0; i+1 < len(headers); i += 2 {
		req.Header.Set(headers[i], headers[i+1])
	}
	w := httptest.NewRecorder()
	f.srv.ServeHTTP(w, req)
	return w
}

func decodeError(t *testing.T, w *httptest.ResponseRecorder) errorResponse {
	t.Helper()
	var body errorResponse
	require.NoError(t, json.NewDecoder(w.Body).Decode(&body))
	assert.Equal(t, w.Code, body.Code)
	return body
}

func strPtr(s string) *string { return &s }

func sampleOrder() *order.Order {
	return &order.Order{
		ID:              "o1",
		TenantID:        "t1",
		CustomerID:      "c1",
		Status:          order.StatusPending,
		ShippingAddress: "1 Main St, Springfield, IL 62701",
		DeliverySlotID:  "2024-06-01_10:00 AM - 12:00 PM",
		PaymentMethod:   "cash",
		Items: []order.Item{
			{ProductID: strPtr("p1"), Name: "Bouquet", Quantity: 2, PriceAtTime: decimal.NewFromInt(20)},
		},
		Subtotal:       decimal.NewFromInt(40),
		ShippingAmount: decimal.NewFromInt(6),
		Tax:            decimal.RequireFromString("3.2"),
		DiscountAmount: decimal.Zero,
		Total:          decimal.RequireFromString("49.2"),
		CreatedAt:      time.Date(2024, 5, 30, 9, 0, 0, 0, time.UTC),
	}
}

// --- Tests ---

func TestAuthentication(t *testing.T) {
	f := newFixture()

	tests := []struct {
		name     string
		key      string
		customer string
		want     int
	}{
		{name: "missing key", key: "", customer: "c1", want: http.StatusUnauthorized},
		{name: "wrong key", key: "bad", customer: "c1", want: http.StatusUnauthorized},
		{name: "missing customer", key: "good-key", customer: " ", want: http.StatusBadRequest},
		{name: "ok", key: "good-key", customer: "c1", want: http.StatusOK},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/api/cart", nil)
			req.Header.Set(HeaderAPIKey, tt.key)
			req.Header.Set(HeaderCustomerID, tt.customer)
			w := httptest.NewRecorder()
			f.srv.ServeHTTP(w, req)

			assert.Equal(t, tt.want, w.Code)
		})
	}
	assert.Equal(t, auth.Identity{TenantID: "t1", CustomerID: "c1"}, f.carts.who)
}

func TestUnknownRoute(t *testing.T) {
	f := newFixture()
	w := f.do(http.MethodGet, "/nope", "")
	assert.Equal(t, http.StatusNotFound, w.Code)
	decodeError(t, w)
}

func TestGetCart(t *testing.T) {
	f := newFixture()
	_, err := f.carts.cart.Add(cart.Line{ID: "l1", ProductID: strPtr("p1"), Name: "Bouquet", Quantity: 3,
		UnitPrice: decimal.RequireFromString("19.99"), SelectedColor: strPtr("red")})
	require.NoError(t, err)

	w := f.do(http.MethodGet, "/api/cart", "")
	require.Equal(t, http.StatusOK, w.Code)

	var body cartResponse
	require.NoError(t, json.NewDecoder(w.Body).Decode(&body))
	require.Len(t, body.Lines, 1)
	assert.Equal(t, "19.99", body.Lines[0].UnitPrice)
	assert.Equal(t, "59.97", body.Lines[0].LineTotal)
	assert.Equal(t, "59.97", body.Subtotal)
	assert.Equal(t, "red", *body.Lines[0].SelectedColor)
}

func TestAddCartLine(t *testing.T) {
	tests := []struct {
		name string
		body string
		err  error
		want int
	}{
		{name: "product", body: `{"productId":"p1","quantity":2,"selectedColor":"red"}`, want: http.StatusCreated},
		{name: "customization", body: `{"customizationId":"cz1","quantity":1}`, want: http.StatusCreated},
		{name: "neither", body: `{"quantity":1}`, want: http.StatusBadRequest},
		{name: "both", body: `{"productId":"p1","customizationId":"cz1","quantity":1}`, want: http.StatusBadRequest},
		{name: "zero quantity", body: `{"productId":"p1","quantity":0}`, want: http.StatusBadRequest},
		{name: "unknown field", body: `{"productId":"p1","quantity":1,"price":"0.01"}`, want: http.StatusBadRequest},
		{name: "malformed", body: `{"productId":`, want: http.StatusBadRequest},
		{name: "unknown product", body: `{"productId":"p9","quantity":1}`, err: errors.Wrap(catalog.ErrProductNotFound, "get product"), want: http.StatusUnprocessableEntity},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture()
			f.carts.err = tt.err

			w := f.do(http.MethodPost, "/api/cart/lines", tt.body)
			assert.Equal(t, tt.want, w.Code, w.Body.String())
		})
	}

	f := newFixture()
	f.do(http.MethodPost, "/api/cart/lines", `{"productId":"p1","quantity":2,"selectedSize":"L"}`)
	assert.Equal(t, "p1", *f.carts.lastAdd.ProductID)
	assert.Equal(t, 2, f.carts.lastAdd.Quantity)
	assert.Equal(t, "L", *f.carts.lastAdd.SelectedSize)
	assert.Nil(t, f.carts.lastAdd.CustomizationID)
}

func TestUpdateAndRemoveCartLine(t *testing.T) {
	f := newFixture()

	w := f.do(http.MethodPatch, "/api/cart/lines/l1", `{"quantity":0}`)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "l1", f.carts.lastID)
	assert.Equal(t, 0, f.carts.lastQty)

	w = f.do(http.MethodPatch, "/api/cart/lines/l1", `{"quantity":-1}`)
	assert.Equal(t, http.StatusBadRequest, w.Code)

	f.carts.err = cart.ErrLineNotFound
	w = f.do(http.MethodDelete, "/api/cart/lines/l2", "")
	assert.Equal(t, http.StatusNotFound, w.Code)
	assert.Equal(t, "l2", f.carts.lastID)
}

func TestBeginCheckout(t *testing.T) {
	f := newFixture()
	f.checkout.session = &checkout.Session{ID: "s1", State: checkout.StateCollectingDelivery}

	w := f.do(http.MethodPost, "/api/checkout", "")
	require.Equal(t, http.StatusCreated, w.Code)

	var body sessionResponse
	require.NoError(t, json.NewDecoder(w.Body).Decode(&body))
	assert.Equal(t, "s1", body.ID)
	assert.Equal(t, checkout.StateCollectingDelivery, body.State)
	assert.Nil(t, body.Contact)
	assert.Equal(t, auth.Identity{TenantID: "t1", CustomerID: "c1"}, f.checkout.ctxIdentity)

	f.checkout.err = checkout.ErrEmptyCart
	w = f.do(http.MethodPost, "/api/checkout", "")
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Equal(t, "cart is empty", decodeError(t, w).Message)
}

func TestGetCheckout_Quote(t *testing.T) {
	f := newFixture()
	f.checkout.preview = &checkout.Preview{
		Session: &checkout.Session{
			ID:       "s1",
			State:    checkout.StateCollectingPayment,
			SlotID:   "2024-06-01_10:00 AM - 12:00 PM",
			Discount: &discount.Applied{Code: "SAVE10", Amount: decimal.NewFromInt(6)},
		},
		Breakdown: pricing.Breakdown{
			Subtotal:        decimal.NewFromInt(60),
			RegionFee:       decimal.NewFromInt(6),
			ShippingCharged: decimal.Zero,
			Tax:             decimal.RequireFromString("4.8"),
			Discount:        decimal.NewFromInt(6),
			Total:           decimal.RequireFromString("64.8"),
		},
		DiscountError: nil,
	}

	w := f.do(http.MethodGet, "/api/checkout/s1", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "s1", f.checkout.lastID)

	var body sessionResponse
	require.NoError(t, json.NewDecoder(w.Body).Decode(&body))
	require.NotNil(t, body.Quote)
	assert.Equal(t, "64.80", body.Quote.Total)
	assert.Equal(t, "6.00", body.Quote.RegionFee)
	assert.True(t, body.Quote.FreeShipping)
	assert.Equal(t, "SAVE10", body.DiscountCode)
	assert.Equal(t, "Saturday, June 1, 2024, 10:00 AM - 12:00 PM", body.Slot)
	assert.Empty(t, body.DiscountError)

	f.checkout.preview.DiscountError = discount.ErrBelowMinimum
	w = f.do(http.MethodGet, "/api/checkout/s1", "")
	require.NoError(t, json.NewDecoder(w.Body).Decode(&body))
	assert.Equal(t, discount.ErrBelowMinimum.Error(), body.DiscountError)

	f.checkout.err = checkout.ErrSessionNotFound
	w = f.do(http.MethodGet, "/api/checkout/s2", "")
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestSelectDelivery(t *testing.T) {
	tests := []struct {
		name string
		body string
		err  error
		want int
	}{
		{name: "ok", body: `{"addressId":"a1","slotId":"2024-06-01_10:00 AM - 12:00 PM"}`, want: http.StatusOK},
		{name: "missing slot", body: `{"addressId":"a1"}`, want: http.StatusBadRequest},
		{name: "unknown address", body: `{"addressId":"a9","slotId":"s"}`, err: checkout.ErrMissingAddress, want: http.StatusUnprocessableEntity},
		{name: "unavailable slot", body: `{"addressId":"a1","slotId":"s"}`, err: checkout.ErrMissingSlot, want: http.StatusUnprocessableEntity},
		{name: "settled", body: `{"addressId":"a1","slotId":"s"}`, err: checkout.ErrSessionClosed, want: http.StatusConflict},
		{name: "slow catalog", body: `{"addressId":"a1","slotId":"s"}`, err: &checkout.StepTimeoutError{Step: "address", Timeout: time.Second}, want: http.StatusGatewayTimeout},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture()
			f.checkout.session = &checkout.Session{ID: "s1", State: checkout.StateCollectingPayment}
			f.checkout.err = tt.err

			w := f.do(http.MethodPut, "/api/checkout/s1/delivery", tt.body)
			assert.Equal(t, tt.want, w.Code, w.Body.String())
			if tt.want == http.StatusOK {
				assert.Equal(t, "a1", f.checkout.lastAddress)
				assert.Equal(t, "2024-06-01_10:00 AM - 12:00 PM", f.checkout.lastSlot)
			}
		})
	}
}

func TestSetPayment(t *testing.T) {
	tests := []struct {
		name string
		body string
		err  error
		want int
	}{
		{name: "ok", body: `{"fullName":"Ada","phone":"555","email":"ada@example.com","paymentMethod":"cash"}`, want: http.StatusOK},
		{name: "bad email", body: `{"fullName":"Ada","phone":"555","email":"nope"}`, want: http.StatusBadRequest},
		{name: "missing phone", body: `{"fullName":"Ada","email":"ada@example.com"}`, want: http.StatusBadRequest},
		{name: "alternate email only", body: `{"fullName":"Ada","phone":"555","alternateEmail":"gift@example.com"}`, want: http.StatusOK},
		{name: "no email at all", body: `{"fullName":"Ada","phone":"555"}`, want: http.StatusBadRequest},
		{name: "card", body: `{"fullName":"Ada","phone":"555","email":"ada@example.com","paymentMethod":"card"}`,
			err: errors.Wrap(checkout.ErrUnsupportedPaymentMethod, `"card"`), want: http.StatusUnprocessableEntity},
		{name: "before delivery", body: `{"fullName":"Ada","phone":"555","email":"ada@example.com"}`, err: checkout.ErrNotReady, want: http.StatusConflict},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture()
			f.checkout.session = &checkout.Session{ID: "s1", State: checkout.StateCollectingPayment}
			f.checkout.err = tt.err

			w := f.do(http.MethodPut, "/api/checkout/s1/payment", tt.body)
			assert.Equal(t, tt.want, w.Code, w.Body.String())
		})
	}

	f := newFixture()
	f.checkout.session = &checkout.Session{ID: "s1"}
	f.do(http.MethodPut, "/api/checkout/s1/payment",
		`{"fullName":"Ada","phone":"555","email":"ada@example.com","alternateEmail":"gift@example.com"}`)
	assert.Equal(t, "gift@example.com", f.checkout.lastContact.Recipient())
	assert.Empty(t, f.checkout.lastMethod)
}

func TestDiscountEndpoints(t *testing.T) {
	discountErrs := []error{
		discount.ErrNotFound,
		discount.ErrInactive,
		discount.ErrExpired,
		discount.ErrNotYetValid,
		discount.ErrBelowMinimum,
		discount.ErrUsageExhausted,
		discount.ErrInvalidCode,
	}
	for _, derr := range discountErrs {
		t.Run(derr.Error(), func(t *testing.T) {
			f := newFixture()
			f.checkout.err = derr
			w := f.do(http.MethodPost, "/api/checkout/s1/discount", `{"code":"SAVE10"}`)
			assert.Equal(t, http.StatusUnprocessableEntity, w.Code)
			assert.Equal(t, derr.Error(), decodeError(t, w).Message)
		})
	}

	f := newFixture()
	f.checkout.session = &checkout.Session{ID: "s1",
		Discount: &discount.Applied{Code: "SAVE10", Amount: decimal.NewFromInt(6)}}
	w := f.do(http.MethodPost, "/api/checkout/s1/discount", `{"code":"save10"}`)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "save10", f.checkout.lastCode)

	var body sessionResponse
	require.NoError(t, json.NewDecoder(w.Body).Decode(&body))
	assert.Equal(t, "6.00", body.DiscountAmount)

	w = f.do(http.MethodPost, "/api/checkout/s1/discount", `{"code":""}`)
	assert.Equal(t, http.StatusBadRequest, w.Code)

	f.checkout.session = &checkout.Session{ID: "s1"}
	w = f.do(http.MethodDelete, "/api/checkout/s1/discount", "")
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestSubmit(t *testing.T) {
	t.Run("created", func(t *testing.T) {
		f := newFixture()
		f.checkout.result = &checkout.Result{Order: sampleOrder(), Settlement: outbox.Report{Done: 2}}

		w := f.do(http.MethodPost, "/api/checkout/s1/submit", "", headerIdempotencyKey, "key-1")
		require.Equal(t, http.StatusCreated, w.Code)
		assert.Equal(t, "key-1", f.checkout.lastKey)

		var body orderResponse
		require.NoError(t, json.NewDecoder(w.Body).Decode(&body))
		assert.Equal(t, "o1", body.ID)
		assert.Equal(t, "49.20", body.Total)
		assert.Equal(t, "6.00", body.Shipping)
		assert.Equal(t, "20.00", body.Items[0].Price)
		assert.Equal(t, "Saturday, June 1, 2024, 10:00 AM - 12:00 PM", body.DeliverySlot)
		require.NotNil(t, body.Settlement)
		assert.Equal(t, 2, body.Settlement.Done)
		assert.False(t, body.Replayed)
	})

	t.Run("replayed", func(t *testing.T) {
		f := newFixture()
		f.checkout.result = &checkout.Result{Order: sampleOrder(), Replayed: true}

		w := f.do(http.MethodPost, "/api/checkout/s1/submit", "")
		require.Equal(t, http.StatusOK, w.Code)
		assert.Empty(t, f.checkout.lastKey, "session id is the default key")

		var body orderResponse
		require.NoError(t, json.NewDecoder(w.Body).Decode(&body))
		assert.True(t, body.Replayed)
		assert.Nil(t, body.Settlement)
	})

	t.Run("insufficient stock", func(t *testing.T) {
		f := newFixture()
		f.checkout.err = &stock.InsufficientStockError{ProductID: "p2", Requested: 5, Available: 3}

		w := f.do(http.MethodPost, "/api/checkout/s1/submit", "")
		require.Equal(t, http.StatusConflict, w.Code)

		body := decodeError(t, w)
		assert.Equal(t, "p2", body.ProductID)
		require.NotNil(t, body.Available)
		assert.Equal(t, 3, *body.Available)
	})

	t.Run("persistence", func(t *testing.T) {
		f := newFixture()
		f.checkout.err = errors.Wrap(checkout.ErrPersistence, "create order: connection reset")

		w := f.do(http.MethodPost, "/api/checkout/s1/submit", "")
		require.Equal(t, http.StatusServiceUnavailable, w.Code)
		assert.Equal(t, checkout.ErrPersistence.Error(), decodeError(t, w).Message)
	})

	t.Run("key used by another order", func(t *testing.T) {
		f := newFixture()
		f.checkout.err = fmt.Errorf("%w: %w", checkout.ErrPersistence, errors.Wrapf(order.ErrDuplicate, "key %q", "key-1"))

		w := f.do(http.MethodPost, "/api/checkout/s1/submit", "", headerIdempotencyKey, "key-1")
		assert.Equal(t, http.StatusConflict, w.Code, w.Body.String())
	})

	t.Run("not ready", func(t *testing.T) {
		f := newFixture()
		f.checkout.err = checkout.ErrNotReady
		assert.Equal(t, http.StatusConflict, f.do(http.MethodPost, "/api/checkout/s1/submit", "").Code)
	})

	t.Run("expired code", func(t *testing.T) {
		f := newFixture()
		f.checkout.err = discount.ErrExpired
		assert.Equal(t, http.StatusUnprocessableEntity, f.do(http.MethodPost, "/api/checkout/s1/submit", "").Code)
	})

	t.Run("long key", func(t *testing.T) {
		f := newFixture()
		w := f.do(http.MethodPost, "/api/checkout/s1/submit", "", headerIdempotencyKey, strings.Repeat("k", 256))
		assert.Equal(t, http.StatusBadRequest, w.Code)
	})

	t.Run("unexpected", func(t *testing.T) {
		f := newFixture()
		f.checkout.err = errors.New("pricing config for tenant t1: boom")

		w := f.do(http.MethodPost, "/api/checkout/s1/submit", "")
		require.Equal(t, http.StatusInternalServerError, w.Code)
		assert.Equal(t, "internal server error", decodeError(t, w).Message)
	})
}

func TestGetOrder(t *testing.T) {
	f := newFixture()
	f.orders.order = sampleOrder()

	w := f.do(http.MethodGet, "/api/orders/o1", "")
	require.Equal(t, http.StatusOK, w.Code)
	var body orderResponse
	require.NoError(t, json.NewDecoder(w.Body).Decode(&body))
	assert.Equal(t, order.StatusPending, body.Status)

	f.orders.order.CustomerID = "someone-else"
	w = f.do(http.MethodGet, "/api/orders/o1", "")
	assert.Equal(t, http.StatusNotFound, w.Code)

	f.orders.order = nil
	f.orders.err = order.ErrNotFound
	w = f.do(http.MethodGet, "/api/orders/o2", "")
	assert.Equal(t, http.StatusNotFound, w.Code)
}
