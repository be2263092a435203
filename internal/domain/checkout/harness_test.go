package checkout

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/go-faster/errors"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"
	metricnoop "go.opentelemetry.io/otel/metric/noop"
	tracenoop "go.opentelemetry.io/otel/trace/noop"
	"go.uber.org/zap"

	"github.com/xenking/storefront-checkout/internal/domain/cart"
	"github.com/xenking/storefront-checkout/internal/domain/delivery"
	"github.com/xenking/storefront-checkout/internal/domain/discount"
	"github.com/xenking/storefront-checkout/internal/domain/notify"
	"github.com/xenking/storefront-checkout/internal/domain/order"
	"github.com/xenking/storefront-checkout/internal/domain/outbox"
	"github.com/xenking/storefront-checkout/internal/domain/pricing"
	"github.com/xenking/storefront-checkout/internal/domain/stock"
)

// --- Mock implementations ---

type memSessions struct {
	mu       sync.Mutex
	sessions map[string]Session
	saveErr  error
}

func (m *memSessions) Get(_ context.Context, id string) (*Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[id]
	if !ok {
		return nil, ErrSessionNotFound
	}
	return &s, nil
}

func (m *memSessions) Save(_ context.Context, s *Session) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.saveErr != nil {
		return m.saveErr
	}
	m.sessions[s.ID] = *s
	return nil
}

type memCarts struct {
	carts    map[string]*cart.Cart
	clearErr error
}

func (m *memCarts) Get(_ context.Context, tenantID, customerID string) (*cart.Cart, error) {
	if c, ok := m.carts[tenantID+"/"+customerID]; ok {
		cp := *c
		cp.Lines = append([]cart.Line(nil), c.Lines...)
		return &cp, nil
	}
	return cart.New(tenantID, customerID), nil
}

func (m *memCarts) Clear(_ context.Context, tenantID, customerID string) error {
	if m.clearErr != nil {
		return m.clearErr
	}
	delete(m.carts, tenantID+"/"+customerID)
	return nil
}

type memAddresses map[string]delivery.Address

func (m memAddresses) Get(_ context.Context, customerID, addressID string) (*delivery.Address, error) {
	a, ok := m[addressID]
	if !ok || a.CustomerID != customerID {
		return nil, delivery.ErrAddressNotFound
	}
	return &a, nil
}

type memSlots map[string]bool

func (m memSlots) Get(_ context.Context, id string) (*delivery.Slot, error) {
	available, ok := m[id]
	if !ok {
		return nil, delivery.ErrSlotNotFound
	}
	return &delivery.Slot{ID: id, Available: available}, nil
}

type memStock struct {
	mu    sync.Mutex
	stock map[string]int
	// beforeDecrement runs inside Decrement to simulate a competing checkout.
	beforeDecrement func(map[string]int)
	block           bool
	effects         map[string]bool
}

func (m *memStock) Available(ctx context.Context, id string) (int, error) {
	if m.block {
		<-ctx.Done()
		return 0, ctx.Err()
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.stock[id], nil
}

func (m *memStock) Decrement(_ context.Context, id string, qty int) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.decrement(id, qty)
}

func (m *memStock) DecrementOnce(_ context.Context, effectID, id string, qty int) (int, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.effects[effectID] {
		return m.stock[id], false, nil
	}
	left, err := m.decrement(id, qty)
	if err != nil {
		return 0, false, err
	}
	if m.effects == nil {
		m.effects = make(map[string]bool)
	}
	m.effects[effectID] = true
	return left, true, nil
}

func (m *memStock) decrement(id string, qty int) (int, error) {
	if m.beforeDecrement != nil {
		m.beforeDecrement(m.stock)
	}
	if m.stock[id] < qty {
		return 0, stock.ErrShortfall
	}
	m.stock[id] -= qty
	return m.stock[id], nil
}

type memDiscounts struct {
	mu      sync.Mutex
	codes   map[string]*discount.Discount
	effects map[string]bool
	block   bool
}

func (m *memDiscounts) FindByCode(ctx context.Context, code string) (*discount.Discount, error) {
	if m.block {
		<-ctx.Done()
		return nil, ctx.Err()
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	d, ok := m.codes[code]
	if !ok {
		return nil, discount.ErrNotFound
	}
	cp := *d
	return &cp, nil
}

func (m *memDiscounts) IncrementUsage(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.increment(id)
}

func (m *memDiscounts) IncrementUsageOnce(_ context.Context, effectID, id string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.effects[effectID] {
		return false, nil
	}
	if err := m.increment(id); err != nil {
		return false, err
	}
	if m.effects == nil {
		m.effects = make(map[string]bool)
	}
	m.effects[effectID] = true
	return true, nil
}

func (m *memDiscounts) increment(id string) error {
	for _, d := range m.codes {
		if d.ID != id {
			continue
		}
		if d.UsageLimit != nil && d.UsedCount >= *d.UsageLimit {
			return discount.ErrUsageExhausted
		}
		d.UsedCount++
		return nil
	}
	return discount.ErrNotFound
}

type memPricing map[string]pricing.TenantPricingConfig

func (m memPricing) GetPricingConfig(_ context.Context, tenantID string) (*pricing.TenantPricingConfig, error) {
	cfg, ok := m[tenantID]
	if !ok {
		return nil, pricing.ErrTenantNotFound
	}
	return &cfg, nil
}

// memOrders stores orders and their outbox tasks together, like the
// orders and outbox_tasks tables.
type memOrders struct {
	mu        sync.Mutex
	orders    map[string]*order.Order
	tasks     map[string]*outbox.Task
	createErr error
	creates   int
	// markDoneFails makes the next MarkDone calls fail after the effect ran.
	markDoneFails int
}

func newMemOrders() *memOrders {
	return &memOrders{orders: make(map[string]*order.Order), tasks: make(map[string]*outbox.Task)}
}

func (m *memOrders) Create(_ context.Context, o *order.Order, tasks []outbox.Task) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.creates++
	if m.createErr != nil {
		return m.createErr
	}
	for _, existing := range m.orders {
		if existing.TenantID == o.TenantID && existing.IdempotencyKey == o.IdempotencyKey {
			return order.ErrDuplicate
		}
	}
	cp := *o
	m.orders[o.ID] = &cp
	for i := range tasks {
		t := tasks[i]
		m.tasks[t.ID] = &t
	}
	return nil
}

func (m *memOrders) GetByID(_ context.Context, id string) (*order.Order, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	o, ok := m.orders[id]
	if !ok {
		return nil, order.ErrNotFound
	}
	cp := *o
	return &cp, nil
}

func (m *memOrders) GetByIdempotencyKey(_ context.Context, tenantID, key string) (*order.Order, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, o := range m.orders {
		if o.TenantID == tenantID && o.IdempotencyKey == key {
			cp := *o
			return &cp, nil
		}
	}
	return nil, order.ErrNotFound
}

func (m *memOrders) ListPending(_ context.Context, orderID string) ([]outbox.Task, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []outbox.Task
	for _, t := range m.tasks {
		if t.OrderID == orderID && t.Status == outbox.StatusPending {
			out = append(out, *t)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Seq < out[j].Seq })
	return out, nil
}

func (m *memOrders) ClaimDue(_ context.Context, now, leaseUntil time.Time, limit int) ([]outbox.Task, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []outbox.Task
	for _, t := range m.tasks {
		if t.Status == outbox.StatusPending && !t.NextAttemptAt.After(now) {
			out = append(out, *t)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].OrderID != out[j].OrderID {
			return out[i].OrderID < out[j].OrderID
		}
		return out[i].Seq < out[j].Seq
	})
	if len(out) > limit {
		out = out[:limit]
	}
	for i := range out {
		m.tasks[out[i].ID].NextAttemptAt = leaseUntil
		out[i].NextAttemptAt = leaseUntil
	}
	return out, nil
}

func (m *memOrders) MarkDone(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.markDoneFails > 0 {
		m.markDoneFails--
		return errors.New("connection reset")
	}
	m.tasks[id].Status = outbox.StatusDone
	return nil
}

func (m *memOrders) Reschedule(_ context.Context, id string, attempts int, next time.Time, lastErr string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	t := m.tasks[id]
	t.Attempts, t.NextAttemptAt, t.LastError = attempts, next, lastErr
	return nil
}

func (m *memOrders) MarkDead(_ context.Context, id string, attempts int, lastErr string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	t := m.tasks[id]
	t.Status, t.Attempts, t.LastError = outbox.StatusDead, attempts, lastErr
	return nil
}

func (m *memOrders) taskStatuses(orderID string) map[outbox.Kind][]outbox.Status {
	m.mu.Lock()
	defer m.mu.Unlock()
	var tasks []outbox.Task
	for _, t := range m.tasks {
		if t.OrderID == orderID {
			tasks = append(tasks, *t)
		}
	}
	sort.Slice(tasks, func(i, j int) bool { return tasks[i].Seq < tasks[j].Seq })
	out := make(map[outbox.Kind][]outbox.Status)
	for _, t := range tasks {
		out[t.Kind] = append(out[t.Kind], t.Status)
	}
	return out
}

type recordingSender struct {
	mu   sync.Mutex
	sent []notify.Message
	err  error
}

func (r *recordingSender) Send(_ context.Context, m notify.Message) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.err != nil {
		return r.err
	}
	r.sent = append(r.sent, m)
	return nil
}

// --- Harness ---

const (
	tenantID   = "t1"
	customerID = "c1"
	addressID  = "a1"
	slotID     = "2024-06-01_10:00 AM - 12:00 PM"
)

var testNow = time.Date(2024, 5, 30, 9, 0, 0, 0, time.UTC)

type harness struct {
	orch      *Orchestrator
	sessions  *memSessions
	carts     *memCarts
	stock     *memStock
	discounts *memDiscounts
	orders    *memOrders
	proc      *outbox.Processor
	sender    *recordingSender
	slots     memSlots
	ids       int
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	h := &harness{
		sessions: &memSessions{sessions: make(map[string]Session)},
		carts:    &memCarts{carts: make(map[string]*cart.Cart)},
		stock:    &memStock{stock: map[string]int{"p1": 10, "p2": 3}},
		discounts: &memDiscounts{codes: map[string]*discount.Discount{
			"SAVE10": {ID: "d10", Code: "SAVE10", Type: discount.TypePercentage, Value: decimal.NewFromInt(10), IsActive: true},
		}},
		orders: newMemOrders(),
		sender: &recordingSender{},
		slots:  memSlots{slotID: true, "2024-06-02_8:00 AM - 10:00 AM": false},
	}
	addresses := memAddresses{
		addressID: {ID: addressID, CustomerID: customerID, Line1: "1 Main St", City: "Springfield", State: "IL", PostalCode: "62701"},
	}
	prices := memPricing{
		tenantID: {TenantID: tenantID, TaxRate: 0.08, DefaultShippingFee: decimal.NewFromInt(6)},
	}

	validator := discount.NewValidator(h.discounts)
	gate := stock.NewGate(h.stock)
	notifier := notify.NewNotifier(h.sender, time.Second, zap.NewNop())

	proc, err := outbox.NewProcessor(h.orders, nil, outbox.Config{}, zap.NewNop(), metricnoop.NewMeterProvider())
	require.NoError(t, err)
	RegisterSettlement(proc, gate, validator, h.orders, notifier)
	h.proc = proc

	orch, err := NewOrchestrator(Deps{
		Sessions:  h.sessions,
		Carts:     h.carts,
		Addresses: addresses,
		Slots:     h.slots,
		Discounts: validator,
		Stock:     gate,
		Pricing:   prices,
		Orders:    h.orders,
		Tasks:     proc,
	}, Config{Timeouts: Timeouts{Catalog: time.Second, Persist: time.Second, Settle: time.Second}},
		zap.NewNop(), tracenoop.NewTracerProvider(), metricnoop.NewMeterProvider())
	require.NoError(t, err)
	orch.now = func() time.Time { return testNow }
	orch.newID = func() string {
		h.ids++
		return fmt.Sprintf("id-%03d", h.ids)
	}
	h.orch = orch
	return h
}

func strPtr(s string) *string { return &s }

func (h *harness) setCart(lines ...cart.Line) {
	c := cart.New(tenantID, customerID)
	c.Lines = lines
	h.carts.carts[tenantID+"/"+customerID] = c
}

func productLine(id, productID string, qty int, price string) cart.Line {
	return cart.Line{ID: id, ProductID: strPtr(productID), Name: productID, Quantity: qty, UnitPrice: decimal.RequireFromString(price)}
}

func customLine(id, customizationID string, qty int, price string) cart.Line {
	return cart.Line{ID: id, CustomizationID: strPtr(customizationID), Name: customizationID, Quantity: qty, UnitPrice: decimal.RequireFromString(price)}
}

var defaultContact = Contact{FullName: "Ada Lovelace", Phone: "555-0100", Email: "ada@example.com"}

// ready opens a session and completes delivery and payment.
func (h *harness) ready(t *testing.T) *Session {
	t.Helper()
	ctx := context.Background()
	s, err := h.orch.Begin(ctx, tenantID, customerID)
	require.NoError(t, err)
	_, err = h.orch.SelectDelivery(ctx, s.ID, addressID, slotID)
	require.NoError(t, err)
	s, err = h.orch.SetPayment(ctx, s.ID, defaultContact, "", "")
	require.NoError(t, err)
	return s
}
