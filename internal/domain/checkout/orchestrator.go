package checkout

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/go-faster/errors"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/xenking/storefront-checkout/internal/domain/auth"
	"github.com/xenking/storefront-checkout/internal/domain/cart"
	"github.com/xenking/storefront-checkout/internal/domain/delivery"
	"github.com/xenking/storefront-checkout/internal/domain/discount"
	"github.com/xenking/storefront-checkout/internal/domain/order"
	"github.com/xenking/storefront-checkout/internal/domain/outbox"
	"github.com/xenking/storefront-checkout/internal/domain/pricing"
	"github.com/xenking/storefront-checkout/internal/domain/stock"
)

// Carts is the cart access the orchestrator needs.
type Carts interface {
	Get(ctx context.Context, tenantID, customerID string) (*cart.Cart, error)
	Clear(ctx context.Context, tenantID, customerID string) error
}

// Discounts applies promotional codes.
type Discounts interface {
	ApplyCode(ctx context.Context, code string, subtotal decimal.Decimal) (*discount.Applied, error)
}

// StockChecker verifies availability of a whole cart.
type StockChecker interface {
	CheckAll(ctx context.Context, lines []stock.Line) error
}

// TaskRunner runs the outbox tasks of a freshly written order.
type TaskRunner interface {
	ProcessOrder(ctx context.Context, orderID string) (outbox.Report, error)
}

// Timeouts bound each external call of a step.
type Timeouts struct {
	Catalog time.Duration
	Persist time.Duration
	Settle  time.Duration
}

// Config configures an Orchestrator.
type Config struct {
	Timeouts Timeouts
	// TaskLease delays the dispatcher's first attempt at new tasks so the
	// inline run owns them.
	TaskLease time.Duration
}

// Deps groups the collaborators of an Orchestrator.
type Deps struct {
	Sessions  SessionStore
	Carts     Carts
	Addresses delivery.AddressBook
	Slots     delivery.SlotRegistry
	Discounts Discounts
	Stock     StockChecker
	Pricing   pricing.ConfigRepository
	Orders    order.Repository
	Tasks     TaskRunner
}

// Result is the outcome of a successful Submit.
type Result struct {
	Order      *order.Order
	Breakdown  pricing.Breakdown
	Replayed   bool
	Settlement outbox.Report
}

// Preview is the pricing of the current cart for a session.
type Preview struct {
	Session   *Session
	Breakdown pricing.Breakdown
	// DiscountError is set when the applied code no longer validates
	// against the current cart; the breakdown then excludes it.
	DiscountError error
}

// Orchestrator sequences checkout: delivery, payment, validation, pricing,
// the durable order write and its side effects.
type Orchestrator struct {
	deps   Deps
	cfg    Config
	lg     *zap.Logger
	tracer trace.Tracer
	submit metric.Int64Counter
	now    func() time.Time
	newID  func() string
}

// NewOrchestrator creates an Orchestrator.
func NewOrchestrator(deps Deps, cfg Config, lg *zap.Logger, tp trace.TracerProvider, mp metric.MeterProvider) (*Orchestrator, error) {
	submit, err := mp.Meter("storefront/checkout").Int64Counter("checkout_submissions_total",
		metric.WithDescription("Checkout submissions by outcome"),
	)
	if err != nil {
		return nil, errors.Wrap(err, "create submissions counter")
	}
	if cfg.TaskLease <= 0 {
		cfg.TaskLease = 30 * time.Second
	}
	return &Orchestrator{
		deps:   deps,
		cfg:    cfg,
		lg:     lg,
		tracer: tp.Tracer("storefront/checkout"),
		submit: submit,
		now:    time.Now,
		newID:  func() string { return uuid.New().String() },
	}, nil
}

// Begin opens a checkout session for the caller's non-empty cart.
func (o *Orchestrator) Begin(ctx context.Context, tenantID, customerID string) (*Session, error) {
	c, err := o.loadCart(ctx, tenantID, customerID)
	if err != nil {
		return nil, err
	}
	if c.IsEmpty() {
		return nil, ErrEmptyCart
	}

	now := o.now().UTC()
	s := &Session{
		ID:         o.newID(),
		TenantID:   tenantID,
		CustomerID: customerID,
		State:      StateCollectingDelivery,
		CreatedAt:  now,
	}
	if err := o.save(ctx, s); err != nil {
		return nil, err
	}
	return s, nil
}

// Session returns a session owned by the caller.
func (o *Orchestrator) Session(ctx context.Context, id string) (*Session, error) {
	return o.load(ctx, id)
}

// SelectDelivery records the shipping address and delivery slot and
// advances the session to payment collection.
func (o *Orchestrator) SelectDelivery(ctx context.Context, id, addressID, slotID string) (*Session, error) {
	s, err := o.loadOpen(ctx, id)
	if err != nil {
		return nil, err
	}
	if addressID == "" {
		return nil, ErrMissingAddress
	}
	if slotID == "" {
		return nil, ErrMissingSlot
	}

	stepCtx, cancel := context.WithTimeout(ctx, o.timeout(o.cfg.Timeouts.Catalog))
	defer cancel()

	addr, err := o.deps.Addresses.Get(stepCtx, s.CustomerID, addressID)
	if err != nil {
		if errors.Is(err, delivery.ErrAddressNotFound) {
			return nil, ErrMissingAddress
		}
		return nil, o.stepErr(stepCtx, "address", o.cfg.Timeouts.Catalog, err)
	}
	slot, err := o.deps.Slots.Get(stepCtx, slotID)
	if err != nil {
		if errors.Is(err, delivery.ErrSlotNotFound) {
			return nil, ErrMissingSlot
		}
		return nil, o.stepErr(stepCtx, "slot", o.cfg.Timeouts.Catalog, err)
	}
	if !slot.Available {
		return nil, ErrMissingSlot
	}

	s.AddressID = addr.ID
	s.AddressSnapshot = addr.Snapshot()
	s.Region = addr.Region()
	s.SlotID = slot.ID
	s.State = StateCollectingPayment
	s.FailureReason = ""
	if err := o.save(ctx, s); err != nil {
		return nil, err
	}
	return s, nil
}

// SetPayment records contact details and the payment method. An empty
// method defaults to cash, the only method that can be settled.
func (o *Orchestrator) SetPayment(ctx context.Context, id string, contact Contact, method, notes string) (*Session, error) {
	s, err := o.loadOpen(ctx, id)
	if err != nil {
		return nil, err
	}
	if !s.HasDelivery() {
		return nil, ErrNotReady
	}
	if err := contact.Validate(); err != nil {
		return nil, err
	}
	method = strings.ToLower(strings.TrimSpace(method))
	if method == "" {
		method = PaymentCash
	}
	if method != PaymentCash {
		return nil, errors.Wrapf(ErrUnsupportedPaymentMethod, "%q", method)
	}

	s.Contact = contact
	s.PaymentMethod = method
	s.Notes = strings.TrimSpace(notes)
	if err := o.save(ctx, s); err != nil {
		return nil, err
	}
	return s, nil
}

// ApplyCode validates code against the current cart and records it on the
// session. A rejected code leaves the session unchanged.
func (o *Orchestrator) ApplyCode(ctx context.Context, id, code string) (*Session, error) {
	s, err := o.loadOpen(ctx, id)
	if err != nil {
		return nil, err
	}
	c, err := o.loadCart(ctx, s.TenantID, s.CustomerID)
	if err != nil {
		return nil, err
	}

	applied, err := o.applyCode(ctx, code, c.Subtotal())
	if err != nil {
		return nil, err
	}

	s.Discount = applied
	if err := o.save(ctx, s); err != nil {
		return nil, err
	}
	return s, nil
}

// RemoveCode drops the applied discount.
func (o *Orchestrator) RemoveCode(ctx context.Context, id string) (*Session, error) {
	s, err := o.loadOpen(ctx, id)
	if err != nil {
		return nil, err
	}
	s.Discount = nil
	if err := o.save(ctx, s); err != nil {
		return nil, err
	}
	return s, nil
}

// Quote prices the current cart for the session without side effects.
func (o *Orchestrator) Quote(ctx context.Context, id string) (*Preview, error) {
	s, err := o.load(ctx, id)
	if err != nil {
		return nil, err
	}
	c, err := o.loadCart(ctx, s.TenantID, s.CustomerID)
	if err != nil {
		return nil, err
	}
	engine, err := o.engine(ctx, s.TenantID)
	if err != nil {
		return nil, err
	}

	subtotal := c.Subtotal()
	amount := decimal.Zero
	p := &Preview{Session: s}
	if s.Discount != nil {
		applied, err := o.applyCode(ctx, s.Discount.Code, subtotal)
		if err != nil {
			p.DiscountError = err
		} else {
			amount = applied.Amount
		}
	}
	p.Breakdown = engine.Quote(subtotal, s.Region, amount)
	return p, nil
}

// Submit turns the session's cart into an order. An empty idempotency key
// defaults to the session id, so repeated submits of one session create at
// most one order. Errors before the order write leave the cart intact and
// move the session to Failed; once the order is written the submit succeeds
// and side effects are handed to the outbox.
func (o *Orchestrator) Submit(ctx context.Context, id, idempotencyKey string) (*Result, error) {
	ctx, span := o.tracer.Start(ctx, "checkout.Submit")
	defer span.End()

	res, err := o.doSubmit(ctx, id, idempotencyKey)
	switch {
	case err != nil:
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		o.count(ctx, "failed")
	case res.Replayed:
		o.count(ctx, "replayed")
	default:
		o.count(ctx, "settled")
	}
	return res, err
}

func (o *Orchestrator) doSubmit(ctx context.Context, id, key string) (*Result, error) {
	s, err := o.load(ctx, id)
	if err != nil {
		return nil, err
	}
	if key == "" {
		key = s.ID
	}
	trace.SpanFromContext(ctx).SetAttributes(
		attribute.String("checkout.session_id", s.ID),
		attribute.String("checkout.idempotency_key", key),
	)

	if s.State == StateSettled && s.OrderID != "" {
		return o.replayByID(ctx, s)
	}
	if !s.CanSubmit() {
		return nil, ErrNotReady
	}

	// An order may already exist for this key if an earlier submit
	// persisted it but did not get to settle the session.
	if res, ok, err := o.replayByKey(ctx, s, key); err != nil || ok {
		return res, err
	}

	prev := s.State
	s.State = StateSubmitting
	s.FailureReason = ""
	if err := o.save(ctx, s); err != nil {
		return nil, err
	}

	c, err := o.loadCart(ctx, s.TenantID, s.CustomerID)
	if err != nil {
		return nil, o.fail(ctx, s, err)
	}
	if c.IsEmpty() {
		return nil, o.fail(ctx, s, ErrEmptyCart)
	}

	if err := o.checkStock(ctx, c); err != nil {
		return nil, o.fail(ctx, s, err)
	}

	applied, err := o.revalidateDiscount(ctx, s, c.Subtotal())
	if err != nil {
		return nil, o.fail(ctx, s, err)
	}

	engine, err := o.engine(ctx, s.TenantID)
	if err != nil {
		return nil, o.fail(ctx, s, err)
	}
	amount := decimal.Zero
	if applied != nil {
		amount = applied.Amount
	}
	breakdown := engine.Quote(c.Subtotal(), s.Region, amount)

	ord := o.buildOrder(s, c, key, applied, breakdown)
	tasks, err := o.buildTasks(ord, applied)
	if err != nil {
		return nil, o.fail(ctx, s, err)
	}

	if err := o.persist(ctx, ord, tasks); err != nil {
		if !errors.Is(err, order.ErrDuplicate) {
			return nil, o.fail(ctx, s, err)
		}
		res, ok, rerr := o.replayByKey(ctx, s, key)
		if rerr == nil && ok {
			return res, nil
		}
		// The key belongs to another caller's order. The session itself is
		// still good and can be submitted again with a different key.
		s.State = prev
		if serr := o.save(ctx, s); serr != nil {
			o.lg.Warn("Restore session after duplicate key", zap.String("session_id", s.ID), zap.Error(serr))
		}
		if rerr != nil {
			return nil, rerr
		}
		return nil, err
	}

	// The order is durable from here on; nothing below fails the submit.
	lg := o.lg.With(zap.String("order_id", ord.ID), zap.String("session_id", s.ID))
	report := o.settle(ctx, lg, ord.ID)

	s.State = StateSettled
	s.OrderID = ord.ID
	if err := o.save(ctx, s); err != nil {
		lg.Warn("Save settled session", zap.Error(err))
	}
	if err := o.deps.Carts.Clear(ctx, s.TenantID, s.CustomerID); err != nil {
		lg.Warn("Clear cart", zap.Error(err))
	}
	lg.Info("Order settled",
		zap.String("total", ord.Total.StringFixed(2)),
		zap.Int("tasks_done", report.Done),
		zap.Int("tasks_pending", report.Retry),
		zap.Int("tasks_dead", report.Dead),
	)

	return &Result{Order: ord, Breakdown: breakdown, Settlement: report}, nil
}

func (o *Orchestrator) checkStock(ctx context.Context, c *cart.Cart) error {
	ctx, span := o.tracer.Start(ctx, "checkout.CheckStock")
	defer span.End()

	lines := make([]stock.Line, 0, len(c.Lines))
	for _, l := range c.Lines {
		lines = append(lines, stock.Line{
			ProductID:       l.ProductID,
			CustomizationID: l.CustomizationID,
			Quantity:        l.Quantity,
		})
	}

	stepCtx, cancel := context.WithTimeout(ctx, o.timeout(o.cfg.Timeouts.Catalog))
	defer cancel()
	if err := o.deps.Stock.CheckAll(stepCtx, lines); err != nil {
		return o.stepErr(stepCtx, "stock", o.cfg.Timeouts.Catalog, err)
	}
	return nil
}

// revalidateDiscount recomputes the applied discount against the subtotal
// being submitted. A code that no longer validates fails the submit.
func (o *Orchestrator) revalidateDiscount(ctx context.Context, s *Session, subtotal decimal.Decimal) (*discount.Applied, error) {
	if s.Discount == nil {
		return nil, nil
	}
	ctx, span := o.tracer.Start(ctx, "checkout.RevalidateDiscount")
	defer span.End()

	applied, err := o.applyCode(ctx, s.Discount.Code, subtotal)
	if err != nil {
		return nil, err
	}
	s.Discount = applied
	return applied, nil
}

func (o *Orchestrator) applyCode(ctx context.Context, code string, subtotal decimal.Decimal) (*discount.Applied, error) {
	stepCtx, cancel := context.WithTimeout(ctx, o.timeout(o.cfg.Timeouts.Catalog))
	defer cancel()
	applied, err := o.deps.Discounts.ApplyCode(stepCtx, code, subtotal)
	if err != nil {
		return nil, o.stepErr(stepCtx, "discount", o.cfg.Timeouts.Catalog, err)
	}
	return applied, nil
}

func (o *Orchestrator) persist(ctx context.Context, ord *order.Order, tasks []outbox.Task) error {
	ctx, span := o.tracer.Start(ctx, "checkout.Persist")
	defer span.End()

	stepCtx, cancel := context.WithTimeout(ctx, o.timeout(o.cfg.Timeouts.Persist))
	defer cancel()
	if err := o.deps.Orders.Create(stepCtx, ord, tasks); err != nil {
		if errors.Is(err, order.ErrDuplicate) {
			return err
		}
		return fmt.Errorf("%w: %w", ErrPersistence, o.stepErr(stepCtx, "persist", o.cfg.Timeouts.Persist, err))
	}
	return nil
}

func (o *Orchestrator) settle(ctx context.Context, lg *zap.Logger, orderID string) outbox.Report {
	ctx, span := o.tracer.Start(ctx, "checkout.Settle")
	defer span.End()

	stepCtx, cancel := context.WithTimeout(ctx, o.timeout(o.cfg.Timeouts.Settle))
	defer cancel()
	report, err := o.deps.Tasks.ProcessOrder(stepCtx, orderID)
	if err != nil {
		lg.Warn("Inline settlement skipped, left to dispatcher", zap.Error(err))
	}
	return report
}

func (o *Orchestrator) buildOrder(s *Session, c *cart.Cart, key string, applied *discount.Applied, b pricing.Breakdown) *order.Order {
	items := make([]order.Item, 0, len(c.Lines))
	for _, l := range c.Lines {
		items = append(items, order.Item{
			ProductID:       l.ProductID,
			CustomizationID: l.CustomizationID,
			Name:            l.Name,
			Quantity:        l.Quantity,
			PriceAtTime:     l.UnitPrice,
			SelectedColor:   l.SelectedColor,
			SelectedSize:    l.SelectedSize,
		})
	}
	ord := &order.Order{
		ID:              o.newID(),
		TenantID:        s.TenantID,
		CustomerID:      s.CustomerID,
		IdempotencyKey:  key,
		Status:          order.StatusPending,
		Items:           items,
		AddressID:       s.AddressID,
		ShippingAddress: s.AddressSnapshot,
		DeliverySlotID:  s.SlotID,
		PaymentMethod:   s.PaymentMethod,
		Notes:           s.Notes,
		FullName:        s.Contact.FullName,
		Email:           s.Contact.Recipient(),
		Phone:           s.Contact.Phone,
		Subtotal:        b.Subtotal,
		ShippingAmount:  b.RegionFee,
		Tax:             b.Tax,
		DiscountAmount:  b.Discount,
		Total:           b.Total,
		CreatedAt:       o.now().UTC(),
	}
	if applied != nil {
		ord.DiscountCode = applied.Code
	}
	return ord
}

// buildTasks lists the side effects of ord in execution order: one stock
// reservation per catalog line, the discount usage, then the confirmation.
func (o *Orchestrator) buildTasks(ord *order.Order, applied *discount.Applied) ([]outbox.Task, error) {
	due := ord.CreatedAt.Add(o.cfg.TaskLease)
	var tasks []outbox.Task
	add := func(kind outbox.Kind, payload any) error {
		t, err := outbox.NewTask(o.newID(), ord.ID, len(tasks)+1, kind, payload, due)
		if err != nil {
			return err
		}
		tasks = append(tasks, t)
		return nil
	}

	for _, it := range ord.Items {
		if it.ProductID == nil {
			continue
		}
		if err := add(outbox.KindReserveStock, outbox.ReserveStockPayload{
			ProductID: *it.ProductID,
			Quantity:  it.Quantity,
		}); err != nil {
			return nil, err
		}
	}
	if applied != nil {
		if err := add(outbox.KindCommitDiscount, outbox.CommitDiscountPayload{
			DiscountID: applied.DiscountID,
			Code:       applied.Code,
		}); err != nil {
			return nil, err
		}
	}
	if err := add(outbox.KindSendConfirmation, outbox.SendConfirmationPayload{Recipient: ord.Email}); err != nil {
		return nil, err
	}
	return tasks, nil
}

func (o *Orchestrator) replayByID(ctx context.Context, s *Session) (*Result, error) {
	ord, err := o.deps.Orders.GetByID(ctx, s.OrderID)
	if err != nil {
		return nil, errors.Wrap(err, "load settled order")
	}
	return o.replayed(ctx, ord), nil
}

func (o *Orchestrator) replayByKey(ctx context.Context, s *Session, key string) (*Result, bool, error) {
	ord, err := o.deps.Orders.GetByIdempotencyKey(ctx, s.TenantID, key)
	if errors.Is(err, order.ErrNotFound) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, errors.Wrap(err, "lookup idempotency key")
	}
	if ord.CustomerID != s.CustomerID {
		return nil, false, errors.Wrapf(order.ErrDuplicate, "key %q", key)
	}

	s.State = StateSettled
	s.OrderID = ord.ID
	s.FailureReason = ""
	if err := o.save(ctx, s); err != nil {
		o.lg.Warn("Save replayed session", zap.String("order_id", ord.ID), zap.Error(err))
	}
	return o.replayed(ctx, ord), true, nil
}

func (o *Orchestrator) replayed(ctx context.Context, ord *order.Order) *Result {
	threshold := pricing.DefaultFreeShippingThreshold
	if engine, err := o.engine(ctx, ord.TenantID); err == nil {
		threshold = engine.Config().Threshold()
	}
	charged := ord.ShippingAmount
	if ord.Subtotal.GreaterThanOrEqual(threshold) || ord.ShippingAmount.IsZero() {
		charged = decimal.Zero
	}
	return &Result{
		Order: ord,
		Breakdown: pricing.Breakdown{
			Subtotal:        ord.Subtotal,
			RegionFee:       ord.ShippingAmount,
			ShippingCharged: charged,
			Tax:             ord.Tax,
			Discount:        ord.DiscountAmount,
			Total:           ord.Total,
		},
		Replayed: true,
	}
}

func (o *Orchestrator) fail(ctx context.Context, s *Session, cause error) error {
	s.State = StateFailed
	s.FailureReason = cause.Error()
	if err := o.save(ctx, s); err != nil {
		o.lg.Warn("Save failed session", zap.String("session_id", s.ID), zap.Error(err))
	}
	return cause
}

func (o *Orchestrator) engine(ctx context.Context, tenantID string) (*pricing.Engine, error) {
	stepCtx, cancel := context.WithTimeout(ctx, o.timeout(o.cfg.Timeouts.Catalog))
	defer cancel()
	cfg, err := o.deps.Pricing.GetPricingConfig(stepCtx, tenantID)
	if err != nil {
		return nil, o.stepErr(stepCtx, "pricing", o.cfg.Timeouts.Catalog, err)
	}
	return pricing.NewEngine(*cfg), nil
}

func (o *Orchestrator) loadCart(ctx context.Context, tenantID, customerID string) (*cart.Cart, error) {
	stepCtx, cancel := context.WithTimeout(ctx, o.timeout(o.cfg.Timeouts.Catalog))
	defer cancel()
	c, err := o.deps.Carts.Get(stepCtx, tenantID, customerID)
	if err != nil {
		return nil, o.stepErr(stepCtx, "cart", o.cfg.Timeouts.Catalog, err)
	}
	return c, nil
}

// load returns the session if it belongs to the caller in ctx. A session
// owned by someone else is reported as not found.
func (o *Orchestrator) load(ctx context.Context, id string) (*Session, error) {
	s, err := o.deps.Sessions.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if who, ok := auth.FromContext(ctx); ok {
		if who.TenantID != s.TenantID || who.CustomerID != s.CustomerID {
			return nil, ErrSessionNotFound
		}
	}
	return s, nil
}

func (o *Orchestrator) loadOpen(ctx context.Context, id string) (*Session, error) {
	s, err := o.load(ctx, id)
	if err != nil {
		return nil, err
	}
	switch s.State {
	case StateSettled:
		return nil, ErrSessionClosed
	case StateSubmitting:
		return nil, ErrNotReady
	}
	return s, nil
}

func (o *Orchestrator) save(ctx context.Context, s *Session) error {
	s.UpdatedAt = o.now().UTC()
	if err := o.deps.Sessions.Save(ctx, s); err != nil {
		return errors.Wrap(err, "save checkout session")
	}
	return nil
}

func (o *Orchestrator) count(ctx context.Context, outcome string) {
	o.submit.Add(ctx, 1, metric.WithAttributes(attribute.String("outcome", outcome)))
}

// stepErr converts a deadline hit by the step's own context into a
// StepTimeoutError and passes other errors through.
func (o *Orchestrator) stepErr(stepCtx context.Context, step string, d time.Duration, err error) error {
	if errors.Is(stepCtx.Err(), context.DeadlineExceeded) {
		return &StepTimeoutError{Step: step, Timeout: o.timeout(d)}
	}
	return err
}

func (o *Orchestrator) timeout(d time.Duration) time.Duration {
	if d <= 0 {
		return 10 * time.Second
	}
	return d
}
