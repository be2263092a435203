package repository

import (
	"context"
	"fmt"

	"github.com/go-faster/errors"
	"github.com/jackc/pgx/v5"
	"github.com/shopspring/decimal"

	"github.com/xenking/storefront-checkout/internal/domain/order"
	"github.com/xenking/storefront-checkout/internal/domain/outbox"
)

const (
	orderColumns = `id, tenant_id, user_id, idempotency_key, status, address_id,
		shipping_address, delivery_slot_id, payment_method, order_notes, full_name, email, phone_number,
		discount_code, subtotal, shipping_amount, tax, discount_amount, total, created_at`

	createOrderSQL = `INSERT INTO orders (` + orderColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18, $19, $20)`

	getOrderByIDSQL = `SELECT ` + orderColumns + ` FROM orders WHERE id = $1`

	getOrderByKeySQL = `SELECT ` + orderColumns + ` FROM orders
		WHERE tenant_id = $1 AND idempotency_key = $2`

	listOrderItemsSQL = `SELECT product_id, customization_id, name, quantity, price_at_time,
		selected_color, selected_size
		FROM order_items WHERE order_id = $1 ORDER BY position`

	idempotencyConstraint = "orders_idempotency_key_uniq"
)

var _ order.Repository = (*OrderRepository)(nil)

// OrderRepository implements order.Repository backed by PostgreSQL.
type OrderRepository struct {
	db DB
}

// NewOrderRepository returns an OrderRepository that uses the given pool.
func NewOrderRepository(db DB) *OrderRepository {
	return &OrderRepository{db: db}
}

// Create writes the order header, its items and its outbox tasks in one
// transaction. A second order under the same tenant and idempotency key
// fails with order.ErrDuplicate.
func (r *OrderRepository) Create(ctx context.Context, o *order.Order, tasks []outbox.Task) error {
	tx, err := r.db.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin order transaction: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	_, err = tx.Exec(ctx, createOrderSQL,
		o.ID, o.TenantID, o.CustomerID, o.IdempotencyKey, string(o.Status), o.AddressID,
		o.ShippingAddress, o.DeliverySlotID, o.PaymentMethod, o.Notes, o.FullName, o.Email, o.Phone,
		o.DiscountCode, o.Subtotal, o.ShippingAmount, o.Tax, o.DiscountAmount, o.Total, o.CreatedAt,
	)
	if err != nil {
		if isUniqueViolation(err, idempotencyConstraint) {
			return errors.Wrapf(order.ErrDuplicate, "key %q", o.IdempotencyKey)
		}
		return fmt.Errorf("creating order %q: %w", o.ID, err)
	}

	if err := insertItems(ctx, tx, o); err != nil {
		return err
	}
	if err := insertTasks(ctx, tx, tasks); err != nil {
		return err
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit order %q: %w", o.ID, err)
	}
	return nil
}

func insertItems(ctx context.Context, tx pgx.Tx, o *order.Order) error {
	if len(o.Items) == 0 {
		return nil
	}
	q := psql.Insert("order_items").Columns(
		"order_id", "position", "product_id", "customization_id", "name",
		"quantity", "price_at_time", "selected_color", "selected_size",
	)
	for i, it := range o.Items {
		q = q.Values(o.ID, i+1, it.ProductID, it.CustomizationID, it.Name,
			it.Quantity, it.PriceAtTime, it.SelectedColor, it.SelectedSize)
	}
	query, args, err := q.ToSql()
	if err != nil {
		return fmt.Errorf("building order items insert: %w", err)
	}
	if _, err := tx.Exec(ctx, query, args...); err != nil {
		return fmt.Errorf("inserting items of order %q: %w", o.ID, err)
	}
	return nil
}

func insertTasks(ctx context.Context, tx pgx.Tx, tasks []outbox.Task) error {
	if len(tasks) == 0 {
		return nil
	}
	q := psql.Insert("outbox_tasks").Columns(
		"id", "order_id", "seq", "kind", "payload", "status", "next_attempt_at",
	)
	for _, t := range tasks {
		q = q.Values(t.ID, t.OrderID, t.Seq, string(t.Kind), []byte(t.Payload), string(t.Status), t.NextAttemptAt)
	}
	query, args, err := q.ToSql()
	if err != nil {
		return fmt.Errorf("building outbox insert: %w", err)
	}
	if _, err := tx.Exec(ctx, query, args...); err != nil {
		return fmt.Errorf("inserting outbox tasks: %w", err)
	}
	return nil
}

// GetByID returns an order with its items.
func (r *OrderRepository) GetByID(ctx context.Context, id string) (*order.Order, error) {
	return r.get(ctx, getOrderByIDSQL, id)
}

// GetByIdempotencyKey returns the order a tenant created under key.
func (r *OrderRepository) GetByIdempotencyKey(ctx context.Context, tenantID, key string) (*order.Order, error) {
	return r.get(ctx, getOrderByKeySQL, tenantID, key)
}

func (r *OrderRepository) get(ctx context.Context, query string, args ...any) (*order.Order, error) {
	rows, err := r.db.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("getting order: %w", err)
	}
	o, err := pgx.CollectExactlyOneRow(rows, scanOrder)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, order.ErrNotFound
		}
		return nil, fmt.Errorf("getting order: %w", err)
	}

	rows, err = r.db.Query(ctx, listOrderItemsSQL, o.ID)
	if err != nil {
		return nil, fmt.Errorf("listing items of order %q: %w", o.ID, err)
	}
	o.Items, err = pgx.CollectRows(rows, scanOrderItem)
	if err != nil {
		return nil, fmt.Errorf("listing items of order %q: %w", o.ID, err)
	}
	return &o, nil
}

func scanOrder(row pgx.CollectableRow) (order.Order, error) {
	var (
		o      order.Order
		status string
	)
	err := row.Scan(
		&o.ID, &o.TenantID, &o.CustomerID, &o.IdempotencyKey, &status, &o.AddressID,
		&o.ShippingAddress, &o.DeliverySlotID, &o.PaymentMethod, &o.Notes, &o.FullName, &o.Email, &o.Phone,
		&o.DiscountCode, &o.Subtotal, &o.ShippingAmount, &o.Tax, &o.DiscountAmount, &o.Total, &o.CreatedAt,
	)
	o.Status = order.Status(status)
	return o, err
}

func scanOrderItem(row pgx.CollectableRow) (order.Item, error) {
	var (
		it    order.Item
		price decimal.Decimal
	)
	err := row.Scan(
		&it.ProductID, &it.CustomizationID, &it.Name, &it.Quantity, &price,
		&it.SelectedColor, &it.SelectedSize,
	)
	it.PriceAtTime = price
	return it, err
}
