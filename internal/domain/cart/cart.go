// Package cart holds the customer's selected line items and the running
// subtotal that checkout starts from.
package cart

import (
	"context"
	"time"

	"github.com/go-faster/errors"
	"github.com/shopspring/decimal"
)

var (
	// ErrLineNotFound is returned when a cart line id is unknown.
	ErrLineNotFound = errors.New("cart line not found")
	// ErrInvalidLine is returned when a line references both or neither of a
	// catalog product and a customization.
	ErrInvalidLine = errors.New("line must reference exactly one of product or customization")
	// ErrInvalidQuantity is returned when a line quantity is below 1.
	ErrInvalidQuantity = errors.New("quantity must be at least 1")
)

// Line is a single selected item. Exactly one of ProductID and
// CustomizationID is set.
type Line struct {
	ID              string          `json:"id"`
	ProductID       *string         `json:"product_id,omitempty"`
	CustomizationID *string         `json:"customization_id,omitempty"`
	Name            string          `json:"name"`
	Quantity        int             `json:"quantity"`
	UnitPrice       decimal.Decimal `json:"unit_price"`
	SelectedColor   *string         `json:"selected_color,omitempty"`
	SelectedSize    *string         `json:"selected_size,omitempty"`
}

// Validate checks the reference and quantity invariants.
func (l Line) Validate() error {
	if (l.ProductID == nil) == (l.CustomizationID == nil) {
		return ErrInvalidLine
	}
	if l.Quantity < 1 {
		return ErrInvalidQuantity
	}
	return nil
}

// IsCustom reports whether the line is a custom-configured item.
func (l Line) IsCustom() bool {
	return l.CustomizationID != nil
}

// Total returns quantity * unit price.
func (l Line) Total() decimal.Decimal {
	return l.UnitPrice.Mul(decimal.NewFromInt(int64(l.Quantity)))
}

func (l Line) sameItem(o Line) bool {
	return eq(l.ProductID, o.ProductID) &&
		eq(l.CustomizationID, o.CustomizationID) &&
		eq(l.SelectedColor, o.SelectedColor) &&
		eq(l.SelectedSize, o.SelectedSize)
}

func eq(a, b *string) bool {
	if a == nil || b == nil {
		return a == b
	}
	return *a == *b
}

// Cart is the active cart of one customer within one tenant.
type Cart struct {
	TenantID   string    `json:"tenant_id"`
	CustomerID string    `json:"customer_id"`
	Lines      []Line    `json:"lines"`
	UpdatedAt  time.Time `json:"updated_at"`
}

// New returns an empty cart.
func New(tenantID, customerID string) *Cart {
	return &Cart{
		TenantID:   tenantID,
		CustomerID: customerID,
		Lines:      []Line{},
	}
}

// Add appends a line, or merges its quantity into an existing line for the
// same item, color and size. It returns the resulting line.
func (c *Cart) Add(line Line) (Line, error) {
	if err := line.Validate(); err != nil {
		return Line{}, err
	}
	for i := range c.Lines {
		if c.Lines[i].sameItem(line) {
			c.Lines[i].Quantity += line.Quantity
			c.Lines[i].UnitPrice = line.UnitPrice
			return c.Lines[i], nil
		}
	}
	c.Lines = append(c.Lines, line)
	return line, nil
}

// SetQuantity changes the quantity of a line. A quantity of zero or less
// removes the line.
func (c *Cart) SetQuantity(lineID string, qty int) error {
	if qty <= 0 {
		return c.Remove(lineID)
	}
	for i := range c.Lines {
		if c.Lines[i].ID == lineID {
			c.Lines[i].Quantity = qty
			return nil
		}
	}
	return ErrLineNotFound
}

// Remove deletes a line by id.
func (c *Cart) Remove(lineID string) error {
	for i := range c.Lines {
		if c.Lines[i].ID == lineID {
			c.Lines = append(c.Lines[:i], c.Lines[i+1:]...)
			return nil
		}
	}
	return ErrLineNotFound
}

// Clear removes every line.
func (c *Cart) Clear() {
	c.Lines = []Line{}
}

// IsEmpty reports whether the cart has no lines.
func (c *Cart) IsEmpty() bool {
	return len(c.Lines) == 0
}

// Subtotal returns the sum of quantity * unit price across all lines,
// rounded to 2 decimal places.
func (c *Cart) Subtotal() decimal.Decimal {
	sum := decimal.Zero
	for _, l := range c.Lines {
		sum = sum.Add(l.Total())
	}
	return sum.Round(2)
}

// Store persists carts. Get returns an empty cart when none exists.
type Store interface {
	Get(ctx context.Context, tenantID, customerID string) (*Cart, error)
	Save(ctx context.Context, c *Cart) error
	Delete(ctx context.Context, tenantID, customerID string) error
}
