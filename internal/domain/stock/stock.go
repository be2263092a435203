// Package stock guards catalog inventory: a read-only availability check
// before an order is written and a conditional decrement afterwards.
package stock

import (
	"context"
	"fmt"

	"github.com/go-faster/errors"
)

// ErrShortfall is returned by Repository.Decrement when the row did not hold
// enough stock for the conditional update.
var ErrShortfall = errors.New("stock shortfall")

// InsufficientStockError reports a product that cannot cover the requested
// quantity.
type InsufficientStockError struct {
	ProductID string
	Requested int
	Available int
}

func (e *InsufficientStockError) Error() string {
	return fmt.Sprintf("insufficient stock for product %s: requested %d, available %d",
		e.ProductID, e.Requested, e.Available)
}

// Line is a quantity request. Lines without a ProductID are custom items and
// are exempt from stock control.
type Line struct {
	ProductID       *string
	CustomizationID *string
	Quantity        int
}

// Repository reads and mutates the catalog stock counter.
type Repository interface {
	Available(ctx context.Context, productID string) (int, error)
	// Decrement subtracts qty in a single conditional update and returns the
	// remaining stock, or ErrShortfall if fewer than qty units were on hand.
	Decrement(ctx context.Context, productID string, qty int) (int, error)
	// DecrementOnce is Decrement recorded under effectID in the same
	// transaction. When effectID was already recorded nothing changes and
	// applied is false.
	DecrementOnce(ctx context.Context, effectID, productID string, qty int) (remaining int, applied bool, err error)
}

// Gate checks and reserves stock.
type Gate struct {
	repo Repository
}

// NewGate creates a Gate backed by the given Repository.
func NewGate(repo Repository) *Gate {
	return &Gate{repo: repo}
}

// CheckAvailable returns the on-hand quantity of productID, failing with
// *InsufficientStockError when it is below qty. It never mutates stock.
func (g *Gate) CheckAvailable(ctx context.Context, productID string, qty int) (int, error) {
	available, err := g.repo.Available(ctx, productID)
	if err != nil {
		return 0, errors.Wrapf(err, "check stock of %s", productID)
	}
	if available < qty {
		return available, &InsufficientStockError{ProductID: productID, Requested: qty, Available: available}
	}
	return available, nil
}

// CheckAll verifies every catalog line before anything is reserved. Repeated
// products are checked against their combined quantity, in first-seen order,
// and the first shortfall aborts the check.
func (g *Gate) CheckAll(ctx context.Context, lines []Line) error {
	var order []string
	totals := make(map[string]int)
	for _, l := range lines {
		if l.ProductID == nil {
			continue
		}
		id := *l.ProductID
		if _, seen := totals[id]; !seen {
			order = append(order, id)
		}
		totals[id] += l.Quantity
	}

	for _, id := range order {
		if _, err := g.CheckAvailable(ctx, id, totals[id]); err != nil {
			return err
		}
	}
	return nil
}

// Reserve decrements stock of productID by qty and returns the new on-hand
// quantity. When the conditional decrement matches nothing the current
// availability is re-read for the returned *InsufficientStockError.
func (g *Gate) Reserve(ctx context.Context, productID string, qty int) (int, error) {
	remaining, err := g.repo.Decrement(ctx, productID, qty)
	if err == nil {
		return remaining, nil
	}
	if !errors.Is(err, ErrShortfall) {
		return 0, errors.Wrapf(err, "reserve stock of %s", productID)
	}

	return 0, g.shortfall(ctx, productID, qty)
}

// ReserveOnce is Reserve for a retried side effect: the decrement is applied
// at most once per effectID, so redelivering the same task cannot take stock
// twice. It reports whether this call applied the decrement.
func (g *Gate) ReserveOnce(ctx context.Context, effectID, productID string, qty int) (bool, error) {
	_, applied, err := g.repo.DecrementOnce(ctx, effectID, productID, qty)
	if err == nil {
		return applied, nil
	}
	if !errors.Is(err, ErrShortfall) {
		return false, errors.Wrapf(err, "reserve stock of %s", productID)
	}
	return false, g.shortfall(ctx, productID, qty)
}

func (g *Gate) shortfall(ctx context.Context, productID string, qty int) error {
	available, err := g.repo.Available(ctx, productID)
	if err != nil {
		available = 0
	}
	return &InsufficientStockError{ProductID: productID, Requested: qty, Available: available}
}
