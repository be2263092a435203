// Package catalog describes the product records the checkout flow prices and
// reserves against.
package catalog

import (
	"context"

	"github.com/go-faster/errors"
	"github.com/shopspring/decimal"
)

var (
	// ErrProductNotFound is returned when a requested product does not exist.
	ErrProductNotFound = errors.New("product not found")
	// ErrCustomizationNotFound is returned when a custom-configured item does not exist.
	ErrCustomizationNotFound = errors.New("customization not found")
)

// Product represents a catalog item available for purchase.
type Product struct {
	ID    string
	Name  string
	Price decimal.Decimal
	Stock int
}

// Customization is a custom-configured item. It carries its own price and is
// not tracked in stock.
type Customization struct {
	ID    string
	Name  string
	Price decimal.Decimal
}

// Repository defines read operations for the product catalog.
type Repository interface {
	GetProduct(ctx context.Context, id string) (*Product, error)
	GetProducts(ctx context.Context, ids []string) ([]Product, error)
	GetCustomization(ctx context.Context, id string) (*Customization, error)
}
