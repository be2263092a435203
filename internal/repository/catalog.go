package repository

import (
	"context"
	"fmt"

	"github.com/go-faster/errors"
	"github.com/jackc/pgx/v5"
	"github.com/shopspring/decimal"

	"github.com/xenking/storefront-checkout/internal/domain/catalog"
	"github.com/xenking/storefront-checkout/internal/domain/stock"
)

const (
	getProductByIDSQL = `SELECT id, name, price, stock FROM products WHERE id = $1`

	getProductsByIDsSQL = `SELECT id, name, price, stock FROM products WHERE id = ANY($1) ORDER BY id`

	getCustomizationByIDSQL = `SELECT id, name, price FROM customizations WHERE id = $1`

	getProductStockSQL = `SELECT stock FROM products WHERE id = $1`

	// Guarded by the WHERE clause: concurrent decrements serialise on the
	// row lock and the loser matches no row instead of going negative.
	decrementStockSQL = `UPDATE products SET stock = stock - $2
		WHERE id = $1 AND stock >= $2
		RETURNING stock`
)

var (
	_ catalog.Repository = (*CatalogRepository)(nil)
	_ stock.Repository   = (*CatalogRepository)(nil)
)

// CatalogRepository implements catalog.Repository and stock.Repository on
// the products and customizations tables.
type CatalogRepository struct {
	db DB
}

// NewCatalogRepository returns a CatalogRepository that uses the given pool.
func NewCatalogRepository(db DB) *CatalogRepository {
	return &CatalogRepository{db: db}
}

// GetProduct returns a single product by its identifier.
func (r *CatalogRepository) GetProduct(ctx context.Context, id string) (*catalog.Product, error) {
	rows, err := r.db.Query(ctx, getProductByIDSQL, id)
	if err != nil {
		return nil, fmt.Errorf("getting product %q: %w", id, err)
	}

	p, err := pgx.CollectExactlyOneRow(rows, scanProduct)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, catalog.ErrProductNotFound
		}
		return nil, fmt.Errorf("getting product %q: %w", id, err)
	}
	return &p, nil
}

// GetProducts returns products matching any of the given IDs.
func (r *CatalogRepository) GetProducts(ctx context.Context, ids []string) ([]catalog.Product, error) {
	rows, err := r.db.Query(ctx, getProductsByIDsSQL, ids)
	if err != nil {
		return nil, fmt.Errorf("getting products by ids: %w", err)
	}
	return pgx.CollectRows(rows, scanProduct)
}

// GetCustomization returns a custom-configured item.
func (r *CatalogRepository) GetCustomization(ctx context.Context, id string) (*catalog.Customization, error) {
	var (
		c     catalog.Customization
		price decimal.Decimal
	)
	err := r.db.QueryRow(ctx, getCustomizationByIDSQL, id).Scan(&c.ID, &c.Name, &price)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, catalog.ErrCustomizationNotFound
		}
		return nil, fmt.Errorf("getting customization %q: %w", id, err)
	}
	c.Price = price
	return &c, nil
}

// Available returns the on-hand stock of a product.
func (r *CatalogRepository) Available(ctx context.Context, productID string) (int, error) {
	var n int
	err := r.db.QueryRow(ctx, getProductStockSQL, productID).Scan(&n)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return 0, catalog.ErrProductNotFound
		}
		return 0, fmt.Errorf("reading stock of %q: %w", productID, err)
	}
	return n, nil
}

// Decrement subtracts qty from a product's stock and returns what is left.
// It returns stock.ErrShortfall when fewer than qty units are on hand.
func (r *CatalogRepository) Decrement(ctx context.Context, productID string, qty int) (int, error) {
	return decrementStock(ctx, r.db, productID, qty)
}

// DecrementOnce is Decrement recorded under effectID. The marker row and the
// decrement commit together, so a redelivered task finds the marker and
// leaves stock alone.
func (r *CatalogRepository) DecrementOnce(ctx context.Context, effectID, productID string, qty int) (int, bool, error) {
	var remaining int
	applied, err := applyOnce(ctx, r.db, effectID, func(q querier) error {
		var err error
		remaining, err = decrementStock(ctx, q, productID, qty)
		return err
	})
	return remaining, applied, err
}

func decrementStock(ctx context.Context, q querier, productID string, qty int) (int, error) {
	var remaining int
	err := q.QueryRow(ctx, decrementStockSQL, productID, qty).Scan(&remaining)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return 0, stock.ErrShortfall
		}
		return 0, fmt.Errorf("decrementing stock of %q: %w", productID, err)
	}
	return remaining, nil
}

func scanProduct(row pgx.CollectableRow) (catalog.Product, error) {
	var (
		p     catalog.Product
		price decimal.Decimal
	)
	err := row.Scan(&p.ID, &p.Name, &price, &p.Stock)
	p.Price = price
	return p, err
}
