package repository

import (
	"context"
	"fmt"

	"github.com/go-faster/errors"
	"github.com/jackc/pgx/v5"

	"github.com/xenking/storefront-checkout/internal/domain/delivery"
)

const (
	getAddressSQL = `SELECT id, customer_id, line1, line2, city, state, postal_code, is_default
		FROM addresses WHERE id = $1 AND customer_id = $2`

	getSlotSQL = `SELECT id, available FROM delivery_slots WHERE id = $1`
)

var (
	_ delivery.AddressBook  = (*AddressRepository)(nil)
	_ delivery.SlotRegistry = (*SlotRepository)(nil)
)

// AddressRepository implements delivery.AddressBook.
type AddressRepository struct {
	db DB
}

// NewAddressRepository returns an AddressRepository that uses the given pool.
func NewAddressRepository(db DB) *AddressRepository {
	return &AddressRepository{db: db}
}

// Get returns an address owned by customerID. Addresses of other customers
// are reported as not found.
func (r *AddressRepository) Get(ctx context.Context, customerID, addressID string) (*delivery.Address, error) {
	var a delivery.Address
	err := r.db.QueryRow(ctx, getAddressSQL, addressID, customerID).Scan(
		&a.ID, &a.CustomerID, &a.Line1, &a.Line2, &a.City, &a.State, &a.PostalCode, &a.IsDefault,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, delivery.ErrAddressNotFound
		}
		return nil, fmt.Errorf("getting address %q: %w", addressID, err)
	}
	return &a, nil
}

// SlotRepository implements delivery.SlotRegistry.
type SlotRepository struct {
	db DB
}

// NewSlotRepository returns a SlotRepository that uses the given pool.
func NewSlotRepository(db DB) *SlotRepository {
	return &SlotRepository{db: db}
}

// Get returns a delivery slot by id.
func (r *SlotRepository) Get(ctx context.Context, slotID string) (*delivery.Slot, error) {
	var s delivery.Slot
	err := r.db.QueryRow(ctx, getSlotSQL, slotID).Scan(&s.ID, &s.Available)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, delivery.ErrSlotNotFound
		}
		return nil, fmt.Errorf("getting delivery slot %q: %w", slotID, err)
	}
	return &s, nil
}
