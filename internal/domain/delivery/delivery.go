// Package delivery describes where and when an order is delivered: customer
// addresses and bookable delivery slots.
package delivery

import (
	"context"
	"strings"
	"time"

	"github.com/go-faster/errors"
)

var (
	// ErrAddressNotFound is returned when an address does not exist for the customer.
	ErrAddressNotFound = errors.New("address not found")
	// ErrSlotNotFound is returned when a delivery slot id is unknown.
	ErrSlotNotFound = errors.New("delivery slot not found")
	// ErrMalformedSlotID is returned by ParseSlotID for ids not of the form
	// "<date>_<time range>".
	ErrMalformedSlotID = errors.New("malformed delivery slot id")
)

// Address is a customer's shipping address.
type Address struct {
	ID         string
	CustomerID string
	Line1      string
	Line2      string
	City       string
	State      string
	PostalCode string
	IsDefault  bool
}

// Snapshot renders the address as the denormalised text stored on orders.
func (a Address) Snapshot() string {
	var b strings.Builder
	b.WriteString(a.Line1)
	if a.Line2 != "" {
		b.WriteString(", ")
		b.WriteString(a.Line2)
	}
	b.WriteString(", ")
	b.WriteString(a.City)
	b.WriteString(", ")
	b.WriteString(a.State)
	b.WriteString(" ")
	b.WriteString(a.PostalCode)
	return b.String()
}

// Region is the key used to look up the shipping fee.
func (a Address) Region() string {
	return strings.ToUpper(strings.TrimSpace(a.State))
}

// Slot is a bookable delivery window.
type Slot struct {
	ID        string
	Available bool
}

// SlotWindow is the parsed form of a slot id.
type SlotWindow struct {
	Date  time.Time
	Range string
}

// ParseSlotID splits "2024-06-01_10:00 AM - 12:00 PM" on the first
// underscore into a date and a time range.
func ParseSlotID(id string) (SlotWindow, error) {
	datePart, rangePart, ok := strings.Cut(id, "_")
	if !ok || rangePart == "" {
		return SlotWindow{}, errors.Wrapf(ErrMalformedSlotID, "%q", id)
	}
	date, err := time.Parse(time.DateOnly, datePart)
	if err != nil {
		return SlotWindow{}, errors.Wrapf(ErrMalformedSlotID, "%q: %v", id, err)
	}
	return SlotWindow{Date: date, Range: strings.TrimSpace(rangePart)}, nil
}

// Display renders the window as "Saturday, June 1, 2024, 10:00 AM - 12:00 PM".
func (w SlotWindow) Display() string {
	return w.Date.Format("Monday, January 2, 2006") + ", " + w.Range
}

// DisplaySlot renders a slot id for humans, falling back to the raw id when
// it cannot be parsed.
func DisplaySlot(id string) string {
	w, err := ParseSlotID(id)
	if err != nil {
		return id
	}
	return w.Display()
}

// AddressBook looks up customer addresses.
type AddressBook interface {
	Get(ctx context.Context, customerID, addressID string) (*Address, error)
}

// SlotRegistry looks up delivery slots.
type SlotRegistry interface {
	Get(ctx context.Context, slotID string) (*Slot, error)
}
