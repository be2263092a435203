// Package checkout drives a cart through delivery and payment selection into
// a settled order.
package checkout

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/go-faster/errors"

	"github.com/xenking/storefront-checkout/internal/domain/discount"
)

// State is the position of a session in the checkout state machine.
type State string

const (
	StateCollectingDelivery State = "collecting_delivery"
	StateCollectingPayment  State = "collecting_payment"
	StateSubmitting         State = "submitting"
	StateSettled            State = "settled"
	StateFailed             State = "failed"
)

// PaymentCash is the only settleable payment method.
const PaymentCash = "cash"

var (
	// ErrSessionNotFound is returned for unknown or foreign sessions.
	ErrSessionNotFound = errors.New("checkout session not found")
	// ErrSessionClosed is returned when a settled session is modified.
	ErrSessionClosed = errors.New("checkout session already settled")
	// ErrMissingAddress is returned when no usable shipping address is selected.
	ErrMissingAddress = errors.New("shipping address must be selected")
	// ErrMissingSlot is returned when no available delivery slot is selected.
	ErrMissingSlot = errors.New("available delivery slot must be selected")
	// ErrMissingContact is returned when name, phone or email is missing.
	ErrMissingContact = errors.New("contact name, phone and email are required")
	// ErrUnsupportedPaymentMethod is returned for any method other than cash.
	ErrUnsupportedPaymentMethod = errors.New("unsupported payment method")
	// ErrEmptyCart is returned when checking out an empty cart.
	ErrEmptyCart = errors.New("cart is empty")
	// ErrNotReady is returned by Submit before delivery and payment are collected.
	ErrNotReady = errors.New("checkout is not ready for submission")
	// ErrPersistence wraps failures of the durable order write.
	ErrPersistence = errors.New("order could not be saved")
)

// StepTimeoutError reports an external call that exceeded its bound.
type StepTimeoutError struct {
	Step    string
	Timeout time.Duration
}

func (e *StepTimeoutError) Error() string {
	return fmt.Sprintf("checkout step %s timed out after %s", e.Step, e.Timeout)
}

// Contact is how the customer can be reached about the order.
type Contact struct {
	FullName       string `json:"full_name"`
	Phone          string `json:"phone"`
	Email          string `json:"email"`
	AlternateEmail string `json:"alternate_email,omitempty"`
}

// Recipient returns the alternate email when set, else the account email.
func (c Contact) Recipient() string {
	if alt := strings.TrimSpace(c.AlternateEmail); alt != "" {
		return alt
	}
	return strings.TrimSpace(c.Email)
}

// Validate checks that the contact can be used for an order.
func (c Contact) Validate() error {
	if strings.TrimSpace(c.FullName) == "" || strings.TrimSpace(c.Phone) == "" || c.Recipient() == "" {
		return ErrMissingContact
	}
	return nil
}

// Session is one checkout attempt of a customer.
type Session struct {
	ID              string            `json:"id"`
	TenantID        string            `json:"tenant_id"`
	CustomerID      string            `json:"customer_id"`
	State           State             `json:"state"`
	AddressID       string            `json:"address_id,omitempty"`
	AddressSnapshot string            `json:"address_snapshot,omitempty"`
	Region          string            `json:"region,omitempty"`
	SlotID          string            `json:"slot_id,omitempty"`
	Contact         Contact           `json:"contact"`
	PaymentMethod   string            `json:"payment_method,omitempty"`
	Notes           string            `json:"notes,omitempty"`
	Discount        *discount.Applied `json:"discount,omitempty"`
	OrderID         string            `json:"order_id,omitempty"`
	FailureReason   string            `json:"failure_reason,omitempty"`
	CreatedAt       time.Time         `json:"created_at"`
	UpdatedAt       time.Time         `json:"updated_at"`
}

// HasDelivery reports whether an address and slot are selected.
func (s *Session) HasDelivery() bool {
	return s.AddressID != "" && s.SlotID != ""
}

// HasPayment reports whether contact and payment method are collected.
func (s *Session) HasPayment() bool {
	return s.PaymentMethod != "" && s.Contact.Validate() == nil
}

// CanSubmit reports whether Submit may run from the current state.
func (s *Session) CanSubmit() bool {
	switch s.State {
	case StateCollectingPayment, StateSubmitting, StateFailed:
		return s.HasDelivery() && s.HasPayment()
	default:
		return false
	}
}

// SessionStore persists sessions.
type SessionStore interface {
	// Get returns ErrSessionNotFound for unknown or expired sessions.
	Get(ctx context.Context, id string) (*Session, error)
	Save(ctx context.Context, s *Session) error
}
