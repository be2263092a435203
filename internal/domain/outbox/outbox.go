// Package outbox executes the side effects of a settled order. Tasks are
// written in the same transaction as the order and run afterwards, inline
// first and then by a polling dispatcher with retries and a dead-letter path.
package outbox

import (
	"context"
	"encoding/json"
	"time"

	"github.com/go-faster/errors"
)

// Kind identifies the side effect a task performs.
type Kind string

const (
	KindReserveStock     Kind = "reserve_stock"
	KindCommitDiscount   Kind = "commit_discount"
	KindSendConfirmation Kind = "send_confirmation"
)

// Status is the lifecycle state of a task.
type Status string

const (
	StatusPending Status = "pending"
	StatusDone    Status = "done"
	StatusDead    Status = "dead"
)

// Task is a single post-commit side effect of an order.
type Task struct {
	ID            string
	OrderID       string
	Seq           int
	Kind          Kind
	Payload       json.RawMessage
	Status        Status
	Attempts      int
	LastError     string
	NextAttemptAt time.Time
	CreatedAt     time.Time
}

// ReserveStockPayload is the payload of a reserve_stock task.
type ReserveStockPayload struct {
	ProductID string `json:"product_id"`
	Quantity  int    `json:"quantity"`
}

// CommitDiscountPayload is the payload of a commit_discount task.
type CommitDiscountPayload struct {
	DiscountID string `json:"discount_id"`
	Code       string `json:"code"`
}

// SendConfirmationPayload is the payload of a send_confirmation task.
type SendConfirmationPayload struct {
	Recipient string `json:"recipient"`
}

// NewTask builds a pending task with a JSON-encoded payload.
func NewTask(id, orderID string, seq int, kind Kind, payload any, nextAttemptAt time.Time) (Task, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return Task{}, errors.Wrapf(err, "encode %s payload", kind)
	}
	return Task{
		ID:            id,
		OrderID:       orderID,
		Seq:           seq,
		Kind:          kind,
		Payload:       raw,
		Status:        StatusPending,
		NextAttemptAt: nextAttemptAt,
	}, nil
}

// Decode unmarshals the task payload into v.
func (t Task) Decode(v any) error {
	if err := json.Unmarshal(t.Payload, v); err != nil {
		return Permanent(errors.Wrapf(err, "decode %s payload of task %s", t.Kind, t.ID))
	}
	return nil
}

// Repository persists task state.
type Repository interface {
	// ListPending returns the pending tasks of one order ordered by Seq.
	ListPending(ctx context.Context, orderID string) ([]Task, error)
	// ClaimDue leases up to limit pending tasks whose NextAttemptAt is not
	// after now by pushing NextAttemptAt to leaseUntil. Rows locked by another
	// claimer are skipped.
	ClaimDue(ctx context.Context, now, leaseUntil time.Time, limit int) ([]Task, error)
	MarkDone(ctx context.Context, id string) error
	Reschedule(ctx context.Context, id string, attempts int, next time.Time, lastErr string) error
	MarkDead(ctx context.Context, id string, attempts int, lastErr string) error
}

// DeadLetterPublisher announces tasks that will not be retried.
type DeadLetterPublisher interface {
	PublishDeadLetter(ctx context.Context, t Task) error
}

type permanentError struct {
	err error
}

func (e *permanentError) Error() string { return e.err.Error() }
func (e *permanentError) Unwrap() error { return e.err }

// Permanent marks err as not worth retrying.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &permanentError{err: err}
}

// IsPermanent reports whether err was marked with Permanent.
func IsPermanent(err error) bool {
	var pe *permanentError
	return errors.As(err, &pe)
}

// Backoff returns base * 2^(attempt-1), capped at ceiling.
func Backoff(attempt int, base, ceiling time.Duration) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	d := base
	for i := 1; i < attempt; i++ {
		d *= 2
		if d >= ceiling {
			return ceiling
		}
	}
	if d > ceiling {
		return ceiling
	}
	return d
}
