package repository

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/xenking/storefront-checkout/internal/domain/outbox"
)

const (
	taskColumns = `id, order_id, seq, kind, payload, status, attempts, last_error, next_attempt_at, created_at`

	listPendingTasksSQL = `SELECT ` + taskColumns + ` FROM outbox_tasks
		WHERE order_id = $1 AND status = 'pending'
		ORDER BY seq`

	// Pushing next_attempt_at forward is the lease: other dispatchers skip
	// the locked rows now and the updated ones until the lease runs out.
	claimDueTasksSQL = `UPDATE outbox_tasks SET next_attempt_at = $2
		WHERE id IN (
			SELECT id FROM outbox_tasks
			WHERE status = 'pending' AND next_attempt_at <= $1
			ORDER BY next_attempt_at
			LIMIT $3
			FOR UPDATE SKIP LOCKED
		)
		RETURNING ` + taskColumns

	markTaskDoneSQL = `UPDATE outbox_tasks SET status = 'done', last_error = '' WHERE id = $1`

	rescheduleTaskSQL = `UPDATE outbox_tasks SET attempts = $2, next_attempt_at = $3, last_error = $4
		WHERE id = $1 AND status = 'pending'`

	markTaskDeadSQL = `UPDATE outbox_tasks SET status = 'dead', attempts = $2, last_error = $3
		WHERE id = $1`
)

var _ outbox.Repository = (*OutboxRepository)(nil)

// OutboxRepository implements outbox.Repository on the outbox_tasks table.
type OutboxRepository struct {
	db DB
}

// NewOutboxRepository returns an OutboxRepository that uses the given pool.
func NewOutboxRepository(db DB) *OutboxRepository {
	return &OutboxRepository{db: db}
}

// ListPending returns the pending tasks of an order in sequence order.
func (r *OutboxRepository) ListPending(ctx context.Context, orderID string) ([]outbox.Task, error) {
	rows, err := r.db.Query(ctx, listPendingTasksSQL, orderID)
	if err != nil {
		return nil, fmt.Errorf("listing pending tasks of order %q: %w", orderID, err)
	}
	return pgx.CollectRows(rows, scanTask)
}

// ClaimDue leases up to limit due tasks until leaseUntil.
func (r *OutboxRepository) ClaimDue(ctx context.Context, now, leaseUntil time.Time, limit int) ([]outbox.Task, error) {
	rows, err := r.db.Query(ctx, claimDueTasksSQL, now, leaseUntil, limit)
	if err != nil {
		return nil, fmt.Errorf("claiming due tasks: %w", err)
	}
	return pgx.CollectRows(rows, scanTask)
}

// MarkDone completes a task.
func (r *OutboxRepository) MarkDone(ctx context.Context, id string) error {
	if _, err := r.db.Exec(ctx, markTaskDoneSQL, id); err != nil {
		return fmt.Errorf("marking task %q done: %w", id, err)
	}
	return nil
}

// Reschedule records a failed attempt and the time of the next one.
func (r *OutboxRepository) Reschedule(ctx context.Context, id string, attempts int, next time.Time, lastErr string) error {
	if _, err := r.db.Exec(ctx, rescheduleTaskSQL, id, attempts, next, lastErr); err != nil {
		return fmt.Errorf("rescheduling task %q: %w", id, err)
	}
	return nil
}

// MarkDead moves a task to the dead-letter state.
func (r *OutboxRepository) MarkDead(ctx context.Context, id string, attempts int, lastErr string) error {
	if _, err := r.db.Exec(ctx, markTaskDeadSQL, id, attempts, lastErr); err != nil {
		return fmt.Errorf("marking task %q dead: %w", id, err)
	}
	return nil
}

func scanTask(row pgx.CollectableRow) (outbox.Task, error) {
	var (
		t       outbox.Task
		kind    string
		status  string
		payload []byte
	)
	err := row.Scan(
		&t.ID, &t.OrderID, &t.Seq, &kind, &payload, &status,
		&t.Attempts, &t.LastError, &t.NextAttemptAt, &t.CreatedAt,
	)
	t.Kind = outbox.Kind(kind)
	t.Status = outbox.Status(status)
	t.Payload = payload
	return t, err
}
