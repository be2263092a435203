package outbox

import (
	"context"
	"time"

	"github.com/go-faster/errors"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.uber.org/zap"
)

// Handler performs the side effect of one task. Returning an error wrapped
// with Permanent dead-letters the task immediately.
type Handler func(ctx context.Context, t Task) error

// Outcome is the result of one execution of a task.
type Outcome string

const (
	OutcomeDone    Outcome = "done"
	OutcomeRetry   Outcome = "retry"
	OutcomeDead    Outcome = "dead"
	OutcomeErrored Outcome = "error"
)

// Config tunes retry behaviour.
type Config struct {
	MaxAttempts int
	BaseBackoff time.Duration
	MaxBackoff  time.Duration
}

func (c *Config) setDefaults() {
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = 8
	}
	if c.BaseBackoff <= 0 {
		c.BaseBackoff = time.Second
	}
	if c.MaxBackoff <= 0 {
		c.MaxBackoff = 5 * time.Minute
	}
}

// Report summarises a ProcessOrder run.
type Report struct {
	Done  int
	Retry int
	Dead  int
}

// Processor runs tasks through their registered handlers and records the
// outcome.
type Processor struct {
	repo     Repository
	dlq      DeadLetterPublisher
	handlers map[Kind]Handler
	cfg      Config
	lg       *zap.Logger
	now      func() time.Time
	tasks    metric.Int64Counter
}

// NewProcessor creates a Processor. dlq may be nil.
func NewProcessor(repo Repository, dlq DeadLetterPublisher, cfg Config, lg *zap.Logger, mp metric.MeterProvider) (*Processor, error) {
	cfg.setDefaults()
	tasks, err := mp.Meter("storefront/outbox").Int64Counter("outbox_tasks_total",
		metric.WithDescription("Outbox task executions by kind and outcome"),
	)
	if err != nil {
		return nil, errors.Wrap(err, "create outbox counter")
	}
	return &Processor{
		repo:     repo,
		dlq:      dlq,
		handlers: make(map[Kind]Handler),
		cfg:      cfg,
		lg:       lg,
		now:      time.Now,
		tasks:    tasks,
	}, nil
}

// Handle registers the handler for kind.
func (p *Processor) Handle(kind Kind, h Handler) {
	p.handlers[kind] = h
}

// ProcessOrder runs the pending tasks of one order in sequence. A failing
// task is rescheduled or dead-lettered and does not stop the tasks after it.
func (p *Processor) ProcessOrder(ctx context.Context, orderID string) (Report, error) {
	tasks, err := p.repo.ListPending(ctx, orderID)
	if err != nil {
		return Report{}, errors.Wrapf(err, "list tasks of order %s", orderID)
	}
	var r Report
	for _, t := range tasks {
		switch p.Execute(ctx, t) {
		case OutcomeDone:
			r.Done++
		case OutcomeDead:
			r.Dead++
		default:
			r.Retry++
		}
	}
	return r, nil
}

// Execute runs a single task and persists its new state.
func (p *Processor) Execute(ctx context.Context, t Task) Outcome {
	return p.ExecuteWithin(ctx, t, 0)
}

// ExecuteWithin is Execute with the handler bounded by timeout. The outcome
// is persisted on ctx, so a handler that runs out of time is still
// rescheduled. A zero timeout leaves the handler unbounded.
func (p *Processor) ExecuteWithin(ctx context.Context, t Task, timeout time.Duration) Outcome {
	lg := p.lg.With(
		zap.String("task_id", t.ID),
		zap.String("order_id", t.OrderID),
		zap.String("kind", string(t.Kind)),
	)

	runCtx := ctx
	if timeout > 0 {
		var cancel context.CancelFunc
		runCtx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}
	runErr := p.run(runCtx, t)
	outcome := p.settle(ctx, lg, t, runErr)
	p.tasks.Add(ctx, 1, metric.WithAttributes(
		attribute.String("kind", string(t.Kind)),
		attribute.String("outcome", string(outcome)),
	))
	return outcome
}

func (p *Processor) run(ctx context.Context, t Task) (err error) {
	h, ok := p.handlers[t.Kind]
	if !ok {
		return Permanent(errors.Errorf("no handler for task kind %q", t.Kind))
	}
	defer func() {
		if r := recover(); r != nil {
			err = errors.Errorf("task handler panic: %v", r)
		}
	}()
	return h(ctx, t)
}

func (p *Processor) settle(ctx context.Context, lg *zap.Logger, t Task, runErr error) Outcome {
	if runErr == nil {
		if err := p.repo.MarkDone(ctx, t.ID); err != nil {
			lg.Error("Mark task done", zap.Error(err))
			return OutcomeErrored
		}
		return OutcomeDone
	}

	attempts := t.Attempts + 1
	if IsPermanent(runErr) || attempts >= p.cfg.MaxAttempts {
		lg.Error("Task dead-lettered", zap.Int("attempts", attempts), zap.Error(runErr))
		if err := p.repo.MarkDead(ctx, t.ID, attempts, runErr.Error()); err != nil {
			lg.Error("Mark task dead", zap.Error(err))
			return OutcomeErrored
		}
		if p.dlq != nil {
			t.Status = StatusDead
			t.Attempts = attempts
			t.LastError = runErr.Error()
			if err := p.dlq.PublishDeadLetter(ctx, t); err != nil {
				lg.Warn("Publish dead letter", zap.Error(err))
			}
		}
		return OutcomeDead
	}

	next := p.now().Add(Backoff(attempts, p.cfg.BaseBackoff, p.cfg.MaxBackoff))
	lg.Warn("Task failed, rescheduling",
		zap.Int("attempts", attempts),
		zap.Time("next_attempt_at", next),
		zap.Error(runErr),
	)
	if err := p.repo.Reschedule(ctx, t.ID, attempts, next, runErr.Error()); err != nil {
		lg.Error("Reschedule task", zap.Error(err))
		return OutcomeErrored
	}
	return OutcomeRetry
}
