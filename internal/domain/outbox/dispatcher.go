package outbox

import (
	"context"
	"sort"
	"time"

	"go.uber.org/zap"
)

// DispatcherConfig tunes the polling loop.
type DispatcherConfig struct {
	PollInterval time.Duration
	BatchSize    int
	Lease        time.Duration
	// TaskTimeout bounds one handler run. It is kept below Lease so a task
	// finishes before another dispatcher may claim it again.
	TaskTimeout time.Duration
}

// Dispatcher polls for due tasks and runs them through a Processor. Several
// dispatchers may run against the same database.
type Dispatcher struct {
	proc *Processor
	repo Repository
	cfg  DispatcherConfig
	lg   *zap.Logger
	now  func() time.Time
}

// NewDispatcher creates a Dispatcher.
func NewDispatcher(proc *Processor, repo Repository, cfg DispatcherConfig, lg *zap.Logger) *Dispatcher {
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = time.Second
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 100
	}
	if cfg.Lease <= 0 {
		cfg.Lease = 30 * time.Second
	}
	if cfg.TaskTimeout <= 0 || cfg.TaskTimeout >= cfg.Lease {
		cfg.TaskTimeout = cfg.Lease / 2
	}
	return &Dispatcher{proc: proc, repo: repo, cfg: cfg, lg: lg, now: time.Now}
}

// Run polls until ctx is canceled.
func (d *Dispatcher) Run(ctx context.Context) error {
	d.lg.Info("Outbox dispatcher started",
		zap.Duration("poll_interval", d.cfg.PollInterval),
		zap.Int("batch_size", d.cfg.BatchSize),
	)
	ticker := time.NewTicker(d.cfg.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			d.lg.Info("Outbox dispatcher stopped")
			return nil
		case <-ticker.C:
			d.Poll(ctx)
		}
	}
}

// Poll claims one batch of due tasks and executes them. It returns the
// number of tasks claimed. Tasks that could not finish inside the lease are
// left for a later poll.
func (d *Dispatcher) Poll(ctx context.Context) int {
	now := d.now()
	leaseUntil := now.Add(d.cfg.Lease)
	tasks, err := d.repo.ClaimDue(ctx, now, leaseUntil, d.cfg.BatchSize)
	if err != nil {
		d.lg.Error("Claim due tasks", zap.Error(err))
		return 0
	}
	sort.SliceStable(tasks, func(i, j int) bool {
		if tasks[i].OrderID != tasks[j].OrderID {
			return tasks[i].OrderID < tasks[j].OrderID
		}
		return tasks[i].Seq < tasks[j].Seq
	})
	for i, t := range tasks {
		if ctx.Err() != nil {
			break
		}
		if d.now().Add(d.cfg.TaskTimeout).After(leaseUntil) {
			d.lg.Warn("Lease too short for batch, deferring tasks", zap.Int("deferred", len(tasks)-i))
			break
		}
		d.proc.ExecuteWithin(ctx, t, d.cfg.TaskTimeout)
	}
	return len(tasks)
}
