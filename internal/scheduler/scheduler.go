// Package scheduler runs housekeeping jobs on cron expressions.
package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/adhocore/gronx"

	"poetbot/internal/domain"
	"poetbot/internal/metrics"
)

// Job is a named task with a cron expression.
type Job struct {
	Name string
	Expr string
	Run  func(ctx context.Context) error

	LastRun time.Time
	NextRun time.Time
	LastErr error
}

type Scheduler struct {
	jobs     map[string]*Job
	logger   *slog.Logger
	interval time.Duration
	now      func() time.Time
	mu       sync.Mutex
	stopCh   chan struct{}
	stopOnce sync.Once
}

func New(logger *slog.Logger) *Scheduler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Scheduler{
		jobs:     make(map[string]*Job),
		logger:   logger,
		interval: time.Second,
		now:      time.Now,
		stopCh:   make(chan struct{}),
	}
}

// Add registers job, replacing any job with the same name.
func (s *Scheduler) Add(job Job) error {
	if !gronx.New().IsValid(job.Expr) {
		return fmt.Errorf("job %s: invalid cron expression %q", job.Name, job.Expr)
	}
	next, err := gronx.NextTickAfter(job.Expr, s.now(), false)
	if err != nil {
		return fmt.Errorf("job %s: next tick: %w", job.Name, err)
	}
	job.NextRun = next

	s.mu.Lock()
	defer s.mu.Unlock()
	s.jobs[job.Name] = &job
	s.logger.Info("scheduled job added", "name", job.Name, "expr", job.Expr, "next", next)
	return nil
}

// Jobs returns a snapshot sorted by name.
func (s *Scheduler) Jobs() []Job {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Job, 0, len(s.jobs))
	for _, j := range s.jobs {
		out = append(out, *j)
	}
	sort.Slice(out, func(i, k int) bool { return out[i].Name < out[k].Name })
	return out
}

// Start blocks until ctx is done or Stop is called.
func (s *Scheduler) Start(ctx context.Context) {
	s.logger.Info("scheduler started")
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			s.logger.Info("scheduler stopping")
			return
		case <-s.stopCh:
			return
		case <-ticker.C:
			s.runDue(ctx, s.now())
		}
	}
}

// Stop halts the scheduler. Safe to call multiple times.
func (s *Scheduler) Stop() {
	s.stopOnce.Do(func() {
		close(s.stopCh)
	})
}

// runDue runs every job whose NextRun is not after now. Jobs run one at a
// time on the scheduler goroutine.
func (s *Scheduler) runDue(ctx context.Context, now time.Time) {
	s.mu.Lock()
	var due []*Job
	for _, j := range s.jobs {
		if !now.Before(j.NextRun) {
			due = append(due, j)
		}
	}
	s.mu.Unlock()

	for _, j := range due {
		s.logger.Debug("running scheduled job", "name", j.Name)
		err := j.Run(ctx)
		if err != nil {
			s.logger.Error("scheduled job failed", "name", j.Name, "err", err)
		}

		next, nerr := gronx.NextTickAfter(j.Expr, now, false)

		s.mu.Lock()
		j.LastRun = now
		j.LastErr = err
		j.NextRun = next
		if nerr != nil {
			s.logger.Error("cannot compute next run, removing job", "name", j.Name, "err", nerr)
			delete(s.jobs, j.Name)
		}
		s.mu.Unlock()
	}
}

// PruneJob returns a job that deletes processed-event marks older than
// retention.
func PruneJob(expr string, store domain.ProcessedStore, retention time.Duration, logger *slog.Logger) Job {
	return Job{
		Name: "prune-processed-events",
		Expr: expr,
		Run: func(ctx context.Context) error {
			removed, err := Prune(ctx, store, retention, time.Now())
			if err != nil {
				return err
			}
			if removed > 0 {
				logger.Info("pruned processed events", "removed", removed, "retention", retention)
			}
			return nil
		},
	}
}

// Prune removes marks recorded more than retention before now.
func Prune(ctx context.Context, store domain.ProcessedStore, retention time.Duration, now time.Time) (int64, error) {
	removed, err := store.Prune(ctx, now.Add(-retention))
	if err != nil {
		return 0, fmt.Errorf("prune processed events: %w", err)
	}
	metrics.Pruned.Add(removed)
	return removed, nil
}
