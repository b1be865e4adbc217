package queue

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"sync"
	"time"

	"github.com/google/uuid"

	"poetbot/internal/bus"
	"poetbot/internal/domain"
	"poetbot/internal/metrics"
)

// LocalConfig configures the in-process driver.
type LocalConfig struct {
	Workers     int
	BufferSize  int
	MaxAttempts int
	BaseBackoff time.Duration
	JobTimeout  time.Duration
	Processor   domain.Processor
	Logger      *slog.Logger
}

// Local is the single-process dispatch driver: Dispatch enqueues onto a
// JobBus and a pool of workers drains it. Failed jobs are re-enqueued with
// exponential backoff until MaxAttempts, then dropped with an error log.
type Local struct {
	cfg    LocalConfig
	bus    *bus.JobBus
	logger *slog.Logger

	wg      sync.WaitGroup
	retries sync.WaitGroup
	stop    chan struct{}
	once    sync.Once
}

func NewLocal(cfg LocalConfig) *Local {
	if cfg.Workers <= 0 {
		cfg.Workers = 4
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 3
	}
	if cfg.BaseBackoff <= 0 {
		cfg.BaseBackoff = time.Second
	}
	if cfg.JobTimeout <= 0 {
		cfg.JobTimeout = time.Minute
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Local{
		cfg:    cfg,
		bus:    bus.New(cfg.BufferSize, cfg.Logger),
		logger: cfg.Logger,
		stop:   make(chan struct{}),
	}
}

func (l *Local) Name() string { return "local" }

func (l *Local) Dispatch(ctx context.Context, req domain.ActionableRequest) error {
	job := domain.Job{ID: uuid.NewString(), Request: req}
	if err := l.bus.Publish(ctx, job); err != nil {
		return fmt.Errorf("%w: %w", domain.ErrDispatch, err)
	}
	return nil
}

// Start launches the workers. They run until Stop is called; ctx bounds the
// individual jobs.
func (l *Local) Start(ctx context.Context) {
	for i := range l.cfg.Workers {
		l.wg.Add(1)
		go l.worker(ctx, i)
	}
	l.logger.Info("local workers started", "workers", l.cfg.Workers)
}

// Stop abandons pending retries, closes the bus and waits for the workers to
// drain what was already queued.
func (l *Local) Stop() {
	l.once.Do(func() {
		close(l.stop)
		l.bus.Close()
		l.wg.Wait()
		l.retries.Wait()
	})
}

// Pending is the number of queued jobs.
func (l *Local) Pending() int {
	return l.bus.Len()
}

func (l *Local) worker(ctx context.Context, id int) {
	defer l.wg.Done()
	for job := range l.bus.Subscribe() {
		l.run(ctx, id, job)
	}
}

func (l *Local) run(ctx context.Context, worker int, job domain.Job) {
	job.Attempts++
	log := l.logger.With("worker", worker, "job_id", job.ID, "event_id", job.Request.EventID,
		"channel", job.Request.Channel, "attempt", job.Attempts)

	metrics.JobsInFlight.Inc()
	jctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), l.cfg.JobTimeout)
	err := l.cfg.Processor.Process(jctx, job.Request)
	cancel()
	metrics.JobsInFlight.Dec()

	if err == nil {
		return
	}
	if errors.Is(err, domain.ErrInvalidJob) || job.Attempts >= l.cfg.MaxAttempts {
		metrics.JobsParked.Inc()
		log.Error("job dropped after final attempt", "err", err)
		return
	}

	delay := backoff(l.cfg.BaseBackoff, job.Attempts)
	log.Warn("job failed, scheduling retry", "retry_in", delay, "err", err)
	l.retries.Add(1)
	go func() {
		defer l.retries.Done()
		timer := time.NewTimer(delay)
		defer timer.Stop()
		select {
		case <-l.stop:
			metrics.JobsParked.Inc()
			log.Error("job abandoned on shutdown", "err", err)
			return
		case <-timer.C:
		}
		if perr := l.bus.Publish(context.Background(), job); perr != nil {
			metrics.JobsParked.Inc()
			log.Error("job re-enqueue failed", "err", perr)
		}
	}()
}

// backoff is base·attempt² plus up to 50% jitter.
func backoff(base time.Duration, attempt int) time.Duration {
	d := base * time.Duration(attempt*attempt)
	return d + time.Duration(rand.Int64N(int64(d/2)+1))
}
