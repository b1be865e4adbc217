// Package bus is the in-process job queue behind the local dispatch driver.
package bus

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"poetbot/internal/domain"
)

const publishTimeout = 10 * time.Second

var (
	ErrClosed = errors.New("bus closed")
	ErrFull   = errors.New("bus full")
)

// JobBus is a buffered Go channel of jobs.
type JobBus struct {
	jobs   chan domain.Job
	mu     sync.RWMutex
	closed bool
	logger *slog.Logger
}

// New creates a JobBus with the given buffer size.
func New(bufferSize int, logger *slog.Logger) *JobBus {
	if bufferSize <= 0 {
		bufferSize = 100
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &JobBus{
		jobs:   make(chan domain.Job, bufferSize),
		logger: logger,
	}
}

// Publish enqueues job. When the buffer is full it waits until ctx is done or
// publishTimeout elapses, then returns ErrFull instead of dropping silently.
func (b *JobBus) Publish(ctx context.Context, job domain.Job) error {
	b.mu.RLock()
	defer b.mu.RUnlock()

	if b.closed {
		return ErrClosed
	}

	select {
	case b.jobs <- job:
		return nil
	default:
	}

	b.logger.Warn("job bus full, waiting", "job_id", job.ID, "event_id", job.Request.EventID)
	timer := time.NewTimer(publishTimeout)
	defer timer.Stop()
	select {
	case b.jobs <- job:
		return nil
	case <-ctx.Done():
		return errors.Join(ErrFull, ctx.Err())
	case <-timer.C:
		return ErrFull
	}
}

// Subscribe returns the receive side. It is closed by Close.
func (b *JobBus) Subscribe() <-chan domain.Job {
	return b.jobs
}

// Len is the number of buffered jobs.
func (b *JobBus) Len() int {
	return len(b.jobs)
}

func (b *JobBus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()

	if !b.closed {
		b.closed = true
		close(b.jobs)
	}
}
