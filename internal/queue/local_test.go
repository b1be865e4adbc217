package queue

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"poetbot/internal/domain"
)

type fakeProcessor struct {
	mu       sync.Mutex
	calls    map[string]int
	failures int // fail this many times per event before succeeding
	err      error
	done     chan string
}

func newFakeProcessor(failures int, err error) *fakeProcessor {
	return &fakeProcessor{calls: map[string]int{}, failures: failures, err: err, done: make(chan string, 64)}
}

func (p *fakeProcessor) Process(_ context.Context, req domain.ActionableRequest) error {
	p.mu.Lock()
	p.calls[req.EventID]++
	n := p.calls[req.EventID]
	p.mu.Unlock()

	if n <= p.failures {
		p.done <- req.EventID
		return p.err
	}
	p.done <- req.EventID
	return nil
}

func (p *fakeProcessor) count(id string) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.calls[id]
}

func waitCalls(t *testing.T, p *fakeProcessor, n int) {
	t.Helper()
	for range n {
		select {
		case <-p.done:
		case <-time.After(5 * time.Second):
			t.Fatal("timed out waiting for processor")
		}
	}
}

func TestLocal_ProcessesDispatchedJobs(t *testing.T) {
	p := newFakeProcessor(0, nil)
	l := NewLocal(LocalConfig{Workers: 2, Processor: p, Logger: testLogger()})
	l.Start(context.Background())
	defer l.Stop()

	for i := range 5 {
		req := testRequest
		req.EventID = fmt.Sprintf("Ev%d", i)
		if err := l.Dispatch(context.Background(), req); err != nil {
			t.Fatalf("dispatch: %v", err)
		}
	}
	waitCalls(t, p, 5)
	for i := range 5 {
		if got := p.count(fmt.Sprintf("Ev%d", i)); got != 1 {
			t.Errorf("Ev%d processed %d times", i, got)
		}
	}
}

func TestLocal_RetriesUntilSuccess(t *testing.T) {
	p := newFakeProcessor(2, fmt.Errorf("%w: boom", domain.ErrGeneration))
	l := NewLocal(LocalConfig{Workers: 1, MaxAttempts: 3, BaseBackoff: time.Millisecond, Processor: p, Logger: testLogger()})
	l.Start(context.Background())
	defer l.Stop()

	l.Dispatch(context.Background(), testRequest)
	waitCalls(t, p, 3)
	if got := p.count("Ev1"); got != 3 {
		t.Fatalf("expected 3 attempts, got %d", got)
	}
}

func TestLocal_GivesUpAfterMaxAttempts(t *testing.T) {
	p := newFakeProcessor(100, fmt.Errorf("%w: boom", domain.ErrDelivery))
	l := NewLocal(LocalConfig{Workers: 1, MaxAttempts: 2, BaseBackoff: time.Millisecond, Processor: p, Logger: testLogger()})
	l.Start(context.Background())

	l.Dispatch(context.Background(), testRequest)
	waitCalls(t, p, 2)
	time.Sleep(50 * time.Millisecond)
	l.Stop()
	if got := p.count("Ev1"); got != 2 {
		t.Fatalf("expected exactly 2 attempts, got %d", got)
	}
}

func TestLocal_InvalidJobNotRetried(t *testing.T) {
	p := newFakeProcessor(100, fmt.Errorf("%w: no channel", domain.ErrInvalidJob))
	l := NewLocal(LocalConfig{Workers: 1, MaxAttempts: 5, BaseBackoff: time.Millisecond, Processor: p, Logger: testLogger()})
	l.Start(context.Background())

	l.Dispatch(context.Background(), testRequest)
	waitCalls(t, p, 1)
	time.Sleep(50 * time.Millisecond)
	l.Stop()
	if got := p.count("Ev1"); got != 1 {
		t.Fatalf("invalid jobs are not retried, got %d attempts", got)
	}
}

func TestLocal_DispatchAfterStop(t *testing.T) {
	l := NewLocal(LocalConfig{Processor: newFakeProcessor(0, nil), Logger: testLogger()})
	l.Start(context.Background())
	l.Stop()
	l.Stop()

	if err := l.Dispatch(context.Background(), testRequest); !errors.Is(err, domain.ErrDispatch) {
		t.Fatalf("expected ErrDispatch, got %v", err)
	}
}

func TestBackoff_Grows(t *testing.T) {
	base := 100 * time.Millisecond
	for attempt := 1; attempt <= 4; attempt++ {
		d := backoff(base, attempt)
		lo := base * time.Duration(attempt*attempt)
		if d < lo || d > lo+lo/2 {
			t.Errorf("attempt %d: %v outside [%v, %v]", attempt, d, lo, lo+lo/2)
		}
	}
}
