package bus

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"testing"
	"time"

	"poetbot/internal/domain"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

func job(id string) domain.Job {
	return domain.Job{ID: id, Request: domain.ActionableRequest{EventID: "Ev" + id, Channel: "D1", CleanedPrompt: "sea"}}
}

func TestJobBus_PublishSubscribe(t *testing.T) {
	b := New(2, testLogger())
	if err := b.Publish(context.Background(), job("1")); err != nil {
		t.Fatalf("publish: %v", err)
	}
	if b.Len() != 1 {
		t.Fatalf("expected 1 buffered job, got %d", b.Len())
	}
	got := <-b.Subscribe()
	if got.ID != "1" || got.Request.EventID != "Ev1" {
		t.Fatalf("unexpected job %+v", got)
	}
}

func TestJobBus_FullRespectsContext(t *testing.T) {
	b := New(1, testLogger())
	b.Publish(context.Background(), job("1"))

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	err := b.Publish(ctx, job("2"))
	if !errors.Is(err, ErrFull) || !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected ErrFull with deadline, got %v", err)
	}
}

func TestJobBus_WaitsForSpace(t *testing.T) {
	b := New(1, testLogger())
	b.Publish(context.Background(), job("1"))

	go func() {
		time.Sleep(10 * time.Millisecond)
		<-b.Subscribe()
	}()
	if err := b.Publish(context.Background(), job("2")); err != nil {
		t.Fatalf("publish should succeed once space frees up: %v", err)
	}
}

func TestJobBus_Closed(t *testing.T) {
	b := New(1, testLogger())
	b.Close()
	b.Close()

	if err := b.Publish(context.Background(), job("1")); !errors.Is(err, ErrClosed) {
		t.Fatalf("expected ErrClosed, got %v", err)
	}
	if _, ok := <-b.Subscribe(); ok {
		t.Fatal("subscription should be closed")
	}
}
