package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"

	"poetbot/internal/config"
	"poetbot/internal/domain"
)

type ackRecorder struct {
	mu      sync.Mutex
	acks    int
	nacks   int
	requeue bool
}

func (a *ackRecorder) Ack(uint64, bool) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.acks++
	return nil
}

func (a *ackRecorder) Nack(_ uint64, _ bool, requeue bool) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.nacks++
	a.requeue = requeue
	return nil
}

func (a *ackRecorder) Reject(_ uint64, requeue bool) error {
	return a.Nack(0, false, requeue)
}

type parked struct {
	mu      sync.Mutex
	reasons []string
	err     error
}

func (p *parked) park(_ context.Context, _ amqp.Delivery, reason string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.reasons = append(p.reasons, reason)
	return p.err
}

func newTestWorker(proc domain.Processor, pk *parked) *RabbitWorker {
	w := NewRabbitWorker(RabbitConfig{Queue: "poetbot.process", MaxAttempts: 3, Logger: testLogger()}, proc, time.Second)
	w.park = pk.park
	return w
}

func delivery(t *testing.T, ack amqp.Acknowledger, body any, deaths int64) amqp.Delivery {
	t.Helper()
	data, ok := body.([]byte)
	if !ok {
		var err error
		if data, err = json.Marshal(body); err != nil {
			t.Fatal(err)
		}
	}
	d := amqp.Delivery{Acknowledger: ack, Body: data, MessageId: "m1", Headers: amqp.Table{}}
	if deaths > 0 {
		d.Headers["x-death"] = []any{
			amqp.Table{"queue": "poetbot.process.retry", "count": int64(99)},
			amqp.Table{"queue": "poetbot.process", "count": deaths, "reason": "rejected"},
		}
	}
	return d
}

func TestDeathCount(t *testing.T) {
	d := delivery(t, nil, []byte(`{}`), 4)
	if got := DeathCount(d, "poetbot.process"); got != 4 {
		t.Fatalf("expected 4, got %d", got)
	}
	if got := DeathCount(d, "other"); got != 0 {
		t.Fatalf("expected 0 for unrelated queue, got %d", got)
	}
	if got := DeathCount(amqp.Delivery{}, "poetbot.process"); got != 0 {
		t.Fatalf("expected 0 without headers, got %d", got)
	}
	bad := amqp.Delivery{Headers: amqp.Table{"x-death": "garbage"}}
	if got := DeathCount(bad, "poetbot.process"); got != 0 {
		t.Fatalf("expected 0 for malformed header, got %d", got)
	}
}

func TestRabbitWorker_SuccessAcks(t *testing.T) {
	ack, pk := &ackRecorder{}, &parked{}
	w := newTestWorker(newFakeProcessor(0, nil), pk)

	w.handle(context.Background(), delivery(t, ack, domain.Job{ID: "j1", Request: testRequest}, 0))
	if ack.acks != 1 || ack.nacks != 0 || len(pk.reasons) != 0 {
		t.Fatalf("expected a single ack, got %+v parked=%v", ack, pk.reasons)
	}
}

func TestRabbitWorker_FailureGoesToRetry(t *testing.T) {
	ack, pk := &ackRecorder{}, &parked{}
	w := newTestWorker(newFakeProcessor(1, fmt.Errorf("%w: timeout", domain.ErrGeneration)), pk)

	w.handle(context.Background(), delivery(t, ack, domain.Job{ID: "j1", Request: testRequest}, 0))
	if ack.nacks != 1 || ack.requeue {
		t.Fatalf("expected nack without requeue into the retry exchange, got %+v", ack)
	}
	if len(pk.reasons) != 0 {
		t.Fatal("first failure must not park")
	}
}

func TestRabbitWorker_ExhaustedRetriesParked(t *testing.T) {
	ack, pk := &ackRecorder{}, &parked{}
	w := newTestWorker(newFakeProcessor(10, fmt.Errorf("%w: channel_not_found", domain.ErrDelivery)), pk)

	// Two earlier failures recorded by the broker; this is attempt 3 of 3.
	w.handle(context.Background(), delivery(t, ack, domain.Job{ID: "j1", Request: testRequest}, 2))
	if ack.acks != 1 || ack.nacks != 0 {
		t.Fatalf("parked job should be acked off the main queue, got %+v", ack)
	}
	if len(pk.reasons) != 1 || pk.reasons[0] != "retries exhausted" {
		t.Fatalf("unexpected park reasons %v", pk.reasons)
	}
}

func TestRabbitWorker_PoisonMessageParked(t *testing.T) {
	ack, pk := &ackRecorder{}, &parked{}
	proc := newFakeProcessor(0, nil)
	w := newTestWorker(proc, pk)

	w.handle(context.Background(), delivery(t, ack, []byte(`not json`), 0))
	w.handle(context.Background(), delivery(t, ack, domain.Job{ID: "j2", Request: domain.ActionableRequest{EventID: "Ev2"}}, 0))

	if ack.acks != 2 || len(pk.reasons) != 2 {
		t.Fatalf("expected both messages parked, got %+v %v", ack, pk.reasons)
	}
	if proc.count("Ev2") != 0 {
		t.Fatal("invalid jobs must not reach the processor")
	}
}

func TestRabbitWorker_ParkFailureRequeues(t *testing.T) {
	ack, pk := &ackRecorder{}, &parked{err: errors.New("channel closed")}
	w := newTestWorker(newFakeProcessor(0, nil), pk)

	w.handle(context.Background(), delivery(t, ack, []byte(`{`), 0))
	if ack.acks != 0 || ack.nacks != 1 || !ack.requeue {
		t.Fatalf("a job that cannot be parked must be requeued, got %+v", ack)
	}
}

func TestRabbitWorker_ShutdownRequeuesWithoutCounting(t *testing.T) {
	ack, pk := &ackRecorder{}, &parked{}
	w := newTestWorker(newFakeProcessor(1, context.Canceled), pk)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	w.handle(ctx, delivery(t, ack, domain.Job{ID: "j1", Request: testRequest}, 0))
	if ack.nacks != 1 || !ack.requeue {
		t.Fatalf("expected requeue on shutdown, got %+v", ack)
	}
}

func TestRabbitConfigFrom_Topology(t *testing.T) {
	cfg := RabbitConfigFrom(config.Defaults().Queue.RabbitMQ, testLogger())
	cfg.setDefaults()

	if cfg.RetryDelay != 15*time.Second || cfg.MaxAttempts != 5 {
		t.Fatalf("unexpected retry settings %+v", cfg)
	}
	names := []string{cfg.retryExchange(), cfg.retryQueue(), cfg.deadExchange(), cfg.deadQueue()}
	want := []string{"poetbot.retry", "poetbot.process.retry", "poetbot.dead", "poetbot.process.dead"}
	for i := range names {
		if names[i] != want[i] {
			t.Errorf("expected %s, got %s", want[i], names[i])
		}
	}
}
