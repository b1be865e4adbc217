package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	amqp "github.com/rabbitmq/amqp091-go"

	"poetbot/internal/config"
	"poetbot/internal/domain"
	"poetbot/internal/metrics"
)

const (
	maxDialDelay = 60 * time.Second
	appID        = "poetbot"
)

// RabbitConfig describes the broker and the retry topology.
//
// Jobs are published to Exchange (topic) with RoutingKey and consumed from
// Queue. A failed job is rejected into <Exchange>.retry, waits RetryDelay in
// <Queue>.retry and is dead-lettered back to Exchange. After MaxAttempts
// failures it is parked in <Queue>.dead.
type RabbitConfig struct {
	URL          string
	Exchange     string
	Queue        string
	RoutingKey   string
	RetryDelay   time.Duration
	MaxAttempts  int
	Prefetch     int
	Workers      int
	DialAttempts int
	Logger       *slog.Logger
}

// RabbitConfigFrom converts the file/env config.
func RabbitConfigFrom(c config.RabbitMQConfig, logger *slog.Logger) RabbitConfig {
	return RabbitConfig{
		URL:          c.URL,
		Exchange:     c.Exchange,
		Queue:        c.Queue,
		RoutingKey:   c.RoutingKey,
		RetryDelay:   time.Duration(c.RetryDelaySeconds) * time.Second,
		MaxAttempts:  c.MaxAttempts,
		Prefetch:     c.Prefetch,
		Workers:      c.Workers,
		DialAttempts: c.DialAttempts,
		Logger:       logger,
	}
}

func (c *RabbitConfig) setDefaults() {
	if c.RetryDelay <= 0 {
		c.RetryDelay = 15 * time.Second
	}
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = 5
	}
	if c.Prefetch <= 0 {
		c.Prefetch = 10
	}
	if c.Workers <= 0 {
		c.Workers = 4
	}
	if c.DialAttempts <= 0 {
		c.DialAttempts = 5
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
}

func (c RabbitConfig) retryExchange() string { return c.Exchange + ".retry" }
func (c RabbitConfig) retryQueue() string    { return c.Queue + ".retry" }
func (c RabbitConfig) deadExchange() string  { return c.Exchange + ".dead" }
func (c RabbitConfig) deadQueue() string     { return c.Queue + ".dead" }

// DialWithRetry connects to RabbitMQ with capped exponential backoff.
func DialWithRetry(ctx context.Context, url string, attempts int, logger *slog.Logger) (*amqp.Connection, error) {
	var lastErr error
	delay := time.Second

	for i := 1; i <= attempts; i++ {
		conn, err := amqp.Dial(url)
		if err == nil {
			if i > 1 {
				logger.Info("rabbitmq connected", "attempt", i)
			}
			return conn, nil
		}
		lastErr = err
		if i == attempts {
			break
		}

		logger.Warn("rabbitmq dial failed", "attempt", i, "sleep", delay, "err", err)
		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil, fmt.Errorf("dial cancelled: %w", ctx.Err())
		case <-timer.C:
		}
		delay = min(delay*2, maxDialDelay)
	}

	return nil, fmt.Errorf("connect to rabbitmq after %d attempts: %w", attempts, lastErr)
}

// declareTopology declares exchanges, queues and bindings. It is idempotent
// and run by both the publisher and the worker.
func declareTopology(ch *amqp.Channel, c RabbitConfig) error {
	if err := ch.ExchangeDeclare(c.Exchange, amqp.ExchangeTopic, true, false, false, false, nil); err != nil {
		return fmt.Errorf("declare exchange %s: %w", c.Exchange, err)
	}
	if err := ch.ExchangeDeclare(c.retryExchange(), amqp.ExchangeFanout, true, false, false, false, nil); err != nil {
		return fmt.Errorf("declare exchange %s: %w", c.retryExchange(), err)
	}
	if err := ch.ExchangeDeclare(c.deadExchange(), amqp.ExchangeFanout, true, false, false, false, nil); err != nil {
		return fmt.Errorf("declare exchange %s: %w", c.deadExchange(), err)
	}

	if _, err := ch.QueueDeclare(c.Queue, true, false, false, false, amqp.Table{
		"x-dead-letter-exchange": c.retryExchange(),
	}); err != nil {
		return fmt.Errorf("declare queue %s: %w", c.Queue, err)
	}
	if err := ch.QueueBind(c.Queue, c.RoutingKey, c.Exchange, false, nil); err != nil {
		return fmt.Errorf("bind queue %s: %w", c.Queue, err)
	}

	if _, err := ch.QueueDeclare(c.retryQueue(), true, false, false, false, amqp.Table{
		"x-message-ttl":             c.RetryDelay.Milliseconds(),
		"x-dead-letter-exchange":    c.Exchange,
		"x-dead-letter-routing-key": c.RoutingKey,
	}); err != nil {
		return fmt.Errorf("declare queue %s: %w", c.retryQueue(), err)
	}
	if err := ch.QueueBind(c.retryQueue(), "", c.retryExchange(), false, nil); err != nil {
		return fmt.Errorf("bind queue %s: %w", c.retryQueue(), err)
	}

	if _, err := ch.QueueDeclare(c.deadQueue(), true, false, false, false, nil); err != nil {
		return fmt.Errorf("declare queue %s: %w", c.deadQueue(), err)
	}
	if err := ch.QueueBind(c.deadQueue(), "", c.deadExchange(), false, nil); err != nil {
		return fmt.Errorf("bind queue %s: %w", c.deadQueue(), err)
	}
	return nil
}

// DeathCount returns how many times d was dead-lettered out of queue, as
// recorded by the broker in the x-death header.
func DeathCount(d amqp.Delivery, queue string) int {
	raw, ok := d.Headers["x-death"]
	if !ok {
		return 0
	}
	list, ok := raw.([]any)
	if !ok {
		return 0
	}
	for _, it := range list {
		m, ok := it.(amqp.Table)
		if !ok {
			continue
		}
		if q, _ := m["queue"].(string); q != queue {
			continue
		}
		if n, ok := m["count"].(int64); ok {
			return int(n)
		}
	}
	return 0
}

// --- Publisher ---

// RabbitPublisher is the rabbitmq dispatch driver. Publishes are persistent
// and wait for a broker confirm.
type RabbitPublisher struct {
	cfg    RabbitConfig
	logger *slog.Logger

	mu   sync.Mutex
	conn *amqp.Connection
	ch   *amqp.Channel
}

func NewRabbitPublisher(ctx context.Context, cfg RabbitConfig) (*RabbitPublisher, error) {
	cfg.setDefaults()
	p := &RabbitPublisher{cfg: cfg, logger: cfg.Logger}

	p.mu.Lock()
	defer p.mu.Unlock()
	if _, err := p.channel(ctx); err != nil {
		return nil, err
	}
	return p, nil
}

func (p *RabbitPublisher) Name() string { return "rabbitmq" }

// channel returns the confirm-mode channel, reconnecting if the broker closed
// it. Callers hold p.mu.
func (p *RabbitPublisher) channel(ctx context.Context) (*amqp.Channel, error) {
	if p.ch != nil && !p.ch.IsClosed() {
		return p.ch, nil
	}
	if p.conn == nil || p.conn.IsClosed() {
		conn, err := DialWithRetry(ctx, p.cfg.URL, p.cfg.DialAttempts, p.logger)
		if err != nil {
			return nil, err
		}
		p.conn = conn
	}

	ch, err := p.conn.Channel()
	if err != nil {
		return nil, fmt.Errorf("open channel: %w", err)
	}
	if err := declareTopology(ch, p.cfg); err != nil {
		ch.Close()
		return nil, err
	}
	if err := ch.Confirm(false); err != nil {
		ch.Close()
		return nil, fmt.Errorf("enable confirms: %w", err)
	}
	p.ch = ch
	return ch, nil
}

func (p *RabbitPublisher) Dispatch(ctx context.Context, req domain.ActionableRequest) error {
	job := domain.Job{ID: uuid.NewString(), Request: req}
	body, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("%w: marshal job: %w", domain.ErrDispatch, err)
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	ch, err := p.channel(ctx)
	if err != nil {
		return fmt.Errorf("%w: %w", domain.ErrDispatch, err)
	}

	conf, err := ch.PublishWithDeferredConfirmWithContext(ctx, p.cfg.Exchange, p.cfg.RoutingKey, false, false, amqp.Publishing{
		ContentType:   "application/json",
		Body:          body,
		DeliveryMode:  amqp.Persistent,
		MessageId:     job.ID,
		CorrelationId: req.EventID,
		Timestamp:     time.Now().UTC(),
		Type:          string(req.Kind),
		AppId:         appID,
	})
	if err != nil {
		return fmt.Errorf("%w: publish: %w", domain.ErrDispatch, err)
	}
	acked, err := conf.WaitContext(ctx)
	if err != nil {
		return fmt.Errorf("%w: await confirm: %w", domain.ErrDispatch, err)
	}
	if !acked {
		return fmt.Errorf("%w: broker nacked job %s", domain.ErrDispatch, job.ID)
	}

	p.logger.Debug("job published", "job_id", job.ID, "event_id", req.EventID)
	return nil
}

func (p *RabbitPublisher) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.ch != nil {
		p.ch.Close()
	}
	if p.conn != nil && !p.conn.IsClosed() {
		return p.conn.Close()
	}
	return nil
}

// --- Worker ---

// RabbitWorker consumes jobs and runs them through a Processor.
type RabbitWorker struct {
	cfg        RabbitConfig
	processor  domain.Processor
	jobTimeout time.Duration
	logger     *slog.Logger

	// park moves a delivery to the dead queue. Replaced in tests.
	park func(ctx context.Context, d amqp.Delivery, reason string) error
}

func NewRabbitWorker(cfg RabbitConfig, processor domain.Processor, jobTimeout time.Duration) *RabbitWorker {
	cfg.setDefaults()
	if jobTimeout <= 0 {
		jobTimeout = time.Minute
	}
	return &RabbitWorker{
		cfg:        cfg,
		processor:  processor,
		jobTimeout: jobTimeout,
		logger:     cfg.Logger,
	}
}

// Run consumes until ctx is cancelled, reconnecting when the broker drops
// the connection.
func (w *RabbitWorker) Run(ctx context.Context) error {
	for {
		err := w.consume(ctx)
		if ctx.Err() != nil {
			return nil
		}
		w.logger.Error("rabbitmq consumer stopped, reconnecting", "err", err)

		timer := time.NewTimer(w.cfg.RetryDelay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil
		case <-timer.C:
		}
	}
}

func (w *RabbitWorker) consume(ctx context.Context) error {
	conn, err := DialWithRetry(ctx, w.cfg.URL, w.cfg.DialAttempts, w.logger)
	if err != nil {
		return err
	}
	defer conn.Close()

	ch, err := conn.Channel()
	if err != nil {
		return fmt.Errorf("open channel: %w", err)
	}
	defer ch.Close()

	if err := declareTopology(ch, w.cfg); err != nil {
		return err
	}
	if err := ch.Qos(w.cfg.Prefetch, 0, false); err != nil {
		return fmt.Errorf("set qos: %w", err)
	}

	pub, err := conn.Channel()
	if err != nil {
		return fmt.Errorf("open publish channel: %w", err)
	}
	defer pub.Close()
	var pubMu sync.Mutex
	w.park = func(ctx context.Context, d amqp.Delivery, reason string) error {
		pubMu.Lock()
		defer pubMu.Unlock()
		return publishDead(ctx, pub, w.cfg.deadExchange(), d, reason)
	}

	tag := appID + "-" + uuid.NewString()[:8]
	deliveries, err := ch.ConsumeWithContext(ctx, w.cfg.Queue, tag, false, false, false, false, nil)
	if err != nil {
		return fmt.Errorf("consume %s: %w", w.cfg.Queue, err)
	}
	closed := conn.NotifyClose(make(chan *amqp.Error, 1))

	w.logger.Info("rabbitmq worker started",
		"queue", w.cfg.Queue, "workers", w.cfg.Workers, "prefetch", w.cfg.Prefetch)

	var wg sync.WaitGroup
	for range w.cfg.Workers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for d := range deliveries {
				w.handle(ctx, d)
			}
		}()
	}

	var cause error
	select {
	case <-ctx.Done():
	case amqpErr := <-closed:
		if amqpErr != nil {
			cause = amqpErr
		} else {
			cause = errors.New("connection closed")
		}
	}
	ch.Cancel(tag, false)
	wg.Wait()
	return cause
}

// handle settles exactly one delivery: ack on success, reject into the
// retry exchange on failure, park once attempts are exhausted.
func (w *RabbitWorker) handle(ctx context.Context, d amqp.Delivery) {
	log := w.logger.With("message_id", d.MessageId)

	var job domain.Job
	if err := json.Unmarshal(d.Body, &job); err != nil {
		w.parkDelivery(ctx, d, log, "undecodable job", err)
		return
	}
	if err := job.Request.Validate(); err != nil {
		w.parkDelivery(ctx, d, log, "invalid job", err)
		return
	}

	job.Attempts = DeathCount(d, w.cfg.Queue) + 1
	log = log.With("job_id", job.ID, "event_id", job.Request.EventID,
		"channel", job.Request.Channel, "attempt", job.Attempts)

	metrics.JobsInFlight.Inc()
	jctx, cancel := context.WithTimeout(ctx, w.jobTimeout)
	err := w.processor.Process(jctx, job.Request)
	cancel()
	metrics.JobsInFlight.Dec()

	switch {
	case err == nil:
		if ackErr := d.Ack(false); ackErr != nil {
			log.Warn("ack failed", "err", ackErr)
		}
	case ctx.Err() != nil:
		// Shutting down: hand the job back without counting an attempt.
		log.Info("requeueing job on shutdown", "err", err)
		d.Nack(false, true)
	case errors.Is(err, domain.ErrInvalidJob):
		w.parkDelivery(ctx, d, log, "invalid job", err)
	case job.Attempts >= w.cfg.MaxAttempts:
		w.parkDelivery(ctx, d, log, "retries exhausted", err)
	default:
		log.Warn("job failed, scheduling retry", "retry_in", w.cfg.RetryDelay, "err", err)
		if nackErr := d.Nack(false, false); nackErr != nil {
			log.Warn("nack failed", "err", nackErr)
		}
	}
}

func (w *RabbitWorker) parkDelivery(ctx context.Context, d amqp.Delivery, log *slog.Logger, reason string, cause error) {
	metrics.JobsParked.Inc()
	log.Error("job parked", "reason", reason, "err", cause)

	if err := w.park(context.WithoutCancel(ctx), d, reason); err != nil {
		log.Error("park failed, requeueing", "err", err)
		d.Nack(false, true)
		return
	}
	d.Ack(false)
}

func publishDead(ctx context.Context, ch *amqp.Channel, exchange string, d amqp.Delivery, reason string) error {
	headers := amqp.Table{}
	for k, v := range d.Headers {
		headers[k] = v
	}
	headers["x-poetbot-reason"] = reason

	contentType := d.ContentType
	if contentType == "" {
		contentType = "application/json"
	}
	return ch.PublishWithContext(ctx, exchange, "", false, false, amqp.Publishing{
		ContentType:   contentType,
		Body:          d.Body,
		Headers:       headers,
		MessageId:     d.MessageId,
		CorrelationId: d.CorrelationId,
		DeliveryMode:  amqp.Persistent,
		Timestamp:     time.Now().UTC(),
		Type:          d.Type,
		AppId:         appID,
	})
}
