// Package agent turns an actionable request into a delivered poem.
package agent

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"poetbot/internal/domain"
	"poetbot/internal/metrics"
	"poetbot/internal/persona"
)

// ResponderConfig holds the collaborators of a Responder.
type ResponderConfig struct {
	Generator domain.Provider
	Poster    domain.Poster
	Store     domain.ProcessedStore // nil disables duplicate suppression
	Persona   persona.Persona
	MaxTokens int // used when the persona does not set one
	Logger    *slog.Logger
}

// Responder generates a reply with the persona and posts it to Slack. Its
// Process method is the second phase of every dispatch driver.
type Responder struct {
	generator domain.Provider
	poster    domain.Poster
	store     domain.ProcessedStore
	persona   persona.Persona
	maxTokens int
	logger    *slog.Logger
}

func NewResponder(cfg ResponderConfig) *Responder {
	if cfg.Persona.Template == "" {
		cfg.Persona = persona.Default()
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	maxTokens := cfg.Persona.MaxTokens
	if maxTokens <= 0 {
		maxTokens = cfg.MaxTokens
	}
	return &Responder{
		generator: cfg.Generator,
		poster:    cfg.Poster,
		store:     cfg.Store,
		persona:   cfg.Persona,
		maxTokens: maxTokens,
		logger:    cfg.Logger,
	}
}

// Respond generates a poem about prompt and posts it to channel. It does no
// duplicate checking.
func (r *Responder) Respond(ctx context.Context, channel, prompt string) error {
	text, err := r.generate(ctx, prompt)
	if err != nil {
		return err
	}
	return r.post(ctx, channel, text)
}

// Process runs one request end to end: skip if already delivered, generate,
// re-check, deliver, then record the event id. Nothing is retried here; a
// returned error asks the transport to redeliver.
func (r *Responder) Process(ctx context.Context, req domain.ActionableRequest) error {
	if err := req.Validate(); err != nil {
		return err
	}
	log := r.logger.With("event_id", req.EventID, "channel", req.Channel)

	if done, err := r.alreadyProcessed(ctx, req.EventID); err != nil {
		log.Error("processing failed", "stage", "check", "err", err)
		return err
	} else if done {
		metrics.Duplicates.Inc()
		log.Info("event already processed, skipping")
		return nil
	}

	text, err := r.generate(ctx, req.CleanedPrompt)
	if err != nil {
		log.Error("processing failed", "stage", "generate", "err", err)
		return err
	}

	// Another worker may have delivered the same event while we generated.
	if done, err := r.alreadyProcessed(ctx, req.EventID); err == nil && done {
		metrics.Duplicates.Inc()
		log.Info("event delivered concurrently, dropping reply")
		return nil
	}

	if err := r.post(ctx, req.Channel, text); err != nil {
		log.Error("processing failed", "stage", "deliver", "err", err)
		return err
	}

	if err := r.markProcessed(ctx, req.EventID); err != nil {
		// The reply is out; failing now would make the transport post it again.
		log.Warn("could not record processed event", "err", err)
	}
	log.Info("poem delivered", "kind", req.Kind)
	return nil
}

func (r *Responder) generate(ctx context.Context, prompt string) (string, error) {
	start := time.Now()
	text, err := r.generator.Generate(ctx, domain.GenerateRequest{
		Model:        r.persona.Model,
		SystemPrompt: r.persona.SystemPrompt,
		Prompt:       r.persona.Prompt(prompt),
		MaxTokens:    r.maxTokens,
	})
	metrics.GenerationLatency.Since(start)
	if err != nil {
		metrics.GenerationErrors.Inc()
		return "", fmt.Errorf("%w: %s: %w", domain.ErrGeneration, r.generator.Name(), err)
	}
	metrics.Generations.Inc()
	return text, nil
}

func (r *Responder) post(ctx context.Context, channel, text string) error {
	if err := r.poster.PostMessage(ctx, channel, text); err != nil {
		metrics.DeliveryErrors.Inc()
		if !errors.Is(err, domain.ErrDelivery) {
			err = fmt.Errorf("%w: %w", domain.ErrDelivery, err)
		}
		return err
	}
	metrics.Deliveries.Inc()
	return nil
}

// alreadyProcessed reports whether eventID has been delivered before.
func (r *Responder) alreadyProcessed(ctx context.Context, eventID string) (bool, error) {
	if r.store == nil {
		return false, nil
	}
	seen, err := r.store.Seen(ctx, eventID)
	if err != nil {
		return false, fmt.Errorf("check processed event: %w", err)
	}
	return seen, nil
}

// markProcessed records eventID after a successful delivery.
func (r *Responder) markProcessed(ctx context.Context, eventID string) error {
	if r.store == nil {
		return nil
	}
	// Record even if the job's deadline expired right after delivery.
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()
	if _, err := r.store.Mark(ctx, eventID); err != nil {
		return fmt.Errorf("mark processed event: %w", err)
	}
	return nil
}
