package agent

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"sync"
	"testing"
	"time"

	"poetbot/internal/dedup"
	"poetbot/internal/domain"
	"poetbot/internal/persona"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

type fakeGenerator struct {
	mu    sync.Mutex
	text  string
	err   error
	delay time.Duration
	reqs  []domain.GenerateRequest
}

func (g *fakeGenerator) Name() string { return "fake" }
func (g *fakeGenerator) Healthy(context.Context) error { return nil }

func (g *fakeGenerator) Generate(ctx context.Context, req domain.GenerateRequest) (string, error) {
	g.mu.Lock()
	g.reqs = append(g.reqs, req)
	g.mu.Unlock()
	if g.delay > 0 {
		select {
		case <-time.After(g.delay):
		case <-ctx.Done():
			return "", ctx.Err()
		}
	}
	return g.text, g.err
}

type post struct{ channel, text string }

type fakePoster struct {
	mu    sync.Mutex
	posts []post
	err   error
}

func (p *fakePoster) PostMessage(_ context.Context, channel, text string) error {
	if p.err != nil {
		return p.err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	p.posts = append(p.posts, post{channel, text})
	return nil
}

func (p *fakePoster) count() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.posts)
}

// failingStore wraps a real store and injects errors.
type failingStore struct {
	domain.ProcessedStore
	seenErr error
	markErr error
}

func (s *failingStore) Seen(ctx context.Context, id string) (bool, error) {
	if s.seenErr != nil {
		return false, s.seenErr
	}
	return s.ProcessedStore.Seen(ctx, id)
}

func (s *failingStore) Mark(ctx context.Context, id string) (bool, error) {
	if s.markErr != nil {
		return false, s.markErr
	}
	return s.ProcessedStore.Mark(ctx, id)
}

var request = domain.ActionableRequest{
	EventID:       "Ev1",
	Channel:       "D1",
	CleanedPrompt: "ocean sunset",
	Kind:          domain.KindDirectMessage,
}

func newResponder(g domain.Provider, p domain.Poster, store domain.ProcessedStore) *Responder {
	return NewResponder(ResponderConfig{Generator: g, Poster: p, Store: store, MaxTokens: 512, Logger: testLogger()})
}

func TestRespond_UsesPersona(t *testing.T) {
	g := &fakeGenerator{text: "Waves fold the light"}
	p := &fakePoster{}
	r := newResponder(g, p, nil)

	if err := r.Respond(context.Background(), "D1", "ocean sunset"); err != nil {
		t.Fatalf("respond: %v", err)
	}
	req := g.reqs[0]
	if req.Prompt != "Write a poem about the following prompt: ocean sunset" {
		t.Fatalf("unexpected prompt %q", req.Prompt)
	}
	if req.SystemPrompt != persona.DefaultSystemPrompt || req.MaxTokens != 512 {
		t.Fatalf("unexpected request %+v", req)
	}
	if len(p.posts) != 1 || p.posts[0] != (post{"D1", "Waves fold the light"}) {
		t.Fatalf("unexpected posts %+v", p.posts)
	}
}

func TestRespond_PersonaOverrides(t *testing.T) {
	g := &fakeGenerator{text: "haiku"}
	r := NewResponder(ResponderConfig{
		Generator: g,
		Poster:    &fakePoster{},
		Persona:   persona.Persona{SystemPrompt: "haiku only", Template: "Haiku: {text}", Model: "gpt-4o", MaxTokens: 64},
		MaxTokens: 512,
		Logger:    testLogger(),
	})
	r.Respond(context.Background(), "D1", "frost")

	req := g.reqs[0]
	if req.Prompt != "Haiku: frost" || req.Model != "gpt-4o" || req.MaxTokens != 64 {
		t.Fatalf("persona should drive the request, got %+v", req)
	}
}

func TestProcess_MarksAfterDelivery(t *testing.T) {
	store := dedup.NewMemoryStore(0)
	p := &fakePoster{}
	r := newResponder(&fakeGenerator{text: "poem"}, p, store)

	if err := r.Process(context.Background(), request); err != nil {
		t.Fatalf("process: %v", err)
	}
	if seen, _ := store.Seen(context.Background(), "Ev1"); !seen {
		t.Fatal("event should be marked after delivery")
	}
	if p.count() != 1 {
		t.Fatalf("expected 1 post, got %d", p.count())
	}
}

func TestProcess_SkipsProcessedEvent(t *testing.T) {
	store := dedup.NewMemoryStore(0)
	store.Mark(context.Background(), "Ev1")
	g := &fakeGenerator{text: "poem"}
	p := &fakePoster{}

	if err := newResponder(g, p, store).Process(context.Background(), request); err != nil {
		t.Fatalf("process: %v", err)
	}
	if len(g.reqs) != 0 || p.count() != 0 {
		t.Fatal("processed events must not be generated or posted again")
	}
}

func TestProcess_GenerationFailureNotMarked(t *testing.T) {
	store := dedup.NewMemoryStore(0)
	p := &fakePoster{}
	r := newResponder(&fakeGenerator{err: errors.New("rate limited")}, p, store)

	err := r.Process(context.Background(), request)
	if !errors.Is(err, domain.ErrGeneration) {
		t.Fatalf("expected ErrGeneration, got %v", err)
	}
	if p.count() != 0 {
		t.Fatal("nothing should be posted")
	}
	if seen, _ := store.Seen(context.Background(), "Ev1"); seen {
		t.Fatal("failed events must not be marked")
	}
}

func TestProcess_DeliveryFailureNotMarked(t *testing.T) {
	store := dedup.NewMemoryStore(0)
	r := newResponder(&fakeGenerator{text: "poem"}, &fakePoster{err: errors.New("channel_not_found")}, store)

	err := r.Process(context.Background(), request)
	if !errors.Is(err, domain.ErrDelivery) {
		t.Fatalf("expected ErrDelivery, got %v", err)
	}
	if seen, _ := store.Seen(context.Background(), "Ev1"); seen {
		t.Fatal("failed deliveries must not be marked")
	}
}

func TestProcess_StoreCheckFailure(t *testing.T) {
	store := &failingStore{ProcessedStore: dedup.NewMemoryStore(0), seenErr: errors.New("db down")}
	p := &fakePoster{}

	if err := newResponder(&fakeGenerator{text: "poem"}, p, store).Process(context.Background(), request); err == nil {
		t.Fatal("expected error so the transport retries")
	}
	if p.count() != 0 {
		t.Fatal("nothing should be posted when the guard cannot be read")
	}
}

func TestProcess_MarkFailureStillSucceeds(t *testing.T) {
	store := &failingStore{ProcessedStore: dedup.NewMemoryStore(0), markErr: errors.New("disk full")}
	p := &fakePoster{}

	if err := newResponder(&fakeGenerator{text: "poem"}, p, store).Process(context.Background(), request); err != nil {
		t.Fatalf("a delivered reply must not be reported as failed: %v", err)
	}
	if p.count() != 1 {
		t.Fatalf("expected 1 post, got %d", p.count())
	}
}

func TestProcess_InvalidRequest(t *testing.T) {
	g := &fakeGenerator{text: "poem"}
	err := newResponder(g, &fakePoster{}, nil).Process(context.Background(), domain.ActionableRequest{EventID: "Ev1", Channel: "D1"})
	if !errors.Is(err, domain.ErrInvalidJob) {
		t.Fatalf("expected ErrInvalidJob, got %v", err)
	}
	if len(g.reqs) != 0 {
		t.Fatal("invalid requests must not reach the generator")
	}
}

// Redelivery after a successful run posts nothing more.
func TestProcess_SequentialRedeliveryIsIdempotent(t *testing.T) {
	store := dedup.NewMemoryStore(0)
	p := &fakePoster{}
	r := newResponder(&fakeGenerator{text: "poem"}, p, store)

	for range 3 {
		if err := r.Process(context.Background(), request); err != nil {
			t.Fatalf("process: %v", err)
		}
	}
	if p.count() != 1 {
		t.Fatalf("expected exactly 1 post, got %d", p.count())
	}
}

// A duplicate that starts after the first delivery finishes generating is
// caught by the re-check before delivery.
func TestProcess_RecheckBeforeDelivery(t *testing.T) {
	store := dedup.NewMemoryStore(0)
	p := &fakePoster{}
	slow := newResponder(&fakeGenerator{text: "slow poem", delay: 100 * time.Millisecond}, p, store)
	fast := newResponder(&fakeGenerator{text: "fast poem"}, p, store)

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		slow.Process(context.Background(), request)
	}()
	time.Sleep(20 * time.Millisecond)
	if err := fast.Process(context.Background(), request); err != nil {
		t.Fatal(err)
	}
	wg.Wait()

	if p.count() != 1 || p.posts[0].text != "fast poem" {
		t.Fatalf("expected only the first finisher to post, got %+v", p.posts)
	}
}

func TestInlineDispatcher(t *testing.T) {
	p := &fakePoster{}
	d := NewInlineDispatcher(newResponder(&fakeGenerator{text: "poem"}, p, nil))
	if err := d.Dispatch(context.Background(), request); err != nil {
		t.Fatalf("dispatch: %v", err)
	}
	if p.count() != 1 {
		t.Fatal("inline dispatch should deliver before returning")
	}

	failing := NewInlineDispatcher(newResponder(&fakeGenerator{err: errors.New("x")}, p, nil))
	err := failing.Dispatch(context.Background(), request)
	if !errors.Is(err, domain.ErrDispatch) || !errors.Is(err, domain.ErrGeneration) {
		t.Fatalf("expected ErrDispatch wrapping ErrGeneration, got %v", err)
	}
}
