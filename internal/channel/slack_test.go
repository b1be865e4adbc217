package channel

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"unicode/utf8"

	"poetbot/internal/domain"
)

type postedMessage struct {
	channel string
	text    string
}

func fakeSlackAPI(t *testing.T, response string) (*httptest.Server, func() []postedMessage) {
	t.Helper()
	var (
		mu     sync.Mutex
		posted []postedMessage
	)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/chat.postMessage" {
			http.NotFound(w, r)
			return
		}
		r.ParseForm()
		mu.Lock()
		posted = append(posted, postedMessage{channel: r.FormValue("channel"), text: r.FormValue("text")})
		mu.Unlock()
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(response))
	}))
	t.Cleanup(srv.Close)
	return srv, func() []postedMessage {
		mu.Lock()
		defer mu.Unlock()
		return append([]postedMessage(nil), posted...)
	}
}

func TestSlackPoster_PostMessage(t *testing.T) {
	srv, posted := fakeSlackAPI(t, `{"ok":true,"channel":"D1","ts":"1700000000.000100"}`)
	p, err := NewSlackPoster(SlackPosterConfig{BotToken: "xoxb-test", APIURL: srv.URL + "/", Logger: testLogger()})
	if err != nil {
		t.Fatal(err)
	}

	if err := p.PostMessage(context.Background(), "D1", "Waves fold the light"); err != nil {
		t.Fatalf("post: %v", err)
	}
	got := posted()
	if len(got) != 1 || got[0].channel != "D1" || got[0].text != "Waves fold the light" {
		t.Fatalf("unexpected posts %+v", got)
	}
}

func TestSlackPoster_NotOKIsDeliveryError(t *testing.T) {
	srv, _ := fakeSlackAPI(t, `{"ok":false,"error":"channel_not_found"}`)
	p, _ := NewSlackPoster(SlackPosterConfig{BotToken: "xoxb-test", APIURL: srv.URL + "/", Logger: testLogger()})

	err := p.PostMessage(context.Background(), "C404", "hello")
	if !errors.Is(err, domain.ErrDelivery) {
		t.Fatalf("expected ErrDelivery, got %v", err)
	}
	if !strings.Contains(err.Error(), "channel_not_found") {
		t.Fatalf("error should carry Slack's reason: %v", err)
	}
}

func TestSlackPoster_LongMessageIsOnePost(t *testing.T) {
	srv, posted := fakeSlackAPI(t, `{"ok":true,"channel":"D1","ts":"1.2"}`)
	p, _ := NewSlackPoster(SlackPosterConfig{BotToken: "xoxb-test", APIURL: srv.URL + "/", Logger: testLogger()})

	long := strings.Repeat("a line of verse\n", 600)
	if err := p.PostMessage(context.Background(), "D1", long); err != nil {
		t.Fatalf("post: %v", err)
	}
	got := posted()
	if len(got) != 1 || got[0].text != long {
		t.Fatalf("expected the whole reply in one post, got %d posts", len(got))
	}
}

func TestSlackPoster_RetryAfterFailureDoesNotDuplicate(t *testing.T) {
	var (
		mu        sync.Mutex
		calls     int
		delivered []string
	)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		r.ParseForm()
		mu.Lock()
		defer mu.Unlock()
		calls++
		w.Header().Set("Content-Type", "application/json")
		if calls == 1 {
			w.Write([]byte(`{"ok":false,"error":"ratelimited"}`))
			return
		}
		delivered = append(delivered, r.FormValue("text"))
		w.Write([]byte(`{"ok":true,"channel":"D1","ts":"1.2"}`))
	}))
	defer srv.Close()
	p, _ := NewSlackPoster(SlackPosterConfig{BotToken: "xoxb-test", APIURL: srv.URL + "/", Logger: testLogger()})

	reply := strings.Repeat("a line of verse\n", 600)
	if err := p.PostMessage(context.Background(), "D1", reply); !errors.Is(err, domain.ErrDelivery) {
		t.Fatalf("first attempt: expected ErrDelivery, got %v", err)
	}
	if err := p.PostMessage(context.Background(), "D1", reply); err != nil {
		t.Fatalf("retry: %v", err)
	}
	mu.Lock()
	defer mu.Unlock()
	if len(delivered) != 1 || delivered[0] != reply {
		t.Fatalf("expected the reply delivered exactly once, got %d deliveries", len(delivered))
	}
}

func TestNewSlackPoster_RequiresToken(t *testing.T) {
	_, err := NewSlackPoster(SlackPosterConfig{})
	if !errors.Is(err, domain.ErrConfiguration) {
		t.Fatalf("expected ErrConfiguration, got %v", err)
	}
}

func TestTruncateSlackMessage_Short(t *testing.T) {
	if got, cut := truncateSlackMessage("short message", 100); cut || got != "short message" {
		t.Fatalf("expected untouched message, got %q truncated=%v", got, cut)
	}
}

func TestTruncateSlackMessage_PrefersNewlines(t *testing.T) {
	msg := strings.Repeat("x", 40) + "\n" + strings.Repeat("y", 40)
	got, cut := truncateSlackMessage(msg, 50)
	if !cut || got != strings.Repeat("x", 40) {
		t.Fatalf("expected cut at the newline, got %q", got)
	}
}

func TestTruncateSlackMessage_KeepsRunesWhole(t *testing.T) {
	msg := strings.Repeat("é", 10) // 2 bytes each
	got, cut := truncateSlackMessage(msg, 5)
	if !cut || len(got) > 5 || !utf8.ValidString(got) {
		t.Fatalf("unexpected truncation %q", got)
	}
}
