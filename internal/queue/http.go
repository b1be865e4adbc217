// Package queue holds the two-phase dispatch drivers: an HTTP callback
// queue (QStash), RabbitMQ, and an in-process worker pool.
package queue

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"poetbot/internal/domain"
)

// HTTPCallbackConfig configures the QStash-style driver.
type HTTPCallbackConfig struct {
	PublishURL    string // e.g. https://qstash.upstash.io/v2/publish/
	Token         string // bearer token for the publish API
	CallbackURL   string // absolute URL of the process endpoint
	CallbackToken string // forwarded as the process endpoint's bearer token
	Retries       int
	HTTPClient    *http.Client
	Logger        *slog.Logger
}

// HTTPCallback publishes each request to a hosted queue that later POSTs it
// back to the process endpoint, retrying on non-2xx responses.
type HTTPCallback struct {
	cfg    HTTPCallbackConfig
	client *http.Client
	logger *slog.Logger
}

func NewHTTPCallback(cfg HTTPCallbackConfig) (*HTTPCallback, error) {
	if cfg.PublishURL == "" || cfg.CallbackURL == "" {
		return nil, fmt.Errorf("%w: http queue needs publishUrl and callbackBaseUrl", domain.ErrConfiguration)
	}
	if cfg.Token == "" {
		return nil, fmt.Errorf("%w: http queue token is not set", domain.ErrConfiguration)
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	client := cfg.HTTPClient
	if client == nil {
		client = &http.Client{Timeout: 10 * time.Second}
	}
	return &HTTPCallback{cfg: cfg, client: client, logger: cfg.Logger}, nil
}

func (h *HTTPCallback) Name() string { return "http" }

type publishResponse struct {
	MessageID    string `json:"messageId"`
	Deduplicated bool   `json:"deduplicated"`
}

// Dispatch publishes req. The event id doubles as the deduplication id so
// Slack redeliveries inside the queue's window collapse into one job.
func (h *HTTPCallback) Dispatch(ctx context.Context, req domain.ActionableRequest) error {
	body, err := json.Marshal(req)
	if err != nil {
		return fmt.Errorf("%w: marshal request: %w", domain.ErrDispatch, err)
	}

	url := strings.TrimRight(h.cfg.PublishURL, "/") + "/" + h.cfg.CallbackURL
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("%w: build request: %w", domain.ErrDispatch, err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Authorization", "Bearer "+h.cfg.Token)
	httpReq.Header.Set("Upstash-Deduplication-Id", req.EventID)
	httpReq.Header.Set("Upstash-Retries", strconv.Itoa(h.cfg.Retries))
	if h.cfg.CallbackToken != "" {
		httpReq.Header.Set("Upstash-Forward-Authorization", "Bearer "+h.cfg.CallbackToken)
	}

	resp, err := h.client.Do(httpReq)
	if err != nil {
		return fmt.Errorf("%w: publish: %w", domain.ErrDispatch, err)
	}
	defer resp.Body.Close()

	respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("%w: publish returned HTTP %d: %s",
			domain.ErrDispatch, resp.StatusCode, strings.TrimSpace(string(respBody)))
	}

	var pr publishResponse
	if err := json.Unmarshal(respBody, &pr); err != nil {
		h.logger.Debug("unparsed publish response", "event_id", req.EventID, "body", string(respBody))
	}
	h.logger.Debug("job published", "event_id", req.EventID, "message_id", pr.MessageID, "deduplicated", pr.Deduplicated)
	return nil
}
