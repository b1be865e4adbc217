package provider

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"math/rand/v2"
	"net/http"
	"strconv"
	"strings"
	"time"
)

const (
	maxRetries = 3

	// maxRetryAfter caps a server-requested delay so a job stays inside its timeout.
	maxRetryAfter = 30 * time.Second
)

// retryBaseDelay scales the backoff; attempt n waits n²·retryBaseDelay plus jitter.
var retryBaseDelay = time.Second

// statusError is a non-2xx answer worth retrying (5xx or 429).
type statusError struct {
	status int
	body   string
}

func (e *statusError) Error() string {
	return fmt.Sprintf("HTTP %d: %s", e.status, e.body)
}

func retryableStatus(code int) bool {
	return code >= 500 || code == http.StatusTooManyRequests
}

// retryDelay is the wait before attempt (1-based retries). A Retry-After hint
// from the previous response wins over the computed backoff.
func retryDelay(attempt int, hint time.Duration) time.Duration {
	if hint > 0 {
		return min(hint, maxRetryAfter)
	}
	base := time.Duration(attempt*attempt) * retryBaseDelay
	return base + time.Duration(rand.Int64N(int64(base/2)+1))
}

// parseRetryAfter reads the delay-seconds form of Retry-After. HTTP dates are
// ignored.
func parseRetryAfter(v string) time.Duration {
	secs, err := strconv.Atoi(strings.TrimSpace(v))
	if err != nil || secs <= 0 {
		return 0
	}
	return time.Duration(secs) * time.Second
}

// doWithRetry sends the request built by buildReq, retrying network failures,
// 5xx and 429 up to maxRetries times. Other statuses are returned to the caller.
func doWithRetry(ctx context.Context, client *http.Client, buildReq func() (*http.Request, error), logger *slog.Logger) (*http.Response, error) {
	var lastErr error
	var hint time.Duration

	for attempt := 0; attempt <= maxRetries; attempt++ {
		if attempt > 0 {
			wait := retryDelay(attempt, hint)
			logger.Warn("retrying request", "attempt", attempt+1, "wait", wait, "err", lastErr)
			timer := time.NewTimer(wait)
			select {
			case <-ctx.Done():
				timer.Stop()
				return nil, ctx.Err()
			case <-timer.C:
			}
		}
		hint = 0

		req, err := buildReq()
		if err != nil {
			return nil, fmt.Errorf("build request: %w", err)
		}

		resp, err := client.Do(req)
		if err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			lastErr = err
			continue
		}
		if !retryableStatus(resp.StatusCode) {
			return resp, nil
		}

		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4<<10))
		resp.Body.Close()
		hint = parseRetryAfter(resp.Header.Get("Retry-After"))
		lastErr = &statusError{status: resp.StatusCode, body: strings.TrimSpace(string(body))}
	}

	return nil, fmt.Errorf("giving up after %d retries: %w", maxRetries, lastErr)
}
