package channel

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"strconv"
	"time"
)

const (
	headerTimestamp   = "X-Slack-Request-Timestamp"
	headerSignature   = "X-Slack-Signature"
	headerRetryNum    = "X-Slack-Retry-Num"
	headerRetryReason = "X-Slack-Retry-Reason"

	signatureVersion = "v0"

	// DefaultReplayWindow is how far a request timestamp may drift from now.
	DefaultReplayWindow = 300 * time.Second
)

// Sign returns the v0 signature Slack would send for body at timestamp.
func Sign(body []byte, timestamp string, secret []byte) string {
	mac := hmac.New(sha256.New, secret)
	mac.Write([]byte(signatureVersion + ":" + timestamp + ":"))
	mac.Write(body)
	return signatureVersion + "=" + hex.EncodeToString(mac.Sum(nil))
}

// Verify reports whether signature authenticates body at timestamp and the
// timestamp lies within window of now. It never errors: missing headers,
// malformed timestamps and stale requests all yield false.
func Verify(body []byte, timestamp, signature string, secret []byte, now time.Time, window time.Duration) bool {
	if timestamp == "" || signature == "" {
		return false
	}
	ts, err := strconv.ParseInt(timestamp, 10, 64)
	if err != nil {
		return false
	}
	if window <= 0 {
		window = DefaultReplayWindow
	}
	elapsed := now.Unix() - ts
	if elapsed < 0 {
		elapsed = -elapsed
	}
	if elapsed > int64(window/time.Second) {
		return false
	}
	expected := Sign(body, timestamp, secret)
	return hmac.Equal([]byte(expected), []byte(signature))
}
