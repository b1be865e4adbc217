package channel

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"poetbot/internal/domain"
)

// ProcessHandlerConfig configures the queue callback endpoint.
type ProcessHandlerConfig struct {
	Processor  domain.Processor
	Token      string // bearer token the queue forwards; required
	JobTimeout time.Duration
	Logger     *slog.Logger
}

// ProcessHandler runs the second phase for requests the HTTP queue delivers.
// A non-2xx response asks the queue to retry.
type ProcessHandler struct {
	processor  domain.Processor
	token      string
	jobTimeout time.Duration
	logger     *slog.Logger
}

func NewProcessHandler(cfg ProcessHandlerConfig) *ProcessHandler {
	if cfg.JobTimeout <= 0 {
		cfg.JobTimeout = time.Minute
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &ProcessHandler{
		processor:  cfg.Processor,
		token:      cfg.Token,
		jobTimeout: cfg.JobTimeout,
		logger:     cfg.Logger,
	}
}

func (h *ProcessHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.Header().Set("Allow", http.MethodPost)
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	defer r.Body.Close()

	if h.token == "" {
		h.logger.Error("process endpoint has no callback token configured")
		writeError(w, http.StatusInternalServerError, domain.ErrConfiguration.Error())
		return
	}
	if !tokenValid(bearerToken(r), h.token) {
		writeError(w, http.StatusUnauthorized, "unauthorized")
		return
	}

	body, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes))
	if err != nil {
		writeError(w, http.StatusBadRequest, "cannot read body")
		return
	}
	var req domain.ActionableRequest
	if err := json.Unmarshal(body, &req); err != nil {
		writeError(w, http.StatusBadRequest, domain.ErrInvalidJob.Error())
		return
	}
	if err := req.Validate(); err != nil {
		h.logger.Warn("rejected job", "err", err)
		writeError(w, http.StatusBadRequest, domain.ErrInvalidJob.Error())
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), h.jobTimeout)
	defer cancel()

	if err := h.processor.Process(ctx, req); err != nil {
		h.logger.Error("job failed",
			"event_id", req.EventID,
			"channel", req.Channel,
			"retried", r.Header.Get("Upstash-Retried"),
			"err", err,
		)
		status := http.StatusInternalServerError
		if errors.Is(err, domain.ErrInvalidJob) {
			status = http.StatusBadRequest
		}
		writeError(w, status, errorCategory(err))
		return
	}
	writeOK(w)
}

// bearerToken extracts the token from "Authorization: Bearer <token>".
func bearerToken(r *http.Request) string {
	auth := r.Header.Get("Authorization")
	if after, ok := strings.CutPrefix(auth, "Bearer "); ok {
		return strings.TrimSpace(after)
	}
	return ""
}

func tokenValid(got, want string) bool {
	return got != "" && subtle.ConstantTimeCompare([]byte(got), []byte(want)) == 1
}
