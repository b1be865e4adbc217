package channel

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"time"

	"poetbot/internal/domain"
	"poetbot/internal/metrics"
)

const maxBodyBytes = 1 << 20

// EventsHandlerConfig configures the Slack Events API endpoint.
type EventsHandlerConfig struct {
	SigningSecret   string
	ReplayWindow    time.Duration
	Classifier      Classifier
	Dispatcher      domain.Dispatcher
	Store           domain.ProcessedStore // optional; skips already-answered retries
	DispatchTimeout time.Duration
	Logger          *slog.Logger
	Now             func() time.Time // for tests
}

// EventsHandler authenticates Slack event deliveries, classifies them and
// dispatches the actionable ones.
type EventsHandler struct {
	secret          []byte
	window          time.Duration
	classifier      Classifier
	dispatcher      domain.Dispatcher
	store           domain.ProcessedStore
	dispatchTimeout time.Duration
	logger          *slog.Logger
	now             func() time.Time
}

// NewEventsHandler creates the events endpoint handler.
func NewEventsHandler(cfg EventsHandlerConfig) *EventsHandler {
	if cfg.ReplayWindow <= 0 {
		cfg.ReplayWindow = DefaultReplayWindow
	}
	if cfg.DispatchTimeout <= 0 {
		cfg.DispatchTimeout = 2500 * time.Millisecond
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &EventsHandler{
		secret:          []byte(cfg.SigningSecret),
		window:          cfg.ReplayWindow,
		classifier:      cfg.Classifier,
		dispatcher:      cfg.Dispatcher,
		store:           cfg.Store,
		dispatchTimeout: cfg.DispatchTimeout,
		logger:          cfg.Logger,
		now:             cfg.Now,
	}
}

func (h *EventsHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.Header().Set("Allow", http.MethodPost)
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	defer r.Body.Close()
	metrics.EventsReceived.Inc()

	body, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes))
	if err != nil {
		writeError(w, http.StatusBadRequest, "cannot read body")
		return
	}

	// Slack does not sign url_verification, so it is answered first.
	payload, parseErr := ParsePayload(body)
	if parseErr == nil {
		if v, ok := payload.(domain.URLVerification); ok {
			h.logger.Info("slack url verification")
			writeJSON(w, http.StatusOK, map[string]string{"challenge": v.Challenge})
			return
		}
	}

	if len(h.secret) == 0 {
		h.logger.Error("slack signing secret is not configured")
		writeError(w, http.StatusInternalServerError, domain.ErrConfiguration.Error())
		return
	}
	if !Verify(body, r.Header.Get(headerTimestamp), r.Header.Get(headerSignature), h.secret, h.now(), h.window) {
		metrics.EventsRejected.Inc()
		h.logger.Warn("slack signature rejected", "remote", r.RemoteAddr)
		writeError(w, http.StatusUnauthorized, "invalid signature")
		return
	}
	if parseErr != nil {
		writeError(w, http.StatusBadRequest, "malformed payload")
		return
	}

	if n := r.Header.Get(headerRetryNum); n != "" {
		metrics.EventsRetried.Inc()
		h.logger.Info("slack redelivery", "retry_num", n, "reason", r.Header.Get(headerRetryReason))
	}

	switch action := h.classifier.Classify(payload).(type) {
	case domain.RespondChallenge:
		writeJSON(w, http.StatusOK, map[string]string{"challenge": action.Challenge})
	case domain.Ignore:
		metrics.EventsIgnored.Inc()
		h.logger.Debug("event ignored", "reason", action.Reason)
		writeOK(w)
	case domain.Process:
		h.dispatch(r.Context(), w, action.Request)
	default:
		writeOK(w)
	}
}

func (h *EventsHandler) dispatch(ctx context.Context, w http.ResponseWriter, req domain.ActionableRequest) {
	log := h.logger.With("event_id", req.EventID, "channel", req.Channel)

	if h.store != nil {
		seen, err := h.store.Seen(ctx, req.EventID)
		if err != nil {
			// The responder checks again; a store outage must not drop the event.
			log.Warn("processed-event lookup failed", "err", err)
		} else if seen {
			metrics.Duplicates.Inc()
			log.Info("event already processed")
			writeOK(w)
			return
		}
	}

	ctx, cancel := context.WithTimeout(ctx, h.dispatchTimeout)
	defer cancel()

	if err := h.dispatcher.Dispatch(ctx, req); err != nil {
		metrics.DispatchErrors.Inc()
		log.Error("dispatch failed", "dispatcher", h.dispatcher.Name(), "err", err)
		writeError(w, http.StatusInternalServerError, domain.ErrDispatch.Error())
		return
	}
	metrics.Dispatched.Inc()
	log.Info("event dispatched", "dispatcher", h.dispatcher.Name(), "kind", req.Kind)
	writeOK(w)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeOK(w http.ResponseWriter) {
	writeJSON(w, http.StatusOK, map[string]bool{"ok": true})
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

// errorCategory is the short error text returned to callers.
func errorCategory(err error) string {
	for _, sentinel := range []error{
		domain.ErrInvalidJob,
		domain.ErrGeneration,
		domain.ErrDelivery,
		domain.ErrConfiguration,
	} {
		if errors.Is(err, sentinel) {
			return sentinel.Error()
		}
	}
	return "processing failed"
}
