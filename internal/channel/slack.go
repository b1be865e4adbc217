package channel

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"unicode/utf8"

	"github.com/slack-go/slack"

	"poetbot/internal/domain"
)

// slackMaxMsgLen is Slack's hard limit for chat.postMessage text. Longer
// text is truncated by Slack itself, so it is cut here at a clean boundary.
const slackMaxMsgLen = 40000

// SlackPosterConfig configures the chat.postMessage client.
type SlackPosterConfig struct {
	BotToken   string
	APIURL     string // defaults to https://slack.com/api/
	HTTPClient *http.Client
	Logger     *slog.Logger
}

// SlackPoster delivers replies through the Slack Web API.
type SlackPoster struct {
	client *slack.Client
	logger *slog.Logger
}

// NewSlackPoster creates a Slack Web API client authenticated with the bot token.
func NewSlackPoster(cfg SlackPosterConfig) (*SlackPoster, error) {
	if cfg.BotToken == "" {
		return nil, fmt.Errorf("%w: slack bot token is not set", domain.ErrConfiguration)
	}
	opts := []slack.Option{}
	if cfg.APIURL != "" {
		opts = append(opts, slack.OptionAPIURL(cfg.APIURL))
	}
	if cfg.HTTPClient != nil {
		opts = append(opts, slack.OptionHTTPClient(cfg.HTTPClient))
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &SlackPoster{
		client: slack.New(cfg.BotToken, opts...),
		logger: logger,
	}, nil
}

// PostMessage sends text to channel in a single chat.postMessage call, so a
// failed delivery never leaves part of a reply behind for a retry to repeat.
// Any response without ok=true is reported as a delivery error.
func (s *SlackPoster) PostMessage(ctx context.Context, channel, text string) error {
	msg, truncated := truncateSlackMessage(text, slackMaxMsgLen)
	if truncated {
		s.logger.Warn("reply truncated to slack limit", "channel", channel, "bytes", len(text))
	}
	_, ts, err := s.client.PostMessageContext(ctx, channel, slack.MsgOptionText(msg, false))
	if err != nil {
		var slackErr slack.SlackErrorResponse
		if errors.As(err, &slackErr) {
			s.logger.Error("slack rejected message", "channel", channel, "error", slackErr.Err)
		}
		return fmt.Errorf("%w: chat.postMessage: %w", domain.ErrDelivery, err)
	}
	s.logger.Debug("slack message posted", "channel", channel, "ts", ts)
	return nil
}

// BotUserID asks auth.test for the user id behind the bot token.
func (s *SlackPoster) BotUserID(ctx context.Context) (string, error) {
	resp, err := s.client.AuthTestContext(ctx)
	if err != nil {
		return "", fmt.Errorf("slack auth: %w", err)
	}
	return resp.UserID, nil
}

// truncateSlackMessage cuts msg to at most maxLen bytes, preferring the last
// line break in the second half and never splitting a rune.
func truncateSlackMessage(msg string, maxLen int) (string, bool) {
	if len(msg) <= maxLen {
		return msg, false
	}
	cut := maxLen
	if idx := strings.LastIndex(msg[:maxLen], "\n"); idx > maxLen/2 {
		cut = idx
	}
	for cut > 0 && !utf8.RuneStart(msg[cut]) {
		cut--
	}
	return strings.TrimRight(msg[:cut], "\n"), true
}
