package provider

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"strings"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"

	"poetbot/internal/domain"
)

const (
	claudeDefaultModel = "claude-3-5-haiku-latest"
	defaultMaxTokens   = 1024
)

// Claude implements domain.Provider for the Anthropic Messages API.
type Claude struct {
	client anthropic.Client
	apiKey string
	model  string
	logger *slog.Logger
}

type ClaudeConfig struct {
	APIKey     string
	APIBase    string
	Model      string
	HTTPClient *http.Client
	Logger     *slog.Logger
}

func NewClaude(cfg ClaudeConfig) *Claude {
	if cfg.Model == "" {
		cfg.Model = claudeDefaultModel
	}
	if cfg.HTTPClient == nil {
		cfg.HTTPClient = SharedHTTPClient(defaultHTTPTimeout)
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	opts := []option.RequestOption{
		option.WithAPIKey(cfg.APIKey),
		option.WithHTTPClient(cfg.HTTPClient),
		option.WithMaxRetries(maxRetries),
	}
	if cfg.APIBase != "" {
		opts = append(opts, option.WithBaseURL(strings.TrimRight(cfg.APIBase, "/")+"/"))
	}
	return &Claude{
		client: anthropic.NewClient(opts...),
		apiKey: cfg.APIKey,
		model:  cfg.Model,
		logger: cfg.Logger,
	}
}

func (c *Claude) Name() string { return "claude" }

func (c *Claude) Healthy(context.Context) error {
	if c.apiKey == "" {
		return fmt.Errorf("claude: no API key configured")
	}
	return nil
}

func (c *Claude) Generate(ctx context.Context, req domain.GenerateRequest) (string, error) {
	model := req.Model
	if model == "" {
		model = c.model
	}
	maxTokens := req.MaxTokens
	if maxTokens <= 0 {
		maxTokens = defaultMaxTokens
	}

	params := anthropic.MessageNewParams{
		Model:     anthropic.Model(model),
		MaxTokens: int64(maxTokens),
		Messages: []anthropic.MessageParam{
			anthropic.NewUserMessage(anthropic.NewTextBlock(req.Prompt)),
		},
	}
	if req.SystemPrompt != "" {
		params.System = []anthropic.TextBlockParam{{Text: req.SystemPrompt}}
	}

	msg, err := c.client.Messages.New(ctx, params)
	if err != nil {
		return "", fmt.Errorf("claude request: %w", err)
	}

	var sb strings.Builder
	for _, block := range msg.Content {
		if block.Type == "text" {
			sb.WriteString(block.Text)
		}
	}
	text := strings.TrimSpace(sb.String())
	if text == "" {
		return "", fmt.Errorf("claude: empty completion (stop reason %q)", msg.StopReason)
	}
	c.logger.Debug("claude completion",
		"model", msg.Model,
		"input_tokens", msg.Usage.InputTokens,
		"output_tokens", msg.Usage.OutputTokens,
	)
	return text, nil
}
