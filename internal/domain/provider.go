package domain

import "context"

// GenerateRequest is a single-turn text generation call.
type GenerateRequest struct {
	Model        string
	SystemPrompt string
	Prompt       string
	MaxTokens    int
}

// Provider is the interface all text generation backends implement.
type Provider interface {
	Name() string
	Generate(ctx context.Context, req GenerateRequest) (string, error)
	Healthy(ctx context.Context) error
}
