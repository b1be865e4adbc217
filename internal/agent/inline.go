package agent

import (
	"context"
	"fmt"

	"poetbot/internal/domain"
)

// InlineDispatcher runs the second phase inside the webhook request. Use it
// only when generation reliably fits in Slack's response budget.
type InlineDispatcher struct {
	processor domain.Processor
}

func NewInlineDispatcher(processor domain.Processor) *InlineDispatcher {
	return &InlineDispatcher{processor: processor}
}

func (d *InlineDispatcher) Name() string { return "inline" }

func (d *InlineDispatcher) Dispatch(ctx context.Context, req domain.ActionableRequest) error {
	if err := d.processor.Process(ctx, req); err != nil {
		return fmt.Errorf("%w: %w", domain.ErrDispatch, err)
	}
	return nil
}
