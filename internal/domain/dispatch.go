package domain

import (
	"context"
	"fmt"
	"strings"
)

// Dispatcher hands an actionable request off for processing. It must return
// within the deadline carried by ctx.
type Dispatcher interface {
	Name() string
	Dispatch(ctx context.Context, req ActionableRequest) error
}

// Processor performs the second phase: generate a reply and deliver it.
type Processor interface {
	Process(ctx context.Context, req ActionableRequest) error
}

// Job is a queued ActionableRequest with delivery bookkeeping.
type Job struct {
	ID       string            `json:"id"`
	Request  ActionableRequest `json:"request"`
	Attempts int               `json:"attempts"`
}

// Validate checks the invariants a queued request must still satisfy after a
// round trip through a transport.
func (r ActionableRequest) Validate() error {
	switch {
	case strings.TrimSpace(r.EventID) == "":
		return fmt.Errorf("%w: event_id is required", ErrInvalidJob)
	case strings.TrimSpace(r.Channel) == "":
		return fmt.Errorf("%w: channel is required", ErrInvalidJob)
	case strings.TrimSpace(r.CleanedPrompt) == "":
		return fmt.Errorf("%w: cleaned_prompt is required", ErrInvalidJob)
	}
	return nil
}
