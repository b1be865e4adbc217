package domain

import "context"

// Poster delivers text to a chat channel on the upstream platform.
type Poster interface {
	PostMessage(ctx context.Context, channel, text string) error
}
