package channel

import (
	"fmt"
	"regexp"
	"strings"

	"poetbot/internal/domain"
)

// mentionPattern matches Slack mention markers such as <@U123> or <@U123|name>.
var mentionPattern = regexp.MustCompile(`<@[^>]*>`)

// StripMentions removes every mention marker from text and trims the result.
func StripMentions(text string) string {
	return strings.TrimSpace(mentionPattern.ReplaceAllString(text, ""))
}

// Classifier decides what to do with a parsed payload. It performs no I/O.
type Classifier struct {
	// BotUserID is the bot's own Slack user id; events it authored are ignored.
	BotUserID string
}

// Classify applies a zero-value Classifier to p.
func Classify(p domain.Payload) domain.Action {
	return Classifier{}.Classify(p)
}

// Classify maps p to RespondChallenge, Ignore or Process.
func (c Classifier) Classify(p domain.Payload) domain.Action {
	switch p := p.(type) {
	case domain.URLVerification:
		return domain.RespondChallenge{Challenge: p.Challenge}
	case domain.EventCallback:
		return c.classifyEvent(p)
	case domain.UnsupportedPayload:
		return domain.Ignore{Reason: "unsupported top-level type"}
	default:
		return domain.Ignore{Reason: "unsupported top-level type"}
	}
}

func (c Classifier) classifyEvent(cb domain.EventCallback) domain.Action {
	if cb.Event == nil {
		return domain.Ignore{Reason: "event_callback without event"}
	}
	// The event id keys deduplication; without it a retried delivery
	// could not be recognised.
	if strings.TrimSpace(cb.EventID) == "" {
		return domain.Ignore{Reason: "event_callback without event_id"}
	}
	f := cb.Event.Fields()
	if f.Subtype != "" {
		return domain.Ignore{Reason: fmt.Sprintf("system message (subtype %s)", f.Subtype)}
	}
	if f.BotID != "" {
		return domain.Ignore{Reason: "bot-originated message"}
	}
	if c.BotUserID != "" && f.User == c.BotUserID {
		return domain.Ignore{Reason: "own message"}
	}

	var (
		prompt string
		kind   domain.RequestKind
	)
	switch ev := cb.Event.(type) {
	case domain.MessageEvent:
		if ev.ChannelKind != domain.ChannelDirect {
			return domain.Ignore{Reason: "message outside a direct conversation"}
		}
		prompt = strings.TrimSpace(ev.Text)
		if prompt == "" {
			return domain.Ignore{Reason: "empty direct message"}
		}
		kind = domain.KindDirectMessage
	case domain.AppMentionEvent:
		if strings.TrimSpace(ev.Text) == "" {
			return domain.Ignore{Reason: "empty mention"}
		}
		prompt = StripMentions(ev.Text)
		if prompt == "" {
			return domain.Ignore{Reason: "mention without prompt"}
		}
		kind = domain.KindMention
	case domain.OtherEvent:
		return domain.Ignore{Reason: fmt.Sprintf("unhandled event type %q", ev.Type)}
	default:
		return domain.Ignore{Reason: fmt.Sprintf("unhandled event type %q", domain.EventType(ev))}
	}

	return domain.Process{Request: domain.ActionableRequest{
		EventID:       cb.EventID,
		Channel:       f.Channel,
		CleanedPrompt: prompt,
		Kind:          kind,
	}}
}
