package channel

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/slack-go/slack/slackevents"

	"poetbot/internal/domain"
)

// innerEvent is the subset of a Slack inner event the classifier reads.
type innerEvent struct {
	Type        string `json:"type"`
	User        string `json:"user"`
	Text        string `json:"text"`
	Channel     string `json:"channel"`
	ChannelType string `json:"channel_type"`
	Subtype     string `json:"subtype"`
	BotID       string `json:"bot_id"`
}

// ParsePayload decodes an Events API request body into a typed payload.
func ParsePayload(body []byte) (domain.Payload, error) {
	var head struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(body, &head); err != nil {
		return nil, fmt.Errorf("decode payload: %w", err)
	}

	switch head.Type {
	case slackevents.URLVerification:
		var v slackevents.EventsAPIURLVerificationEvent
		if err := json.Unmarshal(body, &v); err != nil {
			return nil, fmt.Errorf("decode url_verification: %w", err)
		}
		return domain.URLVerification{Challenge: v.Challenge}, nil

	case slackevents.CallbackEvent:
		var cb slackevents.EventsAPICallbackEvent
		if err := json.Unmarshal(body, &cb); err != nil {
			return nil, fmt.Errorf("decode event_callback: %w", err)
		}
		if cb.InnerEvent == nil {
			return nil, errors.New("event_callback without event")
		}
		ev, err := parseInnerEvent(*cb.InnerEvent)
		if err != nil {
			return nil, err
		}
		return domain.EventCallback{
			EventID:   cb.EventID,
			TeamID:    cb.TeamID,
			APIAppID:  cb.APIAppID,
			EventTime: int64(cb.EventTime),
			Event:     ev,
		}, nil

	case "":
		return nil, errors.New("payload has no type")

	default:
		return domain.UnsupportedPayload{Type: head.Type}, nil
	}
}

func parseInnerEvent(raw json.RawMessage) (domain.InboundEvent, error) {
	var ie innerEvent
	if err := json.Unmarshal(raw, &ie); err != nil {
		return nil, fmt.Errorf("decode inner event: %w", err)
	}
	fields := domain.EventFields{
		User:        ie.User,
		Channel:     ie.Channel,
		Text:        ie.Text,
		ChannelKind: domain.ChannelKindFromSlack(ie.ChannelType),
		Subtype:     ie.Subtype,
		BotID:       ie.BotID,
	}

	switch ie.Type {
	case string(slackevents.Message):
		return domain.MessageEvent{EventFields: fields}, nil
	case string(slackevents.AppMention):
		return domain.AppMentionEvent{EventFields: fields}, nil
	default:
		return domain.OtherEvent{Type: ie.Type, EventFields: fields}, nil
	}
}
