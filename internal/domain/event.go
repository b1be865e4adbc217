package domain

// Payload is the top-level body of an Events API request.
// Implementations: URLVerification, EventCallback, UnsupportedPayload.
type Payload interface {
	payloadType() string
}

// URLVerification is the one-time endpoint ownership check. Slack does not sign it.
type URLVerification struct {
	Challenge string
}

// EventCallback wraps a user or system event.
type EventCallback struct {
	EventID   string
	TeamID    string
	APIAppID  string
	EventTime int64
	Event     InboundEvent
}

// UnsupportedPayload is any other top-level type (app_rate_limited, ...).
type UnsupportedPayload struct {
	Type string
}

func (URLVerification) payloadType() string      { return "url_verification" }
func (EventCallback) payloadType() string        { return "event_callback" }
func (p UnsupportedPayload) payloadType() string { return p.Type }

// PayloadType returns the wire discriminator of p.
func PayloadType(p Payload) string {
	if p == nil {
		return ""
	}
	return p.payloadType()
}

// ChannelKind classifies the conversation an event happened in.
type ChannelKind string

const (
	ChannelDirect  ChannelKind = "direct"
	ChannelGroup   ChannelKind = "group"
	ChannelPrivate ChannelKind = "private"
	ChannelPublic  ChannelKind = "public"
	ChannelUnknown ChannelKind = ""
)

// ChannelKindFromSlack maps Slack's channel_type field.
func ChannelKindFromSlack(channelType string) ChannelKind {
	switch channelType {
	case "im":
		return ChannelDirect
	case "mpim":
		return ChannelGroup
	case "group":
		return ChannelPrivate
	case "channel":
		return ChannelPublic
	default:
		return ChannelUnknown
	}
}

// EventFields are shared by every inbound event variant.
type EventFields struct {
	User        string
	Channel     string
	Text        string
	ChannelKind ChannelKind
	Subtype     string // set only for system-generated messages
	BotID       string // set when a bot authored the event
}

// InboundEvent is the event nested in an EventCallback.
// Implementations: MessageEvent, AppMentionEvent, OtherEvent.
type InboundEvent interface {
	Fields() EventFields
	eventType() string
}

// MessageEvent is a "message" event.
type MessageEvent struct {
	EventFields
}

// AppMentionEvent is an "app_mention" event.
type AppMentionEvent struct {
	EventFields
}

// OtherEvent is any event type the bot does not act on.
type OtherEvent struct {
	Type string
	EventFields
}

func (e MessageEvent) Fields() EventFields    { return e.EventFields }
func (e AppMentionEvent) Fields() EventFields { return e.EventFields }
func (e OtherEvent) Fields() EventFields      { return e.EventFields }

func (MessageEvent) eventType() string    { return "message" }
func (AppMentionEvent) eventType() string { return "app_mention" }
func (e OtherEvent) eventType() string    { return e.Type }

// EventType returns the wire discriminator of e.
func EventType(e InboundEvent) string {
	if e == nil {
		return ""
	}
	return e.eventType()
}

// RequestKind records which variant produced an ActionableRequest.
type RequestKind string

const (
	KindDirectMessage RequestKind = "direct_message"
	KindMention       RequestKind = "mention"
)

// ActionableRequest is an event that passed filtering. CleanedPrompt is never empty.
type ActionableRequest struct {
	EventID       string      `json:"event_id"`
	Channel       string      `json:"channel"`
	CleanedPrompt string      `json:"cleaned_prompt"`
	Kind          RequestKind `json:"kind,omitempty"`
}

// Action is the classifier's verdict.
// Implementations: RespondChallenge, Ignore, Process.
type Action interface {
	action()
}

// RespondChallenge echoes a url_verification challenge.
type RespondChallenge struct {
	Challenge string
}

// Ignore drops the event without side effects.
type Ignore struct {
	Reason string
}

// Process hands the request to the dispatcher.
type Process struct {
	Request ActionableRequest
}

func (RespondChallenge) action() {}
func (Ignore) action()           {}
func (Process) action()          {}
