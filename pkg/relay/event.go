package relay

import (
	"context"
	"encoding/json"
)

// EventName is the name subscribers bind to for every relay event.
const EventName = "message.streamed"

// Kind routes an event to the message body or to the title UI.
type Kind string

const (
	KindProgress      Kind = "progress"
	KindTitleProgress Kind = "title-progress"
)

// StreamEvent is a single coalesced publish produced by a relay run.
// Values are never mutated after creation.
type StreamEvent struct {
	Channel    string
	Kind       Kind
	Content    string
	IsComplete bool
	IsError    bool
}

// IsTitle reports whether the event targets the conversation title.
func (e StreamEvent) IsTitle() bool { return e.Kind == KindTitleProgress }

// Payload is the wire body delivered to subscribers.
type Payload struct {
	Content    string `json:"content"`
	IsComplete bool   `json:"isComplete"`
	Error      bool   `json:"error"`
	IsTitle    bool   `json:"isTitle"`
}

func (e StreamEvent) Payload() Payload {
	return Payload{
		Content:    e.Content,
		IsComplete: e.IsComplete,
		Error:      e.IsError,
		IsTitle:    e.IsTitle(),
	}
}

func (e StreamEvent) MarshalJSON() ([]byte, error) {
	return json.Marshal(e.Payload())
}

// EventSink delivers events to whatever transport sits behind a channel.
// Delivery is at-least-once and ordered per channel; reaching a subscriber is not guaranteed.
type EventSink interface {
	Publish(ctx context.Context, ev StreamEvent) error
}

// EventSinkFunc adapts a function to EventSink.
type EventSinkFunc func(ctx context.Context, ev StreamEvent) error

func (f EventSinkFunc) Publish(ctx context.Context, ev StreamEvent) error { return f(ctx, ev) }

// Heartbeater is implemented by sinks whose transport needs idle keepalive framing.
type Heartbeater interface {
	Heartbeat(ctx context.Context) error
}

// NoHeartbeat is used for transports without a keepalive concept.
var NoHeartbeat Heartbeater = noHeartbeat{}

type noHeartbeat struct{}

func (noHeartbeat) Heartbeat(context.Context) error { return nil }

// ChannelForConversation returns the pub/sub channel scoping a conversation's audience.
func ChannelForConversation(convID string) string { return "chat." + convID }
