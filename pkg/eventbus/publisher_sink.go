package eventbus

import (
	"context"
	"encoding/json"

	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/google/uuid"
	"github.com/pkg/errors"

	"github.com/go-go-golems/chatrelay/pkg/relay"
)

const (
	MetadataEvent = "event"
	MetadataKind  = "kind"
)

// PublisherSink publishes StreamEvents as watermill messages. The topic is the event channel.
type PublisherSink struct {
	pub message.Publisher
}

var _ relay.EventSink = (*PublisherSink)(nil)

func NewPublisherSink(pub message.Publisher) *PublisherSink {
	return &PublisherSink{pub: pub}
}

func (s *PublisherSink) Publish(ctx context.Context, ev relay.StreamEvent) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if ev.Channel == "" {
		return errors.New("publish: event channel is empty")
	}
	msg, err := EncodeMessage(ev)
	if err != nil {
		return err
	}
	msg.SetContext(ctx)
	if err := s.pub.Publish(ev.Channel, msg); err != nil {
		return errors.Wrapf(err, "publish to %s", ev.Channel)
	}
	return nil
}

// EncodeMessage wraps the event's wire payload in a watermill message.
func EncodeMessage(ev relay.StreamEvent) (*message.Message, error) {
	payload, err := json.Marshal(ev.Payload())
	if err != nil {
		return nil, errors.Wrap(err, "marshal stream event")
	}
	msg := message.NewMessage(uuid.NewString(), payload)
	msg.Metadata.Set(MetadataEvent, relay.EventName)
	msg.Metadata.Set(MetadataKind, string(ev.Kind))
	return msg, nil
}

// DecodeMessage returns the wire payload of a message produced by EncodeMessage.
func DecodeMessage(msg *message.Message) (relay.Payload, error) {
	var p relay.Payload
	if msg == nil {
		return p, errors.New("decode: nil message")
	}
	if ev := msg.Metadata.Get(MetadataEvent); ev != "" && ev != relay.EventName {
		return p, errors.Errorf("decode: unexpected event %q", ev)
	}
	if err := json.Unmarshal(msg.Payload, &p); err != nil {
		return p, errors.Wrap(err, "decode stream event")
	}
	return p, nil
}
