package redisstream

import (
	"context"
	"strings"
	"testing"

	rstream "github.com/ThreeDotsLabs/watermill-redisstream/pkg/redisstream"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/alicebob/miniredis/v2"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"
)

func newTestClient(t *testing.T) (*miniredis.Miniredis, Settings) {
	t.Helper()
	mr := miniredis.RunT(t)
	s := DefaultSettings()
	s.Enabled = true
	s.Addr = mr.Addr()
	return mr, s
}

func TestEnsureGroupAtTailIsIdempotent(t *testing.T) {
	mr, s := newTestClient(t)
	client := NewClient(s)
	defer func() { _ = client.Close() }()
	ctx := context.Background()

	require.NoError(t, Ping(ctx, client))
	require.NoError(t, EnsureGroupAtTail(ctx, client, "chat.c1", "chat-ui"))
	require.NoError(t, EnsureGroupAtTail(ctx, client, "chat.c1", "chat-ui"))
	require.True(t, mr.Exists("chat.c1"))

	err := client.XGroupCreate(ctx, "chat.c1", "chat-ui", "$").Err()
	require.ErrorContains(t, err, "BUSYGROUP")
}

func TestPublisherAppendsToChannelStream(t *testing.T) {
	_, s := newTestClient(t)
	client := NewClient(s)
	defer func() { _ = client.Close() }()
	ctx := context.Background()

	pub, err := BuildPublisher(client, NewWatermillLogger(zerolog.Nop()))
	require.NoError(t, err)
	defer func() { _ = pub.Close() }()

	msg := message.NewMessage("m-1", []byte(`{"content":"Bonjour","isComplete":false,"error":false,"isTitle":false}`))
	msg.Metadata.Set("event", "message.streamed")
	require.NoError(t, pub.Publish("chat.c1", msg))

	entries, err := client.XRange(ctx, "chat.c1", "-", "+").Result()
	require.NoError(t, err)
	require.Len(t, entries, 1)

	got, err := rstream.DefaultMarshallerUnmarshaller{}.Unmarshal(entries[0].Values)
	require.NoError(t, err)
	require.Equal(t, "m-1", got.UUID)
	require.Equal(t, "message.streamed", got.Metadata.Get("event"))
	require.JSONEq(t, string(msg.Payload), string(got.Payload))
}

func TestSettingsValidate(t *testing.T) {
	s := DefaultSettings()
	require.NoError(t, s.Validate())

	s.Enabled = true
	s.Addr = " "
	require.Error(t, s.Validate())

	s.Addr = "localhost:6379"
	s.Group = ""
	require.Error(t, s.Validate())

	require.Equal(t, "ui-1:chat.c1", DefaultSettings().ConsumerFor("chat.c1"))
}

func TestInstanceGroupIsUniquePerProcess(t *testing.T) {
	s := DefaultSettings()
	require.Equal(t, "chat-ui", s.InstanceGroup())

	a, b := s.WithInstance(), s.WithInstance()
	require.NotEqual(t, a.InstanceGroup(), b.InstanceGroup())
	require.True(t, strings.HasPrefix(a.InstanceGroup(), "chat-ui:"))

	s.Instance = "web-1"
	require.Equal(t, "web-1", s.WithInstance().Instance)
	require.Equal(t, "chat-ui:web-1", s.InstanceGroup())
}
