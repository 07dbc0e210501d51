package title

import (
	"context"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/go-go-golems/chatrelay/pkg/llm"
	"github.com/go-go-golems/chatrelay/pkg/persistence/chatstore"
	"github.com/go-go-golems/chatrelay/pkg/relay"
)

func TestShouldGenerate(t *testing.T) {
	assert.True(t, ShouldGenerate("Nouvelle conversation", 3))
	assert.True(t, ShouldGenerate("Weekend Plans", 14))
	assert.False(t, ShouldGenerate("Weekend Plans", 15))
	assert.True(t, ShouldGenerate("Weekend Plans", 0))
}

func TestSanitize(t *testing.T) {
	assert.Equal(t, "Plan de voyage", Sanitize(`  "Plan de voyage!"  `))
	assert.Equal(t, "Cest parti", Sanitize("C'est parti..."))
	assert.Equal(t, "", Sanitize(` "?!." `))
}

func TestKeepTail(t *testing.T) {
	c := newWordCounter()
	assert.Equal(t, "a b c", keepTail(nil, "a b c", 1))
	assert.Equal(t, "a b c", keepTail(c, "a b c", 0))
	assert.Equal(t, "b c", keepTail(c, "a b c", 2))
	assert.Equal(t, "a b c", keepTail(c, "a b c", 5))
}

// wordCounter treats every space-separated word as one token.
type wordCounter struct {
	vocab *[]string
}

func newWordCounter() wordCounter { return wordCounter{vocab: &[]string{}} }

func (c wordCounter) Encode(text string) []int {
	var out []int
	for _, w := range strings.Fields(text) {
		*c.vocab = append(*c.vocab, w)
		out = append(out, len(*c.vocab)-1)
	}
	return out
}

func (c wordCounter) Decode(tokens []int) string {
	words := make([]string, 0, len(tokens))
	for _, tok := range tokens {
		words = append(words, (*c.vocab)[tok])
	}
	return strings.Join(words, " ")
}

type captureSink struct {
	mu     sync.Mutex
	events []relay.StreamEvent
}

func (s *captureSink) Publish(_ context.Context, ev relay.StreamEvent) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, ev)
	return nil
}

func (s *captureSink) Events() []relay.StreamEvent {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]relay.StreamEvent(nil), s.events...)
}

type scriptedClient struct {
	mu       sync.Mutex
	requests []llm.Request
	source   func() relay.TokenSource
	err      error
}

func (c *scriptedClient) Stream(_ context.Context, req llm.Request) (relay.TokenSource, error) {
	c.mu.Lock()
	c.requests = append(c.requests, req)
	c.mu.Unlock()
	if c.err != nil {
		return nil, c.err
	}
	return c.source(), nil
}

func seedConversation(t *testing.T, store *chatstore.InMemoryStore, title string, turns ...string) {
	t.Helper()
	ctx := context.Background()
	_, err := store.CreateConversation(ctx, chatstore.ConversationRecord{ConvID: "c1", UserID: "u1", Title: title})
	require.NoError(t, err)
	for i, content := range turns {
		role := chatstore.RoleUser
		if i%2 == 1 {
			role = chatstore.RoleAssistant
		}
		_, err := store.AppendMessage(ctx, "c1", role, content)
		require.NoError(t, err)
	}
}

func newTestRelay(t *testing.T, client llm.Client, store Store) *Relay {
	t.Helper()
	base := relay.NewThrottledRelay(relay.WithFragmentDelay(0), relay.WithFlushInterval(time.Hour))
	r, err := NewRelay(base, client, store, WithModel("test-model"))
	require.NoError(t, err)
	return r
}

func TestRelaySkipsWhenTitleIsCurrent(t *testing.T) {
	store := chatstore.NewInMemoryStore()
	seedConversation(t, store, "Weekend Plans", "q", "a")
	client := &scriptedClient{source: func() relay.TokenSource { return relay.NewSliceSource("x") }}
	r := newTestRelay(t, client, store)
	sink := &captureSink{}

	out := r.Run(context.Background(), Input{ConvID: "c1", Channel: "chat.c1", CurrentTitle: "Weekend Plans", MessageCount: 15}, sink)

	assert.False(t, out.Ran)
	assert.Equal(t, StateDone, r.State())
	assert.Empty(t, sink.Events())
	assert.Empty(t, client.requests)
}

func TestRelayPersistsSanitizedTitle(t *testing.T) {
	store := chatstore.NewInMemoryStore()
	seedConversation(t, store, chatstore.PlaceholderTitle, "On part où ce weekend ?", "Pourquoi pas Lyon.")
	client := &scriptedClient{source: func() relay.TokenSource {
		return relay.NewSliceSource(`  "Plan`, " de", ` voyage!"  `)
	}}
	r := newTestRelay(t, client, store)
	sink := &captureSink{}
	require.Equal(t, StateIdle, r.State())

	out := r.Run(context.Background(), Input{ConvID: "c1", Channel: "chat.c1", CurrentTitle: chatstore.PlaceholderTitle, MessageCount: 2}, sink)

	require.NoError(t, out.Err)
	assert.True(t, out.Ran)
	assert.True(t, out.Persisted)
	assert.Equal(t, "Plan de voyage", out.Title)
	assert.Equal(t, StateDone, r.State())

	conv, ok, err := store.GetConversation(context.Background(), "c1")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "Plan de voyage", conv.Title)

	events := sink.Events()
	require.Len(t, events, 2)
	assert.False(t, events[0].IsComplete)
	assert.True(t, events[0].IsTitle())
	assert.Equal(t, relay.StreamEvent{Channel: "chat.c1", Kind: relay.KindTitleProgress, Content: "Plan de voyage", IsComplete: true}, events[1])

	require.Len(t, client.requests, 1)
	req := client.requests[0]
	assert.Equal(t, "test-model", req.Model)
	require.Len(t, req.Messages, 1)
	assert.Contains(t, req.Messages[0].Content, "user: On part où ce weekend ?")
	assert.Contains(t, req.Messages[0].Content, "assistant: Pourquoi pas Lyon.")
}

func TestRelayEmptyTitleTouchesActivityOnly(t *testing.T) {
	store := chatstore.NewInMemoryStore()
	seedConversation(t, store, chatstore.PlaceholderTitle, "?", "!")
	before, _, err := store.GetConversation(context.Background(), "c1")
	require.NoError(t, err)

	client := &scriptedClient{source: func() relay.TokenSource { return relay.NewSliceSource(` "?!" `) }}
	r := newTestRelay(t, client, store)
	sink := &captureSink{}
	time.Sleep(2 * time.Millisecond)

	out := r.Run(context.Background(), Input{ConvID: "c1", Channel: "chat.c1", CurrentTitle: chatstore.PlaceholderTitle, MessageCount: 2}, sink)

	require.NoError(t, out.Err)
	assert.True(t, out.Ran)
	assert.False(t, out.Persisted)
	assert.Empty(t, out.Title)

	after, _, err := store.GetConversation(context.Background(), "c1")
	require.NoError(t, err)
	assert.Equal(t, chatstore.PlaceholderTitle, after.Title)
	assert.GreaterOrEqual(t, after.LastActivityMs, before.LastActivityMs)

	for _, ev := range sink.Events() {
		assert.False(t, ev.IsComplete, "no terminal title event expected")
	}
}

type touchCountingStore struct {
	*chatstore.InMemoryStore
	touches atomic.Int32
}

func (s *touchCountingStore) TouchActivity(ctx context.Context, convID string) error {
	s.touches.Add(1)
	return s.InMemoryStore.TouchActivity(ctx, convID)
}

func TestRelayAbortTouchesActivity(t *testing.T) {
	mem := chatstore.NewInMemoryStore()
	seedConversation(t, mem, chatstore.PlaceholderTitle, "bonjour", "salut")
	store := &touchCountingStore{InMemoryStore: mem}
	client := &scriptedClient{source: func() relay.TokenSource { return relay.NewSliceSource("Salut", "ations") }}
	r := newTestRelay(t, client, store)
	sink := &captureSink{}

	ctx, cancel := context.WithCancelCause(context.Background())
	cancel(relay.ErrClientDisconnected)
	out := r.Run(ctx, Input{ConvID: "c1", Channel: "chat.c1", CurrentTitle: chatstore.PlaceholderTitle, MessageCount: 2}, sink)

	require.NoError(t, out.Err)
	assert.True(t, out.Ran)
	assert.False(t, out.Persisted)
	assert.Equal(t, StateDone, r.State())
	assert.Empty(t, sink.Events())
	assert.Equal(t, int32(1), store.touches.Load())

	conv, _, err := mem.GetConversation(context.Background(), "c1")
	require.NoError(t, err)
	assert.Equal(t, chatstore.PlaceholderTitle, conv.Title)
}

func TestRelayContainsFailures(t *testing.T) {
	store := chatstore.NewInMemoryStore()
	seedConversation(t, store, chatstore.PlaceholderTitle, "bonjour", "salut")

	t.Run("client error", func(t *testing.T) {
		client := &scriptedClient{err: errors.New("upstream down")}
		r := newTestRelay(t, client, store)
		out := r.Run(context.Background(), Input{ConvID: "c1", Channel: "chat.c1", CurrentTitle: chatstore.PlaceholderTitle, MessageCount: 2}, &captureSink{})

		require.Error(t, out.Err)
		var se *relay.StreamError
		require.ErrorAs(t, out.Err, &se)
		assert.Equal(t, relay.TitleGenerationError, se.Kind)
		assert.False(t, out.Persisted)
		assert.Equal(t, StateDone, r.State())
	})

	t.Run("source error", func(t *testing.T) {
		client := &scriptedClient{source: func() relay.TokenSource {
			return relay.NewSliceSource("Voy").FailAfter(errors.New("stream reset"))
		}}
		r := newTestRelay(t, client, store)
		sink := &captureSink{}
		out := r.Run(context.Background(), Input{ConvID: "c1", Channel: "chat.c1", CurrentTitle: chatstore.PlaceholderTitle, MessageCount: 2}, sink)

		require.Error(t, out.Err)
		assert.False(t, out.Persisted)
		events := sink.Events()
		require.NotEmpty(t, events)
		last := events[len(events)-1]
		assert.True(t, last.IsError)
		assert.True(t, last.IsTitle())

		conv, _, err := store.GetConversation(context.Background(), "c1")
		require.NoError(t, err)
		assert.Equal(t, chatstore.PlaceholderTitle, conv.Title)
	})

	t.Run("missing conversation", func(t *testing.T) {
		client := &scriptedClient{source: func() relay.TokenSource { return relay.NewSliceSource("Titre") }}
		r := newTestRelay(t, client, store)
		out := r.Run(context.Background(), Input{ConvID: "nope", Channel: "chat.nope", CurrentTitle: chatstore.PlaceholderTitle, MessageCount: 1}, &captureSink{})
		require.Error(t, out.Err)
		assert.ErrorIs(t, out.Err, chatstore.ErrNotFound)
	})
}
