package webchat

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/go-go-golems/chatrelay/pkg/config"
	"github.com/go-go-golems/chatrelay/pkg/eventbus"
	"github.com/go-go-golems/chatrelay/pkg/llm"
	"github.com/go-go-golems/chatrelay/pkg/persistence/chatstore"
	"github.com/go-go-golems/chatrelay/pkg/redisstream"
	"github.com/go-go-golems/chatrelay/pkg/relay"
)

func testConfig() config.Config {
	cfg := config.Default()
	cfg.Store.Driver = "memory"
	cfg.LLM.Provider = "echo"
	cfg.Relay.FragmentDelay = 0
	cfg.Relay.FlushInterval = 0
	cfg.Title.TokenBudget = 0
	return cfg
}

type testEnv struct {
	router *Router
	srv    *httptest.Server
}

func newTestEnv(t *testing.T, cfg config.Config, client llm.Client) *testEnv {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	nop := zerolog.Nop()
	opts := []RouterOption{
		WithStore(chatstore.NewInMemoryStore()),
		WithBackend(eventbus.NewMemoryBackend(redisstream.NewWatermillLogger(nop))),
		WithLogger(nop),
	}
	if client != nil {
		opts = append(opts, WithLLMClient(client))
	}
	r, err := NewRouter(ctx, cfg, opts...)
	require.NoError(t, err)
	srv := httptest.NewServer(r.Handler())
	t.Cleanup(func() {
		srv.Close()
		r.Close()
	})
	return &testEnv{router: r, srv: srv}
}

func (e *testEnv) do(t *testing.T, method, path, user string, body any) *http.Response {
	t.Helper()
	var rd io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		require.NoError(t, err)
		rd = bytes.NewReader(b)
	}
	req, err := http.NewRequest(method, e.srv.URL+path, rd)
	require.NoError(t, err)
	if user != "" {
		req.Header.Set(DefaultUserHeader, user)
	}
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	t.Cleanup(func() { _ = resp.Body.Close() })
	return resp
}

func decodeBody(t *testing.T, resp *http.Response, v any) {
	t.Helper()
	require.NoError(t, json.NewDecoder(resp.Body).Decode(v))
}

func (e *testEnv) createConversation(t *testing.T, user string) chatstore.ConversationRecord {
	t.Helper()
	resp := e.do(t, http.MethodPost, "/api/conversations", user, nil)
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	var out struct {
		Conversation chatstore.ConversationRecord `json:"conversation"`
	}
	decodeBody(t, resp, &out)
	require.NotEmpty(t, out.Conversation.ConvID)
	require.Equal(t, chatstore.PlaceholderTitle, out.Conversation.Title)
	return out.Conversation
}

func TestConversationEndpoints(t *testing.T) {
	env := newTestEnv(t, testConfig(), nil)

	resp := env.do(t, http.MethodGet, "/api/conversations", "", nil)
	require.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	conv := env.createConversation(t, "u1")
	env.createConversation(t, "u2")

	resp = env.do(t, http.MethodGet, "/api/conversations", "u1", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var list struct {
		Conversations []chatstore.ConversationRecord `json:"conversations"`
	}
	decodeBody(t, resp, &list)
	require.Len(t, list.Conversations, 1)
	require.Equal(t, conv.ConvID, list.Conversations[0].ConvID)

	resp = env.do(t, http.MethodPost, "/api/conversations/"+conv.ConvID+"/messages", "u1", map[string]string{"message": "Bonjour à tous"})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var ok string
	decodeBody(t, resp, &ok)
	require.Equal(t, "ok", ok)

	resp = env.do(t, http.MethodGet, "/api/conversations/"+conv.ConvID+"/messages", "u1", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var msgs struct {
		Messages []chatstore.MessageRecord `json:"messages"`
	}
	decodeBody(t, resp, &msgs)
	require.Len(t, msgs.Messages, 2)
	require.Equal(t, "Bonjour à tous", msgs.Messages[0].Content)
	require.Equal(t, "Bonjour à tous", msgs.Messages[1].Content)

	resp = env.do(t, http.MethodGet, "/api/conversations/"+conv.ConvID+"/messages", "u2", nil)
	require.Equal(t, http.StatusForbidden, resp.StatusCode)

	resp = env.do(t, http.MethodPost, "/api/conversations/"+conv.ConvID+"/messages", "u1", map[string]string{"message": ""})
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp = env.do(t, http.MethodGet, "/healthz", "", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	resp = env.do(t, http.MethodGet, "/metrics", "", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestSendMessageTimeoutMapsTo504(t *testing.T) {
	cfg := testConfig()
	cfg.Server.RequestTimeout = 50 * time.Millisecond
	client := llm.ClientFunc(func(ctx context.Context, _ llm.Request) (relay.TokenSource, error) {
		return &blockingSource{}, nil
	})
	env := newTestEnv(t, cfg, client)
	conv := env.createConversation(t, "u1")

	resp := env.do(t, http.MethodPost, "/api/conversations/"+conv.ConvID+"/messages", "u1", map[string]string{"message": "Salut"})
	require.Equal(t, http.StatusGatewayTimeout, resp.StatusCode)
	var out map[string]string
	decodeBody(t, resp, &out)
	require.Contains(t, out["error"], "deadline exceeded")
}

func TestSSEStream(t *testing.T) {
	env := newTestEnv(t, testConfig(), nil)
	conv := env.createConversation(t, "u1")

	resp := env.do(t, http.MethodPost, "/api/conversations/"+conv.ConvID+"/stream", "u1", map[string]string{"message": "Bonjour à tous"})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Equal(t, "text/event-stream", resp.Header.Get("Content-Type"))

	var payloads []relay.Payload
	sc := bufio.NewScanner(resp.Body)
	for sc.Scan() {
		line := sc.Text()
		if !strings.HasPrefix(line, "data: ") {
			continue
		}
		var p relay.Payload
		require.NoError(t, json.Unmarshal([]byte(strings.TrimPrefix(line, "data: ")), &p))
		payloads = append(payloads, p)
	}
	require.NoError(t, sc.Err())

	var deltas strings.Builder
	var terminal *relay.Payload
	for i := range payloads {
		p := payloads[i]
		if p.IsTitle {
			continue
		}
		if p.IsComplete {
			require.Nil(t, terminal, "exactly one terminal event")
			terminal = &payloads[i]
			continue
		}
		deltas.WriteString(p.Content)
	}
	require.NotNil(t, terminal)
	assert.False(t, terminal.Error)
	assert.Equal(t, "Bonjour à tous", terminal.Content)
	assert.Equal(t, terminal.Content, deltas.String())
}

func TestWebSocketReceivesChannelEvents(t *testing.T) {
	env := newTestEnv(t, testConfig(), nil)
	conv := env.createConversation(t, "u1")
	wsURL := "ws" + strings.TrimPrefix(env.srv.URL, "http") + "/ws?conv_id=" + conv.ConvID

	_, resp, err := websocket.DefaultDialer.Dial(wsURL, http.Header{DefaultUserHeader: []string{"u2"}})
	require.Error(t, err)
	require.NotNil(t, resp)
	require.Equal(t, http.StatusForbidden, resp.StatusCode)

	ws, _, err := websocket.DefaultDialer.Dial(wsURL, http.Header{DefaultUserHeader: []string{"u1"}})
	require.NoError(t, err)
	defer func() { _ = ws.Close() }()
	require.Eventually(t, func() bool {
		return env.router.StreamHub().ConnectionCount(conv.ConvID) == 1
	}, 2*time.Second, 10*time.Millisecond)

	req, err := http.NewRequest(http.MethodPost, env.srv.URL+"/api/conversations/"+conv.ConvID+"/messages",
		strings.NewReader(`{"message":"Bonjour à tous"}`))
	require.NoError(t, err)
	req.Header.Set(DefaultUserHeader, "u1")
	done := make(chan int, 1)
	go func() {
		resp, err := http.DefaultClient.Do(req)
		if err != nil {
			done <- 0
			return
		}
		_ = resp.Body.Close()
		done <- resp.StatusCode
	}()

	var deltas strings.Builder
	require.NoError(t, ws.SetReadDeadline(time.Now().Add(5*time.Second)))
	for {
		_, data, err := ws.ReadMessage()
		require.NoError(t, err)
		var f Frame
		require.NoError(t, json.Unmarshal(data, &f))
		require.Equal(t, relay.EventName, f.Event)
		require.Equal(t, "chat."+conv.ConvID, f.Channel)
		if f.Data.IsTitle {
			continue
		}
		if f.Data.IsComplete {
			assert.False(t, f.Data.Error)
			assert.Equal(t, "Bonjour à tous", f.Data.Content)
			assert.Equal(t, f.Data.Content, deltas.String())
			break
		}
		deltas.WriteString(f.Data.Content)
	}

	go func() {
		for {
			if _, _, err := ws.ReadMessage(); err != nil {
				return
			}
		}
	}()
	select {
	case code := <-done:
		require.Equal(t, http.StatusOK, code)
	case <-time.After(5 * time.Second):
		t.Fatal("send did not complete")
	}
}
