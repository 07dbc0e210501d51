package webchat

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/require"
)

// wsPair returns the server side of a fresh websocket connection plus the client side.
func wsPair(t *testing.T) (*websocket.Conn, *websocket.Conn) {
	t.Helper()
	serverConns := make(chan *websocket.Conn, 1)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		up := websocket.Upgrader{}
		c, err := up.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		serverConns <- c
	}))
	t.Cleanup(srv.Close)
	client, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(srv.URL, "http"), nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = client.Close() })
	select {
	case c := <-serverConns:
		return c, client
	case <-time.After(2 * time.Second):
		t.Fatal("server side of websocket never arrived")
	}
	return nil, nil
}

func TestConnectionPoolBroadcast(t *testing.T) {
	pool := NewConnectionPool("chat.c1", 0, nil)
	s1, c1 := wsPair(t)
	s2, c2 := wsPair(t)
	pool.Add(s1)
	pool.Add(s2)
	require.Equal(t, 2, pool.Count())

	pool.Broadcast([]byte(`{"event":"message.streamed"}`))
	for _, c := range []*websocket.Conn{c1, c2} {
		require.NoError(t, c.SetReadDeadline(time.Now().Add(2*time.Second)))
		_, data, err := c.ReadMessage()
		require.NoError(t, err)
		require.JSONEq(t, `{"event":"message.streamed"}`, string(data))
	}

	pool.SendToOne(s1, []byte("only-one"))
	_, data, err := c1.ReadMessage()
	require.NoError(t, err)
	require.Equal(t, "only-one", string(data))

	require.Equal(t, 2, pool.Ping())
	pool.CloseAll()
	require.Zero(t, pool.Count())
}

func TestConnectionPoolIdleCallback(t *testing.T) {
	var idle atomic.Int32
	pool := NewConnectionPool("chat.c1", 20*time.Millisecond, func() { idle.Add(1) })
	s1, _ := wsPair(t)
	pool.Add(s1)
	pool.Remove(s1)

	require.Eventually(t, func() bool { return idle.Load() == 1 }, time.Second, 5*time.Millisecond)

	s2, _ := wsPair(t)
	pool.Add(s2)
	time.Sleep(50 * time.Millisecond)
	require.Equal(t, int32(1), idle.Load())
	require.Equal(t, 1, pool.Count())
}
