package webchat

import (
	"context"
	"encoding/json"
	"strings"
	"sync"
	"time"

	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/gorilla/websocket"
	"github.com/pkg/errors"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/go-go-golems/chatrelay/pkg/eventbus"
	"github.com/go-go-golems/chatrelay/pkg/metrics"
	"github.com/go-go-golems/chatrelay/pkg/relay"
)

// Frame is what websocket observers receive for every StreamEvent published on their channel.
type Frame struct {
	Event   string        `json:"event"`
	Channel string        `json:"channel"`
	Data    relay.Payload `json:"data"`
}

type StreamHubConfig struct {
	BaseCtx context.Context
	Backend eventbus.Backend
	// IdleTimeout is how long a channel subscription outlives its last observer.
	IdleTimeout time.Duration
	// PingInterval paces websocket ping control frames. Zero uses relay.DefaultLivenessWindow.
	PingInterval time.Duration
	Logger       *zerolog.Logger
}

// StreamHub forwards channel messages from the event bus to websocket observers.
// There is one subscription and one ConnectionPool per channel.
type StreamHub struct {
	baseCtx      context.Context
	backend      eventbus.Backend
	idleTimeout  time.Duration
	pingInterval time.Duration
	logger       zerolog.Logger

	mu         sync.Mutex
	forwarders map[string]*forwarder
}

type forwarder struct {
	channel string
	pool    *ConnectionPool
	cancel  context.CancelFunc
	done    chan struct{}
}

func NewStreamHub(cfg StreamHubConfig) (*StreamHub, error) {
	if cfg.BaseCtx == nil {
		return nil, errors.New("stream hub base context is nil")
	}
	if cfg.Backend == nil {
		return nil, errors.New("stream hub backend is nil")
	}
	h := &StreamHub{
		baseCtx:      cfg.BaseCtx,
		backend:      cfg.Backend,
		idleTimeout:  cfg.IdleTimeout,
		pingInterval: cfg.PingInterval,
		logger:       log.Logger,
		forwarders:   map[string]*forwarder{},
	}
	if cfg.Logger != nil {
		h.logger = *cfg.Logger
	}
	if h.pingInterval <= 0 {
		h.pingInterval = relay.DefaultLivenessWindow
	}
	return h, nil
}

// AttachWebSocket subscribes conn to the conversation channel and starts its read loop.
// The caller has already authorized the observer.
func (h *StreamHub) AttachWebSocket(ctx context.Context, convID string, conn *websocket.Conn) error {
	convID = strings.TrimSpace(convID)
	if convID == "" {
		return errors.New("missing convID")
	}
	if conn == nil {
		return errors.New("websocket connection is nil")
	}
	channel := relay.ChannelForConversation(convID)
	fw, err := h.join(channel, conn)
	if err != nil {
		return err
	}

	wsLog := h.logger.With().
		Str("component", "webchat").
		Str("remote", conn.RemoteAddr().String()).
		Str("channel", channel).
		Logger()
	wsLog.Info().Msg("ws connected")

	go func() {
		defer fw.pool.Remove(conn)
		defer wsLog.Info().Msg("ws disconnected")
		for {
			msgType, data, err := conn.ReadMessage()
			if err != nil {
				wsLog.Debug().Err(err).Msg("ws read loop end")
				return
			}
			if msgType == websocket.TextMessage && strings.EqualFold(strings.TrimSpace(string(data)), "ping") {
				fw.pool.SendToOne(conn, []byte(`{"event":"pong"}`))
			}
		}
	}()
	return nil
}

// ConnectionCount reports the observers attached to a conversation.
func (h *StreamHub) ConnectionCount(convID string) int {
	h.mu.Lock()
	fw := h.forwarders[relay.ChannelForConversation(convID)]
	h.mu.Unlock()
	if fw == nil {
		return 0
	}
	return fw.pool.Count()
}

// join adds conn to the channel's pool, subscribing first if needed. Holding h.mu keeps an
// idle eviction from racing the add.
func (h *StreamHub) join(channel string, conn *websocket.Conn) (*forwarder, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if fw, ok := h.forwarders[channel]; ok {
		fw.pool.Add(conn)
		return fw, nil
	}
	ctx, cancel := context.WithCancel(h.baseCtx)
	msgs, err := h.backend.Subscribe(ctx, channel)
	if err != nil {
		cancel()
		return nil, errors.Wrapf(err, "subscribe %s", channel)
	}
	fw := &forwarder{channel: channel, cancel: cancel, done: make(chan struct{})}
	fw.pool = NewConnectionPool(channel, h.idleTimeout, func() { h.evict(channel, fw) })
	fw.pool.Add(conn)
	h.forwarders[channel] = fw

	go h.consume(ctx, fw, msgs)
	go h.ping(ctx, fw)
	return fw, nil
}

func (h *StreamHub) consume(ctx context.Context, fw *forwarder, msgs <-chan *message.Message) {
	defer close(fw.done)
	lg := h.logger.With().Str("component", "webchat").Str("channel", fw.channel).Logger()
	lg.Debug().Msg("stream forwarder started")
	for {
		select {
		case <-ctx.Done():
			lg.Debug().Msg("stream forwarder stopped")
			return
		case msg, ok := <-msgs:
			if !ok {
				lg.Debug().Msg("stream forwarder subscription closed")
				return
			}
			p, err := eventbus.DecodeMessage(msg)
			if err != nil {
				lg.Warn().Err(err).Msg("stream forwarder: failed to decode event")
				msg.Ack()
				continue
			}
			frame, err := json.Marshal(Frame{Event: relay.EventName, Channel: fw.channel, Data: p})
			if err == nil {
				fw.pool.Broadcast(frame)
			}
			msg.Ack()
		}
	}
}

// ping keeps idle websocket observers alive with control frames.
func (h *StreamHub) ping(ctx context.Context, fw *forwarder) {
	ticker := time.NewTicker(h.pingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if n := fw.pool.Ping(); n > 0 {
				metrics.Heartbeats.Add(float64(n))
			}
		}
	}
}

func (h *StreamHub) evict(channel string, fw *forwarder) {
	h.mu.Lock()
	if cur, ok := h.forwarders[channel]; !ok || cur != fw || fw.pool.Count() != 0 {
		h.mu.Unlock()
		return
	}
	delete(h.forwarders, channel)
	h.mu.Unlock()
	fw.cancel()
	h.logger.Debug().Str("component", "webchat").Str("channel", channel).Msg("evicted idle stream forwarder")
}

// Close drops every observer and subscription.
func (h *StreamHub) Close() {
	h.mu.Lock()
	fws := h.forwarders
	h.forwarders = map[string]*forwarder{}
	h.mu.Unlock()
	for _, fw := range fws {
		fw.cancel()
		fw.pool.CloseAll()
		<-fw.done
	}
}
