package webchat

import (
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

const wsWriteTimeout = 5 * time.Second

// ConnectionPool fans the frames of one conversation channel out to its websocket observers.
// Once the last observer leaves, onIdle runs after the idle timeout unless someone rejoins.
type ConnectionPool struct {
	channel string
	logger  zerolog.Logger

	mu        sync.Mutex
	observers map[*websocket.Conn]*observer
	linger    *time.Timer
	idleAfter time.Duration
	onIdle    func()
}

type observer struct {
	joined time.Time
	frames int
}

func NewConnectionPool(channel string, idleTimeout time.Duration, onIdle func()) *ConnectionPool {
	return &ConnectionPool{
		channel:   channel,
		logger:    log.Logger.With().Str("component", "ws_pool").Str("channel", channel).Logger(),
		observers: map[*websocket.Conn]*observer{},
		idleAfter: idleTimeout,
		onIdle:    onIdle,
	}
}

func (cp *ConnectionPool) Add(conn *websocket.Conn) {
	if conn == nil {
		return
	}
	cp.mu.Lock()
	defer cp.mu.Unlock()
	cp.observers[conn] = &observer{joined: time.Now()}
	cp.cancelLingerLocked()
}

// Remove closes conn and forgets it.
func (cp *ConnectionPool) Remove(conn *websocket.Conn) {
	if conn == nil {
		return
	}
	cp.mu.Lock()
	defer cp.mu.Unlock()
	cp.detachLocked(conn, nil)
}

// Broadcast writes data as one text frame to every observer. Observers whose write fails are detached.
func (cp *ConnectionPool) Broadcast(data []byte) {
	if len(data) == 0 {
		return
	}
	cp.mu.Lock()
	defer cp.mu.Unlock()
	for conn := range cp.observers {
		cp.writeLocked(conn, data)
	}
}

// SendToOne writes data to conn only if it still belongs to the pool.
func (cp *ConnectionPool) SendToOne(conn *websocket.Conn, data []byte) {
	if conn == nil || len(data) == 0 {
		return
	}
	cp.mu.Lock()
	defer cp.mu.Unlock()
	if _, ok := cp.observers[conn]; ok {
		cp.writeLocked(conn, data)
	}
}

// Ping writes a ping control frame to every observer and reports how many accepted it.
// This is the websocket form of the relay heartbeat.
func (cp *ConnectionPool) Ping() int {
	cp.mu.Lock()
	defer cp.mu.Unlock()
	alive := 0
	for conn := range cp.observers {
		if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(wsWriteTimeout)); err != nil {
			cp.detachLocked(conn, err)
			continue
		}
		alive++
	}
	return alive
}

func (cp *ConnectionPool) Count() int {
	cp.mu.Lock()
	defer cp.mu.Unlock()
	return len(cp.observers)
}

// CloseAll closes every observer without firing the idle callback.
func (cp *ConnectionPool) CloseAll() {
	cp.mu.Lock()
	defer cp.mu.Unlock()
	for conn := range cp.observers {
		_ = conn.Close()
	}
	clear(cp.observers)
	cp.cancelLingerLocked()
}

func (cp *ConnectionPool) writeLocked(conn *websocket.Conn, data []byte) {
	_ = conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
	if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
		cp.detachLocked(conn, err)
		return
	}
	cp.observers[conn].frames++
}

func (cp *ConnectionPool) detachLocked(conn *websocket.Conn, cause error) {
	if o, ok := cp.observers[conn]; ok {
		ev := cp.logger.Debug()
		if cause != nil {
			ev = cp.logger.Warn().Err(cause)
		}
		ev.Int("frames", o.frames).Dur("connected", time.Since(o.joined)).Msg("observer detached")
		delete(cp.observers, conn)
	}
	_ = conn.Close()
	if len(cp.observers) == 0 {
		cp.lingerLocked()
	}
}

func (cp *ConnectionPool) cancelLingerLocked() {
	if cp.linger != nil {
		cp.linger.Stop()
		cp.linger = nil
	}
}

// lingerLocked arms the idle callback. A non-positive timeout fires it right away.
func (cp *ConnectionPool) lingerLocked() {
	cp.cancelLingerLocked()
	if cp.onIdle == nil {
		return
	}
	if cp.idleAfter <= 0 {
		go cp.fireIdle()
		return
	}
	cp.linger = time.AfterFunc(cp.idleAfter, cp.fireIdle)
}

func (cp *ConnectionPool) fireIdle() {
	cp.mu.Lock()
	empty := len(cp.observers) == 0
	cp.linger = nil
	cp.mu.Unlock()
	if empty {
		cp.onIdle()
	}
}
