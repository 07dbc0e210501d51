package eventbus

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"sync"

	"github.com/pkg/errors"

	"github.com/go-go-golems/chatrelay/pkg/relay"
)

// PrepareSSE sets the response headers for an event stream and commits them.
func PrepareSSE(w http.ResponseWriter) {
	h := w.Header()
	h.Set("Content-Type", "text/event-stream")
	h.Set("Cache-Control", "no-cache")
	h.Set("Connection", "keep-alive")
	h.Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)
	if f, ok := w.(http.Flusher); ok {
		f.Flush()
	}
}

// SSESink writes StreamEvents as server-sent event frames. Heartbeats are comment lines.
type SSESink struct {
	mu sync.Mutex
	w  io.Writer
}

var (
	_ relay.EventSink   = (*SSESink)(nil)
	_ relay.Heartbeater = (*SSESink)(nil)
)

func NewSSESink(w io.Writer) *SSESink {
	return &SSESink{w: w}
}

func (s *SSESink) Publish(ctx context.Context, ev relay.StreamEvent) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	data, err := json.Marshal(ev.Payload())
	if err != nil {
		return errors.Wrap(err, "marshal stream event")
	}
	return s.write("event: " + relay.EventName + "\ndata: " + string(data) + "\n\n")
}

func (s *SSESink) Heartbeat(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return s.write(": keepalive\n\n")
}

func (s *SSESink) write(frame string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, err := io.WriteString(s.w, frame); err != nil {
		return errors.Wrap(err, "write sse frame")
	}
	if f, ok := s.w.(http.Flusher); ok {
		f.Flush()
	}
	return nil
}
