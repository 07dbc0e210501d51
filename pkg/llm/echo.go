package llm

import (
	"context"
	"io"
	"strings"
	"time"

	"github.com/go-go-golems/chatrelay/pkg/relay"
)

// EchoClient streams the last user turn back word by word. Used for local runs without an API key.
type EchoClient struct {
	// Delay is the pause before each fragment.
	Delay time.Duration
}

var _ Client = EchoClient{}

func (c EchoClient) Stream(_ context.Context, req Request) (relay.TokenSource, error) {
	last := ""
	for i := len(req.Messages) - 1; i >= 0; i-- {
		if req.Messages[i].Role == "user" {
			last = req.Messages[i].Content
			break
		}
	}
	return &echoSource{words: splitKeepSpaces(last), delay: c.Delay}, nil
}

type echoSource struct {
	words []string
	delay time.Duration
	pos   int
}

func (s *echoSource) Next(ctx context.Context) (string, error) {
	if s.pos >= len(s.words) {
		return "", io.EOF
	}
	if s.delay > 0 {
		t := time.NewTimer(s.delay)
		select {
		case <-ctx.Done():
			t.Stop()
			return "", ctx.Err()
		case <-t.C:
		}
	} else if err := ctx.Err(); err != nil {
		return "", err
	}
	w := s.words[s.pos]
	s.pos++
	return w, nil
}

func (s *echoSource) Close() error { return nil }

// splitKeepSpaces splits "a b c" into "a", " b", " c".
func splitKeepSpaces(s string) []string {
	fields := strings.Fields(s)
	for i := 1; i < len(fields); i++ {
		fields[i] = " " + fields[i]
	}
	return fields
}
