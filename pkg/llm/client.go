// Package llm opens TokenSources against a chat-completion backend.
package llm

import (
	"context"

	"github.com/go-go-golems/chatrelay/pkg/relay"
)

const (
	DefaultModel       = "meta-llama/llama-3.2-11b-vision-instruct:free"
	DefaultTemperature = 0.7
	DefaultBaseURL     = "https://openrouter.ai/api/v1"
)

// Message is one {role, content} turn sent upstream.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// Request parameterizes a single streamed completion.
type Request struct {
	Model       string
	Messages    []Message
	Temperature float32
}

// Client opens a streamed completion. The returned source is bound to ctx: cancelling ctx
// unblocks a pending Next.
type Client interface {
	Stream(ctx context.Context, req Request) (relay.TokenSource, error)
}

// ClientFunc adapts a function to Client.
type ClientFunc func(ctx context.Context, req Request) (relay.TokenSource, error)

func (f ClientFunc) Stream(ctx context.Context, req Request) (relay.TokenSource, error) {
	return f(ctx, req)
}

func normalizeRequest(req Request) Request {
	if req.Model == "" {
		req.Model = DefaultModel
	}
	if req.Temperature == 0 {
		req.Temperature = DefaultTemperature
	}
	return req
}
