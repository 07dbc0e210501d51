// Package webchat serves streamed chat conversations over HTTP.
//
// Ownership model:
//   - ChatService runs one assistant turn per request: it records the user turn, relays the completion
//     through a ThrottledRelay guarded by a KeepaliveGuard, persists the reply and runs the title pass.
//   - StreamHub forwards conversation channels from the event bus to websocket observers, one
//     ConnectionPool per channel.
//   - API exposes conversations, messages, SSE streaming and the websocket endpoint.
//
// Recommended setup:
//   - Build a Server with NewServer from a config.Config and call Run.
//   - Tests and embedders can inject the store, backend and LLM client with RouterOptions.
package webchat
