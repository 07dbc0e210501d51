// Package title regenerates conversation titles by streaming a short summarization through a
// nested ThrottledRelay.
package title

import (
	"context"
	"strings"
	"sync/atomic"

	"github.com/pkg/errors"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/go-go-golems/chatrelay/pkg/llm"
	"github.com/go-go-golems/chatrelay/pkg/metrics"
	"github.com/go-go-golems/chatrelay/pkg/persistence/chatstore"
	"github.com/go-go-golems/chatrelay/pkg/relay"
)

type State int32

const (
	StateIdle State = iota
	StateDeciding
	StateRunning
	StateDone
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateDeciding:
		return "deciding"
	case StateRunning:
		return "running"
	case StateDone:
		return "done"
	default:
		return "unknown"
	}
}

// Store is the slice of chatstore the title relay reads and writes.
type Store interface {
	RecentMessages(ctx context.Context, convID string, n int) ([]chatstore.MessageRecord, error)
	UpdateTitle(ctx context.Context, convID string, title string) error
	TouchActivity(ctx context.Context, convID string) error
}

// Input describes the conversation right after an assistant turn completed.
type Input struct {
	ConvID       string
	Channel      string
	CurrentTitle string
	MessageCount int
}

// Outcome reports what a title run did.
type Outcome struct {
	Ran       bool
	Title     string
	Persisted bool
	Err       error
}

// Relay is the title state machine. It composes a ThrottledRelay tagged with KindTitleProgress.
// A Relay handles one run at a time.
type Relay struct {
	relay         *relay.ThrottledRelay
	client        llm.Client
	store         Store
	model         string
	counter       TokenCounter
	contextTokens int
	logger        zerolog.Logger

	state atomic.Int32
}

type Option func(*Relay)

func WithModel(model string) Option {
	return func(r *Relay) { r.model = model }
}

// WithTokenBudget caps the excerpt sent for summarization. Zero disables truncation.
func WithTokenBudget(counter TokenCounter, maxTokens int) Option {
	return func(r *Relay) {
		r.counter = counter
		r.contextTokens = maxTokens
	}
}

func WithLogger(l zerolog.Logger) Option {
	return func(r *Relay) { r.logger = l }
}

func NewRelay(base *relay.ThrottledRelay, client llm.Client, store Store, opts ...Option) (*Relay, error) {
	if client == nil {
		return nil, errors.New("title relay: llm client is nil")
	}
	if store == nil {
		return nil, errors.New("title relay: store is nil")
	}
	if base == nil {
		base = relay.NewThrottledRelay()
	}
	r := &Relay{
		relay:  base.With(relay.WithKind(relay.KindTitleProgress), relay.WithFlushHook(nil)),
		client: client,
		store:  store,
		model:  llm.DefaultModel,
		logger: log.Logger,
	}
	for _, o := range opts {
		o(r)
	}
	return r, nil
}

func (r *Relay) State() State { return State(r.state.Load()) }

func (r *Relay) setState(s State) { r.state.Store(int32(s)) }

// Run decides whether a title is due and, if so, streams, sanitizes and persists it.
// Failures are contained: they are logged and reported in Outcome.Err, never returned.
func (r *Relay) Run(ctx context.Context, in Input, sink relay.EventSink) Outcome {
	lg := r.logger.With().Str("component", "title").Str("conv_id", in.ConvID).Logger()

	r.setState(StateDeciding)
	if !ShouldGenerate(in.CurrentTitle, in.MessageCount) {
		r.setState(StateDone)
		metrics.TitleRuns.WithLabelValues("skipped").Inc()
		lg.Debug().Int("count", in.MessageCount).Msg("title up to date")
		return Outcome{}
	}

	r.setState(StateRunning)
	out := Outcome{Ran: true}
	defer r.setState(StateDone)

	excerpt, err := r.excerpt(ctx, in.ConvID)
	if err != nil {
		return r.contain(ctx, lg, in, out, err)
	}
	src, err := r.client.Stream(ctx, llm.Request{
		Model:    r.model,
		Messages: []llm.Message{{Role: string(chatstore.RoleUser), Content: Prompt(excerpt)}},
	})
	if err != nil {
		return r.contain(ctx, lg, in, out, err)
	}
	defer func() { _ = src.Close() }()

	held := holdTerminal{inner: sink}
	res, err := r.relay.Run(ctx, src, in.Channel, held)
	if err != nil {
		return r.contain(ctx, lg, in, out, err)
	}
	if res.Aborted {
		metrics.TitleRuns.WithLabelValues("aborted").Inc()
		r.touch(ctx, lg, in.ConvID)
		return out
	}

	out.Title = Sanitize(res.Text)
	if out.Title == "" {
		metrics.TitleRuns.WithLabelValues("empty").Inc()
		lg.Info().Str("raw", res.Text).Msg("generated title is empty after sanitizing")
		r.touch(ctx, lg, in.ConvID)
		return out
	}
	if err := r.store.UpdateTitle(ctx, in.ConvID, out.Title); err != nil {
		return r.contain(ctx, lg, in, out, errors.Wrap(err, "persist title"))
	}
	out.Persisted = true
	if err := sink.Publish(ctx, relay.StreamEvent{
		Channel:    in.Channel,
		Kind:       relay.KindTitleProgress,
		Content:    out.Title,
		IsComplete: true,
	}); err != nil {
		lg.Warn().Err(err).Msg("title publish failed")
	}
	metrics.TitleRuns.WithLabelValues("updated").Inc()
	lg.Info().Str("title", out.Title).Msg("conversation title updated")
	return out
}

func (r *Relay) excerpt(ctx context.Context, convID string) (string, error) {
	msgs, err := r.store.RecentMessages(ctx, convID, ContextMessages)
	if err != nil {
		return "", errors.Wrap(err, "load recent messages")
	}
	parts := make([]string, 0, len(msgs))
	for _, m := range msgs {
		if strings.TrimSpace(m.Content) == "" {
			continue
		}
		parts = append(parts, string(m.Role)+": "+m.Content)
	}
	return keepTail(r.counter, strings.Join(parts, "\n"), r.contextTokens), nil
}

func (r *Relay) contain(ctx context.Context, lg zerolog.Logger, in Input, out Outcome, err error) Outcome {
	out.Err = &relay.StreamError{Kind: relay.TitleGenerationError, Channel: in.Channel, Err: err}
	metrics.TitleRuns.WithLabelValues("failed").Inc()
	lg.Error().Err(err).Msg("title generation failed")
	r.touch(ctx, lg, in.ConvID)
	return out
}

func (r *Relay) touch(ctx context.Context, lg zerolog.Logger, convID string) {
	if err := r.store.TouchActivity(context.WithoutCancel(ctx), convID); err != nil {
		lg.Warn().Err(err).Msg("touch activity failed")
	}
}

// holdTerminal forwards progress and error events but swallows the successful terminal event,
// which the title relay replaces with the sanitized title.
type holdTerminal struct {
	inner relay.EventSink
}

func (h holdTerminal) Publish(ctx context.Context, ev relay.StreamEvent) error {
	if ev.IsComplete && !ev.IsError {
		return nil
	}
	return h.inner.Publish(ctx, ev)
}
