package relay

import (
	"context"
	stderrors "errors"
	"io"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/go-go-golems/chatrelay/pkg/metrics"
)

const (
	DefaultFlushInterval = 100 * time.Millisecond
	DefaultFragmentDelay = 100 * time.Millisecond
)

// Clock abstracts time for the flush throttle.
type Clock interface {
	Now() time.Time
}

type systemClock struct{}

func (systemClock) Now() time.Time { return time.Now() }

// Result is what a run hands back to its caller once it stops.
type Result struct {
	// Text is the AssembledText: every fragment seen, in order.
	Text string
	// Events counts the events published, terminal included.
	Events int
	// Aborted is set when the run stopped because its context was cancelled
	// (client disconnect). No terminal event was emitted in that case.
	Aborted bool
}

// FlushHook observes the cumulative text after each progress flush.
type FlushHook func(ctx context.Context, flushed string)

// ThrottledRelay drains a TokenSource into coalesced progress events plus one terminal event.
// A ThrottledRelay carries configuration only and can be reused across runs.
type ThrottledRelay struct {
	flushInterval time.Duration
	fragmentDelay time.Duration
	kind          Kind
	clock         Clock
	onFlush       FlushHook
	logger        zerolog.Logger
}

type Option func(*ThrottledRelay)

func WithFlushInterval(d time.Duration) Option {
	return func(r *ThrottledRelay) {
		if d >= 0 {
			r.flushInterval = d
		}
	}
}

// WithFragmentDelay sets the pause inserted after every fragment. Zero disables it.
func WithFragmentDelay(d time.Duration) Option {
	return func(r *ThrottledRelay) {
		if d >= 0 {
			r.fragmentDelay = d
		}
	}
}

func WithKind(k Kind) Option {
	return func(r *ThrottledRelay) { r.kind = k }
}

func WithClock(c Clock) Option {
	return func(r *ThrottledRelay) {
		if c != nil {
			r.clock = c
		}
	}
}

func WithFlushHook(h FlushHook) Option {
	return func(r *ThrottledRelay) { r.onFlush = h }
}

func WithLogger(l zerolog.Logger) Option {
	return func(r *ThrottledRelay) { r.logger = l }
}

func NewThrottledRelay(opts ...Option) *ThrottledRelay {
	r := &ThrottledRelay{
		flushInterval: DefaultFlushInterval,
		fragmentDelay: DefaultFragmentDelay,
		kind:          KindProgress,
		clock:         systemClock{},
		logger:        log.Logger,
	}
	for _, o := range opts {
		o(r)
	}
	return r
}

// With returns a copy of the relay with extra options applied.
func (r *ThrottledRelay) With(opts ...Option) *ThrottledRelay {
	cp := *r
	for _, o := range opts {
		o(&cp)
	}
	return &cp
}

func (r *ThrottledRelay) Kind() Kind { return r.kind }

type run struct {
	r       *ThrottledRelay
	channel string
	sink    EventSink
	logger  zerolog.Logger

	assembled strings.Builder
	buffer    strings.Builder
	lastFlush time.Time
	events    int
}

// Run drains source and publishes to sink on channel until the source is exhausted,
// fails, or ctx is cancelled.
//
// On a source failure a terminal error event is published and the failure is returned
// as a *StreamError together with the partial result. Cancellation of ctx aborts the
// run silently: no further pulls, no terminal event, nil error. A ctx deadline is a
// TimeoutError.
func (r *ThrottledRelay) Run(ctx context.Context, source TokenSource, channel string, sink EventSink) (Result, error) {
	st := &run{
		r:         r,
		channel:   channel,
		sink:      sink,
		logger:    r.logger.With().Str("component", "relay").Str("channel", channel).Str("kind", string(r.kind)).Logger(),
		lastFlush: r.clock.Now(),
	}
	started := time.Now()
	defer func() {
		metrics.RelayDuration.WithLabelValues(string(r.kind)).Observe(time.Since(started).Seconds())
	}()

	for {
		if ctx.Err() != nil {
			if stderrors.Is(ctx.Err(), context.DeadlineExceeded) {
				return st.fail(ctx, ctx.Err())
			}
			return st.abort(ctx), nil
		}
		frag, err := source.Next(ctx)
		if stderrors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			if ctx.Err() != nil && !stderrors.Is(ctx.Err(), context.DeadlineExceeded) {
				return st.abort(ctx), nil
			}
			return st.fail(ctx, err)
		}
		if frag == "" {
			continue
		}
		st.assembled.WriteString(frag)
		st.buffer.WriteString(frag)

		if now := r.clock.Now(); now.Sub(st.lastFlush) >= r.flushInterval {
			st.flush(ctx)
			st.lastFlush = now
		}

		if r.fragmentDelay > 0 {
			t := time.NewTimer(r.fragmentDelay)
			select {
			case <-ctx.Done():
				t.Stop()
			case <-t.C:
			}
		}
	}

	st.flush(ctx)
	st.publish(ctx, StreamEvent{
		Channel:    channel,
		Kind:       r.kind,
		Content:    st.assembled.String(),
		IsComplete: true,
	})
	metrics.RelayRuns.WithLabelValues(string(r.kind), "complete").Inc()
	st.logger.Debug().Int("events", st.events).Int("len", st.assembled.Len()).Msg("relay complete")
	return st.result(false), nil
}

func (st *run) flush(ctx context.Context) {
	if st.buffer.Len() == 0 {
		return
	}
	st.publish(ctx, StreamEvent{
		Channel: st.channel,
		Kind:    st.r.kind,
		Content: st.buffer.String(),
	})
	st.buffer.Reset()
	if st.r.onFlush != nil {
		st.r.onFlush(ctx, st.assembled.String())
	}
}

func (st *run) publish(ctx context.Context, ev StreamEvent) {
	st.events++
	if err := st.sink.Publish(ctx, ev); err != nil {
		metrics.PublishFailures.WithLabelValues(string(ev.Kind)).Inc()
		st.logger.Warn().Err(err).Bool("complete", ev.IsComplete).Msg("relay publish failed")
		return
	}
	metrics.EventsPublished.WithLabelValues(string(ev.Kind), eventOutcome(ev)).Inc()
}

func (st *run) fail(ctx context.Context, err error) (Result, error) {
	// the terminal event must go out even when ctx already hit its deadline
	pubCtx := context.WithoutCancel(ctx)
	se := &StreamError{Kind: ClassifyError(err), Channel: st.channel, Err: err}
	st.publish(pubCtx, StreamEvent{
		Channel:    st.channel,
		Kind:       st.r.kind,
		Content:    ErrorDescription(err),
		IsComplete: true,
		IsError:    true,
	})
	metrics.RelayRuns.WithLabelValues(string(st.r.kind), "error").Inc()
	st.logger.Error().Err(err).Str("error_kind", string(se.Kind)).Int("len", st.assembled.Len()).Msg("relay source failed")
	return st.result(false), se
}

func (st *run) abort(ctx context.Context) Result {
	metrics.RelayRuns.WithLabelValues(string(st.r.kind), "aborted").Inc()
	st.logger.Info().AnErr("cause", context.Cause(ctx)).Int("len", st.assembled.Len()).Msg("relay aborted")
	return st.result(true)
}

func (st *run) result(aborted bool) Result {
	return Result{Text: st.assembled.String(), Events: st.events, Aborted: aborted}
}

func eventOutcome(ev StreamEvent) string {
	switch {
	case ev.IsError:
		return "error"
	case ev.IsComplete:
		return "complete"
	default:
		return "progress"
	}
}
