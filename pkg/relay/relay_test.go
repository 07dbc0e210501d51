package relay

import (
	"context"
	"io"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/require"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2024, 11, 3, 10, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

type timedEvent struct {
	ev StreamEvent
	at time.Time
}

type recordingSink struct {
	mu     sync.Mutex
	clock  Clock
	events []timedEvent
}

func (s *recordingSink) Publish(_ context.Context, ev StreamEvent) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	at := time.Time{}
	if s.clock != nil {
		at = s.clock.Now()
	}
	s.events = append(s.events, timedEvent{ev: ev, at: at})
	return nil
}

func (s *recordingSink) Events() []StreamEvent {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]StreamEvent, 0, len(s.events))
	for _, e := range s.events {
		out = append(out, e.ev)
	}
	return out
}

// steppedSource advances the fake clock by steps[i] before handing out fragment i.
type steppedSource struct {
	clock     *fakeClock
	fragments []string
	steps     []time.Duration
	pos       int
	err       error
}

func (s *steppedSource) Next(ctx context.Context) (string, error) {
	if s.pos >= len(s.fragments) {
		if s.err != nil {
			return "", s.err
		}
		return "", io.EOF
	}
	if s.pos < len(s.steps) {
		s.clock.Advance(s.steps[s.pos])
	}
	f := s.fragments[s.pos]
	s.pos++
	return f, nil
}

func (s *steppedSource) Close() error { return nil }

func newTestRelay(clock Clock, opts ...Option) *ThrottledRelay {
	base := []Option{WithClock(clock), WithFragmentDelay(0), WithFlushInterval(100 * time.Millisecond)}
	return NewThrottledRelay(append(base, opts...)...)
}

func terminalEvents(evs []StreamEvent) []StreamEvent {
	var out []StreamEvent
	for _, e := range evs {
		if e.IsComplete {
			out = append(out, e)
		}
	}
	return out
}

func TestRun_CoalescesFragmentsWithinOneInterval(t *testing.T) {
	clock := newFakeClock()
	sink := &recordingSink{clock: clock}
	src := &steppedSource{
		clock:     clock,
		fragments: []string{"Bon", "jour", " à", " tous"},
		steps:     []time.Duration{5 * time.Millisecond, 5 * time.Millisecond, 5 * time.Millisecond, 5 * time.Millisecond},
	}

	res, err := newTestRelay(clock).Run(context.Background(), src, "chat.1", sink)
	require.NoError(t, err)
	require.Equal(t, "Bonjour à tous", res.Text)
	require.False(t, res.Aborted)

	evs := sink.Events()
	require.Len(t, evs, 2)
	require.Equal(t, StreamEvent{Channel: "chat.1", Kind: KindProgress, Content: "Bonjour à tous"}, evs[0])
	require.Equal(t, StreamEvent{Channel: "chat.1", Kind: KindProgress, Content: "Bonjour à tous", IsComplete: true}, evs[1])
}

func TestRun_ReconstructsFullTextFromDeltas(t *testing.T) {
	clock := newFakeClock()
	sink := &recordingSink{clock: clock}
	fragments := []string{"Il ", "était ", "une ", "fois ", "", "un ", "petit ", "relais ", "de ", "jetons."}
	steps := []time.Duration{
		10 * time.Millisecond, 120 * time.Millisecond, 30 * time.Millisecond, 30 * time.Millisecond, 0,
		50 * time.Millisecond, 200 * time.Millisecond, 99 * time.Millisecond, 1 * time.Millisecond, 10 * time.Millisecond,
	}
	src := &steppedSource{clock: clock, fragments: fragments, steps: steps}

	res, err := newTestRelay(clock).Run(context.Background(), src, "chat.2", sink)
	require.NoError(t, err)

	var rebuilt strings.Builder
	var progress []timedEvent
	for _, e := range sink.events {
		if !e.ev.IsComplete {
			rebuilt.WriteString(e.ev.Content)
			progress = append(progress, e)
		}
	}
	terms := terminalEvents(sink.Events())
	require.Len(t, terms, 1)
	require.Equal(t, terms[0].Content, rebuilt.String())
	require.Equal(t, strings.Join(fragments, ""), res.Text)
	require.Equal(t, len(sink.events), res.Events)

	// every progress event but the pre-terminal flush respects the interval
	require.GreaterOrEqual(t, len(progress), 2)
	for i := 1; i < len(progress)-1; i++ {
		require.GreaterOrEqual(t, progress[i].at.Sub(progress[i-1].at), 100*time.Millisecond)
	}
}

func TestRun_FlushesAtExactBoundary(t *testing.T) {
	clock := newFakeClock()
	sink := &recordingSink{clock: clock}
	src := &steppedSource{
		clock:     clock,
		fragments: []string{"a", "b"},
		steps:     []time.Duration{100 * time.Millisecond, 10 * time.Millisecond},
	}

	_, err := newTestRelay(clock).Run(context.Background(), src, "chat.3", sink)
	require.NoError(t, err)

	evs := sink.Events()
	require.Len(t, evs, 3)
	require.Equal(t, "a", evs[0].Content)
	require.Equal(t, "b", evs[1].Content)
	require.Equal(t, "ab", evs[2].Content)
	require.True(t, evs[2].IsComplete)
}

func TestRun_EmptySourceStillCompletes(t *testing.T) {
	sink := &recordingSink{}
	res, err := newTestRelay(newFakeClock()).Run(context.Background(), NewSliceSource(), "chat.4", sink)
	require.NoError(t, err)
	require.Equal(t, "", res.Text)
	require.Equal(t, []StreamEvent{{Channel: "chat.4", Kind: KindProgress, IsComplete: true}}, sink.Events())
}

func TestRun_SourceErrorEmitsOneTerminalErrorAndReturns(t *testing.T) {
	sink := &recordingSink{}
	src := NewSliceSource("Désolé, ").FailAfter(errors.New("upstream reset"))

	res, err := newTestRelay(newFakeClock()).Run(context.Background(), src, "chat.5", sink)
	require.Error(t, err)
	var se *StreamError
	require.True(t, errors.As(err, &se))
	require.Equal(t, SourceError, se.Kind)
	require.Equal(t, "Désolé, ", res.Text)

	terms := terminalEvents(sink.Events())
	require.Len(t, terms, 1)
	require.True(t, terms[0].IsError)
	require.True(t, terms[0].IsComplete)
	require.Equal(t, "Erreur: upstream reset", terms[0].Content)
	for _, e := range sink.Events() {
		if e.IsError {
			require.True(t, e.IsComplete)
		}
	}
}

func TestRun_DeadlineIsTimeoutError(t *testing.T) {
	sink := &recordingSink{}
	ctx, cancel := context.WithDeadline(context.Background(), time.Now().Add(-time.Second))
	defer cancel()

	_, err := newTestRelay(newFakeClock()).Run(ctx, NewSliceSource("x"), "chat.6", sink)
	require.Error(t, err)
	require.True(t, IsTimeout(err))
	terms := terminalEvents(sink.Events())
	require.Len(t, terms, 1)
	require.True(t, terms[0].IsError)
}

func TestRun_CancelledContextAbortsSilently(t *testing.T) {
	sink := &recordingSink{}
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	res, err := newTestRelay(newFakeClock()).Run(ctx, NewSliceSource("x", "y"), "chat.7", sink)
	require.NoError(t, err)
	require.True(t, res.Aborted)
	require.Empty(t, sink.Events())
}

func TestRun_FlushHookSeesCumulativeText(t *testing.T) {
	clock := newFakeClock()
	sink := &recordingSink{clock: clock}
	var seen []string
	r := newTestRelay(clock, WithFlushHook(func(_ context.Context, flushed string) {
		seen = append(seen, flushed)
	}))
	src := &steppedSource{
		clock:     clock,
		fragments: []string{"un", " deux", " trois"},
		steps:     []time.Duration{150 * time.Millisecond, 150 * time.Millisecond, 10 * time.Millisecond},
	}

	_, err := r.Run(context.Background(), src, "chat.8", sink)
	require.NoError(t, err)
	require.Equal(t, []string{"un", "un deux", "un deux trois"}, seen)
}

func TestRun_TitleKindTagsEveryEvent(t *testing.T) {
	sink := &recordingSink{}
	r := newTestRelay(newFakeClock()).With(WithKind(KindTitleProgress))

	_, err := r.Run(context.Background(), NewSliceSource("Plan", " de voyage"), "chat.9", sink)
	require.NoError(t, err)
	for _, e := range sink.Events() {
		require.True(t, e.IsTitle())
		require.True(t, e.Payload().IsTitle)
	}
}

func TestRun_PublishFailureDoesNotStopRun(t *testing.T) {
	calls := 0
	sink := EventSinkFunc(func(context.Context, StreamEvent) error {
		calls++
		return errors.New("broker unavailable")
	})
	res, err := newTestRelay(newFakeClock()).Run(context.Background(), NewSliceSource("a", "b"), "chat.10", sink)
	require.NoError(t, err)
	require.Equal(t, "ab", res.Text)
	require.Equal(t, 2, calls)
}

func TestRun_FragmentDelayIsApplied(t *testing.T) {
	sink := &recordingSink{}
	r := NewThrottledRelay(WithFragmentDelay(20 * time.Millisecond))
	start := time.Now()
	_, err := r.Run(context.Background(), NewSliceSource("a", "b", "c"), "chat.11", sink)
	require.NoError(t, err)
	require.GreaterOrEqual(t, time.Since(start), 60*time.Millisecond)
}

func TestClassifyError(t *testing.T) {
	require.Equal(t, TimeoutError, ClassifyError(context.DeadlineExceeded))
	require.Equal(t, TimeoutError, ClassifyError(errors.New("cURL error 28: Operation timed out")))
	require.Equal(t, SourceError, ClassifyError(errors.New("bad gateway")))
	require.Equal(t, TimeoutError, ClassifyError(errors.Wrap(&StreamError{Kind: TimeoutError, Err: errors.New("x")}, "wrapped")))
	require.Equal(t, ErrorKind(""), ClassifyError(nil))
}
