package relay

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"

	"github.com/go-go-golems/chatrelay/pkg/metrics"
)

const DefaultLivenessWindow = 5 * time.Second

// KeepaliveGuard runs alongside a relay: it writes transport heartbeats while the run is
// idle and turns a client disconnect into a silent abort of the run.
type KeepaliveGuard struct {
	window     time.Duration
	checkEvery time.Duration
	hb         Heartbeater
	logger     zerolog.Logger
}

type GuardOption func(*KeepaliveGuard)

func WithLivenessWindow(d time.Duration) GuardOption {
	return func(g *KeepaliveGuard) {
		if d > 0 {
			g.window = d
		}
	}
}

// WithCheckInterval controls how often idleness is evaluated. Defaults to a fifth of the window.
func WithCheckInterval(d time.Duration) GuardOption {
	return func(g *KeepaliveGuard) {
		if d > 0 {
			g.checkEvery = d
		}
	}
}

func WithGuardLogger(l zerolog.Logger) GuardOption {
	return func(g *KeepaliveGuard) { g.logger = l }
}

func NewKeepaliveGuard(hb Heartbeater, opts ...GuardOption) *KeepaliveGuard {
	if hb == nil {
		hb = NoHeartbeat
	}
	g := &KeepaliveGuard{
		window: DefaultLivenessWindow,
		hb:     hb,
		logger: log.Logger,
	}
	for _, o := range opts {
		o(g)
	}
	if g.checkEvery <= 0 {
		g.checkEvery = g.window / 5
		if g.checkEvery <= 0 {
			g.checkEvery = g.window
		}
	}
	return g
}

// activitySink records the time of the last publish so the guard knows when the line went quiet.
type activitySink struct {
	inner EventSink
	last  atomic.Int64
}

func (s *activitySink) touch() { s.last.Store(time.Now().UnixNano()) }

func (s *activitySink) idleFor(now time.Time) time.Duration {
	return now.Sub(time.Unix(0, s.last.Load()))
}

func (s *activitySink) Publish(ctx context.Context, ev StreamEvent) error {
	err := s.inner.Publish(ctx, ev)
	s.touch()
	return err
}

// Guard runs fn with a context that is cancelled with cause ErrClientDisconnected as soon as
// disconnect fires (or a heartbeat cannot be written). fn must publish through the sink it is
// handed so that data events reset the liveness window.
func (g *KeepaliveGuard) Guard(
	ctx context.Context,
	disconnect <-chan struct{},
	sink EventSink,
	fn func(ctx context.Context, sink EventSink) error,
) error {
	runCtx, cancel := context.WithCancelCause(ctx)
	defer cancel(nil)

	tracked := &activitySink{inner: sink}
	tracked.touch()

	done := make(chan struct{})
	eg := errgroup.Group{}
	eg.Go(func() error {
		g.watch(runCtx, cancel, disconnect, tracked, done)
		return nil
	})

	err := fn(runCtx, tracked)
	close(done)
	_ = eg.Wait()
	return err
}

func (g *KeepaliveGuard) watch(
	ctx context.Context,
	cancel context.CancelCauseFunc,
	disconnect <-chan struct{},
	tracked *activitySink,
	done <-chan struct{},
) {
	ticker := time.NewTicker(g.checkEvery)
	defer ticker.Stop()
	for {
		select {
		case <-done:
			return
		case <-ctx.Done():
			return
		case <-disconnect:
			metrics.Disconnects.Inc()
			g.logger.Info().Str("component", "keepalive").Msg("client disconnected, aborting relay")
			cancel(ErrClientDisconnected)
			return
		case now := <-ticker.C:
			if tracked.idleFor(now) < g.window {
				continue
			}
			if err := g.hb.Heartbeat(ctx); err != nil {
				metrics.Disconnects.Inc()
				g.logger.Info().Err(err).Str("component", "keepalive").Msg("heartbeat failed, aborting relay")
				cancel(ErrClientDisconnected)
				return
			}
			metrics.Heartbeats.Inc()
			tracked.touch()
		}
	}
}
