package relay

import (
	"context"
	"io"
)

// TokenSource is a pull-based, finite, non-restartable sequence of text fragments.
// Next returns io.EOF once the completion is exhausted. Next may block for an
// arbitrary amount of time and must return when ctx is done.
type TokenSource interface {
	Next(ctx context.Context) (string, error)
	Close() error
}

// SliceSource replays a fixed list of fragments, optionally failing at the end.
type SliceSource struct {
	fragments []string
	failWith  error
	pos       int
}

func NewSliceSource(fragments ...string) *SliceSource {
	return &SliceSource{fragments: append([]string(nil), fragments...)}
}

// FailAfter makes the source return err once all fragments were handed out.
func (s *SliceSource) FailAfter(err error) *SliceSource {
	s.failWith = err
	return s
}

func (s *SliceSource) Next(ctx context.Context) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	if s.pos >= len(s.fragments) {
		if s.failWith != nil {
			return "", s.failWith
		}
		return "", io.EOF
	}
	f := s.fragments[s.pos]
	s.pos++
	return f, nil
}

func (s *SliceSource) Close() error { return nil }
