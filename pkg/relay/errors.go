package relay

import (
	"context"
	stderrors "errors"
	"strings"

	"github.com/pkg/errors"
)

// ErrClientDisconnected is the cancellation cause used when the subscriber closes its end.
// A run aborted with this cause is not an error.
var ErrClientDisconnected = errors.New("client disconnected")

// ErrorKind classifies failures surfaced by a relay run.
type ErrorKind string

const (
	SourceError          ErrorKind = "source"
	TimeoutError         ErrorKind = "timeout"
	TitleGenerationError ErrorKind = "title"
)

// StreamError wraps a failure raised by a TokenSource mid-stream.
type StreamError struct {
	Kind    ErrorKind
	Channel string
	Err     error
}

func (e *StreamError) Error() string {
	if e == nil {
		return ""
	}
	return string(e.Kind) + " error on " + e.Channel + ": " + e.Err.Error()
}

func (e *StreamError) Unwrap() error { return e.Err }

// ClassifyError maps an arbitrary failure to an ErrorKind.
func ClassifyError(err error) ErrorKind {
	if err == nil {
		return ""
	}
	var se *StreamError
	if stderrors.As(err, &se) && se != nil && se.Kind != "" {
		return se.Kind
	}
	if stderrors.Is(err, context.DeadlineExceeded) {
		return TimeoutError
	}
	msg := strings.ToLower(err.Error())
	if strings.Contains(msg, "timeout") || strings.Contains(msg, "timed out") {
		return TimeoutError
	}
	return SourceError
}

// IsTimeout reports whether err should be surfaced as a request timeout.
func IsTimeout(err error) bool { return ClassifyError(err) == TimeoutError }

// ErrorDescription is the human-readable content of a terminal error event.
func ErrorDescription(err error) string {
	if err == nil {
		return "Erreur"
	}
	return "Erreur: " + err.Error()
}
