package errors

import (
	stderrors "errors"
	"fmt"
	"path/filepath"
	"runtime"
)

var (
	// ErrAborted is the failure delivered to the consumer of a loop run
	// once its cancellation signal has been set.
	ErrAborted = stderrors.New("agent loop aborted")

	// ErrEmptyMessage is returned when appending a message without content.
	ErrEmptyMessage = stderrors.New("message content must not be empty")

	// ErrBusy is returned when an engine is asked to drive a second loop run
	// while another one is still in flight.
	ErrBusy = stderrors.New("agent is already running a loop")
)

// New creates a new error with file and line number information.
func New(format string, a ...interface{}) error {
	return fmt.Errorf("[%s] %s", caller(), fmt.Sprintf(format, a...))
}

// Wrapf adds context (including file and line number) to an existing error.
// If the provided error is nil, Wrapf returns nil.
func Wrapf(err error, format string, a ...interface{}) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("[%s] %s: %w", caller(), fmt.Sprintf(format, a...), err)
}

func caller() string {
	_, file, line, ok := runtime.Caller(2)
	if !ok {
		return "???:0"
	}
	return fmt.Sprintf("%s:%d", filepath.Base(file), line)
}

// Is, As and Join forward to the standard library so callers only need to
// import this package.
func Is(err, target error) bool { return stderrors.Is(err, target) }

func As(err error, target any) bool { return stderrors.As(err, target) }

func Join(errs ...error) error { return stderrors.Join(errs...) }

// ProtocolError reports a stream event sequence that violates the event
// grammar. It is fatal to the loop run that produced it.
type ProtocolError struct {
	Index  int64
	Reason string
}

func (e *ProtocolError) Error() string {
	if e.Index < 0 {
		return fmt.Sprintf("stream protocol violation: %s", e.Reason)
	}
	return fmt.Sprintf("stream protocol violation at block %d: %s", e.Index, e.Reason)
}

// MalformedToolInputError carries the raw input buffer of a tool call that
// could not be parsed once its block closed. The orchestrator recovers it as
// an error-flagged tool result.
type MalformedToolInputError struct {
	ToolName string
	Raw      string
	Err      error
}

func (e *MalformedToolInputError) Error() string {
	return fmt.Sprintf("malformed input for tool '%s': %v", e.ToolName, e.Err)
}

func (e *MalformedToolInputError) Unwrap() error { return e.Err }

// TransportError wraps a failure of the completion provider below the
// stream decoder: connection errors, HTTP errors, broken streams.
type TransportError struct {
	Provider string
	Err      error
}

func (e *TransportError) Error() string {
	if e.Provider == "" {
		return fmt.Sprintf("transport error: %v", e.Err)
	}
	return fmt.Sprintf("%s transport error: %v", e.Provider, e.Err)
}

func (e *TransportError) Unwrap() error { return e.Err }

// IsFatal reports whether err must abort a loop run. Malformed tool input is
// the only decode failure a run survives.
func IsFatal(err error) bool {
	if err == nil {
		return false
	}
	var malformed *MalformedToolInputError
	return !As(err, &malformed)
}
