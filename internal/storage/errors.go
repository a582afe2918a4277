package storage

import (
	"errors"
	"fmt"
)

var (
	// ErrNothingToCompress means the pipeline found no eligible messages.
	// It is a no-op signal, not a failure.
	ErrNothingToCompress = errors.New("nothing to compress")

	// ErrCannotFit means every reduction strategy failed and the prompt
	// was not sent. A snapshot of the offending state was taken first.
	ErrCannotFit = errors.New("prompt cannot fit within context limit")

	// ErrStoreUnavailable wraps history or snapshot IO failures. The
	// orchestrator transitions the session to Fatal on it.
	ErrStoreUnavailable = errors.New("store unavailable")
)

// WouldExceedLimitError is returned when appending a message would push the
// active context past the effective limit. The caller must compress first.
type WouldExceedLimitError struct {
	By int
}

func (e *WouldExceedLimitError) Error() string {
	return fmt.Sprintf("adding message would exceed context limit by %d tokens", e.By)
}

// SummarizationFailureKind classifies why an LLM summarization call failed.
type SummarizationFailureKind string

const (
	FailureTransport SummarizationFailureKind = "transport"
	FailureEmpty     SummarizationFailureKind = "empty"
	FailureTimeout   SummarizationFailureKind = "timeout"
)

// SummarizationFailedError is a recoverable stage failure: the active
// context is untouched and the pipeline falls back.
type SummarizationFailedError struct {
	Kind SummarizationFailureKind
	Err  error
}

func (e *SummarizationFailedError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("summarization failed (%s): %v", e.Kind, e.Err)
	}
	return fmt.Sprintf("summarization failed (%s)", e.Kind)
}

func (e *SummarizationFailedError) Unwrap() error { return e.Err }

// ValidationOverError reports a prompt that exceeds the effective limit.
type ValidationOverError struct {
	Tokens int
	Limit  int
	By     int
}

func (e *ValidationOverError) Error() string {
	return fmt.Sprintf("prompt over limit: %d tokens against %d (over by %d)", e.Tokens, e.Limit, e.By)
}

// InvariantViolationError means the boundary guard tripped. Treated as a
// fatal programmer error.
type InvariantViolationError struct {
	Which string
}

func (e *InvariantViolationError) Error() string {
	return "invariant violated: " + e.Which
}
