package kiwi

import (
	"errors"
	"fmt"
)

var (
	// ErrNoResponse means the logger did not give a valid reply within the
	// retry budget. Garbled and missing replies are not told apart.
	ErrNoResponse = errors.New("kiwi: invalid or no response from logger")

	// ErrUnknownVersion means neither identification probe was answered.
	ErrUnknownVersion = errors.New("kiwi: cannot identify protocol version")

	// ErrPolicy is wrapped by every request rejected before transmission.
	ErrPolicy          = errors.New("kiwi: rejected locally")
	ErrInvalidInterval = fmt.Errorf("%w: unsupported sampling interval", ErrPolicy)
	ErrInvalidName     = fmt.Errorf("%w: invalid logger name", ErrPolicy)

	ErrNotConfirmed = errors.New("kiwi: logger did not confirm the change")
	ErrNotSupported = errors.New("kiwi: not supported by this firmware generation")

	// Transient range-read failures. Retried per chunk.
	ErrLength = errors.New("kiwi: range read length mismatch")
	ErrCRC    = errors.New("kiwi: range read CRC mismatch")

	// ErrInterrupted is returned when extraction is cancelled. Chunks already
	// written to the sink are intact.
	ErrInterrupted = errors.New("kiwi: interrupted")

	// ErrNonContiguous is returned when flash does not look append-only.
	ErrNonContiguous = errors.New("kiwi: flash layout is not contiguous")
)

// ResponseError reports retry exhaustion on a query.
type ResponseError struct {
	Command  string
	Attempts int
	Last     string // last reply seen, possibly empty
}

func (e *ResponseError) Error() string {
	return fmt.Sprintf("kiwi: invalid or no response to %q after %d attempts (last %q)", e.Command, e.Attempts, e.Last)
}

func (e *ResponseError) Is(target error) bool { return target == ErrNoResponse }

// ExtractError reports a chunk that could not be read after all retries.
// The range is inclusive so a caller can resume from Begin.
type ExtractError struct {
	Begin    int
	End      int
	Attempts int
	Err      error
}

func (e *ExtractError) Error() string {
	return fmt.Sprintf("kiwi: extract 0x%x-0x%x failed after %d attempts: %v", e.Begin, e.End, e.Attempts, e.Err)
}

func (e *ExtractError) Unwrap() error { return e.Err }
