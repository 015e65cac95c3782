package downloader

import (
	"errors"
	"fmt"
)

var (
	// ErrInvalidResource is returned for descriptors that do not name an
	// http or https resource.
	ErrInvalidResource = errors.New("downloader: invalid resource")

	// ErrTransport marks failures of the transport task, including non-2xx
	// responses and undecodable bodies. See TransportError.
	ErrTransport = errors.New("downloader: transport failed")

	// ErrCancelled is delivered to a caller that canceled its receipt.
	ErrCancelled = errors.New("downloader: cancelled")

	// ErrPreviouslyFailed is delivered when the key failed recently and the
	// request did not set RetryFailed.
	ErrPreviouslyFailed = errors.New("downloader: previously failed")

	// ErrClosed is delivered for requests outstanding at Close and returned
	// for requests made after it.
	ErrClosed = errors.New("downloader: coordinator closed")

	// ErrInvalidConfig is returned by New.
	ErrInvalidConfig = errors.New("downloader: invalid config")
)

// TransportError describes a failed download. It matches both ErrTransport
// and the underlying error with errors.Is.
type TransportError struct {
	Key Key

	// StatusCode is zero when no response was received.
	StatusCode int

	Err error
}

func (e *TransportError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("downloader: fetch %s: status %d: %v", e.Key, e.StatusCode, e.Err)
	}
	return fmt.Sprintf("downloader: fetch %s: %v", e.Key, e.Err)
}

func (e *TransportError) Unwrap() []error {
	return []error{ErrTransport, e.Err}
}
