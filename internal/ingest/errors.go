package ingest

import (
	"errors"
	"fmt"
)

var (
	// ErrCanceled is returned by Mount when Unmount ran before the bootstrap finished
	ErrCanceled = errors.New("bootstrap canceled")

	// ErrAlreadyMounted is returned by Mount when the adapter is not unsubscribed
	ErrAlreadyMounted = errors.New("collection already mounted")
)

// FetchError reports a failed bootstrap fetch. The collection is left untouched.
type FetchError struct {
	Collection string
	Err        error
}

func (e *FetchError) Error() string {
	return fmt.Sprintf("failed to fetch %s: %v", e.Collection, e.Err)
}

func (e *FetchError) Unwrap() error { return e.Err }

// TransportError reports a failure of the event subscription
type TransportError struct {
	Collection string
	Err        error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("subscription to %s failed: %v", e.Collection, e.Err)
}

func (e *TransportError) Unwrap() error { return e.Err }
