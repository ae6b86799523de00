package internal

import "fmt"

// TransportError covers fetch failures: network, auth, timeout, over-limit.
// It counts against feed health and triggers the scheduler's retry policy.
type TransportError struct {
	FeedID string
	Err    error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("transport failure for feed %s: %v", e.FeedID, e.Err)
}

func (e *TransportError) Unwrap() error { return e.Err }

// EnvelopeError means a parser could not locate any records at all.
// Fatal for the run; nothing is persisted.
type EnvelopeError struct {
	Format FeedFormat
	Err    error
}

func (e *EnvelopeError) Error() string {
	return fmt.Sprintf("malformed %s envelope: %v", e.Format, e.Err)
}

func (e *EnvelopeError) Unwrap() error { return e.Err }
