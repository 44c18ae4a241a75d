package fanout

import "errors"

var (
	// ErrInvalidTopic is returned for a topic outside the fixed set.
	ErrInvalidTopic = errors.New("invalid topic")
	// ErrSubscriberNotFound is returned when a request carries no usable
	// subscriber identity.
	ErrSubscriberNotFound = errors.New("subscriber not found")
	// ErrEventLogUnavailable wraps event log failures during a poll. The
	// caller should retry; the cursor has not moved.
	ErrEventLogUnavailable = errors.New("event log unavailable")
	// ErrRegistryClosed is returned by Subscribe after the registry has been
	// torn down.
	ErrRegistryClosed = errors.New("subscription registry is closed")
)
