package repository

import "errors"

// Sentinel errors surfaced unchanged through the service layer.
var (
	// ErrJobNotFound means the referenced job record is absent.
	ErrJobNotFound = errors.New("job not found")

	// ErrJobAlreadyExists means an active (queued or processing) job already
	// exists for the book.
	ErrJobAlreadyExists = errors.New("an active job already exists for this book")

	// ErrQueueConnection means the shared Redis store was unreachable. The
	// operation was not applied; callers retry with backoff.
	ErrQueueConnection = errors.New("queue store unreachable")

	// ErrInvalidTransition is returned for illegal state transitions, such as
	// cancelling a completed job or retrying a queued one.
	ErrInvalidTransition = errors.New("invalid job state transition")
)
