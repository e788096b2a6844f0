package gemmie

import "errors"

var (
	// ErrSchedulingFailed is returned when the dispatcher did not hand back a job id
	ErrSchedulingFailed = errors.New("failed to schedule response job")

	// ErrEmptyContext is returned when a job has nothing to answer
	ErrEmptyContext = errors.New("nothing to respond to")

	// ErrInvalidPayload is returned for callback bodies that do not decode
	ErrInvalidPayload = errors.New("invalid job payload")
)
