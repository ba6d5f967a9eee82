package flusher

import "errors"

var (
	// ErrMaxRetriesExceeded is returned when a sink write fails on every attempt
	ErrMaxRetriesExceeded = errors.New("maximum retries exceeded")

	// ErrAlreadyStarted is returned when Start is called twice
	ErrAlreadyStarted = errors.New("flusher already started")
)
