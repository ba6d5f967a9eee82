package notify

import "errors"

var (
	// ErrUnknownChannel is reported for an action naming no configured channel
	ErrUnknownChannel = errors.New("unknown notification channel")

	// ErrDeliveryFailed is returned when a channel endpoint rejects a message
	ErrDeliveryFailed = errors.New("notification delivery failed")
)
