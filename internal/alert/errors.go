package alert

import "errors"

var (
	// ErrAlertNotFound is returned when an alert id is unknown
	ErrAlertNotFound = errors.New("alert not found")

	// ErrAlertConflict is returned when a transition is not allowed from the
	// alert's current state, or when the rule already has an open alert
	ErrAlertConflict = errors.New("alert state conflict")
)
