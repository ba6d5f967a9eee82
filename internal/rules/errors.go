package rules

import "errors"

var (
	// ErrRuleNotFound is returned when a rule id is unknown
	ErrRuleNotFound = errors.New("rule not found")

	// ErrRuleExists is returned when adding a rule whose id is taken
	ErrRuleExists = errors.New("rule already exists")

	// ErrInvalidRule is returned when a rule fails validation
	ErrInvalidRule = errors.New("invalid rule")

	// ErrAlreadyStarted is returned when Start is called twice
	ErrAlreadyStarted = errors.New("rule engine already started")
)
