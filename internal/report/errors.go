package report

import "errors"

var (
	// ErrInvalidWindow is returned when a report window is empty or inverted
	ErrInvalidWindow = errors.New("invalid report window")

	// ErrUnknownFormat is returned for an unsupported rendering
	ErrUnknownFormat = errors.New("unknown report format")

	// ErrReportNotFound is returned when a report id is unknown
	ErrReportNotFound = errors.New("report not found")
)
