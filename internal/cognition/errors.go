package cognition

import "errors"

// Dispatcher error kinds, matched with errors.Is.
var (
	// ErrValidationFailed marks tool arguments that fail schema checks.
	ErrValidationFailed = errors.New("validation_failed")

	// ErrToolInvocation marks a tool that ran and failed; the model
	// sees it and may retry.
	ErrToolInvocation = errors.New("tool_invocation_error")

	// ErrMalformedResponse marks terminal output that could not be
	// parsed. It never reaches a user as text.
	ErrMalformedResponse = errors.New("malformed_response")
)
