package plugin

import "errors"

// Sentinel errors for the plugin runtime. Callers match with errors.Is;
// wrapping adds the detail.
var (
	ErrValidationFailed      = errors.New("validation_failed")
	ErrDependencyMissing     = errors.New("dependency_missing")
	ErrDependencyVersion     = errors.New("dependency_version")
	ErrActivationFailed      = errors.New("activation_failed")
	ErrAlreadyLoaded         = errors.New("already_loaded")
	ErrNotLoaded             = errors.New("not_loaded")
	ErrRequiredPlugin        = errors.New("required_plugin")
	ErrRateLimited           = errors.New("rate_limited")
	ErrStorageLimitExceeded  = errors.New("storage_limit_exceeded")
	ErrScheduleLimitExceeded = errors.New("schedule_limit_exceeded")
)
