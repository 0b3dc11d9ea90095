package subscription

import "errors"

var (
	// ErrSubscriptionNotFound is returned when no subscription matches the lookup
	ErrSubscriptionNotFound = errors.New("subscription not found")

	// ErrUserNotFound is returned by a UserDirectory for an unknown user
	ErrUserNotFound = errors.New("user not found")

	// ErrUnauthenticated is returned when no user identity is available
	ErrUnauthenticated = errors.New("unauthenticated")

	// ErrForbidden is returned when the user is not entitled to protected resources
	ErrForbidden = errors.New("subscription required")

	// ErrAlreadyActive is returned when checkout is requested while a subscription is active
	ErrAlreadyActive = errors.New("already has an active subscription")

	// ErrInvalidInput is returned for missing or malformed request fields
	ErrInvalidInput = errors.New("invalid input")

	// ErrProviderUnavailable is returned when the payment provider call fails
	ErrProviderUnavailable = errors.New("payment provider unavailable")

	// ErrInvalidSignature is returned when a webhook payload cannot be verified
	ErrInvalidSignature = errors.New("invalid webhook signature")

	// ErrConcurrentUpdate is returned when a compare-and-set keeps losing to other writers
	ErrConcurrentUpdate = errors.New("concurrent update")

	// ErrSweepInProgress is returned when another sweeper run holds the lock
	ErrSweepInProgress = errors.New("sweep already in progress")

	// ErrNoEmail is returned when a user has no email address on file
	ErrNoEmail = errors.New("user has no email on file")
)

// Stable error codes exposed to UI callers.
const (
	CodeUnauthenticated     = "unauthenticated"
	CodeForbidden           = "forbidden"
	CodeConflict            = "conflict"
	CodeInvalidInput        = "invalid_input"
	CodeProviderUnavailable = "provider_unavailable"
	CodeInvalidSignature    = "invalid_signature"
	CodeNotFound            = "not_found"
	CodeSweepInProgress     = "sweep_in_progress"
	CodeInternal            = "internal"
)

var errorCodes = []struct {
	err  error
	code string
}{
	{ErrUnauthenticated, CodeUnauthenticated},
	{ErrForbidden, CodeForbidden},
	{ErrAlreadyActive, CodeConflict},
	{ErrInvalidInput, CodeInvalidInput},
	{ErrProviderUnavailable, CodeProviderUnavailable},
	{ErrInvalidSignature, CodeInvalidSignature},
	{ErrSubscriptionNotFound, CodeNotFound},
	{ErrSweepInProgress, CodeSweepInProgress},
}

// Code returns the stable code for err, or CodeInternal when err is not a known sentinel.
func Code(err error) string {
	if err == nil {
		return ""
	}
	for _, ec := range errorCodes {
		if errors.Is(err, ec.err) {
			return ec.code
		}
	}
	return CodeInternal
}
