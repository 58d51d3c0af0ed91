// Package errs contains sentinel errors used across layers for stable error
// classification at the adapter/orchestrator boundary.
package errs

import "errors"

var (
	// ErrTransientNetwork indicates a network failure or timeout; the sync
	// is retried with backoff.
	ErrTransientNetwork = errors.New("transient network failure")

	// ErrRateLimited indicates the remote throttled us; retried with a
	// longer minimum delay.
	ErrRateLimited = errors.New("rate limited")

	// ErrMalformedSource indicates unparsable source data; retried with
	// backoff since a temporarily bad document may resolve.
	ErrMalformedSource = errors.New("malformed source data")

	// ErrAuthExpired indicates credentials that can no longer be refreshed.
	// Terminal until the user re-authorizes.
	ErrAuthExpired = errors.New("authorization expired")

	// ErrAuthInvalid indicates credentials the remote rejects outright.
	// Terminal until the user re-authorizes.
	ErrAuthInvalid = errors.New("authorization invalid")

	// ErrConfigInvalid indicates a source configuration the user must fix.
	ErrConfigInvalid = errors.New("source configuration invalid")

	// ErrNotFound indicates the requested entity does not exist.
	ErrNotFound = errors.New("not found")
)

// IsAuth reports whether err is one of the terminal authorization errors
// that move a source to needs-reauth.
func IsAuth(err error) bool {
	return errors.Is(err, ErrAuthExpired) || errors.Is(err, ErrAuthInvalid)
}

// IsRetryable reports whether err should be retried with backoff.
func IsRetryable(err error) bool {
	return errors.Is(err, ErrTransientNetwork) ||
		errors.Is(err, ErrRateLimited) ||
		errors.Is(err, ErrMalformedSource)
}
