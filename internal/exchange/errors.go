package exchange

import "errors"

// Failure taxonomy surfaced to the strategy layer. Transport and vendor
// failures wrap these sentinels so callers can branch with errors.Is.
var (
	// ErrConfig marks construction-time configuration problems: missing
	// required keys, conflicting mode credentials, unmapped paper TR-IDs.
	ErrConfig = errors.New("exchange: configuration error")

	// ErrTransport marks connect/read/timeout failures that survived the
	// retry policy.
	ErrTransport = errors.New("exchange: transport error")

	// ErrAuth marks a token fetch that exhausted its retry budget.
	ErrAuth = errors.New("exchange: authentication failed")

	// ErrVendor marks a response whose rt_cd signals failure. Not retried.
	ErrVendor = errors.New("exchange: vendor error")

	// ErrCircuitOpen marks a call rejected by the open circuit breaker.
	ErrCircuitOpen = errors.New("exchange: circuit breaker open")
)
