package portal

import "errors"

// Sentinel errors used for stable error mapping across the engine. The
// components above this package branch with errors.Is and never look at
// HTTP status codes directly.
var (
	// ErrAuthExpired indicates the session token was rejected. Terminal:
	// retries cannot succeed without fresh credentials.
	ErrAuthExpired = errors.New("authentication expired")

	// ErrNotFound indicates the requested entity or endpoint does not exist.
	ErrNotFound = errors.New("not found")

	// ErrUnavailable indicates a transient transport or server failure.
	ErrUnavailable = errors.New("portal unavailable")
)
