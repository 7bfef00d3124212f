// CLAUDE:SUMMARY Sentinel errors for validation, lookup and throttling; mapped to HTTP/MCP codes at the boundary.
package persona

import "errors"

// Sentinel errors. Wrapped with %w where detail helps; match with
// errors.Is. The HTTP and MCP layers translate them to status codes.
var (
	// ErrNoPlatforms means the request selected zero platforms.
	ErrNoPlatforms = errors.New("persona: no platforms selected")

	// ErrTooManyPlatforms means the request exceeded MaxPlatforms.
	ErrTooManyPlatforms = errors.New("persona: too many platforms selected")

	// ErrDuplicatePlatform means a platform appeared twice (case-insensitive).
	ErrDuplicatePlatform = errors.New("persona: duplicate platform")

	// ErrUnknownPlatform means a platform is not in the known enum.
	ErrUnknownPlatform = errors.New("persona: unknown platform")

	// ErrTaskNotFound means the task id does not exist or was swept.
	ErrTaskNotFound = errors.New("persona: task not found")

	// ErrPersonaNotFound means the archived persona id does not exist.
	ErrPersonaNotFound = errors.New("persona: archived persona not found")

	// ErrRateLimited means task creation was refused because the pending
	// queue is at its configured bound.
	ErrRateLimited = errors.New("persona: rate limited")
)
