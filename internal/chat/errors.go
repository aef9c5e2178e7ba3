package chat

import "errors"

// Error taxonomy surfaced to callers. Handlers map these onto transport
// status codes; everything else is an internal error.
var (
	// ErrInvalidArgument covers empty bodies, malformed ids and self-chat.
	ErrInvalidArgument = errors.New("invalid argument")

	// ErrNotFound means the referenced conversation or user does not exist.
	ErrNotFound = errors.New("not found")

	// ErrForbidden means the acting user is not a member of the conversation.
	ErrForbidden = errors.New("forbidden")

	// ErrConflict marks a dedup race that lost to a concurrent creation.
	// The service resolves it internally and logs it; callers never see it.
	ErrConflict = errors.New("conflict")

	// ErrUnavailable is a transient backend failure; the operation was already
	// retried internally and may be retried again by the caller with backoff.
	ErrUnavailable = errors.New("unavailable")
)
