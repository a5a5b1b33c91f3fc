package domain

import "errors"

// Result taxonomy shared by every layer. All failure paths wrap exactly one
// of these sentinels so the HTTP boundary can map them with errors.Is.
var (
	// ErrNotAuthenticated: no verified identity on the request.
	ErrNotAuthenticated = errors.New("not authenticated")

	// ErrNotAuthorized: identity present but privilege or relationship is
	// missing. Also returned instead of ErrNotFound when confirming a
	// resource's existence would leak it to an unauthorized caller.
	ErrNotAuthorized = errors.New("not authorized")

	// ErrNotFound: resource absent and safe to say so.
	ErrNotFound = errors.New("not found")

	// ErrInvalid: malformed or incomplete input.
	ErrInvalid = errors.New("invalid request")

	// ErrConflict: duplicate edge or duplicate key under a race.
	ErrConflict = errors.New("conflict")

	// ErrUnavailable: the backing store or an external dependency failed
	// or timed out.
	ErrUnavailable = errors.New("temporarily unavailable")
)
