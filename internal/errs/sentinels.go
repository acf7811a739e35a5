// Package errs contains sentinel errors used across layers for stable error mapping.
package errs

import "errors"

// Common sentinels across remote, store and server layers.
var (
	// ErrNotFound indicates the requested document, account or blob does not exist.
	ErrNotFound = errors.New("not found")

	// ErrVersionConflict indicates a concurrent write won the race for a document.
	ErrVersionConflict = errors.New("version conflict")

	// ErrUnauthorized indicates failed authentication (bad password, bad token).
	ErrUnauthorized = errors.New("unauthorized")

	// ErrRateLimited indicates temporary login lock due to rate limiting.
	ErrRateLimited = errors.New("rate limited")

	// ErrAlreadyExists indicates a unique constraint violation (e.g., email taken).
	ErrAlreadyExists = errors.New("already exists")

	// ErrNotAuthenticated is returned by store operations that need a signed-in user.
	ErrNotAuthenticated = errors.New("not authenticated")

	// ErrEmptyContent rejects blank comments, titles and post bodies.
	ErrEmptyContent = errors.New("empty content")

	// ErrInvalidPath indicates a malformed collection or document path.
	ErrInvalidPath = errors.New("invalid path")

	// ErrValidation wraps rejected request input.
	ErrValidation = errors.New("validation")

	// ErrSelfFollow rejects following or unfollowing oneself.
	ErrSelfFollow = errors.New("cannot follow yourself")

	// ErrPasswordMismatch rejects a new password that differs from its confirmation.
	ErrPasswordMismatch = errors.New("passwords do not match")
)
