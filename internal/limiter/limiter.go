// Package limiter throttles credential verification by (email, client address).
package limiter

import (
	"context"
	"time"
)

// Defaults: five failures inside the window lock the pair out.
const (
	DefaultWindow   = 15 * time.Minute
	DefaultMaxFails = 5
	DefaultBlockFor = 15 * time.Minute
)

// Limiter controls login attempts and temporary lockouts.
type Limiter interface {
	// Allow reports whether a login is currently allowed and, if not, the retry-after.
	Allow(ctx context.Context, email string, ipHash []byte) (bool, time.Duration, error)
	// Success resets counters after a successful login.
	Success(ctx context.Context, email string, ipHash []byte) error
	// Failure records a failed attempt and reports whether the pair is now locked.
	Failure(ctx context.Context, email string, ipHash []byte) (bool, time.Duration, error)
}
