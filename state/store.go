// Package state persists one-time authorization request state. Each state
// token registered here must be accepted by at most one callback, across
// arbitrarily many server processes.
package state

import (
	"context"
	"time"

	"authd/auth"
)

// DefaultTTL bounds a login attempt: five minutes plus a clock-skew
// allowance between processes.
const DefaultTTL = auth.DefaultStateTTL + auth.DefaultClockSkew

// Record is a single authorization attempt's server-side state. The PKCE
// code verifier is deliberately absent: the caller holds it.
type Record struct {
	State       string
	Nonce       string
	Fingerprint string
	Used        bool
	CreatedAt   time.Time
	ExpiresAt   time.Time
	UsedAt      time.Time
}

// Store is the state/nonce contract shared by the in-process and the
// database-backed implementations.
//
// ValidateAndMarkUsed is the subsystem's central correctness property:
// among any number of concurrent callers presenting the same state, exactly
// one observes true. Storage failures are reported as false — fail closed.
type Store interface {
	Register(ctx context.Context, state, nonce, fingerprint string) error
	ValidateAndMarkUsed(ctx context.Context, state string) bool
	Nonce(ctx context.Context, state string) (string, error)
	CleanupExpired(ctx context.Context) (int, error)
	Clear(ctx context.Context) (int, error)
	Count(ctx context.Context) (int, error)
}

// statePrefix truncates a state token for logging. Full tokens never reach
// the logs.
func statePrefix(state string) string {
	if len(state) <= 8 {
		return state
	}
	return state[:8]
}
