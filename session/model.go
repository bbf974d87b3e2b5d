// Package session issues and tracks bearer token pairs. Access tokens are
// verified statelessly (signature + expiry) plus a blacklist check on jti;
// refresh tokens are fully tracked in a durable table supporting rotation
// and revocation.
package session

import (
	"context"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// Token type discriminators carried in the typ claim.
const (
	TokenTypeAccess  = "access"
	TokenTypeRefresh = "refresh"
)

// Claims is the JWT payload shared by access and refresh tokens.
type Claims struct {
	SessionID  string `json:"sid"`
	TokenType  string `json:"typ"`
	RememberMe bool   `json:"rmb,omitempty"`
	jwt.RegisteredClaims
}

// TokenPair is returned to the HTTP layer for cookie storage. The core
// never sets cookies itself.
type TokenPair struct {
	AccessToken  string
	RefreshToken string
	ExpiresAt    time.Time
	SessionID    string
}

// RefreshRecord is the persisted view of one refresh token generation.
// AccessJTI links the paired access token so user-wide revocation can
// blacklist outstanding access tokens before they expire naturally.
type RefreshRecord struct {
	JTI           string
	UserID        string
	SessionID     string
	AccessJTI     string
	RotationCount int
	Revoked       bool
	ExpiresAt     time.Time
}

// SessionRecord groups all token generations issued from one login.
type SessionRecord struct {
	ID          string
	UserID      string
	DeviceName  string
	Fingerprint string
	Active      bool
	CreatedAt   time.Time
}

// BlacklistEntry marks a single jti as revoked ahead of its natural
// expiry. Append-only; expired entries are reaped by cleanup.
type BlacklistEntry struct {
	JTI       string
	UserID    string
	TokenType string
	Reason    string
	CreatedAt time.Time
	ExpiresAt time.Time
}

// DeviceInfo is the request context used for fingerprinting. An anomaly
// signal only, never a security boundary.
type DeviceInfo struct {
	IP        string
	UserAgent string
}

// CleanupStats reports rows reaped by CleanupExpired.
type CleanupStats struct {
	RefreshTokens int
	Blacklist     int
}

// UserContext is the authorization snapshot supplied by the external
// role/permission subsystem.
type UserContext struct {
	UserID string
	Email  string
	Roles  []string
	OrgID  string
}

// UserContextProvider resolves a user's current authorization state.
// A nil context means the user is unknown or the snapshot is unavailable;
// the manager never issues tokens in that case.
type UserContextProvider interface {
	UserContext(ctx context.Context, userID string) (*UserContext, error)
}

// Store persists refresh tokens, sessions, and the jti blacklist. Every
// method is a single transactional unit; RotateRefreshToken in particular
// must be atomic with respect to concurrent rotations of the same jti.
type Store interface {
	// CreateSession records the session and its first refresh generation.
	CreateSession(ctx context.Context, sess SessionRecord, refresh RefreshRecord) error

	// GetRefreshToken returns the record for a jti, or nil when unknown.
	GetRefreshToken(ctx context.Context, jti string) (*RefreshRecord, error)

	// RotateRefreshToken atomically revokes oldJTI and inserts next.
	// Returns false when oldJTI was already rotated or revoked.
	RotateRefreshToken(ctx context.Context, oldJTI string, next RefreshRecord) (bool, error)

	// RevokeRefreshToken marks the record revoked, deactivates its session,
	// and blacklists the jti. Returns false when nothing was active.
	RevokeRefreshToken(ctx context.Context, rec RefreshRecord, reason string) (bool, error)

	// RevokeAllForUser deactivates every active refresh token and session
	// of the user and blacklists both refresh and paired access jtis.
	// Returns the number of refresh tokens revoked.
	RevokeAllForUser(ctx context.Context, userID, reason string, blacklistTTL time.Duration) (int, error)

	// IsBlacklisted reports whether a jti is currently revoked.
	IsBlacklisted(ctx context.Context, jti string) (bool, error)

	// CleanupExpired reaps expired refresh token and blacklist rows.
	CleanupExpired(ctx context.Context) (CleanupStats, error)
}
