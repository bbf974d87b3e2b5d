package session

import (
	"context"
	"log/slog"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"

	"authd/auth"
)

// Manager issues, validates, rotates, and revokes bearer token pairs.
type Manager struct {
	keys   *SigningKeys
	store  Store
	users  UserContextProvider
	logger *slog.Logger
	audit  auth.Auditor

	issuer      string
	accessTTL   time.Duration
	refreshTTL  time.Duration
	rememberTTL time.Duration
	now         func() time.Time
}

// NewManager wires the token manager. audit may be nil.
func NewManager(cfg auth.TokenConfig, keys *SigningKeys, store Store, users UserContextProvider, logger *slog.Logger, audit auth.Auditor) *Manager {
	if audit == nil {
		audit = auth.NopAuditor{}
	}
	accessTTL := cfg.AccessTTL
	if accessTTL <= 0 {
		accessTTL = auth.DefaultAccessTTL
	}
	refreshTTL := cfg.RefreshTTL
	if refreshTTL <= 0 {
		refreshTTL = auth.DefaultRefreshTTL
	}
	rememberTTL := cfg.RememberTTL
	if rememberTTL <= 0 {
		rememberTTL = auth.DefaultRememberTTL
	}
	return &Manager{
		keys:        keys,
		store:       store,
		users:       users,
		logger:      logger,
		audit:       audit,
		issuer:      cfg.Issuer,
		accessTTL:   accessTTL,
		refreshTTL:  refreshTTL,
		rememberTTL: rememberTTL,
		now:         time.Now,
	}
}

// CreateTokenPair issues an access/refresh pair for a fresh login. Tokens
// are never issued for a user whose authorization context cannot be
// resolved.
func (m *Manager) CreateTokenPair(ctx context.Context, userID string, device DeviceInfo, rememberMe bool, email string) (*TokenPair, error) {
	uctx, err := m.users.UserContext(ctx, userID)
	if err != nil {
		return nil, auth.NewSessionError("authorization context lookup failed").WithCause(err)
	}
	if uctx == nil {
		return nil, auth.NewSessionError("authorization context unavailable").WithDetail("user_id", userID)
	}

	sessionID := uuid.NewString()
	pair, refresh, err := m.issuePair(userID, sessionID, rememberMe, 0)
	if err != nil {
		return nil, err
	}

	sess := SessionRecord{
		ID:          sessionID,
		UserID:      userID,
		DeviceName:  GenerateDeviceName(device.UserAgent),
		Fingerprint: GenerateDeviceFingerprint(device.IP, device.UserAgent),
		Active:      true,
		CreatedAt:   m.now(),
	}
	if err := m.store.CreateSession(ctx, sess, refresh); err != nil {
		return nil, auth.NewSessionError("persist session").WithCause(err)
	}

	m.audit.Emit(ctx, auth.Event{
		Type:   auth.EventLoginSucceeded,
		UserID: userID,
		Details: map[string]any{
			"session_id":  sessionID,
			"device_name": sess.DeviceName,
			"email":       email,
		},
	})
	return pair, nil
}

// ValidateAccessToken verifies signature and expiry, then checks the
// blacklist. Any failure, including a storage outage during the blacklist
// check, yields nil.
func (m *Manager) ValidateAccessToken(ctx context.Context, token string) *Claims {
	claims := m.parse(token, TokenTypeAccess)
	if claims == nil {
		return nil
	}

	revoked, err := m.store.IsBlacklisted(ctx, claims.ID)
	if err != nil {
		m.logger.Error("blacklist check unavailable", "error", err)
		return nil
	}
	if revoked {
		m.logger.Warn("revoked access token presented",
			"jti", claims.ID, "user_id", claims.Subject)
		return nil
	}
	return claims
}

// RefreshTokenPair rotates a refresh token. The lookup, invalidation of the
// old jti, and insertion of the new generation are one atomic operation; a
// concurrent attempt with the same token loses and gets nil.
func (m *Manager) RefreshTokenPair(ctx context.Context, refreshToken string, device DeviceInfo) *TokenPair {
	claims := m.parse(refreshToken, TokenTypeRefresh)
	if claims == nil {
		return nil
	}

	rec, err := m.store.GetRefreshToken(ctx, claims.ID)
	if err != nil {
		m.logger.Error("refresh token lookup failed", "error", err)
		return nil
	}
	if rec == nil || rec.Revoked || !rec.ExpiresAt.After(m.now()) {
		m.logger.Warn("refresh with rotated, revoked, or expired token",
			"user_id", claims.Subject, "session_id", claims.SessionID)
		return nil
	}

	// Refuse to mint tokens against a stale permission snapshot.
	uctx, err := m.users.UserContext(ctx, rec.UserID)
	if err != nil || uctx == nil {
		m.logger.Warn("authorization context unavailable on refresh",
			"user_id", rec.UserID, "error", err)
		return nil
	}

	pair, next, err := m.issuePair(rec.UserID, rec.SessionID, claims.RememberMe, rec.RotationCount+1)
	if err != nil {
		m.logger.Error("sign rotated pair", "error", err)
		return nil
	}

	ok, err := m.store.RotateRefreshToken(ctx, rec.JTI, next)
	if err != nil {
		m.logger.Error("refresh rotation failed", "error", err)
		return nil
	}
	if !ok {
		m.logger.Warn("lost refresh rotation race", "session_id", rec.SessionID)
		return nil
	}
	return pair
}

// RevokeRefreshToken revokes a single refresh token and deactivates its
// session. Returns whether a revocation actually applied.
func (m *Manager) RevokeRefreshToken(ctx context.Context, refreshToken, reason string) bool {
	claims := m.parse(refreshToken, TokenTypeRefresh)
	if claims == nil {
		return false
	}

	rec := RefreshRecord{
		JTI:       claims.ID,
		UserID:    claims.Subject,
		SessionID: claims.SessionID,
		ExpiresAt: claims.ExpiresAt.Time,
	}
	applied, err := m.store.RevokeRefreshToken(ctx, rec, reason)
	if err != nil {
		m.logger.Error("revoke refresh token failed", "error", err)
		return false
	}
	if applied {
		m.audit.Emit(ctx, auth.Event{
			Type:   auth.EventTokenRevoked,
			UserID: claims.Subject,
			Details: map[string]any{
				"session_id": claims.SessionID,
				"reason":     reason,
			},
		})
	}
	return applied
}

// RevokeAllUserTokens kills every active session of a user. Outstanding
// access tokens die on their next blacklist check. Returns the number of
// refresh tokens revoked; 0 means nothing was active.
func (m *Manager) RevokeAllUserTokens(ctx context.Context, userID, reason string) int {
	n, err := m.store.RevokeAllForUser(ctx, userID, reason, m.accessTTL)
	if err != nil {
		m.logger.Error("revoke all user tokens failed", "user_id", userID, "error", err)
		return 0
	}
	if n > 0 {
		m.audit.Emit(ctx, auth.Event{
			Type:   auth.EventUserRevoked,
			UserID: userID,
			Details: map[string]any{
				"revoked": n,
				"reason":  reason,
			},
		})
	}
	return n
}

// CleanupExpiredTokens reaps expired refresh-token and blacklist rows.
// Pure garbage collection; safe to schedule from every process.
func (m *Manager) CleanupExpiredTokens(ctx context.Context) (CleanupStats, error) {
	return m.store.CleanupExpired(ctx)
}

func (m *Manager) parse(token, wantType string) *Claims {
	parsed, err := jwt.ParseWithClaims(token, &Claims{}, m.keys.Keyfunc,
		jwt.WithValidMethods([]string{jwt.SigningMethodRS256.Alg()}),
		jwt.WithIssuer(m.issuer),
	)
	if err != nil {
		return nil
	}
	claims, ok := parsed.Claims.(*Claims)
	if !ok || !parsed.Valid {
		return nil
	}
	if claims.TokenType != wantType || claims.ID == "" || claims.SessionID == "" {
		return nil
	}
	return claims
}

func (m *Manager) issuePair(userID, sessionID string, rememberMe bool, rotationCount int) (*TokenPair, RefreshRecord, error) {
	now := m.now()
	accessJTI := uuid.NewString()
	refreshJTI := uuid.NewString()

	refreshTTL := m.refreshTTL
	if rememberMe {
		refreshTTL = m.rememberTTL
	}
	accessExpiry := now.Add(m.accessTTL)
	refreshExpiry := now.Add(refreshTTL)

	accessToken, err := m.keys.Sign(&Claims{
		SessionID:  sessionID,
		TokenType:  TokenTypeAccess,
		RememberMe: rememberMe,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   userID,
			ID:        accessJTI,
			Issuer:    m.issuer,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(accessExpiry),
		},
	})
	if err != nil {
		return nil, RefreshRecord{}, auth.NewSessionError("sign access token").WithCause(err)
	}

	refreshToken, err := m.keys.Sign(&Claims{
		SessionID:  sessionID,
		TokenType:  TokenTypeRefresh,
		RememberMe: rememberMe,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   userID,
			ID:        refreshJTI,
			Issuer:    m.issuer,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(refreshExpiry),
		},
	})
	if err != nil {
		return nil, RefreshRecord{}, auth.NewSessionError("sign refresh token").WithCause(err)
	}

	pair := &TokenPair{
		AccessToken:  accessToken,
		RefreshToken: refreshToken,
		ExpiresAt:    accessExpiry,
		SessionID:    sessionID,
	}
	record := RefreshRecord{
		JTI:           refreshJTI,
		UserID:        userID,
		SessionID:     sessionID,
		AccessJTI:     accessJTI,
		RotationCount: rotationCount,
		ExpiresAt:     refreshExpiry,
	}
	return pair, record, nil
}
