package session

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

const sessionSchema = `
CREATE TABLE IF NOT EXISTS sessions (
	session_id  TEXT PRIMARY KEY,
	user_id     TEXT NOT NULL,
	device_name TEXT NOT NULL DEFAULT '',
	fingerprint TEXT NOT NULL DEFAULT '',
	active      BOOLEAN NOT NULL DEFAULT TRUE,
	created_at  TIMESTAMPTZ NOT NULL DEFAULT now()
);
CREATE INDEX IF NOT EXISTS sessions_user_id_idx ON sessions (user_id);

CREATE TABLE IF NOT EXISTS refresh_tokens (
	jti            TEXT PRIMARY KEY,
	user_id        TEXT NOT NULL,
	session_id     TEXT NOT NULL,
	access_jti     TEXT NOT NULL DEFAULT '',
	rotation_count INTEGER NOT NULL DEFAULT 0,
	revoked        BOOLEAN NOT NULL DEFAULT FALSE,
	expires_at     TIMESTAMPTZ NOT NULL,
	rotated_at     TIMESTAMPTZ
);
CREATE INDEX IF NOT EXISTS refresh_tokens_user_id_idx ON refresh_tokens (user_id);
CREATE INDEX IF NOT EXISTS refresh_tokens_expires_at_idx ON refresh_tokens (expires_at);

CREATE TABLE IF NOT EXISTS token_blacklist (
	jti        TEXT PRIMARY KEY,
	user_id    TEXT NOT NULL,
	token_type TEXT NOT NULL,
	reason     TEXT NOT NULL DEFAULT '',
	created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
	expires_at TIMESTAMPTZ NOT NULL
);
CREATE INDEX IF NOT EXISTS token_blacklist_expires_at_idx ON token_blacklist (expires_at);
`

// PostgresStore is the durable token store shared by all processes.
type PostgresStore struct {
	pool   *pgxpool.Pool
	logger *slog.Logger
}

// NewPostgresStore wires the store.
func NewPostgresStore(pool *pgxpool.Pool, logger *slog.Logger) *PostgresStore {
	return &PostgresStore{pool: pool, logger: logger}
}

// EnsureSchema creates the session, refresh token, and blacklist tables
// when absent.
func (s *PostgresStore) EnsureSchema(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, sessionSchema)
	return err
}

func (s *PostgresStore) CreateSession(ctx context.Context, sess SessionRecord, refresh RefreshRecord) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	if _, err := tx.Exec(ctx,
		`INSERT INTO sessions (session_id, user_id, device_name, fingerprint, active)
		 VALUES ($1, $2, $3, $4, TRUE)`,
		sess.ID, sess.UserID, sess.DeviceName, sess.Fingerprint); err != nil {
		return err
	}
	if _, err := tx.Exec(ctx,
		`INSERT INTO refresh_tokens (jti, user_id, session_id, access_jti, rotation_count, expires_at)
		 VALUES ($1, $2, $3, $4, $5, $6)`,
		refresh.JTI, refresh.UserID, refresh.SessionID, refresh.AccessJTI,
		refresh.RotationCount, refresh.ExpiresAt); err != nil {
		return err
	}
	return tx.Commit(ctx)
}

func (s *PostgresStore) GetRefreshToken(ctx context.Context, jti string) (*RefreshRecord, error) {
	var rec RefreshRecord
	err := s.pool.QueryRow(ctx,
		`SELECT jti, user_id, session_id, access_jti, rotation_count, revoked, expires_at
		 FROM refresh_tokens WHERE jti = $1`,
		jti).Scan(&rec.JTI, &rec.UserID, &rec.SessionID, &rec.AccessJTI,
		&rec.RotationCount, &rec.Revoked, &rec.ExpiresAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &rec, nil
}

// RotateRefreshToken retires oldJTI and records the next generation in one
// transaction. The conditional UPDATE is the compare-and-swap: a concurrent
// rotation of the same jti affects zero rows here and loses.
func (s *PostgresStore) RotateRefreshToken(ctx context.Context, oldJTI string, next RefreshRecord) (bool, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return false, err
	}
	defer tx.Rollback(ctx)

	tag, err := tx.Exec(ctx,
		`UPDATE refresh_tokens SET revoked = TRUE, rotated_at = now()
		 WHERE jti = $1 AND revoked = FALSE AND expires_at > now()`,
		oldJTI)
	if err != nil {
		return false, err
	}
	if tag.RowsAffected() == 0 {
		return false, nil
	}

	if _, err := tx.Exec(ctx,
		`INSERT INTO refresh_tokens (jti, user_id, session_id, access_jti, rotation_count, expires_at)
		 VALUES ($1, $2, $3, $4, $5, $6)`,
		next.JTI, next.UserID, next.SessionID, next.AccessJTI,
		next.RotationCount, next.ExpiresAt); err != nil {
		return false, err
	}
	if err := tx.Commit(ctx); err != nil {
		return false, err
	}
	return true, nil
}

func (s *PostgresStore) RevokeRefreshToken(ctx context.Context, rec RefreshRecord, reason string) (bool, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return false, err
	}
	defer tx.Rollback(ctx)

	tag, err := tx.Exec(ctx,
		`UPDATE refresh_tokens SET revoked = TRUE WHERE jti = $1 AND revoked = FALSE`,
		rec.JTI)
	if err != nil {
		return false, err
	}
	if tag.RowsAffected() == 0 {
		return false, nil
	}

	if _, err := tx.Exec(ctx,
		`UPDATE sessions SET active = FALSE WHERE session_id = $1`,
		rec.SessionID); err != nil {
		return false, err
	}
	if _, err := tx.Exec(ctx,
		`INSERT INTO token_blacklist (jti, user_id, token_type, reason, expires_at)
		 VALUES ($1, $2, $3, $4, $5)
		 ON CONFLICT (jti) DO NOTHING`,
		rec.JTI, rec.UserID, TokenTypeRefresh, reason, rec.ExpiresAt); err != nil {
		return false, err
	}
	if err := tx.Commit(ctx); err != nil {
		return false, err
	}
	return true, nil
}

func (s *PostgresStore) RevokeAllForUser(ctx context.Context, userID, reason string, blacklistTTL time.Duration) (int, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return 0, err
	}
	defer tx.Rollback(ctx)

	rows, err := tx.Query(ctx,
		`UPDATE refresh_tokens SET revoked = TRUE
		 WHERE user_id = $1 AND revoked = FALSE AND expires_at > now()
		 RETURNING jti, access_jti, expires_at`,
		userID)
	if err != nil {
		return 0, err
	}
	type revokedToken struct {
		jti       string
		accessJTI string
		expiresAt time.Time
	}
	var revoked []revokedToken
	for rows.Next() {
		var rt revokedToken
		if err := rows.Scan(&rt.jti, &rt.accessJTI, &rt.expiresAt); err != nil {
			rows.Close()
			return 0, err
		}
		revoked = append(revoked, rt)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return 0, err
	}
	if len(revoked) == 0 {
		return 0, nil
	}

	if _, err := tx.Exec(ctx,
		`UPDATE sessions SET active = FALSE WHERE user_id = $1 AND active = TRUE`,
		userID); err != nil {
		return 0, err
	}

	for _, rt := range revoked {
		if _, err := tx.Exec(ctx,
			`INSERT INTO token_blacklist (jti, user_id, token_type, reason, expires_at)
			 VALUES ($1, $2, $3, $4, $5)
			 ON CONFLICT (jti) DO NOTHING`,
			rt.jti, userID, TokenTypeRefresh, reason, rt.expiresAt); err != nil {
			return 0, err
		}
		if rt.accessJTI == "" {
			continue
		}
		if _, err := tx.Exec(ctx,
			`INSERT INTO token_blacklist (jti, user_id, token_type, reason, expires_at)
			 VALUES ($1, $2, $3, $4, now() + make_interval(secs => $5))
			 ON CONFLICT (jti) DO NOTHING`,
			rt.accessJTI, userID, TokenTypeAccess, reason, blacklistTTL.Seconds()); err != nil {
			return 0, err
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return 0, err
	}
	return len(revoked), nil
}

func (s *PostgresStore) IsBlacklisted(ctx context.Context, jti string) (bool, error) {
	var exists bool
	err := s.pool.QueryRow(ctx,
		`SELECT EXISTS (SELECT 1 FROM token_blacklist WHERE jti = $1 AND expires_at > now())`,
		jti).Scan(&exists)
	if err != nil {
		return false, err
	}
	return exists, nil
}

func (s *PostgresStore) CleanupExpired(ctx context.Context) (CleanupStats, error) {
	var stats CleanupStats
	tag, err := s.pool.Exec(ctx, `DELETE FROM refresh_tokens WHERE expires_at <= now()`)
	if err != nil {
		return stats, err
	}
	stats.RefreshTokens = int(tag.RowsAffected())

	tag, err = s.pool.Exec(ctx, `DELETE FROM token_blacklist WHERE expires_at <= now()`)
	if err != nil {
		return stats, err
	}
	stats.Blacklist = int(tag.RowsAffected())
	return stats, nil
}
