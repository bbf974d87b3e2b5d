package state

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"authd/auth"
)

const stateSchema = `
CREATE TABLE IF NOT EXISTS state_tokens (
	state       TEXT PRIMARY KEY,
	nonce       TEXT NOT NULL,
	fingerprint TEXT NOT NULL DEFAULT '',
	is_used     BOOLEAN NOT NULL DEFAULT FALSE,
	created_at  TIMESTAMPTZ NOT NULL DEFAULT now(),
	expires_at  TIMESTAMPTZ NOT NULL,
	used_at     TIMESTAMPTZ
);
CREATE INDEX IF NOT EXISTS state_tokens_expires_at_idx ON state_tokens (expires_at);
`

// uniqueViolation is the Postgres error code for duplicate keys.
const uniqueViolation = "23505"

// PostgresStore is the authoritative state/nonce store. Concurrent
// validators of the same state are serialized by a row lock inside one
// transaction, which is what makes the single-use guarantee hold across
// processes that share nothing but the database.
type PostgresStore struct {
	pool   *pgxpool.Pool
	ttl    time.Duration
	logger *slog.Logger
	audit  auth.Auditor
}

// NewPostgresStore wires the store. ttl <= 0 selects DefaultTTL; audit may
// be nil.
func NewPostgresStore(pool *pgxpool.Pool, ttl time.Duration, logger *slog.Logger, audit auth.Auditor) *PostgresStore {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	if audit == nil {
		audit = auth.NopAuditor{}
	}
	return &PostgresStore{pool: pool, ttl: ttl, logger: logger, audit: audit}
}

// EnsureSchema creates the state table when absent.
func (s *PostgresStore) EnsureSchema(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, stateSchema)
	return err
}

// Register persists a fresh state record. A duplicate state token is a
// conflict, never a silent overwrite.
func (s *PostgresStore) Register(ctx context.Context, stateToken, nonce, fingerprint string) error {
	if stateToken == "" || nonce == "" {
		return auth.NewStateValidationError("state and nonce are required")
	}
	_, err := s.pool.Exec(ctx,
		`INSERT INTO state_tokens (state, nonce, fingerprint, expires_at)
		 VALUES ($1, $2, $3, now() + make_interval(secs => $4))`,
		stateToken, nonce, fingerprint, s.ttl.Seconds())
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == uniqueViolation {
			return auth.NewStateValidationError("state token already registered").
				WithDetail("state_prefix", statePrefix(stateToken))
		}
		return err
	}
	return nil
}

// ValidateAndMarkUsed consumes a state token exactly once. The SELECT ...
// FOR UPDATE serializes concurrent attempts on the same row: one caller
// sees is_used=false and wins, everyone else waits on the lock and then
// sees is_used=true. Every failure path, including storage outages,
// resolves to false.
func (s *PostgresStore) ValidateAndMarkUsed(ctx context.Context, stateToken string) bool {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		s.logger.Error("state validation unavailable", "error", err)
		return false
	}
	defer tx.Rollback(ctx)

	var used bool
	var usedAt *time.Time
	err = tx.QueryRow(ctx,
		`SELECT is_used, used_at FROM state_tokens
		 WHERE state = $1 AND expires_at > now()
		 FOR UPDATE`,
		stateToken).Scan(&used, &usedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			s.logger.Info("state not found or expired", "state_prefix", statePrefix(stateToken))
		} else {
			s.logger.Error("state lookup failed", "error", err)
		}
		return false
	}

	if used {
		firstUsed := time.Time{}
		if usedAt != nil {
			firstUsed = *usedAt
		}
		s.logger.Error("state replay attempt detected",
			"state_prefix", statePrefix(stateToken),
			"first_used_at", firstUsed)
		s.audit.Emit(ctx, auth.Event{
			Type: auth.EventReplayDetected,
			Details: map[string]any{
				"state_prefix":  statePrefix(stateToken),
				"first_used_at": firstUsed,
			},
		})
		return false
	}

	if _, err := tx.Exec(ctx,
		`UPDATE state_tokens SET is_used = TRUE, used_at = now() WHERE state = $1`,
		stateToken); err != nil {
		s.logger.Error("state update failed", "error", err)
		return false
	}
	if err := tx.Commit(ctx); err != nil {
		s.logger.Error("state commit failed", "error", err)
		return false
	}
	return true
}

// Nonce returns the nonce registered with a live state token, or "" when
// the row is missing or expired.
func (s *PostgresStore) Nonce(ctx context.Context, stateToken string) (string, error) {
	var nonce string
	err := s.pool.QueryRow(ctx,
		`SELECT nonce FROM state_tokens WHERE state = $1 AND expires_at > now()`,
		stateToken).Scan(&nonce)
	if errors.Is(err, pgx.ErrNoRows) {
		return "", nil
	}
	if err != nil {
		return "", err
	}
	return nonce, nil
}

// CleanupExpired reaps rows past expiry, used or not. Safe to run from any
// number of processes concurrently.
func (s *PostgresStore) CleanupExpired(ctx context.Context) (int, error) {
	tag, err := s.pool.Exec(ctx, `DELETE FROM state_tokens WHERE expires_at <= now()`)
	if err != nil {
		return 0, err
	}
	return int(tag.RowsAffected()), nil
}

// Clear removes every state row. Administrative use only.
func (s *PostgresStore) Clear(ctx context.Context) (int, error) {
	tag, err := s.pool.Exec(ctx, `DELETE FROM state_tokens`)
	if err != nil {
		return 0, err
	}
	removed := int(tag.RowsAffected())
	s.logger.Warn("state store cleared", "removed", removed)
	return removed, nil
}

func (s *PostgresStore) Count(ctx context.Context) (int, error) {
	var n int
	if err := s.pool.QueryRow(ctx, `SELECT count(*) FROM state_tokens`).Scan(&n); err != nil {
		return 0, err
	}
	return n, nil
}
