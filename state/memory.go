package state

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"authd/auth"
)

// MemoryStore keeps state records in a TTL map. It is only safe for
// single-instance deployments: nothing here is visible to other processes,
// so production code paths must default to PostgresStore. Re-registering a
// state overwrites the previous record.
type MemoryStore struct {
	mu      sync.Mutex
	records map[string]*Record
	ttl     time.Duration
	logger  *slog.Logger
	audit   auth.Auditor
	now     func() time.Time
}

// NewMemoryStore constructs the in-process store. ttl <= 0 selects
// DefaultTTL; audit may be nil.
func NewMemoryStore(ttl time.Duration, logger *slog.Logger, audit auth.Auditor) *MemoryStore {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	if audit == nil {
		audit = auth.NopAuditor{}
	}
	return &MemoryStore{
		records: make(map[string]*Record),
		ttl:     ttl,
		logger:  logger,
		audit:   audit,
		now:     time.Now,
	}
}

func (s *MemoryStore) Register(ctx context.Context, stateToken, nonce, fingerprint string) error {
	if stateToken == "" || nonce == "" {
		return auth.NewStateValidationError("state and nonce are required")
	}
	now := s.now()
	s.mu.Lock()
	s.records[stateToken] = &Record{
		State:       stateToken,
		Nonce:       nonce,
		Fingerprint: fingerprint,
		CreatedAt:   now,
		ExpiresAt:   now.Add(s.ttl),
	}
	s.mu.Unlock()
	return nil
}

func (s *MemoryStore) ValidateAndMarkUsed(ctx context.Context, stateToken string) bool {
	now := s.now()
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.records[stateToken]
	if !ok || !rec.ExpiresAt.After(now) {
		s.logger.Info("state not found or expired", "state_prefix", statePrefix(stateToken))
		return false
	}
	if rec.Used {
		s.logger.Error("state replay attempt detected",
			"state_prefix", statePrefix(stateToken),
			"first_used_at", rec.UsedAt)
		s.audit.Emit(ctx, auth.Event{
			Type: auth.EventReplayDetected,
			At:   now,
			Details: map[string]any{
				"state_prefix":  statePrefix(stateToken),
				"first_used_at": rec.UsedAt,
			},
		})
		return false
	}
	rec.Used = true
	rec.UsedAt = now
	return true
}

func (s *MemoryStore) Nonce(ctx context.Context, stateToken string) (string, error) {
	now := s.now()
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.records[stateToken]
	if !ok || !rec.ExpiresAt.After(now) {
		return "", nil
	}
	return rec.Nonce, nil
}

func (s *MemoryStore) CleanupExpired(ctx context.Context) (int, error) {
	now := s.now()
	removed := 0
	s.mu.Lock()
	for key, rec := range s.records {
		if !rec.ExpiresAt.After(now) {
			delete(s.records, key)
			removed++
		}
	}
	s.mu.Unlock()
	return removed, nil
}

func (s *MemoryStore) Clear(ctx context.Context) (int, error) {
	s.mu.Lock()
	removed := len(s.records)
	s.records = make(map[string]*Record)
	s.mu.Unlock()
	s.logger.Warn("state store cleared", "removed", removed)
	return removed, nil
}

func (s *MemoryStore) Count(ctx context.Context) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.records), nil
}
