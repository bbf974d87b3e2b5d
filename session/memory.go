package session

import (
	"context"
	"sync"
	"time"
)

// MemoryStore keeps token state in process memory. Single-instance and
// test use only; nothing here survives a restart or reaches another
// process.
type MemoryStore struct {
	mu        sync.Mutex
	refresh   map[string]RefreshRecord
	sessions  map[string]SessionRecord
	blacklist map[string]BlacklistEntry
	now       func() time.Time
}

// NewMemoryStore constructs the in-process token store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		refresh:   make(map[string]RefreshRecord),
		sessions:  make(map[string]SessionRecord),
		blacklist: make(map[string]BlacklistEntry),
		now:       time.Now,
	}
}

func (s *MemoryStore) CreateSession(ctx context.Context, sess SessionRecord, refresh RefreshRecord) error {
	s.mu.Lock()
	s.sessions[sess.ID] = sess
	s.refresh[refresh.JTI] = refresh
	s.mu.Unlock()
	return nil
}

func (s *MemoryStore) GetRefreshToken(ctx context.Context, jti string) (*RefreshRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.refresh[jti]
	if !ok {
		return nil, nil
	}
	out := rec
	return &out, nil
}

func (s *MemoryStore) RotateRefreshToken(ctx context.Context, oldJTI string, next RefreshRecord) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	old, ok := s.refresh[oldJTI]
	if !ok || old.Revoked {
		return false, nil
	}
	old.Revoked = true
	s.refresh[oldJTI] = old
	s.refresh[next.JTI] = next
	return true, nil
}

func (s *MemoryStore) RevokeRefreshToken(ctx context.Context, rec RefreshRecord, reason string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	stored, ok := s.refresh[rec.JTI]
	if !ok || stored.Revoked {
		return false, nil
	}
	stored.Revoked = true
	s.refresh[rec.JTI] = stored

	if sess, ok := s.sessions[stored.SessionID]; ok {
		sess.Active = false
		s.sessions[stored.SessionID] = sess
	}

	now := s.now()
	s.blacklist[rec.JTI] = BlacklistEntry{
		JTI:       rec.JTI,
		UserID:    stored.UserID,
		TokenType: TokenTypeRefresh,
		Reason:    reason,
		CreatedAt: now,
		ExpiresAt: stored.ExpiresAt,
	}
	return true, nil
}

func (s *MemoryStore) RevokeAllForUser(ctx context.Context, userID, reason string, blacklistTTL time.Duration) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.now()
	revoked := 0
	for jti, rec := range s.refresh {
		if rec.UserID != userID || rec.Revoked || !rec.ExpiresAt.After(now) {
			continue
		}
		rec.Revoked = true
		s.refresh[jti] = rec
		revoked++

		s.blacklist[jti] = BlacklistEntry{
			JTI: jti, UserID: userID, TokenType: TokenTypeRefresh,
			Reason: reason, CreatedAt: now, ExpiresAt: rec.ExpiresAt,
		}
		if rec.AccessJTI != "" {
			s.blacklist[rec.AccessJTI] = BlacklistEntry{
				JTI: rec.AccessJTI, UserID: userID, TokenType: TokenTypeAccess,
				Reason: reason, CreatedAt: now, ExpiresAt: now.Add(blacklistTTL),
			}
		}
	}
	for id, sess := range s.sessions {
		if sess.UserID == userID && sess.Active {
			sess.Active = false
			s.sessions[id] = sess
		}
	}
	return revoked, nil
}

func (s *MemoryStore) IsBlacklisted(ctx context.Context, jti string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	entry, ok := s.blacklist[jti]
	if !ok {
		return false, nil
	}
	if !entry.ExpiresAt.After(s.now()) {
		delete(s.blacklist, jti)
		return false, nil
	}
	return true, nil
}

func (s *MemoryStore) CleanupExpired(ctx context.Context) (CleanupStats, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.now()
	var stats CleanupStats
	for jti, rec := range s.refresh {
		if !rec.ExpiresAt.After(now) {
			delete(s.refresh, jti)
			stats.RefreshTokens++
		}
	}
	for jti, entry := range s.blacklist {
		if !entry.ExpiresAt.After(now) {
			delete(s.blacklist, jti)
			stats.Blacklist++
		}
	}
	return stats, nil
}

// Session returns the stored session record. Test helper.
func (s *MemoryStore) Session(id string) (SessionRecord, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.sessions[id]
	return sess, ok
}
