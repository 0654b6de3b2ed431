package verification

import (
	"context"
	"encoding/json"
	"sort"
	"sync"
	"time"
)

// MemoryStore is an in-memory implementation of Store for demo/test use.
// All conditional updates run under a single write lock, which makes each
// of them atomic in the same way a conditional UPDATE is in Postgres.
type MemoryStore struct {
	mu         sync.RWMutex
	challenges map[string]*Challenge
}

// NewMemoryStore creates an in-memory challenge store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{challenges: make(map[string]*Challenge)}
}

func (m *MemoryStore) Create(ctx context.Context, c *Challenge) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.challenges[c.Token]; exists {
		return ErrConflict
	}
	m.challenges[c.Token] = c.Clone()
	return nil
}

func (m *MemoryStore) Get(ctx context.Context, token, userID string) (*Challenge, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	c, ok := m.challenges[token]
	if !ok || c.UserID != userID {
		return nil, ErrNotFound
	}
	return c.Clone(), nil
}

// pendingLocked returns the owned record if it is pending (and unexpired
// when requireLive). Caller must hold m.mu.
func (m *MemoryStore) pendingLocked(token, userID string, requireLive bool, now time.Time) (*Challenge, error) {
	c, ok := m.challenges[token]
	if !ok || c.UserID != userID {
		return nil, ErrNotFound
	}
	switch c.Status {
	case StatusVerified:
		return nil, ErrConflict
	case StatusExpired:
		return nil, ErrExpired
	}
	if requireLive && c.ExpiredAt(now) {
		return nil, ErrExpired
	}
	return c, nil
}

func (m *MemoryStore) Transition(ctx context.Context, token, userID string, to Status, now time.Time) (*Challenge, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	c, err := m.pendingLocked(token, userID, to == StatusVerified, now)
	if err != nil {
		return nil, err
	}
	c.Status = to
	if to == StatusVerified {
		t := now
		c.VerifiedAt = &t
	}
	c.UpdatedAt = now
	c.Version++
	return c.Clone(), nil
}

func (m *MemoryStore) AttachCode(ctx context.Context, token, userID, code string, expiresAt *time.Time, now time.Time) (*Challenge, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	c, err := m.pendingLocked(token, userID, true, now)
	if err != nil {
		return nil, err
	}
	issued := now
	c.OTPCode = code
	c.OTPIssuedAt = &issued
	c.EmailSent = false
	c.EmailSentAt = nil
	if expiresAt != nil {
		c.ExpiresAt = *expiresAt
	}
	c.UpdatedAt = now
	c.Version++
	return c.Clone(), nil
}

func (m *MemoryStore) MarkEmailSent(ctx context.Context, token, userID string, now time.Time) (*Challenge, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	c, err := m.pendingLocked(token, userID, false, now)
	if err != nil {
		return nil, err
	}
	sent := now
	c.EmailSent = true
	c.EmailSentAt = &sent
	c.UpdatedAt = now
	c.Version++
	return c.Clone(), nil
}

func (m *MemoryStore) RecordFailedAttempt(ctx context.Context, token, userID string, maxAttempts int, now time.Time) (*Challenge, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	c, err := m.pendingLocked(token, userID, false, now)
	if err != nil {
		return nil, err
	}
	c.Attempts++
	if maxAttempts > 0 && c.Attempts >= maxAttempts {
		c.Status = StatusExpired
	}
	c.UpdatedAt = now
	c.Version++
	return c.Clone(), nil
}

func (m *MemoryStore) UpdatePayload(ctx context.Context, token, userID string, payload json.RawMessage, version int, now time.Time) (*Challenge, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	c, err := m.pendingLocked(token, userID, true, now)
	if err != nil {
		return nil, err
	}
	if c.Version != version {
		return nil, ErrStaleWrite
	}
	c.EscrowedPayload = append(json.RawMessage(nil), payload...)
	c.UpdatedAt = now
	c.Version++
	return c.Clone(), nil
}

func (m *MemoryStore) ExpireStale(ctx context.Context, now time.Time, limit int) ([]ExpiredRef, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var stale []*Challenge
	for _, c := range m.challenges {
		if c.Status == StatusPending && c.ExpiredAt(now) {
			stale = append(stale, c)
		}
	}
	// Oldest deadline first, matching the Postgres ORDER BY.
	sort.Slice(stale, func(i, j int) bool { return stale[i].ExpiresAt.Before(stale[j].ExpiresAt) })
	if limit > 0 && len(stale) > limit {
		stale = stale[:limit]
	}

	refs := make([]ExpiredRef, 0, len(stale))
	for _, c := range stale {
		c.Status = StatusExpired
		c.UpdatedAt = now
		c.Version++
		refs = append(refs, ExpiredRef{Token: c.Token, UserID: c.UserID})
	}
	return refs, nil
}
