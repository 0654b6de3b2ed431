package risk

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/mbd888/stepup/internal/pagination"
)

// MemoryStore is an in-memory implementation of Store for demo/test use.
type MemoryStore struct {
	mu          sync.RWMutex
	assessments map[string]*Assessment
	byUser      map[string][]string // userID → assessment IDs in insertion order
}

// NewMemoryStore creates an in-memory risk assessment store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		assessments: make(map[string]*Assessment),
		byUser:      make(map[string][]string),
	}
}

func (s *MemoryStore) Record(ctx context.Context, a *Assessment) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.assessments[a.ID] = a.Clone()
	s.byUser[a.UserID] = append(s.byUser[a.UserID], a.ID)
	return nil
}

func (s *MemoryStore) Get(ctx context.Context, id string) (*Assessment, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	a, ok := s.assessments[id]
	if !ok {
		return nil, ErrAssessmentNotFound
	}
	return a.Clone(), nil
}

func (s *MemoryStore) SetJustification(ctx context.Context, id, text string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	a, ok := s.assessments[id]
	if !ok {
		return ErrAssessmentNotFound
	}
	t := at.UTC()
	a.AIJustification = &text
	a.JustificationGeneratedAt = &t
	return nil
}

func (s *MemoryStore) ListByUser(ctx context.Context, userID string, before *pagination.Cursor, limit int) ([]*Assessment, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []*Assessment
	for _, id := range s.byUser[userID] {
		a := s.assessments[id]
		if before.After(a.CreatedAt, a.ID) {
			result = append(result, a.Clone())
		}
	}

	sort.Slice(result, func(i, j int) bool {
		if !result[i].CreatedAt.Equal(result[j].CreatedAt) {
			return result[i].CreatedAt.After(result[j].CreatedAt)
		}
		return result[i].ID > result[j].ID
	})
	if len(result) > limit {
		result = result[:limit]
	}
	return result, nil
}
