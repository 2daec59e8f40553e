package memory

import (
	"context"
	"sort"
	"sync"

	"github.com/ethereum/go-ethereum/common"

	"dustsweep/internal/domain"
	"dustsweep/internal/storage"
)

// RiskLogStore is an in-memory implementation of storage.RiskLogStore.
type RiskLogStore struct {
	mu   sync.RWMutex
	data []domain.RiskScore
}

// NewRiskLogStore creates a new in-memory risk log.
func NewRiskLogStore() *RiskLogStore {
	return &RiskLogStore{}
}

// Append adds assessments.
func (s *RiskLogStore) Append(_ context.Context, scores []domain.RiskScore) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, sc := range scores {
		sc.Flags = append([]string(nil), sc.Flags...)
		s.data = append(s.data, sc)
	}
	return nil
}

// GetByToken retrieves the newest assessments of token, ordered by assessed_at DESC.
func (s *RiskLogStore) GetByToken(_ context.Context, token common.Address, limit int) ([]domain.RiskScore, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []domain.RiskScore
	for _, sc := range s.data {
		if sc.Token == token {
			sc.Flags = append([]string(nil), sc.Flags...)
			result = append(result, sc)
		}
	}

	sort.SliceStable(result, func(i, j int) bool {
		return result[i].AssessedAt.After(result[j].AssessedAt)
	})
	if limit > 0 && len(result) > limit {
		result = result[:limit]
	}
	return result, nil
}

// Len returns the number of logged assessments.
func (s *RiskLogStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.data)
}

var _ storage.RiskLogStore = (*RiskLogStore)(nil)
