package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/ethereum/go-ethereum/common"

	"dustsweep/internal/domain"
	"dustsweep/internal/storage"
)

// ConsolidationStore is an in-memory implementation of storage.ConsolidationStore.
type ConsolidationStore struct {
	mu   sync.RWMutex
	data map[string]*domain.ConsolidationRecord // keyed by id
	now  func() time.Time
}

// NewConsolidationStore creates a new in-memory consolidation store.
func NewConsolidationStore() *ConsolidationStore {
	return &ConsolidationStore{
		data: make(map[string]*domain.ConsolidationRecord),
		now:  time.Now,
	}
}

// Insert adds a new record. Returns ErrDuplicateKey if id exists.
func (s *ConsolidationStore) Insert(_ context.Context, r *domain.ConsolidationRecord) error {
	if r == nil || r.ID == "" || !r.Status.Valid() {
		return storage.ErrInvalidInput
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.data[r.ID]; exists {
		return storage.ErrDuplicateKey
	}
	s.data[r.ID] = r.Clone()
	return nil
}

// GetByID retrieves a record by its ID. Returns ErrNotFound if not exists.
func (s *ConsolidationStore) GetByID(_ context.Context, id string) (*domain.ConsolidationRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	r, exists := s.data[id]
	if !exists {
		return nil, storage.ErrNotFound
	}
	return r.Clone(), nil
}

// GetByOwner retrieves the newest records of owner, ordered by created_at DESC.
func (s *ConsolidationStore) GetByOwner(_ context.Context, owner common.Address, limit int) ([]*domain.ConsolidationRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []*domain.ConsolidationRecord
	for _, r := range s.data {
		if r.Owner == owner {
			result = append(result, r.Clone())
		}
	}

	sort.Slice(result, func(i, j int) bool {
		return result[i].CreatedAt.After(result[j].CreatedAt)
	})
	if limit > 0 && len(result) > limit {
		result = result[:limit]
	}
	return result, nil
}

// Transition atomically moves the record from one status to another.
func (s *ConsolidationStore) Transition(_ context.Context, id string, from, to domain.ConsolidationStatus, upd storage.RecordUpdate) (*domain.ConsolidationRecord, error) {
	if !domain.CanTransition(from, to) {
		return nil, errors.Wrapf(storage.ErrInvalidInput, "transition %s -> %s", from, to)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	r, exists := s.data[id]
	if !exists {
		return nil, storage.ErrNotFound
	}
	if r.Status != from {
		return nil, errors.Wrapf(storage.ErrConflict, "record %s is %s, expected %s", id, r.Status, from)
	}
	if from == to {
		return r.Clone(), nil
	}

	now := s.now().UTC()
	r.Status = to
	r.UpdatedAt = now
	if upd.UserOpHash != "" {
		r.UserOpHash = upd.UserOpHash
	}
	if upd.TxHash != "" {
		r.TxHash = upd.TxHash
	}
	if upd.ErrorMessage != "" {
		r.ErrorMessage = upd.ErrorMessage
	}
	if to.Terminal() {
		r.CompletedAt = &now
	}
	return r.Clone(), nil
}

var _ storage.ConsolidationStore = (*ConsolidationStore)(nil)
