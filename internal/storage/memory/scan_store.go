// Package memory provides in-memory store implementations for development and tests.
package memory

import (
	"context"
	"sync"

	"dustsweep/internal/domain"
	"dustsweep/internal/storage"
)

// ScanStore is an in-memory implementation of storage.ScanStore.
type ScanStore struct {
	mu   sync.RWMutex
	data map[string]*domain.Scan // keyed by scan id
}

// NewScanStore creates a new in-memory scan store.
func NewScanStore() *ScanStore {
	return &ScanStore{
		data: make(map[string]*domain.Scan),
	}
}

// Insert adds a scan. Returns ErrDuplicateKey if the scan id exists.
func (s *ScanStore) Insert(_ context.Context, scan *domain.Scan) error {
	if scan == nil || scan.ID == "" {
		return storage.ErrInvalidInput
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.data[scan.ID]; exists {
		return storage.ErrDuplicateKey
	}
	s.data[scan.ID] = copyScan(scan)
	return nil
}

// GetByID retrieves a scan by its ID. Returns ErrNotFound if not exists.
func (s *ScanStore) GetByID(_ context.Context, scanID string) (*domain.Scan, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	scan, exists := s.data[scanID]
	if !exists {
		return nil, storage.ErrNotFound
	}
	return copyScan(scan), nil
}

func copyScan(scan *domain.Scan) *domain.Scan {
	c := *scan
	c.Tokens = append([]domain.DustToken(nil), scan.Tokens...)
	return &c
}

var _ storage.ScanStore = (*ScanStore)(nil)
