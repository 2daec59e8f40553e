// Package storage defines the store interfaces shared by the memory, postgres
// and clickhouse implementations.
package storage

import (
	"context"

	"github.com/ethereum/go-ethereum/common"

	"dustsweep/internal/domain"
)

// ScanStore provides access to wallet scans produced by the scan collaborator.
type ScanStore interface {
	// Insert adds a scan. Returns ErrDuplicateKey if the scan id exists.
	Insert(ctx context.Context, s *domain.Scan) error

	// GetByID retrieves a scan by its ID. Returns ErrNotFound if not exists.
	GetByID(ctx context.Context, scanID string) (*domain.Scan, error)
}

// RecordUpdate carries the fields written alongside a status transition.
// Empty strings leave the stored value unchanged.
type RecordUpdate struct {
	UserOpHash   string
	TxHash       string
	ErrorMessage string
}

// ConsolidationStore provides access to consolidations storage.
type ConsolidationStore interface {
	// Insert adds a new record. Returns ErrDuplicateKey if id exists.
	Insert(ctx context.Context, r *domain.ConsolidationRecord) error

	// GetByID retrieves a record by its ID. Returns ErrNotFound if not exists.
	GetByID(ctx context.Context, id string) (*domain.ConsolidationRecord, error)

	// GetByOwner retrieves the newest records of owner, ordered by created_at DESC.
	GetByOwner(ctx context.Context, owner common.Address, limit int) ([]*domain.ConsolidationRecord, error)

	// Transition atomically moves the record from one status to another and
	// applies upd. Returns ErrConflict if the stored status is not from,
	// ErrInvalidInput if from -> to is not an allowed transition and
	// ErrNotFound if the record does not exist. failed -> failed returns the
	// stored record unchanged.
	Transition(ctx context.Context, id string, from, to domain.ConsolidationStatus, upd RecordUpdate) (*domain.ConsolidationRecord, error)
}

// RiskLogStore is an append-only log of fresh risk assessments.
type RiskLogStore interface {
	// Append adds assessments. Duplicates are allowed: each assessment is an event.
	Append(ctx context.Context, scores []domain.RiskScore) error

	// GetByToken retrieves the newest assessments of token, ordered by assessed_at DESC.
	GetByToken(ctx context.Context, token common.Address, limit int) ([]domain.RiskScore, error)
}
