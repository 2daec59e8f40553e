package postgres

import (
	"context"
	"encoding/json"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/ethereum/go-ethereum/common"

	"dustsweep/internal/domain"
	"dustsweep/internal/storage"
)

// ScanStore implements storage.ScanStore using PostgreSQL.
type ScanStore struct {
	pool *Pool
}

// NewScanStore creates a new ScanStore.
func NewScanStore(pool *Pool) *ScanStore {
	return &ScanStore{pool: pool}
}

// Compile-time interface check.
var _ storage.ScanStore = (*ScanStore)(nil)

// Insert adds a scan. Returns ErrDuplicateKey if the scan id exists.
func (s *ScanStore) Insert(ctx context.Context, scan *domain.Scan) (err error) {
	if scan == nil || scan.ID == "" {
		return storage.ErrInvalidInput
	}
	start := time.Now()
	defer func() { s.pool.observe("scan_insert", start, err) }()

	tokens, err := json.Marshal(scan.Tokens)
	if err != nil {
		return errors.Wrap(err, "encode scan tokens")
	}
	created := scan.CreatedAt
	if created.IsZero() {
		created = now()
	}

	query := `
		INSERT INTO scans (id, owner, tokens, created_at)
		VALUES ($1, $2, $3, $4)
	`
	_, err = s.pool.Exec(ctx, query, scan.ID, domain.AddressKey(scan.Owner), tokens, created.UTC())
	if err != nil {
		if isDuplicateKeyError(err) {
			return storage.ErrDuplicateKey
		}
		return errors.Wrap(err, "insert scan")
	}
	return nil
}

// GetByID retrieves a scan by its ID. Returns ErrNotFound if not exists.
func (s *ScanStore) GetByID(ctx context.Context, scanID string) (_ *domain.Scan, err error) {
	start := time.Now()
	defer func() { s.pool.observe("scan_get", start, err) }()

	query := `
		SELECT id, owner, tokens, created_at
		FROM scans
		WHERE id = $1
	`
	var (
		scan   domain.Scan
		owner  string
		tokens []byte
	)
	err = s.pool.QueryRow(ctx, query, scanID).Scan(&scan.ID, &owner, &tokens, &scan.CreatedAt)
	if err != nil {
		if isNotFoundError(err) {
			return nil, storage.ErrNotFound
		}
		return nil, errors.Wrap(err, "get scan by id")
	}
	scan.Owner = common.HexToAddress(owner)
	if err := json.Unmarshal(tokens, &scan.Tokens); err != nil {
		return nil, errors.Wrap(err, "decode scan tokens")
	}
	return &scan, nil
}
