package postgres

import (
	"context"
	"encoding/json"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/ethereum/go-ethereum/common"
	"github.com/jackc/pgx/v5"

	"dustsweep/internal/domain"
	"dustsweep/internal/storage"
)

// ConsolidationStore implements storage.ConsolidationStore using PostgreSQL.
// Status transitions are compare-and-set updates on the status column.
type ConsolidationStore struct {
	pool *Pool
}

// NewConsolidationStore creates a new ConsolidationStore.
func NewConsolidationStore(pool *Pool) *ConsolidationStore {
	return &ConsolidationStore{pool: pool}
}

// Compile-time interface check.
var _ storage.ConsolidationStore = (*ConsolidationStore)(nil)

const recordColumns = `
	id, owner, scan_id, input_tokens, output_token,
	output_amount::text, protocol_fee::text, net_output::text,
	status, user_op_hash, tx_hash, error_message, quote, user_op,
	created_at, updated_at, completed_at
`

// Insert adds a new record. Returns ErrDuplicateKey if id exists.
func (s *ConsolidationStore) Insert(ctx context.Context, r *domain.ConsolidationRecord) (err error) {
	if r == nil || r.ID == "" || !r.Status.Valid() {
		return storage.ErrInvalidInput
	}
	start := time.Now()
	defer func() { s.pool.observe("consolidation_insert", start, err) }()

	inputs, err := json.Marshal(r.InputTokens)
	if err != nil {
		return errors.Wrap(err, "encode input tokens")
	}
	created, updated := r.CreatedAt, r.UpdatedAt
	if created.IsZero() {
		created = now()
	}
	if updated.IsZero() {
		updated = created
	}

	query := `
		INSERT INTO consolidations (
			id, owner, scan_id, input_tokens, output_token,
			output_amount, protocol_fee, net_output,
			status, user_op_hash, tx_hash, error_message, quote, user_op,
			created_at, updated_at, completed_at
		) VALUES (
			$1, $2, $3, $4, $5,
			$6::text::numeric, $7::text::numeric, $8::text::numeric,
			$9, $10, $11, $12, $13, $14,
			$15, $16, $17
		)
	`
	_, err = s.pool.Exec(ctx, query,
		r.ID,
		domain.AddressKey(r.Owner),
		r.ScanID,
		inputs,
		domain.AddressKey(r.OutputToken),
		orZero(r.OutputAmount),
		orZero(r.ProtocolFee),
		orZero(r.NetOutput),
		string(r.Status),
		r.UserOpHash,
		r.TxHash,
		r.ErrorMessage,
		nullJSON(r.Quote),
		nullJSON(r.UserOp),
		created.UTC(),
		updated.UTC(),
		r.CompletedAt,
	)
	if err != nil {
		if isDuplicateKeyError(err) {
			return storage.ErrDuplicateKey
		}
		return errors.Wrap(err, "insert consolidation")
	}
	return nil
}

// GetByID retrieves a record by its ID. Returns ErrNotFound if not exists.
func (s *ConsolidationStore) GetByID(ctx context.Context, id string) (_ *domain.ConsolidationRecord, err error) {
	start := time.Now()
	defer func() { s.pool.observe("consolidation_get", start, err) }()

	query := `SELECT ` + recordColumns + ` FROM consolidations WHERE id = $1`
	r, err := scanRecord(s.pool.QueryRow(ctx, query, id))
	if err != nil {
		if isNotFoundError(err) {
			return nil, storage.ErrNotFound
		}
		return nil, errors.Wrap(err, "get consolidation by id")
	}
	return r, nil
}

// GetByOwner retrieves the newest records of owner, ordered by created_at DESC.
// limit <= 0 returns all records.
func (s *ConsolidationStore) GetByOwner(ctx context.Context, owner common.Address, limit int) (_ []*domain.ConsolidationRecord, err error) {
	start := time.Now()
	defer func() { s.pool.observe("consolidation_by_owner", start, err) }()

	var lim any
	if limit > 0 {
		lim = limit
	}
	query := `SELECT ` + recordColumns + `
		FROM consolidations
		WHERE owner = $1
		ORDER BY created_at DESC, id DESC
		LIMIT $2
	`
	rows, err := s.pool.Query(ctx, query, domain.AddressKey(owner), lim)
	if err != nil {
		return nil, errors.Wrap(err, "get consolidations by owner")
	}
	defer rows.Close()

	var result []*domain.ConsolidationRecord
	for rows.Next() {
		r, err := scanRecord(rows)
		if err != nil {
			return nil, errors.Wrap(err, "scan consolidation")
		}
		result = append(result, r)
	}
	if err := rows.Err(); err != nil {
		return nil, errors.Wrap(err, "iterate consolidations")
	}
	return result, nil
}

// Transition moves the record from one status to another with a single
// UPDATE ... WHERE status = from. A concurrent writer that got there first
// makes the update match no row, reported as ErrConflict.
func (s *ConsolidationStore) Transition(ctx context.Context, id string, from, to domain.ConsolidationStatus, upd storage.RecordUpdate) (_ *domain.ConsolidationRecord, err error) {
	if !domain.CanTransition(from, to) {
		return nil, errors.Wrapf(storage.ErrInvalidInput, "transition %s -> %s", from, to)
	}
	if from == to {
		return s.expect(ctx, id, from)
	}

	start := time.Now()
	defer func() { s.pool.observe("consolidation_transition", start, err) }()

	query := `
		UPDATE consolidations SET
			status        = $3,
			updated_at    = $4,
			user_op_hash  = COALESCE(NULLIF($5, ''), user_op_hash),
			tx_hash       = COALESCE(NULLIF($6, ''), tx_hash),
			error_message = COALESCE(NULLIF($7, ''), error_message),
			completed_at  = CASE WHEN $8 THEN $4 ELSE completed_at END
		WHERE id = $1 AND status = $2
		RETURNING ` + recordColumns

	r, err := scanRecord(s.pool.QueryRow(ctx, query,
		id,
		string(from),
		string(to),
		now(),
		upd.UserOpHash,
		upd.TxHash,
		upd.ErrorMessage,
		to.Terminal(),
	))
	if err == nil {
		return r, nil
	}
	if !isNotFoundError(err) {
		return nil, errors.Wrapf(err, "transition consolidation %s", id)
	}
	if _, err := s.expect(ctx, id, from); err != nil {
		return nil, err
	}
	// Statuses only move forward, so this means the row changed under us.
	return nil, errors.Wrapf(storage.ErrConflict, "record %s changed during transition", id)
}

// expect returns the record if it is in status want.
func (s *ConsolidationStore) expect(ctx context.Context, id string, want domain.ConsolidationStatus) (*domain.ConsolidationRecord, error) {
	r, err := s.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}
	if r.Status != want {
		return nil, errors.Wrapf(storage.ErrConflict, "record %s is %s, expected %s", id, r.Status, want)
	}
	return r, nil
}

func scanRecord(row pgx.Row) (*domain.ConsolidationRecord, error) {
	var (
		r             domain.ConsolidationRecord
		owner, output string
		status        string
		inputs        []byte
		quote, userOp []byte
	)
	err := row.Scan(
		&r.ID,
		&owner,
		&r.ScanID,
		&inputs,
		&output,
		&r.OutputAmount,
		&r.ProtocolFee,
		&r.NetOutput,
		&status,
		&r.UserOpHash,
		&r.TxHash,
		&r.ErrorMessage,
		&quote,
		&userOp,
		&r.CreatedAt,
		&r.UpdatedAt,
		&r.CompletedAt,
	)
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal(inputs, &r.InputTokens); err != nil {
		return nil, errors.Wrap(err, "decode input tokens")
	}
	r.Owner = common.HexToAddress(owner)
	r.OutputToken = common.HexToAddress(output)
	r.Status = domain.ConsolidationStatus(status)
	r.Quote = quote
	r.UserOp = userOp
	r.CreatedAt = r.CreatedAt.UTC()
	r.UpdatedAt = r.UpdatedAt.UTC()
	if r.CompletedAt != nil {
		t := r.CompletedAt.UTC()
		r.CompletedAt = &t
	}
	return &r, nil
}

func orZero(amount string) string {
	if amount == "" {
		return "0"
	}
	return amount
}

func nullJSON(raw json.RawMessage) []byte {
	if len(raw) == 0 {
		return nil
	}
	return raw
}
