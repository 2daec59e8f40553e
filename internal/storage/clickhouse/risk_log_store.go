package clickhouse

import (
	"context"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/ethereum/go-ethereum/common"

	"dustsweep/internal/domain"
	"dustsweep/internal/storage"
)

// RiskLogStore implements storage.RiskLogStore using ClickHouse.
type RiskLogStore struct {
	conn *Conn
}

// NewRiskLogStore creates a new RiskLogStore.
func NewRiskLogStore(conn *Conn) *RiskLogStore {
	return &RiskLogStore{conn: conn}
}

// Compile-time interface check.
var _ storage.RiskLogStore = (*RiskLogStore)(nil)

const riskColumns = `token, total, classification, excluded, flags,
	contract_safety, honeypot_risk, liquidity_score, rug_pull_risk,
	ownership_risk, proxy_risk, mint_risk, tax_risk,
	holder_distribution, age_score, volume_score, audit_status,
	assessed_at`

// Append adds assessments in one batch.
func (s *RiskLogStore) Append(ctx context.Context, scores []domain.RiskScore) (err error) {
	if len(scores) == 0 {
		return nil
	}
	start := time.Now()
	defer func() { s.conn.observe("risk_log_append", start, err) }()

	batch, err := s.conn.PrepareBatch(ctx, "INSERT INTO risk_assessments ("+riskColumns+")")
	if err != nil {
		return errors.Wrap(err, "prepare batch")
	}

	for _, sc := range scores {
		if sc.Total < 0 || sc.Total > domain.MaxLayerScore {
			_ = batch.Abort()
			return errors.Wrapf(storage.ErrInvalidInput, "total %d out of range", sc.Total)
		}
		flags := sc.Flags
		if flags == nil {
			flags = []string{}
		}
		l := sc.Layers
		err = batch.Append(
			domain.AddressKey(sc.Token), uint8(sc.Total), string(sc.Classification), boolToUint8(sc.Excluded), flags,
			uint8(l.ContractSafety), uint8(l.HoneypotRisk), uint8(l.LiquidityScore), uint8(l.RugPullRisk),
			uint8(l.OwnershipRisk), uint8(l.ProxyRisk), uint8(l.MintRisk), uint8(l.TaxRisk),
			uint8(l.HolderDistribution), uint8(l.AgeScore), uint8(l.VolumeScore), uint8(l.AuditStatus),
			sc.AssessedAt.UTC(),
		)
		if err != nil {
			_ = batch.Abort()
			return errors.Wrap(err, "append to batch")
		}
	}

	if err = batch.Send(); err != nil {
		return errors.Wrap(err, "send batch")
	}
	return nil
}

// GetByToken retrieves the newest assessments of token, ordered by assessed_at DESC.
// A non-positive limit returns all of them.
func (s *RiskLogStore) GetByToken(ctx context.Context, token common.Address, limit int) (_ []domain.RiskScore, err error) {
	start := time.Now()
	defer func() { s.conn.observe("risk_log_get_by_token", start, err) }()

	query := `SELECT ` + riskColumns + `
		FROM risk_assessments
		WHERE token = ?
		ORDER BY assessed_at DESC`
	args := []any{domain.AddressKey(token)}
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, uint64(limit))
	}

	rows, err := s.conn.Query(ctx, query, args...)
	if err != nil {
		return nil, errors.Wrap(err, "query by token")
	}
	defer rows.Close()

	return scanRiskScores(rows)
}

// scanRiskScores scans multiple rows.
func scanRiskScores(rows chRows) ([]domain.RiskScore, error) {
	var out []domain.RiskScore

	for rows.Next() {
		var (
			token, classification string
			total, excluded       uint8
			flags                 []string
			layers                [12]uint8
			assessedAt            time.Time
		)
		err := rows.Scan(
			&token, &total, &classification, &excluded, &flags,
			&layers[0], &layers[1], &layers[2], &layers[3],
			&layers[4], &layers[5], &layers[6], &layers[7],
			&layers[8], &layers[9], &layers[10], &layers[11],
			&assessedAt,
		)
		if err != nil {
			return nil, errors.Wrap(err, "scan risk assessment row")
		}

		out = append(out, domain.RiskScore{
			Token:          common.HexToAddress(token),
			Total:          int(total),
			Classification: domain.Classification(classification),
			Layers: domain.RiskLayers{
				ContractSafety:     int(layers[0]),
				HoneypotRisk:       int(layers[1]),
				LiquidityScore:     int(layers[2]),
				RugPullRisk:        int(layers[3]),
				OwnershipRisk:      int(layers[4]),
				ProxyRisk:          int(layers[5]),
				MintRisk:           int(layers[6]),
				TaxRisk:            int(layers[7]),
				HolderDistribution: int(layers[8]),
				AgeScore:           int(layers[9]),
				VolumeScore:        int(layers[10]),
				AuditStatus:        int(layers[11]),
			},
			Flags:      flags,
			Excluded:   excluded == 1,
			AssessedAt: assessedAt.UTC(),
		})
	}

	if err := rows.Err(); err != nil {
		return nil, errors.Wrap(err, "iterate risk assessment rows")
	}

	return out, nil
}

func boolToUint8(b bool) uint8 {
	if b {
		return 1
	}
	return 0
}
