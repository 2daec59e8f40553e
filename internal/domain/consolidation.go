package domain

import (
	"encoding/json"
	"time"

	"github.com/ethereum/go-ethereum/common"
)

// ConsolidationStatus is the lifecycle state of a consolidation.
type ConsolidationStatus string

// Consolidation statuses.
const (
	StatusPending   ConsolidationStatus = "pending"
	StatusSubmitted ConsolidationStatus = "submitted"
	StatusConfirmed ConsolidationStatus = "confirmed"
	StatusFailed    ConsolidationStatus = "failed"
)

// Terminal reports whether no further transition is allowed.
func (s ConsolidationStatus) Terminal() bool {
	return s == StatusConfirmed || s == StatusFailed
}

// Valid reports whether s is a known status.
func (s ConsolidationStatus) Valid() bool {
	switch s {
	case StatusPending, StatusSubmitted, StatusConfirmed, StatusFailed:
		return true
	}
	return false
}

var transitions = map[ConsolidationStatus][]ConsolidationStatus{
	StatusPending:   {StatusSubmitted, StatusFailed},
	StatusSubmitted: {StatusConfirmed, StatusFailed},
}

// CanTransition reports whether from -> to is allowed.
// failed -> failed is accepted as an idempotent no-op.
func CanTransition(from, to ConsolidationStatus) bool {
	if from == StatusFailed && to == StatusFailed {
		return true
	}
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// ConsolidationRecord is the persisted outcome of one consolidation.
// Corresponds to consolidations table in PostgreSQL.
type ConsolidationRecord struct {
	ID           string              `json:"id"`           // uuid
	Owner        common.Address      `json:"owner"`        // trader wallet
	ScanID       string              `json:"scanId"`       // source scan
	InputTokens  []common.Address    `json:"inputTokens"`  // unique
	OutputToken  common.Address      `json:"outputToken"`  // consolidation target
	OutputAmount string              `json:"outputAmount"` // aggregated toAmount, smallest units
	ProtocolFee  string              `json:"protocolFee"`  // smallest units
	NetOutput    string              `json:"netOutput"`    // OutputAmount - ProtocolFee
	Status       ConsolidationStatus `json:"status"`
	UserOpHash   string              `json:"userOpHash,omitempty"` // 0x-hex
	TxHash       string              `json:"txHash,omitempty"`     // chain transaction hash
	ErrorMessage string              `json:"errorMessage,omitempty"`
	Quote        json.RawMessage     `json:"quote,omitempty"`         // swaps as built
	UserOp       json.RawMessage     `json:"userOperation,omitempty"` // unsigned op as built
	CreatedAt    time.Time           `json:"createdAt"`
	UpdatedAt    time.Time           `json:"updatedAt"`
	CompletedAt  *time.Time          `json:"completedAt,omitempty"`
}

// Clone returns a copy that shares no slices with r.
func (r *ConsolidationRecord) Clone() *ConsolidationRecord {
	c := *r
	c.InputTokens = append([]common.Address(nil), r.InputTokens...)
	c.Quote = append(json.RawMessage(nil), r.Quote...)
	c.UserOp = append(json.RawMessage(nil), r.UserOp...)
	if r.CompletedAt != nil {
		t := *r.CompletedAt
		c.CompletedAt = &t
	}
	return &c
}
