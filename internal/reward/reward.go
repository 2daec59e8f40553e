// Package reward publishes reward credits for confirmed consolidations.
//
// The coordinator credits a consolidation once, on the transition to
// confirmed. Ledgers key every credit by consolidation id so a downstream
// consumer can discard redelivered events.
package reward

import (
	"context"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
)

// Credit is the reward event of one confirmed consolidation.
type Credit struct {
	ConsolidationID string         `json:"consolidationId"`
	Owner           common.Address `json:"owner"`
	OutputToken     common.Address `json:"outputToken"`
	NetOutput       string         `json:"netOutput"` // smallest units
	InputCount      int            `json:"inputCount"`
	UserOpHash      string         `json:"userOpHash"`
	TxHash          string         `json:"txHash"`
	ConfirmedAt     time.Time      `json:"confirmedAt"`
}

// Ledger records reward credits.
type Ledger interface {
	Credit(ctx context.Context, c Credit) error
}

// MemoryLedger keeps credits in process. Repeated credits of one
// consolidation are ignored.
type MemoryLedger struct {
	mu      sync.Mutex
	credits []Credit
	seen    map[string]struct{}
}

// NewMemoryLedger creates an empty ledger.
func NewMemoryLedger() *MemoryLedger {
	return &MemoryLedger{seen: make(map[string]struct{})}
}

var _ Ledger = (*MemoryLedger)(nil)

// Credit stores c unless its consolidation was already credited.
func (l *MemoryLedger) Credit(ctx context.Context, c Credit) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if _, dup := l.seen[c.ConsolidationID]; dup {
		return nil
	}
	l.seen[c.ConsolidationID] = struct{}{}
	l.credits = append(l.credits, c)
	return nil
}

// Credits returns a copy of the stored credits in arrival order.
func (l *MemoryLedger) Credits() []Credit {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]Credit(nil), l.credits...)
}

// OwnerCount returns how many consolidations of owner were credited.
func (l *MemoryLedger) OwnerCount(owner common.Address) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	n := 0
	for _, c := range l.credits {
		if c.Owner == owner {
			n++
		}
	}
	return n
}
