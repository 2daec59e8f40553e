package domain

import (
	"time"

	"github.com/ethereum/go-ethereum/common"
)

// Scan is a wallet scan result owned by the scan collaborator.
// Corresponds to scans table in PostgreSQL.
type Scan struct {
	ID        string         `json:"id"`     // uuid
	Owner     common.Address `json:"owner"`  // wallet that requested the scan
	Tokens    []DustToken    `json:"tokens"` // candidate dust balances
	CreatedAt time.Time      `json:"createdAt"`
}

// Token returns the scanned token with address a.
func (s *Scan) Token(a common.Address) (DustToken, bool) {
	for _, t := range s.Tokens {
		if t.Address == a {
			return t, true
		}
	}
	return DustToken{}, false
}
