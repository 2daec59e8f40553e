package risk

import (
	"bytes"
	"context"
	"encoding/json"
	"strconv"
	"time"

	"github.com/ethereum/go-ethereum/common"
)

// SecurityReport is the normalized answer of a token-security provider.
// Shares and taxes are fractions in [0,1].
type SecurityReport struct {
	OpenSource           bool
	Proxy                bool
	Mintable             bool
	OwnerRenounced       bool
	HiddenOwner          bool
	CanTakeBackOwnership bool
	OwnerChangeBalance   bool
	SelfDestruct         bool
	Pausable             bool
	Blacklist            bool
	Honeypot             bool
	TrustListed          bool
	BuyTax               float64
	SellTax              float64
	HolderCount          int
	Top10Share           float64
	LPLockedShare        float64
	CreatorShare         float64
}

// HoneypotReport is the normalized answer of a honeypot-simulation provider.
type HoneypotReport struct {
	IsHoneypot        bool
	SimulationSuccess bool
	BuyTax            float64 // fraction
	SellTax           float64 // fraction
	Flags             []string
	PairCreatedAt     time.Time // zero when unknown
}

// LiquidityReport is the normalized answer of a DEX-liquidity provider,
// summed over all pairs of the token on the target chain.
type LiquidityReport struct {
	Pairs         int
	LiquidityUSD  float64
	VolumeUSD24h  float64
	PairCreatedAt time.Time // oldest pair; zero when unknown
}

// SecurityProvider fetches contract security facts for a token.
type SecurityProvider interface {
	Name() string
	TokenSecurity(ctx context.Context, token common.Address) (*SecurityReport, error)
}

// HoneypotProvider simulates a buy and sell of a token.
type HoneypotProvider interface {
	Name() string
	Simulate(ctx context.Context, token common.Address) (*HoneypotReport, error)
}

// LiquidityProvider reports DEX liquidity and volume for a token.
type LiquidityProvider interface {
	Name() string
	Liquidity(ctx context.Context, token common.Address) (*LiquidityReport, error)
}

// Providers groups the three data sources of an assessment.
type Providers struct {
	Security  SecurityProvider
	Honeypot  HoneypotProvider
	Liquidity LiquidityProvider
}

// number decodes a JSON number that providers may send quoted.
type number float64

func (n *number) UnmarshalJSON(b []byte) error {
	b = bytes.Trim(b, `"`)
	if len(b) == 0 || string(b) == "null" {
		*n = 0
		return nil
	}
	v, err := strconv.ParseFloat(string(b), 64)
	if err != nil {
		return err
	}
	*n = number(v)
	return nil
}

// flag decodes "1"/"0", 1/0 and true/false.
type flag bool

func (f *flag) UnmarshalJSON(b []byte) error {
	switch string(bytes.Trim(b, `"`)) {
	case "1", "true":
		*f = true
	default:
		*f = false
	}
	return nil
}

var _ json.Unmarshaler = (*number)(nil)
