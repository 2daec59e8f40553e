package domain

import (
	"math/big"
	"strings"

	"github.com/cockroachdb/errors"
	"github.com/ethereum/go-ethereum/common"
	"github.com/shopspring/decimal"
)

// DustToken is a small token balance handed to the core by the wallet scan.
// The scan sets address, symbol, balance, decimals and value; risk fields are
// filled in by risk enrichment.
type DustToken struct {
	Address  common.Address  `json:"address"`
	Symbol   string          `json:"symbol"`
	Balance  string          `json:"balance"`  // integer string, smallest unit
	Decimals uint8           `json:"decimals"` // ERC-20 decimals
	ValueUSD decimal.Decimal `json:"valueUsd"`

	RiskScore          int            `json:"riskScore"`
	RiskClassification Classification `json:"riskClassification,omitempty"`
	Excluded           bool           `json:"excluded"`
}

// NativeToken is the placeholder address aggregators use for the chain's native asset.
var NativeToken = common.HexToAddress("0xEeeeeEeeeEeEeeEeEeEeeEEEeeeeEeeeeeeeEEeE")

// ParseAmount parses a positive decimal integer string in smallest units.
func ParseAmount(s string) (*big.Int, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil, errors.New("empty amount")
	}
	v, ok := new(big.Int).SetString(s, 10)
	if !ok {
		return nil, errors.Newf("amount %q is not a decimal integer", s)
	}
	if v.Sign() <= 0 {
		return nil, errors.Newf("amount %q must be positive", s)
	}
	return v, nil
}

// ParseAddress parses a 0x-prefixed 20-byte hex address.
func ParseAddress(s string) (common.Address, error) {
	if !common.IsHexAddress(s) {
		return common.Address{}, errors.Newf("%q is not a hex address", s)
	}
	return common.HexToAddress(s), nil
}

// AddressKey is the canonical map/cache key of an address: lower-case hex.
func AddressKey(a common.Address) string {
	return strings.ToLower(a.Hex())
}
