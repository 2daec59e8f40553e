package risk

import (
	"github.com/ethereum/go-ethereum/common"

	"dustsweep/internal/domain"
)

// knownSafe lists wrapped native and major stablecoins per chain id.
var knownSafe = map[int64][]string{
	1: {
		"0xC02aaA39b223FE8D0A0e5C4F27eAD9083C756Cc2", // WETH
		"0xA0b86991c6218b36c1d19D4a2e9Eb0cE3606eB48", // USDC
		"0xdAC17F958D2ee523a2206206994597C13D831ec7", // USDT
		"0x6B175474E89094C44Da98b954EedeAC495271d0F", // DAI
	},
	8453: {
		"0x4200000000000000000000000000000000000006", // WETH
		"0x833589fCD6eDb6E08f4c7C32D4f71b54bdA02913", // USDC
		"0xfde4C96c8593536E31F229EA8f37b2ADa2699bb2", // USDT
		"0x50c5725949A6F0c72E6C4a641F24049A917DB0Cb", // DAI
	},
	42161: {
		"0x82aF49447D8a07e3bd95BD0d56f35241523fBab1", // WETH
		"0xaf88d065e77c8cC2239327C5EDb3A432268e5831", // USDC
		"0xFd086bC7CD5C481DCC9C85ebE478A1C0b69FCbb9", // USDT
		"0xDA10009cBd5D07dd0CeCc66161FC93D7c9000da1", // DAI
	},
}

// DefaultAllowlist returns the native placeholder plus known-safe tokens of
// chainID, followed by extra addresses. Invalid extras are skipped.
func DefaultAllowlist(chainID int64, extra ...string) []common.Address {
	out := []common.Address{domain.NativeToken}
	for _, s := range knownSafe[chainID] {
		out = append(out, common.HexToAddress(s))
	}
	for _, s := range extra {
		if addr, err := domain.ParseAddress(s); err == nil {
			out = append(out, addr)
		}
	}
	return out
}
