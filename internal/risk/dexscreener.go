package risk

import (
	"context"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"dustsweep/internal/httpjson"
)

// DexScreenerClient reads pair liquidity from a DexScreener-compatible API.
type DexScreenerClient struct {
	http  *httpjson.Client
	chain string
}

// NewDexScreenerClient creates a liquidity provider that only counts pairs on chain
// (the provider's chain slug, e.g. "ethereum" or "base").
func NewDexScreenerClient(c *httpjson.Client, chain string) *DexScreenerClient {
	return &DexScreenerClient{http: c, chain: chain}
}

// Name returns the provider name.
func (d *DexScreenerClient) Name() string { return d.http.Name() }

// dexScreenerPair represents a trading pair from DexScreener.
type dexScreenerPair struct {
	ChainID   string `json:"chainId"`
	Liquidity struct {
		USD float64 `json:"usd"`
	} `json:"liquidity"`
	Volume struct {
		H24 float64 `json:"h24"`
	} `json:"volume"`
	PairCreatedAt int64 `json:"pairCreatedAt"` // unix ms
}

type dexScreenerResponse struct {
	Pairs []dexScreenerPair `json:"pairs"`
}

// Liquidity sums liquidity and volume over the token's pairs on the target chain.
// A token without pairs yields an empty report, not an error.
func (d *DexScreenerClient) Liquidity(ctx context.Context, token common.Address) (*LiquidityReport, error) {
	var resp dexScreenerResponse
	if err := d.http.Get(ctx, "pairs", "/latest/dex/tokens/"+token.Hex(), nil, &resp); err != nil {
		return nil, err
	}

	r := &LiquidityReport{}
	for _, p := range resp.Pairs {
		if d.chain != "" && !strings.EqualFold(p.ChainID, d.chain) {
			continue
		}
		r.Pairs++
		r.LiquidityUSD += p.Liquidity.USD
		r.VolumeUSD24h += p.Volume.H24
		if p.PairCreatedAt > 0 {
			created := time.UnixMilli(p.PairCreatedAt).UTC()
			if r.PairCreatedAt.IsZero() || created.Before(r.PairCreatedAt) {
				r.PairCreatedAt = created
			}
		}
	}
	return r, nil
}
