package risk

import (
	"context"
	"net/url"
	"strconv"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"dustsweep/internal/httpjson"
)

// HoneypotClient runs buy/sell simulations through a honeypot.is-compatible API.
type HoneypotClient struct {
	http    *httpjson.Client
	chainID int64
}

// NewHoneypotClient creates a honeypot provider for chainID.
func NewHoneypotClient(c *httpjson.Client, chainID int64) *HoneypotClient {
	return &HoneypotClient{http: c, chainID: chainID}
}

// Name returns the provider name.
func (h *HoneypotClient) Name() string { return h.http.Name() }

type honeypotResponse struct {
	HoneypotResult struct {
		IsHoneypot bool `json:"isHoneypot"`
	} `json:"honeypotResult"`
	SimulationSuccess bool `json:"simulationSuccess"`
	SimulationResult  struct {
		BuyTax  number `json:"buyTax"`  // percent
		SellTax number `json:"sellTax"` // percent
	} `json:"simulationResult"`
	Summary struct {
		Flags []struct {
			Flag string `json:"flag"`
		} `json:"flags"`
	} `json:"summary"`
	Pair struct {
		CreatedAtTimestamp number `json:"createdAtTimestamp"` // unix seconds
	} `json:"pair"`
}

// Simulate fetches the simulation result for token.
func (h *HoneypotClient) Simulate(ctx context.Context, token common.Address) (*HoneypotReport, error) {
	q := url.Values{
		"address": {token.Hex()},
		"chainID": {strconv.FormatInt(h.chainID, 10)},
	}
	var resp honeypotResponse
	if err := h.http.Get(ctx, "is_honeypot", "/v2/IsHoneypot", q, &resp); err != nil {
		return nil, err
	}

	r := &HoneypotReport{
		IsHoneypot:        resp.HoneypotResult.IsHoneypot,
		SimulationSuccess: resp.SimulationSuccess,
		BuyTax:            float64(resp.SimulationResult.BuyTax) / 100,
		SellTax:           float64(resp.SimulationResult.SellTax) / 100,
	}
	for _, f := range resp.Summary.Flags {
		if f.Flag != "" {
			r.Flags = append(r.Flags, f.Flag)
		}
	}
	if ts := int64(resp.Pair.CreatedAtTimestamp); ts > 0 {
		r.PairCreatedAt = time.Unix(ts, 0).UTC()
	}
	return r, nil
}
