package risk

import (
	"context"
	"fmt"
	"net/url"
	"strings"

	"github.com/cockroachdb/errors"
	"github.com/ethereum/go-ethereum/common"

	"dustsweep/internal/faults"
	"dustsweep/internal/httpjson"
)

// GoPlusClient reads token security data from a GoPlus-compatible API.
type GoPlusClient struct {
	http    *httpjson.Client
	chainID int64
}

// NewGoPlusClient creates a security provider for chainID.
func NewGoPlusClient(c *httpjson.Client, chainID int64) *GoPlusClient {
	return &GoPlusClient{http: c, chainID: chainID}
}

// Name returns the provider name.
func (g *GoPlusClient) Name() string { return g.http.Name() }

type goplusHolder struct {
	Address  string `json:"address"`
	Percent  number `json:"percent"`
	IsLocked flag   `json:"is_locked"`
}

type goplusToken struct {
	IsOpenSource         flag           `json:"is_open_source"`
	IsProxy              flag           `json:"is_proxy"`
	IsMintable           flag           `json:"is_mintable"`
	OwnerAddress         string         `json:"owner_address"`
	HiddenOwner          flag           `json:"hidden_owner"`
	CanTakeBackOwnership flag           `json:"can_take_back_ownership"`
	OwnerChangeBalance   flag           `json:"owner_change_balance"`
	SelfDestruct         flag           `json:"selfdestruct"`
	TransferPausable     flag           `json:"transfer_pausable"`
	IsBlacklisted        flag           `json:"is_blacklisted"`
	IsHoneypot           flag           `json:"is_honeypot"`
	TrustList            flag           `json:"trust_list"`
	BuyTax               number         `json:"buy_tax"`
	SellTax              number         `json:"sell_tax"`
	HolderCount          number         `json:"holder_count"`
	Holders              []goplusHolder `json:"holders"`
	LPHolders            []goplusHolder `json:"lp_holders"`
	CreatorPercent       number         `json:"creator_percent"`
}

type goplusResponse struct {
	Code    int                    `json:"code"`
	Message string                 `json:"message"`
	Result  map[string]goplusToken `json:"result"`
}

// TokenSecurity fetches and normalizes the security report of token.
func (g *GoPlusClient) TokenSecurity(ctx context.Context, token common.Address) (*SecurityReport, error) {
	key := strings.ToLower(token.Hex())
	var resp goplusResponse
	path := fmt.Sprintf("/api/v1/token_security/%d", g.chainID)
	if err := g.http.Get(ctx, "token_security", path, url.Values{"contract_addresses": {key}}, &resp); err != nil {
		return nil, err
	}
	if resp.Code != 1 {
		return nil, &faults.RejectedError{Provider: g.Name(), StatusCode: 200, Body: fmt.Sprintf("code %d: %s", resp.Code, resp.Message)}
	}
	t, ok := resp.Result[key]
	if !ok {
		return nil, errors.Newf("%s: no data for %s", g.Name(), key)
	}
	return t.report(), nil
}

func (t goplusToken) report() *SecurityReport {
	r := &SecurityReport{
		OpenSource:           bool(t.IsOpenSource),
		Proxy:                bool(t.IsProxy),
		Mintable:             bool(t.IsMintable),
		OwnerRenounced:       ownerRenounced(t.OwnerAddress),
		HiddenOwner:          bool(t.HiddenOwner),
		CanTakeBackOwnership: bool(t.CanTakeBackOwnership),
		OwnerChangeBalance:   bool(t.OwnerChangeBalance),
		SelfDestruct:         bool(t.SelfDestruct),
		Pausable:             bool(t.TransferPausable),
		Blacklist:            bool(t.IsBlacklisted),
		Honeypot:             bool(t.IsHoneypot),
		TrustListed:          bool(t.TrustList),
		BuyTax:               float64(t.BuyTax),
		SellTax:              float64(t.SellTax),
		HolderCount:          int(t.HolderCount),
		CreatorShare:         float64(t.CreatorPercent),
	}
	for i, h := range t.Holders {
		if i == 10 {
			break
		}
		r.Top10Share += float64(h.Percent)
	}
	for _, lp := range t.LPHolders {
		if lp.IsLocked {
			r.LPLockedShare += float64(lp.Percent)
		}
	}
	r.Top10Share = clampFraction(r.Top10Share)
	r.LPLockedShare = clampFraction(r.LPLockedShare)
	return r
}

func ownerRenounced(owner string) bool {
	switch strings.ToLower(owner) {
	case "", "0x0000000000000000000000000000000000000000", "0x000000000000000000000000000000000000dead":
		return true
	}
	return false
}

func clampFraction(v float64) float64 {
	switch {
	case v < 0:
		return 0
	case v > 1:
		return 1
	}
	return v
}
