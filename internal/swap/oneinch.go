package swap

import (
	"context"
	"fmt"
	"net/url"
	"strconv"

	"github.com/cockroachdb/errors"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"

	"dustsweep/internal/domain"
	"dustsweep/internal/httpjson"
)

// Aggregator is the DEX aggregator the router prices and builds swaps with.
type Aggregator interface {
	Quote(ctx context.Context, from, to common.Address, amount string) (domain.SwapQuote, error)
	Swap(ctx context.Context, from, to common.Address, amount string, trader common.Address, slippage float64) (domain.SwapTransaction, error)
	Spender(ctx context.Context) (common.Address, error)
}

// OneInch talks to a 1inch v6-compatible swap API.
type OneInch struct {
	http    *httpjson.Client
	chainID int64
}

// NewOneInch creates an aggregator client for chainID.
func NewOneInch(c *httpjson.Client, chainID int64) *OneInch {
	return &OneInch{http: c, chainID: chainID}
}

func (o *OneInch) path(endpoint string) string {
	return fmt.Sprintf("/swap/v6.0/%d/%s", o.chainID, endpoint)
}

type oneInchToken struct {
	Address common.Address `json:"address"`
}

type oneInchPart struct {
	Name             string         `json:"name"`
	Part             float64        `json:"part"`
	FromTokenAddress common.Address `json:"fromTokenAddress"`
	ToTokenAddress   common.Address `json:"toTokenAddress"`
}

type oneInchQuote struct {
	SrcToken  *oneInchToken     `json:"srcToken"`
	DstToken  *oneInchToken     `json:"dstToken"`
	DstAmount string            `json:"dstAmount"`
	Protocols [][][]oneInchPart `json:"protocols"`
	Gas       uint64            `json:"gas"`
}

type oneInchTx struct {
	From     common.Address `json:"from"`
	To       common.Address `json:"to"`
	Data     hexutil.Bytes  `json:"data"`
	Value    string         `json:"value"`
	Gas      uint64         `json:"gas"`
	GasPrice string         `json:"gasPrice"`
}

type oneInchSwap struct {
	oneInchQuote
	Tx oneInchTx `json:"tx"`
}

func (q oneInchQuote) toDomain(from, to common.Address, amount string) (domain.SwapQuote, error) {
	if _, err := domain.ParseAmount(q.DstAmount); err != nil {
		return domain.SwapQuote{}, errors.Wrap(err, "aggregator dstAmount")
	}
	out := domain.SwapQuote{
		FromToken:    from,
		ToToken:      to,
		FromAmount:   amount,
		ToAmount:     q.DstAmount,
		EstimatedGas: q.Gas,
	}
	for _, route := range q.Protocols {
		for _, hop := range route {
			for _, p := range hop {
				out.Routes = append(out.Routes, domain.Route{
					Protocol:  p.Name,
					Part:      p.Part,
					FromToken: p.FromTokenAddress,
					ToToken:   p.ToTokenAddress,
				})
			}
		}
	}
	return out, nil
}

// Quote prices amount of from in to.
func (o *OneInch) Quote(ctx context.Context, from, to common.Address, amount string) (domain.SwapQuote, error) {
	q := url.Values{
		"src":              {from.Hex()},
		"dst":              {to.Hex()},
		"amount":           {amount},
		"includeGas":       {"true"},
		"includeProtocols": {"true"},
	}
	var resp oneInchQuote
	if err := o.http.Get(ctx, "quote", o.path("quote"), q, &resp); err != nil {
		return domain.SwapQuote{}, err
	}
	return resp.toDomain(from, to, amount)
}

// Swap builds the unsigned swap call for trader. The aggregator skips its own
// balance/allowance simulation because approvals run in the same batch.
func (o *OneInch) Swap(ctx context.Context, from, to common.Address, amount string, trader common.Address, slippage float64) (domain.SwapTransaction, error) {
	q := url.Values{
		"src":              {from.Hex()},
		"dst":              {to.Hex()},
		"amount":           {amount},
		"from":             {trader.Hex()},
		"origin":           {trader.Hex()},
		"slippage":         {strconv.FormatFloat(slippage, 'f', -1, 64)},
		"disableEstimate":  {"true"},
		"includeGas":       {"true"},
		"includeProtocols": {"true"},
	}
	var resp oneInchSwap
	if err := o.http.Get(ctx, "swap", o.path("swap"), q, &resp); err != nil {
		return domain.SwapTransaction{}, err
	}
	quote, err := resp.toDomain(from, to, amount)
	if err != nil {
		return domain.SwapTransaction{}, err
	}
	if resp.Tx.To == (common.Address{}) || len(resp.Tx.Data) == 0 {
		return domain.SwapTransaction{}, errors.New("aggregator returned an empty transaction")
	}
	if resp.Tx.Gas > 0 {
		quote.EstimatedGas = resp.Tx.Gas
	}
	return domain.SwapTransaction{
		Quote: quote,
		Tx: domain.TxPayload{
			From:     resp.Tx.From,
			To:       resp.Tx.To,
			Data:     resp.Tx.Data,
			Value:    resp.Tx.Value,
			Gas:      resp.Tx.Gas,
			GasPrice: resp.Tx.GasPrice,
		},
		Slippage: slippage,
	}, nil
}

// Spender returns the router contract that swaps pull tokens through.
func (o *OneInch) Spender(ctx context.Context) (common.Address, error) {
	var resp struct {
		Address string `json:"address"`
	}
	if err := o.http.Get(ctx, "approve_spender", o.path("approve/spender"), nil, &resp); err != nil {
		return common.Address{}, err
	}
	addr, err := domain.ParseAddress(resp.Address)
	if err != nil {
		return common.Address{}, errors.Wrap(err, "aggregator spender")
	}
	return addr, nil
}
