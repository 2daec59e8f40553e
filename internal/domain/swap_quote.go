package domain

import (
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
)

// Route is one leg of the aggregator's protocol split.
type Route struct {
	Protocol  string         `json:"protocol"`
	Part      float64        `json:"part"` // percent of the input routed through Protocol
	FromToken common.Address `json:"fromToken"`
	ToToken   common.Address `json:"toToken"`
}

// SwapQuote is the aggregator's price for one input token.
// Amounts are decimal integer strings in smallest units.
type SwapQuote struct {
	FromToken    common.Address `json:"fromToken"`
	ToToken      common.Address `json:"toToken"`
	FromAmount   string         `json:"fromAmount"`
	ToAmount     string         `json:"toAmount"`
	Routes       []Route        `json:"routes,omitempty"`
	EstimatedGas uint64         `json:"estimatedGas,omitempty"`
}

// TxPayload is an unsigned call produced by the aggregator.
type TxPayload struct {
	From     common.Address `json:"from"`
	To       common.Address `json:"to"`
	Data     hexutil.Bytes  `json:"data"`
	Value    string         `json:"value"` // wei, decimal
	Gas      uint64         `json:"gas"`
	GasPrice string         `json:"gasPrice"` // wei, decimal
}

// SwapTransaction pairs a quote with the call that executes it.
type SwapTransaction struct {
	Quote    SwapQuote `json:"quote"`
	Tx       TxPayload `json:"tx"`
	Slippage float64   `json:"slippage"` // percent actually applied
}
