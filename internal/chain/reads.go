package chain

import (
	"context"
	"math/big"
	"strings"

	"github.com/cockroachdb/errors"
	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
)

const erc20ABIJSON = `[
	{"type":"function","name":"balanceOf","stateMutability":"view","inputs":[{"name":"owner","type":"address"}],"outputs":[{"name":"","type":"uint256"}]},
	{"type":"function","name":"approve","stateMutability":"nonpayable","inputs":[{"name":"spender","type":"address"},{"name":"amount","type":"uint256"}],"outputs":[{"name":"","type":"bool"}]},
	{"type":"function","name":"transfer","stateMutability":"nonpayable","inputs":[{"name":"to","type":"address"},{"name":"amount","type":"uint256"}],"outputs":[{"name":"","type":"bool"}]}
]`

const entryPointABIJSON = `[
	{"type":"function","name":"getNonce","stateMutability":"view","inputs":[{"name":"sender","type":"address"},{"name":"key","type":"uint192"}],"outputs":[{"name":"nonce","type":"uint256"}]}
]`

var (
	// ERC20ABI covers balanceOf, approve and transfer.
	ERC20ABI = mustABI(erc20ABIJSON)
	// EntryPointABI covers the EntryPoint v0.7 nonce query.
	EntryPointABI = mustABI(entryPointABIJSON)
)

func mustABI(s string) abi.ABI {
	parsed, err := abi.JSON(strings.NewReader(s))
	if err != nil {
		panic(err)
	}
	return parsed
}

// Fees are EIP-1559 fee caps in wei.
type Fees struct {
	MaxFeePerGas         *big.Int
	MaxPriorityFeePerGas *big.Int
}

// ChainID returns the chain id reported by the nodes.
func (c *Client) ChainID(ctx context.Context) (*big.Int, error) {
	return Call(ctx, c, "chain_id", func(ctx context.Context, n Node) (*big.Int, error) {
		return n.ChainID(ctx)
	})
}

// BlockNumber returns the latest block number.
func (c *Client) BlockNumber(ctx context.Context) (uint64, error) {
	return Call(ctx, c, "block_number", func(ctx context.Context, n Node) (uint64, error) {
		return n.BlockNumber(ctx)
	})
}

// SuggestFees returns maxFee = 2·baseFee + tip and maxPriorityFee = tip.
func (c *Client) SuggestFees(ctx context.Context) (Fees, error) {
	return Call(ctx, c, "suggest_fees", func(ctx context.Context, n Node) (Fees, error) {
		head, err := n.HeaderByNumber(ctx, nil)
		if err != nil {
			return Fees{}, err
		}
		if head.BaseFee == nil {
			return Fees{}, errors.New("latest header has no base fee")
		}
		tip, err := n.SuggestGasTipCap(ctx)
		if err != nil {
			return Fees{}, err
		}
		maxFee := new(big.Int).Mul(head.BaseFee, big.NewInt(2))
		maxFee.Add(maxFee, tip)
		return Fees{MaxFeePerGas: maxFee, MaxPriorityFeePerGas: tip}, nil
	})
}

// EntryPointNonce reads getNonce(sender, key) from the EntryPoint.
func (c *Client) EntryPointNonce(ctx context.Context, entryPoint, sender common.Address, key *big.Int) (*big.Int, error) {
	if key == nil {
		key = new(big.Int)
	}
	data, err := EntryPointABI.Pack("getNonce", sender, key)
	if err != nil {
		return nil, errors.Wrap(err, "pack getNonce")
	}
	return c.callUint256(ctx, "entrypoint_nonce", entryPoint, data, EntryPointABI, "getNonce")
}

// TokenBalance reads balanceOf(owner) from an ERC-20 token.
func (c *Client) TokenBalance(ctx context.Context, token, owner common.Address) (*big.Int, error) {
	data, err := ERC20ABI.Pack("balanceOf", owner)
	if err != nil {
		return nil, errors.Wrap(err, "pack balanceOf")
	}
	return c.callUint256(ctx, "token_balance", token, data, ERC20ABI, "balanceOf")
}

func (c *Client) callUint256(ctx context.Context, op string, to common.Address, data []byte, contract abi.ABI, method string) (*big.Int, error) {
	out, err := Call(ctx, c, op, func(ctx context.Context, n Node) ([]byte, error) {
		return n.CallContract(ctx, ethereum.CallMsg{To: &to, Data: data}, nil)
	})
	if err != nil {
		return nil, err
	}
	values, err := contract.Unpack(method, out)
	if err != nil {
		return nil, errors.Wrapf(err, "unpack %s", method)
	}
	v, ok := values[0].(*big.Int)
	if !ok {
		return nil, errors.Newf("unpack %s: unexpected %T", method, values[0])
	}
	return v, nil
}
