package userop

import (
	"math/big"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"

	"dustsweep/internal/domain"
)

var (
	typeAddress, _ = abi.NewType("address", "", nil)
	typeUint256, _ = abi.NewType("uint256", "", nil)
	typeBytes32, _ = abi.NewType("bytes32", "", nil)

	packedOpArgs = abi.Arguments{
		{Type: typeAddress}, // sender
		{Type: typeUint256}, // nonce
		{Type: typeBytes32}, // keccak(initCode)
		{Type: typeBytes32}, // keccak(callData)
		{Type: typeBytes32}, // accountGasLimits
		{Type: typeUint256}, // preVerificationGas
		{Type: typeBytes32}, // gasFees
		{Type: typeBytes32}, // keccak(paymasterAndData)
	}
	hashArgs = abi.Arguments{
		{Type: typeBytes32},
		{Type: typeAddress},
		{Type: typeUint256},
	}
)

// Hash computes the EntryPoint v0.7 userOpHash of op. The signature is not
// part of the hash, so the value is known before signing and before submit.
func Hash(op *domain.UserOperation, entryPoint common.Address, chainID *big.Int) (common.Hash, error) {
	packed, err := packedOpArgs.Pack(
		op.Sender,
		orZero(op.Nonce),
		crypto.Keccak256Hash(initCode(op)),
		crypto.Keccak256Hash(op.CallData),
		packU128Pair(op.VerificationGasLimit, op.CallGasLimit),
		orZero(op.PreVerificationGas),
		packU128Pair(op.MaxPriorityFeePerGas, op.MaxFeePerGas),
		crypto.Keccak256Hash(paymasterAndData(op)),
	)
	if err != nil {
		return common.Hash{}, err
	}
	outer, err := hashArgs.Pack(crypto.Keccak256Hash(packed), entryPoint, orZero(chainID))
	if err != nil {
		return common.Hash{}, err
	}
	return crypto.Keccak256Hash(outer), nil
}

func initCode(op *domain.UserOperation) []byte {
	if op.Factory == nil {
		return nil
	}
	return append(op.Factory.Bytes(), op.FactoryData...)
}

func paymasterAndData(op *domain.UserOperation) []byte {
	if op.Paymaster == nil {
		return nil
	}
	out := make([]byte, 0, 20+32+len(op.PaymasterData))
	out = append(out, op.Paymaster.Bytes()...)
	out = append(out, u128(op.PaymasterVerificationGasLimit)...)
	out = append(out, u128(op.PaymasterPostOpGasLimit)...)
	return append(out, op.PaymasterData...)
}

// packU128Pair packs hi and lo into one bytes32 word, 16 bytes each.
func packU128Pair(hi, lo *big.Int) [32]byte {
	var w [32]byte
	copy(w[:16], u128(hi))
	copy(w[16:], u128(lo))
	return w
}

func u128(v *big.Int) []byte {
	return common.LeftPadBytes(orZero(v).Bytes(), 16)
}

func orZero(v *big.Int) *big.Int {
	if v == nil {
		return new(big.Int)
	}
	return v
}
