package domain

import (
	"encoding/json"
	"math/big"
	"slices"

	"github.com/cockroachdb/errors"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
)

// UserOperation is an ERC-4337 EntryPoint v0.7 operation in its unpacked
// JSON-RPC form. Numeric fields travel as hex quantities.
//
// An operation is built unsigned, filled in by gas estimation and
// sponsorship, signed externally and then submitted exactly once.
type UserOperation struct {
	Sender               common.Address
	Nonce                *big.Int
	Factory              *common.Address // nil for deployed accounts
	FactoryData          []byte
	CallData             []byte
	CallGasLimit         *big.Int
	VerificationGasLimit *big.Int
	PreVerificationGas   *big.Int
	MaxFeePerGas         *big.Int
	MaxPriorityFeePerGas *big.Int

	Paymaster                     *common.Address // nil when not sponsored
	PaymasterVerificationGasLimit *big.Int
	PaymasterPostOpGasLimit       *big.Int
	PaymasterData                 []byte

	Signature []byte
}

type userOperationJSON struct {
	Sender                        common.Address  `json:"sender"`
	Nonce                         *hexutil.Big    `json:"nonce"`
	Factory                       *common.Address `json:"factory,omitempty"`
	FactoryData                   hexutil.Bytes   `json:"factoryData,omitempty"`
	CallData                      hexutil.Bytes   `json:"callData"`
	CallGasLimit                  *hexutil.Big    `json:"callGasLimit"`
	VerificationGasLimit          *hexutil.Big    `json:"verificationGasLimit"`
	PreVerificationGas            *hexutil.Big    `json:"preVerificationGas"`
	MaxFeePerGas                  *hexutil.Big    `json:"maxFeePerGas"`
	MaxPriorityFeePerGas          *hexutil.Big    `json:"maxPriorityFeePerGas"`
	Paymaster                     *common.Address `json:"paymaster,omitempty"`
	PaymasterVerificationGasLimit *hexutil.Big    `json:"paymasterVerificationGasLimit,omitempty"`
	PaymasterPostOpGasLimit       *hexutil.Big    `json:"paymasterPostOpGasLimit,omitempty"`
	PaymasterData                 hexutil.Bytes   `json:"paymasterData,omitempty"`
	Signature                     hexutil.Bytes   `json:"signature"`
}

func hexBig(v *big.Int) *hexutil.Big {
	if v == nil {
		return (*hexutil.Big)(new(big.Int))
	}
	return (*hexutil.Big)(v)
}

func optHexBig(v *big.Int) *hexutil.Big {
	if v == nil {
		return nil
	}
	return (*hexutil.Big)(v)
}

func fromHexBig(v *hexutil.Big) *big.Int {
	if v == nil {
		return nil
	}
	return new(big.Int).Set((*big.Int)(v))
}

// MarshalJSON encodes the operation in bundler wire format.
func (op UserOperation) MarshalJSON() ([]byte, error) {
	w := userOperationJSON{
		Sender:               op.Sender,
		Nonce:                hexBig(op.Nonce),
		Factory:              op.Factory,
		FactoryData:          op.FactoryData,
		CallData:             op.CallData,
		CallGasLimit:         hexBig(op.CallGasLimit),
		VerificationGasLimit: hexBig(op.VerificationGasLimit),
		PreVerificationGas:   hexBig(op.PreVerificationGas),
		MaxFeePerGas:         hexBig(op.MaxFeePerGas),
		MaxPriorityFeePerGas: hexBig(op.MaxPriorityFeePerGas),
		Paymaster:            op.Paymaster,
		PaymasterData:        op.PaymasterData,
		Signature:            op.Signature,
	}
	if w.CallData == nil {
		w.CallData = hexutil.Bytes{}
	}
	if w.Signature == nil {
		w.Signature = hexutil.Bytes{}
	}
	if op.Paymaster != nil {
		w.PaymasterVerificationGasLimit = hexBig(op.PaymasterVerificationGasLimit)
		w.PaymasterPostOpGasLimit = hexBig(op.PaymasterPostOpGasLimit)
		if w.PaymasterData == nil {
			w.PaymasterData = hexutil.Bytes{}
		}
	} else {
		w.PaymasterVerificationGasLimit = optHexBig(op.PaymasterVerificationGasLimit)
		w.PaymasterPostOpGasLimit = optHexBig(op.PaymasterPostOpGasLimit)
	}
	return json.Marshal(w)
}

// UnmarshalJSON decodes the bundler wire format.
func (op *UserOperation) UnmarshalJSON(data []byte) error {
	var w userOperationJSON
	if err := json.Unmarshal(data, &w); err != nil {
		return errors.Wrap(err, "decode user operation")
	}
	*op = UserOperation{
		Sender:                        w.Sender,
		Nonce:                         fromHexBig(w.Nonce),
		Factory:                       w.Factory,
		FactoryData:                   w.FactoryData,
		CallData:                      w.CallData,
		CallGasLimit:                  fromHexBig(w.CallGasLimit),
		VerificationGasLimit:          fromHexBig(w.VerificationGasLimit),
		PreVerificationGas:            fromHexBig(w.PreVerificationGas),
		MaxFeePerGas:                  fromHexBig(w.MaxFeePerGas),
		MaxPriorityFeePerGas:          fromHexBig(w.MaxPriorityFeePerGas),
		Paymaster:                     w.Paymaster,
		PaymasterVerificationGasLimit: fromHexBig(w.PaymasterVerificationGasLimit),
		PaymasterPostOpGasLimit:       fromHexBig(w.PaymasterPostOpGasLimit),
		PaymasterData:                 w.PaymasterData,
		Signature:                     w.Signature,
	}
	return nil
}

func cloneBig(v *big.Int) *big.Int {
	if v == nil {
		return nil
	}
	return new(big.Int).Set(v)
}

func cloneAddr(a *common.Address) *common.Address {
	if a == nil {
		return nil
	}
	c := *a
	return &c
}

// Clone returns a deep copy.
func (op *UserOperation) Clone() *UserOperation {
	return &UserOperation{
		Sender:                        op.Sender,
		Nonce:                         cloneBig(op.Nonce),
		Factory:                       cloneAddr(op.Factory),
		FactoryData:                   slices.Clone(op.FactoryData),
		CallData:                      slices.Clone(op.CallData),
		CallGasLimit:                  cloneBig(op.CallGasLimit),
		VerificationGasLimit:          cloneBig(op.VerificationGasLimit),
		PreVerificationGas:            cloneBig(op.PreVerificationGas),
		MaxFeePerGas:                  cloneBig(op.MaxFeePerGas),
		MaxPriorityFeePerGas:          cloneBig(op.MaxPriorityFeePerGas),
		Paymaster:                     cloneAddr(op.Paymaster),
		PaymasterVerificationGasLimit: cloneBig(op.PaymasterVerificationGasLimit),
		PaymasterPostOpGasLimit:       cloneBig(op.PaymasterPostOpGasLimit),
		PaymasterData:                 slices.Clone(op.PaymasterData),
		Signature:                     slices.Clone(op.Signature),
	}
}

// WithSignature returns a copy carrying sig.
func (op *UserOperation) WithSignature(sig []byte) *UserOperation {
	c := op.Clone()
	c.Signature = slices.Clone(sig)
	return c
}

// Sponsored reports whether a paymaster has been attached.
func (op *UserOperation) Sponsored() bool {
	return op.Paymaster != nil && *op.Paymaster != (common.Address{})
}

// ValidateForSubmit checks the fields a bundler requires before broadcast.
func (op *UserOperation) ValidateForSubmit() error {
	switch {
	case op.Sender == (common.Address{}):
		return errors.New("sender is empty")
	case op.Nonce == nil:
		return errors.New("nonce is missing")
	case len(op.CallData) == 0:
		return errors.New("callData is empty")
	case op.CallGasLimit == nil || op.VerificationGasLimit == nil || op.PreVerificationGas == nil:
		return errors.New("gas limits are missing")
	case op.MaxFeePerGas == nil || op.MaxPriorityFeePerGas == nil:
		return errors.New("fee fields are missing")
	case len(op.Signature) == 0:
		return errors.New("signature is empty")
	}
	return nil
}

// SameIntent reports whether signed carries the same call as op, ignoring the
// signature. Used to reject a signed operation that was altered after build.
func (op *UserOperation) SameIntent(signed *UserOperation) bool {
	a, b := op.Clone(), signed.Clone()
	a.Signature, b.Signature = nil, nil
	ja, errA := json.Marshal(a)
	jb, errB := json.Marshal(b)
	return errA == nil && errB == nil && string(ja) == string(jb)
}
