package userop

import (
	"math/big"
	"strings"

	"github.com/cockroachdb/errors"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"

	"dustsweep/internal/chain"
)

// accountABI is the batch entry of the smart account.
const accountABIJSON = `[
	{"type":"function","name":"executeBatch","stateMutability":"nonpayable","inputs":[
		{"name":"dest","type":"address[]"},
		{"name":"value","type":"uint256[]"},
		{"name":"func","type":"bytes[]"}
	],"outputs":[]}
]`

var accountABI = func() abi.ABI {
	parsed, err := abi.JSON(strings.NewReader(accountABIJSON))
	if err != nil {
		panic(err)
	}
	return parsed
}()

// Call is one inner call of a batch.
type Call struct {
	To    common.Address
	Value *big.Int // nil means zero
	Data  []byte
}

// EncodeExecuteBatch encodes executeBatch(address[],uint256[],bytes[]).
func EncodeExecuteBatch(calls []Call) ([]byte, error) {
	if len(calls) == 0 {
		return nil, errors.New("batch has no calls")
	}
	dest := make([]common.Address, len(calls))
	values := make([]*big.Int, len(calls))
	data := make([][]byte, len(calls))
	for i, c := range calls {
		dest[i] = c.To
		values[i] = c.Value
		if values[i] == nil {
			values[i] = new(big.Int)
		}
		data[i] = c.Data
		if data[i] == nil {
			data[i] = []byte{}
		}
	}
	out, err := accountABI.Pack("executeBatch", dest, values, data)
	if err != nil {
		return nil, errors.Wrap(err, "pack executeBatch")
	}
	return out, nil
}

// DecodeExecuteBatch is the inverse of EncodeExecuteBatch.
func DecodeExecuteBatch(callData []byte) ([]Call, error) {
	method, ok := accountABI.Methods["executeBatch"]
	if !ok || len(callData) < 4 || string(callData[:4]) != string(method.ID) {
		return nil, errors.New("callData is not executeBatch")
	}
	args, err := method.Inputs.Unpack(callData[4:])
	if err != nil {
		return nil, errors.Wrap(err, "unpack executeBatch")
	}
	dest, _ := args[0].([]common.Address)
	values, _ := args[1].([]*big.Int)
	data, _ := args[2].([][]byte)
	if len(dest) != len(values) || len(dest) != len(data) {
		return nil, errors.New("executeBatch arrays differ in length")
	}
	calls := make([]Call, len(dest))
	for i := range dest {
		calls[i] = Call{To: dest[i], Value: values[i], Data: data[i]}
	}
	return calls, nil
}

// ApproveCall builds token.approve(spender, amount).
func ApproveCall(token, spender common.Address, amount *big.Int) (Call, error) {
	data, err := chain.ERC20ABI.Pack("approve", spender, amount)
	if err != nil {
		return Call{}, errors.Wrap(err, "pack approve")
	}
	return Call{To: token, Data: data}, nil
}

// TransferCall builds token.transfer(to, amount).
func TransferCall(token, to common.Address, amount *big.Int) (Call, error) {
	data, err := chain.ERC20ABI.Pack("transfer", to, amount)
	if err != nil {
		return Call{}, errors.Wrap(err, "pack transfer")
	}
	return Call{To: token, Data: data}, nil
}
