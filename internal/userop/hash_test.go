package userop

import (
	"math/big"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"dustsweep/internal/domain"
)

func TestHash_IgnoresSignature(t *testing.T) {
	op := signedOp()
	h1, err := Hash(op, testEntryPoint, testChainID)
	require.NoError(t, err)
	h2, err := Hash(op.WithSignature(PlaceholderSignature), testEntryPoint, testChainID)
	require.NoError(t, err)
	assert.Equal(t, h1, h2)
	assert.NotEqual(t, common.Hash{}, h1)
}

// Expected values are getUserOpHash of EntryPoint v0.7 for the same fields,
// computed outside Go from the raw abi.encode layout.
func TestHash_KnownAnswer(t *testing.T) {
	sponsored := signedOp()
	sponsored.Paymaster = &testPaymaster
	sponsored.PaymasterVerificationGasLimit = big.NewInt(60_000)
	sponsored.PaymasterPostOpGasLimit = big.NewInt(10_000)
	sponsored.PaymasterData = []byte{0xde, 0xad}

	tests := []struct {
		name string
		op   *domain.UserOperation
		want string
	}{
		{"unsponsored", signedOp(), "0xf5a885fdf273fe7818d05ce3dcf5b896523b88836133150f766a2c61c8035a9c"},
		{"sponsored", sponsored, "0xd86efd0ccebe99e0f625aa4d6743ae1da3fef8b6607482ce10b17368c05030f7"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := Hash(tt.op, DefaultEntryPoint, big.NewInt(8453))
			require.NoError(t, err)
			assert.Equal(t, common.HexToHash(tt.want), got)
		})
	}
}

func TestHash_BindsChainAndEntryPoint(t *testing.T) {
	op := signedOp()
	base, _ := Hash(op, testEntryPoint, testChainID)

	other, _ := Hash(op, testEntryPoint, big.NewInt(1))
	assert.NotEqual(t, base, other)

	other, _ = Hash(op, common.HexToAddress("0x5FF137D4b0FDCD49DcA30c7CF57E578a026d2789"), testChainID)
	assert.NotEqual(t, base, other)

	bumped := op.Clone()
	bumped.Nonce = big.NewInt(6)
	other, _ = Hash(bumped, testEntryPoint, testChainID)
	assert.NotEqual(t, base, other)

	sponsored := op.Clone()
	sponsored.Paymaster = &testPaymaster
	sponsored.PaymasterVerificationGasLimit = big.NewInt(1)
	other, _ = Hash(sponsored, testEntryPoint, testChainID)
	assert.NotEqual(t, base, other)
}

func TestPackU128Pair(t *testing.T) {
	w := packU128Pair(big.NewInt(1), big.NewInt(2))
	assert.Equal(t, byte(1), w[15])
	assert.Equal(t, byte(2), w[31])
	for i, b := range w {
		if i != 15 && i != 31 {
			assert.Zero(t, b, "byte %d", i)
		}
	}
}

func TestPaymasterAndDataLayout(t *testing.T) {
	op := signedOp()
	assert.Nil(t, paymasterAndData(op))

	op.Paymaster = &testPaymaster
	op.PaymasterVerificationGasLimit = big.NewInt(0x0102)
	op.PaymasterPostOpGasLimit = big.NewInt(3)
	op.PaymasterData = []byte{0xaa}

	got := paymasterAndData(op)
	require.Len(t, got, 20+16+16+1)
	assert.Equal(t, testPaymaster.Bytes(), got[:20])
	assert.Equal(t, []byte{0x01, 0x02}, got[34:36])
	assert.Equal(t, byte(3), got[51])
	assert.Equal(t, byte(0xaa), got[52])
}
