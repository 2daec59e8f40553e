package swap

import (
	"context"
	"math/big"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/cockroachdb/errors"
	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"dustsweep/internal/domain"
	"dustsweep/internal/faults"
)

var (
	usdc   = common.HexToAddress("0xA0b86991c6218b36c1d19D4a2e9Eb0cE3606eB48")
	trader = common.HexToAddress("0x1111111111111111111111111111111111111111")
	router = common.HexToAddress("0x111111125421cA6dc452d289314280a0f8842A65")
	tokA   = common.HexToAddress("0x00000000000000000000000000000000000000a1")
	tokB   = common.HexToAddress("0x00000000000000000000000000000000000000b2")
	tokC   = common.HexToAddress("0x00000000000000000000000000000000000000c3")
)

type fakeAggregator struct {
	mu        sync.Mutex
	out       map[common.Address]string
	fail      map[common.Address]error
	slippages []float64
	spenders  atomic.Int32
}

func (f *fakeAggregator) Quote(_ context.Context, from, to common.Address, amount string) (domain.SwapQuote, error) {
	if err := f.fail[from]; err != nil {
		return domain.SwapQuote{}, err
	}
	return domain.SwapQuote{FromToken: from, ToToken: to, FromAmount: amount, ToAmount: f.out[from]}, nil
}

func (f *fakeAggregator) Swap(ctx context.Context, from, to common.Address, amount string, tr common.Address, slippage float64) (domain.SwapTransaction, error) {
	f.mu.Lock()
	f.slippages = append(f.slippages, slippage)
	f.mu.Unlock()
	q, err := f.Quote(ctx, from, to, amount)
	if err != nil {
		return domain.SwapTransaction{}, err
	}
	return domain.SwapTransaction{
		Quote:    q,
		Tx:       domain.TxPayload{From: tr, To: router, Data: []byte{0x12, 0xaa}, Value: "0"},
		Slippage: slippage,
	}, nil
}

func (f *fakeAggregator) Spender(context.Context) (common.Address, error) {
	f.spenders.Add(1)
	return router, nil
}

func newFake() *fakeAggregator {
	return &fakeAggregator{
		out: map[common.Address]string{
			tokA: "2000000",
			tokB: "4000000",
			tokC: "6000000",
		},
		fail: map[common.Address]error{},
	}
}

func newTestRouter(t *testing.T, agg Aggregator, opts ...Option) *Router {
	t.Helper()
	r := NewRouter(agg, opts...)
	t.Cleanup(r.Close)
	return r
}

func TestQuote_Validation(t *testing.T) {
	r := newTestRouter(t, newFake())
	ctx := context.Background()

	cases := []struct {
		name     string
		from, to common.Address
		amount   string
	}{
		{"zero from", common.Address{}, usdc, "1"},
		{"zero to", tokA, common.Address{}, "1"},
		{"same token", tokA, tokA, "1"},
		{"zero amount", tokA, usdc, "0"},
		{"negative amount", tokA, usdc, "-5"},
		{"fractional amount", tokA, usdc, "1.5"},
		{"empty amount", tokA, usdc, ""},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			_, err := r.Quote(ctx, c.from, c.to, c.amount)
			assert.True(t, faults.IsValidation(err), "got %v", err)
		})
	}

	q, err := r.Quote(ctx, tokA, usdc, "1000")
	require.NoError(t, err)
	assert.Equal(t, "2000000", q.ToAmount)
}

func TestBuildSwap_CapsSlippage(t *testing.T) {
	agg := newFake()
	r := newTestRouter(t, agg)

	tx, err := r.BuildSwap(context.Background(), tokA, usdc, "1000", trader, 10)
	require.NoError(t, err)
	assert.Equal(t, 2.0, tx.Slippage)
	assert.Equal(t, []float64{2}, agg.slippages)
}

func TestBuildSwap_KeepsSlippageUnderCeiling(t *testing.T) {
	agg := newFake()
	r := newTestRouter(t, agg, WithMaxSlippage(3))

	tx, err := r.BuildSwap(context.Background(), tokA, usdc, "1000", trader, 2.5)
	require.NoError(t, err)
	assert.Equal(t, 2.5, tx.Slippage)
}

func TestBuildSwap_RejectsNonPositiveSlippage(t *testing.T) {
	r := newTestRouter(t, newFake())
	for _, s := range []float64{0, -1} {
		_, err := r.BuildSwap(context.Background(), tokA, usdc, "1000", trader, s)
		assert.True(t, faults.IsValidation(err))
	}
}

func TestBuildMultiSwap_AggregatesExactly(t *testing.T) {
	r := newTestRouter(t, newFake())

	swaps, err := r.BuildMultiSwap(context.Background(), []Input{
		{Token: tokA, Amount: "2000000000000000000"},
		{Token: tokB, Amount: "4000000000000000000"},
		{Token: tokC, Amount: "6000000000000000000"},
	}, usdc, trader, 1)
	require.NoError(t, err)
	require.Len(t, swaps, 3)
	assert.Equal(t, tokA, swaps[0].Quote.FromToken)
	assert.Equal(t, tokC, swaps[2].Quote.FromToken)

	total, err := AggregateOutput(swaps)
	require.NoError(t, err)
	assert.Equal(t, "12000000", total.String())
}

func TestBuildMultiSwap_CapsSlippageOnEverySwap(t *testing.T) {
	agg := newFake()
	r := newTestRouter(t, agg)

	swaps, err := r.BuildMultiSwap(context.Background(), []Input{
		{Token: tokA, Amount: "1000"},
		{Token: tokB, Amount: "1000"},
		{Token: tokC, Amount: "1000"},
	}, usdc, trader, 10)
	require.NoError(t, err)
	require.Len(t, swaps, 3)
	for _, s := range swaps {
		assert.Equal(t, DefaultMaxSlippage, s.Slippage, s.Quote.FromToken.Hex())
	}
	assert.Equal(t, []float64{2, 2, 2}, agg.slippages)
}

func TestBuildMultiSwap_RejectsDuplicates(t *testing.T) {
	agg := newFake()
	r := newTestRouter(t, agg)

	_, err := r.BuildMultiSwap(context.Background(), []Input{
		{Token: tokA, Amount: "1"},
		{Token: tokA, Amount: "2"},
	}, usdc, trader, 1)
	assert.True(t, faults.IsValidation(err))
	assert.Empty(t, agg.slippages)
}

func TestBuildMultiSwap_OneFailureFailsBatch(t *testing.T) {
	agg := newFake()
	agg.fail[tokB] = &faults.RejectedError{Provider: "1inch", StatusCode: 400, Body: "insufficient liquidity"}
	r := newTestRouter(t, agg)

	swaps, err := r.BuildMultiSwap(context.Background(), []Input{
		{Token: tokA, Amount: "1"},
		{Token: tokB, Amount: "1"},
	}, usdc, trader, 1)
	assert.Nil(t, swaps)

	var batch *faults.BatchSwapError
	require.True(t, errors.As(err, &batch))
	assert.Equal(t, tokB.Hex(), batch.Token)
	assert.Contains(t, faults.Describe(err), tokB.Hex())
}

func TestAggregateOutput_HugeAmounts(t *testing.T) {
	big1, _ := new(big.Int).SetString("115792089237316195423570985008687907853269984665640564039457584007913129639935", 10)
	swaps := []domain.SwapTransaction{
		{Quote: domain.SwapQuote{ToAmount: big1.String()}},
		{Quote: domain.SwapQuote{ToAmount: "1"}},
	}
	total, err := AggregateOutput(swaps)
	require.NoError(t, err)
	assert.Equal(t, new(big.Int).Add(big1, big.NewInt(1)), total)

	_, err = AggregateOutput([]domain.SwapTransaction{{Quote: domain.SwapQuote{ToAmount: "abc"}}})
	assert.Error(t, err)
}

func TestApprovalSpender_Cached(t *testing.T) {
	agg := newFake()
	r := newTestRouter(t, agg)

	for range 3 {
		addr, err := r.ApprovalSpender(context.Background())
		require.NoError(t, err)
		assert.Equal(t, router, addr)
		r.spender.Wait()
	}
	assert.Equal(t, int32(1), agg.spenders.Load())
}
