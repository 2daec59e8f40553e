package consolidation

import (
	"context"
	"encoding/json"
	"math/big"
	"testing"

	"github.com/cockroachdb/errors"
	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"dustsweep/internal/domain"
	"dustsweep/internal/faults"
	"dustsweep/internal/storage"
	"dustsweep/internal/userop"
)

func TestOrchestrate_EndToEndAmounts(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	p, err := h.coord.Orchestrate(ctx, h.request(tokA, tokB, tokC))
	require.NoError(t, err)

	assert.Equal(t, "12000000", p.OutputAmount)
	assert.Equal(t, "96000", p.ProtocolFee)
	assert.Equal(t, "11904000", p.NetOutput)
	assert.Empty(t, p.Skipped)
	require.Len(t, p.Swaps, 3)

	op := p.UserOperation
	assert.Equal(t, trader, op.Sender)
	assert.Equal(t, userop.PlaceholderSignature, op.Signature)
	assert.Equal(t, int64(900_000), op.CallGasLimit.Int64())
	assert.Equal(t, int64(2_000_000_000), op.MaxFeePerGas.Int64())
	require.True(t, op.Sponsored())
	assert.Equal(t, paymaster, *op.Paymaster)

	want, err := userop.Hash(op, userop.DefaultEntryPoint, big.NewInt(8453))
	require.NoError(t, err)
	assert.Equal(t, want, p.UserOpHash)

	rec, err := h.records.GetByID(ctx, p.ConsolidationID)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusPending, rec.Status)
	assert.Equal(t, trader, rec.Owner)
	assert.Equal(t, []common.Address{tokA, tokB, tokC}, rec.InputTokens)
	assert.Equal(t, "11904000", rec.NetOutput)
	assert.True(t, testNow.Equal(rec.CreatedAt))

	var quoted []domain.SwapTransaction
	require.NoError(t, json.Unmarshal(rec.Quote, &quoted))
	assert.Len(t, quoted, 3)

	var stored domain.UserOperation
	require.NoError(t, json.Unmarshal(rec.UserOp, &stored))
	assert.True(t, stored.SameIntent(op))
}

func TestOrchestrate_BatchLayout(t *testing.T) {
	h := newHarness(t)

	p, err := h.coord.Orchestrate(context.Background(), h.request(tokA, tokB, tokC))
	require.NoError(t, err)

	calls, err := userop.DecodeExecuteBatch(p.UserOperation.CallData)
	require.NoError(t, err)
	// approve + swap per token, then the fee transfer
	require.Len(t, calls, 7)

	approveA, err := userop.ApproveCall(tokA, router, big.NewInt(1_000_000_000_000_000_000))
	require.NoError(t, err)
	assert.Equal(t, approveA.To, calls[0].To)
	assert.Equal(t, approveA.Data, calls[0].Data)
	assert.Equal(t, router, calls[1].To)

	fee, err := userop.TransferCall(usdc, treasury, big.NewInt(96000))
	require.NoError(t, err)
	assert.Equal(t, usdc, calls[6].To)
	assert.Equal(t, fee.Data, calls[6].Data)
}

func TestOrchestrate_NoTreasuryNoFeeCall(t *testing.T) {
	h := newHarness(t, func(c *Config) { c.Treasury = common.Address{} })

	p, err := h.coord.Orchestrate(context.Background(), h.request(tokA))
	require.NoError(t, err)

	calls, err := userop.DecodeExecuteBatch(p.UserOperation.CallData)
	require.NoError(t, err)
	assert.Len(t, calls, 2)
	assert.Equal(t, "16000", p.ProtocolFee)
}

func TestOrchestrate_DefaultSlippage(t *testing.T) {
	h := newHarness(t, func(c *Config) { c.DefaultSlippage = 0.5 })
	req := h.request(tokA)
	req.Slippage = 0

	p, err := h.coord.Orchestrate(context.Background(), req)
	require.NoError(t, err)
	assert.Equal(t, 0.5, p.Swaps[0].Slippage)
}

func TestOrchestrate_Ownership(t *testing.T) {
	h := newHarness(t)
	req := h.request(tokA)
	req.Trader = stranger

	_, err := h.coord.Orchestrate(context.Background(), req)
	assert.ErrorIs(t, err, faults.ErrNotOwner)

	req = h.request(tokA)
	req.ScanID = "missing"
	_, err = h.coord.Orchestrate(context.Background(), req)
	assert.ErrorIs(t, err, storage.ErrNotFound)
}

func TestOrchestrate_Validation(t *testing.T) {
	h := newHarness(t)
	other := common.HexToAddress("0x00000000000000000000000000000000000000ee")

	tests := []struct {
		name string
		req  func() Request
	}{
		{"no tokens", func() Request { return h.request() }},
		{"duplicate token", func() Request { return h.request(tokA, tokA) }},
		{"token outside scan", func() Request { return h.request(tokA, other) }},
		{"above dust threshold", func() Request { return h.request(tokA, tokBig) }},
		{"output among inputs", func() Request { return h.request(tokA, usdc) }},
		{"negative slippage", func() Request {
			r := h.request(tokA)
			r.Slippage = -1
			return r
		}},
		{"zero output", func() Request {
			r := h.request(tokA)
			r.OutputToken = common.Address{}
			return r
		}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := h.coord.Orchestrate(context.Background(), tt.req())
			require.Error(t, err)
			assert.True(t, faults.IsValidation(err), "got %v", err)
		})
	}
	assert.Empty(t, h.swaps.built, "validation happens before any swap is built")
}

func TestOrchestrate_RiskFiltering(t *testing.T) {
	h := newHarness(t)
	h.risk.scores[tokB] = domain.RiskScore{
		Token: tokB, Total: 90, Classification: domain.ClassificationHigh,
		Flags: []string{domain.FlagHoneypot}, Excluded: true,
	}
	h.risk.scores[tokC] = domain.RiskScore{
		Token: tokC, Classification: domain.ClassificationSafe,
		Flags: []string{domain.FlagErrorScored},
	}

	p, err := h.coord.Orchestrate(context.Background(), h.request(tokA, tokB, tokC))
	require.NoError(t, err)

	assert.Equal(t, "2000000", p.OutputAmount)
	require.Len(t, p.Skipped, 2)
	assert.Equal(t, tokB, p.Skipped[0].Token)
	assert.Equal(t, "excluded by risk assessment", p.Skipped[0].Reason)
	assert.Equal(t, tokC, p.Skipped[1].Token)
	assert.Equal(t, "risk assessment unavailable", p.Skipped[1].Reason)

	require.Len(t, h.swaps.built, 1)
	assert.Len(t, h.swaps.built[0], 1)
}

func TestOrchestrate_AllowUnassessed(t *testing.T) {
	h := newHarness(t, func(c *Config) { c.AllowUnassessed = true })
	h.risk.scores[tokC] = domain.RiskScore{
		Token: tokC, Classification: domain.ClassificationSafe,
		Flags: []string{domain.FlagErrorScored},
	}

	p, err := h.coord.Orchestrate(context.Background(), h.request(tokA, tokC))
	require.NoError(t, err)
	assert.Empty(t, p.Skipped)
	assert.Equal(t, "8000000", p.OutputAmount)
}

func TestOrchestrate_EverythingExcluded(t *testing.T) {
	h := newHarness(t)
	h.risk.scores[tokA] = domain.RiskScore{Token: tokA, Total: 80, Excluded: true}

	_, err := h.coord.Orchestrate(context.Background(), h.request(tokA))
	require.Error(t, err)
	assert.True(t, faults.IsValidation(err))
}

func TestOrchestrate_SwapFailurePersistsNothing(t *testing.T) {
	h := newHarness(t)
	h.swaps.err = &faults.BatchSwapError{Token: tokB.Hex(), Err: errors.New("no route")}

	_, err := h.coord.Orchestrate(context.Background(), h.request(tokA, tokB))
	var batch *faults.BatchSwapError
	require.ErrorAs(t, err, &batch)

	recs, err := h.records.GetByOwner(context.Background(), trader, 0)
	require.NoError(t, err)
	assert.Empty(t, recs)
}

func TestSplitFee(t *testing.T) {
	tests := []struct {
		total    int64
		bps      int64
		fee, net int64
	}{
		{12_000_000, 80, 96_000, 11_904_000},
		{99, 80, 0, 99},
		{10_000, 0, 0, 10_000},
		{1_000_001, 30, 3_000, 997_001},
	}
	for _, tt := range tests {
		fee, net := SplitFee(big.NewInt(tt.total), tt.bps)
		assert.Equal(t, tt.fee, fee.Int64())
		assert.Equal(t, tt.net, net.Int64())
	}
}

func TestHistoryAndGet(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	p, err := h.coord.Orchestrate(ctx, h.request(tokA))
	require.NoError(t, err)

	rec, err := h.coord.Get(ctx, p.ConsolidationID, trader)
	require.NoError(t, err)
	assert.Equal(t, p.ConsolidationID, rec.ID)

	_, err = h.coord.Get(ctx, p.ConsolidationID, stranger)
	assert.ErrorIs(t, err, faults.ErrNotOwner)

	list, err := h.coord.History(ctx, trader, 10)
	require.NoError(t, err)
	assert.Len(t, list, 1)
}

func TestNew_RejectsBadConfig(t *testing.T) {
	_, err := New(Deps{}, Config{})
	assert.Error(t, err)
}
