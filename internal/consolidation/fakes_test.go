package consolidation

import (
	"context"
	"math/big"
	"sync"
	"testing"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/ethereum/go-ethereum/common"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"dustsweep/internal/chain"
	"dustsweep/internal/domain"
	"dustsweep/internal/retry"
	"dustsweep/internal/reward"
	"dustsweep/internal/storage"
	"dustsweep/internal/storage/memory"
	"dustsweep/internal/swap"
	"dustsweep/internal/userop"
)

var (
	trader    = common.HexToAddress("0x1111111111111111111111111111111111111111")
	stranger  = common.HexToAddress("0x2222222222222222222222222222222222222222")
	treasury  = common.HexToAddress("0x3333333333333333333333333333333333333333")
	router    = common.HexToAddress("0x111111125421cA6dc452d289314280a0f8842A65")
	paymaster = common.HexToAddress("0x4444444444444444444444444444444444444444")
	usdc      = common.HexToAddress("0x833589fCD6eDb6E08f4c7C32D4f71b54bdA02913")
	tokA      = common.HexToAddress("0x00000000000000000000000000000000000000a1")
	tokB      = common.HexToAddress("0x00000000000000000000000000000000000000b2")
	tokC      = common.HexToAddress("0x00000000000000000000000000000000000000c3")
	tokBig    = common.HexToAddress("0x00000000000000000000000000000000000000d4")

	testNow = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
)

// fakeRisk scores every token safe unless overridden.
type fakeRisk struct {
	scores map[common.Address]domain.RiskScore
}

func (f *fakeRisk) AssessBatch(_ context.Context, tokens []common.Address) map[common.Address]domain.RiskScore {
	out := make(map[common.Address]domain.RiskScore, len(tokens))
	for _, t := range tokens {
		s, ok := f.scores[t]
		if !ok {
			s = domain.RiskScore{Token: t, Classification: domain.ClassificationSafe, Flags: []string{}}
		}
		out[t] = s
	}
	return out
}

// fakeSwaps quotes each input at a fixed output amount.
type fakeSwaps struct {
	mu      sync.Mutex
	outputs map[common.Address]string
	err     error
	built   [][]swap.Input
}

func (f *fakeSwaps) BuildMultiSwap(_ context.Context, inputs []swap.Input, to, trader common.Address, slippage float64) ([]domain.SwapTransaction, error) {
	f.mu.Lock()
	f.built = append(f.built, inputs)
	f.mu.Unlock()
	if f.err != nil {
		return nil, f.err
	}
	out := make([]domain.SwapTransaction, len(inputs))
	for i, in := range inputs {
		out[i] = domain.SwapTransaction{
			Quote: domain.SwapQuote{
				FromToken:  in.Token,
				ToToken:    to,
				FromAmount: in.Amount,
				ToAmount:   f.outputs[in.Token],
			},
			Tx: domain.TxPayload{
				From:  trader,
				To:    router,
				Data:  append([]byte{0x12, 0xaa, 0x3c, 0xaf}, in.Token.Bytes()...),
				Value: "0",
			},
			Slippage: slippage,
		}
	}
	return out, nil
}

func (f *fakeSwaps) ApprovalSpender(context.Context) (common.Address, error) {
	return router, nil
}

// fakeOps stands in for the bundler-backed orchestrator.
type fakeOps struct {
	mu        sync.Mutex
	submits   int
	submitErr error
	receipt   *userop.Receipt
	awaitErr  error
	awaited   []common.Hash
}

func (f *fakeOps) Build(_ context.Context, sender common.Address, calls []userop.Call) (*domain.UserOperation, error) {
	data, err := userop.EncodeExecuteBatch(calls)
	if err != nil {
		return nil, err
	}
	return &domain.UserOperation{
		Sender:               sender,
		Nonce:                big.NewInt(3),
		CallData:             data,
		CallGasLimit:         new(big.Int),
		VerificationGasLimit: new(big.Int),
		PreVerificationGas:   new(big.Int),
		MaxFeePerGas:         new(big.Int),
		MaxPriorityFeePerGas: new(big.Int),
		Signature:            append([]byte(nil), userop.PlaceholderSignature...),
	}, nil
}

func (f *fakeOps) EstimateGas(context.Context, *domain.UserOperation) (userop.GasEstimate, error) {
	return userop.GasEstimate{
		PreVerificationGas:   big.NewInt(50_000),
		VerificationGasLimit: big.NewInt(150_000),
		CallGasLimit:         big.NewInt(900_000),
	}, nil
}

func (f *fakeOps) GetGasPrice(context.Context) (chain.Fees, error) {
	return chain.Fees{MaxFeePerGas: big.NewInt(2_000_000_000), MaxPriorityFeePerGas: big.NewInt(1_000_000_000)}, nil
}

func (f *fakeOps) Sponsor(context.Context, *domain.UserOperation) (userop.Sponsorship, error) {
	return userop.Sponsorship{
		Paymaster:                     paymaster,
		PaymasterData:                 []byte{0xde, 0xad},
		PaymasterVerificationGasLimit: big.NewInt(60_000),
		PaymasterPostOpGasLimit:       big.NewInt(10_000),
	}, nil
}

func (f *fakeOps) Hash(op *domain.UserOperation) (common.Hash, error) {
	return userop.Hash(op, userop.DefaultEntryPoint, big.NewInt(8453))
}

func (f *fakeOps) Submit(_ context.Context, signed *domain.UserOperation) (common.Hash, error) {
	f.mu.Lock()
	f.submits++
	err := f.submitErr
	f.mu.Unlock()
	if err != nil {
		return common.Hash{}, err
	}
	return f.Hash(signed)
}

func (f *fakeOps) AwaitReceipt(_ context.Context, hash common.Hash) (*userop.Receipt, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.awaited = append(f.awaited, hash)
	if f.awaitErr != nil {
		return nil, f.awaitErr
	}
	if f.receipt == nil {
		return nil, errors.New("no receipt scripted")
	}
	return f.receipt, nil
}

func (f *fakeOps) submitCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.submits
}

func successReceipt() *userop.Receipt {
	r := &userop.Receipt{Success: true}
	r.Receipt.TransactionHash = common.HexToHash("0xfeed")
	return r
}

// recordingObserver keeps the status sequence it was told about.
type recordingObserver struct {
	mu       sync.Mutex
	statuses []domain.ConsolidationStatus
}

func (o *recordingObserver) StatusChanged(rec *domain.ConsolidationRecord) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.statuses = append(o.statuses, rec.Status)
}

func (o *recordingObserver) seen() []domain.ConsolidationStatus {
	o.mu.Lock()
	defer o.mu.Unlock()
	return append([]domain.ConsolidationStatus(nil), o.statuses...)
}

type harness struct {
	cfg      Config
	coord    *Coordinator
	observer *recordingObserver
	scans    *memory.ScanStore
	records  *memory.ConsolidationStore
	risk     *fakeRisk
	swaps    *fakeSwaps
	ops      *fakeOps
	ledger   *reward.MemoryLedger
}

func newHarness(t *testing.T, mutate ...func(*Config)) *harness {
	t.Helper()
	h := &harness{
		scans:   memory.NewScanStore(),
		records: memory.NewConsolidationStore(),
		risk:    &fakeRisk{scores: map[common.Address]domain.RiskScore{}},
		swaps: &fakeSwaps{outputs: map[common.Address]string{
			tokA: "2000000",
			tokB: "4000000",
			tokC: "6000000",
		}},
		ops:      &fakeOps{receipt: successReceipt()},
		ledger:   reward.NewMemoryLedger(),
		observer: &recordingObserver{},
	}
	cfg := Config{
		FeeBps:           DefaultFeeBps,
		Treasury:         treasury,
		DustThresholdUSD: decimal.NewFromInt(10),
		DefaultSlippage:  1,
	}
	for _, m := range mutate {
		m(&cfg)
	}
	h.cfg = cfg
	h.coord = h.newCoordinator(t, cfg, h.records)
	h.coord.newID = sequentialIDs()

	require.NoError(t, h.scans.Insert(context.Background(), &domain.Scan{
		ID:    "scan-1",
		Owner: trader,
		Tokens: []domain.DustToken{
			{Address: tokA, Symbol: "AAA", Balance: "1000000000000000000", Decimals: 18, ValueUSD: decimal.NewFromInt(2)},
			{Address: tokB, Symbol: "BBB", Balance: "2000000000000000000", Decimals: 18, ValueUSD: decimal.NewFromInt(4)},
			{Address: tokC, Symbol: "CCC", Balance: "3000000", Decimals: 6, ValueUSD: decimal.NewFromInt(6)},
			{Address: tokBig, Symbol: "BIG", Balance: "5000000", Decimals: 6, ValueUSD: decimal.NewFromInt(50)},
		},
		CreatedAt: testNow,
	}))
	return h
}

// newCoordinator builds a coordinator over the harness collaborators and the
// given record store.
func (h *harness) newCoordinator(t *testing.T, cfg Config, records storage.ConsolidationStore) *Coordinator {
	t.Helper()
	coord, err := New(Deps{
		Scans:   h.scans,
		Records: records,
		Risk:    h.risk,
		Swaps:   h.swaps,
		Ops:     h.ops,
		Ledger:  h.ledger,
	}, cfg,
		WithObserver(h.observer),
		WithClock(func() time.Time { return testNow }),
		WithStoreRetry(retry.Policy{MaxAttempts: 3, BaseDelay: time.Millisecond, MaxDelay: time.Millisecond}))
	require.NoError(t, err)
	return coord
}

func sequentialIDs() func() string {
	ids := 0
	return func() string {
		ids++
		return "c-" + string(rune('0'+ids))
	}
}

func (h *harness) request(tokens ...common.Address) Request {
	return Request{ScanID: "scan-1", InputTokens: tokens, OutputToken: usdc, Slippage: 1, Trader: trader}
}

func sign(op *domain.UserOperation) *domain.UserOperation {
	sig := make([]byte, 65)
	for i := range sig {
		sig[i] = 0x01
	}
	return op.WithSignature(sig)
}

// flakyRecords fails writes into a chosen status. With commit set the write
// lands before the error is returned, like a reply lost on the wire.
type flakyRecords struct {
	*memory.ConsolidationStore

	mu     sync.Mutex
	to     domain.ConsolidationStatus
	fails  int // remaining failures; negative fails forever
	commit bool
	calls  int
}

func (f *flakyRecords) Transition(ctx context.Context, id string, from, to domain.ConsolidationStatus, upd storage.RecordUpdate) (*domain.ConsolidationRecord, error) {
	f.mu.Lock()
	f.calls++
	failNow := to == f.to && f.fails != 0
	if failNow && f.fails > 0 {
		f.fails--
	}
	f.mu.Unlock()

	if !failNow {
		return f.ConsolidationStore.Transition(ctx, id, from, to, upd)
	}
	if f.commit {
		if _, err := f.ConsolidationStore.Transition(ctx, id, from, to, upd); err != nil {
			return nil, err
		}
	}
	return nil, errors.New("connection reset by peer")
}
