package userop

import (
	"context"
	"encoding/json"
	"math/big"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/rpc"
	"github.com/stretchr/testify/require"

	"dustsweep/internal/chain"
	"dustsweep/internal/domain"
	"dustsweep/internal/retry"
)

var (
	testSender     = common.HexToAddress("0x1111111111111111111111111111111111111111")
	testPaymaster  = common.HexToAddress("0x2222222222222222222222222222222222222222")
	testChainID    = big.NewInt(8453)
	testEntryPoint = DefaultEntryPoint
)

// codedError is a JSON-RPC error with a code, as bundlers return them.
type codedError struct {
	code int
	msg  string
}

func (e codedError) Error() string  { return e.msg }
func (e codedError) ErrorCode() int { return e.code }

// bundlerBackend records what the in-process bundler received.
type bundlerBackend struct {
	mu sync.Mutex

	estimated   []domain.UserOperation
	sponsored   []domain.UserOperation
	sponsorCtx  []*SponsorContext
	sent        []domain.UserOperation
	receiptPoll atomic.Int32

	estimateErr  error
	sendErr      error
	sendHash     common.Hash
	receiptAfter int32 // polls answered with null before the receipt
	receiptErr   error
	receipt      *Receipt
}

type ethAPI struct{ b *bundlerBackend }

func (a *ethAPI) EstimateUserOperationGas(op domain.UserOperation, _ common.Address) (*gasEstimateJSON, error) {
	a.b.mu.Lock()
	defer a.b.mu.Unlock()
	a.b.estimated = append(a.b.estimated, op)
	if a.b.estimateErr != nil {
		return nil, a.b.estimateErr
	}
	return &gasEstimateJSON{
		PreVerificationGas:   (*hexutil.Big)(big.NewInt(50_000)),
		VerificationGasLimit: (*hexutil.Big)(big.NewInt(150_000)),
		CallGasLimit:         (*hexutil.Big)(big.NewInt(400_000)),
	}, nil
}

func (a *ethAPI) SendUserOperation(op domain.UserOperation, _ common.Address) (common.Hash, error) {
	a.b.mu.Lock()
	defer a.b.mu.Unlock()
	a.b.sent = append(a.b.sent, op)
	return a.b.sendHash, a.b.sendErr
}

func (a *ethAPI) GetUserOperationReceipt(_ common.Hash) (*Receipt, error) {
	n := a.b.receiptPoll.Add(1)
	if a.b.receiptErr != nil {
		return nil, a.b.receiptErr
	}
	if n <= a.b.receiptAfter {
		return nil, nil
	}
	return a.b.receipt, nil
}

type pimlicoAPI struct{}

func (pimlicoAPI) GetUserOperationGasPrice() (*gasPriceJSON, error) {
	tier := func(fee, tip int64) gasPriceTier {
		return gasPriceTier{
			MaxFeePerGas:         (*hexutil.Big)(big.NewInt(fee)),
			MaxPriorityFeePerGas: (*hexutil.Big)(big.NewInt(tip)),
		}
	}
	return &gasPriceJSON{Slow: tier(1, 1), Standard: tier(2, 2), Fast: tier(3_000_000_000, 1_000_000_000)}, nil
}

type pmAPI struct{ b *bundlerBackend }

func (a *pmAPI) SponsorUserOperation(op domain.UserOperation, _ common.Address, sc *SponsorContext) (*sponsorshipJSON, error) {
	a.b.mu.Lock()
	defer a.b.mu.Unlock()
	a.b.sponsored = append(a.b.sponsored, op)
	a.b.sponsorCtx = append(a.b.sponsorCtx, sc)
	pm := testPaymaster
	return &sponsorshipJSON{
		Paymaster:                     &pm,
		PaymasterData:                 hexutil.Bytes{0xde, 0xad},
		PaymasterVerificationGasLimit: (*hexutil.Big)(big.NewInt(60_000)),
		PaymasterPostOpGasLimit:       (*hexutil.Big)(big.NewInt(1)),
		CallGasLimit:                  (*hexutil.Big)(big.NewInt(420_000)),
	}, nil
}

// newBundler starts an in-process JSON-RPC server. withPimlico=false leaves
// the gas price method unregistered.
func newBundler(t *testing.T, b *bundlerBackend, withPimlico bool) *rpc.Client {
	t.Helper()
	srv := rpc.NewServer()
	require.NoError(t, srv.RegisterName("eth", &ethAPI{b: b}))
	require.NoError(t, srv.RegisterName("pm", &pmAPI{b: b}))
	if withPimlico {
		require.NoError(t, srv.RegisterName("pimlico", pimlicoAPI{}))
	}
	client := rpc.DialInProc(srv)
	t.Cleanup(func() {
		client.Close()
		srv.Stop()
	})
	return client
}

type fakeChain struct {
	nonce    *big.Int
	fees     chain.Fees
	err      error
	feeCalls atomic.Int32
}

func (f *fakeChain) EntryPointNonce(context.Context, common.Address, common.Address, *big.Int) (*big.Int, error) {
	return f.nonce, f.err
}

func (f *fakeChain) SuggestFees(context.Context) (chain.Fees, error) {
	f.feeCalls.Add(1)
	return f.fees, f.err
}

// scriptedRPC answers every call with fn.
type scriptedRPC struct {
	calls atomic.Int32
	fn    func(ctx context.Context, result any, method string) error
}

func (s *scriptedRPC) CallContext(ctx context.Context, result any, method string, _ ...any) error {
	s.calls.Add(1)
	return s.fn(ctx, result, method)
}

func fill(result any, v any) error {
	raw, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return json.Unmarshal(raw, result)
}

func testPolicy() retry.Policy {
	return retry.Policy{
		MaxAttempts:    3,
		BaseDelay:      time.Millisecond,
		Multiplier:     2,
		MaxDelay:       2 * time.Millisecond,
		AttemptTimeout: 100 * time.Millisecond,
	}
}

func newOrchestrator(c RPC, ch ChainReader, cfg Config) *Orchestrator {
	if cfg.ChainID == nil {
		cfg.ChainID = testChainID
	}
	if cfg.ReceiptTimeout == 0 {
		cfg.ReceiptTimeout = 300 * time.Millisecond
	}
	if cfg.PollInterval == 0 {
		cfg.PollInterval = 5 * time.Millisecond
	}
	return New(c, ch, cfg, WithPolicy(testPolicy()))
}

func signedOp() *domain.UserOperation {
	return &domain.UserOperation{
		Sender:               testSender,
		Nonce:                big.NewInt(5),
		CallData:             []byte{0x47, 0xe1, 0xda, 0x2a},
		CallGasLimit:         big.NewInt(400_000),
		VerificationGasLimit: big.NewInt(150_000),
		PreVerificationGas:   big.NewInt(50_000),
		MaxFeePerGas:         big.NewInt(3_000_000_000),
		MaxPriorityFeePerGas: big.NewInt(1_000_000_000),
		Signature:            append([]byte{0x01}, make([]byte, 64)...),
	}
}
