// Package userop drives an ERC-4337 v0.7 UserOperation through a bundler:
// build, gas estimation, paymaster sponsorship, submission and receipt polling.
//
// Signing happens outside this package. Submit sends the signed operation
// exactly once; it is never retried because a resend may double-spend.
package userop

import (
	"context"
	"encoding/json"
	"math/big"
	"net/http"
	"strings"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/rpc"
	"go.uber.org/zap"

	"dustsweep/internal/chain"
	"dustsweep/internal/domain"
	"dustsweep/internal/faults"
	"dustsweep/internal/observability"
	"dustsweep/internal/retry"
)

// PlaceholderSignature is a fixed 65-byte signature used for gas estimation
// and sponsorship before the user signs. ECDSA recovery on it fails without
// reverting, so validation runs the same code path and costs the same gas as
// with a real signature.
var PlaceholderSignature = hexutil.MustDecode("0x" +
	"fffffffffffffffffffffffffffffff000000000000000000000000000000000" +
	"7aaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaa" +
	"1c")

// Bundler and paymaster JSON-RPC methods.
const (
	MethodEstimateGas = "eth_estimateUserOperationGas"
	MethodGasPrice    = "pimlico_getUserOperationGasPrice"
	MethodSponsor     = "pm_sponsorUserOperation"
	MethodSend        = "eth_sendUserOperation"
	MethodReceipt     = "eth_getUserOperationReceipt"
)

// Defaults.
var DefaultEntryPoint = common.HexToAddress("0x0000000071727De22E5E9d8BAf0edAc6f37da032")

const (
	DefaultReceiptTimeout = 45 * time.Second
	DefaultPollInterval   = 2 * time.Second
)

// RPC is the JSON-RPC client surface used for the bundler and paymaster.
// *rpc.Client satisfies it.
type RPC interface {
	CallContext(ctx context.Context, result any, method string, args ...any) error
}

// ChainReader provides the nonce and the fallback fee estimate.
type ChainReader interface {
	EntryPointNonce(ctx context.Context, entryPoint, sender common.Address, key *big.Int) (*big.Int, error)
	SuggestFees(ctx context.Context) (chain.Fees, error)
}

// Config configures an Orchestrator.
type Config struct {
	EntryPoint     common.Address
	ChainID        *big.Int
	PolicyID       string // paymaster sponsorship policy, optional
	ReceiptTimeout time.Duration
	PollInterval   time.Duration
}

// Orchestrator talks to the bundler and paymaster for one chain.
type Orchestrator struct {
	bundler   RPC
	paymaster RPC
	chain     ChainReader
	cfg       Config
	policy    retry.Policy
	metrics   *observability.Metrics
	logger    *zap.Logger
}

// Option configures Orchestrator.
type Option func(*Orchestrator)

// WithPaymaster sends sponsorship requests to a separate endpoint.
func WithPaymaster(c RPC) Option {
	return func(o *Orchestrator) { o.paymaster = c }
}

// WithPolicy sets the retry policy for read calls. Submit ignores retries.
func WithPolicy(p retry.Policy) Option {
	return func(o *Orchestrator) { o.policy = p }
}

// WithMetrics sets the metrics sink.
func WithMetrics(m *observability.Metrics) Option {
	return func(o *Orchestrator) { o.metrics = m }
}

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) Option {
	return func(o *Orchestrator) { o.logger = l }
}

// New creates an orchestrator.
func New(bundler RPC, chainReader ChainReader, cfg Config, opts ...Option) *Orchestrator {
	if cfg.EntryPoint == (common.Address{}) {
		cfg.EntryPoint = DefaultEntryPoint
	}
	if cfg.ChainID == nil {
		cfg.ChainID = big.NewInt(1)
	}
	if cfg.ReceiptTimeout <= 0 {
		cfg.ReceiptTimeout = DefaultReceiptTimeout
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = DefaultPollInterval
	}
	o := &Orchestrator{
		bundler: bundler,
		chain:   chainReader,
		cfg:     cfg,
		policy:  retry.Default("bundler"),
		logger:  zap.NewNop(),
	}
	for _, opt := range opts {
		opt(o)
	}
	if o.paymaster == nil {
		o.paymaster = bundler
	}
	o.policy = o.policy.WithProvider("bundler")
	return o
}

// EntryPoint returns the EntryPoint the orchestrator targets.
func (o *Orchestrator) EntryPoint() common.Address { return o.cfg.EntryPoint }

// Hash returns the userOpHash of op for this orchestrator's EntryPoint and chain.
func (o *Orchestrator) Hash(op *domain.UserOperation) (common.Hash, error) {
	return Hash(op, o.cfg.EntryPoint, o.cfg.ChainID)
}

// call performs one JSON-RPC request and maps failures into the error taxonomy.
func (o *Orchestrator) call(ctx context.Context, c RPC, result any, method string, args ...any) error {
	start := time.Now()
	err := c.CallContext(ctx, result, method, args...)
	err = classify(method, err)
	o.metrics.RecordProviderCall("bundler", method, time.Since(start), err)
	return err
}

func classify(method string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	var rpcErr rpc.Error
	if errors.As(err, &rpcErr) {
		return &faults.BundlerError{Method: method, Code: rpcErr.ErrorCode(), Message: rpcErr.Error()}
	}
	var httpErr rpc.HTTPError
	if errors.As(err, &httpErr) {
		if httpErr.StatusCode == http.StatusTooManyRequests || httpErr.StatusCode >= 500 {
			return &faults.UnavailableError{Provider: "bundler", StatusCode: httpErr.StatusCode, Err: err}
		}
		return &faults.RejectedError{Provider: "bundler", StatusCode: httpErr.StatusCode, Body: string(httpErr.Body)}
	}
	return &faults.UnavailableError{Provider: "bundler", Err: err}
}

func (o *Orchestrator) read(ctx context.Context, c RPC, result any, method string, args ...any) error {
	p := o.policy
	p.OnRetry = func(attempt int, wait time.Duration, err error) {
		o.metrics.RecordRetry("bundler")
		o.logger.Debug("bundler retry",
			zap.String("method", method),
			zap.Int("attempt", attempt),
			zap.Duration("wait", wait),
			zap.Error(err))
	}
	return retry.Do(ctx, p, retry.Read, func(ctx context.Context) error {
		return o.call(ctx, c, result, method, args...)
	})
}

// Build creates an unsigned operation executing calls as one batch from
// sender. Gas and fee fields are zero until estimation and pricing; the
// signature is PlaceholderSignature.
func (o *Orchestrator) Build(ctx context.Context, sender common.Address, calls []Call) (*domain.UserOperation, error) {
	if sender == (common.Address{}) {
		return nil, faults.Validation("sender", "must be a non-zero address")
	}
	callData, err := EncodeExecuteBatch(calls)
	if err != nil {
		return nil, faults.Validation("calls", "%v", err)
	}
	nonce, err := o.chain.EntryPointNonce(ctx, o.cfg.EntryPoint, sender, nil)
	o.metrics.RecordUserOpStage("build", err)
	if err != nil {
		return nil, errors.Wrap(err, "read entrypoint nonce")
	}
	return &domain.UserOperation{
		Sender:               sender,
		Nonce:                nonce,
		CallData:             callData,
		CallGasLimit:         new(big.Int),
		VerificationGasLimit: new(big.Int),
		PreVerificationGas:   new(big.Int),
		MaxFeePerGas:         new(big.Int),
		MaxPriorityFeePerGas: new(big.Int),
		Signature:            append([]byte(nil), PlaceholderSignature...),
	}, nil
}

// GasEstimate holds the bundler's gas limits.
type GasEstimate struct {
	PreVerificationGas            *big.Int
	VerificationGasLimit          *big.Int
	CallGasLimit                  *big.Int
	PaymasterVerificationGasLimit *big.Int // nil when not returned
}

type gasEstimateJSON struct {
	PreVerificationGas            *hexutil.Big `json:"preVerificationGas"`
	VerificationGasLimit          *hexutil.Big `json:"verificationGasLimit"`
	CallGasLimit                  *hexutil.Big `json:"callGasLimit"`
	PaymasterVerificationGasLimit *hexutil.Big `json:"paymasterVerificationGasLimit,omitempty"`
}

// Apply returns a copy of op with the estimated limits.
func (g GasEstimate) Apply(op *domain.UserOperation) *domain.UserOperation {
	c := op.Clone()
	c.PreVerificationGas = new(big.Int).Set(g.PreVerificationGas)
	c.VerificationGasLimit = new(big.Int).Set(g.VerificationGasLimit)
	c.CallGasLimit = new(big.Int).Set(g.CallGasLimit)
	if g.PaymasterVerificationGasLimit != nil {
		c.PaymasterVerificationGasLimit = new(big.Int).Set(g.PaymasterVerificationGasLimit)
	}
	return c
}

// EstimateGas asks the bundler for gas limits. The operation is sent with
// PlaceholderSignature whatever signature it carries.
func (o *Orchestrator) EstimateGas(ctx context.Context, op *domain.UserOperation) (GasEstimate, error) {
	var resp gasEstimateJSON
	err := o.read(ctx, o.bundler, &resp, MethodEstimateGas, op.WithSignature(PlaceholderSignature), o.cfg.EntryPoint)
	o.metrics.RecordUserOpStage("estimate", err)
	if err != nil {
		return GasEstimate{}, errors.Wrap(err, "estimate user operation gas")
	}
	if resp.PreVerificationGas == nil || resp.VerificationGasLimit == nil || resp.CallGasLimit == nil {
		return GasEstimate{}, &faults.BundlerError{Method: MethodEstimateGas, Message: "incomplete gas estimate"}
	}
	est := GasEstimate{
		PreVerificationGas:   resp.PreVerificationGas.ToInt(),
		VerificationGasLimit: resp.VerificationGasLimit.ToInt(),
		CallGasLimit:         resp.CallGasLimit.ToInt(),
	}
	if resp.PaymasterVerificationGasLimit != nil {
		est.PaymasterVerificationGasLimit = resp.PaymasterVerificationGasLimit.ToInt()
	}
	return est, nil
}

type gasPriceTier struct {
	MaxFeePerGas         *hexutil.Big `json:"maxFeePerGas"`
	MaxPriorityFeePerGas *hexutil.Big `json:"maxPriorityFeePerGas"`
}

type gasPriceJSON struct {
	Slow     gasPriceTier `json:"slow"`
	Standard gasPriceTier `json:"standard"`
	Fast     gasPriceTier `json:"fast"`
}

// GetGasPrice returns the bundler's "fast" fee tier. When the bundler cannot
// answer, the node's EIP-1559 suggestion is used instead.
func (o *Orchestrator) GetGasPrice(ctx context.Context) (chain.Fees, error) {
	var resp gasPriceJSON
	err := o.read(ctx, o.bundler, &resp, MethodGasPrice)
	if err == nil && (resp.Fast.MaxFeePerGas == nil || resp.Fast.MaxPriorityFeePerGas == nil) {
		err = &faults.BundlerError{Method: MethodGasPrice, Message: "missing fast tier"}
	}
	if err == nil {
		o.metrics.RecordUserOpStage("gas_price", nil)
		return chain.Fees{
			MaxFeePerGas:         resp.Fast.MaxFeePerGas.ToInt(),
			MaxPriorityFeePerGas: resp.Fast.MaxPriorityFeePerGas.ToInt(),
		}, nil
	}
	if ctx.Err() != nil {
		return chain.Fees{}, errors.Wrap(err, "user operation gas price")
	}

	o.logger.Warn("bundler gas price unavailable, using node fees", zap.Error(err))
	fees, chainErr := o.chain.SuggestFees(ctx)
	o.metrics.RecordUserOpStage("gas_price", chainErr)
	if chainErr != nil {
		return chain.Fees{}, errors.WithSecondaryError(errors.Wrap(chainErr, "fallback node fees"), err)
	}
	return fees, nil
}

// Sponsorship is the paymaster's answer.
type Sponsorship struct {
	Paymaster                     common.Address
	PaymasterData                 []byte
	PaymasterVerificationGasLimit *big.Int
	PaymasterPostOpGasLimit       *big.Int

	// Limits the paymaster re-estimated; nil when unchanged.
	PreVerificationGas   *big.Int
	VerificationGasLimit *big.Int
	CallGasLimit         *big.Int
}

type sponsorshipJSON struct {
	Paymaster                     *common.Address `json:"paymaster"`
	PaymasterData                 hexutil.Bytes   `json:"paymasterData"`
	PaymasterVerificationGasLimit *hexutil.Big    `json:"paymasterVerificationGasLimit"`
	PaymasterPostOpGasLimit       *hexutil.Big    `json:"paymasterPostOpGasLimit"`
	PreVerificationGas            *hexutil.Big    `json:"preVerificationGas"`
	VerificationGasLimit          *hexutil.Big    `json:"verificationGasLimit"`
	CallGasLimit                  *hexutil.Big    `json:"callGasLimit"`
}

// SponsorContext is the optional third parameter of pm_sponsorUserOperation.
type SponsorContext struct {
	SponsorshipPolicyID string `json:"sponsorshipPolicyId,omitempty"`
}

// Apply returns a copy of op carrying the paymaster fields and any
// re-estimated limits.
func (s Sponsorship) Apply(op *domain.UserOperation) *domain.UserOperation {
	c := op.Clone()
	pm := s.Paymaster
	c.Paymaster = &pm
	c.PaymasterData = append([]byte(nil), s.PaymasterData...)
	c.PaymasterVerificationGasLimit = cloneOr(s.PaymasterVerificationGasLimit, c.PaymasterVerificationGasLimit)
	c.PaymasterPostOpGasLimit = cloneOr(s.PaymasterPostOpGasLimit, c.PaymasterPostOpGasLimit)
	c.PreVerificationGas = cloneOr(s.PreVerificationGas, c.PreVerificationGas)
	c.VerificationGasLimit = cloneOr(s.VerificationGasLimit, c.VerificationGasLimit)
	c.CallGasLimit = cloneOr(s.CallGasLimit, c.CallGasLimit)
	return c
}

func cloneOr(v, fallback *big.Int) *big.Int {
	if v == nil {
		return fallback
	}
	return new(big.Int).Set(v)
}

func toInt(v *hexutil.Big) *big.Int {
	if v == nil {
		return nil
	}
	return v.ToInt()
}

// Sponsor asks the paymaster to cover gas for op.
func (o *Orchestrator) Sponsor(ctx context.Context, op *domain.UserOperation) (Sponsorship, error) {
	args := []any{op.WithSignature(PlaceholderSignature), o.cfg.EntryPoint}
	if o.cfg.PolicyID != "" {
		args = append(args, SponsorContext{SponsorshipPolicyID: o.cfg.PolicyID})
	}
	var resp sponsorshipJSON
	err := o.read(ctx, o.paymaster, &resp, MethodSponsor, args...)
	if err == nil && (resp.Paymaster == nil || *resp.Paymaster == (common.Address{})) {
		err = &faults.BundlerError{Method: MethodSponsor, Message: "paymaster address missing"}
	}
	o.metrics.RecordUserOpStage("sponsor", err)
	if err != nil {
		return Sponsorship{}, errors.Wrap(err, "sponsor user operation")
	}
	return Sponsorship{
		Paymaster:                     *resp.Paymaster,
		PaymasterData:                 resp.PaymasterData,
		PaymasterVerificationGasLimit: toInt(resp.PaymasterVerificationGasLimit),
		PaymasterPostOpGasLimit:       toInt(resp.PaymasterPostOpGasLimit),
		PreVerificationGas:            toInt(resp.PreVerificationGas),
		VerificationGasLimit:          toInt(resp.VerificationGasLimit),
		CallGasLimit:                  toInt(resp.CallGasLimit),
	}, nil
}

// Submit broadcasts a signed operation once. A TimeoutError means the
// outcome is unknown; poll with the locally computed hash.
func (o *Orchestrator) Submit(ctx context.Context, signed *domain.UserOperation) (common.Hash, error) {
	if err := signed.ValidateForSubmit(); err != nil {
		return common.Hash{}, faults.Validation("userOperation", "%v", err)
	}
	if string(signed.Signature) == string(PlaceholderSignature) {
		return common.Hash{}, faults.Validation("userOperation", "signature is the placeholder")
	}

	var hash common.Hash
	err := retry.Do(ctx, o.policy, retry.Write, func(ctx context.Context) error {
		return o.call(ctx, o.bundler, &hash, MethodSend, signed, o.cfg.EntryPoint)
	})
	o.metrics.RecordUserOpStage("submit", err)
	if err != nil {
		return common.Hash{}, errors.Wrap(err, "send user operation")
	}
	o.logger.Info("user operation submitted",
		zap.String("sender", signed.Sender.Hex()),
		zap.String("userOpHash", hash.Hex()))
	return hash, nil
}

// Receipt is the bundler's record of an included operation.
type Receipt struct {
	UserOpHash    common.Hash    `json:"userOpHash"`
	Sender        common.Address `json:"sender"`
	Success       bool           `json:"success"`
	Reason        string         `json:"reason"`
	ActualGasCost *hexutil.Big   `json:"actualGasCost"`
	ActualGasUsed *hexutil.Big   `json:"actualGasUsed"`
	Receipt       struct {
		TransactionHash common.Hash  `json:"transactionHash"`
		BlockNumber     *hexutil.Big `json:"blockNumber"`
	} `json:"receipt"`
}

// TxHash returns the hash of the bundle transaction that included the operation.
func (r *Receipt) TxHash() common.Hash { return r.Receipt.TransactionHash }

// AwaitReceipt polls for the receipt of hash until it appears or the receipt
// timeout passes. "Not found" answers and transient transport failures are
// polled through; any other bundler error is returned immediately.
func (o *Orchestrator) AwaitReceipt(ctx context.Context, hash common.Hash) (*Receipt, error) {
	start := time.Now()
	ctx, cancel := context.WithTimeout(ctx, o.cfg.ReceiptTimeout)
	defer cancel()

	ticker := time.NewTicker(o.cfg.PollInterval)
	defer ticker.Stop()

	for {
		receipt, err := o.pollReceipt(ctx, hash)
		switch {
		case err != nil:
			o.metrics.RecordUserOpStage("receipt", err)
			return nil, err
		case receipt != nil:
			o.metrics.RecordUserOpStage("receipt", nil)
			o.metrics.RecordReceiptWait(time.Since(start))
			return receipt, nil
		}

		select {
		case <-ticker.C:
		case <-ctx.Done():
			err := ctx.Err()
			if errors.Is(err, context.DeadlineExceeded) {
				err = &faults.TimeoutError{Provider: "bundler", Op: MethodReceipt, After: o.cfg.ReceiptTimeout}
			}
			o.metrics.RecordUserOpStage("receipt", err)
			return nil, err
		}
	}
}

// pollReceipt returns (nil, nil) while the receipt is not available yet.
func (o *Orchestrator) pollReceipt(ctx context.Context, hash common.Hash) (*Receipt, error) {
	var raw json.RawMessage
	err := o.call(ctx, o.bundler, &raw, MethodReceipt, hash)
	if err != nil {
		if ctx.Err() != nil || notFound(err) || faults.IsRetryable(err) {
			o.logger.Debug("receipt not available", zap.String("userOpHash", hash.Hex()), zap.Error(err))
			return nil, nil
		}
		return nil, errors.Wrap(err, "get user operation receipt")
	}
	if len(raw) == 0 || string(raw) == "null" {
		return nil, nil
	}
	var r Receipt
	if err := json.Unmarshal(raw, &r); err != nil {
		return nil, &faults.BundlerError{Method: MethodReceipt, Message: "malformed receipt: " + err.Error()}
	}
	return &r, nil
}

func notFound(err error) bool {
	var be *faults.BundlerError
	return errors.As(err, &be) && strings.Contains(strings.ToLower(be.Message), "not found")
}
