// Package consolidation composes risk filtering, swap routing and the
// UserOperation lifecycle into the two-phase consolidation flow.
//
// Orchestrate prepares an unsigned operation and persists a pending record.
// The wallet signs the operation outside the core and hands it back to
// Finalize, which submits it, waits for the receipt and settles the record.
package consolidation

import (
	"context"
	"encoding/json"
	"math/big"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"dustsweep/internal/chain"
	"dustsweep/internal/domain"
	"dustsweep/internal/faults"
	"dustsweep/internal/observability"
	"dustsweep/internal/retry"
	"dustsweep/internal/reward"
	"dustsweep/internal/storage"
	"dustsweep/internal/swap"
	"dustsweep/internal/userop"
)

// DefaultFeeBps is the protocol fee in basis points of the aggregated output.
const DefaultFeeBps = 80

const bpsDenominator = 10_000

// RiskAssessor scores a batch of tokens. Every input token gets a score.
type RiskAssessor interface {
	AssessBatch(ctx context.Context, tokens []common.Address) map[common.Address]domain.RiskScore
}

// SwapBuilder builds the per-token swaps of a consolidation.
type SwapBuilder interface {
	BuildMultiSwap(ctx context.Context, inputs []swap.Input, to, trader common.Address, slippage float64) ([]domain.SwapTransaction, error)
	ApprovalSpender(ctx context.Context) (common.Address, error)
}

// Operations drives a UserOperation through the bundler.
type Operations interface {
	Build(ctx context.Context, sender common.Address, calls []userop.Call) (*domain.UserOperation, error)
	EstimateGas(ctx context.Context, op *domain.UserOperation) (userop.GasEstimate, error)
	GetGasPrice(ctx context.Context) (chain.Fees, error)
	Sponsor(ctx context.Context, op *domain.UserOperation) (userop.Sponsorship, error)
	Hash(op *domain.UserOperation) (common.Hash, error)
	Submit(ctx context.Context, signed *domain.UserOperation) (common.Hash, error)
	AwaitReceipt(ctx context.Context, hash common.Hash) (*userop.Receipt, error)
}

// Observer is told about every persisted status change.
type Observer interface {
	StatusChanged(rec *domain.ConsolidationRecord)
}

// Config holds fee and filtering settings.
type Config struct {
	FeeBps           int64
	Treasury         common.Address  // zero disables the fee transfer call
	DustThresholdUSD decimal.Decimal // zero disables the dust check
	DefaultSlippage  float64         // percent, used when a request carries none
	// AllowUnassessed admits tokens whose assessment could not run.
	AllowUnassessed bool
}

// Coordinator runs consolidations. It is safe for concurrent use.
type Coordinator struct {
	cfg      Config
	scans    storage.ScanStore
	records  storage.ConsolidationStore
	risk     RiskAssessor
	swaps    SwapBuilder
	ops      Operations
	ledger   reward.Ledger
	locks    *keyedMutex
	observer Observer
	metrics  *observability.Metrics
	logger   *zap.Logger
	now      func() time.Time
	newID    func() string

	storeRetry retry.Policy
}

// Option configures Coordinator.
type Option func(*Coordinator)

// WithMetrics sets the metrics sink.
func WithMetrics(m *observability.Metrics) Option {
	return func(c *Coordinator) { c.metrics = m }
}

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) Option {
	return func(c *Coordinator) { c.logger = l }
}

// WithObserver publishes status changes to o.
func WithObserver(o Observer) Option {
	return func(c *Coordinator) { c.observer = o }
}

// WithClock overrides the record timestamps source.
func WithClock(now func() time.Time) Option {
	return func(c *Coordinator) { c.now = now }
}

// WithIDs overrides record id generation.
func WithIDs(newID func() string) Option {
	return func(c *Coordinator) { c.newID = newID }
}

// WithStoreRetry sets the retry policy of record writes made after a broadcast.
func WithStoreRetry(p retry.Policy) Option {
	return func(c *Coordinator) {
		if p.Classify == nil {
			p.Classify = storeWriteRetryable
		}
		p.RetryOnWrite = true
		c.storeRetry = p
	}
}

// Deps are the collaborators of a Coordinator.
type Deps struct {
	Scans   storage.ScanStore
	Records storage.ConsolidationStore
	Risk    RiskAssessor
	Swaps   SwapBuilder
	Ops     Operations
	Ledger  reward.Ledger
}

// New creates a coordinator.
func New(d Deps, cfg Config, opts ...Option) (*Coordinator, error) {
	switch {
	case d.Scans == nil, d.Records == nil, d.Risk == nil, d.Swaps == nil, d.Ops == nil, d.Ledger == nil:
		return nil, errors.New("consolidation: missing dependency")
	case cfg.FeeBps < 0 || cfg.FeeBps >= bpsDenominator:
		return nil, errors.Newf("consolidation: fee %d bps out of range", cfg.FeeBps)
	}
	c := &Coordinator{
		cfg:     cfg,
		scans:   d.Scans,
		records: d.Records,
		risk:    d.Risk,
		swaps:   d.Swaps,
		ops:     d.Ops,
		ledger:  d.Ledger,
		locks:   newKeyedMutex(),
		logger:  zap.NewNop(),
		now:     time.Now,
		newID:   uuid.NewString,

		storeRetry: DefaultStoreRetry(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// Request is the input of Orchestrate.
type Request struct {
	ScanID      string
	InputTokens []common.Address
	OutputToken common.Address
	Slippage    float64 // percent; zero means Config.DefaultSlippage
	Trader      common.Address
}

// Skipped is an input token left out of the consolidation by risk filtering.
type Skipped struct {
	Token  common.Address   `json:"token"`
	Reason string           `json:"reason"`
	Score  domain.RiskScore `json:"riskScore"`
}

// Prepared is the unsigned consolidation returned for external signing.
type Prepared struct {
	ConsolidationID string                   `json:"consolidationId"`
	UserOperation   *domain.UserOperation    `json:"userOperation"`
	UserOpHash      common.Hash              `json:"userOpHash"`
	OutputAmount    string                   `json:"outputAmount"`
	ProtocolFee     string                   `json:"protocolFee"`
	NetOutput       string                   `json:"netOutput"`
	Swaps           []domain.SwapTransaction `json:"swaps"`
	Skipped         []Skipped                `json:"skipped"`
}

// Orchestrate validates the request against the trader's scan, drops risky
// tokens, builds the swaps and the sponsored operation and persists a pending
// record. The returned operation still carries the placeholder signature.
func (c *Coordinator) Orchestrate(ctx context.Context, req Request) (*Prepared, error) {
	if err := validateRequest(req); err != nil {
		return nil, err
	}
	slippage := req.Slippage
	if slippage == 0 {
		slippage = c.cfg.DefaultSlippage
	}

	scan, err := c.scans.GetByID(ctx, req.ScanID)
	if err != nil {
		return nil, errors.Wrapf(err, "load scan %s", req.ScanID)
	}
	if scan.Owner != req.Trader {
		return nil, errors.Wrapf(faults.ErrNotOwner, "scan %s", req.ScanID)
	}

	tokens, err := c.selectTokens(scan, req.InputTokens)
	if err != nil {
		return nil, err
	}

	kept, skipped := c.filterRisk(ctx, tokens)
	if len(kept) == 0 {
		return nil, faults.Validation("inputTokens", "all %d tokens were excluded by risk assessment", len(tokens))
	}

	inputs := make([]swap.Input, len(kept))
	for i, t := range kept {
		inputs[i] = swap.Input{Token: t.Address, Amount: t.Balance}
	}
	swaps, err := c.swaps.BuildMultiSwap(ctx, inputs, req.OutputToken, req.Trader, slippage)
	if err != nil {
		return nil, errors.Wrap(err, "build swaps")
	}

	total, err := swap.AggregateOutput(swaps)
	if err != nil {
		return nil, errors.Wrap(err, "aggregate output")
	}
	fee, net := SplitFee(total, c.cfg.FeeBps)

	calls, err := c.batchCalls(ctx, swaps, req.OutputToken, fee)
	if err != nil {
		return nil, err
	}

	op, err := c.prepareOperation(ctx, req.Trader, calls)
	if err != nil {
		return nil, err
	}
	hash, err := c.ops.Hash(op)
	if err != nil {
		return nil, errors.Wrap(err, "hash user operation")
	}

	quoteJSON, err := json.Marshal(swaps)
	if err != nil {
		return nil, errors.Wrap(err, "encode quote")
	}
	opJSON, err := json.Marshal(op)
	if err != nil {
		return nil, errors.Wrap(err, "encode user operation")
	}

	now := c.now().UTC()
	rec := &domain.ConsolidationRecord{
		ID:           c.newID(),
		Owner:        req.Trader,
		ScanID:       req.ScanID,
		InputTokens:  make([]common.Address, len(kept)),
		OutputToken:  req.OutputToken,
		OutputAmount: total.String(),
		ProtocolFee:  fee.String(),
		NetOutput:    net.String(),
		Status:       domain.StatusPending,
		Quote:        quoteJSON,
		UserOp:       opJSON,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	for i, t := range kept {
		rec.InputTokens[i] = t.Address
	}
	if err := c.records.Insert(ctx, rec); err != nil {
		return nil, errors.Wrap(err, "persist consolidation")
	}
	c.metrics.RecordStatusChange("", string(domain.StatusPending))
	c.notify(rec)

	c.logger.Info("consolidation prepared",
		zap.String("consolidation_id", rec.ID),
		zap.String("trader", req.Trader.Hex()),
		zap.Int("tokens", len(kept)),
		zap.Int("skipped", len(skipped)),
		zap.String("output", rec.OutputAmount),
		zap.String("fee", rec.ProtocolFee),
		zap.String("userOpHash", hash.Hex()))

	return &Prepared{
		ConsolidationID: rec.ID,
		UserOperation:   op,
		UserOpHash:      hash,
		OutputAmount:    rec.OutputAmount,
		ProtocolFee:     rec.ProtocolFee,
		NetOutput:       rec.NetOutput,
		Swaps:           swaps,
		Skipped:         skipped,
	}, nil
}

func validateRequest(req Request) error {
	switch {
	case req.Trader == (common.Address{}):
		return faults.Validation("trader", "must be a non-zero address")
	case req.ScanID == "":
		return faults.Validation("scanId", "is required")
	case req.OutputToken == (common.Address{}):
		return faults.Validation("outputToken", "must be a non-zero address")
	case len(req.InputTokens) == 0:
		return faults.Validation("inputTokens", "at least one token is required")
	case req.Slippage < 0:
		return faults.Validation("slippage", "must be positive, got %v", req.Slippage)
	}
	seen := make(map[common.Address]struct{}, len(req.InputTokens))
	for _, t := range req.InputTokens {
		if t == req.OutputToken {
			return faults.Validation("inputTokens", "%s is the output token", t.Hex())
		}
		if _, dup := seen[t]; dup {
			return faults.Validation("inputTokens", "duplicate token %s", t.Hex())
		}
		seen[t] = struct{}{}
	}
	return nil
}

// selectTokens resolves the requested tokens in the scan and checks they are dust.
func (c *Coordinator) selectTokens(scan *domain.Scan, requested []common.Address) ([]domain.DustToken, error) {
	out := make([]domain.DustToken, 0, len(requested))
	for _, addr := range requested {
		t, ok := scan.Token(addr)
		if !ok {
			return nil, faults.Validation("inputTokens", "%s is not part of scan %s", addr.Hex(), scan.ID)
		}
		if _, err := domain.ParseAmount(t.Balance); err != nil {
			return nil, faults.Validation("inputTokens", "%s: %v", addr.Hex(), err)
		}
		if !c.cfg.DustThresholdUSD.IsZero() && t.ValueUSD.GreaterThanOrEqual(c.cfg.DustThresholdUSD) {
			return nil, faults.Validation("inputTokens", "%s is worth $%s, not below the $%s dust threshold",
				addr.Hex(), t.ValueUSD.StringFixed(2), c.cfg.DustThresholdUSD.String())
		}
		out = append(out, t)
	}
	return out, nil
}

// filterRisk scores tokens and splits them into kept and skipped, both in
// input order.
func (c *Coordinator) filterRisk(ctx context.Context, tokens []domain.DustToken) ([]domain.DustToken, []Skipped) {
	addrs := make([]common.Address, len(tokens))
	for i, t := range tokens {
		addrs[i] = t.Address
	}
	scores := c.risk.AssessBatch(ctx, addrs)

	var (
		kept    []domain.DustToken
		skipped = []Skipped{}
	)
	for _, t := range tokens {
		s := scores[t.Address]
		t.RiskScore = s.Total
		t.RiskClassification = s.Classification
		t.Excluded = s.Excluded

		switch {
		case s.Excluded:
			skipped = append(skipped, Skipped{Token: t.Address, Reason: "excluded by risk assessment", Score: s})
		case s.Fallback() && !c.cfg.AllowUnassessed:
			skipped = append(skipped, Skipped{Token: t.Address, Reason: "risk assessment unavailable", Score: s})
		default:
			kept = append(kept, t)
		}
	}
	if len(skipped) > 0 {
		c.metrics.RecordExcluded(len(skipped))
	}
	return kept, skipped
}

// SplitFee returns the protocol fee of total at bps basis points, rounded
// down, and the remaining net output.
func SplitFee(total *big.Int, bps int64) (fee, net *big.Int) {
	fee = new(big.Int).Mul(total, big.NewInt(bps))
	fee.Quo(fee, big.NewInt(bpsDenominator))
	net = new(big.Int).Sub(total, fee)
	return fee, net
}

// batchCalls lays out the account batch: an approval and the swap for every
// ERC-20 input, then the fee transfer to the treasury.
func (c *Coordinator) batchCalls(ctx context.Context, swaps []domain.SwapTransaction, output common.Address, fee *big.Int) ([]userop.Call, error) {
	var spender common.Address
	for _, s := range swaps {
		if s.Quote.FromToken != domain.NativeToken {
			addr, err := c.swaps.ApprovalSpender(ctx)
			if err != nil {
				return nil, errors.Wrap(err, "resolve approval spender")
			}
			spender = addr
			break
		}
	}

	calls := make([]userop.Call, 0, 2*len(swaps)+1)
	for _, s := range swaps {
		if s.Quote.FromToken != domain.NativeToken {
			amount, err := domain.ParseAmount(s.Quote.FromAmount)
			if err != nil {
				return nil, errors.Wrapf(err, "swap input of %s", s.Quote.FromToken.Hex())
			}
			approve, err := userop.ApproveCall(s.Quote.FromToken, spender, amount)
			if err != nil {
				return nil, err
			}
			calls = append(calls, approve)
		}
		value, err := callValue(s.Tx.Value)
		if err != nil {
			return nil, errors.Wrapf(err, "swap value of %s", s.Quote.FromToken.Hex())
		}
		calls = append(calls, userop.Call{To: s.Tx.To, Value: value, Data: s.Tx.Data})
	}

	if c.cfg.Treasury != (common.Address{}) && fee.Sign() > 0 {
		if output == domain.NativeToken {
			calls = append(calls, userop.Call{To: c.cfg.Treasury, Value: new(big.Int).Set(fee)})
		} else {
			transfer, err := userop.TransferCall(output, c.cfg.Treasury, fee)
			if err != nil {
				return nil, err
			}
			calls = append(calls, transfer)
		}
	}
	return calls, nil
}

func callValue(s string) (*big.Int, error) {
	if s == "" || s == "0" {
		return new(big.Int), nil
	}
	return domain.ParseAmount(s)
}

// prepareOperation builds, estimates, prices and sponsors the operation.
func (c *Coordinator) prepareOperation(ctx context.Context, sender common.Address, calls []userop.Call) (*domain.UserOperation, error) {
	op, err := c.ops.Build(ctx, sender, calls)
	if err != nil {
		return nil, errors.Wrap(err, "build user operation")
	}
	est, err := c.ops.EstimateGas(ctx, op)
	if err != nil {
		return nil, err
	}
	op = est.Apply(op)

	fees, err := c.ops.GetGasPrice(ctx)
	if err != nil {
		return nil, err
	}
	op.MaxFeePerGas = new(big.Int).Set(fees.MaxFeePerGas)
	op.MaxPriorityFeePerGas = new(big.Int).Set(fees.MaxPriorityFeePerGas)

	sp, err := c.ops.Sponsor(ctx, op)
	if err != nil {
		return nil, err
	}
	return sp.Apply(op), nil
}

func (c *Coordinator) notify(rec *domain.ConsolidationRecord) {
	if c.observer != nil {
		c.observer.StatusChanged(rec.Clone())
	}
}

// Get returns the record id owned by trader.
func (c *Coordinator) Get(ctx context.Context, id string, trader common.Address) (*domain.ConsolidationRecord, error) {
	rec, err := c.records.GetByID(ctx, id)
	if err != nil {
		return nil, errors.Wrapf(err, "load consolidation %s", id)
	}
	if rec.Owner != trader {
		return nil, errors.Wrapf(faults.ErrNotOwner, "consolidation %s", id)
	}
	return rec, nil
}

// History returns the newest consolidations of trader.
func (c *Coordinator) History(ctx context.Context, trader common.Address, limit int) ([]*domain.ConsolidationRecord, error) {
	recs, err := c.records.GetByOwner(ctx, trader, limit)
	if err != nil {
		return nil, errors.Wrap(err, "list consolidations")
	}
	return recs, nil
}
