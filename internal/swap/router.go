// Package swap prices and builds token swaps through a DEX aggregator.
package swap

import (
	"context"
	"math/big"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/ethereum/go-ethereum/common"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"dustsweep/internal/cache"
	"dustsweep/internal/domain"
	"dustsweep/internal/faults"
	"dustsweep/internal/observability"
)

// DefaultMaxSlippage is the slippage ceiling in percent.
const DefaultMaxSlippage = 2.0

const spenderTTL = time.Hour

// Router validates swap requests and fans them out to the aggregator.
type Router struct {
	agg         Aggregator
	maxSlippage float64
	spender     *cache.Cache[common.Address]
	metrics     *observability.Metrics
	logger      *zap.Logger
}

// Option configures Router.
type Option func(*Router)

// WithMaxSlippage sets the slippage ceiling in percent.
func WithMaxSlippage(pct float64) Option {
	return func(r *Router) {
		if pct > 0 {
			r.maxSlippage = pct
		}
	}
}

// WithMetrics sets the metrics sink.
func WithMetrics(m *observability.Metrics) Option {
	return func(r *Router) { r.metrics = m }
}

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) Option {
	return func(r *Router) { r.logger = l }
}

// NewRouter creates a router over agg.
func NewRouter(agg Aggregator, opts ...Option) *Router {
	r := &Router{
		agg:         agg,
		maxSlippage: DefaultMaxSlippage,
		spender:     cache.New[common.Address](spenderTTL),
		logger:      zap.NewNop(),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Close releases the spender cache.
func (r *Router) Close() {
	r.spender.Close()
}

func validatePair(from, to common.Address, amount string) error {
	switch {
	case from == (common.Address{}):
		return faults.Validation("fromToken", "must be a non-zero address")
	case to == (common.Address{}):
		return faults.Validation("toToken", "must be a non-zero address")
	case from == to:
		return faults.Validation("toToken", "must differ from fromToken %s", from.Hex())
	}
	if _, err := domain.ParseAmount(amount); err != nil {
		return faults.Validation("amount", "%v", err)
	}
	return nil
}

// Quote prices amount of from in to.
func (r *Router) Quote(ctx context.Context, from, to common.Address, amount string) (domain.SwapQuote, error) {
	if err := validatePair(from, to, amount); err != nil {
		return domain.SwapQuote{}, err
	}
	q, err := r.agg.Quote(ctx, from, to, amount)
	if err != nil {
		return domain.SwapQuote{}, errors.Wrapf(err, "quote %s", from.Hex())
	}
	return q, nil
}

// EffectiveSlippage validates a slippage percent and caps it at the ceiling.
// capped reports whether the requested value was lowered.
func (r *Router) EffectiveSlippage(pct float64) (applied float64, capped bool, err error) {
	if pct <= 0 {
		return 0, false, faults.Validation("slippage", "must be positive, got %v", pct)
	}
	if pct > r.maxSlippage {
		return r.maxSlippage, true, nil
	}
	return pct, false, nil
}

// BuildSwap builds the swap call of amount of from into to for trader.
// Slippage above the ceiling is capped with a warning.
func (r *Router) BuildSwap(ctx context.Context, from, to common.Address, amount string, trader common.Address, slippage float64) (domain.SwapTransaction, error) {
	if err := validatePair(from, to, amount); err != nil {
		return domain.SwapTransaction{}, err
	}
	if trader == (common.Address{}) {
		return domain.SwapTransaction{}, faults.Validation("trader", "must be a non-zero address")
	}
	applied, capped, err := r.EffectiveSlippage(slippage)
	if err != nil {
		return domain.SwapTransaction{}, err
	}
	if capped {
		r.metrics.RecordSlippageCapped()
		r.logger.Warn("slippage capped",
			zap.Float64("requested", slippage),
			zap.Float64("applied", applied),
			zap.String("token", from.Hex()))
	}

	tx, err := r.agg.Swap(ctx, from, to, amount, trader, applied)
	if err != nil {
		return domain.SwapTransaction{}, errors.Wrapf(err, "build swap %s", from.Hex())
	}
	tx.Slippage = applied
	return tx, nil
}

// Input is one token of a multi-swap.
type Input struct {
	Token  common.Address
	Amount string
}

// BuildMultiSwap builds one swap per input concurrently. Any failure cancels
// the rest and fails the batch with a BatchSwapError naming the token.
// Results keep the input order.
func (r *Router) BuildMultiSwap(ctx context.Context, inputs []Input, to, trader common.Address, slippage float64) ([]domain.SwapTransaction, error) {
	if len(inputs) == 0 {
		return nil, faults.Validation("inputTokens", "at least one token is required")
	}
	seen := make(map[common.Address]struct{}, len(inputs))
	for _, in := range inputs {
		if _, dup := seen[in.Token]; dup {
			return nil, faults.Validation("inputTokens", "duplicate token %s", in.Token.Hex())
		}
		seen[in.Token] = struct{}{}
	}
	if _, _, err := r.EffectiveSlippage(slippage); err != nil {
		return nil, err
	}

	out := make([]domain.SwapTransaction, len(inputs))
	g, gctx := errgroup.WithContext(ctx)
	for i, in := range inputs {
		g.Go(func() error {
			tx, err := r.BuildSwap(gctx, in.Token, to, in.Amount, trader, slippage)
			if err != nil {
				return &faults.BatchSwapError{Token: in.Token.Hex(), Err: err}
			}
			out[i] = tx
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return out, nil
}

// AggregateOutput sums the quoted output amounts exactly.
func AggregateOutput(swaps []domain.SwapTransaction) (*big.Int, error) {
	total := new(big.Int)
	for _, s := range swaps {
		v, err := domain.ParseAmount(s.Quote.ToAmount)
		if err != nil {
			return nil, errors.Wrapf(err, "output of %s", s.Quote.FromToken.Hex())
		}
		total.Add(total, v)
	}
	return total, nil
}

// ApprovalSpender returns the aggregator router address, cached.
func (r *Router) ApprovalSpender(ctx context.Context) (common.Address, error) {
	return r.spender.GetOrLoad(ctx, "spender", func(ctx context.Context) (common.Address, bool, error) {
		addr, err := r.agg.Spender(ctx)
		return addr, err == nil, err
	})
}
