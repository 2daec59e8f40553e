// Package chain reads blockchain state through an ordered list of node
// providers with per-provider retries and ring failover.
package chain

import (
	"context"
	"math/big"
	"sync/atomic"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/ethereum/go-ethereum/rpc"
	"go.uber.org/zap"

	"dustsweep/internal/faults"
	"dustsweep/internal/observability"
	"dustsweep/internal/retry"
)

// Node is the subset of *ethclient.Client the client uses.
type Node interface {
	ChainID(ctx context.Context) (*big.Int, error)
	BlockNumber(ctx context.Context) (uint64, error)
	HeaderByNumber(ctx context.Context, number *big.Int) (*types.Header, error)
	SuggestGasTipCap(ctx context.Context) (*big.Int, error)
	CallContract(ctx context.Context, msg ethereum.CallMsg, blockNumber *big.Int) ([]byte, error)
	Close()
}

// Provider is a named node endpoint.
type Provider struct {
	Name string
	Node Node
}

// Endpoint is a provider URL to dial.
type Endpoint struct {
	Name string
	URL  string
}

// Client fails over between providers. The index of the provider that last
// answered is sticky: the next call starts there.
type Client struct {
	providers []Provider
	current   atomic.Int64
	policy    retry.Policy
	metrics   *observability.Metrics
	logger    *zap.Logger
}

// Option configures Client.
type Option func(*Client)

// WithPolicy sets the per-provider retry policy.
func WithPolicy(p retry.Policy) Option {
	return func(c *Client) { c.policy = p }
}

// WithMetrics sets the metrics sink.
func WithMetrics(m *observability.Metrics) Option {
	return func(c *Client) { c.metrics = m }
}

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) Option {
	return func(c *Client) { c.logger = l }
}

// New creates a client over providers, tried in the given order.
func New(providers []Provider, opts ...Option) (*Client, error) {
	if len(providers) == 0 {
		return nil, faults.Validation("providers", "at least one node provider is required")
	}
	c := &Client{
		providers: providers,
		policy:    retry.Default("node"),
		logger:    zap.NewNop(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// Dial connects to every endpoint. Connections are lazy for HTTP URLs, so an
// unreachable node only surfaces on the first call.
func Dial(ctx context.Context, endpoints []Endpoint, opts ...Option) (*Client, error) {
	providers := make([]Provider, 0, len(endpoints))
	for _, e := range endpoints {
		node, err := ethclient.DialContext(ctx, e.URL)
		if err != nil {
			for _, p := range providers {
				p.Node.Close()
			}
			return nil, errors.Wrapf(err, "dial node %s", e.Name)
		}
		providers = append(providers, Provider{Name: e.Name, Node: node})
	}
	return New(providers, opts...)
}

// Close closes every node connection.
func (c *Client) Close() {
	for _, p := range c.providers {
		p.Node.Close()
	}
}

// Current returns the name of the provider the next call starts with.
func (c *Client) Current() string {
	return c.providers[c.index()].Name
}

func (c *Client) index() int {
	return int(c.current.Load()) % len(c.providers)
}

// Do runs fn against the providers in ring order starting at the current one.
// Each provider gets the full retry policy. A JSON-RPC error from a node is a
// definitive answer and is returned without failing over.
func (c *Client) Do(ctx context.Context, op string, fn func(ctx context.Context, node Node) error) error {
	_, err := Call(ctx, c, op, func(ctx context.Context, node Node) (struct{}, error) {
		return struct{}{}, fn(ctx, node)
	})
	return err
}

// Call is Do returning a value.
func Call[T any](ctx context.Context, c *Client, op string, fn func(ctx context.Context, node Node) (T, error)) (T, error) {
	var zero T
	start := c.index()
	failures := make([]faults.ProviderFailure, 0, len(c.providers))

	for i := range c.providers {
		idx := (start + i) % len(c.providers)
		p := c.providers[idx]

		policy := c.policy.WithProvider(p.Name)
		policy.Classify = retryableNodeError
		policy.OnRetry = func(attempt int, wait time.Duration, err error) {
			c.metrics.RecordRetry(p.Name)
			c.logger.Debug("node call retry",
				zap.String("provider", p.Name),
				zap.String("op", op),
				zap.Int("attempt", attempt),
				zap.Duration("wait", wait),
				zap.Error(err))
		}

		began := time.Now()
		v, err := retry.DoValue(ctx, policy, retry.Read, func(ctx context.Context) (T, error) {
			return fn(ctx, p.Node)
		})
		c.metrics.RecordProviderCall(p.Name, op, time.Since(began), err)
		if err == nil {
			if idx != start {
				c.current.Store(int64(idx))
				c.metrics.RecordFailover(p.Name)
				c.logger.Info("node failover",
					zap.String("op", op),
					zap.String("from", c.providers[start].Name),
					zap.String("to", p.Name))
			}
			return v, nil
		}
		if ctx.Err() != nil {
			return zero, errors.Wrapf(err, "%s via %s", op, p.Name)
		}
		if isRPCError(err) {
			return zero, errors.Wrapf(err, "%s via %s", op, p.Name)
		}

		c.logger.Warn("node provider failed",
			zap.String("provider", p.Name),
			zap.String("op", op),
			zap.Error(err))
		failures = append(failures, faults.ProviderFailure{Provider: p.Name, Err: err})
	}
	return zero, &faults.ExhaustedError{Op: op, Failures: failures}
}

func isRPCError(err error) bool {
	var rpcErr rpc.Error
	return errors.As(err, &rpcErr)
}

func retryableNodeError(err error) bool {
	return !isRPCError(err) && faults.IsRetryable(err)
}
