// Package risk scores untrusted tokens from three external data providers.
//
// An assessment combines a token-security report, a honeypot simulation and
// DEX liquidity data into twelve weighted layers. A provider that fails after
// retries contributes a neutral value and a "<provider>_unavailable" flag; the
// assessment itself still succeeds unless every provider failed, which is
// reported as ErrNoProviders. Complete assessments are cached for the
// configured TTL, degraded ones are not.
package risk

import (
	"context"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/ethereum/go-ethereum/common"
	"github.com/sourcegraph/conc"
	"github.com/sourcegraph/conc/panics"
	"github.com/sourcegraph/conc/pool"
	"go.uber.org/zap"

	"dustsweep/internal/cache"
	"dustsweep/internal/domain"
	"dustsweep/internal/observability"
	"dustsweep/internal/storage"
)

// Default configuration values.
const (
	DefaultCacheTTL        = 180 * time.Second
	DefaultConcurrency     = 5
	DefaultProviderTimeout = 20 * time.Second
	logWriteTimeout        = 5 * time.Second
	providerCount          = 3
)

// ErrNoProviders is returned when no provider answered for a token.
var ErrNoProviders = errors.New("risk: no provider answered")

// Config configures an Assessor.
type Config struct {
	CacheTTL        time.Duration
	Concurrency     int              // AssessBatch tasks in flight
	ProviderTimeout time.Duration    // total budget per provider, retries included
	Allowlist       []common.Address // scored 0/safe without any provider call
}

// Assessor scores tokens. It is safe for concurrent use.
type Assessor struct {
	providers       Providers
	cache           *cache.Cache[domain.RiskScore]
	allow           map[common.Address]struct{}
	concurrency     int
	providerTimeout time.Duration
	riskLog         storage.RiskLogStore
	metrics         *observability.Metrics
	logger          *zap.Logger
	now             func() time.Time
}

// Option configures Assessor.
type Option func(*Assessor)

// WithRiskLog appends every fresh assessment to store.
func WithRiskLog(store storage.RiskLogStore) Option {
	return func(a *Assessor) { a.riskLog = store }
}

// WithMetrics sets the metrics sink.
func WithMetrics(m *observability.Metrics) Option {
	return func(a *Assessor) { a.metrics = m }
}

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) Option {
	return func(a *Assessor) { a.logger = l }
}

// WithClock overrides the time source used for age scoring.
func WithClock(now func() time.Time) Option {
	return func(a *Assessor) { a.now = now }
}

// NewAssessor creates an assessor over p.
func NewAssessor(p Providers, cfg Config, opts ...Option) *Assessor {
	if cfg.CacheTTL <= 0 {
		cfg.CacheTTL = DefaultCacheTTL
	}
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = DefaultConcurrency
	}
	if cfg.ProviderTimeout <= 0 {
		cfg.ProviderTimeout = DefaultProviderTimeout
	}

	a := &Assessor{
		providers:       p,
		cache:           cache.New[domain.RiskScore](cfg.CacheTTL),
		allow:           make(map[common.Address]struct{}, len(cfg.Allowlist)),
		concurrency:     cfg.Concurrency,
		providerTimeout: cfg.ProviderTimeout,
		logger:          zap.NewNop(),
		now:             time.Now,
	}
	for _, addr := range cfg.Allowlist {
		a.allow[addr] = struct{}{}
	}
	for _, opt := range opts {
		opt(a)
	}
	a.cache.OnLookup = a.metrics.RecordCacheLookup
	// Providers run in parallel; the log append follows them.
	a.cache.LoadTimeout = a.providerTimeout + logWriteTimeout
	return a
}

// Close waits for pending cache writes and releases the cache.
func (a *Assessor) Close() {
	a.cache.Close()
}

// Allowlisted reports whether token skips provider checks.
func (a *Assessor) Allowlisted(token common.Address) bool {
	_, ok := a.allow[token]
	return ok
}

// Assess scores one token. It fails when ctx ends before the providers
// could be consulted or when all of them failed.
func (a *Assessor) Assess(ctx context.Context, token common.Address) (domain.RiskScore, error) {
	if a.Allowlisted(token) {
		return domain.RiskScore{
			Token:          token,
			Classification: domain.ClassificationSafe,
			Flags:          []string{},
			AssessedAt:     a.now().UTC(),
		}, nil
	}

	return a.cache.GetOrLoad(ctx, domain.AddressKey(token), func(ctx context.Context) (domain.RiskScore, bool, error) {
		score, degraded := a.assess(ctx, token)
		if err := ctx.Err(); err != nil {
			return domain.RiskScore{}, false, errors.Wrapf(err, "assess %s", token.Hex())
		}
		if len(degraded) == providerCount {
			return domain.RiskScore{}, false, errors.Wrapf(ErrNoProviders, "assess %s", token.Hex())
		}
		a.metrics.RecordAssessment(string(score.Classification), degraded)
		a.appendLog(ctx, score)
		return score, len(degraded) == 0, nil
	})
}

// assess queries the providers in parallel and scores their answers.
// degraded lists the providers that failed.
func (a *Assessor) assess(ctx context.Context, token common.Address) (domain.RiskScore, []string) {
	var (
		in     reports
		errSec error
		errHP  error
		errLiq error
		wg     conc.WaitGroup
	)
	wg.Go(func() {
		ctx, cancel := context.WithTimeout(ctx, a.providerTimeout)
		defer cancel()
		in.security, errSec = a.providers.Security.TokenSecurity(ctx, token)
	})
	wg.Go(func() {
		ctx, cancel := context.WithTimeout(ctx, a.providerTimeout)
		defer cancel()
		in.honeypot, errHP = a.providers.Honeypot.Simulate(ctx, token)
	})
	wg.Go(func() {
		ctx, cancel := context.WithTimeout(ctx, a.providerTimeout)
		defer cancel()
		in.liquidity, errLiq = a.providers.Liquidity.Liquidity(ctx, token)
	})
	wg.Wait()

	var degraded []string
	note := func(name string, err error) {
		if err == nil {
			return
		}
		degraded = append(degraded, name)
		a.logger.Warn("risk provider unavailable",
			zap.String("provider", name),
			zap.String("token", token.Hex()),
			zap.Error(err))
	}
	if errSec != nil {
		in.security = nil
	}
	if errHP != nil {
		in.honeypot = nil
	}
	if errLiq != nil {
		in.liquidity = nil
	}
	note(a.providers.Security.Name(), errSec)
	note(a.providers.Honeypot.Name(), errHP)
	note(a.providers.Liquidity.Name(), errLiq)

	layers, flags := in.score(a.now())
	for _, name := range degraded {
		flags = append(flags, name+"_unavailable")
	}

	total := Total(layers)
	return domain.RiskScore{
		Token:          token,
		Total:          total,
		Classification: domain.Classify(total),
		Layers:         layers,
		Flags:          domain.SortedFlags(flags),
		Excluded:       total > domain.ExcludeAbove || in.honeypotSignal(),
		AssessedAt:     a.now().UTC(),
	}, degraded
}

func (a *Assessor) appendLog(ctx context.Context, score domain.RiskScore) {
	if a.riskLog == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), logWriteTimeout)
	defer cancel()
	if err := a.riskLog.Append(ctx, []domain.RiskScore{score}); err != nil {
		a.metrics.RecordRiskLogFailure()
		a.logger.Warn("risk log append failed", zap.String("token", score.Token.Hex()), zap.Error(err))
	}
}

// Fallback is the fail-open score used when an assessment could not run.
func Fallback(token common.Address, at time.Time) domain.RiskScore {
	return domain.RiskScore{
		Token:          token,
		Classification: domain.ClassificationSafe,
		Flags:          []string{domain.FlagErrorScored},
		AssessedAt:     at.UTC(),
	}
}

type batchResult struct {
	token    common.Address
	score    domain.RiskScore
	fallback bool
}

// AssessBatch scores tokens with at most Config.Concurrency assessments in
// flight. Every input token gets an entry: a token whose assessment failed or
// panicked gets Fallback.
func (a *Assessor) AssessBatch(ctx context.Context, tokens []common.Address) map[common.Address]domain.RiskScore {
	p := pool.NewWithResults[batchResult]().WithMaxGoroutines(a.concurrency)

	seen := make(map[common.Address]struct{}, len(tokens))
	for _, token := range tokens {
		if _, dup := seen[token]; dup {
			continue
		}
		seen[token] = struct{}{}

		p.Go(func() batchResult {
			var (
				score domain.RiskScore
				err   error
				pc    panics.Catcher
			)
			pc.Try(func() { score, err = a.Assess(ctx, token) })
			if r := pc.Recovered(); r != nil {
				err = r.AsError()
			}
			if err != nil {
				a.logger.Error("risk assessment failed, using fallback",
					zap.String("token", token.Hex()),
					zap.Error(err))
				return batchResult{token: token, score: Fallback(token, a.now()), fallback: true}
			}
			return batchResult{token: token, score: score}
		})
	}

	out := make(map[common.Address]domain.RiskScore, len(seen))
	fallbacks := 0
	for _, r := range p.Wait() {
		out[r.token] = r.score
		if r.fallback {
			fallbacks++
		}
	}
	if fallbacks > 0 {
		a.logger.Warn("risk batch finished with fallbacks",
			zap.Int("tokens", len(out)),
			zap.Int("fallbacks", fallbacks))
	}
	return out
}

// Enrich assesses tokens and writes the score, classification and exclusion
// into each element. It returns the scores by address.
func (a *Assessor) Enrich(ctx context.Context, tokens []domain.DustToken) map[common.Address]domain.RiskScore {
	addrs := make([]common.Address, len(tokens))
	for i, t := range tokens {
		addrs[i] = t.Address
	}
	scores := a.AssessBatch(ctx, addrs)
	for i := range tokens {
		s := scores[tokens[i].Address]
		tokens[i].RiskScore = s.Total
		tokens[i].RiskClassification = s.Classification
		tokens[i].Excluded = s.Excluded
	}
	return scores
}
