// Package main runs the dustsweep HTTP API: risk-filtered dust consolidation
// into one sponsored ERC-4337 operation, finalized by an external signer.
package main

import (
	"context"
	"encoding/json"
	"math/big"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/ethereum/go-ethereum/rpc"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/shopspring/decimal"
	flag "github.com/spf13/pflag"
	"go.uber.org/zap"

	"dustsweep/internal/api"
	"dustsweep/internal/chain"
	"dustsweep/internal/config"
	"dustsweep/internal/consolidation"
	"dustsweep/internal/domain"
	"dustsweep/internal/httpjson"
	"dustsweep/internal/logging"
	"dustsweep/internal/observability"
	"dustsweep/internal/retry"
	"dustsweep/internal/reward"
	"dustsweep/internal/risk"
	"dustsweep/internal/storage"
	chstore "dustsweep/internal/storage/clickhouse"
	"dustsweep/internal/storage/memory"
	pgstore "dustsweep/internal/storage/postgres"
	"dustsweep/internal/swap"
	"dustsweep/internal/userop"
)

func main() {
	config.LoadEnvFile(".env")

	configPath := flag.String("config", "", "Path to YAML config (default $"+config.EnvConfigPath+")")
	scansPath := flag.String("scans", "", "JSON file of scans to load into the scan store on start")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		// Logger is not configured yet.
		_, _ = os.Stderr.WriteString("load config: " + err.Error() + "\n")
		os.Exit(2)
	}

	logger, err := logging.New(cfg.Log.Level, cfg.Log.Format)
	if err != nil {
		_, _ = os.Stderr.WriteString(err.Error() + "\n")
		os.Exit(2)
	}
	defer func() { _ = logger.Sync() }()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, *scansPath, logger); err != nil {
		logger.Fatal("server stopped", zap.Error(err))
	}
	logger.Info("shutdown complete")
}

func run(ctx context.Context, cfg *config.Config, scansPath string, logger *zap.Logger) error {
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	metrics := observability.NewMetrics(cfg.Metrics.Namespace, reg)

	stores, closeStores, err := createStores(ctx, cfg.Storage, metrics, logger)
	if err != nil {
		return err
	}
	defer closeStores()

	if scansPath != "" {
		n, err := loadScans(ctx, stores.scans, scansPath)
		if err != nil {
			return err
		}
		logger.Info("scans loaded", zap.Int("count", n), zap.String("path", scansPath))
	}

	policy := retryPolicy(cfg.Retry)

	nodes, err := dialChain(ctx, cfg.Chain, metrics, logging.Component(logger, "chain"))
	if err != nil {
		return err
	}
	defer nodes.Close()

	assessor := newAssessor(cfg, policy, stores.riskLog, metrics, logging.Component(logger, "risk"))
	defer assessor.Close()

	router := newRouter(cfg, policy, metrics, logging.Component(logger, "swap"))
	defer router.Close()

	ops, closeOps, err := newOrchestrator(ctx, cfg, policy, nodes, metrics, logging.Component(logger, "userop"))
	if err != nil {
		return err
	}
	defer closeOps()

	ledger, closeLedger, err := createLedger(cfg.Reward, metrics, logging.Component(logger, "reward"))
	if err != nil {
		return err
	}
	defer closeLedger()

	coordCfg, err := coordinatorConfig(cfg)
	if err != nil {
		return err
	}
	hub := api.NewHub()
	coord, err := consolidation.New(consolidation.Deps{
		Scans:   stores.scans,
		Records: stores.records,
		Risk:    assessor,
		Swaps:   router,
		Ops:     ops,
		Ledger:  ledger,
	}, coordCfg,
		consolidation.WithMetrics(metrics),
		consolidation.WithLogger(logging.Component(logger, "consolidation")),
		consolidation.WithObserver(hub),
	)
	if err != nil {
		return err
	}

	srv := &http.Server{
		Addr: cfg.HTTP.Addr,
		Handler: api.NewServer(coord,
			api.WithHub(hub),
			api.WithGatherer(reg),
			api.WithMetrics(metrics),
			api.WithLogger(logging.Component(logger, "api")),
			api.WithReadiness(stores.ready),
		).Handler(),
		ReadHeaderTimeout: cfg.HTTP.ReadTimeout,
		ReadTimeout:       cfg.HTTP.ReadTimeout,
		WriteTimeout:      cfg.HTTP.WriteTimeout,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("http server listening",
			zap.String("addr", cfg.HTTP.Addr),
			zap.Int64("chain_id", cfg.Chain.ChainID),
			zap.String("storage", cfg.Storage.Driver),
			zap.String("reward", cfg.Reward.Driver))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		return errors.Wrap(err, "http server")
	case <-ctx.Done():
	}

	logger.Info("shutting down", zap.Duration("timeout", cfg.HTTP.ShutdownTimeout))
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.HTTP.ShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return errors.Wrap(err, "graceful shutdown")
	}
	return nil
}

// appStores holds the store implementations selected by configuration.
type appStores struct {
	scans   storage.ScanStore
	records storage.ConsolidationStore
	riskLog storage.RiskLogStore // nil without ClickHouse
	ready   func(ctx context.Context) error
}

// createStores creates all required stores.
func createStores(ctx context.Context, cfg config.StorageConfig, m *observability.Metrics, logger *zap.Logger) (*appStores, func(), error) {
	var closers []func()
	cleanup := func() {
		for i := len(closers) - 1; i >= 0; i-- {
			closers[i]()
		}
	}

	stores := &appStores{
		scans:   memory.NewScanStore(),
		records: memory.NewConsolidationStore(),
		ready:   func(context.Context) error { return nil },
	}

	if cfg.Driver == "postgres" {
		pool, err := pgstore.NewPool(ctx, cfg.PostgresDSN, pgstore.WithMetrics(m))
		if err != nil {
			return nil, nil, err
		}
		closers = append(closers, pool.Close)
		if err := pool.Migrate(ctx); err != nil {
			cleanup()
			return nil, nil, err
		}
		stores.scans = pgstore.NewScanStore(pool)
		stores.records = pgstore.NewConsolidationStore(pool)
		stores.ready = func(ctx context.Context) error { return pool.Ping(ctx) }
		logger.Info("postgres stores ready")
	}

	if cfg.ClickHouseDSN != "" {
		if err := chstore.CreateDatabase(ctx, cfg.ClickHouseDSN); err != nil {
			cleanup()
			return nil, nil, err
		}
		conn, err := chstore.NewConn(ctx, cfg.ClickHouseDSN, chstore.WithMetrics(m))
		if err != nil {
			cleanup()
			return nil, nil, err
		}
		closers = append(closers, func() { _ = conn.Close() })
		if err := conn.Migrate(ctx); err != nil {
			cleanup()
			return nil, nil, err
		}
		stores.riskLog = chstore.NewRiskLogStore(conn)
		logger.Info("clickhouse risk log ready")
	}

	return stores, cleanup, nil
}

// loadScans inserts the scans of a JSON array file. Scans that already exist
// are left as they are.
func loadScans(ctx context.Context, store storage.ScanStore, path string) (int, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return 0, errors.Wrapf(err, "read scans %s", path)
	}
	var scans []*domain.Scan
	if err := json.Unmarshal(data, &scans); err != nil {
		return 0, errors.Wrapf(err, "parse scans %s", path)
	}
	n := 0
	for _, s := range scans {
		if s.CreatedAt.IsZero() {
			s.CreatedAt = time.Now().UTC()
		}
		switch err := store.Insert(ctx, s); {
		case err == nil:
			n++
		case errors.Is(err, storage.ErrDuplicateKey):
		default:
			return n, errors.Wrapf(err, "insert scan %s", s.ID)
		}
	}
	return n, nil
}

func retryPolicy(c config.RetryConfig) retry.Policy {
	return retry.Policy{
		MaxAttempts:    c.MaxAttempts,
		BaseDelay:      c.BaseDelay,
		Multiplier:     c.Multiplier,
		MaxDelay:       c.MaxDelay,
		AttemptTimeout: c.AttemptTimeout,
	}
}

func dialChain(ctx context.Context, c config.ChainConfig, m *observability.Metrics, logger *zap.Logger) (*chain.Client, error) {
	endpoints := make([]chain.Endpoint, 0, len(c.Providers))
	for _, p := range c.Providers {
		endpoints = append(endpoints, chain.Endpoint{Name: p.Name, URL: p.URL})
	}
	policy := retry.Default("node")
	policy.MaxAttempts = c.Attempts
	policy.BaseDelay = c.BaseDelay
	policy.AttemptTimeout = c.AttemptTimeout
	return chain.Dial(ctx, endpoints,
		chain.WithPolicy(policy),
		chain.WithMetrics(m),
		chain.WithLogger(logger),
	)
}

func newAssessor(cfg *config.Config, policy retry.Policy, riskLog storage.RiskLogStore, m *observability.Metrics, logger *zap.Logger) *risk.Assessor {
	client := func(name, baseURL string) *httpjson.Client {
		return httpjson.New(name, baseURL,
			httpjson.WithRateLimit(cfg.Risk.RatePerSecond),
			httpjson.WithPolicy(policy.WithProvider(name)),
			httpjson.WithMetrics(m),
			httpjson.WithLogger(logger),
		)
	}
	return risk.NewAssessor(risk.Providers{
		Security:  risk.NewGoPlusClient(client("goplus", cfg.Risk.SecurityURL), cfg.Chain.ChainID),
		Honeypot:  risk.NewHoneypotClient(client("honeypot", cfg.Risk.HoneypotURL), cfg.Chain.ChainID),
		Liquidity: risk.NewDexScreenerClient(client("dexscreener", cfg.Risk.LiquidityURL), cfg.Risk.ChainSlug),
	}, risk.Config{
		CacheTTL:    cfg.Risk.CacheTTL,
		Concurrency: cfg.Risk.Concurrency,
		Allowlist:   risk.DefaultAllowlist(cfg.Chain.ChainID, cfg.Risk.Allowlist...),
	},
		risk.WithRiskLog(riskLog),
		risk.WithMetrics(m),
		risk.WithLogger(logger),
	)
}

func newRouter(cfg *config.Config, policy retry.Policy, m *observability.Metrics, logger *zap.Logger) *swap.Router {
	opts := []httpjson.Option{
		httpjson.WithRateLimit(cfg.Swap.RatePerSecond),
		httpjson.WithPolicy(policy.WithProvider("1inch")),
		httpjson.WithMetrics(m),
		httpjson.WithLogger(logger),
	}
	if cfg.Swap.APIKey != "" {
		opts = append(opts, httpjson.WithHeader("Authorization", "Bearer "+cfg.Swap.APIKey))
	}
	agg := swap.NewOneInch(httpjson.New("1inch", cfg.Swap.BaseURL, opts...), cfg.Chain.ChainID)
	return swap.NewRouter(agg,
		swap.WithMaxSlippage(cfg.Swap.MaxSlippage),
		swap.WithMetrics(m),
		swap.WithLogger(logger),
	)
}

func newOrchestrator(ctx context.Context, cfg *config.Config, policy retry.Policy, nodes *chain.Client, m *observability.Metrics, logger *zap.Logger) (*userop.Orchestrator, func(), error) {
	if cfg.Bundler.URL == "" {
		return nil, nil, errors.New("bundler.url is required")
	}
	bundler, err := rpc.DialContext(ctx, cfg.Bundler.URL)
	if err != nil {
		return nil, nil, errors.Wrap(err, "dial bundler")
	}
	closeAll := bundler.Close

	opts := []userop.Option{
		userop.WithPolicy(policy),
		userop.WithMetrics(m),
		userop.WithLogger(logger),
	}
	if cfg.Bundler.PaymasterURL != "" && cfg.Bundler.PaymasterURL != cfg.Bundler.URL {
		paymaster, err := rpc.DialContext(ctx, cfg.Bundler.PaymasterURL)
		if err != nil {
			bundler.Close()
			return nil, nil, errors.Wrap(err, "dial paymaster")
		}
		closeAll = func() {
			paymaster.Close()
			bundler.Close()
		}
		opts = append(opts, userop.WithPaymaster(paymaster))
	}

	entryPoint := userop.DefaultEntryPoint
	if cfg.Chain.EntryPoint != "" {
		if entryPoint, err = domain.ParseAddress(cfg.Chain.EntryPoint); err != nil {
			closeAll()
			return nil, nil, errors.Wrap(err, "chain.entry_point")
		}
	}

	return userop.New(bundler, nodes, userop.Config{
		EntryPoint:     entryPoint,
		ChainID:        big.NewInt(cfg.Chain.ChainID),
		PolicyID:       cfg.Bundler.PolicyID,
		ReceiptTimeout: cfg.Bundler.ReceiptTimeout,
		PollInterval:   cfg.Bundler.PollInterval,
	}, opts...), closeAll, nil
}

func createLedger(cfg config.RewardConfig, m *observability.Metrics, logger *zap.Logger) (reward.Ledger, func(), error) {
	if cfg.Driver != "kafka" {
		return reward.NewMemoryLedger(), func() {}, nil
	}
	ledger, err := reward.NewKafkaLedger(cfg.Brokers, cfg.Topic,
		reward.WithMetrics(m),
		reward.WithLogger(logger),
	)
	if err != nil {
		return nil, nil, err
	}
	logger.Info("kafka reward ledger ready",
		zap.String("brokers", strings.Join(cfg.Brokers, ",")),
		zap.String("topic", cfg.Topic))
	return ledger, func() {
		if err := ledger.Close(); err != nil {
			logger.Warn("close kafka producer", zap.Error(err))
		}
	}, nil
}

func coordinatorConfig(cfg *config.Config) (consolidation.Config, error) {
	out := consolidation.Config{
		FeeBps:          cfg.Consolidation.FeeBps,
		DefaultSlippage: cfg.Consolidation.DefaultSlippage,
		AllowUnassessed: cfg.Risk.AllowUnassessed,
	}
	if cfg.Consolidation.Treasury != "" {
		addr, err := domain.ParseAddress(cfg.Consolidation.Treasury)
		if err != nil {
			return out, errors.Wrap(err, "consolidation.treasury")
		}
		out.Treasury = addr
	}
	if cfg.Consolidation.DustThresholdUSD != "" {
		d, err := decimal.NewFromString(cfg.Consolidation.DustThresholdUSD)
		if err != nil {
			return out, errors.Wrap(err, "consolidation.dust_threshold_usd")
		}
		out.DustThresholdUSD = d
	}
	return out, nil
}
