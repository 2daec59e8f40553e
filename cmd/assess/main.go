// Command assess scores tokens with the configured risk providers and prints
// the results as JSON, one object per address in input order.
//
//	assess --config dustsweep.yaml 0xabc... 0xdef...
//	cat tokens.txt | assess --stdin
package main

import (
	"bufio"
	"context"
	"encoding/json"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/ethereum/go-ethereum/common"
	flag "github.com/spf13/pflag"
	"go.uber.org/zap"

	"dustsweep/internal/config"
	"dustsweep/internal/domain"
	"dustsweep/internal/httpjson"
	"dustsweep/internal/logging"
	"dustsweep/internal/retry"
	"dustsweep/internal/risk"
)

func main() {
	config.LoadEnvFile(".env")

	configPath := flag.String("config", "", "Path to YAML config (default $"+config.EnvConfigPath+")")
	fromStdin := flag.Bool("stdin", false, "Read addresses from stdin, one per line")
	timeout := flag.Duration("timeout", 2*time.Minute, "Overall deadline")
	indent := flag.Bool("indent", true, "Indent JSON output")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		_, _ = os.Stderr.WriteString("load config: " + err.Error() + "\n")
		os.Exit(2)
	}
	// Progress goes to stderr; stdout carries only JSON.
	logger, err := logging.New(cfg.Log.Level, "console")
	if err != nil {
		_, _ = os.Stderr.WriteString(err.Error() + "\n")
		os.Exit(2)
	}
	defer func() { _ = logger.Sync() }()

	args := flag.Args()
	if *fromStdin {
		lines, err := readLines(os.Stdin)
		if err != nil {
			logger.Fatal("read stdin", zap.Error(err))
		}
		args = append(args, lines...)
	}
	tokens, err := parseTokens(args)
	if err != nil {
		logger.Fatal("invalid input", zap.Error(err))
	}
	if len(tokens) == 0 {
		logger.Fatal("no token addresses given")
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	ctx, cancel := context.WithTimeout(ctx, *timeout)
	defer cancel()

	assessor := newAssessor(cfg, logger)
	defer assessor.Close()

	start := time.Now()
	scores := assessor.AssessBatch(ctx, tokens)
	out := make([]domain.RiskScore, 0, len(tokens))
	for _, t := range tokens {
		out = append(out, scores[t])
	}
	logger.Info("assessed", zap.Int("tokens", len(out)), zap.Duration("took", time.Since(start)))

	enc := json.NewEncoder(os.Stdout)
	if *indent {
		enc.SetIndent("", "  ")
	}
	if err := enc.Encode(out); err != nil {
		logger.Fatal("write output", zap.Error(err))
	}
}

func newAssessor(cfg *config.Config, logger *zap.Logger) *risk.Assessor {
	policy := retry.Policy{
		MaxAttempts:    cfg.Retry.MaxAttempts,
		BaseDelay:      cfg.Retry.BaseDelay,
		Multiplier:     cfg.Retry.Multiplier,
		MaxDelay:       cfg.Retry.MaxDelay,
		AttemptTimeout: cfg.Retry.AttemptTimeout,
	}
	client := func(name, baseURL string) *httpjson.Client {
		return httpjson.New(name, baseURL,
			httpjson.WithRateLimit(cfg.Risk.RatePerSecond),
			httpjson.WithPolicy(policy.WithProvider(name)),
			httpjson.WithLogger(logger),
		)
	}
	return risk.NewAssessor(risk.Providers{
		Security:  risk.NewGoPlusClient(client("goplus", cfg.Risk.SecurityURL), cfg.Chain.ChainID),
		Honeypot:  risk.NewHoneypotClient(client("honeypot", cfg.Risk.HoneypotURL), cfg.Chain.ChainID),
		Liquidity: risk.NewDexScreenerClient(client("dexscreener", cfg.Risk.LiquidityURL), cfg.Risk.ChainSlug),
	}, risk.Config{
		Concurrency: cfg.Risk.Concurrency,
		Allowlist:   risk.DefaultAllowlist(cfg.Chain.ChainID, cfg.Risk.Allowlist...),
	}, risk.WithLogger(logger))
}

// parseTokens validates addresses and drops duplicates, keeping first-seen order.
func parseTokens(args []string) ([]common.Address, error) {
	seen := make(map[common.Address]struct{}, len(args))
	out := make([]common.Address, 0, len(args))
	for _, a := range args {
		addr, err := domain.ParseAddress(a)
		if err != nil {
			return nil, errors.Wrapf(err, "address %q", a)
		}
		if _, dup := seen[addr]; dup {
			continue
		}
		seen[addr] = struct{}{}
		out = append(out, addr)
	}
	return out, nil
}

func readLines(f *os.File) ([]string, error) {
	var out []string
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		out = append(out, line)
	}
	return out, sc.Err()
}
