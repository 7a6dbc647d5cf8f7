package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/poolwatch/poolwatch/internal/client"
	"github.com/poolwatch/poolwatch/internal/collector"
	"github.com/poolwatch/poolwatch/internal/config"
	"github.com/poolwatch/poolwatch/internal/errs"
	"github.com/poolwatch/poolwatch/internal/health"
	"github.com/poolwatch/poolwatch/internal/models"
	"github.com/poolwatch/poolwatch/internal/net/circuit"
	"github.com/poolwatch/poolwatch/internal/net/ratelimit"
	"github.com/poolwatch/poolwatch/internal/net/retry"
	"github.com/poolwatch/poolwatch/internal/scheduler"
	"github.com/poolwatch/poolwatch/internal/signals"
	"github.com/poolwatch/poolwatch/internal/storage"
	"github.com/poolwatch/poolwatch/internal/watchlist"
)

const (
	appName = "poolwatch"
	version = "v1.2.0"
)

var (
	flagConfig   string
	flagLogLevel string
)

func main() {
	zerolog.TimeFieldFormat = time.RFC3339
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.Kitchen})

	rootCmd := &cobra.Command{
		Use:     appName,
		Short:   "DEX pool market-data collector",
		Long:    "Continuously collects pools, OHLCV candles and trades from a DEX aggregator API,\nscores newly listed pools, and maintains a watchlist-driven collection schedule.",
		Version: version,
	}
	rootCmd.PersistentFlags().StringVar(&flagConfig, "config", "", "path to YAML config (defaults apply when omitted)")
	rootCmd.PersistentFlags().StringVar(&flagLogLevel, "log-level", "info", "log level (trace|debug|info|warn|error)")

	runCmd := &cobra.Command{
		Use:   "run",
		Short: "Run the collection scheduler until interrupted",
		RunE:  runCollector,
	}

	alertsCmd := &cobra.Command{
		Use:   "alerts",
		Short: "List unresolved operator alerts",
		RunE:  runAlerts,
	}
	alertsCmd.Flags().Int("limit", 20, "maximum alerts to show")

	rootCmd.AddCommand(runCmd, alertsCmd)

	if err := rootCmd.Execute(); err != nil {
		log.Error().Err(err).Msg("command failed")
		os.Exit(1)
	}
}

func setup() (config.Config, error) {
	if lvl, err := zerolog.ParseLevel(flagLogLevel); err == nil {
		zerolog.SetGlobalLevel(lvl)
	}

	if flagConfig == "" {
		cfg := config.Default()
		return cfg, cfg.Validate()
	}
	return config.Load(flagConfig)
}

func runCollector(cmd *cobra.Command, args []string) error {
	cfg, err := setup()
	if err != nil {
		return err
	}
	log.Info().Str("version", version).Stringer("config", &cfg).Msg("starting")

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// The storage breaker hook binds late: the tracker needs the store first.
	var tracker *health.Tracker
	st, err := storage.Open(ctx, cfg.Database, cfg.Breaker, func(name, from, to string) {
		if tracker != nil {
			tracker.BreakerStateChanged(name, from, to)
		}
	})
	if err != nil {
		return err
	}
	defer func() {
		if err := st.Close(); err != nil {
			log.Error().Err(err).Msg("database close failed")
		}
	}()

	tracker = health.NewTracker(st, cfg.Health)
	handler := errs.NewHandler(tracker)

	apiClient, err := buildClient(ctx, cfg, tracker)
	if err != nil {
		return err
	}
	defer apiClient.Close()

	deps := collector.Deps{Store: st, Client: apiClient, Handler: handler, Cfg: &cfg}
	backfill := collector.NewBackfillQueue()
	analyzer := signals.New(cfg.Signals)
	wlManager := watchlist.NewManager(st, cfg.Watchlist.CSVPath, cfg.Watchlist.ExportCSV)

	runner := collector.NewRunner(st, cfg.Collect.RunTimeout, tracker)
	sched := scheduler.New(runner, cfg.Collect.Workers, cfg.Collect.ShutdownGrace)

	sched.Register(collector.NewDexListCollector(deps, cfg.Network), cfg.Interval("dex_monitoring"), false)
	sched.Register(collector.NewTopPoolsCollector(deps, cfg.Network, cfg.Dexes), cfg.Interval("top_pools"), false)
	sched.Register(collector.NewWatchlistMonitorCollector(deps, wlManager), cfg.Interval("watchlist_monitor"), false)
	sched.Register(collector.NewWatchlistCollector(deps, cfg.Network), cfg.Interval("watchlist_collector"), false)
	sched.Register(collector.NewOHLCVCollector(deps, cfg.Network, backfill), cfg.Interval("ohlcv_collector"), false)
	sched.Register(collector.NewHistoricalCollector(deps, cfg.Network, backfill), cfg.Interval("historical_ohlcv"), cfg.Collect.QueueOverlapping)
	sched.Register(collector.NewTradeCollector(deps, cfg.Network), cfg.Interval("trade_collector"), false)
	sched.Register(collector.NewNewPoolsCollector(deps, cfg.Network, analyzer, wlManager), cfg.Interval("new_pools"), false)

	go func() {
		if err := tracker.Serve(ctx); err != nil {
			log.Error().Err(err).Msg("metrics endpoint failed")
		}
	}()

	err = sched.Run(ctx)
	log.Info().Msg("shutdown complete")
	if err == context.Canceled {
		return nil
	}
	return err
}

// buildClient returns the mock client when configured, otherwise the HTTP
// client behind the full resilience stack.
func buildClient(ctx context.Context, cfg config.Config, tracker *health.Tracker) (client.Client, error) {
	if cfg.API.UseMock {
		log.Info().Str("fixture_dir", cfg.API.FixtureDir).Msg("using mock upstream")
		return client.NewMockClient(cfg.API.FixtureDir), nil
	}

	limiter := ratelimit.New(
		cfg.RateLimit.PerEndpointDelay,
		cfg.RateLimit.PerMinuteCap,
		cfg.RateLimit.MonthlyBudget,
		ratelimit.WithBudgetWarning(func(used, budget int) {
			ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			alert := models.SystemAlert{
				Level:         models.AlertWarning,
				CollectorType: "rate_limit",
				Message:       "monthly API budget above 80%",
				Timestamp:     time.Now().UTC(),
				Metadata:      map[string]interface{}{"used": used, "budget": budget},
			}
			if err := tracker.EmitAlert(ctx, alert); err != nil {
				log.Error().Err(err).Msg("budget alert write failed")
			}
		}),
	)
	breaker := circuit.New(circuit.Config{
		Name:             "api",
		FailureThreshold: cfg.Breaker.FailureThreshold,
		RecoveryTimeout:  cfg.Breaker.RecoveryTimeout,
		OnStateChange:    tracker.BreakerStateChanged,
	})
	policy := retry.Policy{
		MaxRetries: cfg.Retry.MaxRetries,
		BaseDelay:  cfg.Retry.BaseDelay,
		Multiplier: cfg.Retry.Multiplier,
		Jitter:     cfg.Retry.Jitter,
	}

	go logLimiterUsage(ctx, limiter)

	httpClient := client.NewHTTPClient(cfg.API, limiter, breaker, policy)
	httpClient.SetRateLimitWatcher(tracker)
	return httpClient, nil
}

// logLimiterUsage periodically reports API quota consumption.
func logLimiterUsage(ctx context.Context, limiter *ratelimit.Limiter) {
	ticker := time.NewTicker(10 * time.Minute)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			stats := limiter.Snapshot()
			log.Info().
				Int("window_used", stats.WindowUsed).
				Int("per_minute_cap", stats.PerMinuteCap).
				Int("monthly_used", stats.MonthlyUsed).
				Int("monthly_budget", stats.MonthlyBudget).
				Msg("api quota usage")
		}
	}
}

func runAlerts(cmd *cobra.Command, args []string) error {
	cfg, err := setup()
	if err != nil {
		return err
	}
	limit, _ := cmd.Flags().GetInt("limit")

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	st, err := storage.Open(ctx, cfg.Database, cfg.Breaker, nil)
	if err != nil {
		return err
	}
	defer st.Close()

	alerts, err := st.ListAlerts(ctx, true, limit)
	if err != nil {
		return err
	}
	if len(alerts) == 0 {
		fmt.Println("no unresolved alerts")
		return nil
	}
	for _, a := range alerts {
		fmt.Printf("%s  %-8s  %-24s  %s\n",
			a.Timestamp.Format(time.RFC3339), a.Level, a.CollectorType, a.Message)
	}
	return nil
}
