// Command quotegate runs the market-data gateway: REST/WS API in front of
// tiered caching, rule-driven payload mapping and upstream quote providers.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/quotegate/quotegate/internal/cache"
	"github.com/quotegate/quotegate/internal/config"
	"github.com/quotegate/quotegate/internal/gateway"
	"github.com/quotegate/quotegate/internal/mapping"
	"github.com/quotegate/quotegate/internal/metrics"
	"github.com/quotegate/quotegate/internal/provider"
	"github.com/quotegate/quotegate/internal/rules"
	"github.com/quotegate/quotegate/internal/tasks"
	httpapi "github.com/quotegate/quotegate/internal/interfaces/http"
)

var (
	version = "dev"

	flagConfig  string
	flagVerbose bool
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "quotegate",
		Short: "Market-data gateway with tiered caching and rule-driven mapping",
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			setupLogging(flagVerbose)
		},
	}
	rootCmd.PersistentFlags().StringVarP(&flagConfig, "config", "c", "", "Path to YAML config file")
	rootCmd.PersistentFlags().BoolVarP(&flagVerbose, "verbose", "v", false, "Enable debug logging")

	serveCmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the gateway server",
		RunE:  func(cmd *cobra.Command, args []string) error { return runServe() },
	}

	healthCmd := &cobra.Command{
		Use:   "health",
		Short: "Probe a running gateway's health endpoint",
		RunE:  func(cmd *cobra.Command, args []string) error { return runHealth() },
	}

	versionCmd := &cobra.Command{
		Use:   "version",
		Short: "Print version",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("quotegate %s\n", version)
		},
	}

	rootCmd.AddCommand(serveCmd, healthCmd, versionCmd)

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func setupLogging(verbose bool) {
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	level := zerolog.InfoLevel
	if verbose {
		level = zerolog.DebugLevel
	}
	zerolog.SetGlobalLevel(level)
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: "15:04:05"})
}

func runServe() error {
	cfg, err := config.Load(flagConfig)
	if err != nil {
		return err
	}

	m := metrics.NewRegistry()

	enc := cache.EncodingJSON
	if cfg.Cache.Serializer == "msgpack" || cfg.Features.EnableMsgpack {
		enc = cache.EncodingMsgpack
	}
	ser := cache.NewSerializer(enc, cfg.Cache.CompressionThreshold)
	codec := cache.NewKeyCodec(cache.KeyLimits{
		MaxStringLength: cfg.Limits.MaxStringLength,
		MaxObjectDepth:  cfg.Limits.MaxObjectDepth,
		MaxObjectFields: cfg.Limits.MaxObjectFields,
	})

	sweep := time.Duration(cfg.Cache.SweepIntervalSeconds) * time.Second
	hot := cache.NewHotCache(cfg.Cache.HotCapacity, sweep)
	defer hot.Stop()
	hot.SetEvictionHook(m.CacheEvictions.Inc)

	warmCfg := cache.WarmConfig{
		Addr:           cfg.Redis.RedisAddr(),
		Password:       cfg.Redis.Password,
		DB:             cfg.Redis.BaseDB,
		ConnectTimeout: time.Duration(cfg.Redis.ConnectTimeoutMS) * time.Millisecond,
		CommandTimeout: time.Duration(cfg.Redis.CommandTimeoutMS) * time.Millisecond,
		KeyPrefix:      cfg.Redis.KeyPrefix,
		TLS:            cfg.Redis.TLS,
	}
	warm := cache.NewWarmCache(warmCfg)
	defer warm.Close()

	streamWarmCfg := warmCfg
	streamWarmCfg.DB = cfg.Redis.StreamDB
	streamWarm := cache.NewWarmCache(streamWarmCfg)
	defer streamWarm.Close()

	db, err := sqlx.Open("postgres", cfg.Store.DSN)
	if err != nil {
		return fmt.Errorf("failed to open rule store: %w", err)
	}
	defer db.Close()
	pingCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	if err := db.PingContext(pingCtx); err != nil {
		cancel()
		return fmt.Errorf("rule store unreachable: %w", err)
	}
	cancel()
	if err := rules.EnsureSchema(context.Background(), db); err != nil {
		return err
	}

	queryTimeout := time.Duration(cfg.Store.QueryTimeoutMS) * time.Millisecond
	store := rules.NewStore(db, queryTimeout)
	templates := rules.NewTemplateStore(db, queryTimeout)

	ruleHot := cache.NewHotCache(1024, sweep)
	defer ruleHot.Stop()
	ruleHot.SetEvictionHook(m.CacheEvictions.Inc)
	ruleCache := rules.NewCache(warm, ruleHot, ser, config.StrategyTTL(cfg.TTL.SemiStaticBasicInfo))

	limiter := tasks.NewLimiter(cfg.Tasks.StatsConcurrency, cfg.Tasks.StatsQueueSize,
		time.Duration(cfg.Tasks.StatsTimeoutMS)*time.Millisecond)
	defer limiter.Stop()

	mgr := rules.NewManager(store, ruleCache, limiter, m)

	policies := map[cache.Strategy]cache.StrategyPolicy{
		cache.StrategyStrong: {
			TTL:           config.StrategyTTL(cfg.TTL.RealtimeStockQuote),
			OriginTimeout: 3 * time.Second,
		},
		cache.StrategyWeak: {
			TTL:           config.StrategyTTL(cfg.TTL.SemiStaticBasicInfo),
			OriginTimeout: 10 * time.Second,
		},
	}
	orch := cache.NewOrchestrator(codec, ser, hot, warm, policies, m)
	orch.SetOperationPolicy(gateway.OpStockQuote, cache.StrategyPolicy{
		TTL:           config.StrategyTTL(cfg.TTL.RealtimeStockQuote),
		OriginTimeout: 3 * time.Second,
	})
	orch.SetOperationPolicy(gateway.OpIndexQuote, cache.StrategyPolicy{
		TTL:           config.StrategyTTL(cfg.TTL.RealtimeIndexQuote),
		OriginTimeout: 3 * time.Second,
	})
	orch.SetOperationPolicy(gateway.OpMarketStatus, cache.StrategyPolicy{
		TTL:           config.StrategyTTL(cfg.TTL.RealtimeMarketStatus),
		OriginTimeout: 3 * time.Second,
	})
	orch.SetOperationPolicy(gateway.OpBasicInfo, cache.StrategyPolicy{
		TTL:           config.StrategyTTL(cfg.TTL.SemiStaticBasicInfo),
		OriginTimeout: 10 * time.Second,
	})

	stream := cache.NewStreamCache(
		time.Duration(cfg.TTL.StreamHotMS)*time.Millisecond,
		streamWarm,
		config.StrategyTTL(cfg.TTL.StreamWarm),
		ser,
	)

	providers := provider.NewRegistry()
	if len(providers.Names()) == 0 {
		log.Warn().Msg("No quote providers registered, read endpoints will fail until one is added")
	}

	engine := mapping.NewEngine(cfg.Features.EnableMappingDebug)
	svc := gateway.NewService(orch, mgr, engine, providers, stream, db, m)
	svc.SetHealthCacheTTL(config.StrategyTTL(cfg.TTL.SystemHealthCheck))

	runWarmup(warm, svc, config.StrategyTTL(cfg.TTL.SystemDistributedLock))

	server := httpapi.NewServer(cfg.HTTP, cfg.Limits, svc, templates, m)

	errCh := make(chan error, 1)
	go func() { errCh <- server.Start() }()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-errCh:
		return err
	case sig := <-stop:
		log.Info().Str("signal", sig.String()).Msg("Shutting down")
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer shutdownCancel()
	return server.Shutdown(shutdownCtx)
}

// runWarmup preloads the rule cache behind a Redis lock so only one replica
// hits the store at a time. When the lock itself is unreachable the process
// warms anyway rather than starting cold.
func runWarmup(warm *cache.WarmCache, svc *gateway.Service, lockTTL time.Duration) {
	const lockName = "lock:rule-warmup"

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	acquired, err := warm.Acquire(ctx, lockName, lockTTL)
	if err != nil {
		log.Warn().Err(err).Msg("Warmup lock unavailable, warming anyway")
	} else if !acquired {
		log.Info().Msg("Warmup already running elsewhere, skipping")
		return
	}

	if err := svc.Warmup(ctx); err != nil {
		log.Warn().Err(err).Msg("Rule cache warmup failed, continuing cold")
	}
	if acquired {
		if err := warm.Release(ctx, lockName); err != nil {
			log.Debug().Err(err).Msg("Warmup lock release skipped")
		}
	}
}

func runHealth() error {
	cfg, err := config.Load(flagConfig)
	if err != nil {
		return err
	}
	url := fmt.Sprintf("http://%s:%d/health", cfg.HTTP.Host, cfg.HTTP.Port)

	client := &http.Client{Timeout: 5 * time.Second}
	resp, err := client.Get(url)
	if err != nil {
		return fmt.Errorf("health probe failed: %w", err)
	}
	defer resp.Body.Close()

	var report map[string]interface{}
	if err := json.NewDecoder(resp.Body).Decode(&report); err != nil {
		return err
	}
	out, _ := json.MarshalIndent(report, "", "  ")
	fmt.Println(string(out))
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("gateway unhealthy (HTTP %d)", resp.StatusCode)
	}
	return nil
}
