package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"lendingcore/core/pricing"
	"lendingcore/native/bank"
	nativecommon "lendingcore/native/common"
	"lendingcore/native/lending"
	"lendingcore/observability/logging"
	"lendingcore/observability/metrics"
	telemetry "lendingcore/observability/otel"
	"lendingcore/services/lending/engine"
	"lendingcore/services/lending/idempotency"
	"lendingcore/services/lending/journal"
	lendingserver "lendingcore/services/lending/server"
	"lendingcore/services/lendingd/config"
	"lendingcore/services/oracle"
	oraclestorage "lendingcore/services/oracle/storage"
	"lendingcore/state/ledger"
	"lendingcore/storage"
)

func main() {
	var cfgPath string
	flag.StringVar(&cfgPath, "config", "services/lendingd/config.yaml", "path to lendingd config (yaml or toml)")
	flag.Parse()

	if err := run(cfgPath); err != nil {
		fmt.Fprintf(os.Stderr, "lendingd: %v\n", err)
		os.Exit(1)
	}
}

func run(cfgPath string) error {
	cfg, err := config.Load(cfgPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	logger, closer, err := logging.SetupWithOptions(logging.Options{
		Service:    "lendingd",
		Env:        cfg.Environment,
		Level:      cfg.Log.Level,
		File:       cfg.Log.File,
		MaxSizeMB:  cfg.Log.MaxSizeMB,
		MaxBackups: cfg.Log.MaxBackups,
		MaxAgeDays: cfg.Log.MaxAgeDays,
	})
	if err != nil {
		return fmt.Errorf("configure logging: %w", err)
	}
	defer closer.Close()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	shutdownTelemetry, err := telemetry.Init(ctx, telemetry.Config{
		ServiceName: "lendingd",
		Environment: cfg.Environment,
		Endpoint:    cfg.Telemetry.Endpoint,
		Insecure:    cfg.Telemetry.Insecure,
		Headers:     telemetry.ParseHeaders(cfg.Telemetry.Headers),
		Metrics:     cfg.Telemetry.Metrics,
		Traces:      cfg.Telemetry.Traces,
		SampleRatio: cfg.Telemetry.SampleRatio,
	})
	if err != nil {
		return fmt.Errorf("init telemetry: %w", err)
	}
	defer func() {
		flushCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdownTelemetry(flushCtx); err != nil {
			logger.Warn("telemetry shutdown", slog.Any("error", err))
		}
	}()

	db, err := openDatabase(cfg.Storage)
	if err != nil {
		return err
	}
	defer db.Close()

	decimals := make(map[string]uint8, len(cfg.Pools))
	assets := make([]string, 0, len(cfg.Pools))
	for _, pool := range cfg.Pools {
		asset := string(lending.AssetID(pool.Asset).Normalize())
		decimals[asset] = pool.Decimals
		assets = append(assets, asset)
	}

	custody := bank.NewLedger(db)
	if err := seedGenesis(custody, cfg.Genesis, decimals, logger); err != nil {
		return err
	}

	dsn, err := oraclestorage.FileDSN(cfg.Oracle.DBPath)
	if err != nil {
		return fmt.Errorf("oracle dsn: %w", err)
	}
	priceStore, err := oraclestorage.Open(dsn)
	if err != nil {
		return fmt.Errorf("open oracle storage: %w", err)
	}
	defer priceStore.Close()

	registry := oracle.NewRegistry()
	sources := make([]oracle.Source, 0, len(cfg.Oracle.Sources))
	for _, sc := range cfg.Oracle.Sources {
		source, err := registry.Build(oracle.SourceConfig{
			Name:     sc.Name,
			Type:     sc.Type,
			Endpoint: sc.Endpoint,
			APIKey:   sc.APIKey,
			Prices:   sc.Prices,
		})
		if err != nil {
			return err
		}
		sources = append(sources, source)
	}
	prices := lendingserver.NewPriceHub()
	manager, err := oracle.New(priceStore, sources, assets,
		cfg.Oracle.Interval, cfg.Oracle.MaxAge, cfg.Oracle.MinFeeds,
		oracle.WithLogger(logger.With(slog.String("component", "oracle"))),
		oracle.WithRetention(cfg.Oracle.Retention),
		oracle.WithArchiveDir(cfg.Oracle.ArchiveDir),
		oracle.WithPublisher(prices),
	)
	if err != nil {
		return fmt.Errorf("configure oracle: %w", err)
	}
	feed, err := pricing.NewFeed(priceStore, pricing.WithMinFeeders(cfg.Oracle.MinFeeds))
	if err != nil {
		return fmt.Errorf("configure price feed: %w", err)
	}

	ledgerEngine := lending.NewEngine(ledger.NewStore(db), custody, feed)
	ledgerEngine.SetPauses(nativecommon.NewStaticPauses(cfg.Pauses))
	ledgerEngine.SetRecorder(metrics.Lending())
	ledgerEngine.SetMaxPriceAge(cfg.Oracle.MaxPriceAge)
	ledgerEngine.SetLogger(logger.With(slog.String("component", "ledger")))

	local := engine.NewLocal(ledgerEngine)
	if err := initPools(ctx, local, cfg.Pools, logger); err != nil {
		return err
	}
	api := local
	var history lendingserver.HistoryReader
	if cfg.Journal.Enabled() {
		ops, err := journal.Open(cfg.Journal.Driver, cfg.Journal.DSN)
		if err != nil {
			return err
		}
		defer ops.Close()
		api = journal.Wrap(local, ops, logger.With(slog.String("component", "journal")))
		history = ops
		logger.Info("operation journal enabled", slog.String("driver", cfg.Journal.Driver))
	}

	oracleErr := make(chan error, 1)
	go func() {
		oracleErr <- manager.Run(ctx)
	}()

	tlsCfg, err := lendingserver.TLSConfig(cfg.TLS, cfg.Auth.MTLS.AllowedCommonNames)
	if err != nil {
		return fmt.Errorf("configure tls: %w", err)
	}
	listener, err := net.Listen("tcp", cfg.ListenAddress)
	if err != nil {
		return fmt.Errorf("listen on %s: %w", cfg.ListenAddress, err)
	}
	if tlsCfg == nil {
		tcpAddr, _ := listener.Addr().(*net.TCPAddr)
		loopback := tcpAddr != nil && tcpAddr.IP != nil && tcpAddr.IP.IsLoopback()
		if !strings.EqualFold(cfg.Environment, "dev") && !loopback {
			listener.Close()
			return errors.New("plaintext lendingd mode is restricted to loopback listeners or dev environment")
		}
	}

	serverOpts := lendingserver.Options{
		Auth:          cfg.Auth,
		RateLimit:     cfg.RateLimit,
		History:       history,
		Prices:        prices,
		StreamOrigins: cfg.Stream.AllowedOrigins,
	}
	if cfg.Idempotency.Enabled() {
		replay, err := idempotency.Open(cfg.Idempotency.Path, nil)
		if err != nil {
			listener.Close()
			return err
		}
		defer replay.Close()
		serverOpts.Idempotency = replay
		serverOpts.IdempotencyTTL = cfg.Idempotency.TTL
		go pruneIdempotency(ctx, replay, cfg.Idempotency.TTL, logger.With(slog.String("component", "idempotency")))
		logger.Info("idempotency replay enabled", slog.String("path", cfg.Idempotency.Path), slog.Duration("ttl", cfg.Idempotency.TTL))
	}
	service, err := lendingserver.New(api, logger, serverOpts)
	if err != nil {
		return err
	}
	httpServer := lendingserver.NewHTTPServer(cfg.ListenAddress, service.Routes(), tlsCfg)

	serverErr := make(chan error, 1)
	go func() {
		logger.Info("lendingd listening", slog.String("listen", listener.Addr().String()), slog.Bool("tls", tlsCfg != nil))
		if tlsCfg != nil {
			serverErr <- httpServer.ServeTLS(listener, "", "")
			return
		}
		serverErr <- httpServer.Serve(listener)
	}()

	select {
	case <-ctx.Done():
		logger.Info("shutdown signal received")
	case err := <-oracleErr:
		if err != nil && !errors.Is(err, context.Canceled) {
			logger.Error("oracle loop stopped", slog.Any("error", err))
		}
	case err := <-serverErr:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("serve http: %w", err)
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Warn("forcing server stop", slog.Any("error", err))
		_ = httpServer.Close()
	}
	return nil
}

func openDatabase(cfg config.StorageConfig) (storage.Database, error) {
	switch cfg.Backend {
	case "memory":
		return storage.NewMemDB(), nil
	default:
		db, err := storage.NewLevelDB(cfg.Path)
		if err != nil {
			return nil, fmt.Errorf("open leveldb %s: %w", cfg.Path, err)
		}
		return db, nil
	}
}

func seedGenesis(custody *bank.Ledger, entries []config.AllocationConfig, decimals map[string]uint8, logger *slog.Logger) error {
	if len(entries) == 0 {
		return nil
	}
	allocations := make([]bank.Allocation, 0, len(entries))
	for _, entry := range entries {
		asset := lending.AssetID(entry.Asset).Normalize()
		amount, err := lending.ParseDecimal(entry.Amount, decimals[string(asset)])
		if err != nil {
			return fmt.Errorf("genesis %s/%s: %w", entry.Account, asset, err)
		}
		allocations = append(allocations, bank.Allocation{
			Account: lending.Account(entry.Account),
			Asset:   asset,
			Amount:  amount,
		})
	}
	applied, err := custody.Seed(allocations)
	if err != nil {
		return fmt.Errorf("seed genesis: %w", err)
	}
	if applied {
		logger.Info("genesis balances seeded", slog.Int("allocations", len(allocations)))
	}
	return nil
}

func initPools(ctx context.Context, api engine.Engine, pools []config.PoolConfig, logger *slog.Logger) error {
	for _, pool := range pools {
		_, err := api.InitPool(ctx, engine.PoolRequest{
			Asset:                     pool.Asset,
			MaxLTVBps:                 pool.MaxLTVBps,
			LiquidationThresholdBps:   pool.LiquidationThresholdBps,
			LiquidationBonusBps:       pool.LiquidationBonusBps,
			LiquidationCloseFactorBps: pool.LiquidationCloseFactorBps,
			AnnualRateBps:             pool.AnnualRateBps,
			Decimals:                  pool.Decimals,
			CollateralAsset:           pool.CollateralAsset,
		})
		switch {
		case err == nil:
			logger.Info("pool initialised", slog.String("asset", pool.Asset))
		case errors.Is(err, engine.ErrConflict):
			logger.Debug("pool already listed", slog.String("asset", pool.Asset))
		default:
			return fmt.Errorf("init pool %s: %w", pool.Asset, err)
		}
	}
	return nil
}

func pruneIdempotency(ctx context.Context, store *idempotency.Store, ttl time.Duration, logger *slog.Logger) {
	ticker := time.NewTicker(ttl)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			removed, err := store.Prune(now.UTC())
			if err != nil {
				logger.Warn("idempotency prune failed", slog.Any("error", err))
				continue
			}
			if removed > 0 {
				logger.Debug("idempotency records pruned", slog.Int("removed", removed))
			}
		}
	}
}
