package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/shopspring/decimal"

	"doge-trader/internal/api"
	"doge-trader/internal/balance"
	"doge-trader/internal/emergency"
	"doge-trader/internal/engine"
	"doge-trader/internal/events"
	"doge-trader/internal/market"
	"doge-trader/internal/models"
	"doge-trader/internal/monitor"
	"doge-trader/internal/order"
	"doge-trader/internal/persistence"
	"doge-trader/internal/position"
	"doge-trader/internal/reconciliation"
	"doge-trader/internal/risk"
	"doge-trader/internal/strategy"
	"doge-trader/pkg/config"
	"doge-trader/pkg/exchanges/binance/spot"
	exchange "doge-trader/pkg/exchanges/common"
	"doge-trader/pkg/logger"
)

const version = "1.0.0"

func main() {
	tokenFor := flag.String("token", "", "print an operator API token for the given name and exit")
	tokenTTL := flag.Duration("token-ttl", 24*time.Hour, "lifetime of a token printed with -token")
	flag.Parse()

	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "❌ config: %v\n", err)
		os.Exit(1)
	}

	if *tokenFor != "" {
		token, exp, err := api.IssueToken(*tokenFor, cfg.API.JWTSecret, *tokenTTL)
		if err != nil {
			fmt.Fprintf(os.Stderr, "❌ issue token: %v\n", err)
			os.Exit(1)
		}
		fmt.Printf("%s\n# expires %s\n", token, exp.Format(time.RFC3339))
		return
	}

	root := logger.New(logger.Options{
		Level:      cfg.Log.Level,
		Format:     cfg.Log.Format,
		File:       cfg.Log.File,
		MaxSizeMB:  cfg.Log.MaxSizeMB,
		MaxBackups: cfg.Log.MaxBackups,
		MaxAgeDays: cfg.Log.MaxAgeDays,
	})
	log := root.WithComponent("main")

	if err := run(cfg, root); err != nil {
		log.WithError(err).Error("❌ trader exited with error")
		os.Exit(1)
	}
}

func run(cfg *config.Config, root *logger.Log) error {
	log := root.WithComponent("main")
	log.WithFields(logger.Fields{
		"version": version,
		"pairs":   cfg.Trading.Pairs,
		"mode":    cfg.Execution.Mode,
		"backend": cfg.Persistence.Backend,
	}).Info("🚀 starting DOGE trader")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	pairs := make([]models.TradingPair, 0, len(cfg.Trading.Pairs))
	for _, raw := range cfg.Trading.Pairs {
		p, err := models.ParsePair(raw)
		if err != nil {
			return err
		}
		pairs = append(pairs, p)
	}

	// Core services
	bus := events.NewBus()

	store, err := openStore(cfg, root.WithComponent("persistence"))
	if err != nil {
		return fmt.Errorf("open persistence: %w", err)
	}
	defer func() {
		if err := store.Close(); err != nil {
			log.WithError(err).Warn("⚠️ closing persistence failed")
		}
	}()

	riskMgr, err := risk.NewManager(riskLimits(cfg.Risk), bus, root.WithComponent("risk"))
	if err != nil {
		return fmt.Errorf("risk manager: %w", err)
	}

	orch := strategy.NewOrchestrator(bus, root.WithComponent("strategy"))
	entries, err := strategy.LoadConfig(cfg.Trading.StrategyFile)
	if errors.Is(err, os.ErrNotExist) {
		log.WithField("path", cfg.Trading.StrategyFile).Warn("⚠️ strategy file not found, using built-in strategies")
		entries, err = strategy.DefaultEntries(cfg.Trading.Pairs)
	}
	if err != nil {
		return fmt.Errorf("load strategies: %w", err)
	}
	if err := strategy.BuildFromConfig(orch, entries); err != nil {
		return fmt.Errorf("build strategies: %w", err)
	}

	var venue *spot.Client
	if cfg.Trading.Feed == "binance" || cfg.Execution.Mode == string(order.ModeLive) {
		venue = spot.New(spot.Config{
			APIKey:    cfg.Exchange.APIKey,
			APISecret: cfg.Exchange.APISecret,
			Testnet:   cfg.Exchange.Testnet,
			BaseURL:   cfg.Exchange.BaseURL,
		}, root.WithComponent("exchange"))
	}

	feed, err := marketFeed(cfg, pairs, venue, root.WithComponent("market"))
	if err != nil {
		return err
	}

	execCfg, err := executionConfig(cfg.Execution)
	if err != nil {
		return err
	}
	var ex exchange.Exchange
	if execCfg.Mode == order.ModeLive {
		ex = venue
	}
	executor, err := order.NewExecutor(execCfg, ex, feed, bus, root.WithComponent("order"))
	if err != nil {
		return fmt.Errorf("order executor: %w", err)
	}

	balCfg := balance.Config{CacheTTL: cfg.Balance.CacheTTL, ReservationTTL: cfg.Balance.ReservationTTL}
	var balances *balance.Tracker
	if ex != nil {
		balances = balance.NewTracker(balCfg, venue, bus, root.WithComponent("balance"))
		balances.Start(ctx, cfg.Balance.CacheTTL)
	} else {
		balances = balance.NewTracker(balCfg, nil, bus, root.WithComponent("balance"))
		if err := balances.SetBalance(cfg.Trading.QuoteCurrency, decimal.NewFromFloat(cfg.Trading.InitialBalance)); err != nil {
			return err
		}
	}
	if quote, err := balances.GetBalance(ctx, cfg.Trading.QuoteCurrency); err == nil {
		riskMgr.UpdateBalance(quote.Free)
	}

	positions := position.NewManager(store, bus, root.WithComponent("position"))
	if err := positions.Load(ctx); err != nil {
		log.WithError(err).Warn("⚠️ loading positions failed, starting flat")
	}
	if ex == nil {
		for _, p := range positions.All() {
			if err := balances.SetBalance(p.Currency, p.Quantity); err != nil {
				return err
			}
		}
	} else {
		recCfg := reconciliation.DefaultConfig(pairs)
		recCfg.Interval = cfg.Exchange.ReconcileInterval
		rec, err := reconciliation.NewService(recCfg, venue, positions, feed, store, root.WithComponent("reconciliation"))
		if err != nil {
			return err
		}
		if _, err := rec.Reconcile(ctx); err != nil {
			log.WithError(err).Warn("⚠️ initial reconciliation failed")
		}
		rec.Start(ctx)
	}

	watchdog, err := emergency.NewService(emergency.Config{
		MaxSlippagePct: decimal.NewFromFloat(cfg.Emergency.MaxSlippagePct),
		DailyLossLimit: decimal.NewFromFloat(cfg.Emergency.DailyLossLimit),
		QuoteCurrency:  cfg.Trading.QuoteCurrency,
	}, executor, feed, positions, riskMgr, bus, root.WithComponent("emergency"))
	if err != nil {
		return fmt.Errorf("emergency service: %w", err)
	}

	metrics := monitor.NewSystemMetrics()
	alerts := monitor.NewMonitor(bus, monitor.LogSink{Log: root.WithComponent("alerts")}, time.Minute, root.WithComponent("monitor"))
	alerts.Start(ctx)

	eng, err := engine.New(engine.Config{
		Pairs:          pairs,
		Interval:       cfg.Trading.Interval,
		ReservationTTL: cfg.Balance.ReservationTTL,
		Version:        version,
	}, engine.Deps{
		Risk:       riskMgr,
		Strategies: orch,
		Executor:   executor,
		Emergency:  watchdog,
		Balances:   balances,
		Positions:  positions,
		Market:     feed,
		Store:      store,
		Observer:   metrics,
		Bus:        bus,
		Log:        root.WithComponent("engine"),
	})
	if err != nil {
		return err
	}
	if err := eng.LoadState(ctx); err != nil {
		log.WithError(err).Warn("⚠️ restoring engine state failed")
	}

	var (
		server *api.Server
		probes *api.HealthReporter
	)
	if cfg.API.Enabled {
		server = api.NewServer(eng, api.Options{
			JWTSecret: cfg.API.JWTSecret,
			Bus:       bus,
			Metrics:   metrics,
			Alerts:    alerts,
			Log:       root.WithComponent("api"),
		})
		server.StartSweeper(ctx, 5*time.Minute)
		go func() {
			if err := server.Start(cfg.API.Addr); err != nil {
				log.WithError(err).Error("❌ API server stopped")
			}
		}()

		probes = api.NewHealthReporter(eng, root.WithComponent("grpc_health"))
		go probes.Run(ctx, cfg.API.HealthInterval)
		go func() {
			if err := probes.Serve(cfg.API.GRPCAddr); err != nil {
				log.WithError(err).Error("❌ gRPC health service stopped")
			}
		}()
	}

	loopDone := make(chan error, 1)
	go func() { loopDone <- eng.Run(ctx, cfg.Trading.Interval) }()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	var loopErr error
	select {
	case sig := <-sigChan:
		log.WithField("signal", sig.String()).Info("🛑 shutting down")
	case loopErr = <-loopDone:
		log.WithError(loopErr).Error("❌ trading loop exited")
	}
	cancel()

	shutdownCtx, done := context.WithTimeout(context.Background(), 10*time.Second)
	defer done()
	if server != nil {
		if err := server.Shutdown(shutdownCtx); err != nil {
			log.WithError(err).Warn("⚠️ API shutdown incomplete")
		}
	}
	if probes != nil {
		probes.Stop()
	}
	if err := eng.SaveState(shutdownCtx); err != nil {
		log.WithError(err).Warn("⚠️ saving engine state failed")
	}
	log.Info("👋 DOGE trader stopped")
	return loopErr
}

// openStore picks the persistence backend. The redis backend keeps
// positions and trades in sqlite and only moves snapshots to redis.
func openStore(cfg *config.Config, log *logger.Entry) (persistence.Service, error) {
	switch cfg.Persistence.Backend {
	case "memory":
		return persistence.NewMemoryStore(), nil
	case "redis":
		return persistence.OpenSQLite(cfg.Persistence.DBPath, log,
			persistence.WithBatchWriter(50, 2*time.Second),
			persistence.WithRedisSnapshots(persistence.RedisOptions{
				Addr:      cfg.Redis.Addr,
				Password:  cfg.Redis.Password,
				DB:        cfg.Redis.DB,
				KeyPrefix: cfg.Redis.KeyPrefix,
			}))
	default:
		return persistence.OpenSQLite(cfg.Persistence.DBPath, log, persistence.WithBatchWriter(50, 2*time.Second))
	}
}

// marketFeed serves Binance tickers for the binance feed and a seeded
// random walk otherwise.
func marketFeed(cfg *config.Config, pairs []models.TradingPair, venue *spot.Client, log *logger.Entry) (market.Provider, error) {
	if cfg.Trading.Feed == "binance" {
		mcfg := market.DefaultConfig()
		mcfg.BTCSymbol = "BTC" + cfg.Trading.QuoteCurrency
		return market.NewExchangeProvider(mcfg, venue, log)
	}
	start := make(map[string]decimal.Decimal, len(pairs))
	for _, p := range pairs {
		start[p.String()] = decimal.NewFromFloat(cfg.Trading.FeedStartPrice)
	}
	return market.NewMockProvider(market.MockConfig{
		Seed:             time.Now().UnixNano(),
		StepPct:          cfg.Trading.FeedVolatility * 100,
		SpreadPct:        0.1,
		VolatilityPeriod: 20,
	}, start), nil
}

func riskLimits(c config.RiskConfig) risk.Limits {
	l := risk.DefaultLimits()
	l.MaxPositionSizePct = decimal.NewFromFloat(c.MaxPositionSizePct)
	l.MaxDailyLossPct = decimal.NewFromFloat(c.MaxDailyLossPct)
	l.MaxDrawdownPct = decimal.NewFromFloat(c.MaxDrawdownPct)
	l.EmergencyStopPct = decimal.NewFromFloat(c.EmergencyStopPct)
	l.MaxTradesPerHour = c.MaxTradesPerHour
	l.MaxTradesPerDay = c.MaxTradesPerDay
	l.MinBalance = decimal.NewFromFloat(c.MinBalance)
	l.LowConfidenceThreshold = c.LowConfidenceThreshold
	l.HighVolatilityThreshold = c.HighVolatilityThreshold
	l.HighVolatilityFactor = c.HighVolatilityFactor
	l.MaxLossDampening = c.MaxLossDampening
	l.MinRiskFactor = c.MinRiskFactor
	l.LossDurationPct = decimal.NewFromFloat(c.LossDurationPct)
	l.LossDurationLimit = c.LossDurationLimit
	l.HistorySize = c.HistorySize
	return l
}

func executionConfig(c config.ExecutionConfig) (order.Config, error) {
	mode, err := order.ParseMode(c.Mode)
	if err != nil {
		return order.Config{}, err
	}
	return order.Config{
		Mode:              mode,
		MaxSlippagePct:    decimal.NewFromFloat(c.MaxSlippagePct),
		Timeout:           c.Timeout,
		RetryAttempts:     c.RetryAttempts,
		RetryDelay:        c.RetryDelay,
		RequestsPerMinute: c.RequestsPerMinute,
		MinOrderValue:     decimal.NewFromFloat(c.MinOrderValue),
	}, nil
}
