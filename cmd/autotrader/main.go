package main

import (
	"context"
	"errors"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"sync"
	"syscall"
	"time"

	"github.com/shopspring/decimal"

	"autotrader/internal/broker"
	"autotrader/internal/config"
	"autotrader/internal/domain"
	"autotrader/internal/engine"
	"autotrader/internal/risk"
	"autotrader/internal/store"
	"autotrader/internal/util"
)

func main() {
	cfgPath := "config/autotrader.yaml"
	if p := os.Getenv("AUTOTRADER_CONFIG"); p != "" {
		cfgPath = p
	}

	cfg, err := config.Load(cfgPath)
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}

	logger := util.NewLogger(cfg.Logging.Level, cfg.Logging.Format)
	util.SetDefault(logger)

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if err := run(ctx, cfg, logger); err != nil {
		logger.Error("autotrader exited with error", "error", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg *config.Config, logger *slog.Logger) error {
	// Broker selection: simulator for dry runs, Alpaca otherwise.
	var (
		b      broker.Broker
		client broker.VenueClient
		closer func(ctx context.Context) error
	)
	baseURL := cfg.Alpaca.BaseURL
	if cfg.Trading.SimulationMode {
		sim := broker.NewSimulatorBroker(logger)
		b, client = sim, sim
		baseURL = "sim://paper"
		logger.Info("simulation mode enabled, orders will not reach the venue")
	} else {
		venue := broker.NewAlpacaVenue(cfg.Alpaca.APIKey, cfg.Alpaca.APISecret, cfg.Alpaca.BaseURL)
		ab := broker.NewAlpacaBroker(venue, cfg.Trading.RatePerMinute, logger)
		b, client = ab, venue
		closer = ab.CloseAllPositions
	}

	breaker := broker.NewCircuitBreaker(
		filepath.Join(cfg.Storage.StateDir, "circuit_breaker_state.json"),
		cfg.Connection.FailureThreshold,
		time.Duration(cfg.Connection.ResetTimeoutSec)*time.Second,
		logger,
	)

	conn := broker.NewConnection(client, breaker, broker.ConnectionOptions{
		BaseURL:         baseURL,
		MonitorInterval: time.Duration(cfg.Connection.MonitorIntervalSec) * time.Second,
		ConnectTimeout:  time.Duration(cfg.Connection.ConnectTimeoutSec) * time.Second,
		ClosePositions:  closer,
	}, logger)

	if err := conn.Connect(ctx); err != nil {
		return err
	}

	// Risk stack.
	accountValue := decimal.NewFromFloat(cfg.Risk.AccountValue)
	if snap := conn.Account(); snap != nil && !snap.Equity.IsZero() {
		accountValue = snap.Equity
	}
	sizer := risk.NewSizer(accountValue, logger)
	tracker, err := risk.NewPortfolioTracker(
		filepath.Join(cfg.Storage.StateDir, "position_registry.json"),
		accountValue,
		decimal.NewFromFloat(cfg.Risk.MaxPortfolioRiskPct),
		cfg.Risk.BackupRetention,
		logger,
	)
	if err != nil {
		return err
	}
	riskMgr := risk.NewManager(sizer, tracker, decimal.NewFromFloat(cfg.Risk.DailyLossLimit), logger)

	// Order state and event plumbing.
	stateStore, err := engine.NewStateStore(
		filepath.Join(cfg.Storage.StateDir, "order_state.json"),
		cfg.Orders.MaxBackups,
		time.Duration(cfg.Orders.BackupIntervalSec)*time.Second,
		logger,
	)
	if err != nil {
		return err
	}

	journal, err := store.NewEventJournal(cfg.Storage.JournalPath)
	if err != nil {
		return err
	}
	defer journal.Close()

	archive := store.NewFillArchive(cfg.Storage.ArchiveDir)

	events := engine.NewEventManager(logger)
	events.AddHandler(func(e domain.OrderEvent) {
		if err := journal.Append(context.Background(), e); err != nil {
			logger.Error("event journal append failed", "event_id", e.EventID, "error", err)
		}
	})
	events.AddHandler(func(e domain.OrderEvent) {
		if err := archive.RecordEvent(context.Background(), e); err != nil {
			logger.Error("fill archive write failed", "event_id", e.EventID, "error", err)
		}
	})

	em := engine.NewExecutionManager(b, riskMgr, events, stateStore, logger)
	if err := em.Recover(); err != nil {
		return err
	}

	var wg sync.WaitGroup

	// Trade update stream feeds the execution manager until shutdown.
	wg.Add(1)
	go func() {
		defer wg.Done()
		if err := b.StreamTradeUpdates(ctx, em.OnTradeUpdate); err != nil && !errors.Is(err, context.Canceled) {
			logger.Error("trade update stream ended", "error", err)
		}
	}()

	conn.StartMonitor(ctx)
	stateStore.StartPeriodicBackup(ctx, &wg, time.Duration(cfg.Orders.BackupIntervalSec)*time.Second)

	logger.Info("autotrader running",
		"broker", b.Name(),
		"paper", conn.IsPaper(),
		"daily_loss_limit", cfg.Risk.DailyLossLimit,
		"max_portfolio_risk_pct", cfg.Risk.MaxPortfolioRiskPct,
	)

	<-ctx.Done()
	logger.Info("shutdown signal received")

	// Orderly teardown: persist order state, then release the connection.
	if err := em.Close(); err != nil {
		logger.Error("execution manager close failed", "error", err)
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer shutdownCancel()
	if err := conn.Shutdown(shutdownCtx); err != nil {
		logger.Error("connection shutdown failed", "error", err)
	}

	wg.Wait()
	logger.Info("autotrader stopped")
	return nil
}
