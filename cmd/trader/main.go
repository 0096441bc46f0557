package main

import (
	"context"
	"fmt"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"

	"mt-trade-bot-go/internal/config"
	"mt-trade-bot-go/internal/database"
	"mt-trade-bot-go/internal/logger"
	"mt-trade-bot-go/internal/notify"
	"mt-trade-bot-go/internal/terminal"
	"mt-trade-bot-go/internal/trader"
)

func main() {
	// Load application configuration
	cfg, err := config.LoadConfig("./configs")
	if err != nil {
		// We can't use the logger here because it's not initialized yet.
		panic(fmt.Sprintf("could not load config: %v", err))
	}

	// Initialize logger
	log, err := logger.NewLogger(cfg.Logger)
	if err != nil {
		panic(err)
	}
	defer log.Sync()
	log.Info("Configuration loaded")

	// Initialize trade journal database (optional)
	var db *gorm.DB
	if cfg.Database.DSN != "" {
		db, err = database.NewDatabase(&cfg)
		if err != nil {
			log.Fatal("Failed to connect to database", zap.Error(err))
		}
		log.Info("Trade journal database ready")
	}

	notifier := notify.NewNotifier(cfg.Notify, log)

	// Build the configured strategy from the static registry
	strategy, err := trader.NewStrategy(cfg.Trading.Strategy, cfg.Trading.StrategyParams[cfg.Trading.Strategy])
	if err != nil {
		log.Fatal("Failed to load strategy", zap.Error(err))
	}
	log.Info("Activating strategy",
		zap.String("strategy", strategy.Name()),
		zap.String("symbol", cfg.Trading.Symbol),
		zap.String("timeframe", cfg.Trading.Timeframe))

	// Wire terminal client, trade manager and event router
	client := terminal.NewClient(cfg.Terminal, log)
	manager := trader.NewTradeManager(log, cfg, client, strategy, db, notifier)
	router := trader.NewRouter(manager, notifier, log)
	client.SetEventHandler(router)

	if err := client.Start(); err != nil {
		log.Fatal("Failed to start terminal client", zap.Error(err))
	}
	client.SubscribeSymbols([]string{cfg.Trading.Symbol})

	// Historical preload: live bars are not acted upon until this completes.
	if manager.RequiredHistoryBars() > 0 {
		if err := preload(log, cfg, client, manager); err != nil {
			client.Stop()
			log.Fatal("Preload failed", zap.Error(err))
		}
		log.Info("Preload confirmed")
	} else {
		manager.MarkPreloaded()
		log.Info("Strategy requires no historical data, skipping preload")
	}

	client.SubscribeSymbolsBarData([][2]string{{cfg.Trading.Symbol, cfg.Trading.Timeframe}})
	log.Info("Subscribed to live bar data")

	apiServer := trader.NewAPIServer(manager, cfg.Server.Port, log)
	apiServer.Start()

	// Hot config reload: a validated new config is swapped in atomically.
	config.WatchConfig(func(newCfg config.Config) {
		log.Info("Configuration change detected, applying")
		manager.UpdateConfig(newCfg)
	})

	// Setup context for graceful shutdown
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	log.Info("Bot is running. Press Ctrl+C to stop.")
	heartbeat := time.NewTicker(time.Duration(cfg.Trading.HeartbeatIntervalSeconds) * time.Second)
	defer heartbeat.Stop()
	client.SendHeartbeat()

loop:
	for {
		select {
		case <-ctx.Done():
			log.Info("Shutdown signal received, gracefully shutting down...")
			break loop
		case <-heartbeat.C:
			client.SendHeartbeat()
		}
	}

	if cfg.Trading.CloseOnExit {
		log.Info("Closing all positions before exit", zap.Int("magic", cfg.Trading.MagicNumber))
		client.CloseOrdersByMagic(cfg.Trading.MagicNumber)
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := apiServer.Stop(shutdownCtx); err != nil {
		log.Error("API server shutdown failed", zap.Error(err))
	}
	client.Stop()

	log.Info("Bot has been shut down.")
}

// preload requests enough history to cover the strategy's lookback plus the
// window slack, then waits for the manager to confirm it arrived.
func preload(log *zap.Logger, cfg config.Config, client *terminal.Client, manager *trader.TradeManager) error {
	numBars := int64(manager.RequiredHistoryBars() + 200)
	interval := config.TimeframeSeconds(cfg.Trading.Timeframe)

	end := time.Now().UTC()
	start := end.Add(-time.Duration(numBars*interval) * time.Second)

	log.Info("Requesting historical data for preloading",
		zap.Int64("bars", numBars),
		zap.Time("start", start))
	client.GetHistoricData(cfg.Trading.Symbol, cfg.Trading.Timeframe, start.Unix(), end.Unix())

	timeout := time.Duration(cfg.Trading.PreloadTimeoutSeconds) * time.Second
	deadline := time.Now().Add(timeout)
	for !manager.Preloaded() {
		if time.Now().After(deadline) {
			return fmt.Errorf("timed out after %s waiting for historical data; check the terminal's expert log", timeout)
		}
		time.Sleep(time.Second)
	}
	return nil
}
