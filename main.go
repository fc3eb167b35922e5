package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"backpack-trading-bot/internal/api"
	"backpack-trading-bot/internal/bot"
	"backpack-trading-bot/internal/cache"
	"backpack-trading-bot/internal/config"
	"backpack-trading-bot/internal/database"
	"backpack-trading-bot/internal/events"
	"backpack-trading-bot/internal/exchange"
	"backpack-trading-bot/internal/logging"
	"backpack-trading-bot/internal/monitor"
	"backpack-trading-bot/internal/orders"
	"backpack-trading-bot/internal/positions"
	"backpack-trading-bot/internal/strategy"
	"backpack-trading-bot/internal/trailing"
)

const shutdownGrace = 3 * time.Second

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}

	logger := logging.New(logging.Config{
		Level:  cfg.Logging.Level,
		Pretty: cfg.Logging.Pretty,
	})
	logger.Info().Str("base_url", cfg.Exchange.BaseURL).Msg("Starting trading supervisor")

	db, err := database.NewDB(database.Config{
		Host:     cfg.Database.Host,
		Port:     cfg.Database.Port,
		User:     cfg.Database.User,
		Password: cfg.Database.Password,
		Database: cfg.Database.Database,
		SSLMode:  cfg.Database.SSLMode,
	}, logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("Failed to connect to database")
	}
	defer db.Close()

	ctx := context.Background()
	if err := db.RunMigrations(ctx); err != nil {
		logger.Fatal().Err(err).Msg("Failed to run migrations")
	}

	marketCache := cache.New(cache.Config{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	}, logger)
	defer marketCache.Close()

	exchangeClient := exchange.NewClient(cfg.Exchange.BaseURL, exchange.NewSigner(), logger)
	bus := events.NewBus()
	registry := strategy.NewBuiltinRegistry(exchangeClient)

	orderService := orders.NewService(db, db, exchangeClient, db, bus, logger)
	tracker := positions.NewTracker(db, db, exchangeClient, logger)
	trailingEngine := trailing.NewEngine(db, exchangeClient, bus, logger)
	monitors := monitor.NewEngine(logger)

	supervisor := bot.NewSupervisor(bot.Deps{
		Store:    db,
		Orders:   orderService,
		Trailing: trailingEngine,
		Reporter: tracker,
		Monitors: monitors,
		Registry: registry,
		Bus:      bus,
		Logger:   logger,
	})

	supervisor.RecoverAll(ctx)

	server := api.NewServer(api.Deps{
		Config:     cfg.Server,
		DB:         db,
		Exchange:   exchangeClient,
		Cache:      marketCache,
		Supervisor: supervisor,
		Orders:     orderService,
		Registry:   registry,
		Bus:        bus,
		Logger:     logger,
	})

	serverErr := make(chan error, 1)
	go func() {
		serverErr <- server.Start()
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigCh:
		logger.Info().Str("signal", sig.String()).Msg("Shutting down")
	case err := <-serverErr:
		if err != nil {
			logger.Error().Err(err).Msg("API server exited")
		}
	}

	// Graceful path: stop every bot, close the listener. A watchdog
	// force-exits if the graceful path stalls past the grace period.
	forceExit := time.AfterFunc(shutdownGrace, func() {
		logger.Error().Msg("Graceful shutdown stalled, forcing exit")
		os.Exit(1)
	})
	defer forceExit.Stop()

	supervisor.ShutdownAll()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownGrace)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("API server shutdown failed")
	}

	logger.Info().Msg("Shutdown complete")
}
