package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/pk-battle/internal/config"
	"github.com/pk-battle/internal/engine"
	"github.com/pk-battle/internal/handler"
	"github.com/pk-battle/internal/kafka"
	"github.com/pk-battle/internal/moderation"
	"github.com/pk-battle/internal/postgres"
	"github.com/pk-battle/internal/redis"
	"github.com/pk-battle/internal/service"
	"github.com/pk-battle/internal/websocket"
	"github.com/pk-battle/internal/worker"
)

func main() {
	// Parse command line flags
	configPath := flag.String("config", "config.yaml", "Path to configuration file")
	flag.Parse()

	// Load configuration
	cfg, err := config.Load(*configPath)
	configErr := err
	if err != nil {
		cfg = config.DefaultConfig()
	}

	// Setup structured logging
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: cfg.Log.SlogLevel(),
	}))
	slog.SetDefault(logger)
	if configErr != nil {
		logger.Warn("failed to load config file, using defaults", "error", configErr)
	}

	// Create context with cancellation
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Initialize Redis
	logger.Info("connecting to Redis", "addr", cfg.Redis.Addr)
	redisClient, err := redis.NewClient(ctx, &cfg.Redis)
	if err != nil {
		logger.Error("failed to connect to Redis", "error", err)
		os.Exit(1)
	}
	defer redisClient.Close()
	logger.Info("connected to Redis")

	battleStore := redis.NewBattleStore(redisClient, cfg.Redis.KeyPrefix, cfg.Battle.FinishedRetention, cfg.Battle.MaxUpdateRetries, logger)
	leaderboard := redis.NewLeaderboardService(redisClient, cfg.Redis.KeyPrefix, logger)
	banCache := redis.NewBanCache(redisClient, cfg.Redis.KeyPrefix, cfg.Moderation.BanCacheTTL)

	// Initialize PostgreSQL
	logger.Info("connecting to PostgreSQL", "host", cfg.Postgres.Host, "database", cfg.Postgres.Database)
	postgresRepo, err := postgres.NewRepository(ctx, &cfg.Postgres, logger)
	if err != nil {
		logger.Error("failed to connect to PostgreSQL", "error", err)
		os.Exit(1)
	}
	defer postgresRepo.Close()
	logger.Info("connected to PostgreSQL")

	// Run database migrations
	if err := postgresRepo.RunMigrations(ctx); err != nil {
		logger.Error("failed to run migrations", "error", err)
		os.Exit(1)
	}

	moderationService := moderation.NewService(postgresRepo, banCache, logger)

	// Battle results go to the archive, the leaderboard and optionally Kafka
	recorders := []engine.Recorder{postgresRepo, leaderboard}
	var resultPublisher *kafka.ResultPublisher
	if cfg.Kafka.Enabled {
		resultPublisher, err = kafka.NewResultPublisher(&cfg.Kafka, logger)
		if err != nil {
			logger.Warn("failed to create Kafka result publisher, continuing without it", "error", err)
		} else {
			recorders = append(recorders, resultPublisher)
		}
	}

	battleEngine, err := engine.New(battleStore, moderationService, postgresRepo, logger,
		engine.WithRules(engine.RulesFromConfig(cfg.Battle)),
		engine.WithRecorders(recorders...),
	)
	if err != nil {
		logger.Error("failed to create battle engine", "error", err)
		os.Exit(1)
	}

	// Initialize WebSocket hub and the event router that feeds it
	wsHub := websocket.NewHub(nil, cfg.Server.AllowedOrigins, logger)
	router := service.NewEventRouter(battleEngine, moderationService, wsHub, logger,
		service.WithSocketStrikes(cfg.Moderation.SocketStrikesEnabled),
	)
	wsHub.SetDispatcher(router)
	go wsHub.Run()
	logger.Info("WebSocket hub initialized")

	// Rebuild the leaderboard from the archive after a Redis flush
	if err := worker.RebuildLeaderboard(ctx, postgresRepo, leaderboard, logger); err != nil {
		logger.Warn("failed to rebuild leaderboard on startup", "error", err)
	}

	// Start battle timer sweeper
	sweeper := worker.NewSweeper(battleEngine, router, &cfg.Sweep, logger)
	if cfg.Sweep.Enabled {
		if err := sweeper.Start(ctx); err != nil {
			logger.Error("failed to start sweeper", "error", err)
			os.Exit(1)
		}
	}

	// Initialize Kafka consumer for gift ingestion
	var kafkaConsumer *kafka.Consumer
	if cfg.Kafka.Enabled {
		logger.Info("initializing Kafka consumer",
			"brokers", cfg.Kafka.Brokers,
			"topic", cfg.Kafka.GiftTopic,
		)
		kafkaConsumer, err = kafka.NewConsumer(&cfg.Kafka, router, logger)
		if err != nil {
			logger.Warn("failed to create Kafka consumer, continuing without Kafka", "error", err)
		} else if err := kafkaConsumer.Start(); err != nil {
			logger.Warn("failed to start Kafka consumer, continuing without Kafka", "error", err)
			kafkaConsumer = nil
		} else {
			logger.Info("Kafka consumer started successfully")
		}
	}

	httpHandler := handler.NewHandler(handler.Deps{
		Battles:     router,
		Active:      battleEngine,
		Leaderboard: leaderboard,
		Archive:     postgresRepo,
		Moderation:  moderationService,
		Hub:         wsHub,
		Ready: map[string]handler.Pinger{
			"redis": handler.PingFunc(func(ctx context.Context) error {
				return redisClient.Ping(ctx).Err()
			}),
			"postgres": postgresRepo,
		},
	}, cfg, logger)

	// Create HTTP server
	server := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:      httpHandler.Router(),
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}

	// Start server in goroutine
	go func() {
		logger.Info("starting HTTP server", "port", cfg.Server.Port)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("HTTP server error", "error", err)
			os.Exit(1)
		}
	}()

	// Wait for interrupt signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info("shutting down server...")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	// Stop accepting requests before the background writers go away
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("failed to shutdown server", "error", err)
	}

	if kafkaConsumer != nil {
		if err := kafkaConsumer.Stop(); err != nil {
			logger.Error("failed to stop Kafka consumer", "error", err)
		}
	}

	if err := sweeper.Stop(); err != nil {
		logger.Error("failed to stop sweeper", "error", err)
	}

	wsHub.Stop()

	if resultPublisher != nil {
		if err := resultPublisher.Close(); err != nil {
			logger.Error("failed to close result publisher", "error", err)
		}
	}

	logger.Info("server stopped")
}
