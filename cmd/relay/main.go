// @title           Board Relay API
// @version         1.0
// @description     Realtime room relay and board snapshot storage

// @host      localhost:8090
// @BasePath  /api

// @securityDefinitions.apikey BearerAuth
// @in header
// @name Authorization
// @description Type "Bearer" followed by a space and JWT token.

package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/go-redis/redis/v8"
	"go.uber.org/zap"

	"project-board-sync/internal/config"
	"project-board-sync/internal/database"
	"project-board-sync/internal/handler"
	"project-board-sync/internal/hub"
	"project-board-sync/internal/job"
	applog "project-board-sync/internal/logger"
	"project-board-sync/internal/metrics"
	"project-board-sync/internal/repository"
	"project-board-sync/internal/router"
)

func main() {
	configPath := flag.String("config", "configs/config.yaml", "path to config file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	logger, err := applog.New(cfg.Logger.Level)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	defer logger.Sync()

	logger.Info("Starting board relay",
		zap.String("port", cfg.Server.Port),
		zap.String("mode", cfg.Server.Mode),
		zap.String("database_driver", cfg.Database.Driver),
		zap.Bool("redis_enabled", cfg.Redis.Enabled()))

	m := metrics.NewWithLogger(logger)

	db, err := database.New(database.Config{
		Driver:          cfg.Database.Driver,
		DSN:             cfg.Database.URL,
		MaxOpenConns:    cfg.Database.MaxOpenConns,
		MaxIdleConns:    cfg.Database.MaxIdleConns,
		ConnMaxLifetime: cfg.Database.ConnMaxLifetime,
	})
	if err != nil {
		logger.Fatal("Failed to connect to database", zap.Error(err))
	}
	logger.Info("Database connected successfully")

	if err := database.AutoMigrate(db); err != nil {
		logger.Fatal("Failed to migrate database", zap.Error(err))
	}
	if err := database.RegisterMetricsCallbacks(db, m); err != nil {
		logger.Warn("Failed to register database metrics callbacks", zap.Error(err))
	}

	// redis is optional; without it the relay serves a single instance
	var (
		redisClient *redis.Client
		fanout      hub.Fanout
	)
	if cfg.Redis.Enabled() {
		redisClient, err = database.NewRedis(database.RedisConfig{
			URL:      cfg.Redis.URL,
			Addr:     cfg.Redis.Addr(),
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		}, logger)
		if err != nil {
			logger.Warn("Failed to connect to Redis, running without fanout", zap.Error(err))
			redisClient = nil
		} else {
			fanout = hub.NewRedisFanout(redisClient, cfg.Relay.FanoutChannel, logger)
		}
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	h := hub.New(fanout, m, logger)
	go func() {
		if err := h.Start(ctx); err != nil && ctx.Err() == nil {
			logger.Error("Fanout subscription stopped", zap.Error(err))
		}
	}()
	polls := hub.NewPollRegistry(nil)

	scheduler := job.NewScheduler(logger)
	if err := scheduler.Add("poll-session-sweep", cfg.Relay.SweepSchedule,
		job.NewSweepJob(polls, cfg.Relay.SessionIdle, logger)); err != nil {
		logger.Fatal("Failed to schedule poll session sweep", zap.Error(err))
	}
	scheduler.Start()

	r := router.SetupRelay(router.RelayConfig{
		Common: router.Common{
			Mode:           cfg.Server.Mode,
			BasePath:       cfg.Server.BasePath,
			Logger:         logger,
			Metrics:        m,
			JWTSecret:      cfg.Auth.JWTSecret,
			AllowedOrigins: cfg.Server.AllowedOrigins,
		},
		Context: ctx,
		DB:      db,
		Redis:   redisClient,
		Hub:     h,
		Polls:   polls,
		Boards:  repository.NewBoardRepository(db),
		Relay: handler.RelayOptions{
			AllowedOrigins:  cfg.Relay.AllowedOrigins,
			PollWait:        cfg.Relay.PollWait,
			MaxMessageBytes: cfg.Relay.MaxMessageBytes,
		},
	})

	srv := &http.Server{
		Addr:         fmt.Sprintf(":%s", cfg.Server.Port),
		Handler:      r,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}

	go func() {
		logger.Info("Relay listening", zap.String("address", srv.Addr))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal("Failed to start server", zap.Error(err))
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	logger.Info("Shutting down relay...")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer shutdownCancel()

	// peers hold hijacked connections that Shutdown does not wait for
	cancel()
	h.Close()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("Server forced to shutdown", zap.Error(err))
	}
	scheduler.Stop()

	if err := database.Close(db); err != nil {
		logger.Error("Failed to close database", zap.Error(err))
	}
	if redisClient != nil {
		if err := redisClient.Close(); err != nil {
			logger.Error("Failed to close Redis", zap.Error(err))
		}
	}

	logger.Info("Relay exited")
}
