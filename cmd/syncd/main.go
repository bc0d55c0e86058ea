// @title           Board Sync API
// @version         1.0
// @description     Optimistic board editing with realtime sync and autosave

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
	"time"

	"go.uber.org/zap"

	"project-board-sync/internal/client"
	"project-board-sync/internal/clock"
	"project-board-sync/internal/config"
	"project-board-sync/internal/connection"
	"project-board-sync/internal/domain"
	applog "project-board-sync/internal/logger"
	"project-board-sync/internal/metrics"
	"project-board-sync/internal/middleware"
	"project-board-sync/internal/notify"
	"project-board-sync/internal/permission"
	"project-board-sync/internal/response"
	"project-board-sync/internal/router"
	"project-board-sync/internal/session"
	"project-board-sync/internal/transport"
)

const requestTokenTTL = 5 * time.Minute

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

	identity := domain.Identity{ID: cfg.Identity.ID, Email: cfg.Identity.Email}
	logger.Info("Starting board sync daemon",
		zap.String("port", cfg.Server.Port),
		zap.String("server_url", cfg.Sync.ServerURL),
		zap.String("transport", cfg.Sync.Transport),
		zap.String("user", identity.Label()),
		zap.Strings("projects", cfg.Project.IDs))

	m := metrics.NewWithLogger(logger)

	connToken, tokens, err := credentials(cfg, identity)
	if err != nil {
		logger.Fatal("Failed to prepare credentials", zap.Error(err))
	}
	header := http.Header{}
	if connToken != "" {
		header.Set("Authorization", "Bearer "+connToken)
	}

	conn := connection.NewManager(connection.Config{
		URL:         cfg.Sync.ServerURL,
		Header:      header,
		MaxAttempts: cfg.Sync.ReconnectAttempts,
		BaseDelay:   cfg.Sync.ReconnectDelay,
		MaxDelay:    cfg.Sync.ReconnectDelayMax,
	}, dialers(cfg, m, logger), clock.Real(), m, logger)

	ctx, stop := context.WithCancel(context.Background())
	defer stop()
	if err := conn.Connect(ctx); err != nil {
		logger.Fatal("Failed to start connection", zap.Error(err))
	}

	notifications := notify.NewBroadcaster(0, logger)
	go logNotifications(ctx, notifications, logger)

	boards := client.NewBoardClient(cfg.Persist.BaseURL, tokens, cfg.Persist.Timeout, logger, m)
	perms := permission.NewLive(conn, cfg.Project.CompanyID, cfg.Identity.Role, logger)
	defer perms.Close()
	perms.OnChange(func(role string, _ permission.Set) {
		notifications.Notify(notify.Notification{
			Level:   notify.LevelInfo,
			Title:   "Permissions changed",
			Message: fmt.Sprintf("Your role is now %s", role),
		})
	})

	sessions := session.NewRegistry()
	for _, projectID := range cfg.Project.IDs {
		initial, err := loadBoard(ctx, boards, projectID)
		if err != nil {
			logger.Fatal("Failed to load board", zap.String("project_id", projectID), zap.Error(err))
		}
		s, err := session.New(session.Options{
			ProjectID:      projectID,
			Identity:       identity,
			Initial:        initial,
			Conn:           conn,
			Persist:        boards.Persist,
			Fetch:          boards.Fetch,
			Permissions:    perms,
			Notifier:       notifications,
			AutosaveDelay:  cfg.Sync.AutosaveDelay,
			PersistTimeout: cfg.Persist.Timeout,
			CommitTimeout:  cfg.Sync.CommitTimeout,
			CommitAttempts: cfg.Sync.CommitAttempts,
			Metrics:        m,
			Logger:         logger,
		})
		if err != nil {
			logger.Fatal("Failed to mount project", zap.String("project_id", projectID), zap.Error(err))
		}
		sessions.Add(s)
	}

	r := router.SetupSync(router.SyncConfig{
		Common: router.Common{
			Mode:           cfg.Server.Mode,
			BasePath:       cfg.Server.BasePath,
			Logger:         logger,
			Metrics:        m,
			JWTSecret:      cfg.Auth.JWTSecret,
			AllowedOrigins: cfg.Server.AllowedOrigins,
		},
		Sessions:      sessions,
		Conn:          conn,
		Notifications: notifications,
		FlushTimeout:  cfg.Sync.CommitTimeout + cfg.Persist.Timeout,
	})

	srv := &http.Server{
		Addr:         fmt.Sprintf(":%s", cfg.Server.Port),
		Handler:      r,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}

	go func() {
		logger.Info("Operation API listening", zap.String("address", srv.Addr))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal("Failed to start server", zap.Error(err))
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	logger.Info("Shutting down sync daemon...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("Server forced to shutdown", zap.Error(err))
	}
	// pending edits get the rest of the shutdown window to save
	if err := sessions.CloseAll(shutdownCtx); err != nil {
		logger.Warn("Sessions closed with unsaved changes", zap.Error(err))
	}
	stop()
	if err := conn.Close(); err != nil {
		logger.Warn("Failed to close connection", zap.Error(err))
	}

	logger.Info("Sync daemon exited")
}

// credentials returns the token presented on the realtime connection and
// the source used for board requests. A configured token wins. Otherwise
// tokens are signed with the shared secret.
func credentials(cfg *config.Config, identity domain.Identity) (string, client.TokenSource, error) {
	if cfg.Identity.Token != "" || cfg.Auth.JWTSecret == "" {
		return cfg.Identity.Token, client.StaticToken(cfg.Identity.Token), nil
	}
	connToken, err := middleware.IssueToken(cfg.Auth.JWTSecret, identity, 0)
	if err != nil {
		return "", nil, err
	}
	secret := cfg.Auth.JWTSecret
	return connToken, func() (string, error) {
		return middleware.IssueToken(secret, identity, requestTokenTTL)
	}, nil
}

// dialers returns the transports in fallback order
func dialers(cfg *config.Config, m *metrics.Metrics, logger *zap.Logger) []transport.Dialer {
	polling := transport.NewPollingDialer(&http.Client{}, cfg.Relay.PollWait, m, logger)
	if cfg.Sync.Transport == string(transport.ModePolling) {
		return []transport.Dialer{polling}
	}
	return []transport.Dialer{transport.NewWebSocketDialer(logger), polling}
}

// loadBoard fetches the stored board. A project without one starts empty.
func loadBoard(ctx context.Context, boards client.BoardClient, projectID string) (domain.Snapshot, error) {
	fetchCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()

	snap, err := boards.Fetch(fetchCtx, projectID)
	if response.IsCode(err, response.ErrCodeNotFound) {
		return domain.Snapshot{ProjectID: projectID}, nil
	}
	return snap, err
}

func logNotifications(ctx context.Context, b *notify.Broadcaster, logger *zap.Logger) {
	ch, cancel := b.Subscribe(64)
	defer cancel()
	for {
		select {
		case n, ok := <-ch:
			if !ok {
				return
			}
			fields := []zap.Field{
				zap.String("level", string(n.Level)),
				zap.String("title", n.Title),
				zap.String("project_id", n.ProjectID),
				zap.String("action_id", n.ActionID),
			}
			if n.Level == notify.LevelError {
				logger.Warn(n.Message, fields...)
			} else {
				logger.Info(n.Message, fields...)
			}
		case <-ctx.Done():
			return
		}
	}
}
