package router

import (
	"context"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/go-redis/redis/v8"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"project-board-sync/internal/connection"
	"project-board-sync/internal/handler"
	"project-board-sync/internal/hub"
	"project-board-sync/internal/metrics"
	"project-board-sync/internal/middleware"
	"project-board-sync/internal/notify"
	"project-board-sync/internal/repository"
	"project-board-sync/internal/session"
)

// Common holds what both servers need
type Common struct {
	Mode           string
	BasePath       string
	Logger         *zap.Logger
	Metrics        *metrics.Metrics
	Gatherer       prometheus.Gatherer
	JWTSecret      string
	AllowedOrigins []string
}

// SyncConfig holds the dependencies of the sync daemon's operation API
type SyncConfig struct {
	Common
	Sessions      *session.Registry
	Conn          connection.Manager
	Notifications *notify.Broadcaster
	FlushTimeout  time.Duration
	Heartbeat     time.Duration
}

// RelayConfig holds the dependencies of the relay server
type RelayConfig struct {
	Common
	// Context bounds the lifetime of connected peers
	Context context.Context
	DB      *gorm.DB
	Redis   *redis.Client
	Hub     *hub.Hub
	Polls   *hub.PollRegistry
	Boards  repository.BoardRepository
	Relay   handler.RelayOptions
}

func newEngine(cfg Common) *gin.Engine {
	if cfg.Mode == "release" || cfg.Mode == "production" {
		gin.SetMode(gin.ReleaseMode)
	}

	r := gin.New()
	r.Use(middleware.Recovery(cfg.Logger))
	r.Use(middleware.Logger(cfg.Logger))
	r.Use(middleware.CORS(cfg.AllowedOrigins))
	r.Use(middleware.Metrics(cfg.Metrics))
	return r
}

func metricsHandler(cfg Common) gin.HandlerFunc {
	gatherer := cfg.Gatherer
	if gatherer == nil {
		gatherer = prometheus.DefaultGatherer
	}
	return gin.WrapH(promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{}))
}

// SetupSync builds the operation API of the sync daemon
func SetupSync(cfg SyncConfig) *gin.Engine {
	r := newEngine(cfg.Common)

	boardHandler := handler.NewBoardHandler(cfg.Sessions, cfg.FlushTimeout, cfg.Logger)
	connectionHandler := handler.NewConnectionHandler(cfg.Conn, cfg.Logger)
	notificationHandler := handler.NewNotificationHandler(cfg.Notifications, cfg.Heartbeat, cfg.Logger)
	healthHandler := handler.NewHealthHandler("board-syncd", nil, nil)
	healthHandler.AddCheck("connection", func(ctx context.Context) error {
		return cfg.Conn.AwaitConnected(ctx)
	})

	r.GET("/health", healthHandler.Health)
	r.GET("/ready", healthHandler.Ready)
	r.GET("/metrics", metricsHandler(cfg.Common))

	api := r.Group(cfg.BasePath)
	{
		api.GET("/health", healthHandler.Health)
		api.GET("/metrics", metricsHandler(cfg.Common))

		authenticated := api.Group("")
		authenticated.Use(middleware.Auth(cfg.JWTSecret))
		{
			authenticated.GET("/connection", connectionHandler.GetStatus)
			authenticated.POST("/connection/reconnect", connectionHandler.Reconnect)

			authenticated.GET("/notifications", notificationHandler.Stream)
			authenticated.GET("/notifications/recent", notificationHandler.Recent)

			authenticated.GET("/projects", boardHandler.ListProjects)
			projects := authenticated.Group("/projects/:projectId")
			{
				projects.GET("/board", boardHandler.GetBoard)
				projects.GET("/status", boardHandler.GetStatus)
				projects.POST("/refresh", boardHandler.Refresh)
				projects.POST("/flush", boardHandler.Flush)

				projects.POST("/columns", boardHandler.CreateColumn)
				projects.PATCH("/columns/:columnId", boardHandler.UpdateColumn)
				projects.DELETE("/columns/:columnId", boardHandler.DeleteColumn)

				projects.POST("/items", boardHandler.CreateItem)
				projects.PATCH("/items/:itemId/fields/:columnId", boardHandler.UpdateItemField)
				projects.DELETE("/items/:itemId", boardHandler.DeleteItem)
			}
		}
	}

	return r
}

// SetupRelay builds the relay server: peer transports and board storage
func SetupRelay(cfg RelayConfig) *gin.Engine {
	r := newEngine(cfg.Common)

	ctx := cfg.Context
	if ctx == nil {
		ctx = context.Background()
	}
	relayHandler := handler.NewRelayHandler(ctx, cfg.Hub, cfg.Polls, cfg.Relay, cfg.Logger)
	snapshotHandler := handler.NewSnapshotHandler(cfg.Boards, cfg.Hub, cfg.Logger)
	healthHandler := handler.NewHealthHandler("board-relay", cfg.DB, cfg.Redis)

	r.GET("/health", healthHandler.Health)
	r.GET("/ready", healthHandler.Ready)
	r.GET("/metrics", metricsHandler(cfg.Common))

	api := r.Group(cfg.BasePath)
	{
		api.GET("/health", healthHandler.Health)
		api.GET("/ready", healthHandler.Ready)
		api.GET("/metrics", metricsHandler(cfg.Common))

		authenticated := api.Group("")
		authenticated.Use(middleware.Auth(cfg.JWTSecret))
		{
			authenticated.GET("/ws", relayHandler.WebSocket)

			poll := authenticated.Group("/poll/sessions")
			{
				poll.POST("", relayHandler.OpenPollSession)
				poll.POST("/:sessionId/messages", relayHandler.PostPollMessage)
				poll.GET("/:sessionId/messages", relayHandler.PollMessages)
				poll.DELETE("/:sessionId", relayHandler.ClosePollSession)
			}

			authenticated.GET("/peers", relayHandler.ListPeers)
			authenticated.POST("/permissions", relayHandler.PublishPermissions)

			authenticated.GET("/projects/:projectId/board", snapshotHandler.GetBoard)
			authenticated.PUT("/projects/:projectId/board", snapshotHandler.SaveBoard)
			authenticated.DELETE("/projects/:projectId/board", snapshotHandler.DeleteBoard)
		}
	}

	return r
}
