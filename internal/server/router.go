package server

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"fleetdash/internal/auth"
	"fleetdash/internal/dashboard"
	"fleetdash/internal/handler"
	"fleetdash/internal/hub"
	"fleetdash/internal/logging"
	"fleetdash/internal/middleware"
	"fleetdash/internal/session"
)

type Deps struct {
	Registry    *dashboard.Registry
	Sessions    session.Provider
	Hub         *hub.Hub
	TokenConfig auth.TokenConfig
	Logger      *zap.Logger
	// CommandRateLimit is per user per minute; 0 means 30.
	CommandRateLimit int
	Location         *time.Location
	Version          string
}

func NewRouter(deps Deps) *gin.Engine {
	logger := logging.OrNop(deps.Logger)
	wsHub := deps.Hub
	if wsHub == nil {
		wsHub = hub.New()
	}
	limit := deps.CommandRateLimit
	if limit <= 0 {
		limit = 30
	}

	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(gin.Logger())

	r.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"ok": true})
	})
	versionHandler := &handler.VersionHandler{Version: deps.Version}
	r.GET("/version", versionHandler.Get)

	protected := r.Group("/v1")
	protected.Use(middleware.RequireAuth(deps.TokenConfig))

	sessionHandler := &handler.SessionHandler{
		Sessions: deps.Sessions,
		Registry: deps.Registry,
		Hub:      wsHub,
		Logger:   logger.Named("session"),
	}
	protected.POST("/session", sessionHandler.Create)
	protected.DELETE("/session", sessionHandler.Delete)

	machineHandler := &handler.MachineHandler{Registry: deps.Registry, Logger: logger.Named("machines"), Location: deps.Location}
	protected.GET("/machines", machineHandler.List)
	protected.GET("/machines/search", machineHandler.Search)
	protected.POST("/machines/refresh", machineHandler.Refresh)
	protected.GET("/machines/:id/errors", machineHandler.Errors)

	commandLimiter := middleware.NewRateLimiter(limit, time.Minute)
	commands := protected.Group("")
	commands.Use(middleware.RateLimitMiddleware(commandLimiter, logger.Named("ratelimit")))
	commands.POST("/machines", machineHandler.Create)
	commands.POST("/machines/:id/start", machineHandler.Start)
	commands.POST("/machines/:id/stop", machineHandler.Stop)
	commands.POST("/machines/:id/restart", machineHandler.Restart)
	commands.DELETE("/machines/:id", machineHandler.Destroy)
	commands.POST("/machines/:id/schedule", machineHandler.Schedule)

	userHandler := &handler.UserHandler{Registry: deps.Registry, Logger: logger.Named("users")}
	protected.GET("/users/roles", userHandler.Roles)
	commands.PUT("/users", userHandler.Update)
	commands.DELETE("/users/:id", userHandler.Delete)

	wsHandler := &handler.WebSocketHandler{Hub: wsHub, Registry: deps.Registry, Logger: logger.Named("ws")}
	r.GET("/ws", middleware.RequireAuth(deps.TokenConfig), wsHandler.Serve)

	return r
}
