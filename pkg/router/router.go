package router

import (
	"net/http"
	"os"
	"time"

	"chatty-portal/backend/internal/ws"
	"chatty-portal/backend/pkg/config"
	"chatty-portal/backend/pkg/di"
	"chatty-portal/backend/pkg/errors"
	"chatty-portal/backend/pkg/logger"
	"chatty-portal/backend/pkg/middleware"

	"github.com/gin-gonic/gin"
	"golang.org/x/time/rate"
)

// Track server start time for uptime calculations
var startTime = time.Now()

// Router is the main router for the application
type Router struct {
	Engine    *gin.Engine
	Container *di.Container
	Logger    *logger.Logger
	Hub       *ws.Hub
	Config    *config.Config

	limiter *middleware.RateLimiter
}

// New creates a new router with the given container
func New(container *di.Container) *Router {
	// Use the container's logger
	logger.SetGlobal(container.Logger)

	cfg := container.Config

	// Configure Gin mode based on environment
	if cfg.Server.Env == "production" {
		gin.SetMode(gin.ReleaseMode)
	}

	// Initialize Gin router
	engine := gin.New()

	// Assign request ids before anything logs
	engine.Use(middleware.RequestIDMiddleware())

	// Use the logger middleware first to capture all requests
	engine.Use(logger.Middleware(container.Logger))

	// Add custom error handler middleware
	engine.Use(errors.ErrorHandler())

	// Add custom recovery middleware with structured logging instead of default
	engine.Use(errors.RecoveryWithLogger())

	engine.Use(middleware.CORS(cfg.Security.AllowedOrigins))

	// Socket upgrades are long-lived and limited per message by the hub
	limiterOpts := middleware.DefaultRateLimiterOptions()
	limiterOpts.Limit = rate.Limit(cfg.Security.RateLimit)
	limiterOpts.Burst = cfg.Security.RateLimitBurst
	limiterOpts.Skip = func(c *gin.Context) bool { return c.Request.URL.Path == "/ws" }
	rateLimiter := middleware.NewRateLimiter(container.Logger, limiterOpts)

	// Apply rate limiting to all routes
	engine.Use(rateLimiter.Middleware())

	return &Router{
		Engine:    engine,
		Container: container,
		Logger:    container.Logger,
		Hub:       container.Hub,
		Config:    cfg,
		limiter:   rateLimiter,
	}
}

// SetupRoutes registers all application routes
func (r *Router) SetupRoutes() {
	r.setupHealthRoutes()

	// WebSocket route
	r.Engine.GET("/ws", r.Hub.ServeWs)

	if r.Container.Metrics != nil {
		r.Engine.GET("/metrics", gin.WrapH(r.Container.Metrics.Handler()))
	}

	r.setupStatic()
}

// setupStatic serves the browser client for any unmatched GET
func (r *Router) setupStatic() {
	dir := r.Config.Server.StaticDir
	info, err := os.Stat(dir)
	if err != nil || !info.IsDir() {
		r.Logger.Warn("Static directory not found, skipping asset serving", "path", dir)
		r.Engine.NoRoute(notFound)
		return
	}

	files := http.FileServer(http.Dir(dir))
	r.Engine.NoRoute(func(c *gin.Context) {
		if c.Request.Method != http.MethodGet && c.Request.Method != http.MethodHead {
			notFound(c)
			return
		}
		files.ServeHTTP(c.Writer, c.Request)
	})
	r.Logger.Info("Serving static assets", "path", dir)
}

func notFound(c *gin.Context) {
	c.Error(errors.NewNotFoundError(errors.CodeNotFound, "Resource not found"))
}

// Close stops background work owned by the router
func (r *Router) Close() {
	r.limiter.Stop()
}
