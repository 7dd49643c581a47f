package api

import (
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/timmy/steamharvest/internal/api/handler"
	"github.com/timmy/steamharvest/internal/api/middleware"
	"github.com/timmy/steamharvest/internal/config"
	"github.com/timmy/steamharvest/internal/extension"
	"github.com/timmy/steamharvest/internal/logger"
	"github.com/timmy/steamharvest/internal/service"
)

// Services groups what the router exposes.
type Services struct {
	Jobs    *service.JobService
	Exports *service.ExportService
	Imports *service.ImportService
	Bridge  *extension.Bridge
}

// SetupRouter configures the Gin router with all routes.
// The control routes are served both at the root and under /api/v1.
// Parameters:
//   - svc: services backing the handlers.
//   - cfg: application configuration.
//   - log: base request logger.
// Returns:
//   - *gin.Engine: configured router.
func SetupRouter(svc Services, cfg *config.Config, log *logger.Logger) *gin.Engine {
	// Set Gin mode
	switch cfg.Server.Mode {
	case "release":
		gin.SetMode(gin.ReleaseMode)
	case "test":
		gin.SetMode(gin.TestMode)
	default:
		gin.SetMode(gin.DebugMode)
	}

	r := gin.New()

	// Add middleware
	r.Use(gin.Recovery())
	r.Use(middleware.LoggerMiddleware(log))
	r.Use(middleware.CORS(cfg.Server.CORS))
	r.MaxMultipartMemory = 8 << 20

	// Create handlers
	healthHandler := handler.NewHealthHandler(svc.Jobs.Running)
	adminHandler := handler.NewAdminHandler(svc.Jobs, log)
	exportHandler := handler.NewExportHandler(svc.Exports)
	extensionHandler := handler.NewExtensionHandler(svc.Bridge, svc.Imports)

	control := func(g gin.IRoutes) {
		g.GET("/health", healthHandler.Health)

		// Job control
		g.POST("/start", adminHandler.Start)
		g.GET("/status", adminHandler.Status)
		g.POST("/stop", adminHandler.Stop)
		g.POST("/resume", adminHandler.Resume)
		g.GET("/logs", adminHandler.Logs)

		// Exports
		g.GET("/export", exportHandler.Export)
		g.GET("/download/:type", exportHandler.Download)
	}

	control(r)
	if cfg.Metrics.Enabled {
		r.GET("/metrics", gin.WrapH(promhttp.Handler()))
	}

	// API v1 routes
	v1 := r.Group("/api/v1")
	control(v1)
	{
		ext := v1.Group("/extension")
		ext.POST("/heartbeat", extensionHandler.Heartbeat)
		ext.GET("/assignments/next", extensionHandler.Next)
		ext.POST("/assignments/:id/ack", extensionHandler.Ack)
		ext.POST("/assignments/:id/result", extensionHandler.Result)
		ext.POST("/import", extensionHandler.Import)
	}

	return r
}
