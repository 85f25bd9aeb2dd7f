package api

import (
	"example.com/backstage/services/ingest/config"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"
)

// SetupRoutes configures the ops API. A nil gatherer leaves /metrics unmounted.
func SetupRoutes(router *gin.Engine, handlers *APIHandlers, cfg config.ServerConfig, gatherer prometheus.Gatherer, logger *logrus.Logger) {
	// Global middleware
	router.Use(Recovery(logger))
	router.Use(RequestLogger(logger))
	router.Use(ErrorHandler())
	router.Use(CORS())

	// Public
	router.GET("/health", handlers.HealthCheck)
	if gatherer != nil {
		router.GET("/metrics", gin.WrapH(promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})))
	}

	v1 := router.Group("/api/v1")
	v1.Use(RateLimiter(cfg.RateLimit, cfg.RateBurst))
	v1.Use(TokenAuthentication(cfg.APITokens))
	{
		v1.GET("/ingestion/status", handlers.IngestionStatus)
		v1.POST("/transport/reconnect", handlers.ReconnectTransport)
		v1.POST("/processor/run", handlers.RunProcessor)

		rawLogs := v1.Group("/raw-logs")
		{
			rawLogs.GET("", handlers.ListRawLogs)
			rawLogs.GET("/:id", handlers.GetRawLog)
		}

		unpaired := v1.Group("/unpaired-devices")
		{
			unpaired.GET("", handlers.ListUnpairedDevices)
			unpaired.GET("/:id", handlers.GetUnpairedDevice)
			unpaired.POST("/:id/pair", handlers.PairDevice)
			unpaired.POST("/:id/ignore", handlers.IgnoreDevice)
			unpaired.POST("/:id/reset", handlers.ResetDevice)
		}
	}
}
