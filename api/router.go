package api

import (
	"net/http"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"

	"github.com/ddevcap/vllm-composer/admin"
	"github.com/ddevcap/vllm-composer/api/handler"
	"github.com/ddevcap/vllm-composer/api/middleware"
	"github.com/ddevcap/vllm-composer/auth"
	"github.com/ddevcap/vllm-composer/cache"
	"github.com/ddevcap/vllm-composer/dispatch"
	"github.com/ddevcap/vllm-composer/fleet"
	"github.com/ddevcap/vllm-composer/health"
	"github.com/ddevcap/vllm-composer/metrics"
	"github.com/ddevcap/vllm-composer/streaming"
)

// corsMiddleware allows any origin to reach the composer's own dashboards
// (/health, /metrics) without credentials — there is no browser-facing
// session to protect, unlike the bearer-token-guarded inference and admin
// routes.
func corsMiddleware() gin.HandlerFunc {
	return cors.New(cors.Config{
		AllowAllOrigins:  true,
		AllowMethods:     []string{"GET", "POST", "OPTIONS"},
		AllowHeaders:     []string{"Origin", "Content-Type", "Authorization"},
		AllowCredentials: false,
		MaxAge:           24 * time.Hour,
	})
}

// NewRouter builds the composer's HTTP handler, wiring every component
// together behind gin.
func NewRouter(
	registry *fleet.Registry,
	directory *auth.Directory,
	breaker *health.Breaker,
	cacheLayer *cache.Layer,
	dispatcher *dispatch.Dispatcher,
	streamer *streaming.Proxy,
	reloader *admin.Reloader,
	metricsRegistry *metrics.Registry,
) http.Handler {
	gin.SetMode(gin.ReleaseMode)
	r := gin.New()
	r.Use(gin.Recovery(), middleware.RequestID(), corsMiddleware())

	healthH := handler.NewHealthHandler(registry, breaker, cacheLayer)
	metricsH := handler.NewMetricsAggregateHandler(registry)
	reloadH := handler.NewReloadHandler(reloader)
	proxyH := handler.NewProxyHandler(dispatcher, streamer, metricsRegistry)

	r.GET("/health", healthH.Handle)
	r.GET("/metrics", metricsH.Handle)
	r.GET("/internal/metrics", gin.WrapH(metrics.Handler()))

	reload := r.Group("/reload")
	reload.Use(middleware.Auth(directory), middleware.AdminOnly(directory))
	reload.POST("", reloadH.Handle)

	r.Any("/v1/*path", proxyH.Handle)

	r.NoRoute(func(c *gin.Context) {
		c.JSON(http.StatusNotFound, gin.H{"error": "endpoint not found"})
	})

	return r
}
