package v1

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"carbon-scribe/ledger-reconciler/internal/auth"
)

// NewRouter assembles the engine: middleware, /health, /metrics and the
// /api/v1 group.
func NewRouter(handler *Handler, roles *auth.Handler, logger *zap.Logger) *gin.Engine {
	router := gin.New()
	router.Use(gin.Recovery(), requestLogger(logger), cors())

	api := router.Group("/api/v1")
	{
		handler.RegisterRoutes(api)
		auth.RegisterRoutes(api, roles)
	}

	router.GET("/health", handler.health)
	router.GET("/metrics", gin.WrapH(promhttp.Handler()))
	return router
}

func cors() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Writer.Header().Set("Access-Control-Allow-Origin", "*")
		c.Writer.Header().Set("Access-Control-Allow-Headers", "Content-Type, Content-Length, Accept-Encoding, Authorization, accept, origin, Cache-Control, X-Requested-With")
		c.Writer.Header().Set("Access-Control-Allow-Methods", "POST, OPTIONS, GET, DELETE")

		if c.Request.Method == http.MethodOptions {
			c.AbortWithStatus(http.StatusNoContent)
			return
		}
		c.Next()
	}
}

func requestLogger(logger *zap.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		logger.Debug("Request",
			zap.String("method", c.Request.Method),
			zap.String("path", c.FullPath()),
			zap.Int("status", c.Writer.Status()),
			zap.Duration("took", time.Since(start)))
	}
}

// health reports whether a session is open and how fresh the mirror is.
func (h *Handler) health(c *gin.Context) {
	status := "healthy"
	body := gin.H{"timestamp": time.Now()}
	s, err := h.sessions.Current()
	switch {
	case err != nil:
		status = "disconnected"
		body["error"] = err.Error()
	case s.Backend.Degraded():
		status = "degraded"
	}
	if h.sessions.Mirror().Stale(time.Now()) && status == "healthy" {
		status = "stale"
	}
	body["status"] = status
	if s != nil {
		body["chain_id"] = s.ChainID
		body["endpoint"] = s.Backend.URL()
	}

	code := http.StatusOK
	if status == "disconnected" {
		code = http.StatusServiceUnavailable
	}
	c.JSON(code, body)
}
