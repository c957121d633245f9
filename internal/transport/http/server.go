package http

import (
	stdhttp "net/http"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"github.com/vovakirdan/chatbridge/internal/auth"
	"github.com/vovakirdan/chatbridge/internal/config"
	"github.com/vovakirdan/chatbridge/internal/core"
)

// NewServer builds the HTTP server: health, the control-plane websocket,
// metrics and the diagnostics API. A nil gatherer leaves /metrics out.
func NewServer(hub *core.Hub, authService *auth.Service, cfg *config.Config, logger *zerolog.Logger, gatherer prometheus.Gatherer) *stdhttp.Server {
	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(LoggerMiddleware(logger))

	router.GET("/health", func(c *gin.Context) {
		c.String(stdhttp.StatusOK, "ok")
	})
	router.GET("/ws", gin.WrapH(NewWSHandler(hub, authService, cfg, logger)))
	if gatherer != nil {
		router.GET("/metrics", gin.WrapH(promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})))
	}

	api := NewAPIHandlers(hub, logger)
	protected := router.Group("/api")
	protected.Use(AuthMiddleware(authService, logger))
	{
		protected.GET("/identities", api.ListIdentities)
		protected.GET("/identities/:id", api.GetIdentity)
	}

	return &stdhttp.Server{
		Addr:              cfg.Addr,
		Handler:           router,
		ReadHeaderTimeout: cfg.ReadHeaderTimeout,
	}
}
