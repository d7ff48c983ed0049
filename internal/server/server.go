package server

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/quotagate/quotagate/internal/config"
	"github.com/quotagate/quotagate/internal/observability"
	obslogger "github.com/quotagate/quotagate/internal/observability/logger"
	obsmetrics "github.com/quotagate/quotagate/internal/observability/metrics"
	obstracing "github.com/quotagate/quotagate/internal/observability/tracing"
	quotadomain "github.com/quotagate/quotagate/internal/quota/domain"
	signaturedomain "github.com/quotagate/quotagate/internal/signature/domain"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

var Module = fx.Module("http.server",
	fx.Provide(registerGin),
	fx.Invoke(NewServer),
	fx.Invoke(run),
)

// HealthModule serves only the health and metrics endpoints. The
// fulfillment worker uses it; its real surface is the message bus.
var HealthModule = fx.Module("http.health",
	fx.Provide(registerGin),
	fx.Invoke(run),
)

// NewEngine builds the gin engine shared by both services: recovery,
// request logging, tracing, error mapping, health and metrics endpoints.
func NewEngine(obsCfg observability.Config) *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(obslogger.GinMiddleware(obslogger.MiddlewareConfig{
		Debug: obsCfg.Debug(),
	}))
	r.Use(obstracing.GinMiddleware())
	r.Use(ErrorHandlingMiddleware())

	r.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	return r
}

func registerGin(obsCfg observability.Config) *gin.Engine {
	return NewEngine(obsCfg)
}

func run(lc fx.Lifecycle, cfg config.Config, r *gin.Engine, log *zap.Logger) {
	srv := &http.Server{
		Addr:    cfg.HTTPAddr,
		Handler: r,
	}

	lc.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
			go func() {
				if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
					log.Fatal("http server failed", zap.Error(err))
				}
			}()
			return nil
		},
		OnStop: func(ctx context.Context) error {
			shutdownCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
			defer cancel()
			return srv.Shutdown(shutdownCtx)
		},
	})
}

// Server holds the gateway's request handlers.
type Server struct {
	engine   *gin.Engine
	cfg      config.Config
	verifier signaturedomain.Verifier
	quotaSvc quotadomain.Service
	metrics  *obsmetrics.Metrics
}

type ServerParams struct {
	fx.In

	Gin      *gin.Engine
	Cfg      config.Config
	Verifier signaturedomain.Verifier
	QuotaSvc quotadomain.Service
	Metrics  *obsmetrics.Metrics `optional:"true"`
}

func NewServer(p ServerParams) *Server {
	s := &Server{
		engine:   p.Gin,
		cfg:      p.Cfg,
		verifier: p.Verifier,
		quotaSvc: p.QuotaSvc,
		metrics:  p.Metrics,
	}

	v1 := p.Gin.Group("/v1")
	v1.Use(s.SignatureRequired())
	v1.POST("/invoke", s.Invoke)

	return s
}
