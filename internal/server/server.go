package server

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	balancedomain "github.com/smallbiznis/metergate/internal/balance/domain"
	"github.com/smallbiznis/metergate/internal/balance/guard"
	balanceservice "github.com/smallbiznis/metergate/internal/balance/service"
	"github.com/smallbiznis/metergate/internal/config"
	entdomain "github.com/smallbiznis/metergate/internal/entitlement/domain"
	featuredomain "github.com/smallbiznis/metergate/internal/feature/domain"
	"github.com/smallbiznis/metergate/internal/observability"
	obslogger "github.com/smallbiznis/metergate/internal/observability/logger"
	obstracing "github.com/smallbiznis/metergate/internal/observability/tracing"
	plandomain "github.com/smallbiznis/metergate/internal/plan/domain"
	"github.com/smallbiznis/metergate/internal/ratelimit"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

var Module = fx.Module("http.server",
	ratelimit.Module,
	fx.Provide(
		NewEngine,
		func(s *balanceservice.Service) BalanceService { return s },
		NewServer,
	),
	fx.Invoke(run),
)

// BalanceService is the balance engine as seen by the HTTP layer.
type BalanceService interface {
	Check(ctx context.Context, req balancedomain.CheckRequest) (*balancedomain.CheckResponse, error)
	Track(ctx context.Context, req balancedomain.TrackRequest) (*balancedomain.TrackResponse, error)
	Balances(ctx context.Context, customerID, entityID string) ([]balancedomain.FeatureBalance, error)
	UpdateBalance(ctx context.Context, req balancedomain.UpdateBalanceRequest) (*balancedomain.FeatureBalance, error)
	CreateEntities(ctx context.Context, customerID, featureID string, inputs []guard.EntityInput) ([]entdomain.Entity, error)
	DeleteEntity(ctx context.Context, customerID, entityID string) (*entdomain.Entity, error)
	ListEntities(ctx context.Context, customerID, featureID string) ([]entdomain.Entity, error)
}

func NewEngine(obsCfg observability.Config) *gin.Engine {
	if !obsCfg.Debug() {
		gin.SetMode(gin.ReleaseMode)
	}
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(obslogger.GinMiddleware(obslogger.MiddlewareConfig{
		Debug:           obsCfg.Debug(),
		ErrorClassifier: classifyErrorForLog,
	}))
	r.Use(obstracing.GinMiddleware())
	r.Use(ErrorHandlingMiddleware())

	r.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	return r
}

func run(lc fx.Lifecycle, cfg config.Config, r *gin.Engine, _ *Server, log *zap.Logger) {
	srv := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           r,
		ReadHeaderTimeout: 5 * time.Second,
	}

	lc.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
			go func() {
				if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
					log.Fatal("http server stopped", zap.Error(err))
				}
			}()
			log.Info("http server listening", zap.String("addr", cfg.HTTPAddr))
			return nil
		},
		OnStop: func(ctx context.Context) error {
			shutdownCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
			defer cancel()
			return srv.Shutdown(shutdownCtx)
		},
	})
}

type Server struct {
	engine     *gin.Engine
	cfg        config.Config
	balanceSvc BalanceService
	planSvc    plandomain.Service
	featureSvc featuredomain.Service
	limiter    *ratelimit.CustomerLimiter
}

type ServerParams struct {
	fx.In

	Gin        *gin.Engine
	Cfg        config.Config
	BalanceSvc BalanceService
	PlanSvc    plandomain.Service
	FeatureSvc featuredomain.Service
	Limiter    *ratelimit.CustomerLimiter `optional:"true"`
}

func NewServer(p ServerParams) *Server {
	svc := &Server{
		engine:     p.Gin,
		cfg:        p.Cfg,
		balanceSvc: p.BalanceSvc,
		planSvc:    p.PlanSvc,
		featureSvc: p.FeatureSvc,
		limiter:    p.Limiter,
	}

	svc.registerAPIRoutes()
	svc.registerInternalRoutes()

	return svc
}

func (s *Server) Engine() *gin.Engine {
	return s.engine
}

func (s *Server) registerAPIRoutes() {
	api := s.engine.Group("/v1")
	api.Use(RequestTimeout(s.cfg.RequestTimeout))

	api.POST("/check", s.CustomerRateLimit(), s.Check)
	api.POST("/track", s.CustomerRateLimit(), s.Track)
	api.POST("/balances/update", s.CustomerRateLimit(), s.UpdateBalance)

	customers := api.Group("/customers/:customer_id")
	customers.GET("/balances", s.ListBalances)
	customers.GET("/entities", s.ListEntities)
	customers.POST("/entities", s.CreateEntities)
	customers.DELETE("/entities/:entity_id", s.DeleteEntity)
}

// registerInternalRoutes exposes the hooks the billing layer calls.
func (s *Server) registerInternalRoutes() {
	internal := s.engine.Group("/internal")
	internal.Use(RequestTimeout(s.cfg.RequestTimeout))

	internal.POST("/plans/attached", s.PlanAttached)
	internal.POST("/plans/detached", s.PlanDetached)

	internal.POST("/entitlements", s.DefineEntitlement)
	internal.GET("/products/:product_id/entitlements", s.ListEntitlements)

	internal.GET("/features", s.ListFeatures)
	internal.POST("/features", s.CreateFeature)
	internal.GET("/features/:id", s.GetFeature)
	internal.PATCH("/features/:id", s.UpdateFeature)
	internal.POST("/features/:id/archive", s.ArchiveFeature)
}
