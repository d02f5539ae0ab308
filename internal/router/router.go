package router

import (
	"github.com/gin-gonic/gin"

	"github.com/jwalitptl/scheduling-api/internal/config"
	"github.com/jwalitptl/scheduling-api/internal/handler/health"
	"github.com/jwalitptl/scheduling-api/internal/middleware"
)

type Handler interface {
	RegisterRoutes(*gin.RouterGroup)
}

type Router struct {
	engine        *gin.Engine
	auth          *middleware.AuthMiddleware
	healthH       *health.Handler
	availabilityH Handler
	bookingH      Handler
	cancellationH Handler
	slotsH        Handler
	vacancyH      Handler
}

func NewRouter(
	cfg *config.Config,
	auth *middleware.AuthMiddleware,
	healthH *health.Handler,
	availabilityH Handler,
	bookingH Handler,
	cancellationH Handler,
	slotsH Handler,
	vacancyH Handler,
) *Router {
	if cfg.Environment == "production" {
		gin.SetMode(gin.ReleaseMode)
	}

	engine := gin.New()
	engine.Use(
		middleware.RequestID(),
		middleware.Logger(),
		middleware.Recovery(),
	)

	if cfg.RateLimit.Enabled {
		limiter := middleware.NewRateLimiter(middleware.RateLimiterConfig{
			RPS:   cfg.RateLimit.RequestsPerSecond,
			Burst: cfg.RateLimit.Burst,
		})
		engine.Use(limiter.RateLimit())
	}

	return &Router{
		engine:        engine,
		auth:          auth,
		healthH:       healthH,
		availabilityH: availabilityH,
		bookingH:      bookingH,
		cancellationH: cancellationH,
		slotsH:        slotsH,
		vacancyH:      vacancyH,
	}
}

func (r *Router) Setup() {
	api := r.engine.Group("/api/v1")

	r.healthH.RegisterRoutes(api)

	protected := api.Group("")
	protected.Use(r.auth.Authenticate())
	r.availabilityH.RegisterRoutes(protected)
	r.bookingH.RegisterRoutes(protected)
	r.cancellationH.RegisterRoutes(protected)

	// Slot generation and vacancy sweeps are administrative.
	admin := protected.Group("")
	admin.Use(r.auth.RequireEmployee())
	r.slotsH.RegisterRoutes(admin)
	r.vacancyH.RegisterRoutes(admin)
}

func (r *Router) Engine() *gin.Engine {
	return r.engine
}
