package routes

import (
	"context"
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/Wikid82/guard/internal/api/handlers"
	"github.com/Wikid82/guard/internal/api/middleware"
	"github.com/Wikid82/guard/internal/cerberus"
	"github.com/Wikid82/guard/internal/config"
	"github.com/Wikid82/guard/internal/services"
	"github.com/Wikid82/guard/internal/store"
)

// Deps are the services the HTTP API is built from.
type Deps struct {
	Config     config.Config
	Store      store.StateStore
	Security   *services.SecurityService
	Challenges *services.ChallengeService
	Guard      *cerberus.Cerberus
	// Gatherer backs /metrics; nil skips the endpoint.
	Gatherer prometheus.Gatherer
}

func (d Deps) validate() error {
	if d.Store == nil || d.Security == nil || d.Challenges == nil || d.Guard == nil {
		return errors.New("routes: store, security, challenges and guard are required")
	}
	return nil
}

// Register wires up API routes.
func Register(router *gin.Engine, deps Deps) error {
	if err := deps.validate(); err != nil {
		return err
	}

	router.GET("/api/v1/health", handlers.HealthHandler(func(ctx context.Context) error {
		return store.Ping(ctx, deps.Store)
	}))
	if deps.Gatherer != nil {
		router.GET("/metrics", gin.WrapH(promhttp.HandlerFor(deps.Gatherer, promhttp.HandlerOpts{})))
	}

	guard := router.Group("/api/v1/guard")

	// Challenges stay reachable for throttled and challenged clients.
	challengeHandler := handlers.NewChallengeHandler(deps.Challenges, deps.Store)
	guard.POST("/challenges", challengeHandler.Create)
	guard.POST("/challenges/:id/verify", challengeHandler.Verify)

	// Forward-auth target: a reverse proxy asks here before passing a request on.
	guard.GET("/check", cerberus.ForwardAuthMiddleware(deps.Guard, deps.Challenges), func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"decision": c.Writer.Header().Get(cerberus.HeaderDecision)})
	})

	guardHandler := handlers.NewGuardHandler(deps.Security, deps.Guard)
	admin := guard.Group("/admin")
	admin.Use(middleware.AdminAuth(deps.Config.Admin.JWTSecret))
	{
		admin.POST("/blocks", guardHandler.CreateBlock)
		admin.DELETE("/blocks/:subject", guardHandler.DeleteBlock)
		admin.GET("/subjects/:subject", guardHandler.GetSubject)
		admin.GET("/decisions", guardHandler.ListDecisions)
		admin.GET("/audits", guardHandler.ListAudits)
		admin.POST("/evaluate", guardHandler.Evaluate)
	}

	return nil
}
