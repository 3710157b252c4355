// Package http is the coordinator's operations API: starting and inspecting
// workflows, worker health, dead letters, retry policies and breakers.
package http

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog/log"

	"github.com/LandingPadAI/agent-coordinator/internal/coordination"
	"github.com/LandingPadAI/agent-coordinator/internal/health"
	"github.com/LandingPadAI/agent-coordinator/internal/recovery"
	"github.com/LandingPadAI/agent-coordinator/internal/registry"
	"github.com/LandingPadAI/agent-coordinator/pkg/retry"
)

// Config holds the HTTP surface settings. Verbose switches error envelopes to
// include details and stack traces; keep it off in production.
type Config struct {
	Port    int
	Verbose bool
}

// Deps are the constructed services the API fronts.
type Deps struct {
	Coordination *coordination.Service
	Health       *health.Monitor
	Recovery     *recovery.Service
	Registry     *registry.Registry
	Policies     *retry.PolicyTable
	Breakers     *retry.BreakerManager
}

// Server wraps the gin engine and its listener.
type Server struct {
	cfg    Config
	deps   Deps
	engine *gin.Engine
	http   *http.Server
}

// New builds the engine and registers all routes.
func New(cfg Config, deps Deps) *Server {
	gin.SetMode(gin.ReleaseMode)
	engine := gin.New()
	engine.Use(gin.Recovery())

	corsConfig := cors.DefaultConfig()
	corsConfig.AllowOrigins = []string{"*"}
	corsConfig.AllowMethods = []string{"GET", "POST", "PUT", "DELETE", "OPTIONS", "PATCH"}
	corsConfig.AllowHeaders = []string{"Origin", "Content-Length", "Content-Type", "Authorization"}
	corsConfig.AllowCredentials = true
	engine.Use(cors.New(corsConfig))

	s := &Server{cfg: cfg, deps: deps, engine: engine}
	s.registerRoutes()
	return s
}

// Engine exposes the router for tests.
func (s *Server) Engine() *gin.Engine {
	return s.engine
}

// Run blocks serving HTTP until Shutdown.
func (s *Server) Run() error {
	addr := fmt.Sprintf(":%d", s.cfg.Port)
	s.http = &http.Server{Addr: addr, Handler: s.engine}
	log.Info().Str("addr", addr).Msg("http server listening")
	if err := s.http.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Shutdown drains in-flight requests.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.http == nil {
		return nil
	}
	return s.http.Shutdown(ctx)
}

func (s *Server) registerRoutes() {
	s.engine.GET("/health/self", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"message": "true"})
	})

	api := s.engine.Group("/api/v1")
	{
		workflows := api.Group("/workflows")
		{
			workflows.POST("", s.startWorkflow)
			workflows.GET("", s.listWorkflows)
			workflows.GET("/:id", s.workflowStatus)
			workflows.POST("/:id/archive", s.archiveWorkflow)
		}

		api.GET("/definitions", s.listDefinitions)

		workers := api.Group("/workers")
		{
			workers.GET("", s.listWorkers)
			workers.GET("/summary", s.healthSummary)
			workers.GET("/:id", s.workerStatus)
		}

		deadletters := api.Group("/deadletters")
		{
			deadletters.GET("", s.listDeadLetters)
			deadletters.POST("/:key/retry", s.retryDeadLetter)
			deadletters.DELETE("/:key", s.deleteDeadLetter)
		}

		api.GET("/strategies", s.listStrategies)
		api.GET("/policies", s.listPolicies)

		breakers := api.Group("/breakers")
		{
			breakers.GET("", s.listBreakers)
			breakers.POST("/:service/reset", s.resetBreaker)
		}
	}
}
