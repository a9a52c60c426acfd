// Package api is the HTTP adapter over the memory engine: a Gin router,
// the response envelope, and thin handlers that translate JSON to engine
// calls.
package api

import (
	"context"
	"fmt"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/anima-ai/anima/internal/config"
	"github.com/anima-ai/anima/internal/core"
	"github.com/anima-ai/anima/internal/database"
	"github.com/anima-ai/anima/internal/embedding"
	"github.com/anima-ai/anima/internal/models"
)

// Engine is the surface of the memory engine the handlers consume.
type Engine interface {
	Add(ctx context.Context, in core.AddInput) (*core.AddResult, error)
	Query(ctx context.Context, in core.QueryInput) (*core.QueryResult, error)
	Bootstrap(ctx context.Context, in core.BootstrapInput) (*core.BootstrapResult, error)
	UpdateTier(ctx context.Context, in core.UpdateTierInput) (*core.UpdateTierResult, error)

	Associations(ctx context.Context, memoryID string, minStrength float64, limit int) (*core.AssociationsResult, error)
	Hubs(ctx context.Context, minConnections, limit int) ([]models.Hub, error)
	NetworkStats(ctx context.Context, memoryID string) (*models.NetworkStats, error)

	EndConversation(ctx context.Context, conversationID string, session models.SessionMetrics) (*models.Reflection, error)
	Reflections(ctx context.Context, in core.ReflectionsInput) ([]models.Reflection, error)
	GenerateHandshake(ctx context.Context, in core.HandshakeInput) (*models.Handshake, error)
}

// DatabaseStatus is the health surface of the connection pool.
type DatabaseStatus interface {
	Ping(ctx context.Context) error
	Stats() database.PoolStats
}

// EmbeddingStatus is the health surface of the embedding gateway.
type EmbeddingStatus interface {
	Status() []embedding.ProviderStatus
	CacheStats() embedding.Stats
}

// Server owns the HTTP listener and its routes.
type Server struct {
	cfg      config.ServerConfig
	logger   *zap.Logger
	engine   Engine
	db       DatabaseStatus
	embedder EmbeddingStatus
	http     *http.Server
}

// NewServer builds the server and its router.
func NewServer(cfg config.ServerConfig, engine Engine, db DatabaseStatus, embedder EmbeddingStatus, logger *zap.Logger) *Server {
	s := &Server{
		cfg:      cfg,
		logger:   logger,
		engine:   engine,
		db:       db,
		embedder: embedder,
	}
	s.http = &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Port),
		Handler:      s.Router(),
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
		IdleTimeout:  cfg.IdleTimeout,
	}
	return s
}

// Router assembles the middleware chain and routes.
func (s *Server) Router() *gin.Engine {
	r := gin.New()

	r.Use(Recovery(s.logger))
	r.Use(RequestID())
	r.Use(ResponseTime())
	r.Use(RequestLogger(s.logger))
	r.Use(Metrics())
	if s.cfg.RateLimit.Enabled {
		r.Use(RateLimiter(s.cfg.RateLimit))
	}

	r.GET("/health", s.health)
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	v1 := r.Group("/api/v1")
	{
		mem := v1.Group("/memories")
		mem.POST("/add", s.addMemory)
		mem.POST("/query", s.queryMemories)
		mem.GET("/bootstrap", s.bootstrap)
		mem.POST("/update-tier", s.updateTier)

		assoc := v1.Group("/associations")
		assoc.GET("/discover", s.discoverAssociations)
		assoc.GET("/hubs", s.hubs)
		assoc.GET("/network-stats", s.networkStats)

		meta := v1.Group("/meta")
		meta.POST("/conversation-end", s.conversationEnd)
		meta.GET("/reflection", s.reflections)
		meta.POST("/handshake/generate", s.generateHandshake)
		meta.GET("/handshake", s.getHandshake)
		meta.GET("/metrics", s.metaMetrics)
		meta.GET("/cache-stats", s.cacheStats)
	}

	return r
}

// Start serves until the listener closes.
func (s *Server) Start() error {
	s.logger.Info("http server listening", zap.String("addr", s.http.Addr))
	if err := s.http.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

// Shutdown drains in-flight requests until ctx expires.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.http.Shutdown(ctx)
}
