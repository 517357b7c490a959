// Package api wires together all HTTP routes for the Carp registry.
//
// Route grouping:
//   - Discovery routes (search, versions, download) are public. Optional auth attributes
//     downloads to the caller when a credential is presented.
//   - Publish needs an API key or session holding a publish-capable scope.
//   - API key management needs any valid credential and acts on the caller's own keys.
//   - /v1/files serves local-backend archives behind HMAC-signed, expiring URLs.
package api

import (
	"context"
	"database/sql"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/jmoiron/sqlx"
	"github.com/redis/go-redis/v9"

	"github.com/carp-registry/carp/internal/api/agents"
	"github.com/carp-registry/carp/internal/api/apikeys"
	"github.com/carp-registry/carp/internal/api/files"
	"github.com/carp-registry/carp/internal/auth"
	"github.com/carp-registry/carp/internal/buildinfo"
	"github.com/carp-registry/carp/internal/config"
	"github.com/carp-registry/carp/internal/db/repositories"
	"github.com/carp-registry/carp/internal/distribution"
	"github.com/carp-registry/carp/internal/jobs"
	"github.com/carp-registry/carp/internal/middleware"
	"github.com/carp-registry/carp/internal/services"
	"github.com/carp-registry/carp/internal/storage"
	"github.com/carp-registry/carp/internal/storage/local"

	// Storage backends register themselves with the factory.
	_ "github.com/carp-registry/carp/internal/storage/azure"
	_ "github.com/carp-registry/carp/internal/storage/gcs"
	_ "github.com/carp-registry/carp/internal/storage/s3"
)

// BackgroundServices holds the jobs and resources that must be stopped during graceful
// shutdown. cmd/server calls Shutdown after the HTTP server has drained.
type BackgroundServices struct {
	expiryJob    *jobs.KeyExpiryJob
	rateLimiters []*middleware.RateLimiter
	redis        *redis.Client
	keys         *services.APIKeyService
	agents       *services.AgentService
	closers      []io.Closer
}

// Shutdown stops background goroutines and waits for pending last-used and download writes.
func (bg *BackgroundServices) Shutdown() {
	slog.Info("stopping background services")
	if bg.expiryJob != nil {
		bg.expiryJob.Stop()
	}
	for _, rl := range bg.rateLimiters {
		rl.Stop()
	}
	if bg.keys != nil {
		bg.keys.Wait()
	}
	if bg.agents != nil {
		bg.agents.Wait()
	}
	if bg.redis != nil {
		if err := bg.redis.Close(); err != nil {
			slog.Warn("failed to close redis client", "error", err)
		}
	}
	for _, c := range bg.closers {
		if err := c.Close(); err != nil {
			slog.Warn("failed to close resource", "error", err)
		}
	}
	slog.Info("all background services stopped")
}

// Handlers is everything the route table needs. NewRouter builds it from config; tests build
// it from fakes.
type Handlers struct {
	Agents   *agents.Handlers
	APIKeys  *apikeys.Handlers
	Verifier middleware.KeyVerifier
	// Files is nil unless the local storage backend is active.
	Files files.SignedStore

	DB    *sql.DB
	Blobs storage.Storage

	// Limiter guards every /api/v1 route; PublishLimiter additionally guards publish. Either
	// may be nil to disable limiting.
	Limiter        middleware.Limiter
	PublishLimiter middleware.Limiter
}

// NewRouter builds the storage backend, repositories, services and background jobs from cfg and
// returns the configured engine.
func NewRouter(cfg *config.Config, db *sql.DB) (*gin.Engine, *BackgroundServices, error) {
	blobs, err := storage.NewStorage(cfg)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to initialize storage backend: %w", err)
	}
	slog.Info("storage backend initialized", "backend", cfg.Storage.DefaultBackend)

	bg := &BackgroundServices{}
	if c, ok := blobs.(io.Closer); ok {
		bg.closers = append(bg.closers, c)
	}

	keyRepo := repositories.NewAPIKeyRepository(db)
	agentRepo := repositories.NewAgentRepository(sqlx.NewDb(db, "postgres"))

	keySvc := services.NewAPIKeyService(keyRepo, services.APIKeyOptions{
		Prefix:            cfg.Auth.APIKeys.Prefix,
		MaxActivePerOwner: cfg.Auth.APIKeys.MaxActivePerOwner,
		LastUsedTimeout:   cfg.Auth.APIKeys.LastUsedTimeout,
	})
	broker := distribution.NewBroker(blobs, cfg.Storage.DefaultBackend,
		cfg.Distribution.SignedURLTTL, cfg.Distribution.SignTimeout)
	agentSvc := services.NewAgentService(agentRepo, blobs, broker, services.AgentOptions{
		MaxUploadBytes: cfg.Distribution.MaxUploadBytes,
	})
	bg.keys, bg.agents = keySvc, agentSvc

	h := Handlers{
		Agents:   agents.NewHandlers(agentSvc, cfg.Distribution.MaxUploadBytes),
		APIKeys:  apikeys.NewHandlers(keySvc),
		Verifier: keySvc,
		DB:       db,
		Blobs:    blobs,
	}
	if !cfg.Auth.APIKeys.Enabled {
		slog.Warn("api key authentication disabled; only session tokens are accepted")
		h.Verifier = sessionsOnly{}
	}
	if ls, ok := blobs.(*local.LocalStorage); ok {
		h.Files = ls
	}

	if err := buildLimiters(cfg, &h, bg); err != nil {
		return nil, nil, err
	}

	bg.expiryJob = jobs.NewKeyExpiryJob(keyRepo, cfg.Jobs.KeyExpiryInterval)
	go bg.expiryJob.Start(context.Background())

	return NewEngine(cfg, h), bg, nil
}

// sessionsOnly rejects every API key. Session tokens are still checked by the auth middleware.
type sessionsOnly struct{}

func (sessionsOnly) Verify(context.Context, string) (*services.Principal, bool, error) {
	return nil, false, nil
}

func buildLimiters(cfg *config.Config, h *Handlers, bg *BackgroundServices) error {
	rl := cfg.Security.RateLimiting
	if !rl.Enabled {
		return nil
	}
	general := middleware.DefaultRateLimitConfig()
	if rl.RequestsPerMinute > 0 {
		general.RequestsPerMinute = rl.RequestsPerMinute
	}
	if rl.Burst > 0 {
		general.BurstSize = rl.Burst
	}
	publish := middleware.PublishRateLimitConfig()

	if rl.RedisURL != "" {
		g, client, err := middleware.NewRedisLimiter(rl.RedisURL, "carp:rl:api", general)
		if err != nil {
			return err
		}
		bg.redis = client
		h.Limiter = g
		h.PublishLimiter = middleware.NewRedisLimiterWithClient(client, "carp:rl:publish", publish)
		slog.Info("rate limiting backed by redis")
		return nil
	}

	g := middleware.NewRateLimiter(general)
	p := middleware.NewRateLimiter(publish)
	bg.rateLimiters = append(bg.rateLimiters, g, p)
	h.Limiter, h.PublishLimiter = g, p
	return nil
}

// NewEngine registers every route on a new gin engine.
func NewEngine(cfg *config.Config, h Handlers) *gin.Engine {
	router := gin.New()

	router.Use(gin.Recovery())
	router.Use(middleware.RequestIDMiddleware())
	router.Use(middleware.MetricsMiddleware())
	router.Use(middleware.LoggerMiddleware(slog.Default()))
	router.Use(middleware.SecurityHeadersMiddleware(middleware.APISecurityHeadersConfig(cfg.Security.TLS.Enabled)))
	router.Use(middleware.CORSMiddleware(cfg.Security.CORS))

	router.NoRoute(func(c *gin.Context) {
		c.JSON(http.StatusNotFound, middleware.ErrorBody{Error: "not_found", Message: "no such route"})
	})

	router.GET("/health", healthCheckHandler(h.DB))
	router.GET("/ready", readinessHandler(h.DB, h.Blobs))

	if h.Files != nil {
		router.GET(local.FilesRoute+"*filepath", files.ServeFileHandler(h.Files))
	}

	apiV1 := router.Group("/api/v1")
	if h.Limiter != nil {
		apiV1.Use(middleware.RateLimitMiddleware(h.Limiter))
	}

	agentsGroup := apiV1.Group("/agents")
	{
		public := agentsGroup.Group("")
		public.Use(middleware.OptionalAuthMiddleware(h.Verifier))
		public.GET("/search", h.Agents.Search)
		public.GET("/latest", h.Agents.Latest)
		public.GET("/trending", h.Agents.Trending)
		public.GET("/:name/versions", h.Agents.ListVersions)
		public.GET("/:name/:version/download", h.Agents.Download)

		publish := []gin.HandlerFunc{
			middleware.AuthMiddleware(h.Verifier),
			middleware.RequireScope(auth.PublishScopes()...),
		}
		if h.PublishLimiter != nil {
			publish = append(publish, middleware.RateLimitMiddleware(h.PublishLimiter))
		}
		publish = append(publish, h.Agents.Publish)
		agentsGroup.POST("/publish", publish...)
	}

	keys := apiV1.Group("/auth/api-keys")
	keys.Use(middleware.AuthMiddleware(h.Verifier))
	{
		keys.POST("", h.APIKeys.Create)
		keys.GET("", h.APIKeys.List)
		keys.PATCH("/:id", h.APIKeys.Update)
		keys.DELETE("/:id", h.APIKeys.Revoke)
	}

	return router
}

// @Summary      Health check
// @Description  Liveness probe. Checks database connectivity.
// @Tags         System
// @Produce      json
// @Success      200  {object}  map[string]interface{}  "status: healthy, version, time"
// @Failure      503  {object}  map[string]interface{}  "status: unhealthy"
// @Router       /health [get]
func healthCheckHandler(db *sql.DB) gin.HandlerFunc {
	return func(c *gin.Context) {
		ctx, cancel := context.WithTimeout(c.Request.Context(), 2*time.Second)
		defer cancel()
		if err := db.PingContext(ctx); err != nil {
			c.JSON(http.StatusServiceUnavailable, gin.H{
				"status":  "unhealthy",
				"version": buildinfo.Version,
				"error":   "database connection failed",
			})
			return
		}

		c.JSON(http.StatusOK, gin.H{
			"status":  "healthy",
			"version": buildinfo.Version,
			"time":    time.Now().UTC().Format(time.RFC3339),
		})
	}
}

// @Summary      Readiness check
// @Description  Readiness probe. Checks the database and the storage backend.
// @Tags         System
// @Produce      json
// @Success      200  {object}  map[string]interface{}  "ready: true, checks"
// @Failure      503  {object}  map[string]interface{}  "ready: false, checks, error"
// @Router       /ready [get]
func readinessHandler(db *sql.DB, blobs storage.Storage) gin.HandlerFunc {
	return func(c *gin.Context) {
		ctx, cancel := context.WithTimeout(c.Request.Context(), 5*time.Second)
		defer cancel()
		checks := gin.H{}

		if err := db.PingContext(ctx); err != nil {
			checks["database"] = "unhealthy"
			c.JSON(http.StatusServiceUnavailable, gin.H{
				"ready":  false,
				"checks": checks,
				"error":  "database not ready",
			})
			return
		}
		checks["database"] = "healthy"

		// A known-absent path exercises credentials and connectivity without creating state.
		if _, err := blobs.Exists(ctx, ".readiness-probe"); err != nil {
			checks["storage"] = "unhealthy"
			c.JSON(http.StatusServiceUnavailable, gin.H{
				"ready":  false,
				"checks": checks,
				"error":  "storage backend not ready",
			})
			return
		}
		checks["storage"] = "healthy"

		c.JSON(http.StatusOK, gin.H{
			"ready":  true,
			"checks": checks,
			"time":   time.Now().UTC().Format(time.RFC3339),
		})
	}
}
