package http

import (
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/wenwu/saas-platform/provisioning-service/internal/config"
	"github.com/wenwu/saas-platform/provisioning-service/internal/repository"
	"github.com/wenwu/saas-platform/provisioning-service/internal/service"
)

// RateLimiter is a simple in-memory sliding-window limiter.
type RateLimiter struct {
	mu       sync.Mutex
	requests map[string][]time.Time
	limit    int
	window   time.Duration
}

func NewRateLimiter(limit int, window time.Duration) *RateLimiter {
	return &RateLimiter{
		requests: make(map[string][]time.Time),
		limit:    limit,
		window:   window,
	}
}

// Allow reports whether another request fits in the key's window.
func (rl *RateLimiter) Allow(key string) bool {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	now := time.Now()
	windowStart := now.Add(-rl.window)

	var valid []time.Time
	for _, t := range rl.requests[key] {
		if t.After(windowStart) {
			valid = append(valid, t)
		}
	}

	if len(valid) >= rl.limit {
		rl.requests[key] = valid
		return false
	}

	rl.requests[key] = append(valid, now)
	return true
}

// RateLimitMiddleware keys on user ID, falling back to client IP.
func RateLimitMiddleware(rl *RateLimiter) gin.HandlerFunc {
	return func(c *gin.Context) {
		key := c.GetString("userID")
		if key == "" {
			key = c.ClientIP()
		}

		if !rl.Allow(key) {
			c.JSON(http.StatusTooManyRequests, gin.H{
				"error": "rate limit exceeded, please try again later",
			})
			c.Abort()
			return
		}

		c.Next()
	}
}

type Server struct {
	router  *gin.Engine
	handler *Handler
	cfg     *config.Config
	db      *pgxpool.Pool
}

// User API rate limit: 60 requests per user per minute. Status polling is
// the dominant call pattern, so this is looser than a create limit.
var userRateLimiter = NewRateLimiter(60, time.Minute)

func NewServer(cfg *config.Config, db *pgxpool.Pool, provisionService *service.ProvisionService, logs *repository.LogRepository) *Server {
	gin.SetMode(cfg.Server.Mode)
	router := gin.New()

	// Global middleware
	router.Use(gin.Recovery())
	router.Use(gin.Logger())

	handler := NewHandler(provisionService, logs)

	s := &Server{
		router:  router,
		handler: handler,
		cfg:     cfg,
		db:      db,
	}

	s.setupRoutes()
	return s
}

func (s *Server) setupRoutes() {
	// Health check
	s.router.GET("/health", func(c *gin.Context) {
		c.JSON(200, gin.H{
			"status":  "ok",
			"service": "provisioning-service",
		})
	})

	// Internal API - called by the subscription and portal services
	internal := s.router.Group("/api/internal")
	internal.Use(InternalAuthMiddleware(s.cfg.InternalSecret))
	{
		internal.POST("/provisions", s.handler.CreateProvision)
		internal.GET("/provisions/:id", s.handler.GetProvision)
		internal.GET("/provisions/:id/logs", s.handler.GetProvisionLogs)
		internal.POST("/provisions/:id/restart", s.handler.RestartProvision)
		internal.POST("/provisions/:id/release", s.handler.ReleaseProvision)
		internal.GET("/users/:user_id/provisions", s.handler.GetUserProvisions)
	}

	// User API - requires JWT authentication
	user := s.router.Group("/api/v1")
	user.Use(JWTAuthMiddleware(s.cfg.JWT.SecretKey))
	user.Use(RateLimitMiddleware(userRateLimiter))
	{
		user.GET("/my/provisions", s.handler.GetMyProvisions)
		user.GET("/my/provisions/:id", s.handler.GetMyProvision)
	}

	// Internal Admin API (operations: market balances, reservation sweeps)
	internalAdmin := s.router.Group("/api/internal/admin")
	internalAdmin.Use(InternalAuthMiddleware(s.cfg.InternalSecret))
	{
		internalAdmin.GET("/providers/balances", s.handler.GetProviderBalances)
		internalAdmin.POST("/reservations/reclaim", s.handler.ReclaimOrphans)
	}
}

func (s *Server) Run(addr string) error {
	return s.router.Run(addr)
}

// Engine exposes the router for an http.Server wrapper.
func (s *Server) Engine() *gin.Engine {
	return s.router
}
