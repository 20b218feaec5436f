// Package api exposes the triage engine over HTTP: waiting-list queries,
// referral transitions, sub-referrals, tags and suggestion requests.
package api

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"

	"github.com/rtt-pathway-engine/internal/domain"
	"github.com/rtt-pathway-engine/internal/service"
)

// Server represents the HTTP server.
type Server struct {
	cfg         *domain.Config
	log         *logrus.Logger
	router      *gin.Engine
	server      *http.Server
	triage      *service.TriageService
	store       domain.ReferralStore
	events      domain.EventRecorder
	suggestions *service.SuggestionService

	// waiting guards the shared query engine; reorder and query race
	// otherwise.
	mu      sync.Mutex
	waiting *service.WaitingListEngine
}

// NewServer creates a new HTTP server instance.
func NewServer(
	cfg *domain.Config,
	logger *logrus.Logger,
	triage *service.TriageService,
	store domain.ReferralStore,
	events domain.EventRecorder,
	suggestions *service.SuggestionService,
) *Server {
	if cfg.Logging.Level == "debug" {
		gin.SetMode(gin.DebugMode)
	} else {
		gin.SetMode(gin.ReleaseMode)
	}

	router := gin.New()
	router.Use(gin.Logger())
	router.Use(gin.Recovery())
	router.Use(corsMiddleware())
	router.Use(requestIDMiddleware())

	server := &Server{
		cfg:         cfg,
		log:         logger,
		router:      router,
		triage:      triage,
		store:       store,
		events:      events,
		suggestions: suggestions,
		waiting:     service.NewWaitingListEngine(logger),
	}

	server.setupRoutes()

	return server
}

// Router exposes the gin engine, used by the HTTP handler tests.
func (s *Server) Router() *gin.Engine {
	return s.router
}

// Start starts the HTTP server and blocks until the context is cancelled.
func (s *Server) Start(ctx context.Context) error {
	cfg := s.cfg.Server
	addr := fmt.Sprintf("%s:%d", cfg.Host, cfg.Port)

	s.server = &http.Server{
		Addr:         addr,
		Handler:      s.router,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
		IdleTimeout:  cfg.IdleTimeout,
	}

	errCh := make(chan error, 1)
	go func() {
		if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	s.log.WithField("addr", addr).Info("HTTP server started")

	select {
	case err := <-errCh:
		return fmt.Errorf("starting server: %w", err)
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	return s.server.Shutdown(shutdownCtx)
}

// setupRoutes configures the API routes.
func (s *Server) setupRoutes() {
	s.router.GET("/health", s.handleHealth)

	v1 := s.router.Group("/api/v1")
	{
		v1.GET("/waiting-list", s.handleWaitingList)
		v1.POST("/waiting-list/reorder", s.handleReorder)

		v1.POST("/referrals", s.handleCreateReferral)
		v1.GET("/referrals/:id", s.handleGetReferral)
		v1.GET("/referrals/:id/events", s.handleReferralEvents)

		v1.POST("/referrals/:id/accept", s.handleAccept)
		v1.POST("/referrals/:id/reject", s.handleReject)
		v1.POST("/referrals/:id/triage-status", s.handleSetTriageStatus)
		v1.POST("/referrals/:id/discharge", s.handleDischarge)
		v1.POST("/referrals/:id/refer-on", s.handleReferOn)
		v1.POST("/referrals/:id/sub-referrals", s.handleCreateSubReferral)
		v1.PUT("/referrals/:id/tags", s.handleSaveTags)

		v1.POST("/referrals/:id/pause", s.handlePause)
		v1.POST("/referrals/:id/resume", s.handleResume)
		v1.POST("/referrals/:id/discontinue", s.handleDiscontinue)

		v1.POST("/referrals/:id/suggestions", s.handleSuggestions)
		v1.POST("/suggestions/batch", s.handleBatchSuggestions)
	}
}

// handleHealth handles health check requests.
func (s *Server) handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":    "healthy",
		"timestamp": time.Now().UTC(),
		"version":   "1.0.0",
	})
}

// corsMiddleware adds CORS headers to responses.
func corsMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Header("Access-Control-Allow-Origin", "*")
		c.Header("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS")
		c.Header("Access-Control-Allow-Headers", "Origin, Content-Type, Content-Length, Accept-Encoding, Authorization, X-API-Key")
		c.Header("Access-Control-Expose-Headers", "Content-Length")

		if c.Request.Method == "OPTIONS" {
			c.AbortWithStatus(http.StatusNoContent)
			return
		}

		c.Next()
	}
}

// requestIDMiddleware adds a unique request ID to each request.
func requestIDMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		requestID := c.GetHeader("X-Request-ID")
		if requestID == "" {
			requestID = fmt.Sprintf("%d", time.Now().UnixNano())
		}
		c.Header("X-Request-ID", requestID)
		c.Set("request_id", requestID)
		c.Next()
	}
}
