// Package api provides the REST API handlers and server for PanoGuard.
// It includes the scan progress streams, map and location management,
// scan schedules, and real-time lifecycle updates via WebSocket.
package api

import (
	"context"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/mescon/panoguard/internal/auth"
	"github.com/mescon/panoguard/internal/config"
	"github.com/mescon/panoguard/internal/db"
	"github.com/mescon/panoguard/internal/eventbus"
	"github.com/mescon/panoguard/internal/logger"
	"github.com/mescon/panoguard/internal/metrics"
	"github.com/mescon/panoguard/internal/services"
)

type RESTServer struct {
	router        *gin.Engine
	httpServer    *http.Server
	repo          *db.Repository
	eventBus      *eventbus.EventBus
	scanner       *services.ScanService
	importer      *services.ImportService
	scheduler     *services.SchedulerService
	metrics       *metrics.MetricsService
	tokens        *auth.TokenManager
	hub           *WebSocketHub
	scanLimiter   *RateLimiter
	importLimiter *RateLimiter
	logDir        func() string
	startTime     time.Time
}

// ServerDeps contains all dependencies required for the REST server
type ServerDeps struct {
	Repo      *db.Repository
	EventBus  *eventbus.EventBus
	Scanner   *services.ScanService
	Importer  *services.ImportService
	Scheduler *services.SchedulerService
	Metrics   *metrics.MetricsService
	Tokens    *auth.TokenManager

	// Optional; the package-level limiters are used when nil.
	ScanLimiter   *RateLimiter
	ImportLimiter *RateLimiter
}

func NewRESTServer(deps ServerDeps) *RESTServer {
	// Set Gin to release mode for production (suppresses debug warnings)
	gin.SetMode(gin.ReleaseMode)
	r := gin.New()

	// Request ID middleware for correlation/tracing
	r.Use(func(c *gin.Context) {
		reqID := c.GetHeader("X-Request-ID")
		if reqID == "" {
			reqID = uuid.NewString()
		}
		c.Set("request_id", reqID)
		c.Header("X-Request-ID", reqID)
		c.Next()
	})

	// Custom recovery middleware with enhanced logging
	r.Use(gin.CustomRecovery(func(c *gin.Context, recovered interface{}) {
		reqID := c.GetString("request_id")
		logger.Errorf("[PANIC RECOVERY] request_id=%s path=%s method=%s error=%v",
			reqID, c.Request.URL.Path, c.Request.Method, recovered)
		c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{
			"error":      ErrMsgInternalError,
			"request_id": reqID,
		})
	}))

	r.Use(corsMiddleware(config.Get().CORSOrigin))

	s := &RESTServer{
		router:        r,
		repo:          deps.Repo,
		eventBus:      deps.EventBus,
		scanner:       deps.Scanner,
		importer:      deps.Importer,
		scheduler:     deps.Scheduler,
		metrics:       deps.Metrics,
		tokens:        deps.Tokens,
		hub:           NewWebSocketHub(deps.EventBus),
		scanLimiter:   deps.ScanLimiter,
		importLimiter: deps.ImportLimiter,
		logDir:        logger.GetLogDir,
		startTime:     time.Now(),
	}
	if s.scanLimiter == nil {
		s.scanLimiter = ScanLimiter
	}
	if s.importLimiter == nil {
		s.importLimiter = ImportLimiter
	}

	s.setupRoutes()

	return s
}

// corsMiddleware allows the comma-separated origins, or any origin for "*".
// With no origins configured no CORS headers are sent and the browser
// enforces same-origin.
func corsMiddleware(corsOrigins string) gin.HandlerFunc {
	allowedOrigins := make(map[string]bool)
	if corsOrigins != "" {
		for _, origin := range strings.Split(corsOrigins, ",") {
			allowedOrigins[strings.TrimSpace(origin)] = true
		}
	}

	return func(c *gin.Context) {
		origin := c.GetHeader("Origin")

		if corsOrigins == "*" {
			c.Writer.Header().Set("Access-Control-Allow-Origin", "*")
		} else if origin != "" && allowedOrigins[origin] {
			c.Writer.Header().Set("Access-Control-Allow-Origin", origin)
			c.Writer.Header().Set("Vary", "Origin")
		}

		c.Writer.Header().Set("Access-Control-Allow-Credentials", "true")
		c.Writer.Header().Set("Access-Control-Allow-Headers", "Content-Type, Content-Length, Accept-Encoding, Authorization, accept, origin, Cache-Control, X-Requested-With, X-Request-ID")
		c.Writer.Header().Set("Access-Control-Allow-Methods", "POST, OPTIONS, GET, PUT, DELETE")

		if c.Request.Method == http.MethodOptions {
			c.AbortWithStatus(http.StatusNoContent)
			return
		}
		c.Next()
	}
}

// Handler exposes the router, mainly for tests.
func (s *RESTServer) Handler() http.Handler {
	return s.router
}

func (s *RESTServer) setupRoutes() {
	basePath := config.Get().BasePath

	// Prometheus metrics endpoint at root level (standard convention, not behind base path)
	if s.metrics != nil {
		s.router.GET("/metrics", gin.WrapH(s.metrics.Handler()))
	}

	var base *gin.RouterGroup
	if basePath == "/" {
		base = s.router.Group("")
	} else {
		base = s.router.Group(basePath)
	}

	api := base.Group("/api")
	{
		// Health check endpoint (no authentication required)
		api.GET("/health", s.handleHealth)

		// Public map reads
		api.GET("/maps/:id", s.getMap)
		api.GET("/maps/:id/locations", s.getLocations)
		api.GET("/maps/:id/random", s.getRandomLocation)

		protected := api.Group("")
		protected.Use(s.authMiddleware())
		{
			// Scan streams; GET for EventSource clients, POST for fetch clients
			scanStream := s.scanLimiter.Middleware()
			protected.GET("/maps/:id/scans/availability", scanStream, s.streamAvailabilityScan)
			protected.POST("/maps/:id/scans/availability", scanStream, s.streamAvailabilityScan)
			protected.GET("/maps/:id/scans/refresh", scanStream, s.streamRefreshScan)
			protected.POST("/maps/:id/scans/refresh", scanStream, s.streamRefreshScan)
			protected.GET("/scans/active", s.getActiveScans)
			protected.DELETE("/scans/:scan_id", s.cancelScan)

			// Locations
			importLimit := s.importLimiter.Middleware()
			protected.POST("/maps/:id/locations", importLimit, s.addLocations)
			protected.POST("/maps/:id/import-vali", importLimit, s.importVali)
			protected.POST("/maps/:id/locations/restore", s.restoreLocations)
			protected.DELETE("/maps/:id/locations/:locationId", s.deleteLocation)
			protected.POST("/maps/:id/purge", requireRoot(), s.purgeLocations)

			// Schedules
			protected.GET("/maps/:id/schedules", s.getSchedules)
			protected.POST("/maps/:id/schedules", s.addSchedule)
			protected.PUT("/schedules/:id", s.updateSchedule)
			protected.DELETE("/schedules/:id", s.deleteSchedule)

			// Logs (root only)
			logs := protected.Group("/logs", requireRoot())
			logs.GET("/recent", s.handleRecentLogs)
			logs.GET("/download", s.handleDownloadLogs)

			// The hub relays every log line and every map's events
			protected.GET("/ws", requireRoot(), func(c *gin.Context) {
				s.hub.HandleConnection(c)
			})
		}
	}

	s.router.NoRoute(func(c *gin.Context) {
		c.JSON(http.StatusNotFound, gin.H{"error": "API endpoint not found"})
	})
}

func (s *RESTServer) Start(addr string) error {
	s.httpServer = &http.Server{
		Addr:              addr,
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s.httpServer.ListenAndServe()
}

// Shutdown gracefully shuts down the HTTP server and the WebSocket hub.
// Open scan streams end when the scan service is shut down.
func (s *RESTServer) Shutdown(ctx context.Context) error {
	s.hub.Close()
	if s.httpServer == nil {
		return nil
	}
	return s.httpServer.Shutdown(ctx)
}
