package api

import (
	"context"
	"crypto/tls"
	"fmt"
	"io/fs"
	"net/http"
	"strings"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"

	"github.com/framecast-project/framecast/dashboard"
	"github.com/framecast-project/framecast/internal/config"
	"github.com/framecast-project/framecast/internal/db"
	"github.com/framecast-project/framecast/internal/events"
	intnet "github.com/framecast-project/framecast/internal/network"
	"github.com/framecast-project/framecast/internal/server"
	"github.com/framecast-project/framecast/internal/stats"
	"github.com/framecast-project/framecast/internal/util"
)

// Controller is the part of the frame server the API reads and drives.
type Controller interface {
	Status() server.Status
	Clients() []server.ClientInfo
	Stats() *stats.Aggregator
	Kick(slot int) error
	BumpEpoch() uint8
}

// SessionLister reads the session history.
type SessionLister interface {
	Recent(ctx context.Context, limit int) ([]db.Session, error)
	Windows(ctx context.Context, limit int) ([]db.Window, error)
}

// Server is the monitoring and control API.
type Server struct {
	cfg      *config.Config
	eventBus *events.EventBus
	ctrl     Controller
	logger   zerolog.Logger

	// Optional dependencies
	sessions SessionLister
	metrics  http.Handler
	stream   *StatsStream

	httpServer *http.Server
	router     *gin.Engine
}

// NewServer creates the API server.
func NewServer(cfg *config.Config, eventBus *events.EventBus, ctrl Controller) *Server {
	if cfg.GetApplicationData().Logging.Level == "debug" {
		gin.SetMode(gin.DebugMode)
	} else {
		gin.SetMode(gin.ReleaseMode)
	}

	s := &Server{
		cfg:      cfg,
		eventBus: eventBus,
		ctrl:     ctrl,
		logger:   util.ComponentLogger("api"),
		stream:   NewStatsStream(),
	}
	if eventBus != nil {
		s.stream.Subscribe(eventBus)
	}
	return s
}

// SetDependencies injects the optional session store and metrics handler.
// Either may be nil.
func (s *Server) SetDependencies(sessions SessionLister, metrics http.Handler) {
	s.sessions = sessions
	s.metrics = metrics
}

// Handler returns the router, building it on first use.
func (s *Server) Handler() http.Handler {
	if s.router == nil {
		s.router = s.buildRouter()
	}
	return s.router
}

// Start serves until ctx is cancelled.
func (s *Server) Start(ctx context.Context) error {
	api := s.cfg.GetApplicationData().API
	addr := fmt.Sprintf(":%d", api.Port)
	s.httpServer = &http.Server{
		Addr:         addr,
		Handler:      s.Handler(),
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  120 * time.Second,
	}

	if api.TLS {
		hosts := []string{"localhost", "127.0.0.1"}
		if ip, err := util.GetLocalIP(); err == nil {
			hosts = append(hosts, ip)
		}
		if err := util.EnsureSelfSignedCert(api.CertFile, api.KeyFile, hosts); err != nil {
			return fmt.Errorf("failed to prepare API certificate: %w", err)
		}
		cert, err := tls.LoadX509KeyPair(api.CertFile, api.KeyFile)
		if err != nil {
			return fmt.Errorf("failed to load API certificate: %w", err)
		}
		s.httpServer.TLSConfig = &tls.Config{
			MinVersion:   tls.VersionTLS12,
			Certificates: []tls.Certificate{cert},
		}
	}

	lc := intnet.ListenConfig(0)
	ln, err := lc.Listen(ctx, "tcp", addr)
	if err != nil {
		return fmt.Errorf("API server error: %w", err)
	}

	s.logger.Info().Str("addr", addr).Bool("tls", api.TLS).Msg("REST API server starting")

	go func() {
		<-ctx.Done()
		s.stream.Close()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		s.httpServer.Shutdown(shutdownCtx)
	}()

	if api.TLS {
		err = s.httpServer.Serve(tls.NewListener(ln, s.httpServer.TLSConfig))
	} else {
		err = s.httpServer.Serve(ln)
	}
	if err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("API server error: %w", err)
	}
	return nil
}

// buildRouter creates the Gin router with all routes and middleware.
func (s *Server) buildRouter() *gin.Engine {
	api := s.cfg.GetApplicationData().API
	router := gin.New()

	router.Use(gin.Recovery())
	router.Use(RequestLogger(s.logger))
	router.Use(SecurityHeaders())

	allowedOrigins := api.AllowedOrigins
	if len(allowedOrigins) == 0 {
		allowedOrigins = []string{"*"}
	}
	router.Use(cors.New(cors.Config{
		AllowOrigins:     allowedOrigins,
		AllowMethods:     []string{"GET", "POST", "OPTIONS"},
		AllowHeaders:     []string{"Origin", "Content-Type", "Authorization"},
		ExposeHeaders:    []string{"Content-Length"},
		AllowCredentials: false,
		MaxAge:           12 * time.Hour,
	}))

	router.Use(NewRateLimiter(api.RateLimitRPS).Middleware())

	router.GET("/health", s.handleHealth)
	router.GET("/version", s.handleVersion)
	if s.metrics != nil {
		router.GET("/metrics", gin.WrapH(s.metrics))
	}
	router.GET("/ws/stats", s.handleStatsStream)

	monitor := router.Group("/api")
	{
		monitor.GET("/status", s.handleStatus)
		monitor.GET("/connections", s.handleConnections)
		monitor.GET("/stats", s.handleStats)
		monitor.GET("/sessions", s.handleSessions)
		monitor.GET("/stats/history", s.handleStatsHistory)
		monitor.GET("/logs", s.handleLogEntries)
		monitor.GET("/config", s.handleGetConfig)
	}

	control := router.Group("/api")
	control.Use(RequireToken(api.AuthToken))
	{
		control.POST("/connections/:slot/kick", s.handleKick)
		control.POST("/scene/epoch", s.handleRescene)
		control.POST("/config/application_data", s.handleSetAppData)
	}

	s.mountDashboard(router)

	return router
}

// mountDashboard serves the embedded status page at / and for every path
// outside /api/.
func (s *Server) mountDashboard(router *gin.Engine) {
	index, err := fs.ReadFile(dashboard.DistFS, "dist/index.html")
	if err != nil {
		s.logger.Warn().Err(err).Msg("dashboard page not embedded, UI will not be available")
	}

	serveIndex := func(c *gin.Context) {
		if index == nil {
			c.JSON(http.StatusOK, gin.H{"message": "Framecast API is running"})
			return
		}
		c.Data(http.StatusOK, "text/html; charset=utf-8", index)
	}

	router.GET("/", serveIndex)
	router.NoRoute(func(c *gin.Context) {
		if strings.HasPrefix(c.Request.URL.Path, "/api/") {
			c.JSON(http.StatusNotFound, gin.H{"error": "endpoint not found"})
			return
		}
		serveIndex(c)
	})
}

// Stop gracefully stops the API server.
func (s *Server) Stop() error {
	s.stream.Close()
	if s.httpServer != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return s.httpServer.Shutdown(ctx)
	}
	return nil
}
