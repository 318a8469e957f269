package api

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"

	"github.com/lockstep-project/lockstep/internal/config"
	"github.com/lockstep-project/lockstep/internal/db"
	"github.com/lockstep-project/lockstep/internal/events"
	"github.com/lockstep-project/lockstep/internal/network"
)

// Version is reported by /api/ping.
var Version = "dev"

// HistoryReader is the read side of the session history store.
type HistoryReader interface {
	History(limit int) ([]db.SessionRecord, error)
	Rejections(limit int) ([]db.Rejection, error)
}

// Deps are the components the API exposes. Everything but Registry may be
// nil.
type Deps struct {
	Registry *network.Registry
	Router   *network.Router
	History  HistoryReader
	Bus      *events.EventBus
	// DataPath selects the filesystem reported by /api/system.
	DataPath string
}

// Server is the admin REST API.
type Server struct {
	cfg    config.APIConfig
	deps   Deps
	logger zerolog.Logger

	router     *gin.Engine
	httpServer *http.Server
	listener   net.Listener
}

// NewServer creates the API server and its routes.
func NewServer(cfg config.APIConfig, deps Deps, logger zerolog.Logger) *Server {
	logger = logger.With().Str("component", "api").Logger()
	if logger.GetLevel() <= zerolog.DebugLevel {
		gin.SetMode(gin.DebugMode)
	} else {
		gin.SetMode(gin.ReleaseMode)
	}

	s := &Server{cfg: cfg, deps: deps, logger: logger}
	s.router = s.buildRouter()
	return s
}

// Handler returns the HTTP handler serving every route.
func (s *Server) Handler() http.Handler { return s.router }

// Addr returns the bound address once Start has bound it.
func (s *Server) Addr() net.Addr {
	if s.listener == nil {
		return nil
	}
	return s.listener.Addr()
}

// Start binds the configured address and serves until ctx is cancelled.
// It blocks.
func (s *Server) Start(ctx context.Context) error {
	lc := network.ReuseAddrListenConfig()
	ln, err := lc.Listen(ctx, "tcp", s.cfg.Addr)
	if err != nil {
		return fmt.Errorf("API server error: %w", err)
	}
	s.listener = ln

	s.httpServer = &http.Server{
		Handler:      s.router,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  120 * time.Second,
	}

	s.logger.Info().Str("addr", ln.Addr().String()).Msg("REST API server starting")

	go func() {
		<-ctx.Done()
		s.Stop()
	}()

	if err := s.httpServer.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("API server error: %w", err)
	}
	return nil
}

// Stop gracefully stops the API server.
func (s *Server) Stop() error {
	if s.httpServer == nil {
		return nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return s.httpServer.Shutdown(ctx)
}

func (s *Server) buildRouter() *gin.Engine {
	router := gin.New()

	router.Use(gin.Recovery())
	router.Use(RequestLogger(s.logger))
	router.Use(SecurityHeaders())

	allowedOrigins := s.cfg.AllowedOrigins
	if len(allowedOrigins) == 0 {
		allowedOrigins = []string{"*"}
	}
	router.Use(cors.New(cors.Config{
		AllowOrigins:     allowedOrigins,
		AllowMethods:     []string{"GET", "POST", "DELETE", "OPTIONS"},
		AllowHeaders:     []string{"Origin", "Content-Type", "Authorization"},
		ExposeHeaders:    []string{"Content-Length"},
		AllowCredentials: false,
		MaxAge:           12 * time.Hour,
	}))

	router.Use(NewRateLimiter(s.cfg.RateLimitRPS).Middleware())

	api := router.Group("/api")
	api.GET("/ping", s.handlePing)

	protected := api.Group("")
	protected.Use(RequireToken(s.cfg.Token))
	{
		protected.GET("/sessions", s.handleListSessions)
		protected.GET("/sessions/:id", s.handleGetSession)
		protected.POST("/sessions/:id/mode", s.handleSetMode)
		protected.DELETE("/sessions/:id", s.handleCloseSession)
		protected.POST("/broadcast", s.handleBroadcast)

		protected.GET("/history", s.handleHistory)
		protected.GET("/rejections", s.handleRejections)

		protected.GET("/system", s.handleSystem)
		protected.GET("/frames", s.handleFrameCounts)
	}

	router.NoRoute(func(c *gin.Context) {
		if strings.HasPrefix(c.Request.URL.Path, "/api/") {
			c.JSON(http.StatusNotFound, gin.H{"error": "endpoint not found"})
			return
		}
		c.JSON(http.StatusOK, gin.H{"message": "lockstepd admin API is running"})
	})

	return router
}
