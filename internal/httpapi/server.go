// Package httpapi exposes the daemon over HTTP: session lifecycle, the
// live status surface, the mode toggle, episodic memory reads, and the
// per-session SSE event stream bridged from NATS.
package httpapi

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/nats-io/nats.go"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/fyrsmithlabs/upgraded/internal/bridge"
	"github.com/fyrsmithlabs/upgraded/internal/episodic"
	"github.com/fyrsmithlabs/upgraded/internal/mode"
	"github.com/fyrsmithlabs/upgraded/internal/orchestrator"
	"github.com/fyrsmithlabs/upgraded/pkg/events"
)

// Config configures the HTTP server.
type Config struct {
	// Addr is the listen address.
	Addr string

	// ShutdownTimeout bounds graceful shutdown once the serve context is
	// cancelled.
	ShutdownTimeout time.Duration

	// SSEHeartbeat is the comment-line interval that keeps proxies from
	// reaping idle event streams.
	SSEHeartbeat time.Duration

	// RateLimit and RateBurst bound the mutating routes (session start,
	// toggle) per client IP.
	RateLimit rate.Limit
	RateBurst int
}

// DefaultConfig returns the server defaults.
func DefaultConfig() Config {
	return Config{
		Addr:            ":8777",
		ShutdownTimeout: 10 * time.Second,
		SSEHeartbeat:    30 * time.Second,
		RateLimit:       rate.Limit(5),
		RateBurst:       10,
	}
}

// SessionService is the slice of the orchestrator the API consumes.
type SessionService interface {
	Start(ctx context.Context, req orchestrator.StartRequest) (*orchestrator.Session, error)
	Get(ctx context.Context, id string) (*orchestrator.Session, error)
	List(ctx context.Context) []*orchestrator.Session
	Abort(ctx context.Context, id string) error
}

// StatusBridge is the read/toggle surface of the event bridge.
type StatusBridge interface {
	Status() events.Status
	ToggleState() events.ToggleState
	SetModePreference(id mode.ID) (events.ToggleState, error)
	CycleModePreference() events.ToggleState
	Tail(sessionID string) []bridge.StoredEvent
}

// MemoryReader exposes episodic records to the API.
type MemoryReader interface {
	List(ctx context.Context) ([]episodic.Record, error)
	Snapshot(ctx context.Context, target string) (episodic.Record, error)
	Reset(ctx context.Context, target string) error
}

// Deps carries the server's collaborators.
type Deps struct {
	Sessions SessionService
	Bridge   StatusBridge
	Memory   MemoryReader
	NATS     *nats.Conn
}

func (d Deps) validate() error {
	if d.Sessions == nil {
		return fmt.Errorf("session service is required")
	}
	if d.Bridge == nil {
		return fmt.Errorf("status bridge is required")
	}
	if d.Memory == nil {
		return fmt.Errorf("episodic memory is required")
	}
	if d.NATS == nil {
		return fmt.Errorf("NATS connection is required")
	}
	return nil
}

// Server is the daemon's HTTP surface.
type Server struct {
	cfg      Config
	sessions SessionService
	bridge   StatusBridge
	memory   MemoryReader
	nc       *nats.Conn
	logger   *zap.Logger
	echo     *echo.Echo
}

// New creates the HTTP server and registers all routes.
func New(cfg Config, deps Deps, logger *zap.Logger) (*Server, error) {
	if err := deps.validate(); err != nil {
		return nil, fmt.Errorf("httpapi: %w", err)
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	def := DefaultConfig()
	if cfg.Addr == "" {
		cfg.Addr = def.Addr
	}
	if cfg.ShutdownTimeout <= 0 {
		cfg.ShutdownTimeout = def.ShutdownTimeout
	}
	if cfg.SSEHeartbeat <= 0 {
		cfg.SSEHeartbeat = def.SSEHeartbeat
	}
	if cfg.RateLimit <= 0 {
		cfg.RateLimit = def.RateLimit
	}
	if cfg.RateBurst <= 0 {
		cfg.RateBurst = def.RateBurst
	}

	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.Use(middleware.Recover())
	e.Use(middleware.RequestID())
	e.Use(func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			start := time.Now()
			err := next(c)
			logger.Debug("http request",
				zap.String("method", c.Request().Method),
				zap.String("uri", c.Request().RequestURI),
				zap.Int("status", c.Response().Status),
				zap.Duration("duration", time.Since(start)),
				zap.String("request_id", c.Response().Header().Get(echo.HeaderXRequestID)),
			)
			return err
		}
	})

	s := &Server{
		cfg:      cfg,
		sessions: deps.Sessions,
		bridge:   deps.Bridge,
		memory:   deps.Memory,
		nc:       deps.NATS,
		logger:   logger,
		echo:     e,
	}
	s.registerRoutes()
	return s, nil
}

func (s *Server) registerRoutes() {
	s.echo.GET("/health", s.handleHealth)
	s.echo.GET("/metrics", echo.WrapHandler(promhttp.Handler()))

	// Mutating routes share one per-IP limiter.
	limiter := middleware.RateLimiter(middleware.NewRateLimiterMemoryStoreWithConfig(
		middleware.RateLimiterMemoryStoreConfig{
			Rate:      s.cfg.RateLimit,
			Burst:     s.cfg.RateBurst,
			ExpiresIn: 3 * time.Minute,
		},
	))

	v1 := s.echo.Group("/v1")
	v1.POST("/sessions", s.handleStartSession, limiter)
	v1.GET("/sessions", s.handleListSessions)
	v1.GET("/sessions/:id", s.handleGetSession)
	v1.POST("/sessions/:id/abort", s.handleAbortSession)
	v1.GET("/sessions/:id/events", s.handleSessionEvents)
	v1.GET("/status", s.handleStatus)
	v1.GET("/toggle", s.handleToggleState)
	v1.POST("/toggle", s.handleToggle, limiter)
	v1.GET("/episodic", s.handleListEpisodic)
	v1.GET("/episodic/:target", s.handleGetEpisodic)
	v1.POST("/episodic/:target/reset", s.handleResetEpisodic)
}

// Start serves until ctx is cancelled, then shuts down gracefully.
// Returns http.ErrServerClosed after a clean shutdown.
func (s *Server) Start(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() {
		if err := s.echo.Start(s.cfg.Addr); err != nil && err != http.ErrServerClosed {
			errCh <- fmt.Errorf("httpapi start: %w", err)
		}
	}()

	s.logger.Info("http api listening", zap.String("addr", s.cfg.Addr))

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), s.cfg.ShutdownTimeout)
		defer cancel()
		if err := s.echo.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("httpapi shutdown: %w", err)
		}
		return http.ErrServerClosed
	}
}

// Echo returns the router, mainly for tests.
func (s *Server) Echo() *echo.Echo {
	return s.echo
}

func (s *Server) handleHealth(c echo.Context) error {
	return c.JSON(http.StatusOK, map[string]string{
		"status":  "ok",
		"service": "upgraded",
	})
}
