package relay

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/labstack/echo-contrib/pprof"
	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"

	"github.com/nfrund/remora/internal/topics"
)

// Config selects the relay's listen address, optional fixture feed
// directory, and tracing pipeline.
type Config struct {
	Addr    string
	FeedDir string
	Tracing TracingConfig
}

// Server bundles the HTTP surface, the hub, and the bus into one relay
// process.
type Server struct {
	cfg    Config
	logger *slog.Logger

	e    *echo.Echo
	bus  *Bus
	hub  *Hub
	feed *FeedWatcher

	cleanupTracing func()
	stopHub        context.CancelFunc
}

// Option configures optional server collaborators.
type Option func(*Server)

// WithLogger routes the relay's logging through the given logger.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Server) { s.logger = logger }
}

// New assembles the relay: tracing, bus, hub, feed watcher, and the
// Echo routes. Nothing runs until Start.
func New(cfg Config, opts ...Option) (*Server, error) {
	s := &Server{cfg: cfg}
	for _, opt := range opts {
		opt(s)
	}
	if s.logger == nil {
		s.logger = slog.Default()
	}

	tracer, cleanup, err := SetupTracing(context.Background(), cfg.Tracing)
	if err != nil {
		return nil, fmt.Errorf("relay tracing: %w", err)
	}
	s.cleanupTracing = cleanup

	s.bus = NewBus(tracer)
	s.hub = NewHub(s.bus, s.logger)
	if cfg.FeedDir != "" {
		s.feed = NewFeedWatcher(cfg.FeedDir, s.bus, s.logger)
	}

	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.Use(middleware.Logger())
	e.Use(middleware.Recover())
	e.Validator = &requestValidator{validator: validator.New()}

	e.GET("/ws", s.handleWS)
	e.POST("/publish", s.handlePublish)
	e.GET("/healthz", s.handleHealthz)
	e.GET("/topics", s.handleTopics)
	pprof.Register(e)

	s.e = e
	return s, nil
}

// Echo exposes the router so tests can mount it on an httptest server.
func (s *Server) Echo() *echo.Echo { return s.e }

// Start brings the hub and the feed watcher up. The HTTP listener is
// separate: ListenAndServe binds it, or the caller mounts Echo() on a
// listener of its own.
func (s *Server) Start(ctx context.Context) error {
	runCtx, cancel := context.WithCancel(ctx)
	s.stopHub = cancel
	go s.hub.Run(runCtx)

	if s.feed != nil {
		if err := s.feed.Start(runCtx); err != nil {
			cancel()
			return fmt.Errorf("feed watcher: %w", err)
		}
	}
	s.logger.Info("Relay started", "addr", s.cfg.Addr, "feed_dir", s.cfg.FeedDir)
	return nil
}

// Shutdown stops the HTTP listener, the feed watcher, the hub, and the
// bus, in that order, then flushes tracing.
func (s *Server) Shutdown(ctx context.Context) error {
	var errs []error

	if err := s.e.Shutdown(ctx); err != nil && !errors.Is(err, http.ErrServerClosed) {
		errs = append(errs, err)
	}
	if s.feed != nil {
		if err := s.feed.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	if s.stopHub != nil {
		s.stopHub()
		select {
		case <-s.hub.done:
		case <-ctx.Done():
			errs = append(errs, ctx.Err())
		}
	}
	if err := s.bus.Close(); err != nil {
		errs = append(errs, err)
	}
	s.cleanupTracing()
	s.logger.Info("Relay stopped")
	return errors.Join(errs...)
}

// ListenAndServe runs the relay until ctx is cancelled or an interrupt
// arrives, then shuts down with a grace period.
func (s *Server) ListenAndServe(ctx context.Context) error {
	if err := s.Start(ctx); err != nil {
		return err
	}

	go func() {
		if err := s.e.Start(s.cfg.Addr); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("Relay listener failed", "error", err)
		}
	}()
	s.logger.Info("Relay listening", "addr", s.cfg.Addr)

	// Wait for interrupt signal to gracefully shut down the server with a timeout.
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(quit)
	select {
	case <-quit:
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return s.Shutdown(shutdownCtx)
}

// publishRequest is the JSON body of POST /publish.
type publishRequest struct {
	Topic   string          `json:"topic" validate:"required"`
	Payload json.RawMessage `json:"payload"`
}

// handlePublish pushes one event onto the bus, exactly as if a backend
// component had produced it.
func (s *Server) handlePublish(c echo.Context) error {
	var req publishRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid publish body")
	}
	if err := c.Validate(&req); err != nil {
		return err
	}

	if err := s.bus.Publish(c.Request().Context(), topics.Topic(req.Topic), req.Payload); err != nil {
		s.logger.Error("Publish failed", "topic", req.Topic, "error", err)
		return echo.NewHTTPError(http.StatusInternalServerError, "publish failed")
	}
	return c.JSON(http.StatusAccepted, echo.Map{"status": "accepted", "topic": req.Topic})
}

func (s *Server) handleHealthz(c echo.Context) error {
	return c.JSON(http.StatusOK, echo.Map{"status": "ok"})
}

// handleTopics reports how many clients want each topic right now.
func (s *Server) handleTopics(c echo.Context) error {
	counts, err := s.hub.TopicCounts(c.Request().Context())
	if err != nil {
		return echo.NewHTTPError(http.StatusServiceUnavailable, err.Error())
	}
	return c.JSON(http.StatusOK, counts)
}

// requestValidator adapts the validator library to echo's Validator
// interface so handlers can call c.Validate.
type requestValidator struct {
	validator *validator.Validate
}

func (v *requestValidator) Validate(i any) error {
	if err := v.validator.Struct(i); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	return nil
}
