// Package http serves the protocol engine over a JSON HTTP API.
package http

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel/metric"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/protocold/internal/branch"
	"github.com/fyrsmithlabs/protocold/internal/directive"
	"github.com/fyrsmithlabs/protocold/internal/engine"
	"github.com/fyrsmithlabs/protocold/internal/graph"
	"github.com/fyrsmithlabs/protocold/internal/protocol"
	"github.com/fyrsmithlabs/protocold/internal/telemetry"
)

// Protocols is the engine surface served by the API. *engine.Engine
// implements it.
type Protocols interface {
	Start(ctx context.Context, kind, sessionID string, initial json.RawMessage) (*engine.Result, error)
	Resume(ctx context.Context, kind, sessionID string) (*engine.Result, error)
	State(ctx context.Context, kind, sessionID string) (*protocol.State, error)
	List(ctx context.Context, kind string) ([]protocol.Key, error)
	Advance(ctx context.Context, kind, sessionID string, req engine.AdvanceRequest) (*engine.Result, error)
	Halt(ctx context.Context, kind, sessionID, reason string) (*engine.Result, error)
	Answer(ctx context.Context, kind, sessionID string, answer json.RawMessage) (*engine.Result, error)
	Abandon(ctx context.Context, kind, sessionID, reason string) (*engine.Result, error)
	ReportBranch(ctx context.Context, kind, sessionID, branchID string, r branch.Report) (*engine.Result, error)
	Catalog() *graph.Catalog
}

// Server provides HTTP endpoints for protocold.
type Server struct {
	echo      *echo.Echo
	protocols Protocols
	logger    *zap.Logger
	config    *Config
	telemetry *telemetry.Telemetry
	meter     metric.Meter
}

// Config holds HTTP server configuration.
type Config struct {
	Host string
	Port int
	// RateLimit is the sustained requests per second allowed per client
	// IP. Zero disables limiting.
	RateLimit float64
	RateBurst int
	// BodyLimit caps request bodies, e.g. "1M".
	BodyLimit string
}

// Option configures a Server.
type Option func(*Server)

// WithTelemetry reports tel in /health and takes the request meter from it.
func WithTelemetry(tel *telemetry.Telemetry) Option {
	return func(s *Server) {
		s.telemetry = tel
		if s.meter == nil && tel != nil {
			s.meter = tel.Meter(httpInstrumentationName)
		}
	}
}

// WithMeter sets the meter for the OpenTelemetry request metrics.
func WithMeter(m metric.Meter) Option {
	return func(s *Server) { s.meter = m }
}

// NewServer creates a new HTTP server.
func NewServer(protocols Protocols, logger *zap.Logger, cfg *Config, opts ...Option) (*Server, error) {
	if protocols == nil {
		return nil, fmt.Errorf("protocols cannot be nil")
	}
	if logger == nil {
		return nil, fmt.Errorf("logger is required for request tracking and debugging")
	}
	if cfg == nil {
		cfg = &Config{
			Host: "127.0.0.1",
			Port: 9191,
		}
	}
	if cfg.BodyLimit == "" {
		cfg.BodyLimit = "1M"
	}

	s := &Server{
		protocols: protocols,
		logger:    logger.Named("http"),
		config:    cfg,
	}
	for _, opt := range opts {
		opt(s)
	}

	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.HTTPErrorHandler = s.errorHandler

	e.Use(middleware.Recover())
	e.Use(middleware.RequestID())
	e.Use(s.requestLogger())
	e.Use(NewHTTPMetrics(s.meter, s.logger).MetricsMiddleware())
	if cfg.RateLimit > 0 {
		burst := cfg.RateBurst
		if burst <= 0 {
			burst = int(cfg.RateLimit)
		}
		e.Use(newRateLimiter(cfg.RateLimit, max(burst, 1)).middleware())
	}
	e.Use(middleware.BodyLimit(cfg.BodyLimit))
	s.echo = e

	s.registerRoutes()
	return s, nil
}

func (s *Server) registerRoutes() {
	s.echo.GET("/health", s.handleHealth)
	s.echo.GET("/metrics", echo.WrapHandler(promhttp.Handler()))

	v1 := s.echo.Group("/v1/protocols")
	v1.GET("", s.handleList)
	v1.POST("/:kind/:session", s.handleStart)
	v1.GET("/:kind/:session", s.handleState)
	v1.DELETE("/:kind/:session", s.handleAbandon)
	v1.GET("/:kind/:session/directive", s.handleDirective)
	v1.POST("/:kind/:session/advance", s.handleAdvance)
	v1.POST("/:kind/:session/halt", s.handleHalt)
	v1.POST("/:kind/:session/answer", s.handleAnswer)
	v1.POST("/:kind/:session/branches/:branch", s.handleBranch)
}

// Handler returns the root handler, for tests and embedding.
func (s *Server) Handler() http.Handler {
	return s.echo
}

func (s *Server) handleHealth(c echo.Context) error {
	resp := HealthResponse{Status: "ok"}
	if cat := s.protocols.Catalog(); cat != nil {
		resp.Kinds = cat.Kinds()
	}
	if s.telemetry != nil {
		h := s.telemetry.Health()
		resp.Telemetry = &h
		if h.Degraded {
			resp.Status = "degraded"
		}
	}
	return c.JSON(http.StatusOK, resp)
}

func (s *Server) handleList(c echo.Context) error {
	keys, err := s.protocols.List(c.Request().Context(), c.QueryParam("kind"))
	if err != nil {
		return err
	}
	if keys == nil {
		keys = []protocol.Key{}
	}
	return c.JSON(http.StatusOK, ListResponse{Instances: keys})
}

func (s *Server) handleStart(c echo.Context) error {
	var req StartRequest
	if err := bindOptional(c, &req); err != nil {
		return err
	}
	res, err := s.protocols.Start(c.Request().Context(), c.Param("kind"), c.Param("session"), req.Context)
	return s.respond(c, http.StatusCreated, res, err)
}

func (s *Server) handleState(c echo.Context) error {
	st, err := s.protocols.State(c.Request().Context(), c.Param("kind"), c.Param("session"))
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, st)
}

func (s *Server) handleDirective(c echo.Context) error {
	res, err := s.protocols.Resume(c.Request().Context(), c.Param("kind"), c.Param("session"))
	if err != nil {
		return err
	}
	switch c.QueryParam("format") {
	case "", "json":
		return c.JSON(http.StatusOK, res.Directive)
	case "markdown":
		r := directive.MarkdownRenderer{}
		data, err := r.Render(res.Directive)
		if err != nil {
			return err
		}
		return c.Blob(http.StatusOK, r.ContentType(), data)
	default:
		return echo.NewHTTPError(http.StatusBadRequest, "format must be json or markdown")
	}
}

func (s *Server) handleAdvance(c echo.Context) error {
	var req AdvanceRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	if req.Phase == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "phase field is required")
	}
	res, err := s.protocols.Advance(c.Request().Context(), c.Param("kind"), c.Param("session"),
		engine.AdvanceRequest{Phase: req.Phase, Output: req.Output})
	return s.respond(c, http.StatusOK, res, err)
}

func (s *Server) handleHalt(c echo.Context) error {
	var req HaltRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	res, err := s.protocols.Halt(c.Request().Context(), c.Param("kind"), c.Param("session"), req.Reason)
	return s.respond(c, http.StatusOK, res, err)
}

func (s *Server) handleAnswer(c echo.Context) error {
	var req AnswerRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	res, err := s.protocols.Answer(c.Request().Context(), c.Param("kind"), c.Param("session"), req.Answer)
	return s.respond(c, http.StatusOK, res, err)
}

func (s *Server) handleAbandon(c echo.Context) error {
	var req HaltRequest
	if err := bindOptional(c, &req); err != nil {
		return err
	}
	res, err := s.protocols.Abandon(c.Request().Context(), c.Param("kind"), c.Param("session"), req.Reason)
	return s.respond(c, http.StatusOK, res, err)
}

func (s *Server) handleBranch(c echo.Context) error {
	var req BranchRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	res, err := s.protocols.ReportBranch(c.Request().Context(), c.Param("kind"), c.Param("session"), c.Param("branch"),
		branch.Report{Outcome: req.Outcome, Artifact: req.Artifact, Findings: req.Findings, Reason: req.Reason})
	return s.respond(c, http.StatusOK, res, err)
}

// respond writes res with status. When the engine persisted a result and
// still reported a failure, the result is written under the failure status
// with the error attached.
func (s *Server) respond(c echo.Context, status int, res *engine.Result, err error) error {
	if res == nil {
		if err == nil {
			err = errors.New("engine returned no result")
		}
		return err
	}
	body := newResultResponse(res)
	if err != nil {
		var resp *ErrorResponse
		status, resp = newErrorResponse(err)
		errorsTotal.WithLabelValues(resp.Code).Inc()
		body.Error = resp
	}
	return c.JSON(status, body)
}

// bindOptional binds a JSON body when one was sent.
func bindOptional(c echo.Context, out any) error {
	if c.Request().ContentLength == 0 {
		return nil
	}
	if err := c.Bind(out); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	return nil
}

// Start starts the HTTP server. It returns nil after Shutdown.
func (s *Server) Start() error {
	addr := fmt.Sprintf("%s:%d", s.config.Host, s.config.Port)
	s.logger.Info("starting http server", zap.String("addr", addr))
	if err := s.echo.Start(addr); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Shutdown gracefully shuts down the server.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("shutting down http server")
	return s.echo.Shutdown(ctx)
}
