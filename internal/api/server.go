// Package api exposes archive runs, run state, audit trails and escalations over
// HTTP.
package api

import (
	"encoding/json"
	"strconv"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/adaptor"
	"github.com/gofiber/fiber/v2/middleware/recover"
	"github.com/rs/zerolog"

	"github.com/p-blackswan/calendar-archiver/internal/correlation"
	"github.com/p-blackswan/calendar-archiver/internal/health"
	"github.com/p-blackswan/calendar-archiver/internal/metrics"
)

// ServerConfig holds configuration for the API server.
type ServerConfig struct {
	ListenAddr string
	AuthConfig AuthConfig
	RateLimit  RateLimitConfig
}

// Server is the archiver API Fiber application.
type Server struct {
	app    *fiber.App
	logger zerolog.Logger
	config ServerConfig
}

// NewServer creates and configures a new API server. metricsCollector may be nil.
func NewServer(
	cfg ServerConfig,
	runs RunService,
	trails TrailService,
	escalations EscalationService,
	checker *health.Checker,
	metricsCollector *metrics.Metrics,
	logger zerolog.Logger,
) *Server {
	app := fiber.New(fiber.Config{
		DisableStartupMessage: true,
		ErrorHandler:          customErrorHandler(logger),
		JSONEncoder:           json.Marshal,
		JSONDecoder:           json.Unmarshal,
		ReadBufferSize:        8192,
		WriteBufferSize:       8192,
	})

	s := &Server{
		app:    app,
		logger: logger.With().Str("component", "api_server").Logger(),
		config: cfg,
	}

	h := NewHandlers(runs, trails, escalations, checker, logger)
	s.setupMiddleware(cfg, metricsCollector)
	s.setupRoutes(h, metricsCollector)

	return s
}

func (s *Server) setupMiddleware(cfg ServerConfig, m *metrics.Metrics) {
	s.app.Use(recover.New(recover.Config{
		EnableStackTrace: true,
	}))

	// Correlation id: honour the caller's, otherwise mint one. Runs started by this
	// request inherit it through the user context.
	s.app.Use(func(c *fiber.Ctx) error {
		ctx := correlation.WithID(c.UserContext(), c.Get(correlation.Header))
		ctx, id := correlation.Ensure(ctx)
		c.SetUserContext(ctx)
		c.Set(correlation.Header, id)
		c.Locals("correlation_id", id)
		return c.Next()
	})

	if cfg.RateLimit.RPS > 0 {
		s.app.Use(NewRateLimitMiddleware(cfg.RateLimit))
	}

	s.app.Use(NewAuthMiddleware(cfg.AuthConfig, s.logger))

	s.app.Use(func(c *fiber.Ctx) error {
		path := c.Path()
		if isProbe(path) {
			return c.Next()
		}

		err := c.Next()

		status := c.Response().StatusCode()
		if m != nil {
			route := path
			if r := c.Route(); r != nil && r.Path != "" {
				route = r.Path
			}
			m.RecordRequest(route, strconv.Itoa(status))
		}
		s.logger.Info().
			Str("method", c.Method()).
			Str("path", path).
			Str("ip", c.IP()).
			Int("status", status).
			Str("correlation_id", correlation.FromContext(c.UserContext())).
			Msg("api request")

		return err
	})
}

func (s *Server) setupRoutes(h *Handlers, m *metrics.Metrics) {
	s.app.Get("/healthz", h.Liveness)
	s.app.Get("/readyz", h.Readiness)

	if m != nil {
		s.app.Get("/metrics", adaptor.HTTPHandler(m.Handler()))
	} else {
		s.app.Get("/metrics", func(c *fiber.Ctx) error {
			return c.SendString("# No metrics collector configured\n")
		})
	}

	v1 := s.app.Group("/api/v1")

	v1.Post("/runs", requireRole(RoleOperator), h.StartRun)
	v1.Get("/runs", h.ListRuns)
	v1.Get("/runs/state", h.RunState)
	v1.Post("/runs/cancel", requireRole(RoleOperator), h.CancelRun)

	v1.Get("/trails/:correlationId", h.RunTrail)
	v1.Get("/users/:user/activity", h.UserActivity)

	v1.Get("/escalations", h.ListEscalations)

	v1.Get("/health", h.HealthDetail)
}

// Start starts the server. Blocks until stopped.
func (s *Server) Start() error {
	addr := s.config.ListenAddr
	if addr == "" {
		addr = ":8090"
	}

	s.logger.Info().Str("addr", addr).Msg("API server starting")
	return s.app.Listen(addr)
}

// Shutdown gracefully shuts down the server.
func (s *Server) Shutdown() error {
	s.logger.Info().Msg("API server shutting down")
	return s.app.Shutdown()
}

// App returns the underlying Fiber app (useful for testing).
func (s *Server) App() *fiber.App {
	return s.app
}

func customErrorHandler(logger zerolog.Logger) fiber.ErrorHandler {
	return func(c *fiber.Ctx, err error) error {
		code := fiber.StatusInternalServerError
		if e, ok := err.(*fiber.Error); ok {
			code = e.Code
		}

		logger.Error().
			Err(err).
			Int("status", code).
			Str("path", c.Path()).
			Str("method", c.Method()).
			Msg("unhandled error")

		detail := err.Error()
		if code == fiber.StatusInternalServerError {
			detail = "An internal error occurred"
		}

		return c.Status(code).JSON(ProblemDetail{
			Type:     "internal_error",
			Title:    "Internal Server Error",
			Status:   code,
			Detail:   detail,
			Instance: c.Path(),
		})
	}
}
