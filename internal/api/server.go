package api

import (
	"encoding/json"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/adaptor"
	"github.com/gofiber/fiber/v2/middleware/cors"
	"github.com/gofiber/fiber/v2/middleware/limiter"
	"github.com/gofiber/fiber/v2/middleware/recover"
	"github.com/rs/zerolog"

	"github.com/p-blackswan/streamhib/internal/health"
	"github.com/p-blackswan/streamhib/internal/metrics"
	"github.com/p-blackswan/streamhib/internal/reconciler"
	"github.com/p-blackswan/streamhib/internal/requestid"
	"github.com/p-blackswan/streamhib/internal/scheduler"
	"github.com/p-blackswan/streamhib/internal/session"
)

// RateLimitConfig holds rate limiter configuration.
type RateLimitConfig struct {
	RPS   int // sustained requests per second
	Burst int // requests allowed in one window
}

// ServerConfig holds configuration for the management API server.
type ServerConfig struct {
	ListenAddr  string
	AuthConfig  AuthConfig
	RateLimit   RateLimitConfig
	CORSOrigins string
}

// Server is the management API Fiber application.
type Server struct {
	app    *fiber.App
	logger zerolog.Logger
	config ServerConfig
}

// NewServer creates and configures a new management API server.
func NewServer(
	cfg ServerConfig,
	sessions *session.Manager,
	sched *scheduler.Scheduler,
	rec *reconciler.Reconciler,
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

	s.setupMiddleware(cfg, logger)
	s.setupRoutes(NewHandlers(sessions, sched, rec, checker, metricsCollector, logger), metricsCollector)
	return s
}

func (s *Server) setupMiddleware(cfg ServerConfig, logger zerolog.Logger) {
	s.app.Use(recover.New(recover.Config{
		EnableStackTrace: true,
	}))

	// Request ID: honor the caller's, otherwise mint one.
	s.app.Use(func(c *fiber.Ctx) error {
		reqID := c.Get(requestid.Header)
		ctx := c.UserContext()
		if reqID == "" {
			ctx, reqID = requestid.New(ctx)
		} else {
			ctx = requestid.WithRequestID(ctx, reqID)
		}
		c.SetUserContext(ctx)
		c.Set(requestid.Header, reqID)
		c.Locals("request_id", reqID)
		return c.Next()
	})

	if cfg.CORSOrigins != "" {
		s.app.Use(cors.New(cors.Config{
			AllowOrigins: cfg.CORSOrigins,
			AllowHeaders: "Origin, Content-Type, Accept, Authorization, X-Request-ID",
			AllowMethods: "GET, POST, PATCH, DELETE, OPTIONS",
		}))
	}

	if cfg.RateLimit.RPS > 0 {
		burst := cfg.RateLimit.Burst
		if burst < cfg.RateLimit.RPS {
			burst = cfg.RateLimit.RPS
		}
		s.app.Use(limiter.New(limiter.Config{
			Next:              func(c *fiber.Ctx) bool { return isHealthPath(c.Path()) },
			Max:               burst,
			Expiration:        time.Duration(burst) * time.Second / time.Duration(cfg.RateLimit.RPS),
			LimiterMiddleware: limiter.SlidingWindow{},
			LimitReached: func(c *fiber.Ctx) error {
				return problemResponse(c, fiber.StatusTooManyRequests,
					"rate_limit_exceeded", "Too Many Requests",
					"Rate limit exceeded. Please try again later.")
			},
		}))
	}

	s.app.Use(NewAuthMiddleware(cfg.AuthConfig, logger))

	// Audit log, health endpoints excluded.
	s.app.Use(func(c *fiber.Ctx) error {
		if isHealthPath(c.Path()) {
			return c.Next()
		}
		began := time.Now()
		err := c.Next()
		reqID, _ := c.Locals("request_id").(string)
		logger.Info().
			Str("method", c.Method()).
			Str("path", c.Path()).
			Str("ip", c.IP()).
			Str("request_id", reqID).
			Int("status", c.Response().StatusCode()).
			Dur("took", time.Since(began)).
			Msg("API request")
		return err
	})
}

func (s *Server) setupRoutes(h *Handlers, metricsCollector *metrics.Metrics) {
	s.app.Get("/healthz", h.Liveness)
	s.app.Get("/readyz", h.Readiness)

	if metricsCollector != nil {
		s.app.Get("/metrics", adaptor.HTTPHandler(metricsCollector.Handler()))
	} else {
		s.app.Get("/metrics", func(c *fiber.Ctx) error {
			return c.SendString("# No metrics collector configured\n")
		})
	}

	v1 := s.app.Group("/api/v1")

	v1.Get("/sessions", h.ListSessions)
	v1.Post("/sessions", h.StartSession)
	v1.Get("/sessions/:name", h.GetSession)
	v1.Patch("/sessions/:name", h.EditSession)
	v1.Delete("/sessions/:name", h.DeleteSession)
	v1.Post("/sessions/:name/stop", h.StopSession)
	v1.Post("/sessions/:name/reactivate", h.ReactivateSession)
	v1.Get("/sessions/:name/logs", h.SessionLogs)
	v1.Delete("/inactive-sessions", h.DeleteAllInactive)

	v1.Get("/schedules", h.ListSchedules)
	v1.Post("/schedules", h.CreateSchedule)
	v1.Delete("/schedules/:id", h.CancelSchedule)
	v1.Get("/triggers", h.ListTriggers)

	v1.Post("/cleanup/orphans", h.CleanupOrphans)
	v1.Post("/reconcile", h.Reconcile)
	v1.Post("/health-check", h.HealthCheck)

	v1.Get("/platforms", h.ListPlatforms)
	v1.Get("/health", h.HealthDetail)
}

// Start starts the server. Blocks until stopped.
func (s *Server) Start() error {
	addr := s.config.ListenAddr
	if addr == "" {
		addr = ":8090"
	}
	s.logger.Info().Str("addr", addr).Msg("Management API server starting")
	return s.app.Listen(addr)
}

// Shutdown gracefully shuts down the server.
func (s *Server) Shutdown() error {
	s.logger.Info().Msg("Management API server shutting down")
	return s.app.Shutdown()
}

// App returns the underlying Fiber app (useful for testing).
func (s *Server) App() *fiber.App {
	return s.app
}

func customErrorHandler(logger zerolog.Logger) fiber.ErrorHandler {
	return func(c *fiber.Ctx, err error) error {
		code := fiber.StatusInternalServerError
		title := "Internal Server Error"
		if e, ok := err.(*fiber.Error); ok {
			code = e.Code
			title = e.Message
		}

		logger.Error().
			Err(err).
			Int("status", code).
			Str("path", c.Path()).
			Str("method", c.Method()).
			Msg("Unhandled error")

		detail := err.Error()
		if code == fiber.StatusInternalServerError {
			detail = "An internal error occurred"
		}

		return c.Status(code).JSON(ProblemDetail{
			Type:     "internal_error",
			Title:    title,
			Status:   code,
			Detail:   detail,
			Instance: c.Path(),
		})
	}
}
