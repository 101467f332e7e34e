package mgmt

import (
	"context"
	"encoding/json"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/adaptor"
	"github.com/gofiber/fiber/v2/middleware/cors"
	"github.com/gofiber/fiber/v2/middleware/recover"
	"github.com/gofiber/fiber/v2/utils"
	"github.com/rs/zerolog"

	"github.com/p-blackswan/incept/internal/health"
	"github.com/p-blackswan/incept/internal/metrics"
	"github.com/p-blackswan/incept/internal/requestid"
	"github.com/p-blackswan/incept/internal/store"
	"github.com/p-blackswan/incept/internal/tracker"
)

// Suggester generates suggestions on demand.
type Suggester interface {
	Generate(ctx context.Context, p *store.Project, direction string, n int, autoSessionID string) ([]*store.Suggestion, error)
}

// Tracker rolls improvements back and checks them against history.
type Tracker interface {
	Rollback(ctx context.Context, improvementID string) (*tracker.RollbackResult, error)
	Verify(ctx context.Context, improvementID string) (bool, error)
}

// AutoMode starts and steers auto sessions.
type AutoMode interface {
	Start(ctx context.Context, projectID, direction string, maxSuggestions int) (*store.AutoSession, error)
	Pause(ctx context.Context, id, note string) (*store.AutoSession, error)
	Resume(ctx context.Context, id string) (*store.AutoSession, error)
}

// ServerConfig holds configuration for the management API server.
type ServerConfig struct {
	ListenAddr  string
	AuthConfig  AuthConfig
	RateLimit   RateLimitConfig
	CORSOrigins string
}

// Deps are the components the API drives.
type Deps struct {
	Store     *store.Store
	Suggester Suggester
	Tracker   Tracker
	AutoMode  AutoMode
	Checker   *health.Checker
	Metrics   *metrics.Metrics
}

// Server is the management API Fiber application.
type Server struct {
	app    *fiber.App
	deps   Deps
	logger zerolog.Logger
	config ServerConfig
}

// NewServer creates and configures a new management API server.
func NewServer(cfg ServerConfig, deps Deps, logger zerolog.Logger) *Server {
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
		deps:   deps,
		logger: logger.With().Str("component", "mgmt_server").Logger(),
		config: cfg,
	}
	s.setupMiddleware(cfg)
	s.setupRoutes()
	return s
}

func (s *Server) setupMiddleware(cfg ServerConfig) {
	s.app.Use(recover.New(recover.Config{
		EnableStackTrace: true,
	}))

	s.app.Use(func(c *fiber.Ctx) error {
		reqID := requestid.FromHeader(c.Get(requestid.Header))
		c.Set(requestid.Header, reqID)
		c.Locals("request_id", reqID)
		c.SetUserContext(requestid.WithRequestID(c.UserContext(), reqID))
		return c.Next()
	})

	if cfg.CORSOrigins != "" {
		s.app.Use(cors.New(cors.Config{
			AllowOrigins: cfg.CORSOrigins,
			AllowHeaders: "Origin, Content-Type, Accept, Authorization, X-Request-ID",
			AllowMethods: "GET, POST, PATCH, OPTIONS",
		}))
	}

	if cfg.RateLimit.RPS > 0 {
		s.app.Use(NewRateLimitMiddleware(cfg.RateLimit))
	}

	s.app.Use(NewAuthMiddleware(cfg.AuthConfig, s.logger))

	// Audit log
	s.app.Use(func(c *fiber.Ctx) error {
		if isProbe(c.Path()) {
			return c.Next()
		}
		err := c.Next()
		s.logger.Info().
			Str("method", c.Method()).
			Str("path", c.Path()).
			Int("status", c.Response().StatusCode()).
			Str("ip", c.IP()).
			Str("request_id", requestid.FromContext(c.UserContext())).
			Msg("mgmt api request")
		return err
	})
}

func (s *Server) setupRoutes() {
	if s.deps.Checker != nil {
		s.app.Get("/healthz", adaptor.HTTPHandlerFunc(s.deps.Checker.LivenessHandler()))
		s.app.Get("/readyz", adaptor.HTTPHandlerFunc(s.deps.Checker.ReadinessHandler()))
	}
	if s.deps.Metrics != nil {
		s.app.Get("/metrics", adaptor.HTTPHandler(s.deps.Metrics.Handler()))
	}

	v1 := s.app.Group("/api/v1")
	admin := requireRole(RoleAdmin)

	v1.Post("/projects", admin, s.createProject)
	v1.Get("/projects", s.listProjects)
	v1.Get("/projects/:id", s.getProject)
	v1.Patch("/projects/:id", admin, s.updateProject)

	v1.Post("/projects/:id/requests", admin, s.createRequest)
	v1.Get("/projects/:id/requests", s.listRequests)
	v1.Get("/requests/:id", s.getRequest)
	v1.Get("/requests/:id/logs", s.requestLogs)
	v1.Post("/requests/:id/resubmit", admin, s.resubmitRequest)
	v1.Post("/requests/:id/cancel", admin, s.cancelRequest)

	v1.Post("/projects/:id/suggestions/generate", admin, s.generateSuggestions)
	v1.Get("/projects/:id/suggestions", s.listSuggestions)
	v1.Get("/suggestions/:id", s.getSuggestion)
	v1.Post("/suggestions/:id/approve", admin, s.approveSuggestion)
	v1.Post("/suggestions/:id/reject", admin, s.rejectSuggestion)
	v1.Post("/suggestions/:id/implement", admin, s.implementSuggestion)

	v1.Get("/projects/:id/improvements", s.listImprovements)
	v1.Get("/projects/:id/improvements/summary", s.improvementSummary)
	v1.Get("/improvements/:id", s.getImprovement)
	v1.Post("/improvements/:id/rollback", admin, s.rollbackImprovement)

	v1.Post("/projects/:id/auto-sessions", admin, s.startAutoSession)
	v1.Get("/projects/:id/auto-sessions", s.listAutoSessions)
	v1.Get("/auto-sessions/:id", s.getAutoSession)
	v1.Post("/auto-sessions/:id/pause", admin, s.pauseAutoSession)
	v1.Post("/auto-sessions/:id/resume", admin, s.resumeAutoSession)
}

// Start starts the server. Blocks until stopped.
func (s *Server) Start() error {
	addr := s.config.ListenAddr
	if addr == "" {
		addr = ":8090"
	}
	s.logger.Info().Str("addr", addr).Msg("management API server starting")
	return s.app.Listen(addr)
}

// Shutdown gracefully shuts down the server.
func (s *Server) Shutdown() error {
	s.logger.Info().Msg("management API server shutting down")
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

		detail := err.Error()
		if code == fiber.StatusInternalServerError {
			logger.Error().
				Err(err).
				Str("path", c.Path()).
				Str("method", c.Method()).
				Msg("unhandled error")
			detail = "An internal error occurred"
		}

		return problemResponse(c, code, "http_error", utils.StatusMessage(code), detail)
	}
}
