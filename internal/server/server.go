package server

import (
	"context"
	"errors"
	"net"
	"net/http"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/adaptor"
	"github.com/gofiber/fiber/v2/middleware/cors"
	"github.com/gofiber/fiber/v2/middleware/recover"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/feira-labs/feira-notify/internal/config"
	"github.com/feira-labs/feira-notify/internal/model"
	"github.com/feira-labs/feira-notify/internal/realtime"
	"github.com/feira-labs/feira-notify/internal/service"
)

const claimsKey = "claims"

// Services groups the handlers' dependencies.
type Services struct {
	Dispatch      *service.DispatchService
	Tokens        *service.TokenService
	Notifications *service.NotificationService
	Auth          *service.AuthService
	Feed          realtime.Subscriber
	PushEnabled   bool
}

// Server wires HTTP handlers.
type Server struct {
	app       *fiber.App
	svc       Services
	cfg       *config.Config
	log       *zap.Logger
	heartbeat time.Duration
	closing   chan struct{}
	closeOnce sync.Once
}

// New builds a server instance.
func New(cfg *config.Config, svc Services, log *zap.Logger) *Server {
	if log == nil {
		log = zap.NewNop()
	}
	s := &Server{
		svc:       svc,
		cfg:       cfg,
		log:       log.Named("http"),
		heartbeat: 15 * time.Second,
		closing:   make(chan struct{}),
	}
	s.app = fiber.New(fiber.Config{
		IdleTimeout:           cfg.HTTP.ReadTimeout,
		ReadTimeout:           cfg.HTTP.ReadTimeout,
		WriteTimeout:          cfg.HTTP.WriteTimeout,
		AppName:               "feira-notify",
		DisableStartupMessage: true,
		ErrorHandler:          s.handleError,
	})
	s.registerRoutes()
	return s
}

// Start listens and serves HTTP traffic.
func (s *Server) Start() error {
	s.log.Info("listening", zap.String("addr", s.cfg.HTTP.Addr))
	return s.app.Listen(s.cfg.HTTP.Addr)
}

// Serve runs the app on an existing listener.
func (s *Server) Serve(ln net.Listener) error {
	return s.app.Listener(ln)
}

// Shutdown ends open notification streams and gracefully stops the server.
func (s *Server) Shutdown(ctx context.Context) error {
	s.closeOnce.Do(func() { close(s.closing) })
	return s.app.ShutdownWithContext(ctx)
}

func (s *Server) registerRoutes() {
	origins := strings.Join(s.cfg.HTTP.CORSOrigins, ",")
	if origins == "" {
		origins = "*"
	}
	s.app.Use(recover.New())
	s.app.Use(s.logRequests)
	s.app.Use(cors.New(cors.Config{
		AllowOrigins: origins,
		AllowMethods: "GET,POST,DELETE,OPTIONS",
		AllowHeaders: "Authorization, Content-Type, apikey, x-client-info",
	}))

	s.app.Get("/healthz", s.handleHealth)
	s.app.Get("/metrics", adaptor.HTTPHandler(promhttp.Handler()))

	s.app.Post("/auth/login", s.handleLogin)
	s.app.Get("/auth/profile", s.handleProfile)

	// dispatch function and its internal alias
	s.app.Post("/functions/v1/send-push-notification", s.requireAuth, s.requireAdmin, s.handleDispatch)
	s.app.Post("/api/dispatch", s.requireAuth, s.requireAdmin, s.handleDispatch)

	api := s.app.Group("/api", s.requireAuth)
	api.Post("/tokens", s.handleRegisterToken)
	api.Get("/tokens", s.handleListTokens)
	api.Delete("/tokens/all", s.handleRevokeAllTokens)
	api.Delete("/tokens", s.handleRevokeToken)

	api.Get("/notifications", s.handleListNotifications)
	api.Get("/notifications/unread-count", s.handleUnreadCount)
	api.Get("/notifications/stream", s.handleStream)
	api.Post("/notifications/read-all", s.handleMarkAllRead)
	api.Post("/notifications/:id/read", s.handleMarkRead)

	admin := api.Group("/admin", s.requireAdmin)
	admin.Get("/tokens", s.handleAdminListTokens)
	admin.Delete("/tokens", s.handleAdminClearTokens)
	admin.Get("/notifications/count/type", s.handleCountByType)

	s.serveFrontend()
}

func (s *Server) handleHealth(c *fiber.Ctx) error {
	push := "disabled"
	if s.svc.PushEnabled {
		push = "configured"
	}
	return c.JSON(fiber.Map{
		"status":   "ok",
		"push":     push,
		"storage":  s.cfg.Storage.Driver,
		"realtime": s.cfg.Realtime.Driver,
	})
}

func (s *Server) handleLogin(c *fiber.Ctx) error {
	var req struct {
		Username string `json:"username"`
		Password string `json:"password"`
	}
	if err := c.BodyParser(&req); err != nil {
		return c.Status(http.StatusBadRequest).JSON(model.Error("malformed request body"))
	}
	if s.svc.Auth == nil || !s.svc.Auth.Enabled() {
		return c.JSON(model.Success("authentication disabled", fiber.Map{
			"token":    "",
			"enabled":  false,
			"username": "guest",
		}))
	}
	token, err := s.svc.Auth.Authenticate(req.Username, req.Password)
	if err != nil {
		return c.Status(http.StatusUnauthorized).JSON(model.Error("invalid username or password"))
	}
	return c.JSON(model.Success("logged in", fiber.Map{
		"token":    token,
		"enabled":  true,
		"username": s.svc.Auth.Username(),
	}))
}

func (s *Server) handleProfile(c *fiber.Ctx) error {
	if s.svc.Auth == nil || !s.svc.Auth.Enabled() {
		return c.JSON(model.Success("ok", fiber.Map{
			"enabled":  false,
			"username": "guest",
		}))
	}
	token := extractBearerToken(c.Get("Authorization"))
	if token == "" {
		return c.Status(http.StatusUnauthorized).JSON(model.Error("not logged in"))
	}
	claims, err := s.svc.Auth.Validate(token)
	if err != nil {
		return c.Status(http.StatusUnauthorized).JSON(model.Error("session expired"))
	}
	return c.JSON(model.Success("ok", fiber.Map{
		"enabled":  true,
		"username": claims.Username,
		"userId":   claims.Subject,
		"role":     claims.Role,
	}))
}

func (s *Server) handleError(c *fiber.Ctx, err error) error {
	status := http.StatusInternalServerError
	var fe *fiber.Error
	if errors.As(err, &fe) {
		status = fe.Code
	}
	if status >= http.StatusInternalServerError {
		s.log.Error("request failed", zap.String("path", c.Path()), zap.Error(err))
	}
	return c.Status(status).JSON(model.Error(err.Error()))
}

func (s *Server) logRequests(c *fiber.Ctx) error {
	started := time.Now()
	err := c.Next()
	status := c.Response().StatusCode()
	if err != nil {
		var fe *fiber.Error
		if errors.As(err, &fe) {
			status = fe.Code
		} else {
			status = http.StatusInternalServerError
		}
	}
	level := zap.InfoLevel
	if c.Path() == "/healthz" || c.Path() == "/metrics" {
		level = zap.DebugLevel
	}
	if ce := s.log.Check(level, "request"); ce != nil {
		ce.Write(
			zap.String("method", c.Method()),
			zap.String("path", c.Path()),
			zap.Int("status", status),
			zap.Duration("latency", time.Since(started)),
			zap.String("ip", c.IP()),
		)
	}
	return err
}

func (s *Server) requireAuth(c *fiber.Ctx) error {
	if s.svc.Auth == nil || !s.svc.Auth.Enabled() {
		claims, _ := s.svc.Auth.Validate("")
		c.Locals(claimsKey, claims)
		return c.Next()
	}
	token := extractBearerToken(c.Get("Authorization"))
	if token == "" {
		return c.Status(http.StatusUnauthorized).JSON(model.Error("not logged in"))
	}
	claims, err := s.svc.Auth.Validate(token)
	if err != nil {
		return c.Status(http.StatusUnauthorized).JSON(model.Error("session expired"))
	}
	c.Locals(claimsKey, claims)
	return c.Next()
}

func (s *Server) requireAdmin(c *fiber.Ctx) error {
	if !claimsOf(c).IsAdmin() {
		return c.Status(http.StatusForbidden).JSON(model.Error("administrator role required"))
	}
	return c.Next()
}

func claimsOf(c *fiber.Ctx) *service.Claims {
	claims, _ := c.Locals(claimsKey).(*service.Claims)
	return claims
}

// currentUser resolves whose tokens or notifications a request touches.
// Administrators may act for another user through ?userId=.
func currentUser(c *fiber.Ctx) (string, error) {
	claims := claimsOf(c)
	if claims.IsAdmin() {
		if userID := strings.TrimSpace(c.Query("userId")); userID != "" {
			return userID, nil
		}
	}
	if claims != nil && strings.TrimSpace(claims.Subject) != "" {
		return claims.Subject, nil
	}
	return "", fiber.NewError(http.StatusBadRequest, "userId is required")
}

func (s *Server) serveFrontend() {
	dir := strings.TrimSpace(s.cfg.Frontend.Dir)
	if dir == "" {
		return
	}
	info, err := os.Stat(dir)
	if err != nil || !info.IsDir() {
		return
	}
	s.app.Static("/", dir, fiber.Static{
		Index:    "index.html",
		Compress: true,
	})
}

func extractBearerToken(header string) string {
	if header == "" {
		return ""
	}
	parts := strings.SplitN(header, " ", 2)
	if len(parts) != 2 {
		return ""
	}
	if !strings.EqualFold(parts[0], "Bearer") {
		return ""
	}
	return strings.TrimSpace(parts[1])
}
