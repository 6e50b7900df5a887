package httpapi

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"golang.org/x/time/rate"
	"github.com/sirupsen/logrus"

	"chiselcore.dev/chiselcore/internal/applyflow"
	"chiselcore.dev/chiselcore/internal/auth"
	"chiselcore.dev/chiselcore/internal/config"
	"chiselcore.dev/chiselcore/internal/trunk"
)

// ServerConfig is the subset of config.Server that shapes the Echo
// instance itself, as opposed to everything else the process needs.
type ServerConfig struct {
	ListenAddr      string
	Debug           bool
	BodyLimit       string
	ShutdownTimeout time.Duration
	RateLimit       float64
	AdminSecret     string
}

// ServerConfigFromServer narrows a config.Server down to the fields Echo
// setup needs.
func ServerConfigFromServer(cfg *config.Server) ServerConfig {
	return ServerConfig{
		ListenAddr:      cfg.ListenAddr,
		BodyLimit:       "10M",
		ShutdownTimeout: cfg.ShutdownTimeout,
		RateLimit:       cfg.RateLimitPerSec,
		AdminSecret:     cfg.AdminSecret,
	}
}

// Server bundles the Echo instance with the Trunk and apply pipeline it
// routes into, the "app" a cmd/chiselcored main wires up and starts.
type Server struct {
	Echo   *echo.Echo
	Trunk  *trunk.Trunk
	Apply  applyflow.Deps
	Tokens *auth.TokenService
	Log    *logrus.Entry
	Config ServerConfig
}

// NewServer assembles an Echo instance with the standard middleware
// stack, then registers the version-index, CORS, apply, and dispatch
// routes over it. tokens may be nil, in which case
// the legacy bearer-token login/session fallback is disabled and only the
// ChiselUID header resolves a request's user id.
func NewServer(cfg ServerConfig, tr *trunk.Trunk, deps applyflow.Deps, tokens *auth.TokenService, log *logrus.Entry) *Server {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.Debug = cfg.Debug

	e.Use(middleware.LoggerWithConfig(middleware.LoggerConfig{
		Format: "[${time_rfc3339}] ${status} ${method} ${uri} (${latency_human})\n",
	}))
	e.Use(middleware.Recover())
	if cfg.BodyLimit != "" {
		e.Use(middleware.BodyLimit(cfg.BodyLimit))
	}

	// Fixed CORS: every origin, the methods CRUD dispatch
	// uses, and the ChiselUID header callers must be allowed to send.
	e.Use(middleware.CORSWithConfig(middleware.CORSConfig{
		AllowOrigins: []string{"*"},
		AllowMethods: []string{
			http.MethodGet,
			http.MethodPost,
			http.MethodPut,
			http.MethodDelete,
			http.MethodPatch,
			http.MethodOptions,
		},
		AllowHeaders: []string{echo.HeaderContentType, "ChiselUID", "ChiselAuth"},
	}))

	e.Use(middleware.RequestID())

	if cfg.RateLimit > 0 {
		e.Use(middleware.RateLimiter(middleware.NewRateLimiterMemoryStore(rate.Limit(cfg.RateLimit))))
	}

	e.HTTPErrorHandler = CustomHTTPErrorHandler(log)

	s := &Server{Echo: e, Trunk: tr, Apply: deps, Tokens: tokens, Log: log, Config: cfg}
	registerRoutes(s)
	return s
}

// Start runs the server until the process is asked to stop; callers pair
// it with Shutdown on the same Server.
func (s *Server) Start() error {
	srv := &http.Server{Addr: s.Config.ListenAddr}
	s.Log.WithField("addr", s.Config.ListenAddr).Info("starting http server")
	if err := s.Echo.StartServer(srv); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

// Shutdown drains in-flight requests within the configured timeout.
func (s *Server) Shutdown(ctx context.Context) error {
	timeout := s.Config.ShutdownTimeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	shutdownCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	s.Log.Info("shutting down http server")
	if err := s.Echo.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("httpapi: server shutdown: %w", err)
	}
	return nil
}

// CustomHTTPErrorHandler reports errors as a JSON body describing the
// status text and message, logged through obslog's logrus.Entry instead
// of the standard logger.
func CustomHTTPErrorHandler(log *logrus.Entry) echo.HTTPErrorHandler {
	return func(err error, c echo.Context) {
		code := http.StatusInternalServerError
		message := err.Error()
		if he, ok := err.(*echo.HTTPError); ok {
			code = he.Code
			if msg, ok := he.Message.(string); ok {
				message = msg
			}
		}
		if c.Response().Committed {
			return
		}
		sendErr := c.JSON(code, map[string]string{
			"error":   http.StatusText(code),
			"message": message,
		})
		if sendErr != nil {
			log.WithError(sendErr).Error("sending error response")
		}
	}
}
