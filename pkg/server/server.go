// Package server exposes the session registry over HTTP, with a websocket
// feed of session events.
package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"slices"
	"strings"
	"time"

	"github.com/gorilla/websocket"
	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"

	"github.com/nick-boey/homespun/pkg/auth"
	"github.com/nick-boey/homespun/pkg/events"
	"github.com/nick-boey/homespun/pkg/protocol"
	"github.com/nick-boey/homespun/pkg/session"
)

// Sessions is the registry surface served over HTTP.
type Sessions interface {
	StartOrResume(ctx context.Context, req session.StartRequest) (session.Session, error)
	Send(ctx context.Context, id, message string, mode *protocol.SessionMode) (session.Session, error)
	Stop(ctx context.Context, id string) (session.Session, error)
	Interrupt(ctx context.Context, id string) (session.Session, error)
	RestartContainer(ctx context.Context, id string) (session.Session, error)
	AnswerQuestion(ctx context.Context, id, questionID string, answers protocol.Answers) (bool, error)
	ApprovePlan(ctx context.Context, id string, approved, keepContext bool, feedback string) (bool, error)
	SetMode(ctx context.Context, id string, mode protocol.SessionMode) (session.Session, error)
	SetModel(ctx context.Context, id, model string) (session.Session, error)
	Get(ctx context.Context, id string) (session.Session, error)
	List(ctx context.Context) ([]session.Session, error)
	ListForProject(ctx context.Context, projectID string) ([]session.Session, error)
	CachedMessageCount(ctx context.Context, id string) (int, error)
	Messages(ctx context.Context, id string) ([]protocol.Message, error)
	Delete(ctx context.Context, id string) error
	Events() *events.Bus
}

type Opt func(*Server)

// WithCORS allows browser clients from the given origins.
func WithCORS(origins ...string) Opt {
	return func(s *Server) { s.origins = origins }
}

// WithAuth requires a valid bearer token on every /api route.
func WithAuth(m *auth.Manager) Opt {
	return func(s *Server) { s.auth = m }
}

type Server struct {
	sessions Sessions
	e        *echo.Echo
	upgrader websocket.Upgrader
	origins  []string
	auth     *auth.Manager
}

func New(sessions Sessions, opts ...Opt) *Server {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	s := &Server{sessions: sessions, e: e}
	for _, opt := range opts {
		opt(s)
	}

	e.Use(middleware.Recover())
	e.Use(middleware.RequestID())
	if len(s.origins) > 0 {
		e.Use(middleware.CORSWithConfig(middleware.CORSConfig{AllowOrigins: s.origins}))
		s.upgrader.CheckOrigin = func(r *http.Request) bool {
			origin := r.Header.Get("Origin")
			return origin == "" || containsOrigin(s.origins, origin)
		}
	}

	e.GET("/health", s.health)

	api := e.Group("/api")
	if s.auth != nil {
		api.Use(auth.Middleware(s.auth))
	}
	api.POST("/sessions", s.startSession)
	api.GET("/sessions", s.listSessions)
	api.GET("/projects/:project/sessions", s.listProjectSessions)
	api.GET("/sessions/:id", s.getSession)
	api.DELETE("/sessions/:id", s.deleteSession)
	api.POST("/sessions/:id/messages", s.sendMessage)
	api.GET("/sessions/:id/messages", s.getMessages)
	api.GET("/sessions/:id/cached-count", s.cachedCount)
	api.POST("/sessions/:id/interrupt", s.interrupt)
	api.POST("/sessions/:id/stop", s.stop)
	api.POST("/sessions/:id/restart", s.restart)
	api.POST("/sessions/:id/answer", s.answer)
	api.POST("/sessions/:id/plan", s.plan)
	api.PUT("/sessions/:id/mode", s.setMode)
	api.PUT("/sessions/:id/model", s.setModel)
	api.GET("/sessions/:id/events", s.sessionEvents)
	api.GET("/events", s.allEvents)

	return s
}

func containsOrigin(origins []string, origin string) bool {
	return slices.Contains(origins, "*") || slices.Contains(origins, origin)
}

// Handler returns the HTTP handler, mostly for tests.
func (s *Server) Handler() http.Handler {
	return s.e
}

// Listen opens a listener on addr, which is either host:port or
// unix:///path/to/socket.
func Listen(ctx context.Context, addr string) (net.Listener, error) {
	var lc net.ListenConfig
	if path, ok := strings.CutPrefix(addr, "unix://"); ok {
		if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("removing stale socket: %w", err)
		}
		return lc.Listen(ctx, "unix", path)
	}
	return lc.Listen(ctx, "tcp", addr)
}

// Serve accepts connections on ln until ctx is cancelled.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	srv := &http.Server{
		Handler:           s.e,
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	slog.Info("API server listening", "addr", ln.Addr().String())
	if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func httpError(err error) error {
	var sessErr *session.Error
	switch {
	case errors.Is(err, session.ErrNotFound):
		return echo.NewHTTPError(http.StatusNotFound, "session not found")
	case errors.Is(err, session.ErrInvalidRequest), errors.Is(err, session.ErrEmptyMessage):
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	case errors.Is(err, session.ErrTurnInProgress), errors.Is(err, session.ErrNotReady):
		return echo.NewHTTPError(http.StatusConflict, err.Error())
	case errors.Is(err, session.ErrClosed):
		return echo.NewHTTPError(http.StatusServiceUnavailable, err.Error())
	case errors.As(err, &sessErr):
		return echo.NewHTTPError(http.StatusBadGateway, sessErr)
	default:
		slog.Error("Request failed", "error", err)
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
}

func (s *Server) health(c echo.Context) error {
	return c.JSON(http.StatusOK, map[string]string{"status": "ok"})
}
