package bridge

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/websocket"
	"github.com/labstack/echo/v4"

	"github.com/nick-boey/homespun/pkg/protocol"
)

// EnvListenAddr is the environment variable carrying the bridge listen
// address. Compute backends set it when they start a unit.
const EnvListenAddr = "HOMESPUN_BRIDGE_ADDR"

const writeWait = 10 * time.Second

// Server exposes a Bridge over HTTP. Messages are streamed as JSON websocket
// frames.
type Server struct {
	bridge   *Bridge
	e        *echo.Echo
	upgrader websocket.Upgrader
}

func NewServer(b *Bridge) *Server {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	s := &Server{bridge: b, e: e}

	e.GET("/health", s.health)
	e.POST("/sessions", s.createSession)
	e.GET("/sessions/:id", s.getSession)
	e.POST("/sessions/:id/messages", s.send)
	e.GET("/sessions/:id/stream", s.stream)
	e.POST("/sessions/:id/answers", s.resolveQuestion)
	e.POST("/sessions/:id/plan", s.resolvePlan)
	e.POST("/sessions/:id/interrupt", s.interrupt)
	e.DELETE("/sessions/:id", s.closeSession)
	return s
}

// Handler returns the HTTP handler, mostly for tests.
func (s *Server) Handler() http.Handler {
	return s.e
}

// Serve accepts connections on ln until ctx is cancelled, then closes every
// bridge session.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	srv := &http.Server{
		Handler:           s.e,
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		<-ctx.Done()
		s.bridge.Shutdown()
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	slog.Info("Bridge listening", "addr", ln.Addr().String())
	if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func httpError(err error) error {
	switch {
	case errors.Is(err, ErrSessionNotFound):
		return echo.NewHTTPError(http.StatusNotFound, "session not found")
	case errors.Is(err, ErrSessionClosed):
		return echo.NewHTTPError(http.StatusGone, "session closed")
	case errors.Is(err, ErrNotRunning):
		return echo.NewHTTPError(http.StatusConflict, "agent runtime not running")
	default:
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
}

func (s *Server) health(c echo.Context) error {
	return c.JSON(http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) createSession(c echo.Context) error {
	var req CreateSessionRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	if req.Mode != "" {
		if _, err := protocol.ParseSessionMode(string(req.Mode)); err != nil {
			return echo.NewHTTPError(http.StatusBadRequest, err.Error())
		}
	}

	// The runtime outlives the request.
	h, err := s.bridge.CreateSession(context.WithoutCancel(c.Request().Context()), req)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusCreated, h)
}

func (s *Server) getSession(c echo.Context) error {
	h, err := s.bridge.Session(c.Param("id"))
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, h)
}

func (s *Server) send(c echo.Context) error {
	var req SendRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	if req.Message == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "message is required")
	}
	if err := s.bridge.Send(context.WithoutCancel(c.Request().Context()), c.Param("id"), req); err != nil {
		return httpError(err)
	}
	return c.NoContent(http.StatusAccepted)
}

type resolvedResponse struct {
	Resolved bool `json:"resolved"`
}

func (s *Server) resolveQuestion(c echo.Context) error {
	var answers protocol.Answers
	if err := c.Bind(&answers); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	ok, err := s.bridge.ResolvePendingQuestion(c.Request().Context(), c.Param("id"), answers)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, resolvedResponse{Resolved: ok})
}

func (s *Server) resolvePlan(c echo.Context) error {
	var decision PlanDecision
	if err := c.Bind(&decision); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	ok, err := s.bridge.ResolvePendingPlanApproval(c.Request().Context(), c.Param("id"), decision)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, resolvedResponse{Resolved: ok})
}

func (s *Server) interrupt(c echo.Context) error {
	if err := s.bridge.Interrupt(c.Request().Context(), c.Param("id")); err != nil {
		return httpError(err)
	}
	return c.NoContent(http.StatusNoContent)
}

func (s *Server) closeSession(c echo.Context) error {
	if err := s.bridge.Close(c.Request().Context(), c.Param("id")); err != nil {
		return httpError(err)
	}
	return c.NoContent(http.StatusNoContent)
}

// stream upgrades to a websocket and writes one JSON frame per message. The
// connection is closed normally once the session ends.
func (s *Server) stream(c echo.Context) error {
	var after int64
	if v := c.QueryParam("after"); v != "" {
		n, err := strconv.ParseInt(v, 10, 64)
		if err != nil || n < 0 {
			return echo.NewHTTPError(http.StatusBadRequest, "invalid after parameter")
		}
		after = n
	}

	id := c.Param("id")
	if _, err := s.bridge.Session(id); err != nil {
		return httpError(err)
	}

	conn, err := s.upgrader.Upgrade(c.Response(), c.Request(), nil)
	if err != nil {
		// Upgrade already wrote the error response.
		slog.Debug("Websocket upgrade failed", "session_id", id, "error", err)
		return nil
	}
	defer conn.Close()

	ctx, cancel := context.WithCancel(c.Request().Context())
	defer cancel()

	// Reading detects the peer going away.
	go func() {
		defer cancel()
		for {
			if _, _, err := conn.NextReader(); err != nil {
				return
			}
		}
	}()

	msgs, err := s.bridge.Stream(ctx, id, after)
	if err != nil {
		return nil
	}
	for msg := range msgs {
		_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
		if err := conn.WriteJSON(msg); err != nil {
			slog.Debug("Stream client went away", "session_id", id, "error", err)
			return nil
		}
	}
	if ctx.Err() == nil {
		_ = conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, "session closed"),
			time.Now().Add(writeWait))
	}
	return nil
}
