package server

import (
	"context"
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/nick-boey/homespun/pkg/protocol"
	"github.com/nick-boey/homespun/pkg/session"
)

// SendMessageRequest carries a follow-up message. Mode, when set, becomes the
// session mode before the message is delivered.
type SendMessageRequest struct {
	Message string                `json:"message"`
	Mode    *protocol.SessionMode `json:"mode,omitempty"`
}

type AnswerRequest struct {
	QuestionID string           `json:"question_id,omitempty"`
	Answers    protocol.Answers `json:"answers"`
}

type PlanRequest struct {
	Approved    bool   `json:"approved"`
	KeepContext bool   `json:"keep_context"`
	Feedback    string `json:"feedback,omitempty"`
}

type ModeRequest struct {
	Mode protocol.SessionMode `json:"mode"`
}

type ModelRequest struct {
	Model string `json:"model"`
}

type ResolvedResponse struct {
	Resolved bool `json:"resolved"`
}

type CountResponse struct {
	Count int `json:"count"`
}

func (s *Server) startSession(c echo.Context) error {
	var req session.StartRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	// Provisioning outlives the request.
	sess, err := s.sessions.StartOrResume(context.WithoutCancel(c.Request().Context()), req)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusCreated, sess)
}

func (s *Server) listSessions(c echo.Context) error {
	list, err := s.sessions.List(c.Request().Context())
	if err != nil {
		return httpError(err)
	}
	if list == nil {
		list = []session.Session{}
	}
	return c.JSON(http.StatusOK, list)
}

func (s *Server) listProjectSessions(c echo.Context) error {
	list, err := s.sessions.ListForProject(c.Request().Context(), c.Param("project"))
	if err != nil {
		return httpError(err)
	}
	if list == nil {
		list = []session.Session{}
	}
	return c.JSON(http.StatusOK, list)
}

func (s *Server) getSession(c echo.Context) error {
	sess, err := s.sessions.Get(c.Request().Context(), c.Param("id"))
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, sess)
}

func (s *Server) deleteSession(c echo.Context) error {
	if err := s.sessions.Delete(c.Request().Context(), c.Param("id")); err != nil {
		return httpError(err)
	}
	return c.NoContent(http.StatusNoContent)
}

func (s *Server) sendMessage(c echo.Context) error {
	var req SendMessageRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	if req.Mode != nil {
		if _, err := protocol.ParseSessionMode(string(*req.Mode)); err != nil {
			return echo.NewHTTPError(http.StatusBadRequest, err.Error())
		}
	}
	sess, err := s.sessions.Send(context.WithoutCancel(c.Request().Context()), c.Param("id"), req.Message, req.Mode)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusAccepted, sess)
}

func (s *Server) getMessages(c echo.Context) error {
	msgs, err := s.sessions.Messages(c.Request().Context(), c.Param("id"))
	if err != nil {
		return httpError(err)
	}
	if msgs == nil {
		msgs = []protocol.Message{}
	}
	return c.JSON(http.StatusOK, msgs)
}

func (s *Server) cachedCount(c echo.Context) error {
	n, err := s.sessions.CachedMessageCount(c.Request().Context(), c.Param("id"))
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, CountResponse{Count: n})
}

func (s *Server) interrupt(c echo.Context) error {
	return s.sessionOp(c, s.sessions.Interrupt)
}

func (s *Server) stop(c echo.Context) error {
	return s.sessionOp(c, s.sessions.Stop)
}

func (s *Server) restart(c echo.Context) error {
	return s.sessionOp(c, s.sessions.RestartContainer)
}

func (s *Server) sessionOp(c echo.Context, op func(context.Context, string) (session.Session, error)) error {
	sess, err := op(context.WithoutCancel(c.Request().Context()), c.Param("id"))
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, sess)
}

func (s *Server) answer(c echo.Context) error {
	var req AnswerRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	ok, err := s.sessions.AnswerQuestion(context.WithoutCancel(c.Request().Context()), c.Param("id"), req.QuestionID, req.Answers)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, ResolvedResponse{Resolved: ok})
}

func (s *Server) plan(c echo.Context) error {
	var req PlanRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	ok, err := s.sessions.ApprovePlan(context.WithoutCancel(c.Request().Context()), c.Param("id"), req.Approved, req.KeepContext, req.Feedback)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, ResolvedResponse{Resolved: ok})
}

func (s *Server) setMode(c echo.Context) error {
	var req ModeRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	sess, err := s.sessions.SetMode(c.Request().Context(), c.Param("id"), req.Mode)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, sess)
}

func (s *Server) setModel(c echo.Context) error {
	var req ModelRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	sess, err := s.sessions.SetModel(c.Request().Context(), c.Param("id"), req.Model)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, sess)
}
