package server

import (
	"context"
	"log/slog"
	"time"

	"github.com/gorilla/websocket"
	"github.com/labstack/echo/v4"

	"github.com/nick-boey/homespun/pkg/events"
)

const (
	writeWait  = 10 * time.Second
	pingPeriod = 30 * time.Second
)

// sessionEvents streams one session's events, starting with a snapshot.
func (s *Server) sessionEvents(c echo.Context) error {
	id := c.Param("id")
	if _, err := s.sessions.Get(c.Request().Context(), id); err != nil {
		return httpError(err)
	}
	return s.feed(c, func() *events.Subscription {
		return s.sessions.Events().Subscribe(id)
	})
}

// allEvents streams the events of every session.
func (s *Server) allEvents(c echo.Context) error {
	return s.feed(c, s.sessions.Events().SubscribeAll)
}

func (s *Server) feed(c echo.Context, subscribe func() *events.Subscription) error {
	conn, err := s.upgrader.Upgrade(c.Response(), c.Request(), nil)
	if err != nil {
		// Upgrade already wrote the error response.
		slog.Debug("Websocket upgrade failed", "error", err)
		return nil
	}
	defer conn.Close()

	sub := subscribe()
	defer sub.Close()

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

	ping := time.NewTicker(pingPeriod)
	defer ping.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ping.C:
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait)); err != nil {
				return nil
			}
		case ev, ok := <-sub.C:
			if !ok {
				// Dropped as a slow subscriber, or the session was deleted.
				_ = conn.WriteControl(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseGoingAway, "event feed closed"),
					time.Now().Add(writeWait))
				return nil
			}
			_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteJSON(ev); err != nil {
				slog.Debug("Event client went away", "session_id", ev.SessionID, "error", err)
				return nil
			}
		}
	}
}
