package bridge

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"github.com/gorilla/websocket"

	"github.com/nick-boey/homespun/pkg/protocol"
)

// StatusError is an unexpected HTTP status from a bridge.
type StatusError struct {
	Code    int
	Message string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("bridge returned %d: %s", e.Code, e.Message)
}

// Client talks to a Server running inside a compute unit.
type Client struct {
	base   string
	http   *http.Client
	dialer *websocket.Dialer
}

var _ Service = (*Client)(nil)

// NewClient returns a client for the bridge at endpoint, for example
// "http://127.0.0.1:20001". A nil httpClient selects http.DefaultClient.
func NewClient(endpoint string, httpClient *http.Client) *Client {
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	return &Client{
		base:   strings.TrimSuffix(endpoint, "/"),
		http:   httpClient,
		dialer: websocket.DefaultDialer,
	}
}

func (c *Client) do(ctx context.Context, method, path string, body, out any) error {
	var reader io.Reader = http.NoBody
	if body != nil {
		buf, err := json.Marshal(body)
		if err != nil {
			return err
		}
		reader = bytes.NewReader(buf)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.base+path, reader)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("calling bridge: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		return statusError(resp)
	}
	if out == nil {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decoding bridge response: %w", err)
	}
	return nil
}

func statusError(resp *http.Response) error {
	var body struct {
		Message string `json:"message"`
	}
	_ = json.NewDecoder(io.LimitReader(resp.Body, 64<<10)).Decode(&body)

	switch resp.StatusCode {
	case http.StatusNotFound:
		return ErrSessionNotFound
	case http.StatusGone:
		return ErrSessionClosed
	case http.StatusConflict:
		return ErrNotRunning
	}
	return &StatusError{Code: resp.StatusCode, Message: body.Message}
}

// Health reports whether the bridge answers its health endpoint.
func (c *Client) Health(ctx context.Context) error {
	return c.do(ctx, http.MethodGet, "/health", nil, nil)
}

func (c *Client) CreateSession(ctx context.Context, req CreateSessionRequest) (*SessionHandle, error) {
	var h SessionHandle
	if err := c.do(ctx, http.MethodPost, "/sessions", req, &h); err != nil {
		return nil, err
	}
	return &h, nil
}

// Session fetches the current handle of a session.
func (c *Client) Session(ctx context.Context, sessionID string) (*SessionHandle, error) {
	var h SessionHandle
	if err := c.do(ctx, http.MethodGet, "/sessions/"+url.PathEscape(sessionID), nil, &h); err != nil {
		return nil, err
	}
	return &h, nil
}

func (c *Client) Send(ctx context.Context, sessionID string, req SendRequest) error {
	return c.do(ctx, http.MethodPost, "/sessions/"+url.PathEscape(sessionID)+"/messages", req, nil)
}

func (c *Client) ResolvePendingQuestion(ctx context.Context, sessionID string, answers protocol.Answers) (bool, error) {
	var out resolvedResponse
	if err := c.do(ctx, http.MethodPost, "/sessions/"+url.PathEscape(sessionID)+"/answers", answers, &out); err != nil {
		return false, err
	}
	return out.Resolved, nil
}

func (c *Client) ResolvePendingPlanApproval(ctx context.Context, sessionID string, decision PlanDecision) (bool, error) {
	var out resolvedResponse
	if err := c.do(ctx, http.MethodPost, "/sessions/"+url.PathEscape(sessionID)+"/plan", decision, &out); err != nil {
		return false, err
	}
	return out.Resolved, nil
}

func (c *Client) Interrupt(ctx context.Context, sessionID string) error {
	return c.do(ctx, http.MethodPost, "/sessions/"+url.PathEscape(sessionID)+"/interrupt", nil, nil)
}

func (c *Client) Close(ctx context.Context, sessionID string) error {
	return c.do(ctx, http.MethodDelete, "/sessions/"+url.PathEscape(sessionID), nil, nil)
}

func (c *Client) streamURL(sessionID string, afterSeq int64) string {
	u := c.base
	switch {
	case strings.HasPrefix(u, "https://"):
		u = "wss://" + strings.TrimPrefix(u, "https://")
	case strings.HasPrefix(u, "http://"):
		u = "ws://" + strings.TrimPrefix(u, "http://")
	}
	return u + "/sessions/" + url.PathEscape(sessionID) + "/stream?after=" + strconv.FormatInt(afterSeq, 10)
}

func (c *Client) Stream(ctx context.Context, sessionID string, afterSeq int64) (<-chan protocol.Message, error) {
	conn, resp, err := c.dialer.DialContext(ctx, c.streamURL(sessionID, afterSeq), nil)
	if err != nil {
		if resp != nil {
			defer resp.Body.Close()
			return nil, statusError(resp)
		}
		return nil, fmt.Errorf("opening bridge stream: %w", err)
	}

	out := make(chan protocol.Message, 64)
	stop := context.AfterFunc(ctx, func() { _ = conn.Close() })
	go func() {
		defer close(out)
		defer stop()
		defer conn.Close()
		for {
			var msg protocol.Message
			if err := conn.ReadJSON(&msg); err != nil {
				if !websocket.IsCloseError(err, websocket.CloseNormalClosure) && ctx.Err() == nil {
					slog.Warn("Bridge stream ended unexpectedly", "session_id", sessionID, "error", err)
				}
				return
			}
			select {
			case out <- msg:
			case <-ctx.Done():
				return
			}
		}
	}()
	return out, nil
}
