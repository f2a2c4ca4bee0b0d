package cli

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/gorilla/websocket"

	"github.com/nick-boey/homespun/pkg/events"
	"github.com/nick-boey/homespun/pkg/protocol"
	"github.com/nick-boey/homespun/pkg/session"
)

// Client calls the orchestrator's HTTP API.
type Client struct {
	base   string
	token  string
	http   *http.Client
	dialer *websocket.Dialer
}

// WithToken sends token as a bearer credential on every call.
func (c *Client) WithToken(token string) *Client {
	c.token = token
	return c
}

func (c *Client) authHeader() http.Header {
	h := http.Header{}
	if c.token != "" {
		h.Set("Authorization", "Bearer "+c.token)
	}
	return h
}

// NewClient accepts host:port, an http(s) URL or unix:///path/to/socket.
func NewClient(addr string) *Client {
	c := &Client{
		http:   &http.Client{Timeout: 30 * time.Second},
		dialer: &websocket.Dialer{HandshakeTimeout: 10 * time.Second},
	}

	switch {
	case strings.HasPrefix(addr, "unix://"):
		path := strings.TrimPrefix(addr, "unix://")
		dial := func(ctx context.Context, _, _ string) (net.Conn, error) {
			var d net.Dialer
			return d.DialContext(ctx, "unix", path)
		}
		c.http.Transport = &http.Transport{DialContext: dial}
		c.dialer.NetDialContext = dial
		c.base = "http://unix"
	case strings.HasPrefix(addr, "http://"), strings.HasPrefix(addr, "https://"):
		c.base = strings.TrimSuffix(addr, "/")
	default:
		c.base = "http://" + addr
	}
	return c
}

type apiError struct {
	Message string `json:"message"`
}

func (c *Client) do(ctx context.Context, method, path string, body, out any) error {
	var reader io.Reader
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
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("contacting orchestrator: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= http.StatusBadRequest {
		var apiErr apiError
		_ = json.NewDecoder(resp.Body).Decode(&apiErr)
		if apiErr.Message == "" {
			apiErr.Message = http.StatusText(resp.StatusCode)
		}
		return fmt.Errorf("%s (%d)", apiErr.Message, resp.StatusCode)
	}
	if out == nil || resp.StatusCode == http.StatusNoContent {
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

func (c *Client) ListSessions(ctx context.Context) ([]session.Session, error) {
	var list []session.Session
	err := c.do(ctx, http.MethodGet, "/api/sessions", nil, &list)
	return list, err
}

func (c *Client) ListProjectSessions(ctx context.Context, projectID string) ([]session.Session, error) {
	var list []session.Session
	err := c.do(ctx, http.MethodGet, "/api/projects/"+url.PathEscape(projectID)+"/sessions", nil, &list)
	return list, err
}

func (c *Client) GetSession(ctx context.Context, id string) (session.Session, error) {
	var s session.Session
	err := c.do(ctx, http.MethodGet, "/api/sessions/"+url.PathEscape(id), nil, &s)
	return s, err
}

func (c *Client) Messages(ctx context.Context, id string) ([]protocol.Message, error) {
	var msgs []protocol.Message
	err := c.do(ctx, http.MethodGet, "/api/sessions/"+url.PathEscape(id)+"/messages", nil, &msgs)
	return msgs, err
}

func (c *Client) Start(ctx context.Context, req session.StartRequest) (session.Session, error) {
	var s session.Session
	err := c.do(ctx, http.MethodPost, "/api/sessions", req, &s)
	return s, err
}

func (c *Client) Send(ctx context.Context, id, message string) (session.Session, error) {
	var s session.Session
	err := c.do(ctx, http.MethodPost, "/api/sessions/"+url.PathEscape(id)+"/messages", map[string]string{"message": message}, &s)
	return s, err
}

func (c *Client) Stop(ctx context.Context, id string) (session.Session, error) {
	var s session.Session
	err := c.do(ctx, http.MethodPost, "/api/sessions/"+url.PathEscape(id)+"/stop", nil, &s)
	return s, err
}

// Watch calls fn for every event of a session until ctx is cancelled or the
// orchestrator closes the feed.
func (c *Client) Watch(ctx context.Context, id string, fn func(events.Event)) error {
	wsURL := "ws" + strings.TrimPrefix(c.base, "http") + "/api/sessions/" + url.PathEscape(id) + "/events"

	conn, resp, err := c.dialer.DialContext(ctx, wsURL, c.authHeader())
	if resp != nil && resp.Body != nil {
		defer resp.Body.Close()
	}
	if err != nil {
		if resp != nil {
			return fmt.Errorf("watching session %s: %s", id, resp.Status)
		}
		return fmt.Errorf("watching session %s: %w", id, err)
	}
	defer conn.Close()

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	go func() {
		<-ctx.Done()
		_ = conn.Close()
	}()

	for {
		var ev events.Event
		if err := conn.ReadJSON(&ev); err != nil {
			if ctx.Err() != nil || websocket.IsCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				return nil
			}
			var closeErr *websocket.CloseError
			if errors.As(err, &closeErr) {
				return fmt.Errorf("event feed closed: %s", closeErr.Text)
			}
			return fmt.Errorf("reading event: %w", err)
		}
		fn(ev)
	}
}
