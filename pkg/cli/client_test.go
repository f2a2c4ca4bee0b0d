package cli

import (
	"encoding/json"
	"net"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"gotest.tools/v3/assert"
	is "gotest.tools/v3/assert/cmp"

	"github.com/nick-boey/homespun/pkg/events"
	"github.com/nick-boey/homespun/pkg/session"
)

func fakeOrchestrator(t *testing.T) *http.ServeMux {
	t.Helper()

	mux := http.NewServeMux()
	mux.HandleFunc("GET /api/sessions", func(w http.ResponseWriter, _ *http.Request) {
		_ = json.NewEncoder(w).Encode([]session.Session{{ID: "s1", State: session.StateRunning}})
	})
	mux.HandleFunc("GET /api/projects/{project}/sessions", func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode([]session.Session{{ID: "s2", ProjectID: r.PathValue("project")}})
	})
	mux.HandleFunc("GET /api/sessions/{id}", func(w http.ResponseWriter, r *http.Request) {
		if r.PathValue("id") != "s1" {
			w.WriteHeader(http.StatusNotFound)
			_, _ = w.Write([]byte(`{"message":"session not found"}`))
			return
		}
		_ = json.NewEncoder(w).Encode(session.Session{ID: "s1"})
	})
	mux.HandleFunc("POST /api/sessions/{id}/messages", func(w http.ResponseWriter, r *http.Request) {
		var body map[string]string
		_ = json.NewDecoder(r.Body).Decode(&body)
		w.WriteHeader(http.StatusAccepted)
		_ = json.NewEncoder(w).Encode(session.Session{ID: r.PathValue("id"), Title: body["message"]})
	})
	mux.HandleFunc("GET /api/sessions/{id}/events", func(w http.ResponseWriter, r *http.Request) {
		upgrader := websocket.Upgrader{}
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		_ = conn.WriteJSON(events.Event{Type: events.TypeSnapshot, SessionID: r.PathValue("id")})
		_ = conn.WriteJSON(events.Event{Type: events.TypeStatusChanged, SessionID: r.PathValue("id"), Status: "running"})
		_ = conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseGoingAway, "event feed closed"),
			time.Now().Add(time.Second))
	})
	return mux
}

func TestClient_HTTP(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(fakeOrchestrator(t))
	t.Cleanup(srv.Close)
	c := NewClient(srv.URL)

	list, err := c.ListSessions(t.Context())
	assert.NilError(t, err)
	assert.Equal(t, len(list), 1)
	assert.Equal(t, list[0].ID, "s1")

	list, err = c.ListProjectSessions(t.Context(), "proj")
	assert.NilError(t, err)
	assert.Equal(t, list[0].ProjectID, "proj")

	s, err := c.Send(t.Context(), "s1", "hello")
	assert.NilError(t, err)
	assert.Equal(t, s.Title, "hello")

	_, err = c.GetSession(t.Context(), "missing")
	assert.ErrorContains(t, err, "session not found (404)")
}

func TestClient_Watch(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(fakeOrchestrator(t))
	t.Cleanup(srv.Close)

	var got []events.Type
	err := NewClient(srv.URL).Watch(t.Context(), "s1", func(ev events.Event) {
		got = append(got, ev.Type)
	})
	assert.NilError(t, err)
	assert.DeepEqual(t, got, []events.Type{events.TypeSnapshot, events.TypeStatusChanged})
}

func TestClient_UnixSocket(t *testing.T) {
	t.Parallel()

	sock := filepath.Join(t.TempDir(), "h.sock")
	ln, err := net.Listen("unix", sock)
	assert.NilError(t, err)

	srv := &http.Server{Handler: fakeOrchestrator(t), ReadHeaderTimeout: time.Second}
	go func() { _ = srv.Serve(ln) }()
	t.Cleanup(func() { _ = srv.Close() })

	c := NewClient("unix://" + sock)
	s, err := c.GetSession(t.Context(), "s1")
	assert.NilError(t, err)
	assert.Equal(t, s.ID, "s1")

	var got []events.Event
	err = c.Watch(t.Context(), "s1", func(ev events.Event) { got = append(got, ev) })
	assert.NilError(t, err)
	assert.Assert(t, is.Len(got, 2))
	assert.Equal(t, got[1].Status, "running")
}

func TestNewClient_Addresses(t *testing.T) {
	t.Parallel()

	assert.Equal(t, NewClient("127.0.0.1:8420").base, "http://127.0.0.1:8420")
	assert.Equal(t, NewClient("https://example.com/").base, "https://example.com")
	assert.Equal(t, NewClient("unix:///tmp/h.sock").base, "http://unix")
}

func TestClient_Token(t *testing.T) {
	t.Parallel()

	var seen []string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen = append(seen, r.Header.Get("Authorization"))
		_ = json.NewEncoder(w).Encode([]session.Session{})
	}))
	t.Cleanup(srv.Close)

	_, err := NewClient(srv.URL).WithToken("abc").ListSessions(t.Context())
	assert.NilError(t, err)
	_, err = NewClient(srv.URL).ListSessions(t.Context())
	assert.NilError(t, err)

	assert.DeepEqual(t, []string{"Bearer abc", ""}, seen)
}
