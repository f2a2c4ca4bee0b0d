package bridge

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/nick-boey/homespun/pkg/protocol"
)

// fakeRuntime records what the bridge writes and lets tests inject output.
type fakeRuntime struct {
	lines  chan []byte
	writes chan map[string]any

	mu      sync.Mutex
	written []map[string]any
	once    sync.Once
}

func newFakeRuntime() *fakeRuntime {
	return &fakeRuntime{
		lines:  make(chan []byte, 64),
		writes: make(chan map[string]any, 64),
	}
}

func (r *fakeRuntime) Write(v any) error {
	buf, err := json.Marshal(v)
	if err != nil {
		return err
	}
	var m map[string]any
	if err := json.Unmarshal(buf, &m); err != nil {
		return err
	}
	r.mu.Lock()
	r.written = append(r.written, m)
	r.mu.Unlock()
	select {
	case r.writes <- m:
	default:
	}
	return nil
}

func (r *fakeRuntime) Lines() <-chan []byte { return r.lines }

func (r *fakeRuntime) Close() error {
	r.once.Do(func() { close(r.lines) })
	return nil
}

func (r *fakeRuntime) emit(line string) { r.lines <- []byte(line) }

func (r *fakeRuntime) snapshot() []map[string]any {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]map[string]any(nil), r.written...)
}

// next waits for the next write.
func (r *fakeRuntime) next(t *testing.T) map[string]any {
	t.Helper()
	select {
	case m := <-r.writes:
		return m
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for a runtime write")
		return nil
	}
}

// nextOf skips writes until one has the given type.
func (r *fakeRuntime) nextOf(t *testing.T, typ string) map[string]any {
	t.Helper()
	for {
		m := r.next(t)
		if m["type"] == typ {
			return m
		}
	}
}

func (r *fakeRuntime) quiet(t *testing.T) {
	t.Helper()
	select {
	case m := <-r.writes:
		t.Fatalf("unexpected runtime write: %v", m)
	case <-time.After(50 * time.Millisecond):
	}
}

type fakeLauncher struct {
	mu       sync.Mutex
	configs  []LaunchConfig
	runtimes []*fakeRuntime
	launched chan *fakeRuntime
}

func newFakeLauncher() *fakeLauncher {
	return &fakeLauncher{launched: make(chan *fakeRuntime, 8)}
}

func (l *fakeLauncher) Launch(_ context.Context, cfg LaunchConfig) (Runtime, error) {
	rt := newFakeRuntime()
	l.mu.Lock()
	l.configs = append(l.configs, cfg)
	l.runtimes = append(l.runtimes, rt)
	l.mu.Unlock()
	l.launched <- rt
	return rt, nil
}

func (l *fakeLauncher) runtime(t *testing.T) *fakeRuntime {
	t.Helper()
	select {
	case rt := <-l.launched:
		return rt
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for a runtime launch")
		return nil
	}
}

func (l *fakeLauncher) config(i int) LaunchConfig {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.configs[i]
}

func userText(m map[string]any) string {
	msg, _ := m["message"].(map[string]any)
	content, _ := msg["content"].([]any)
	if len(content) == 0 {
		return ""
	}
	block, _ := content[0].(map[string]any)
	s, _ := block["text"].(string)
	return s
}

func controlSubtype(m map[string]any) string {
	req, _ := m["request"].(map[string]any)
	s, _ := req["subtype"].(string)
	return s
}

func permission(m map[string]any) map[string]any {
	resp, _ := m["response"].(map[string]any)
	inner, _ := resp["response"].(map[string]any)
	return inner
}

// collect reads from msgs until pred matches or the channel closes.
func collect(t *testing.T, msgs <-chan protocol.Message, pred func(protocol.Message) bool) []protocol.Message {
	t.Helper()
	var out []protocol.Message
	timeout := time.After(2 * time.Second)
	for {
		select {
		case msg, ok := <-msgs:
			if !ok {
				return out
			}
			out = append(out, msg)
			if pred != nil && pred(msg) {
				return out
			}
		case <-timeout:
			require.FailNow(t, "timed out collecting messages", "got %d so far", len(out))
		}
	}
}

const (
	initLine = `{"type":"system","subtype":"init","session_id":"native-1","model":"sonnet","permissionMode":"default","tools":["Bash"]}`
	okResult = `{"type":"result","subtype":"success","session_id":"native-1","is_error":false,"result":"done","total_cost_usd":0.01,"num_turns":1}`
)
