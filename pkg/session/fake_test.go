package session

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/nick-boey/homespun/pkg/bridge"
	"github.com/nick-boey/homespun/pkg/events"
	"github.com/nick-boey/homespun/pkg/msgcache"
	"github.com/nick-boey/homespun/pkg/protocol"
	"github.com/nick-boey/homespun/pkg/sandbox"
)

const (
	waitFor = 2 * time.Second
	tick    = 5 * time.Millisecond
)

type fakeBackend struct {
	mu       sync.Mutex
	next     int
	specs    []sandbox.Spec
	units    map[string]*sandbox.Unit
	stopped  []string
	startErr error
	healthy  bool
}

func newFakeBackend() *fakeBackend {
	return &fakeBackend{units: map[string]*sandbox.Unit{}, healthy: true}
}

func (b *fakeBackend) Name() string { return "fake" }

func (b *fakeBackend) Start(_ context.Context, spec sandbox.Spec) (*sandbox.Unit, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.specs = append(b.specs, spec)
	if b.startErr != nil {
		return nil, b.startErr
	}
	b.next++
	u := &sandbox.Unit{
		ID:         fmt.Sprintf("unit-%d", b.next),
		Name:       spec.Name,
		WorkingDir: spec.WorkingDir,
		Endpoint:   fmt.Sprintf("http://127.0.0.1:%d", 9000+b.next),
		CreatedAt:  time.Now(),
		Backend:    "fake",
	}
	b.units[u.ID] = u
	return u, nil
}

func (b *fakeBackend) Stop(_ context.Context, unitID string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.units[unitID]; !ok {
		return sandbox.ErrUnitNotFound
	}
	delete(b.units, unitID)
	b.stopped = append(b.stopped, unitID)
	return nil
}

func (b *fakeBackend) List(context.Context) ([]*sandbox.Unit, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	var out []*sandbox.Unit
	for _, u := range b.units {
		out = append(out, u)
	}
	return out, nil
}

func (b *fakeBackend) HealthCheck(_ context.Context, unit *sandbox.Unit) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	_, ok := b.units[unit.ID]
	return ok && b.healthy
}

func (b *fakeBackend) Close(context.Context) error { return nil }

func (b *fakeBackend) live() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.units)
}

func (b *fakeBackend) wasStopped(unitID string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, id := range b.stopped {
		if id == unitID {
			return true
		}
	}
	return false
}

// fakeBridge is a scriptable bridge.Service. Each CreateSession opens a new
// stream that tests feed with emit.
type fakeBridge struct {
	mu           sync.Mutex
	created      []bridge.CreateSessionRequest
	sends        []bridge.SendRequest
	streams      []chan protocol.Message
	closed       []string
	interrupts   int
	interruptErr error
	sendErr      error
	questionOK   bool
	planOK       bool
	answers      []protocol.Answers
	decisions    []bridge.PlanDecision
}

func (f *fakeBridge) Dial(*sandbox.Unit) bridge.Service { return f }

func (f *fakeBridge) CreateSession(_ context.Context, req bridge.CreateSessionRequest) (*bridge.SessionHandle, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.created = append(f.created, req)
	f.streams = append(f.streams, make(chan protocol.Message, 64))
	return &bridge.SessionHandle{
		SessionID: fmt.Sprintf("bridge-%d", len(f.created)),
		Model:     req.Model,
		Mode:      req.Mode,
		Running:   req.Prompt != "",
	}, nil
}

func (f *fakeBridge) Send(_ context.Context, _ string, req bridge.SendRequest) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.sendErr != nil {
		return f.sendErr
	}
	f.sends = append(f.sends, req)
	return nil
}

func (f *fakeBridge) Stream(ctx context.Context, sessionID string, _ int64) (<-chan protocol.Message, error) {
	f.mu.Lock()
	var n int
	if _, err := fmt.Sscanf(sessionID, "bridge-%d", &n); err != nil || n < 1 || n > len(f.streams) {
		f.mu.Unlock()
		return nil, bridge.ErrSessionNotFound
	}
	src := f.streams[n-1]
	f.mu.Unlock()

	out := make(chan protocol.Message)
	go func() {
		defer close(out)
		for {
			select {
			case msg, ok := <-src:
				if !ok {
					return
				}
				select {
				case out <- msg:
				case <-ctx.Done():
					return
				}
			case <-ctx.Done():
				return
			}
		}
	}()
	return out, nil
}

func (f *fakeBridge) ResolvePendingQuestion(_ context.Context, _ string, answers protocol.Answers) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.answers = append(f.answers, answers)
	return f.questionOK, nil
}

func (f *fakeBridge) ResolvePendingPlanApproval(_ context.Context, _ string, d bridge.PlanDecision) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.decisions = append(f.decisions, d)
	return f.planOK, nil
}

func (f *fakeBridge) Interrupt(context.Context, string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.interrupts++
	return f.interruptErr
}

func (f *fakeBridge) Close(_ context.Context, sessionID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = append(f.closed, sessionID)
	return nil
}

// emit feeds the most recently created stream.
func (f *fakeBridge) emit(msgs ...protocol.Message) {
	f.mu.Lock()
	src := f.streams[len(f.streams)-1]
	f.mu.Unlock()
	for _, m := range msgs {
		src <- m
	}
}

// end closes the most recently created stream without a session_closed.
func (f *fakeBridge) end() {
	f.mu.Lock()
	defer f.mu.Unlock()
	close(f.streams[len(f.streams)-1])
}

func (f *fakeBridge) createdRequests() []bridge.CreateSessionRequest {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]bridge.CreateSessionRequest(nil), f.created...)
}

func (f *fakeBridge) sent() []bridge.SendRequest {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]bridge.SendRequest(nil), f.sends...)
}

type harness struct {
	reg     *Registry
	backend *fakeBackend
	bridge  *fakeBridge
	cache   msgcache.Store
	bus     *events.Bus
}

func newHarness(t *testing.T, opts ...Opt) *harness {
	t.Helper()
	cache, err := msgcache.NewFileStore(t.TempDir())
	require.NoError(t, err)
	return newHarnessWithCache(t, cache, opts...)
}

func newHarnessWithCache(t *testing.T, cache msgcache.Store, opts ...Opt) *harness {
	t.Helper()
	h := &harness{
		backend: newFakeBackend(),
		bridge:  &fakeBridge{},
		cache:   cache,
		bus:     events.NewBus(1024),
	}
	opts = append([]Opt{WithDialer(h.bridge), WithBus(h.bus), WithDefaults("sonnet", protocol.ModeBuild)}, opts...)
	h.reg = New(h.backend, cache, opts...)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), waitFor)
		defer cancel()
		_ = h.reg.Shutdown(ctx)
	})
	return h
}

func (h *harness) start(t *testing.T, prompt string) Session {
	t.Helper()
	s, err := h.reg.StartOrResume(t.Context(), StartRequest{EntityID: "issue-1", ProjectID: "proj", Prompt: prompt})
	require.NoError(t, err)
	want := StateWaitingForInput
	if prompt != "" {
		want = StateRunning
	}
	h.waitState(t, s.ID, want)
	return s
}

func (h *harness) waitState(t *testing.T, id string, want State) Session {
	t.Helper()
	var last Session
	require.Eventually(t, func() bool {
		s, err := h.reg.Get(t.Context(), id)
		if err != nil {
			return false
		}
		last = s
		return s.State == want
	}, waitFor, tick, "session %s never reached %s", id, want)
	return last
}

func (h *harness) cached(t *testing.T, id string) []protocol.Message {
	t.Helper()
	msgs, err := h.cache.GetMessages(t.Context(), id)
	require.NoError(t, err)
	return msgs
}

// recorder collects every event published on a bus.
type recorder struct {
	mu  sync.Mutex
	evs []events.Event
}

func record(t *testing.T, bus *events.Bus) *recorder {
	t.Helper()
	rec := &recorder{}
	sub := bus.SubscribeAll()
	t.Cleanup(sub.Close)
	go func() {
		for ev := range sub.C {
			rec.mu.Lock()
			rec.evs = append(rec.evs, ev)
			rec.mu.Unlock()
		}
	}()
	return rec
}

func (r *recorder) events() []events.Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]events.Event(nil), r.evs...)
}

func (r *recorder) types() []events.Type {
	var out []events.Type
	for _, ev := range r.events() {
		out = append(out, ev.Type)
	}
	return out
}

func (r *recorder) has(typ events.Type) bool {
	for _, ev := range r.events() {
		if ev.Type == typ {
			return true
		}
	}
	return false
}

func (r *recorder) wait(t *testing.T, typ events.Type) {
	t.Helper()
	require.Eventually(t, func() bool { return r.has(typ) }, waitFor, tick, "no %s event", typ)
}

func initMsg(agentSessionID string) protocol.Message {
	return protocol.Message{
		ID:      protocol.NewID(),
		Type:    protocol.MessageTypeSystem,
		Subtype: protocol.SubtypeInit,
		System:  &protocol.SystemInfo{AgentSessionID: agentSessionID},
	}
}

func assistantText(text string) protocol.Message {
	return protocol.Message{
		ID:      protocol.NewID(),
		Type:    protocol.MessageTypeAssistant,
		Role:    protocol.RoleAssistant,
		Content: []protocol.ContentBlock{{Type: protocol.BlockText, Text: text}},
	}
}

func toolUse(name string, input any) protocol.Message {
	raw, err := json.Marshal(input)
	if err != nil {
		panic(err)
	}
	return protocol.Message{
		ID:   protocol.NewID(),
		Type: protocol.MessageTypeAssistant,
		Role: protocol.RoleAssistant,
		Content: []protocol.ContentBlock{{
			Type:  protocol.BlockToolUse,
			ID:    "tool-" + name,
			Name:  name,
			Input: raw,
		}},
	}
}

func question() protocol.Message {
	return toolUse(protocol.ToolAskUserQuestion, map[string]any{
		"questions": []map[string]any{{
			"question": "Which database?",
			"header":   "DB",
			"options":  []map[string]string{{"label": "sqlite"}, {"label": "postgres"}},
		}},
	})
}

func plan(text string) protocol.Message {
	return toolUse(protocol.ToolExitPlanMode, map[string]any{"plan": text})
}

func result(cost float64, durationMS int64) protocol.Message {
	return protocol.Message{
		ID:      protocol.NewID(),
		Type:    protocol.MessageTypeResult,
		Subtype: "success",
		Result:  &protocol.Result{Subtype: "success", Text: "done", CostUSD: cost, DurationMS: durationMS},
	}
}

func errorResult(subtype, message string) protocol.Message {
	return protocol.Message{
		ID:      protocol.NewID(),
		Type:    protocol.MessageTypeResult,
		Subtype: subtype,
		Result:  &protocol.Result{Subtype: subtype, IsError: true, ErrorMessage: message},
	}
}

func interruptedResult() protocol.Message {
	m := errorResult("error_during_execution", "interrupted")
	m.Result.Interrupted = true
	return m
}
