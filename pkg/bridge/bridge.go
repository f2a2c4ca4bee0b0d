// Package bridge wraps an agent runtime inside a compute unit and exposes its
// normalized message stream over HTTP and websockets.
package bridge

import (
	"context"
	"log/slog"
	"sync"

	"github.com/google/uuid"

	"github.com/nick-boey/homespun/pkg/protocol"
)

// CreateSessionRequest starts or resumes an agent session.
type CreateSessionRequest struct {
	Prompt     string               `json:"prompt"`
	Model      string               `json:"model,omitempty"`
	Mode       protocol.SessionMode `json:"mode,omitempty"`
	WorkingDir string               `json:"working_dir,omitempty"`
	// ResumeID is the agent runtime's own session id to continue.
	ResumeID string `json:"resume_id,omitempty"`
}

// SessionHandle identifies a bridge session.
type SessionHandle struct {
	SessionID      string               `json:"session_id"`
	Model          string               `json:"model,omitempty"`
	Mode           protocol.SessionMode `json:"mode"`
	AgentSessionID string               `json:"agent_session_id,omitempty"`
	Running        bool                 `json:"running"`
	LastSeq        int64                `json:"last_seq"`
}

// SendRequest carries a follow-up user message.
type SendRequest struct {
	Message string                `json:"message"`
	Mode    *protocol.SessionMode `json:"mode,omitempty"`
}

// PlanDecision resolves a pending plan approval.
type PlanDecision struct {
	Approved    bool   `json:"approved"`
	KeepContext bool   `json:"keep_context"`
	Feedback    string `json:"feedback,omitempty"`
}

// Service is the bridge contract, served in-process by Bridge and remotely
// by Client.
type Service interface {
	CreateSession(ctx context.Context, req CreateSessionRequest) (*SessionHandle, error)
	Send(ctx context.Context, sessionID string, req SendRequest) error
	// Stream yields messages with a sequence number above afterSeq. The
	// channel is closed when the session closes, the connection drops or ctx
	// ends.
	Stream(ctx context.Context, sessionID string, afterSeq int64) (<-chan protocol.Message, error)
	ResolvePendingQuestion(ctx context.Context, sessionID string, answers protocol.Answers) (bool, error)
	ResolvePendingPlanApproval(ctx context.Context, sessionID string, decision PlanDecision) (bool, error)
	Interrupt(ctx context.Context, sessionID string) error
	Close(ctx context.Context, sessionID string) error
}

// Bridge hosts agent sessions in the current process.
type Bridge struct {
	launcher Launcher
	env      []string

	mu       sync.Mutex
	sessions map[string]*agent
}

var _ Service = (*Bridge)(nil)

// New returns a bridge that starts runtimes with launcher. env is added to
// every runtime's environment.
func New(launcher Launcher, env []string) *Bridge {
	return &Bridge{
		launcher: launcher,
		env:      env,
		sessions: make(map[string]*agent),
	}
}

func (b *Bridge) lookup(sessionID string) (*agent, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	a, ok := b.sessions[sessionID]
	if !ok {
		return nil, ErrSessionNotFound
	}
	return a, nil
}

func (b *Bridge) CreateSession(ctx context.Context, req CreateSessionRequest) (*SessionHandle, error) {
	if req.Mode == "" {
		req.Mode = protocol.ModeBuild
	}
	id := uuid.NewString()
	a := newAgent(id, b.launcher, b.env, req)
	if err := a.start(ctx, req.Prompt); err != nil {
		return nil, err
	}

	b.mu.Lock()
	b.sessions[id] = a
	b.mu.Unlock()

	slog.Info("Bridge session created", "session_id", id, "mode", req.Mode, "model", req.Model, "resume", req.ResumeID != "")
	return a.handle(), nil
}

func (b *Bridge) Send(ctx context.Context, sessionID string, req SendRequest) error {
	a, err := b.lookup(sessionID)
	if err != nil {
		return err
	}
	return a.send(ctx, req.Message, req.Mode)
}

func (b *Bridge) Stream(ctx context.Context, sessionID string, afterSeq int64) (<-chan protocol.Message, error) {
	a, err := b.lookup(sessionID)
	if err != nil {
		return nil, err
	}
	return a.stream(ctx, afterSeq), nil
}

func (b *Bridge) ResolvePendingQuestion(_ context.Context, sessionID string, answers protocol.Answers) (bool, error) {
	a, err := b.lookup(sessionID)
	if err != nil {
		return false, err
	}
	return a.resolveQuestion(answers), nil
}

func (b *Bridge) ResolvePendingPlanApproval(_ context.Context, sessionID string, decision PlanDecision) (bool, error) {
	a, err := b.lookup(sessionID)
	if err != nil {
		return false, err
	}
	return a.resolvePlan(decision), nil
}

func (b *Bridge) Interrupt(_ context.Context, sessionID string) error {
	a, err := b.lookup(sessionID)
	if err != nil {
		return err
	}
	return a.interrupt()
}

// Close ends the session. The session stays addressable so late streams can
// still read its history up to session_closed.
func (b *Bridge) Close(_ context.Context, sessionID string) error {
	a, err := b.lookup(sessionID)
	if err != nil {
		return err
	}
	a.close()
	slog.Info("Bridge session closed", "session_id", sessionID)
	return nil
}

// Session returns the handle of a session.
func (b *Bridge) Session(sessionID string) (*SessionHandle, error) {
	a, err := b.lookup(sessionID)
	if err != nil {
		return nil, err
	}
	return a.handle(), nil
}

// Shutdown closes every session.
func (b *Bridge) Shutdown() {
	b.mu.Lock()
	agents := make([]*agent, 0, len(b.sessions))
	for _, a := range b.sessions {
		agents = append(agents, a)
	}
	b.mu.Unlock()

	var wg sync.WaitGroup
	for _, a := range agents {
		wg.Add(1)
		go func() {
			defer wg.Done()
			a.close()
		}()
	}
	wg.Wait()
}
