// Package session owns the lifecycle of orchestrated agent sessions. Every
// session is driven by its own actor goroutine; the Registry only maps ids to
// actors.
package session

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/nick-boey/homespun/pkg/bridge"
	"github.com/nick-boey/homespun/pkg/protocol"
	"github.com/nick-boey/homespun/pkg/sandbox"
)

var (
	ErrNotFound = errors.New("session not found")
	// ErrTurnInProgress rejects a message while the agent is still working on
	// the previous one or is blocked on a question or plan.
	ErrTurnInProgress = errors.New("a turn is already in progress")
	// ErrNotReady rejects operations while the compute unit is being provisioned.
	ErrNotReady     = errors.New("session is still starting")
	ErrClosed       = errors.New("session registry is shut down")
	ErrEmptyMessage = errors.New("message cannot be empty")

	// ErrInvalidRequest wraps every validation failure.
	ErrInvalidRequest = errors.New("invalid request")
)

// Error subtypes produced by the registry itself. Agent failures carry the
// runtime's own result subtype.
const (
	SubtypeStartFailed       = "start_failed"
	SubtypeStreamTerminated  = "stream_terminated"
	SubtypeBridgeUnavailable = "bridge_unavailable"
)

// Error is a session failure surfaced to operators.
type Error struct {
	Message     string `json:"message"`
	Subtype     string `json:"subtype"`
	Recoverable bool   `json:"recoverable"`
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s: %s", e.Subtype, e.Message)
}

// UnitRef identifies the compute unit bound to a session.
type UnitRef struct {
	ID       string `json:"id"`
	Name     string `json:"name"`
	Backend  string `json:"backend"`
	Endpoint string `json:"endpoint,omitempty"`
}

// Session is a point-in-time view of a session.
type Session struct {
	ID         string               `json:"id"`
	EntityID   string               `json:"entity_id"`
	ProjectID  string               `json:"project_id"`
	Title      string               `json:"title,omitempty"`
	State      State                `json:"state"`
	Model      string               `json:"model"`
	Mode       protocol.SessionMode `json:"mode"`
	WorkingDir string               `json:"working_dir,omitempty"`

	CreatedAt      time.Time `json:"created_at"`
	LastActivityAt time.Time `json:"last_activity_at"`

	TotalCostUSD    float64 `json:"total_cost_usd"`
	TotalDurationMS int64   `json:"total_duration_ms"`

	PendingQuestion *protocol.PendingQuestion     `json:"pending_question,omitempty"`
	PendingPlan     *protocol.PendingPlanApproval `json:"pending_plan,omitempty"`
	LastError       *Error                        `json:"last_error,omitempty"`

	Unit           *UnitRef `json:"unit,omitempty"`
	AgentSessionID string   `json:"agent_session_id,omitempty"`
	// Healthy is only set by List, which probes bound units.
	Healthy *bool `json:"healthy,omitempty"`
}

// StartRequest starts a new session or resumes a known one.
type StartRequest struct {
	EntityID  string               `json:"entity_id"`
	ProjectID string               `json:"project_id"`
	Mode      protocol.SessionMode `json:"mode,omitempty"`
	Model     string               `json:"model,omitempty"`
	// WorkingDir overrides the directory the WorkspacePreparer would provide.
	WorkingDir string `json:"working_dir,omitempty"`
	Prompt     string `json:"prompt,omitempty"`
	// ResumeID is a previous session id. Its cached history and agent session
	// are continued.
	ResumeID string `json:"resume_id,omitempty"`
}

// Entity is display metadata about the work item a session serves.
type Entity struct {
	ID    string `json:"id"`
	Title string `json:"title"`
}

// WorkspacePreparer readies a working directory for an entity. It runs while
// the session is in running_hooks.
type WorkspacePreparer interface {
	Prepare(ctx context.Context, entityID, projectID string) (string, error)
}

// SecretProvider supplies environment variables for a compute unit.
type SecretProvider interface {
	Env(ctx context.Context, entityID, projectID string) (map[string]string, error)
}

// EntityLookup returns display metadata about an entity.
type EntityLookup interface {
	Lookup(ctx context.Context, entityID string) (*Entity, error)
}

// BridgeDialer connects to the bridge running in a compute unit.
type BridgeDialer interface {
	Dial(unit *sandbox.Unit) bridge.Service
}

// HTTPDialer reaches bridges over their HTTP endpoint.
type HTTPDialer struct {
	Client *http.Client
}

func (d HTTPDialer) Dial(unit *sandbox.Unit) bridge.Service {
	return bridge.NewClient(unit.Endpoint, d.Client)
}
