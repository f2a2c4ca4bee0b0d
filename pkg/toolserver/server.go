// Package toolserver exposes session orchestration as MCP tools, so that an
// agent or an MCP-capable client can drive sessions. It serves over stdio or
// streamable HTTP.
package toolserver

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/nick-boey/homespun/pkg/protocol"
	"github.com/nick-boey/homespun/pkg/session"
)

// Sessions is the registry surface exposed as tools.
type Sessions interface {
	StartOrResume(ctx context.Context, req session.StartRequest) (session.Session, error)
	Send(ctx context.Context, id, message string, mode *protocol.SessionMode) (session.Session, error)
	Stop(ctx context.Context, id string) (session.Session, error)
	Interrupt(ctx context.Context, id string) (session.Session, error)
	RestartContainer(ctx context.Context, id string) (session.Session, error)
	AnswerQuestion(ctx context.Context, id, questionID string, answers protocol.Answers) (bool, error)
	ApprovePlan(ctx context.Context, id string, approved, keepContext bool, feedback string) (bool, error)
	SetMode(ctx context.Context, id string, mode protocol.SessionMode) (session.Session, error)
	SetModel(ctx context.Context, id, model string) (session.Session, error)
	Get(ctx context.Context, id string) (session.Session, error)
	List(ctx context.Context) ([]session.Session, error)
	ListForProject(ctx context.Context, projectID string) ([]session.Session, error)
	Messages(ctx context.Context, id string) ([]protocol.Message, error)
	Delete(ctx context.Context, id string) error
}

// Server holds the MCP server and the sessions its tools act on.
type Server struct {
	sessions Sessions
	mcp      *mcp.Server
}

type SessionArgs struct {
	SessionID string `json:"session_id" jsonschema:"the session id"`
}

type StartArgs struct {
	EntityID  string `json:"entity_id,omitempty" jsonschema:"the work item the session serves; required for new sessions"`
	ProjectID string `json:"project_id,omitempty" jsonschema:"the project the entity belongs to; required for new sessions"`
	Mode      string `json:"mode,omitempty" jsonschema:"plan or build"`
	Model     string `json:"model,omitempty" jsonschema:"the model to run the agent with"`
	Prompt    string `json:"prompt,omitempty" jsonschema:"the first message for the agent"`
	ResumeID  string `json:"resume_id,omitempty" jsonschema:"a previous session id to resume"`
}

type SendArgs struct {
	SessionID string `json:"session_id" jsonschema:"the session id"`
	Message   string `json:"message" jsonschema:"the message for the agent"`
	Mode      string `json:"mode,omitempty" jsonschema:"switch to plan or build before sending"`
}

type ProjectArgs struct {
	ProjectID string `json:"project_id" jsonschema:"the project id"`
}

type AnswerArgs struct {
	SessionID  string            `json:"session_id" jsonschema:"the session id"`
	QuestionID string            `json:"question_id,omitempty" jsonschema:"the pending question id; empty matches any"`
	Answers    map[string]string `json:"answers" jsonschema:"answers keyed by question text or header"`
}

type PlanArgs struct {
	SessionID   string `json:"session_id" jsonschema:"the session id"`
	Approved    bool   `json:"approved" jsonschema:"whether the plan is approved"`
	KeepContext bool   `json:"keep_context,omitempty" jsonschema:"keep the planning conversation instead of starting fresh"`
	Feedback    string `json:"feedback,omitempty" jsonschema:"why the plan was rejected"`
}

type ModeArgs struct {
	SessionID string `json:"session_id" jsonschema:"the session id"`
	Mode      string `json:"mode" jsonschema:"plan or build"`
}

type ModelArgs struct {
	SessionID string `json:"session_id" jsonschema:"the session id"`
	Model     string `json:"model" jsonschema:"the model name"`
}

// New registers every session tool on a fresh MCP server.
func New(sessions Sessions, version string) *Server {
	s := &Server{
		sessions: sessions,
		mcp:      mcp.NewServer(&mcp.Implementation{Name: "homespun", Version: version}, nil),
	}

	mcp.AddTool(s.mcp, &mcp.Tool{Name: "start_session", Description: "Start a session for an entity, or resume one by id"}, s.startSession)
	mcp.AddTool(s.mcp, &mcp.Tool{Name: "send_message", Description: "Send a message to a session's agent"}, s.sendMessage)
	mcp.AddTool(s.mcp, &mcp.Tool{Name: "get_session", Description: "Show a session"}, s.sessionTool(s.sessions.Get))
	mcp.AddTool(s.mcp, &mcp.Tool{Name: "list_sessions", Description: "List live sessions"}, s.listSessions)
	mcp.AddTool(s.mcp, &mcp.Tool{Name: "list_project_sessions", Description: "List the live and cached sessions of a project"}, s.listProjectSessions)
	mcp.AddTool(s.mcp, &mcp.Tool{Name: "get_messages", Description: "Return a session's cached message history"}, s.getMessages)
	mcp.AddTool(s.mcp, &mcp.Tool{Name: "interrupt_session", Description: "Interrupt the running turn"}, s.sessionTool(s.sessions.Interrupt))
	mcp.AddTool(s.mcp, &mcp.Tool{Name: "stop_session", Description: "Stop a session and release its compute unit"}, s.sessionTool(s.sessions.Stop))
	mcp.AddTool(s.mcp, &mcp.Tool{Name: "restart_session", Description: "Move a session to a fresh compute unit"}, s.sessionTool(s.sessions.RestartContainer))
	mcp.AddTool(s.mcp, &mcp.Tool{Name: "answer_question", Description: "Answer the agent's pending question"}, s.answerQuestion)
	mcp.AddTool(s.mcp, &mcp.Tool{Name: "approve_plan", Description: "Approve or reject the agent's pending plan"}, s.approvePlan)
	mcp.AddTool(s.mcp, &mcp.Tool{Name: "set_mode", Description: "Change a session's mode"}, s.setMode)
	mcp.AddTool(s.mcp, &mcp.Tool{Name: "set_model", Description: "Change the model used when the agent next starts"}, s.setModel)
	mcp.AddTool(s.mcp, &mcp.Tool{Name: "delete_session", Description: "Stop a session and delete its history"}, s.deleteSession)

	return s
}

// RunStdio serves MCP over stdin and stdout until ctx is cancelled or the
// client disconnects.
func (s *Server) RunStdio(ctx context.Context) error {
	return s.mcp.Run(ctx, &mcp.StdioTransport{})
}

// Serve serves MCP over streamable HTTP at /mcp on ln.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /health", s.handleHealth)
	mux.Handle("/mcp", mcp.NewStreamableHTTPHandler(func(*http.Request) *mcp.Server { return s.mcp }, nil))

	server := &http.Server{
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		<-ctx.Done()
		_ = server.Shutdown(context.Background())
	}()

	slog.Info("Tool server listening", "addr", ln.Addr().String())
	if err := server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]string{"status": "ok"})
}

// jsonResult renders v as the tool's text content.
func jsonResult(v any) (*mcp.CallToolResult, any, error) {
	buf, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return nil, nil, fmt.Errorf("encoding result: %w", err)
	}
	return &mcp.CallToolResult{Content: []mcp.Content{&mcp.TextContent{Text: string(buf)}}}, nil, nil
}

func parseMode(mode string) (*protocol.SessionMode, error) {
	if mode == "" {
		return nil, nil
	}
	m, err := protocol.ParseSessionMode(mode)
	if err != nil {
		return nil, err
	}
	return &m, nil
}

func (s *Server) sessionTool(op func(context.Context, string) (session.Session, error)) mcp.ToolHandlerFor[SessionArgs, any] {
	return func(ctx context.Context, _ *mcp.CallToolRequest, args SessionArgs) (*mcp.CallToolResult, any, error) {
		sess, err := op(ctx, args.SessionID)
		if err != nil {
			return nil, nil, err
		}
		return jsonResult(sess)
	}
}

func (s *Server) startSession(ctx context.Context, _ *mcp.CallToolRequest, args StartArgs) (*mcp.CallToolResult, any, error) {
	sess, err := s.sessions.StartOrResume(context.WithoutCancel(ctx), session.StartRequest{
		EntityID:  args.EntityID,
		ProjectID: args.ProjectID,
		Mode:      protocol.SessionMode(args.Mode),
		Model:     args.Model,
		Prompt:    args.Prompt,
		ResumeID:  args.ResumeID,
	})
	if err != nil {
		return nil, nil, err
	}
	return jsonResult(sess)
}

func (s *Server) sendMessage(ctx context.Context, _ *mcp.CallToolRequest, args SendArgs) (*mcp.CallToolResult, any, error) {
	mode, err := parseMode(args.Mode)
	if err != nil {
		return nil, nil, err
	}
	sess, err := s.sessions.Send(context.WithoutCancel(ctx), args.SessionID, args.Message, mode)
	if err != nil {
		return nil, nil, err
	}
	return jsonResult(sess)
}

func (s *Server) listSessions(ctx context.Context, _ *mcp.CallToolRequest, _ struct{}) (*mcp.CallToolResult, any, error) {
	list, err := s.sessions.List(ctx)
	if err != nil {
		return nil, nil, err
	}
	return jsonResult(map[string]any{"sessions": list})
}

func (s *Server) listProjectSessions(ctx context.Context, _ *mcp.CallToolRequest, args ProjectArgs) (*mcp.CallToolResult, any, error) {
	list, err := s.sessions.ListForProject(ctx, args.ProjectID)
	if err != nil {
		return nil, nil, err
	}
	return jsonResult(map[string]any{"sessions": list})
}

func (s *Server) getMessages(ctx context.Context, _ *mcp.CallToolRequest, args SessionArgs) (*mcp.CallToolResult, any, error) {
	msgs, err := s.sessions.Messages(ctx, args.SessionID)
	if err != nil {
		return nil, nil, err
	}
	return jsonResult(map[string]any{"messages": msgs})
}

func (s *Server) answerQuestion(ctx context.Context, _ *mcp.CallToolRequest, args AnswerArgs) (*mcp.CallToolResult, any, error) {
	ok, err := s.sessions.AnswerQuestion(ctx, args.SessionID, args.QuestionID, args.Answers)
	if err != nil {
		return nil, nil, err
	}
	return jsonResult(map[string]bool{"resolved": ok})
}

func (s *Server) approvePlan(ctx context.Context, _ *mcp.CallToolRequest, args PlanArgs) (*mcp.CallToolResult, any, error) {
	ok, err := s.sessions.ApprovePlan(ctx, args.SessionID, args.Approved, args.KeepContext, args.Feedback)
	if err != nil {
		return nil, nil, err
	}
	return jsonResult(map[string]bool{"resolved": ok})
}

func (s *Server) setMode(ctx context.Context, _ *mcp.CallToolRequest, args ModeArgs) (*mcp.CallToolResult, any, error) {
	sess, err := s.sessions.SetMode(ctx, args.SessionID, protocol.SessionMode(args.Mode))
	if err != nil {
		return nil, nil, err
	}
	return jsonResult(sess)
}

func (s *Server) setModel(ctx context.Context, _ *mcp.CallToolRequest, args ModelArgs) (*mcp.CallToolResult, any, error) {
	sess, err := s.sessions.SetModel(ctx, args.SessionID, args.Model)
	if err != nil {
		return nil, nil, err
	}
	return jsonResult(sess)
}

func (s *Server) deleteSession(ctx context.Context, _ *mcp.CallToolRequest, args SessionArgs) (*mcp.CallToolResult, any, error) {
	if err := s.sessions.Delete(ctx, args.SessionID); err != nil {
		return nil, nil, err
	}
	return jsonResult(map[string]bool{"deleted": true})
}
