package bridge

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"strconv"
	"sync"
	"time"

	"github.com/nick-boey/homespun/pkg/gate"
	"github.com/nick-boey/homespun/pkg/protocol"
)

var (
	ErrSessionNotFound = errors.New("bridge session not found")
	ErrSessionClosed   = errors.New("bridge session closed")
	// ErrNotRunning is returned by Interrupt when no runtime is alive to
	// receive it.
	ErrNotRunning = errors.New("agent runtime not running")
)

// Tools that modify the workspace and are refused while in plan mode.
var mutatingTools = map[string]bool{
	"Edit":         true,
	"MultiEdit":    true,
	"Write":        true,
	"NotebookEdit": true,
}

const planPromptPrefix = "Implement the following plan:\n\n"

// agent drives one agent runtime on behalf of one bridge session. All
// mutable fields are guarded by mu; history changes are signalled on cond.
type agent struct {
	id         string
	launcher   Launcher
	env        []string
	workingDir string

	mu      sync.Mutex
	cond    *sync.Cond
	history []protocol.Message
	ended   bool
	closed  bool

	model          string
	mode           protocol.SessionMode
	agentSessionID string

	rt          Runtime
	generation  int
	initSeen    bool
	turnActive  bool
	interrupted bool
	queue       []string
	streamMsgID string
	requests    int

	questions *gate.Set[protocol.Answers]
	plans     *gate.Set[PlanDecision]

	// Question and plan tool calls the runtime has announced but not yet
	// asked permission for, oldest first, and decisions that arrived for
	// them early. Keyed by tool use id.
	announcedQuestions []string
	announcedPlans     []string
	earlyAnswers       map[string]protocol.Answers
	earlyPlans         map[string]PlanDecision
	requestedTools     map[string]bool
}

func newAgent(id string, launcher Launcher, env []string, req CreateSessionRequest) *agent {
	a := &agent{
		id:             id,
		launcher:       launcher,
		env:            env,
		workingDir:     req.WorkingDir,
		model:          req.Model,
		mode:           req.Mode,
		agentSessionID: req.ResumeID,
		questions:      gate.NewSet[protocol.Answers](),
		plans:          gate.NewSet[PlanDecision](),
		earlyAnswers:   map[string]protocol.Answers{},
		earlyPlans:     map[string]PlanDecision{},
		requestedTools: map[string]bool{},
	}
	a.cond = sync.NewCond(&a.mu)
	return a
}

// start launches the first runtime and submits the initial prompt.
func (a *agent) start(ctx context.Context, prompt string) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if err := a.launchLocked(ctx, a.agentSessionID); err != nil {
		return err
	}
	if prompt != "" {
		return a.deliverLocked(prompt)
	}
	return nil
}

// launchLocked starts a runtime and its pump. Must hold mu.
func (a *agent) launchLocked(ctx context.Context, resumeID string) error {
	rt, err := a.launcher.Launch(ctx, LaunchConfig{
		Model:      a.model,
		WorkingDir: a.workingDir,
		ResumeID:   resumeID,
		Env:        a.env,
	})
	if err != nil {
		return fmt.Errorf("launching agent runtime: %w", err)
	}
	a.generation++
	a.rt = rt
	a.initSeen = false
	a.turnActive = false
	a.streamMsgID = ""
	a.forgetToolCallsLocked()
	go a.pump(rt, a.generation)
	return nil
}

// emitLocked assigns the next sequence number and appends msg to history.
func (a *agent) emitLocked(msg protocol.Message) {
	if msg.Timestamp.IsZero() {
		msg.Timestamp = time.Now().UTC()
	}
	msg.Seq = int64(len(a.history)) + 1
	a.history = append(a.history, msg)
	a.cond.Broadcast()
}

// deliverLocked writes a user message to the runtime and starts a turn.
func (a *agent) deliverLocked(text string) error {
	if err := a.rt.Write(newUserInput(text)); err != nil {
		return fmt.Errorf("writing to agent runtime: %w", err)
	}
	a.emitLocked(protocol.UserText(text))
	a.turnActive = true
	return nil
}

func (a *agent) nextRequestIDLocked() string {
	a.requests++
	return "req_" + strconv.Itoa(a.requests) + "_" + a.id[:min(8, len(a.id))]
}

func (a *agent) setPermissionModeLocked(mode protocol.PermissionMode) {
	err := a.rt.Write(controlRequestOut{
		Type:      "control_request",
		RequestID: a.nextRequestIDLocked(),
		Request:   setPermissionModeRequest{Subtype: "set_permission_mode", Mode: mode},
	})
	if err != nil {
		slog.Warn("Failed to set permission mode", "session_id", a.id, "mode", mode, "error", err)
		return
	}
	slog.Debug("Applied permission mode", "session_id", a.id, "mode", mode)
}

// pump consumes one runtime's output until it exits. Lines from a runtime
// that has since been replaced are drained and dropped.
func (a *agent) pump(rt Runtime, generation int) {
	for line := range rt.Lines() {
		parsed, err := parseLine(line, time.Now().UTC())
		if err != nil {
			if !errors.Is(err, errIgnored) {
				slog.Warn("Skipping malformed runtime output", "session_id", a.id, "error", err)
			}
			continue
		}

		a.mu.Lock()
		if generation == a.generation && !a.closed {
			a.handleLocked(rt, generation, parsed)
		}
		a.mu.Unlock()
	}

	a.mu.Lock()
	defer a.mu.Unlock()
	if generation != a.generation || a.closed {
		return
	}
	slog.Warn("Agent runtime exited", "session_id", a.id, "turn_active", a.turnActive)
	a.rt = nil
	if a.turnActive {
		a.turnActive = false
		a.queue = nil
		a.emitLocked(protocol.Message{
			ID:      protocol.NewID(),
			Type:    protocol.MessageTypeResult,
			Subtype: "runtime_exited",
			Result: &protocol.Result{
				Subtype:      "runtime_exited",
				IsError:      true,
				ErrorMessage: "agent runtime exited before completing the turn",
			},
		})
	}
	a.forgetToolCallsLocked()
	a.questions.CancelAll()
	a.plans.CancelAll()
}

// forgetToolCallsLocked drops announced tool calls and early decisions once
// the turn that made them is gone. Must hold mu.
func (a *agent) forgetToolCallsLocked() {
	a.announcedQuestions = nil
	a.announcedPlans = nil
	clear(a.earlyAnswers)
	clear(a.earlyPlans)
	clear(a.requestedTools)
}

// announceLocked records gated tool calls as soon as the runtime reports
// them, ahead of its permission request.
func (a *agent) announceLocked(msg protocol.Message) {
	for _, block := range msg.ToolUses() {
		if block.ID == "" || a.requestedTools[block.ID] {
			continue
		}
		switch block.Name {
		case protocol.ToolAskUserQuestion:
			a.announcedQuestions = append(a.announcedQuestions, block.ID)
		case protocol.ToolExitPlanMode:
			a.announcedPlans = append(a.announcedPlans, block.ID)
		}
	}
}

func (a *agent) handleLocked(rt Runtime, generation int, p parsedLine) {
	if p.agentSessionID != "" {
		a.agentSessionID = p.agentSessionID
	}
	switch {
	case p.messageStart != "":
		a.streamMsgID = p.messageStart
	case p.message != nil:
		a.handleMessageLocked(*p.message)
	case p.controlRequest != nil:
		a.handleControlRequestLocked(rt, generation, p.controlRequest)
	case p.controlResponse != nil:
		if r := p.controlResponse.Response; r.Subtype == "error" {
			slog.Warn("Agent runtime rejected control request", "session_id", a.id, "request_id", r.RequestID, "error", r.Error)
		}
	}
}

func (a *agent) handleMessageLocked(msg protocol.Message) {
	switch msg.Type {
	case protocol.MessageTypePartial:
		msg.Partial.MessageID = a.streamMsgID
		a.emitLocked(msg)

	case protocol.MessageTypeSystem:
		a.emitLocked(msg)
		if !msg.IsSystem(protocol.SubtypeInit) {
			return
		}
		// The runtime cannot take a mode change before it reports init.
		want := a.mode.PermissionMode()
		if !a.initSeen || msg.System.PermissionMode != want {
			a.setPermissionModeLocked(want)
		}
		a.initSeen = true

	case protocol.MessageTypeResult:
		if a.interrupted {
			msg.Result.Interrupted = true
			a.interrupted = false
		}
		a.emitLocked(msg)
		a.turnActive = false
		a.streamMsgID = ""
		if len(a.queue) > 0 && a.rt != nil {
			next := a.queue[0]
			a.queue = a.queue[1:]
			if err := a.deliverLocked(next); err != nil {
				slog.Error("Failed to deliver queued message", "session_id", a.id, "error", err)
			}
		}

	case protocol.MessageTypeAssistant:
		a.emitLocked(msg)
		a.announceLocked(msg)

	default:
		a.emitLocked(msg)
	}
}

func (a *agent) handleControlRequestLocked(rt Runtime, generation int, req *controlRequestIn) {
	if req.Request.Subtype != "can_use_tool" {
		_ = rt.Write(controlResponseOut{
			Type: "control_response",
			Response: controlResponseBody{
				Subtype:   "error",
				RequestID: req.RequestID,
				Error:     "unsupported control request: " + req.Request.Subtype,
			},
		})
		return
	}

	block := protocol.ContentBlock{
		Type:  protocol.BlockToolUse,
		ID:    req.Request.ToolUseID,
		Name:  req.Request.ToolName,
		Input: req.Request.Input,
	}
	toolUseID := req.Request.ToolUseID
	if toolUseID != "" {
		a.requestedTools[toolUseID] = true
	}

	switch req.Request.ToolName {
	case protocol.ToolAskUserQuestion:
		pq, err := protocol.ParseQuestion(block)
		if err != nil {
			slog.Warn("Unparseable question, letting the tool run", "session_id", a.id, "error", err)
			_ = rt.Write(allow(req.RequestID, req.Request.Input))
			return
		}
		a.announcedQuestions = without(a.announcedQuestions, toolUseID)
		g := a.questions.Open(req.RequestID)
		if answers, ok := a.earlyAnswers[toolUseID]; ok {
			delete(a.earlyAnswers, toolUseID)
			a.questions.Resolve(req.RequestID, answers)
		}
		go a.awaitQuestion(rt, req, pq, g)

	case protocol.ToolExitPlanMode:
		pa, err := protocol.ParsePlan(block)
		if err != nil {
			slog.Warn("Unparseable plan, letting the tool run", "session_id", a.id, "error", err)
			_ = rt.Write(allow(req.RequestID, req.Request.Input))
			return
		}
		a.announcedPlans = without(a.announcedPlans, toolUseID)
		g := a.plans.Open(req.RequestID)
		if decision, ok := a.earlyPlans[toolUseID]; ok {
			delete(a.earlyPlans, toolUseID)
			a.plans.Resolve(req.RequestID, decision)
		}
		go a.awaitPlan(rt, generation, req, pa, g)

	default:
		if a.mode == protocol.ModePlan && mutatingTools[req.Request.ToolName] {
			_ = rt.Write(deny(req.RequestID, "Plan mode is read-only; present a plan with ExitPlanMode instead.", false))
			return
		}
		_ = rt.Write(allow(req.RequestID, req.Request.Input))
	}
}

// awaitQuestion holds a question tool call open until the operator answers,
// then injects the answers into the tool input.
func (a *agent) awaitQuestion(rt Runtime, req *controlRequestIn, pq *protocol.PendingQuestion, g *gate.Gate[protocol.Answers]) {
	answers, err := g.Wait(context.Background())
	if err != nil {
		_ = rt.Write(deny(req.RequestID, "The question was cancelled.", true))
		return
	}

	input := map[string]any{}
	if len(req.Request.Input) > 0 {
		if err := json.Unmarshal(req.Request.Input, &input); err != nil {
			slog.Warn("Question input is not an object", "session_id", a.id, "error", err)
		}
	}
	input["answers"] = answers.Normalize(pq)
	updated, err := json.Marshal(input)
	if err != nil {
		_ = rt.Write(deny(req.RequestID, "Failed to encode answers.", false))
		return
	}
	if err := rt.Write(allow(req.RequestID, updated)); err != nil {
		slog.Warn("Failed to deliver answers", "session_id", a.id, "error", err)
	}
}

// awaitPlan holds a plan-exit tool call open until the operator decides.
func (a *agent) awaitPlan(rt Runtime, generation int, req *controlRequestIn, pa *protocol.PendingPlanApproval, g *gate.Gate[PlanDecision]) {
	decision, err := g.Wait(context.Background())
	if err != nil {
		_ = rt.Write(deny(req.RequestID, "The plan review was cancelled.", true))
		return
	}

	switch {
	case !decision.Approved:
		msg := decision.Feedback
		if msg == "" {
			msg = "The plan was rejected. Revise it and present a new plan."
		}
		_ = rt.Write(deny(req.RequestID, msg, false))

	case decision.KeepContext:
		_ = rt.Write(allow(req.RequestID, req.Request.Input))
		a.mu.Lock()
		defer a.mu.Unlock()
		a.mode = protocol.ModeBuild
		if generation == a.generation && a.rt != nil {
			a.setPermissionModeLocked(a.mode.PermissionMode())
		}

	default:
		a.restartWithPlan(rt, generation, pa.Plan)
	}
}

// restartWithPlan replaces the runtime with a fresh one in build mode whose
// first prompt is the approved plan.
func (a *agent) restartWithPlan(old Runtime, generation int, plan string) {
	a.mu.Lock()
	if generation != a.generation || a.closed {
		a.mu.Unlock()
		return
	}
	// Bumping the generation detaches the old pump before the runtime dies.
	a.generation++
	a.rt = nil
	a.mode = protocol.ModeBuild
	a.queue = nil
	a.mu.Unlock()

	_ = old.Close()

	a.mu.Lock()
	defer a.mu.Unlock()
	if a.closed {
		return
	}
	a.agentSessionID = ""
	if err := a.launchLocked(context.Background(), ""); err != nil {
		slog.Error("Failed to start fresh runtime for approved plan", "session_id", a.id, "error", err)
		a.emitLocked(protocol.Message{
			ID:      protocol.NewID(),
			Type:    protocol.MessageTypeResult,
			Subtype: "runtime_exited",
			Result:  &protocol.Result{Subtype: "runtime_exited", IsError: true, ErrorMessage: err.Error()},
		})
		return
	}
	a.emitLocked(protocol.Message{
		ID:      protocol.NewID(),
		Type:    protocol.MessageTypeSystem,
		Subtype: protocol.SubtypeContextCleared,
		System:  &protocol.SystemInfo{Note: "context cleared; executing approved plan"},
	})
	if err := a.deliverLocked(planPromptPrefix + plan); err != nil {
		slog.Error("Failed to submit approved plan", "session_id", a.id, "error", err)
	}
}

// send submits a message, queueing it while a turn is running. A dead runtime
// is relaunched with the runtime's own session id so the transcript resumes.
func (a *agent) send(ctx context.Context, text string, mode *protocol.SessionMode) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.closed {
		return ErrSessionClosed
	}

	if mode != nil && *mode != a.mode {
		a.mode = *mode
		if a.rt != nil && a.initSeen {
			a.setPermissionModeLocked(a.mode.PermissionMode())
		}
	}

	if a.rt == nil {
		if err := a.launchLocked(ctx, a.agentSessionID); err != nil {
			return err
		}
	}
	if a.turnActive {
		a.queue = append(a.queue, text)
		slog.Debug("Queued message behind running turn", "session_id", a.id, "queued", len(a.queue))
		return nil
	}
	return a.deliverLocked(text)
}

func (a *agent) interrupt() error {
	a.mu.Lock()
	if a.rt == nil {
		a.mu.Unlock()
		return ErrNotRunning
	}
	if !a.turnActive {
		a.mu.Unlock()
		return nil
	}
	a.interrupted = true
	a.queue = nil
	a.forgetToolCallsLocked()
	err := a.rt.Write(controlRequestOut{
		Type:      "control_request",
		RequestID: a.nextRequestIDLocked(),
		Request:   interruptRequest{Subtype: "interrupt"},
	})
	a.mu.Unlock()

	a.questions.CancelAll()
	a.plans.CancelAll()
	if err != nil {
		return fmt.Errorf("%w: %w", ErrNotRunning, err)
	}
	return nil
}

// resolveQuestion answers the held question, or keeps the answers for an
// announced question whose permission request has not arrived yet.
func (a *agent) resolveQuestion(answers protocol.Answers) bool {
	// Gates are opened under mu, so holding it orders this against a
	// permission request arriving concurrently.
	a.mu.Lock()
	defer a.mu.Unlock()
	for _, id := range a.questions.IDs() {
		if a.questions.Resolve(id, answers) {
			return true
		}
	}
	if len(a.announcedQuestions) == 0 {
		return false
	}
	id := a.announcedQuestions[0]
	a.announcedQuestions = a.announcedQuestions[1:]
	a.earlyAnswers[id] = answers
	slog.Debug("Holding answers until the runtime asks", "session_id", a.id, "tool_use_id", id)
	return true
}

func (a *agent) resolvePlan(d PlanDecision) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	for _, id := range a.plans.IDs() {
		if a.plans.Resolve(id, d) {
			return true
		}
	}
	if len(a.announcedPlans) == 0 {
		return false
	}
	id := a.announcedPlans[0]
	a.announcedPlans = a.announcedPlans[1:]
	a.earlyPlans[id] = d
	slog.Debug("Holding plan decision until the runtime asks", "session_id", a.id, "tool_use_id", id)
	return true
}

func without(ids []string, id string) []string {
	return slices.DeleteFunc(ids, func(v string) bool { return v == id })
}

// close stops the runtime and ends every stream after a session_closed message.
func (a *agent) close() {
	a.mu.Lock()
	if a.closed {
		a.mu.Unlock()
		return
	}
	a.closed = true
	rt := a.rt
	a.rt = nil
	a.generation++
	a.emitLocked(protocol.Message{
		ID:      protocol.NewID(),
		Type:    protocol.MessageTypeSystem,
		Subtype: protocol.SubtypeSessionClosed,
		System:  &protocol.SystemInfo{AgentSessionID: a.agentSessionID},
	})
	a.ended = true
	a.forgetToolCallsLocked()
	a.cond.Broadcast()
	a.mu.Unlock()

	a.questions.CancelAll()
	a.plans.CancelAll()
	if rt != nil {
		_ = rt.Close()
	}
}

// stream delivers every message with a sequence number above afterSeq, then
// follows new messages until the session closes or ctx ends.
func (a *agent) stream(ctx context.Context, afterSeq int64) <-chan protocol.Message {
	out := make(chan protocol.Message, 64)
	go func() {
		defer close(out)
		stop := context.AfterFunc(ctx, func() {
			a.mu.Lock()
			a.cond.Broadcast()
			a.mu.Unlock()
		})
		defer stop()

		next := max(afterSeq, 0)
		for {
			a.mu.Lock()
			for int64(len(a.history)) <= next && !a.ended && ctx.Err() == nil {
				a.cond.Wait()
			}
			if ctx.Err() != nil {
				a.mu.Unlock()
				return
			}
			var batch []protocol.Message
			if int64(len(a.history)) > next {
				batch = append(batch, a.history[next:]...)
			}
			ended := a.ended
			a.mu.Unlock()

			if len(batch) == 0 && ended {
				return
			}
			for _, msg := range batch {
				select {
				case out <- msg:
					next = msg.Seq
				case <-ctx.Done():
					return
				}
			}
		}
	}()
	return out
}

func (a *agent) handle() *SessionHandle {
	a.mu.Lock()
	defer a.mu.Unlock()
	return &SessionHandle{
		SessionID:      a.id,
		Model:          a.model,
		Mode:           a.mode,
		AgentSessionID: a.agentSessionID,
		Running:        a.turnActive,
		LastSeq:        int64(len(a.history)),
	}
}
