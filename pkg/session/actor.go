package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"maps"
	"sync"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/nick-boey/homespun/pkg/bridge"
	"github.com/nick-boey/homespun/pkg/events"
	"github.com/nick-boey/homespun/pkg/msgcache"
	"github.com/nick-boey/homespun/pkg/protocol"
	"github.com/nick-boey/homespun/pkg/sandbox"
)

// EnvSessionID is set in every compute unit's environment.
const EnvSessionID = "HOMESPUN_SESSION_ID"

const planPromptPrefix = "Implement the following plan:\n\n"

// boundUnit is a compute unit together with the bridge session running on it.
type boundUnit struct {
	unit     *sandbox.Unit
	client   bridge.Service
	bridgeID string
}

// actor owns one session. Every field below cmds is only touched by the run
// goroutine; other goroutines submit closures with call or post.
type actor struct {
	r    *Registry
	cmds chan func()
	quit chan struct{}
	done chan struct{}

	ctx    context.Context
	cancel context.CancelFunc
	// bg tracks the provisioning and stream goroutines, which post back.
	bg       sync.WaitGroup
	quitOnce sync.Once

	s     Session
	bound *boundUnit
	unit  *sandbox.Unit
	// gen changes whenever a unit is bound or released, so late callbacks from
	// an earlier binding are ignored.
	gen             int
	turns           int
	restarting      bool
	cancelProvision context.CancelFunc
	cancelStream    context.CancelFunc
	// closedByBridge is set once the bridge announces a clean close, so the
	// end of the stream that follows stops the session instead of failing it.
	closedByBridge bool
}

func newActor(r *Registry, s Session) *actor {
	ctx, cancel := context.WithCancel(context.Background())
	a := &actor{
		r:      r,
		cmds:   make(chan func(), 64),
		quit:   make(chan struct{}),
		done:   make(chan struct{}),
		ctx:    ctx,
		cancel: cancel,
		s:      s,
	}
	go a.run()
	return a
}

func (a *actor) run() {
	defer close(a.done)
	for {
		select {
		case fn := <-a.cmds:
			fn()
		case <-a.quit:
			for {
				select {
				case fn := <-a.cmds:
					fn()
				default:
					return
				}
			}
		}
	}
}

type reply[T any] struct {
	v   T
	err error
}

// call runs fn on the actor goroutine and waits for its result.
func call[T any](ctx context.Context, a *actor, fn func() (T, error)) (T, error) {
	var zero T
	ch := make(chan reply[T], 1)
	cmd := func() {
		v, err := fn()
		ch <- reply[T]{v, err}
	}

	select {
	case a.cmds <- cmd:
	case <-a.done:
		return zero, ErrNotFound
	case <-ctx.Done():
		return zero, ctx.Err()
	}

	select {
	case r := <-ch:
		return r.v, r.err
	case <-a.done:
		select {
		case r := <-ch:
			return r.v, r.err
		default:
			return zero, ErrNotFound
		}
	case <-ctx.Done():
		return zero, ctx.Err()
	}
}

// post queues fn from a background goroutine. It reports false when the
// actor has exited.
func (a *actor) post(fn func()) bool {
	select {
	case a.cmds <- fn:
		return true
	case <-a.done:
		return false
	}
}

// shutdown stops the session, waits for its background goroutines and ends
// the actor.
func (a *actor) shutdown(ctx context.Context) {
	_, _ = call(ctx, a, func() (struct{}, error) {
		a.stop("shutting down")
		return struct{}{}, nil
	})
	a.bg.Wait()
	a.quitOnce.Do(func() {
		close(a.quit)
		<-a.done
		a.cancel()
	})
}

func (a *actor) snapshot() Session {
	s := a.s
	s.Healthy = nil
	return s
}

func (a *actor) publish(ev events.Event) {
	ev.SessionID = a.s.ID
	a.r.bus.Publish(ev, a.snapshot())
}

// transition moves to the given state, refusing edges outside the lifecycle.
func (a *actor) transition(to State) bool {
	from := a.s.State
	if from == to {
		return true
	}
	if !CanTransition(from, to) {
		slog.Error("Refusing invalid session transition", "session_id", a.s.ID, "from", from, "to", to)
		return false
	}
	a.s.State = to
	a.s.LastActivityAt = a.r.now().UTC()
	slog.Debug("Session state changed", "session_id", a.s.ID, "from", from, "to", to)
	a.publish(events.Event{Type: events.TypeStatusChanged, Status: string(to)})
	return true
}

func (a *actor) fail(err *Error) {
	a.s.LastError = err
	a.s.PendingQuestion = nil
	a.s.PendingPlan = nil
	a.turns = 0
	if !a.transition(StateError) {
		return
	}
	slog.Warn("Session failed", "session_id", a.s.ID, "subtype", err.Subtype, "recoverable", err.Recoverable, "error", err.Message)
	a.publish(events.Event{
		Type:  events.TypeSessionError,
		Error: &events.ErrorInfo{Message: err.Message, Subtype: err.Subtype, Recoverable: err.Recoverable},
	})
}

// unbind detaches the current unit, cancels its stream and releases it.
func (a *actor) unbind() {
	a.gen++
	if a.cancelProvision != nil {
		a.cancelProvision()
		a.cancelProvision = nil
	}
	if a.cancelStream != nil {
		a.cancelStream()
		a.cancelStream = nil
	}
	if a.bound != nil {
		a.r.release(a.ctx, *a.bound)
	}
	a.bound = nil
	a.unit = nil
	a.s.Unit = nil
	a.s.PendingQuestion = nil
	a.s.PendingPlan = nil
	a.turns = 0
	a.closedByBridge = false
}

func (a *actor) stop(reason string) {
	if a.s.State == StateStopped {
		return
	}
	a.unbind()
	if a.transition(StateStopped) {
		slog.Info("Session stopped", "session_id", a.s.ID, "reason", reason)
		a.publish(events.Event{Type: events.TypeSessionStopped})
	}
}

type provisioned struct {
	bound      boundUnit
	handle     *bridge.SessionHandle
	workingDir string
	prompt     string
	err        error
}

// provision enters starting and brings up a unit in the background.
func (a *actor) provision(prompt, resumeID string) {
	if !a.transition(StateStarting) {
		return
	}
	a.s.LastError = nil
	a.gen++
	gen := a.gen

	ctx, cancel := context.WithCancel(a.ctx)
	a.cancelProvision = cancel
	s := a.snapshot()

	a.bg.Add(1)
	go func() {
		defer a.bg.Done()
		defer cancel()

		res := a.r.provision(ctx, s, prompt, resumeID, func() {
			a.post(func() {
				if gen == a.gen {
					a.transition(StateRunningHooks)
				}
			})
		})
		if !a.post(func() { a.onProvisioned(gen, res) }) && res.err == nil {
			a.r.release(ctx, res.bound)
		}
	}()
}

// provision runs off the actor goroutine.
func (r *Registry) provision(ctx context.Context, s Session, prompt, resumeID string, hooks func()) provisioned {
	ctx, span := tracer.Start(ctx, "session.provision", trace.WithAttributes(
		attribute.String("session.id", s.ID),
		attribute.String("backend", r.backend.Name()),
	))
	defer span.End()

	res := provisioned{prompt: prompt}
	fail := func(err error) provisioned {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		res.err = err
		return res
	}

	hooks()
	res.workingDir = s.WorkingDir
	if res.workingDir == "" && r.workspaces != nil {
		dir, err := r.workspaces.Prepare(ctx, s.EntityID, s.ProjectID)
		if err != nil {
			return fail(fmt.Errorf("preparing workspace: %w", err))
		}
		res.workingDir = dir
	}

	env := map[string]string{}
	if r.secrets != nil {
		secrets, err := r.secrets.Env(ctx, s.EntityID, s.ProjectID)
		if err != nil {
			return fail(fmt.Errorf("loading secrets: %w", err))
		}
		maps.Copy(env, secrets)
	}
	env[EnvSessionID] = s.ID

	unit, err := r.backend.Start(ctx, sandbox.Spec{
		Name:       s.ID[:min(8, len(s.ID))],
		WorkingDir: res.workingDir,
		Env:        env,
		Labels: map[string]string{
			"dev.homespun.session": s.ID,
			"dev.homespun.project": s.ProjectID,
		},
	})
	if err != nil {
		return fail(err)
	}

	client := r.dialer.Dial(unit)
	handle, err := client.CreateSession(ctx, bridge.CreateSessionRequest{
		Prompt:     prompt,
		Model:      s.Model,
		Mode:       s.Mode,
		WorkingDir: unit.WorkingDir,
		ResumeID:   resumeID,
	})
	if err != nil {
		r.release(ctx, boundUnit{unit: unit})
		return fail(fmt.Errorf("creating bridge session: %w", err))
	}

	res.bound = boundUnit{unit: unit, client: client, bridgeID: handle.SessionID}
	res.handle = handle
	return res
}

func (a *actor) onProvisioned(gen int, res provisioned) {
	if gen != a.gen {
		// Stopped or restarted while provisioning.
		if res.err == nil {
			a.r.release(a.ctx, res.bound)
		}
		return
	}
	a.cancelProvision = nil

	if res.err != nil {
		a.restarting = false
		a.fail(&Error{Message: res.err.Error(), Subtype: SubtypeStartFailed, Recoverable: sandbox.IsTransient(res.err)})
		return
	}

	a.bound = &res.bound
	a.unit = res.bound.unit
	a.s.Unit = &UnitRef{
		ID:       res.bound.unit.ID,
		Name:     res.bound.unit.Name,
		Backend:  res.bound.unit.Backend,
		Endpoint: res.bound.unit.Endpoint,
	}
	if res.workingDir != "" {
		a.s.WorkingDir = res.workingDir
	}
	a.setAgentSessionID(res.handle.AgentSessionID)

	slog.Info("Session started", "session_id", a.s.ID, "unit", res.bound.unit.ID, "endpoint", res.bound.unit.Endpoint)
	a.publish(events.Event{Type: events.TypeSessionStarted})
	if a.restarting {
		a.restarting = false
		a.publish(events.Event{Type: events.TypeContainerRestarted})
	}

	a.startStream(res.bound)
	if res.prompt != "" {
		a.turns = 1
		a.transition(StateRunning)
	} else {
		a.transition(StateWaitingForInput)
	}
}

// startStream consumes the bridge stream in its own goroutine and hands
// every message to the actor in order.
func (a *actor) startStream(b boundUnit) {
	ctx, cancel := context.WithCancel(a.ctx)
	a.cancelStream = cancel
	gen := a.gen

	a.bg.Add(1)
	go func() {
		defer a.bg.Done()
		defer cancel()

		msgs, err := b.client.Stream(ctx, b.bridgeID, 0)
		if err != nil {
			a.post(func() { a.onStreamEnd(gen, err) })
			return
		}
		for msg := range msgs {
			if !a.post(func() { a.onMessage(gen, msg) }) {
				return
			}
		}
		a.post(func() { a.onStreamEnd(gen, nil) })
	}()
}

// onMessage caches then broadcasts msg and updates the session from it.
func (a *actor) onMessage(gen int, msg protocol.Message) {
	if gen != a.gen {
		return
	}
	a.s.LastActivityAt = a.r.now().UTC()

	switch {
	case msg.IsPartial():
		a.publish(events.Event{Type: events.TypeMessage, Message: &msg})
		return
	case msg.IsSystem(protocol.SubtypeSessionClosed):
		a.closedByBridge = true
		return
	}

	if err := a.r.cache.Append(a.ctx, a.s.ID, msg); err != nil {
		slog.Error("Failed to cache message", "session_id", a.s.ID, "message_id", msg.ID, "error", err)
	}
	a.publish(events.Event{Type: events.TypeMessage, Message: &msg})

	switch msg.Type {
	case protocol.MessageTypeSystem:
		switch msg.Subtype {
		case protocol.SubtypeInit:
			if msg.System != nil {
				a.setAgentSessionID(msg.System.AgentSessionID)
			}
		case protocol.SubtypeContextCleared:
			a.s.AgentSessionID = ""
			if a.s.Mode != protocol.ModeBuild {
				a.setMode(protocol.ModeBuild)
			}
			a.publish(events.Event{Type: events.TypeContextCleared})
		}
	case protocol.MessageTypeAssistant:
		a.classifyToolUses(&msg)
	case protocol.MessageTypeResult:
		if msg.Result != nil {
			a.onResult(&msg)
		}
	}
}

func (a *actor) classifyToolUses(msg *protocol.Message) {
	for _, block := range msg.ToolUses() {
		switch block.Name {
		case protocol.ToolAskUserQuestion:
			pq, err := protocol.ParseQuestion(block)
			if err != nil {
				slog.Warn("Ignoring malformed question", "session_id", a.s.ID, "error", err)
				continue
			}
			a.s.PendingQuestion = pq
			if a.transition(StateWaitingForQuestionAnswer) {
				a.publish(events.Event{Type: events.TypeQuestionReceived, Question: pq})
			}
		case protocol.ToolExitPlanMode:
			pa, err := protocol.ParsePlan(block)
			if err != nil {
				slog.Warn("Ignoring malformed plan", "session_id", a.s.ID, "error", err)
				continue
			}
			a.s.PendingPlan = pa
			if a.transition(StateWaitingForPlanExecution) {
				a.publish(events.Event{Type: events.TypePlanReceived, Plan: pa})
			}
		}
	}
}

func (a *actor) onResult(msg *protocol.Message) {
	res := msg.Result
	a.s.TotalCostUSD += res.CostUSD
	a.s.TotalDurationMS += res.DurationMS
	a.turns = max(a.turns-1, 0)
	a.s.PendingQuestion = nil
	a.s.PendingPlan = nil
	a.publish(events.Event{Type: events.TypeResult, Message: msg, CostUSD: res.CostUSD})

	if res.IsError && !res.Interrupted {
		a.fail(&Error{Message: res.ErrorMessage, Subtype: res.Subtype, Recoverable: true})
		return
	}
	if a.turns == 0 {
		a.transition(StateWaitingForInput)
	}
}

func (a *actor) onStreamEnd(gen int, err error) {
	if gen != a.gen {
		return
	}
	a.cancelStream = nil
	if err == nil && a.closedByBridge {
		a.stop("bridge closed session")
		return
	}
	msg := "agent stream ended unexpectedly"
	if err != nil {
		msg = fmt.Sprintf("agent stream failed: %v", err)
	}
	a.unbind()
	a.fail(&Error{Message: msg, Subtype: SubtypeStreamTerminated, Recoverable: true})
}

func (a *actor) setAgentSessionID(id string) {
	if id == "" || id == a.s.AgentSessionID {
		return
	}
	a.s.AgentSessionID = id
	if err := a.r.cache.UpdateMeta(a.ctx, a.s.ID, msgcache.MetaUpdate{AgentSessionID: &id}); err != nil {
		slog.Warn("Failed to record agent session id", "session_id", a.s.ID, "error", err)
	}
}

func (a *actor) setMode(mode protocol.SessionMode) {
	if mode == a.s.Mode {
		return
	}
	a.s.Mode = mode
	if err := a.r.cache.UpdateMeta(a.ctx, a.s.ID, msgcache.MetaUpdate{Mode: &mode}); err != nil {
		slog.Warn("Failed to record session mode", "session_id", a.s.ID, "error", err)
	}
	a.publish(events.Event{Type: events.TypeModeChanged, Mode: mode})
}

func (a *actor) setModel(model string) {
	if model == a.s.Model {
		return
	}
	a.s.Model = model
	if err := a.r.cache.UpdateMeta(a.ctx, a.s.ID, msgcache.MetaUpdate{Model: &model}); err != nil {
		slog.Warn("Failed to record session model", "session_id", a.s.ID, "error", err)
	}
	a.publish(events.Event{Type: events.TypeModelChanged, Model: model})
}

func (a *actor) resume(ctx context.Context, req StartRequest) (Session, error) {
	if req.Mode != "" {
		a.setMode(req.Mode)
	}
	if req.Model != "" {
		a.setModel(req.Model)
	}
	if req.WorkingDir != "" && !a.s.State.Active() {
		a.s.WorkingDir = req.WorkingDir
	}
	if !a.s.State.Active() {
		a.provision(req.Prompt, a.s.AgentSessionID)
		return a.snapshot(), nil
	}
	if req.Prompt != "" {
		return a.send(ctx, req.Prompt, nil)
	}
	return a.snapshot(), nil
}

func (a *actor) send(ctx context.Context, text string, mode *protocol.SessionMode) (Session, error) {
	switch {
	case a.s.State.Provisioning():
		return a.snapshot(), ErrNotReady
	case a.s.State == StateRunning || a.s.State.Waiting():
		return a.snapshot(), ErrTurnInProgress
	}

	if mode != nil {
		a.setMode(*mode)
	}
	if a.bound == nil {
		a.provision(text, a.s.AgentSessionID)
		return a.snapshot(), nil
	}

	current := a.s.Mode
	err := a.bound.client.Send(ctx, a.bound.bridgeID, bridge.SendRequest{Message: text, Mode: &current})
	if err != nil {
		return a.snapshot(), a.bridgeLost(err)
	}
	a.turns++
	a.s.LastError = nil
	a.transition(StateRunning)
	return a.snapshot(), nil
}

// bridgeLost releases a unit whose bridge no longer answers and records the
// failure.
func (a *actor) bridgeLost(err error) *Error {
	slog.Warn("Bridge unavailable, releasing compute unit", "session_id", a.s.ID, "error", err)
	a.unbind()
	sessErr := &Error{Message: err.Error(), Subtype: SubtypeBridgeUnavailable, Recoverable: true}
	a.fail(sessErr)
	return sessErr
}

func (a *actor) interrupt(ctx context.Context) (Session, error) {
	switch {
	case a.s.State.Provisioning():
		return a.snapshot(), ErrNotReady
	case a.s.State != StateRunning && !a.s.State.Waiting():
		return a.snapshot(), nil
	}

	a.s.PendingQuestion = nil
	a.s.PendingPlan = nil
	if a.bound == nil {
		a.transition(StateWaitingForInput)
		return a.snapshot(), nil
	}
	if err := a.bound.client.Interrupt(ctx, a.bound.bridgeID); err != nil {
		slog.Warn("Interrupt not accepted by bridge, releasing compute unit", "session_id", a.s.ID, "error", err)
		a.unbind()
	}
	a.transition(StateWaitingForInput)
	slog.Info("Session interrupted", "session_id", a.s.ID)
	return a.snapshot(), nil
}

func (a *actor) restart() (Session, error) {
	if a.s.State.Provisioning() {
		return a.snapshot(), ErrNotReady
	}
	slog.Info("Restarting compute unit", "session_id", a.s.ID)
	a.publish(events.Event{Type: events.TypeContainerRestart})
	a.unbind()
	a.restarting = true
	a.provision("", a.s.AgentSessionID)
	return a.snapshot(), nil
}

func (a *actor) answerQuestion(ctx context.Context, questionID string, answers protocol.Answers) (bool, error) {
	pq := a.s.PendingQuestion
	if pq == nil || a.bound == nil || a.s.State != StateWaitingForQuestionAnswer || (questionID != "" && questionID != pq.ID) {
		return false, nil
	}

	normalized := answers.Normalize(pq)
	summary := normalized.Summarize(pq)
	synthetic := protocol.UserText(summary)
	synthetic.Synthetic = true
	if err := a.r.cache.Append(a.ctx, a.s.ID, synthetic); err != nil {
		slog.Error("Failed to cache answers", "session_id", a.s.ID, "error", err)
	}
	a.publish(events.Event{Type: events.TypeMessage, Message: &synthetic})

	a.s.PendingQuestion = nil
	a.transition(StateRunning)
	a.publish(events.Event{Type: events.TypeQuestionAnswered, Question: pq, Answers: normalized})

	ok, err := a.bound.client.ResolvePendingQuestion(ctx, a.bound.bridgeID, normalized)
	if err == nil && ok {
		return true, nil
	}
	// The tool call is no longer held open; deliver the answers as a message.
	slog.Warn("Bridge had no pending question, sending answers as a message", "session_id", a.s.ID, "error", err)
	if err := a.deliverFallback(ctx, summary); err != nil {
		return true, err
	}
	return true, nil
}

func (a *actor) approvePlan(ctx context.Context, approved, keepContext bool, feedback string) (bool, error) {
	pa := a.s.PendingPlan
	if pa == nil || a.bound == nil || a.s.State != StateWaitingForPlanExecution {
		return false, nil
	}

	resolved := *pa
	resolved.Approved = approved
	resolved.KeepContext = keepContext
	resolved.Feedback = feedback
	a.s.PendingPlan = nil
	if approved {
		a.setMode(protocol.ModeBuild)
	}
	a.transition(StateRunning)
	a.publish(events.Event{Type: events.TypePlanResolved, Plan: &resolved})

	decision := bridge.PlanDecision{Approved: approved, KeepContext: keepContext, Feedback: feedback}
	ok, err := a.bound.client.ResolvePendingPlanApproval(ctx, a.bound.bridgeID, decision)
	if err == nil && ok {
		return true, nil
	}

	slog.Warn("Bridge had no pending plan, sending decision as a message", "session_id", a.s.ID, "approved", approved, "error", err)
	text := planPromptPrefix + pa.Plan
	if !approved {
		text = "The plan was rejected. Revise it and present a new plan."
		if feedback != "" {
			text = "The plan was rejected: " + feedback
		}
	}
	if err := a.deliverFallback(ctx, text); err != nil {
		return true, err
	}
	return true, nil
}

// deliverFallback sends text as a new message after a gate could not be
// resolved in place. The bridge queues it behind a still running turn.
func (a *actor) deliverFallback(ctx context.Context, text string) error {
	current := a.s.Mode
	err := a.bound.client.Send(ctx, a.bound.bridgeID, bridge.SendRequest{Message: text, Mode: &current})
	if err == nil {
		a.turns++
		return nil
	}
	if errors.Is(err, context.Canceled) {
		return err
	}
	return a.bridgeLost(err)
}
