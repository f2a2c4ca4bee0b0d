package session

import (
	"cmp"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"

	"github.com/nick-boey/homespun/pkg/events"
	"github.com/nick-boey/homespun/pkg/msgcache"
	"github.com/nick-boey/homespun/pkg/protocol"
	"github.com/nick-boey/homespun/pkg/sandbox"
)

var tracer = otel.Tracer("github.com/nick-boey/homespun/pkg/session")

// releaseTimeout bounds closing a bridge session and stopping its unit.
const releaseTimeout = 30 * time.Second

type Opt func(*Registry)

func WithDialer(d BridgeDialer) Opt {
	return func(r *Registry) { r.dialer = d }
}

func WithBus(b *events.Bus) Opt {
	return func(r *Registry) { r.bus = b }
}

func WithWorkspaces(w WorkspacePreparer) Opt {
	return func(r *Registry) { r.workspaces = w }
}

func WithSecrets(s SecretProvider) Opt {
	return func(r *Registry) { r.secrets = s }
}

func WithEntities(e EntityLookup) Opt {
	return func(r *Registry) { r.entities = e }
}

// WithDefaults sets the model and mode of sessions started without one.
func WithDefaults(model string, mode protocol.SessionMode) Opt {
	return func(r *Registry) {
		r.defaultModel = model
		r.defaultMode = mode
	}
}

// WithIdleTimeout stops sessions that wait for input longer than d. Zero
// disables reaping.
func WithIdleTimeout(d time.Duration) Opt {
	return func(r *Registry) { r.idleTimeout = d }
}

// Registry maps session ids to their actors. Its lock only guards the map;
// session state is owned by each actor.
type Registry struct {
	backend    sandbox.Backend
	cache      msgcache.Store
	dialer     BridgeDialer
	bus        *events.Bus
	workspaces WorkspacePreparer
	secrets    SecretProvider
	entities   EntityLookup

	defaultModel string
	defaultMode  protocol.SessionMode
	idleTimeout  time.Duration
	now          func() time.Time

	mu       sync.Mutex
	sessions map[string]*actor
	closed   bool

	// releases tracks background unit teardown.
	releases   sync.WaitGroup
	stopReaper context.CancelFunc
	reaperDone chan struct{}
}

// New returns a registry that provisions units on backend and records
// history in cache.
func New(backend sandbox.Backend, cache msgcache.Store, opts ...Opt) *Registry {
	r := &Registry{
		backend:     backend,
		cache:       cache,
		dialer:      HTTPDialer{},
		defaultMode: protocol.ModeBuild,
		now:         time.Now,
		sessions:    make(map[string]*actor),
	}
	for _, opt := range opts {
		opt(r)
	}
	if r.bus == nil {
		r.bus = events.NewBus(0)
	}

	if r.idleTimeout > 0 {
		ctx, cancel := context.WithCancel(context.Background())
		r.stopReaper = cancel
		r.reaperDone = make(chan struct{})
		go r.reap(ctx)
	}
	return r
}

// Events returns the bus on which session events are published.
func (r *Registry) Events() *events.Bus {
	return r.bus
}

func (r *Registry) lookup(id string) (*actor, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return nil, ErrClosed
	}
	a, ok := r.sessions[id]
	if !ok {
		return nil, ErrNotFound
	}
	return a, nil
}

func (r *Registry) actors() []*actor {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]*actor, 0, len(r.sessions))
	for _, a := range r.sessions {
		out = append(out, a)
	}
	return out
}

// register adds a new actor unless the id is taken, in which case the
// existing actor is returned.
func (r *Registry) register(s Session) (*actor, bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return nil, false, ErrClosed
	}
	if a, ok := r.sessions[s.ID]; ok {
		return a, false, nil
	}
	a := newActor(r, s)
	r.sessions[s.ID] = a
	return a, true, nil
}

func (r *Registry) unregister(id string) *actor {
	r.mu.Lock()
	defer r.mu.Unlock()
	a := r.sessions[id]
	delete(r.sessions, id)
	return a
}

// release closes a bridge session and stops its unit in the background.
func (r *Registry) release(ctx context.Context, b boundUnit) {
	r.releases.Add(1)
	go func() {
		defer r.releases.Done()
		ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), releaseTimeout)
		defer cancel()
		ctx, span := tracer.Start(ctx, "session.release", trace.WithAttributes(attribute.String("unit.id", b.unit.ID)))
		defer span.End()

		if b.client != nil && b.bridgeID != "" {
			if err := b.client.Close(ctx, b.bridgeID); err != nil {
				slog.Debug("Failed to close bridge session", "unit", b.unit.ID, "error", err)
			}
		}
		if err := r.backend.Stop(ctx, b.unit.ID); err != nil && !errors.Is(err, sandbox.ErrUnitNotFound) {
			span.RecordError(err)
			slog.Warn("Failed to stop compute unit", "unit", b.unit.ID, "error", err)
			return
		}
		slog.Debug("Released compute unit", "unit", b.unit.ID)
	}()
}

// StartOrResume starts a new session, or resumes req.ResumeID from the live
// registry or the message cache. Provisioning continues in the background;
// progress is published on the event bus.
func (r *Registry) StartOrResume(ctx context.Context, req StartRequest) (Session, error) {
	ctx, span := tracer.Start(ctx, "session.start_or_resume", trace.WithAttributes(
		attribute.String("entity.id", req.EntityID),
		attribute.Bool("resume", req.ResumeID != ""),
	))
	defer span.End()

	if req.Mode != "" {
		if _, err := protocol.ParseSessionMode(string(req.Mode)); err != nil {
			return Session{}, fmt.Errorf("%w: %w", ErrInvalidRequest, err)
		}
	}

	if req.ResumeID != "" {
		return r.resume(ctx, req)
	}

	if req.EntityID == "" || req.ProjectID == "" {
		return Session{}, fmt.Errorf("%w: entity id and project id are required", ErrInvalidRequest)
	}

	now := r.now().UTC()
	s := Session{
		ID:             uuid.NewString(),
		EntityID:       req.EntityID,
		ProjectID:      req.ProjectID,
		Model:          cmp.Or(req.Model, r.defaultModel),
		Mode:           cmp.Or(req.Mode, r.defaultMode),
		WorkingDir:     req.WorkingDir,
		CreatedAt:      now,
		LastActivityAt: now,
	}
	s.Title = r.title(ctx, req.EntityID)

	if err := r.cache.Init(ctx, summaryOf(s)); err != nil {
		return Session{}, fmt.Errorf("initializing message cache: %w", err)
	}

	a, _, err := r.register(s)
	if err != nil {
		return Session{}, err
	}
	slog.Info("Starting session", "session_id", s.ID, "entity_id", s.EntityID, "project_id", s.ProjectID, "mode", s.Mode, "model", s.Model)
	return call(ctx, a, func() (Session, error) {
		a.provision(req.Prompt, "")
		return a.snapshot(), nil
	})
}

func (r *Registry) resume(ctx context.Context, req StartRequest) (Session, error) {
	if a, err := r.lookup(req.ResumeID); err == nil {
		return call(ctx, a, func() (Session, error) {
			return a.resume(ctx, req)
		})
	} else if errors.Is(err, ErrClosed) {
		return Session{}, err
	}

	sum, err := r.cache.GetSummary(ctx, req.ResumeID)
	if err != nil {
		if errors.Is(err, msgcache.ErrNotFound) || errors.Is(err, msgcache.ErrInvalidID) {
			return Session{}, ErrNotFound
		}
		return Session{}, err
	}

	now := r.now().UTC()
	s := Session{
		ID:             sum.SessionID,
		EntityID:       sum.EntityID,
		ProjectID:      sum.ProjectID,
		Model:          cmp.Or(req.Model, sum.Model, r.defaultModel),
		Mode:           cmp.Or(req.Mode, sum.Mode, r.defaultMode),
		WorkingDir:     req.WorkingDir,
		CreatedAt:      sum.CreatedAt,
		LastActivityAt: now,
		AgentSessionID: sum.AgentSessionID,
	}
	s.Title = r.title(ctx, s.EntityID)

	// Refreshes mode and model while keeping the history.
	if err := r.cache.Init(ctx, summaryOf(s)); err != nil {
		return Session{}, fmt.Errorf("initializing message cache: %w", err)
	}

	a, created, err := r.register(s)
	if err != nil {
		return Session{}, err
	}
	if !created {
		// Lost a race with a concurrent resume of the same id.
		return call(ctx, a, func() (Session, error) {
			return a.resume(ctx, req)
		})
	}
	slog.Info("Resuming session from cache", "session_id", s.ID, "messages", sum.MessageCount, "agent_session_id", s.AgentSessionID)
	return call(ctx, a, func() (Session, error) {
		a.provision(req.Prompt, s.AgentSessionID)
		return a.snapshot(), nil
	})
}

func (r *Registry) title(ctx context.Context, entityID string) string {
	if r.entities == nil {
		return ""
	}
	e, err := r.entities.Lookup(ctx, entityID)
	if err != nil {
		slog.Debug("Entity lookup failed", "entity_id", entityID, "error", err)
		return ""
	}
	return e.Title
}

func summaryOf(s Session) msgcache.Summary {
	return msgcache.Summary{
		SessionID:      s.ID,
		EntityID:       s.EntityID,
		ProjectID:      s.ProjectID,
		Mode:           s.Mode,
		Model:          s.Model,
		AgentSessionID: s.AgentSessionID,
		CreatedAt:      s.CreatedAt,
	}
}

// Send submits a message. The mode override, when set, becomes the session
// mode. A session without a unit is provisioned again and resumed.
func (r *Registry) Send(ctx context.Context, id, message string, mode *protocol.SessionMode) (Session, error) {
	ctx, span := tracer.Start(ctx, "session.send", trace.WithAttributes(attribute.String("session.id", id)))
	defer span.End()

	if message == "" {
		return Session{}, ErrEmptyMessage
	}
	a, err := r.lookup(id)
	if err != nil {
		return Session{}, err
	}
	return call(ctx, a, func() (Session, error) {
		return a.send(ctx, message, mode)
	})
}

// Stop releases the session's unit. The session and its history remain.
func (r *Registry) Stop(ctx context.Context, id string) (Session, error) {
	a, err := r.lookup(id)
	if err != nil {
		return Session{}, err
	}
	return call(ctx, a, func() (Session, error) {
		a.stop("stopped by operator")
		return a.snapshot(), nil
	})
}

// Interrupt ends the current turn. The session accepts a new message
// immediately afterwards.
func (r *Registry) Interrupt(ctx context.Context, id string) (Session, error) {
	a, err := r.lookup(id)
	if err != nil {
		return Session{}, err
	}
	return call(ctx, a, func() (Session, error) {
		return a.interrupt(ctx)
	})
}

// RestartContainer rebinds the session to a fresh unit and resumes the agent
// session from where it left off.
func (r *Registry) RestartContainer(ctx context.Context, id string) (Session, error) {
	a, err := r.lookup(id)
	if err != nil {
		return Session{}, err
	}
	return call(ctx, a, func() (Session, error) {
		return a.restart()
	})
}

// AnswerQuestion resolves the pending question. It reports false when no
// question with that id is pending; an empty id matches any.
func (r *Registry) AnswerQuestion(ctx context.Context, id, questionID string, answers protocol.Answers) (bool, error) {
	a, err := r.lookup(id)
	if err != nil {
		return false, err
	}
	return call(ctx, a, func() (bool, error) {
		return a.answerQuestion(ctx, questionID, answers)
	})
}

// ApprovePlan resolves the pending plan. It reports false when no plan is
// pending.
func (r *Registry) ApprovePlan(ctx context.Context, id string, approved, keepContext bool, feedback string) (bool, error) {
	a, err := r.lookup(id)
	if err != nil {
		return false, err
	}
	return call(ctx, a, func() (bool, error) {
		return a.approvePlan(ctx, approved, keepContext, feedback)
	})
}

func (r *Registry) SetMode(ctx context.Context, id string, mode protocol.SessionMode) (Session, error) {
	if _, err := protocol.ParseSessionMode(string(mode)); err != nil {
		return Session{}, fmt.Errorf("%w: %w", ErrInvalidRequest, err)
	}
	a, err := r.lookup(id)
	if err != nil {
		return Session{}, err
	}
	return call(ctx, a, func() (Session, error) {
		a.setMode(mode)
		return a.snapshot(), nil
	})
}

// SetModel changes the model used from the next time a unit is provisioned.
func (r *Registry) SetModel(ctx context.Context, id, model string) (Session, error) {
	if model == "" {
		return Session{}, fmt.Errorf("%w: model cannot be empty", ErrInvalidRequest)
	}
	a, err := r.lookup(id)
	if err != nil {
		return Session{}, err
	}
	return call(ctx, a, func() (Session, error) {
		a.setModel(model)
		return a.snapshot(), nil
	})
}

func (r *Registry) Get(ctx context.Context, id string) (Session, error) {
	a, err := r.lookup(id)
	if err != nil {
		return Session{}, err
	}
	return call(ctx, a, func() (Session, error) {
		return a.snapshot(), nil
	})
}

type listed struct {
	session Session
	unit    *sandbox.Unit
}

// List returns every live session, probing bound units concurrently.
func (r *Registry) List(ctx context.Context) ([]Session, error) {
	actors := r.actors()
	items := make([]listed, len(actors))
	for i, a := range actors {
		item, err := call(ctx, a, func() (listed, error) {
			return listed{session: a.snapshot(), unit: a.unit}, nil
		})
		if err != nil {
			if errors.Is(err, ErrNotFound) {
				continue
			}
			return nil, err
		}
		items[i] = item
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(8)
	for i := range items {
		if items[i].unit == nil {
			continue
		}
		g.Go(func() error {
			healthy := r.backend.HealthCheck(gctx, items[i].unit)
			items[i].session.Healthy = &healthy
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	out := make([]Session, 0, len(items))
	for _, item := range items {
		if item.session.ID != "" {
			out = append(out, item.session)
		}
	}
	sortSessions(out)
	return out, nil
}

// ListForProject returns the project's live sessions together with cached
// sessions that are no longer live, which are reported as stopped.
func (r *Registry) ListForProject(ctx context.Context, projectID string) ([]Session, error) {
	live := map[string]Session{}
	for _, a := range r.actors() {
		s, err := call(ctx, a, func() (Session, error) { return a.snapshot(), nil })
		if err != nil {
			continue
		}
		if s.ProjectID == projectID {
			live[s.ID] = s
		}
	}

	cached, err := r.cache.ListSessions(ctx, projectID)
	if err != nil {
		return nil, fmt.Errorf("listing cached sessions: %w", err)
	}

	out := make([]Session, 0, len(live)+len(cached))
	for _, s := range live {
		out = append(out, s)
	}
	for _, sum := range cached {
		if _, ok := live[sum.SessionID]; ok {
			continue
		}
		out = append(out, Session{
			ID:             sum.SessionID,
			EntityID:       sum.EntityID,
			ProjectID:      sum.ProjectID,
			State:          StateStopped,
			Model:          sum.Model,
			Mode:           sum.Mode,
			CreatedAt:      sum.CreatedAt,
			LastActivityAt: sum.LastMessageAt,
			AgentSessionID: sum.AgentSessionID,
		})
	}
	sortSessions(out)
	return out, nil
}

func sortSessions(s []Session) {
	slices.SortFunc(s, func(a, b Session) int {
		if c := a.CreatedAt.Compare(b.CreatedAt); c != 0 {
			return c
		}
		return cmp.Compare(a.ID, b.ID)
	})
}

// CachedMessageCount returns the number of messages persisted for a session,
// live or not.
func (r *Registry) CachedMessageCount(ctx context.Context, id string) (int, error) {
	sum, err := r.cache.GetSummary(ctx, id)
	if err != nil {
		if errors.Is(err, msgcache.ErrNotFound) || errors.Is(err, msgcache.ErrInvalidID) {
			return 0, ErrNotFound
		}
		return 0, err
	}
	return sum.MessageCount, nil
}

// Messages returns the cached history of a session, live or not.
func (r *Registry) Messages(ctx context.Context, id string) ([]protocol.Message, error) {
	msgs, err := r.cache.GetMessages(ctx, id)
	if err != nil {
		if errors.Is(err, msgcache.ErrNotFound) || errors.Is(err, msgcache.ErrInvalidID) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return msgs, nil
}

// Delete stops a session and removes it from the registry and the cache.
func (r *Registry) Delete(ctx context.Context, id string) error {
	r.mu.Lock()
	closed := r.closed
	r.mu.Unlock()
	if closed {
		return ErrClosed
	}

	live := false
	if a := r.unregister(id); a != nil {
		live = true
		a.shutdown(ctx)
	}
	r.bus.Remove(id)

	err := r.cache.Delete(ctx, id)
	switch {
	case err == nil:
	case errors.Is(err, msgcache.ErrNotFound) || errors.Is(err, msgcache.ErrInvalidID):
		if !live {
			return ErrNotFound
		}
	default:
		return fmt.Errorf("deleting cached history: %w", err)
	}
	slog.Info("Deleted session", "session_id", id)
	return nil
}

// Shutdown stops every session and waits for their units to be released.
// The registry cannot be used afterwards.
func (r *Registry) Shutdown(ctx context.Context) error {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil
	}
	r.closed = true
	actors := make([]*actor, 0, len(r.sessions))
	for _, a := range r.sessions {
		actors = append(actors, a)
	}
	r.mu.Unlock()

	if r.stopReaper != nil {
		r.stopReaper()
		<-r.reaperDone
	}

	var g errgroup.Group
	for _, a := range actors {
		g.Go(func() error {
			a.shutdown(ctx)
			return nil
		})
	}
	_ = g.Wait()

	done := make(chan struct{})
	go func() {
		r.releases.Wait()
		close(done)
	}()
	select {
	case <-done:
		slog.Info("Session registry shut down", "sessions", len(actors))
		return nil
	case <-ctx.Done():
		return fmt.Errorf("waiting for compute units to be released: %w", ctx.Err())
	}
}

// reap stops sessions that have waited for input longer than the idle
// timeout.
func (r *Registry) reap(ctx context.Context) {
	defer close(r.reaperDone)

	ticker := time.NewTicker(max(r.idleTimeout/4, 10*time.Millisecond))
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
		for _, a := range r.actors() {
			_, _ = call(ctx, a, func() (struct{}, error) {
				if a.s.State == StateWaitingForInput && r.now().Sub(a.s.LastActivityAt) > r.idleTimeout {
					slog.Info("Stopping idle session", "session_id", a.s.ID, "idle", r.now().Sub(a.s.LastActivityAt).Round(time.Second))
					a.stop("idle timeout")
				}
				return struct{}{}, nil
			})
		}
	}
}
