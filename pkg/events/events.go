// Package events fans session events out to any number of observers.
package events

import (
	"log/slog"
	"sync"
	"time"

	"github.com/nick-boey/homespun/pkg/protocol"
)

// Type names a session event.
type Type string

const (
	TypeSnapshot           Type = "snapshot"
	TypeSessionStarted     Type = "session_started"
	TypeMessage            Type = "message"
	TypeStatusChanged      Type = "status_changed"
	TypeModeChanged        Type = "mode_changed"
	TypeModelChanged       Type = "model_changed"
	TypeResult             Type = "result"
	TypeQuestionReceived   Type = "question_received"
	TypeQuestionAnswered   Type = "question_answered"
	TypePlanReceived       Type = "plan_received"
	TypePlanResolved       Type = "plan_resolved"
	TypeContextCleared     Type = "context_cleared"
	TypeContainerRestart   Type = "container_restarting"
	TypeContainerRestarted Type = "container_restarted"
	TypeSessionError       Type = "session_error"
	TypeSessionStopped     Type = "session_stopped"
)

// ErrorInfo describes a session failure.
type ErrorInfo struct {
	Message     string `json:"message"`
	Subtype     string `json:"subtype,omitempty"`
	Recoverable bool   `json:"recoverable"`
}

// Event is one notification about a session. Only the fields relevant to
// Type are set.
type Event struct {
	Type      Type      `json:"type"`
	SessionID string    `json:"session_id"`
	Time      time.Time `json:"time"`

	Message  *protocol.Message             `json:"message,omitempty"`
	Status   string                        `json:"status,omitempty"`
	Mode     protocol.SessionMode          `json:"mode,omitempty"`
	Model    string                        `json:"model,omitempty"`
	Question *protocol.PendingQuestion     `json:"question,omitempty"`
	Answers  protocol.Answers              `json:"answers,omitempty"`
	Plan     *protocol.PendingPlanApproval `json:"plan,omitempty"`
	Error    *ErrorInfo                    `json:"error,omitempty"`
	CostUSD  float64                       `json:"cost_usd,omitempty"`
	Snapshot any                           `json:"snapshot,omitempty"`
}

// DefaultBuffer is the per-subscriber queue length.
const DefaultBuffer = 256

// Subscription receives events on C until it is closed, either by the
// subscriber or by the bus when the subscriber falls behind.
type Subscription struct {
	C <-chan Event

	ch      chan Event
	bus     *Bus
	session string
	once    sync.Once
}

// Close detaches the subscription. It is safe to call more than once.
func (s *Subscription) Close() {
	s.once.Do(func() {
		s.bus.mu.Lock()
		defer s.bus.mu.Unlock()
		s.bus.detach(s)
	})
}

type topic struct {
	snapshot any
	subs     map[*Subscription]struct{}
}

// Bus is a per-session publish/subscribe hub. It remembers the latest
// snapshot of every session so that new subscribers start from a consistent
// view before receiving live events.
type Bus struct {
	buffer int

	mu     sync.Mutex
	topics map[string]*topic
	all    map[*Subscription]struct{}
}

// NewBus returns an empty bus. buffer <= 0 selects DefaultBuffer.
func NewBus(buffer int) *Bus {
	if buffer <= 0 {
		buffer = DefaultBuffer
	}
	return &Bus{
		buffer: buffer,
		topics: make(map[string]*topic),
		all:    make(map[*Subscription]struct{}),
	}
}

func (b *Bus) topic(sessionID string) *topic {
	t, ok := b.topics[sessionID]
	if !ok {
		t = &topic{subs: make(map[*Subscription]struct{})}
		b.topics[sessionID] = t
	}
	return t
}

// Publish delivers ev to the session's subscribers and to global
// subscribers. A non-nil snapshot replaces the stored snapshot in the same
// critical section, so a concurrent Subscribe sees either the old snapshot
// followed by ev or the new snapshot without ev.
func (b *Bus) Publish(ev Event, snapshot any) {
	if ev.Time.IsZero() {
		ev.Time = time.Now().UTC()
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	t := b.topic(ev.SessionID)
	if snapshot != nil {
		t.snapshot = snapshot
	}
	for sub := range t.subs {
		b.deliver(sub, ev)
	}
	for sub := range b.all {
		b.deliver(sub, ev)
	}
}

// deliver must be called with b.mu held.
func (b *Bus) deliver(sub *Subscription, ev Event) {
	select {
	case sub.ch <- ev:
	default:
		slog.Warn("Dropping slow event subscriber", "session_id", sub.session, "event", ev.Type)
		b.detach(sub)
	}
}

// detach must be called with b.mu held.
func (b *Bus) detach(sub *Subscription) {
	if sub.session == "" {
		if _, ok := b.all[sub]; !ok {
			return
		}
		delete(b.all, sub)
	} else {
		t, ok := b.topics[sub.session]
		if !ok {
			return
		}
		if _, ok := t.subs[sub]; !ok {
			return
		}
		delete(t.subs, sub)
	}
	close(sub.ch)
}

// Subscribe starts observing one session. The first event is the current
// snapshot when one has been published.
func (b *Bus) Subscribe(sessionID string) *Subscription {
	sub := b.newSubscription(sessionID)

	b.mu.Lock()
	defer b.mu.Unlock()
	t := b.topic(sessionID)
	if t.snapshot != nil {
		sub.ch <- Event{Type: TypeSnapshot, SessionID: sessionID, Time: time.Now().UTC(), Snapshot: t.snapshot}
	}
	t.subs[sub] = struct{}{}
	return sub
}

// SubscribeAll observes the events of every session. No snapshot is sent.
func (b *Bus) SubscribeAll() *Subscription {
	sub := b.newSubscription("")
	b.mu.Lock()
	b.all[sub] = struct{}{}
	b.mu.Unlock()
	return sub
}

func (b *Bus) newSubscription(sessionID string) *Subscription {
	ch := make(chan Event, b.buffer)
	return &Subscription{C: ch, ch: ch, bus: b, session: sessionID}
}

// Remove forgets a session and closes its subscribers.
func (b *Bus) Remove(sessionID string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	t, ok := b.topics[sessionID]
	if !ok {
		return
	}
	for sub := range t.subs {
		close(sub.ch)
	}
	delete(b.topics, sessionID)
}

// Subscribers returns the number of live subscribers of a session.
func (b *Bus) Subscribers(sessionID string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	if t, ok := b.topics[sessionID]; ok {
		return len(t.subs)
	}
	return 0
}
