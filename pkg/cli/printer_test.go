package cli

import (
	"bytes"
	"testing"
	"time"

	"github.com/fatih/color"
	"gotest.tools/v3/assert"
	is "gotest.tools/v3/assert/cmp"

	"github.com/nick-boey/homespun/pkg/events"
	"github.com/nick-boey/homespun/pkg/protocol"
	"github.com/nick-boey/homespun/pkg/session"
)

func init() {
	color.NoColor = true
}

var now = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func newTestPrinter() (*Printer, *bytes.Buffer) {
	var buf bytes.Buffer
	p := NewPrinter(&buf)
	p.now = func() time.Time { return now }
	return p, &buf
}

func TestPrintSessions(t *testing.T) {
	p, buf := newTestPrinter()
	unhealthy := false

	p.PrintSessions([]session.Session{
		{
			ID:             "0123456789abcdef",
			EntityID:       "issue-42",
			State:          session.StateWaitingForInput,
			Mode:           protocol.ModeBuild,
			Model:          "sonnet",
			TotalCostUSD:   0.125,
			LastActivityAt: now.Add(-5 * time.Minute),
		},
		{
			ID:       "fedcba98",
			EntityID: "issue-7",
			State:    session.StateRunning,
			Mode:     protocol.ModePlan,
			Healthy:  &unhealthy,
		},
	})

	out := buf.String()
	assert.Assert(t, is.Contains(out, "ID"))
	assert.Assert(t, is.Contains(out, "01234567 "))
	assert.Assert(t, !bytes.Contains(buf.Bytes(), []byte("0123456789abcdef")))
	assert.Assert(t, is.Contains(out, "waiting_for_input"))
	assert.Assert(t, is.Contains(out, "$0.1250"))
	assert.Assert(t, is.Contains(out, "5 minutes ago"))
	assert.Assert(t, is.Contains(out, "running (unhealthy)"))
}

func TestPrintSessions_Empty(t *testing.T) {
	p, buf := newTestPrinter()

	p.PrintSessions(nil)

	assert.Equal(t, buf.String(), "No sessions\n")
}

func TestPrintSession(t *testing.T) {
	p, buf := newTestPrinter()

	p.PrintSession(session.Session{
		ID:              "s1",
		EntityID:        "issue-1",
		ProjectID:       "proj",
		State:           session.StateWaitingForQuestionAnswer,
		Mode:            protocol.ModePlan,
		TotalDurationMS: 90_000,
		Unit:            &session.UnitRef{Name: "homespun-s1", Backend: "docker"},
		LastError:       &session.Error{Message: "boom", Subtype: "error_during_execution", Recoverable: true},
		PendingQuestion: &protocol.PendingQuestion{Questions: []protocol.Question{{
			Question: "Which database?",
			Header:   "DB",
			Options:  []protocol.QuestionOption{{Label: "sqlite", Description: "embedded"}},
		}}},
	})

	out := buf.String()
	assert.Assert(t, is.Contains(out, "Session s1"))
	assert.Assert(t, is.Contains(out, "proj"))
	assert.Assert(t, is.Contains(out, "homespun-s1 (docker)"))
	assert.Assert(t, is.Contains(out, "About a minute"))
	assert.Assert(t, is.Contains(out, "boom (error_during_execution, recoverable)"))
	assert.Assert(t, is.Contains(out, "[DB] Which database?"))
	assert.Assert(t, is.Contains(out, "- sqlite embedded"))
}

func TestPrintMessages(t *testing.T) {
	p, buf := newTestPrinter()

	p.PrintMessages([]protocol.Message{
		{Type: protocol.MessageTypeSystem, Subtype: protocol.SubtypeInit},
		protocol.UserText("add a test"),
		{Type: protocol.MessageTypePartial, Partial: &protocol.BlockDelta{Delta: "hidden"}},
		{Type: protocol.MessageTypeAssistant, Role: protocol.RoleAssistant, Content: []protocol.ContentBlock{
			{Type: protocol.BlockText, Text: "on it"},
			{Type: protocol.BlockToolUse, Name: "Bash", Input: []byte(`{"command":"go test"}`)},
		}},
		{Type: protocol.MessageTypeResult, Result: &protocol.Result{Subtype: "success", CostUSD: 0.01, DurationMS: 2000}},
		{Type: protocol.MessageTypeResult, Result: &protocol.Result{Subtype: "error_during_execution", IsError: true, ErrorMessage: "crashed"}},
	})

	out := buf.String()
	assert.Assert(t, is.Contains(out, "[system] init"))
	assert.Assert(t, is.Contains(out, "user> add a test"))
	assert.Assert(t, !bytes.Contains(buf.Bytes(), []byte("hidden")))
	assert.Assert(t, is.Contains(out, "agent> on it"))
	assert.Assert(t, is.Contains(out, `→ Bash{"command":"go test"}`))
	assert.Assert(t, is.Contains(out, "✓ turn success in 2 seconds, $0.0100"))
	assert.Assert(t, is.Contains(out, "✗ turn error_during_execution in -, $0.0000: crashed"))
}

func TestPrintEvent(t *testing.T) {
	p, buf := newTestPrinter()

	msg := protocol.UserText("hi")
	p.PrintEvent(events.Event{Type: events.TypeSnapshot})
	p.PrintEvent(events.Event{Type: events.TypeMessage, Message: &msg})
	p.PrintEvent(events.Event{Type: events.TypeStatusChanged, Status: "running"})
	p.PrintEvent(events.Event{Type: events.TypePlanReceived, Plan: &protocol.PendingPlanApproval{Plan: "1. do it\n2. ship it"}})
	p.PrintEvent(events.Event{Type: events.TypeSessionError, Error: &events.ErrorInfo{Message: "lost", Subtype: "stream_terminated"}})
	p.PrintEvent(events.Event{Type: events.TypeContainerRestarted})

	assert.Equal(t, buf.String(), "user> hi\n"+
		"state: running\n"+
		"Waiting for plan approval:\n  1. do it\n  2. ship it\n"+
		"error (stream_terminated): lost\n"+
		"container_restarted\n")
}
