// Package cli renders sessions, transcripts and events for the terminal and
// talks to a running orchestrator.
package cli

import (
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/docker/go-units"
	"github.com/fatih/color"

	"github.com/nick-boey/homespun/pkg/events"
	"github.com/nick-boey/homespun/pkg/protocol"
	"github.com/nick-boey/homespun/pkg/session"
)

var (
	blue   = color.New(color.FgBlue).SprintfFunc()
	green  = color.New(color.FgGreen).SprintfFunc()
	yellow = color.New(color.FgYellow).SprintfFunc()
	red    = color.New(color.FgRed).SprintfFunc()
	gray   = color.New(color.FgHiBlack).SprintfFunc()
	bold   = color.New(color.Bold).SprintfFunc()
)

// Printer writes human-readable output.
type Printer struct {
	out io.Writer
	now func() time.Time
}

func NewPrinter(out io.Writer) *Printer {
	return &Printer{out: out, now: time.Now}
}

func (p *Printer) Println(a ...any) {
	_, _ = fmt.Fprintln(p.out, a...)
}

func (p *Printer) Printf(format string, a ...any) {
	_, _ = fmt.Fprintf(p.out, format, a...)
}

func stateColor(state session.State) func(string, ...any) string {
	switch state {
	case session.StateRunning, session.StateStarting, session.StateRunningHooks:
		return blue
	case session.StateWaitingForInput:
		return green
	case session.StateWaitingForQuestionAnswer, session.StateWaitingForPlanExecution:
		return yellow
	case session.StateError:
		return red
	default:
		return gray
	}
}

// pad left-aligns s in a column of width before coloring so escape codes do
// not break alignment.
func pad(s string, width int) string {
	if len(s) >= width {
		return s + " "
	}
	return s + strings.Repeat(" ", width-len(s))
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}

func (p *Printer) ago(t time.Time) string {
	if t.IsZero() {
		return "-"
	}
	return units.HumanDuration(p.now().Sub(t)) + " ago"
}

func formatCost(usd float64) string {
	return fmt.Sprintf("$%.4f", usd)
}

func formatDuration(ms int64) string {
	if ms <= 0 {
		return "-"
	}
	return units.HumanDuration(time.Duration(ms) * time.Millisecond)
}

// PrintSessions renders a table of sessions.
func (p *Printer) PrintSessions(list []session.Session) {
	if len(list) == 0 {
		p.Println(gray("No sessions"))
		return
	}

	p.Println(bold("%s%s%s%s%s%s%s", pad("ID", 10), pad("ENTITY", 20), pad("STATE", 28), pad("MODE", 7), pad("MODEL", 10), pad("COST", 10), "ACTIVE"))
	for _, s := range list {
		state := string(s.State)
		if s.Healthy != nil && !*s.Healthy {
			state += " (unhealthy)"
		}
		p.Printf("%s%s%s%s%s%s%s\n",
			pad(shortID(s.ID), 10),
			pad(s.EntityID, 20),
			stateColor(s.State)("%s", pad(state, 28)),
			pad(string(s.Mode), 7),
			pad(s.Model, 10),
			pad(formatCost(s.TotalCostUSD), 10),
			p.ago(s.LastActivityAt),
		)
	}
}

// PrintSession renders one session's details.
func (p *Printer) PrintSession(s session.Session) {
	p.Printf("%s %s\n", bold("Session"), s.ID)
	field := func(name, value string) {
		if value != "" {
			p.Printf("  %s %s\n", gray("%s", pad(name+":", 12)), value)
		}
	}
	field("Entity", s.EntityID)
	field("Project", s.ProjectID)
	field("Title", s.Title)
	field("State", stateColor(s.State)("%s", s.State))
	field("Mode", string(s.Mode))
	field("Model", s.Model)
	field("Directory", s.WorkingDir)
	field("Cost", formatCost(s.TotalCostUSD))
	field("Duration", formatDuration(s.TotalDurationMS))
	field("Created", p.ago(s.CreatedAt))
	field("Active", p.ago(s.LastActivityAt))
	if s.Unit != nil {
		field("Unit", fmt.Sprintf("%s (%s)", s.Unit.Name, s.Unit.Backend))
	}
	if s.LastError != nil {
		recoverable := ""
		if s.LastError.Recoverable {
			recoverable = ", recoverable"
		}
		field("Error", red("%s (%s%s)", s.LastError.Message, s.LastError.Subtype, recoverable))
	}
	if s.PendingQuestion != nil {
		p.printQuestion(s.PendingQuestion)
	}
	if s.PendingPlan != nil {
		p.printPlan(s.PendingPlan)
	}
}

func (p *Printer) printQuestion(q *protocol.PendingQuestion) {
	p.Println(yellow("Waiting for an answer:"))
	for _, question := range q.Questions {
		header := ""
		if question.Header != "" {
			header = "[" + question.Header + "] "
		}
		p.Printf("  %s%s\n", bold("%s", header), question.Question)
		for _, opt := range question.Options {
			p.Printf("    - %s %s\n", opt.Label, gray("%s", opt.Description))
		}
	}
}

func (p *Printer) printPlan(plan *protocol.PendingPlanApproval) {
	p.Println(yellow("Waiting for plan approval:"))
	for line := range strings.SplitSeq(strings.TrimSpace(plan.Plan), "\n") {
		p.Printf("  %s\n", line)
	}
}

// PrintMessages renders a transcript. Partials are skipped.
func (p *Printer) PrintMessages(msgs []protocol.Message) {
	for _, msg := range msgs {
		p.PrintMessage(msg)
	}
}

func (p *Printer) PrintMessage(msg protocol.Message) {
	switch msg.Type {
	case protocol.MessageTypePartial:
		return
	case protocol.MessageTypeSystem:
		p.Println(gray("[system] %s", msg.Subtype))
	case protocol.MessageTypeUser:
		if text := msg.Text(); text != "" {
			p.Printf("%s %s\n", bold(blue("user>")), text)
		}
		for _, block := range msg.Content {
			if block.Type == protocol.BlockToolResult {
				p.Println(gray("  ← %s", truncate(block.Content, 120)))
			}
		}
	case protocol.MessageTypeAssistant:
		for _, block := range msg.Content {
			switch block.Type {
			case protocol.BlockText:
				p.Printf("%s %s\n", bold(green("agent>")), block.Text)
			case protocol.BlockThinking:
				p.Println(gray("  (thinking) %s", truncate(block.Thinking, 120)))
			case protocol.BlockToolUse:
				p.Println(gray("  → %s%s", bold(block.Name), truncate(string(block.Input), 120)))
			}
		}
	case protocol.MessageTypeResult:
		if msg.Result == nil {
			return
		}
		r := msg.Result
		summary := fmt.Sprintf("turn %s in %s, %s", r.Subtype, formatDuration(r.DurationMS), formatCost(r.CostUSD))
		if r.IsError && !r.Interrupted {
			p.Println(red("✗ %s: %s", summary, r.ErrorMessage))
		} else {
			p.Println(gray("✓ %s", summary))
		}
	}
}

// PrintEvent renders one live event.
func (p *Printer) PrintEvent(ev events.Event) {
	switch ev.Type {
	case events.TypeMessage:
		if ev.Message != nil {
			p.PrintMessage(*ev.Message)
		}
	case events.TypeStatusChanged:
		p.Println(gray("state: %s", ev.Status))
	case events.TypeModeChanged:
		p.Println(gray("mode: %s", ev.Mode))
	case events.TypeModelChanged:
		p.Println(gray("model: %s", ev.Model))
	case events.TypeQuestionReceived:
		if ev.Question != nil {
			p.printQuestion(ev.Question)
		}
	case events.TypePlanReceived:
		if ev.Plan != nil {
			p.printPlan(ev.Plan)
		}
	case events.TypeSessionError:
		if ev.Error != nil {
			p.Println(red("error (%s): %s", ev.Error.Subtype, ev.Error.Message))
		}
	case events.TypeSnapshot, events.TypeResult:
		// The snapshot precedes the feed and results arrive as messages.
	default:
		p.Println(gray("%s", ev.Type))
	}
}

func truncate(s string, n int) string {
	s = strings.ReplaceAll(s, "\n", " ")
	if len(s) <= n {
		return s
	}
	return s[:n] + "…"
}
