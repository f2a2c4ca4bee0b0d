package protocol

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"
)

// QuestionOption is one labeled choice of a question.
type QuestionOption struct {
	Label       string `json:"label"`
	Description string `json:"description,omitempty"`
}

// Question is a single structured question asked by the agent.
type Question struct {
	Question    string           `json:"question"`
	Header      string           `json:"header,omitempty"`
	Options     []QuestionOption `json:"options"`
	MultiSelect bool             `json:"multiSelect"`
}

// PendingQuestion is an unanswered multi-question prompt.
type PendingQuestion struct {
	ID        string     `json:"id"`
	ToolUseID string     `json:"tool_use_id"`
	Questions []Question `json:"questions"`
}

// PendingPlanApproval is a proposed plan waiting for an operator decision.
type PendingPlanApproval struct {
	ToolUseID   string `json:"tool_use_id"`
	Plan        string `json:"plan"`
	FilePath    string `json:"file_path,omitempty"`
	Approved    bool   `json:"approved"`
	KeepContext bool   `json:"keep_context,omitempty"`
	Feedback    string `json:"feedback,omitempty"`
}

// askUserQuestionInput mirrors the AskUserQuestion tool input.
type askUserQuestionInput struct {
	Questions []Question `json:"questions"`
}

// exitPlanModeInput mirrors the ExitPlanMode tool input.
type exitPlanModeInput struct {
	Plan         string `json:"plan"`
	PlanFilePath string `json:"planFilePath,omitempty"`
}

// ParseQuestion builds a PendingQuestion from an AskUserQuestion tool_use block.
func ParseQuestion(block ContentBlock) (*PendingQuestion, error) {
	if block.Type != BlockToolUse || block.Name != ToolAskUserQuestion {
		return nil, fmt.Errorf("block is not an %s tool use", ToolAskUserQuestion)
	}
	var in askUserQuestionInput
	if err := json.Unmarshal(block.Input, &in); err != nil {
		return nil, fmt.Errorf("decoding question input: %w", err)
	}
	if len(in.Questions) == 0 {
		return nil, fmt.Errorf("question input has no questions")
	}
	return &PendingQuestion{
		ID:        NewID(),
		ToolUseID: block.ID,
		Questions: in.Questions,
	}, nil
}

// ParsePlan builds a PendingPlanApproval from an ExitPlanMode tool_use block.
func ParsePlan(block ContentBlock) (*PendingPlanApproval, error) {
	if block.Type != BlockToolUse || block.Name != ToolExitPlanMode {
		return nil, fmt.Errorf("block is not an %s tool use", ToolExitPlanMode)
	}
	var in exitPlanModeInput
	if err := json.Unmarshal(block.Input, &in); err != nil {
		return nil, fmt.Errorf("decoding plan input: %w", err)
	}
	return &PendingPlanApproval{
		ToolUseID: block.ID,
		Plan:      in.Plan,
		FilePath:  in.PlanFilePath,
	}, nil
}

// Answers maps question text (or header) to the chosen answer.
type Answers map[string]string

// Lookup returns the answer for q, matching on the question text first and
// then the header. Unanswered questions yield "".
func (a Answers) Lookup(q Question) string {
	if v, ok := a[q.Question]; ok {
		return v
	}
	if q.Header != "" {
		if v, ok := a[q.Header]; ok {
			return v
		}
	}
	return ""
}

// Normalize returns a copy of a keyed by question text for every question in
// pq, defaulting unresolved answers to "".
func (a Answers) Normalize(pq *PendingQuestion) Answers {
	out := make(Answers, len(pq.Questions))
	for _, q := range pq.Questions {
		out[q.Question] = a.Lookup(q)
	}
	return out
}

// Summarize renders the answered questions as a follow-up message body.
func (a Answers) Summarize(pq *PendingQuestion) string {
	var sb strings.Builder
	sb.WriteString("Answers to your questions:\n")
	for _, q := range pq.Questions {
		fmt.Fprintf(&sb, "\nQ: %s\nA: %s\n", q.Question, a.Lookup(q))
	}
	return sb.String()
}

// Keys returns the answer keys sorted, mostly for stable logging.
func (a Answers) Keys() []string {
	keys := make([]string, 0, len(a))
	for k := range a {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
