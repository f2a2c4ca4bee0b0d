// Package protocol defines the normalized message format exchanged between an
// agent bridge and the orchestrator. It is independent of the wire format of
// any particular agent runtime.
package protocol

import (
	"encoding/json"
	"strings"
	"time"

	"github.com/google/uuid"
)

// MessageType is the envelope type of a normalized message.
type MessageType string

const (
	MessageTypeSystem    MessageType = "system"
	MessageTypeUser      MessageType = "user"
	MessageTypeAssistant MessageType = "assistant"
	MessageTypeResult    MessageType = "result"
	// MessageTypePartial carries an incremental delta for a content block that
	// has not been finalized yet. Partials are streamed but never cached.
	MessageTypePartial MessageType = "partial"
)

// System message subtypes.
const (
	SubtypeInit           = "init"
	SubtypeContextCleared = "context_cleared"
	SubtypeSessionClosed  = "session_closed"
)

// Role tags a conversational message.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// BlockType identifies the kind of a content block.
type BlockType string

const (
	BlockText       BlockType = "text"
	BlockThinking   BlockType = "thinking"
	BlockToolUse    BlockType = "tool_use"
	BlockToolResult BlockType = "tool_result"
)

// Tool names that open gates.
const (
	ToolAskUserQuestion = "AskUserQuestion"
	ToolExitPlanMode    = "ExitPlanMode"
)

// ContentBlock is one ordered element of a message.
type ContentBlock struct {
	Type BlockType `json:"type"`

	Text     string `json:"text,omitempty"`
	Thinking string `json:"thinking,omitempty"`

	// tool_use
	ID    string          `json:"id,omitempty"`
	Name  string          `json:"name,omitempty"`
	Input json.RawMessage `json:"input,omitempty"`

	// tool_result
	ToolUseID string `json:"tool_use_id,omitempty"`
	Content   string `json:"content,omitempty"`
	IsError   bool   `json:"is_error,omitempty"`
}

// BlockDelta is an incremental update to a streaming content block.
type BlockDelta struct {
	// MessageID is the id of the assistant message being assembled.
	MessageID string    `json:"message_id,omitempty"`
	Index     int       `json:"index"`
	BlockType BlockType `json:"block_type"`
	Delta     string    `json:"delta"`
}

// SystemInfo is attached to system messages.
type SystemInfo struct {
	// AgentSessionID is the agent runtime's own session identifier, used to
	// resume the runtime's transcript on a new compute unit.
	AgentSessionID string         `json:"agent_session_id,omitempty"`
	Model          string         `json:"model,omitempty"`
	PermissionMode PermissionMode `json:"permission_mode,omitempty"`
	Tools          []string       `json:"tools,omitempty"`
	Note           string         `json:"note,omitempty"`
}

// Result summarizes a completed agent turn.
type Result struct {
	Subtype      string  `json:"subtype"`
	IsError      bool    `json:"is_error"`
	ErrorMessage string  `json:"error_message,omitempty"`
	Text         string  `json:"text,omitempty"`
	CostUSD      float64 `json:"cost_usd,omitempty"`
	DurationMS   int64   `json:"duration_ms,omitempty"`
	NumTurns     int     `json:"num_turns,omitempty"`
	// Interrupted is set when the turn ended because of an explicit interrupt.
	Interrupted bool `json:"interrupted,omitempty"`
}

// Message is the normalized unit of the session transcript.
type Message struct {
	ID        string         `json:"id"`
	Seq       int64          `json:"seq,omitempty"`
	Type      MessageType    `json:"type"`
	Subtype   string         `json:"subtype,omitempty"`
	Role      Role           `json:"role,omitempty"`
	Content   []ContentBlock `json:"content,omitempty"`
	Partial   *BlockDelta    `json:"partial,omitempty"`
	Result    *Result        `json:"result,omitempty"`
	System    *SystemInfo    `json:"system,omitempty"`
	Synthetic bool           `json:"synthetic,omitempty"`
	Timestamp time.Time      `json:"timestamp"`
}

// NewID returns a fresh message identifier.
func NewID() string {
	return uuid.NewString()
}

// UserText builds a user message holding a single text block.
func UserText(text string) Message {
	return Message{
		ID:        NewID(),
		Type:      MessageTypeUser,
		Role:      RoleUser,
		Content:   []ContentBlock{{Type: BlockText, Text: text}},
		Timestamp: time.Now().UTC(),
	}
}

// IsPartial reports whether m is a streaming delta.
func (m *Message) IsPartial() bool {
	return m.Type == MessageTypePartial
}

// IsSystem reports whether m is a system message with the given subtype.
func (m *Message) IsSystem(subtype string) bool {
	return m.Type == MessageTypeSystem && m.Subtype == subtype
}

// ToolUses returns the tool_use blocks of m in order.
func (m *Message) ToolUses() []ContentBlock {
	var uses []ContentBlock
	for _, b := range m.Content {
		if b.Type == BlockToolUse {
			uses = append(uses, b)
		}
	}
	return uses
}

// Text concatenates the text blocks of m.
func (m *Message) Text() string {
	var sb strings.Builder
	for _, b := range m.Content {
		if b.Type == BlockText {
			sb.WriteString(b.Text)
		}
	}
	return sb.String()
}
