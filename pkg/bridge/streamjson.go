package bridge

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/nick-boey/homespun/pkg/protocol"
)

// errIgnored marks runtime lines that carry nothing worth forwarding.
var errIgnored = errors.New("ignored runtime event")

// streamEnvelope is the common envelope of the runtime's stream-json output.
type streamEnvelope struct {
	Type      string `json:"type"`
	Subtype   string `json:"subtype"`
	SessionID string `json:"session_id"`
}

type nativeMessage struct {
	ID      string          `json:"id"`
	Role    string          `json:"role"`
	Content json.RawMessage `json:"content"`
}

type nativeBlock struct {
	Type      string          `json:"type"`
	Text      string          `json:"text"`
	Thinking  string          `json:"thinking"`
	ID        string          `json:"id"`
	Name      string          `json:"name"`
	Input     json.RawMessage `json:"input"`
	ToolUseID string          `json:"tool_use_id"`
	Content   json.RawMessage `json:"content"`
	IsError   bool            `json:"is_error"`
}

type systemLine struct {
	Model          string   `json:"model"`
	PermissionMode string   `json:"permissionMode"`
	Tools          []string `json:"tools"`
}

type conversationLine struct {
	Message nativeMessage `json:"message"`
}

type resultLine struct {
	IsError      bool     `json:"is_error"`
	Result       string   `json:"result"`
	TotalCostUSD float64  `json:"total_cost_usd"`
	DurationMS   int64    `json:"duration_ms"`
	NumTurns     int      `json:"num_turns"`
	Errors       []string `json:"errors"`
}

type streamEventLine struct {
	Event struct {
		Type    string `json:"type"`
		Index   int    `json:"index"`
		Message struct {
			ID string `json:"id"`
		} `json:"message"`
		Delta struct {
			Type        string `json:"type"`
			Text        string `json:"text"`
			Thinking    string `json:"thinking"`
			PartialJSON string `json:"partial_json"`
		} `json:"delta"`
	} `json:"event"`
}

// controlRequestIn is a request from the runtime, typically can_use_tool.
type controlRequestIn struct {
	RequestID string `json:"request_id"`
	Request   struct {
		Subtype   string          `json:"subtype"`
		ToolName  string          `json:"tool_name"`
		Input     json.RawMessage `json:"input"`
		ToolUseID string          `json:"tool_use_id"`
	} `json:"request"`
}

// controlResponseIn acknowledges a control request we sent.
type controlResponseIn struct {
	Response struct {
		Subtype   string `json:"subtype"`
		RequestID string `json:"request_id"`
		Error     string `json:"error"`
	} `json:"response"`
}

// parsedLine is the outcome of parsing one runtime line. Exactly one field is set.
type parsedLine struct {
	message         *protocol.Message
	controlRequest  *controlRequestIn
	controlResponse *controlResponseIn
	// agentSessionID is the runtime's own session id, when the line carried one.
	agentSessionID string
	// messageStart carries the id of an assistant message that starts streaming.
	messageStart string
}

// parseLine converts one stream-json line. Lines that are valid JSON but carry
// no useful content return errIgnored.
func parseLine(line []byte, now time.Time) (parsedLine, error) {
	var env streamEnvelope
	if err := json.Unmarshal(line, &env); err != nil {
		return parsedLine{}, fmt.Errorf("parsing stream-json envelope: %w", err)
	}

	switch env.Type {
	case "system":
		return parseSystem(env, line, now)
	case "assistant", "user":
		return parseConversation(env, line, now)
	case "result":
		return parseResult(env, line, now)
	case "stream_event":
		return parseStreamEvent(line, now)
	case "control_request":
		var req controlRequestIn
		if err := json.Unmarshal(line, &req); err != nil {
			return parsedLine{}, fmt.Errorf("parsing control request: %w", err)
		}
		return parsedLine{controlRequest: &req}, nil
	case "control_response":
		var resp controlResponseIn
		if err := json.Unmarshal(line, &resp); err != nil {
			return parsedLine{}, fmt.Errorf("parsing control response: %w", err)
		}
		return parsedLine{controlResponse: &resp}, nil
	case "":
		return parsedLine{}, errors.New("stream-json line has no type")
	default:
		return parsedLine{}, errIgnored
	}
}

func parseSystem(env streamEnvelope, line []byte, now time.Time) (parsedLine, error) {
	if env.Subtype != protocol.SubtypeInit {
		return parsedLine{}, errIgnored
	}
	var sys systemLine
	if err := json.Unmarshal(line, &sys); err != nil {
		return parsedLine{}, fmt.Errorf("parsing system init: %w", err)
	}
	msg := &protocol.Message{
		ID:      protocol.NewID(),
		Type:    protocol.MessageTypeSystem,
		Subtype: protocol.SubtypeInit,
		System: &protocol.SystemInfo{
			AgentSessionID: env.SessionID,
			Model:          sys.Model,
			PermissionMode: protocol.PermissionMode(sys.PermissionMode),
			Tools:          sys.Tools,
		},
		Timestamp: now,
	}
	return parsedLine{message: msg, agentSessionID: env.SessionID}, nil
}

func parseConversation(env streamEnvelope, line []byte, now time.Time) (parsedLine, error) {
	var conv conversationLine
	if err := json.Unmarshal(line, &conv); err != nil {
		return parsedLine{}, fmt.Errorf("parsing %s message: %w", env.Type, err)
	}
	blocks, err := parseBlocks(conv.Message.Content)
	if err != nil {
		return parsedLine{}, fmt.Errorf("parsing %s content: %w", env.Type, err)
	}
	if len(blocks) == 0 {
		return parsedLine{}, errIgnored
	}

	role := protocol.RoleAssistant
	if env.Type == "user" {
		role = protocol.RoleUser
	}
	msg := &protocol.Message{
		ID:        conv.Message.ID,
		Type:      protocol.MessageType(env.Type),
		Role:      role,
		Content:   blocks,
		Timestamp: now,
	}
	if msg.ID == "" {
		msg.ID = protocol.NewID()
	}
	return parsedLine{message: msg, agentSessionID: env.SessionID}, nil
}

// parseBlocks accepts either a plain string or an array of blocks.
func parseBlocks(raw json.RawMessage) ([]protocol.ContentBlock, error) {
	if len(raw) == 0 {
		return nil, nil
	}
	var text string
	if err := json.Unmarshal(raw, &text); err == nil {
		return []protocol.ContentBlock{{Type: protocol.BlockText, Text: text}}, nil
	}

	var native []nativeBlock
	if err := json.Unmarshal(raw, &native); err != nil {
		return nil, err
	}
	blocks := make([]protocol.ContentBlock, 0, len(native))
	for _, b := range native {
		switch b.Type {
		case "text":
			blocks = append(blocks, protocol.ContentBlock{Type: protocol.BlockText, Text: b.Text})
		case "thinking":
			blocks = append(blocks, protocol.ContentBlock{Type: protocol.BlockThinking, Thinking: b.Thinking})
		case "tool_use":
			blocks = append(blocks, protocol.ContentBlock{Type: protocol.BlockToolUse, ID: b.ID, Name: b.Name, Input: b.Input})
		case "tool_result":
			blocks = append(blocks, protocol.ContentBlock{
				Type:      protocol.BlockToolResult,
				ToolUseID: b.ToolUseID,
				Content:   toolResultText(b.Content),
				IsError:   b.IsError,
			})
		}
	}
	return blocks, nil
}

// toolResultText flattens tool result content, which is either a string or
// an array of text blocks.
func toolResultText(raw json.RawMessage) string {
	if len(raw) == 0 {
		return ""
	}
	var text string
	if err := json.Unmarshal(raw, &text); err == nil {
		return text
	}
	var parts []nativeBlock
	if err := json.Unmarshal(raw, &parts); err != nil {
		return string(raw)
	}
	var sb strings.Builder
	for i, p := range parts {
		if p.Type != "text" {
			continue
		}
		if i > 0 && sb.Len() > 0 {
			sb.WriteByte('\n')
		}
		sb.WriteString(p.Text)
	}
	return sb.String()
}

func parseResult(env streamEnvelope, line []byte, now time.Time) (parsedLine, error) {
	var res resultLine
	if err := json.Unmarshal(line, &res); err != nil {
		return parsedLine{}, fmt.Errorf("parsing result: %w", err)
	}
	result := &protocol.Result{
		Subtype:    env.Subtype,
		IsError:    res.IsError,
		Text:       res.Result,
		CostUSD:    res.TotalCostUSD,
		DurationMS: res.DurationMS,
		NumTurns:   res.NumTurns,
	}
	if res.IsError {
		result.ErrorMessage = res.Result
		if len(res.Errors) > 0 {
			result.ErrorMessage = strings.Join(res.Errors, "; ")
		}
		if result.ErrorMessage == "" {
			result.ErrorMessage = env.Subtype
		}
	}
	msg := &protocol.Message{
		ID:        protocol.NewID(),
		Type:      protocol.MessageTypeResult,
		Subtype:   env.Subtype,
		Result:    result,
		Timestamp: now,
	}
	return parsedLine{message: msg, agentSessionID: env.SessionID}, nil
}

func parseStreamEvent(line []byte, now time.Time) (parsedLine, error) {
	var ev streamEventLine
	if err := json.Unmarshal(line, &ev); err != nil {
		return parsedLine{}, fmt.Errorf("parsing stream event: %w", err)
	}

	switch ev.Event.Type {
	case "message_start":
		return parsedLine{messageStart: ev.Event.Message.ID}, nil
	case "content_block_delta":
	default:
		return parsedLine{}, errIgnored
	}

	delta := &protocol.BlockDelta{Index: ev.Event.Index}
	switch ev.Event.Delta.Type {
	case "text_delta":
		delta.BlockType, delta.Delta = protocol.BlockText, ev.Event.Delta.Text
	case "thinking_delta":
		delta.BlockType, delta.Delta = protocol.BlockThinking, ev.Event.Delta.Thinking
	case "input_json_delta":
		delta.BlockType, delta.Delta = protocol.BlockToolUse, ev.Event.Delta.PartialJSON
	default:
		return parsedLine{}, errIgnored
	}

	return parsedLine{message: &protocol.Message{
		ID:        protocol.NewID(),
		Type:      protocol.MessageTypePartial,
		Role:      protocol.RoleAssistant,
		Partial:   delta,
		Timestamp: now,
	}}, nil
}
