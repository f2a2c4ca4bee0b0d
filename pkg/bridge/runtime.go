package bridge

import (
	"context"
	"encoding/json"

	"github.com/nick-boey/homespun/pkg/protocol"
)

// LaunchConfig describes one agent runtime process.
type LaunchConfig struct {
	Model      string
	WorkingDir string
	// ResumeID is the runtime's own session id to continue, if any.
	ResumeID string
	Env      []string
}

// Runtime is a running agent process speaking newline-delimited JSON on its
// standard streams.
type Runtime interface {
	// Write encodes v as one JSON line on the runtime's input.
	Write(v any) error
	// Lines yields raw output lines. It is closed when the runtime exits.
	Lines() <-chan []byte
	// Close terminates the runtime and waits for it to exit.
	Close() error
}

// Launcher starts runtimes.
type Launcher interface {
	Launch(ctx context.Context, cfg LaunchConfig) (Runtime, error)
}

// Wire types for the runtime's stream-json input.

type userInput struct {
	Type    string         `json:"type"`
	Message userInputInner `json:"message"`
}

type userInputInner struct {
	Role    protocol.Role           `json:"role"`
	Content []protocol.ContentBlock `json:"content"`
}

func newUserInput(text string) userInput {
	return userInput{
		Type: "user",
		Message: userInputInner{
			Role:    protocol.RoleUser,
			Content: []protocol.ContentBlock{{Type: protocol.BlockText, Text: text}},
		},
	}
}

type controlRequestOut struct {
	Type      string `json:"type"`
	RequestID string `json:"request_id"`
	Request   any    `json:"request"`
}

type setPermissionModeRequest struct {
	Subtype string                  `json:"subtype"`
	Mode    protocol.PermissionMode `json:"mode"`
}

type interruptRequest struct {
	Subtype string `json:"subtype"`
}

type controlResponseOut struct {
	Type     string              `json:"type"`
	Response controlResponseBody `json:"response"`
}

type controlResponseBody struct {
	Subtype   string `json:"subtype"`
	RequestID string `json:"request_id"`
	Response  any    `json:"response,omitempty"`
	Error     string `json:"error,omitempty"`
}

// permissionResult answers a can_use_tool request.
type permissionResult struct {
	Behavior     string          `json:"behavior"`
	UpdatedInput json.RawMessage `json:"updatedInput,omitempty"`
	Message      string          `json:"message,omitempty"`
	Interrupt    bool            `json:"interrupt,omitempty"`
}

func allow(requestID string, input json.RawMessage) controlResponseOut {
	return controlResponseOut{
		Type: "control_response",
		Response: controlResponseBody{
			Subtype:   "success",
			RequestID: requestID,
			Response:  permissionResult{Behavior: "allow", UpdatedInput: input},
		},
	}
}

func deny(requestID, message string, interrupt bool) controlResponseOut {
	return controlResponseOut{
		Type: "control_response",
		Response: controlResponseBody{
			Subtype:   "success",
			RequestID: requestID,
			Response:  permissionResult{Behavior: "deny", Message: message, Interrupt: interrupt},
		},
	}
}
