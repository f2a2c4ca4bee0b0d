package bridge

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nick-boey/homespun/pkg/protocol"
)

func TestParseLine_Conversation(t *testing.T) {
	t.Parallel()

	now := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)

	tests := []struct {
		name  string
		line  string
		check func(t *testing.T, p parsedLine)
	}{
		{
			name: "assistant blocks",
			line: `{"type":"assistant","session_id":"n1","message":{"id":"m1","content":[{"type":"thinking","thinking":"hmm"},{"type":"text","text":"hi"},{"type":"tool_use","id":"t1","name":"Bash","input":{"command":"ls"}}]}}`,
			check: func(t *testing.T, p parsedLine) {
				t.Helper()
				require.NotNil(t, p.message)
				assert.Equal(t, "n1", p.agentSessionID)
				assert.Equal(t, "m1", p.message.ID)
				assert.Equal(t, protocol.RoleAssistant, p.message.Role)
				require.Len(t, p.message.Content, 3)
				assert.Equal(t, "hmm", p.message.Content[0].Thinking)
				assert.Equal(t, "Bash", p.message.ToolUses()[0].Name)
				assert.JSONEq(t, `{"command":"ls"}`, string(p.message.Content[2].Input))
				assert.Equal(t, now, p.message.Timestamp)
			},
		},
		{
			name: "user string content",
			line: `{"type":"user","message":{"role":"user","content":"plain"}}`,
			check: func(t *testing.T, p parsedLine) {
				t.Helper()
				assert.Equal(t, protocol.RoleUser, p.message.Role)
				assert.Equal(t, "plain", p.message.Text())
				assert.NotEmpty(t, p.message.ID)
			},
		},
		{
			name: "tool result flattened",
			line: `{"type":"user","message":{"content":[{"type":"tool_result","tool_use_id":"t1","is_error":true,"content":[{"type":"text","text":"a"},{"type":"text","text":"b"}]}]}}`,
			check: func(t *testing.T, p parsedLine) {
				t.Helper()
				b := p.message.Content[0]
				assert.Equal(t, protocol.BlockToolResult, b.Type)
				assert.Equal(t, "t1", b.ToolUseID)
				assert.Equal(t, "a\nb", b.Content)
				assert.True(t, b.IsError)
			},
		},
		{
			name: "system init",
			line: `{"type":"system","subtype":"init","session_id":"n2","model":"opus","permissionMode":"plan","tools":["Read"]}`,
			check: func(t *testing.T, p parsedLine) {
				t.Helper()
				assert.Equal(t, "n2", p.agentSessionID)
				assert.True(t, p.message.IsSystem(protocol.SubtypeInit))
				assert.Equal(t, protocol.PermissionPlan, p.message.System.PermissionMode)
				assert.Equal(t, []string{"Read"}, p.message.System.Tools)
			},
		},
		{
			name: "error result",
			line: `{"type":"result","subtype":"error_max_turns","is_error":true,"errors":["too many","turns"],"num_turns":40}`,
			check: func(t *testing.T, p parsedLine) {
				t.Helper()
				r := p.message.Result
				assert.True(t, r.IsError)
				assert.Equal(t, "too many; turns", r.ErrorMessage)
				assert.Equal(t, 40, r.NumTurns)
				assert.Equal(t, "error_max_turns", p.message.Subtype)
			},
		},
		{
			name: "thinking delta",
			line: `{"type":"stream_event","event":{"type":"content_block_delta","index":2,"delta":{"type":"thinking_delta","thinking":"so"}}}`,
			check: func(t *testing.T, p parsedLine) {
				t.Helper()
				require.True(t, p.message.IsPartial())
				assert.Equal(t, 2, p.message.Partial.Index)
				assert.Equal(t, protocol.BlockThinking, p.message.Partial.BlockType)
			},
		},
		{
			name: "message start",
			line: `{"type":"stream_event","event":{"type":"message_start","message":{"id":"m7"}}}`,
			check: func(t *testing.T, p parsedLine) {
				t.Helper()
				assert.Nil(t, p.message)
				assert.Equal(t, "m7", p.messageStart)
			},
		},
		{
			name: "control request",
			line: `{"type":"control_request","request_id":"r1","request":{"subtype":"can_use_tool","tool_name":"Bash","input":{}}}`,
			check: func(t *testing.T, p parsedLine) {
				t.Helper()
				require.NotNil(t, p.controlRequest)
				assert.Equal(t, "r1", p.controlRequest.RequestID)
				assert.Equal(t, "Bash", p.controlRequest.Request.ToolName)
			},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			p, err := parseLine([]byte(tt.line), now)
			require.NoError(t, err)
			tt.check(t, p)
		})
	}
}

func TestParseLine_Ignored(t *testing.T) {
	t.Parallel()

	for _, line := range []string{
		`{"type":"system","subtype":"hook_response"}`,
		`{"type":"stream_event","event":{"type":"content_block_stop"}}`,
		`{"type":"assistant","message":{"content":[]}}`,
		`{"type":"rate_limit"}`,
	} {
		_, err := parseLine([]byte(line), time.Now())
		require.ErrorIs(t, err, errIgnored, line)
	}
}

func TestParseLine_Malformed(t *testing.T) {
	t.Parallel()

	for _, line := range []string{`nope`, `{}`, `{"type":"assistant","message":{"content":42}}`} {
		_, err := parseLine([]byte(line), time.Now())
		require.Error(t, err, line)
		assert.NotErrorIs(t, err, errIgnored, line)
	}
}

func TestClaudeLauncherArgs(t *testing.T) {
	t.Parallel()

	l := &ClaudeLauncher{Binary: "claude", ExtraArgs: []string{"--max-turns", "5"}}
	args := l.Args(LaunchConfig{Model: "opus", ResumeID: "n1"})

	assert.Contains(t, args, "--include-partial-messages")
	assert.Subset(t, args, []string{"--input-format", "stream-json", "--output-format"})
	assert.Subset(t, args, []string{"--model", "opus", "--resume", "n1", "--max-turns", "5"})

	bare := l.Args(LaunchConfig{})
	assert.NotContains(t, bare, "--model")
	assert.NotContains(t, bare, "--resume")
}
