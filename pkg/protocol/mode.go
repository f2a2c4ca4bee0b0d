package protocol

import "fmt"

// SessionMode is the operator-facing access level of a session.
type SessionMode string

const (
	// ModePlan is read-only: the agent may inspect but not modify the workspace.
	ModePlan SessionMode = "plan"
	// ModeBuild grants full access.
	ModeBuild SessionMode = "build"
)

// ParseSessionMode validates s.
func ParseSessionMode(s string) (SessionMode, error) {
	switch SessionMode(s) {
	case ModePlan, ModeBuild:
		return SessionMode(s), nil
	case "":
		return ModeBuild, nil
	default:
		return "", fmt.Errorf("unknown session mode %q (want %q or %q)", s, ModePlan, ModeBuild)
	}
}

// PermissionMode is the agent runtime's permission posture.
type PermissionMode string

const (
	PermissionDefault     PermissionMode = "default"
	PermissionPlan        PermissionMode = "plan"
	PermissionAcceptEdits PermissionMode = "acceptEdits"
	PermissionBypass      PermissionMode = "bypassPermissions"
)

// PermissionMode maps a session mode to the runtime permission mode that
// implements it.
func (m SessionMode) PermissionMode() PermissionMode {
	if m == ModePlan {
		return PermissionPlan
	}
	return PermissionBypass
}

// ParsePermissionMode validates s. An empty string yields an empty mode.
func ParsePermissionMode(s string) (PermissionMode, error) {
	switch PermissionMode(s) {
	case "", PermissionDefault, PermissionPlan, PermissionAcceptEdits, PermissionBypass:
		return PermissionMode(s), nil
	default:
		return "", fmt.Errorf("unknown permission mode %q", s)
	}
}
