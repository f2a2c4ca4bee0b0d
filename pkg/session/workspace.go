package session

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
)

// DirWorkspaces gives every entity its own directory under Root, grouped by
// project. Existing directories are reused so resumed sessions see their
// previous work.
type DirWorkspaces struct {
	Root string
}

func (w DirWorkspaces) Prepare(_ context.Context, entityID, projectID string) (string, error) {
	for _, part := range []string{entityID, projectID} {
		if part == "" || part == "." || part == ".." || filepath.Base(part) != part {
			return "", fmt.Errorf("%w: unusable path component %q", ErrInvalidRequest, part)
		}
	}

	dir := filepath.Join(w.Root, projectID, entityID)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("creating workspace: %w", err)
	}
	return dir, nil
}
