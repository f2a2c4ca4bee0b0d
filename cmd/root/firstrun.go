package root

import (
	"errors"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/nick-boey/homespun/pkg/paths"
)

const firstRunMarker = ".first_run"

// isFirstRun reports true exactly once per config directory, even when
// several processes race.
func isFirstRun() bool {
	dir := paths.GetConfigDir()
	if err := os.MkdirAll(dir, 0o755); err != nil {
		slog.Debug("Cannot create config dir", "dir", dir, "error", err)
		return false
	}

	f, err := os.OpenFile(filepath.Join(dir, firstRunMarker), os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o644)
	if err != nil {
		if !errors.Is(err, os.ErrExist) {
			slog.Debug("Cannot create first run marker", "error", err)
		}
		return false
	}
	_ = f.Close()
	return true
}
