package paths

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestGetDataDir(t *testing.T) {
	t.Setenv(EnvDataDir, "/srv/homespun/")
	assert.Equal(t, "/srv/homespun", GetDataDir())

	t.Setenv(EnvDataDir, "")
	t.Setenv("XDG_DATA_HOME", "/xdg")
	assert.Equal(t, filepath.Join("/xdg", "homespun"), GetDataDir())

	t.Setenv("XDG_DATA_HOME", "")
	t.Setenv("HOME", "/home/dev")
	assert.Equal(t, filepath.Join("/home/dev", ".homespun"), GetDataDir())
}

func TestGetConfigFile(t *testing.T) {
	t.Setenv(EnvConfigDir, "/etc/homespun")
	assert.Equal(t, filepath.Join("/etc/homespun", "config.yaml"), GetConfigFile())
}
