package engine

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/spaghettifunk/lumen/engine/core"
)

func TestLoadApplicationConfigMissingFileUsesDefaults(t *testing.T) {
	config, err := LoadApplicationConfig(filepath.Join(t.TempDir(), "nope.toml"))
	require.NoError(t, err)
	assert.Equal(t, DefaultApplicationConfig(), config)
}

func TestLoadApplicationConfigOverridesDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "lumen.toml")
	require.NoError(t, os.WriteFile(path, []byte(`
name = "Custom"
start_width = 1920
start_height = 1080
log_level = 4
frames_in_flight = 2
job_workers = 8
shader_dir = "build/shaders"
hot_reload = false
`), 0o644))

	config, err := LoadApplicationConfig(path)
	require.NoError(t, err)
	assert.Equal(t, "Custom", config.Name)
	assert.Equal(t, uint32(1920), config.StartWidth)
	assert.Equal(t, uint32(1080), config.StartHeight)
	assert.Equal(t, core.WarnLevel, config.LogLevel)
	assert.Equal(t, uint8(2), config.FramesInFlight)
	assert.Equal(t, 8, config.JobWorkers)
	assert.Equal(t, "build/shaders", config.ShaderDir)
	assert.False(t, config.HotReload)

	// Unset keys keep their defaults.
	assert.Equal(t, uint32(100), config.StartPosX)
}

func TestLoadApplicationConfigRejectsMalformedFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "broken.toml")
	require.NoError(t, os.WriteFile(path, []byte("name = [unclosed"), 0o644))

	_, err := LoadApplicationConfig(path)
	assert.Error(t, err)
}
