package engine

import (
	"os"

	"github.com/pelletier/go-toml/v2"
	"github.com/spaghettifunk/lumen/engine/core"
)

type ApplicationConfig struct {
	// Window starting position x axis, if applicable.
	StartPosX uint32 `toml:"start_pos_x"`
	// Window starting position y axis, if applicable.
	StartPosY uint32 `toml:"start_pos_y"`
	// Window starting width, if applicable.
	StartWidth uint32 `toml:"start_width"`
	// Window starting height, if applicable.
	StartHeight uint32 `toml:"start_height"`
	// The application name used in windowing, if applicable.
	Name     string        `toml:"name"`
	LogLevel core.LogLevel `toml:"log_level"`

	// How many frames the CPU may run ahead of the GPU.
	FramesInFlight uint8 `toml:"frames_in_flight"`
	// Background workers for builds and recompiles.
	JobWorkers int `toml:"job_workers"`
	// Root directory of compiled shader binaries.
	ShaderDir string `toml:"shader_dir"`
	// Watch ShaderDir and hot-reload pipelines on changes.
	HotReload bool `toml:"hot_reload"`
}

func DefaultApplicationConfig() *ApplicationConfig {
	return &ApplicationConfig{
		StartPosX:      100,
		StartPosY:      100,
		StartWidth:     1280,
		StartHeight:    720,
		Name:           "Lumen",
		LogLevel:       core.DebugLevel,
		FramesInFlight: 3,
		JobWorkers:     4,
		ShaderDir:      "assets/shaders",
		HotReload:      true,
	}
}

// LoadApplicationConfig reads a TOML config file on top of the defaults. A
// missing file is not an error; the defaults are returned as-is.
func LoadApplicationConfig(path string) (*ApplicationConfig, error) {
	config := DefaultApplicationConfig()

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			core.LogInfo("no config file at '%s', using defaults", path)
			return config, nil
		}
		return nil, err
	}
	if err := toml.Unmarshal(data, config); err != nil {
		core.LogError("failed to parse config '%s': %s", path, err.Error())
		return nil, err
	}
	return config, nil
}
