package engine

import (
	"github.com/spaghettifunk/lumen/engine/renderer/metadata"
	"github.com/spaghettifunk/lumen/engine/systems"
)

type Game struct {
	ApplicationConfig *ApplicationConfig
	SystemManager     *systems.SystemManager
	State             interface{}
	FnInitialize      Initialize
	FnUpdate          Update
	FnOnResize        OnResize
	FnShutdown        Shutdown
}

type Initialize func() error

// Update runs on the render thread before graph execution; this is where a
// game mutates its scene and uploads per-frame data.
type Update func(fc *metadata.FrameContext) error
type OnResize func(width uint32, height uint32) error
type Shutdown func() error
