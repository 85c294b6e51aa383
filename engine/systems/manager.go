package systems

import (
	"github.com/spaghettifunk/lumen/engine/core"
	"github.com/spaghettifunk/lumen/engine/renderer"
	"github.com/spaghettifunk/lumen/engine/renderer/metadata"
)

/** @brief Top-level knobs for constructing the systems layer. */
type SystemManagerConfig struct {
	FramesInFlight   uint8
	JobWorkers       int
	JobQueueSize     int
	MaxPipelineCount uint32
	MaxTextureCount  uint32
	MaxGeometryCount uint32
	ShaderDir        string
	HotReload        bool
}

/**
 * @brief Constructs and owns all subsystems in dependency order and tears
 * them down in reverse. Everything downstream receives its collaborators
 * through here; nothing reaches for globals.
 */
type SystemManager struct {
	JobSystem      *JobSystem
	Binder         *ResourceBinder
	PipelineSystem *PipelineSystem
	TextureSystem  *TextureSystem
	GeometrySystem *GeometrySystem
	Accel          *AccelerationStructureManager
	RenderGraph    *RenderGraph

	renderer renderer.RendererBackend
}

func NewSystemManager(config *SystemManagerConfig, r renderer.RendererBackend) (*SystemManager, error) {
	if config.FramesInFlight == 0 {
		config.FramesInFlight = metadata.MaxFramesInFlight
	}
	if config.JobWorkers == 0 {
		config.JobWorkers = 4
	}
	if config.JobQueueSize == 0 {
		config.JobQueueSize = 128
	}
	if config.MaxPipelineCount == 0 {
		config.MaxPipelineCount = 256
	}
	if config.MaxTextureCount == 0 {
		config.MaxTextureCount = 1024
	}
	if config.MaxGeometryCount == 0 {
		config.MaxGeometryCount = 4096
	}

	sm := &SystemManager{renderer: r}

	js, err := NewJobSystem(config.JobWorkers, config.JobQueueSize)
	if err != nil {
		core.LogError("failed to initialize the job system")
		return nil, err
	}
	sm.JobSystem = js

	binder, err := NewResourceBinder(&ResourceBinderConfig{FramesInFlight: config.FramesInFlight}, r)
	if err != nil {
		core.LogError("failed to initialize the resource binder")
		return nil, err
	}
	sm.Binder = binder

	ps, err := NewPipelineSystem(&PipelineSystemConfig{
		MaxPipelineCount: config.MaxPipelineCount,
		ShaderDir:        config.ShaderDir,
		HotReload:        config.HotReload,
		FramesInFlight:   config.FramesInFlight,
	}, js, r, binder)
	if err != nil {
		core.LogError("failed to initialize the pipeline system")
		return nil, err
	}
	sm.PipelineSystem = ps

	ts, err := NewTextureSystem(&TextureSystemConfig{MaxTextureCount: config.MaxTextureCount}, r)
	if err != nil {
		core.LogError("failed to initialize the texture system")
		return nil, err
	}
	sm.TextureSystem = ts

	gs, err := NewGeometrySystem(&GeometrySystemConfig{MaxGeometryCount: config.MaxGeometryCount}, r)
	if err != nil {
		core.LogError("failed to initialize the geometry system")
		return nil, err
	}
	sm.GeometrySystem = gs

	am, err := NewAccelerationStructureManager(&AccelSystemConfig{FramesInFlight: config.FramesInFlight}, js, r)
	if err != nil {
		core.LogError("failed to initialize the acceleration-structure manager")
		return nil, err
	}
	sm.Accel = am

	sm.RenderGraph = NewRenderGraph(ps, binder, am)

	return sm, nil
}

// Renderer exposes the backend for components that own their resources
// directly, such as passes allocating per-frame uniform buffers.
func (sm *SystemManager) Renderer() renderer.RendererBackend {
	return sm.renderer
}

/**
 * @brief Per-frame bookkeeping after GPU submission: advances the deferred
 * destruction queues against the fence-confirmed frame number.
 */
func (sm *SystemManager) OnFrameComplete(fc *metadata.FrameContext) {
	confirmed := sm.renderer.LastCompletedFrame()
	sm.PipelineSystem.OnFrameComplete(fc.FrameNumber, confirmed)
	sm.Accel.OnFrameComplete(confirmed)
}

func (sm *SystemManager) Shutdown() error {
	// Graph first (consumers), then the shader watcher so nothing submits
	// new recompile jobs, then the job queue once in-flight builds have
	// drained against live systems, then the managers.
	if err := sm.RenderGraph.Shutdown(); err != nil {
		core.LogError("render graph shutdown: %s", err.Error())
	}
	sm.PipelineSystem.StopWatcher()
	if err := sm.JobSystem.Shutdown(); err != nil {
		core.LogError("job system shutdown: %s", err.Error())
	}
	if err := sm.Accel.Shutdown(); err != nil {
		core.LogError("acceleration-structure manager shutdown: %s", err.Error())
	}
	if err := sm.GeometrySystem.Shutdown(); err != nil {
		core.LogError("geometry system shutdown: %s", err.Error())
	}
	if err := sm.TextureSystem.Shutdown(); err != nil {
		core.LogError("texture system shutdown: %s", err.Error())
	}
	sm.Binder.Clear()
	if err := sm.PipelineSystem.Shutdown(); err != nil {
		core.LogError("pipeline system shutdown: %s", err.Error())
	}
	return nil
}
