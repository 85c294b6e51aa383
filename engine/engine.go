package engine

import (
	"errors"
	"fmt"

	"github.com/spaghettifunk/lumen/engine/core"
	"github.com/spaghettifunk/lumen/engine/platform"
	"github.com/spaghettifunk/lumen/engine/renderer/metadata"
	"github.com/spaghettifunk/lumen/engine/renderer/vulkan"
	"github.com/spaghettifunk/lumen/engine/systems"
)

type Stage uint8

const (
	// Engine is in an uninitialized state
	EngineStageUninitialized Stage = iota
	// Engine is currently initializing
	EngineStageInitializing
	// Engine initialization is complete
	EngineStageInitialized
	// Engine is currently running
	EngineStageRunning
	// Engine is in the process of shutting down
	EngineStageShuttingDown
)

type Engine struct {
	currentStage  Stage
	gameInstance  *Game
	isRunning     bool
	isSuspended   bool
	platform      *platform.Platform
	renderer      *vulkan.VulkanRenderer
	systemManager *systems.SystemManager
	width         uint32
	height        uint32
	clock         *core.Clock
	lastTime      float64

	frameNumber    uint64
	framesInFlight uint8
}

func New(g *Game) (*Engine, error) {
	if g.ApplicationConfig == nil {
		g.ApplicationConfig = DefaultApplicationConfig()
	}
	core.SetLogLevel(g.ApplicationConfig.LogLevel)

	p := platform.New()
	r := vulkan.New(p)

	framesInFlight := g.ApplicationConfig.FramesInFlight
	if framesInFlight == 0 || framesInFlight > metadata.MaxFramesInFlight {
		framesInFlight = metadata.MaxFramesInFlight
	}

	sm, err := systems.NewSystemManager(&systems.SystemManagerConfig{
		FramesInFlight: framesInFlight,
		JobWorkers:     g.ApplicationConfig.JobWorkers,
		ShaderDir:      g.ApplicationConfig.ShaderDir,
		HotReload:      g.ApplicationConfig.HotReload,
	}, r)
	if err != nil {
		core.LogError(err.Error())
		return nil, err
	}
	g.SystemManager = sm

	return &Engine{
		currentStage:   EngineStageUninitialized,
		gameInstance:   g,
		clock:          core.NewClock(),
		platform:       p,
		renderer:       r,
		systemManager:  sm,
		isRunning:      true,
		isSuspended:    false,
		width:          g.ApplicationConfig.StartWidth,
		height:         g.ApplicationConfig.StartHeight,
		framesInFlight: framesInFlight,
		lastTime:       0,
	}, nil
}

func (e *Engine) Initialize() error {
	e.currentStage = EngineStageInitializing

	if !core.EventInitialize() {
		return fmt.Errorf("failed to initialize the event system")
	}
	if err := core.MetricsInitialize(); err != nil {
		return err
	}

	core.EventRegister(core.EVENT_CODE_APPLICATION_QUIT, e, e.onEvent)
	core.EventRegister(core.EVENT_CODE_RESIZED, e, e.onResized)

	cfg := e.gameInstance.ApplicationConfig
	if err := e.platform.Startup(cfg.Name, cfg.StartPosX, cfg.StartPosY, cfg.StartWidth, cfg.StartHeight); err != nil {
		return err
	}

	if err := e.renderer.Initialize(cfg.Name, e.width, e.height); err != nil {
		return err
	}

	// Game registers its passes here.
	if err := e.gameInstance.FnInitialize(); err != nil {
		return err
	}

	if err := e.systemManager.RenderGraph.Compile(); err != nil {
		return err
	}

	if e.gameInstance.FnOnResize != nil {
		if err := e.gameInstance.FnOnResize(e.width, e.height); err != nil {
			return err
		}
	}

	e.currentStage = EngineStageInitialized
	return nil
}

func (e *Engine) Run() error {
	e.currentStage = EngineStageRunning
	e.clock.Start()
	e.clock.Update()
	e.lastTime = e.clock.ElapsedSeconds()

	for e.isRunning {
		if !e.platform.PumpMessages() {
			e.isRunning = false
		}

		if e.isSuspended {
			continue
		}

		e.clock.Update()
		currentTime := e.clock.ElapsedSeconds()
		delta := currentTime - e.lastTime
		frameStartTime := platform.GetAbsoluteTime()

		fc := &metadata.FrameContext{
			FrameIndex:     uint8(e.frameNumber % uint64(e.framesInFlight)),
			FrameNumber:    e.frameNumber,
			FramesInFlight: e.framesInFlight,
			DeltaTime:      delta,
		}

		if e.gameInstance.FnUpdate != nil {
			if err := e.gameInstance.FnUpdate(fc); err != nil {
				core.LogFatal("Game update failed, shutting down.")
				e.isRunning = false
				break
			}
		}

		if err := e.drawFrame(fc); err != nil {
			core.LogFatal("Frame failed, shutting down: %s", err.Error())
			e.isRunning = false
			break
		}

		e.systemManager.OnFrameComplete(fc)
		e.frameNumber++

		frameElapsedTime := platform.GetAbsoluteTime() - frameStartTime
		core.MetricsUpdate(frameElapsedTime)

		e.lastTime = currentTime
	}

	return nil
}

// drawFrame runs one frame of GPU work: acquire, execute the pass schedule,
// submit. A swapchain acquire failure is not fatal, the frame is skipped.
func (e *Engine) drawFrame(fc *metadata.FrameContext) error {
	if err := e.renderer.BeginFrame(fc); err != nil {
		if errors.Is(err, vulkan.ErrSwapchainOutOfDate) {
			return nil
		}
		return err
	}

	if err := e.systemManager.RenderGraph.Execute(fc); err != nil {
		return err
	}

	return e.renderer.EndFrame(fc)
}

func (e *Engine) Shutdown() error {
	e.currentStage = EngineStageShuttingDown
	e.isRunning = false

	if e.gameInstance.FnShutdown != nil {
		if err := e.gameInstance.FnShutdown(); err != nil {
			core.LogError(err.Error())
		}
	}
	if err := e.systemManager.Shutdown(); err != nil {
		return err
	}
	if err := e.renderer.Shutdown(); err != nil {
		return err
	}
	if err := core.EventShutdown(); err != nil {
		return err
	}
	if err := e.platform.Shutdown(); err != nil {
		return err
	}
	return nil
}

// GetFramebufferSize returns the width and height (in this order)
// of the application framebuffer.
func (e *Engine) GetFramebufferSize() (uint32, uint32) {
	return e.width, e.height
}

func (e *Engine) onEvent(code core.SystemEventCode, sender interface{}, listener interface{}, context core.EventContext) bool {
	switch code {
	case core.EVENT_CODE_APPLICATION_QUIT:
		core.LogInfo("EVENT_CODE_APPLICATION_QUIT received, shutting down.")
		e.isRunning = false
		return true
	}
	return false
}

func (e *Engine) onResized(code core.SystemEventCode, sender interface{}, listener interface{}, context core.EventContext) bool {
	if code != core.EVENT_CODE_RESIZED {
		return false
	}

	width := uint32(context.Data.U16[0])
	height := uint32(context.Data.U16[1])
	if width == e.width && height == e.height {
		return false
	}
	e.width = width
	e.height = height

	core.LogDebug("Window resize: %d, %d", width, height)

	// Handle minimization
	if width == 0 || height == 0 {
		core.LogInfo("Window minimized, suspending application.")
		e.isSuspended = true
		return false
	}
	if e.isSuspended {
		core.LogInfo("Window restored, resuming application.")
		e.isSuspended = false
	}

	if e.gameInstance.FnOnResize != nil {
		if err := e.gameInstance.FnOnResize(width, height); err != nil {
			core.LogError(err.Error())
		}
	}
	if err := e.renderer.Resized(uint16(width), uint16(height)); err != nil {
		core.LogError(err.Error())
	}
	if err := e.systemManager.RenderGraph.Reset(width, height); err != nil {
		core.LogError(err.Error())
	}
	return false
}
