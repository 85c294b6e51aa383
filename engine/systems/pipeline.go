package systems

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"

	"github.com/fsnotify/fsnotify"
	"github.com/spaghettifunk/lumen/engine/core"
	"github.com/spaghettifunk/lumen/engine/renderer"
	"github.com/spaghettifunk/lumen/engine/renderer/metadata"
)

/** @brief Configuration for the pipeline system. */
type PipelineSystemConfig struct {
	/** @brief The maximum number of pipelines held in the system. */
	MaxPipelineCount uint32
	/** @brief Root directory of shader binaries, watched for hot-reload. */
	ShaderDir string
	/** @brief Whether to watch ShaderDir and recompile on changes. */
	HotReload bool
	/** @brief How many frames overlap; retired handles are freed after this
	 * many frames have been confirmed complete. */
	FramesInFlight uint8
}

/**
 * @brief One slot of the pipeline arena. The ID stays stable across
 * hot-reload; HandleGeneration is bumped on every successful (re)compile so
 * consumers holding a cached copy can detect the swap.
 */
type PipelineEntry struct {
	ID     metadata.PipelineID
	Name   string
	Config *metadata.PipelineConfig

	Handle           *metadata.PipelineHandle
	Reflection       *metadata.PipelineReflection
	HandleGeneration uint32
	Compiled         bool
}

type retiredHandle struct {
	handle         *metadata.PipelineHandle
	retiredAtFrame uint64
}

type PipelineSystem struct {
	// This system's configuration.
	Config *PipelineSystemConfig
	// A lookup table for pipeline name->id.
	Lookup map[string]metadata.PipelineID
	// A collection of created pipelines.
	Pipelines []*PipelineEntry

	// sub systems
	renderer  renderer.RendererBackend
	binder    *ResourceBinder
	jobSystem *JobSystem

	// Guards the arena against the watcher goroutine swapping handles while
	// the render thread reads them.
	mutex sync.RWMutex

	// Shader path -> pipeline ids referencing it.
	watchedPaths map[string][]metadata.PipelineID
	watcher      *fsnotify.Watcher
	watchDone    chan struct{}
	watchExited  chan struct{}

	// Reloads completed on job workers, waiting for the render thread to
	// fold them into the binder via ApplyReloads.
	pendingReloads []metadata.PipelineID
	reloadMutex    sync.Mutex

	frameNumber atomic.Uint64
	retired     []retiredHandle
	retireMutex sync.Mutex
}

func NewPipelineSystem(config *PipelineSystemConfig, js *JobSystem, r renderer.RendererBackend, binder *ResourceBinder) (*PipelineSystem, error) {
	if config.MaxPipelineCount == 0 {
		err := fmt.Errorf("NewPipelineSystem - config.MaxPipelineCount must be greater than 0")
		core.LogError(err.Error())
		return nil, err
	}

	ps := &PipelineSystem{
		Config:       config,
		Lookup:       make(map[string]metadata.PipelineID),
		Pipelines:    make([]*PipelineEntry, config.MaxPipelineCount),
		renderer:     r,
		binder:       binder,
		jobSystem:    js,
		watchedPaths: make(map[string][]metadata.PipelineID),
	}

	// Invalidate all pipeline ids.
	for i := uint32(0); i < config.MaxPipelineCount; i++ {
		ps.Pipelines[i] = &PipelineEntry{ID: metadata.InvalidPipelineID}
	}

	if config.HotReload && config.ShaderDir != "" {
		if err := ps.startWatcher(); err != nil {
			core.LogWarn("shader watcher unavailable, hot-reload disabled: %s", err.Error())
		}
	}

	return ps, nil
}

// StopWatcher ends shader hot-reload. It returns only once the watch loop
// has exited, so no recompile job can be submitted afterwards; callers must
// stop the watcher before closing the job queue.
func (ps *PipelineSystem) StopWatcher() {
	if ps.watcher == nil {
		return
	}
	close(ps.watchDone)
	if err := ps.watcher.Close(); err != nil {
		core.LogError(err.Error())
	}
	<-ps.watchExited
	ps.watcher = nil
}

func (ps *PipelineSystem) Shutdown() error {
	ps.StopWatcher()

	ps.mutex.Lock()
	for _, entry := range ps.Pipelines {
		if entry.ID != metadata.InvalidPipelineID && entry.Handle != nil {
			ps.renderer.PipelineDestroy(entry.Handle)
			entry.Handle = nil
			entry.Compiled = false
		}
	}
	ps.mutex.Unlock()

	ps.retireMutex.Lock()
	for _, r := range ps.retired {
		ps.renderer.PipelineDestroy(r.handle)
	}
	ps.retired = nil
	ps.retireMutex.Unlock()
	return nil
}

/**
 * @brief Compiles a pipeline from the given config. Compile failure is not
 * an error: the entry is kept alive in an uncompiled state and is retried on
 * the next hot-reload cycle, so callers keep their pass objects and disable
 * themselves instead of aborting.
 *
 * @return The stable pipeline id and whether compilation succeeded.
 */
func (ps *PipelineSystem) CreatePipeline(config *metadata.PipelineConfig) (metadata.PipelineID, bool) {
	ps.mutex.Lock()
	defer ps.mutex.Unlock()

	if id, ok := ps.Lookup[config.Name]; ok {
		core.LogWarn("pipeline '%s' already exists, returning existing id", config.Name)
		return id, ps.Pipelines[id].Compiled
	}

	id := ps.newPipelineID()
	if id == metadata.InvalidPipelineID {
		core.LogError("unable to find free slot to create new pipeline. Aborting")
		return metadata.InvalidPipelineID, false
	}

	entry := ps.Pipelines[id]
	entry.ID = id
	entry.Name = config.Name
	entry.Config = config
	entry.Compiled = false
	entry.HandleGeneration = 0

	ps.Lookup[config.Name] = id
	ps.watchStages(id, config)

	handle, reflection, err := ps.renderer.PipelineCreate(config)
	if err != nil {
		core.LogError("pipeline '%s' failed to compile: %s", config.Name, err.Error())
		return id, false
	}

	entry.Handle = handle
	entry.Reflection = reflection
	entry.HandleGeneration = 1
	entry.Compiled = true
	return id, true
}

/**
 * @brief Returns the binding-name → slot table extracted from the compiled
 * pipeline's shader metadata.
 */
func (ps *PipelineSystem) GetPipelineReflection(id metadata.PipelineID) (*metadata.PipelineReflection, error) {
	ps.mutex.RLock()
	defer ps.mutex.RUnlock()
	entry, err := ps.entry(id)
	if err != nil {
		return nil, err
	}
	if !entry.Compiled {
		return nil, fmt.Errorf("pipeline '%s' is not compiled: %w", entry.Name, core.ErrPipelineNotFound)
	}
	return entry.Reflection, nil
}

// PipelineHandle returns the current handle plus its generation stamp.
// Consumers cache the stamp and compare once per frame; a mismatch means the
// underlying object was swapped by hot-reload and all bindings for the
// pipeline must be treated as stale.
func (ps *PipelineSystem) PipelineHandle(id metadata.PipelineID) (*metadata.PipelineHandle, uint32, error) {
	ps.mutex.RLock()
	defer ps.mutex.RUnlock()
	entry, err := ps.entry(id)
	if err != nil {
		return nil, 0, err
	}
	if !entry.Compiled {
		return nil, 0, fmt.Errorf("pipeline '%s' is not compiled: %w", entry.Name, core.ErrPipelineNotFound)
	}
	return entry.Handle, entry.HandleGeneration, nil
}

// Compiled reports whether the pipeline currently has a live GPU object.
func (ps *PipelineSystem) Compiled(id metadata.PipelineID) bool {
	ps.mutex.RLock()
	defer ps.mutex.RUnlock()
	entry, err := ps.entry(id)
	return err == nil && entry.Compiled
}

/**
 * @brief Forces the resource binder to treat every slot of this pipeline as
 * needing rebind. Used after hot-reload and after acceleration-structure
 * transitions.
 */
func (ps *PipelineSystem) MarkPipelineResourcesDirty(id metadata.PipelineID) {
	ps.binder.MarkPipelineDirty(id)
}

/**
 * @brief Recompiles the pipeline from its stored config. On success the
 * underlying object is swapped while the id is preserved; the old handle is
 * retired and freed only after the frame-in-flight count of frames has been
 * confirmed complete.
 *
 * Safe to call from job workers: only the handle and its generation stamp
 * are swapped here, under the arena lock. The binder is render-thread state
 * and is not touched; the reload is queued and folded in by ApplyReloads.
 */
func (ps *PipelineSystem) RecompilePipeline(id metadata.PipelineID) error {
	ps.mutex.RLock()
	entry, err := ps.entry(id)
	if err != nil {
		ps.mutex.RUnlock()
		return err
	}
	config := entry.Config
	ps.mutex.RUnlock()

	handle, reflection, err := ps.renderer.PipelineCreate(config)
	if err != nil {
		core.LogError("recompile of pipeline '%s' failed, keeping previous object: %s", config.Name, err.Error())
		return err
	}

	ps.mutex.Lock()
	old := entry.Handle
	entry.Handle = handle
	entry.Reflection = reflection
	entry.HandleGeneration++
	entry.Compiled = true
	generation := entry.HandleGeneration
	ps.mutex.Unlock()

	if old != nil {
		ps.retireMutex.Lock()
		ps.retired = append(ps.retired, retiredHandle{handle: old, retiredAtFrame: ps.frameNumber.Load()})
		ps.retireMutex.Unlock()
	}

	ps.reloadMutex.Lock()
	ps.pendingReloads = append(ps.pendingReloads, id)
	ps.reloadMutex.Unlock()

	ctx := core.EventContext{}
	ctx.Data.U32[0] = uint32(id)
	core.EventFire(core.EVENT_CODE_PIPELINE_RELOADED, ps, ctx)

	core.LogInfo("pipeline '%s' hot-reloaded (generation %d)", config.Name, generation)
	return nil
}

/**
 * @brief Folds completed hot-reloads into the resource binder: rebinds each
 * reloaded pipeline's resources against its new reflection table and marks
 * its records dirty. Render-thread only, once per frame, before the passes
 * run; the binder is never written from a worker.
 */
func (ps *PipelineSystem) ApplyReloads() {
	ps.reloadMutex.Lock()
	ids := ps.pendingReloads
	ps.pendingReloads = nil
	ps.reloadMutex.Unlock()

	for _, id := range ids {
		ps.mutex.RLock()
		entry, err := ps.entry(id)
		if err != nil {
			// Destroyed between reload and apply; nothing to rebind.
			ps.mutex.RUnlock()
			continue
		}
		handle := entry.Handle
		reflection := entry.Reflection
		name := entry.Name
		ps.mutex.RUnlock()

		if err := ps.binder.ReplaceHandle(id, handle, reflection); err != nil {
			core.LogWarn("pipeline '%s' reloaded before any bindings were registered", name)
		}
		ps.binder.MarkPipelineDirty(id)
	}
}

// DestroyPipeline releases the pipeline's GPU object and frees its slot.
// The caller is responsible for ensuring no GPU work referencing it is in
// flight (graph recompile contract).
func (ps *PipelineSystem) DestroyPipeline(id metadata.PipelineID) error {
	ps.mutex.Lock()
	defer ps.mutex.Unlock()
	entry, err := ps.entry(id)
	if err != nil {
		return err
	}
	if entry.Handle != nil {
		ps.renderer.PipelineDestroy(entry.Handle)
	}
	delete(ps.Lookup, entry.Name)
	ps.unwatchStages(id)
	*entry = PipelineEntry{ID: metadata.InvalidPipelineID}
	ps.binder.RemovePipeline(id)
	return nil
}

// OnFrameComplete frees retired handles once the GPU has confirmed enough
// frames that no command buffer can still reference them.
func (ps *PipelineSystem) OnFrameComplete(currentFrame, confirmedFrame uint64) {
	ps.frameNumber.Store(currentFrame)

	ps.retireMutex.Lock()
	defer ps.retireMutex.Unlock()
	kept := ps.retired[:0]
	for _, r := range ps.retired {
		if r.retiredAtFrame+uint64(ps.Config.FramesInFlight) <= confirmedFrame {
			ps.renderer.PipelineDestroy(r.handle)
		} else {
			kept = append(kept, r)
		}
	}
	ps.retired = kept
}

func (ps *PipelineSystem) entry(id metadata.PipelineID) (*PipelineEntry, error) {
	if uint32(id) >= ps.Config.MaxPipelineCount || ps.Pipelines[id].ID == metadata.InvalidPipelineID {
		return nil, fmt.Errorf("pipeline with id %d: %w", id, core.ErrPipelineNotFound)
	}
	return ps.Pipelines[id], nil
}

func (ps *PipelineSystem) newPipelineID() metadata.PipelineID {
	for i := uint32(0); i < ps.Config.MaxPipelineCount; i++ {
		if ps.Pipelines[i].ID == metadata.InvalidPipelineID {
			return metadata.PipelineID(i)
		}
	}
	return metadata.InvalidPipelineID
}

func (ps *PipelineSystem) watchStages(id metadata.PipelineID, config *metadata.PipelineConfig) {
	for _, stage := range config.Stages {
		path := filepath.Clean(stage.SourcePath)
		ps.watchedPaths[path] = append(ps.watchedPaths[path], id)
	}
}

func (ps *PipelineSystem) unwatchStages(id metadata.PipelineID) {
	for path, ids := range ps.watchedPaths {
		kept := ids[:0]
		for _, other := range ids {
			if other != id {
				kept = append(kept, other)
			}
		}
		if len(kept) == 0 {
			delete(ps.watchedPaths, path)
		} else {
			ps.watchedPaths[path] = kept
		}
	}
}

func (ps *PipelineSystem) startWatcher() error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	ps.watcher = watcher
	ps.watchDone = make(chan struct{})
	ps.watchExited = make(chan struct{})

	if err := ps.addRecursive(ps.Config.ShaderDir); err != nil {
		_ = watcher.Close()
		ps.watcher = nil
		return err
	}

	go ps.watchLoop()
	return nil
}

// addRecursive starts watching the named directory and all sub-directories.
func (ps *PipelineSystem) addRecursive(root string) error {
	return filepath.Walk(root, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		if info.IsDir() {
			return ps.watcher.Add(path)
		}
		return nil
	})
}

func (ps *PipelineSystem) watchLoop() {
	defer close(ps.watchExited)
	for {
		select {
		case <-ps.watchDone:
			return
		case event, ok := <-ps.watcher.Events:
			if !ok {
				return
			}
			if event.Op&(fsnotify.Write|fsnotify.Create) == 0 {
				continue
			}
			ps.onShaderChanged(filepath.Clean(event.Name))
		case err, ok := <-ps.watcher.Errors:
			if !ok {
				return
			}
			core.LogError("shader watcher: %s", err.Error())
		}
	}
}

// onShaderChanged submits a recompile job for every pipeline referencing the
// changed source. Failed pipelines are retried here as well, which is what
// resolves passes whose setup was deferred by a compile failure.
func (ps *PipelineSystem) onShaderChanged(path string) {
	ps.mutex.RLock()
	ids := append([]metadata.PipelineID(nil), ps.watchedPaths[path]...)
	ps.mutex.RUnlock()

	for _, id := range ids {
		pipelineID := id
		task := metadata.NewJobTask(pipelineID, func(params interface{}) (interface{}, error) {
			return nil, ps.RecompilePipeline(params.(metadata.PipelineID))
		})
		task.OnFailure = func(err error) {
			core.LogWarn("hot-reload of pipeline %d deferred: %s", pipelineID, err.Error())
		}
		ps.jobSystem.Submit(task)
	}
}
