package systems

import (
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/spaghettifunk/lumen/engine/containers"
	"github.com/spaghettifunk/lumen/engine/core"
	"github.com/spaghettifunk/lumen/engine/renderer"
	"github.com/spaghettifunk/lumen/engine/renderer/metadata"
)

/** @brief Configuration for the acceleration-structure manager. */
type AccelSystemConfig struct {
	/** @brief How many frames overlap. One pending-transition bit is kept
	 * per frame index and retired structures are freed after this many
	 * confirmed frames. */
	FramesInFlight uint8
	/** @brief Capacity of the deferred-destruction queue. */
	RetireQueueSize int
}

type blasEntry struct {
	geometry *metadata.AccelGeometry
	handle   *metadata.AccelerationStructure
	building bool
	// Folded vertex+index buffer generation the build was made from.
	sourceGeneration uint32
}

type retiredStructures struct {
	structures     []*metadata.AccelerationStructure
	retiredAtFrame uint64
}

/**
 * @brief Builds bottom/top-level spatial structures on the job system,
 * atomically publishes a completed top-level set and enforces a per-frame
 * transition barrier before it is fully adopted.
 *
 * State machine per top-level structure:
 * Uninitialized → Building → Published(mask = all frames pending)
 *   → [per frame: rebind, clear that frame's bit] → FullyAdopted(mask = 0).
 * Superseded structures move to Retired(awaiting N-frame grace) → Freed.
 *
 * Cross-thread handoff is a single atomic pointer swap plus the bitmask;
 * workers never touch shared mutable aggregates. The render thread never
 * blocks on a build: there is always a last-good structure (or none, before
 * the first publish, in which case ray dispatch stays gated).
 */
type AccelerationStructureManager struct {
	config    *AccelSystemConfig
	renderer  renderer.RendererBackend
	jobSystem *JobSystem

	// Bottom-level entries, touched by the render thread and by job
	// completion callbacks on workers.
	bottomLevel map[string]*blasEntry
	blasMutex   sync.Mutex

	current          atomic.Pointer[metadata.AccelerationStructureSet]
	pendingMask      atomic.Uint32
	generation       atomic.Uint32
	topLevelBuilding atomic.Bool
	topLevelStale    atomic.Bool

	// Render-thread only: last published generation observed by Update.
	lastAdopted uint32

	frameNumber atomic.Uint64
	retired     *containers.RingQueue[retiredStructures]
	retireMutex sync.Mutex
}

func NewAccelerationStructureManager(config *AccelSystemConfig, js *JobSystem, r renderer.RendererBackend) (*AccelerationStructureManager, error) {
	if config.FramesInFlight == 0 || config.FramesInFlight > metadata.MaxFramesInFlight {
		err := fmt.Errorf("NewAccelerationStructureManager - config.FramesInFlight must be between 1 and %d", metadata.MaxFramesInFlight)
		core.LogError(err.Error())
		return nil, err
	}
	if config.RetireQueueSize == 0 {
		config.RetireQueueSize = 64
	}
	return &AccelerationStructureManager{
		config:      config,
		renderer:    r,
		jobSystem:   js,
		bottomLevel: make(map[string]*blasEntry),
		retired:     containers.NewRingQueue[retiredStructures](config.RetireQueueSize),
	}, nil
}

func (am *AccelerationStructureManager) Shutdown() error {
	// Free whatever is still queued, then the live structures.
	am.retireMutex.Lock()
	for !am.retired.IsEmpty() {
		entry, _ := am.retired.Dequeue()
		for _, s := range entry.structures {
			am.renderer.AccelDestroy(s)
		}
	}
	am.retireMutex.Unlock()

	am.blasMutex.Lock()
	for _, entry := range am.bottomLevel {
		if entry.handle != nil {
			am.renderer.AccelDestroy(entry.handle)
		}
	}
	am.bottomLevel = make(map[string]*blasEntry)
	am.blasMutex.Unlock()

	if set := am.current.Swap(nil); set != nil && set.TopLevel != nil {
		am.renderer.AccelDestroy(set.TopLevel)
	}
	return nil
}

/**
 * @brief Opportunistically rebuilds bottom-level structures for new/changed
 * geometry and the scene-level top-level structure when anything in the
 * snapshot changed. Heavy work runs on the job system; this call never
 * blocks. Returns true when a newly published top-level set was observed for
 * the first time, which is the caller's cue that a transition has started.
 */
func (am *AccelerationStructureManager) Update(snapshot *metadata.SceneSnapshot, fc *metadata.FrameContext) bool {
	am.frameNumber.Store(fc.FrameNumber)

	if snapshot != nil {
		am.scheduleBottomLevelBuilds(snapshot)
		if snapshot.Changed() || am.topLevelStale.Load() {
			am.scheduleTopLevelBuild(snapshot)
		}
	}

	cur := am.current.Load()
	if cur != nil && cur.Generation != am.lastAdopted {
		am.lastAdopted = cur.Generation
		return true
	}
	return false
}

func (am *AccelerationStructureManager) scheduleBottomLevelBuilds(snapshot *metadata.SceneSnapshot) {
	am.blasMutex.Lock()
	defer am.blasMutex.Unlock()

	for _, geometry := range snapshot.Geometries {
		gen := geometrySourceGeneration(geometry)
		if gen == 0 {
			// Buffers not created yet, nothing to build from.
			continue
		}
		entry, ok := am.bottomLevel[geometry.GeometryID]
		if !ok {
			entry = &blasEntry{geometry: geometry}
			am.bottomLevel[geometry.GeometryID] = entry
		}
		if entry.building || entry.sourceGeneration == gen {
			continue
		}
		entry.building = true
		am.submitBottomLevelBuild(entry, geometry, gen)
	}
}

func (am *AccelerationStructureManager) submitBottomLevelBuild(entry *blasEntry, geometry *metadata.AccelGeometry, sourceGen uint32) {
	task := metadata.NewJobTask(geometry, func(params interface{}) (interface{}, error) {
		return am.renderer.AccelBuildBottomLevel(params.(*metadata.AccelGeometry))
	})
	task.OnComplete = func(result interface{}) {
		handle := result.(*metadata.AccelerationStructure)
		am.blasMutex.Lock()
		old := entry.handle
		entry.handle = handle
		entry.sourceGeneration = sourceGen
		entry.building = false
		am.blasMutex.Unlock()
		if old != nil {
			am.retire(old)
		}
		// A finished bottom-level build invalidates the scene structure.
		am.topLevelStale.Store(true)
	}
	task.OnFailure = func(err error) {
		// Previous structure stays current and valid; consumers keep
		// rendering stale-but-safe geometry until the next successful build.
		am.blasMutex.Lock()
		entry.building = false
		am.blasMutex.Unlock()
		core.LogError("bottom-level build for '%s' failed: %s", geometry.GeometryID, err.Error())
	}
	am.jobSystem.Submit(task)
}

func (am *AccelerationStructureManager) scheduleTopLevelBuild(snapshot *metadata.SceneSnapshot) {
	// One top-level build in flight at a time; a stale flag makes sure a
	// change arriving mid-build schedules a follow-up.
	if !am.topLevelBuilding.CompareAndSwap(false, true) {
		am.topLevelStale.Store(true)
		return
	}
	am.topLevelStale.Store(false)

	instances := append([]metadata.AccelInstance(nil), snapshot.Instances...)

	am.blasMutex.Lock()
	bottomLevels := make(map[string]*metadata.AccelerationStructure, len(am.bottomLevel))
	vertexDescriptors := make([]*metadata.Buffer, 0, len(am.bottomLevel))
	indexDescriptors := make([]*metadata.Buffer, 0, len(am.bottomLevel))
	for id, entry := range am.bottomLevel {
		if entry.handle == nil {
			continue
		}
		bottomLevels[id] = entry.handle
		vertexDescriptors = append(vertexDescriptors, entry.geometry.VertexBuffer)
		indexDescriptors = append(indexDescriptors, entry.geometry.IndexBuffer)
	}
	am.blasMutex.Unlock()

	if len(bottomLevels) == 0 {
		am.topLevelBuilding.Store(false)
		return
	}

	type topLevelInput struct {
		instances    []metadata.AccelInstance
		bottomLevels map[string]*metadata.AccelerationStructure
	}
	task := metadata.NewJobTask(&topLevelInput{instances, bottomLevels}, func(params interface{}) (interface{}, error) {
		in := params.(*topLevelInput)
		return am.renderer.AccelBuildTopLevel(in.instances, in.bottomLevels)
	})
	task.OnComplete = func(result interface{}) {
		am.publish(result.(*metadata.AccelerationStructure), vertexDescriptors, indexDescriptors)
	}
	task.OnFailure = func(err error) {
		core.LogError("top-level build failed, keeping previous structure: %s", err.Error())
	}
	task.OnCompletionCallback = func() {
		am.topLevelBuilding.Store(false)
	}
	am.jobSystem.Submit(task)
}

// publish atomically swaps the current set so readers observe either the
// fully-old or fully-new structure, never a partially built one, then arms
// the per-frame transition barrier.
func (am *AccelerationStructureManager) publish(topLevel *metadata.AccelerationStructure, vertexDescriptors, indexDescriptors []*metadata.Buffer) {
	gen := am.generation.Add(1)
	topLevel.Generation = gen
	set := &metadata.AccelerationStructureSet{
		TopLevel:          topLevel,
		VertexDescriptors: vertexDescriptors,
		IndexDescriptors:  indexDescriptors,
		Generation:        gen,
	}

	old := am.current.Swap(set)
	am.pendingMask.Store(uint32(1)<<am.config.FramesInFlight - 1)
	if old != nil && old.TopLevel != nil {
		am.retire(old.TopLevel)
	}

	ctx := core.EventContext{}
	ctx.Data.U32[0] = gen
	core.EventFire(core.EVENT_CODE_TOPLEVEL_PUBLISHED, am, ctx)
	core.LogInfo("top-level acceleration structure published (generation %d)", gen)
}

// CurrentSet returns the published set, or nil before the first publish.
func (am *AccelerationStructureManager) CurrentSet() *metadata.AccelerationStructureSet {
	return am.current.Load()
}

// PendingMask returns the per-frame transition bitmask. Bit F set means
// frame index F has not yet rebound against the current structure.
func (am *AccelerationStructureManager) PendingMask() uint32 {
	return am.pendingMask.Load()
}

// FramePending reports whether the given frame index still has to rebind.
func (am *AccelerationStructureManager) FramePending(frameIndex uint8) bool {
	return am.pendingMask.Load()&(uint32(1)<<frameIndex) != 0
}

/**
 * @brief Clears the transition bit for the given frame index. A consumer
 * must call this only after it has rebound that frame's descriptors that
 * reference the structure.
 */
func (am *AccelerationStructureManager) AcknowledgeFrame(frameIndex uint8) {
	for {
		old := am.pendingMask.Load()
		cleared := old &^ (uint32(1) << frameIndex)
		if old == cleared || am.pendingMask.CompareAndSwap(old, cleared) {
			return
		}
	}
}

// RayDispatchAllowed gates ray queries for a frame: the frame's transition
// bit must be clear and its descriptors must not be dirty. This prevents a
// frame from issuing ray queries against a structure it has not rebound.
func (am *AccelerationStructureManager) RayDispatchAllowed(frameIndex uint8, descriptorsDirty bool) bool {
	if am.current.Load() == nil {
		return false
	}
	return !am.FramePending(frameIndex) && !descriptorsDirty
}

func (am *AccelerationStructureManager) retire(structures ...*metadata.AccelerationStructure) {
	am.retireMutex.Lock()
	defer am.retireMutex.Unlock()
	entry := retiredStructures{
		structures:     structures,
		retiredAtFrame: am.frameNumber.Load(),
	}
	if err := am.retired.Enqueue(entry); err != nil {
		// Should not happen with a sane queue size; free the oldest batch to
		// make room rather than leak.
		core.LogWarn("retire queue full, freeing oldest batch early")
		oldest, _ := am.retired.Dequeue()
		for _, s := range oldest.structures {
			am.renderer.AccelDestroy(s)
		}
		_ = am.retired.Enqueue(entry)
	}
}

/**
 * @brief Frees retired structures once the GPU has confirmed completion of
 * enough frames that no outstanding command buffer can reference them.
 * Called at the frame-pacing point with the fence-confirmed frame number.
 */
func (am *AccelerationStructureManager) OnFrameComplete(confirmedFrame uint64) {
	am.retireMutex.Lock()
	defer am.retireMutex.Unlock()
	for !am.retired.IsEmpty() {
		entry, _ := am.retired.Peek()
		if entry.retiredAtFrame+uint64(am.config.FramesInFlight) > confirmedFrame {
			break
		}
		entry, _ = am.retired.Dequeue()
		for _, s := range entry.structures {
			am.renderer.AccelDestroy(s)
		}
	}
}

func geometrySourceGeneration(g *metadata.AccelGeometry) uint32 {
	gen := uint32(0)
	if g.VertexBuffer != nil {
		gen += g.VertexBuffer.Generation
	}
	if g.IndexBuffer != nil {
		gen += g.IndexBuffer.Generation
	}
	if g.VertexBuffer == nil || g.VertexBuffer.Generation == 0 ||
		g.IndexBuffer == nil || g.IndexBuffer.Generation == 0 {
		return 0
	}
	return gen
}
