package systems

import (
	"fmt"
	"sort"

	"github.com/spaghettifunk/lumen/engine/core"
	"github.com/spaghettifunk/lumen/engine/renderer"
	"github.com/spaghettifunk/lumen/engine/renderer/metadata"
)

/** @brief Configuration for the resource binder. */
type ResourceBinderConfig struct {
	/** @brief How many frames overlap. Each frame index keeps independent
	 * descriptor records. */
	FramesInFlight uint8
}

// bindingRecord is the last-bound state for one (pipeline, frame, slot).
// Before a draw touching the slot in that frame, generation must equal the
// live resource's generation.
type bindingRecord struct {
	generation uint32
	dirty      bool
	written    bool
}

type boundResource struct {
	slot metadata.BindingSlot
	// One reference per frame index. For resources shared across frames all
	// entries alias the same ref.
	perFrame [metadata.MaxFramesInFlight]metadata.ResourceRef
}

type pipelineBindingState struct {
	handle     *metadata.PipelineHandle
	reflection *metadata.PipelineReflection
	baked      bool
	bindings   map[uint16]*boundResource
	records    [metadata.MaxFramesInFlight]map[uint16]*bindingRecord
}

func newPipelineBindingState(handle *metadata.PipelineHandle, reflection *metadata.PipelineReflection) *pipelineBindingState {
	s := &pipelineBindingState{
		handle:     handle,
		reflection: reflection,
		bindings:   make(map[uint16]*boundResource),
	}
	for i := range s.records {
		s.records[i] = make(map[uint16]*bindingRecord)
	}
	return s
}

/**
 * @brief ResourceBinder decides, per pipeline/per binding slot/per frame in
 * flight, whether a descriptor write is needed by comparing a resource's
 * generation counter against the last generation it bound. All methods are
 * render-thread only; cross-thread producers publish through generation
 * bumps on the resources themselves.
 */
type ResourceBinder struct {
	config    *ResourceBinderConfig
	renderer  renderer.RendererBackend
	pipelines map[metadata.PipelineID]*pipelineBindingState
}

func NewResourceBinder(config *ResourceBinderConfig, r renderer.RendererBackend) (*ResourceBinder, error) {
	if config.FramesInFlight == 0 || config.FramesInFlight > metadata.MaxFramesInFlight {
		err := fmt.Errorf("NewResourceBinder - config.FramesInFlight must be between 1 and %d", metadata.MaxFramesInFlight)
		core.LogError(err.Error())
		return nil, err
	}
	return &ResourceBinder{
		config:    config,
		renderer:  r,
		pipelines: make(map[metadata.PipelineID]*pipelineBindingState),
	}, nil
}

/**
 * @brief Seeds the name→slot table for a pipeline. Must happen once, before
 * any Bind*Named call for that pipeline.
 */
func (rb *ResourceBinder) PopulateFromReflection(id metadata.PipelineID, handle *metadata.PipelineHandle, reflection *metadata.PipelineReflection) error {
	if reflection == nil {
		return fmt.Errorf("PopulateFromReflection requires a valid reflection table: %w", core.ErrNoShaderRegistered)
	}
	if state, ok := rb.pipelines[id]; ok {
		if state.baked {
			return fmt.Errorf("pipeline %d: %w", id, core.ErrAlreadyBaked)
		}
		state.handle = handle
		state.reflection = reflection
		return nil
	}
	rb.pipelines[id] = newPipelineBindingState(handle, reflection)
	return nil
}

// ReplaceHandle swaps the live handle after a hot-reload and re-resolves the
// existing bindings against the new reflection table. Bindings whose names no
// longer exist are dropped. All records are cleared so the next UpdateFrame
// per frame index performs a full rebind.
func (rb *ResourceBinder) ReplaceHandle(id metadata.PipelineID, handle *metadata.PipelineHandle, reflection *metadata.PipelineReflection) error {
	state, ok := rb.pipelines[id]
	if !ok {
		return fmt.Errorf("pipeline %d: %w", id, core.ErrPipelineNotFound)
	}
	state.handle = handle
	if reflection != nil {
		remapped := make(map[uint16]*boundResource, len(state.bindings))
		for _, bound := range state.bindings {
			slot, found := reflection.Lookup(bound.slot.Name)
			if !found {
				core.LogWarn("binding '%s' no longer exists on pipeline %d after reload, dropping", bound.slot.Name, id)
				continue
			}
			bound.slot = slot
			remapped[slot.Key()] = bound
		}
		state.bindings = remapped
		state.reflection = reflection
	}
	rb.ClearPipeline(id)
	return nil
}

func (rb *ResourceBinder) bindNamed(id metadata.PipelineID, name string, kind metadata.ResourceKind, refForFrame func(frameIndex uint8) metadata.ResourceRef) error {
	state, ok := rb.pipelines[id]
	if !ok {
		return fmt.Errorf("pipeline %d: %w", id, core.ErrPipelineNotFound)
	}
	if state.baked {
		return fmt.Errorf("bind '%s' on pipeline %d: %w", name, id, core.ErrAlreadyBaked)
	}
	slot, found := state.reflection.Lookup(name)
	if !found {
		err := fmt.Errorf("pipeline %d has no binding named '%s'", id, name)
		core.LogError(err.Error())
		return err
	}
	if slot.Kind != kind {
		err := fmt.Errorf("binding '%s' on pipeline %d is %s, not %s", name, id, slot.Kind, kind)
		core.LogError(err.Error())
		return err
	}

	bound := &boundResource{slot: slot}
	for f := uint8(0); f < rb.config.FramesInFlight; f++ {
		bound.perFrame[f] = refForFrame(f)
	}
	state.bindings[slot.Key()] = bound
	return nil
}

// perFrameIndex maps a caller-supplied resource list (one entry, or one per
// frame in flight) onto a frame index.
func (rb *ResourceBinder) perFrameIndex(n int, frameIndex uint8) (int, error) {
	if n == 1 {
		return 0, nil
	}
	if n == int(rb.config.FramesInFlight) {
		return int(frameIndex), nil
	}
	return 0, fmt.Errorf("expected 1 or %d resources, got %d", rb.config.FramesInFlight, n)
}

func (rb *ResourceBinder) BindUniformBufferNamed(id metadata.PipelineID, name string, buffers []*metadata.Buffer) error {
	return rb.bindBuffers(id, name, metadata.ResourceKindUniformBuffer, buffers)
}

func (rb *ResourceBinder) BindStorageBufferNamed(id metadata.PipelineID, name string, buffers []*metadata.Buffer) error {
	return rb.bindBuffers(id, name, metadata.ResourceKindStorageBuffer, buffers)
}

func (rb *ResourceBinder) bindBuffers(id metadata.PipelineID, name string, kind metadata.ResourceKind, buffers []*metadata.Buffer) error {
	if _, err := rb.perFrameIndex(len(buffers), 0); err != nil {
		core.LogError("bind '%s' on pipeline %d: %s", name, id, err.Error())
		return err
	}
	return rb.bindNamed(id, name, kind, func(frameIndex uint8) metadata.ResourceRef {
		i, _ := rb.perFrameIndex(len(buffers), frameIndex)
		return metadata.ResourceRef{Kind: kind, Buffer: buffers[i]}
	})
}

// BindStorageBufferArrayNamed binds a whole buffer array to a single slot.
// The array is shared across frame indices; any element replacement bumps the
// folded generation and triggers a rebind.
func (rb *ResourceBinder) BindStorageBufferArrayNamed(id metadata.PipelineID, name string, buffers []*metadata.Buffer) error {
	return rb.bindNamed(id, name, metadata.ResourceKindStorageBufferArray, func(uint8) metadata.ResourceRef {
		return metadata.ResourceRef{Kind: metadata.ResourceKindStorageBufferArray, Buffers: buffers}
	})
}

func (rb *ResourceBinder) BindBufferDescriptorArrayNamed(id metadata.PipelineID, name string, buffers []*metadata.Buffer) error {
	return rb.bindNamed(id, name, metadata.ResourceKindBufferDescriptorArray, func(uint8) metadata.ResourceRef {
		return metadata.ResourceRef{Kind: metadata.ResourceKindBufferDescriptorArray, Buffers: buffers}
	})
}

func (rb *ResourceBinder) BindTextureNamed(id metadata.PipelineID, name string, textures []*metadata.Texture) error {
	if _, err := rb.perFrameIndex(len(textures), 0); err != nil {
		core.LogError("bind '%s' on pipeline %d: %s", name, id, err.Error())
		return err
	}
	return rb.bindNamed(id, name, metadata.ResourceKindSampledTexture, func(frameIndex uint8) metadata.ResourceRef {
		i, _ := rb.perFrameIndex(len(textures), frameIndex)
		return metadata.ResourceRef{Kind: metadata.ResourceKindSampledTexture, Texture: textures[i]}
	})
}

func (rb *ResourceBinder) BindTextureArrayNamed(id metadata.PipelineID, name string, textureArray *metadata.TextureArray) error {
	return rb.bindNamed(id, name, metadata.ResourceKindTextureArray, func(uint8) metadata.ResourceRef {
		return metadata.ResourceRef{Kind: metadata.ResourceKindTextureArray, TextureArray: textureArray}
	})
}

func (rb *ResourceBinder) BindAccelerationStructureNamed(id metadata.PipelineID, name string, structures []*metadata.AccelerationStructure) error {
	if _, err := rb.perFrameIndex(len(structures), 0); err != nil {
		core.LogError("bind '%s' on pipeline %d: %s", name, id, err.Error())
		return err
	}
	return rb.bindNamed(id, name, metadata.ResourceKindAccelerationStructure, func(frameIndex uint8) metadata.ResourceRef {
		i, _ := rb.perFrameIndex(len(structures), frameIndex)
		return metadata.ResourceRef{Kind: metadata.ResourceKindAccelerationStructure, Accel: structures[i]}
	})
}

// rebindNamed swaps the resource behind a slot after baking. Used for slots
// whose backing object is republished wholesale at runtime, such as the scene
// acceleration structure. Records for the slot are marked dirty so each frame
// index rewrites its descriptor the next time it is prepared.
func (rb *ResourceBinder) rebindNamed(id metadata.PipelineID, name string, kind metadata.ResourceKind, refForFrame func(frameIndex uint8) metadata.ResourceRef) error {
	state, ok := rb.pipelines[id]
	if !ok {
		return fmt.Errorf("pipeline %d: %w", id, core.ErrPipelineNotFound)
	}
	slot, found := state.reflection.Lookup(name)
	if !found {
		err := fmt.Errorf("pipeline %d has no binding named '%s'", id, name)
		core.LogError(err.Error())
		return err
	}
	if slot.Kind != kind {
		err := fmt.Errorf("binding '%s' on pipeline %d is %s, not %s", name, id, slot.Kind, kind)
		core.LogError(err.Error())
		return err
	}

	bound, exists := state.bindings[slot.Key()]
	if !exists {
		bound = &boundResource{slot: slot}
		state.bindings[slot.Key()] = bound
	}
	for f := uint8(0); f < rb.config.FramesInFlight; f++ {
		bound.perFrame[f] = refForFrame(f)
	}
	for f := range state.records {
		if rec, ok := state.records[f][slot.Key()]; ok {
			rec.dirty = true
		}
	}
	return nil
}

func (rb *ResourceBinder) RebindAccelerationStructureNamed(id metadata.PipelineID, name string, structures []*metadata.AccelerationStructure) error {
	if _, err := rb.perFrameIndex(len(structures), 0); err != nil {
		core.LogError("rebind '%s' on pipeline %d: %s", name, id, err.Error())
		return err
	}
	return rb.rebindNamed(id, name, metadata.ResourceKindAccelerationStructure, func(frameIndex uint8) metadata.ResourceRef {
		i, _ := rb.perFrameIndex(len(structures), frameIndex)
		return metadata.ResourceRef{Kind: metadata.ResourceKindAccelerationStructure, Accel: structures[i]}
	})
}

func (rb *ResourceBinder) RebindBufferDescriptorArrayNamed(id metadata.PipelineID, name string, buffers []*metadata.Buffer) error {
	return rb.rebindNamed(id, name, metadata.ResourceKindBufferDescriptorArray, func(uint8) metadata.ResourceRef {
		return metadata.ResourceRef{Kind: metadata.ResourceKindBufferDescriptorArray, Buffers: buffers}
	})
}

/**
 * @brief Seals the binding state for a pipeline. After baking, any further
 * bind call fails with AlreadyBaked. Per-frame updates are only allowed on
 * baked pipelines. This prevents late mutation races between setup-time
 * configuration and per-frame binding use.
 */
func (rb *ResourceBinder) Bake(id metadata.PipelineID) error {
	state, ok := rb.pipelines[id]
	if !ok || state.reflection == nil {
		return fmt.Errorf("pipeline %d: %w", id, core.ErrNoShaderRegistered)
	}
	if state.baked {
		return fmt.Errorf("pipeline %d: %w", id, core.ErrAlreadyBaked)
	}
	state.baked = true
	return nil
}

func (rb *ResourceBinder) FramesInFlight() uint8 {
	return rb.config.FramesInFlight
}

func (rb *ResourceBinder) Baked(id metadata.PipelineID) bool {
	state, ok := rb.pipelines[id]
	return ok && state.baked
}

/**
 * @brief For each bound slot of the pipeline, compares the live resource's
 * generation against the stored record for (pipeline, frameIndex, slot) and
 * issues a single descriptor write on mismatch. Cost is bounded by the number
 * of changed slots, not all slots. Returns the number of writes performed.
 */
func (rb *ResourceBinder) UpdateFrame(id metadata.PipelineID, frameIndex uint8) (int, error) {
	state, ok := rb.pipelines[id]
	if !ok {
		return 0, fmt.Errorf("pipeline %d: %w", id, core.ErrPipelineNotFound)
	}
	if !state.baked {
		return 0, fmt.Errorf("pipeline %d: %w", id, core.ErrNotBaked)
	}
	if frameIndex >= rb.config.FramesInFlight {
		return 0, fmt.Errorf("frame index %d out of range (frames in flight: %d)", frameIndex, rb.config.FramesInFlight)
	}

	// Deterministic slot order keeps descriptor writes reproducible.
	keys := make([]int, 0, len(state.bindings))
	for k := range state.bindings {
		keys = append(keys, int(k))
	}
	sort.Ints(keys)

	writes := 0
	var firstErr error
	records := state.records[frameIndex]
	for _, k := range keys {
		bound := state.bindings[uint16(k)]
		ref := bound.perFrame[frameIndex]
		gen := ref.Generation()
		if gen == 0 {
			// Not created yet; nothing to reference. The record stays
			// unwritten so the slot is picked up once the resource exists.
			continue
		}
		rec, found := records[uint16(k)]
		if !found {
			rec = &bindingRecord{}
			records[uint16(k)] = rec
		}
		if rec.written && !rec.dirty && rec.generation == gen {
			continue
		}
		if err := rb.renderer.DescriptorWrite(state.handle, frameIndex, bound.slot, ref); err != nil {
			core.LogError("descriptor write for '%s' on pipeline %d failed: %s", bound.slot.Name, id, err.Error())
			if firstErr == nil {
				firstErr = err
			}
			continue
		}
		rec.generation = gen
		rec.dirty = false
		rec.written = true
		writes++
	}
	return writes, firstErr
}

// FrameDirty reports whether any slot of the pipeline still needs a
// descriptor write for the given frame index. Ray dispatch is gated on this.
func (rb *ResourceBinder) FrameDirty(id metadata.PipelineID, frameIndex uint8) bool {
	state, ok := rb.pipelines[id]
	if !ok {
		return false
	}
	records := state.records[frameIndex]
	for key, bound := range state.bindings {
		ref := bound.perFrame[frameIndex]
		gen := ref.Generation()
		if gen == 0 {
			continue
		}
		rec, found := records[key]
		if !found || !rec.written || rec.dirty || rec.generation != gen {
			return true
		}
	}
	return false
}

/**
 * @brief Marks every record of the pipeline, for every frame index, dirty.
 * Writes are issued lazily by each frame's own UpdateFrame call.
 */
func (rb *ResourceBinder) MarkPipelineDirty(id metadata.PipelineID) {
	state, ok := rb.pipelines[id]
	if !ok {
		return
	}
	for f := range state.records {
		for _, rec := range state.records[f] {
			rec.dirty = true
		}
	}
}

/**
 * @brief Discards all records for a pipeline, forcing a full rebind on the
 * next UpdateFrame of every frame index. Bindings and baked state survive.
 * Used after hot-reload or pass reset.
 */
func (rb *ResourceBinder) ClearPipeline(id metadata.PipelineID) {
	state, ok := rb.pipelines[id]
	if !ok {
		return
	}
	for i := range state.records {
		state.records[i] = make(map[uint16]*bindingRecord)
	}
}

/** @brief Discards all records for all pipelines. */
func (rb *ResourceBinder) Clear() {
	for id := range rb.pipelines {
		rb.ClearPipeline(id)
	}
}

// RemovePipeline drops every trace of the pipeline, bindings included.
// Used on pass teardown.
func (rb *ResourceBinder) RemovePipeline(id metadata.PipelineID) {
	delete(rb.pipelines, id)
}
