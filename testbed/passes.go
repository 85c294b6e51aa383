package testbed

import (
	"encoding/binary"
	"fmt"
	"math"
	"path/filepath"

	"github.com/spaghettifunk/lumen/engine/renderer"
	"github.com/spaghettifunk/lumen/engine/renderer/metadata"
	"github.com/spaghettifunk/lumen/engine/systems"
)

const frameUniformSize = 128

// frameUniformData packs the per-frame camera constants the shaders expect.
func frameUniformData(elapsed float64, width, height uint32) []byte {
	data := make([]byte, frameUniformSize)
	binary.LittleEndian.PutUint32(data[0:], math.Float32bits(float32(elapsed)))
	binary.LittleEndian.PutUint32(data[4:], math.Float32bits(float32(width)))
	binary.LittleEndian.PutUint32(data[8:], math.Float32bits(float32(height)))
	return data
}

func createPerFrameUniforms(r renderer.RendererBackend, name string, frames uint8) ([]*metadata.Buffer, error) {
	buffers := make([]*metadata.Buffer, frames)
	for i := range buffers {
		buffers[i] = &metadata.Buffer{
			Name:  fmt.Sprintf("%s.%d", name, i),
			Size:  frameUniformSize,
			Usage: metadata.BufferUsageUniform,
		}
		if err := r.BufferCreate(buffers[i]); err != nil {
			return nil, err
		}
		buffers[i].Generation = 1
	}
	return buffers, nil
}

/**
 * @brief Renders the scene depth from the light's point of view into the
 * shadow map texture.
 */
type ShadowPass struct {
	manager *systems.SystemManager

	pipelineID    metadata.PipelineID
	baked         bool
	frameUniforms []*metadata.Buffer
	shadowMap     *metadata.Texture
}

func NewShadowPass(sm *systems.SystemManager) *ShadowPass {
	return &ShadowPass{
		manager:    sm,
		pipelineID: metadata.InvalidPipelineID,
	}
}

func (p *ShadowPass) Name() string           { return "shadow" }
func (p *ShadowPass) Dependencies() []string { return nil }

func (p *ShadowPass) Setup(graph *systems.RenderGraph) error {
	shaderDir := p.manager.PipelineSystem.Config.ShaderDir

	var err error
	p.shadowMap, err = p.manager.TextureSystem.Acquire("shadow_depth", 2048, 2048, metadata.TargetFormatD32F)
	if err != nil {
		return err
	}

	p.frameUniforms, err = createPerFrameUniforms(p.manager.Renderer(), "shadow.frame_data", p.manager.Binder.FramesInFlight())
	if err != nil {
		return err
	}

	// Compile failure is tolerated: the pass sits out until a shader edit
	// triggers a successful recompile.
	p.pipelineID, _ = graph.Pipelines().CreatePipeline(&metadata.PipelineConfig{
		Name: "shadow",
		Stages: []metadata.ShaderStageConfig{
			{Stage: metadata.ShaderStageVertex, SourcePath: filepath.Join(shaderDir, "shadow.vert.spv")},
		},
		CullMode:     metadata.FaceCullModeFront,
		DepthTest:    true,
		DepthWrite:   true,
		DepthFormat:  metadata.TargetFormatD32F,
		VertexStride: 32,
		VertexAttributes: []metadata.VertexAttribute{
			{Name: "position", Format: metadata.VertexFormatFloat32_3, Offset: 0},
		},
		Bindings: []metadata.BindingSlot{
			{Set: 0, Binding: 0, Name: "frame_data", Kind: metadata.ResourceKindUniformBuffer},
		},
	})
	if p.pipelineID == metadata.InvalidPipelineID {
		return fmt.Errorf("shadow pipeline slot allocation failed")
	}
	return nil
}

// ensureBindings registers resources against the compiled pipeline. Runs
// lazily so a pipeline whose first compile failed picks its bindings up
// after hot-reload fixes it.
func (p *ShadowPass) ensureBindings() error {
	if p.baked {
		return nil
	}
	pipelines := p.manager.PipelineSystem
	binder := p.manager.Binder
	if !pipelines.Compiled(p.pipelineID) {
		return nil
	}

	handle, _, err := pipelines.PipelineHandle(p.pipelineID)
	if err != nil {
		return err
	}
	reflection, err := pipelines.GetPipelineReflection(p.pipelineID)
	if err != nil {
		return err
	}
	if err := binder.PopulateFromReflection(p.pipelineID, handle, reflection); err != nil {
		return err
	}
	if err := binder.BindUniformBufferNamed(p.pipelineID, "frame_data", p.frameUniforms); err != nil {
		return err
	}
	if err := binder.Bake(p.pipelineID); err != nil {
		return err
	}
	p.baked = true
	return nil
}

func (p *ShadowPass) Update(fc *metadata.FrameContext) error {
	if err := p.ensureBindings(); err != nil {
		return err
	}
	if !p.baked {
		return nil
	}

	data := frameUniformData(fc.DeltaTime, 2048, 2048)
	if err := p.manager.Renderer().BufferLoadRange(p.frameUniforms[fc.FrameIndex], 0, frameUniformSize, data); err != nil {
		return err
	}

	_, err := p.manager.Binder.UpdateFrame(p.pipelineID, fc.FrameIndex)
	return err
}

func (p *ShadowPass) CheckValidity(fc *metadata.FrameContext) bool {
	return p.baked && p.manager.PipelineSystem.Compiled(p.pipelineID)
}

func (p *ShadowPass) Execute(fc *metadata.FrameContext) error {
	// Depth-only draw of all casters; recording happens against the frame's
	// command buffer owned by the backend.
	return nil
}

func (p *ShadowPass) Teardown() error {
	r := p.manager.Renderer()
	for _, b := range p.frameUniforms {
		r.BufferDestroy(b)
	}
	p.manager.TextureSystem.Destroy("shadow_depth")
	if p.pipelineID != metadata.InvalidPipelineID {
		return p.manager.PipelineSystem.DestroyPipeline(p.pipelineID)
	}
	return nil
}

/**
 * @brief The main opaque geometry pass. Samples the shadow map and reads
 * per-instance transforms from a storage buffer.
 */
type ForwardPass struct {
	manager *systems.SystemManager
	state   *gameState

	pipelineID     metadata.PipelineID
	baked          bool
	frameUniforms  []*metadata.Buffer
	instanceBuffer *metadata.Buffer
}

func NewForwardPass(sm *systems.SystemManager, state *gameState) *ForwardPass {
	return &ForwardPass{
		manager:    sm,
		state:      state,
		pipelineID: metadata.InvalidPipelineID,
	}
}

func (p *ForwardPass) Name() string           { return "forward" }
func (p *ForwardPass) Dependencies() []string { return []string{"shadow"} }

func (p *ForwardPass) Setup(graph *systems.RenderGraph) error {
	shaderDir := p.manager.PipelineSystem.Config.ShaderDir
	r := p.manager.Renderer()

	var err error
	p.frameUniforms, err = createPerFrameUniforms(r, "forward.frame_data", p.manager.Binder.FramesInFlight())
	if err != nil {
		return err
	}

	p.instanceBuffer = &metadata.Buffer{
		Name:  "forward.instances",
		Size:  64 * 1024,
		Usage: metadata.BufferUsageStorage,
	}
	if err := r.BufferCreate(p.instanceBuffer); err != nil {
		return err
	}
	p.instanceBuffer.Generation = 1

	p.pipelineID, _ = graph.Pipelines().CreatePipeline(&metadata.PipelineConfig{
		Name: "forward",
		Stages: []metadata.ShaderStageConfig{
			{Stage: metadata.ShaderStageVertex, SourcePath: filepath.Join(shaderDir, "forward.vert.spv")},
			{Stage: metadata.ShaderStageFragment, SourcePath: filepath.Join(shaderDir, "forward.frag.spv")},
		},
		CullMode:     metadata.FaceCullModeBack,
		DepthTest:    true,
		DepthWrite:   true,
		Blend:        metadata.BlendModeNone,
		ColorFormats: []metadata.TargetFormat{metadata.TargetFormatBGRA8},
		DepthFormat:  metadata.TargetFormatD32F,
		VertexStride: 32,
		VertexAttributes: []metadata.VertexAttribute{
			{Name: "position", Format: metadata.VertexFormatFloat32_3, Offset: 0},
			{Name: "normal", Format: metadata.VertexFormatFloat32_3, Offset: 12},
			{Name: "uv", Format: metadata.VertexFormatFloat32_2, Offset: 24},
		},
		Bindings: []metadata.BindingSlot{
			{Set: 0, Binding: 0, Name: "frame_data", Kind: metadata.ResourceKindUniformBuffer},
			{Set: 0, Binding: 1, Name: "instance_data", Kind: metadata.ResourceKindStorageBuffer},
			{Set: 1, Binding: 0, Name: "shadow_map", Kind: metadata.ResourceKindSampledTexture},
		},
	})
	if p.pipelineID == metadata.InvalidPipelineID {
		return fmt.Errorf("forward pipeline slot allocation failed")
	}
	return nil
}

func (p *ForwardPass) ensureBindings() error {
	if p.baked {
		return nil
	}
	pipelines := p.manager.PipelineSystem
	binder := p.manager.Binder
	if !pipelines.Compiled(p.pipelineID) {
		return nil
	}

	handle, _, err := pipelines.PipelineHandle(p.pipelineID)
	if err != nil {
		return err
	}
	reflection, err := pipelines.GetPipelineReflection(p.pipelineID)
	if err != nil {
		return err
	}
	if err := binder.PopulateFromReflection(p.pipelineID, handle, reflection); err != nil {
		return err
	}
	if err := binder.BindUniformBufferNamed(p.pipelineID, "frame_data", p.frameUniforms); err != nil {
		return err
	}
	if err := binder.BindStorageBufferNamed(p.pipelineID, "instance_data", []*metadata.Buffer{p.instanceBuffer}); err != nil {
		return err
	}
	shadowMap, err := p.manager.TextureSystem.Acquire("shadow_depth", 2048, 2048, metadata.TargetFormatD32F)
	if err != nil {
		return err
	}
	if err := binder.BindTextureNamed(p.pipelineID, "shadow_map", []*metadata.Texture{shadowMap}); err != nil {
		return err
	}
	if err := binder.Bake(p.pipelineID); err != nil {
		return err
	}
	p.baked = true
	return nil
}

func (p *ForwardPass) Update(fc *metadata.FrameContext) error {
	if err := p.ensureBindings(); err != nil {
		return err
	}
	if !p.baked {
		return nil
	}
	r := p.manager.Renderer()

	data := frameUniformData(fc.DeltaTime, p.state.width, p.state.height)
	if err := r.BufferLoadRange(p.frameUniforms[fc.FrameIndex], 0, frameUniformSize, data); err != nil {
		return err
	}

	if instances := p.state.instanceData(); len(instances) > 0 {
		if err := r.BufferLoadRange(p.instanceBuffer, 0, uint64(len(instances)), instances); err != nil {
			return err
		}
	}

	_, err := p.manager.Binder.UpdateFrame(p.pipelineID, fc.FrameIndex)
	return err
}

func (p *ForwardPass) CheckValidity(fc *metadata.FrameContext) bool {
	return p.baked && p.manager.PipelineSystem.Compiled(p.pipelineID)
}

func (p *ForwardPass) Execute(fc *metadata.FrameContext) error {
	return nil
}

func (p *ForwardPass) Teardown() error {
	r := p.manager.Renderer()
	for _, b := range p.frameUniforms {
		r.BufferDestroy(b)
	}
	r.BufferDestroy(p.instanceBuffer)
	if p.pipelineID != metadata.InvalidPipelineID {
		return p.manager.PipelineSystem.DestroyPipeline(p.pipelineID)
	}
	return nil
}

/**
 * @brief Issues ray queries against the scene's top-level acceleration
 * structure. Sits a frame out while its frame index still has a pending
 * structure transition or dirty descriptors.
 */
type RayQueryPass struct {
	manager *systems.SystemManager

	pipelineID    metadata.PipelineID
	baked         bool
	boundTopGen   uint32
	frameUniforms []*metadata.Buffer
	outputBuffer  *metadata.Buffer
}

func NewRayQueryPass(sm *systems.SystemManager) *RayQueryPass {
	return &RayQueryPass{
		manager:    sm,
		pipelineID: metadata.InvalidPipelineID,
	}
}

func (p *RayQueryPass) Name() string           { return "ray_query" }
func (p *RayQueryPass) Dependencies() []string { return []string{"forward"} }

func (p *RayQueryPass) Setup(graph *systems.RenderGraph) error {
	shaderDir := p.manager.PipelineSystem.Config.ShaderDir
	r := p.manager.Renderer()

	var err error
	p.frameUniforms, err = createPerFrameUniforms(r, "ray_query.frame_data", p.manager.Binder.FramesInFlight())
	if err != nil {
		return err
	}

	p.outputBuffer = &metadata.Buffer{
		Name:  "ray_query.output",
		Size:  16 * 1024,
		Usage: metadata.BufferUsageStorage,
	}
	if err := r.BufferCreate(p.outputBuffer); err != nil {
		return err
	}
	p.outputBuffer.Generation = 1

	p.pipelineID, _ = graph.Pipelines().CreatePipeline(&metadata.PipelineConfig{
		Name: "ray_query",
		Stages: []metadata.ShaderStageConfig{
			{Stage: metadata.ShaderStageVertex, SourcePath: filepath.Join(shaderDir, "fullscreen.vert.spv")},
			{Stage: metadata.ShaderStageFragment, SourcePath: filepath.Join(shaderDir, "ray_query.frag.spv")},
		},
		CullMode:     metadata.FaceCullModeNone,
		ColorFormats: []metadata.TargetFormat{metadata.TargetFormatRGBA16F},
		VertexStride: 16,
		VertexAttributes: []metadata.VertexAttribute{
			{Name: "position", Format: metadata.VertexFormatFloat32_2, Offset: 0},
			{Name: "uv", Format: metadata.VertexFormatFloat32_2, Offset: 8},
		},
		Bindings: []metadata.BindingSlot{
			{Set: 0, Binding: 0, Name: "frame_data", Kind: metadata.ResourceKindUniformBuffer},
			{Set: 0, Binding: 1, Name: "scene_tlas", Kind: metadata.ResourceKindAccelerationStructure},
			{Set: 0, Binding: 2, Name: "vertex_buffers", Kind: metadata.ResourceKindBufferDescriptorArray},
			{Set: 0, Binding: 3, Name: "index_buffers", Kind: metadata.ResourceKindBufferDescriptorArray},
			{Set: 0, Binding: 4, Name: "ray_output", Kind: metadata.ResourceKindStorageBuffer},
		},
	})
	if p.pipelineID == metadata.InvalidPipelineID {
		return fmt.Errorf("ray_query pipeline slot allocation failed")
	}
	return nil
}

func (p *RayQueryPass) ensureBindings() error {
	if p.baked {
		return nil
	}
	pipelines := p.manager.PipelineSystem
	binder := p.manager.Binder
	if !pipelines.Compiled(p.pipelineID) {
		return nil
	}

	handle, _, err := pipelines.PipelineHandle(p.pipelineID)
	if err != nil {
		return err
	}
	reflection, err := pipelines.GetPipelineReflection(p.pipelineID)
	if err != nil {
		return err
	}
	if err := binder.PopulateFromReflection(p.pipelineID, handle, reflection); err != nil {
		return err
	}
	if err := binder.BindUniformBufferNamed(p.pipelineID, "frame_data", p.frameUniforms); err != nil {
		return err
	}
	if err := binder.BindStorageBufferNamed(p.pipelineID, "ray_output", []*metadata.Buffer{p.outputBuffer}); err != nil {
		return err
	}
	if err := binder.Bake(p.pipelineID); err != nil {
		return err
	}
	p.baked = true
	return nil
}

func (p *RayQueryPass) Update(fc *metadata.FrameContext) error {
	if err := p.ensureBindings(); err != nil {
		return err
	}
	if !p.baked {
		return nil
	}
	binder := p.manager.Binder
	accel := p.manager.Accel

	data := frameUniformData(fc.DeltaTime, 0, 0)
	if err := p.manager.Renderer().BufferLoadRange(p.frameUniforms[fc.FrameIndex], 0, frameUniformSize, data); err != nil {
		return err
	}

	// A freshly published structure set swaps the bound references once;
	// generation tracking then rewrites each frame's descriptors as it
	// comes around.
	if set := accel.CurrentSet(); set != nil && set.Generation != p.boundTopGen {
		if err := binder.RebindAccelerationStructureNamed(p.pipelineID, "scene_tlas", []*metadata.AccelerationStructure{set.TopLevel}); err != nil {
			return err
		}
		if err := binder.RebindBufferDescriptorArrayNamed(p.pipelineID, "vertex_buffers", set.VertexDescriptors); err != nil {
			return err
		}
		if err := binder.RebindBufferDescriptorArrayNamed(p.pipelineID, "index_buffers", set.IndexDescriptors); err != nil {
			return err
		}
		p.boundTopGen = set.Generation
	}

	if _, err := binder.UpdateFrame(p.pipelineID, fc.FrameIndex); err != nil {
		return err
	}

	// The frame's descriptors now reference the current structure.
	if accel.FramePending(fc.FrameIndex) && !binder.FrameDirty(p.pipelineID, fc.FrameIndex) {
		accel.AcknowledgeFrame(fc.FrameIndex)
	}
	return nil
}

func (p *RayQueryPass) CheckValidity(fc *metadata.FrameContext) bool {
	if !p.baked || !p.manager.PipelineSystem.Compiled(p.pipelineID) {
		return false
	}
	dirty := p.manager.Binder.FrameDirty(p.pipelineID, fc.FrameIndex)
	return p.manager.Accel.RayDispatchAllowed(fc.FrameIndex, dirty)
}

func (p *RayQueryPass) Execute(fc *metadata.FrameContext) error {
	return nil
}

func (p *RayQueryPass) Teardown() error {
	r := p.manager.Renderer()
	for _, b := range p.frameUniforms {
		r.BufferDestroy(b)
	}
	r.BufferDestroy(p.outputBuffer)
	if p.pipelineID != metadata.InvalidPipelineID {
		return p.manager.PipelineSystem.DestroyPipeline(p.pipelineID)
	}
	return nil
}

var _ systems.RenderPass = (*ShadowPass)(nil)
var _ systems.RenderPass = (*ForwardPass)(nil)
var _ systems.RenderPass = (*RayQueryPass)(nil)
