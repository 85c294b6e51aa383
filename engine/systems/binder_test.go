package systems

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/spaghettifunk/lumen/engine/core"
	"github.com/spaghettifunk/lumen/engine/renderer/metadata"
)

func testReflection() *metadata.PipelineReflection {
	return &metadata.PipelineReflection{
		PipelineName: "test",
		Bindings: []metadata.BindingSlot{
			{Set: 0, Binding: 0, Name: "frame_data", Kind: metadata.ResourceKindUniformBuffer},
			{Set: 0, Binding: 1, Name: "instance_data", Kind: metadata.ResourceKindStorageBuffer},
			{Set: 1, Binding: 0, Name: "albedo", Kind: metadata.ResourceKindSampledTexture},
		},
	}
}

func newTestBinder(t *testing.T, frames uint8) (*ResourceBinder, *fakeBackend) {
	t.Helper()
	backend := newFakeBackend()
	binder, err := NewResourceBinder(&ResourceBinderConfig{FramesInFlight: frames}, backend)
	require.NoError(t, err)
	return binder, backend
}

func frameBuffers(n uint8) []*metadata.Buffer {
	buffers := make([]*metadata.Buffer, n)
	for i := range buffers {
		buffers[i] = &metadata.Buffer{Name: "ubo", Generation: 1}
	}
	return buffers
}

func TestBinderRejectsBadFrameCount(t *testing.T) {
	backend := newFakeBackend()
	_, err := NewResourceBinder(&ResourceBinderConfig{FramesInFlight: 0}, backend)
	assert.Error(t, err)
	_, err = NewResourceBinder(&ResourceBinderConfig{FramesInFlight: metadata.MaxFramesInFlight + 1}, backend)
	assert.Error(t, err)
}

func TestBinderBakeWithoutReflectionFails(t *testing.T) {
	binder, _ := newTestBinder(t, 2)

	// No reflection table was ever registered for this id.
	err := binder.Bake(metadata.PipelineID(7))
	assert.ErrorIs(t, err, core.ErrNoShaderRegistered)
}

func TestBinderBindAndBakeSequencing(t *testing.T) {
	binder, _ := newTestBinder(t, 2)
	id := metadata.PipelineID(0)
	handle := &metadata.PipelineHandle{InternalData: "p"}

	// Binding before reflection registration fails.
	err := binder.BindUniformBufferNamed(id, "frame_data", frameBuffers(2))
	assert.ErrorIs(t, err, core.ErrPipelineNotFound)

	require.NoError(t, binder.PopulateFromReflection(id, handle, testReflection()))

	// Updates before bake fail.
	_, err = binder.UpdateFrame(id, 0)
	assert.ErrorIs(t, err, core.ErrNotBaked)

	require.NoError(t, binder.BindUniformBufferNamed(id, "frame_data", frameBuffers(2)))
	require.NoError(t, binder.Bake(id))

	// Binding and re-baking after bake fail.
	err = binder.BindStorageBufferNamed(id, "instance_data", []*metadata.Buffer{{Generation: 1}})
	assert.ErrorIs(t, err, core.ErrAlreadyBaked)
	assert.ErrorIs(t, binder.Bake(id), core.ErrAlreadyBaked)
}

func TestBinderUnknownNameAndKindMismatch(t *testing.T) {
	binder, _ := newTestBinder(t, 2)
	id := metadata.PipelineID(3)
	require.NoError(t, binder.PopulateFromReflection(id, &metadata.PipelineHandle{}, testReflection()))

	assert.Error(t, binder.BindUniformBufferNamed(id, "no_such_slot", frameBuffers(2)))
	// albedo is a sampled texture, not a uniform buffer.
	assert.Error(t, binder.BindUniformBufferNamed(id, "albedo", frameBuffers(2)))
}

func TestBinderWritesOncePerFrameUntilGenerationChanges(t *testing.T) {
	binder, backend := newTestBinder(t, 2)
	id := metadata.PipelineID(0)
	require.NoError(t, binder.PopulateFromReflection(id, &metadata.PipelineHandle{}, testReflection()))

	buffers := frameBuffers(2)
	require.NoError(t, binder.BindUniformBufferNamed(id, "frame_data", buffers))
	require.NoError(t, binder.Bake(id))

	// First touch of each frame index writes its descriptor.
	writes, err := binder.UpdateFrame(id, 0)
	require.NoError(t, err)
	assert.Equal(t, 1, writes)
	writes, err = binder.UpdateFrame(id, 1)
	require.NoError(t, err)
	assert.Equal(t, 1, writes)

	// Steady state: nothing to do.
	writes, err = binder.UpdateFrame(id, 0)
	require.NoError(t, err)
	assert.Equal(t, 0, writes)

	// Replacing frame 1's buffer only dirties frame 1.
	buffers[1].Generation++
	assert.False(t, binder.FrameDirty(id, 0))
	assert.True(t, binder.FrameDirty(id, 1))

	writes, err = binder.UpdateFrame(id, 0)
	require.NoError(t, err)
	assert.Equal(t, 0, writes)
	writes, err = binder.UpdateFrame(id, 1)
	require.NoError(t, err)
	assert.Equal(t, 1, writes)
	assert.False(t, binder.FrameDirty(id, 1))

	assert.Equal(t, 3, backend.writeCount())
}

func TestBinderSharedResourceDirtiesEveryFrame(t *testing.T) {
	binder, _ := newTestBinder(t, 3)
	id := metadata.PipelineID(0)
	require.NoError(t, binder.PopulateFromReflection(id, &metadata.PipelineHandle{}, testReflection()))

	// A single buffer shared by all frame indices.
	shared := &metadata.Buffer{Name: "shared", Generation: 1}
	require.NoError(t, binder.BindStorageBufferNamed(id, "instance_data", []*metadata.Buffer{shared}))
	require.NoError(t, binder.Bake(id))

	for f := uint8(0); f < 3; f++ {
		writes, err := binder.UpdateFrame(id, f)
		require.NoError(t, err)
		assert.Equal(t, 1, writes)
	}

	shared.Generation++
	for f := uint8(0); f < 3; f++ {
		assert.True(t, binder.FrameDirty(id, f))
		writes, err := binder.UpdateFrame(id, f)
		require.NoError(t, err)
		assert.Equal(t, 1, writes)
	}
}

func TestBinderSkipsUncreatedResources(t *testing.T) {
	binder, _ := newTestBinder(t, 2)
	id := metadata.PipelineID(0)
	require.NoError(t, binder.PopulateFromReflection(id, &metadata.PipelineHandle{}, testReflection()))

	// Generation 0 means the buffer does not exist on the GPU yet.
	pending := &metadata.Buffer{Name: "late"}
	require.NoError(t, binder.BindUniformBufferNamed(id, "frame_data", []*metadata.Buffer{pending}))
	require.NoError(t, binder.Bake(id))

	writes, err := binder.UpdateFrame(id, 0)
	require.NoError(t, err)
	assert.Equal(t, 0, writes)
	assert.False(t, binder.FrameDirty(id, 0))

	// Once created, the slot is picked up on the next update.
	pending.Generation = 1
	assert.True(t, binder.FrameDirty(id, 0))
	writes, err = binder.UpdateFrame(id, 0)
	require.NoError(t, err)
	assert.Equal(t, 1, writes)
}

func TestBinderTextureGenerationTriggersRebind(t *testing.T) {
	binder, _ := newTestBinder(t, 2)
	id := metadata.PipelineID(0)
	require.NoError(t, binder.PopulateFromReflection(id, &metadata.PipelineHandle{}, testReflection()))

	tex := &metadata.Texture{Name: "albedo", Generation: 1}
	require.NoError(t, binder.BindTextureNamed(id, "albedo", []*metadata.Texture{tex}))
	require.NoError(t, binder.Bake(id))

	writes, err := binder.UpdateFrame(id, 0)
	require.NoError(t, err)
	assert.Equal(t, 1, writes)

	// Texture resized behind the same pointer.
	tex.Generation++
	writes, err = binder.UpdateFrame(id, 0)
	require.NoError(t, err)
	assert.Equal(t, 1, writes)
}

func TestBinderRebindAfterBake(t *testing.T) {
	binder, _ := newTestBinder(t, 2)
	id := metadata.PipelineID(0)
	reflection := &metadata.PipelineReflection{
		PipelineName: "ray",
		Bindings: []metadata.BindingSlot{
			{Set: 0, Binding: 0, Name: "scene_tlas", Kind: metadata.ResourceKindAccelerationStructure},
			{Set: 0, Binding: 1, Name: "vertex_buffers", Kind: metadata.ResourceKindBufferDescriptorArray},
		},
	}
	require.NoError(t, binder.PopulateFromReflection(id, &metadata.PipelineHandle{}, reflection))
	require.NoError(t, binder.Bake(id))

	// Nothing bound yet: valid but idle.
	writes, err := binder.UpdateFrame(id, 0)
	require.NoError(t, err)
	assert.Equal(t, 0, writes)

	// First publish arrives after bake.
	tlas := &metadata.AccelerationStructure{Name: "tlas", Generation: 1}
	require.NoError(t, binder.RebindAccelerationStructureNamed(id, "scene_tlas", []*metadata.AccelerationStructure{tlas}))
	require.NoError(t, binder.RebindBufferDescriptorArrayNamed(id, "vertex_buffers", []*metadata.Buffer{{Generation: 1}, {Generation: 2}}))

	writes, err = binder.UpdateFrame(id, 0)
	require.NoError(t, err)
	assert.Equal(t, 2, writes)

	// A replacement structure swaps in behind the same name.
	next := &metadata.AccelerationStructure{Name: "tlas", Generation: 2}
	require.NoError(t, binder.RebindAccelerationStructureNamed(id, "scene_tlas", []*metadata.AccelerationStructure{next}))

	assert.True(t, binder.FrameDirty(id, 0))
	writes, err = binder.UpdateFrame(id, 0)
	require.NoError(t, err)
	assert.Equal(t, 1, writes)

	// The other frame index converges on its own schedule.
	assert.True(t, binder.FrameDirty(id, 1))
	writes, err = binder.UpdateFrame(id, 1)
	require.NoError(t, err)
	assert.Equal(t, 2, writes)
	assert.False(t, binder.FrameDirty(id, 1))
}

func TestBinderClearPipelineForcesFullRebind(t *testing.T) {
	binder, _ := newTestBinder(t, 2)
	id := metadata.PipelineID(0)
	require.NoError(t, binder.PopulateFromReflection(id, &metadata.PipelineHandle{}, testReflection()))
	require.NoError(t, binder.BindUniformBufferNamed(id, "frame_data", frameBuffers(2)))
	require.NoError(t, binder.Bake(id))

	_, err := binder.UpdateFrame(id, 0)
	require.NoError(t, err)

	binder.ClearPipeline(id)

	writes, err := binder.UpdateFrame(id, 0)
	require.NoError(t, err)
	assert.Equal(t, 1, writes)
}

func TestBinderReplaceHandleRemapsAndDropsStaleBindings(t *testing.T) {
	binder, _ := newTestBinder(t, 2)
	id := metadata.PipelineID(0)
	require.NoError(t, binder.PopulateFromReflection(id, &metadata.PipelineHandle{}, testReflection()))
	require.NoError(t, binder.BindUniformBufferNamed(id, "frame_data", frameBuffers(2)))
	require.NoError(t, binder.BindStorageBufferNamed(id, "instance_data", []*metadata.Buffer{{Generation: 1}}))
	require.NoError(t, binder.Bake(id))
	_, err := binder.UpdateFrame(id, 0)
	require.NoError(t, err)

	// The reloaded shader moved frame_data and dropped instance_data.
	next := &metadata.PipelineReflection{
		PipelineName: "test",
		Bindings: []metadata.BindingSlot{
			{Set: 0, Binding: 2, Name: "frame_data", Kind: metadata.ResourceKindUniformBuffer},
		},
	}
	require.NoError(t, binder.ReplaceHandle(id, &metadata.PipelineHandle{InternalData: "p2"}, next))

	writes, err := binder.UpdateFrame(id, 0)
	require.NoError(t, err)
	assert.Equal(t, 1, writes)
}
