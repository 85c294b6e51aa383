package systems

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/spaghettifunk/lumen/engine/core"
	"github.com/spaghettifunk/lumen/engine/renderer/metadata"
)

func newTestPipelineSystem(t *testing.T, frames uint8) (*PipelineSystem, *ResourceBinder, *fakeBackend) {
	t.Helper()
	backend := newFakeBackend()
	binder, err := NewResourceBinder(&ResourceBinderConfig{FramesInFlight: frames}, backend)
	require.NoError(t, err)
	js, err := NewJobSystem(1, 8)
	require.NoError(t, err)
	t.Cleanup(func() { _ = js.Shutdown() })

	ps, err := NewPipelineSystem(&PipelineSystemConfig{
		MaxPipelineCount: 8,
		FramesInFlight:   frames,
	}, js, backend, binder)
	require.NoError(t, err)
	return ps, binder, backend
}

func forwardConfig() *metadata.PipelineConfig {
	return &metadata.PipelineConfig{
		Name: "forward",
		Stages: []metadata.ShaderStageConfig{
			{Stage: metadata.ShaderStageVertex, SourcePath: "forward.vert.spv"},
		},
		Bindings: []metadata.BindingSlot{
			{Set: 0, Binding: 0, Name: "frame_data", Kind: metadata.ResourceKindUniformBuffer},
		},
	}
}

func TestPipelineCreateAndLookup(t *testing.T) {
	ps, _, _ := newTestPipelineSystem(t, 2)

	id, compiled := ps.CreatePipeline(forwardConfig())
	require.NotEqual(t, metadata.InvalidPipelineID, id)
	assert.True(t, compiled)
	assert.True(t, ps.Compiled(id))

	handle, generation, err := ps.PipelineHandle(id)
	require.NoError(t, err)
	assert.NotNil(t, handle)
	assert.Equal(t, uint32(1), generation)

	reflection, err := ps.GetPipelineReflection(id)
	require.NoError(t, err)
	slot, found := reflection.Lookup("frame_data")
	require.True(t, found)
	assert.Equal(t, metadata.ResourceKindUniformBuffer, slot.Kind)

	// Same name resolves to the same slot instead of allocating a second one.
	again, _ := ps.CreatePipeline(forwardConfig())
	assert.Equal(t, id, again)
}

func TestPipelineCompileFailureIsNotFatal(t *testing.T) {
	ps, _, backend := newTestPipelineSystem(t, 2)
	backend.setFailPipelineCreate(true)

	id, compiled := ps.CreatePipeline(forwardConfig())
	require.NotEqual(t, metadata.InvalidPipelineID, id)
	assert.False(t, compiled)
	assert.False(t, ps.Compiled(id))

	_, _, err := ps.PipelineHandle(id)
	assert.ErrorIs(t, err, core.ErrPipelineNotFound)

	// The entry survives; a later recompile (the hot-reload path) resolves it.
	backend.setFailPipelineCreate(false)
	require.NoError(t, ps.RecompilePipeline(id))
	assert.True(t, ps.Compiled(id))

	_, generation, err := ps.PipelineHandle(id)
	require.NoError(t, err)
	assert.Equal(t, uint32(1), generation)
}

func TestPipelineHotReloadSwapsHandleAndKeepsID(t *testing.T) {
	ps, binder, backend := newTestPipelineSystem(t, 2)

	id, compiled := ps.CreatePipeline(forwardConfig())
	require.True(t, compiled)

	handle, gen1, err := ps.PipelineHandle(id)
	require.NoError(t, err)
	reflection, err := ps.GetPipelineReflection(id)
	require.NoError(t, err)

	require.NoError(t, binder.PopulateFromReflection(id, handle, reflection))
	require.NoError(t, binder.BindUniformBufferNamed(id, "frame_data", frameBuffers(2)))
	require.NoError(t, binder.Bake(id))
	writes, err := binder.UpdateFrame(id, 0)
	require.NoError(t, err)
	require.Equal(t, 1, writes)

	require.NoError(t, ps.RecompilePipeline(id))

	newHandle, gen2, err := ps.PipelineHandle(id)
	require.NoError(t, err)
	assert.NotSame(t, handle, newHandle)
	assert.Equal(t, gen1+1, gen2)

	// The swap is not visible to the binder until the render thread folds
	// it in; nothing rebinds yet.
	writes, err = binder.UpdateFrame(id, 0)
	require.NoError(t, err)
	assert.Equal(t, 0, writes)

	// Applying the reload invalidates the records; the frame rebinds in full.
	ps.ApplyReloads()
	writes, err = binder.UpdateFrame(id, 0)
	require.NoError(t, err)
	assert.Equal(t, 1, writes)

	// Recompile failure keeps the current object.
	backend.setFailPipelineCreate(true)
	assert.Error(t, ps.RecompilePipeline(id))
	assert.True(t, ps.Compiled(id))
	_, gen3, err := ps.PipelineHandle(id)
	require.NoError(t, err)
	assert.Equal(t, gen2, gen3)
}

// Recompiles run on job workers while the render thread keeps preparing
// frames. The worker side must never touch the binder directly; the render
// thread folds completed swaps in once per frame via ApplyReloads.
func TestPipelineReloadFromWorkerDefersBinderRebind(t *testing.T) {
	ps, binder, _ := newTestPipelineSystem(t, 2)

	id, compiled := ps.CreatePipeline(forwardConfig())
	require.True(t, compiled)
	handle, _, err := ps.PipelineHandle(id)
	require.NoError(t, err)
	reflection, err := ps.GetPipelineReflection(id)
	require.NoError(t, err)
	require.NoError(t, binder.PopulateFromReflection(id, handle, reflection))
	require.NoError(t, binder.BindUniformBufferNamed(id, "frame_data", frameBuffers(2)))
	require.NoError(t, binder.Bake(id))
	_, err = binder.UpdateFrame(id, 0)
	require.NoError(t, err)

	done := make(chan struct{})
	go func() {
		defer close(done)
		for i := 0; i < 200; i++ {
			if err := ps.RecompilePipeline(id); err != nil {
				t.Errorf("recompile: %v", err)
				return
			}
		}
	}()

	// Render loop: prepare the frame and fold in any completed reloads.
	for running := true; running; {
		select {
		case <-done:
			running = false
		default:
		}
		ps.ApplyReloads()
		if _, err := binder.UpdateFrame(id, 0); err != nil {
			t.Fatalf("update frame: %v", err)
		}
		binder.FrameDirty(id, 0)
	}

	_, generation, err := ps.PipelineHandle(id)
	require.NoError(t, err)
	assert.Equal(t, uint32(201), generation)

	// One more reload, end to end: invisible to the binder until applied.
	require.NoError(t, ps.RecompilePipeline(id))
	ps.ApplyReloads()
	writes, err := binder.UpdateFrame(id, 0)
	require.NoError(t, err)
	assert.Equal(t, 1, writes)
}

func TestPipelineRetiredHandleFreedAfterFramesInFlight(t *testing.T) {
	ps, _, backend := newTestPipelineSystem(t, 2)

	id, compiled := ps.CreatePipeline(forwardConfig())
	require.True(t, compiled)
	old, _, err := ps.PipelineHandle(id)
	require.NoError(t, err)

	// Reload happens while frame 5 is being recorded.
	ps.OnFrameComplete(5, 3)
	require.NoError(t, ps.RecompilePipeline(id))

	// The GPU has not yet confirmed the overlapping frames: nothing is freed.
	ps.OnFrameComplete(6, 5)
	assert.Empty(t, backend.pipelinesDestroyed)

	// Confirmed frames caught up past the retire point.
	ps.OnFrameComplete(8, 7)
	require.Len(t, backend.pipelinesDestroyed, 1)
	assert.Same(t, old, backend.pipelinesDestroyed[0])
}

func TestPipelineDestroyFreesSlot(t *testing.T) {
	ps, _, backend := newTestPipelineSystem(t, 2)

	id, compiled := ps.CreatePipeline(forwardConfig())
	require.True(t, compiled)
	require.NoError(t, ps.DestroyPipeline(id))

	assert.False(t, ps.Compiled(id))
	assert.Len(t, backend.pipelinesDestroyed, 1)

	// The slot is reusable.
	next, compiled := ps.CreatePipeline(forwardConfig())
	assert.True(t, compiled)
	assert.Equal(t, id, next)
}
