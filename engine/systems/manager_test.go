package systems

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/spaghettifunk/lumen/engine/renderer/metadata"
)

func TestSystemManagerConstructsAndShutsDown(t *testing.T) {
	backend := newFakeBackend()
	sm, err := NewSystemManager(&SystemManagerConfig{FramesInFlight: 2}, backend)
	require.NoError(t, err)

	assert.NotNil(t, sm.JobSystem)
	assert.NotNil(t, sm.Binder)
	assert.NotNil(t, sm.PipelineSystem)
	assert.NotNil(t, sm.TextureSystem)
	assert.NotNil(t, sm.GeometrySystem)
	assert.NotNil(t, sm.Accel)
	assert.NotNil(t, sm.RenderGraph)
	assert.Same(t, backend, sm.Renderer())

	require.NoError(t, sm.Shutdown())
}

func TestSystemManagerAppliesDefaults(t *testing.T) {
	config := &SystemManagerConfig{}
	sm, err := NewSystemManager(config, newFakeBackend())
	require.NoError(t, err)
	defer func() { _ = sm.Shutdown() }()

	assert.Equal(t, metadata.MaxFramesInFlight, config.FramesInFlight)
	assert.Equal(t, 4, config.JobWorkers)
	assert.Equal(t, uint32(256), config.MaxPipelineCount)
}

// The shader watcher must be stopped before the job queue closes, otherwise
// a late file event could submit a recompile job into a closed queue.
func TestSystemManagerShutdownStopsWatcherBeforeJobQueue(t *testing.T) {
	backend := newFakeBackend()
	sm, err := NewSystemManager(&SystemManagerConfig{
		FramesInFlight: 2,
		ShaderDir:      t.TempDir(),
		HotReload:      true,
	}, backend)
	require.NoError(t, err)
	require.NotNil(t, sm.PipelineSystem.watcher)

	require.NoError(t, sm.Shutdown())
	assert.Nil(t, sm.PipelineSystem.watcher)

	// Stopping an already-stopped watcher is a no-op.
	sm.PipelineSystem.StopWatcher()
}

func TestSystemManagerOnFrameCompleteDrivesRetirement(t *testing.T) {
	backend := newFakeBackend()
	sm, err := NewSystemManager(&SystemManagerConfig{FramesInFlight: 2}, backend)
	require.NoError(t, err)
	defer func() { _ = sm.Shutdown() }()

	id, compiled := sm.PipelineSystem.CreatePipeline(forwardConfig())
	require.True(t, compiled)
	old, _, err := sm.PipelineSystem.PipelineHandle(id)
	require.NoError(t, err)

	sm.OnFrameComplete(&metadata.FrameContext{FrameNumber: 10, FramesInFlight: 2})
	require.NoError(t, sm.PipelineSystem.RecompilePipeline(id))

	// Fences confirm past the retire point; the old handle is freed.
	backend.completedFrames.Store(12)
	sm.OnFrameComplete(&metadata.FrameContext{FrameNumber: 13, FramesInFlight: 2})
	require.Len(t, backend.pipelinesDestroyed, 1)
	assert.Same(t, old, backend.pipelinesDestroyed[0])
}
