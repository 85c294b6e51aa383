package systems

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/spaghettifunk/lumen/engine/renderer/metadata"
)

func newTestAccelManager(t *testing.T, frames uint8) (*AccelerationStructureManager, *fakeBackend) {
	t.Helper()
	backend := newFakeBackend()
	js, err := NewJobSystem(1, 16)
	require.NoError(t, err)
	t.Cleanup(func() { _ = js.Shutdown() })

	am, err := NewAccelerationStructureManager(&AccelSystemConfig{FramesInFlight: frames}, js, backend)
	require.NoError(t, err)
	return am, backend
}

func testGeometry(id string, generation uint32) *metadata.AccelGeometry {
	return &metadata.AccelGeometry{
		GeometryID:   id,
		VertexBuffer: &metadata.Buffer{Name: id + ".vertices", Generation: generation},
		IndexBuffer:  &metadata.Buffer{Name: id + ".indices", Generation: generation},
		VertexCount:  8,
		IndexCount:   36,
		VertexStride: 32,
	}
}

func frameAt(number uint64, frames uint8) *metadata.FrameContext {
	return &metadata.FrameContext{
		FrameIndex:     uint8(number % uint64(frames)),
		FrameNumber:    number,
		FramesInFlight: frames,
	}
}

// pumpUntilPublished drives Update until the background builds land and a
// top-level set is published.
func pumpUntilPublished(t *testing.T, am *AccelerationStructureManager, snapshot *metadata.SceneSnapshot, frames uint8, startFrame uint64) uint64 {
	t.Helper()
	frame := startFrame
	require.Eventually(t, func() bool {
		am.Update(snapshot, frameAt(frame, frames))
		frame++
		// After the first pump the snapshot is unchanged; rebuilds keep
		// getting picked up through the stale flag.
		snapshot.GeometryChanged = false
		snapshot.TransformsChanged = false
		return am.CurrentSet() != nil && am.CurrentSet().Generation > 0
	}, 2*time.Second, time.Millisecond)
	return frame
}

func TestAccelPublishArmsTransitionBarrier(t *testing.T) {
	const frames = uint8(3)
	am, _ := newTestAccelManager(t, frames)

	snapshot := &metadata.SceneSnapshot{
		Geometries:      []*metadata.AccelGeometry{testGeometry("cube", 1)},
		Instances:       []metadata.AccelInstance{{GeometryID: "cube", Visible: true}},
		GeometryChanged: true,
	}

	assert.Nil(t, am.CurrentSet())
	assert.False(t, am.RayDispatchAllowed(0, false))

	pumpUntilPublished(t, am, snapshot, frames, 0)

	set := am.CurrentSet()
	require.NotNil(t, set)
	assert.Equal(t, uint32(1), set.Generation)
	assert.Len(t, set.VertexDescriptors, 1)
	assert.Len(t, set.IndexDescriptors, 1)

	// Every frame index must rebind before it may dispatch rays again.
	assert.Equal(t, uint32(0b111), am.PendingMask())
	for f := uint8(0); f < frames; f++ {
		assert.True(t, am.FramePending(f))
		assert.False(t, am.RayDispatchAllowed(f, false))
	}

	// Frames acknowledge one by one as they come around.
	am.AcknowledgeFrame(1)
	assert.False(t, am.FramePending(1))
	assert.True(t, am.RayDispatchAllowed(1, false))
	assert.False(t, am.RayDispatchAllowed(0, false))

	// Dirty descriptors still gate dispatch even after acknowledgment.
	assert.False(t, am.RayDispatchAllowed(1, true))

	am.AcknowledgeFrame(0)
	am.AcknowledgeFrame(2)
	assert.Equal(t, uint32(0), am.PendingMask())
}

func TestAccelUpdateReportsNewPublishOnce(t *testing.T) {
	const frames = uint8(2)
	am, _ := newTestAccelManager(t, frames)

	snapshot := &metadata.SceneSnapshot{
		Geometries:      []*metadata.AccelGeometry{testGeometry("cube", 1)},
		Instances:       []metadata.AccelInstance{{GeometryID: "cube", Visible: true}},
		GeometryChanged: true,
	}

	frame := uint64(0)
	observed := 0
	require.Eventually(t, func() bool {
		if am.Update(snapshot, frameAt(frame, frames)) {
			observed++
		}
		frame++
		snapshot.GeometryChanged = false
		return am.CurrentSet() != nil
	}, 2*time.Second, time.Millisecond)

	// A few more quiet frames must not re-report the same publish.
	for i := 0; i < 4; i++ {
		assert.False(t, am.Update(snapshot, frameAt(frame, frames)))
		frame++
	}
	assert.Equal(t, 1, observed)
}

func TestAccelReplacementRetiresOldStructure(t *testing.T) {
	const frames = uint8(2)
	am, backend := newTestAccelManager(t, frames)

	geometry := testGeometry("cube", 1)
	snapshot := &metadata.SceneSnapshot{
		Geometries:      []*metadata.AccelGeometry{geometry},
		Instances:       []metadata.AccelInstance{{GeometryID: "cube", Visible: true}},
		GeometryChanged: true,
	}

	frame := pumpUntilPublished(t, am, snapshot, frames, 0)
	first := am.CurrentSet()

	// New vertex data: buffer generations bump, a rebuild cascades.
	geometry.VertexBuffer.Generation++
	geometry.IndexBuffer.Generation++
	snapshot.GeometryChanged = true

	require.Eventually(t, func() bool {
		am.Update(snapshot, frameAt(frame, frames))
		frame++
		snapshot.GeometryChanged = false
		return am.CurrentSet().Generation > first.Generation
	}, 2*time.Second, time.Millisecond)

	// The superseded structures are queued, not freed: frames in flight may
	// still reference them.
	am.OnFrameComplete(frame + uint64(frames))
	assert.Contains(t, backend.destroyedAccelNames(), "scene.tlas")
	assert.Contains(t, backend.destroyedAccelNames(), "cube.blas")
}

func TestAccelDeferredDestructionWaitsForConfirmedFrames(t *testing.T) {
	const frames = uint8(2)
	am, backend := newTestAccelManager(t, frames)

	geometry := testGeometry("cube", 1)
	snapshot := &metadata.SceneSnapshot{
		Geometries:      []*metadata.AccelGeometry{geometry},
		Instances:       []metadata.AccelInstance{{GeometryID: "cube", Visible: true}},
		GeometryChanged: true,
	}
	pumpUntilPublished(t, am, snapshot, frames, 0)

	// Rebuild at frame 100 so the retire point is unambiguous.
	geometry.VertexBuffer.Generation++
	snapshot.GeometryChanged = true
	firstGen := am.CurrentSet().Generation
	require.Eventually(t, func() bool {
		am.Update(snapshot, frameAt(100, frames))
		snapshot.GeometryChanged = false
		return am.CurrentSet().Generation > firstGen
	}, 2*time.Second, time.Millisecond)

	// Confirmed frame count still below retire point: nothing freed.
	am.OnFrameComplete(100)
	assert.Empty(t, backend.destroyedAccelNames())

	am.OnFrameComplete(102)
	assert.NotEmpty(t, backend.destroyedAccelNames())
}

func TestAccelFailedBuildKeepsPreviousStructure(t *testing.T) {
	const frames = uint8(2)
	am, backend := newTestAccelManager(t, frames)

	geometry := testGeometry("cube", 1)
	snapshot := &metadata.SceneSnapshot{
		Geometries:      []*metadata.AccelGeometry{geometry},
		Instances:       []metadata.AccelInstance{{GeometryID: "cube", Visible: true}},
		GeometryChanged: true,
	}
	frame := pumpUntilPublished(t, am, snapshot, frames, 0)
	published := am.CurrentSet()

	// Every build now fails; consumers must keep the last-good structure.
	backend.setFailTopLevel(true)
	backend.setFailBottomLevel(true)
	geometry.VertexBuffer.Generation++
	snapshot.GeometryChanged = true

	for i := 0; i < 10; i++ {
		am.Update(snapshot, frameAt(frame, frames))
		frame++
		time.Sleep(time.Millisecond)
	}

	assert.Same(t, published, am.CurrentSet())
	assert.Equal(t, published.Generation, am.CurrentSet().Generation)
}

func TestAccelBuildBeforeBuffersExistIsDeferred(t *testing.T) {
	const frames = uint8(2)
	am, backend := newTestAccelManager(t, frames)

	// Generation 0 buffers: nothing to build from yet.
	geometry := testGeometry("cube", 0)
	snapshot := &metadata.SceneSnapshot{
		Geometries:      []*metadata.AccelGeometry{geometry},
		Instances:       []metadata.AccelInstance{{GeometryID: "cube", Visible: true}},
		GeometryChanged: true,
	}

	for i := uint64(0); i < 5; i++ {
		am.Update(snapshot, frameAt(i, frames))
	}
	time.Sleep(10 * time.Millisecond)
	assert.Nil(t, am.CurrentSet())
	assert.Zero(t, backend.bottomLevelBuilds)

	// Upload lands, generations bump, the build goes through.
	geometry.VertexBuffer.Generation = 1
	geometry.IndexBuffer.Generation = 1
	snapshot.GeometryChanged = true
	pumpUntilPublished(t, am, snapshot, frames, 5)
}
