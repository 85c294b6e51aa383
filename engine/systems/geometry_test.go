package systems

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestGeometrySystem(t *testing.T) (*GeometrySystem, *fakeBackend) {
	t.Helper()
	backend := newFakeBackend()
	gs, err := NewGeometrySystem(&GeometrySystemConfig{MaxGeometryCount: 4}, backend)
	require.NoError(t, err)
	return gs, backend
}

func TestGeometryUploadCreatesBuffersAndCounts(t *testing.T) {
	gs, backend := newTestGeometrySystem(t)

	vertices := make([]byte, 4*32)
	indices := make([]byte, 6*4)
	g, err := gs.Upload("quad", vertices, 32, indices)
	require.NoError(t, err)

	assert.Equal(t, uint32(4), g.VertexCount)
	assert.Equal(t, uint32(6), g.IndexCount)
	assert.Equal(t, uint32(32), g.VertexStride)
	assert.Equal(t, uint32(1), g.VertexBuffer.Generation)
	assert.Equal(t, uint32(1), g.IndexBuffer.Generation)
	assert.Equal(t, 2, backend.buffersCreated)

	stored, ok := gs.Geometry("quad")
	require.True(t, ok)
	assert.Same(t, g, stored)
}

func TestGeometryReuploadBumpsGenerations(t *testing.T) {
	gs, backend := newTestGeometrySystem(t)

	g, err := gs.Upload("quad", make([]byte, 4*32), 32, make([]byte, 6*4))
	require.NoError(t, err)

	// Larger upload, same geometry: buffers are replaced, not duplicated.
	again, err := gs.Upload("quad", make([]byte, 8*32), 32, make([]byte, 12*4))
	require.NoError(t, err)
	assert.Same(t, g, again)
	assert.Equal(t, uint32(8), g.VertexCount)
	assert.Equal(t, uint32(2), g.VertexBuffer.Generation)
	assert.Equal(t, uint32(2), g.IndexBuffer.Generation)
	assert.Equal(t, 2, backend.buffersCreated)
}

func TestGeometryUploadValidation(t *testing.T) {
	gs, _ := newTestGeometrySystem(t)
	_, err := gs.Upload("bad", nil, 32, make([]byte, 12))
	assert.Error(t, err)
	_, err = gs.Upload("bad", make([]byte, 32), 0, make([]byte, 12))
	assert.Error(t, err)
}

func TestGeometryCapacityLimit(t *testing.T) {
	gs, _ := newTestGeometrySystem(t)
	for _, name := range []string{"a", "b", "c", "d"} {
		_, err := gs.Upload(name, make([]byte, 32), 32, make([]byte, 4))
		require.NoError(t, err)
	}
	_, err := gs.Upload("e", make([]byte, 32), 32, make([]byte, 4))
	assert.Error(t, err)

	// Destroying one frees a slot.
	gs.Destroy("a")
	_, err = gs.Upload("e", make([]byte, 32), 32, make([]byte, 4))
	assert.NoError(t, err)
}

func TestTextureAcquireResizeDestroy(t *testing.T) {
	backend := newFakeBackend()
	ts, err := NewTextureSystem(&TextureSystemConfig{MaxTextureCount: 2}, backend)
	require.NoError(t, err)

	tex, err := ts.Acquire("shadow_depth", 1024, 1024, 0)
	require.NoError(t, err)
	assert.Equal(t, uint32(1), tex.Generation)

	// Acquire is idempotent.
	same, err := ts.Acquire("shadow_depth", 1024, 1024, 0)
	require.NoError(t, err)
	assert.Same(t, tex, same)

	require.NoError(t, ts.Resize("shadow_depth", 2048, 2048))
	assert.Equal(t, uint32(2), tex.Generation)
	assert.Equal(t, uint32(2048), tex.Width)

	assert.Error(t, ts.Resize("missing", 1, 1))

	ts.Destroy("shadow_depth")
	fresh, err := ts.Acquire("shadow_depth", 512, 512, 0)
	require.NoError(t, err)
	assert.NotSame(t, tex, fresh)
}
