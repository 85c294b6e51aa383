package systems

import (
	"fmt"
	"sync"

	"github.com/spaghettifunk/lumen/engine/core"
	"github.com/spaghettifunk/lumen/engine/renderer"
	"github.com/spaghettifunk/lumen/engine/renderer/metadata"
)

/** @brief Configuration for the geometry system. */
type GeometrySystemConfig struct {
	MaxGeometryCount uint32
}

/**
 * @brief Owns per-geometry vertex/index buffer pairs. Uploading new data
 * through Upload replaces the allocations and bumps their generations; the
 * acceleration-structure manager keys bottom-level rebuilds off those
 * generations and the binder keys descriptor rewrites off them.
 */
type GeometrySystem struct {
	config *GeometrySystemConfig

	geometries map[string]*metadata.AccelGeometry
	mutex      sync.RWMutex

	renderer renderer.RendererBackend
}

func NewGeometrySystem(config *GeometrySystemConfig, r renderer.RendererBackend) (*GeometrySystem, error) {
	if config.MaxGeometryCount == 0 {
		err := fmt.Errorf("NewGeometrySystem - config.MaxGeometryCount must be > 0")
		core.LogError(err.Error())
		return nil, err
	}
	return &GeometrySystem{
		config:     config,
		geometries: make(map[string]*metadata.AccelGeometry),
		renderer:   r,
	}, nil
}

func (gs *GeometrySystem) Shutdown() error {
	gs.mutex.Lock()
	defer gs.mutex.Unlock()
	for id, g := range gs.geometries {
		gs.destroyBuffers(g)
		delete(gs.geometries, id)
	}
	return nil
}

/**
 * @brief Creates or replaces a geometry's GPU buffers from raw vertex and
 * index data. On replace the old allocations are swapped out and each
 * buffer's generation is bumped.
 */
func (gs *GeometrySystem) Upload(geometryID string, vertices []byte, vertexStride uint32, indices []byte) (*metadata.AccelGeometry, error) {
	if vertexStride == 0 || len(vertices) == 0 || len(indices) == 0 {
		return nil, fmt.Errorf("Upload '%s': empty vertex or index data", geometryID)
	}

	gs.mutex.Lock()
	defer gs.mutex.Unlock()

	g, ok := gs.geometries[geometryID]
	if !ok {
		if uint32(len(gs.geometries)) >= gs.config.MaxGeometryCount {
			err := fmt.Errorf("geometry system is full (max %d)", gs.config.MaxGeometryCount)
			core.LogError(err.Error())
			return nil, err
		}
		g = &metadata.AccelGeometry{
			GeometryID: geometryID,
			VertexBuffer: &metadata.Buffer{
				Name:  geometryID + ".vertices",
				Usage: metadata.BufferUsageVertex,
			},
			IndexBuffer: &metadata.Buffer{
				Name:  geometryID + ".indices",
				Usage: metadata.BufferUsageIndex,
			},
		}
		gs.geometries[geometryID] = g
	}

	if err := gs.uploadBuffer(g.VertexBuffer, vertices); err != nil {
		return nil, fmt.Errorf("Upload '%s' vertices: %w", geometryID, err)
	}
	if err := gs.uploadBuffer(g.IndexBuffer, indices); err != nil {
		return nil, fmt.Errorf("Upload '%s' indices: %w", geometryID, err)
	}

	g.VertexStride = vertexStride
	g.VertexCount = uint32(len(vertices)) / vertexStride
	g.IndexCount = uint32(len(indices) / 4)
	return g, nil
}

// uploadBuffer creates or resizes the allocation as needed, loads the data
// and bumps the generation. A created-but-never-loaded buffer stays at
// generation 0 and is not bindable.
func (gs *GeometrySystem) uploadBuffer(buffer *metadata.Buffer, data []byte) error {
	size := uint64(len(data))
	if buffer.Generation == 0 {
		buffer.Size = size
		if err := gs.renderer.BufferCreate(buffer); err != nil {
			return err
		}
	} else if buffer.Size < size {
		if err := gs.renderer.BufferResize(buffer, size); err != nil {
			return err
		}
		buffer.Size = size
	}
	if err := gs.renderer.BufferLoadRange(buffer, 0, size, data); err != nil {
		return err
	}
	buffer.Generation++
	return nil
}

func (gs *GeometrySystem) Geometry(geometryID string) (*metadata.AccelGeometry, bool) {
	gs.mutex.RLock()
	defer gs.mutex.RUnlock()
	g, ok := gs.geometries[geometryID]
	return g, ok
}

// Geometries returns the current geometry list for scene-snapshot capture.
func (gs *GeometrySystem) Geometries() []*metadata.AccelGeometry {
	gs.mutex.RLock()
	defer gs.mutex.RUnlock()
	out := make([]*metadata.AccelGeometry, 0, len(gs.geometries))
	for _, g := range gs.geometries {
		out = append(out, g)
	}
	return out
}

func (gs *GeometrySystem) Destroy(geometryID string) {
	gs.mutex.Lock()
	defer gs.mutex.Unlock()
	g, ok := gs.geometries[geometryID]
	if !ok {
		return
	}
	gs.destroyBuffers(g)
	delete(gs.geometries, geometryID)
}

func (gs *GeometrySystem) destroyBuffers(g *metadata.AccelGeometry) {
	if g.VertexBuffer != nil && g.VertexBuffer.Generation != 0 {
		gs.renderer.BufferDestroy(g.VertexBuffer)
	}
	if g.IndexBuffer != nil && g.IndexBuffer.Generation != 0 {
		gs.renderer.BufferDestroy(g.IndexBuffer)
	}
}
