package metadata

/**
 * @brief A bottom- or top-level spatial acceleration structure. Owned by the
 * AccelerationStructureManager; passes hold non-owning references plus a
 * generation read.
 */
type AccelerationStructure struct {
	Name string
	// Backend-owned payload.
	InternalData interface{}
	Generation   uint32
}

/**
 * @brief The published scene-level structure plus the per-geometry descriptor
 * arrays ray-query shaders index into. Swapped atomically as a unit so
 * readers observe either the fully-old or fully-new set, never a mix.
 * The per-frame pending-transition bitmask lives in the manager.
 */
type AccelerationStructureSet struct {
	TopLevel          *AccelerationStructure
	VertexDescriptors []*Buffer
	IndexDescriptors  []*Buffer
	Generation        uint32
}

/** @brief Per-mesh inputs for a bottom-level build. */
type AccelGeometry struct {
	GeometryID   string
	VertexBuffer *Buffer
	IndexBuffer  *Buffer
	VertexCount  uint32
	IndexCount   uint32
	VertexStride uint32
}

/** @brief One placed instance of a geometry in the scene. */
type AccelInstance struct {
	GeometryID    string
	Transform     [16]float32
	MaterialIndex uint32
	Visible       bool
}

/**
 * @brief Per-frame cached view of the scene handed to the manager by the
 * scene/ECS snapshot provider. Dirty flags drive opportunistic rebuilds.
 */
type SceneSnapshot struct {
	Geometries []*AccelGeometry
	Instances  []AccelInstance

	GeometryChanged   bool
	TransformsChanged bool
	MaterialsUpdated  bool
}

// Changed reports whether anything in the snapshot requires a top-level rebuild.
func (s *SceneSnapshot) Changed() bool {
	return s.GeometryChanged || s.TransformsChanged || s.MaterialsUpdated
}
