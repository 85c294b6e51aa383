package metadata

type BufferUsage uint8

const (
	BufferUsageUniform BufferUsage = iota
	BufferUsageStorage
	BufferUsageVertex
	BufferUsageIndex
)

/**
 * @brief A GPU buffer owned by exactly one manager. Generation is bumped by
 * the owner whenever the underlying allocation is replaced (resize,
 * reallocation). Generation 0 means "not yet created".
 */
type Buffer struct {
	Name  string
	Size  uint64
	Usage BufferUsage
	// Backend-owned payload. Opaque to everything above the backend.
	InternalData interface{}
	Generation   uint32
}

type Texture struct {
	Name   string
	Width  uint32
	Height uint32
	Format TargetFormat
	// Backend-owned payload.
	InternalData interface{}
	Generation   uint32
}

type TextureArray struct {
	Name       string
	Layers     []*Texture
	Generation uint32
}

/**
 * @brief The set of resource kinds a binding slot can reference.
 */
type ResourceKind uint8

const (
	ResourceKindUniformBuffer ResourceKind = iota
	ResourceKindStorageBuffer
	ResourceKindStorageBufferArray
	ResourceKindSampledTexture
	ResourceKindTextureArray
	ResourceKindAccelerationStructure
	ResourceKindBufferDescriptorArray
)

func (k ResourceKind) String() string {
	switch k {
	case ResourceKindUniformBuffer:
		return "uniform-buffer"
	case ResourceKindStorageBuffer:
		return "storage-buffer"
	case ResourceKindStorageBufferArray:
		return "storage-buffer-array"
	case ResourceKindSampledTexture:
		return "sampled-texture"
	case ResourceKindTextureArray:
		return "texture-array"
	case ResourceKindAccelerationStructure:
		return "acceleration-structure"
	case ResourceKindBufferDescriptorArray:
		return "buffer-descriptor-array"
	}
	return "unknown"
}

/**
 * @brief ResourceRef is a closed tagged union over the bindable resource
 * kinds. Exactly one payload field matching Kind is set. Passes hold these as
 * non-owning references; only the owning manager mutates or destroys the
 * underlying resource.
 */
type ResourceRef struct {
	Kind ResourceKind

	Buffer       *Buffer
	Buffers      []*Buffer
	Texture      *Texture
	TextureArray *TextureArray
	Accel        *AccelerationStructure
}

// Generation folds the referenced resource's generation counter(s) into a
// single comparable stamp. For array payloads the sum is used; any element
// replacement bumps the sum and the stamp stays monotonic.
func (r *ResourceRef) Generation() uint32 {
	switch r.Kind {
	case ResourceKindUniformBuffer, ResourceKindStorageBuffer:
		if r.Buffer == nil {
			return 0
		}
		return r.Buffer.Generation
	case ResourceKindStorageBufferArray, ResourceKindBufferDescriptorArray:
		gen := uint32(0)
		for _, b := range r.Buffers {
			if b != nil {
				gen += b.Generation
			}
		}
		return gen
	case ResourceKindSampledTexture:
		if r.Texture == nil {
			return 0
		}
		return r.Texture.Generation
	case ResourceKindTextureArray:
		if r.TextureArray == nil {
			return 0
		}
		return r.TextureArray.Generation
	case ResourceKindAccelerationStructure:
		if r.Accel == nil {
			return 0
		}
		return r.Accel.Generation
	}
	return 0
}

// Valid reports whether the payload matching Kind is present and has been
// created at least once.
func (r *ResourceRef) Valid() bool {
	return r.Generation() != 0
}
