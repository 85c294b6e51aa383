package metadata

/** @brief Stable logical pipeline id. Survives hot-reload; the underlying
 * handle does not. */
type PipelineID uint32

const InvalidPipelineID PipelineID = PipelineID(InvalidID)

type ShaderStage uint8

const (
	ShaderStageVertex ShaderStage = iota
	ShaderStageFragment
	ShaderStageCompute
)

type ShaderStageConfig struct {
	Stage ShaderStage
	// Path to the SPIR-V binary on disk. Watched for hot-reload.
	SourcePath string
}

type FaceCullMode uint8

const (
	FaceCullModeNone FaceCullMode = iota
	FaceCullModeFront
	FaceCullModeBack
	FaceCullModeFrontAndBack
)

type BlendMode uint8

const (
	BlendModeNone BlendMode = iota
	BlendModeAlpha
	BlendModeAdditive
)

type TargetFormat uint8

const (
	TargetFormatUnknown TargetFormat = iota
	TargetFormatBGRA8
	TargetFormatRGBA8
	TargetFormatRGBA16F
	TargetFormatD32F
	TargetFormatD24S8
)

type VertexFormat uint8

const (
	VertexFormatFloat32 VertexFormat = iota
	VertexFormatFloat32_2
	VertexFormatFloat32_3
	VertexFormatFloat32_4
	VertexFormatUint32
)

type VertexAttribute struct {
	Name   string
	Format VertexFormat
	Offset uint32
}

/** @brief An offset/size pair, used for push-constant ranges. */
type MemoryRange struct {
	Offset uint64
	Size   uint64
}

/**
 * @brief Declarative pipeline description. Compiled by the PipelineSystem
 * into a GPU pipeline object.
 */
type PipelineConfig struct {
	Name   string
	Stages []ShaderStageConfig

	CullMode   FaceCullMode
	DepthTest  bool
	DepthWrite bool
	Blend      BlendMode

	ColorFormats []TargetFormat
	DepthFormat  TargetFormat

	VertexStride     uint32
	VertexAttributes []VertexAttribute

	PushConstantRanges []MemoryRange

	// Descriptor slots the shaders declare. The backend validates these
	// against the SPIR-V binaries and echoes them back as reflection.
	Bindings []BindingSlot
}

/**
 * @brief A single descriptor slot of a compiled pipeline, resolved from
 * shader reflection metadata.
 */
type BindingSlot struct {
	Set     uint8
	Binding uint8
	Name    string
	Kind    ResourceKind
}

// Key returns a stable identity for record keeping. Two slots with the same
// (set, binding) are the same physical descriptor.
func (s BindingSlot) Key() uint16 {
	return uint16(s.Set)<<8 | uint16(s.Binding)
}

/**
 * @brief The binding-name → slot table extracted from compiled shader
 * metadata. Consumed by the ResourceBinder so passes address slots by
 * logical name instead of hardcoded indices.
 */
type PipelineReflection struct {
	PipelineName string
	Bindings     []BindingSlot
}

func (r *PipelineReflection) Lookup(name string) (BindingSlot, bool) {
	for _, b := range r.Bindings {
		if b.Name == name {
			return b, true
		}
	}
	return BindingSlot{}, false
}

/**
 * @brief The compiled GPU pipeline object. Replaced wholesale on hot-reload
 * while its PipelineID stays stable.
 */
type PipelineHandle struct {
	// Backend-owned payload (pipeline object + layout).
	InternalData interface{}
}
