package renderer

import "github.com/spaghettifunk/lumen/engine/renderer/metadata"

/**
 * @brief The narrow surface the systems layer drives GPU work through.
 * Ownership of generations stays above the backend: the owning manager bumps
 * a resource's Generation after a successful replace, the backend only swaps
 * the InternalData payload.
 */
type RendererBackend interface {
	Initialize(appName string, appWidth, appHeight uint32) error
	Shutdown() error
	Resized(width, height uint16) error

	BeginFrame(fc *metadata.FrameContext) error
	EndFrame(fc *metadata.FrameContext) error
	// LastCompletedFrame returns the count of frames whose GPU work is
	// fence-confirmed complete. Deferred destruction keys off this.
	LastCompletedFrame() uint64

	PipelineCreate(config *metadata.PipelineConfig) (*metadata.PipelineHandle, *metadata.PipelineReflection, error)
	PipelineDestroy(handle *metadata.PipelineHandle)

	// DescriptorWrite updates a single descriptor of one frame-in-flight's
	// binding table. Must complete before any GPU submission for that frame.
	DescriptorWrite(pipeline *metadata.PipelineHandle, frameIndex uint8, slot metadata.BindingSlot, ref metadata.ResourceRef) error

	BufferCreate(buffer *metadata.Buffer) error
	BufferResize(buffer *metadata.Buffer, newSize uint64) error
	BufferDestroy(buffer *metadata.Buffer)
	BufferLoadRange(buffer *metadata.Buffer, offset, size uint64, data []byte) error

	TextureCreate(texture *metadata.Texture) error
	TextureResize(texture *metadata.Texture, width, height uint32) error
	TextureDestroy(texture *metadata.Texture)

	// Acceleration-structure builds may run on background goroutines; the
	// backend must allow concurrent build calls. A build failure returns an
	// error and leaves nothing published.
	AccelBuildBottomLevel(geometry *metadata.AccelGeometry) (*metadata.AccelerationStructure, error)
	AccelBuildTopLevel(instances []metadata.AccelInstance, bottomLevels map[string]*metadata.AccelerationStructure) (*metadata.AccelerationStructure, error)
	AccelDestroy(as *metadata.AccelerationStructure)
}
