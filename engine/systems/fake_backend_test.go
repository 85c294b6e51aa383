package systems

import (
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/spaghettifunk/lumen/engine/renderer/metadata"
)

type descriptorWrite struct {
	frameIndex uint8
	slotKey    uint16
	generation uint32
}

// fakeBackend implements renderer.RendererBackend in memory. Pipeline
// reflection is echoed from the config the way the real backend does, and
// every descriptor write is recorded so tests can assert on exact rebind
// behavior.
type fakeBackend struct {
	mu sync.Mutex

	pipelineCreates    int
	failPipelineCreate bool
	pipelinesDestroyed []*metadata.PipelineHandle

	writes []descriptorWrite

	buffersCreated   int
	buffersDestroyed int

	bottomLevelBuilds int
	topLevelBuilds    int
	failBottomLevel   bool
	failTopLevel      bool
	accelDestroyed    []*metadata.AccelerationStructure

	completedFrames atomic.Uint64
}

func newFakeBackend() *fakeBackend {
	return &fakeBackend{}
}

func (f *fakeBackend) Initialize(appName string, appWidth, appHeight uint32) error { return nil }
func (f *fakeBackend) Shutdown() error                                             { return nil }
func (f *fakeBackend) Resized(width, height uint16) error                          { return nil }
func (f *fakeBackend) BeginFrame(fc *metadata.FrameContext) error                  { return nil }
func (f *fakeBackend) EndFrame(fc *metadata.FrameContext) error                    { return nil }

func (f *fakeBackend) LastCompletedFrame() uint64 {
	return f.completedFrames.Load()
}

func (f *fakeBackend) PipelineCreate(config *metadata.PipelineConfig) (*metadata.PipelineHandle, *metadata.PipelineReflection, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.pipelineCreates++
	if f.failPipelineCreate {
		return nil, nil, fmt.Errorf("shader compile error")
	}
	handle := &metadata.PipelineHandle{InternalData: fmt.Sprintf("%s#%d", config.Name, f.pipelineCreates)}
	reflection := &metadata.PipelineReflection{
		PipelineName: config.Name,
		Bindings:     append([]metadata.BindingSlot(nil), config.Bindings...),
	}
	return handle, reflection, nil
}

func (f *fakeBackend) PipelineDestroy(handle *metadata.PipelineHandle) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.pipelinesDestroyed = append(f.pipelinesDestroyed, handle)
}

func (f *fakeBackend) DescriptorWrite(pipeline *metadata.PipelineHandle, frameIndex uint8, slot metadata.BindingSlot, ref metadata.ResourceRef) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.writes = append(f.writes, descriptorWrite{
		frameIndex: frameIndex,
		slotKey:    slot.Key(),
		generation: ref.Generation(),
	})
	return nil
}

func (f *fakeBackend) writeCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.writes)
}

func (f *fakeBackend) BufferCreate(buffer *metadata.Buffer) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.buffersCreated++
	buffer.InternalData = struct{}{}
	return nil
}

func (f *fakeBackend) BufferResize(buffer *metadata.Buffer, newSize uint64) error { return nil }

func (f *fakeBackend) BufferDestroy(buffer *metadata.Buffer) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.buffersDestroyed++
}

func (f *fakeBackend) BufferLoadRange(buffer *metadata.Buffer, offset, size uint64, data []byte) error {
	return nil
}

func (f *fakeBackend) TextureCreate(texture *metadata.Texture) error {
	texture.InternalData = struct{}{}
	return nil
}

func (f *fakeBackend) TextureResize(texture *metadata.Texture, width, height uint32) error {
	return nil
}

func (f *fakeBackend) TextureDestroy(texture *metadata.Texture) {}

func (f *fakeBackend) AccelBuildBottomLevel(geometry *metadata.AccelGeometry) (*metadata.AccelerationStructure, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.bottomLevelBuilds++
	if f.failBottomLevel {
		return nil, fmt.Errorf("bottom-level build error")
	}
	return &metadata.AccelerationStructure{Name: geometry.GeometryID + ".blas"}, nil
}

func (f *fakeBackend) AccelBuildTopLevel(instances []metadata.AccelInstance, bottomLevels map[string]*metadata.AccelerationStructure) (*metadata.AccelerationStructure, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.topLevelBuilds++
	if f.failTopLevel {
		return nil, fmt.Errorf("top-level build error")
	}
	return &metadata.AccelerationStructure{Name: "scene.tlas"}, nil
}

func (f *fakeBackend) AccelDestroy(as *metadata.AccelerationStructure) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.accelDestroyed = append(f.accelDestroyed, as)
}

func (f *fakeBackend) destroyedAccelNames() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	names := make([]string, 0, len(f.accelDestroyed))
	for _, s := range f.accelDestroyed {
		names = append(names, s.Name)
	}
	return names
}

func (f *fakeBackend) setFailPipelineCreate(fail bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.failPipelineCreate = fail
}

func (f *fakeBackend) setFailTopLevel(fail bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.failTopLevel = fail
}

func (f *fakeBackend) setFailBottomLevel(fail bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.failBottomLevel = fail
}
