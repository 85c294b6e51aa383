package vulkan

import (
	"fmt"
	"math"
	"runtime"
	"sync/atomic"

	"github.com/go-gl/glfw/v3.3/glfw"
	vk "github.com/goki/vulkan"
	"github.com/spaghettifunk/lumen/engine/core"
	"github.com/spaghettifunk/lumen/engine/platform"
	"github.com/spaghettifunk/lumen/engine/renderer/metadata"
)

type VulkanRenderer struct {
	platform                *platform.Platform
	context                 *VulkanContext
	cachedFramebufferWidth  uint32
	cachedFramebufferHeight uint32

	framesInFlight uint8

	// Count of frames whose GPU work is fence-confirmed complete.
	completedFrames atomic.Uint64

	debug bool
}

func New(p *platform.Platform) *VulkanRenderer {
	return &VulkanRenderer{
		platform: p,
		context: &VulkanContext{
			FramebufferWidth:  0,
			FramebufferHeight: 0,
			Allocator:         nil,
		},
		framesInFlight: metadata.MaxFramesInFlight,
		debug:          true,
	}
}

func (vr *VulkanRenderer) Initialize(appName string, appWidth, appHeight uint32) error {
	procAddr := glfw.GetVulkanGetInstanceProcAddress()
	if procAddr == nil {
		core.LogFatal("GetInstanceProcAddress is nil")
		return fmt.Errorf("GetInstanceProcAddress is nil")
	}
	vk.SetGetInstanceProcAddr(procAddr)

	if err := vk.Init(); err != nil {
		core.LogFatal("failed to initialize vk: %s", err)
		return err
	}

	vr.context.FramebufferWidth = appWidth
	vr.context.FramebufferHeight = appHeight

	// Setup Vulkan instance.
	appInfo := &vk.ApplicationInfo{
		SType:              vk.StructureTypeApplicationInfo,
		ApiVersion:         uint32(vk.MakeVersion(1, 2, 0)),
		ApplicationVersion: uint32(vk.MakeVersion(1, 0, 0)),
		PApplicationName:   VulkanSafeString(appName),
		PEngineName:        VulkanSafeString("Lumen Engine"),
	}

	createInfo := vk.InstanceCreateInfo{
		SType:            vk.StructureTypeInstanceCreateInfo,
		PApplicationInfo: appInfo,
	}

	// Obtain a list of required extensions
	requiredExtensions := []string{"VK_KHR_surface"}
	requiredExtensions = append(requiredExtensions, vr.platform.GetRequiredExtensionNames()...)
	if runtime.GOOS == "darwin" {
		requiredExtensions = append(requiredExtensions,
			"VK_KHR_portability_enumeration",
			"VK_KHR_get_physical_device_properties2",
		)
	}
	if vr.debug {
		requiredExtensions = append(requiredExtensions, vk.ExtDebugUtilsExtensionName)
	}
	createInfo.EnabledExtensionCount = uint32(len(requiredExtensions))
	createInfo.PpEnabledExtensionNames = VulkanSafeStrings(requiredExtensions)

	// Validation layers should only be enabled on non-release builds.
	if vr.debug {
		layers := []string{"VK_LAYER_KHRONOS_validation"}
		createInfo.EnabledLayerCount = uint32(len(layers))
		createInfo.PpEnabledLayerNames = VulkanSafeStrings(layers)
	}

	var instance vk.Instance
	if res := vk.CreateInstance(&createInfo, vr.context.Allocator, &instance); res != vk.Success {
		err := fmt.Errorf("failed to create vulkan instance: %s", VulkanResultString(res))
		core.LogError(err.Error())
		return err
	}
	vr.context.Instance = instance

	if err := vk.InitInstance(instance); err != nil {
		core.LogError("failed to initialize instance proc addresses: %s", err.Error())
		return err
	}

	if !CreateVulkanSurface(vr.platform, vr.context) {
		return fmt.Errorf("failed to create platform surface")
	}

	if err := DeviceCreate(vr.context); err != nil {
		core.LogError("failed to create device: %s", err.Error())
		return err
	}

	swapchain, err := SwapchainCreate(vr.context, vr.context.FramebufferWidth, vr.context.FramebufferHeight, vr.framesInFlight)
	if err != nil {
		return err
	}
	vr.context.Swapchain = swapchain

	if err := vr.createCommandBuffers(); err != nil {
		return err
	}

	// Sync objects, one set per frame slot.
	vr.context.ImageAvailableSemaphores = make([]vk.Semaphore, vr.framesInFlight)
	vr.context.QueueCompleteSemaphores = make([]vk.Semaphore, vr.framesInFlight)
	vr.context.InFlightFences = make([]*VulkanFence, vr.framesInFlight)

	for i := uint8(0); i < vr.framesInFlight; i++ {
		semaphoreCreateInfo := vk.SemaphoreCreateInfo{
			SType: vk.StructureTypeSemaphoreCreateInfo,
		}
		if res := vk.CreateSemaphore(vr.context.Device.LogicalDevice, &semaphoreCreateInfo, vr.context.Allocator, &vr.context.ImageAvailableSemaphores[i]); res != vk.Success {
			return fmt.Errorf("failed to create image-available semaphore")
		}
		if res := vk.CreateSemaphore(vr.context.Device.LogicalDevice, &semaphoreCreateInfo, vr.context.Allocator, &vr.context.QueueCompleteSemaphores[i]); res != vk.Success {
			return fmt.Errorf("failed to create queue-complete semaphore")
		}

		// Created signaled so the first frame does not wait forever.
		fence, err := NewFence(vr.context, true)
		if err != nil {
			return err
		}
		vr.context.InFlightFences[i] = fence
	}

	core.LogInfo("Vulkan renderer initialized successfully.")
	return nil
}

func (vr *VulkanRenderer) Shutdown() error {
	device := vr.context.Device.LogicalDevice
	vk.DeviceWaitIdle(device)

	for i := uint8(0); i < vr.framesInFlight; i++ {
		vk.DestroySemaphore(device, vr.context.ImageAvailableSemaphores[i], vr.context.Allocator)
		vk.DestroySemaphore(device, vr.context.QueueCompleteSemaphores[i], vr.context.Allocator)
		vr.context.InFlightFences[i].FenceDestroy(vr.context)
	}

	for _, cb := range vr.context.GraphicsCommandBuffers {
		if cb != nil && cb.Handle != nil {
			cb.Free(vr.context, vr.context.Device.GraphicsCommandPool)
		}
	}
	vr.context.GraphicsCommandBuffers = nil

	vr.context.Swapchain.SwapchainDestroy(vr.context)
	DeviceDestroy(vr.context)

	if vr.context.Surface != vk.NullSurface {
		vk.DestroySurface(vr.context.Instance, vr.context.Surface, vr.context.Allocator)
		vr.context.Surface = vk.NullSurface
	}
	vk.DestroyInstance(vr.context.Instance, vr.context.Allocator)
	return nil
}

func (vr *VulkanRenderer) Resized(width, height uint16) error {
	vr.cachedFramebufferWidth = uint32(width)
	vr.cachedFramebufferHeight = uint32(height)
	vr.context.FramebufferSizeGeneration++
	core.LogDebug("Vulkan renderer resized: w/h/gen: %d/%d/%d", width, height, vr.context.FramebufferSizeGeneration)
	return nil
}

func (vr *VulkanRenderer) createCommandBuffers() error {
	vr.context.GraphicsCommandBuffers = make([]*VulkanCommandBuffer, vr.context.Swapchain.ImageCount)
	for i := range vr.context.GraphicsCommandBuffers {
		cb, err := NewVulkanCommandBuffer(vr.context, vr.context.Device.GraphicsCommandPool, true)
		if err != nil {
			return err
		}
		vr.context.GraphicsCommandBuffers[i] = cb
	}
	return nil
}

func (vr *VulkanRenderer) recreateSwapchain() error {
	if vr.context.RecreatingSwapchain {
		return ErrSwapchainOutOfDate
	}
	if vr.cachedFramebufferWidth == 0 || vr.cachedFramebufferHeight == 0 {
		// Minimized, nothing to do until restored.
		return ErrSwapchainOutOfDate
	}
	vr.context.RecreatingSwapchain = true
	defer func() { vr.context.RecreatingSwapchain = false }()

	vk.DeviceWaitIdle(vr.context.Device.LogicalDevice)

	if err := DeviceQuerySwapchainSupport(vr.context); err != nil {
		return err
	}

	vr.context.FramebufferWidth = vr.cachedFramebufferWidth
	vr.context.FramebufferHeight = vr.cachedFramebufferHeight

	swapchain, err := vr.context.Swapchain.SwapchainRecreate(vr.context, vr.context.FramebufferWidth, vr.context.FramebufferHeight)
	if err != nil {
		return err
	}
	vr.context.Swapchain = swapchain
	vr.context.FramebufferSizeLastGeneration = vr.context.FramebufferSizeGeneration

	for _, cb := range vr.context.GraphicsCommandBuffers {
		if cb != nil && cb.Handle != nil {
			cb.Free(vr.context, vr.context.Device.GraphicsCommandPool)
		}
	}
	return vr.createCommandBuffers()
}

func (vr *VulkanRenderer) BeginFrame(fc *metadata.FrameContext) error {
	if vr.context.FramebufferSizeGeneration != vr.context.FramebufferSizeLastGeneration {
		if err := vr.recreateSwapchain(); err != nil {
			return err
		}
	}

	slot := fc.FrameIndex

	// Waiting on this slot's fence confirms the frame previously submitted
	// on it has completed on the GPU.
	fence := vr.context.InFlightFences[slot]
	if !fence.FenceWait(vr.context, math.MaxUint64) {
		return fmt.Errorf("in-flight fence wait failed on frame slot %d", slot)
	}
	if submitted := vr.context.SubmittedFrameNumbers[slot]; submitted > vr.completedFrames.Load() {
		vr.completedFrames.Store(submitted)
	}

	imageIndex, err := vr.context.Swapchain.SwapchainAcquireNextImageIndex(
		vr.context, math.MaxUint64, vr.context.ImageAvailableSemaphores[slot], vk.NullFence)
	if err != nil {
		if err == ErrSwapchainOutOfDate {
			vr.context.FramebufferSizeGeneration++
		}
		return err
	}
	vr.context.ImageIndex = imageIndex
	vr.context.CurrentFrame = uint32(slot)

	commandBuffer := vr.context.GraphicsCommandBuffers[imageIndex]
	commandBuffer.Reset()
	if err := commandBuffer.Begin(false, false, false); err != nil {
		return err
	}

	// Dynamic viewport/scissor, flipped Y.
	viewport := vk.Viewport{
		X:        0.0,
		Y:        float32(vr.context.FramebufferHeight),
		Width:    float32(vr.context.FramebufferWidth),
		Height:   -float32(vr.context.FramebufferHeight),
		MinDepth: 0.0,
		MaxDepth: 1.0,
	}
	scissor := vk.Rect2D{
		Offset: vk.Offset2D{X: 0, Y: 0},
		Extent: vk.Extent2D{Width: vr.context.FramebufferWidth, Height: vr.context.FramebufferHeight},
	}
	vk.CmdSetViewport(commandBuffer.Handle, 0, 1, []vk.Viewport{viewport})
	vk.CmdSetScissor(commandBuffer.Handle, 0, 1, []vk.Rect2D{scissor})

	return nil
}

func (vr *VulkanRenderer) EndFrame(fc *metadata.FrameContext) error {
	slot := fc.FrameIndex
	commandBuffer := vr.context.GraphicsCommandBuffers[vr.context.ImageIndex]

	if err := commandBuffer.End(); err != nil {
		return err
	}

	fence := vr.context.InFlightFences[slot]
	if err := fence.FenceReset(vr.context); err != nil {
		return err
	}

	submitInfo := vk.SubmitInfo{
		SType:                vk.StructureTypeSubmitInfo,
		CommandBufferCount:   1,
		PCommandBuffers:      []vk.CommandBuffer{commandBuffer.Handle},
		WaitSemaphoreCount:   1,
		PWaitSemaphores:      []vk.Semaphore{vr.context.ImageAvailableSemaphores[slot]},
		SignalSemaphoreCount: 1,
		PSignalSemaphores:    []vk.Semaphore{vr.context.QueueCompleteSemaphores[slot]},
		PWaitDstStageMask:    []vk.PipelineStageFlags{vk.PipelineStageFlags(vk.PipelineStageColorAttachmentOutputBit)},
	}
	submitInfo.Deref()

	if res := vk.QueueSubmit(vr.context.Device.GraphicsQueue, 1, []vk.SubmitInfo{submitInfo}, fence.Handle); res != vk.Success {
		err := fmt.Errorf("vkQueueSubmit failed with %s", VulkanResultString(res))
		core.LogError(err.Error())
		return err
	}
	commandBuffer.UpdateSubmitted()

	// Stored as frame number + 1 so a zero value means "never submitted".
	vr.context.SubmittedFrameNumbers[slot] = fc.FrameNumber + 1

	if err := vr.context.Swapchain.SwapchainPresent(
		vr.context, vr.context.Device.PresentQueue, vr.context.QueueCompleteSemaphores[slot], vr.context.ImageIndex); err != nil {
		if err == ErrSwapchainOutOfDate {
			vr.context.FramebufferSizeGeneration++
			return nil
		}
		return err
	}
	return nil
}

// LastCompletedFrame returns the count of frames whose GPU work has been
// confirmed complete by a fence wait. Deferred destruction keys off this.
func (vr *VulkanRenderer) LastCompletedFrame() uint64 {
	return vr.completedFrames.Load()
}

func (vr *VulkanRenderer) PipelineCreate(config *metadata.PipelineConfig) (*metadata.PipelineHandle, *metadata.PipelineReflection, error) {
	pipeline, reflection, err := NewGraphicsPipeline(vr.context, config, vr.framesInFlight)
	if err != nil {
		return nil, nil, err
	}
	return &metadata.PipelineHandle{InternalData: pipeline}, reflection, nil
}

func (vr *VulkanRenderer) PipelineDestroy(handle *metadata.PipelineHandle) {
	pipeline, ok := handle.InternalData.(*VulkanPipeline)
	if !ok {
		return
	}
	pipeline.Destroy(vr.context)
	handle.InternalData = nil
}

func (vr *VulkanRenderer) DescriptorWrite(handle *metadata.PipelineHandle, frameIndex uint8, slot metadata.BindingSlot, ref metadata.ResourceRef) error {
	pipeline, ok := handle.InternalData.(*VulkanPipeline)
	if !ok {
		return fmt.Errorf("pipeline handle has no GPU object")
	}
	return pipeline.DescriptorWrite(vr.context, frameIndex, slot, ref)
}

func (vr *VulkanRenderer) BufferCreate(buffer *metadata.Buffer) error {
	internal, err := BufferCreate(vr.context, buffer.Size, bufferUsageFlags(buffer.Usage))
	if err != nil {
		return err
	}
	buffer.InternalData = internal
	return nil
}

// BufferResize replaces the allocation. Contents are not preserved; the
// owning manager reloads the full range afterwards.
func (vr *VulkanRenderer) BufferResize(buffer *metadata.Buffer, newSize uint64) error {
	internal, err := BufferCreate(vr.context, newSize, bufferUsageFlags(buffer.Usage))
	if err != nil {
		return err
	}
	if old, ok := buffer.InternalData.(*VulkanBuffer); ok {
		old.BufferDestroy(vr.context)
	}
	buffer.InternalData = internal
	return nil
}

func (vr *VulkanRenderer) BufferDestroy(buffer *metadata.Buffer) {
	if internal, ok := buffer.InternalData.(*VulkanBuffer); ok {
		internal.BufferDestroy(vr.context)
		buffer.InternalData = nil
	}
}

func (vr *VulkanRenderer) BufferLoadRange(buffer *metadata.Buffer, offset, size uint64, data []byte) error {
	internal, ok := buffer.InternalData.(*VulkanBuffer)
	if !ok {
		return fmt.Errorf("buffer '%s' has no GPU allocation", buffer.Name)
	}
	return internal.BufferLoadData(vr.context, offset, size, data)
}

func (vr *VulkanRenderer) TextureCreate(texture *metadata.Texture) error {
	image, err := vr.createTextureImage(texture.Width, texture.Height, texture.Format)
	if err != nil {
		return err
	}
	texture.InternalData = image
	return nil
}

func (vr *VulkanRenderer) TextureResize(texture *metadata.Texture, width, height uint32) error {
	image, err := vr.createTextureImage(width, height, texture.Format)
	if err != nil {
		return err
	}
	if old, ok := texture.InternalData.(*VulkanImage); ok {
		old.ImageDestroy(vr.context)
	}
	texture.InternalData = image
	return nil
}

func (vr *VulkanRenderer) TextureDestroy(texture *metadata.Texture) {
	if internal, ok := texture.InternalData.(*VulkanImage); ok {
		internal.ImageDestroy(vr.context)
		texture.InternalData = nil
	}
}

func (vr *VulkanRenderer) createTextureImage(width, height uint32, format metadata.TargetFormat) (*VulkanImage, error) {
	vkFormat := targetFormat(format, vr.context.Swapchain.ImageFormat.Format)

	usage := vk.ImageUsageFlags(vk.ImageUsageSampledBit) | vk.ImageUsageFlags(vk.ImageUsageColorAttachmentBit)
	aspect := vk.ImageAspectFlags(vk.ImageAspectColorBit)
	if format == metadata.TargetFormatD32F || format == metadata.TargetFormatD24S8 {
		usage = vk.ImageUsageFlags(vk.ImageUsageSampledBit) | vk.ImageUsageFlags(vk.ImageUsageDepthStencilAttachmentBit)
		aspect = vk.ImageAspectFlags(vk.ImageAspectDepthBit)
	}

	image, err := ImageCreate(
		vr.context,
		vk.ImageType2d,
		width, height,
		vkFormat,
		vk.ImageTilingOptimal,
		usage,
		vk.MemoryPropertyFlags(vk.MemoryPropertyDeviceLocalBit),
		true,
		aspect)
	if err != nil {
		return nil, err
	}
	if err := image.SamplerCreate(vr.context); err != nil {
		image.ImageDestroy(vr.context)
		return nil, err
	}
	return image, nil
}

// The loaded Vulkan bindings do not expose VK_KHR_acceleration_structure;
// builds report unsupported and the manager keeps whatever was last
// published.
func (vr *VulkanRenderer) AccelBuildBottomLevel(geometry *metadata.AccelGeometry) (*metadata.AccelerationStructure, error) {
	return nil, fmt.Errorf("bottom-level build for '%s': %w", geometry.GeometryID, core.ErrUnsupported)
}

func (vr *VulkanRenderer) AccelBuildTopLevel(instances []metadata.AccelInstance, bottomLevels map[string]*metadata.AccelerationStructure) (*metadata.AccelerationStructure, error) {
	return nil, fmt.Errorf("top-level build: %w", core.ErrUnsupported)
}

func (vr *VulkanRenderer) AccelDestroy(as *metadata.AccelerationStructure) {}
