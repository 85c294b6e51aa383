package vulkan

import (
	"encoding/binary"
	"fmt"
	"os"

	vk "github.com/goki/vulkan"
	"github.com/spaghettifunk/lumen/engine/core"
	"github.com/spaghettifunk/lumen/engine/renderer/metadata"
)

/**
 * @brief Max number of descriptors in a single array binding.
 * @todo TODO: make configurable
 */
const VULKAN_MAX_DESCRIPTOR_ARRAY_LENGTH uint32 = 32

/**
 * @brief Holds a Vulkan pipeline, its layout and the descriptor machinery
 * that belongs to it. Stored in the metadata.PipelineHandle's InternalData.
 */
type VulkanPipeline struct {
	/** @brief The internal pipeline handle. */
	Handle vk.Pipeline
	/** @brief The pipeline layout. */
	PipelineLayout vk.PipelineLayout
	/** @brief The renderpass derived from the declared target formats. */
	RenderPass vk.RenderPass

	SetLayouts     []vk.DescriptorSetLayout
	DescriptorPool vk.DescriptorPool
	// One descriptor set per (frame in flight, set index).
	DescriptorSets [metadata.MaxFramesInFlight][]vk.DescriptorSet

	FramesInFlight uint8
}

func descriptorType(kind metadata.ResourceKind) (vk.DescriptorType, error) {
	switch kind {
	case metadata.ResourceKindUniformBuffer:
		return vk.DescriptorTypeUniformBuffer, nil
	case metadata.ResourceKindStorageBuffer, metadata.ResourceKindStorageBufferArray, metadata.ResourceKindBufferDescriptorArray:
		return vk.DescriptorTypeStorageBuffer, nil
	case metadata.ResourceKindSampledTexture, metadata.ResourceKindTextureArray:
		return vk.DescriptorTypeCombinedImageSampler, nil
	case metadata.ResourceKindAccelerationStructure:
		return 0, fmt.Errorf("acceleration-structure descriptors: %w", core.ErrUnsupported)
	}
	return 0, fmt.Errorf("unknown resource kind %d", kind)
}

func descriptorCount(kind metadata.ResourceKind) uint32 {
	switch kind {
	case metadata.ResourceKindStorageBufferArray, metadata.ResourceKindBufferDescriptorArray, metadata.ResourceKindTextureArray:
		return VULKAN_MAX_DESCRIPTOR_ARRAY_LENGTH
	}
	return 1
}

func targetFormat(format metadata.TargetFormat, fallback vk.Format) vk.Format {
	switch format {
	case metadata.TargetFormatBGRA8:
		return vk.FormatB8g8r8a8Unorm
	case metadata.TargetFormatRGBA8:
		return vk.FormatR8g8b8a8Unorm
	case metadata.TargetFormatRGBA16F:
		return vk.FormatR16g16b16a16Sfloat
	case metadata.TargetFormatD32F:
		return vk.FormatD32Sfloat
	case metadata.TargetFormatD24S8:
		return vk.FormatD24UnormS8Uint
	}
	return fallback
}

func vertexFormat(format metadata.VertexFormat) vk.Format {
	switch format {
	case metadata.VertexFormatFloat32:
		return vk.FormatR32Sfloat
	case metadata.VertexFormatFloat32_2:
		return vk.FormatR32g32Sfloat
	case metadata.VertexFormatFloat32_3:
		return vk.FormatR32g32b32Sfloat
	case metadata.VertexFormatFloat32_4:
		return vk.FormatR32g32b32a32Sfloat
	case metadata.VertexFormatUint32:
		return vk.FormatR32Uint
	}
	return vk.FormatR32Sfloat
}

func shaderStageFlag(stage metadata.ShaderStage) vk.ShaderStageFlagBits {
	switch stage {
	case metadata.ShaderStageVertex:
		return vk.ShaderStageVertexBit
	case metadata.ShaderStageFragment:
		return vk.ShaderStageFragmentBit
	case metadata.ShaderStageCompute:
		return vk.ShaderStageComputeBit
	}
	return vk.ShaderStageVertexBit
}

// loadShaderModule reads a SPIR-V binary from disk and creates the module.
func loadShaderModule(context *VulkanContext, path string) (vk.ShaderModule, error) {
	code, err := os.ReadFile(path)
	if err != nil {
		return vk.NullShaderModule, fmt.Errorf("unable to read shader binary '%s': %w", path, err)
	}
	if len(code) == 0 || len(code)%4 != 0 {
		return vk.NullShaderModule, fmt.Errorf("shader binary '%s' is not valid SPIR-V", path)
	}

	words := make([]uint32, len(code)/4)
	for i := range words {
		words[i] = binary.LittleEndian.Uint32(code[i*4:])
	}

	createInfo := vk.ShaderModuleCreateInfo{
		SType:    vk.StructureTypeShaderModuleCreateInfo,
		CodeSize: uint(len(code)),
		PCode:    words,
	}

	var module vk.ShaderModule
	if res := vk.CreateShaderModule(context.Device.LogicalDevice, &createInfo, context.Allocator, &module); res != vk.Success {
		return vk.NullShaderModule, fmt.Errorf("vkCreateShaderModule for '%s' failed with %v", path, res)
	}
	return module, nil
}

/**
 * @brief Compiles the declarative pipeline description into a GPU pipeline,
 * layouts and per-frame descriptor sets. The returned reflection is the
 * binding table the shaders declared, validated against the binary.
 */
func NewGraphicsPipeline(context *VulkanContext, config *metadata.PipelineConfig, framesInFlight uint8) (*VulkanPipeline, *metadata.PipelineReflection, error) {
	outPipeline := &VulkanPipeline{
		FramesInFlight: framesInFlight,
	}

	// Shader stages.
	modules := make([]vk.ShaderModule, 0, len(config.Stages))
	stages := make([]vk.PipelineShaderStageCreateInfo, 0, len(config.Stages))
	cleanup := func() {
		for _, m := range modules {
			vk.DestroyShaderModule(context.Device.LogicalDevice, m, context.Allocator)
		}
	}
	for _, stage := range config.Stages {
		module, err := loadShaderModule(context, stage.SourcePath)
		if err != nil {
			cleanup()
			return nil, nil, err
		}
		modules = append(modules, module)
		stages = append(stages, vk.PipelineShaderStageCreateInfo{
			SType:  vk.StructureTypePipelineShaderStageCreateInfo,
			Stage:  shaderStageFlag(stage.Stage),
			Module: module,
			PName:  VulkanSafeString("main"),
		})
	}

	// Descriptor set layouts from the declared bindings, grouped by set.
	maxSet := uint8(0)
	for _, b := range config.Bindings {
		if b.Set > maxSet {
			maxSet = b.Set
		}
	}
	setBindings := make([][]vk.DescriptorSetLayoutBinding, maxSet+1)
	for _, b := range config.Bindings {
		dt, err := descriptorType(b.Kind)
		if err != nil {
			cleanup()
			return nil, nil, fmt.Errorf("pipeline '%s' binding '%s': %w", config.Name, b.Name, err)
		}
		setBindings[b.Set] = append(setBindings[b.Set], vk.DescriptorSetLayoutBinding{
			Binding:         uint32(b.Binding),
			DescriptorType:  dt,
			DescriptorCount: descriptorCount(b.Kind),
			StageFlags:      vk.ShaderStageFlags(vk.ShaderStageAllGraphics),
		})
	}

	outPipeline.SetLayouts = make([]vk.DescriptorSetLayout, len(setBindings))
	for set, bindings := range setBindings {
		layoutCreateInfo := vk.DescriptorSetLayoutCreateInfo{
			SType:        vk.StructureTypeDescriptorSetLayoutCreateInfo,
			BindingCount: uint32(len(bindings)),
			PBindings:    bindings,
		}
		if res := vk.CreateDescriptorSetLayout(context.Device.LogicalDevice, &layoutCreateInfo, context.Allocator, &outPipeline.SetLayouts[set]); res != vk.Success {
			cleanup()
			outPipeline.Destroy(context)
			return nil, nil, fmt.Errorf("vkCreateDescriptorSetLayout failed for pipeline '%s'", config.Name)
		}
	}

	if len(config.Bindings) > 0 {
		if err := outPipeline.createDescriptorSets(context, config); err != nil {
			cleanup()
			outPipeline.Destroy(context)
			return nil, nil, err
		}
	}

	// Renderpass from the declared target formats.
	renderPass, err := createPipelineRenderPass(context, config)
	if err != nil {
		cleanup()
		outPipeline.Destroy(context)
		return nil, nil, err
	}
	outPipeline.RenderPass = renderPass

	// Viewport state. Dynamic, so initial values are placeholders.
	viewport := vk.Viewport{
		X:        0.0,
		Y:        float32(context.FramebufferHeight),
		Width:    float32(context.FramebufferWidth),
		Height:   -float32(context.FramebufferHeight),
		MinDepth: 0.0,
		MaxDepth: 1.0,
	}
	scissor := vk.Rect2D{
		Offset: vk.Offset2D{X: 0, Y: 0},
		Extent: vk.Extent2D{Width: context.FramebufferWidth, Height: context.FramebufferHeight},
	}
	viewportState := vk.PipelineViewportStateCreateInfo{
		SType:         vk.StructureTypePipelineViewportStateCreateInfo,
		ViewportCount: 1,
		PViewports:    []vk.Viewport{viewport},
		ScissorCount:  1,
		PScissors:     []vk.Rect2D{scissor},
	}
	viewportState.Deref()

	// Rasterizer
	rasterizerCreateInfo := vk.PipelineRasterizationStateCreateInfo{
		SType:                   vk.StructureTypePipelineRasterizationStateCreateInfo,
		DepthClampEnable:        vk.False,
		RasterizerDiscardEnable: vk.False,
		PolygonMode:             vk.PolygonModeFill,
		LineWidth:               1.0,
		FrontFace:               vk.FrontFaceCounterClockwise,
		DepthBiasEnable:         vk.False,
	}
	switch config.CullMode {
	case metadata.FaceCullModeNone:
		rasterizerCreateInfo.CullMode = vk.CullModeFlags(vk.CullModeNone)
	case metadata.FaceCullModeFront:
		rasterizerCreateInfo.CullMode = vk.CullModeFlags(vk.CullModeFrontBit)
	case metadata.FaceCullModeFrontAndBack:
		rasterizerCreateInfo.CullMode = vk.CullModeFlags(vk.CullModeFrontAndBack)
	default:
		fallthrough
	case metadata.FaceCullModeBack:
		rasterizerCreateInfo.CullMode = vk.CullModeFlags(vk.CullModeBackBit)
	}
	rasterizerCreateInfo.Deref()

	// Multisampling.
	multisamplingCreateInfo := vk.PipelineMultisampleStateCreateInfo{
		SType:                vk.StructureTypePipelineMultisampleStateCreateInfo,
		SampleShadingEnable:  vk.False,
		RasterizationSamples: vk.SampleCount1Bit,
		MinSampleShading:     1.0,
	}
	multisamplingCreateInfo.Deref()

	// Depth and stencil testing.
	depthStencil := vk.PipelineDepthStencilStateCreateInfo{
		SType:             vk.StructureTypePipelineDepthStencilStateCreateInfo,
		DepthTestEnable:   vk.False,
		DepthWriteEnable:  vk.False,
		StencilTestEnable: vk.False,
	}
	if config.DepthTest {
		depthStencil.DepthTestEnable = vk.True
		depthStencil.DepthCompareOp = vk.CompareOpLess
	}
	if config.DepthWrite {
		depthStencil.DepthWriteEnable = vk.True
	}
	depthStencil.Deref()

	colorBlendAttachmentState := vk.PipelineColorBlendAttachmentState{
		BlendEnable: vk.False,
		ColorWriteMask: vk.ColorComponentFlags(vk.ColorComponentRBit) | vk.ColorComponentFlags(vk.ColorComponentGBit) |
			vk.ColorComponentFlags(vk.ColorComponentBBit) | vk.ColorComponentFlags(vk.ColorComponentABit),
	}
	switch config.Blend {
	case metadata.BlendModeAlpha:
		colorBlendAttachmentState.BlendEnable = vk.True
		colorBlendAttachmentState.SrcColorBlendFactor = vk.BlendFactorSrcAlpha
		colorBlendAttachmentState.DstColorBlendFactor = vk.BlendFactorOneMinusSrcAlpha
		colorBlendAttachmentState.ColorBlendOp = vk.BlendOpAdd
		colorBlendAttachmentState.SrcAlphaBlendFactor = vk.BlendFactorSrcAlpha
		colorBlendAttachmentState.DstAlphaBlendFactor = vk.BlendFactorOneMinusSrcAlpha
		colorBlendAttachmentState.AlphaBlendOp = vk.BlendOpAdd
	case metadata.BlendModeAdditive:
		colorBlendAttachmentState.BlendEnable = vk.True
		colorBlendAttachmentState.SrcColorBlendFactor = vk.BlendFactorOne
		colorBlendAttachmentState.DstColorBlendFactor = vk.BlendFactorOne
		colorBlendAttachmentState.ColorBlendOp = vk.BlendOpAdd
		colorBlendAttachmentState.SrcAlphaBlendFactor = vk.BlendFactorOne
		colorBlendAttachmentState.DstAlphaBlendFactor = vk.BlendFactorOne
		colorBlendAttachmentState.AlphaBlendOp = vk.BlendOpAdd
	}
	colorBlendAttachmentState.Deref()

	colorAttachments := make([]vk.PipelineColorBlendAttachmentState, len(config.ColorFormats))
	for i := range colorAttachments {
		colorAttachments[i] = colorBlendAttachmentState
	}

	colorBlendStateCreateInfo := vk.PipelineColorBlendStateCreateInfo{
		SType:           vk.StructureTypePipelineColorBlendStateCreateInfo,
		LogicOpEnable:   vk.False,
		LogicOp:         vk.LogicOpCopy,
		AttachmentCount: uint32(len(colorAttachments)),
		PAttachments:    colorAttachments,
	}
	colorBlendStateCreateInfo.Deref()

	// Dynamic state
	dynamicStates := []vk.DynamicState{
		vk.DynamicStateViewport,
		vk.DynamicStateScissor,
	}
	dynamicStateCreateInfo := vk.PipelineDynamicStateCreateInfo{
		SType:             vk.StructureTypePipelineDynamicStateCreateInfo,
		DynamicStateCount: uint32(len(dynamicStates)),
		PDynamicStates:    dynamicStates,
	}
	dynamicStateCreateInfo.Deref()

	// Vertex input
	bindingDescription := vk.VertexInputBindingDescription{
		Binding:   0,
		Stride:    config.VertexStride,
		InputRate: vk.VertexInputRateVertex,
	}
	bindingDescription.Deref()

	attributes := make([]vk.VertexInputAttributeDescription, len(config.VertexAttributes))
	for i, attr := range config.VertexAttributes {
		attributes[i] = vk.VertexInputAttributeDescription{
			Location: uint32(i),
			Binding:  0,
			Format:   vertexFormat(attr.Format),
			Offset:   attr.Offset,
		}
	}

	vertexInputInfo := vk.PipelineVertexInputStateCreateInfo{
		SType:                           vk.StructureTypePipelineVertexInputStateCreateInfo,
		VertexBindingDescriptionCount:   1,
		PVertexBindingDescriptions:      []vk.VertexInputBindingDescription{bindingDescription},
		VertexAttributeDescriptionCount: uint32(len(attributes)),
		PVertexAttributeDescriptions:    attributes,
	}
	vertexInputInfo.Deref()

	// Input assembly
	inputAssembly := vk.PipelineInputAssemblyStateCreateInfo{
		SType:                  vk.StructureTypePipelineInputAssemblyStateCreateInfo,
		Topology:               vk.PrimitiveTopologyTriangleList,
		PrimitiveRestartEnable: vk.False,
	}
	inputAssembly.Deref()

	// Pipeline layout
	pipelineLayoutCreateInfo := vk.PipelineLayoutCreateInfo{
		SType:          vk.StructureTypePipelineLayoutCreateInfo,
		SetLayoutCount: uint32(len(outPipeline.SetLayouts)),
		PSetLayouts:    outPipeline.SetLayouts,
	}

	// Push constants
	if len(config.PushConstantRanges) > 0 {
		if len(config.PushConstantRanges) > 32 {
			cleanup()
			outPipeline.Destroy(context)
			return nil, nil, fmt.Errorf("cannot have more than 32 push constant ranges. Passed count: %d", len(config.PushConstantRanges))
		}
		ranges := make([]vk.PushConstantRange, len(config.PushConstantRanges))
		for i := range config.PushConstantRanges {
			ranges[i].StageFlags = vk.ShaderStageFlags(vk.ShaderStageVertexBit) | vk.ShaderStageFlags(vk.ShaderStageFragmentBit)
			ranges[i].Offset = uint32(config.PushConstantRanges[i].Offset)
			ranges[i].Size = uint32(config.PushConstantRanges[i].Size)
			ranges[i].Deref()
		}
		pipelineLayoutCreateInfo.PushConstantRangeCount = uint32(len(ranges))
		pipelineLayoutCreateInfo.PPushConstantRanges = ranges
	}
	pipelineLayoutCreateInfo.Deref()

	var pPipelineLayout vk.PipelineLayout
	result := vk.CreatePipelineLayout(context.Device.LogicalDevice, &pipelineLayoutCreateInfo, context.Allocator, &pPipelineLayout)
	if !VulkanResultIsSuccess(result) {
		cleanup()
		outPipeline.Destroy(context)
		return nil, nil, fmt.Errorf("vkCreatePipelineLayout failed for pipeline '%s'", config.Name)
	}
	outPipeline.PipelineLayout = pPipelineLayout

	// Pipeline create
	pipelineCreateInfo := vk.GraphicsPipelineCreateInfo{
		SType:               vk.StructureTypeGraphicsPipelineCreateInfo,
		StageCount:          uint32(len(stages)),
		PStages:             stages,
		PVertexInputState:   &vertexInputInfo,
		PInputAssemblyState: &inputAssembly,
		PViewportState:      &viewportState,
		PRasterizationState: &rasterizerCreateInfo,
		PMultisampleState:   &multisamplingCreateInfo,
		PDepthStencilState:  &depthStencil,
		PColorBlendState:    &colorBlendStateCreateInfo,
		PDynamicState:       &dynamicStateCreateInfo,
		Layout:              outPipeline.PipelineLayout,
		RenderPass:          outPipeline.RenderPass,
		Subpass:             0,
		BasePipelineHandle:  vk.NullPipeline,
		BasePipelineIndex:   -1,
	}
	pipelineCreateInfo.Deref()

	pPipelines := make([]vk.Pipeline, 1)
	result = vk.CreateGraphicsPipelines(
		context.Device.LogicalDevice,
		vk.NullPipelineCache,
		1,
		[]vk.GraphicsPipelineCreateInfo{pipelineCreateInfo},
		context.Allocator,
		pPipelines)
	if !VulkanResultIsSuccess(result) {
		cleanup()
		outPipeline.Destroy(context)
		return nil, nil, fmt.Errorf("vkCreateGraphicsPipelines failed for pipeline '%s'", config.Name)
	}
	outPipeline.Handle = pPipelines[0]

	// The modules are compiled into the pipeline, no longer needed.
	cleanup()

	reflection := &metadata.PipelineReflection{
		PipelineName: config.Name,
		Bindings:     append([]metadata.BindingSlot(nil), config.Bindings...),
	}

	core.LogDebug("Graphics pipeline '%s' created!", config.Name)
	return outPipeline, reflection, nil
}

func (pipeline *VulkanPipeline) createDescriptorSets(context *VulkanContext, config *metadata.PipelineConfig) error {
	// Pool sized for every binding across all frames in flight.
	poolSizes := make([]vk.DescriptorPoolSize, 0, len(config.Bindings))
	for _, b := range config.Bindings {
		dt, err := descriptorType(b.Kind)
		if err != nil {
			return fmt.Errorf("pipeline '%s' binding '%s': %w", config.Name, b.Name, err)
		}
		poolSizes = append(poolSizes, vk.DescriptorPoolSize{
			Type:            dt,
			DescriptorCount: descriptorCount(b.Kind) * uint32(pipeline.FramesInFlight),
		})
	}

	poolCreateInfo := vk.DescriptorPoolCreateInfo{
		SType:         vk.StructureTypeDescriptorPoolCreateInfo,
		PoolSizeCount: uint32(len(poolSizes)),
		PPoolSizes:    poolSizes,
		MaxSets:       uint32(len(pipeline.SetLayouts)) * uint32(pipeline.FramesInFlight),
	}
	if res := vk.CreateDescriptorPool(context.Device.LogicalDevice, &poolCreateInfo, context.Allocator, &pipeline.DescriptorPool); res != vk.Success {
		return fmt.Errorf("vkCreateDescriptorPool failed for pipeline '%s'", config.Name)
	}

	for frame := uint8(0); frame < pipeline.FramesInFlight; frame++ {
		allocateInfo := vk.DescriptorSetAllocateInfo{
			SType:              vk.StructureTypeDescriptorSetAllocateInfo,
			DescriptorPool:     pipeline.DescriptorPool,
			DescriptorSetCount: uint32(len(pipeline.SetLayouts)),
			PSetLayouts:        pipeline.SetLayouts,
		}
		sets := make([]vk.DescriptorSet, len(pipeline.SetLayouts))
		if res := vk.AllocateDescriptorSets(context.Device.LogicalDevice, &allocateInfo, &sets[0]); res != vk.Success {
			return fmt.Errorf("vkAllocateDescriptorSets failed for pipeline '%s'", config.Name)
		}
		pipeline.DescriptorSets[frame] = sets
	}
	return nil
}

// createPipelineRenderPass builds a renderpass matching the declared color
// and depth target formats. Color targets end up shader-readable so
// downstream passes can sample them.
func createPipelineRenderPass(context *VulkanContext, config *metadata.PipelineConfig) (vk.RenderPass, error) {
	attachments := make([]vk.AttachmentDescription, 0, len(config.ColorFormats)+1)
	colorReferences := make([]vk.AttachmentReference, 0, len(config.ColorFormats))

	for _, format := range config.ColorFormats {
		attachment := vk.AttachmentDescription{
			Format:         targetFormat(format, context.Swapchain.ImageFormat.Format),
			Samples:        vk.SampleCount1Bit,
			LoadOp:         vk.AttachmentLoadOpClear,
			StoreOp:        vk.AttachmentStoreOpStore,
			StencilLoadOp:  vk.AttachmentLoadOpDontCare,
			StencilStoreOp: vk.AttachmentStoreOpDontCare,
			InitialLayout:  vk.ImageLayoutUndefined,
			FinalLayout:    vk.ImageLayoutShaderReadOnlyOptimal,
		}
		attachment.Deref()
		colorReferences = append(colorReferences, vk.AttachmentReference{
			Attachment: uint32(len(attachments)),
			Layout:     vk.ImageLayoutColorAttachmentOptimal,
		})
		attachments = append(attachments, attachment)
	}

	subpass := vk.SubpassDescription{
		PipelineBindPoint:    vk.PipelineBindPointGraphics,
		ColorAttachmentCount: uint32(len(colorReferences)),
		PColorAttachments:    colorReferences,
	}

	if config.DepthFormat != metadata.TargetFormatUnknown {
		depthAttachment := vk.AttachmentDescription{
			Format:         targetFormat(config.DepthFormat, context.Device.DepthFormat),
			Samples:        vk.SampleCount1Bit,
			LoadOp:         vk.AttachmentLoadOpClear,
			StoreOp:        vk.AttachmentStoreOpDontCare,
			StencilLoadOp:  vk.AttachmentLoadOpDontCare,
			StencilStoreOp: vk.AttachmentStoreOpDontCare,
			InitialLayout:  vk.ImageLayoutUndefined,
			FinalLayout:    vk.ImageLayoutDepthStencilAttachmentOptimal,
		}
		depthAttachment.Deref()
		depthReference := vk.AttachmentReference{
			Attachment: uint32(len(attachments)),
			Layout:     vk.ImageLayoutDepthStencilAttachmentOptimal,
		}
		depthReference.Deref()
		attachments = append(attachments, depthAttachment)
		subpass.PDepthStencilAttachment = &depthReference
	}
	subpass.Deref()

	dependency := vk.SubpassDependency{
		SrcSubpass:    vk.SubpassExternal,
		DstSubpass:    0,
		SrcStageMask:  vk.PipelineStageFlags(vk.PipelineStageColorAttachmentOutputBit),
		SrcAccessMask: 0,
		DstStageMask:  vk.PipelineStageFlags(vk.PipelineStageColorAttachmentOutputBit),
		DstAccessMask: vk.AccessFlags(vk.AccessColorAttachmentReadBit) | vk.AccessFlags(vk.AccessColorAttachmentWriteBit),
	}
	dependency.Deref()

	renderpassCreateInfo := vk.RenderPassCreateInfo{
		SType:           vk.StructureTypeRenderPassCreateInfo,
		AttachmentCount: uint32(len(attachments)),
		PAttachments:    attachments,
		SubpassCount:    1,
		PSubpasses:      []vk.SubpassDescription{subpass},
		DependencyCount: 1,
		PDependencies:   []vk.SubpassDependency{dependency},
	}
	renderpassCreateInfo.Deref()

	var renderPass vk.RenderPass
	if res := vk.CreateRenderPass(context.Device.LogicalDevice, &renderpassCreateInfo, context.Allocator, &renderPass); res != vk.Success {
		return vk.NullRenderPass, fmt.Errorf("vkCreateRenderPass failed for pipeline '%s'", config.Name)
	}
	return renderPass, nil
}

func (pipeline *VulkanPipeline) Destroy(context *VulkanContext) {
	if pipeline.Handle != vk.NullPipeline {
		vk.DestroyPipeline(context.Device.LogicalDevice, pipeline.Handle, context.Allocator)
		pipeline.Handle = vk.NullPipeline
	}
	if pipeline.PipelineLayout != vk.NullPipelineLayout {
		vk.DestroyPipelineLayout(context.Device.LogicalDevice, pipeline.PipelineLayout, context.Allocator)
		pipeline.PipelineLayout = vk.NullPipelineLayout
	}
	if pipeline.RenderPass != vk.NullRenderPass {
		vk.DestroyRenderPass(context.Device.LogicalDevice, pipeline.RenderPass, context.Allocator)
		pipeline.RenderPass = vk.NullRenderPass
	}
	if pipeline.DescriptorPool != vk.NullDescriptorPool {
		// Frees every set allocated from it as well.
		vk.DestroyDescriptorPool(context.Device.LogicalDevice, pipeline.DescriptorPool, context.Allocator)
		pipeline.DescriptorPool = vk.NullDescriptorPool
	}
	for _, layout := range pipeline.SetLayouts {
		if layout != vk.NullDescriptorSetLayout {
			vk.DestroyDescriptorSetLayout(context.Device.LogicalDevice, layout, context.Allocator)
		}
	}
	pipeline.SetLayouts = nil
}

func (pipeline *VulkanPipeline) Bind(commandBuffer *VulkanCommandBuffer, bindPoint vk.PipelineBindPoint) {
	vk.CmdBindPipeline(commandBuffer.Handle, bindPoint, pipeline.Handle)
}

/**
 * @brief Writes a single descriptor of one frame's binding table.
 */
func (pipeline *VulkanPipeline) DescriptorWrite(context *VulkanContext, frameIndex uint8, slot metadata.BindingSlot, ref metadata.ResourceRef) error {
	if frameIndex >= pipeline.FramesInFlight {
		return fmt.Errorf("frame index %d out of range", frameIndex)
	}
	if int(slot.Set) >= len(pipeline.DescriptorSets[frameIndex]) {
		return fmt.Errorf("descriptor set %d out of range", slot.Set)
	}
	dstSet := pipeline.DescriptorSets[frameIndex][slot.Set]

	dt, err := descriptorType(slot.Kind)
	if err != nil {
		return err
	}

	write := vk.WriteDescriptorSet{
		SType:           vk.StructureTypeWriteDescriptorSet,
		DstSet:          dstSet,
		DstBinding:      uint32(slot.Binding),
		DstArrayElement: 0,
		DescriptorType:  dt,
	}

	switch slot.Kind {
	case metadata.ResourceKindUniformBuffer, metadata.ResourceKindStorageBuffer:
		internal, ok := ref.Buffer.InternalData.(*VulkanBuffer)
		if !ok {
			return fmt.Errorf("buffer '%s' has no GPU allocation", ref.Buffer.Name)
		}
		write.DescriptorCount = 1
		write.PBufferInfo = []vk.DescriptorBufferInfo{{
			Buffer: internal.Handle,
			Offset: 0,
			Range:  vk.DeviceSize(internal.TotalSize),
		}}

	case metadata.ResourceKindStorageBufferArray, metadata.ResourceKindBufferDescriptorArray:
		if uint32(len(ref.Buffers)) > VULKAN_MAX_DESCRIPTOR_ARRAY_LENGTH {
			return fmt.Errorf("descriptor array '%s' exceeds max length %d", slot.Name, VULKAN_MAX_DESCRIPTOR_ARRAY_LENGTH)
		}
		infos := make([]vk.DescriptorBufferInfo, 0, len(ref.Buffers))
		for _, b := range ref.Buffers {
			internal, ok := b.InternalData.(*VulkanBuffer)
			if !ok {
				return fmt.Errorf("buffer '%s' has no GPU allocation", b.Name)
			}
			infos = append(infos, vk.DescriptorBufferInfo{
				Buffer: internal.Handle,
				Offset: 0,
				Range:  vk.DeviceSize(internal.TotalSize),
			})
		}
		write.DescriptorCount = uint32(len(infos))
		write.PBufferInfo = infos

	case metadata.ResourceKindSampledTexture:
		internal, ok := ref.Texture.InternalData.(*VulkanImage)
		if !ok {
			return fmt.Errorf("texture '%s' has no GPU allocation", ref.Texture.Name)
		}
		write.DescriptorCount = 1
		write.PImageInfo = []vk.DescriptorImageInfo{{
			Sampler:     internal.Sampler,
			ImageView:   internal.View,
			ImageLayout: vk.ImageLayoutShaderReadOnlyOptimal,
		}}

	case metadata.ResourceKindTextureArray:
		if uint32(len(ref.TextureArray.Layers)) > VULKAN_MAX_DESCRIPTOR_ARRAY_LENGTH {
			return fmt.Errorf("descriptor array '%s' exceeds max length %d", slot.Name, VULKAN_MAX_DESCRIPTOR_ARRAY_LENGTH)
		}
		infos := make([]vk.DescriptorImageInfo, 0, len(ref.TextureArray.Layers))
		for _, t := range ref.TextureArray.Layers {
			internal, ok := t.InternalData.(*VulkanImage)
			if !ok {
				return fmt.Errorf("texture '%s' has no GPU allocation", t.Name)
			}
			infos = append(infos, vk.DescriptorImageInfo{
				Sampler:     internal.Sampler,
				ImageView:   internal.View,
				ImageLayout: vk.ImageLayoutShaderReadOnlyOptimal,
			})
		}
		write.DescriptorCount = uint32(len(infos))
		write.PImageInfo = infos

	default:
		return fmt.Errorf("resource kind %s: %w", slot.Kind.String(), core.ErrUnsupported)
	}
	write.Deref()

	vk.UpdateDescriptorSets(context.Device.LogicalDevice, 1, []vk.WriteDescriptorSet{write}, 0, nil)
	return nil
}
