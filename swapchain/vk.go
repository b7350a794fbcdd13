package swapchain

import (
	"fmt"
	"time"
	"unsafe"

	vk "github.com/vulkan-go/vulkan"

	"github.com/xrbridge/xrbridge/hx"
)

// GPU is the seam between the ring-buffer bookkeeping in client.go/server.go
// and the actual Vulkan calls. Production code uses vkGPU; tests substitute
// fakeGPU so the acquire/wait/release state machine can be exercised without
// a device.
type GPU interface {
	CreateImage(width, height uint32, format vk.Format, usage vk.ImageUsageFlags) (vk.Image, error)
	DestroyImage(vk.Image)

	// AllocateExportableMemory binds dedicated, exportable memory to image
	// and returns an OS handle the peer process can import.
	AllocateExportableMemory(image vk.Image) (vk.DeviceMemory, hx.Handle, uint64, uint32, error)
	ImportMemory(image vk.Image, size uint64, typeIndex uint32, h hx.Handle) (vk.DeviceMemory, error)
	FreeMemory(vk.DeviceMemory)

	CreateExportableSemaphore() (vk.Semaphore, hx.Handle, error)
	ImportSemaphore(h hx.Handle) (vk.Semaphore, error)
	DestroySemaphore(vk.Semaphore)

	CreateFence(signaled bool) (vk.Fence, error)
	ResetFence(vk.Fence) error
	WaitFence(f vk.Fence, timeout time.Duration) error
	DestroyFence(vk.Fence)

	AllocateCommandBuffer() (vk.CommandBuffer, error)
	FreeCommandBuffer(vk.CommandBuffer)

	// RecordAcquireCmd transitions image from UNDEFINED/external queue
	// family ownership into the layout the application will render into.
	RecordAcquireCmd(cmd vk.CommandBuffer, image vk.Image) error
	// RecordReleaseCmd transitions image back to the external queue family
	// so the server's copy pass may safely sample it.
	RecordReleaseCmd(cmd vk.CommandBuffer, image vk.Image) error
	// RecordCopyCmd records the image copy from src (the client's released
	// image) into dst (the runtime's acquired image) of the first mip level
	// and layer, with both images in GENERAL layout. vkGPU records the copy
	// alone: no queue-family ownership acquire for src and no layout
	// transitions for dst are recorded around it.
	RecordCopyCmd(cmd vk.CommandBuffer, src, dst vk.Image, width, height uint32) error

	Submit(queue vk.Queue, cmd vk.CommandBuffer, wait []vk.Semaphore, waitStages []vk.PipelineStageFlags, signal []vk.Semaphore, fence vk.Fence) error
}

func defaultFormat(t ImageType) vk.Format {
	if t == DepthStencil {
		return vk.FormatD32Sfloat
	}
	return vk.FormatR8g8b8a8Unorm
}

// vkGPU is the production GPU backed by a real Vulkan device and queue
// family; it is constructed once per process and shared by every session's
// swapchains.
type vkGPU struct {
	device          vk.Device
	physicalDevice  vk.PhysicalDevice
	cmdPool         vk.CommandPool
	externalFamily  uint32
}

// NewDeviceGPU wraps an already-created device, taking ownership only of
// what it allocates and borrowing everything handed in by the caller: the
// graphics binding is supplied by the application, never created by this
// layer.
func NewDeviceGPU(device vk.Device, physicalDevice vk.PhysicalDevice, cmdPool vk.CommandPool, externalFamily uint32) GPU {
	return &vkGPU{device: device, physicalDevice: physicalDevice, cmdPool: cmdPool, externalFamily: externalFamily}
}

func (g *vkGPU) CreateImage(width, height uint32, format vk.Format, usage vk.ImageUsageFlags) (vk.Image, error) {
	info := vk.ImageCreateInfo{
		SType:     vk.StructureTypeImageCreateInfo,
		ImageType: vk.ImageType2d,
		Format:    format,
		Extent: vk.Extent3D{
			Width: width, Height: height, Depth: 1,
		},
		MipLevels:   1,
		ArrayLayers: 1,
		Samples:     vk.SampleCount1Bit,
		Tiling:      vk.ImageTilingOptimal,
		Usage:       usage,
		SharingMode: vk.SharingModeExclusive,
		InitialLayout: vk.ImageLayoutUndefined,
	}
	var image vk.Image
	if ret := vk.CreateImage(g.device, &info, nil, &image); ret != vk.Success {
		return nil, fmt.Errorf("swapchain: vkCreateImage failed: %d", ret)
	}
	return image, nil
}

func (g *vkGPU) DestroyImage(image vk.Image) {
	vk.DestroyImage(g.device, image, nil)
}

func (g *vkGPU) AllocateExportableMemory(image vk.Image) (vk.DeviceMemory, hx.Handle, uint64, uint32, error) {
	var req vk.MemoryRequirements
	vk.GetImageMemoryRequirements(g.device, image, &req)
	req.Deref()

	typeIndex, err := g.memoryTypeIndex(req.MemoryTypeBits, vk.MemoryPropertyDeviceLocalBit)
	if err != nil {
		return nil, 0, 0, 0, err
	}

	exportInfo := vk.ExportMemoryAllocateInfo{
		SType:      vk.StructureTypeExportMemoryAllocateInfo,
		HandleTypes: vk.ExternalMemoryHandleTypeOpaqueFdBit,
	}
	dedicated := vk.MemoryDedicatedAllocateInfo{
		SType: vk.StructureTypeMemoryDedicatedAllocateInfo,
		Image: image,
		PNext: (*uintptr)(unsafe.Pointer(&exportInfo)),
	}
	allocInfo := vk.MemoryAllocateInfo{
		SType:           vk.StructureTypeMemoryAllocateInfo,
		AllocationSize:  req.Size,
		MemoryTypeIndex: typeIndex,
		PNext:           (*uintptr)(unsafe.Pointer(&dedicated)),
	}
	var mem vk.DeviceMemory
	if ret := vk.AllocateMemory(g.device, &allocInfo, nil, &mem); ret != vk.Success {
		return nil, 0, 0, 0, fmt.Errorf("swapchain: vkAllocateMemory failed: %d", ret)
	}
	if ret := vk.BindImageMemory(g.device, image, mem, 0); ret != vk.Success {
		return nil, 0, 0, 0, fmt.Errorf("swapchain: vkBindImageMemory failed: %d", ret)
	}

	getFdInfo := vk.MemoryGetFdInfoKHR{
		SType:      vk.StructureTypeMemoryGetFdInfoKhr,
		Memory:     mem,
		HandleType: vk.ExternalMemoryHandleTypeOpaqueFdBit,
	}
	var fd int32
	if ret := vk.GetMemoryFdKHR(g.device, &getFdInfo, &fd); ret != vk.Success {
		vk.FreeMemory(g.device, mem, nil)
		return nil, 0, 0, 0, fmt.Errorf("swapchain: vkGetMemoryFdKHR failed: %d", ret)
	}
	return mem, hx.Handle(fd), req.Size, typeIndex, nil
}

func (g *vkGPU) ImportMemory(image vk.Image, size uint64, typeIndex uint32, h hx.Handle) (vk.DeviceMemory, error) {
	importInfo := vk.ImportMemoryFdInfoKHR{
		SType:      vk.StructureTypeImportMemoryFdInfoKhr,
		HandleType: vk.ExternalMemoryHandleTypeOpaqueFdBit,
		Fd:         int32(h),
	}
	allocInfo := vk.MemoryAllocateInfo{
		SType:           vk.StructureTypeMemoryAllocateInfo,
		AllocationSize:  size,
		MemoryTypeIndex: typeIndex,
		PNext:           (*uintptr)(unsafe.Pointer(&importInfo)),
	}
	var mem vk.DeviceMemory
	if ret := vk.AllocateMemory(g.device, &allocInfo, nil, &mem); ret != vk.Success {
		return nil, fmt.Errorf("swapchain: import vkAllocateMemory failed: %d", ret)
	}
	if ret := vk.BindImageMemory(g.device, image, mem, 0); ret != vk.Success {
		return nil, fmt.Errorf("swapchain: import vkBindImageMemory failed: %d", ret)
	}
	return mem, nil
}

func (g *vkGPU) FreeMemory(mem vk.DeviceMemory) {
	vk.FreeMemory(g.device, mem, nil)
}

func (g *vkGPU) CreateExportableSemaphore() (vk.Semaphore, hx.Handle, error) {
	exportInfo := vk.ExportSemaphoreCreateInfo{
		SType:       vk.StructureTypeExportSemaphoreCreateInfo,
		HandleTypes: vk.ExternalSemaphoreHandleTypeOpaqueFdBit,
	}
	info := vk.SemaphoreCreateInfo{
		SType: vk.StructureTypeSemaphoreCreateInfo,
		PNext: (*uintptr)(unsafe.Pointer(&exportInfo)),
	}
	var sem vk.Semaphore
	if ret := vk.CreateSemaphore(g.device, &info, nil, &sem); ret != vk.Success {
		return nil, 0, fmt.Errorf("swapchain: vkCreateSemaphore failed: %d", ret)
	}
	getFdInfo := vk.SemaphoreGetFdInfoKHR{
		SType:      vk.StructureTypeSemaphoreGetFdInfoKhr,
		Semaphore:  sem,
		HandleType: vk.ExternalSemaphoreHandleTypeOpaqueFdBit,
	}
	var fd int32
	if ret := vk.GetSemaphoreFdKHR(g.device, &getFdInfo, &fd); ret != vk.Success {
		vk.DestroySemaphore(g.device, sem, nil)
		return nil, 0, fmt.Errorf("swapchain: vkGetSemaphoreFdKHR failed: %d", ret)
	}
	return sem, hx.Handle(fd), nil
}

func (g *vkGPU) ImportSemaphore(h hx.Handle) (vk.Semaphore, error) {
	info := vk.SemaphoreCreateInfo{SType: vk.StructureTypeSemaphoreCreateInfo}
	var sem vk.Semaphore
	if ret := vk.CreateSemaphore(g.device, &info, nil, &sem); ret != vk.Success {
		return nil, fmt.Errorf("swapchain: vkCreateSemaphore (import target) failed: %d", ret)
	}
	importInfo := vk.ImportSemaphoreFdInfoKHR{
		SType:      vk.StructureTypeImportSemaphoreFdInfoKhr,
		Semaphore:  sem,
		HandleType: vk.ExternalSemaphoreHandleTypeOpaqueFdBit,
		Fd:         int32(h),
	}
	if ret := vk.ImportSemaphoreFdKHR(g.device, &importInfo); ret != vk.Success {
		vk.DestroySemaphore(g.device, sem, nil)
		return nil, fmt.Errorf("swapchain: vkImportSemaphoreFdKHR failed: %d", ret)
	}
	return sem, nil
}

func (g *vkGPU) DestroySemaphore(sem vk.Semaphore) {
	vk.DestroySemaphore(g.device, sem, nil)
}

func (g *vkGPU) CreateFence(signaled bool) (vk.Fence, error) {
	var flags vk.FenceCreateFlags
	if signaled {
		flags = vk.FenceCreateSignaledBit
	}
	info := vk.FenceCreateInfo{SType: vk.StructureTypeFenceCreateInfo, Flags: flags}
	var f vk.Fence
	if ret := vk.CreateFence(g.device, &info, nil, &f); ret != vk.Success {
		return nil, fmt.Errorf("swapchain: vkCreateFence failed: %d", ret)
	}
	return f, nil
}

func (g *vkGPU) ResetFence(f vk.Fence) error {
	fences := []vk.Fence{f}
	if ret := vk.ResetFences(g.device, 1, fences); ret != vk.Success {
		return fmt.Errorf("swapchain: vkResetFences failed: %d", ret)
	}
	return nil
}

func (g *vkGPU) WaitFence(f vk.Fence, timeout time.Duration) error {
	fences := []vk.Fence{f}
	ret := vk.WaitForFences(g.device, 1, fences, vk.True, uint64(timeout.Nanoseconds()))
	switch ret {
	case vk.Success:
		return nil
	case vk.Timeout:
		return ErrTimeout
	default:
		return fmt.Errorf("swapchain: vkWaitForFences failed: %d", ret)
	}
}

func (g *vkGPU) DestroyFence(f vk.Fence) {
	vk.DestroyFence(g.device, f, nil)
}

func (g *vkGPU) AllocateCommandBuffer() (vk.CommandBuffer, error) {
	info := vk.CommandBufferAllocateInfo{
		SType:              vk.StructureTypeCommandBufferAllocateInfo,
		CommandPool:        g.cmdPool,
		Level:              vk.CommandBufferLevelPrimary,
		CommandBufferCount: 1,
	}
	cmds := make([]vk.CommandBuffer, 1)
	if ret := vk.AllocateCommandBuffers(g.device, &info, cmds); ret != vk.Success {
		return nil, fmt.Errorf("swapchain: vkAllocateCommandBuffers failed: %d", ret)
	}
	return cmds[0], nil
}

func (g *vkGPU) FreeCommandBuffer(cmd vk.CommandBuffer) {
	cmds := []vk.CommandBuffer{cmd}
	vk.FreeCommandBuffers(g.device, g.cmdPool, 1, cmds)
}

func (g *vkGPU) RecordAcquireCmd(cmd vk.CommandBuffer, image vk.Image) error {
	return recordBarrier(cmd, image, vk.QueueFamilyExternal, g.externalFamily, vk.ImageLayoutUndefined, vk.ImageLayoutGeneral)
}

func (g *vkGPU) RecordReleaseCmd(cmd vk.CommandBuffer, image vk.Image) error {
	return recordBarrier(cmd, image, g.externalFamily, vk.QueueFamilyExternal, vk.ImageLayoutGeneral, vk.ImageLayoutGeneral)
}

func (g *vkGPU) RecordCopyCmd(cmd vk.CommandBuffer, src, dst vk.Image, width, height uint32) error {
	beginInfo := vk.CommandBufferBeginInfo{SType: vk.StructureTypeCommandBufferBeginInfo}
	if ret := vk.BeginCommandBuffer(cmd, &beginInfo); ret != vk.Success {
		return fmt.Errorf("swapchain: vkBeginCommandBuffer failed: %d", ret)
	}
	region := vk.ImageCopy{
		SrcSubresource: vk.ImageSubresourceLayers{AspectMask: vk.ImageAspectFlags(vk.ImageAspectColorBit), LayerCount: 1},
		DstSubresource: vk.ImageSubresourceLayers{AspectMask: vk.ImageAspectFlags(vk.ImageAspectColorBit), LayerCount: 1},
		Extent:         vk.Extent3D{Width: width, Height: height, Depth: 1},
	}
	vk.CmdCopyImage(cmd, src, vk.ImageLayoutGeneral, dst, vk.ImageLayoutGeneral, 1, []vk.ImageCopy{region})
	if ret := vk.EndCommandBuffer(cmd); ret != vk.Success {
		return fmt.Errorf("swapchain: vkEndCommandBuffer failed: %d", ret)
	}
	return nil
}

func (g *vkGPU) Submit(queue vk.Queue, cmd vk.CommandBuffer, wait []vk.Semaphore, waitStages []vk.PipelineStageFlags, signal []vk.Semaphore, fence vk.Fence) error {
	info := vk.SubmitInfo{
		SType:                vk.StructureTypeSubmitInfo,
		WaitSemaphoreCount:   uint32(len(wait)),
		PWaitSemaphores:      wait,
		PWaitDstStageMask:    waitStages,
		CommandBufferCount:   1,
		PCommandBuffers:      []vk.CommandBuffer{cmd},
		SignalSemaphoreCount: uint32(len(signal)),
		PSignalSemaphores:    signal,
	}
	if ret := vk.QueueSubmit(queue, 1, []vk.SubmitInfo{info}, fence); ret != vk.Success {
		return fmt.Errorf("swapchain: vkQueueSubmit failed: %d", ret)
	}
	return nil
}

func (g *vkGPU) memoryTypeIndex(typeBits uint32, props vk.MemoryPropertyFlags) (uint32, error) {
	var memProps vk.PhysicalDeviceMemoryProperties
	vk.GetPhysicalDeviceMemoryProperties(g.physicalDevice, &memProps)
	memProps.Deref()
	for i := uint32(0); i < memProps.MemoryTypeCount; i++ {
		memProps.MemoryTypes[i].Deref()
		if typeBits&(1<<i) == 0 {
			continue
		}
		if memProps.MemoryTypes[i].PropertyFlags&props == props {
			return i, nil
		}
	}
	return 0, fmt.Errorf("swapchain: no memory type satisfies flags %d", props)
}

func recordBarrier(cmd vk.CommandBuffer, image vk.Image, srcFamily, dstFamily uint32, oldLayout, newLayout vk.ImageLayout) error {
	beginInfo := vk.CommandBufferBeginInfo{SType: vk.StructureTypeCommandBufferBeginInfo}
	if ret := vk.BeginCommandBuffer(cmd, &beginInfo); ret != vk.Success {
		return fmt.Errorf("swapchain: vkBeginCommandBuffer failed: %d", ret)
	}
	barrier := vk.ImageMemoryBarrier{
		SType:               vk.StructureTypeImageMemoryBarrier,
		OldLayout:           oldLayout,
		NewLayout:           newLayout,
		SrcQueueFamilyIndex: srcFamily,
		DstQueueFamilyIndex: dstFamily,
		Image:               image,
		SubresourceRange: vk.ImageSubresourceRange{
			AspectMask: vk.ImageAspectFlags(vk.ImageAspectColorBit),
			LevelCount: 1,
			LayerCount: 1,
		},
	}
	vk.CmdPipelineBarrier(cmd, vk.PipelineStageFlags(vk.PipelineStageTopOfPipeBit), vk.PipelineStageFlags(vk.PipelineStageBottomOfPipeBit),
		0, 0, nil, 0, nil, 1, []vk.ImageMemoryBarrier{barrier})
	if ret := vk.EndCommandBuffer(cmd); ret != vk.Success {
		return fmt.Errorf("swapchain: vkEndCommandBuffer failed: %d", ret)
	}
	return nil
}
