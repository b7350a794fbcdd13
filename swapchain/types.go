// Package swapchain implements the Swapchain Mirror: per-swapchain GPU
// state kept consistent on both peers, with a three-phase
// acquire/wait/release cycle on the client and a copy pass on the server
// that moves released client images into the runtime's acquired images.
// It layers directly on transport.Transport (for the create/destroy/
// release-image exchanges) and hx.Channel (for the shared memory and
// semaphore handles that cannot travel the byte stream efficiently).
/*
 * Copyright (c) 2024, the xrbridge authors.
 */
package swapchain

import (
	"sync"

	vk "github.com/vulkan-go/vulkan"

	"github.com/xrbridge/xrbridge/hx"
)

// ImageType mirrors the OpenXR swapchain usage this mirror supports.
type ImageType int

const (
	Color ImageType = iota
	DepthStencil
)

// CreateInfo is the application-provided swapchain request. Fields beyond
// width/height/image_type/is_static are the minimum Vulkan needs to
// actually create an image; Format defaults per ImageType when zero (see
// defaultFormat in vk.go).
type CreateInfo struct {
	Width, Height uint32
	ImageType     ImageType
	IsStatic      bool
	Format        vk.Format
}

// ClientImage is one ring slot's client-visible GPU state.
type ClientImage struct {
	Image           vk.Image
	Memory          vk.DeviceMemory
	RenderingDone   vk.Semaphore
	CopyingDone     vk.Semaphore
	CopyingDoneFence vk.Fence
	AcquireCmd      vk.CommandBuffer
	ReleaseCmd      vk.CommandBuffer
	HasBeenAcquired bool
}

// ServerImage is one ring slot's server-owned GPU state.
type ServerImage struct {
	Image         vk.Image
	Memory        vk.DeviceMemory
	RenderingDone vk.Semaphore
	CopyingDone   vk.Semaphore
	Fence         vk.Fence
	CmdBuffer     vk.CommandBuffer

	// exportMem/exportRender/exportCopy are the OS handles handed to the
	// client over HX once, at creation; the server has no further use for
	// them once sent.
	exportMem    hx.Handle
	exportRender hx.Handle
	exportCopy   hx.Handle
}

// ClientSwapchain is the client-side mirror of one swapchain: the ring of
// images plus the three cursors acquire_head, wait_head and release_head.
type ClientSwapchain struct {
	mu sync.Mutex

	ID            uint64
	ParentSession string
	Width, Height uint32
	ImageType     ImageType
	IsStatic      bool

	Queue vk.Queue
	gpu   GPU

	Images                             []ClientImage
	acquireHead, waitHead, releaseHead uint32
	numAcquired                        uint32

	tx    txSender
	stats StatsHook
}

// ServerSwapchain is the server-side mirror: per-image completion fences
// and the copy command buffer the RELEASE_IMAGE handler records.
type ServerSwapchain struct {
	mu sync.Mutex

	ID            uint64
	ParentSession string
	Width, Height uint32
	ImageType     ImageType

	Queue            vk.Queue
	RuntimeSwapchain uint64 // the real runtime's swapchain handle

	Images []ServerImage
	gpu    GPU
}

func ringSize(images []ClientImage) uint32 { return uint32(len(images)) }
