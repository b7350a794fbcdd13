package swapchain

// Header codes the Swapchain Mirror registers on top of a Transport, in
// the 100-111 range reserved above transport.CustomBase. Only six are
// needed by the three operations that cross the wire (create, destroy,
// release); acquire and wait are client-local Vulkan operations with no
// wire message of their own.
const (
	headerBase = 100

	CreateSwapchain        uint16 = headerBase + 0 // 100
	CreateSwapchainReturn  uint16 = headerBase + 1 // 101
	DestroySwapchain       uint16 = headerBase + 2 // 102
	DestroySwapchainReturn uint16 = headerBase + 3 // 103
	ReleaseImage           uint16 = headerBase + 4 // 104
	ReleaseImageReturn     uint16 = headerBase + 5 // 105
)
