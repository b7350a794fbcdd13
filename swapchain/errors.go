package swapchain

import "errors"

var (
	// ErrCallOrderInvalid is returned when acquire/wait/release is called
	// out of the ring's required sequence.
	ErrCallOrderInvalid = errors.New("swapchain: acquire/wait/release called out of order")

	// ErrTimeout is returned by WaitImage when the underlying fence does
	// not signal within the caller's timeout.
	ErrTimeout = errors.New("swapchain: wait_image timed out")

	// ErrRectInvalid is returned when the application submits a layer
	// whose sub-image rectangle does not fit the swapchain's dimensions.
	ErrRectInvalid = errors.New("swapchain: sub-image rect exceeds swapchain bounds")

	// ErrLayerInvalid is returned for a structurally invalid composition
	// layer (unsupported type, zero extent, dangling swapchain reference).
	ErrLayerInvalid = errors.New("swapchain: invalid composition layer")

	// ErrImportFailed is returned when importing a handle triple (shared
	// memory or a semaphore) fails on either peer. Fatal to the swapchain
	// that failed to import, not to the owning session.
	ErrImportFailed = errors.New("swapchain: handle import failed")
)
