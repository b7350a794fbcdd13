package swapchain

// SubImageRect is the portion of a swapchain image a composition layer
// samples from, mirroring XrRectangleSubImage's offset+extent.
type SubImageRect struct {
	OffsetX, OffsetY uint32
	Width, Height    uint32
}

// ValidateSubImageRect checks that rect fits entirely inside a swapchain of
// the given dimensions. The application-layer function-call handler for
// xrEndFrame calls this before trusting a layer's sub-image against the
// swapchain it names; out of scope here is parsing the layer structure
// itself (that belongs to the generated per-function marshalling spec.md
// §1 excludes), only the geometry check SM itself is positioned to make.
func ValidateSubImageRect(swapchainWidth, swapchainHeight uint32, rect SubImageRect) error {
	if rect.Width == 0 || rect.Height == 0 {
		return ErrRectInvalid
	}
	if rect.OffsetX+rect.Width > swapchainWidth || rect.OffsetY+rect.Height > swapchainHeight {
		return ErrRectInvalid
	}
	return nil
}

// ValidateLayerSwapchain checks the two structural requirements common to
// every composition layer type before it is submitted to the runtime: the
// referenced swapchain must exist on this side, and the sub-image rect
// passed alongside it must fit the swapchain it names.
func ValidateLayerSwapchain(sc *ClientSwapchain, rect SubImageRect) error {
	if sc == nil {
		return ErrLayerInvalid
	}
	return ValidateSubImageRect(sc.Width, sc.Height, rect)
}
