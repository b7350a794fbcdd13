package swapchain

import (
	"sync"
	"sync/atomic"
	"time"

	vk "github.com/vulkan-go/vulkan"

	"github.com/xrbridge/xrbridge/cmn/nlog"
	"github.com/xrbridge/xrbridge/hx"
	"github.com/xrbridge/xrbridge/transport"
)

// DefaultRingSize is the number of images the server allocates per
// swapchain. Triple buffering gives the copy pass a full frame of slack
// between a client's release and the server's next acquire without the
// client ever blocking on a slot the copy pass hasn't drained yet.
const DefaultRingSize = 3

// Backend is the narrow slice of the real XR runtime's swapchain entry
// points the server side needs to drive on the application's behalf. The
// runtime's full function dispatch table lives elsewhere; this is the one
// corner of it the Swapchain Mirror must call straight through to.
type Backend interface {
	CreateSwapchain(sessionID string, width, height uint32, format vk.Format, usage uint32) (handle uint64, err error)
	DestroySwapchain(handle uint64) error
	AcquireSwapchainImage(handle uint64) (index uint32, err error)
	WaitSwapchainImage(handle uint64, timeout time.Duration) error
	ReleaseSwapchainImage(handle uint64) error
	RuntimeImage(handle uint64, index uint32) (vk.Image, error)
}

// Server hosts every swapchain mirrored to one peer, dispatching the three
// wire operations (create/release/destroy) registered against tx.
type Server struct {
	tx      txSender
	hxChan  hx.Channel
	gpu     GPU
	backend Backend
	queue   vk.Queue

	mu         sync.Mutex
	swapchains map[uint64]*ServerSwapchain
	nextID     uint64
}

// NewServer registers the Swapchain Mirror's handlers against tx and
// returns the server ready to service CREATE_SWAPCHAIN/RELEASE_IMAGE/
// DESTROY_SWAPCHAIN as they arrive.
func NewServer(tx txSender, hxChan hx.Channel, gpu GPU, backend Backend, queue vk.Queue) *Server {
	s := &Server{
		tx:         tx,
		hxChan:     hxChan,
		gpu:        gpu,
		backend:    backend,
		queue:      queue,
		swapchains: make(map[uint64]*ServerSwapchain),
	}
	tx.RegisterHandler(CreateSwapchain, s.handleCreateSwapchain)
	tx.RegisterHandler(ReleaseImage, s.handleReleaseImage)
	tx.RegisterHandler(DestroySwapchain, s.handleDestroySwapchain)
	return s
}

func (s *Server) handleCreateSwapchain(in *transport.MessageLockIn) {
	req, err := decodeCreateSwapchainRequest(in)
	in.Close()
	if err != nil {
		nlog.Warningf("swapchain: malformed create_swapchain request: %v", err)
		return
	}

	resp, sc := s.createSwapchain(req)
	out, err := s.tx.StartMessage(CreateSwapchainReturn)
	if err != nil {
		nlog.Warningf("swapchain: failed to start create_swapchain_return: %v", err)
		return
	}
	if err := resp.encode(out); err != nil {
		out.Close()
		nlog.Warningf("swapchain: failed to encode create_swapchain_return: %v", err)
		return
	}
	if err := out.Close(); err != nil {
		nlog.Warningf("swapchain: failed to flush create_swapchain_return: %v", err)
		return
	}
	if sc == nil {
		return
	}

	for i := range sc.Images {
		img := &sc.Images[i]
		if err := s.hxChan.Send(img.exportMem); err != nil {
			nlog.Warningf("swapchain: hx send memory handle failed: %v", err)
			return
		}
		if err := s.hxChan.Send(img.exportRender); err != nil {
			nlog.Warningf("swapchain: hx send render semaphore handle failed: %v", err)
			return
		}
		if err := s.hxChan.Send(img.exportCopy); err != nil {
			nlog.Warningf("swapchain: hx send copy semaphore handle failed: %v", err)
			return
		}
	}
}

func (s *Server) createSwapchain(req createSwapchainRequest) (createSwapchainResponse, *ServerSwapchain) {
	format := defaultFormat(ImageType(req.ImageType))
	usage := uint32(vk.ImageUsageTransferDstBit | vk.ImageUsageTransferSrcBit | vk.ImageUsageColorAttachmentBit)

	runtimeHandle, err := s.backend.CreateSwapchain(req.SessionID, req.Width, req.Height, format, usage)
	if err != nil {
		nlog.Warningf("swapchain: backend create_swapchain failed: %v", err)
		return createSwapchainResponse{Result: -1}, nil
	}

	count := DefaultRingSize
	if req.IsStatic {
		count = 1
	}

	sc := &ServerSwapchain{
		ParentSession:    req.SessionID,
		Width:            req.Width,
		Height:           req.Height,
		ImageType:        ImageType(req.ImageType),
		Queue:            s.queue,
		RuntimeSwapchain: runtimeHandle,
		gpu:              s.gpu,
		Images:           make([]ServerImage, count),
	}

	var memSize uint64
	var memType uint32
	usageFlags := vk.ImageUsageFlags(usage)
	for i := 0; i < count; i++ {
		image, err := s.gpu.CreateImage(req.Width, req.Height, format, usageFlags)
		if err != nil {
			s.teardownPartial(sc, i)
			_ = s.backend.DestroySwapchain(runtimeHandle)
			return createSwapchainResponse{Result: -1}, nil
		}
		mem, fd, size, typeIdx, err := s.gpu.AllocateExportableMemory(image)
		if err != nil {
			s.gpu.DestroyImage(image)
			s.teardownPartial(sc, i)
			_ = s.backend.DestroySwapchain(runtimeHandle)
			return createSwapchainResponse{Result: -1}, nil
		}
		memSize, memType = size, typeIdx

		renderSem, renderFd, err := s.gpu.CreateExportableSemaphore()
		if err != nil {
			s.gpu.FreeMemory(mem)
			s.gpu.DestroyImage(image)
			s.teardownPartial(sc, i)
			_ = s.backend.DestroySwapchain(runtimeHandle)
			return createSwapchainResponse{Result: -1}, nil
		}
		copySem, copyFd, err := s.gpu.CreateExportableSemaphore()
		if err != nil {
			s.gpu.DestroySemaphore(renderSem)
			s.gpu.FreeMemory(mem)
			s.gpu.DestroyImage(image)
			s.teardownPartial(sc, i)
			_ = s.backend.DestroySwapchain(runtimeHandle)
			return createSwapchainResponse{Result: -1}, nil
		}
		// Signaled at creation so the first release's safety wait (see
		// releaseImage) does not block on a fence nothing has submitted yet.
		fence, err := s.gpu.CreateFence(true)
		if err != nil {
			s.gpu.DestroySemaphore(copySem)
			s.gpu.DestroySemaphore(renderSem)
			s.gpu.FreeMemory(mem)
			s.gpu.DestroyImage(image)
			s.teardownPartial(sc, i)
			_ = s.backend.DestroySwapchain(runtimeHandle)
			return createSwapchainResponse{Result: -1}, nil
		}
		cmd, err := s.gpu.AllocateCommandBuffer()
		if err != nil {
			s.gpu.DestroyFence(fence)
			s.gpu.DestroySemaphore(copySem)
			s.gpu.DestroySemaphore(renderSem)
			s.gpu.FreeMemory(mem)
			s.gpu.DestroyImage(image)
			s.teardownPartial(sc, i)
			_ = s.backend.DestroySwapchain(runtimeHandle)
			return createSwapchainResponse{Result: -1}, nil
		}

		sc.Images[i] = ServerImage{
			Image:         image,
			Memory:        mem,
			RenderingDone: renderSem,
			CopyingDone:   copySem,
			Fence:         fence,
			CmdBuffer:     cmd,
			exportMem:     fd,
			exportRender:  renderFd,
			exportCopy:    copyFd,
		}
	}

	sc.ID = atomic.AddUint64(&s.nextID, 1)
	s.mu.Lock()
	s.swapchains[sc.ID] = sc
	s.mu.Unlock()

	return createSwapchainResponse{
		Result:        0,
		SwapchainID:   sc.ID,
		Count:         uint32(count),
		MemorySize:    memSize,
		MemoryTypeIdx: memType,
	}, sc
}

// teardownPartial frees the first n already-allocated images of a
// swapchain whose creation failed partway through.
func (s *Server) teardownPartial(sc *ServerSwapchain, n int) {
	for i := 0; i < n; i++ {
		img := sc.Images[i]
		s.gpu.FreeCommandBuffer(img.CmdBuffer)
		s.gpu.DestroyFence(img.Fence)
		s.gpu.DestroySemaphore(img.CopyingDone)
		s.gpu.DestroySemaphore(img.RenderingDone)
		s.gpu.FreeMemory(img.Memory)
		s.gpu.DestroyImage(img.Image)
	}
}

// handleReleaseImage implements the server's copy pass: acquire the
// runtime's own swapchain image, submit the copy of the client's released
// image into it, then wait on and release it back to the runtime.
func (s *Server) handleReleaseImage(in *transport.MessageLockIn) {
	req, err := decodeReleaseImageRequest(in)
	in.Close()
	if err != nil {
		nlog.Warningf("swapchain: malformed release_image request: %v", err)
		return
	}

	result := s.releaseImage(req)

	out, err := s.tx.StartMessage(ReleaseImageReturn)
	if err != nil {
		nlog.Warningf("swapchain: failed to start release_image_return: %v", err)
		return
	}
	resp := releaseImageResponse{Result: result}
	if err := resp.encode(out); err != nil {
		out.Close()
		return
	}
	out.Close()
}

func (s *Server) releaseImage(req releaseImageRequest) int32 {
	s.mu.Lock()
	sc, ok := s.swapchains[req.SwapchainID]
	s.mu.Unlock()
	if !ok {
		return -1
	}

	sc.mu.Lock()
	if int(req.ImageIndex) >= len(sc.Images) {
		sc.mu.Unlock()
		return -1
	}
	img := sc.Images[req.ImageIndex]
	sc.mu.Unlock()

	runtimeIdx, err := s.backend.AcquireSwapchainImage(sc.RuntimeSwapchain)
	if err != nil {
		nlog.Warningf("swapchain: backend acquire_swapchain_image failed: %v", err)
		return -1
	}

	// Safety net against a misbehaving client that releases the same slot
	// again before the previous copy into it has actually finished.
	if err := s.gpu.WaitFence(img.Fence, 1*time.Second); err != nil {
		nlog.Warningf("swapchain: copy pass fence wait failed: %v", err)
		return -1
	}
	if err := s.gpu.ResetFence(img.Fence); err != nil {
		nlog.Warningf("swapchain: copy pass fence reset failed: %v", err)
		return -1
	}

	runtimeImage, err := s.backend.RuntimeImage(sc.RuntimeSwapchain, runtimeIdx)
	if err != nil {
		nlog.Warningf("swapchain: backend runtime_image failed: %v", err)
		return -1
	}

	if err := s.gpu.RecordCopyCmd(img.CmdBuffer, img.Image, runtimeImage, sc.Width, sc.Height); err != nil {
		nlog.Warningf("swapchain: record copy command failed: %v", err)
		return -1
	}
	waitStages := []vk.PipelineStageFlags{vk.PipelineStageFlags(vk.PipelineStageAllCommandsBit)}
	if err := s.gpu.Submit(sc.Queue, img.CmdBuffer, []vk.Semaphore{img.RenderingDone}, waitStages, []vk.Semaphore{img.CopyingDone}, img.Fence); err != nil {
		nlog.Warningf("swapchain: queue submit for copy pass failed: %v", err)
		return -1
	}

	if err := s.backend.WaitSwapchainImage(sc.RuntimeSwapchain, 1*time.Second); err != nil {
		nlog.Warningf("swapchain: backend wait_swapchain_image failed: %v", err)
		return -1
	}
	if err := s.backend.ReleaseSwapchainImage(sc.RuntimeSwapchain); err != nil {
		nlog.Warningf("swapchain: backend release_swapchain_image failed: %v", err)
		return -1
	}
	return 0
}

func (s *Server) handleDestroySwapchain(in *transport.MessageLockIn) {
	req, err := decodeDestroySwapchainRequest(in)
	in.Close()
	if err != nil {
		nlog.Warningf("swapchain: malformed destroy_swapchain request: %v", err)
		return
	}

	result := int32(0)
	s.mu.Lock()
	sc, ok := s.swapchains[req.SwapchainID]
	if ok {
		delete(s.swapchains, req.SwapchainID)
	}
	s.mu.Unlock()

	if !ok {
		result = -1
	} else {
		if err := s.backend.DestroySwapchain(sc.RuntimeSwapchain); err != nil {
			nlog.Warningf("swapchain: backend destroy_swapchain failed: %v", err)
			result = -1
		}
		s.teardownPartial(sc, len(sc.Images))
	}

	out, err := s.tx.StartMessage(DestroySwapchainReturn)
	if err != nil {
		nlog.Warningf("swapchain: failed to start destroy_swapchain_return: %v", err)
		return
	}
	resp := destroySwapchainResponse{Result: result}
	if err := resp.encode(out); err != nil {
		out.Close()
		return
	}
	out.Close()
}
