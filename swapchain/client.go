package swapchain

import (
	"time"

	vk "github.com/vulkan-go/vulkan"
	"golang.org/x/sync/errgroup"

	"github.com/xrbridge/xrbridge/hx"
)

// clientImageUsage is the usage set every imported image needs: TRANSFER_SRC
// since a released image is the copy pass's source, TRANSFER_DST for the
// allocation-time clear, and COLOR_ATTACHMENT for the application's own
// render target writes.
const clientImageUsage = vk.ImageUsageFlags(vk.ImageUsageTransferSrcBit | vk.ImageUsageTransferDstBit | vk.ImageUsageColorAttachmentBit)

// NewClientSwapchain issues CREATE_SWAPCHAIN, imports the handle triple HX
// delivers per image, and pre-records each image's acquire/release command
// buffers once at creation so every frame just resubmits them.
func NewClientSwapchain(tx txSender, hxChan hx.Channel, gpu GPU, queue vk.Queue, sessionID string, info CreateInfo) (*ClientSwapchain, error) {
	format := info.Format
	if format == 0 {
		format = defaultFormat(info.ImageType)
	}

	out, err := tx.StartMessage(CreateSwapchain)
	if err != nil {
		return nil, err
	}
	req := createSwapchainRequest{
		SessionID: sessionID,
		Width:     info.Width,
		Height:    info.Height,
		ImageType: uint32(info.ImageType),
		IsStatic:  info.IsStatic,
	}
	if err := req.encode(out); err != nil {
		out.Close()
		return nil, err
	}
	if err := out.Close(); err != nil {
		return nil, err
	}

	in, err := tx.AwaitMessage(CreateSwapchainReturn)
	if err != nil {
		return nil, err
	}
	resp, err := decodeCreateSwapchainResponse(in)
	in.Close()
	if err != nil {
		return nil, err
	}
	if err := resultError(resp.Result, "create_swapchain"); err != nil {
		return nil, err
	}

	type rawHandles struct{ mem, renderDone, copyDone hx.Handle }
	handles := make([]rawHandles, resp.Count)
	for i := range handles {
		mem, err := hxChan.Recv()
		if err != nil {
			return nil, wrapImportErr(err)
		}
		rd, err := hxChan.Recv()
		if err != nil {
			return nil, wrapImportErr(err)
		}
		cd, err := hxChan.Recv()
		if err != nil {
			return nil, wrapImportErr(err)
		}
		handles[i] = rawHandles{mem: mem, renderDone: rd, copyDone: cd}
	}

	images := make([]ClientImage, resp.Count)
	var eg errgroup.Group
	for i := range images {
		i := i
		eg.Go(func() error {
			image, err := gpu.CreateImage(info.Width, info.Height, format, clientImageUsage)
			if err != nil {
				return err
			}
			mem, err := gpu.ImportMemory(image, resp.MemorySize, resp.MemoryTypeIdx, handles[i].mem)
			if err != nil {
				return err
			}
			renderSem, err := gpu.ImportSemaphore(handles[i].renderDone)
			if err != nil {
				return err
			}
			copySem, err := gpu.ImportSemaphore(handles[i].copyDone)
			if err != nil {
				return err
			}
			fence, err := gpu.CreateFence(true)
			if err != nil {
				return err
			}
			acquireCmd, err := gpu.AllocateCommandBuffer()
			if err != nil {
				return err
			}
			if err := gpu.RecordAcquireCmd(acquireCmd, image); err != nil {
				return err
			}
			releaseCmd, err := gpu.AllocateCommandBuffer()
			if err != nil {
				return err
			}
			if err := gpu.RecordReleaseCmd(releaseCmd, image); err != nil {
				return err
			}
			images[i] = ClientImage{
				Image:            image,
				Memory:           mem,
				RenderingDone:    renderSem,
				CopyingDone:      copySem,
				CopyingDoneFence: fence,
				AcquireCmd:       acquireCmd,
				ReleaseCmd:       releaseCmd,
			}
			return nil
		})
	}
	if err := eg.Wait(); err != nil {
		return nil, err
	}

	return &ClientSwapchain{
		ID:            resp.SwapchainID,
		ParentSession: sessionID,
		Width:         info.Width,
		Height:        info.Height,
		ImageType:     info.ImageType,
		IsStatic:      info.IsStatic,
		Queue:         queue,
		gpu:           gpu,
		Images:        images,
		tx:            tx,
		stats:         noopStats{},
	}, nil
}

// SetStats attaches a StatsHook so every subsequent Acquire/Wait/Release
// call (and its order-violation/timeout failures) is reported. Not
// goroutine-safe with concurrent calls to the methods it instruments; call
// it once, right after construction, as corert does.
func (c *ClientSwapchain) SetStats(hook StatsHook) {
	if hook == nil {
		hook = noopStats{}
	}
	c.stats = hook
}

func wrapImportErr(cause error) error {
	return &importError{cause: cause}
}

type importError struct{ cause error }

func (e *importError) Error() string { return ErrImportFailed.Error() + ": " + e.cause.Error() }
func (e *importError) Unwrap() error { return ErrImportFailed }

// AcquireImage submits the pre-recorded acquire transition with
// copying_done_fence as its completion fence, and — except on an image's
// very first acquire, when copying_done has never been signalled — waits
// on copying_done at ALL_COMMANDS so the transition cannot reorder ahead
// of the server's previous copy into this slot. A static swapchain may
// only ever be acquired once, on the very first call.
func (c *ClientSwapchain) AcquireImage() (uint32, error) {
	c.mu.Lock()
	n := ringSize(c.Images)
	if c.numAcquired >= n {
		c.mu.Unlock()
		c.stats.CallOrderInvalid()
		return 0, ErrCallOrderInvalid
	}

	idx := c.acquireHead
	img := &c.Images[idx]
	if c.IsStatic && img.HasBeenAcquired {
		c.mu.Unlock()
		c.stats.CallOrderInvalid()
		return 0, ErrCallOrderInvalid
	}
	firstUse := !img.HasBeenAcquired
	img.HasBeenAcquired = true
	acquireCmd, fence, copyDone := img.AcquireCmd, img.CopyingDoneFence, img.CopyingDone
	queue := c.Queue
	c.acquireHead = (c.acquireHead + 1) % n
	c.numAcquired++
	c.mu.Unlock()

	var waitSems []vk.Semaphore
	var waitStages []vk.PipelineStageFlags
	if !firstUse {
		waitSems = []vk.Semaphore{copyDone}
		waitStages = []vk.PipelineStageFlags{vk.PipelineStageFlags(vk.PipelineStageAllCommandsBit)}
	}
	if err := c.gpu.Submit(queue, acquireCmd, waitSems, waitStages, nil, fence); err != nil {
		return 0, err
	}
	c.stats.Acquire()
	return idx, nil
}

// WaitImage blocks on copying_done_fence until the image's prior copy pass
// (if any) has finished, so the application may safely render into it.
// Must be called with indices in the order AcquireImage handed them out;
// acquire, wait and release form a strict FIFO per image.
func (c *ClientSwapchain) WaitImage(index uint32, timeout time.Duration) error {
	c.mu.Lock()
	n := ringSize(c.Images)
	if c.numAcquired == 0 {
		c.mu.Unlock()
		c.stats.CallOrderInvalid()
		return ErrCallOrderInvalid
	}
	if c.waitHead != c.releaseHead {
		c.mu.Unlock()
		c.stats.CallOrderInvalid()
		return ErrCallOrderInvalid
	}
	if index != c.waitHead {
		c.mu.Unlock()
		c.stats.CallOrderInvalid()
		return ErrCallOrderInvalid
	}
	img := c.Images[index]
	c.mu.Unlock()

	if err := c.gpu.WaitFence(img.CopyingDoneFence, timeout); err != nil {
		if err == ErrTimeout {
			c.stats.WaitTimeout()
		}
		return err
	}

	c.mu.Lock()
	c.waitHead = (c.waitHead + 1) % n
	c.mu.Unlock()
	c.stats.Wait()
	return nil
}

// ReleaseImage resets copying_done_fence, submits the pre-recorded release
// transition signalling RenderingDone for the server's copy pass to wait
// on, and notifies the server over the wire which index it released.
func (c *ClientSwapchain) ReleaseImage(index uint32) error {
	c.mu.Lock()
	n := ringSize(c.Images)
	if c.numAcquired == 0 {
		c.mu.Unlock()
		c.stats.CallOrderInvalid()
		return ErrCallOrderInvalid
	}
	if index != c.releaseHead || c.waitHead != (c.releaseHead+1)%n {
		c.mu.Unlock()
		c.stats.CallOrderInvalid()
		return ErrCallOrderInvalid
	}
	img := c.Images[index]
	c.mu.Unlock()

	if err := c.gpu.ResetFence(img.CopyingDoneFence); err != nil {
		return err
	}
	if err := c.gpu.Submit(c.Queue, img.ReleaseCmd, nil, nil, []vk.Semaphore{img.RenderingDone}, nil); err != nil {
		return err
	}

	out, err := c.tx.StartMessage(ReleaseImage)
	if err != nil {
		return err
	}
	wireReq := releaseImageRequest{SwapchainID: c.ID, ImageIndex: index}
	if err := wireReq.encode(out); err != nil {
		out.Close()
		return err
	}
	if err := out.Close(); err != nil {
		return err
	}

	in, err := c.tx.AwaitMessage(ReleaseImageReturn)
	if err != nil {
		return err
	}
	resp, err := decodeReleaseImageResponse(in)
	in.Close()
	if err != nil {
		return err
	}
	if err := resultError(resp.Result, "release_image"); err != nil {
		return err
	}

	c.mu.Lock()
	c.releaseHead = (c.releaseHead + 1) % n
	c.numAcquired--
	c.mu.Unlock()
	c.stats.Release()
	return nil
}

// Destroy issues DESTROY_SWAPCHAIN and frees every client-side GPU object.
func (c *ClientSwapchain) Destroy() error {
	out, err := c.tx.StartMessage(DestroySwapchain)
	if err != nil {
		return err
	}
	req := destroySwapchainRequest{SwapchainID: c.ID}
	if err := req.encode(out); err != nil {
		out.Close()
		return err
	}
	if err := out.Close(); err != nil {
		return err
	}

	in, err := c.tx.AwaitMessage(DestroySwapchainReturn)
	if err != nil {
		return err
	}
	resp, err := decodeDestroySwapchainResponse(in)
	in.Close()
	if err != nil {
		return err
	}
	if err := resultError(resp.Result, "destroy_swapchain"); err != nil {
		return err
	}

	for _, img := range c.Images {
		c.gpu.FreeCommandBuffer(img.AcquireCmd)
		c.gpu.FreeCommandBuffer(img.ReleaseCmd)
		c.gpu.DestroyFence(img.CopyingDoneFence)
		c.gpu.DestroySemaphore(img.CopyingDone)
		c.gpu.DestroySemaphore(img.RenderingDone)
		c.gpu.FreeMemory(img.Memory)
		c.gpu.DestroyImage(img.Image)
	}
	return nil
}
