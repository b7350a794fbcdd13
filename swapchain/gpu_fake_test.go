package swapchain_test

import (
	"errors"
	"sync"
	"time"

	vk "github.com/vulkan-go/vulkan"

	"github.com/xrbridge/xrbridge/hx"
)

var errBackendDown = errors.New("fake backend: unavailable")

// fakeGPU satisfies swapchain.GPU without a device, so the ring-buffer
// bookkeeping in client.go/server.go can be exercised on its own.
type fakeGPU struct {
	mu        sync.Mutex
	nextFd    int
	waitErr   error
	submitErr error
}

func (f *fakeGPU) nextHandle() hx.Handle {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.nextFd++
	return hx.Handle(f.nextFd)
}

func (f *fakeGPU) CreateImage(uint32, uint32, vk.Format, vk.ImageUsageFlags) (vk.Image, error) {
	return vk.Image(1), nil
}
func (f *fakeGPU) DestroyImage(vk.Image) {}

func (f *fakeGPU) AllocateExportableMemory(vk.Image) (vk.DeviceMemory, hx.Handle, uint64, uint32, error) {
	return vk.DeviceMemory(1), f.nextHandle(), 65536, 0, nil
}
func (f *fakeGPU) ImportMemory(vk.Image, uint64, uint32, hx.Handle) (vk.DeviceMemory, error) {
	return vk.DeviceMemory(1), nil
}
func (f *fakeGPU) FreeMemory(vk.DeviceMemory) {}

func (f *fakeGPU) CreateExportableSemaphore() (vk.Semaphore, hx.Handle, error) {
	return vk.Semaphore(1), f.nextHandle(), nil
}
func (f *fakeGPU) ImportSemaphore(hx.Handle) (vk.Semaphore, error) { return vk.Semaphore(1), nil }
func (f *fakeGPU) DestroySemaphore(vk.Semaphore)                  {}

func (f *fakeGPU) CreateFence(bool) (vk.Fence, error) { return vk.Fence(1), nil }
func (f *fakeGPU) ResetFence(vk.Fence) error          { return nil }
func (f *fakeGPU) WaitFence(vk.Fence, time.Duration) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.waitErr
}
func (f *fakeGPU) DestroyFence(vk.Fence) {}

func (f *fakeGPU) AllocateCommandBuffer() (vk.CommandBuffer, error) { return vk.CommandBuffer(nil), nil }
func (f *fakeGPU) FreeCommandBuffer(vk.CommandBuffer)               {}

func (f *fakeGPU) RecordAcquireCmd(vk.CommandBuffer, vk.Image) error { return nil }
func (f *fakeGPU) RecordReleaseCmd(vk.CommandBuffer, vk.Image) error { return nil }
func (f *fakeGPU) RecordCopyCmd(vk.CommandBuffer, vk.Image, vk.Image, uint32, uint32) error {
	return nil
}

func (f *fakeGPU) Submit(vk.Queue, vk.CommandBuffer, []vk.Semaphore, []vk.PipelineStageFlags, []vk.Semaphore, vk.Fence) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.submitErr
}

// fakeBackend satisfies swapchain.Backend by handing out fresh handles
// without a real XR runtime behind them.
type fakeBackend struct {
	mu         sync.Mutex
	nextHandle uint64

	createErr error
}

func (b *fakeBackend) CreateSwapchain(string, uint32, uint32, vk.Format, uint32) (uint64, error) {
	if b.createErr != nil {
		return 0, b.createErr
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	b.nextHandle++
	return b.nextHandle, nil
}
func (b *fakeBackend) DestroySwapchain(uint64) error                  { return nil }
func (b *fakeBackend) AcquireSwapchainImage(uint64) (uint32, error)   { return 0, nil }
func (b *fakeBackend) WaitSwapchainImage(uint64, time.Duration) error { return nil }
func (b *fakeBackend) ReleaseSwapchainImage(uint64) error             { return nil }
func (b *fakeBackend) RuntimeImage(uint64, uint32) (vk.Image, error)  { return vk.Image(2), nil }

// fakeHx is an in-process hx.Channel pair: two instances sharing a pair of
// buffered Go channels, standing in for the SCM_RIGHTS/DuplicateHandle
// exchange so the Swapchain Mirror's handle-triple protocol can be tested
// without a real socket.
type fakeHx struct {
	send   chan hx.Handle
	recv   chan hx.Handle
	closed bool
}

func newFakeHxPair() (hx.Channel, hx.Channel) {
	ab := make(chan hx.Handle, 64)
	ba := make(chan hx.Handle, 64)
	return &fakeHx{send: ab, recv: ba}, &fakeHx{send: ba, recv: ab}
}

func (f *fakeHx) Send(h hx.Handle) error {
	f.send <- h
	return nil
}

func (f *fakeHx) Recv() (hx.Handle, error) {
	h, ok := <-f.recv
	if !ok {
		return 0, hx.ErrClosed
	}
	return h, nil
}

func (f *fakeHx) Close() error {
	if !f.closed {
		f.closed = true
		close(f.send)
	}
	return nil
}
