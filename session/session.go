// Package session mirrors an OpenXR session on each side of the bridge:
// the graphics binding and resolved queue on the client, and the set of
// swapchains each side owns.
// A session owns its swapchains; it is the natural place to fan their
// teardown out from, since destroying one never depends on another.
/*
 * Copyright (c) 2024, the xrbridge authors.
 */
package session

import (
	"sync"

	vk "github.com/vulkan-go/vulkan"

	"github.com/xrbridge/xrbridge/cmn/cos"
	"github.com/xrbridge/xrbridge/swapchain"
)

// VkQueue is the queue a session submits its copy and transition commands
// to, along with the family it was created from.
type VkQueue struct {
	Queue  vk.Queue
	Family uint32
	Index  uint32
}

// GraphicsBinding is the application-supplied Vulkan handles a client
// session is built around, mirroring xrCreateSession's graphics binding.
// This layer never creates an instance or device of its own; it only ever
// borrows the application's.
type GraphicsBinding struct {
	Instance       vk.Instance
	PhysicalDevice vk.PhysicalDevice
	Device         vk.Device
	QueueFamily    uint32
	QueueIndex     uint32
}

// ClientSession is the application-process mirror of one session: the
// graphics binding it was created with, its resolved queue, and every
// swapchain it currently owns.
type ClientSession struct {
	ID      string
	Binding GraphicsBinding
	Queue   VkQueue

	mu         sync.Mutex
	swapchains map[uint64]*swapchain.ClientSwapchain
}

// NewClientSession allocates a session id and resolves binding's queue
// family/index into a VkQueue record. It does not call vkGetDeviceQueue;
// that belongs to the caller, who already owns binding.Device.
func NewClientSession(binding GraphicsBinding) *ClientSession {
	return &ClientSession{
		ID:      cos.GenID(),
		Binding: binding,
		Queue:   VkQueue{Family: binding.QueueFamily, Index: binding.QueueIndex},
		swapchains: make(map[uint64]*swapchain.ClientSwapchain),
	}
}

// AddSwapchain records sc as owned by this session.
func (s *ClientSession) AddSwapchain(sc *swapchain.ClientSwapchain) {
	s.mu.Lock()
	s.swapchains[sc.ID] = sc
	s.mu.Unlock()
}

// RemoveSwapchain drops sc's bookkeeping without destroying it; callers use
// this after having already called sc.Destroy themselves.
func (s *ClientSession) RemoveSwapchain(id uint64) {
	s.mu.Lock()
	delete(s.swapchains, id)
	s.mu.Unlock()
}

// Swapchain looks up a previously added swapchain by id.
func (s *ClientSession) Swapchain(id uint64) (*swapchain.ClientSwapchain, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sc, ok := s.swapchains[id]
	return sc, ok
}

// Destroy tears down every swapchain this session still owns. It collects
// failures rather than stopping at the first one, since one swapchain's
// teardown failure should not leave its siblings leaked.
func (s *ClientSession) Destroy() error {
	s.mu.Lock()
	owned := make([]*swapchain.ClientSwapchain, 0, len(s.swapchains))
	for _, sc := range s.swapchains {
		owned = append(owned, sc)
	}
	s.swapchains = make(map[uint64]*swapchain.ClientSwapchain)
	s.mu.Unlock()

	var errs cos.Errs
	for _, sc := range owned {
		errs.Add(sc.Destroy())
	}
	return errs.Err()
}

// ServerSession is the runtime-process mirror: the queue chosen for this
// session's copy passes, and the swapchains created against it.
type ServerSession struct {
	ID    string
	Queue VkQueue

	mu         sync.Mutex
	swapchains map[uint64]*swapchain.ServerSwapchain
}

// NewServerSession allocates a session id around an already-resolved queue.
func NewServerSession(queue VkQueue) *ServerSession {
	return &ServerSession{
		ID:         cos.GenID(),
		Queue:      queue,
		swapchains: make(map[uint64]*swapchain.ServerSwapchain),
	}
}

func (s *ServerSession) AddSwapchain(sc *swapchain.ServerSwapchain) {
	s.mu.Lock()
	s.swapchains[sc.ID] = sc
	s.mu.Unlock()
}

func (s *ServerSession) RemoveSwapchain(id uint64) {
	s.mu.Lock()
	delete(s.swapchains, id)
	s.mu.Unlock()
}

func (s *ServerSession) Swapchain(id uint64) (*swapchain.ServerSwapchain, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sc, ok := s.swapchains[id]
	return sc, ok
}
