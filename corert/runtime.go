// Package corert threads an explicit per-process Runtime value to every
// module's entry point rather than relying on module-level Transport/
// runtime singletons. A client process builds a ClientRuntime; a server
// process builds a ServerRuntime; both share the same Transport/HX wiring
// and differ only in which session type and which side of the Swapchain
// Mirror protocol they drive.
/*
 * Copyright (c) 2024, the xrbridge authors.
 */
package corert

import (
	"strconv"
	"sync"
	"time"

	vk "github.com/vulkan-go/vulkan"

	"github.com/xrbridge/xrbridge/cmn/mono"
	"github.com/xrbridge/xrbridge/cmn/nlog"
	"github.com/xrbridge/xrbridge/hx"
	"github.com/xrbridge/xrbridge/metrics"
	"github.com/xrbridge/xrbridge/session"
	"github.com/xrbridge/xrbridge/stream"
	"github.com/xrbridge/xrbridge/swapchain"
	"github.com/xrbridge/xrbridge/transport"
)

// Config is the minimal set of knobs an external loader (out of scope for
// this package) is expected to populate before constructing a Runtime:
// the negotiated XR API version, the handle-exchange socket path, and the
// metrics side label. The stream and HX channel themselves are dialed by
// the caller and passed to Start.
type Config struct {
	XRAPIVersion   uint64
	HandshakeOnly  bool // not read by ClientRuntime or ServerRuntime
	HXSocketPath   string
	MetricsSide    string // "client" or "server", passed through to metrics.New
}

// ClientRuntime owns the application-process side: one Transport, one HX
// channel, and every session the application has opened.
type ClientRuntime struct {
	cfg     Config
	TX      *transport.Transport
	HX      hx.Channel
	Metrics *metrics.Registry

	mu       sync.Mutex
	sessions map[string]*session.ClientSession
}

// NewClientRuntime constructs an unstarted ClientRuntime. Call Start once
// the stream and HX channel have been dialed.
func NewClientRuntime(cfg Config) *ClientRuntime {
	reg := metrics.New(sideOrDefault(cfg.MetricsSide, "client"))
	tx := transport.New()
	tx.SetStats(&statsAdapter{reg: reg})
	return &ClientRuntime{
		cfg:      cfg,
		TX:       tx,
		Metrics:  reg,
		sessions: make(map[string]*session.ClientSession),
	}
}

// Start performs the wire handshake and launches the Transport's workers.
func (r *ClientRuntime) Start(s stream.Stream, hxChan hx.Channel) error {
	if err := transport.ClientHandshake(s, r.cfg.XRAPIVersion); err != nil {
		return err
	}
	if err := r.TX.Start(s); err != nil {
		return err
	}
	r.HX = hxChan
	nlog.Infof("client runtime started (xr api version %d)", r.cfg.XRAPIVersion)
	return nil
}

// NewSession registers and returns a new ClientSession.
func (r *ClientRuntime) NewSession(binding session.GraphicsBinding) *session.ClientSession {
	sess := session.NewClientSession(binding)
	r.mu.Lock()
	r.sessions[sess.ID] = sess
	r.mu.Unlock()
	return sess
}

// NewClientSwapchain wraps swapchain.NewClientSwapchain and wires the
// resulting swapchain's acquire/wait/release counters into this runtime's
// Metrics, so callers get instrumentation without touching metrics.Registry
// themselves.
func (r *ClientRuntime) NewClientSwapchain(gpu swapchain.GPU, queue vk.Queue, sessionID string, info swapchain.CreateInfo) (*swapchain.ClientSwapchain, error) {
	sc, err := swapchain.NewClientSwapchain(r.TX, r.HX, gpu, queue, sessionID, info)
	if err != nil {
		return nil, err
	}
	sc.SetStats(&swapchainStatsAdapter{reg: r.Metrics})
	return sc, nil
}

// DestroySession removes the session's bookkeeping from the runtime. The
// caller is responsible for having already torn down the session's
// swapchains and command pool (session.ClientSession.Destroy).
func (r *ClientRuntime) DestroySession(id string) {
	r.mu.Lock()
	delete(r.sessions, id)
	r.mu.Unlock()
}

// Session looks up a previously created session by id.
func (r *ClientRuntime) Session(id string) (*session.ClientSession, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.sessions[id]
	return s, ok
}

// Shutdown drives the graceful TX shutdown handshake and waits for both
// workers to exit.
func (r *ClientRuntime) Shutdown() error {
	if err := r.TX.Shutdown(); err != nil {
		return err
	}
	r.TX.Join()
	nlog.Infof("client runtime shut down")
	if r.HX != nil {
		return r.HX.Close()
	}
	return nil
}

// ServerRuntime owns the process hosting the real XR runtime.
type ServerRuntime struct {
	cfg     Config
	TX      *transport.Transport
	HX      hx.Channel
	Metrics *metrics.Registry
	Backend RuntimeBackend

	SwapchainServer *swapchain.Server

	mu       sync.Mutex
	sessions map[string]*session.ServerSession
}

// RuntimeBackend is the interface the (out-of-scope) real XR runtime must
// satisfy for the Swapchain Mirror's server side to drive it. This is the
// seam spec.md §1 calls "the XR function dispatch table": the generated
// per-function marshalling lives outside this core, but the Swapchain
// Mirror needs to call straight through to the runtime's own swapchain
// entry points, so that narrow surface is named here.
type RuntimeBackend = swapchain.Backend

// NewServerRuntime constructs an unstarted ServerRuntime wrapping backend.
func NewServerRuntime(cfg Config, backend RuntimeBackend) *ServerRuntime {
	reg := metrics.New(sideOrDefault(cfg.MetricsSide, "server"))
	tx := transport.New()
	tx.SetStats(&statsAdapter{reg: reg})
	return &ServerRuntime{
		cfg:      cfg,
		TX:       tx,
		Metrics:  reg,
		Backend:  backend,
		sessions: make(map[string]*session.ServerSession),
	}
}

func (r *ServerRuntime) Start(s stream.Stream, hxChan hx.Channel) error {
	if err := transport.ServerHandshake(s, r.cfg.XRAPIVersion); err != nil {
		return err
	}
	if err := r.TX.Start(s); err != nil {
		return err
	}
	r.HX = hxChan
	return nil
}

// StartSwapchainServer registers the Swapchain Mirror's wire handlers
// against this runtime's Transport. Called once the copy pass's GPU handle
// and queue have been resolved, which generally happens after the
// application's first session is created.
func (r *ServerRuntime) StartSwapchainServer(gpu swapchain.GPU, queue vk.Queue) *swapchain.Server {
	r.SwapchainServer = swapchain.NewServer(r.TX, r.HX, gpu, r.Backend, queue)
	return r.SwapchainServer
}

func (r *ServerRuntime) NewSession(queue session.VkQueue) *session.ServerSession {
	sess := session.NewServerSession(queue)
	r.mu.Lock()
	r.sessions[sess.ID] = sess
	r.mu.Unlock()
	return sess
}

func (r *ServerRuntime) DestroySession(id string) {
	r.mu.Lock()
	delete(r.sessions, id)
	r.mu.Unlock()
}

func (r *ServerRuntime) Session(id string) (*session.ServerSession, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.sessions[id]
	return s, ok
}

func (r *ServerRuntime) Join() { r.TX.Join() }

func sideOrDefault(side, fallback string) string {
	if side == "" {
		return fallback
	}
	return side
}

// statsAdapter satisfies transport.StatsHook on top of a metrics.Registry,
// and approximates per-header RPC latency: the wait is keyed only by
// header code (not by a request id, since TX deliberately has none per
// spec.md §1), so latency under concurrent in-flight calls of the same
// header is a reasonable estimate rather than an exact per-call figure.
type statsAdapter struct {
	reg *metrics.Registry

	mu      sync.Mutex
	pending map[uint16]int64
}

func (a *statsAdapter) MessageSent(header uint16) {
	a.reg.MessagesSent.WithLabelValues(strconv.Itoa(int(header))).Inc()
	a.mu.Lock()
	if a.pending == nil {
		a.pending = make(map[uint16]int64)
	}
	if _, ok := a.pending[header]; !ok {
		a.pending[header] = mono.NanoTime()
	}
	a.mu.Unlock()
}

func (a *statsAdapter) MessageReceived(header uint16) {
	a.reg.MessagesReceived.WithLabelValues(strconv.Itoa(int(header))).Inc()
	a.mu.Lock()
	start, ok := a.pending[header]
	if ok {
		delete(a.pending, header)
	}
	a.mu.Unlock()
	if ok {
		elapsed := time.Duration(mono.NanoTime() - start)
		a.reg.RPCLatency.WithLabelValues(strconv.Itoa(int(header))).Observe(elapsed.Seconds())
	}
}

func (a *statsAdapter) QueueDepth(n int) { a.reg.QueueDepth.Set(float64(n)) }
func (a *statsAdapter) UnknownHeader()   { a.reg.UnknownHeaders.Inc() }

// swapchainStatsAdapter satisfies swapchain.StatsHook on top of a
// metrics.Registry.
type swapchainStatsAdapter struct {
	reg *metrics.Registry
}

func (a *swapchainStatsAdapter) Acquire()          { a.reg.SwapchainAcquires.Inc() }
func (a *swapchainStatsAdapter) Wait()             { a.reg.SwapchainWaits.Inc() }
func (a *swapchainStatsAdapter) Release()          { a.reg.SwapchainReleases.Inc() }
func (a *swapchainStatsAdapter) CallOrderInvalid() { a.reg.CallOrderInvalid.Inc() }
func (a *swapchainStatsAdapter) WaitTimeout()      { a.reg.WaitTimeouts.Inc() }
