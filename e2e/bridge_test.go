package e2e_test

import (
	"time"

	. "github.com/onsi/ginkgo"
	. "github.com/onsi/gomega"

	vk "github.com/vulkan-go/vulkan"

	"github.com/xrbridge/xrbridge/corert"
	"github.com/xrbridge/xrbridge/session"
	"github.com/xrbridge/xrbridge/stream"
	"github.com/xrbridge/xrbridge/swapchain"
)

const bridgeXRAPIVersion = 0x0102030400000000

// newBridgeWithBackend wires a ClientRuntime and ServerRuntime across an in-process
// pipe, the same way two OS processes would be wired across a Unix-domain
// socket, and starts the server's Swapchain Mirror handlers against a fake
// GPU and a fake XR runtime backend.
func newBridgeWithBackend(backend corert.RuntimeBackend) (client *corert.ClientRuntime, server *corert.ServerRuntime) {
	a, b := stream.NewPipePair(stream.PipeOpts{})
	clientHx, serverHx := newFakeHxPair()

	client = corert.NewClientRuntime(corert.Config{XRAPIVersion: bridgeXRAPIVersion})
	server = corert.NewServerRuntime(corert.Config{XRAPIVersion: bridgeXRAPIVersion}, backend)

	srvErr := make(chan error, 1)
	go func() { srvErr <- server.Start(b, serverHx) }()
	Expect(client.Start(a, clientHx)).To(Succeed())
	Expect(<-srvErr).To(Succeed())

	server.StartSwapchainServer(&fakeGPU{}, vk.Queue(nil))
	return client, server
}

func newBridge() (client *corert.ClientRuntime, server *corert.ServerRuntime) {
	return newBridgeWithBackend(&fakeBackend{})
}

var _ = Describe("a client process bridged to a server process", func() {
	var (
		client *corert.ClientRuntime
		server *corert.ServerRuntime
	)

	BeforeEach(func() {
		client, server = newBridge()
	})

	It("opens a session, mirrors a swapchain end to end, and tears both down", func() {
		clientSess := client.NewSession(session.GraphicsBinding{QueueFamily: 0, QueueIndex: 0})
		serverSess := server.NewSession(session.VkQueue{})
		Expect(clientSess.ID).NotTo(BeEmpty())
		Expect(serverSess.ID).NotTo(BeEmpty())

		sc, err := client.NewClientSwapchain(&fakeGPU{}, vk.Queue(nil), clientSess.ID, swapchain.CreateInfo{
			Width: 512, Height: 512, ImageType: swapchain.Color,
		})
		Expect(err).NotTo(HaveOccurred())
		Expect(sc.Images).To(HaveLen(swapchain.DefaultRingSize))
		clientSess.AddSwapchain(sc)

		idx, err := sc.AcquireImage()
		Expect(err).NotTo(HaveOccurred())
		Expect(sc.WaitImage(idx, time.Second)).To(Succeed())
		Expect(sc.ReleaseImage(idx)).To(Succeed())

		Expect(clientSess.Destroy()).To(Succeed())

		Expect(client.Shutdown()).To(Succeed())
		server.Join()
	})

	It("rejects a second acquire on a static swapchain", func() {
		clientSess := client.NewSession(session.GraphicsBinding{})
		sc, err := swapchain.NewClientSwapchain(client.TX, client.HX, &fakeGPU{}, vk.Queue(nil), clientSess.ID, swapchain.CreateInfo{
			Width: 256, Height: 256, ImageType: swapchain.Color, IsStatic: true,
		})
		Expect(err).NotTo(HaveOccurred())
		Expect(sc.Images).To(HaveLen(1))

		_, err = sc.AcquireImage()
		Expect(err).NotTo(HaveOccurred())
		_, err = sc.AcquireImage()
		Expect(err).To(MatchError(swapchain.ErrCallOrderInvalid))

		Expect(sc.Destroy()).To(Succeed())
		Expect(client.Shutdown()).To(Succeed())
		server.Join()
	})

	It("surfaces a backend rejection at creation as a client-visible error", func() {
		failingClient, failingServer := newBridgeWithBackend(&fakeBackend{createErr: errBackendDown})
		clientSess := failingClient.NewSession(session.GraphicsBinding{})

		_, err := swapchain.NewClientSwapchain(failingClient.TX, failingClient.HX, &fakeGPU{}, vk.Queue(nil), clientSess.ID, swapchain.CreateInfo{
			Width: 256, Height: 256, ImageType: swapchain.Color,
		})
		Expect(err).To(HaveOccurred())

		Expect(failingClient.Shutdown()).To(Succeed())
		failingServer.Join()
	})
})
