// Package metrics exposes the bridge's Prometheus surface: per-header
// message counters, queue depth, RPC latency, and the Swapchain Mirror's
// acquire/wait/release counts and CallOrderInvalid rate. There is no
// separate runner goroutine sampling periodically; registration happens
// once at process init and every update is a direct counter/histogram
// call from the component that owns the event.
/*
 * Copyright (c) 2024, the xrbridge authors.
 */
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Registry bundles every metric the bridge exports. A process constructs
// one via New and threads it into its corert.Runtime; both client and
// server processes use the same shape with different label values (the
// "side" label below).
type Registry struct {
	reg *prometheus.Registry

	MessagesSent     *prometheus.CounterVec
	MessagesReceived *prometheus.CounterVec
	QueueDepth       prometheus.Gauge
	RPCLatency       *prometheus.HistogramVec
	UnknownHeaders   prometheus.Counter

	SwapchainAcquires prometheus.Counter
	SwapchainWaits    prometheus.Counter
	SwapchainReleases prometheus.Counter
	CallOrderInvalid  prometheus.Counter
	WaitTimeouts      prometheus.Counter
}

// New constructs and registers every metric under the "xrbridge" namespace.
// side is "client" or "server" and is attached as a constant label so a
// single scrape target distinguishes the two peers when co-located.
func New(side string) *Registry {
	reg := prometheus.NewRegistry()
	constLabels := prometheus.Labels{"side": side}

	r := &Registry{
		reg: reg,
		MessagesSent: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace:   "xrbridge",
			Subsystem:   "transport",
			Name:        "messages_sent_total",
			Help:        "Frames flushed to the stream, by header code.",
			ConstLabels: constLabels,
		}, []string{"header"}),
		MessagesReceived: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace:   "xrbridge",
			Subsystem:   "transport",
			Name:        "messages_received_total",
			Help:        "Frames read by the producer, by header code.",
			ConstLabels: constLabels,
		}, []string{"header"}),
		QueueDepth: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace:   "xrbridge",
			Subsystem:   "transport",
			Name:        "queue_depth",
			Help:        "Inbound queue length as of the producer's most recent enqueue; dequeues do not update it.",
			ConstLabels: constLabels,
		}),
		RPCLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace:   "xrbridge",
			Subsystem:   "transport",
			Name:        "rpc_latency_seconds",
			Help:        "Time from StartMessage to the matching AwaitMessage return, by request header.",
			ConstLabels: constLabels,
			Buckets:     prometheus.DefBuckets,
		}, []string{"header"}),
		UnknownHeaders: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace:   "xrbridge",
			Subsystem:   "transport",
			Name:        "unknown_header_drops_total",
			Help:        "Messages dropped because no handler was registered for their header.",
			ConstLabels: constLabels,
		}),
		SwapchainAcquires: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "xrbridge", Subsystem: "swapchain", Name: "acquires_total",
			Help: "Successful acquire_image calls.", ConstLabels: constLabels,
		}),
		SwapchainWaits: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "xrbridge", Subsystem: "swapchain", Name: "waits_total",
			Help: "Successful wait_image calls.", ConstLabels: constLabels,
		}),
		SwapchainReleases: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "xrbridge", Subsystem: "swapchain", Name: "releases_total",
			Help: "Successful release_image calls.", ConstLabels: constLabels,
		}),
		CallOrderInvalid: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "xrbridge", Subsystem: "swapchain", Name: "call_order_invalid_total",
			Help: "acquire/wait/release calls rejected for violating ring ordering.", ConstLabels: constLabels,
		}),
		WaitTimeouts: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "xrbridge", Subsystem: "swapchain", Name: "wait_timeouts_total",
			Help: "wait_image calls that exceeded their timeout.", ConstLabels: constLabels,
		}),
	}

	reg.MustRegister(
		r.MessagesSent, r.MessagesReceived, r.QueueDepth, r.RPCLatency, r.UnknownHeaders,
		r.SwapchainAcquires, r.SwapchainWaits, r.SwapchainReleases, r.CallOrderInvalid, r.WaitTimeouts,
	)
	return r
}

// Handler returns the http.Handler a process's (out-of-scope) admin
// listener should mount at /metrics.
func (r *Registry) Handler() http.Handler {
	return promhttp.HandlerFor(r.reg, promhttp.HandlerOpts{})
}
