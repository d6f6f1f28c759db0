// Copyright (c) 2024, NVIDIA CORPORATION. All rights reserved.
//
// Package metrics wires github.com/prometheus/client_golang into the
// per-stream statistics spec §3 assigns to each CommEntity, the pool
// occupancy/eviction counters of §4.1/§4.3, and the "LogPoolState"
// diagnostics surface (§4.1). Grounded on aistore's convention of a
// package-level registered collector set (the retrieved examples show
// prometheus/client_golang already in the teacher's go.mod, used the same
// way: counters/gauges registered once at package init).
package metrics

import "github.com/prometheus/client_golang/prometheus"

var (
	TransferBytesTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "llmdatadist",
		Subsystem: "xfer",
		Name:      "bytes_total",
		Help:      "Bytes moved by PUT/GET descriptors, by direction.",
	}, []string{"direction"})

	TransferOpsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "llmdatadist",
		Subsystem: "xfer",
		Name:      "ops_total",
		Help:      "Completed transfer ops, by outcome.",
	}, []string{"outcome"})

	PoolOccupiedPages = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "llmdatadist",
		Subsystem: "memsys",
		Name:      "pool_occupied_pages",
		Help:      "Occupied pages in a ScalableMemPool, by pool name.",
	}, []string{"pool"})

	PoolLeakedSpans = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "llmdatadist",
		Subsystem: "memsys",
		Name:      "pool_leaked_spans",
		Help:      "Spans still marked allocated at pool Destroy, by pool name.",
	}, []string{"pool"})

	ChannelsActive = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "llmdatadist",
		Subsystem: "chanmgr",
		Name:      "channels_active",
		Help:      "Live channels, by role (client|server).",
	}, []string{"role"})

	ChannelsEvictedTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "llmdatadist",
		Subsystem: "chanmgr",
		Name:      "channels_evicted_total",
		Help:      "Channels evicted by the waterline eviction loop, by role.",
	}, []string{"role"})

	CommEntitiesByState = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "llmdatadist",
		Subsystem: "link",
		Name:      "comm_entities",
		Help:      "CommEntity count by FSM state.",
	}, []string{"state"})
)

func init() {
	prometheus.MustRegister(
		TransferBytesTotal,
		TransferOpsTotal,
		PoolOccupiedPages,
		PoolLeakedSpans,
		ChannelsActive,
		ChannelsEvictedTotal,
		CommEntitiesByState,
	)
}
