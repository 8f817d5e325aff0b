// Copyright 2025 Esteban Alvarez. All Rights Reserved.
//
// Created: October 2025
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package main is the Backpressure Forwarder daemon: it wires a
// BinMap, per-destination BinQueueMgrs, and a ForwardingAlg into a
// single-threaded Tick loop, and exposes Prometheus metrics over HTTP.
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"gnat/internal/bpf"
	"gnat/internal/telemetry/metrics"
)

func main() {
	localBinID := flag.Int("bin_id", 1, "This node's bin ID")
	maxUcast := flag.Int("max_ucast_dsts", bpf.MaxUcastId, "Maximum unicast destination bins")
	maxMcast := flag.Int("max_mcast_groups", bpf.MaxNumMcastGrps, "Maximum multicast groups")
	tickInterval := flag.Duration("tick_interval", 10*time.Millisecond, "Forwarding loop tick period")
	qdUpdateInterval := flag.Duration("qd_update_interval", 5*time.Millisecond, "Queue-depth snapshot interval")
	metricsAddr := flag.String("metrics_addr", ":9091", "Prometheus /metrics and /healthz listen address")
	hopBias := flag.Int64("hop_count_bias_per_hop", 0, "Gradient penalty (in bytes) applied per hop from the neighbor to the destination, to discourage long paths")
	flag.Parse()

	binMap := bpf.NewBinMap(*maxUcast, *maxMcast)

	// bpfd starts with no destination queues and no neighbor path
	// controllers, and nothing in this binary adds any, so each Tick
	// finds nothing to forward.
	queues := make(map[int]*bpf.BinQueueMgr)
	var neighbors []*bpf.Neighbor

	fwder := bpf.NewBPFwder(byte(*localBinID), bpf.BPFwderOptions{
		QDUpdateInterval: *qdUpdateInterval,
		Forwarding: bpf.ForwardingAlgOptions{
			QueueSearchDepthBytes: 1 << 16,
			MaxDequeuesPerTick:    32,
			HopCountBiasPerHop:    *hopBias,
		},
	}, binMap, queues, neighbors, nil, nil, nil, nil)

	metrics.ServeAddr(*metricsAddr)
	fmt.Printf("bpfd listening for metrics on %s, bin_id=%d\n", *metricsAddr, *localBinID)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	ticker := time.NewTicker(*tickInterval)
	defer ticker.Stop()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)

	for {
		select {
		case <-ticker.C:
			n := fwder.Tick(ctx)
			for dst, depth := range fwder.QueueDepthSnapshot() {
				metrics.ObserveQueueDepth(dst, int64(depth), 0)
			}
			if n > 0 {
				log.Printf("bpfd: tick emitted %d packets", n)
			}
		case <-stop:
			fmt.Println("bpfd: shutting down")
			return
		}
	}
}
