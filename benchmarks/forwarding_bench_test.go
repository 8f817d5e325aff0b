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

// Package benchmarks contains the performance tests for the forwarding
// algorithm and the admission fit solver.
package benchmarks

import (
	"testing"
	"time"

	"gnat/internal/amp"
	"gnat/internal/bpf"
)

// BenchmarkForwardingAlg_FindNextTransmission measures one tick of
// gradient computation and dequeue selection across a modest mesh: 8
// destinations, each with backlog, and 4 neighbors per destination.
func BenchmarkForwardingAlg_FindNextTransmission(b *testing.B) {
	const numDsts = 8
	const numNeighbors = 4

	queues := make(map[int]*bpf.BinQueueMgr, numDsts)
	for d := 1; d <= numDsts; d++ {
		queues[d] = bpf.NewBinQueueMgr(d, bpf.BinQueueMgrOptions{})
	}
	neighbors := make([]*bpf.Neighbor, numNeighbors)
	for n := 0; n < numNeighbors; n++ {
		neighbors[n] = &bpf.Neighbor{
			BinId: 100 + n,
			PC:    bpf.NewSondPathController(100 + n),
			View:  bpf.NewNeighborQLAMView(),
		}
	}

	alg := bpf.NewForwardingAlg(bpf.ForwardingAlgOptions{MaxDequeuesPerTick: numDsts}, queues, neighbors)
	now := time.Now()

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		for d := 1; d <= numDsts; d++ {
			queues[d].Enqueue(&bpf.Packet{Dst: d, Class: bpf.ClassNormal, Bytes: 512, EnqueuedAt: now, Ttg: bpf.TtgUnset}, now)
		}
		alg.FindNextTransmission(now)
	}
}

// BenchmarkSVCR_ComputeFit measures one triage tick's greedy priority
// sort and allocation pass across a flow population large enough to
// show sorting cost, not just per-flow arithmetic.
func BenchmarkSVCR_ComputeFit(b *testing.B) {
	const numFlows = 500

	table := amp.NewFlowTable()
	for i := 0; i < numFlows; i++ {
		f := &amp.FlowInfo{
			ID:       amp.FiveTuple{Proxy: "udp", SrcIP: "10.0.0.1", DstIP: "10.0.0.2", SrcPort: 2000 + i, DstPort: 9000},
			Utility:  &amp.LogUtility{Priority_: 1 + i%8},
			State:    amp.FlowOn,
			EWMARate: 1000,
		}
		table.Set(f)
	}
	svcr := amp.NewSVCR(amp.SVCROptions{MinEgressCapacityBps: 1000}, table)

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		svcr.ComputeFit(50_000_000, time.Now())
	}
}
