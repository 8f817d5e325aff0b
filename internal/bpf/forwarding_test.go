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

package bpf

import (
	"testing"
	"time"
)

func TestForwardingAlg_PicksHighestGradient(t *testing.T) {
	now := time.Now()
	qDst := NewBinQueueMgr(1, BinQueueMgrOptions{})
	qDst.Enqueue(&Packet{Dst: 1, Class: ClassNormal, Bytes: 1000, EnqueuedAt: now, Ttg: TtgUnset}, now)

	nbrA := &Neighbor{BinId: 2, PC: NewSondPathController(2), View: NewNeighborQLAMView()}
	nbrB := &Neighbor{BinId: 3, PC: NewSondPathController(3), View: NewNeighborQLAMView()}
	// nbrB reports a much deeper queue for dst 1, so its gradient is lower.
	nbrB.View.Accept(&QLAM{SrcBinId: 3, SeqNum: 1, Groups: []QLAMGroup{{GroupId: 0, Pairs: []QLAMPair{{DstBinId: 1, QueueDepthBytes: 900}}}}})

	alg := NewForwardingAlg(ForwardingAlgOptions{}, map[int]*BinQueueMgr{1: qDst}, []*Neighbor{nbrA, nbrB})

	sols := alg.FindNextTransmission(now)
	if len(sols) != 1 {
		t.Fatalf("FindNextTransmission returned %d solutions, want 1", len(sols))
	}
	if sols[0].Neighbor.BinId != 2 {
		t.Fatalf("selected neighbor %d, want 2 (higher gradient)", sols[0].Neighbor.BinId)
	}
}

func TestForwardingAlg_HysteresisRejectsLowGradient(t *testing.T) {
	now := time.Now()
	qDst := NewBinQueueMgr(1, BinQueueMgrOptions{})
	qDst.Enqueue(&Packet{Dst: 1, Class: ClassNormal, Bytes: 50, EnqueuedAt: now, Ttg: TtgUnset}, now)

	nbr := &Neighbor{BinId: 2, PC: NewSondPathController(2), View: NewNeighborQLAMView()}
	alg := NewForwardingAlg(ForwardingAlgOptions{Hysteresis: 150}, map[int]*BinQueueMgr{1: qDst}, []*Neighbor{nbr})

	sols := alg.FindNextTransmission(now)
	if len(sols) != 0 {
		t.Fatalf("FindNextTransmission = %d solutions, want 0 (below hysteresis)", len(sols))
	}
}

func TestForwardingAlg_AntiCirculationHeuristicDAG(t *testing.T) {
	now := time.Now()
	qDst := NewBinQueueMgr(1, BinQueueMgrOptions{})
	qDst.Enqueue(&Packet{Dst: 1, Class: ClassNormal, Bytes: 1000, EnqueuedAt: now, Ttg: TtgUnset, History: []int{2}}, now)

	nbr := &Neighbor{BinId: 2, PC: NewSondPathController(2), View: NewNeighborQLAMView()}
	alg := NewForwardingAlg(ForwardingAlgOptions{MaxDequeuesPerTick: 1}, map[int]*BinQueueMgr{1: qDst}, []*Neighbor{nbr})

	sols := alg.FindNextTransmission(now)
	if len(sols) != 0 {
		t.Fatalf("FindNextTransmission = %d solutions, want 0 (only neighbor already visited)", len(sols))
	}
	// The packet must have been requeued, not dropped.
	if qDst.DepthBytes() != 1000 {
		t.Fatalf("DepthBytes after anti-circulation reject = %d, want 1000 (requeued)", qDst.DepthBytes())
	}
}

func TestForwardingAlg_MulticastGradientSubtractsSentDestinations(t *testing.T) {
	now := time.Now()
	qDst := NewBinQueueMgr(1, BinQueueMgrOptions{})
	dv := DstVec(0).Set(1).Set(5)
	qDst.Enqueue(&Packet{Dst: 1, Class: ClassNormal, Bytes: 500, EnqueuedAt: now, Ttg: TtgUnset, DstVec: dv}, now)

	nbr := &Neighbor{BinId: 2, PC: NewSondPathController(2), View: NewNeighborQLAMView()}
	alg := NewForwardingAlg(ForwardingAlgOptions{MaxDequeuesPerTick: 1}, map[int]*BinQueueMgr{1: qDst}, []*Neighbor{nbr})

	sols := alg.FindNextTransmission(now)
	if len(sols) != 1 {
		t.Fatalf("FindNextTransmission = %d solutions, want 1", len(sols))
	}
	if sols[0].Packet.DstVec.Has(1) {
		t.Fatal("sent destination 1 should have been subtracted from DstVec")
	}
	if !sols[0].Packet.DstVec.Has(5) {
		t.Fatal("destination 5 should remain owed")
	}
	// The packet still owes dst 5, so it must have been requeued.
	if qDst.DepthBytes() != 500 {
		t.Fatalf("DepthBytes after partial multicast send = %d, want 500 (requeued)", qDst.DepthBytes())
	}
}
