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
	"net"
	"reflect"
	"testing"
)

func TestQLAM_RoundTrip(t *testing.T) {
	q := &QLAM{
		SrcBinId: 4,
		SeqNum:   7,
		Groups: []QLAMGroup{
			{GroupId: 0, Pairs: []QLAMPair{{DstBinId: 1, QueueDepthBytes: 1000, LSQueueDepthBytes: 200}}},
			{GroupId: 9, Pairs: []QLAMPair{{DstBinId: 1, QueueDepthBytes: 50}, {DstBinId: 2, QueueDepthBytes: 75}}},
		},
	}
	buf, err := q.Encode()
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	got, err := DecodeQLAM(buf)
	if err != nil {
		t.Fatalf("DecodeQLAM: %v", err)
	}
	if !reflect.DeepEqual(q, got) {
		t.Fatalf("round-trip mismatch: got %+v, want %+v", got, q)
	}
}

func TestQLAM_NumGroupsZeroIsNoOp(t *testing.T) {
	q := &QLAM{SrcBinId: 1, SeqNum: 1}
	buf, err := q.Encode()
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	got, err := DecodeQLAM(buf)
	if err != nil {
		t.Fatalf("DecodeQLAM: %v", err)
	}
	if len(got.Groups) != 0 {
		t.Fatalf("Groups = %v, want empty", got.Groups)
	}
}

func TestQLAM_StaleSequenceDiscarded(t *testing.T) {
	v := NewNeighborQLAMView()
	first := &QLAM{SrcBinId: 1, SeqNum: 5, Groups: []QLAMGroup{{GroupId: 0, Pairs: []QLAMPair{{DstBinId: 1, QueueDepthBytes: 100}}}}}
	if !v.Accept(first) {
		t.Fatal("first QLAM should be accepted")
	}
	stale := &QLAM{SrcBinId: 1, SeqNum: 5, Groups: []QLAMGroup{{GroupId: 0, Pairs: []QLAMPair{{DstBinId: 1, QueueDepthBytes: 999}}}}}
	if v.Accept(stale) {
		t.Fatal("equal sequence number should be rejected as stale")
	}
	if v.StaleCount() != 1 {
		t.Fatalf("StaleCount = %d, want 1", v.StaleCount())
	}
	p, _ := v.DepthFor(0, 1)
	if p.QueueDepthBytes != 100 {
		t.Fatalf("depth after stale QLAM = %d, want unchanged 100", p.QueueDepthBytes)
	}
}

func TestQLAM_OmittedDestinationsRetainPriorValue(t *testing.T) {
	v := NewNeighborQLAMView()
	v.Accept(&QLAM{SrcBinId: 1, SeqNum: 1, Groups: []QLAMGroup{{GroupId: 0, Pairs: []QLAMPair{
		{DstBinId: 1, QueueDepthBytes: 100},
		{DstBinId: 2, QueueDepthBytes: 200},
	}}}})
	v.Accept(&QLAM{SrcBinId: 1, SeqNum: 2, Groups: []QLAMGroup{{GroupId: 0, Pairs: []QLAMPair{
		{DstBinId: 1, QueueDepthBytes: 150},
	}}}})
	p1, _ := v.DepthFor(0, 1)
	p2, _ := v.DepthFor(0, 2)
	if p1.QueueDepthBytes != 150 {
		t.Fatalf("dst 1 depth = %d, want 150 (updated)", p1.QueueDepthBytes)
	}
	if p2.QueueDepthBytes != 200 {
		t.Fatalf("dst 2 depth = %d, want 200 (retained, omitted from 2nd QLAM)", p2.QueueDepthBytes)
	}
}

func TestLSA_RoundTripWithCapacity(t *testing.T) {
	l := &LSA{
		SrcBinId:    2,
		SeqNum:      3,
		HasCapacity: true,
		Neighbors: []LSANeighbor{
			{BinId: 1, LatencyMean100us: 120, LatencyStdDev100us: 5, Capacity: 1_000_000},
		},
		QueueDelays: []LSAQueueDelay{{BinId: 1, DelayMicros: 450}},
	}
	buf, err := l.Encode()
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	got, err := DecodeLSA(buf)
	if err != nil {
		t.Fatalf("DecodeLSA: %v", err)
	}
	if got.SrcBinId != l.SrcBinId || got.SeqNum != l.SeqNum || !got.HasCapacity {
		t.Fatalf("decoded header mismatch: %+v", got)
	}
	if len(got.Neighbors) != 1 || got.Neighbors[0].BinId != 1 {
		t.Fatalf("decoded neighbors mismatch: %+v", got.Neighbors)
	}
	if len(got.QueueDelays) != 1 || got.QueueDelays[0].DelayMicros != 450 {
		t.Fatalf("decoded queue delays mismatch: %+v", got.QueueDelays)
	}
	// Capacity is lossy-quantized; require it to round-trip within ~1%.
	gotCap := got.Neighbors[0].Capacity
	wantCap := l.Neighbors[0].Capacity
	diff := int64(gotCap) - int64(wantCap)
	if diff < 0 {
		diff = -diff
	}
	if float64(diff)/float64(wantCap) > 0.01 {
		t.Fatalf("capacity round-trip = %d, want within 1%% of %d", gotCap, wantCap)
	}
}

func TestLSA_FreshnessMonotonic(t *testing.T) {
	f := NewLSAFreshness()
	a := &LSA{SrcBinId: 1, SeqNum: 5}
	if !f.Accept(a) {
		t.Fatal("first LSA should be accepted")
	}
	b := &LSA{SrcBinId: 1, SeqNum: 5}
	if f.Accept(b) {
		t.Fatal("equal sequence number must be rejected")
	}
	c := &LSA{SrcBinId: 1, SeqNum: 4}
	if f.Accept(c) {
		t.Fatal("lower sequence number must be rejected")
	}
	d := &LSA{SrcBinId: 1, SeqNum: 6}
	if !f.Accept(d) {
		t.Fatal("strictly greater sequence number must be accepted")
	}
}

func TestGRAM_RoundTripAndApply(t *testing.T) {
	bm := NewBinMap(0, 0)
	idx, err := bm.AddMcastGroup(net.ParseIP(GRAMDefaultGroup), false)
	if err != nil {
		t.Fatalf("AddMcastGroup: %v", err)
	}
	g := &GRAM{GroupAddr: net.ParseIP(GRAMDefaultGroup).To4(), DstBinId: 3, Op: GRAMJoin}
	buf, err := g.Encode()
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	got, err := DecodeGRAM(buf)
	if err != nil {
		t.Fatalf("DecodeGRAM: %v", err)
	}
	if err := ApplyGRAM(bm, got); err != nil {
		t.Fatalf("ApplyGRAM: %v", err)
	}
	dsts, _ := bm.GetMcastDsts(idx)
	if !dsts.Has(3) {
		t.Fatal("ApplyGRAM(join) did not add destination 3")
	}
}

func TestEncodeDecodeCapacity_BitExactForExactValues(t *testing.T) {
	// 5.000 * 10^6 is exactly representable: i=5, d=0, e=6.
	enc := EncodeCapacity(5_000_000)
	got := DecodeCapacity(enc)
	if got != 5_000_000 {
		t.Fatalf("DecodeCapacity(EncodeCapacity(5e6)) = %d, want 5000000", got)
	}
}
