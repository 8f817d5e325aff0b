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

package udpproxy

import (
	"testing"
	"time"
)

type constUtility struct {
	nominal float64
}

func (c constUtility) Utility(rateBps float64) float64 { return rateBps }
func (c constUtility) NominalRateBps() float64          { return c.nominal }

func TestEncodingState_FlowOffPreservesQueuedBytes(t *testing.T) {
	e := NewEncodingState(10000, DropTail)
	e.Utility = constUtility{nominal: 100000}
	e.Enqueue(Datagram{Bytes: make([]byte, 100)})
	if e.QueueBytes() != 100 {
		t.Fatalf("QueueBytes = %d, want 100", e.QueueBytes())
	}
	e.SetFlowOn(false)
	if e.Enqueue(Datagram{Bytes: make([]byte, 50)}) {
		t.Fatal("Enqueue must be refused while flow is off")
	}
	if e.QueueBytes() != 100 {
		t.Fatalf("QueueBytes after turning off = %d, want 100 (queued bytes preserved)", e.QueueBytes())
	}
}

func TestEncodingState_DropTailOnOverflow(t *testing.T) {
	e := NewEncodingState(100, DropTail)
	e.Utility = constUtility{nominal: 1e9}
	if !e.Enqueue(Datagram{Bytes: make([]byte, 100)}) {
		t.Fatal("first datagram exactly at capacity should be admitted")
	}
	if e.Enqueue(Datagram{Bytes: make([]byte, 1)}) {
		t.Fatal("datagram exceeding MaxQueueBytes must be dropped under DropTail")
	}
}

func TestEncodingState_DropHeadEvictsOldest(t *testing.T) {
	e := NewEncodingState(100, DropHead)
	e.Utility = constUtility{nominal: 1e9}
	e.Enqueue(Datagram{Bytes: make([]byte, 100), Seq: 1})
	if !e.Enqueue(Datagram{Bytes: make([]byte, 50), Seq: 2}) {
		t.Fatal("DropHead must evict the oldest entry to make room")
	}
	drained := e.DrainToFIFO(1000)
	if len(drained) != 1 || drained[0].Seq != 2 {
		t.Fatalf("drained = %+v, want only seq 2 to remain after head eviction", drained)
	}
}

func TestDecodingState_ReleasesInSequenceOrder(t *testing.T) {
	d := NewDecodingState(time.Second, 1)
	now := time.Now()
	d.Receive(Datagram{Seq: 1, Bytes: []byte("a")}, now)
	d.Receive(Datagram{Seq: 3, Bytes: []byte("c")}, now)
	d.Receive(Datagram{Seq: 2, Bytes: []byte("b")}, now)

	out := d.Release(now)
	if len(out) != 3 {
		t.Fatalf("Release = %d datagrams, want 3 delivered in order", len(out))
	}
	for i, want := range []uint64{1, 2, 3} {
		if out[i].Seq != want {
			t.Fatalf("out[%d].Seq = %d, want %d", i, out[i].Seq, want)
		}
	}
}

func TestDecodingState_StragglerSkippedAfterHoldBound(t *testing.T) {
	d := NewDecodingState(10*time.Millisecond, 1)
	t0 := time.Now()
	// Release seq 0 first so that seq 1 becomes the next expected.
	d.Receive(Datagram{Seq: 0, Bytes: []byte("a")}, t0)
	d.Release(t0)
	d.Receive(Datagram{Seq: 2, Bytes: []byte("b")}, t0)
	if out := d.Release(t0); len(out) != 0 {
		t.Fatalf("Release before hold bound = %+v, want nothing while seq 1 is awaited", out)
	}

	// seq 1 never arrives; once the hold bound elapses, seq 2 should
	// release by skipping the gap rather than blocking forever.
	later := t0.Add(50 * time.Millisecond)
	out := d.Release(later)
	if len(out) != 1 || out[0].Seq != 2 {
		t.Fatalf("Release after hold bound = %+v, want [seq 2] released via gap skip", out)
	}
}

func TestReleaseRecord_LossEstimateReflectsGaps(t *testing.T) {
	r := NewReleaseRecord(1)
	for i := uint64(1); i <= 64; i++ {
		if i%10 == 0 {
			continue // simulate a 10% loss pattern
		}
		r.observeSeq(i)
		r.updateLossEstimate()
	}
	if r.LossRate() <= 0 {
		t.Fatal("loss rate must be positive when gaps are present in the history window")
	}
}

func TestRRM_RoundTrip(t *testing.T) {
	r := &RRM{FlowID: 7, HighestBytesSrc: 100, HighestPktsSrc: 10, TotalBytesRel: 90, TotalPktsRel: 9, AvgLossRate: 0.123}
	buf := r.Encode()
	got, err := DecodeRRM(buf)
	if err != nil {
		t.Fatalf("DecodeRRM: %v", err)
	}
	if *got != *r {
		t.Fatalf("round-trip mismatch: got %+v, want %+v", got, r)
	}
}
