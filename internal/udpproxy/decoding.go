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
	"container/list"
	"time"
)

// ReleaseRecord tracks per-flow release bookkeeping: the high-water
// marks and loss estimate an RRM reports upstream.
type ReleaseRecord struct {
	HighestSeqSeen     uint64
	HighestSeqReleased uint64
	HighestBytesSeen    int64
	ReleasedBytes       int64

	history   uint64 // circular bitmap of the last 64 sequence numbers seen
	historyHi uint64 // sequence number bit 0 of history currently represents

	ewmaLossRate float64
	lossAlpha    float64
}

// NewReleaseRecord sets up the EWMA loss-rate filter at alpha 0.2/priority
// (0.2 when priority is not positive).
func NewReleaseRecord(priority int) *ReleaseRecord {
	alpha := 0.2
	if priority > 0 {
		alpha = 0.2 / float64(priority)
	}
	return &ReleaseRecord{lossAlpha: alpha}
}

// observeSeq marks seq as seen in the circular history and slides the
// window forward if seq is beyond the current high end.
func (r *ReleaseRecord) observeSeq(seq uint64) {
	if seq > r.HighestSeqSeen || (r.HighestSeqSeen == 0 && r.historyHi == 0) {
		r.HighestSeqSeen = seq
	}
	if seq > r.historyHi {
		shift := seq - r.historyHi
		if shift >= 64 {
			r.history = 0
		} else {
			r.history <<= shift
		}
		r.historyHi = seq
	}
	offset := r.historyHi - seq
	if offset < 64 {
		r.history |= 1 << offset
	}
}

// updateLossEstimate folds the fraction of gaps in the last window of
// the circular history into the EWMA loss-rate estimate.
func (r *ReleaseRecord) updateLossEstimate() {
	var seen int
	for i := 0; i < 64; i++ {
		if r.history&(1<<uint(i)) != 0 {
			seen++
		}
	}
	lossFrac := 1 - float64(seen)/64.0
	r.ewmaLossRate = r.lossAlpha*lossFrac + (1-r.lossAlpha)*r.ewmaLossRate
}

func (r *ReleaseRecord) LossRate() float64 { return r.ewmaLossRate }

// reorderEntry is one datagram sitting in a DecodingState's hold buffer.
type reorderEntry struct {
	dgram    Datagram
	received time.Time
}

// DecodingState is the per-flow reassembly/release controller on the
// sink side of a UDP Proxy. Packets are
// released to the local application strictly in sequence order;
// stragglers beyond ReorderMaxHoldTime (clipped by the packet's ttg) are
// skipped rather than waited for indefinitely.
type DecodingState struct {
	ReorderMaxHoldTime time.Duration

	buffer       *list.List // of reorderEntry, ordered by Seq
	nextExpected uint64
	record       *ReleaseRecord
}

func NewDecodingState(reorderMaxHold time.Duration, priority int) *DecodingState {
	return &DecodingState{
		ReorderMaxHoldTime: reorderMaxHold,
		buffer:             list.New(),
		record:             NewReleaseRecord(priority),
	}
}

// holdBound returns the effective hold time for d: ReorderMaxHoldTime,
// clipped by the packet's ttg when one is present.
func (s *DecodingState) holdBound(d Datagram) time.Duration {
	if d.HasTtg() && d.Ttg < s.ReorderMaxHoldTime {
		return d.Ttg
	}
	return s.ReorderMaxHoldTime
}

// Receive admits an incoming datagram into the reorder buffer in
// sequence-sorted position and updates the release record's sequence
// tracking and byte-loss estimate.
func (s *DecodingState) Receive(d Datagram, now time.Time) {
	s.record.observeSeq(d.Seq)
	if int64(len(d.Bytes)) > s.record.HighestBytesSeen {
		s.record.HighestBytesSeen = int64(len(d.Bytes))
	}
	s.record.updateLossEstimate()

	entry := reorderEntry{dgram: d, received: now}
	for e := s.buffer.Back(); e != nil; e = e.Prev() {
		if e.Value.(reorderEntry).dgram.Seq < d.Seq {
			s.buffer.InsertAfter(entry, e)
			return
		}
	}
	s.buffer.PushFront(entry)
}

// Release drains the reorder buffer, returning datagrams ready for
// local delivery: the next-expected sequence in order, or (when the
// head has exceeded its hold bound) a skip over the gap to the next
// available datagram.
func (s *DecodingState) Release(now time.Time) []Datagram {
	var out []Datagram
	for {
		front := s.buffer.Front()
		if front == nil {
			break
		}
		entry := front.Value.(reorderEntry)
		if entry.dgram.Seq == s.nextExpected || s.nextExpected == 0 {
			s.buffer.Remove(front)
			out = append(out, entry.dgram)
			s.record.ReleasedBytes += int64(len(entry.dgram.Bytes))
			s.record.HighestSeqReleased = entry.dgram.Seq
			s.nextExpected = entry.dgram.Seq + 1
			continue
		}
		if now.Sub(entry.received) >= s.holdBound(entry.dgram) {
			// straggler timed out waiting for an earlier sequence number;
			// skip the gap and release what is available.
			s.nextExpected = entry.dgram.Seq
			continue
		}
		break
	}
	return out
}

func (s *DecodingState) ReleaseRecordSnapshot() ReleaseRecord { return *s.record }
