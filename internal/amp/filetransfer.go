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

package amp

import (
	"container/list"
	"time"
)

// FileTransfer is the optional sub-record a FlowInfo carries when it
// backs a bulk file transfer rather than a continuous stream: a
// deadline, a fixed size, and a running tally of acknowledged bits
// the flow has earned utility for.
type FileTransfer struct {
	Deadline   time.Time
	SizeBits   int64
	BitsAcked  int64
	Priority   int
	EarnedUtil float64

	acks *list.List // ordered ackEntry backlog, oldest first
}

type ackEntry struct {
	seq   uint64
	bits  int64
	at    time.Time
}

// NewFileTransfer creates a zeroed sub-record for a flow of sizeBits
// total that must complete by deadline.
func NewFileTransfer(sizeBits int64, deadline time.Time, priority int) *FileTransfer {
	return &FileTransfer{
		Deadline: deadline,
		SizeBits: sizeBits,
		Priority: priority,
		acks:     list.New(),
	}
}

// RecordAck merges one acknowledged-bits report into the running tally,
// keeping an ordered backlog of the individual reports so a
// late-arriving duplicate ack (same seq) can be rejected rather than
// double-counted. This is the same ordered-per-key-queue shape the
// UDP Proxy's reorder buffer uses for released packets, applied here
// to acked byte ranges instead of whole packets.
func (ft *FileTransfer) RecordAck(seq uint64, bits int64, now time.Time) {
	for e := ft.acks.Back(); e != nil; e = e.Prev() {
		if e.Value.(ackEntry).seq == seq {
			return // duplicate ack, already credited
		}
	}
	ft.acks.PushBack(ackEntry{seq: seq, bits: bits, at: now})
	ft.BitsAcked += bits
	if ft.BitsAcked > ft.SizeBits {
		ft.BitsAcked = ft.SizeBits
	}
}

// Remaining returns the bits still unacknowledged.
func (ft *FileTransfer) Remaining() int64 {
	r := ft.SizeBits - ft.BitsAcked
	if r < 0 {
		return 0
	}
	return r
}

// Complete reports whether every bit has been acknowledged.
func (ft *FileTransfer) Complete() bool { return ft.BitsAcked >= ft.SizeBits }

// RequiredRateBps returns the rate needed to finish by Deadline given
// now, or -1 if the deadline has already passed with bits remaining.
func (ft *FileTransfer) RequiredRateBps(now time.Time) float64 {
	remaining := ft.Remaining()
	if remaining == 0 {
		return 0
	}
	window := ft.Deadline.Sub(now).Seconds()
	if window <= 0 {
		return -1
	}
	return float64(remaining) / window
}

// AccrueUtility sets EarnedUtil to u evaluated at the acknowledged
// fraction of SizeBits times Priority (for a LOG utility with priority
// p: p*log(1+progress*Priority)). EarnedUtil is kept on the sub-record
// only; SVCR's ranking does not read it.
func (ft *FileTransfer) AccrueUtility(u UtilityFunc) {
	if u == nil || ft.SizeBits == 0 {
		return
	}
	progress := float64(ft.BitsAcked) / float64(ft.SizeBits)
	ft.EarnedUtil = u.Utility(progress * float64(ft.Priority))
}
