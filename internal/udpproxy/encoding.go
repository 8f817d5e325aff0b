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

// Package udpproxy implements the per-flow encoding/decoding admission
// controller: on the source side it converts a flow's
// utility function into an instantaneous admission rate and applies
// backlog-based admission; on the sink side it reorders, releases, and
// drives a receiver-report feedback loop back to the source BPF.
package udpproxy

import (
	"container/list"
	"time"

	"gnat/pkg/ratebudget"
)

// DropPolicy mirrors bpf.DropPolicy's values for the admission queue: it
// decides what is dropped when a datagram would push the backlog past
// MaxQueueBytes. DropNone drops the incoming datagram, as DropTail does.
// Datagrams over the computed admission rate are dropped regardless of
// this policy.
type DropPolicy int

const (
	DropNone DropPolicy = iota
	DropHead
	DropTail
)

// Datagram is one application packet awaiting admission or already
// admitted into the UDP->BPF FIFO.
type Datagram struct {
	Bytes      []byte
	Seq        uint64
	EnqueuedAt time.Time
	Ttg        time.Duration // unset is the zero Duration; see HasTtg
	FECGroup   uint32
}

func (d Datagram) HasTtg() bool { return d.Ttg > 0 }

// EncodingState is the per-flow admission controller on the source side
// of a UDP Proxy. It holds a backlog queue and converts the installed
// utility function into bits/sec via AdmittedRateBps; that rate is
// re-armed into a ratebudget.Budget on a fixed recompute interval, and
// every Enqueue is gated against the budget's TryConsume before the
// backlog-depth cap is even considered, so a flow can never admit past
// the rate its own utility function just computed.
type EncodingState struct {
	Utility          UtilityRater
	QueueNormalizerK float64
	MaxQueueBytes    int64
	Policy           DropPolicy
	FECEnabled       bool
	FECGroupSize     int

	// RateRecomputeInterval is the epoch length the rate budget is
	// re-armed over; defaults to 100ms (NewEncodingState).
	RateRecomputeInterval time.Duration

	queue      *list.List // of Datagram
	queueBytes int64

	on bool // AMP flow on/off gate; queued bytes are preserved across toggles

	budget             *ratebudget.Budget
	lastRateRecompute time.Time

	fecGroupSeq uint32
	fecBuf      []Datagram
}

// UtilityRater is the subset of amp.UtilityFunc the encoder needs; kept
// as a narrow local interface so udpproxy does not import amp. AMP and
// the UDP proxy are separate daemons in production, coupled only
// through internal/rcproto; amp.UtilityFunc satisfies this interface
// structurally, so a caller that resolved a utility from AMP (directly,
// or relayed over rcproto) can assign it to EncodingState.Utility
// without udpproxy ever depending on amp.
type UtilityRater interface {
	Utility(rateBps float64) float64
	NominalRateBps() float64
}

func NewEncodingState(maxQueueBytes int64, policy DropPolicy) *EncodingState {
	return &EncodingState{
		queue:                 list.New(),
		MaxQueueBytes:         maxQueueBytes,
		Policy:                policy,
		QueueNormalizerK:      1.0,
		RateRecomputeInterval: 100 * time.Millisecond,
		budget:                ratebudget.New(0),
		on:                    true,
	}
}

// SetFlowOn toggles the AMP admission gate: turning a flow off stops
// enqueueing new datagrams but does not drop already-queued bytes.
func (e *EncodingState) SetFlowOn(on bool) { e.on = on }

// AdmittedRateBps derives the instantaneous admission rate from the
// installed utility function, observed backlog, and queue normalizer K.
func (e *EncodingState) AdmittedRateBps() float64 {
	if e.Utility == nil {
		return 0
	}
	backlogBits := float64(e.queueBytes * 8)
	nominal := e.Utility.NominalRateBps()
	if nominal > 0 {
		// Inelastic flows (STRAP/TRAP): admit at nominal rate whenever
		// backlog has not built past the normalizer threshold.
		if backlogBits > e.QueueNormalizerK*nominal {
			return 0
		}
		return nominal
	}
	return e.Utility.Utility(backlogBits * e.QueueNormalizerK)
}

// refreshRate recomputes the admission rate from the installed utility
// function, if RateRecomputeInterval has elapsed since the last
// recompute, and re-arms the rate budget with the resulting epoch
// allowance. Mirrors the SVCR/AMP-driven rate recompute described in
// §4.9: the budget's allowance only ever reflects the most recently
// computed rate.
func (e *EncodingState) refreshRate(now time.Time) {
	if !e.lastRateRecompute.IsZero() && now.Sub(e.lastRateRecompute) < e.RateRecomputeInterval {
		return
	}
	rateBps := e.AdmittedRateBps()
	allowanceBits := int64(rateBps * e.RateRecomputeInterval.Seconds())
	e.budget.Rearm(allowanceBits)
	e.lastRateRecompute = now
}

// Enqueue admits a datagram if the flow is on, the computed admission
// rate has budget remaining this epoch, and the queue has room under
// the backlog-depth cap; otherwise it is dropped per Policy. Returns
// whether the datagram was admitted.
func (e *EncodingState) Enqueue(d Datagram) bool {
	if !e.on {
		return false
	}
	now := d.EnqueuedAt
	if now.IsZero() {
		now = time.Now()
	}
	d.EnqueuedAt = now
	e.refreshRate(now)

	size := int64(len(d.Bytes))
	if !e.budget.TryConsume(size * 8) {
		// Over the computed admission rate: dropped at the tail per
		// §4.9, independent of the backlog Policy below.
		return false
	}
	if e.queueBytes+size > e.MaxQueueBytes {
		switch e.Policy {
		case DropHead:
			if front := e.queue.Front(); front != nil {
				dropped := front.Value.(Datagram)
				e.queue.Remove(front)
				e.queueBytes -= int64(len(dropped.Bytes))
				// An evicted datagram admitted in this epoch was charged
				// against this epoch's budget but will never reach the
				// FIFO; give its bits back so a later datagram isn't
				// denied for it. One from an earlier epoch is not refunded.
				if !dropped.EnqueuedAt.Before(e.lastRateRecompute) {
					e.budget.TryRefund(int64(len(dropped.Bytes)) * 8)
				}
			}
		default: // DropTail, DropNone: drop the incoming packet
			e.budget.TryRefund(size * 8)
			return false
		}
	}
	if e.FECEnabled {
		d = e.stampFEC(d)
	}
	e.queue.PushBack(d)
	e.queueBytes += size
	return true
}

func (e *EncodingState) stampFEC(d Datagram) Datagram {
	d.FECGroup = e.fecGroupSeq
	e.fecBuf = append(e.fecBuf, d)
	if len(e.fecBuf) >= e.FECGroupSize {
		e.fecGroupSeq++
		e.fecBuf = e.fecBuf[:0]
	}
	return d
}

// DrainToFIFO pops up to maxBytes worth of admitted datagrams in order,
// for writing to the UDP->BPF FIFO.
func (e *EncodingState) DrainToFIFO(maxBytes int64) []Datagram {
	var out []Datagram
	var drained int64
	for drained < maxBytes {
		front := e.queue.Front()
		if front == nil {
			break
		}
		d := front.Value.(Datagram)
		if drained+int64(len(d.Bytes)) > maxBytes && drained > 0 {
			break
		}
		e.queue.Remove(front)
		e.queueBytes -= int64(len(d.Bytes))
		drained += int64(len(d.Bytes))
		out = append(out, d)
	}
	return out
}

func (e *EncodingState) QueueBytes() int64 { return e.queueBytes }
