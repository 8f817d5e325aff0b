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

import "context"

// StreamKind selects one of the fixed streams a PathController exposes,
// each with distinct priority and retransmission semantics.
type StreamKind int

const (
	StreamQLAM StreamKind = iota
	StreamEFData
	StreamControl
	StreamNonEFData
	StreamCapacityEstimate
)

// ReliabilityMode selects the delivery guarantee SLIQ negotiates per
// stream; SOND ignores it and is always best-effort.
type ReliabilityMode int

const (
	ReliabilityBestEffort ReliabilityMode = iota
	ReliabilityReliable
	ReliabilitySemiReliable
)

// PathController is the contract every concrete CAT transport (SLIQ,
// SOND) exposes to the forwarding algorithm. All
// variants are driven identically by ForwardingAlg; only connection
// setup (congestion control negotiation for SLIQ) differs beneath the
// contract.
type PathController interface {
	// Neighbor is the remote bin index this controller reaches.
	Neighbor() int
	// Send transmits pkt on the given stream. ttg, if not TtgUnset, is
	// the packet's deadline; implementations may use it to choose a
	// retransmission budget. Returns a Transient ironerr.Error if the
	// transmit buffer is full rather than blocking.
	Send(ctx context.Context, pkt *Packet, stream StreamKind, mode ReliabilityMode) error
	// CapacityEstimateBps is the controller's current estimate of
	// available channel capacity.
	CapacityEstimateBps() uint64
	// PacketDeliveryDelay returns the controller's current estimate of
	// mean and variance packet delivery delay, used for EF feasibility
	// checks (ttr).
	PacketDeliveryDelay() (mean, variance float64)
	// TransmitBufferDepthBytes is the controller's current outbound
	// backlog, checked against the free-threshold before a tick is
	// allowed to dequeue onto it.
	TransmitBufferDepthBytes() int
}

// CongestionControl selects the SLIQ variant's negotiated algorithm.
type CongestionControl int

const (
	CongestionCopa CongestionControl = iota
	CongestionCubic
)

// SliqPathController is a reliable, rate-adaptive transport.
// Capacity/delay estimation and the transmit buffer are
// modeled here as plain fields a real implementation would update from
// socket-level feedback; this type focuses on satisfying the
// PathController contract the forwarding algorithm depends on.
type SliqPathController struct {
	neighbor    int
	cc          CongestionControl
	capacityBps uint64
	delayMean   float64
	delayVar    float64
	bufBytes    int
	bufMaxBytes int
	sendFn      func(ctx context.Context, pkt *Packet, stream StreamKind, mode ReliabilityMode) error
}

func NewSliqPathController(neighbor int, cc CongestionControl, bufMaxBytes int) *SliqPathController {
	return &SliqPathController{neighbor: neighbor, cc: cc, bufMaxBytes: bufMaxBytes}
}

func (s *SliqPathController) Neighbor() int { return s.neighbor }

func (s *SliqPathController) Send(ctx context.Context, pkt *Packet, stream StreamKind, mode ReliabilityMode) error {
	if s.sendFn != nil {
		return s.sendFn(ctx, pkt, stream, mode)
	}
	s.bufBytes += pkt.Bytes
	return nil
}

func (s *SliqPathController) CapacityEstimateBps() uint64 { return s.capacityBps }

func (s *SliqPathController) PacketDeliveryDelay() (float64, float64) { return s.delayMean, s.delayVar }

func (s *SliqPathController) TransmitBufferDepthBytes() int { return s.bufBytes }

// SetEstimates lets tests and the receive-side feedback path update the
// controller's capacity/delay estimates without a real socket.
func (s *SliqPathController) SetEstimates(capacityBps uint64, delayMean, delayVar float64) {
	s.capacityBps = capacityBps
	s.delayMean = delayMean
	s.delayVar = delayVar
}

// DrainBuffer models the transmit buffer draining as bytes leave the wire.
func (s *SliqPathController) DrainBuffer(bytes int) {
	s.bufBytes -= bytes
	if s.bufBytes < 0 {
		s.bufBytes = 0
	}
}

// SondPathController is a plain rate-paced UDP queue without
// retransmission: every Send is best-effort regardless of
// the requested mode.
type SondPathController struct {
	neighbor    int
	capacityBps uint64
	delayMean   float64
	delayVar    float64
	bufBytes    int
	sendFn      func(ctx context.Context, pkt *Packet, stream StreamKind, mode ReliabilityMode) error
}

func NewSondPathController(neighbor int) *SondPathController {
	return &SondPathController{neighbor: neighbor}
}

func (s *SondPathController) Neighbor() int { return s.neighbor }

func (s *SondPathController) Send(ctx context.Context, pkt *Packet, stream StreamKind, _ ReliabilityMode) error {
	if s.sendFn != nil {
		return s.sendFn(ctx, pkt, stream, ReliabilityBestEffort)
	}
	s.bufBytes += pkt.Bytes
	return nil
}

func (s *SondPathController) CapacityEstimateBps() uint64 { return s.capacityBps }

func (s *SondPathController) PacketDeliveryDelay() (float64, float64) { return s.delayMean, s.delayVar }

func (s *SondPathController) TransmitBufferDepthBytes() int { return s.bufBytes }

func (s *SondPathController) SetEstimates(capacityBps uint64, delayMean, delayVar float64) {
	s.capacityBps = capacityBps
	s.delayMean = delayMean
	s.delayVar = delayVar
}

func (s *SondPathController) DrainBuffer(bytes int) {
	s.bufBytes -= bytes
	if s.bufBytes < 0 {
		s.bufBytes = 0
	}
}
