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

// Package bpf implements the Backpressure Forwarder: per-destination bin
// queues, QLAM/LSA/GRAM codecs, the forwarding algorithm, and the
// single-threaded event loop that ties them together.
package bpf

import (
	"context"
	"log"
	"time"
)

// ProxyFIFO is the inbound side of the shared-memory FIFO from a UDP or
// TCP proxy into the BPF. Implementations drain at most N
// packets per ReceiveBatch call, never blocking past that.
type ProxyFIFO interface {
	ReceiveBatch(max int) []*Packet
}

// LocalDelivery is the outbound side of the FIFO toward a proxy's local
// release path, used when a transit packet turns out to be destined to
// this node.
type LocalDelivery interface {
	Deliver(pkt *Packet)
}

// BPFwderOptions configures the top-level loop's tick budgets and timers.
type BPFwderOptions struct {
	MaxPktsPerFIFORecv int
	QDUpdateInterval   time.Duration
	OverheadRatio      float64
	LSAHoldDown        time.Duration
	StatsPushInterval  time.Duration
	Forwarding         ForwardingAlgOptions
}

func (o BPFwderOptions) withDefaults() BPFwderOptions {
	if o.MaxPktsPerFIFORecv == 0 {
		o.MaxPktsPerFIFORecv = 256
	}
	if o.QDUpdateInterval == 0 {
		o.QDUpdateInterval = 10 * time.Millisecond
	}
	if o.OverheadRatio == 0 {
		o.OverheadRatio = 0.01
	}
	if o.StatsPushInterval == 0 {
		o.StatsPushInterval = time.Second
	}
	return o
}

// BPFwder is the single-threaded event loop of the Backpressure Forwarder:
// each Tick drains the proxy FIFOs into their destination queues and runs
// ForwardingAlg, handing each solution to its path controller. Inbound
// path-controller traffic is applied through HandleDataPacket, HandleQLAM,
// HandleLSA and HandleGRAM, which Tick does not call, and no QLAM, LSA or
// stats timer runs here: the caller drives timing and uses
// QLAMIntervalFor and QueueDepthSnapshot as it needs.
type BPFwder struct {
	opts BPFwderOptions

	binMap   *BinMap
	queues   map[int]*BinQueueMgr
	nodes    *NodeRecordTable
	lsaFresh *LSAFreshness
	alg      *ForwardingAlg

	udpFIFO, tcpFIFO ProxyFIFO
	udpLocal, tcpLocal LocalDelivery

	neighbors []*Neighbor

	sentBytes   map[int]uint64 // per-destination sent-bytes
	bcastSeq    map[[2]byte]uint32 // (srcBin, msgType) -> sequence counter
	lastQLAMSeq uint32
	lastLSASeq  uint16
	localBinId  byte

	qdSnapshot func(map[int]int) // optional hook: copy queue depths to shared memory
}

// NewBPFwder wires a BPFwder from its collaborators. The caller
// constructs BinMap, per-destination BinQueueMgrs, and path controllers;
// BPFwder only orchestrates the tick.
func NewBPFwder(localBinId byte, opts BPFwderOptions, binMap *BinMap, queues map[int]*BinQueueMgr, neighbors []*Neighbor, udpFIFO, tcpFIFO ProxyFIFO, udpLocal, tcpLocal LocalDelivery) *BPFwder {
	opts = opts.withDefaults()
	w := &BPFwder{
		opts:       opts,
		binMap:     binMap,
		queues:     queues,
		nodes:      NewNodeRecordTable(),
		lsaFresh:   NewLSAFreshness(),
		udpFIFO:    udpFIFO,
		tcpFIFO:    tcpFIFO,
		udpLocal:   udpLocal,
		tcpLocal:   tcpLocal,
		neighbors:  neighbors,
		sentBytes:  make(map[int]uint64),
		bcastSeq:   make(map[[2]byte]uint32),
		localBinId: localBinId,
	}
	w.alg = NewForwardingAlg(opts.Forwarding, queues, neighbors)
	return w
}

// Tick runs exactly one iteration of the event loop: drain the proxy
// FIFOs, run the forwarding algorithm, send each solution, and return
// the number of packets whose Send succeeded this tick. It does not read
// path-controller receive sides. Callers drive the timing loop (a ticker
// or a test harness); Tick itself never sleeps.
func (w *BPFwder) Tick(ctx context.Context) int {
	w.drainProxyFIFO(w.udpFIFO)
	w.drainProxyFIFO(w.tcpFIFO)

	sent := 0
	sols := w.alg.FindNextTransmission(time.Now())
	for _, sol := range sols {
		stream := StreamNonEFData
		if sol.Packet.Class == ClassCriticalEF {
			stream = StreamEFData
		}
		if err := sol.Neighbor.PC.Send(ctx, sol.Packet, stream, ReliabilityBestEffort); err != nil {
			log.Printf("bpfwder: send to neighbor %d failed: %v", sol.Neighbor.BinId, err)
			continue
		}
		w.sentBytes[sol.Packet.Dst] += uint64(sol.Packet.Bytes)
		key := [2]byte{byte(w.localBinId), byte(sol.Packet.Class)}
		w.bcastSeq[key]++
		sent++
	}
	return sent
}

func (w *BPFwder) drainProxyFIFO(fifo ProxyFIFO) {
	if fifo == nil {
		return
	}
	pkts := fifo.ReceiveBatch(w.opts.MaxPktsPerFIFORecv)
	now := time.Now()
	for _, pkt := range pkts {
		q, ok := w.queues[pkt.Dst]
		if !ok {
			continue
		}
		q.Enqueue(pkt, now)
	}
}

// HandleDataPacket classifies one inbound data packet from a path
// controller's receive side: if it is destined to this node it is
// handed to the matching proxy's LocalDelivery, otherwise it is transit
// traffic and gets enqueued into its destination's BinQueueMgr like any
// locally-sourced packet.
func (w *BPFwder) HandleDataPacket(pkt *Packet, proxy string, now time.Time) {
	if pkt.Dst == int(w.localBinId) {
		switch proxy {
		case "tcp":
			if w.tcpLocal != nil {
				w.tcpLocal.Deliver(pkt)
			}
		default:
			if w.udpLocal != nil {
				w.udpLocal.Deliver(pkt)
			}
		}
		return
	}
	if q, ok := w.queues[pkt.Dst]; ok {
		q.Enqueue(pkt, now)
	}
}

// HandleQLAM validates and applies an inbound QLAM from neighbor
// against its NeighborQLAMView's staleness/replacement policy.
func (w *BPFwder) HandleQLAM(neighbor *Neighbor, q *QLAM) bool {
	return neighbor.View.Accept(q)
}

// HandleLSA validates an inbound LSA, applies it to the NodeRecord table
// on acceptance, and reports whether it should be re-broadcast (after the
// caller's hold-down) to every neighbor but the sender.
func (w *BPFwder) HandleLSA(l *LSA) bool {
	if !w.lsaFresh.Accept(l) {
		return false
	}
	w.nodes.ApplyLSA(l)
	return true
}

// HandleGRAM validates an inbound GRAM and applies it to the BinMap
// multicast membership. A nil error means it was applied and should be
// re-broadcast to neighbors other than the sender.
func (w *BPFwder) HandleGRAM(g *GRAM) error {
	return ApplyGRAM(w.binMap, g)
}

// SentBytes returns the cumulative bytes sent toward dst.
func (w *BPFwder) SentBytes(dst int) uint64 { return w.sentBytes[dst] }

// QueueDepthSnapshot copies every local destination's current depth, as
// the qd_update_interval_us timer would into shared memory.
func (w *BPFwder) QueueDepthSnapshot() map[int]int {
	snap := make(map[int]int, len(w.queues))
	for dst, q := range w.queues {
		snap[dst] = q.DepthBytes()
	}
	if w.qdSnapshot != nil {
		w.qdSnapshot(snap)
	}
	return snap
}

// NextQLAMSeq returns the next sequence number to stamp on an outbound
// QLAM for this node, and advances the counter.
func (w *BPFwder) NextQLAMSeq() uint32 {
	w.lastQLAMSeq++
	return w.lastQLAMSeq
}

// NextLSASeq returns the next sequence number to stamp on an outbound LSA
// for this node, and advances the counter.
func (w *BPFwder) NextLSASeq() uint16 {
	w.lastLSASeq++
	return w.lastLSASeq
}

// QLAMIntervalFor computes the emission interval for one path controller
// so that QLAM bytes stay within OverheadRatio of the channel's estimated
// capacity: interval = lastQLAMSize*8 / (capacity * ratio).
func (w *BPFwder) QLAMIntervalFor(pc PathController, lastQLAMSizeBytes int) time.Duration {
	capacity := pc.CapacityEstimateBps()
	if capacity == 0 || w.opts.OverheadRatio <= 0 {
		return time.Second
	}
	bitsPerInterval := float64(lastQLAMSizeBytes) * 8
	allowedBps := float64(capacity) * w.opts.OverheadRatio
	if allowedBps <= 0 {
		return time.Second
	}
	seconds := bitsPerInterval / allowedBps
	return time.Duration(seconds * float64(time.Second))
}
