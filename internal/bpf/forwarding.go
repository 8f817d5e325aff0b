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
	"math"
	"math/rand"
	"time"
)

// AntiCirculationMode selects how ForwardingAlg avoids sending a packet
// back toward a node it already visited.
type AntiCirculationMode int

const (
	AntiCircHeuristicDAG AntiCirculationMode = iota
	AntiCircConditionalDAG
)

// ForwardingAlgOptions configures one tick of the forwarding algorithm.
type ForwardingAlgOptions struct {
	Hysteresis              int64 // default 150 bytes
	AntiCirc                AntiCirculationMode
	// FreeThresholdBytes gates which path controllers are even
	// considered this tick: one whose TransmitBufferDepthBytes() has
	// reached or exceeded this is skipped as not free. Distinct from
	// QueueSearchDepthBytes, which bounds how far emitFrom walks into
	// a destination's own backlog looking for a match.
	FreeThresholdBytes      int
	QueueSearchDepthBytes   int
	SigmaFactor             float64
	EnableMcastOpportunistic bool
	OpportunisticFloor      int64
	MaxDequeuesPerTick      int
	HopCountBiasPerHop      int64
	Rng                     *rand.Rand
}

func (o ForwardingAlgOptions) withDefaults() ForwardingAlgOptions {
	if o.Hysteresis == 0 {
		o.Hysteresis = 150
	}
	if o.FreeThresholdBytes == 0 {
		o.FreeThresholdBytes = 1 << 15
	}
	if o.QueueSearchDepthBytes == 0 {
		o.QueueSearchDepthBytes = 1 << 16
	}
	if o.SigmaFactor == 0 {
		o.SigmaFactor = 2
	}
	if o.MaxDequeuesPerTick == 0 {
		o.MaxDequeuesPerTick = 16
	}
	if o.Rng == nil {
		o.Rng = rand.New(rand.NewSource(1))
	}
	return o
}

// Neighbor is one next-hop candidate for gradient computation: its bin
// index, the path controller reaching it, the receiver's last-known
// queue view, and its min-hop-count distance to each destination (used
// for the forwarding-bias term).
type Neighbor struct {
	BinId      int
	PC         PathController
	View       *NeighborQLAMView
	HopCounts  map[int]int // dst -> hop count from this neighbor
}

// Candidate is one (destination, neighbor) gradient evaluation.
type Candidate struct {
	Dst      int
	Neighbor *Neighbor
	Gradient int64
}

// ForwardingAlg implements the per-tick dequeue selection:
// for each path controller below its free-threshold, compute gradients
// across (neighbor, destination), reject anti-circulating and
// latency-infeasible candidates, and emit up to MaxDequeuesPerTick
// (packet, neighbor, path-controller) solutions.
type ForwardingAlg struct {
	opts      ForwardingAlgOptions
	queues    map[int]*BinQueueMgr // dst -> queue manager
	neighbors []*Neighbor
}

func NewForwardingAlg(opts ForwardingAlgOptions, queues map[int]*BinQueueMgr, neighbors []*Neighbor) *ForwardingAlg {
	return &ForwardingAlg{opts: opts.withDefaults(), queues: queues, neighbors: neighbors}
}

// Gradient computes g(n,d) = depth_local(d) - depth_neighbor(n,d) + virt(d,n)
// optionally reduced by HopCountBiasPerHop for each hop from n to dst.
func (f *ForwardingAlg) Gradient(dst int, n *Neighbor) int64 {
	q, ok := f.queues[dst]
	if !ok {
		return 0
	}
	local := int64(q.DepthBytes())
	var neighborDepth int64
	if p, ok := n.View.DepthFor(0, byte(dst)); ok {
		neighborDepth = int64(p.QueueDepthBytes)
	}
	g := local - neighborDepth + q.GetVirtDepth(n.BinId)
	if f.opts.HopCountBiasPerHop != 0 {
		if hops, ok := n.HopCounts[dst]; ok && hops > 0 {
			g -= f.opts.HopCountBiasPerHop * int64(hops)
		}
	}
	return g
}

// Solution is one emitted (packet, neighbor, path-controller) triple.
type Solution struct {
	Packet   *Packet
	Neighbor *Neighbor
}

// FindNextTransmission runs one tick of the algorithm: for every path
// controller whose transmit buffer is below freeThresholdBytes, selects
// the best-gradient (destination, neighbor) pair, walks the destination
// queue for a matching packet, and emits it. Returns the solutions
// produced this tick (already dequeued from their source BinQueueMgr and
// with local depth updated); the caller is responsible for handing each
// to its Neighbor.PC.Send.
func (f *ForwardingAlg) FindNextTransmission(now time.Time) []Solution {
	var solutions []Solution
	emitted := 0
	// emitFrom already walks the whole destination queue (up to
	// QueueSearchDepthBytes) for a candidate before giving up on it, so
	// a candidate that fails to match stays failed until its queue
	// changes; bound total attempts per tick as a safety net rather
	// than trusting that to terminate on its own.
	maxAttempts := f.opts.MaxDequeuesPerTick * 4

	for emitted < f.opts.MaxDequeuesPerTick && maxAttempts > 0 {
		maxAttempts--
		best, ok := f.bestCandidate(now)
		if !ok {
			break
		}
		sol, ok := f.emitFrom(best, now)
		if !ok {
			continue
		}
		solutions = append(solutions, sol)
		emitted++
	}
	return solutions
}

func (f *ForwardingAlg) bestCandidate(now time.Time) (Candidate, bool) {
	var best Candidate
	found := false

	for dst, q := range f.queues {
		if q.DepthBytes() == 0 {
			continue
		}
		for _, n := range f.neighbors {
			if n.PC.TransmitBufferDepthBytes() >= f.opts.FreeThresholdBytes {
				continue // this path controller is above its free-threshold
			}
			g := f.Gradient(dst, n)
			if g < f.opts.Hysteresis {
				continue
			}
			switch {
			case !found || g > best.Gradient:
				best = Candidate{Dst: dst, Neighbor: n, Gradient: g}
				found = true
			case g == best.Gradient:
				// Match-quality tie-break: a neighbor that is itself the
				// destination (direct link, packets delivered in full on
				// this hop) beats one that is only an interior hop
				// (transit, packets must be forwarded again). Only among
				// equally-direct candidates does tie-breaking fall back
				// to random choice.
				curDirect := n.BinId == dst
				bestDirect := best.Neighbor.BinId == best.Dst
				switch {
				case curDirect && !bestDirect:
					best = Candidate{Dst: dst, Neighbor: n, Gradient: g}
				case curDirect == bestDirect && f.opts.Rng.Intn(2) == 0:
					best = Candidate{Dst: dst, Neighbor: n, Gradient: g}
				}
			}
		}
	}
	return best, found
}

// emitFrom walks up to QueueSearchDepthBytes into the destination's queue
// looking for the best-match packet for the given candidate: a packet
// is skipped (and re-examined never within this call, but left in
// place for a future tick) when it fails anti-circulation, and dropped
// into a zombie when it is EF and latency-infeasible. The first packet
// that clears both is dequeued and sent.
func (f *ForwardingAlg) emitFrom(c Candidate, now time.Time) (Solution, bool) {
	q := f.queues[c.Dst]

	decide := func(pkt *Packet) MatchVerdict {
		if f.circulates(pkt, c.Neighbor) {
			switch f.opts.AntiCirc {
			case AntiCircConditionalDAG:
				// while some neighbor is unvisited, behave as heuristic
				// DAG for this packet; once every neighbor has been
				// visited, accept it on this candidate despite its
				// history. No minimum-latency path is computed here.
				if !f.allFirstHopsVisited(pkt) {
					return MatchSkip
				}
			default: // AntiCircHeuristicDAG
				return MatchSkip
			}
		}
		if pkt.Class == ClassCriticalEF && pkt.hasDeadline() {
			mean, variance := c.Neighbor.PC.PacketDeliveryDelay()
			stddev := math.Sqrt(variance)
			ttr := time.Duration(mean+f.opts.SigmaFactor*stddev) * time.Microsecond
			if ttr > pkt.Ttg {
				return MatchDrop
			}
		}
		return MatchAccept
	}

	res, zombified := q.DequeueMatch(MaskAll(), now, f.opts.QueueSearchDepthBytes, decide)
	for _, z := range zombified {
		q.Zombify(z)
	}
	if res.Packet == nil {
		return Solution{}, false
	}
	pkt := res.Packet

	if pkt.DstVec != 0 && f.opts.EnableMcastOpportunistic && c.Gradient >= f.opts.OpportunisticFloor {
		pkt.DstVec = f.augmentMulticast(pkt, c.Neighbor)
	}

	pkt.History = append(append([]int{}, pkt.History...), c.Neighbor.BinId)

	// Multicast gradient accounting: sending subtracts the destinations
	// reached via this next-hop; if any remain, requeue for the next tick.
	if pkt.DstVec != 0 {
		if after, err := CheckedSubtract(pkt.DstVec, DstVec(0).Set(c.Dst)); err == nil {
			pkt.DstVec = after
			if pkt.DstVec != 0 {
				q.Enqueue(pkt, now)
			}
		}
	}

	return Solution{Packet: pkt, Neighbor: c.Neighbor}, true
}

func (f *ForwardingAlg) circulates(pkt *Packet, n *Neighbor) bool {
	for _, visited := range pkt.History {
		if visited == n.BinId {
			return true
		}
	}
	return false
}

func (f *ForwardingAlg) allFirstHopsVisited(pkt *Packet) bool {
	for _, n := range f.neighbors {
		if !f.circulates(pkt, n) {
			return false
		}
	}
	return true
}

// augmentMulticast adds further destinations reachable only via n to
// pkt's DstVec, opportunistically piggy-backing multicast fan-out onto
// a forwarding decision already made for another destination.
func (f *ForwardingAlg) augmentMulticast(pkt *Packet, n *Neighbor) DstVec {
	v := pkt.DstVec
	for dst := range n.HopCounts {
		if _, ok := f.queues[dst]; ok {
			v = v.Set(dst)
		}
	}
	return v
}
