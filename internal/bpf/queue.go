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
	"container/list"
	"time"
)

// LatencyClass partitions a destination's backlog into independent
// FIFO/LIFO sub-queues.
type LatencyClass int

const (
	ClassCriticalEF LatencyClass = iota
	ClassLowLatency
	ClassNormal
	ClassNPLB
	ClassZLR
	ClassReceived
	ClassExpired
	numLatencyClasses
)

// DropPolicy governs which end of a sub-queue is discarded once its depth
// limit is reached.
type DropPolicy int

const (
	DropNone DropPolicy = iota
	DropHead
	DropTail
)

// QueueOrder selects FIFO or LIFO dequeue order for a sub-queue.
type QueueOrder int

const (
	OrderFIFO QueueOrder = iota
	OrderLIFO
)

// EFOrder selects how the critical-latency EF sub-queue orders packets,
// a configured invariant of the process.
type EFOrder int

const (
	EFOrderDeliveryMargin EFOrder = iota // ttg - ttr
	EFOrderTTG
	EFOrderReceiveTime
)

// Packet is the minimal shape the forwarding and queue code needs; real
// payload bytes are carried via the shared packet pool in the source
// system and are opaque to this layer beyond their length.
type Packet struct {
	Dst       int
	SrcBin    int
	DstVec    DstVec // set for multicast packets; zero for unicast
	Class     LatencyClass
	Bytes     int
	EnqueuedAt time.Time
	Ttg       time.Duration // time-to-go; TtgUnset if not applicable
	Zombie    bool
	History   []int // bin indices the packet has already visited
}

// TtgUnset is a distinguished sentinel, never the maximum duration, to
// avoid overflow when computing ttg-ttr.
const TtgUnset = time.Duration(-1 << 62)

func (p Packet) hasDeadline() bool { return p.Ttg != TtgUnset }

type classQueue struct {
	order  QueueOrder
	drop   DropPolicy
	maxBytes int
	bytes  int
	items  *list.List // of *Packet
}

func newClassQueue(order QueueOrder, drop DropPolicy, maxBytes int) *classQueue {
	return &classQueue{order: order, drop: drop, maxBytes: maxBytes, items: list.New()}
}

func (q *classQueue) push(p *Packet) (droppedBytes int) {
	if q.maxBytes > 0 && q.bytes+p.Bytes > q.maxBytes {
		switch q.drop {
		case DropTail:
			return p.Bytes // new packet dropped, nothing enqueued
		case DropHead:
			for q.bytes+p.Bytes > q.maxBytes && q.items.Len() > 0 {
				front := q.items.Remove(q.items.Front()).(*Packet)
				q.bytes -= front.Bytes
				droppedBytes += front.Bytes
			}
		case DropNone:
			// exceed the soft limit rather than drop
		}
	}
	q.items.PushBack(p)
	q.bytes += p.Bytes
	return droppedBytes
}

func (q *classQueue) pop() *Packet {
	var el *list.Element
	if q.order == OrderLIFO {
		el = q.items.Back()
	} else {
		el = q.items.Front()
	}
	if el == nil {
		return nil
	}
	q.items.Remove(el)
	p := el.Value.(*Packet)
	q.bytes -= p.Bytes
	return p
}

// BinQueueMgr manages the queues for exactly one local destination index:
// the physical per-class sub-queues, the zombie pseudo-queue, the virtual
// queue overlay, and the aggregate/EWMA bookkeeping gradient computation
// needs.
type BinQueueMgr struct {
	dstIdx int

	classes  [numLatencyClasses]*classQueue
	efOrder  EFOrder

	zombieBytes int

	// packetlessZombies compresses zombies into size-only counters
	// instead of keeping header-only placeholder packets.
	packetlessZombies bool

	virt map[int]int64 // neighbor index -> signed bias

	aggBytes      int
	lsBytes       int // aggregate latency-sensitive bytes (EF + low-latency)
	ewmaDepth     float64
	ewmaAlpha     float64
	maxDepth      int
	oldestArrival time.Time
	lastEnqueue   time.Time
}

// BinQueueMgrOptions configures per-class ordering, drop policy, and
// depth limits. Zero values fall back to FIFO/DropNone/unbounded.
type BinQueueMgrOptions struct {
	ClassOrder    [numLatencyClasses]QueueOrder
	ClassDrop     [numLatencyClasses]DropPolicy
	ClassMaxBytes [numLatencyClasses]int
	EFOrder       EFOrder
	PacketlessZombies bool
	EWMAAlpha     float64
}

// NewBinQueueMgr constructs the queue set for one destination index.
func NewBinQueueMgr(dstIdx int, opts BinQueueMgrOptions) *BinQueueMgr {
	m := &BinQueueMgr{
		dstIdx:            dstIdx,
		efOrder:           opts.EFOrder,
		packetlessZombies: opts.PacketlessZombies,
		virt:              make(map[int]int64),
		ewmaAlpha:         opts.EWMAAlpha,
	}
	if m.ewmaAlpha <= 0 {
		m.ewmaAlpha = 0.1
	}
	for c := LatencyClass(0); c < numLatencyClasses; c++ {
		m.classes[c] = newClassQueue(opts.ClassOrder[c], opts.ClassDrop[c], opts.ClassMaxBytes[c])
	}
	return m
}

// Enqueue appends pkt to its class's sub-queue, applying drop policy when
// the class's depth limit is reached. Returns the number of bytes dropped
// (0 in the common case). Enqueue changes aggregate-bytes by the net
// delta actually retained (negative when DropHead evicts more than it
// admits), so aggregate byte counts never drift from what the sub-queues
// actually hold.
func (m *BinQueueMgr) Enqueue(pkt *Packet, now time.Time) (droppedBytes int) {
	q := m.classes[pkt.Class]
	before := q.bytes
	droppedBytes = q.push(pkt)
	delta := q.bytes - before
	m.aggBytes += delta
	if isLatencySensitive(pkt.Class) {
		m.lsBytes += delta
	}
	if q.items.Len() == 0 || q.items.Back().Value.(*Packet) != pkt {
		// the incoming packet itself was rejected outright (DropTail at
		// capacity); nothing else to update.
		return droppedBytes
	}
	if m.aggBytes > m.maxDepth {
		m.maxDepth = m.aggBytes
	}
	if m.oldestArrival.IsZero() {
		m.oldestArrival = pkt.EnqueuedAt
	}
	m.lastEnqueue = now
	m.ewmaDepth = m.ewmaAlpha*float64(m.aggBytes) + (1-m.ewmaAlpha)*m.ewmaDepth
	return droppedBytes
}

func isLatencySensitive(c LatencyClass) bool {
	return c == ClassCriticalEF || c == ClassLowLatency
}

// ClassMask selects a subset of latency classes for Dequeue.
type ClassMask uint8

func MaskAll() ClassMask {
	var m ClassMask
	for c := LatencyClass(0); c < numLatencyClasses; c++ {
		m |= 1 << uint(c)
	}
	return m
}

func (m ClassMask) has(c LatencyClass) bool { return m&(1<<uint(c)) != 0 }

// DequeueResult carries the selected packet (nil if none) and any bytes
// dropped while walking expired entries.
type DequeueResult struct {
	Packet       *Packet
	DroppedBytes int
}

// Dequeue selects the head packet across the classes in mask, in class
// order (EF first), honoring FIFO/LIFO per class and discarding expired
// packets (ttg in the past) while counting their bytes as dropped.
func (m *BinQueueMgr) Dequeue(mask ClassMask, now time.Time) DequeueResult {
	var result DequeueResult
	for c := LatencyClass(0); c < numLatencyClasses; c++ {
		if !mask.has(c) {
			continue
		}
		q := m.classes[c]
		for q.items.Len() > 0 {
			p := q.pop()
			m.aggBytes -= p.Bytes
			if isLatencySensitive(p.Class) {
				m.lsBytes -= p.Bytes
			}
			if p.hasDeadline() && p.EnqueuedAt.Add(p.Ttg).Before(now) {
				result.DroppedBytes += p.Bytes
				continue
			}
			result.Packet = p
			return result
		}
	}
	return result
}

// MatchVerdict is returned by a DequeueMatch decision callback for each
// packet it walks.
type MatchVerdict int

const (
	// MatchAccept dequeues the packet and ends the walk.
	MatchAccept MatchVerdict = iota
	// MatchSkip leaves the packet in the queue, in its original
	// position, and continues the walk.
	MatchSkip
	// MatchDrop removes the packet from the queue permanently; the
	// caller receives it back (e.g. to zombify) rather than the queue
	// silently losing its bytes.
	MatchDrop
)

// DequeueMatch walks up to searchDepthBytes worth of packets across the
// classes in mask, in each class's own FIFO/LIFO order, calling decide
// on each to find a best-match packet rather than blindly taking the
// head. Expired packets are dropped and counted exactly as Dequeue,
// without consulting decide. Skipped packets are restored to their
// original position once the walk for their class ends (whether by
// match, exhausting the budget, or exhausting the class). Dropped
// packets are returned separately so the caller can dispose of them
// (e.g. zombify) without the queue's byte accounting drifting.
func (m *BinQueueMgr) DequeueMatch(mask ClassMask, now time.Time, searchDepthBytes int, decide func(*Packet) MatchVerdict) (result DequeueResult, dropped []*Packet) {
	for c := LatencyClass(0); c < numLatencyClasses; c++ {
		if !mask.has(c) {
			continue
		}
		q := m.classes[c]
		var skipped []*Packet
		walked := 0
		for q.items.Len() > 0 && (searchDepthBytes <= 0 || walked < searchDepthBytes) {
			p := q.pop()
			walked += p.Bytes
			if p.hasDeadline() && p.EnqueuedAt.Add(p.Ttg).Before(now) {
				m.aggBytes -= p.Bytes
				if isLatencySensitive(p.Class) {
					m.lsBytes -= p.Bytes
				}
				result.DroppedBytes += p.Bytes
				continue
			}
			switch decide(p) {
			case MatchAccept:
				m.aggBytes -= p.Bytes
				if isLatencySensitive(p.Class) {
					m.lsBytes -= p.Bytes
				}
				result.Packet = p
				m.restoreWalked(q, skipped)
				return result, dropped
			case MatchDrop:
				m.aggBytes -= p.Bytes
				if isLatencySensitive(p.Class) {
					m.lsBytes -= p.Bytes
				}
				dropped = append(dropped, p)
			default: // MatchSkip
				skipped = append(skipped, p)
			}
		}
		m.restoreWalked(q, skipped)
	}
	return result, dropped
}

// restoreWalked puts packets popped during a DequeueMatch walk but not
// accepted or dropped back where they came from, in their original
// relative order, bypassing drop policy since these bytes were already
// admitted once.
func (m *BinQueueMgr) restoreWalked(q *classQueue, skipped []*Packet) {
	for i := len(skipped) - 1; i >= 0; i-- {
		p := skipped[i]
		if q.order == OrderLIFO {
			q.items.PushBack(p)
		} else {
			q.items.PushFront(p)
		}
		q.bytes += p.Bytes
	}
}

// Zombify converts an expired packet into a size-preserving placeholder so
// its bytes keep contributing to the backpressure gradient. If
// PacketlessZombies is set, only the byte count is retained.
func (m *BinQueueMgr) Zombify(pkt *Packet) {
	m.zombieBytes += pkt.Bytes
	if !m.packetlessZombies {
		pkt.Zombie = true
		q := m.classes[ClassExpired]
		q.push(pkt)
		m.aggBytes += pkt.Bytes
	}
}

// SetVirtDepth sets the signed virtual-queue bias for (this destination,
// neighbor). Included in gradient computation but never in physical
// counts.
func (m *BinQueueMgr) SetVirtDepth(neighbor int, value int64) { m.virt[neighbor] = value }

func (m *BinQueueMgr) GetVirtDepth(neighbor int) int64 { return m.virt[neighbor] }

// DepthBytes returns the aggregate physical backlog, which together with
// ZombieDepthBytes always accounts for every retained byte.
func (m *BinQueueMgr) DepthBytes() int { return m.aggBytes }

func (m *BinQueueMgr) DepthBytesForClass(c LatencyClass) int { return m.classes[c].bytes }

func (m *BinQueueMgr) LSDepthBytes() int { return m.lsBytes }

func (m *BinQueueMgr) ZombieDepthBytes() int { return m.zombieBytes }

func (m *BinQueueMgr) EWMADepth() float64 { return m.ewmaDepth }

func (m *BinQueueMgr) MaxDepthBytes() int { return m.maxDepth }

func (m *BinQueueMgr) OldestArrival() time.Time { return m.oldestArrival }
