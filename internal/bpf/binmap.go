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
	"sync"

	"gnat/internal/ironerr"
)

// Identifier space limits.
const (
	MaxUcastId      = 24
	MaxIntNodeId    = 24
	MaxNumMcastGrps = 16
)

// DstVec is a bit vector of at most MaxUcastId unicast-destination IDs.
type DstVec uint32

func (v DstVec) Has(dst int) bool { return v&(1<<uint(dst)) != 0 }
func (v DstVec) Set(dst int) DstVec {
	return v | (1 << uint(dst))
}
func (v DstVec) Clear(dst int) DstVec {
	return v &^ (1 << uint(dst))
}
func (v DstVec) Union(o DstVec) DstVec { return v | o }
func (v DstVec) PopCount() int {
	n := 0
	for x := v; x != 0; x &= x - 1 {
		n++
	}
	return n
}

// Subtract removes the destinations in sub from v. sub must be a subset of
// v; callers that cannot guarantee this should use CheckedSubtract.
func (v DstVec) Subtract(sub DstVec) DstVec { return v &^ sub }

// CheckedSubtract enforces that subtract is a subset of original,
// failing rather than silently producing a malformed result.
func CheckedSubtract(original, subtract DstVec) (DstVec, error) {
	if subtract&^original != 0 {
		return 0, ironerr.ErrBadSubtract
	}
	return original &^ subtract, nil
}

// McastGroup holds one multicast group's membership and whether that
// membership is immutable (static) or may be mutated by control traffic
// and GRAM ingestion (dynamic).
type McastGroup struct {
	Index   int
	Addr    net.IP
	Dsts    DstVec
	IsStatic bool
}

// subnetEntry is a disjoint IPv4 subnet mapped to one unicast destination.
type subnetEntry struct {
	network net.IPNet
	dstIdx  int
}

// BinMap maps unicast-destination, interior-node, and multicast-group
// identifiers into three disjoint dense index ranges, and resolves an
// IPv4 address to the destination index whose subnet covers it.
//
// It is intended to live in process-wide shared memory so BPF and both
// proxies observe identical state; this in-process port
// models that with a single mutex guarding infrequent writes, since
// lookups vastly outnumber updates.
type BinMap struct {
	mu sync.RWMutex

	numUcast   int
	numIntNode int

	subnets []subnetEntry
	mcast   []*McastGroup
	mcastByAddr map[string]int

	maxUcast int
	maxMcast int
}

// NewBinMap constructs an empty BinMap. maxUcast/maxMcast default to the
// spec's defaults (24, 16) when zero.
func NewBinMap(maxUcast, maxMcast int) *BinMap {
	if maxUcast <= 0 {
		maxUcast = MaxUcastId
	}
	if maxMcast <= 0 {
		maxMcast = MaxNumMcastGrps
	}
	return &BinMap{
		maxUcast:    maxUcast,
		maxMcast:    maxMcast,
		mcastByAddr: make(map[string]int),
	}
}

const invalidIndex = -1

// AddUcastDst registers a new unicast destination index covering the given
// subnets. Fails if the configured maximum would be exceeded.
func (b *BinMap) AddUcastDst(subnets []net.IPNet) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.numUcast >= b.maxUcast {
		return invalidIndex, ironerr.ErrDstFull
	}
	idx := b.numUcast
	b.numUcast++
	for _, n := range subnets {
		b.subnets = append(b.subnets, subnetEntry{network: n, dstIdx: idx})
	}
	return idx, nil
}

// AddInteriorNode registers a new interior-node index. Interior nodes
// carry no destination subnets.
func (b *BinMap) AddInteriorNode() (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.numIntNode >= MaxIntNodeId {
		return invalidIndex, ironerr.ErrDstFull
	}
	idx := b.numIntNode
	b.numIntNode++
	return idx, nil
}

// DstIndexFor returns the destination index whose subnet covers addr, or
// the multicast index if addr is a multicast address, or (-1, false) if
// no subnet matches.
func (b *BinMap) DstIndexFor(addr net.IP) (int, bool) {
	if addr.IsMulticast() {
		b.mu.RLock()
		idx, ok := b.mcastByAddr[addr.String()]
		b.mu.RUnlock()
		if !ok {
			return invalidIndex, false
		}
		return idx, true
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, s := range b.subnets {
		if s.network.Contains(addr) {
			return s.dstIdx, true
		}
	}
	return invalidIndex, false
}

// AddMcastGroup registers a new multicast group for addr. isStatic groups
// can never be mutated by AddDstToMcastGroup/RemoveDstFromMcastGroup.
func (b *BinMap) AddMcastGroup(addr net.IP, isStatic bool) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if len(b.mcast) >= b.maxMcast {
		return invalidIndex, ironerr.ErrGroupFull
	}
	idx := len(b.mcast)
	b.mcast = append(b.mcast, &McastGroup{Index: idx, Addr: addr, IsStatic: isStatic})
	b.mcastByAddr[addr.String()] = idx
	return idx, nil
}

// GetMcastDsts returns the current destination vector for a multicast
// group index.
func (b *BinMap) GetMcastDsts(mcastIdx int) (DstVec, bool) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if mcastIdx < 0 || mcastIdx >= len(b.mcast) {
		return 0, false
	}
	return b.mcast[mcastIdx].Dsts, true
}

// AddDstToMcastGroup adds dst to a dynamic group. Fails on a static group.
func (b *BinMap) AddDstToMcastGroup(mcastIdx, dst int) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	g, err := b.groupLocked(mcastIdx)
	if err != nil {
		return err
	}
	if g.IsStatic {
		return ironerr.ErrStaticGroup
	}
	g.Dsts = g.Dsts.Set(dst)
	return nil
}

// RemoveDstFromMcastGroup removes dst from a dynamic group. Fails on a
// static group.
func (b *BinMap) RemoveDstFromMcastGroup(mcastIdx, dst int) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	g, err := b.groupLocked(mcastIdx)
	if err != nil {
		return err
	}
	if g.IsStatic {
		return ironerr.ErrStaticGroup
	}
	g.Dsts = g.Dsts.Clear(dst)
	return nil
}

// PurgeDstFromMcastGroups removes dst from every group, static or dynamic.
// This is the one mutator exempt from the static-group policy rejection
//, used when a destination node is decommissioned.
func (b *BinMap) PurgeDstFromMcastGroups(dst int) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, g := range b.mcast {
		g.Dsts = g.Dsts.Clear(dst)
	}
}

func (b *BinMap) groupLocked(mcastIdx int) (*McastGroup, error) {
	if mcastIdx < 0 || mcastIdx >= len(b.mcast) {
		return nil, ironerr.New(ironerr.PolicyRejected, "binmap", "unknown multicast group index")
	}
	return b.mcast[mcastIdx], nil
}

// NumUcast, NumIntNode, NumMcast report the current occupancy of each
// index range; used to size fixed-capacity arrays against configured
// resource caps.
func (b *BinMap) NumUcast() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.numUcast
}

func (b *BinMap) NumIntNode() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.numIntNode
}

func (b *BinMap) NumMcast() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.mcast)
}
