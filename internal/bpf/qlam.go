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
	"encoding/binary"
	"fmt"

	"gnat/internal/ironerr"
)

// QLAMType is the wire type byte for a Queue-Length Advertisement Message.
const QLAMType byte = 0x01

// QLAMPair is one (destination, queue-depth) entry within a group.
type QLAMPair struct {
	DstBinId        byte
	QueueDepthBytes uint32
	LSQueueDepthBytes uint32
}

// QLAMGroup carries the unicast group (GroupId 0) or one multicast
// group's per-destination depths.
type QLAMGroup struct {
	GroupId uint32
	Pairs   []QLAMPair
}

// QLAM is the decoded, bit-exact wire shape of a Queue-depth/Link-state
// Advertisement Message.
type QLAM struct {
	SrcBinId byte
	SeqNum   uint32
	Groups   []QLAMGroup
}

// Encode serializes q per the wire layout:
//
//	Type(1) | SrcBinId(1) | SeqNum(4) | NumGroups(2)
//	  for each group:
//	    GroupId(4) | NumPairs(1)
//	    for each pair: DstBinId(1) | QueueDepthBytes(4) | LSQueueDepthBytes(4)
func (q *QLAM) Encode() ([]byte, error) {
	if len(q.Groups) > 0xFFFF {
		return nil, ironerr.New(ironerr.Malformed, "qlam.encode", "too many groups")
	}
	buf := make([]byte, 0, 8+len(q.Groups)*5)
	buf = append(buf, QLAMType, q.SrcBinId)
	var seq [4]byte
	binary.BigEndian.PutUint32(seq[:], q.SeqNum)
	buf = append(buf, seq[:]...)
	var ng [2]byte
	binary.BigEndian.PutUint16(ng[:], uint16(len(q.Groups)))
	buf = append(buf, ng[:]...)
	for _, g := range q.Groups {
		if len(g.Pairs) > 0xFF {
			return nil, ironerr.New(ironerr.Malformed, "qlam.encode", "too many pairs in group")
		}
		var gid [4]byte
		binary.BigEndian.PutUint32(gid[:], g.GroupId)
		buf = append(buf, gid[:]...)
		buf = append(buf, byte(len(g.Pairs)))
		for _, p := range g.Pairs {
			buf = append(buf, p.DstBinId)
			var d, l [4]byte
			binary.BigEndian.PutUint32(d[:], p.QueueDepthBytes)
			binary.BigEndian.PutUint32(l[:], p.LSQueueDepthBytes)
			buf = append(buf, d[:]...)
			buf = append(buf, l[:]...)
		}
	}
	return buf, nil
}

// DecodeQLAM parses the wire layout produced by Encode. Any truncation or
// type mismatch is a Malformed error; no state mutation has happened by
// the time an error is returned.
func DecodeQLAM(buf []byte) (*QLAM, error) {
	if len(buf) < 8 {
		return nil, ironerr.New(ironerr.Malformed, "qlam.decode", "buffer too short")
	}
	if buf[0] != QLAMType {
		return nil, ironerr.New(ironerr.Malformed, "qlam.decode", fmt.Sprintf("unexpected type byte %d", buf[0]))
	}
	q := &QLAM{SrcBinId: buf[1], SeqNum: binary.BigEndian.Uint32(buf[2:6])}
	numGroups := int(binary.BigEndian.Uint16(buf[6:8]))
	off := 8
	for i := 0; i < numGroups; i++ {
		if off+5 > len(buf) {
			return nil, ironerr.New(ironerr.Malformed, "qlam.decode", "truncated group header")
		}
		g := QLAMGroup{GroupId: binary.BigEndian.Uint32(buf[off : off+4])}
		numPairs := int(buf[off+4])
		off += 5
		for j := 0; j < numPairs; j++ {
			if off+9 > len(buf) {
				return nil, ironerr.New(ironerr.Malformed, "qlam.decode", "truncated pair")
			}
			p := QLAMPair{
				DstBinId:          buf[off],
				QueueDepthBytes:   binary.BigEndian.Uint32(buf[off+1 : off+5]),
				LSQueueDepthBytes: binary.BigEndian.Uint32(buf[off+5 : off+9]),
			}
			off += 9
			g.Pairs = append(g.Pairs, p)
		}
		q.Groups = append(q.Groups, g)
	}
	return q, nil
}

// NeighborQLAMView tracks the last accepted sequence number and the
// replacement-on-accept queue-depth view for one neighbor: a QLAM with
// seq <= last accepted is stale and discarded without mutating the
// view; destinations omitted from an accepted QLAM retain their prior
// value.
type NeighborQLAMView struct {
	lastSeq       uint32
	haveSeq       bool
	staleCount    uint64
	depths        map[uint32]map[byte]QLAMPair // groupId -> dstBinId -> pair
}

// NewNeighborQLAMView constructs an empty view.
func NewNeighborQLAMView() *NeighborQLAMView {
	return &NeighborQLAMView{depths: make(map[uint32]map[byte]QLAMPair)}
}

// Accept applies q if its sequence number is strictly greater than the
// last accepted one. Returns false (and bumps the staleness counter)
// without mutating state otherwise.
func (v *NeighborQLAMView) Accept(q *QLAM) bool {
	if v.haveSeq && q.SeqNum <= v.lastSeq {
		v.staleCount++
		return false
	}
	v.lastSeq = q.SeqNum
	v.haveSeq = true
	for _, g := range q.Groups {
		m, ok := v.depths[g.GroupId]
		if !ok {
			m = make(map[byte]QLAMPair)
			v.depths[g.GroupId] = m
		}
		for _, p := range g.Pairs {
			m[p.DstBinId] = p
		}
	}
	return true
}

// DepthFor returns the neighbor's last-known queue depth for
// (groupId, dstBinId), or a zero QLAMPair and false if never reported.
func (v *NeighborQLAMView) DepthFor(groupId uint32, dstBinId byte) (QLAMPair, bool) {
	m, ok := v.depths[groupId]
	if !ok {
		return QLAMPair{}, false
	}
	p, ok := m[dstBinId]
	return p, ok
}

func (v *NeighborQLAMView) StaleCount() uint64 { return v.staleCount }
