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
	"math"

	"gnat/internal/ironerr"
)

// LSAType is the wire type byte for a Link-State Advertisement.
const LSAType byte = 0x02

// capacityDelta (Δ) is the encoded-capacity step size:
// C = (i + d·Δ)·10^e, Δ = 4e-3.
const capacityDelta = 4e-3

// LSANeighbor is one edge originating at the LSA's source bin.
type LSANeighbor struct {
	BinId          byte
	LatencyMean100us   uint16
	LatencyStdDev100us byte
	Capacity       uint64 // bits/s; zero if the C flag was not set on encode
}

// LSA is the decoded, bit-exact wire shape of a Link-State Advertisement.
type LSA struct {
	SrcBinId byte
	SeqNum   uint16
	Neighbors []LSANeighbor
	HasCapacity bool
	// QueueDelays holds the optional per-bin queue-delay payload, present
	// whenever NumBins > 0 regardless of the capacity flag.
	QueueDelays []LSAQueueDelay
}

// LSAQueueDelay is one (bin, queue-delay) pair appended to an LSA.
type LSAQueueDelay struct {
	BinId      byte
	DelayMicros uint32
}

// EncodeCapacity packs a bits/s capacity into the 2-byte (i,d,e) form:
// C = (i + d·Δ)·10^e with i in 1..9, d in 0..255 (step Δ=4e-3), e in 1..16,
// packed as i (4 bits) | d (8 bits) | e-1 (4 bits).
// Returns the closest representable encoding.
func EncodeCapacity(bps uint64) uint16 {
	if bps == 0 {
		return 0
	}
	best := uint16(0)
	bestErr := math.MaxFloat64
	for e := 1; e <= 16; e++ {
		scale := math.Pow(10, float64(e))
		target := float64(bps) / scale
		if target < 1 || target >= 10 {
			continue
		}
		i := int(target)
		if i < 1 {
			i = 1
		}
		if i > 9 {
			i = 9
		}
		d := (target - float64(i)) / capacityDelta
		di := int(math.Round(d))
		if di < 0 {
			di = 0
		}
		if di > 255 {
			di = 255
		}
		approx := (float64(i) + float64(di)*capacityDelta) * scale
		errv := math.Abs(approx - float64(bps))
		if errv < bestErr {
			bestErr = errv
			best = uint16(i)<<12 | uint16(di)<<4 | uint16(e-1)
		}
	}
	return best
}

// DecodeCapacity inverts EncodeCapacity bit-exact.
func DecodeCapacity(enc uint16) uint64 {
	if enc == 0 {
		return 0
	}
	i := (enc >> 12) & 0xF
	d := (enc >> 4) & 0xFF
	e := enc&0xF + 1
	c := (float64(i) + float64(d)*capacityDelta) * math.Pow(10, float64(e))
	return uint64(math.Round(c))
}

// Encode serializes the LSA as:
//
//	Type(1) | SrcBinId(1) | SeqNum(2) | NumNbrs(1) | NumBins(1) | Flags(1) | Pad(1)
//	  for each neighbor: BinId(1) | LatencyMean100us(2) | LatencyStdDev100us(1) [ EncodedCapacity(2) if C=1 ]
//	  for each bin queue-delay pair: BinId(1) | QueueDelay(4)
func (l *LSA) Encode() ([]byte, error) {
	if len(l.Neighbors) > 0xFF || len(l.QueueDelays) > 0xFF {
		return nil, ironerr.New(ironerr.Malformed, "lsa.encode", "too many neighbors/bins")
	}
	var flags byte
	if l.HasCapacity {
		flags = 1
	}
	buf := make([]byte, 0, 8+len(l.Neighbors)*6+len(l.QueueDelays)*5)
	buf = append(buf, LSAType, l.SrcBinId)
	var seq [2]byte
	binary.BigEndian.PutUint16(seq[:], l.SeqNum)
	buf = append(buf, seq[:]...)
	buf = append(buf, byte(len(l.Neighbors)), byte(len(l.QueueDelays)), flags, 0 /* pad */)
	for _, n := range l.Neighbors {
		buf = append(buf, n.BinId)
		var lat [2]byte
		binary.BigEndian.PutUint16(lat[:], n.LatencyMean100us)
		buf = append(buf, lat[:]...)
		buf = append(buf, n.LatencyStdDev100us)
		if l.HasCapacity {
			var c [2]byte
			binary.BigEndian.PutUint16(c[:], EncodeCapacity(n.Capacity))
			buf = append(buf, c[:]...)
		}
	}
	for _, qd := range l.QueueDelays {
		buf = append(buf, qd.BinId)
		var d [4]byte
		binary.BigEndian.PutUint32(d[:], qd.DelayMicros)
		buf = append(buf, d[:]...)
	}
	return buf, nil
}

// DecodeLSA parses the wire layout produced by Encode. When the capacity
// flag is set, each neighbor's EncodedCapacity field is always present;
// the queue-delay payload follows whenever NumBins > 0, independent of
// the capacity flag.
func DecodeLSA(buf []byte) (*LSA, error) {
	if len(buf) < 8 {
		return nil, ironerr.New(ironerr.Malformed, "lsa.decode", "buffer too short")
	}
	if buf[0] != LSAType {
		return nil, ironerr.New(ironerr.Malformed, "lsa.decode", "unexpected type byte")
	}
	l := &LSA{SrcBinId: buf[1], SeqNum: binary.BigEndian.Uint16(buf[2:4])}
	numNbrs := int(buf[4])
	numBins := int(buf[5])
	flags := buf[6]
	l.HasCapacity = flags&1 != 0
	off := 8
	nbrSize := 4
	if l.HasCapacity {
		nbrSize = 6
	}
	for i := 0; i < numNbrs; i++ {
		if off+nbrSize > len(buf) {
			return nil, ironerr.New(ironerr.Malformed, "lsa.decode", "truncated neighbor")
		}
		n := LSANeighbor{
			BinId:              buf[off],
			LatencyMean100us:   binary.BigEndian.Uint16(buf[off+1 : off+3]),
			LatencyStdDev100us: buf[off+3],
		}
		off += 4
		if l.HasCapacity {
			n.Capacity = DecodeCapacity(binary.BigEndian.Uint16(buf[off : off+2]))
			off += 2
		}
		l.Neighbors = append(l.Neighbors, n)
	}
	for i := 0; i < numBins; i++ {
		if off+5 > len(buf) {
			return nil, ironerr.New(ironerr.Malformed, "lsa.decode", "truncated queue-delay pair")
		}
		l.QueueDelays = append(l.QueueDelays, LSAQueueDelay{
			BinId:       buf[off],
			DelayMicros: binary.BigEndian.Uint32(buf[off+1 : off+5]),
		})
		off += 5
	}
	return l, nil
}

// LSAFreshness tracks, per origin bin, the last accepted sequence number
// so that acceptance stays monotonic.
type LSAFreshness struct {
	lastSeq map[byte]uint16
	haveSeq map[byte]bool
}

func NewLSAFreshness() *LSAFreshness {
	return &LSAFreshness{lastSeq: make(map[byte]uint16), haveSeq: make(map[byte]bool)}
}

// Accept reports whether l's sequence number is strictly greater than the
// last accepted for its origin, and if so records it as the new high
// watermark.
func (f *LSAFreshness) Accept(l *LSA) bool {
	if f.haveSeq[l.SrcBinId] && l.SeqNum <= f.lastSeq[l.SrcBinId] {
		return false
	}
	f.lastSeq[l.SrcBinId] = l.SeqNum
	f.haveSeq[l.SrcBinId] = true
	return true
}
