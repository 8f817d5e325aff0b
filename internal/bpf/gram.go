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

	"gnat/internal/ironerr"
)

// GRAMDefaultPort and GRAMDefaultGroup are the defaults for Group
// Advertisement Message transport.
const (
	GRAMDefaultPort  = 48901
	GRAMDefaultGroup = "224.77.77.77"
)

// GRAMOp selects whether a GRAM reports a join or a leave.
type GRAMOp byte

const (
	GRAMJoin  GRAMOp = 1
	GRAMLeave GRAMOp = 2
)

// GRAM is a Group Advertisement Message: a multicast-membership change for
// one destination in one group, as produced by IGMP/PIM sniffing
// (the sniffer itself is out of scope here;
// only its effect on the BinMap multicast bin map is implemented).
type GRAM struct {
	GroupAddr net.IP
	DstBinId  byte
	Op        GRAMOp
}

// Encode serializes a GRAM as: GroupAddr(4) | DstBinId(1) | Op(1).
func (g *GRAM) Encode() ([]byte, error) {
	v4 := g.GroupAddr.To4()
	if v4 == nil {
		return nil, ironerr.New(ironerr.Malformed, "gram.encode", "group address is not IPv4")
	}
	buf := make([]byte, 6)
	copy(buf[0:4], v4)
	buf[4] = g.DstBinId
	buf[5] = byte(g.Op)
	return buf, nil
}

// DecodeGRAM parses the wire layout produced by Encode.
func DecodeGRAM(buf []byte) (*GRAM, error) {
	if len(buf) != 6 {
		return nil, ironerr.New(ironerr.Malformed, "gram.decode", "unexpected length")
	}
	return &GRAM{
		GroupAddr: net.IPv4(buf[0], buf[1], buf[2], buf[3]),
		DstBinId:  buf[4],
		Op:        GRAMOp(buf[5]),
	}, nil
}

// ApplyGRAM mutates bm's dynamic multicast membership per g. It is the
// entire effect of group-management sniffing implemented here.
// Static groups reject the mutation (policy error); the caller
// (BPFwder) is responsible for re-broadcasting to other neighbors once
// this returns nil.
func ApplyGRAM(bm *BinMap, g *GRAM) error {
	idx, ok := bm.mcastByAddr[g.GroupAddr.String()]
	if !ok {
		return ironerr.New(ironerr.Malformed, "gram.apply", "unknown multicast group")
	}
	switch g.Op {
	case GRAMJoin:
		return bm.AddDstToMcastGroup(idx, int(g.DstBinId))
	case GRAMLeave:
		return bm.RemoveDstFromMcastGroup(idx, int(g.DstBinId))
	default:
		return ironerr.New(ironerr.Malformed, "gram.apply", "unknown op")
	}
}
