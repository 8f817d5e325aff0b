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

package udpproxy

import (
	"encoding/binary"
	"fmt"
	"math"
)

// RRM is a Receiver Report Message: sent every periodic_rrm_interval_ms
// from the decoder to the source BPF's control channel. The wire layout
// mirrors bpf's QLAM/LSA big-endian fixed-field
// encoding (internal/bpf/qlam.go, internal/bpf/lsa.go) rather than
// reusing JSON, since RRMs travel the same control channel as those
// codecs and at the same frequency.
type RRM struct {
	FlowID           uint32
	HighestBytesSrc  uint64
	HighestPktsSrc   uint64
	TotalBytesRel    uint64
	TotalPktsRel     uint64
	AvgLossRate      float64
}

const rrmWireLen = 4 + 8 + 8 + 8 + 8 + 8

// Encode serializes an RRM to its fixed-width wire form.
func (r *RRM) Encode() []byte {
	buf := make([]byte, rrmWireLen)
	binary.BigEndian.PutUint32(buf[0:4], r.FlowID)
	binary.BigEndian.PutUint64(buf[4:12], r.HighestBytesSrc)
	binary.BigEndian.PutUint64(buf[12:20], r.HighestPktsSrc)
	binary.BigEndian.PutUint64(buf[20:28], r.TotalBytesRel)
	binary.BigEndian.PutUint64(buf[28:36], r.TotalPktsRel)
	binary.BigEndian.PutUint64(buf[36:44], math.Float64bits(r.AvgLossRate))
	return buf
}

// DecodeRRM parses an RRM from its wire form.
func DecodeRRM(buf []byte) (*RRM, error) {
	if len(buf) != rrmWireLen {
		return nil, fmt.Errorf("udpproxy: RRM buffer length %d, want %d", len(buf), rrmWireLen)
	}
	return &RRM{
		FlowID:          binary.BigEndian.Uint32(buf[0:4]),
		HighestBytesSrc: binary.BigEndian.Uint64(buf[4:12]),
		HighestPktsSrc:  binary.BigEndian.Uint64(buf[12:20]),
		TotalBytesRel:   binary.BigEndian.Uint64(buf[20:28]),
		TotalPktsRel:    binary.BigEndian.Uint64(buf[28:36]),
		AvgLossRate:     math.Float64frombits(binary.BigEndian.Uint64(buf[36:44])),
	}, nil
}

// BuildRRM packages a decoding flow's current state into an outbound RRM.
func BuildRRM(flowID uint32, s *DecodingState, pktsReleased uint64) *RRM {
	rec := s.ReleaseRecordSnapshot()
	return &RRM{
		FlowID:          flowID,
		HighestBytesSrc: uint64(rec.HighestBytesSeen),
		HighestPktsSrc:  rec.HighestSeqSeen,
		TotalBytesRel:   uint64(rec.ReleasedBytes),
		TotalPktsRel:    pktsReleased,
		AvgLossRate:     rec.LossRate(),
	}
}
