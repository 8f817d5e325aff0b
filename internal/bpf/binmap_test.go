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
	"testing"

	"gnat/internal/ironerr"
)

func mustCIDR(t *testing.T, s string) net.IPNet {
	t.Helper()
	_, n, err := net.ParseCIDR(s)
	if err != nil {
		t.Fatalf("ParseCIDR(%s): %v", s, err)
	}
	return *n
}

func TestBinMap_DstIndexFor(t *testing.T) {
	bm := NewBinMap(0, 0)
	a, err := bm.AddUcastDst([]net.IPNet{mustCIDR(t, "10.0.1.0/24")})
	if err != nil {
		t.Fatalf("AddUcastDst: %v", err)
	}
	b, err := bm.AddUcastDst([]net.IPNet{mustCIDR(t, "10.0.2.0/24")})
	if err != nil {
		t.Fatalf("AddUcastDst: %v", err)
	}

	idx, ok := bm.DstIndexFor(net.ParseIP("10.0.1.42"))
	if !ok || idx != a {
		t.Fatalf("DstIndexFor(10.0.1.42) = (%d, %v), want (%d, true)", idx, ok, a)
	}
	idx, ok = bm.DstIndexFor(net.ParseIP("10.0.2.7"))
	if !ok || idx != b {
		t.Fatalf("DstIndexFor(10.0.2.7) = (%d, %v), want (%d, true)", idx, ok, b)
	}
	if _, ok := bm.DstIndexFor(net.ParseIP("192.168.1.1")); ok {
		t.Fatal("DstIndexFor matched an unconfigured subnet")
	}
}

func TestBinMap_MaxUcastEnforced(t *testing.T) {
	bm := NewBinMap(2, 0)
	if _, err := bm.AddUcastDst(nil); err != nil {
		t.Fatalf("AddUcastDst #1: %v", err)
	}
	if _, err := bm.AddUcastDst(nil); err != nil {
		t.Fatalf("AddUcastDst #2: %v", err)
	}
	if _, err := bm.AddUcastDst(nil); !ironerr.Is(err, ironerr.PolicyRejected) {
		t.Fatalf("AddUcastDst #3 = %v, want PolicyRejected", err)
	}
}

func TestBinMap_StaticGroupRejectsMutation(t *testing.T) {
	bm := NewBinMap(0, 0)
	idx, err := bm.AddMcastGroup(net.ParseIP("224.1.1.1"), true)
	if err != nil {
		t.Fatalf("AddMcastGroup: %v", err)
	}
	if err := bm.AddDstToMcastGroup(idx, 3); !ironerr.Is(err, ironerr.PolicyRejected) {
		t.Fatalf("AddDstToMcastGroup on static group = %v, want PolicyRejected", err)
	}
	// Purge is exempt from the static-group policy.
	bm.PurgeDstFromMcastGroups(3)
}

func TestBinMap_DynamicGroupMembership(t *testing.T) {
	bm := NewBinMap(0, 0)
	idx, err := bm.AddMcastGroup(net.ParseIP("224.2.2.2"), false)
	if err != nil {
		t.Fatalf("AddMcastGroup: %v", err)
	}
	if err := bm.AddDstToMcastGroup(idx, 1); err != nil {
		t.Fatalf("AddDstToMcastGroup: %v", err)
	}
	if err := bm.AddDstToMcastGroup(idx, 4); err != nil {
		t.Fatalf("AddDstToMcastGroup: %v", err)
	}
	dsts, ok := bm.GetMcastDsts(idx)
	if !ok {
		t.Fatal("GetMcastDsts: not found")
	}
	if !dsts.Has(1) || !dsts.Has(4) || dsts.PopCount() != 2 {
		t.Fatalf("GetMcastDsts = %v, want {1,4}", dsts)
	}
	if err := bm.RemoveDstFromMcastGroup(idx, 1); err != nil {
		t.Fatalf("RemoveDstFromMcastGroup: %v", err)
	}
	dsts, _ = bm.GetMcastDsts(idx)
	if dsts.Has(1) || !dsts.Has(4) {
		t.Fatalf("GetMcastDsts after remove = %v, want {4}", dsts)
	}
}

func TestDstVec_CheckedSubtract(t *testing.T) {
	var original DstVec
	original = original.Set(1).Set(2).Set(3)
	sub := DstVec(0).Set(1).Set(2)

	got, err := CheckedSubtract(original, sub)
	if err != nil {
		t.Fatalf("CheckedSubtract: %v", err)
	}
	if got.Has(1) || got.Has(2) || !got.Has(3) {
		t.Fatalf("CheckedSubtract result = %v, want {3}", got)
	}

	badSub := DstVec(0).Set(5)
	if _, err := CheckedSubtract(original, badSub); !ironerr.Is(err, ironerr.PolicyRejected) {
		t.Fatalf("CheckedSubtract with non-subset = %v, want PolicyRejected", err)
	}
}

func TestDstVec_AddRemoveRoundTrip(t *testing.T) {
	var v DstVec
	v = v.Set(7)
	v = v.Clear(7)
	if v != 0 {
		t.Fatalf("add-then-remove = %v, want 0", v)
	}
}
