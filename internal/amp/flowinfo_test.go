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

package amp

import "testing"

func tuple(port int) FiveTuple {
	return FiveTuple{Proxy: "udp", SrcIP: "10.0.0.1", DstIP: "10.0.0.2", SrcPort: port, DstPort: 9000}
}

func TestFlowTable_Delete_RefusesCoupledMember(t *testing.T) {
	table := NewFlowTable()
	a := &FlowInfo{ID: tuple(1), Utility: &LogUtility{Priority_: 1}}
	b := &FlowInfo{ID: tuple(2), Utility: &LogUtility{Priority_: 1}}
	table.Set(a)
	table.Set(b)

	Couple([]*FlowInfo{a, b})

	if table.Delete(a.ID) {
		t.Fatal("Delete must refuse a flow still coupled to an aggregate")
	}
}

func TestCouple_SingleFlowIsNoOp(t *testing.T) {
	a := &FlowInfo{ID: tuple(1), Utility: &LogUtility{Priority_: 1}}
	if agg := Couple([]*FlowInfo{a}); agg != nil {
		t.Fatal("Couple of a single flow must be a no-op")
	}
}

func TestCouple_AggregatesRateAndMaxPriority(t *testing.T) {
	a := &FlowInfo{ID: tuple(1), Utility: &LogUtility{Priority_: 1}, EWMARate: 100}
	b := &FlowInfo{ID: tuple(2), Utility: &LogUtility{Priority_: 5}, EWMARate: 200}
	c := &FlowInfo{ID: tuple(3), Utility: &LogUtility{Priority_: 2}, EWMARate: 50}

	agg := Couple([]*FlowInfo{a, b, c})
	if agg == nil {
		t.Fatal("Couple of 3 flows must return a non-nil aggregate")
	}
	if agg.EWMARate != 350 {
		t.Fatalf("aggregate rate = %v, want 350", agg.EWMARate)
	}
	if agg.Utility.Priority() != 5 {
		t.Fatalf("aggregate priority = %d, want 5 (max of members)", agg.Utility.Priority())
	}
	for _, f := range []*FlowInfo{a, b, c} {
		if f.AggregateFlow != agg {
			t.Fatalf("member %+v not linked to aggregate", f.ID)
		}
	}
}

// TestDecouple_FullEndToEndScenario mirrors the coupled-flow removal
// end-to-end scenario: a 3-member ring loses one member, and the
// remaining two stay correctly coupled with a recomputed aggregate,
// while the removed flow is fully detached and independently deletable.
func TestDecouple_FullEndToEndScenario(t *testing.T) {
	table := NewFlowTable()
	a := &FlowInfo{ID: tuple(1), Utility: &LogUtility{Priority_: 1}, EWMARate: 100}
	b := &FlowInfo{ID: tuple(2), Utility: &LogUtility{Priority_: 5}, EWMARate: 200}
	c := &FlowInfo{ID: tuple(3), Utility: &LogUtility{Priority_: 2}, EWMARate: 50}
	table.Set(a)
	table.Set(b)
	table.Set(c)

	agg := Couple([]*FlowInfo{a, b, c})

	Decouple(b)

	if b.AggregateFlow != nil || b.coupledNext != nil {
		t.Fatal("removed member must be fully detached")
	}
	if !table.Delete(b.ID) {
		t.Fatal("fully detached flow must now be deletable")
	}

	if agg.EWMARate != 150 {
		t.Fatalf("aggregate rate after removal = %v, want 150 (100+50)", agg.EWMARate)
	}
	if agg.Utility.Priority() != 2 {
		t.Fatalf("aggregate priority after removal = %d, want 2 (max of remaining a,c)", agg.Utility.Priority())
	}
	if a.AggregateFlow != agg || c.AggregateFlow != agg {
		t.Fatal("remaining members must still point at the aggregate")
	}
	if a.coupledNext != c || c.coupledNext != a {
		t.Fatal("remaining two members must form a 2-cycle ring")
	}
}

func TestDecouple_LastMemberDropsAggregate(t *testing.T) {
	a := &FlowInfo{ID: tuple(1), Utility: &LogUtility{Priority_: 1}}
	b := &FlowInfo{ID: tuple(2), Utility: &LogUtility{Priority_: 1}}
	Couple([]*FlowInfo{a, b})

	Decouple(a)
	Decouple(b)

	if b.AggregateFlow != nil || b.coupledNext != nil {
		t.Fatal("last member must be independent after decoupling")
	}
}

func TestNormalizedUtility_ElasticUsesPriorityAlone(t *testing.T) {
	f := &FlowInfo{Utility: &LogUtility{Priority_: 7}, EWMARate: 1000}
	if got := f.NormalizedUtility(); got != 7 {
		t.Fatalf("elastic NormalizedUtility = %v, want 7", got)
	}
}

func TestNormalizedUtility_InelasticUsesMarginalOverNominal(t *testing.T) {
	f := &FlowInfo{Utility: &StrapUtility{Priority_: 2, NominalRate: 100}, EWMARate: 50}
	want := float64(2) * 2 / 100
	if got := f.NormalizedUtility(); got != want {
		t.Fatalf("inelastic NormalizedUtility = %v, want %v", got, want)
	}
}
