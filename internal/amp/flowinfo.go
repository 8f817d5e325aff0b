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

import (
	"time"

	"gnat/internal/bpf"
)

// FiveTuple keys flow state: proxy kind plus the classic four-tuple.
type FiveTuple struct {
	Proxy  string // "udp" | "tcp"
	SrcIP, DstIP string
	SrcPort, DstPort int
}

// FlowState is the lifecycle a flow moves through as observed by AMP.
type FlowState int

const (
	FlowUnreachable FlowState = iota
	FlowOn
	FlowOff
	FlowTriaged
	FlowLossTriaged
)

func (s FlowState) String() string {
	switch s {
	case FlowUnreachable:
		return "UNREACHABLE"
	case FlowOn:
		return "ON"
	case FlowOff:
		return "OFF"
	case FlowTriaged:
		return "TRIAGED"
	case FlowLossTriaged:
		return "LOSS_TRIAGED"
	default:
		return "UNKNOWN"
	}
}

// FlowInfo is the per-flow record SVCR fits against.
type FlowInfo struct {
	ID          FiveTuple
	Proxy       string
	Utility     UtilityFunc

	EWMARate    float64
	EWMAUtility float64
	State       FlowState

	ToggleCount   int
	LastToggle    time.Time
	ThrashTriaged bool
	LossTriaged   bool

	MaxQueueBits int64

	// FileTransfer is non-nil only for flows backing a bulk transfer
	// with a deadline and fixed size rather than a continuous stream.
	FileTransfer *FileTransfer

	// Coupling: a flow is independent, a member of a coupled set (ring),
	// or the aggregate representing one. Exactly one of these holds at
	// any time.
	coupledNext, coupledPrev *FlowInfo
	isAggregate              bool
	aggregateOf              []*FlowInfo // members, valid only when isAggregate
	AggregateFlow            *FlowInfo   // back-pointer from a member to its aggregate

	LossProbe bool // this flow currently carries the destination's loss probe
}

// NormalizedUtility is the sort key the fit solver uses to rank flows:
// priority * U'(rate) / nominal_rate for inelastic flows, or priority
// alone for elastic ones (Kind().IsElastic()).
// Recomputed whenever rate, priority, or utility changes.
func (f *FlowInfo) NormalizedUtility() float64 {
	if f.Utility == nil {
		return 0
	}
	if f.Utility.Kind().IsElastic() {
		return float64(f.Utility.Priority())
	}
	nominal := f.Utility.NominalRateBps()
	if nominal <= 0 {
		return 0
	}
	return float64(f.Utility.Priority()) * f.Utility.MarginalUtility(f.EWMARate) / nominal
}

// FlowTable is the per-flow store AMP and SVCR share: O(1) lookup by
// FiveTuple and O(1) ordered traversal, reusing bpf.LinkedHash rather
// than re-implementing the same hash-table-plus-ordering shape.
type FlowTable struct {
	flows *bpf.LinkedHash[FiveTuple, *FlowInfo]
}

func NewFlowTable() *FlowTable {
	return &FlowTable{flows: bpf.NewLinkedHash[FiveTuple, *FlowInfo]()}
}

func (t *FlowTable) Get(id FiveTuple) (*FlowInfo, bool) { return t.flows.Get(id) }

func (t *FlowTable) Set(f *FlowInfo) { t.flows.Set(f.ID, f) }

// Delete removes an independent flow's FlowInfo. Deleting a coupled
// member must go through Decouple first; Delete
// refuses to remove a flow that is still part of a ring.
func (t *FlowTable) Delete(id FiveTuple) bool {
	f, ok := t.flows.Get(id)
	if !ok {
		return false
	}
	if f.coupledNext != nil || f.AggregateFlow != nil {
		return false
	}
	return t.flows.Delete(id)
}

func (t *FlowTable) Range(fn func(*FlowInfo) bool) {
	t.flows.Range(func(_ FiveTuple, f *FlowInfo) bool { return fn(f) })
}

func (t *FlowTable) Len() int { return t.flows.Len() }

// Couple links flows into a ring and creates a new aggregate for them.
// A one-element list is a no-op. The aggregate's priority is the max of
// its members' and its rate is their sum, recomputed from the members
// on Couple and Decouple.
func Couple(flows []*FlowInfo) *FlowInfo {
	if len(flows) < 2 {
		return nil
	}
	agg := &FlowInfo{isAggregate: true, State: FlowOn}
	agg.Utility = &aggregateUtility{}
	for i, f := range flows {
		next := flows[(i+1)%len(flows)]
		f.coupledNext = next
		f.AggregateFlow = agg
		agg.aggregateOf = append(agg.aggregateOf, f)
	}
	recomputeAggregate(agg)
	return agg
}

// Decouple removes f from its aggregate's ring, rewriting neighbor
// pointers and recomputing the aggregate; if f was the last member, the
// aggregate itself is deleted. This fully detaches the removed member's
// FlowInfo rather than leaving it dangling.
func Decouple(f *FlowInfo) {
	agg := f.AggregateFlow
	if agg == nil {
		return
	}
	members := agg.aggregateOf[:0]
	for _, m := range agg.aggregateOf {
		if m != f {
			members = append(members, m)
		}
	}
	agg.aggregateOf = members
	f.AggregateFlow = nil
	f.coupledNext = nil
	f.coupledPrev = nil

	if len(agg.aggregateOf) == 0 {
		return // aggregate has no members left; caller drops the reference
	}
	if len(agg.aggregateOf) == 1 {
		// A single remaining member is no longer coupled (no-op ring).
		solo := agg.aggregateOf[0]
		solo.AggregateFlow = nil
		solo.coupledNext = nil
		agg.aggregateOf = nil
		return
	}
	// re-link the ring over the remaining members in their existing order
	for i, m := range agg.aggregateOf {
		m.coupledNext = agg.aggregateOf[(i+1)%len(agg.aggregateOf)]
	}
	recomputeAggregate(agg)
}

func recomputeAggregate(agg *FlowInfo) {
	var sumRate float64
	maxPriority := 0
	for _, m := range agg.aggregateOf {
		sumRate += m.EWMARate
		if p := m.Utility.Priority(); p > maxPriority {
			maxPriority = p
		}
	}
	agg.EWMARate = sumRate
	if au, ok := agg.Utility.(*aggregateUtility); ok {
		au.priority = maxPriority
	}
}

// aggregateUtility is a thin UtilityFunc so the aggregate FlowInfo can
// participate in SVCR sorting like any other flow: its priority tracks
// max(member priorities).
type aggregateUtility struct {
	priority int
}

func (a *aggregateUtility) Kind() UtilityKind                  { return UtilityLOG }
func (a *aggregateUtility) Utility(r float64) float64           { return float64(a.priority) * r }
func (a *aggregateUtility) MarginalUtility(float64) float64    { return float64(a.priority) }
func (a *aggregateUtility) Priority() int                       { return a.priority }
func (a *aggregateUtility) NominalRateBps() float64             { return 0 }
func (a *aggregateUtility) Delta() float64                      { return 0 }
