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
	"testing"
	"time"
)

func TestComputeFit_BelowMinCapacitySkipsTick(t *testing.T) {
	table := NewFlowTable()
	f := &FlowInfo{ID: tuple(1), Utility: &StrapUtility{Priority_: 1, NominalRate: 100}, State: FlowOff}
	table.Set(f)

	s := NewSVCR(SVCROptions{MinEgressCapacityBps: 1000}, table)
	results := s.ComputeFit(10, time.Now())
	if results != nil {
		t.Fatalf("ComputeFit below MinEgressCapacityBps must return nil, got %v", results)
	}
	if f.State != FlowOff {
		t.Fatal("ComputeFit below MinEgressCapacityBps must not mutate flow state")
	}
}

func TestComputeFit_InelasticFitsBeforeOverflow(t *testing.T) {
	table := NewFlowTable()
	a := &FlowInfo{ID: tuple(1), Utility: &StrapUtility{Priority_: 5, NominalRate: 600}, State: FlowOff}
	b := &FlowInfo{ID: tuple(2), Utility: &StrapUtility{Priority_: 1, NominalRate: 600}, State: FlowOff}
	table.Set(a)
	table.Set(b)

	s := NewSVCR(SVCROptions{}, table)
	now := time.Now()
	results := s.ComputeFit(1000, now)

	byID := map[FiveTuple]FitResult{}
	for _, r := range results {
		byID[r.Flow.ID] = r
	}
	if byID[a.ID].NewState != FlowOn {
		t.Fatalf("higher-normalized-utility flow a must be admitted, got %v", byID[a.ID].NewState)
	}
	if byID[b.ID].NewState != FlowOff {
		t.Fatalf("flow b must be rejected once capacity is exhausted, got %v", byID[b.ID].NewState)
	}
}

func TestComputeFit_ElasticFairShareProportionalToPriority(t *testing.T) {
	table := NewFlowTable()
	a := &FlowInfo{ID: tuple(1), Utility: &LogUtility{Priority_: 1}, State: FlowOff}
	b := &FlowInfo{ID: tuple(2), Utility: &LogUtility{Priority_: 3}, State: FlowOff}
	table.Set(a)
	table.Set(b)

	s := NewSVCR(SVCROptions{}, table)
	results := s.ComputeFit(400, time.Now())

	byID := map[FiveTuple]float64{}
	for _, r := range results {
		byID[r.Flow.ID] = r.AllocatedBps
	}
	if byID[a.ID] != 100 || byID[b.ID] != 300 {
		t.Fatalf("fair share = %v/%v, want 100/300 (1:3 priority ratio of 400)", byID[a.ID], byID[b.ID])
	}
}

func TestComputeFit_CoupledMembersExcludedFromDirectCompetition(t *testing.T) {
	table := NewFlowTable()
	a := &FlowInfo{ID: tuple(1), Utility: &LogUtility{Priority_: 1}, EWMARate: 100, State: FlowOn}
	b := &FlowInfo{ID: tuple(2), Utility: &LogUtility{Priority_: 1}, EWMARate: 100, State: FlowOn}
	table.Set(a)
	table.Set(b)
	Couple([]*FlowInfo{a, b})

	s := NewSVCR(SVCROptions{}, table)
	results := s.ComputeFit(1000, time.Now())

	for _, r := range results {
		if r.Flow == a || r.Flow == b {
			t.Fatalf("coupled member %+v must not appear directly in fit results", r.Flow.ID)
		}
	}
}

func TestDetectThrash_MarksFlowAfterRepeatedToggles(t *testing.T) {
	table := NewFlowTable()
	f := &FlowInfo{ID: tuple(1), Utility: &StrapUtility{Priority_: 1, NominalRate: 10}, State: FlowOff}
	table.Set(f)

	s := NewSVCR(SVCROptions{ThrashThreshold: 1, TriageInterval: time.Second}, table)
	now := time.Now()

	// Flip state across several ticks to accumulate toggles within the window.
	s.ComputeFit(1000, now)
	f.State = FlowOff
	s.ComputeFit(1000, now)
	f.State = FlowOn
	s.ComputeFit(1000, now)

	if !f.ThrashTriaged {
		t.Fatalf("flow with %d toggles within window should be thrash-triaged", f.ToggleCount)
	}
	if f.State != FlowTriaged {
		t.Fatalf("thrash-triaged flow state = %v, want FlowTriaged", f.State)
	}
}

func TestObserveLoss_MarksActiveProbeOnly(t *testing.T) {
	table := NewFlowTable()
	f := &FlowInfo{ID: tuple(1), Utility: &TrapUtility{Priority_: 1, NominalRate: 100, Delta_: 0.05}, State: FlowOn}
	table.Set(f)

	s := NewSVCR(SVCROptions{}, table)
	now := time.Now()
	s.ComputeFit(1000, now) // elects f as the loss probe for its destination

	s.ObserveLoss(f, 0.5, now)
	if !f.LossTriaged {
		t.Fatal("active probe observing loss above delta must be loss-triaged")
	}
	if f.State != FlowLossTriaged {
		t.Fatalf("state = %v, want FlowLossTriaged", f.State)
	}
}

func TestObserveLoss_IgnoresNonProbeFlow(t *testing.T) {
	table := NewFlowTable()
	f := &FlowInfo{ID: tuple(1), Utility: &TrapUtility{Priority_: 1, NominalRate: 100, Delta_: 0.05}, State: FlowOn}
	table.Set(f)

	s := NewSVCR(SVCROptions{}, table)
	// f was never elected as a probe (ComputeFit never ran), so ObserveLoss
	// must be a no-op regardless of loss magnitude.
	s.ObserveLoss(f, 0.99, time.Now())
	if f.LossTriaged {
		t.Fatal("ObserveLoss must ignore a flow that is not the active probe")
	}
}
