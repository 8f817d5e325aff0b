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
	"sort"
	"time"
)

// SVCROptions configures the fit solver's thresholds.
type SVCROptions struct {
	MinEgressCapacityBps float64
	QueueNormalizerK     float64 // K in q = K*Sum(p)/C_elastic
	ThrashThreshold       int
	TriageInterval        time.Duration
	StabilityMultiplier   float64
	ProbingMaxLoss        float64 // 0.98
	TriageCycles          int
	LossTriageInterval    time.Duration
}

func (o SVCROptions) withDefaults() SVCROptions {
	if o.QueueNormalizerK == 0 {
		o.QueueNormalizerK = 1.0
	}
	if o.ThrashThreshold == 0 {
		o.ThrashThreshold = 4
	}
	if o.TriageInterval == 0 {
		o.TriageInterval = 2 * time.Second
	}
	if o.StabilityMultiplier == 0 {
		o.StabilityMultiplier = 3
	}
	if o.ProbingMaxLoss == 0 {
		o.ProbingMaxLoss = 0.98
	}
	if o.TriageCycles == 0 {
		o.TriageCycles = 3
	}
	if o.LossTriageInterval == 0 {
		o.LossTriageInterval = 10 * time.Second
	}
	return o
}

// SVCR is the Supervisory Controller: the max-utility-fit solver inside
// AMP. It does not re-plan from scratch on every tick; it
// walks a priority-sorted list greedily, triaging thrashing and lossy
// flows out of consideration.
type SVCR struct {
	opts  SVCROptions
	table *FlowTable

	lossProbeByDst  map[string]*FlowInfo
	probeObservedLossSum map[string]float64
	probeCycles     map[string]int
}

func NewSVCR(opts SVCROptions, table *FlowTable) *SVCR {
	return &SVCR{
		opts:                 opts.withDefaults(),
		table:                table,
		lossProbeByDst:       make(map[string]*FlowInfo),
		probeObservedLossSum: make(map[string]float64),
		probeCycles:          make(map[string]int),
	}
}

// FitResult is one flow's outcome from a ComputeFit call.
type FitResult struct {
	Flow         *FlowInfo
	NewState     FlowState
	AllocatedBps float64
}

// ComputeFit allocates egress capacity to maximize
// Σ U_f(x_f) subject to Σ x_f <= C. Capacity below MinEgressCapacityBps
// skips the entire tick without mutating state.
func (s *SVCR) ComputeFit(capacityBps float64, now time.Time) []FitResult {
	if capacityBps < s.opts.MinEgressCapacityBps {
		return nil
	}

	// Coupled members do not compete individually: the ring is fit as a
	// single aggregate. Independent flows and
	// aggregates themselves are the only direct candidates.
	var candidates, triaged []*FlowInfo
	s.table.Range(func(f *FlowInfo) bool {
		if f.AggregateFlow != nil {
			return true // coupled member; represented by its aggregate instead
		}
		switch {
		case f.State == FlowOn || f.State == FlowOff:
			candidates = append(candidates, f)
		case f.ThrashTriaged || f.LossTriaged:
			triaged = append(triaged, f)
		}
		return true
	})

	s.detectThrash(candidates, now)
	s.recoverFromTriage(triaged, now)
	for _, f := range triaged {
		if !f.ThrashTriaged && !f.LossTriaged {
			candidates = append(candidates, f) // hold expired: fit again this tick
		}
	}

	// Walk two populations: inelastic flows sorted by normalized
	// utility, elastic flows handled by a separate fair-share pass
	//.
	var inelastic, elastic []*FlowInfo
	for _, f := range candidates {
		if f.ThrashTriaged || f.LossTriaged {
			continue
		}
		if f.Utility.Kind().IsElastic() {
			elastic = append(elastic, f)
		} else {
			inelastic = append(inelastic, f)
		}
	}
	sort.SliceStable(inelastic, func(i, j int) bool {
		return inelastic[i].NormalizedUtility() > inelastic[j].NormalizedUtility()
	})
	sort.SliceStable(elastic, func(i, j int) bool {
		return elastic[i].Utility.Priority() > elastic[j].Utility.Priority()
	})

	var results []FitResult
	var allocated float64

	for _, f := range inelastic {
		rate := f.Utility.NominalRateBps()
		if f.FileTransfer != nil {
			// A bulk transfer's required rate is driven by its remaining
			// bits and deadline, not by its service definition's nominal
			// rate; a transfer already past deadline asks for a rate the
			// fit loop can never satisfy, so it is left off.
			if req := f.FileTransfer.RequiredRateBps(now); req >= 0 {
				rate = req
			} else {
				results = append(results, s.transition(f, FlowOff, 0, now))
				continue
			}
		}
		if allocated+rate > capacityBps {
			results = append(results, s.transition(f, FlowOff, 0, now))
			continue
		}
		allocated += rate
		results = append(results, s.transition(f, FlowOn, rate, now))
	}

	remaining := capacityBps - allocated
	if remaining > 0 && len(elastic) > 0 {
		sumP := 0.0
		for _, f := range elastic {
			sumP += float64(f.Utility.Priority())
		}
		for _, f := range elastic {
			share := float64(f.Utility.Priority()) / sumP * remaining
			results = append(results, s.transition(f, FlowOn, share, now))
		}
	} else {
		for _, f := range elastic {
			results = append(results, s.transition(f, FlowOff, 0, now))
		}
	}

	s.runLossProbeCycle(candidates, now)

	return results
}

func (s *SVCR) transition(f *FlowInfo, newState FlowState, rate float64, now time.Time) FitResult {
	if f.State != newState {
		f.ToggleCount++
		f.LastToggle = now
	}
	f.State = newState
	f.EWMARate = rate
	return FitResult{Flow: f, NewState: newState, AllocatedBps: rate}
}

// detectThrash marks flows whose toggle_count exceeds ThrashThreshold
// within 1.5*TriageInterval as FLOW_TRIAGED, held off for
// stabilityHold.
func (s *SVCR) detectThrash(flows []*FlowInfo, now time.Time) {
	window := time.Duration(1.5 * float64(s.opts.TriageInterval))
	for _, f := range flows {
		if f.ThrashTriaged {
			continue
		}
		if f.ToggleCount > s.opts.ThrashThreshold && now.Sub(f.LastToggle) <= window {
			f.ThrashTriaged = true
			f.State = FlowTriaged
			f.LastToggle = now
		}
	}
}

// recoverFromTriage returns thrash-triaged flows to the fit pool (as OFF)
// after stabilityHold, and loss-triaged flows after LossTriageInterval;
// ComputeFit then fits them in the same tick, turning them ON if they fit.
func (s *SVCR) recoverFromTriage(flows []*FlowInfo, now time.Time) {
	for _, f := range flows {
		if f.ThrashTriaged && now.Sub(f.LastToggle) >= s.stabilityHold(f) {
			f.ThrashTriaged = false
			f.State = FlowOff // rejoins the fit pool as a normal candidate
			f.ToggleCount = 0
		}
		if f.LossTriaged && now.Sub(f.LastToggle) >= s.opts.LossTriageInterval {
			f.LossTriaged = false
			f.State = FlowOff
		}
	}
}

func (s *SVCR) stabilityHold(f *FlowInfo) time.Duration {
	// The hold is StabilityMultiplier*TriageInterval for every flow. The
	// flow's ttg is not used: FlowInfo does not carry its service
	// definition's ttg.
	return time.Duration(s.opts.StabilityMultiplier * float64(s.opts.TriageInterval))
}

// runLossProbeCycle elects, per destination, the first STRAP/TRAP
// candidate as the loss probe when the destination has none or its probe
// was loss-triaged, and counts ticks toward TriageCycles, resetting the
// count when it is reached. The probe stays with the same flow until
// ObserveLoss triages it: it is not passed to another candidate, its
// delta is not raised to ProbingMaxLoss, and the tick count does not
// gate ObserveLoss.
func (s *SVCR) runLossProbeCycle(flows []*FlowInfo, now time.Time) {
	byDst := make(map[string][]*FlowInfo)
	for _, f := range flows {
		if f.Utility.Kind() != UtilitySTRAP && f.Utility.Kind() != UtilityTRAP {
			continue
		}
		key := f.ID.DstIP
		byDst[key] = append(byDst[key], f)
	}
	for dst, fs := range byDst {
		probe, ok := s.lossProbeByDst[dst]
		if !ok || probe.State == FlowLossTriaged {
			if len(fs) == 0 {
				continue
			}
			probe = fs[0]
			s.lossProbeByDst[dst] = probe
			s.probeCycles[dst] = 0
		}
		s.probeCycles[dst]++
		if s.probeCycles[dst] >= s.opts.TriageCycles {
			// In the absence of a live RRM feed here, the caller drives
			// ObserveLoss(); ComputeFit only advances the cycle counter
			// and expects ObserveLoss to have been called already.
			s.probeCycles[dst] = 0
		}
	}
}

// ObserveLoss feeds an RRM-derived observed loss rate for f into its
// destination's probe cycle; if f is the active probe and this single
// observation exceeds its delta, it is marked LOSS_TRIAGED at once.
func (s *SVCR) ObserveLoss(f *FlowInfo, observedLossRate float64, now time.Time) {
	if f.State == FlowLossTriaged {
		return
	}
	dst := f.ID.DstIP
	if s.lossProbeByDst[dst] != f {
		return
	}
	if observedLossRate > f.Utility.Delta() {
		f.LossTriaged = true
		f.State = FlowLossTriaged
		f.LastToggle = now
		delete(s.lossProbeByDst, dst)
	}
}
