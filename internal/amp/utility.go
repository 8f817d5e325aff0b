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

// Package amp implements the Admission Planner and its Supervisory
// Controller: per-service and per-flow utility-function caches, the
// max-utility flow-fit solver, thrash and loss triage, and coupled-flow
// bookkeeping.
package amp

import (
	"fmt"
	"math"
	"strconv"
	"strings"
)

// UtilityKind is one of the four utility-function shapes a flow can
// declare. FLOG is elastic, fixing the original IsElastic comparison
// bug that treated it as inelastic.
type UtilityKind int

const (
	UtilityLOG UtilityKind = iota
	UtilityFLOG
	UtilityTRAP
	UtilitySTRAP
)

func (k UtilityKind) String() string {
	switch k {
	case UtilityLOG:
		return "LOG"
	case UtilityFLOG:
		return "FLOG"
	case UtilityTRAP:
		return "TRAP"
	case UtilitySTRAP:
		return "STRAP"
	default:
		return "UNKNOWN"
	}
}

// IsElastic reports whether flows of this kind are fit by the elastic
// (fair-share) branch of ComputeFit rather than treated as inelastic
// nominal-rate flows. Both LOG and FLOG are elastic; an earlier string
// comparison bug (non-zero for non-equal strings, so never true) made
// FLOG appear inelastic, which this corrects.
func (k UtilityKind) IsElastic() bool { return k == UtilityLOG || k == UtilityFLOG }

// Default utility-function constants, used when a service/flow
// definition string omits an optional arg.
const (
	DefaultPriority        = 1
	DefaultSTRAPSteps      = 4
	DefaultSTRAPDelta      = 0.05
	DefaultAveragingIntervalMs = 500
	DefaultRestartIntervalMs  = 2000
	DefaultLossRateAlpha   = 0.2
)

// UtilityFunc computes a flow's instantaneous utility and, where
// applicable, admission rate from its current state.
type UtilityFunc interface {
	Kind() UtilityKind
	// Utility returns U(rate) for the elastic kinds, or the
	// priority-weighted step utility for STRAP/TRAP.
	Utility(rateBps float64) float64
	// MarginalUtility returns U'(rate), used in the normalized-utility sort
	// key of STRAP/TRAP flows (LOG/FLOG flows are sorted by priority alone).
	MarginalUtility(rateBps float64) float64
	Priority() int
	// NominalRateBps is non-zero only for inelastic (STRAP/TRAP) flows.
	NominalRateBps() float64
	// Delta is the loss tolerance, meaningful only for STRAP/TRAP.
	Delta() float64
}

// LogUtility implements U(r) = p*log(1+r), the elastic LOG/FLOG shape.
// FLOG additionally forgives a finite loss fraction before rate is
// discounted; when LossForgiveness is 0 it behaves exactly as LOG.
type LogUtility struct {
	Priority_       int
	LossForgiveness float64// FLOG only; 0 for plain LOG
}

func (u *LogUtility) Kind() UtilityKind {
	if u.LossForgiveness > 0 {
		return UtilityFLOG
	}
	return UtilityLOG
}
func (u *LogUtility) Utility(rateBps float64) float64 {
	effective := rateBps * (1 - u.LossForgiveness)
	if effective < 0 {
		effective = 0
	}
	return float64(u.Priority_) * math.Log(1+effective)
}
func (u *LogUtility) MarginalUtility(rateBps float64) float64 {
	effective := rateBps * (1 - u.LossForgiveness)
	return float64(u.Priority_) / (1 + effective)
}
func (u *LogUtility) Priority() int          { return u.Priority_ }
func (u *LogUtility) NominalRateBps() float64 { return 0 }
func (u *LogUtility) Delta() float64          { return 0 }

// StrapUtility implements a stepped nominal-rate utility with δ-triage:
// the flow is either fully admitted at NominalRate or fully off: there is
// no fractional operating point, so MarginalUtility degenerates to the
// constant priority and the normalized-utility sort key reduces to
// priority*priority/NominalRate.
type StrapUtility struct {
	Priority_   int
	NominalRate float64
	Delta_      float64
	Steps       int
}

func (u *StrapUtility) Kind() UtilityKind { return UtilitySTRAP }
func (u *StrapUtility) Utility(rateBps float64) float64 {
	if rateBps >= u.NominalRate {
		return float64(u.Priority_)
	}
	return 0
}
func (u *StrapUtility) MarginalUtility(float64) float64  { return float64(u.Priority_) }
func (u *StrapUtility) Priority() int                     { return u.Priority_ }
func (u *StrapUtility) NominalRateBps() float64           { return u.NominalRate }
func (u *StrapUtility) Delta() float64                    { return u.Delta_ }

// TrapUtility implements a ramp utility over rate: utility rises linearly
// to priority at NominalRate and stays there above it. Loss does not
// lower it; Delta is only reported through Delta() for loss triage.
type TrapUtility struct {
	Priority_   int
	NominalRate float64
	Delta_      float64
}

func (u *TrapUtility) Kind() UtilityKind { return UtilityTRAP }
func (u *TrapUtility) Utility(rateBps float64) float64 {
	if u.NominalRate <= 0 {
		return 0
	}
	ratio := rateBps / u.NominalRate
	if ratio > 1 {
		ratio = 1
	}
	if ratio < 0 {
		ratio = 0
	}
	return float64(u.Priority_) * ratio
}
func (u *TrapUtility) MarginalUtility(float64) float64 { return float64(u.Priority_) }
func (u *TrapUtility) Priority() int                    { return u.Priority_ }
func (u *TrapUtility) NominalRateBps() float64          { return u.NominalRate }
func (u *TrapUtility) Delta() float64                   { return u.Delta_ }

// ServiceDef is the parsed form of a service-definition string:
//
//	<lo_port>-<hi_port>;<mtu>;<reserved>;<reserved>;<period>;<ttg>;type=<KIND>[:<arg>=<val>]*
type ServiceDef struct {
	LoPort, HiPort int
	MTU            int
	PeriodMs       int
	TTGMs          int
	Utility        UtilityFunc
}

// ParseServiceDef parses a service/flow-definition string. A wrong field
// count, a bad port range, or a missing, unknown or malformed utility
// spec returns an error. Non-numeric mtu, period and ttg fields and
// non-numeric utility arg values are not rejected: they read as 0 or as
// the kind's default.
func ParseServiceDef(s string) (*ServiceDef, error) {
	fields := strings.Split(s, ";")
	if len(fields) != 7 {
		return nil, fmt.Errorf("amp: service def %q: want 7 ';'-separated fields, got %d", s, len(fields))
	}
	ports := strings.SplitN(fields[0], "-", 2)
	if len(ports) != 2 {
		return nil, fmt.Errorf("amp: service def %q: bad port range %q", s, fields[0])
	}
	lo, err := strconv.Atoi(ports[0])
	if err != nil {
		return nil, fmt.Errorf("amp: service def %q: bad lo_port: %w", s, err)
	}
	hi, err := strconv.Atoi(ports[1])
	if err != nil {
		return nil, fmt.Errorf("amp: service def %q: bad hi_port: %w", s, err)
	}
	mtu, _ := strconv.Atoi(fields[1])
	period, _ := strconv.Atoi(fields[4])
	ttg, _ := strconv.Atoi(fields[5])

	util, err := parseUtility(fields[6])
	if err != nil {
		return nil, fmt.Errorf("amp: service def %q: %w", s, err)
	}
	return &ServiceDef{LoPort: lo, HiPort: hi, MTU: mtu, PeriodMs: period, TTGMs: ttg, Utility: util}, nil
}

func parseUtility(spec string) (UtilityFunc, error) {
	parts := strings.Split(spec, ":")
	if len(parts) == 0 || !strings.HasPrefix(parts[0], "type=") {
		return nil, fmt.Errorf("utility spec %q: missing type=", spec)
	}
	kind := strings.TrimPrefix(parts[0], "type=")

	args := map[string]string{}
	for _, p := range parts[1:] {
		kv := strings.SplitN(p, "=", 2)
		if len(kv) != 2 {
			return nil, fmt.Errorf("utility spec %q: bad arg %q", spec, p)
		}
		args[kv[0]] = kv[1]
	}
	priority := DefaultPriority
	if v, ok := args["p"]; ok {
		if n, err := strconv.Atoi(v); err == nil {
			priority = n
		}
	}

	switch kind {
	case "LOG":
		return &LogUtility{Priority_: priority}, nil
	case "FLOG":
		forgiveness := 0.0
		if v, ok := args["a"]; ok {
			if f, err := strconv.ParseFloat(v, 64); err == nil {
				forgiveness = f
			}
		}
		if forgiveness == 0 {
			forgiveness = 1e-9 // distinguish FLOG from LOG even with default args
		}
		return &LogUtility{Priority_: priority, LossForgiveness: forgiveness}, nil
	case "STRAP":
		nominal := 0.0
		if v, ok := args["m"]; ok {
			nominal, _ = strconv.ParseFloat(v, 64)
		}
		delta := DefaultSTRAPDelta
		if v, ok := args["delta"]; ok {
			if d, err := strconv.ParseFloat(v, 64); err == nil {
				delta = d
			}
		}
		return &StrapUtility{Priority_: priority, NominalRate: nominal, Delta_: delta, Steps: DefaultSTRAPSteps}, nil
	case "TRAP":
		nominal := 0.0
		if v, ok := args["m"]; ok {
			nominal, _ = strconv.ParseFloat(v, 64)
		}
		delta := DefaultSTRAPDelta
		if v, ok := args["delta"]; ok {
			if d, err := strconv.ParseFloat(v, 64); err == nil {
				delta = d
			}
		}
		return &TrapUtility{Priority_: priority, NominalRate: nominal, Delta_: delta}, nil
	default:
		return nil, fmt.Errorf("unknown utility kind %q", kind)
	}
}

// String renders the service def back into its wire form. Round trips
// with ParseServiceDef for well-formed inputs.
func (d *ServiceDef) String() string {
	kindArgs := fmt.Sprintf("type=%s:p=%d", d.Utility.Kind(), d.Utility.Priority())
	switch u := d.Utility.(type) {
	case *LogUtility:
		if u.Kind() == UtilityFLOG {
			kindArgs += fmt.Sprintf(":a=%g", u.LossForgiveness)
		}
	case *StrapUtility:
		kindArgs += fmt.Sprintf(":m=%g:delta=%g", u.NominalRate, u.Delta_)
	case *TrapUtility:
		kindArgs += fmt.Sprintf(":m=%g:delta=%g", u.NominalRate, u.Delta_)
	}
	return fmt.Sprintf("%d-%d;%d;0;0;%d;%d;%s", d.LoPort, d.HiPort, d.MTU, d.PeriodMs, d.TTGMs, kindArgs)
}
