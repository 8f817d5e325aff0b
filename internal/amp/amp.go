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
	"log"
	"sync"
	"time"
)

// PortRange keys the service-definition cache.
type PortRange struct {
	Proxy          string
	LoPort, HiPort int
}

// ProxyClient is the minimal remote-control surface AMP needs toward a
// proxy; the concrete JSON/TCP framing lives in
// internal/rcproto and is injected here.
type ProxyClient interface {
	SetFlowState(target string, id FiveTuple, state FlowState) error
}

// QueueTrajectory tracks a destination's recent maxima for the
// "is_queue_non_increasing" probe-settling check AMP exposes to SVCR's
// loss-probe cycle.
type QueueTrajectory struct {
	recentMaxima []int
	window       int
}

func newQueueTrajectory(window int) *QueueTrajectory {
	if window <= 0 {
		window = 5
	}
	return &QueueTrajectory{window: window}
}

func (q *QueueTrajectory) Observe(depth int) {
	q.recentMaxima = append(q.recentMaxima, depth)
	if len(q.recentMaxima) > q.window {
		q.recentMaxima = q.recentMaxima[len(q.recentMaxima)-q.window:]
	}
}

// IsNonIncreasing reports whether the most recent observation has not
// exceeded the maximum across the tracked window — i.e. the window's
// maximum is still unbeaten.
func (q *QueueTrajectory) IsNonIncreasing() bool {
	if len(q.recentMaxima) < 2 {
		return true
	}
	latest := q.recentMaxima[len(q.recentMaxima)-1]
	for _, m := range q.recentMaxima[:len(q.recentMaxima)-1] {
		if m >= latest {
			return true
		}
	}
	return false
}

// AMP is the per-node admission-policy daemon: it caches service
// and flow definitions per proxy, relays pushed stats to a GUI, and
// drives the supervisory triage timer against SVCR.
type AMP struct {
	mu sync.RWMutex

	svcDefCache  map[PortRange]*ServiceDef
	flowDefCache map[FiveTuple]*ServiceDef
	connMap      map[string]string // target -> remote-control endpoint id

	queueTraj map[int]*QueueTrajectory // bin index -> trajectory
	avgDepth  map[int]float64
	maxDepth  map[int]int

	flows *FlowTable
	svcr  *SVCR

	triageInterval time.Duration
	proxies        map[string]ProxyClient
}

// NewAMP wires an AMP instance around a flow table, an SVCR solver, and
// the set of proxy clients it relays commands to.
func NewAMP(flows *FlowTable, svcr *SVCR, triageInterval time.Duration, proxies map[string]ProxyClient) *AMP {
	if triageInterval == 0 {
		triageInterval = 2 * time.Second
	}
	return &AMP{
		svcDefCache:    make(map[PortRange]*ServiceDef),
		flowDefCache:   make(map[FiveTuple]*ServiceDef),
		connMap:        make(map[string]string),
		queueTraj:      make(map[int]*QueueTrajectory),
		avgDepth:       make(map[int]float64),
		maxDepth:       make(map[int]int),
		flows:          flows,
		svcr:           svcr,
		triageInterval: triageInterval,
		proxies:        proxies,
	}
}

// SetServiceDef installs (or replaces) the default utility function for
// a service's port range.
func (a *AMP) SetServiceDef(pr PortRange, def *ServiceDef) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.svcDefCache[pr] = def
}

// SetFlowDef installs a per-flow override of the service default.
func (a *AMP) SetFlowDef(id FiveTuple, def *ServiceDef) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.flowDefCache[id] = def
}

// ResolveUtility returns the utility function that applies to id: the
// flow-specific override if present, else the service default for the
// port range containing id.DstPort, else nil.
func (a *AMP) ResolveUtility(id FiveTuple) UtilityFunc {
	a.mu.RLock()
	defer a.mu.RUnlock()
	if def, ok := a.flowDefCache[id]; ok {
		return def.Utility
	}
	for pr, def := range a.svcDefCache {
		if pr.Proxy == id.Proxy && id.DstPort >= pr.LoPort && id.DstPort <= pr.HiPort {
			return def.Utility
		}
	}
	return nil
}

// ObserveStatsPush records a proxy's per-flow stats push: creates the
// FlowInfo on first mention, transitioning UNREACHABLE -> ON.
func (a *AMP) ObserveStatsPush(id FiveTuple, rateBps float64) *FlowInfo {
	f, ok := a.flows.Get(id)
	if !ok {
		util := a.ResolveUtility(id)
		f = &FlowInfo{ID: id, Proxy: id.Proxy, Utility: util, State: FlowUnreachable}
		a.flows.Set(f)
	}
	if f.State == FlowUnreachable {
		f.State = FlowOn
	}
	f.EWMARate = rateBps
	return f
}

// ObserveTransferAck folds an acknowledged-bits report into id's
// FileTransfer sub-record, if it has one, and refreshes its earned
// utility from the flow's resolved utility function.
func (a *AMP) ObserveTransferAck(id FiveTuple, seq uint64, bits int64, now time.Time) {
	f, ok := a.flows.Get(id)
	if !ok || f.FileTransfer == nil {
		return
	}
	f.FileTransfer.RecordAck(seq, bits, now)
	f.FileTransfer.AccrueUtility(f.Utility)
}

// TrackQueueDepth feeds a BPF queue-depth snapshot into the per-
// destination average/max/trajectory bookkeeping.
func (a *AMP) TrackQueueDepth(bin int, depth int) {
	a.mu.Lock()
	defer a.mu.Unlock()
	const alpha = 0.2
	a.avgDepth[bin] = alpha*float64(depth) + (1-alpha)*a.avgDepth[bin]
	if depth > a.maxDepth[bin] {
		a.maxDepth[bin] = depth
	}
	traj, ok := a.queueTraj[bin]
	if !ok {
		traj = newQueueTrajectory(5)
		a.queueTraj[bin] = traj
	}
	traj.Observe(depth)
}

// IsQueueNonIncreasing exposes the trajectory check SVCR's loss-probe
// cycle uses to decide a probe has settled.
func (a *AMP) IsQueueNonIncreasing(bin int) bool {
	a.mu.RLock()
	defer a.mu.RUnlock()
	traj, ok := a.queueTraj[bin]
	if !ok {
		return true
	}
	return traj.IsNonIncreasing()
}

// RunTriage runs one SVCR.compute_fit cycle and relays every result's
// flow state to the owning proxy, whether or not that state changed.
func (a *AMP) RunTriage(capacityBps float64, now time.Time) []FitResult {
	results := a.svcr.ComputeFit(capacityBps, now)
	for _, r := range results {
		proxy, ok := a.proxies[r.Flow.ID.Proxy]
		if !ok {
			continue
		}
		if err := proxy.SetFlowState(r.Flow.ID.Proxy, r.Flow.ID, r.NewState); err != nil {
			log.Printf("amp: relay set-flow-state for %+v failed: %v", r.Flow.ID, err)
		}
	}
	return results
}

// AverageDepth and MaxDepth report the tracked per-destination queue
// statistics.
func (a *AMP) AverageDepth(bin int) float64 {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.avgDepth[bin]
}

func (a *AMP) MaxDepth(bin int) int {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.maxDepth[bin]
}
