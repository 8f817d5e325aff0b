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

// Edge holds what one bin-index knows about its link to another, as
// populated from received LSAs.
type Edge struct {
	QueueDelayMicros  uint32
	LatencyMeanMicros float64
	LatencyVarianceMicros2 float64
	CapacityBps       uint64
}

// NodeRecord is, for one remote bin-index, the array of edges to every
// other bin-index it has advertised over. NodeRecords are created on
// first LSA from a bin-index and never freed, which is why this is backed by the generic LinkedHash rather
// than a fixed array: unlike the source's raw-array-by-bin-id, bin
// indices here are dense but the table is built incrementally.
type NodeRecordTable struct {
	nodes *LinkedHash[byte, *nodeRecord]
}

type nodeRecord struct {
	binId byte
	edges map[byte]Edge
}

func NewNodeRecordTable() *NodeRecordTable {
	return &NodeRecordTable{nodes: NewLinkedHash[byte, *nodeRecord]()}
}

func (t *NodeRecordTable) getOrCreate(binId byte) *nodeRecord {
	if n, ok := t.nodes.Get(binId); ok {
		return n
	}
	n := &nodeRecord{binId: binId, edges: make(map[byte]Edge)}
	t.nodes.Set(binId, n)
	return n
}

// ApplyLSA updates the NodeRecord for l.SrcBinId from l's neighbor edges
// and queue delays. Callers must first check LSAFreshness.Accept(l);
// ApplyLSA itself does not check sequence numbers.
func (t *NodeRecordTable) ApplyLSA(l *LSA) {
	rec := t.getOrCreate(l.SrcBinId)
	for _, n := range l.Neighbors {
		e := rec.edges[n.BinId]
		e.LatencyMeanMicros = float64(n.LatencyMean100us) * 100
		stddev := float64(n.LatencyStdDev100us) * 100
		e.LatencyVarianceMicros2 = stddev * stddev
		if l.HasCapacity {
			e.CapacityBps = n.Capacity
		}
		rec.edges[n.BinId] = e
	}
	for _, qd := range l.QueueDelays {
		e := rec.edges[qd.BinId]
		e.QueueDelayMicros = qd.DelayMicros
		rec.edges[qd.BinId] = e
	}
}

// EdgeTo returns the edge origin -> dst, if known.
func (t *NodeRecordTable) EdgeTo(origin, dst byte) (Edge, bool) {
	rec, ok := t.nodes.Get(origin)
	if !ok {
		return Edge{}, false
	}
	e, ok := rec.edges[dst]
	return e, ok
}

// MinLatencyPath computes the minimum-mean-latency path from src to dst
// using the accumulated edges, via a simple Dijkstra relaxation — the
// table is small (<=64 bins) so this runs every call rather than caching.
// Returns the ordered list of bin IDs (src..dst inclusive) and the total
// mean latency in microseconds, or ok=false if unreachable.
func (t *NodeRecordTable) MinLatencyPath(src, dst byte) (path []byte, totalLatencyMicros float64, ok bool) {
	const inf = 1e18
	dist := make(map[byte]float64)
	prev := make(map[byte]byte)
	visited := make(map[byte]bool)

	var all []byte
	t.nodes.Range(func(k byte, _ *nodeRecord) bool {
		all = append(all, k)
		dist[k] = inf
		return true
	})
	if _, known := dist[src]; !known {
		dist[src] = inf
	}
	dist[src] = 0

	for {
		// pick unvisited min-dist node
		var u byte
		found := false
		best := inf
		for k, d := range dist {
			if !visited[k] && d < best {
				best = d
				u = k
				found = true
			}
		}
		if !found {
			break
		}
		if u == dst {
			break
		}
		visited[u] = true
		rec, has := t.nodes.Get(u)
		if !has {
			continue
		}
		for nbr, e := range rec.edges {
			cand := dist[u] + e.LatencyMeanMicros
			if d, known := dist[nbr]; !known || cand < d {
				dist[nbr] = cand
				prev[nbr] = u
			}
		}
	}

	if d, known := dist[dst]; !known || d >= inf {
		return nil, 0, false
	}
	// walk back from dst to src
	cur := dst
	path = []byte{cur}
	for cur != src {
		p, has := prev[cur]
		if !has {
			return nil, 0, false
		}
		path = append([]byte{p}, path...)
		cur = p
	}
	return path, dist[dst], true
}
