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

// Package metrics exposes Prometheus gauges and counters for queue
// depth, forwarding gradients, QLAM/LSA freshness, and SVCR triage.
// cmd/bpfd updates queue depth and cmd/ampd updates flow counts and
// admission rate; the other recorders have no callers in this module.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	queueDepthBytes = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "gnat_bpf_queue_depth_bytes",
		Help: "Current bin-queue depth in bytes, by destination bin index",
	}, []string{"dst_bin"})

	zombieDepthBytes = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "gnat_bpf_zombie_depth_bytes",
		Help: "Current zombie-converted queue depth in bytes, by destination bin index",
	}, []string{"dst_bin"})

	dequeuesTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "gnat_bpf_dequeues_total",
		Help: "Total packets dequeued by the forwarding algorithm, by destination bin index",
	}, []string{"dst_bin"})

	droppedBytesTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "gnat_bpf_dropped_bytes_total",
		Help: "Total bytes dropped from bin queues, by destination bin index and reason",
	}, []string{"dst_bin", "reason"})

	gradientValue = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "gnat_bpf_gradient_value",
		Help: "Most recent queue-differential gradient considered, by destination bin and neighbor",
	}, []string{"dst_bin", "neighbor"})

	qlamStaleTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "gnat_bpf_qlam_stale_total",
		Help: "Total QLAMs discarded as stale, by neighbor source bin",
	}, []string{"src_bin"})

	lsaAcceptedTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "gnat_bpf_lsa_accepted_total",
		Help: "Total LSAs accepted as fresher than the prior sequence, by origin bin",
	}, []string{"origin_bin"})

	admissionRateBps = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "gnat_amp_admission_rate_bps",
		Help: "Current allocated admission rate in bits/sec, by flow state",
	}, []string{"state"})

	flowsByState = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "gnat_amp_flows_by_state",
		Help: "Number of flows currently in each AMP lifecycle state",
	}, []string{"state"})

	thrashTriagedTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "gnat_amp_thrash_triaged_total",
		Help: "Total flows transitioned to FLOW_TRIAGED by SVCR's thrash detector",
	})

	lossTriagedTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "gnat_amp_loss_triaged_total",
		Help: "Total flows transitioned to LOSS_TRIAGED by SVCR's loss-probe cycle",
	})
)

func init() {
	prometheus.MustRegister(
		queueDepthBytes, zombieDepthBytes, dequeuesTotal, droppedBytesTotal,
		gradientValue, qlamStaleTotal, lsaAcceptedTotal,
		admissionRateBps, flowsByState, thrashTriagedTotal, lossTriagedTotal,
	)
}

// ObserveQueueDepth records a bin queue's current depth and zombie
// depth, called by cmd/bpfd after each forwarding tick.
func ObserveQueueDepth(dstBin int, depthBytes, zombieBytes int64) {
	label := strconv.Itoa(dstBin)
	queueDepthBytes.WithLabelValues(label).Set(float64(depthBytes))
	zombieDepthBytes.WithLabelValues(label).Set(float64(zombieBytes))
}

// RecordDequeue increments the dequeue counter for a destination and
// adds to its dropped-bytes-by-reason counter when non-zero.
func RecordDequeue(dstBin int, droppedBytes int64, dropReason string) {
	label := strconv.Itoa(dstBin)
	dequeuesTotal.WithLabelValues(label).Inc()
	if droppedBytes > 0 {
		droppedBytesTotal.WithLabelValues(label, dropReason).Add(float64(droppedBytes))
	}
}

// RecordGradient snapshots the most recent gradient value considered
// for a (destination, neighbor) pair.
func RecordGradient(dstBin int, neighborBin byte, gradient float64) {
	gradientValue.WithLabelValues(strconv.Itoa(dstBin), strconv.Itoa(int(neighborBin))).Set(gradient)
}

// RecordQLAMStale increments the stale-QLAM counter for srcBin.
func RecordQLAMStale(srcBin byte) {
	qlamStaleTotal.WithLabelValues(strconv.Itoa(int(srcBin))).Inc()
}

// RecordLSAAccepted increments the accepted-LSA counter for originBin.
func RecordLSAAccepted(originBin byte) {
	lsaAcceptedTotal.WithLabelValues(strconv.Itoa(int(originBin))).Inc()
}

// SetFlowCounts replaces the per-state flow population gauges, called
// once per SVCR.ComputeFit tick.
func SetFlowCounts(counts map[string]int) {
	for state, n := range counts {
		flowsByState.WithLabelValues(state).Set(float64(n))
	}
}

// SetAdmissionRate records a flow-state's total allocated rate.
func SetAdmissionRate(state string, bps float64) {
	admissionRateBps.WithLabelValues(state).Set(bps)
}

func IncThrashTriaged() { thrashTriagedTotal.Inc() }
func IncLossTriaged()   { lossTriagedTotal.Inc() }

// ServeAddr starts a dedicated /metrics and /healthz HTTP endpoint in
// the background.
func ServeAddr(addr string) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	server := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	go func() {
		_ = server.ListenAndServe()
	}()
}
