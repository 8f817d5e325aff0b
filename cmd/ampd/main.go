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

// Package main is the Admission Planner daemon: it runs AMP's periodic
// SVCR triage against a configured egress capacity, relays flow-state
// changes to proxies over the remote-control protocol, and exposes
// Prometheus metrics over HTTP.
package main

import (
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"gnat/internal/amp"
	"gnat/internal/telemetry/metrics"
)

func main() {
	capacityBps := flag.Float64("egress_capacity_bps", 10_000_000, "Aggregate outbound capacity SVCR fits flows against")
	minEgressBps := flag.Float64("min_egress_capacity_bps", 1000, "Capacity floor below which compute_fit changes no state")
	triageInterval := flag.Duration("triage_interval", 2*time.Second, "SVCR triage tick period")
	thrashThreshold := flag.Int("thrash_thresh", 4, "Toggle count within the thrash window above which a flow is FLOW_TRIAGED")
	metricsAddr := flag.String("metrics_addr", ":9092", "Prometheus /metrics and /healthz listen address")
	flag.Parse()

	table := amp.NewFlowTable()
	svcr := amp.NewSVCR(amp.SVCROptions{
		MinEgressCapacityBps: *minEgressBps,
		ThrashThreshold:      *thrashThreshold,
		TriageInterval:       *triageInterval,
	}, table)

	// ampd starts with no proxy clients and nothing in this binary
	// registers one, so RunTriage relays to no proxy; the fit results
	// still feed the metrics below.
	a := amp.NewAMP(table, svcr, *triageInterval, map[string]amp.ProxyClient{})

	metrics.ServeAddr(*metricsAddr)
	fmt.Printf("ampd listening for metrics on %s\n", *metricsAddr)

	ticker := time.NewTicker(*triageInterval)
	defer ticker.Stop()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)

	counts := map[string]int{"ON": 0, "OFF": 0, "TRIAGED": 0, "LOSS_TRIAGED": 0, "UNREACHABLE": 0}
	for {
		select {
		case <-ticker.C:
			results := a.RunTriage(*capacityBps, time.Now())
			for k := range counts {
				counts[k] = 0
			}
			var totalOn float64
			for _, r := range results {
				counts[r.NewState.String()]++
				if r.NewState == amp.FlowOn {
					totalOn += r.AllocatedBps
				}
			}
			metrics.SetFlowCounts(counts)
			metrics.SetAdmissionRate("ON", totalOn)
			if len(results) > 0 {
				log.Printf("ampd: triage tick fit %d flows", len(results))
			}
		case <-stop:
			fmt.Println("ampd: shutting down")
			return
		}
	}
}
