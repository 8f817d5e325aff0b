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

package udpproxy

import (
	"sync"
	"time"

	"gnat/internal/bpf"
)

// FlowKey identifies an encoding or decoding state by the flow's
// four-tuple; unlike AMP's FlowInfo key it carries no proxy kind.
// Declared locally so that udpproxy does not import internal/amp.
type FlowKey struct {
	SrcIP, DstIP     string
	SrcPort, DstPort int
}

// Proxy is the single-threaded UDP Proxy event loop owner: per-flow
// EncodingState on egress, DecodingState on ingress, reusing
// bpf.LinkedHash for both caches rather than a second hash-table implementation.
type Proxy struct {
	mu sync.Mutex

	encoders *bpf.LinkedHash[FlowKey, *EncodingState]
	decoders *bpf.LinkedHash[FlowKey, *DecodingState]

	localBytesReleased map[FlowKey]uint64
	pktsReleased       map[FlowKey]uint64

	rrmInterval time.Duration
}

func NewProxy(rrmInterval time.Duration) *Proxy {
	if rrmInterval == 0 {
		rrmInterval = 500 * time.Millisecond
	}
	return &Proxy{
		encoders:           bpf.NewLinkedHash[FlowKey, *EncodingState](),
		decoders:           bpf.NewLinkedHash[FlowKey, *DecodingState](),
		localBytesReleased: make(map[FlowKey]uint64),
		pktsReleased:       make(map[FlowKey]uint64),
		rrmInterval:        rrmInterval,
	}
}

func (p *Proxy) Encoder(k FlowKey) (*EncodingState, bool) { return p.encoders.Get(k) }

func (p *Proxy) InstallEncoder(k FlowKey, e *EncodingState) { p.encoders.Set(k, e) }

func (p *Proxy) Decoder(k FlowKey) (*DecodingState, bool) { return p.decoders.Get(k) }

func (p *Proxy) InstallDecoder(k FlowKey, d *DecodingState) { p.decoders.Set(k, d) }

// SetFlowState applies an AMP-driven on/off command to a flow's
// encoder: on/off commands instantly stop/start enqueueing.
func (p *Proxy) SetFlowState(k FlowKey, on bool) {
	if e, ok := p.encoders.Get(k); ok {
		e.SetFlowOn(on)
	}
}

// ReleaseDue drains a decoding flow's reorder buffer and tallies the
// released packet count used in its next RRM.
func (p *Proxy) ReleaseDue(k FlowKey, now time.Time) []Datagram {
	d, ok := p.decoders.Get(k)
	if !ok {
		return nil
	}
	out := d.Release(now)
	p.mu.Lock()
	p.pktsReleased[k] += uint64(len(out))
	p.mu.Unlock()
	return out
}

// BuildRRMFor packages the current RRM for a decoding flow.
func (p *Proxy) BuildRRMFor(k FlowKey, flowID uint32) (*RRM, bool) {
	d, ok := p.decoders.Get(k)
	if !ok {
		return nil, false
	}
	p.mu.Lock()
	pkts := p.pktsReleased[k]
	p.mu.Unlock()
	return BuildRRM(flowID, d, pkts), true
}

// RRMInterval is the configured periodic_rrm_interval_ms as a Duration.
func (p *Proxy) RRMInterval() time.Duration { return p.rrmInterval }

// CleanupInactive garbage-collects encoding states that have had no
// traffic for idleFor. Decoding states, and the release records they
// hold, are not removed.
func (p *Proxy) CleanupInactive(idleFor time.Duration, lastActive func(FlowKey) time.Time, now time.Time) {
	var stale []FlowKey
	p.encoders.Range(func(k FlowKey, _ *EncodingState) bool {
		if now.Sub(lastActive(k)) >= idleFor {
			stale = append(stale, k)
		}
		return true
	})
	for _, k := range stale {
		p.encoders.Delete(k)
	}
}
