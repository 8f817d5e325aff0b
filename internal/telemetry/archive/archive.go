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

// Package archive provides optional, idempotent flow-history archival
// adapters for Redis, Postgres, and Kafka. A node that wants durable
// queue-depth and flow-rate history for post-hoc analysis plugs one of
// these in; nothing in BPF or AMP requires it at runtime.
package archive

import (
	"context"
	"strconv"
)

// Snapshot is one archived observation: a destination bin's queue depth
// and the flow-admission totals active during windowID, keyed the same
// way the forwarding loop buckets its periodic stats pushes.
type Snapshot struct {
	BinIdx          int
	WindowID        int64
	QueueDepthBytes int64
	AdmittedRateBps float64
	FlowsOn         int
	FlowsOff        int
}

// key uniquely identifies a snapshot for idempotent re-application:
// BinIdx+WindowID is the logical row, the string form is its
// idempotency key.
func (s Snapshot) key() string {
	return strconv.Itoa(s.BinIdx) + ":" + strconv.FormatInt(s.WindowID, 10)
}

// Archiver is the minimal surface every backend implements: append a
// batch of snapshots idempotently (retried batches are a no-op for
// rows already committed).
type Archiver interface {
	ArchiveBatch(ctx context.Context, snaps []Snapshot) error
}
