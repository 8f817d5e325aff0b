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

// Package sinks provides buffered, append-only JSONL log sinks for
// events the core loops want durable but don't need a real database
// for: archived queue-depth snapshots, RRM summaries, SVCR triage
// transitions. One generic sink replaces a sink-per-payload-type.
package sinks

import (
	"bufio"
	"encoding/json"
	"os"
	"sync"
	"time"
)

// flushInterval bounds data loss on crash without flushing on every
// write under steady load.
const flushInterval = 100 * time.Millisecond

// EventSink appends values of type T as JSON lines to a file, flushing
// periodically rather than per-write. Safe for concurrent use.
type EventSink[T any] struct {
	mu   sync.Mutex
	f    *os.File
	w    *bufio.Writer
	path string

	lastFlush time.Time
}

// NewEventSink opens (or creates) the file at path in append mode with
// a buffered writer. Call Close when done.
func NewEventSink[T any](path string) (*EventSink[T], error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, err
	}
	return &EventSink[T]{f: f, w: bufio.NewWriterSize(f, 1<<20), path: path, lastFlush: time.Now()}, nil
}

// Append writes one event, flushing if flushInterval has elapsed since
// the last flush.
func (s *EventSink[T]) Append(v T) {
	s.mu.Lock()
	defer s.mu.Unlock()
	enc := json.NewEncoder(s.w)
	if err := enc.Encode(&v); err != nil {
		_ = s.w.Flush()
		_ = enc.Encode(&v)
	}
	s.maybeFlushLocked()
}

// AppendAll writes a batch of events under a single lock acquisition.
func (s *EventSink[T]) AppendAll(vs []T) {
	if len(vs) == 0 {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	enc := json.NewEncoder(s.w)
	for i := range vs {
		_ = enc.Encode(&vs[i])
	}
	s.maybeFlushLocked()
}

func (s *EventSink[T]) maybeFlushLocked() {
	if time.Since(s.lastFlush) > flushInterval {
		_ = s.w.Flush()
		s.lastFlush = time.Now()
	}
}

// Flush forces buffered data to disk.
func (s *EventSink[T]) Flush() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.lastFlush = time.Now()
	return s.w.Flush()
}

// Close flushes and closes the underlying file.
func (s *EventSink[T]) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	_ = s.w.Flush()
	return s.f.Close()
}

// ReadAll reads every event logged to path, in append order. Intended
// for offline replay/inspection, not the hot path.
func ReadAll[T any](path string) ([]T, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	var out []T
	scanner := bufio.NewScanner(f)
	buf := make([]byte, 0, 1<<20)
	scanner.Buffer(buf, 1<<26)
	for scanner.Scan() {
		var v T
		if err := json.Unmarshal(scanner.Bytes(), &v); err == nil {
			out = append(out, v)
		}
	}
	return out, scanner.Err()
}
