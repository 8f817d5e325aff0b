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

package archive

import (
	"context"
	"encoding/json"
	"fmt"
	"time"
)

// Producer is the minimal Kafka client surface archival needs; kept
// local (rather than depending on a specific client library's types)
// so any idempotent, keyed producer can back it.
type Producer interface {
	Produce(ctx context.Context, topic string, key []byte, value []byte, headers map[string]string) error
}

// KafkaArchiver streams snapshots to a topic for downstream consumers
// to materialize; ordering and dedup rely on the (bin, window) key
// exactly as the rate-limiter's Kafka commit path relies on CommitID.
type KafkaArchiver struct {
	producer       Producer
	topic          string
	defaultTimeout time.Duration
}

func NewKafkaArchiver(p Producer, topic string) *KafkaArchiver {
	return &KafkaArchiver{producer: p, topic: topic, defaultTimeout: 10 * time.Second}
}

func (k *KafkaArchiver) ArchiveBatch(ctx context.Context, snaps []Snapshot) error {
	if len(snaps) == 0 {
		return nil
	}
	if ctx == nil {
		ctx = context.Background()
	}
	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, k.defaultTimeout)
		defer cancel()
	}
	for _, s := range snaps {
		b, err := json.Marshal(s)
		if err != nil {
			return fmt.Errorf("archive: marshal snapshot bin=%d window=%d: %w", s.BinIdx, s.WindowID, err)
		}
		headers := map[string]string{"content-type": "application/json"}
		if err := k.producer.Produce(ctx, k.topic, []byte(s.key()), b, headers); err != nil {
			return fmt.Errorf("archive: kafka produce bin=%d window=%d: %w", s.BinIdx, s.WindowID, err)
		}
	}
	return nil
}
