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
	"testing"
)

type fakeProducer struct {
	produced []string
}

func (f *fakeProducer) Produce(ctx context.Context, topic string, key, value []byte, headers map[string]string) error {
	f.produced = append(f.produced, string(key))
	return nil
}

func TestKafkaArchiver_KeysByBinAndWindow(t *testing.T) {
	fp := &fakeProducer{}
	k := NewKafkaArchiver(fp, "gnat.flow-history")

	snaps := []Snapshot{
		{BinIdx: 3, WindowID: 100, QueueDepthBytes: 5000},
		{BinIdx: 3, WindowID: 101, QueueDepthBytes: 5200},
	}
	if err := k.ArchiveBatch(context.Background(), snaps); err != nil {
		t.Fatalf("ArchiveBatch: %v", err)
	}
	want := []string{"3:100", "3:101"}
	for i, w := range want {
		if fp.produced[i] != w {
			t.Fatalf("produced[%d] = %q, want %q", i, fp.produced[i], w)
		}
	}
}

func TestKafkaArchiver_EmptyBatchIsNoOp(t *testing.T) {
	fp := &fakeProducer{}
	k := NewKafkaArchiver(fp, "gnat.flow-history")
	if err := k.ArchiveBatch(context.Background(), nil); err != nil {
		t.Fatalf("ArchiveBatch(nil): %v", err)
	}
	if len(fp.produced) != 0 {
		t.Fatal("empty batch must not produce any messages")
	}
}
