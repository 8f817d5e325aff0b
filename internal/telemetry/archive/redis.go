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
	"errors"
	"fmt"
	"time"

	redis "github.com/redis/go-redis/v9"
)

// redisArchiveScript records a snapshot's fields into a hash and an
// idempotency marker in one round trip, guarded by SETNX on the marker.
const redisArchiveScript = `
local hashKey = KEYS[1]
local markerKey = KEYS[2]
local set = redis.call('SETNX', markerKey, 1)
if set == 1 then
  redis.call('HSET', hashKey, 'queue_depth_bytes', ARGV[1], 'admitted_rate_bps', ARGV[2], 'flows_on', ARGV[3], 'flows_off', ARGV[4])
  if tonumber(ARGV[5]) > 0 then
    redis.call('EXPIRE', markerKey, ARGV[5])
  end
  return 1
else
  return 0
end
`

// RedisArchiver persists flow-history snapshots to Redis hashes, one
// per (bin, window), idempotent under retry via a SETNX marker.
type RedisArchiver struct {
	client    *redis.Client
	markerTTL time.Duration
}

func NewRedisArchiver(client *redis.Client, markerTTL time.Duration) *RedisArchiver {
	if markerTTL <= 0 {
		markerTTL = 24 * time.Hour
	}
	return &RedisArchiver{client: client, markerTTL: markerTTL}
}

func redisSnapshotKey(s Snapshot) string  { return fmt.Sprintf("gnat:history:%s", s.key()) }
func redisMarkerKey(s Snapshot) string    { return fmt.Sprintf("gnat:history:marker:%s", s.key()) }

func (r *RedisArchiver) ArchiveBatch(ctx context.Context, snaps []Snapshot) error {
	if len(snaps) == 0 {
		return nil
	}
	for _, s := range snaps {
		keys := []string{redisSnapshotKey(s), redisMarkerKey(s)}
		args := []interface{}{s.QueueDepthBytes, s.AdmittedRateBps, s.FlowsOn, s.FlowsOff, int(r.markerTTL.Seconds())}
		if err := r.client.Eval(ctx, redisArchiveScript, keys, args...).Err(); err != nil && !errors.Is(err, redis.Nil) {
			return fmt.Errorf("archive: redis eval bin=%d window=%d: %w", s.BinIdx, s.WindowID, err)
		}
	}
	return nil
}
