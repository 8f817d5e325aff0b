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

package rcproto

import (
	"sync"
	"time"
)

// PushSubscription is one live pushreq: poll Keys at Interval and emit
// a push, until explicitly cancelled by a pushstop or the owning
// connection closing.
type PushSubscription struct {
	MsgID    int64
	Tgt      string
	Keys     []string
	Interval time.Duration
	LastSent time.Time
}

// SubscriptionRegistry tracks a connection's live push subscriptions.
// Guarded by a plain mutex rather than sync.Map since writes (new
// subscribe/unsubscribe) are rare relative to the periodic Due() scan.
type SubscriptionRegistry struct {
	mu   sync.Mutex
	subs map[int64]*PushSubscription
}

func NewSubscriptionRegistry() *SubscriptionRegistry {
	return &SubscriptionRegistry{subs: make(map[int64]*PushSubscription)}
}

func (r *SubscriptionRegistry) Add(s *PushSubscription) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.subs[s.MsgID] = s
}

// Stop cancels the subscriptions whose msgids are listed in ids, or all
// of them when ids is empty.
func (r *SubscriptionRegistry) Stop(ids []int64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(ids) == 0 {
		r.subs = make(map[int64]*PushSubscription)
		return
	}
	for _, id := range ids {
		delete(r.subs, id)
	}
}

// Due returns the subscriptions whose interval has elapsed as of now,
// and advances their LastSent.
func (r *SubscriptionRegistry) Due(now time.Time) []*PushSubscription {
	r.mu.Lock()
	defer r.mu.Unlock()
	var due []*PushSubscription
	for _, s := range r.subs {
		if now.Sub(s.LastSent) >= s.Interval {
			s.LastSent = now
			due = append(due, s)
		}
	}
	return due
}

func (r *SubscriptionRegistry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.subs)
}

// CloseAll cancels every subscription, used when the owning socket
// closes.
func (r *SubscriptionRegistry) CloseAll() { r.Stop(nil) }
