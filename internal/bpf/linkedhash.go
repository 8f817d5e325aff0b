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

// Package bpf implements the Backpressure Forwarder: per-destination bin
// queues, QLAM/LSA/GRAM codecs, the forwarding algorithm, and the
// single-threaded event loop that ties them together.
package bpf

import "container/list"

// LinkedHash is a hash map with O(1) lookup by key and O(1) ordered
// traversal in insertion order, replacing the hash-table-plus-list
// duality the source's MashTable provided. It is not safe for concurrent
// use by multiple goroutines; callers that need that (NodeRecord,
// FlowInfo tables) serialize access on their owning event loop.
type LinkedHash[K comparable, V any] struct {
	index map[K]*list.Element
	order *list.List
}

type linkedHashEntry[K comparable, V any] struct {
	key   K
	value V
}

// NewLinkedHash constructs an empty LinkedHash.
func NewLinkedHash[K comparable, V any]() *LinkedHash[K, V] {
	return &LinkedHash[K, V]{
		index: make(map[K]*list.Element),
		order: list.New(),
	}
}

// Get returns the value for key and whether it was present.
func (h *LinkedHash[K, V]) Get(key K) (V, bool) {
	if el, ok := h.index[key]; ok {
		return el.Value.(*linkedHashEntry[K, V]).value, true
	}
	var zero V
	return zero, false
}

// Set inserts or updates the value for key. New keys are appended to the
// traversal order; existing keys keep their original position.
func (h *LinkedHash[K, V]) Set(key K, value V) {
	if el, ok := h.index[key]; ok {
		el.Value.(*linkedHashEntry[K, V]).value = value
		return
	}
	el := h.order.PushBack(&linkedHashEntry[K, V]{key: key, value: value})
	h.index[key] = el
}

// Delete removes key, returning whether it was present.
func (h *LinkedHash[K, V]) Delete(key K) bool {
	el, ok := h.index[key]
	if !ok {
		return false
	}
	h.order.Remove(el)
	delete(h.index, key)
	return true
}

// Len returns the number of entries.
func (h *LinkedHash[K, V]) Len() int { return len(h.index) }

// Range walks entries in insertion order, stopping early if f returns false.
func (h *LinkedHash[K, V]) Range(f func(key K, value V) bool) {
	for el := h.order.Front(); el != nil; {
		next := el.Next()
		entry := el.Value.(*linkedHashEntry[K, V])
		if !f(entry.key, entry.value) {
			return
		}
		el = next
	}
}

// Keys returns all keys in traversal order.
func (h *LinkedHash[K, V]) Keys() []K {
	out := make([]K, 0, h.Len())
	h.Range(func(k K, _ V) bool {
		out = append(out, k)
		return true
	})
	return out
}
