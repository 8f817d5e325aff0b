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

// Package ratebudget provides a thread-safe, in-memory admission-rate gate.
// A Budget tracks an epoch's admission allowance (bits) against bits already
// consumed this epoch, so a flow's encoding side can decide per-packet
// whether to admit or drop. TryConsume takes a lock unless FastPathGuard
// is set and the approximate consumption is far enough from the limit.
package ratebudget

import (
	"runtime"
	"sync"
	"sync/atomic"
	"time"
	_ "unsafe"
)

//go:linkname runtime_procPin runtime.procPin
func runtime_procPin() int

//go:linkname runtime_procUnpin runtime.procUnpin
func runtime_procUnpin()

// cache line size varies; we over-pad to 128 bytes to avoid false sharing
const padSize = 128 - 8 // atomic.Int64 is 8 bytes; remainder to reach >=128

type stripe struct {
	val atomic.Int64
	_   [padSize]byte
}

// Budget is a thread-safe, in-memory admission-rate gate for one flow's
// encoding side. The allowance (bits admissible this epoch) is set by the
// flow's utility function on each rate recompute; consumption is tracked
// with striped atomics to collapse contention on hot flows.
type Budget struct {
	// allowance is the current epoch's admissible bit budget, set by the
	// owning utility function each time the admission rate is recomputed.
	allowance atomic.Int64

	// committedOffset accumulates bits already folded into EWMA history.
	// Effective in-epoch consumption = sum(stripes) - committedOffset.
	committedOffset atomic.Int64

	// per-CPU-like stripes to reduce contention on hot flows
	stripes []stripe
	mask    int // stripes-1 (power-of-two mask)

	chooser atomic.Uint64
	rr      uint64

	// approximate net consumption maintained by operations
	approxNet atomic.Int64
	// cached net value for gating when using cached gate
	cachedNet atomic.Int64
	cachedAt  atomic.Int64

	cheapUpdateChooser bool
	perPUpdateChooser  bool
	useCachedGate      bool
	cacheInterval      time.Duration
	cacheSlack         int64
	fastPathGuard      int64

	groupCount  int
	groupStride int
	groupRR     uint64

	hGroups   int
	hStride   int
	hGroupSum []atomic.Int64

	prngPool sync.Pool

	stopCh    chan struct{}
	closeOnce sync.Once

	// tryMu serializes TryConsume/TryRefund/Commit against the gating checks.
	tryMu sync.Mutex
}

// Options configures Budget construction.
type Options struct {
	// Stripes sets the number of striped counters to reduce contention.
	// 0 uses the default: nextPow2(clamp(GOMAXPROCS, [8,64])).
	Stripes int

	// CheapUpdateChooser chooses stripes in Update without an atomic.Add, using
	// a low-overhead heuristic. Default false (use atomic chooser).
	CheapUpdateChooser bool

	// PerPUpdateChooser uses a stable P identifier via runtime procPin to pick
	// a stripe on Update without atomics or sync.Pool. Falls back to atomic
	// chooser if unavailable. CheapUpdateChooser takes precedence if both set.
	PerPUpdateChooser bool

	// UseCachedGate enables a background aggregator to maintain a cached net
	// consumption. TryConsume can gate using this cached value with a
	// conservative slack to avoid over-admission.
	UseCachedGate bool
	// CacheInterval controls how frequently the cached net is refreshed.
	// Default 100µs if UseCachedGate is true and this is 0.
	CacheInterval time.Duration
	// CacheSlack is a conservative margin subtracted from availability when
	// using the cached gate. Default 0.
	CacheSlack int64

	// GroupCount > 1 enables grouped-scans: TryConsume sums only one group of
	// stripes per check and scales the estimate, falling back to an exact
	// full scan when the estimate would deny the request.
	GroupCount int
	GroupSlack int64

	// FastPathGuard > 0 enables a lock-free fast path in TryConsume when the
	// approximate net is far enough from the allowance. The guard is the
	// safety distance kept from the limit.
	FastPathGuard int64

	// HierarchicalGroups > 1 enables hierarchical aggregation: per-group sums
	// of stripes reduce cross-core reads for Available()/cached gate.
	HierarchicalGroups int
}

// NewWithOptions creates and initializes a Budget with explicit options.
func NewWithOptions(initialAllowance int64, opts Options) *Budget {
	var s int
	if opts.Stripes > 0 {
		s = nextPow2(max(8, min(64, opts.Stripes)))
	} else {
		p := runtime.GOMAXPROCS(0)
		s = nextPow2(max(8, min(64, p)))
	}
	b := &Budget{stripes: make([]stripe, s), mask: s - 1}
	b.allowance.Store(initialAllowance)

	b.cheapUpdateChooser = opts.CheapUpdateChooser
	b.perPUpdateChooser = opts.PerPUpdateChooser
	b.useCachedGate = opts.UseCachedGate
	if b.useCachedGate {
		if opts.CacheInterval <= 0 {
			b.cacheInterval = 100 * time.Microsecond
		} else {
			b.cacheInterval = opts.CacheInterval
		}
		b.cacheSlack = opts.CacheSlack
	}
	if opts.GroupCount > 1 {
		if opts.GroupCount > s {
			opts.GroupCount = s
		}
		b.groupCount = opts.GroupCount
		g := b.groupCount
		b.groupStride = (s + g - 1) / g
		b.groupStride = max(1, b.groupStride)
		b.groupCount = max(1, b.groupCount)
		b.cacheSlack += opts.GroupSlack
	}
	if opts.FastPathGuard > 0 {
		b.fastPathGuard = opts.FastPathGuard
	}
	if opts.HierarchicalGroups > 1 {
		h := opts.HierarchicalGroups
		if h > s {
			h = s
		}
		b.hGroups = h
		b.hStride = (s + h - 1) / h
		b.hStride = max(1, b.hStride)
		b.hGroupSum = make([]atomic.Int64, b.hGroups)
	}

	if b.useCachedGate {
		b.stopCh = make(chan struct{})
		go b.runAggregator()
	}
	return b
}

// New creates a Budget with default options and the given initial bit
// allowance for the current epoch.
func New(initialAllowance int64) *Budget {
	return NewWithOptions(initialAllowance, Options{})
}

// AddAllowance adjusts the in-epoch consumption ledger directly, bypassing
// TryConsume's gating. Used to account for retroactive backlog corrections.
func (b *Budget) AddAllowance(value int64) {
	idx := b.chooseIdxForUpdate()
	b.stripes[idx].val.Add(value)
	if b.hGroups > 0 {
		g := idx / b.hStride
		b.hGroupSum[g].Add(value)
	}
	b.approxNet.Add(value)
}

type rng64 struct{ x uint64 }

func (r *rng64) next() uint64 {
	x := r.x
	if x == 0 {
		x = uint64(time.Now().UnixNano())
	}
	x ^= x >> 12
	x ^= x << 25
	x ^= x >> 27
	r.x = x
	return x * 2685821657736338717
}

func (b *Budget) chooseIdxForUpdate() int {
	if b.cheapUpdateChooser {
		p := b.prngPool.Get()
		var r *rng64
		if p == nil {
			r = &rng64{x: uint64(time.Now().UnixNano())}
		} else {
			r = p.(*rng64)
		}
		x := r.next()
		b.prngPool.Put(r)
		return int(x) & b.mask
	}
	if b.perPUpdateChooser {
		pid := runtime_procPin()
		i := pid & b.mask
		runtime_procUnpin()
		return i
	}
	return int(b.chooser.Add(1)) & b.mask
}

// Available returns the real-time admissible bit budget remaining this
// epoch: allowance - |consumed|.
func (b *Budget) Available() int64 {
	s := b.allowance.Load()
	net := b.currentVector()
	return s - abs(net)
}

// State returns the current allowance and effective consumed vector.
func (b *Budget) State() (allowance, consumed int64) {
	return b.allowance.Load(), b.currentVector()
}

// CheckCommit determines whether the consumed vector has crossed threshold,
// which callers use to decide when to fold it into a flow's EWMA-rate
// history. Returns (true, vector) when |vector| >= threshold.
func (b *Budget) CheckCommit(threshold int64) (bool, int64) {
	net := b.currentVector()
	if abs(net) >= threshold {
		return true, net
	}
	return false, 0
}

// Commit folds up to committedVector bits of consumption into history,
// reducing the allowance by the same amount so the invariant
// Available() = allowance - |consumed| survives a concurrent admission
// between the caller reading the vector and calling Commit.
func (b *Budget) Commit(committedVector int64) {
	if committedVector == 0 {
		return
	}
	b.tryMu.Lock()
	net := b.currentVector()
	if net == 0 {
		b.tryMu.Unlock()
		return
	}
	mag := abs(committedVector)
	if mag > abs(net) {
		mag = abs(net)
	}
	var delta int64
	if net > 0 {
		delta = mag
	} else {
		delta = -mag
	}
	b.allowance.Add(-abs(delta))
	b.committedOffset.Add(delta)
	b.approxNet.Add(-delta)
	b.tryMu.Unlock()
}

// Rearm replaces the epoch allowance outright (e.g. the utility function
// recomputed a new admission rate) and clears consumption history, starting
// a fresh epoch. Used at each SVCR/AMP rate recompute.
func (b *Budget) Rearm(newAllowance int64) {
	b.tryMu.Lock()
	defer b.tryMu.Unlock()
	for i := range b.stripes {
		b.stripes[i].val.Store(0)
	}
	for i := range b.hGroupSum {
		b.hGroupSum[i].Store(0)
	}
	b.committedOffset.Store(0)
	b.approxNet.Store(0)
	b.cachedNet.Store(0)
	b.allowance.Store(newAllowance)
}

// TryConsume atomically checks whether at least n bits of admission budget
// remain this epoch and, if so, consumes them. Used on the per-packet
// admission hot path; a denial means the packet is dropped per drop policy.
func (b *Budget) TryConsume(n int64) bool {
	if n <= 0 {
		return false
	}
	if b.fastPathGuard > 0 {
		s := b.allowance.Load()
		approx := b.approxNet.Load()
		if s-abs(approx) >= n+b.fastPathGuard {
			idx := int(b.chooser.Add(1)) & b.mask
			b.stripes[idx].val.Add(n)
			if b.hGroups > 0 {
				g := idx / b.hStride
				b.hGroupSum[g].Add(n)
			}
			b.approxNet.Add(n)
			return true
		}
	}
	b.tryMu.Lock()
	defer b.tryMu.Unlock()
	if b.useCachedGate {
		avail := b.allowance.Load() - abs(b.cachedNet.Load()) - b.cacheSlack
		if avail < n {
			return false
		}
	} else if b.groupCount > 1 {
		start := (int(b.groupRR) * b.groupStride) % len(b.stripes)
		b.groupRR++
		var partial int64
		end := start + b.groupStride
		if end > len(b.stripes) {
			end = len(b.stripes)
		}
		for i := start; i < end; i++ {
			partial += b.stripes[i].val.Load()
		}
		est := partial * int64(len(b.stripes)) / int64(end-start)
		netEst := est - b.committedOffset.Load()
		avail := b.allowance.Load() - abs(netEst) - b.cacheSlack
		if avail < n {
			avail = b.allowance.Load() - abs(b.currentVector())
			if avail < n {
				return false
			}
		}
	} else {
		avail := b.allowance.Load() - abs(b.currentVector())
		if avail < n {
			return false
		}
	}
	idx := int(b.rr) & b.mask
	b.rr++
	b.stripes[idx].val.Add(n)
	if b.hGroups > 0 {
		g := idx / b.hStride
		b.hGroupSum[g].Add(n)
	}
	b.approxNet.Add(n)
	return true
}

// TryRefund gives back up to n bits of consumption without driving it
// negative. Used when an admitted packet is subsequently dropped (e.g. by
// the encoding side's backlog-depth cap) so its budget is restored.
func (b *Budget) TryRefund(n int64) bool {
	if n <= 0 {
		return false
	}
	b.tryMu.Lock()
	defer b.tryMu.Unlock()
	net := b.currentVector()
	if net <= 0 {
		return false
	}
	if n > net {
		n = net
	}
	idx := int(b.rr) & b.mask
	b.rr++
	b.stripes[idx].val.Add(-n)
	if b.hGroups > 0 {
		g := idx / b.hStride
		b.hGroupSum[g].Add(-n)
	}
	b.approxNet.Add(-n)
	return true
}

func (b *Budget) currentVector() int64 {
	var sum int64
	if b.hGroups > 0 {
		for i := 0; i < b.hGroups; i++ {
			sum += b.hGroupSum[i].Load()
		}
	} else {
		for i := range b.stripes {
			sum += b.stripes[i].val.Load()
		}
	}
	return sum - b.committedOffset.Load()
}

func (b *Budget) runAggregator() {
	t := time.NewTicker(b.cacheInterval)
	defer t.Stop()
	for {
		select {
		case now := <-t.C:
			var sum int64
			if b.hGroups > 0 {
				for i := 0; i < b.hGroups; i++ {
					sum += b.hGroupSum[i].Load()
				}
			} else {
				for i := range b.stripes {
					sum += b.stripes[i].val.Load()
				}
			}
			net := sum - b.committedOffset.Load()
			b.cachedNet.Store(net)
			b.cachedAt.Store(now.UnixNano())
		case <-b.stopCh:
			return
		}
	}
}

// Close stops the background cache aggregator (if running). Safe to call
// multiple times.
func (b *Budget) Close() {
	b.closeOnce.Do(func() {
		if b.stopCh != nil {
			close(b.stopCh)
		}
	})
}

func abs(n int64) int64 {
	if n < 0 {
		return -n
	}
	return n
}

func nextPow2(x int) int {
	if x <= 1 {
		return 1
	}
	x--
	x |= x >> 1
	x |= x >> 2
	x |= x >> 4
	x |= x >> 8
	x |= x >> 16
	if intSize() == 64 {
		x |= x >> 32
	}
	return x + 1
}

func intSize() int { return 32 << (^uint(0) >> 63) }

func min(a, b int) int {
	if a < b {
		return a
	}
	return b
}
func max(a, b int) int {
	if a > b {
		return a
	}
	return b
}
