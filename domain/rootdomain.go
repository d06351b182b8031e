//
// Copyright 2019 Google Inc. All Rights Reserved.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS-IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.
//
//
// Package domain holds the root-domain state shared across a fleet's
// per-CPU run queues: which CPUs participate, which are currently
// overloaded, and the aggregate reserved bandwidth.  None of it is
// protected by a per-CPU lock -- spec §5 calls it out as the one piece of
// state genuinely shared, writable, and read across CPUs, so it is
// protected instead by the release/acquire-ordered mask+count pair this
// package implements, plus a plain mutex for the read-mostly span and the
// bandwidth total.
package domain

import (
	"math/bits"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"
)

// RootDomain is a partition of CPUs that share a balancer scope (spec §3,
// §4.6).
type RootDomain struct {
	// ID tags this RootDomain instance for log/diagnostics correlation; it
	// is never read by scheduling logic itself.
	ID uuid.UUID

	mu   sync.Mutex
	span uint64 // bitmask of CPUs that are members of this domain

	// dloMask and dloCount implement spec §3/§4.6's overload bitset: "a
	// release/acquire fence paired against dlo_mask writes so a reader
	// that observes a non-zero count is guaranteed to see at least one
	// set bit."  SetOverloaded publishes the mask bit before bumping the
	// count on the set path; on the clear path it decrements the count
	// before clearing the bit, so a reader can never observe a count that
	// exceeds the number of bits actually set.
	dloMask  atomic.Uint64
	dloCount atomic.Int32

	totalBW float64 // aggregate reserved bandwidth (sum of C/P), spec §3
}

// New returns a RootDomain spanning the given CPU bitmask.
func New(span uint64) *RootDomain {
	return &RootDomain{ID: uuid.New(), span: span}
}

// Span returns the bitmask of CPUs belonging to this domain.
func (rd *RootDomain) Span() uint64 {
	rd.mu.Lock()
	defer rd.mu.Unlock()
	return rd.span
}

// SetSpan replaces the domain's CPU membership, e.g. in response to
// rq_online/rq_offline (spec §6); out of scope to implement hot-plug
// itself, but the span this balancer searches is expected to track it.
func (rd *RootDomain) SetSpan(span uint64) {
	rd.mu.Lock()
	defer rd.mu.Unlock()
	rd.span = span
}

// SetOverloaded records that cpu's local queue became (or stopped being)
// overloaded, per spec §4.6's "A CPU toggles only for its own queue."
// Callers must own the transition (i.e. call only when their own queue's
// overloaded bit actually flips) -- SetOverloaded does not itself
// deduplicate repeated calls with the same value, since the bit and the
// count could then disagree about how many times a given CPU "counts".
func (rd *RootDomain) SetOverloaded(cpu int, overloaded bool) {
	bit := uint64(1) << uint(cpu)
	if overloaded {
		rd.dloMask.Or(bit)
		rd.dloCount.Add(1)
		return
	}
	rd.dloCount.Add(-1)
	rd.dloMask.And(^bit)
}

// OverloadCount returns the number of CPUs the mask claims are overloaded.
// Per spec §4.6, a reader must read the count before the mask: a non-zero
// count returned here guarantees OverloadMask has at least that many bits
// set by the time it's read next (or ever, if no further clears land).
func (rd *RootDomain) OverloadCount() int {
	return int(rd.dloCount.Load())
}

// OverloadMask returns the current overload bitset.  Per spec §4.6/§9, a
// CPU not local to this bit may observe it stale; callers must re-validate
// the target queue's actual state after acquiring its lock before acting
// on this value.
func (rd *RootDomain) OverloadMask() uint64 {
	return rd.dloMask.Load()
}

// OverloadedCPUs returns the set bits of OverloadMask as a CPU id slice,
// for convenient iteration by the balancer.
func (rd *RootDomain) OverloadedCPUs() []int {
	mask := rd.OverloadMask()
	cpus := make([]int, 0, bits.OnesCount64(mask))
	for mask != 0 {
		cpu := bits.TrailingZeros64(mask)
		cpus = append(cpus, cpu)
		mask &^= uint64(1) << uint(cpu)
	}
	return cpus
}

// AddBandwidth adds delta (positive or negative) to the domain's aggregate
// reserved bandwidth, e.g. on task admission or task_dead (spec §3: "total_bw:
// aggregate reserved bandwidth; reduced on task_dead").
func (rd *RootDomain) AddBandwidth(delta float64) {
	rd.mu.Lock()
	defer rd.mu.Unlock()
	rd.totalBW += delta
}

// TotalBandwidth returns the domain's current aggregate reserved bandwidth.
func (rd *RootDomain) TotalBandwidth() float64 {
	rd.mu.Lock()
	defer rd.mu.Unlock()
	return rd.totalBW
}
