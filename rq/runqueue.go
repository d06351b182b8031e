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
package rq

import (
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/google/btree"

	"github.com/google/dlsched/deadline"
	"github.com/google/dlsched/domain"
	"github.com/google/dlsched/internal/assert"
)

// btreeDegree is a performance-tuning parameter required by
// github.com/google/btree; it does not affect correctness.
const btreeDegree = 32

// EnqueueFlags distinguishes why Enqueue is being called (spec §6).
type EnqueueFlags int8

const (
	// EnqueueActivate is the default reason: the entity is newly runnable
	// (fork or external activation).
	EnqueueActivate EnqueueFlags = iota
	// EnqueueWakeup indicates the entity is returning from a blocked
	// (sleeping) state.
	EnqueueWakeup
	// EnqueueReplenish is used only by the throttling timer callback
	// re-enqueueing a just-replenished entity.
	EnqueueReplenish
)

// Stats are opaque, non-contractual observability counters (spec §6,
// SPEC_FULL.md's note on nr_dummy-equivalent fields).  Nothing in this
// repository branches on their values.
type Stats struct {
	PushAttempts, PushSuccesses   int64
	PullAttempts, PullSuccesses   int64
	TimerFires, ThrottleEvents    int64
}

// RunQueue is the per-CPU deadline run queue: an active tree ordered by
// absolute deadline, a pushable tree of non-running migratable entries, and
// the counters and cached earliest deadlines spec §3 attaches to it.
//
// Every exported method that touches tree/counter state must be called
// with the RunQueue locked, except where documented otherwise; no method
// may sleep or allocate while holding the lock is violated only by the Go
// runtime's own allocator, which is unavoidable and matches the teacher's
// and the kernel's own practical (not absolute) reading of that rule.
type RunQueue struct {
	mu sync.Mutex

	// CPU is this run queue's CPU id, used for DoubleLockBalance's
	// numeric lock-ordering rule (spec §4.6, §9) and never changes after
	// construction.
	CPU int

	domain *domain.RootDomain
	clock  clock.Clock
	// epoch anchors deadline.Instant(0) to a wall-clock reading, so the
	// throttling timer (which runs against clock.Clock's real/mock time)
	// can be armed for an absolute deadline.Instant (§4.4).
	epoch time.Time

	active   *btree.BTree
	pushable *btree.BTree

	entries map[deadline.ID]*Entry
	nextSeq uint64

	current *Entry

	nrRunning, nrMigratory int

	hasEarliestCurr, hasEarliestNext bool
	earliestCurr, earliestNext       deadline.Instant

	overloaded bool

	Stats Stats
}

// New returns an empty RunQueue for the given CPU, reporting overload
// transitions to dom and using clk for the throttling timer (spec §4.4).
func New(cpu int, dom *domain.RootDomain, clk clock.Clock) *RunQueue {
	return &RunQueue{
		CPU:      cpu,
		domain:   dom,
		clock:    clk,
		epoch:    clk.Now(),
		active:   btree.New(btreeDegree),
		pushable: btree.New(btreeDegree),
		entries:  map[deadline.ID]*Entry{},
	}
}

// Now returns the current time as a deadline.Instant, derived from the
// run queue's clock relative to its construction-time epoch.
func (rq *RunQueue) Now() deadline.Instant {
	return deadline.Instant(rq.clock.Now().Sub(rq.epoch))
}

// Lock acquires the run queue's lock.  Every class operation in spec §6
// must run with it held; DoubleLockBalance (balancer package) is the one
// place two RunQueues' locks are held simultaneously.
func (rq *RunQueue) Lock() { rq.mu.Lock() }

// Unlock releases the run queue's lock.
func (rq *RunQueue) Unlock() { rq.mu.Unlock() }

// TryLock attempts to acquire the run queue's lock without blocking; used
// by DoubleLockBalance's higher-id-first acquisition attempt.
func (rq *RunQueue) TryLock() bool { return rq.mu.TryLock() }

// NRRunning returns the number of entities on the active tree.
func (rq *RunQueue) NRRunning() int { return rq.nrRunning }

// NRMigratory returns the number of active entities with NRCPUsAllowed()>1.
func (rq *RunQueue) NRMigratory() int { return rq.nrMigratory }

// Overloaded reports the cached overload flag (spec §3, §4.6): this CPU
// carries at least one migratable entity and at least two entities overall,
// i.e. it has a pushable surplus worth another CPU's attention.
func (rq *RunQueue) Overloaded() bool { return rq.overloaded }

// EarliestCurr returns the active tree's leftmost deadline and whether one
// exists.
func (rq *RunQueue) EarliestCurr() (deadline.Instant, bool) {
	return rq.earliestCurr, rq.hasEarliestCurr
}

// EarliestNext returns the active tree's second-earliest deadline and
// whether one exists.  Per spec §9's Open Questions, maintenance of this
// value across concurrent pushable-tree mutation on another CPU is
// best-effort; callers (the balancer) must re-validate under this queue's
// lock before acting on a value read without holding it.
func (rq *RunQueue) EarliestNext() (deadline.Instant, bool) {
	return rq.earliestNext, rq.hasEarliestNext
}

// Current returns the entity currently running on this CPU, or nil.
func (rq *RunQueue) Current() *deadline.Entity {
	if rq.current == nil {
		return nil
	}
	return rq.current.Entity
}

// Lookup returns the Entry tracking id, if this run queue currently owns
// it (on either tree, or running).
func (rq *RunQueue) Lookup(id deadline.ID) (*Entry, bool) {
	e, ok := rq.entries[id]
	return e, ok
}

// Entities returns every entity this run queue currently tracks
// (running, on the active tree, or throttled-but-last-seen-here),
// in unspecified order.  For diagnostics only.
func (rq *RunQueue) Entities() []*deadline.Entity {
	out := make([]*deadline.Entity, 0, len(rq.entries))
	for _, e := range rq.entries {
		out = append(out, e.Entity)
	}
	return out
}

func (rq *RunQueue) recomputeEarliest() {
	rq.hasEarliestCurr, rq.hasEarliestNext = false, false
	n := 0
	rq.active.Ascend(func(it btree.Item) bool {
		e := it.(activeItem).Entity
		if n == 0 {
			rq.earliestCurr = e.Deadline
			rq.hasEarliestCurr = true
		} else if n == 1 {
			rq.earliestNext = e.Deadline
			rq.hasEarliestNext = true
			return false
		}
		n++
		return true
	})
}

func (rq *RunQueue) refreshOverloaded() {
	overloaded := rq.nrMigratory >= 1 && rq.nrRunning >= 2
	if overloaded != rq.overloaded {
		rq.overloaded = overloaded
		if rq.domain != nil {
			rq.domain.SetOverloaded(rq.CPU, overloaded)
		}
	}
}

// pushableEligible reports whether e should belong to the pushable tree
// per spec §4.5: on the active tree, not running, and migratable.
func pushableEligible(entry *Entry) bool {
	return entry.onActive && !entry.running && entry.Entity.Migratory()
}

func (rq *RunQueue) syncPushable(entry *Entry) {
	want := pushableEligible(entry)
	if want && !entry.onPushable {
		rq.pushable.ReplaceOrInsert(pushableItem{entry})
		entry.onPushable = true
	} else if !want && entry.onPushable {
		rq.pushable.Delete(pushableItem{entry})
		entry.onPushable = false
	}
}

// PushableLeftmost returns the earliest-deadline entry in the pushable set,
// or nil if it is empty (spec §4.6's push_dl_task source).
func (rq *RunQueue) PushableLeftmost() *Entry {
	item := rq.pushable.Min()
	if item == nil {
		return nil
	}
	return item.(pushableItem).Entry
}

// ActiveLeftmost returns the earliest-deadline entry on the active tree, or
// nil if it is empty.
func (rq *RunQueue) ActiveLeftmost() *Entry {
	item := rq.active.Min()
	if item == nil {
		return nil
	}
	return item.(activeItem).Entry
}

// SecondEarliestActive returns the active tree's second-leftmost entry, or
// nil if the tree holds fewer than two entries. balancer.PullTask does not
// use it: it takes the source's PushableLeftmost, which never includes the
// running entry.
func (rq *RunQueue) SecondEarliestActive() *Entry {
	var first, second *Entry
	rq.active.Ascend(func(it btree.Item) bool {
		e := it.(activeItem).Entry
		if first == nil {
			first = e
			return true
		}
		second = e
		return false
	})
	return second
}

func (rq *RunQueue) entryFor(e *deadline.Entity) *Entry {
	entry, ok := rq.entries[e.ID]
	if !ok {
		entry = &Entry{Entity: e}
		rq.entries[e.ID] = entry
	}
	return entry
}

func (rq *RunQueue) assertConsistent() {
	assert.Invariant(rq.nrRunning == rq.active.Len(),
		"cpu %d: nrRunning=%d but active tree has %d items", rq.CPU, rq.nrRunning, rq.active.Len())
}
