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
	log "github.com/golang/glog"

	"github.com/google/btree"

	"github.com/google/dlsched/deadline"
)

// Enqueue makes e runnable on this CPU's active tree (spec §4.3, §6's
// enqueue_task_dl).  piTop is the optional priority-inheritance donor
// (spec §4.2); it may be nil.  flags distinguishes a plain activation from
// a wakeup or a throttling-timer replenishment; only EnqueueReplenish skips
// the new/update materialization step, since the timer callback has
// already called Replenish itself.
func (rq *RunQueue) Enqueue(e *deadline.Entity, piTop *deadline.Entity, now deadline.Instant, flags EnqueueFlags) {
	entry := rq.entryFor(e)
	if entry.onActive {
		return
	}

	e.SetThrottled(false)
	if flags != EnqueueReplenish {
		deadline.Update(e, piTop, now)
	}

	if entry.seq == 0 {
		rq.nextSeq++
		entry.seq = rq.nextSeq
	}

	rq.active.ReplaceOrInsert(activeItem{entry})
	entry.onActive = true
	rq.nrRunning++

	rq.syncPushable(entry)
	rq.recountMigratory()
	rq.recomputeEarliest()
}

// Dequeue removes e from the active tree without forgetting it: the Entry
// remains addressable by Lookup so a throttling timer already armed against
// it, or an in-flight migration, can still find it.  Use Remove to forget
// an entity entirely (spec §6's task_dead).
func (rq *RunQueue) Dequeue(e *deadline.Entity) {
	entry, ok := rq.entries[e.ID]
	if !ok || !entry.onActive {
		return
	}
	rq.active.Delete(activeItem{entry})
	entry.onActive = false
	rq.nrRunning--
	rq.syncPushable(entry)
	rq.recountMigratory()
	rq.recomputeEarliest()
}

// Remove forgets id entirely: dequeues it if still active, cancels any
// armed throttling timer, and drops it from this run queue's bookkeeping
// (spec §6's task_dead and switched_from_dl). Cross-CPU migration does not
// call it: the balancer uses Dequeue on the source, which keeps the Entry.
func (rq *RunQueue) Remove(id deadline.ID) {
	entry, ok := rq.entries[id]
	if !ok {
		return
	}
	if entry.onActive {
		rq.Dequeue(entry.Entity)
	}
	if entry.timer != nil {
		entry.timer.Stop()
		entry.timer = nil
	}
	if rq.current == entry {
		rq.current = nil
	}
	delete(rq.entries, id)
}

// PickNext selects the active tree's leftmost entry as the new current
// task, demoting the previous current (if any) back into pushable
// eligibility, and returns the selected entity, or nil if the active tree
// is empty (spec §4.3, §6's pick_next_task_dl).
func (rq *RunQueue) PickNext(now deadline.Instant) *deadline.Entity {
	next := rq.ActiveLeftmost()
	if next == rq.current {
		return rq.currentEntity()
	}
	if rq.current != nil {
		rq.current.running = false
		rq.syncPushable(rq.current)
	}
	rq.current = next
	if next != nil {
		next.running = true
		rq.syncPushable(next)
	}
	return rq.currentEntity()
}

func (rq *RunQueue) currentEntity() *deadline.Entity {
	if rq.current == nil {
		return nil
	}
	return rq.current.Entity
}

// PutPrev marks e no longer running without selecting a replacement,
// restoring it to pushable eligibility if it is still active and
// migratory (spec §6's put_prev_task_dl).  Callers normally follow with
// PickNext to choose what runs next.
func (rq *RunQueue) PutPrev(e *deadline.Entity) {
	entry, ok := rq.entries[e.ID]
	if !ok {
		return
	}
	entry.running = false
	rq.syncPushable(entry)
	if rq.current == entry {
		rq.current = nil
	}
}

// SetCurrent marks e -- which must already be on the active tree -- as the
// running entity without otherwise touching the tree, for callers
// reinitializing bookkeeping after an out-of-band class change rather than
// picking afresh (spec §6's set_curr_task_dl). It is a no-op if e is not
// currently tracked as active.
func (rq *RunQueue) SetCurrent(e *deadline.Entity) {
	entry, ok := rq.entries[e.ID]
	if !ok || !entry.onActive {
		return
	}
	if rq.current != nil && rq.current != entry {
		rq.current.running = false
		rq.syncPushable(rq.current)
	}
	entry.running = true
	rq.syncPushable(entry)
	rq.current = entry
}

// CheckPreemptCurr reports whether candidate should preempt the entity
// currently running on this CPU: a head entity always preempts a
// non-head one, and among entities of equal head-ness the earlier
// deadline wins (spec §4.1, §6's check_preempt_curr_dl).
func (rq *RunQueue) CheckPreemptCurr(candidate *deadline.Entity) bool {
	if rq.current == nil {
		return true
	}
	cur := rq.current.Entity
	if candidate.IsHead() != cur.IsHead() {
		return candidate.IsHead()
	}
	return deadline.Before(candidate.Deadline, cur.Deadline)
}

// UpdateCurr charges ran against the currently-running entity's budget and
// applies CBS accounting if its deadline or runtime has been exceeded
// (spec §4.2, §6's update_curr_dl).  It reports whether the current entity
// was throttled (moved off the active tree pending timer replenishment) as
// a result.  Calling UpdateCurr with no current entity is a no-op.
func (rq *RunQueue) UpdateCurr(now deadline.Instant, ran deadline.Duration) bool {
	if rq.current == nil {
		return false
	}
	entry := rq.current
	e := entry.Entity
	e.Runtime -= ran
	if !deadline.RuntimeExceeded(e, now) {
		return false
	}
	switch {
	case e.ReclaimDL():
		// Entity overruns in place; its negative runtime carries into the
		// next Replenish rather than throttling it off the tree.
		return false
	case e.IsBoosted():
		// Priority-inherited entities are never throttled while boosted
		// (spec §4.2, §7).
		return false
	default:
		rq.throttle(entry, now)
		return true
	}
}

// throttle moves entry off the active tree and arms its replenishment
// timer for its current, still-unreplenished deadline (spec §4.4): the
// timer fires exactly when that deadline elapses, at which point the
// callback replenishes and re-enqueues it.
func (rq *RunQueue) throttle(entry *Entry, now deadline.Instant) {
	e := entry.Entity
	e.SetThrottled(true)
	rq.Dequeue(e)
	rq.Stats.ThrottleEvents++
	log.V(1).Infof("cpu %d: throttling %s until %s", rq.CPU, e, e.Deadline)
	rq.armTimer(entry, e.Deadline)
}

// Yield gives up the remainder of the currently-running entity's budget for
// this instance: it marks is_new, forces runtime to 0, and calls UpdateCurr
// inline so the throttle happens immediately rather than waiting for the
// next tick to discover the exhaustion (spec §4.3's yield_task_dl, matching
// the original's inline dl_new=1 plus update_curr_dl(rq)). The replenishment
// timer this arms fires at e's unchanged deadline, the next period
// boundary.
func (rq *RunQueue) Yield(now deadline.Instant) {
	if rq.current == nil {
		return
	}
	e := rq.current.Entity
	e.SetNew(true)
	e.Runtime = 0
	rq.UpdateCurr(now, 0)
}

// WaitInterval computes the absolute instant a task blocked on e should be
// woken: wake, if supplied, unless honoring it would still overflow e's
// declared bandwidth envelope (spec §4.2's overflow test, evaluated as of
// wake rather than the live clock), in which case the wake is postponed to
// deadline - runtime*P/C so it returns with a full budget; if wake is nil,
// the next period boundary (e's current deadline) is used. Marks is_new so
// the next enqueue re-materializes e's parameters against the then-current
// clock (spec §4.3's wait-interval, §6's get_rr_interval_dl use as a
// release-wait primitive).
func (rq *RunQueue) WaitInterval(e *deadline.Entity, wake *deadline.Instant) deadline.Instant {
	when := e.Deadline
	if wake != nil {
		when = *wake
		if deadline.Before(when, e.Deadline) && deadline.Overflow(e, nil, when) {
			when = e.Deadline.Add(-deadline.Duration(int64(e.Runtime) * int64(e.Params.Period) / int64(e.Params.Runtime)))
		}
	}
	e.SetNew(true)
	return when
}

// SetCPUsAllowed updates e's affinity mask and this run queue's migratory
// bookkeeping and pushable-tree membership to match (spec §6's
// set_cpus_allowed_dl).
func (rq *RunQueue) SetCPUsAllowed(e *deadline.Entity, mask uint64) {
	e.SetCPUMask(mask)
	entry, ok := rq.entries[e.ID]
	if !ok {
		return
	}
	rq.syncPushable(entry)
	rq.recountMigratory()
}

func (rq *RunQueue) recountMigratory() {
	n := 0
	rq.active.Ascend(func(it btree.Item) bool {
		if it.(activeItem).Entity.Migratory() {
			n++
		}
		return true
	})
	rq.nrMigratory = n
	rq.refreshOverloaded()
}
