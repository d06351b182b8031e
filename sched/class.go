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
// Package sched ties deadline, rq, domain, and balancer together into the
// class operation vector spec §6 describes: the fixed set of hooks an
// outer scheduler framework (here, the sim package) calls at activation,
// tick, context switch, and migration points. There is exactly one
// scheduling class implemented, so the "vector" collapses to a single
// concrete type's methods rather than an interface with one implementer
// (spec §9's "tagged variants, not inheritance").
package sched

import (
	"github.com/google/dlsched/balancer"
	"github.com/google/dlsched/bandwidth"
	"github.com/google/dlsched/deadline"
	"github.com/google/dlsched/domain"
	"github.com/google/dlsched/internal/assert"
	"github.com/google/dlsched/rq"
)

// Class is the deadline scheduling class bound to a fixed fleet of
// per-CPU run queues sharing one root domain.
type Class struct {
	Domain    *domain.RootDomain
	RunQueues []*rq.RunQueue
	// Ledger tracks each admitted entity's per-CPU C/P reservation for
	// windowed bandwidth-isolation queries (spec §8 invariant 5); it is
	// optional and nil-safe, since not every caller needs windowed queries.
	Ledger *bandwidth.Ledger
}

// New returns a Class operating over runQueues, indexed by CPU id, sharing
// dom as their root domain. ledger may be nil if windowed bandwidth queries
// are not needed.
func New(dom *domain.RootDomain, runQueues []*rq.RunQueue, ledger *bandwidth.Ledger) *Class {
	return &Class{Domain: dom, RunQueues: runQueues, Ledger: ledger}
}

func (c *Class) rq(cpu int) *rq.RunQueue { return c.RunQueues[cpu] }

func utilization(p deadline.Params) float64 {
	return float64(p.Runtime) / float64(p.Period)
}

// EnqueueTask makes e runnable on cpu (spec §6's enqueue_task_dl). piTop is
// the optional priority-inheritance donor and may be nil.
func (c *Class) EnqueueTask(cpu int, e, piTop *deadline.Entity, now deadline.Instant, flags rq.EnqueueFlags) {
	q := c.rq(cpu)
	q.Lock()
	defer q.Unlock()
	q.Enqueue(e, piTop, now, flags)
	if c.Ledger != nil {
		c.Ledger.Charge(cpu, e, now)
	}
}

// DequeueTask removes e from cpu's active tree (spec §6's dequeue_task_dl).
func (c *Class) DequeueTask(cpu int, e *deadline.Entity) {
	q := c.rq(cpu)
	q.Lock()
	defer q.Unlock()
	q.Dequeue(e)
}

// YieldTask gives up the remainder of cpu's current entity's budget,
// throttling it inline (spec §6's yield_task_dl).
func (c *Class) YieldTask(cpu int, now deadline.Instant) {
	q := c.rq(cpu)
	q.Lock()
	defer q.Unlock()
	q.Yield(now)
}

// CheckPreemptCurr reports whether candidate should preempt cpu's
// currently running entity (spec §6's check_preempt_curr_dl).
func (c *Class) CheckPreemptCurr(cpu int, candidate *deadline.Entity) bool {
	q := c.rq(cpu)
	q.Lock()
	defer q.Unlock()
	return q.CheckPreemptCurr(candidate)
}

// PickNextTask selects cpu's next entity to run (spec §6's
// pick_next_task_dl).
func (c *Class) PickNextTask(cpu int, now deadline.Instant) *deadline.Entity {
	q := c.rq(cpu)
	q.Lock()
	defer q.Unlock()
	return q.PickNext(now)
}

// PutPrevTask marks e no longer running on cpu without selecting a
// replacement (spec §6's put_prev_task_dl).
func (c *Class) PutPrevTask(cpu int, e *deadline.Entity) {
	q := c.rq(cpu)
	q.Lock()
	defer q.Unlock()
	q.PutPrev(e)
}

// SetCurrTask reinitializes e as cpu's running entity without a full
// pick, for callers recovering from an out-of-band class change (spec
// §6's set_curr_task_dl).
func (c *Class) SetCurrTask(cpu int, e *deadline.Entity) {
	q := c.rq(cpu)
	q.Lock()
	defer q.Unlock()
	q.SetCurrent(e)
}

// TaskTick charges ran against cpu's running entity and applies CBS
// accounting, reporting whether it was throttled as a result (spec §6's
// task_tick_dl).
func (c *Class) TaskTick(cpu int, now deadline.Instant, ran deadline.Duration) bool {
	q := c.rq(cpu)
	q.Lock()
	defer q.Unlock()
	return q.UpdateCurr(now, ran)
}

// TaskFork admits a freshly forked entity's declared bandwidth into the
// root domain's total (spec §6's task_fork_dl). It manages its own
// locking: the entity is not yet attached to any run queue.
func (c *Class) TaskFork(e *deadline.Entity) {
	assert.Invariant(e.IsNew() && e.Throttled(), "TaskFork called on already-initialized %s", e)
	c.Domain.AddBandwidth(utilization(e.Params))
}

// TaskDead forgets e on cpu and releases its reserved bandwidth (spec §6's
// task_dead_dl). It manages its own locking.
func (c *Class) TaskDead(cpu int, e *deadline.Entity, now deadline.Instant) {
	q := c.rq(cpu)
	q.Lock()
	q.Remove(e.ID)
	q.Unlock()
	c.Domain.AddBandwidth(-utilization(e.Params))
	if c.Ledger != nil {
		c.Ledger.Release(cpu, e.ID, now)
	}
}

// SelectTaskRQ picks a CPU for e, preferring hintCPU (e.g. the CPU it last
// ran on) when it still fits without causing a miss, and otherwise
// searching for an idle CPU or, failing that, the busy CPU with the most
// slack relative to e (spec §6's select_task_rq_dl). hintCPU may be -1 if
// there is no prior placement. It returns -1 if no CPU in e's affinity
// mask is known to this Class.
func (c *Class) SelectTaskRQ(e *deadline.Entity, hintCPU int) int {
	if hintCPU >= 0 && hintCPU < len(c.RunQueues) && e.AllowedOn(hintCPU) {
		q := c.rq(hintCPU)
		cur, has := q.EarliestCurr()
		if !has || deadline.Before(e.Deadline, cur) {
			return hintCPU
		}
	}

	best := -1
	var bestDeadline deadline.Instant
	for _, q := range c.RunQueues {
		if !e.AllowedOn(q.CPU) {
			continue
		}
		cur, has := q.EarliestCurr()
		if !has {
			return q.CPU
		}
		if best == -1 || deadline.Before(bestDeadline, cur) {
			best, bestDeadline = q.CPU, cur
		}
	}
	return best
}

// SetCPUsAllowed updates e's affinity on cpu (spec §6's
// set_cpus_allowed_dl).
func (c *Class) SetCPUsAllowed(cpu int, e *deadline.Entity, mask uint64) {
	q := c.rq(cpu)
	q.Lock()
	defer q.Unlock()
	q.SetCPUsAllowed(e, mask)
}

// RQOnline adds cpu to the root domain's span (spec §6's rq_online_dl).
func (c *Class) RQOnline(cpu int) {
	c.Domain.SetSpan(c.Domain.Span() | uint64(1)<<uint(cpu))
}

// RQOffline removes cpu from the root domain's span (spec §6's
// rq_offline_dl).
func (c *Class) RQOffline(cpu int) {
	c.Domain.SetSpan(c.Domain.Span() &^ (uint64(1) << uint(cpu)))
}

// PreSchedule pulls a pushable entity onto cpu if it is about to go idle,
// reporting whether a migration happened (spec §6's pre_schedule_dl). The
// emptiness check is a best-effort peek taken before acquiring any lock,
// matching the pushable-tree race spec §9's Open Questions tolerates.
func (c *Class) PreSchedule(cpu int, now deadline.Instant) bool {
	q := c.rq(cpu)
	if q.NRRunning() > 0 {
		return false
	}
	return balancer.PullTask(q, c.RunQueues, c.Domain, now)
}

// PostSchedule drains cpu's pushable surplus after a context switch,
// returning the number of entities migrated away (spec §6's
// post_schedule_dl).
func (c *Class) PostSchedule(cpu int, now deadline.Instant) int {
	q := c.rq(cpu)
	if !q.Overloaded() {
		return 0
	}
	return balancer.PushLoop(q, c.RunQueues, now)
}

// TaskWoken reports whether the just-woken entity e preempts cpu's
// current entity, and if so immediately drains any pushable surplus the
// preemption created (spec §6's task_woken_dl).
func (c *Class) TaskWoken(cpu int, e *deadline.Entity, now deadline.Instant) bool {
	q := c.rq(cpu)
	q.Lock()
	preempts := q.CheckPreemptCurr(e)
	q.Unlock()
	if preempts && q.Overloaded() {
		balancer.PushLoop(q, c.RunQueues, now)
	}
	return preempts
}

// PrioChanged reports whether e, having just had its priority-inheritance
// parameters changed, now preempts cpu's current entity (spec §6's
// prio_changed_dl).
func (c *Class) PrioChanged(cpu int, e *deadline.Entity) bool {
	q := c.rq(cpu)
	q.Lock()
	defer q.Unlock()
	return q.CheckPreemptCurr(e)
}

// SwitchedFrom forgets e -- which has just left the deadline class -- on
// cpu, and attempts to backfill cpu from an overloaded peer (spec §6's
// switched_from_dl, scenario E).
func (c *Class) SwitchedFrom(cpu int, e *deadline.Entity, now deadline.Instant) {
	q := c.rq(cpu)
	q.Lock()
	q.Remove(e.ID)
	q.Unlock()
	e.Class = deadline.ClassOther
	if c.Ledger != nil {
		c.Ledger.Release(cpu, e.ID, now)
	}
	balancer.PullTask(q, c.RunQueues, c.Domain, now)
}

// SwitchedTo admits e -- which has just entered the deadline class -- onto
// cpu as a fresh entity, reporting whether it preempts cpu's current
// entity, and drains cpu's pushable surplus if the admission left it
// overloaded (spec §6's switched_to_dl).
func (c *Class) SwitchedTo(cpu int, e *deadline.Entity, now deadline.Instant) bool {
	e.Class = deadline.ClassDeadline
	e.SetNew(true)
	e.SetThrottled(true)
	q := c.rq(cpu)
	q.Lock()
	q.Enqueue(e, nil, now, rq.EnqueueActivate)
	if c.Ledger != nil {
		c.Ledger.Charge(cpu, e, now)
	}
	preempts := q.CheckPreemptCurr(e)
	overloaded := q.Overloaded()
	q.Unlock()
	if overloaded {
		balancer.PushLoop(q, c.RunQueues, now)
	}
	return preempts
}

// WaitInterval computes the absolute instant e should be woken on cpu: wake,
// if non-nil, unless honoring it would overflow e's bandwidth envelope, else
// the next period boundary (spec §6's wait_interval, a release-wait
// primitive). It manages its own locking since it may be called from
// outside any scheduling hook.
func (c *Class) WaitInterval(cpu int, e *deadline.Entity, wake *deadline.Instant) deadline.Instant {
	q := c.rq(cpu)
	q.Lock()
	defer q.Unlock()
	return q.WaitInterval(e, wake)
}
