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
// Package sim stands in for the outer scheduler framework that is out of
// scope for the scheduling core itself: it owns a fixed fleet of run queues
// sharing one root domain, drives a mock clock, and calls into sched.Class
// at the same hook points a real kernel would (activation, tick, wakeup,
// yield, pre/post-schedule). It exists to reproduce end-to-end scenarios and
// is not part of the scheduling core.
package sim

import (
	"fmt"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"golang.org/x/sync/errgroup"

	"github.com/google/dlsched/bandwidth"
	"github.com/google/dlsched/deadline"
	"github.com/google/dlsched/diag"
	"github.com/google/dlsched/domain"
	"github.com/google/dlsched/rq"
	"github.com/google/dlsched/sched"
)

// Engine drives a fleet of run queues through a deterministic mock clock.
type Engine struct {
	Domain    *domain.RootDomain
	RunQueues []*rq.RunQueue
	Class     *sched.Class
	Ledger    *bandwidth.Ledger
	Diag      *diag.Server

	clock *clock.Mock
	epoch time.Time

	missesMu sync.Mutex
	// DeadlineMisses counts, per entity, how many ticks discovered the
	// running entity's absolute deadline already passed (spec §8's
	// dmiss_count); keyed by entity ID, observability only. Guarded by
	// missesMu since TickAll updates it from concurrent per-CPU goroutines.
	DeadlineMisses map[deadline.ID]int
}

func (en *Engine) recordMiss(id deadline.ID) {
	en.missesMu.Lock()
	en.DeadlineMisses[id]++
	en.missesMu.Unlock()
}

// New returns an Engine over numCPUs run queues sharing one root domain.
// eventHistorySize sizes the diagnostics recent-event ring (0 selects
// diag.DefaultEventHistorySize).
func New(numCPUs int, eventHistorySize int) *Engine {
	mock := clock.NewMock()
	var span uint64
	for i := 0; i < numCPUs; i++ {
		span |= uint64(1) << uint(i)
	}
	dom := domain.New(span)
	rqs := make([]*rq.RunQueue, numCPUs)
	for i := range rqs {
		rqs[i] = rq.New(i, dom, mock)
	}
	ledger := bandwidth.NewLedger()
	return &Engine{
		Domain:         dom,
		RunQueues:      rqs,
		Class:          sched.New(dom, rqs, ledger),
		Ledger:         ledger,
		Diag:           diag.NewServer(dom, rqs, eventHistorySize),
		clock:          mock,
		epoch:          mock.Now(),
		DeadlineMisses: map[deadline.ID]int{},
	}
}

// Now returns the engine's current logical time.
func (en *Engine) Now() deadline.Instant {
	return deadline.Instant(en.clock.Now().Sub(en.epoch))
}

// Advance moves the mock clock forward by d, synchronously firing any
// throttling timers due by the new time, and returns the resulting instant.
func (en *Engine) Advance(d deadline.Duration) deadline.Instant {
	en.clock.Add(time.Duration(d))
	return en.Now()
}

// Activate admits e as a freshly forked entity -- bandwidth accounting via
// TaskFork, then enqueued onto cpu -- mirroring a task's first activation
// after fork (spec §3's lifecycle, §6's task_fork_dl/enqueue_task_dl).
func (en *Engine) Activate(cpu int, e *deadline.Entity) {
	en.Class.TaskFork(e)
	en.Class.EnqueueTask(cpu, e, nil, en.Now(), rq.EnqueueActivate)
	en.recordf(cpu, "activate", "%s admitted", e.ID)
}

// Wake enqueues e as returning from a blocked state and reports whether it
// preempts cpu's current entity, draining any pushable surplus the
// preemption creates (spec §6's task_woken_dl, scenario C).
func (en *Engine) Wake(cpu int, e *deadline.Entity) bool {
	now := en.Now()
	en.Class.EnqueueTask(cpu, e, nil, now, rq.EnqueueWakeup)
	preempts := en.Class.TaskWoken(cpu, e, now)
	if preempts {
		en.recordf(cpu, "preempt", "%s preempts current", e.ID)
	}
	return preempts
}

// Yield gives up the remainder of cpu's current entity's budget (spec §6's
// yield_task_dl, scenario F).
func (en *Engine) Yield(cpu int) {
	en.Class.YieldTask(cpu, en.Now())
	en.recordf(cpu, "yield", "current entity yielded")
}

// PickNext selects cpu's next entity to run.
func (en *Engine) PickNext(cpu int) *deadline.Entity {
	return en.Class.PickNextTask(cpu, en.Now())
}

// PreSchedule pulls a pushable entity onto cpu if it is about to go idle
// (spec §6's pre_schedule_dl).
func (en *Engine) PreSchedule(cpu int) bool {
	pulled := en.Class.PreSchedule(cpu, en.Now())
	if pulled {
		en.recordf(cpu, "pull", "pulled a pushable entity while idle")
	}
	return pulled
}

// PostSchedule drains cpu's pushable surplus after a context switch (spec
// §6's post_schedule_dl, scenario D), returning the number migrated away.
func (en *Engine) PostSchedule(cpu int) int {
	n := en.Class.PostSchedule(cpu, en.Now())
	if n > 0 {
		en.recordf(cpu, "push", "pushed %d entities off an overloaded queue", n)
	}
	return n
}

// SwitchedFrom reports e leaving the deadline class on cpu and attempts a
// pull to backfill it (spec §6's switched_from_dl, scenario E).
func (en *Engine) SwitchedFrom(cpu int, e *deadline.Entity) {
	en.Class.SwitchedFrom(cpu, e, en.Now())
}

// Tick advances cpu's currently running entity by ran, charging it against
// budget and applying CBS accounting (spec §6's task_tick_dl). If the tick
// throttles the entity, a replacement is picked immediately, matching a
// kernel's own post-tick reschedule. It records a deadline miss against
// the entity that was running, if its absolute deadline had already
// elapsed by the time this tick observed it.
func (en *Engine) Tick(cpu int, ran deadline.Duration) (throttled bool) {
	q := en.RunQueues[cpu]
	q.Lock()
	cur := q.Current()
	q.Unlock()

	now := en.Advance(ran)

	if cur != nil && deadline.Before(cur.Deadline, now) {
		en.recordMiss(cur.ID)
	}

	throttled = en.Class.TaskTick(cpu, now, ran)
	if throttled {
		en.recordf(cpu, "throttle", "entity exhausted budget or missed its deadline")
		en.PickNext(cpu)
	}
	return throttled
}

// TickAll advances every (cpu, ran) pair in perCPURan concurrently using one
// errgroup, all against the same post-advance instant (spec §5's per-CPU
// independence: each run queue's lock makes concurrent ticks on distinct
// CPUs safe). The clock itself is advanced once, by the largest ran in the
// batch, before any per-CPU tick runs, so every CPU ticks against a
// consistent shared "now".
func (en *Engine) TickAll(perCPURan map[int]deadline.Duration) error {
	var maxRan deadline.Duration
	for _, ran := range perCPURan {
		if ran > maxRan {
			maxRan = ran
		}
	}
	now := en.Advance(maxRan)

	var g errgroup.Group
	for cpu, ran := range perCPURan {
		cpu, ran := cpu, ran
		g.Go(func() error {
			q := en.RunQueues[cpu]
			q.Lock()
			cur := q.Current()
			q.Unlock()
			if cur != nil && deadline.Before(cur.Deadline, now) {
				en.recordMiss(cur.ID)
			}
			if en.Class.TaskTick(cpu, now, ran) {
				en.recordf(cpu, "throttle", "entity exhausted budget or missed its deadline")
				en.PickNext(cpu)
			}
			return nil
		})
	}
	return g.Wait()
}

func (en *Engine) recordf(cpu int, kind, format string, args ...interface{}) {
	en.Diag.RecordEvent(diag.Event{
		Time: en.clock.Now(),
		CPU:  cpu,
		Kind: kind,
		Note: fmt.Sprintf(format, args...),
	})
}
