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
	"time"

	"github.com/google/dlsched/deadline"
)

// armTimer schedules entry's replenishment for the wall-clock instant
// corresponding to when.  If that instant has already elapsed -- the
// common case for a deadline miss discovered late, or a mock clock
// advanced past it in one jump -- the replenishment runs immediately and
// inline rather than arming a timer for a negative duration (spec §4.4,
// §7's "timer fires in the past").
func (rq *RunQueue) armTimer(entry *Entry, when deadline.Instant) {
	target := rq.epoch.Add(time.Duration(when))
	d := target.Sub(rq.clock.Now())
	if d <= 0 {
		rq.onTimerFire(entry)
		return
	}
	if entry.timer != nil {
		entry.timer.Stop()
	}
	entry.timer = rq.clock.AfterFunc(d, func() {
		rq.Lock()
		defer rq.Unlock()
		rq.onTimerFire(entry)
	})
}

// onTimerFire is the throttling timer's callback body, run with the run
// queue locked.  It replenishes entry's CBS parameters and re-enqueues it,
// unless the entity has since switched away from the deadline class, in
// which case the callback is a deliberate no-op (spec §7's "task changed
// class during timer callback"): switched_to_dl, were it ever to run
// again, re-establishes its own CBS state via FlagNew rather than relying
// on a stale timer.
func (rq *RunQueue) onTimerFire(entry *Entry) {
	entry.timer = nil
	e := entry.Entity
	if e.Class != deadline.ClassDeadline {
		return
	}
	rq.Stats.TimerFires++
	now := rq.Now()
	deadline.Replenish(e, nil, now)
	e.SetThrottled(false)
	rq.Enqueue(e, nil, now, EnqueueReplenish)
}
