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
package deadline

import (
	log "github.com/golang/glog"

	"github.com/google/dlsched/internal/assert"
)

// SetupNew materializes a newly-forked or newly-woken entity's parameters
// against the live clock: e.Deadline = now + D, e.Runtime = C, and clears
// FlagNew.  Preconditions (spec §4.2): e.IsNew() && !e.Throttled().
func SetupNew(e *Entity, now Instant) {
	assert.Invariant(e.IsNew(), "SetupNew called on non-new %s", e)
	assert.Invariant(!e.Throttled(), "SetupNew called on throttled %s", e)
	e.Deadline = now.Add(e.Params.RelDeadline)
	e.Runtime = e.Params.Runtime
	e.SetNew(false)
}

// Replenish advances e's (deadline, runtime) by whole periods until runtime
// is positive again: while runtime <= 0, deadline += P, runtime += C.  If,
// after the loop, the resulting deadline still lies in the past relative to
// now, the clock has regressed or the entity has been idle far longer than
// one period; this is logged once at this call site and the entity is
// forcibly reset to (now+D, C) rather than looping indefinitely (spec §4.2,
// §7).  Each loop iteration adds Params.Runtime > 0 to e.Runtime, which
// Params.Validate guarantees is positive, so the loop terminates.
func Replenish(e *Entity, piTop *Entity, now Instant) {
	params := effectiveParams(e, piTop)
	for e.Runtime <= 0 {
		e.Deadline = e.Deadline.Add(params.Period)
		e.Runtime += params.Runtime
	}
	if Before(e.Deadline, now) {
		log.Warningf("dlsched: %s replenished to a deadline still in the past at %s; forcibly resetting", e, now)
		e.Deadline = now.Add(params.RelDeadline)
		e.Runtime = params.Runtime
	}
}

// Overflow reports whether honoring e's remaining runtime against its
// current deadline would exceed the declared bandwidth C/P (D is used as
// the denominator in place of P when D == P).  The comparison is
// D*runtime vs (deadline-now)*C, evaluated through the circular order so
// that a runtime close to its signed-overflow boundary or a deadline close
// to wrapping never flips the result (spec §4.2, testable property 8).
func Overflow(e *Entity, piTop *Entity, now Instant) bool {
	params := effectiveParams(e, piTop)
	denom := params.Period
	if params.RelDeadline == params.Period {
		denom = params.RelDeadline
	}
	left := int64(denom) * int64(e.Runtime)
	right := int64(e.Deadline.Sub(now)) * int64(params.Runtime)
	return Before(Instant(right), Instant(left))
}

// Update materializes a new entity, or postpones an overrunning/expired
// one, leaving a well-behaved entity's parameters untouched (spec §4.2):
//   - if e.IsNew(), delegate to SetupNew and return;
//   - else if e.Deadline is already in the past, or Overflow holds, reset
//     to (now+D, C) (deadline postponement with full budget);
//   - otherwise, no-op.
func Update(e *Entity, piTop *Entity, now Instant) {
	if e.IsNew() {
		SetupNew(e, now)
		return
	}
	if Before(e.Deadline, now) || Overflow(e, piTop, now) {
		params := effectiveParams(e, piTop)
		e.Deadline = now.Add(params.RelDeadline)
		e.Runtime = params.Runtime
	}
}

// RuntimeExceeded is called from tick/update_curr accounting.  It reports
// whether the instance has missed its deadline (dmiss) or exhausted its
// runtime (rorun); a head entity never reports either, since head entities
// are not budget-constrained (spec §4.2).  When dmiss holds, the overshoot
// (clock-deadline) is charged against the budget: runtime is reset to 0
// first if it hadn't already gone negative from the overrun, then the
// overshoot is subtracted, so a late-discovered miss still debits the
// entity's own future budget rather than going unaccounted.
func RuntimeExceeded(e *Entity, clock Instant) bool {
	if e.IsHead() {
		return false
	}
	dmiss := Before(e.Deadline, clock)
	rorun := e.Runtime <= 0
	if dmiss {
		if !rorun {
			e.Runtime = 0
		}
		e.Runtime -= clock.Sub(e.Deadline)
	}
	return dmiss || rorun
}
