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
package sim

import (
	"testing"

	"github.com/google/dlsched/deadline"
)

func mustEntity(t *testing.T, id deadline.ID, c, d, p deadline.Duration, mask uint64) *deadline.Entity {
	t.Helper()
	params := deadline.Params{Runtime: c, RelDeadline: d, Period: p}
	if err := params.Validate(); err != nil {
		t.Fatalf("invalid params: %v", err)
	}
	return deadline.New(id, params, mask)
}

// Scenario A (periodic compliance): a (2,10,10) task activated at t=0 runs
// exactly its budget every period, never misses a deadline, and its
// deadline advances by exactly P at each replenishment.
func TestScenarioAPeriodicCompliance(t *testing.T) {
	en := New(1, 0)
	x := mustEntity(t, 1, 2, 10, 10, 0x1)
	en.Activate(0, x)
	en.PickNext(0)

	if x.Deadline != 10 || x.Runtime != 2 {
		t.Fatalf("after activation: deadline=%d runtime=%d, want 10, 2", x.Deadline, x.Runtime)
	}

	const instances = 100
	for i := 0; i < instances; i++ {
		if !en.Tick(0, 2) {
			t.Fatalf("instance %d: Tick(ran=2) did not throttle after exhausting budget", i)
		}
		if !x.Throttled() {
			t.Fatalf("instance %d: expected throttled immediately after budget exhaustion", i)
		}

		en.Advance(8) // 10 - 2: reach the absolute deadline, firing the replenishment timer
		if x.Throttled() {
			t.Fatalf("instance %d: still throttled after the replenishment timer should have fired", i)
		}
		wantDeadline := deadline.Instant(10 * (i + 2))
		if x.Deadline != wantDeadline || x.Runtime != 2 {
			t.Fatalf("instance %d: deadline=%d runtime=%d, want %d, 2", i, x.Deadline, x.Runtime, wantDeadline)
		}
		en.PickNext(0)
	}

	if got := en.DeadlineMisses[x.ID]; got != 0 {
		t.Errorf("DeadlineMisses[x] = %d, want 0 over %d compliant instances", got, instances)
	}
}

// Scenario B (runtime overrun): a (5,10,10) task that needs 7ms of work per
// instance is caught by CBS enforcement the instant its budget is
// exhausted (t=5), throttled until its unchanged deadline (t=10), then
// replenished with a full budget; its reserved bandwidth (as tracked by the
// windowed ledger) never exceeds its declared C/P regardless of the
// overrun, since the ledger reflects the admitted reservation, not actual
// consumption.
func TestScenarioBRuntimeOverrun(t *testing.T) {
	en := New(1, 0)
	x := mustEntity(t, 1, 5, 10, 10, 0x1)
	en.Activate(0, x)
	en.PickNext(0)

	if en.Ledger.WindowCharge(0, 0, 1000) != 0.5 {
		t.Fatalf("WindowCharge after admission = %v, want 0.5 (C/P)", en.Ledger.WindowCharge(0, 0, 1000))
	}

	const periods = 100
	for i := 0; i < periods; i++ {
		// The task attempts 7ms of work; CBS enforcement only lets it run
		// until its budget (5ms) is exhausted.
		if !en.Tick(0, 5) {
			t.Fatalf("period %d: Tick(ran=5) did not throttle at budget exhaustion", i)
		}
		if x.Runtime != 0 {
			t.Fatalf("period %d: runtime=%d after throttle, want 0", i, x.Runtime)
		}

		en.Advance(5) // remaining time until the unchanged deadline fires the timer
		wantDeadline := deadline.Instant(10 * (i + 2))
		if x.Deadline != wantDeadline || x.Runtime != 5 {
			t.Fatalf("period %d: deadline=%d runtime=%d, want %d, 5", i, x.Deadline, x.Runtime, wantDeadline)
		}
		en.PickNext(0)
	}

	if got := en.Ledger.WindowCharge(0, 0, deadline.Instant(10*(periods+2))); got > 0.5+1e-9 {
		t.Errorf("WindowCharge over %d periods = %v, want <= 0.5+eps", periods, got)
	}
	if got := en.DeadlineMisses[x.ID]; got != 0 {
		t.Errorf("DeadlineMisses[x] = %d, want 0: the overrun is caught before the deadline, never past it", got)
	}
}

// TestLongScenarioBBandwidthOver10000Periods strengthens confidence in the
// bandwidth bound over many more periods than the default scenario B test
// exercises. Skipped under -short, matching Go's own idiom for expensive
// tests the default `go test` run should not pay for.
func TestLongScenarioBBandwidthOver10000Periods(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping long-running bandwidth cross-check in -short mode")
	}
	en := New(1, 0)
	x := mustEntity(t, 1, 5, 10, 10, 0x1)
	en.Activate(0, x)
	en.PickNext(0)

	const periods = 10000
	for i := 0; i < periods; i++ {
		en.Tick(0, 5)
		en.Advance(5)
		en.PickNext(0)
	}
	if got := en.Ledger.WindowCharge(0, 0, deadline.Instant(10*(periods+2))); got > 0.5+1e-9 {
		t.Errorf("WindowCharge over %d periods = %v, want <= 0.5+eps", periods, got)
	}
}

// Scenario C (preemption): X (5,20,20) runs from t=0; at t=2, Y (1,5,5)
// wakes with an earlier deadline (7 < 20) and preempts; Y runs 1ms and
// throttles; X resumes at t=3 with its partially-consumed runtime intact.
func TestScenarioCPreemption(t *testing.T) {
	en := New(1, 0)
	x := mustEntity(t, 1, 5, 20, 20, 0x1)
	en.Activate(0, x)
	en.PickNext(0)

	if throttled := en.Tick(0, 2); throttled {
		t.Fatalf("Tick(ran=2) throttled unexpectedly; x has runtime to spare")
	}
	if x.Runtime != 3 {
		t.Fatalf("x.Runtime = %d after 2ms, want 3", x.Runtime)
	}

	y := mustEntity(t, 2, 1, 5, 5, 0x1)
	if !en.Wake(0, y) {
		t.Fatalf("Wake(y) = false, want true: y's deadline (7) beats x's (20)")
	}
	picked := en.PickNext(0)
	if picked != y {
		t.Fatalf("PickNext() = %v, want y", picked)
	}

	if throttled := en.Tick(0, 1); !throttled {
		t.Fatalf("Tick(y, ran=1) did not throttle y at its own budget exhaustion")
	}
	resumed := en.PickNext(0)
	if resumed != x {
		t.Fatalf("PickNext() after y throttles = %v, want x", resumed)
	}
	if x.Runtime != 3 {
		t.Errorf("x.Runtime on resume = %d, want 3 (untouched while y ran)", x.Runtime)
	}
	if x.Deadline != 20 {
		t.Errorf("x.Deadline on resume = %d, want 20 (unchanged)", x.Deadline)
	}
}

// Scenario D (push): CPU0 runs X (2,5,5) with Y (1,4,4) ready, both affine
// to {0,1}; enqueuing Y overloads CPU0, and post_schedule's push finds
// CPU1 idle and migrates Y there, clearing CPU0's overload bit.
func TestScenarioDPush(t *testing.T) {
	en := New(2, 0)
	x := mustEntity(t, 1, 2, 5, 5, 0x3)
	en.Activate(0, x)
	en.PickNext(0)

	y := mustEntity(t, 2, 1, 4, 4, 0x3)
	en.Activate(0, y)

	if !en.RunQueues[0].Overloaded() {
		t.Fatalf("setup: cpu 0 not Overloaded() after enqueuing a second migratory entity")
	}

	migrated := en.PostSchedule(0)
	if migrated != 1 {
		t.Fatalf("PostSchedule() = %d, want 1", migrated)
	}
	en.PickNext(1)

	if got := en.RunQueues[0].NRRunning(); got != 1 {
		t.Errorf("cpu 0 NRRunning() = %d, want 1", got)
	}
	if got := en.RunQueues[1].NRRunning(); got != 1 {
		t.Errorf("cpu 1 NRRunning() = %d, want 1", got)
	}
	if got := en.RunQueues[1].ActiveLeftmost(); got == nil || got.Entity.ID != 2 {
		t.Errorf("cpu 1 ActiveLeftmost() = %v, want entity 2 (y)", got)
	}
	if en.Domain.OverloadMask()&1 != 0 {
		t.Errorf("dlo_mask still has bit 0 set after the push drained cpu 0's surplus")
	}
}

// Scenario E (pull on switched_from): CPU1 idle, CPU0 overloaded with X, Y
// as in scenario D; a task leaving CPU1's deadline class triggers a pull
// that steals Y (cpu 0's only pushable entity, since X is running there).
func TestScenarioEPullOnSwitchedFrom(t *testing.T) {
	en := New(2, 0)
	x := mustEntity(t, 1, 2, 5, 5, 0x3)
	en.Activate(0, x)
	en.PickNext(0)

	y := mustEntity(t, 2, 1, 4, 4, 0x3)
	en.Activate(0, y)

	if !en.RunQueues[0].Overloaded() {
		t.Fatalf("setup: cpu 0 not Overloaded()")
	}

	leaving := mustEntity(t, 3, 1, 100, 100, 0x2)
	en.Activate(1, leaving)
	en.PickNext(1)

	en.SwitchedFrom(1, leaving)
	en.PickNext(1)

	if got := en.RunQueues[1].NRRunning(); got != 1 {
		t.Fatalf("cpu 1 NRRunning() = %d, want 1 (y pulled in)", got)
	}
	if got := en.RunQueues[1].ActiveLeftmost(); got == nil || got.Entity.ID != 2 {
		t.Errorf("cpu 1 ActiveLeftmost() = %v, want entity 2 (y)", got)
	}
	if got := en.RunQueues[0].NRRunning(); got != 1 {
		t.Errorf("cpu 0 NRRunning() = %d, want 1 (only x left)", got)
	}
}

// Scenario F (yield): a (3,10,10) task runs 1ms then yields at t=1, which
// forces its runtime to 0 and throttles it immediately (inline, not on the
// next tick); it is replenished when its timer fires at its unchanged
// deadline (t=10).
func TestScenarioFYield(t *testing.T) {
	en := New(1, 0)
	x := mustEntity(t, 1, 3, 10, 10, 0x1)
	en.Activate(0, x)
	en.PickNext(0)

	if throttled := en.Tick(0, 1); throttled {
		t.Fatalf("Tick(ran=1) throttled unexpectedly after only 1ms against a 3ms budget")
	}
	if x.Runtime != 2 {
		t.Fatalf("x.Runtime = %d after 1ms, want 2", x.Runtime)
	}

	en.Yield(0)
	if x.Runtime != 0 {
		t.Fatalf("x.Runtime = %d after Yield(), want 0", x.Runtime)
	}
	if !x.Throttled() {
		t.Fatalf("x.Throttled() = false, want true immediately after Yield (yield throttles inline)")
	}
	en.PickNext(0) // cpu 0's current entry is stale now that x is off the active tree

	en.Advance(9) // 10 - 1: reach the unchanged deadline, firing the timer
	if x.Throttled() {
		t.Errorf("x.Throttled() = true, want false after the replenishment timer fired")
	}
	if x.Deadline != 20 || x.Runtime != 3 {
		t.Errorf("after replenishment: deadline=%d runtime=%d, want 20, 3", x.Deadline, x.Runtime)
	}
}
