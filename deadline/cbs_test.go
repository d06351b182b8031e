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

import "testing"

func mustParams(t *testing.T, c, d, p Duration) Params {
	t.Helper()
	params := Params{Runtime: c, RelDeadline: d, Period: p}
	if err := params.Validate(); err != nil {
		t.Fatalf("invalid params %+v: %v", params, err)
	}
	return params
}

func TestSetupNew(t *testing.T) {
	e := New(1, mustParams(t, 2, 10, 10), 1)
	SetupNew(e, 100)
	if e.Deadline != 110 {
		t.Errorf("Deadline = %d, want 110", e.Deadline)
	}
	if e.Runtime != 2 {
		t.Errorf("Runtime = %d, want 2", e.Runtime)
	}
	if e.IsNew() {
		t.Errorf("IsNew() = true, want false after SetupNew")
	}
}

// TestReplenishSinglePeriod covers scenario A-style compliant replenishment:
// exactly one period's worth of advancement when runtime is merely
// exhausted, not deeply overrun.
func TestReplenishSinglePeriod(t *testing.T) {
	e := New(1, mustParams(t, 2, 10, 10), 1)
	e.Deadline = 10
	e.Runtime = 0
	Replenish(e, nil, 10)
	if e.Deadline != 20 {
		t.Errorf("Deadline = %d, want 20", e.Deadline)
	}
	if e.Runtime != 2 {
		t.Errorf("Runtime = %d, want 2", e.Runtime)
	}
}

// TestReplenishMultiplePeriods covers scenario B: a deep overrun requires
// looping more than once to restore positive runtime.
func TestReplenishMultiplePeriods(t *testing.T) {
	e := New(1, mustParams(t, 5, 10, 10), 1)
	e.Deadline = 10
	e.Runtime = -23 // deep overrun debt
	Replenish(e, nil, 10)
	// -23 + 5 = -18, +5 = -13, +5 = -8, +5 = -3, +5 = 2: five periods.
	if e.Runtime != 2 {
		t.Errorf("Runtime = %d, want 2", e.Runtime)
	}
	if want := Instant(10 + 5*10); e.Deadline != want {
		t.Errorf("Deadline = %d, want %d", e.Deadline, want)
	}
}

// TestReplenishIdempotent covers testable property 7: once runtime > 0, a
// second call with no elapsed time is a no-op (the deadline-in-past reset
// branch aside).
func TestReplenishIdempotent(t *testing.T) {
	e := New(1, mustParams(t, 2, 10, 10), 1)
	e.Deadline = 20
	e.Runtime = 2
	before := *e
	Replenish(e, nil, 10)
	if e.Deadline != before.Deadline || e.Runtime != before.Runtime {
		t.Errorf("Replenish mutated an already-positive entity: got (%d,%d), want (%d,%d)",
			e.Deadline, e.Runtime, before.Deadline, before.Runtime)
	}
}

func TestReplenishClockRegression(t *testing.T) {
	e := New(1, mustParams(t, 2, 10, 10), 1)
	e.Deadline = 10
	e.Runtime = -1
	// now is far beyond where a single period's replenishment would land.
	Replenish(e, nil, 10000)
	if e.Deadline != 10000+10 {
		t.Errorf("Deadline = %d, want %d", e.Deadline, 10010)
	}
	if e.Runtime != 2 {
		t.Errorf("Runtime = %d, want 2", e.Runtime)
	}
}

// TestOverflowEquivalence covers testable property 8: Overflow(e, now) is
// equivalent to D*runtime > (deadline-now)*C for all now preceding
// deadline.
func TestOverflowEquivalence(t *testing.T) {
	tests := []struct {
		name          string
		runtime       Duration
		deadline, now Instant
		c, d, p       Duration
		wantOverflow  bool
	}{
		{"exactly at bandwidth", 5, 20, 10, 5, 10, 10, false},
		{"over bandwidth", 6, 20, 10, 5, 10, 10, true},
		{"under bandwidth", 3, 20, 10, 5, 10, 10, false},
		{"d equals p uses d as denominator", 6, 15, 5, 5, 10, 10, true},
		{"d less than p uses p as denominator", 4, 20, 10, 4, 8, 10, false},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			e := New(1, mustParams(t, tc.c, tc.d, tc.p), 1)
			e.Deadline = tc.deadline
			e.Runtime = tc.runtime
			got := Overflow(e, nil, tc.now)
			denom := tc.p
			if tc.d == tc.p {
				denom = tc.d
			}
			want := int64(denom)*int64(tc.runtime) > int64(tc.deadline-tc.now)*int64(tc.c)
			if got != want {
				t.Errorf("Overflow() = %v, want %v (manual formula)", got, want)
			}
			if got != tc.wantOverflow {
				t.Errorf("Overflow() = %v, want %v", got, tc.wantOverflow)
			}
		})
	}
}

func TestUpdateNewEntity(t *testing.T) {
	e := New(1, mustParams(t, 2, 10, 10), 1)
	Update(e, nil, 100)
	if e.IsNew() {
		t.Errorf("IsNew() = true after Update on a new entity")
	}
	if e.Deadline != 110 || e.Runtime != 2 {
		t.Errorf("got (deadline=%d runtime=%d), want (110, 2)", e.Deadline, e.Runtime)
	}
}

func TestUpdateWellBehavedNoOp(t *testing.T) {
	e := New(1, mustParams(t, 2, 10, 10), 1)
	e.SetNew(false)
	e.Deadline = 20
	e.Runtime = 1
	Update(e, nil, 15)
	if e.Deadline != 20 || e.Runtime != 1 {
		t.Errorf("Update mutated a well-behaved entity: got (%d,%d)", e.Deadline, e.Runtime)
	}
}

func TestUpdatePostponesOnOverflow(t *testing.T) {
	e := New(1, mustParams(t, 5, 10, 10), 1)
	e.SetNew(false)
	e.Deadline = 20
	e.Runtime = 6 // overflows vs (20-10)*5=50 since 10*6=60>50
	Update(e, nil, 10)
	if e.Deadline != 20 || e.Runtime != 5 {
		t.Errorf("got (deadline=%d runtime=%d), want postponement to (20, 5)", e.Deadline, e.Runtime)
	}
}

func TestUpdatePostponesOnPastDeadline(t *testing.T) {
	e := New(1, mustParams(t, 5, 10, 10), 1)
	e.SetNew(false)
	e.Deadline = 5
	e.Runtime = 3
	Update(e, nil, 10)
	if e.Deadline != 20 || e.Runtime != 5 {
		t.Errorf("got (deadline=%d runtime=%d), want postponement to (20, 5)", e.Deadline, e.Runtime)
	}
}

// TestRuntimeExceededBoundary covers testable property 9: an entity with
// runtime==0 and deadline==now throttles (via runtime exhaustion; a
// deadline equal to the clock is not yet a miss).
func TestRuntimeExceededBoundary(t *testing.T) {
	e := New(1, mustParams(t, 5, 10, 10), 1)
	e.SetNew(false)
	e.Deadline = 10
	e.Runtime = 0
	if !RuntimeExceeded(e, 10) {
		t.Errorf("RuntimeExceeded() = false, want true at the exact boundary")
	}
}

func TestRuntimeExceededHeadNeverThrottles(t *testing.T) {
	e := New(1, mustParams(t, 5, 10, 10), 1)
	e.SetHead(true)
	e.Deadline = 10
	e.Runtime = -100
	if RuntimeExceeded(e, 1000) {
		t.Errorf("RuntimeExceeded() = true for a head entity, want false")
	}
}

func TestRuntimeExceededChargesOvershoot(t *testing.T) {
	e := New(1, mustParams(t, 5, 10, 10), 1)
	e.SetNew(false)
	e.Deadline = 10
	e.Runtime = 3 // positive, but deadline already missed at clock=13
	if !RuntimeExceeded(e, 13) {
		t.Errorf("RuntimeExceeded() = false, want true (deadline miss)")
	}
	if e.Runtime != -3 {
		t.Errorf("Runtime = %d, want -3 (0 - (13-10) overshoot)", e.Runtime)
	}
}

func TestPIHintSubstitutesEarlierDonor(t *testing.T) {
	e := New(1, mustParams(t, 2, 10, 10), 1)
	e.SetNew(false)
	e.Deadline = 100
	e.Runtime = 0

	donor := New(2, mustParams(t, 5, 10, 10), 1)
	donor.Deadline = 50 // earlier than e's

	Replenish(e, donor, 10)
	// Donor's period (10) should be used for the deadline advance, and
	// donor's runtime (5) for the budget, while e.Deadline (the field
	// being mutated) still belongs to e.
	if e.Deadline != 110 {
		t.Errorf("Deadline = %d, want 110 (100 + donor period 10)", e.Deadline)
	}
	if e.Runtime != 5 {
		t.Errorf("Runtime = %d, want 5 (donor's C)", e.Runtime)
	}
	if donor.Deadline != 50 {
		t.Errorf("donor mutated: Deadline = %d, want unchanged 50", donor.Deadline)
	}
}
