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
// Package deadline provides the EDF/CBS scheduling primitives: the circular
// deadline order, the deadline entity's parameters and dynamic state, and
// the Constant Bandwidth Server operations on that state.
package deadline

import "fmt"

// Instant is a monotonic nanosecond clock reading.  Instants are only ever
// compared via Before, never via Go's native <, because differences must be
// interpreted as signed 64-bit quantities to stay correct across the wrap
// that would otherwise occur near the edges of the int64 range.
type Instant int64

// Duration is a signed nanosecond delta between two Instants.  Unlike
// Instant, a Duration already carries a sign and so may be compared and
// added to directly.
type Duration int64

func (i Instant) String() string {
	return fmt.Sprintf("t=%dns", int64(i))
}

// Add returns the Instant reached by offsetting the receiver by d.
func (i Instant) Add(d Duration) Instant {
	return i + Instant(d)
}

// Sub returns the signed Duration from other to the receiver.
func (i Instant) Sub(other Instant) Duration {
	return Duration(i - other)
}

// Before reports whether a precedes b under the circular total pre-order:
// interpret (a-b) as a signed 64-bit quantity and ask whether it is
// negative.  This is correct for any pair of Instants whose true separation
// is well under 2^63ns (roughly 292 years), which holds for the lifetime of
// any realistic deadline; it must never be replaced by a direct `a < b`
// comparison on the raw values, which would misbehave across a wrap.
func Before(a, b Instant) bool {
	return int64(a-b) < 0
}

// BeforeOrEqual reports whether a precedes or equals b under the same
// circular order Before uses.
func BeforeOrEqual(a, b Instant) bool {
	return a == b || Before(a, b)
}

// Max returns whichever of a, b is later under the circular order.
func Max(a, b Instant) Instant {
	if Before(a, b) {
		return b
	}
	return a
}

// Min returns whichever of a, b is earlier under the circular order.
func Min(a, b Instant) Instant {
	if Before(a, b) {
		return a
	}
	return b
}
