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
// Package assert provides a single fatal-assertion helper for invariants
// that the scheduling core relies on internally.  A violated invariant here
// means a bug in this repository, never bad caller input -- codes.Internal
// would let a careless caller swallow a corrupted run queue, so this panics
// instead.
package assert

import "fmt"

// Invariant panics with a formatted message if cond is false.  Use only for
// conditions that can never be false in correct code -- never for
// caller-triggerable failures.
func Invariant(cond bool, format string, args ...interface{}) {
	if !cond {
		panic(fmt.Sprintf("dlsched: invariant violated: "+format, args...))
	}
}
