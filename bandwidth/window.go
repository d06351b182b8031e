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
// Package bandwidth answers windowed bandwidth-isolation queries: given the
// reservations (C/P) admitted onto a CPU over its lifetime, how much of that
// reservation overlaps an arbitrary [start, end] window (spec §3's total_bw,
// §8 invariant 5: "the sum of C/P charged to any CPU over any window of
// length W >= max P_i is at most |eligible CPUs|*1 + O(max D)").
package bandwidth

import (
	"math"

	"github.com/Workiva/go-datastructures/augmentedtree"

	"github.com/google/dlsched/deadline"
)

// queryID is the reserved interval ID used for read-only Query calls,
// mirroring the teacher's own augmentedtree usage convention (never mix a
// query interval's ID with a stored one).
const queryID uint64 = 0

// openHorizon stands in for "still admitted, no known release instant yet",
// the reservation-ledger analogue of the teacher's threadSpan.syntheticEnd:
// a bound far beyond any query window rather than an unrepresentable
// unbounded interval.
const openHorizon int64 = math.MaxInt64 / 2

// reservation is one admitted entity's C/P charge against a single CPU,
// spanning from admission to release.
type reservation struct {
	id     deadline.ID
	start  int64
	end    int64
	charge float64
}

func (r *reservation) LowAtDimension(d uint64) int64  { return r.start }
func (r *reservation) HighAtDimension(d uint64) int64 { return r.end }

func (r *reservation) OverlapsAtDimension(j augmentedtree.Interval, d uint64) bool {
	return r.HighAtDimension(d) >= j.LowAtDimension(d) &&
		j.HighAtDimension(d) >= r.LowAtDimension(d)
}

func (r *reservation) ID() uint64 { return uint64(r.id) }

// queryInterval is a bare augmentedtree.Interval used only to pose
// WindowCharge's [start, end] query; it is never stored in a tree.
type queryInterval struct{ start, end int64 }

func (q queryInterval) LowAtDimension(d uint64) int64  { return q.start }
func (q queryInterval) HighAtDimension(d uint64) int64 { return q.end }
func (q queryInterval) OverlapsAtDimension(j augmentedtree.Interval, d uint64) bool {
	return q.end >= j.LowAtDimension(d) && j.HighAtDimension(d) >= q.start
}
func (q queryInterval) ID() uint64 { return queryID }

// Ledger tracks, per CPU, every admitted entity's reservation interval, for
// answering "how much C/P overlaps this window" queries independent of the
// live run queues (spec §8 invariant 5, SPEC_FULL.md's "window charge").
type Ledger struct {
	trees map[int]augmentedtree.Tree
	byID  map[int]map[deadline.ID]*reservation
}

// NewLedger returns an empty Ledger.
func NewLedger() *Ledger {
	return &Ledger{
		trees: map[int]augmentedtree.Tree{},
		byID:  map[int]map[deadline.ID]*reservation{},
	}
}

func (l *Ledger) treeFor(cpu int) augmentedtree.Tree {
	t, ok := l.trees[cpu]
	if !ok {
		t = augmentedtree.New(1)
		l.trees[cpu] = t
		l.byID[cpu] = map[deadline.ID]*reservation{}
	}
	return t
}

// Charge admits e's C/P reservation against cpu as of start, open-ended
// until a matching Release (spec §3: reservation lives from fork/enqueue
// until task_dead returns its bandwidth). Charging an entity already
// charged on cpu is a no-op; callers re-admit only after a Release.
func (l *Ledger) Charge(cpu int, e *deadline.Entity, start deadline.Instant) {
	t := l.treeFor(cpu)
	if _, ok := l.byID[cpu][e.ID]; ok {
		return
	}
	r := &reservation{
		id:     e.ID,
		start:  int64(start),
		end:    openHorizon,
		charge: float64(e.Params.Runtime) / float64(e.Params.Period),
	}
	t.Add(r)
	l.byID[cpu][e.ID] = r
}

// Release closes out id's reservation on cpu at end (spec §3's
// "reduced on task_dead"), so later WindowCharge queries no longer count it
// beyond end. It is a no-op if id was never charged on cpu.
func (l *Ledger) Release(cpu int, id deadline.ID, end deadline.Instant) {
	r, ok := l.byID[cpu][id]
	if !ok {
		return
	}
	t := l.treeFor(cpu)
	t.Delete(r)
	r.end = int64(end)
	t.Add(r)
}

// WindowCharge returns the aggregate C/P reservation overlapping
// [start, end] on cpu: the sum, over every reservation whose interval
// intersects the window at all, of its declared C/P. Both ends are
// inclusive, for the window and for each reservation, so a reservation
// that starts exactly at end or was released exactly at start still
// counts. A never-charged CPU reports zero.
func (l *Ledger) WindowCharge(cpu int, start, end deadline.Instant) float64 {
	t, ok := l.trees[cpu]
	if !ok {
		return 0
	}
	q := queryInterval{start: int64(start), end: int64(end)}
	var total float64
	for _, iv := range t.Query(q) {
		total += iv.(*reservation).charge
	}
	return total
}
