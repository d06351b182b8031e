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
// Package rq implements the per-CPU deadline run queue: the active tree,
// the pushable set, counters, cached earliest deadlines, and the throttling
// timer, per spec §4.3-§4.5.
package rq

import (
	"github.com/benbjohnson/clock"
	"github.com/google/btree"

	"github.com/google/dlsched/deadline"
)

// Entry is a run queue's back-reference to a scheduled entity: the tree
// node spec §9 says to model as "index-into-arena or owning-container +
// offset", never shared ownership.  An Entry never outlives the *Entity it
// wraps, but a *deadline.Entity may exist (e.g. freshly forked, not yet
// enqueued) without any Entry at all.
type Entry struct {
	Entity *deadline.Entity

	// seq is assigned on first enqueue and used only to break deadline
	// ties in insertion order (spec §4.1: "ties are broken by insertion
	// order (right-of-equal)").
	seq uint64

	// running is true while this Entry is the run queue's current task;
	// pick_next clears it from the pushable tree, put_prev may restore
	// membership (spec §4.5).
	running bool

	// onActive/onPushable mirror actual btree membership so Dequeue and
	// affinity changes can check membership in O(1) without querying the
	// tree.
	onActive, onPushable bool

	timer *clock.Timer
}

// activeItem orders Entries in the active tree by the circular deadline
// order, head-first, then insertion order (spec §4.1).
type activeItem struct{ *Entry }

func (a activeItem) Less(than btree.Item) bool {
	b := than.(activeItem)
	ae, be := a.Entity, b.Entity
	if ae.Deadline != be.Deadline {
		return deadline.Before(ae.Deadline, be.Deadline)
	}
	if ae.IsHead() != be.IsHead() {
		return ae.IsHead()
	}
	return a.seq < b.seq
}

// pushableItem orders Entries in the pushable tree purely by deadline and
// insertion order; head entities are never migratable in practice (a head
// entity's affinity is expected to be a single CPU), but the tie-break is
// kept consistent with activeItem for a stable iteration order regardless.
type pushableItem struct{ *Entry }

func (a pushableItem) Less(than btree.Item) bool {
	b := than.(pushableItem)
	ae, be := a.Entity, b.Entity
	if ae.Deadline != be.Deadline {
		return deadline.Before(ae.Deadline, be.Deadline)
	}
	return a.seq < b.seq
}
