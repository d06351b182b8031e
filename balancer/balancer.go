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
// Package balancer implements the multiprocessor push/pull migration that
// keeps deadline work spread across a root domain's run queues: finding a
// later run queue for a pushable entity, the paired run-queue locking that
// migration requires, and the push/pull operations themselves (spec
// §4.6, §9).
package balancer

import (
	"github.com/google/dlsched/deadline"
	"github.com/google/dlsched/domain"
	"github.com/google/dlsched/rq"
)

// maxLockRetries bounds how many times a caller re-attempts
// DoubleLockBalance before giving up on a migration rather than spin
// indefinitely against a concurrent balance in the opposite direction
// (spec §4.6/§7's lock-inversion handling).
const maxLockRetries = 3

// DoubleLockBalance acquires other's lock, given that self is already
// locked by the caller, without risking an ABBA deadlock against a
// concurrent balance running in the opposite direction: both locks are
// always held, at the point this returns true, in ascending CPU-id order.
// If self already holds the lower id, it simply try-locks other (the
// higher id) and reports the result. Otherwise it must drop self, acquire
// the lower-id run queue (which is other) first, then try-lock itself
// back; on failure it still restores self's lock before returning so the
// precondition "self is locked" holds for every return path, success or
// not (spec §4.6, §9's "double_lock_balance" design note). Callers that
// get false back may retry, typically up to maxLockRetries times, or
// abandon the migration.
func DoubleLockBalance(self, other *rq.RunQueue) (acquired bool) {
	if self == other {
		return true
	}
	lower, higher := self, other
	if lower.CPU > higher.CPU {
		lower, higher = higher, lower
	}
	if self == lower {
		return higher.TryLock()
	}
	self.Unlock()
	lower.Lock()
	if self.TryLock() {
		return true
	}
	lower.Unlock()
	self.Lock()
	return false
}

// FindLaterRQ returns the run queue, among all, best suited to receive e
// pushed off self: a run queue e is allowed to run on whose currently
// running entity's deadline is later than e's own (so the push avoids, not
// merely relocates, a deadline miss), preferring an idle run queue outright
// and otherwise the candidate with the most slack (spec §4.6's
// find_later_rq). It returns nil if no candidate qualifies.
//
// Candidate queues' cached EarliestCurr is read without locking them; this
// is a best-effort search exactly as spec §9's Open Question allows --
// PushTask re-validates under the chosen target's lock before committing
// the migration.
func FindLaterRQ(e *deadline.Entity, self *rq.RunQueue, all []*rq.RunQueue) *rq.RunQueue {
	var best *rq.RunQueue
	var bestDeadline deadline.Instant
	bestIdle, found := false, false

	for _, cand := range all {
		if cand == nil || cand == self || cand.CPU == self.CPU {
			continue
		}
		if !e.AllowedOn(cand.CPU) {
			continue
		}
		curDeadline, has := cand.EarliestCurr()
		if !has {
			if !found || !bestIdle {
				best, bestIdle, found = cand, true, true
			}
			continue
		}
		if bestIdle {
			continue
		}
		if !deadline.Before(e.Deadline, curDeadline) {
			continue
		}
		if !found || deadline.Before(bestDeadline, curDeadline) {
			best, bestDeadline, found = cand, curDeadline, true
		}
	}
	return best
}

// PushTask attempts to migrate self's pushable-leftmost entity to a later
// run queue found by FindLaterRQ, returning whether a migration happened
// (spec §4.6's push_dl_task). It is a no-op if self has nothing pushable
// or no qualifying target exists.
func PushTask(self *rq.RunQueue, all []*rq.RunQueue, now deadline.Instant) bool {
	self.Lock()
	defer self.Unlock()

	entry := self.PushableLeftmost()
	if entry == nil {
		return false
	}
	e := entry.Entity
	self.Stats.PushAttempts++

	target := FindLaterRQ(e, self, all)
	if target == nil {
		return false
	}

	acquired := false
	for attempt := 0; attempt < maxLockRetries && !acquired; attempt++ {
		acquired = DoubleLockBalance(self, target)
	}
	if !acquired {
		return false
	}
	defer target.Unlock()

	// self's lock may have been dropped and reacquired by any attempt
	// above, successful or not; the pushable-leftmost entity may no
	// longer be e, or may be gone.
	entry = self.PushableLeftmost()
	if entry == nil || entry.Entity != e {
		return false
	}
	// The target was chosen from an unlocked read of its EarliestCurr;
	// confirm it still runs something later than e now that it is locked.
	if cur, has := target.EarliestCurr(); has && !deadline.Before(e.Deadline, cur) {
		return false
	}

	self.Dequeue(e)
	target.Enqueue(e, nil, now, rq.EnqueueActivate)
	self.Stats.PushSuccesses++
	return true
}

// PushLoop calls PushTask repeatedly against self until it reports no
// further migration, for callers (e.g. a post-schedule hook) that want to
// drain as much pushable surplus as possible in one go (spec §4.6's
// push_dl_tasks loop). It returns the number of successful migrations.
func PushLoop(self *rq.RunQueue, all []*rq.RunQueue, now deadline.Instant) int {
	n := 0
	for PushTask(self, all, now) {
		n++
	}
	return n
}

// PullTask attempts to migrate a pushable entity from one of dom's
// overloaded run queues onto self, preferring the candidate entity with
// the earliest deadline across all overloaded queues, and only if it
// would actually benefit self (earlier than self's own current earliest
// deadline, if any) and self is in the entity's affinity mask (spec
// §4.6's pull_dl_task). It returns whether a migration happened.
func PullTask(self *rq.RunQueue, all []*rq.RunQueue, dom *domain.RootDomain, now deadline.Instant) bool {
	self.Lock()
	defer self.Unlock()

	selfEarliest, selfHas := self.EarliestCurr()

	var bestSrc *rq.RunQueue
	var bestCandidate deadline.Instant
	found := false
	for _, cpu := range dom.OverloadedCPUs() {
		if cpu == self.CPU || cpu < 0 || cpu >= len(all) {
			continue
		}
		src := all[cpu]
		if src == nil {
			continue
		}
		entry := src.PushableLeftmost()
		if entry == nil {
			continue
		}
		cand := entry.Entity.Deadline
		if selfHas && !deadline.Before(cand, selfEarliest) {
			continue
		}
		if !found || deadline.Before(cand, bestCandidate) {
			bestSrc, bestCandidate, found = src, cand, true
		}
	}
	if bestSrc == nil {
		return false
	}
	self.Stats.PullAttempts++

	acquired := false
	for attempt := 0; attempt < maxLockRetries && !acquired; attempt++ {
		acquired = DoubleLockBalance(self, bestSrc)
	}
	if !acquired {
		return false
	}
	defer bestSrc.Unlock()

	// self's lock may have been briefly released above; re-read everything
	// rather than trust the scan that chose bestSrc.
	entry := bestSrc.PushableLeftmost()
	if entry == nil {
		return false
	}
	e := entry.Entity
	if !e.AllowedOn(self.CPU) {
		return false
	}
	curEarliest, curHas := self.EarliestCurr()
	if curHas && !deadline.Before(e.Deadline, curEarliest) {
		return false
	}

	bestSrc.Dequeue(e)
	self.Enqueue(e, nil, now, rq.EnqueueActivate)
	self.Stats.PullSuccesses++
	return true
}
