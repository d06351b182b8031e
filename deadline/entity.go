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
	"fmt"
	"math/bits"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// ID identifies a deadline entity across a root domain.  Valid IDs are
// positive; zero is reserved for UnknownID.
type ID uint64

// UnknownID represents an indeterminate entity ID.
const UnknownID ID = 0

// Valid returns true iff the ID is usable.
func (id ID) Valid() bool {
	return id != UnknownID
}

func (id ID) String() string {
	if !id.Valid() {
		return "<unknown entity>"
	}
	return fmt.Sprintf("entity %d", uint64(id))
}

// Params are a deadline entity's static scheduling parameters: the
// worst-case per-instance runtime C, the relative deadline D, and the
// period P, all in nanoseconds.  A well-formed Params satisfies
// C <= D <= P.
type Params struct {
	// Runtime is C, the budget granted each period.
	Runtime Duration
	// RelDeadline is D, the offset from activation by which the instance
	// must complete.
	RelDeadline Duration
	// Period is P, the minimum inter-arrival time between instances.
	Period Duration
}

// Validate reports an error if the receiver violates C <= D <= P or has a
// non-positive component.  Unlike an internal invariant, this is a
// caller-facing precondition (bad admission input), so it returns an error
// rather than panicking -- admission control itself is out of scope (see
// spec §1), but a well-formed Params is a precondition every CBS operation
// below assumes.
func (p Params) Validate() error {
	if p.Runtime <= 0 || p.RelDeadline <= 0 || p.Period <= 0 {
		return status.Errorf(codes.InvalidArgument, "deadline params must be positive: %+v", p)
	}
	if p.Runtime > p.RelDeadline {
		return status.Errorf(codes.InvalidArgument, "runtime %d exceeds relative deadline %d", p.Runtime, p.RelDeadline)
	}
	if p.RelDeadline > p.Period {
		return status.Errorf(codes.InvalidArgument, "relative deadline %d exceeds period %d", p.RelDeadline, p.Period)
	}
	return nil
}

// Flags are the boolean markers spec §3 attaches to a deadline entity.
type Flags uint8

const (
	// FlagNew marks an entity whose (deadline, runtime) have not yet been
	// materialized against the live clock.
	FlagNew Flags = 1 << iota
	// FlagThrottled marks an entity off the active tree, awaiting timer
	// replenishment.
	FlagThrottled
	// FlagBoosted marks an entity currently priority-inherited via an
	// external donor; its own throttling timer is not armed while set.
	FlagBoosted
	// FlagHead marks a system entity that preempts any non-head entity
	// regardless of deadline order, and is never budget-constrained.
	FlagHead
	// FlagReclaimRT requests demotion to an RT class of priority
	// MAX_RT_PRIO-1-rt_priority when budget is exhausted.
	FlagReclaimRT
	// FlagReclaimNR requests demotion to the default class at default
	// priority when budget is exhausted.
	FlagReclaimNR
	// FlagReclaimDL requests remaining in the deadline class and
	// overrunning into the next instance when budget is exhausted.  Its
	// throttling timer is never armed while set.
	FlagReclaimDL
)

func (f Flags) has(bit Flags) bool { return f&bit != 0 }

// Has reports whether all bits in mask are set on the receiver.
func (f Flags) Has(mask Flags) bool { return f&mask == mask }

// Class tags which scheduling class an entity currently belongs to.  There
// is only one class implemented by this repository (see design notes in
// SPEC_FULL.md on tagged variants vs. an open class hierarchy); ClassOther
// exists so timer callbacks can detect "switched away" without a second
// concrete class.
type Class int8

const (
	// ClassDeadline is the EDF/CBS class this repository implements.
	ClassDeadline Class = iota
	// ClassOther stands in for every non-deadline class an entity may be
	// switched into (RT, normal, ...); the core never schedules it, but
	// the throttling timer callback recognizes it and no-ops cleanly
	// after switched_from_dl.
	ClassOther
)

// Entity is the per-task deadline scheduling state described in spec §3.
// It holds no tree-node or timer handles: those are owned by the rq package,
// which embeds a back-pointer to an Entity rather than the reverse, per
// SPEC_FULL.md's "back-references without ownership" design note.
type Entity struct {
	ID ID

	Params Params

	// Deadline is the absolute instant by which the current instance must
	// complete.
	Deadline Instant
	// Runtime is the remaining budget for the current instance; it may go
	// transiently negative to record overrun debt (spec §3, §4.2).
	Runtime Duration

	flags Flags

	// cpuMask is the entity's affinity: bit i set means CPU i is allowed.
	// Masks are copied per entity, never shared (spec §5).
	cpuMask uint64
	// nrCPUsAllowed caches popcount(cpuMask); spec §3 calls this out
	// explicitly as a cached value maintained alongside the mask.
	nrCPUsAllowed int

	// Boosted, if non-nil, is the donor entity supplying CBS parameters
	// via the priority-inheritance hint (spec §4.2).  The core never
	// writes through this pointer and never ties its lifetime to the
	// primary entity's (spec §9).
	Boosted *Entity

	// Class records which scheduling class currently owns this entity.
	// switched_from_dl/switched_to_dl flip it; timer callbacks consult it
	// to detect "task changed class during timer callback" (spec §7).
	Class Class
}

// New returns a freshly-forked deadline entity: throttled, not on any
// queue, parameters materialized lazily on first enqueue (spec §3
// Lifecycle: "created in fork (throttled, not on queue)").
func New(id ID, params Params, cpuMask uint64) *Entity {
	return &Entity{
		ID:            id,
		Params:        params,
		flags:         FlagNew | FlagThrottled,
		cpuMask:       cpuMask,
		nrCPUsAllowed: bits.OnesCount64(cpuMask),
		Class:         ClassDeadline,
	}
}

// IsNew reports the FlagNew marker.
func (e *Entity) IsNew() bool { return e.flags.has(FlagNew) }

// SetNew sets or clears FlagNew.
func (e *Entity) SetNew(v bool) { e.setFlag(FlagNew, v) }

// Throttled reports the FlagThrottled marker.
func (e *Entity) Throttled() bool { return e.flags.has(FlagThrottled) }

// SetThrottled sets or clears FlagThrottled.
func (e *Entity) SetThrottled(v bool) { e.setFlag(FlagThrottled, v) }

// IsBoosted reports the FlagBoosted marker.
func (e *Entity) IsBoosted() bool { return e.flags.has(FlagBoosted) }

// SetBoosted sets or clears FlagBoosted.
func (e *Entity) SetBoosted(v bool) { e.setFlag(FlagBoosted, v) }

// IsHead reports the FlagHead marker.
func (e *Entity) IsHead() bool { return e.flags.has(FlagHead) }

// SetHead sets or clears FlagHead.
func (e *Entity) SetHead(v bool) { e.setFlag(FlagHead, v) }

// ReclaimRT reports whether the entity demotes to RT on budget exhaustion.
func (e *Entity) ReclaimRT() bool { return e.flags.has(FlagReclaimRT) }

// ReclaimNR reports whether the entity demotes to normal on budget
// exhaustion.
func (e *Entity) ReclaimNR() bool { return e.flags.has(FlagReclaimNR) }

// ReclaimDL reports whether the entity overruns in place on budget
// exhaustion.
func (e *Entity) ReclaimDL() bool { return e.flags.has(FlagReclaimDL) }

// SetReclaim configures the budget-exhaustion behavior; mask should be one
// of FlagReclaimRT, FlagReclaimNR, FlagReclaimDL, or 0 for "remain
// throttled" (the default).
func (e *Entity) SetReclaim(mask Flags) {
	e.flags &^= FlagReclaimRT | FlagReclaimNR | FlagReclaimDL
	e.flags |= mask
}

func (e *Entity) setFlag(bit Flags, v bool) {
	if v {
		e.flags |= bit
	} else {
		e.flags &^= bit
	}
}

// NRCPUsAllowed returns the cached popcount of the entity's affinity mask.
func (e *Entity) NRCPUsAllowed() int { return e.nrCPUsAllowed }

// Migratory reports whether the entity is eligible for migration, i.e. its
// affinity spans more than one CPU.
func (e *Entity) Migratory() bool { return e.nrCPUsAllowed > 1 }

// CPUMask returns the entity's affinity bitmask.
func (e *Entity) CPUMask() uint64 { return e.cpuMask }

// SetCPUMask replaces the entity's affinity and refreshes the cached
// popcount; callers are responsible for pushable-set membership updates
// this may trigger (spec §4.5).
func (e *Entity) SetCPUMask(mask uint64) {
	e.cpuMask = mask
	e.nrCPUsAllowed = bits.OnesCount64(mask)
}

// AllowedOn reports whether cpu is in the entity's affinity mask.
func (e *Entity) AllowedOn(cpu int) bool {
	if cpu < 0 || cpu >= 64 {
		return false
	}
	return e.cpuMask&(uint64(1)<<uint(cpu)) != 0
}

func (e *Entity) String() string {
	return fmt.Sprintf("%s{C=%d,D=%d,P=%d deadline=%s runtime=%d flags=%#x}",
		e.ID, e.Params.Runtime, e.Params.RelDeadline, e.Params.Period, e.Deadline, e.Runtime, e.flags)
}

// effectiveParams returns the (C, D, P) a CBS call against e should use: if
// piTop is non-nil and its deadline is earlier than e's, piTop's parameters
// are substituted for e's for the duration of that call, per spec §4.2's
// priority-inheritance hook.  Writes are always made to e; piTop is never
// mutated and its lifetime is never tied to e's (spec §9).
func effectiveParams(e, piTop *Entity) Params {
	if piTop != nil && Before(piTop.Deadline, e.Deadline) {
		return piTop.Params
	}
	return e.Params
}
