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
package main

import (
	"fmt"
	"strconv"
	"strings"

	log "github.com/golang/glog"
	"github.com/spf13/cobra"

	"github.com/google/dlsched/deadline"
	"github.com/google/dlsched/sim"
)

// taskFlag is one --task=runtime,deadline,period,mask entry.
type taskFlag struct {
	runtime, relDeadline, period deadline.Duration
	cpuMask                      uint64
}

func parseTaskFlag(s string) (taskFlag, error) {
	var t taskFlag
	parts := strings.Split(s, ",")
	if len(parts) != 4 {
		return t, fmt.Errorf("want runtime,deadline,period,mask, got %q", s)
	}
	vals := make([]uint64, 3)
	for i := range vals {
		v, err := strconv.ParseUint(strings.TrimSpace(parts[i]), 10, 64)
		if err != nil {
			return t, fmt.Errorf("field %d of %q: %v", i, s, err)
		}
		vals[i] = v
	}
	mask, err := strconv.ParseUint(strings.TrimSpace(strings.TrimPrefix(parts[3], "0x")), 16, 64)
	if err != nil {
		return t, fmt.Errorf("mask field of %q: %v", s, err)
	}
	t.runtime, t.relDeadline, t.period, t.cpuMask = deadline.Duration(vals[0]), deadline.Duration(vals[1]), deadline.Duration(vals[2]), mask
	return t, nil
}

func lowestSetBit(mask uint64) int {
	for i := 0; i < 64; i++ {
		if mask&(1<<uint(i)) != 0 {
			return i
		}
	}
	return 0
}

func simulateCmd() *cobra.Command {
	var cpus int
	var periods int
	var tasks []string

	cmd := &cobra.Command{
		Use:   "simulate",
		Short: "Run a fixed-length workload against the scheduling core and report the outcome",
		Long: `simulate admits one deadline entity per --task flag, ticks every
admitted entity through its full declared runtime each period (assuming
compliant, non-overrunning workloads), and prints each entity's final
deadline-miss count together with the root domain's aggregate bandwidth
and overload state.

Every task shares the simulation's period count, so periods that differ
across tasks are only approximate: each round advances the shared clock
by the shortest remaining time-to-period among the tasks still active
that round.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runSimulate(cpus, periods, tasks)
		},
	}

	cmd.Flags().IntVar(&cpus, "cpus", 1, "number of CPUs in the simulated fleet")
	cmd.Flags().IntVar(&periods, "periods", 20, "number of periods to simulate")
	cmd.Flags().StringSliceVar(&tasks, "task", []string{"2,10,10,0x1"},
		"repeatable runtime,deadline,period,mask task descriptor (mask is hex)")

	return cmd
}

func runSimulate(cpus, periods int, taskFlags []string) error {
	if cpus <= 0 {
		return fmt.Errorf("--cpus must be positive, got %d", cpus)
	}
	if len(taskFlags) == 0 {
		return fmt.Errorf("at least one --task is required")
	}

	en := sim.New(cpus, 0)

	type admitted struct {
		entity *deadline.Entity
		cpu    int
		spec   taskFlag
	}
	var fleet []admitted
	for i, raw := range taskFlags {
		spec, err := parseTaskFlag(raw)
		if err != nil {
			return fmt.Errorf("--task %q: %v", raw, err)
		}
		params := deadline.Params{Runtime: spec.runtime, RelDeadline: spec.relDeadline, Period: spec.period}
		if err := params.Validate(); err != nil {
			return fmt.Errorf("--task %q: %v", raw, err)
		}
		e := deadline.New(deadline.ID(i+1), params, spec.cpuMask)
		cpu := lowestSetBit(spec.cpuMask)
		if cpu >= cpus {
			return fmt.Errorf("--task %q: mask selects cpu %d, fleet only has %d", raw, cpu, cpus)
		}
		en.Activate(cpu, e)
		en.PickNext(cpu)
		fleet = append(fleet, admitted{entity: e, cpu: cpu, spec: spec})
		log.Infof("admitted entity %d on cpu %d: runtime=%d deadline=%d period=%d", e.ID, cpu, spec.runtime, spec.relDeadline, spec.period)
	}

	for round := 0; round < periods; round++ {
		ran := make(map[int]deadline.Duration, len(fleet))
		minRemaining := fleet[0].spec.period - fleet[0].spec.runtime
		for _, f := range fleet {
			ran[f.cpu] = f.spec.runtime
			if rem := f.spec.period - f.spec.runtime; rem < minRemaining {
				minRemaining = rem
			}
		}
		if err := en.TickAll(ran); err != nil {
			return fmt.Errorf("round %d: %v", round, err)
		}
		en.Advance(minRemaining)
		for _, f := range fleet {
			en.PickNext(f.cpu)
		}
	}

	fmt.Printf("ran %d periods across %d cpus\n\n", periods, cpus)
	for _, f := range fleet {
		fmt.Printf("entity %d: deadline_misses=%d final_runtime=%d final_deadline=%d throttled=%v\n",
			f.entity.ID, en.DeadlineMisses[f.entity.ID], f.entity.Runtime, f.entity.Deadline, f.entity.Throttled())
	}
	fmt.Printf("\nroot domain: total_bandwidth=%.4f overloaded_cpus=%v\n", en.Domain.TotalBandwidth(), en.Domain.OverloadedCPUs())
	return nil
}
