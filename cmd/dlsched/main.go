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
// Command dlsched drives a sim.Engine fleet either as a one-shot
// workload simulation or as a long-lived diagnostics server.
package main

import (
	"os"

	log "github.com/golang/glog"
	"github.com/spf13/cobra"
)

func main() {
	defer log.Flush()

	rootCmd := &cobra.Command{
		Use:   "dlsched",
		Short: "A per-CPU EDF/CBS deadline scheduler core",
		Long: `dlsched simulates a multiprocessor SCHED_DEADLINE-style scheduling
core: per-CPU earliest-deadline-first run queues governed by constant
bandwidth server accounting, with a push/pull load balancer moving
migratable work off overloaded CPUs.`,
	}

	rootCmd.AddCommand(simulateCmd())
	rootCmd.AddCommand(serveCmd())

	if err := rootCmd.Execute(); err != nil {
		log.Error(err)
		os.Exit(1)
	}
}
