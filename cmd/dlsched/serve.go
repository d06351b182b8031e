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
	"net/http"

	log "github.com/golang/glog"
	"github.com/spf13/cobra"

	"github.com/google/dlsched/sim"
)

func serveCmd() *cobra.Command {
	var cpus int
	var addr string
	var eventHistorySize int

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start an idle fleet and expose its diagnostics over HTTP",
		Long: `serve builds an idle fleet of the given size and serves its
diag.Server routes (/cpus/{id}, /domain, /events) so the fleet's state can
be inspected while driven separately, e.g. from a test harness exercising
the same Engine in-process.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			en := sim.New(cpus, eventHistorySize)
			log.Infof("serving diagnostics for a %d-cpu fleet on %s", cpus, addr)
			return http.ListenAndServe(addr, en.Diag.Router())
		},
	}

	cmd.Flags().IntVar(&cpus, "cpus", 4, "number of CPUs in the served fleet")
	cmd.Flags().StringVar(&addr, "addr", ":7402", "HTTP listen address")
	cmd.Flags().IntVar(&eventHistorySize, "event_history_size", 0, "recent-event ring capacity (0 selects the default)")

	return cmd
}
