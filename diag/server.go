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
// Package diag exposes a fleet's live scheduling state over HTTP: per-CPU
// run queue snapshots, the shared root domain's overload/bandwidth state,
// and a bounded history of recent scheduling events as recorded by its
// caller (the sim package records activate, preempt, yield, throttle, push
// and pull; timer replenishments are not recorded). It is out-of-band
// introspection only -- nothing here
// participates in a scheduling decision (spec §1's "statistics and
// tracepoints" are an external collaborator, not core scope).
package diag

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"sync"
	"time"

	log "github.com/golang/glog"
	"github.com/gorilla/mux"
	"github.com/hashicorp/golang-lru/simplelru"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/google/dlsched/domain"
	"github.com/google/dlsched/rq"
)

// DefaultEventHistorySize is the recent-event ring's default capacity,
// overridden by cmd/dlsched's -event_history_size flag.
const DefaultEventHistorySize = 256

// Event is one recorded scheduling occurrence, for /events.
type Event struct {
	Time time.Time `json:"time"`
	CPU  int       `json:"cpu"`
	Kind string    `json:"kind"`
	Note string    `json:"note"`
}

// Server exposes a fleet's run queues and root domain over HTTP.
type Server struct {
	Domain    *domain.RootDomain
	RunQueues []*rq.RunQueue

	mu     sync.Mutex
	events *simplelru.LRU
	nextID uint64
}

// NewServer returns a Server over runQueues sharing dom, with a recent-event
// ring of the given capacity (DefaultEventHistorySize if capacity <= 0).
func NewServer(dom *domain.RootDomain, runQueues []*rq.RunQueue, capacity int) *Server {
	if capacity <= 0 {
		capacity = DefaultEventHistorySize
	}
	lru, err := simplelru.NewLRU(capacity, nil)
	if err != nil {
		// Only returns an error for a non-positive size, already excluded above.
		log.Fatalf("dlsched: simplelru.NewLRU(%d): %v", capacity, err)
	}
	return &Server{Domain: dom, RunQueues: runQueues, events: lru}
}

// RecordEvent appends ev to the recent-event ring, evicting the oldest entry
// once at capacity. Safe to call from any goroutine driving the fleet; in
// this module only sim's Engine calls it.
func (s *Server) RecordEvent(ev Event) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nextID++
	s.events.Add(s.nextID, ev)
}

// Router returns a mux.Router with every diagnostic route registered,
// mirroring the teacher's one-handler-method-per-route, package-level
// mux.Router construction idiom.
func (s *Server) Router() *mux.Router {
	r := mux.NewRouter()
	r.HandleFunc("/cpus/{id}", s.handleCPU).Methods(http.MethodGet)
	r.HandleFunc("/domain", s.handleDomain).Methods(http.MethodGet)
	r.HandleFunc("/events", s.handleEvents).Methods(http.MethodGet)
	r.Use(s.accessLog)
	return r
}

func (s *Server) accessLog(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		start := time.Now()
		next.ServeHTTP(w, req)
		log.V(1).Infof("%s %s %s", req.Method, req.URL.Path, time.Since(start))
	})
}

// cpuSnapshot is the /cpus/{id} response payload.
type cpuSnapshot struct {
	CPU          int     `json:"cpu"`
	NRRunning    int     `json:"nr_running"`
	NRMigratory  int     `json:"nr_migratory"`
	Overloaded   bool    `json:"overloaded"`
	EarliestCurr *int64  `json:"earliest_curr,omitempty"`
	CurrentID    *uint64 `json:"current_id,omitempty"`
}

func (s *Server) handleCPU(w http.ResponseWriter, req *http.Request) {
	idStr := mux.Vars(req)["id"]
	id, err := strconv.Atoi(idStr)
	if err != nil || id < 0 || id >= len(s.RunQueues) {
		writeError(w, status.Errorf(codes.NotFound, "no such cpu %q", idStr))
		return
	}
	q := s.RunQueues[id]
	q.Lock()
	snap := cpuSnapshot{
		CPU:         q.CPU,
		NRRunning:   q.NRRunning(),
		NRMigratory: q.NRMigratory(),
		Overloaded:  q.Overloaded(),
	}
	if earliest, has := q.EarliestCurr(); has {
		v := int64(earliest)
		snap.EarliestCurr = &v
	}
	if cur := q.Current(); cur != nil {
		v := uint64(cur.ID)
		snap.CurrentID = &v
	}
	q.Unlock()
	writeJSON(w, snap)
}

// domainSnapshot is the /domain response payload.
type domainSnapshot struct {
	ID              string  `json:"id"`
	Span            uint64  `json:"span"`
	OverloadMask    uint64  `json:"overload_mask"`
	OverloadCount   int     `json:"overload_count"`
	TotalBandwidth  float64 `json:"total_bandwidth"`
	OverloadedCPUs  []int   `json:"overloaded_cpus"`
}

func (s *Server) handleDomain(w http.ResponseWriter, req *http.Request) {
	writeJSON(w, domainSnapshot{
		ID:             s.Domain.ID.String(),
		Span:           s.Domain.Span(),
		OverloadMask:   s.Domain.OverloadMask(),
		OverloadCount:  s.Domain.OverloadCount(),
		TotalBandwidth: s.Domain.TotalBandwidth(),
		OverloadedCPUs: s.Domain.OverloadedCPUs(),
	})
}

func (s *Server) handleEvents(w http.ResponseWriter, req *http.Request) {
	s.mu.Lock()
	keys := s.events.Keys()
	out := make([]Event, 0, len(keys))
	for _, k := range keys {
		v, ok := s.events.Get(k)
		if !ok {
			continue
		}
		out = append(out, v.(Event))
	}
	s.mu.Unlock()
	writeJSON(w, out)
}

func writeJSON(w http.ResponseWriter, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Errorf("dlsched: failed to encode diagnostic response: %v", err)
	}
}

// writeError maps a status.Error's code to an HTTP status, the way
// server/server.go's handlers pick among a small set of explicit
// http.Status* constants per failure cause.
func writeError(w http.ResponseWriter, err error) {
	st, ok := status.FromError(err)
	code := http.StatusInternalServerError
	if ok {
		switch st.Code() {
		case codes.NotFound:
			code = http.StatusNotFound
		case codes.InvalidArgument:
			code = http.StatusBadRequest
		case codes.Internal:
			code = http.StatusInternalServerError
		}
	}
	http.Error(w, fmt.Sprintf("%v", err), code)
}
