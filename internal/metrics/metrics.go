// Package metrics keeps in-process counters for the control API and run
// lifecycle, rendered as Prometheus text exposition.
package metrics

import (
	"fmt"
	"sort"
	"strings"
	"sync"
)

// StopSLOTargetSeconds is the budget for a graceful probe stop: SIGTERM
// plus grace period plus lock release.
const StopSLOTargetSeconds = 5.0

// Store is a thread-safe metrics accumulator.
type Store struct {
	mu           sync.Mutex
	requests     map[string]int
	authFailures int

	runsStarted  int
	runsRejected int
	runsStopped  int
	runsFinished int

	stopCount      int
	stopSuccess    int
	stopWithinSLO  int
	stopLatencySum float64
}

func NewStore() *Store {
	return &Store{requests: make(map[string]int)}
}

// IncRequest counts one handled request by route, method and status.
func (s *Store) IncRequest(path, method string, status int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := fmt.Sprintf(`path=%q,method=%q,status="%d"`, path, method, status)
	s.requests[key]++
}

func (s *Store) IncAuthFailure() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.authFailures++
}

func (s *Store) IncRunStart() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.runsStarted++
}

func (s *Store) IncRunRejected() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.runsRejected++
}

func (s *Store) IncRunStopped() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.runsStopped++
}

func (s *Store) IncRunFinished() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.runsFinished++
}

// ObserveStopLatency records one stop request's duration and outcome.
func (s *Store) ObserveStopLatency(seconds float64, success bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.stopCount++
	s.stopLatencySum += seconds
	if success {
		s.stopSuccess++
	}
	if seconds <= StopSLOTargetSeconds {
		s.stopWithinSLO++
	}
}

// Prometheus renders the store in text exposition format. active reports
// whether a probe run is currently live.
func (s *Store) Prometheus(active bool) string {
	s.mu.Lock()
	defer s.mu.Unlock()

	var b strings.Builder
	b.WriteString("# HELP maxprobectl_run_active Whether a probe run is currently live.\n")
	b.WriteString("# TYPE maxprobectl_run_active gauge\n")
	if active {
		b.WriteString("maxprobectl_run_active 1\n")
	} else {
		b.WriteString("maxprobectl_run_active 0\n")
	}

	b.WriteString("# HELP maxprobectl_runs_started_total Accepted probe start requests.\n")
	b.WriteString("# TYPE maxprobectl_runs_started_total counter\n")
	fmt.Fprintf(&b, "maxprobectl_runs_started_total %d\n", s.runsStarted)
	b.WriteString("# HELP maxprobectl_runs_rejected_total Start requests rejected while a run was active.\n")
	b.WriteString("# TYPE maxprobectl_runs_rejected_total counter\n")
	fmt.Fprintf(&b, "maxprobectl_runs_rejected_total %d\n", s.runsRejected)
	b.WriteString("# HELP maxprobectl_runs_stopped_total Explicit stop requests that found a live run.\n")
	b.WriteString("# TYPE maxprobectl_runs_stopped_total counter\n")
	fmt.Fprintf(&b, "maxprobectl_runs_stopped_total %d\n", s.runsStopped)
	b.WriteString("# HELP maxprobectl_runs_finished_total Probe processes observed exiting.\n")
	b.WriteString("# TYPE maxprobectl_runs_finished_total counter\n")
	fmt.Fprintf(&b, "maxprobectl_runs_finished_total %d\n", s.runsFinished)

	b.WriteString("# HELP maxprobectl_auth_failures_total Failed token authentications.\n")
	b.WriteString("# TYPE maxprobectl_auth_failures_total counter\n")
	fmt.Fprintf(&b, "maxprobectl_auth_failures_total %d\n", s.authFailures)

	b.WriteString("# HELP maxprobectl_stop_latency_count Stop requests with observed latency.\n")
	b.WriteString("# TYPE maxprobectl_stop_latency_count counter\n")
	fmt.Fprintf(&b, "maxprobectl_stop_latency_count %d\n", s.stopCount)
	fmt.Fprintf(&b, "maxprobectl_stop_latency_sum_seconds %f\n", s.stopLatencySum)
	fmt.Fprintf(&b, "maxprobectl_stop_latency_success_total %d\n", s.stopSuccess)
	fmt.Fprintf(&b, "maxprobectl_stop_latency_within_slo_total %d\n", s.stopWithinSLO)
	ratio := 1.0
	if s.stopCount > 0 {
		ratio = float64(s.stopWithinSLO) / float64(s.stopCount)
	}
	fmt.Fprintf(&b, "maxprobectl_stop_slo_compliance_ratio %f\n", ratio)
	fmt.Fprintf(&b, "maxprobectl_stop_slo_target_seconds %.1f\n", StopSLOTargetSeconds)

	b.WriteString("# HELP maxprobectl_requests_total Handled HTTP requests.\n")
	b.WriteString("# TYPE maxprobectl_requests_total counter\n")
	keys := make([]string, 0, len(s.requests))
	for k := range s.requests {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		fmt.Fprintf(&b, "maxprobectl_requests_total{%s} %d\n", k, s.requests[k])
	}
	return b.String()
}
