// Shoal is a Redfish aggregator service.
// Copyright (C) 2025 Matthew Burns
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// This program is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
// GNU Affero General Public License for more details.
//
// You should have received a copy of the GNU Affero General Public License
// along with this program.  If not, see <https://www.gnu.org/licenses/>.

// Package metrics exposes Prometheus collectors for the dispatcher and its
// handlers, following the same package-level-registry-behind-a-mutex shape
// used by this codebase's other services.
package metrics

import (
	"net/http"
	"strings"
	"sync"
	"time"
	"unicode"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	mu  sync.RWMutex
	reg *prometheus.Registry

	jobsClaimed    *prometheus.CounterVec
	jobsTerminal   *prometheus.CounterVec
	handlerLatency *prometheus.HistogramVec
	pollErrors     prometheus.Counter
	periodicRuns   *prometheus.CounterVec
)

func init() {
	resetLocked()
}

// Reset clears and reinitializes all collectors. Used by tests.
func Reset() {
	mu.Lock()
	defer mu.Unlock()
	resetLocked()
}

func resetLocked() {
	reg = prometheus.NewRegistry()

	jobsClaimed = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "executor_jobs_claimed_total",
		Help: "Jobs successfully claimed by this worker, by type.",
	}, []string{"job_type"})

	jobsTerminal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "executor_jobs_terminal_total",
		Help: "Jobs reaching a terminal status, by type and status.",
	}, []string{"job_type", "status"})

	handlerLatency = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "executor_handler_duration_seconds",
		Help:    "Wall-clock duration of a handler invocation.",
		Buckets: prometheus.ExponentialBuckets(0.1, 2, 12),
	}, []string{"job_type"})

	pollErrors = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "executor_poll_errors_total",
		Help: "Coordinator poll failures (transient — never fails a job).",
	})

	periodicRuns = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "executor_periodic_runs_total",
		Help: "Self-scheduling periodic handler invocations, by type and outcome.",
	}, []string{"job_type", "outcome"})

	reg.MustRegister(jobsClaimed, jobsTerminal, handlerLatency, pollErrors, periodicRuns)
}

// Handler exposes the collectors over HTTP in Prometheus text format.
func Handler() http.Handler {
	mu.RLock()
	registry := reg
	mu.RUnlock()
	return promhttp.HandlerFor(registry, promhttp.HandlerOpts{})
}

// ObserveClaim records a successful claim of a job of the given type.
func ObserveClaim(jobType string) {
	mu.RLock()
	defer mu.RUnlock()
	jobsClaimed.WithLabelValues(sanitizeLabel(jobType)).Inc()
}

// ObserveTerminal records a job reaching a terminal status.
func ObserveTerminal(jobType, status string) {
	mu.RLock()
	defer mu.RUnlock()
	jobsTerminal.WithLabelValues(sanitizeLabel(jobType), sanitizeLabel(status)).Inc()
}

// ObserveHandlerDuration records how long a handler invocation took.
func ObserveHandlerDuration(jobType string, d time.Duration) {
	mu.RLock()
	defer mu.RUnlock()
	handlerLatency.WithLabelValues(sanitizeLabel(jobType)).Observe(d.Seconds())
}

// ObservePollError increments the transient-poll-failure counter.
func ObservePollError() {
	mu.RLock()
	defer mu.RUnlock()
	pollErrors.Inc()
}

// ObservePeriodicRun records a periodic handler's self-reschedule outcome
// ("scheduled", "skipped_existing", "error").
func ObservePeriodicRun(jobType, outcome string) {
	mu.RLock()
	defer mu.RUnlock()
	periodicRuns.WithLabelValues(sanitizeLabel(jobType), sanitizeLabel(outcome)).Inc()
}

// sanitizeLabel keeps label cardinality bounded and Prometheus-safe: lower
// case, non-alphanumeric runs collapsed to underscore.
func sanitizeLabel(s string) string {
	if s == "" {
		return "unknown"
	}
	var b strings.Builder
	prevUnderscore := false
	for _, r := range strings.ToLower(s) {
		if unicode.IsLetter(r) || unicode.IsDigit(r) {
			b.WriteRune(r)
			prevUnderscore = false
			continue
		}
		if !prevUnderscore {
			b.WriteByte('_')
			prevUnderscore = true
		}
	}
	out := strings.Trim(b.String(), "_")
	if out == "" {
		return "unknown"
	}
	return out
}
