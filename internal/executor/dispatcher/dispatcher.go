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

// Package dispatcher implements the poll-claim-dispatch loop (C6,
// spec.md §4.1): it polls the coordinator for eligible pending jobs,
// claims each by compare-and-set, and runs the matching handler on a
// bounded worker pool. Grounded on
// internal/provisioner/jobs/worker.go's Run/processJob shape (ticker poll
// loop, per-job helper logging) and
// internal/provisioner/store/store.go's AcquireQueuedJob/StealExpiredLease
// for the CAS-claim and crash-recovery pattern, translated from local SQL
// to coordinator REST calls.
package dispatcher

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"time"

	"dcjobexec/internal/executor/coordinator"
	"dcjobexec/internal/executor/handler"
	"dcjobexec/internal/executor/metrics"
	"dcjobexec/internal/executor/model"
)

// Definition is a registered handler: the function that drives a job of
// one job_type to a terminal state, plus whether it is a self-scheduling
// periodic (spec.md §9 Design Note — "registry of handler values", no
// inheritance).
type Definition struct {
	Run      func(ctx context.Context, hctx *handler.Context) error
	Periodic bool
}

// Registry maps job_type to its Definition.
type Registry map[string]Definition

// Config controls dispatcher behavior and timeouts.
type Config struct {
	WorkerID            string
	PollInterval        time.Duration
	BatchSize           int
	WorkerPoolSize      int
	StaleRunningTimeout time.Duration
}

// Dispatcher is the C6 component.
type Dispatcher struct {
	cfg        Config
	coord      *coordinator.Client
	newContext func(job *model.Job) *handler.Context
	registry   Registry
	logger     *slog.Logger
	sem        chan struct{}
}

// New constructs a Dispatcher. newContext builds the per-job handler.Context
// (coordinator, session manager, audit log, credential resolver, logger)
// for job.
func New(cfg Config, coord *coordinator.Client, registry Registry, newContext func(job *model.Job) *handler.Context, logger *slog.Logger) *Dispatcher {
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 5 * time.Second
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 20
	}
	if cfg.WorkerPoolSize <= 0 {
		cfg.WorkerPoolSize = 8
	}
	if cfg.StaleRunningTimeout <= 0 {
		cfg.StaleRunningTimeout = 10 * time.Minute
	}
	return &Dispatcher{
		cfg:        cfg,
		coord:      coord,
		newContext: newContext,
		registry:   registry,
		logger:     logger,
		sem:        make(chan struct{}, cfg.WorkerPoolSize),
	}
}

func (d *Dispatcher) logf(msg string, args ...any) {
	if d.logger != nil {
		d.logger.Info(msg, args...)
	}
}

// RecoverOrphans transitions jobs left `running` by a previous incarnation
// of this worker to `failed` with auto_recovered=true (spec.md §4.1 "Crash
// recovery"). Call once at startup, before Run.
func (d *Dispatcher) RecoverOrphans(ctx context.Context) error {
	rows, err := d.coord.Get(ctx, "jobs", coordinator.Filter{
		"status":    coordinator.Eq(string(model.StatusRunning)),
		"worker_id": coordinator.Eq(d.cfg.WorkerID),
	}, "id", "", 0)
	if err != nil {
		return fmt.Errorf("dispatcher: list orphaned jobs: %w", err)
	}
	for _, row := range rows {
		id, _ := row["id"].(string)
		if id == "" {
			continue
		}
		if err := d.coord.SetJobStatus(ctx, id, model.StatusFailed, map[string]any{
			"completed_at": time.Now().UTC().Format(time.RFC3339),
			"details": map[string]any{
				"error":          "orphaned by executor restart",
				"auto_recovered": true,
			},
		}); err != nil {
			d.logf("dispatcher: failed to recover orphan", "job_id", id, "error", err)
			continue
		}
		metrics.ObserveTerminal("unknown", string(model.StatusFailed))
		d.logf("dispatcher: recovered orphaned job", "job_id", id)
	}
	return nil
}

// Run polls for eligible pending jobs and dispatches them until ctx is
// cancelled. Coordinator unavailability backs off at a fixed short delay
// and is never treated as a job failure (spec.md §4.1 "Failure semantics
// of the dispatcher itself").
func (d *Dispatcher) Run(ctx context.Context) {
	d.logf("dispatcher starting", "worker_id", d.cfg.WorkerID, "poll_interval", d.cfg.PollInterval)
	ticker := time.NewTicker(d.cfg.PollInterval)
	defer ticker.Stop()

	for {
		d.pollOnce(ctx)

		select {
		case <-ctx.Done():
			d.logf("dispatcher stopping")
			return
		case <-ticker.C:
		}
	}
}

func (d *Dispatcher) pollOnce(ctx context.Context) {
	jobs, err := d.coord.FetchPendingJobs(ctx, d.cfg.BatchSize)
	if err != nil {
		metrics.ObservePollError()
		d.logf("dispatcher: poll failed, backing off", "error", err)
		return
	}

	for i := range jobs {
		job := jobs[i]
		claimed, err := d.coord.ClaimJob(ctx, job.ID, d.cfg.WorkerID)
		if err != nil {
			if errors.Is(err, coordinator.ErrLostRace) {
				continue // another worker won; not an error
			}
			d.logf("dispatcher: claim failed", "job_id", job.ID, "error", err)
			continue
		}
		metrics.ObserveClaim(claimed.Type)

		select {
		case d.sem <- struct{}{}:
		case <-ctx.Done():
			return
		}
		go func(j *model.Job) {
			defer func() { <-d.sem }()
			d.dispatch(ctx, j)
		}(claimed)
	}
}

// dispatch looks up and runs the handler for job, enforcing that every
// handler invocation ends in a terminal status (spec.md §4.1, §7
// "Propagation policy").
func (d *Dispatcher) dispatch(ctx context.Context, job *model.Job) {
	def, ok := d.registry[job.Type]
	if !ok {
		if err := d.coord.SetJobStatus(ctx, job.ID, model.StatusFailed, map[string]any{
			"completed_at": time.Now().UTC().Format(time.RFC3339),
			"details": map[string]any{
				"error": fmt.Sprintf("no handler registered for job type %q", job.Type),
			},
		}); err != nil {
			d.logf("dispatcher: failed to fail unregistered job", "job_id", job.ID, "error", err)
		}
		metrics.ObserveTerminal(job.Type, string(model.StatusFailed))
		return
	}

	hctx := d.newContext(job)
	start := time.Now()
	err := d.runHandler(ctx, def, hctx)
	metrics.ObserveHandlerDuration(job.Type, time.Since(start))
	if err != nil {
		d.logf("dispatcher: handler returned error", "job_id", job.ID, "job_type", job.Type, "error", err)
	}

	// The handler contract requires it to leave the job terminal itself;
	// enforce that here rather than trusting every handler body.
	final, getErr := d.coord.GetJob(ctx, job.ID)
	if getErr == nil && !final.Status.Terminal() {
		_ = d.coord.SetJobStatus(ctx, job.ID, model.StatusFailed, map[string]any{
			"completed_at": time.Now().UTC().Format(time.RFC3339),
			"details": map[string]any{
				"error": "handler did not terminate job",
			},
		})
		metrics.ObserveTerminal(job.Type, string(model.StatusFailed))
	}
}

// runHandler invokes def.Run, converting an unexpected panic into the
// "Unexpected programmer errors" error-taxonomy entry of spec.md §7 rather
// than crashing the dispatcher.
func (d *Dispatcher) runHandler(ctx context.Context, def Definition, hctx *handler.Context) (err error) {
	defer func() {
		if r := recover(); r != nil {
			stack := string(debug.Stack())
			d.logf("dispatcher: handler panicked", "job_id", hctx.Job.ID, "panic", r, "stack", stack)
			_ = d.coord.SetJobStatus(ctx, hctx.Job.ID, model.StatusFailed, map[string]any{
				"completed_at": time.Now().UTC().Format(time.RFC3339),
				"details": map[string]any{
					"error": fmt.Sprintf("Unexpected error: %v", r),
				},
			})
			err = fmt.Errorf("handler panic: %v", r)
		}
	}()
	return def.Run(ctx, hctx)
}
