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

// Package handler implements the base services every workflow handler
// uses (spec.md §4.2): status updates, detail merges, console logging,
// task rows, cancellation checks, and audit calls. The source's "ambient
// executor back-reference" is re-expressed here as an explicit Context
// value passed to each handler (spec.md §9 Design Note), grounded on
// original_source/job_executor/handlers/base.py's BaseHandler method set.
package handler

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"dcjobexec/internal/executor/audit"
	"dcjobexec/internal/executor/coordinator"
	"dcjobexec/internal/executor/credential"
	"dcjobexec/internal/executor/metrics"
	"dcjobexec/internal/executor/model"
	"dcjobexec/internal/executor/session"
)

// ConsoleLogLimit is the maximum number of lines kept in
// details.console_log (spec.md §4.2, "Console log bound" testable
// property); the oldest entries are evicted first.
const ConsoleLogLimit = 100

// Context is the explicit "ambient executor" replacement: the set of
// shared services and the job record a handler invocation operates on.
// Handlers must not mutate state belonging to another handler; all
// cross-handler coordination goes through Coordinator (spec.md §5).
type Context struct {
	Coordinator *coordinator.Client
	Sessions    *session.Manager
	Audit       *audit.Log
	Credentials *credential.Resolver
	Logger      *slog.Logger

	Job *model.Job
}

// SetStatus patches the job's status plus any extra terminal fields
// (completed_at, error, ...). details is written only when extra carries
// a "details" key, which then replaces the stored details wholesale (as
// FailValidation does); otherwise callers that need to set status and
// details together should MergeDetails first.
func (c *Context) SetStatus(ctx context.Context, status model.Status, extra map[string]any) error {
	if err := c.Coordinator.SetJobStatus(ctx, c.Job.ID, status, extra); err != nil {
		return fmt.Errorf("handler: set status %s: %w", status, err)
	}
	c.Job.Status = status
	if status.Terminal() {
		metrics.ObserveTerminal(c.Job.Type, string(status))
	}
	return nil
}

// MergeDetails deep-merges patch onto the job's current details
// (last-writer-wins at leaf) and writes the result back, keeping the
// in-memory Job.Details in sync so subsequent calls in the same handler
// invocation see their own writes without a round trip.
func (c *Context) MergeDetails(ctx context.Context, patch map[string]any) error {
	merged, err := c.Coordinator.MergeJobDetails(ctx, c.Job.ID, patch)
	if err != nil {
		return fmt.Errorf("handler: merge details: %w", err)
	}
	c.Job.Details = merged
	return nil
}

// AppendConsoleLine appends a formatted "[HH:MM:SS] LEVEL: msg" line to
// details.console_log, bounded to ConsoleLogLimit entries, and merges the
// result back through MergeDetails.
func (c *Context) AppendConsoleLine(ctx context.Context, level, message string) error {
	line := fmt.Sprintf("[%s] %s: %s", time.Now().UTC().Format("15:04:05"), level, message)

	var lines []any
	if raw, ok := c.Job.Details["console_log"]; ok {
		if existing, ok := raw.([]any); ok {
			lines = existing
		}
	}
	lines = append(lines, line)
	if len(lines) > ConsoleLogLimit {
		lines = lines[len(lines)-ConsoleLogLimit:]
	}
	return c.MergeDetails(ctx, map[string]any{"console_log": lines})
}

// SetProgress merges progress_percent and current_phase, the two fields
// operators rely on for every handler (spec.md §4.2 "Progress
// convention"). Callers are responsible for monotonicity; this method does
// not clamp percent downward on its own since a handler may legitimately
// need to report a later, higher value after a retry resets a sub-step.
func (c *Context) SetProgress(ctx context.Context, phase string, percent int) error {
	return c.MergeDetails(ctx, map[string]any{
		"current_phase":    phase,
		"progress_percent": percent,
	})
}

// IsCancelled re-reads the job row and reports whether its status is now
// cancelled (spec.md §4.1 "Cancellation"). This is a point-in-time check;
// handlers call it at phase boundaries and before long remote calls.
func (c *Context) IsCancelled(ctx context.Context) (bool, error) {
	job, err := c.Coordinator.GetJob(ctx, c.Job.ID)
	if err != nil {
		return false, fmt.Errorf("handler: check cancelled: %w", err)
	}
	return job.Status == model.StatusCancelled, nil
}

// CreateTask inserts a subordinate task row pinned to targetID.
func (c *Context) CreateTask(ctx context.Context, targetID string) (*model.Task, error) {
	rows, err := c.Coordinator.Post(ctx, "tasks", map[string]any{
		"job_id":    c.Job.ID,
		"target_id": targetID,
		"status":    string(model.StatusRunning),
	}, true)
	if err != nil {
		return nil, fmt.Errorf("handler: create task: %w", err)
	}
	if len(rows) == 0 {
		return nil, fmt.Errorf("handler: create task: coordinator returned no row")
	}
	return &model.Task{
		ID:       fmt.Sprint(rows[0]["id"]),
		JobID:    c.Job.ID,
		TargetID: targetID,
		Status:   model.StatusRunning,
	}, nil
}

// SetTaskStatus patches a task row's status plus optional extra fields.
func (c *Context) SetTaskStatus(ctx context.Context, taskID string, status model.Status, extra map[string]any) error {
	body := map[string]any{"status": string(status)}
	for k, v := range extra {
		body[k] = v
	}
	if _, err := c.Coordinator.Patch(ctx, "tasks", coordinator.Filter{"id": coordinator.Eq(taskID)}, body); err != nil {
		return fmt.Errorf("handler: set task status: %w", err)
	}
	return nil
}

// FailValidation transitions the job straight to failed with a precise,
// no-retry diagnostic (spec.md §7, "Handler input validation errors").
func (c *Context) FailValidation(ctx context.Context, reason string) error {
	return c.SetStatus(ctx, model.StatusFailed, map[string]any{
		"completed_at": time.Now().UTC().Format(time.RFC3339),
		"details": coordinator.DeepMerge(c.Job.Details, map[string]any{
			"error": reason,
		}),
	})
}

// Unsupported fails a job whose type has no wired adapter in this build,
// honoring spec.md §4.1's "missing type ⇒ failed" dispatch-miss path
// honestly rather than faking a handler body (SPEC_FULL.md §4.4).
func (c *Context) Unsupported(ctx context.Context, reason string) error {
	return c.FailValidation(ctx, reason)
}
