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

package periodic

import (
	"context"
	"fmt"
	"time"

	"dcjobexec/internal/executor/coordinator"
	"dcjobexec/internal/executor/metrics"
	"dcjobexec/internal/executor/model"
)

// Outcome values reported to metrics.ObservePeriodicRun.
const (
	OutcomeScheduled = "scheduled"
	OutcomeSkipped   = "skipped_existing"
	OutcomeError     = "error"
)

// Scheduler implements the "at-least-one-runner, never duplicate"
// invariant of spec.md §4.5: before inserting a periodic job's successor,
// check for an existing pending/running row of the same type; reap a
// stale running row first; skip if a valid successor already exists.
// Grounded on original_source/job_executor/handlers/sla_monitoring.py's
// _schedule_next_sla_job.
type Scheduler struct {
	Coordinator *coordinator.Client
	StaleAfter  time.Duration
}

// EnsureSuccessor is called by a periodic handler on completion AND on
// failure (spec.md §4.5). details is merged into the inserted job's
// details (is_internal, interval, etc.); jobType is the coordinator
// job_type value.
func (s *Scheduler) EnsureSuccessor(ctx context.Context, jobType string, interval time.Duration, details map[string]any) (outcome string, err error) {
	defer func() {
		metrics.ObservePeriodicRun(jobType, outcome)
	}()

	existing, err := s.Coordinator.Get(ctx, "jobs",
		coordinator.Filter{
			"job_type": coordinator.Eq(jobType),
			"status":   coordinator.In(string(model.StatusPending), string(model.StatusRunning)),
		}, "id,status,started_at", "", 0)
	if err != nil {
		return OutcomeError, fmt.Errorf("periodic: check existing %s jobs: %w", jobType, err)
	}

	now := time.Now().UTC()
	for _, row := range existing {
		status, _ := row["status"].(string)
		if status != string(model.StatusRunning) {
			return OutcomeSkipped, nil
		}
		startedAt, ok := parseRowTime(row["started_at"])
		if !ok || now.Sub(startedAt) <= s.StaleAfter {
			// a live (non-stale) running row already covers this interval
			return OutcomeSkipped, nil
		}
		id, _ := row["id"].(string)
		if err := s.Coordinator.SetJobStatus(ctx, id, model.StatusFailed, map[string]any{
			"completed_at": now.Format(time.RFC3339),
			"details": map[string]any{
				"error":          fmt.Sprintf("%s exceeded stale-running timeout of %s", jobType, s.StaleAfter),
				"auto_recovered": true,
			},
		}); err != nil {
			return OutcomeError, fmt.Errorf("periodic: recover stale %s job %s: %w", jobType, id, err)
		}
	}

	scheduleAt := now.Add(interval)
	body := map[string]any{
		"job_type":    jobType,
		"status":      string(model.StatusPending),
		"schedule_at": scheduleAt.Format(time.RFC3339),
		"details":     details,
	}
	if _, err := s.Coordinator.InsertJob(ctx, body); err != nil {
		return OutcomeError, fmt.Errorf("periodic: insert successor %s job: %w", jobType, err)
	}
	return OutcomeScheduled, nil
}

func parseRowTime(v any) (time.Time, bool) {
	s, ok := v.(string)
	if !ok || s == "" {
		return time.Time{}, false
	}
	t, err := time.Parse(time.RFC3339, s)
	if err != nil {
		return time.Time{}, false
	}
	return t, true
}
