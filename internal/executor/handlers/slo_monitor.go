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

package handlers

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"dcjobexec/internal/executor/coordinator"
	"dcjobexec/internal/executor/handler"
	"dcjobexec/internal/executor/model"
)

const rpoMonitoringInterval = 5 * time.Minute

// slaViolation mirrors the payload shape _record_sla_violation /
// _send_sla_alert build for each breach.
type slaViolation struct {
	GroupID           string `json:"group_id"`
	GroupName         string `json:"group_name"`
	ViolationType     string `json:"violation_type"`
	Severity          string `json:"severity"`
	CurrentRPOMinutes int    `json:"current_rpo_minutes,omitempty"`
	TargetRPOMinutes  int    `json:"target_rpo_minutes,omitempty"`
	ReminderDays      int    `json:"reminder_days,omitempty"`
}

// rpoMonitoring recomputes every protection group's current RPO and SLA
// status, records/resolves sla_violations rows, sends a signed batch
// alert through the notification edge function when violations exist,
// and self-reschedules every 5 minutes regardless of outcome. Grounded
// on original_source/job_executor/handlers/sla_monitoring.py's
// execute_rpo_monitoring.
func (d Deps) rpoMonitoring(ctx context.Context, hctx *handler.Context) error {
	groups, err := fetchProtectionGroups(ctx, hctx.Coordinator, nil)
	if err != nil {
		return d.finishPeriodicSLAJob(ctx, hctx, "rpo_monitoring", rpoMonitoringInterval, nil, err)
	}

	now := time.Now().UTC()
	var rpoViolations, testOverdue []slaViolation

	for _, group := range groups {
		isPaused := group.PausedAt != nil
		currentRPOSeconds := currentRPOSeconds(group.LastReplicationAt, now)
		targetRPOSeconds := group.RPOMinutes * 60

		status := model.SLAMeeting
		switch {
		case isPaused:
			status = model.SLAPaused
		case currentRPOSeconds <= targetRPOSeconds:
			status = model.SLAMeeting
		case currentRPOSeconds <= int(float64(targetRPOSeconds)*1.5):
			status = model.SLAWarning
		default:
			status = model.SLANotMeeting
		}

		_, _ = hctx.Coordinator.Patch(ctx, "protection_groups", coordinator.Filter{"id": coordinator.Eq(group.ID)}, map[string]any{
			"current_rpo_seconds": currentRPOSeconds,
			"sla_status":          status,
		})

		if group.IsEnabled && !isPaused && status == model.SLANotMeeting {
			severity := "warning"
			if currentRPOSeconds > targetRPOSeconds*2 {
				severity = "critical"
			}
			v := slaViolation{
				GroupID:           group.ID,
				GroupName:         group.Name,
				ViolationType:     "rpo_breach",
				Severity:          severity,
				CurrentRPOMinutes: currentRPOSeconds / 60,
				TargetRPOMinutes:  group.RPOMinutes,
			}
			rpoViolations = append(rpoViolations, v)
			recordSLAViolation(ctx, hctx.Coordinator, v)
		} else {
			resolveSLAViolations(ctx, hctx.Coordinator, group.ID, "rpo_breach")
		}

		if group.TestReminderDays > 0 && isTestOverdue(group, now) {
			v := slaViolation{
				GroupID:       group.ID,
				GroupName:     group.Name,
				ViolationType: "test_overdue",
				Severity:      "warning",
				ReminderDays:  group.TestReminderDays,
			}
			testOverdue = append(testOverdue, v)
			recordSLAViolation(ctx, hctx.Coordinator, v)
		} else {
			resolveSLAViolations(ctx, hctx.Coordinator, group.ID, "test_overdue")
		}
	}

	if len(rpoViolations) > 0 {
		d.sendSLAAlert(ctx, hctx, rpoViolations, "rpo_breach")
	}
	if len(testOverdue) > 0 {
		d.sendSLAAlert(ctx, hctx, testOverdue, "test_overdue")
	}

	result := map[string]any{
		"groups_checked":     len(groups),
		"rpo_violations":     len(rpoViolations),
		"test_overdue":       len(testOverdue),
		"next_run_scheduled": true,
	}
	return d.finishPeriodicSLAJob(ctx, hctx, "rpo_monitoring", rpoMonitoringInterval, result, nil)
}

// currentRPOSeconds returns how long it has been since lastSync, or a
// sentinel 999999 seconds (~11.5 days) if the group has never
// replicated, matching _calculate_current_rpo's never-synced sentinel.
func currentRPOSeconds(lastSync *time.Time, now time.Time) int {
	if lastSync == nil {
		return 999999
	}
	elapsed := now.Sub(*lastSync)
	if elapsed < 0 {
		return 0
	}
	return int(elapsed.Seconds())
}

// isTestOverdue reports whether a group's last DR test predates its
// reminder window; a group with no recorded test is always overdue.
func isTestOverdue(group model.ProtectionGroup, now time.Time) bool {
	reference := group.LastTestAt
	if reference == nil {
		return true
	}
	return now.Sub(*reference) >= time.Duration(group.TestReminderDays)*24*time.Hour
}

// recordSLAViolation inserts a new unresolved violation row unless one
// already exists for this group/type, matching _record_sla_violation's
// check-then-insert.
func recordSLAViolation(ctx context.Context, coord *coordinator.Client, v slaViolation) {
	existing, err := coord.Get(ctx, "sla_violations", coordinator.Filter{
		"protection_group_id": coordinator.Eq(v.GroupID),
		"violation_type":      coordinator.Eq(v.ViolationType),
		"resolved_at":         coordinator.IsNull(),
	}, "id", "", 1)
	if err == nil && len(existing) > 0 {
		return
	}
	_, _ = coord.Post(ctx, "sla_violations", map[string]any{
		"protection_group_id": v.GroupID,
		"violation_type":      v.ViolationType,
		"severity":            v.Severity,
		"details":             v,
		"notification_sent":   false,
	}, false)
}

func resolveSLAViolations(ctx context.Context, coord *coordinator.Client, groupID, violationType string) {
	_, _ = coord.Patch(ctx, "sla_violations", coordinator.Filter{
		"protection_group_id": coordinator.Eq(groupID),
		"violation_type":      coordinator.Eq(violationType),
		"resolved_at":         coordinator.IsNull(),
	}, map[string]any{"resolved_at": time.Now().UTC().Format(time.RFC3339)})
}

// sendSLAAlert posts a signed batch alert through the coordinator's
// notification edge function, grounded on _send_sla_alert's
// add_signature_headers call. A failure to sign or deliver is logged,
// not fatal to the monitoring pass — the violations remain recorded and
// will be retried next run.
func (d Deps) sendSLAAlert(ctx context.Context, hctx *handler.Context, violations []slaViolation, alertType string) {
	payload := map[string]any{
		"notification_type": "sla_violation_alert",
		"alert_type":        alertType,
		"violations":        violationsToAny(violations),
		"summary":           fmt.Sprintf("%d protection group(s) have %s issues", len(violations), alertType),
	}
	if err := hctx.Coordinator.Notify(ctx, "send-notification", payload); err != nil {
		_ = hctx.AppendConsoleLine(ctx, "WARN", fmt.Sprintf("failed to send SLA alert: %v", err))
		return
	}
	_ = hctx.AppendConsoleLine(ctx, "INFO", fmt.Sprintf("alert sent for %d violations", len(violations)))
	for _, v := range violations {
		_, _ = hctx.Coordinator.Patch(ctx, "sla_violations", coordinator.Filter{
			"protection_group_id": coordinator.Eq(v.GroupID),
			"violation_type":      coordinator.Eq(v.ViolationType),
			"notification_sent":   coordinator.Eq("false"),
		}, map[string]any{"notification_sent": true})
	}
}

// violationsToAny converts slaViolation structs into the
// map[string]any/scalar shape signing.CanonicalJSON requires, via the
// same marshal-then-unmarshal trick coordinator.decodeJobs uses for the
// reverse conversion.
func violationsToAny(vs []slaViolation) []any {
	out := make([]any, len(vs))
	for i, v := range vs {
		data, _ := json.Marshal(v)
		var m map[string]any
		_ = json.Unmarshal(data, &m)
		out[i] = m
	}
	return out
}

// finishPeriodicSLAJob completes a self-scheduling SLA monitoring job
// and always calls EnsureSuccessor, on both the success and failure
// path, matching sla_monitoring.py's "still reschedule even on failure"
// comment in both execute_scheduled_replication_check and
// execute_rpo_monitoring.
func (d Deps) finishPeriodicSLAJob(ctx context.Context, hctx *handler.Context, jobType string, interval time.Duration, result map[string]any, runErr error) error {
	status := model.StatusCompleted
	details := result
	if runErr != nil {
		status = model.StatusFailed
		details = map[string]any{"error": runErr.Error()}
	}
	if details == nil {
		details = map[string]any{}
	}
	mergeErr := hctx.MergeDetails(ctx, details)
	setErr := hctx.SetStatus(ctx, status, map[string]any{"completed_at": time.Now().UTC().Format(time.RFC3339)})
	_, schedErr := d.Scheduler.EnsureSuccessor(ctx, jobType, interval, map[string]any{"is_internal": true})
	if mergeErr != nil {
		return mergeErr
	}
	if setErr != nil {
		return setErr
	}
	return schedErr
}
