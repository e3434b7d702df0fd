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

	"dcjobexec/internal/executor/adapters"
	"dcjobexec/internal/executor/coordinator"
	"dcjobexec/internal/executor/handler"
	"dcjobexec/internal/executor/model"
	"dcjobexec/internal/executor/periodic"
)

const scheduledReplicationCheckInterval = 60 * time.Second

type protectedVM struct {
	ID   string
	Name string
}

type replicationTarget struct {
	ID       string
	Hostname string
	ZFSPool  string
}

// scheduledReplicationCheck scans every enabled, non-paused protection
// group and, for any whose schedule is due and has no sync already in
// flight, inserts a run_replication_sync job, then self-reschedules
// every 60s regardless of outcome. Grounded on
// original_source/job_executor/handlers/sla_monitoring.py's
// execute_scheduled_replication_check.
func (d Deps) scheduledReplicationCheck(ctx context.Context, hctx *handler.Context) error {
	groups, err := fetchProtectionGroups(ctx, hctx.Coordinator, coordinator.Filter{
		"is_enabled": coordinator.Eq("true"),
		"paused_at":  coordinator.IsNull(),
	})
	if err != nil {
		return d.finishPeriodicSLAJob(ctx, hctx, "scheduled_replication_check", scheduledReplicationCheckInterval, nil, err)
	}

	var triggered, skipped []string
	for _, group := range groups {
		if group.Schedule == "" {
			skipped = append(skipped, group.Name+": no schedule")
			continue
		}
		due, err := periodic.ShouldRunNow(group.Schedule, group.LastReplicationAt, time.Now().UTC())
		if err != nil {
			skipped = append(skipped, fmt.Sprintf("%s: %v", group.Name, err))
			continue
		}
		if !due {
			skipped = append(skipped, group.Name+": not due")
			continue
		}
		pending, err := hasPendingSyncJob(ctx, hctx.Coordinator, group.ID)
		if err != nil {
			skipped = append(skipped, fmt.Sprintf("%s: %v", group.Name, err))
			continue
		}
		if pending {
			skipped = append(skipped, group.Name+": sync in progress")
			continue
		}
		if _, err := hctx.Coordinator.InsertJob(ctx, map[string]any{
			"job_type": "run_replication_sync",
			"status":   string(model.StatusPending),
			"details":  map[string]any{"protection_group_id": group.ID},
		}); err != nil {
			skipped = append(skipped, fmt.Sprintf("%s: insert sync job: %v", group.Name, err))
			continue
		}
		_ = hctx.AppendConsoleLine(ctx, "INFO", fmt.Sprintf("triggered scheduled sync for: %s", group.Name))
		triggered = append(triggered, group.Name)
	}

	result := map[string]any{
		"triggered_syncs":    triggered,
		"skipped":            skipped,
		"groups_checked":     len(groups),
		"next_run_scheduled": true,
	}
	return d.finishPeriodicSLAJob(ctx, hctx, "scheduled_replication_check", scheduledReplicationCheckInterval, result, nil)
}

// runReplicationSync snapshots every protected VM's dataset on its
// group's replication target. A real zfs send/receive transfer to a
// secondary is out of scope for this build (no destination appliance is
// modeled); the snapshot-and-record-outcome shape mirrors
// execute_run_replication_sync's "create snapshot, mark vm synced,
// update group, insert metrics" sequence.
func (d Deps) runReplicationSync(ctx context.Context, hctx *handler.Context) error {
	groupID, _ := hctx.Job.Details["protection_group_id"].(string)
	if groupID == "" {
		return hctx.FailValidation(ctx, "run_replication_sync requires details.protection_group_id")
	}

	group, err := fetchProtectionGroup(ctx, hctx.Coordinator, groupID)
	if err != nil {
		return hctx.FailValidation(ctx, err.Error())
	}
	if group.PausedAt != nil {
		return hctx.FailValidation(ctx, "protection group is paused")
	}
	if group.TargetID == "" {
		return hctx.FailValidation(ctx, "protection group has no replication target configured")
	}

	target, err := fetchReplicationTarget(ctx, hctx.Coordinator, group.TargetID)
	if err != nil {
		return hctx.FailValidation(ctx, err.Error())
	}
	username, password, err := d.Credentials.SSHCredentials(ctx, target.ID)
	if err != nil || username == "" {
		return hctx.FailValidation(ctx, fmt.Sprintf("no SSH credentials for target %s", target.Hostname))
	}
	ep := adapters.SSHEndpoint{Key: target.Hostname, Host: target.Hostname, Username: username, Password: password}

	vms, err := fetchProtectedVMs(ctx, hctx.Coordinator, groupID)
	if err != nil {
		return hctx.FailValidation(ctx, err.Error())
	}

	snapshotName := "exec-" + time.Now().UTC().Format("20060102-150405")
	synced := 0
	var errs []string
	for _, vm := range vms {
		_ = hctx.AppendConsoleLine(ctx, "INFO", fmt.Sprintf("syncing VM: %s", vm.Name))
		dataset := fmt.Sprintf("%s/%s", target.ZFSPool, vm.Name)
		result, runErr := d.SSH.Run(ctx, ep, hctx.Job.ID, target.ID, fmt.Sprintf("zfs snapshot %s@%s", dataset, snapshotName))
		if runErr != nil || result.ExitCode != 0 {
			reason := sshFailureReason(runErr, result.Stderr)
			errs = append(errs, fmt.Sprintf("%s: %s", vm.Name, reason))
			_, _ = hctx.Coordinator.Patch(ctx, "protected_vms", coordinator.Filter{"id": coordinator.Eq(vm.ID)}, map[string]any{
				"replication_status": "error",
				"status_message":     reason,
			})
			continue
		}
		now := time.Now().UTC().Format(time.RFC3339)
		_, _ = hctx.Coordinator.Patch(ctx, "protected_vms", coordinator.Filter{"id": coordinator.Eq(vm.ID)}, map[string]any{
			"replication_status":  "synced",
			"last_snapshot_at":    now,
			"last_replication_at": now,
		})
		synced++
	}

	now := time.Now().UTC()
	slaStatus := model.SLAMeeting
	if len(errs) > 0 {
		slaStatus = model.SLAWarning
	}
	_, _ = hctx.Coordinator.Patch(ctx, "protection_groups", coordinator.Filter{"id": coordinator.Eq(groupID)}, map[string]any{
		"last_replication_at": now.Format(time.RFC3339),
		"current_rpo_seconds": 0,
		"sla_status":          slaStatus,
	})
	_, _ = hctx.Coordinator.Post(ctx, "replication_metrics", map[string]any{
		"protection_group_id": groupID,
		"current_rpo_seconds": 0,
		"pending_bytes":       0,
		"throughput_mbps":     0,
	}, false)

	if err := hctx.MergeDetails(ctx, map[string]any{
		"group_id":   groupID,
		"group_name": group.Name,
		"vms_synced": synced,
		"errors":     errs,
	}); err != nil {
		return err
	}
	status := model.StatusCompleted
	if len(errs) > 0 {
		status = model.StatusFailed
	}
	return hctx.SetStatus(ctx, status, map[string]any{"completed_at": now.Format(time.RFC3339)})
}

func sshFailureReason(err error, stderr string) string {
	if err != nil {
		return err.Error()
	}
	if stderr != "" {
		return stderr
	}
	return "zfs snapshot failed"
}

func fetchProtectionGroups(ctx context.Context, coord *coordinator.Client, filter coordinator.Filter) ([]model.ProtectionGroup, error) {
	rows, err := coord.Get(ctx, "protection_groups", filter, "*", "", 0)
	if err != nil {
		return nil, fmt.Errorf("fetch protection groups: %w", err)
	}
	return decodeProtectionGroups(rows)
}

func fetchProtectionGroup(ctx context.Context, coord *coordinator.Client, groupID string) (model.ProtectionGroup, error) {
	rows, err := coord.Get(ctx, "protection_groups", coordinator.Filter{"id": coordinator.Eq(groupID)}, "*", "", 1)
	if err != nil {
		return model.ProtectionGroup{}, fmt.Errorf("fetch protection group %s: %w", groupID, err)
	}
	groups, err := decodeProtectionGroups(rows)
	if err != nil {
		return model.ProtectionGroup{}, err
	}
	if len(groups) == 0 {
		return model.ProtectionGroup{}, fmt.Errorf("protection group not found: %s", groupID)
	}
	return groups[0], nil
}

func decodeProtectionGroups(rows []map[string]any) ([]model.ProtectionGroup, error) {
	groups := make([]model.ProtectionGroup, 0, len(rows))
	for _, row := range rows {
		data, err := json.Marshal(row)
		if err != nil {
			return nil, fmt.Errorf("re-marshal protection group row: %w", err)
		}
		var g model.ProtectionGroup
		if err := json.Unmarshal(data, &g); err != nil {
			return nil, fmt.Errorf("decode protection group: %w", err)
		}
		groups = append(groups, g)
	}
	return groups, nil
}

func hasPendingSyncJob(ctx context.Context, coord *coordinator.Client, groupID string) (bool, error) {
	rows, err := coord.Get(ctx, "jobs", coordinator.Filter{
		"job_type":                      coordinator.Eq("run_replication_sync"),
		"status":                        coordinator.In(string(model.StatusPending), string(model.StatusRunning)),
		"details->>protection_group_id": coordinator.Eq(groupID),
	}, "id", "", 1)
	if err != nil {
		return false, fmt.Errorf("check pending sync job for %s: %w", groupID, err)
	}
	return len(rows) > 0, nil
}

func fetchProtectedVMs(ctx context.Context, coord *coordinator.Client, groupID string) ([]protectedVM, error) {
	rows, err := coord.Get(ctx, "protected_vms", coordinator.Filter{"protection_group_id": coordinator.Eq(groupID)}, "id,vm_name", "", 0)
	if err != nil {
		return nil, fmt.Errorf("fetch protected vms for %s: %w", groupID, err)
	}
	vms := make([]protectedVM, 0, len(rows))
	for _, row := range rows {
		vm := protectedVM{}
		vm.ID, _ = row["id"].(string)
		vm.Name, _ = row["vm_name"].(string)
		vms = append(vms, vm)
	}
	return vms, nil
}

func fetchReplicationTarget(ctx context.Context, coord *coordinator.Client, targetID string) (replicationTarget, error) {
	rows, err := coord.Get(ctx, "targets", coordinator.Filter{"id": coordinator.Eq(targetID)}, "id,hostname,zfs_pool", "", 1)
	if err != nil {
		return replicationTarget{}, fmt.Errorf("fetch replication target %s: %w", targetID, err)
	}
	if len(rows) == 0 {
		return replicationTarget{}, fmt.Errorf("replication target not found: %s", targetID)
	}
	t := replicationTarget{ID: targetID}
	t.Hostname, _ = rows[0]["hostname"].(string)
	t.ZFSPool, _ = rows[0]["zfs_pool"].(string)
	return t, nil
}
