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
	"fmt"
	"time"

	"dcjobexec/internal/executor/adapters"
	"dcjobexec/internal/executor/coordinator"
	"dcjobexec/internal/executor/handler"
	"dcjobexec/internal/executor/model"
)

// powerAction drives a Redfish ComputerSystem.Reset across the job's
// target servers, grounded on
// original_source/job_executor/handlers/power.py's
// execute_power_action: require an explicit server selection, fetch each
// server row, skip (not abort) a server with no credentials on file,
// record per-server progress, and classify the job completed only if
// every server succeeded.
func (d Deps) powerAction(ctx context.Context, hctx *handler.Context) error {
	serverIDs := hctx.Job.TargetScope.ServerIDs
	if len(serverIDs) == 0 {
		return hctx.FailValidation(ctx, "power_action requires specific server selection")
	}

	action, _ := hctx.Job.Details["action"].(string)
	if action == "" {
		action = "On"
	}
	reset, err := parseResetType(action)
	if err != nil {
		return hctx.FailValidation(ctx, err.Error())
	}

	servers, err := fetchServers(ctx, hctx.Coordinator, serverIDs)
	if err != nil {
		return hctx.FailValidation(ctx, fmt.Sprintf("fetch servers: %v", err))
	}

	successCount, failedCount := 0, 0
	total := len(servers)
	for i, srv := range servers {
		_ = hctx.SetProgress(ctx, fmt.Sprintf("Executing %s on %s (%d/%d)", action, srv.IPAddress, i+1, total), percentOf(i, total))

		username, password, credErr := d.Credentials.ServerCredentials(ctx, srv.ID)
		if credErr != nil || username == "" {
			_ = hctx.AppendConsoleLine(ctx, "WARN", fmt.Sprintf("no credentials for %s", srv.IPAddress))
			failedCount++
			continue
		}

		ep := adapters.Endpoint{Key: srv.IPAddress, BaseURL: "https://" + srv.IPAddress, Username: username, Password: password}
		if err := d.Redfish.Reset(ctx, ep, hctx.Job.ID, srv.ID, reset); err != nil {
			_ = hctx.AppendConsoleLine(ctx, "ERROR", fmt.Sprintf("power action failed on %s: %v", srv.IPAddress, err))
			failedCount++
			continue
		}

		expectedState := "Off"
		if reset == adapters.ResetOn || reset == adapters.ResetForceRestart {
			expectedState = "On"
		}
		_, _ = hctx.Coordinator.Patch(ctx, "servers", coordinator.Filter{"id": coordinator.Eq(srv.ID)}, map[string]any{"power_state": expectedState})
		successCount++
	}

	result := map[string]any{
		"action":        action,
		"success_count": successCount,
		"failed_count":  failedCount,
		"total":         total,
	}
	if err := hctx.MergeDetails(ctx, result); err != nil {
		return err
	}

	status := model.StatusCompleted
	if failedCount > 0 {
		status = model.StatusFailed
	}
	return hctx.SetStatus(ctx, status, map[string]any{"completed_at": time.Now().UTC().Format(time.RFC3339)})
}

func parseResetType(action string) (adapters.ResetType, error) {
	switch action {
	case "On":
		return adapters.ResetOn, nil
	case "ForceOff":
		return adapters.ResetForceOff, nil
	case "GracefulRestart":
		return adapters.ResetGracefulRestart, nil
	case "ForceRestart":
		return adapters.ResetForceRestart, nil
	case "PowerCycle":
		return adapters.ResetPowerCycle, nil
	default:
		return "", fmt.Errorf("unsupported power action %q", action)
	}
}

func percentOf(index, total int) int {
	if total <= 0 {
		return 0
	}
	return (index * 100) / total
}

type serverRecord struct {
	ID        string
	IPAddress string
	Vendor    string
}

// fetchServers loads the minimal server fields every Redfish handler
// needs, via an `id=in.(...)` filter (the same shape power.py's
// `servers?id=in.(...)` query uses).
func fetchServers(ctx context.Context, coord *coordinator.Client, serverIDs []string) ([]serverRecord, error) {
	rows, err := coord.Get(ctx, "servers", coordinator.Filter{"id": coordinator.In(serverIDs...)}, "id,ip_address,vendor", "", 0)
	if err != nil {
		return nil, err
	}
	out := make([]serverRecord, 0, len(rows))
	for _, row := range rows {
		rec := serverRecord{}
		rec.ID, _ = row["id"].(string)
		rec.IPAddress, _ = row["ip_address"].(string)
		rec.Vendor, _ = row["vendor"].(string)
		out = append(out, rec)
	}
	return out, nil
}
