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
	"strings"
	"time"

	"dcjobexec/internal/executor/adapters"
	"dcjobexec/internal/executor/handler"
	"dcjobexec/internal/executor/model"
)

const (
	firmwarePollInterval = 15 * time.Second
	firmwarePollTimeout  = 45 * time.Minute
)

// firmwareApply polls one server's BMC firmware inventory until the
// component reports the target version or the poll budget is exhausted.
// It does not upload a package or start the update on the BMC; it only
// waits for the inventory to show the target version. The fixed-interval poll loop
// is grounded on internal/provisioner/jobs/worker.go's webhook-await
// shape (WorkerConfig.PollInterval, ExtendLeaseEvery), applied here to a
// remote firmware-update task instead of a dispatch webhook.
func (d Deps) firmwareApply(ctx context.Context, hctx *handler.Context) error {
	serverIDs := hctx.Job.TargetScope.ServerIDs
	if len(serverIDs) != 1 {
		return hctx.FailValidation(ctx, "firmware_apply requires exactly one target server")
	}
	component, _ := hctx.Job.Details["component"].(string)
	targetVersion, _ := hctx.Job.Details["target_version"].(string)
	if component == "" || targetVersion == "" {
		return hctx.FailValidation(ctx, "firmware_apply requires component and target_version")
	}

	servers, err := fetchServers(ctx, hctx.Coordinator, serverIDs)
	if err != nil || len(servers) != 1 {
		return hctx.FailValidation(ctx, fmt.Sprintf("fetch server: %v", err))
	}
	srv := servers[0]

	username, password, err := d.Credentials.ServerCredentials(ctx, srv.ID)
	if err != nil || username == "" {
		return hctx.FailValidation(ctx, fmt.Sprintf("no credentials for %s", srv.IPAddress))
	}
	ep := adapters.Endpoint{Key: srv.IPAddress, BaseURL: "https://" + srv.IPAddress, Username: username, Password: password}

	if err := hctx.SetProgress(ctx, fmt.Sprintf("Starting firmware update: %s -> %s", component, targetVersion), 5); err != nil {
		return err
	}

	deadline := time.Now().Add(firmwarePollTimeout)
	ticker := time.NewTicker(firmwarePollInterval)
	defer ticker.Stop()

	for {
		cancelled, err := hctx.IsCancelled(ctx)
		if err != nil {
			return err
		}
		if cancelled {
			return hctx.SetStatus(ctx, model.StatusCancelled, map[string]any{"completed_at": time.Now().UTC().Format(time.RFC3339)})
		}

		inventory, err := d.Redfish.FirmwareInventory(ctx, ep, hctx.Job.ID, srv.ID)
		if err != nil {
			_ = hctx.AppendConsoleLine(ctx, "WARN", fmt.Sprintf("poll firmware inventory: %v", err))
		} else if version, ok := findFirmwareVersion(inventory, component); ok {
			if version == targetVersion {
				if err := hctx.MergeDetails(ctx, map[string]any{"component": component, "installed_version": version}); err != nil {
					return err
				}
				return hctx.SetStatus(ctx, model.StatusCompleted, map[string]any{"completed_at": time.Now().UTC().Format(time.RFC3339)})
			}
			_ = hctx.SetProgress(ctx, fmt.Sprintf("%s reports version %s, waiting for %s", component, version, targetVersion), 50)
		}

		if time.Now().After(deadline) {
			return hctx.FailValidation(ctx, fmt.Sprintf("firmware_apply: %s did not reach %s within %s", component, targetVersion, firmwarePollTimeout))
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

func findFirmwareVersion(inventory []map[string]any, component string) (string, bool) {
	for _, item := range inventory {
		name, _ := item["Name"].(string)
		if !strings.EqualFold(name, component) {
			continue
		}
		version, _ := item["Version"].(string)
		return version, version != ""
	}
	return "", false
}
