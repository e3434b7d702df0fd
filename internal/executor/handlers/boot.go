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
	"dcjobexec/internal/executor/handler"
	"dcjobexec/internal/executor/model"
)

// bootDeviceSet is the simplest multi-server handler shape: one Redfish
// PATCH per server, no polling, grounded on the BootDevice vocabulary of
// internal/provisioner/redfish/client.go and the single-phase pattern
// spec.md §4.4 calls out for "boot_device_set".
func (d Deps) bootDeviceSet(ctx context.Context, hctx *handler.Context) error {
	serverIDs := hctx.Job.TargetScope.ServerIDs
	if len(serverIDs) == 0 {
		return hctx.FailValidation(ctx, "boot_device_set requires specific server selection")
	}
	deviceStr, _ := hctx.Job.Details["device"].(string)
	device, err := parseBootDevice(deviceStr)
	if err != nil {
		return hctx.FailValidation(ctx, err.Error())
	}

	servers, err := fetchServers(ctx, hctx.Coordinator, serverIDs)
	if err != nil {
		return hctx.FailValidation(ctx, fmt.Sprintf("fetch servers: %v", err))
	}

	successCount, failedCount := 0, 0
	for i, srv := range servers {
		_ = hctx.SetProgress(ctx, fmt.Sprintf("Setting boot device on %s (%d/%d)", srv.IPAddress, i+1, len(servers)), percentOf(i, len(servers)))

		username, password, credErr := d.Credentials.ServerCredentials(ctx, srv.ID)
		if credErr != nil || username == "" {
			failedCount++
			continue
		}
		ep := adapters.Endpoint{Key: srv.IPAddress, BaseURL: "https://" + srv.IPAddress, Username: username, Password: password}
		if err := d.Redfish.SetOneTimeBoot(ctx, ep, hctx.Job.ID, srv.ID, device); err != nil {
			_ = hctx.AppendConsoleLine(ctx, "ERROR", fmt.Sprintf("set boot device failed on %s: %v", srv.IPAddress, err))
			failedCount++
			continue
		}
		successCount++
	}

	if err := hctx.MergeDetails(ctx, map[string]any{
		"device":        deviceStr,
		"success_count": successCount,
		"failed_count":  failedCount,
	}); err != nil {
		return err
	}

	status := model.StatusCompleted
	if failedCount > 0 {
		status = model.StatusFailed
	}
	return hctx.SetStatus(ctx, status, map[string]any{"completed_at": time.Now().UTC().Format(time.RFC3339)})
}

func parseBootDevice(device string) (adapters.BootDevice, error) {
	switch device {
	case "cd", "Cd", "CD":
		return adapters.BootDeviceCD, nil
	case "pxe", "Pxe", "PXE":
		return adapters.BootDevicePXE, nil
	case "hdd", "Hdd", "HDD":
		return adapters.BootDeviceHDD, nil
	default:
		return "", fmt.Errorf("unsupported boot device %q", device)
	}
}
