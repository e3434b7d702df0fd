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
	"errors"
	"fmt"
	"time"

	"dcjobexec/internal/executor/adapters"
	"dcjobexec/internal/executor/handler"
	"dcjobexec/internal/executor/model"
)

const (
	esxiReconnectPollInterval = 15 * time.Second
	esxiReconnectTimeout      = 20 * time.Minute
)

// errESXiCancelled signals that waitForESXiReconnect observed an
// external cancellation rather than exhausting its reconnect budget, so
// the caller can route it to a cancelled terminal status instead of a
// failure.
var errESXiCancelled = errors.New("esxi_host_upgrade: cancelled")

// esxiHostUpgrade drives an ESXi host through SSH-connect ->
// maintenance-mode -> apply-bundle -> reboot -> wait-for-reconnect ->
// exit-maintenance, grounded on
// original_source/job_executor/esxi/orchestrator.py's EsxiOrchestrator.
// upgrade_host. Exiting maintenance mode always runs, on both the
// success and failure paths, matching the original's cleanup-on-error
// step (orchestrator.py "Attempting to exit maintenance mode after
// error").
func (d Deps) esxiHostUpgrade(ctx context.Context, hctx *handler.Context) error {
	hostIDs := hctx.Job.TargetScope.HostIDs
	if len(hostIDs) != 1 {
		return hctx.FailValidation(ctx, "esxi_host_upgrade requires exactly one target host")
	}
	bundlePath, _ := hctx.Job.Details["bundle_path"].(string)
	profileName, _ := hctx.Job.Details["profile_name"].(string)
	if bundlePath == "" || profileName == "" {
		return hctx.FailValidation(ctx, "esxi_host_upgrade requires bundle_path and profile_name")
	}
	hostID := hostIDs[0]

	username, password, err := d.Credentials.SSHCredentials(ctx, hostID)
	if err != nil || username == "" {
		return hctx.FailValidation(ctx, fmt.Sprintf("no SSH credentials for host %s", hostID))
	}
	hostAddr, _ := hctx.Job.Details["host_address"].(string)
	if hostAddr == "" {
		return hctx.FailValidation(ctx, "esxi_host_upgrade requires host_address")
	}
	ep := adapters.SSHEndpoint{Key: hostAddr, Host: hostAddr, Username: username, Password: password}

	if cancelled, err := hctx.IsCancelled(ctx); err != nil {
		return err
	} else if cancelled {
		return hctx.SetStatus(ctx, model.StatusCancelled, map[string]any{"completed_at": time.Now().UTC().Format(time.RFC3339)})
	}

	maintenanceEntered := false
	defer func() {
		if !maintenanceEntered {
			return
		}
		_ = hctx.AppendConsoleLine(ctx, "INFO", "exiting maintenance mode")
		if err := d.Hypervisor.ExitMaintenanceMode(ctx, hostID); err != nil {
			_ = hctx.AppendConsoleLine(ctx, "WARN", fmt.Sprintf("failed to exit maintenance mode: %v", err))
		}
	}()

	_ = hctx.SetProgress(ctx, "entering maintenance mode", 10)
	if err := d.Hypervisor.EnterMaintenanceMode(ctx, hostID); err != nil {
		return hctx.FailValidation(ctx, fmt.Sprintf("enter maintenance mode: %v", err))
	}
	maintenanceEntered = true

	if cancelled, err := hctx.IsCancelled(ctx); err != nil {
		return err
	} else if cancelled {
		return hctx.SetStatus(ctx, model.StatusCancelled, map[string]any{"completed_at": time.Now().UTC().Format(time.RFC3339)})
	}

	_ = hctx.SetProgress(ctx, "applying upgrade bundle", 30)
	applyCmd := fmt.Sprintf("esxcli software sources profile update -d %s -p %s", bundlePath, profileName)
	result, err := d.SSH.Run(ctx, ep, hctx.Job.ID, hostID, applyCmd)
	if err != nil {
		return hctx.FailValidation(ctx, fmt.Sprintf("apply upgrade bundle: %v", err))
	}
	if result.ExitCode != 0 {
		return hctx.FailValidation(ctx, fmt.Sprintf("apply upgrade bundle exited %d: %s", result.ExitCode, result.Stderr))
	}

	if cancelled, err := hctx.IsCancelled(ctx); err != nil {
		return err
	} else if cancelled {
		return hctx.SetStatus(ctx, model.StatusCancelled, map[string]any{"completed_at": time.Now().UTC().Format(time.RFC3339)})
	}

	_ = hctx.SetProgress(ctx, "rebooting host", 60)
	if _, err := d.SSH.Run(ctx, ep, hctx.Job.ID, hostID, "reboot"); err != nil {
		_ = hctx.AppendConsoleLine(ctx, "WARN", fmt.Sprintf("reboot command connection dropped as expected: %v", err))
	}

	if err := d.waitForESXiReconnect(ctx, hctx, ep, hostID); err != nil {
		if errors.Is(err, errESXiCancelled) {
			return hctx.SetStatus(ctx, model.StatusCancelled, map[string]any{"completed_at": time.Now().UTC().Format(time.RFC3339)})
		}
		return hctx.FailValidation(ctx, err.Error())
	}

	versionResult, err := d.SSH.Run(ctx, ep, hctx.Job.ID, hostID, "vmware -v")
	if err != nil {
		return hctx.FailValidation(ctx, fmt.Sprintf("verify version after reboot: %v", err))
	}
	version, build := adapters.ESXiVersion(versionResult.Stdout)

	if err := hctx.MergeDetails(ctx, map[string]any{"installed_version": version, "installed_build": build}); err != nil {
		return err
	}
	return hctx.SetStatus(ctx, model.StatusCompleted, map[string]any{"completed_at": time.Now().UTC().Format(time.RFC3339)})
}

// waitForESXiReconnect polls SSH connectivity at a fixed interval until
// the host accepts a connection again or the budget is exhausted,
// grounded on orchestrator.py's "Host did not reconnect after reboot"
// step.
func (d Deps) waitForESXiReconnect(ctx context.Context, hctx *handler.Context, ep adapters.SSHEndpoint, hostID string) error {
	deadline := time.Now().Add(esxiReconnectTimeout)
	ticker := time.NewTicker(esxiReconnectPollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
		if cancelled, err := hctx.IsCancelled(ctx); err != nil {
			return err
		} else if cancelled {
			return errESXiCancelled
		}
		if _, err := d.SSH.Run(ctx, ep, hctx.Job.ID, hostID, "true"); err == nil {
			return nil
		}
		if time.Now().After(deadline) {
			return fmt.Errorf("host %s did not reconnect after reboot within %s", hostID, esxiReconnectTimeout)
		}
	}
}
