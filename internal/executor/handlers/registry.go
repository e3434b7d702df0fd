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

// Package handlers is the catalog of job_type -> workflow bodies
// (spec.md §4.4). Each handler is a plain function closing over the
// shared adapters/credentials/scheduler it needs; there is no handler
// base class, per spec.md §9's Design Note, a deliberate departure from
// original_source/job_executor/handlers/base.py's BaseHandler
// inheritance hierarchy.
package handlers

import (
	"context"
	"fmt"

	"dcjobexec/internal/executor/adapters"
	"dcjobexec/internal/executor/credential"
	"dcjobexec/internal/executor/dispatcher"
	"dcjobexec/internal/executor/handler"
	"dcjobexec/internal/executor/periodic"
)

// Deps bundles the adapters and shared services every handler body needs.
type Deps struct {
	Redfish     *adapters.RedfishAdapter
	SSH         *adapters.SSHAdapter
	Hypervisor  adapters.Hypervisor
	Credentials *credential.Resolver
	Scheduler   *periodic.Scheduler
}

// New builds the full job_type registry. Handlers implemented in depth
// (power_action, boot_device_set, firmware_apply, esxi_host_upgrade,
// deploy_zfs_target, scheduled_replication_check, run_replication_sync,
// rpo_monitoring) are listed first; the remainder of spec.md's "~40 job
// types" catalog is registered through unsupportedCatalog so the
// dispatch-miss path (spec.md §4.1) is exercised honestly rather than
// faked (SPEC_FULL.md §4.4).
func New(deps Deps) dispatcher.Registry {
	reg := dispatcher.Registry{
		"power_action":                {Run: deps.powerAction},
		"boot_device_set":             {Run: deps.bootDeviceSet},
		"firmware_apply":              {Run: deps.firmwareApply},
		"esxi_host_upgrade":           {Run: deps.esxiHostUpgrade},
		"deploy_zfs_target":           {Run: deps.deployZFSTarget},
		"scheduled_replication_check": {Run: deps.scheduledReplicationCheck, Periodic: true},
		"run_replication_sync":        {Run: deps.runReplicationSync},
		"rpo_monitoring":              {Run: deps.rpoMonitoring, Periodic: true},
	}
	for _, jobType := range unsupportedCatalog {
		if _, exists := reg[jobType]; exists {
			continue
		}
		jobType := jobType
		reg[jobType] = dispatcher.Definition{
			Run: func(ctx context.Context, hctx *handler.Context) error {
				return hctx.Unsupported(ctx, fmt.Sprintf("%s: adapter not wired in this build", jobType))
			},
		}
	}
	return reg
}

// unsupportedCatalog lists the remaining job types spec.md's catalog
// implies (idrac discovery, virtual media, vCenter inventory sync, IdM
// join, console capture, PDU power, template copy, agent-target
// lifecycle, datastore scan, network config, SLA test reminders, …).
// Each terminates its job with a precise, honest failure rather than a
// fabricated implementation (SPEC_FULL.md §4.4).
var unsupportedCatalog = []string{
	"idrac_discovery",
	"mount_virtual_media",
	"unmount_virtual_media",
	"vcenter_inventory_sync",
	"idm_join",
	"idm_leave",
	"console_capture",
	"pdu_power_action",
	"template_copy",
	"agent_target_onboard",
	"agent_target_retry",
	"agent_target_rollback",
	"agent_target_decommission",
	"datastore_scan",
	"network_config_apply",
	"sla_test_reminder",
	"protection_group_pause",
}
