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
	"dcjobexec/internal/executor/coordinator"
	"dcjobexec/internal/executor/handler"
	"dcjobexec/internal/executor/model"
)

const (
	zfsToolsWaitTimeout   = 10 * time.Minute
	zfsGuestIPWaitTimeout = 10 * time.Minute

	zfsNFSShareOptions = "rw,sync,no_subtree_check,no_root_squash,nohide"
)

// osDiskCandidates lists the boot-disk device paths _detect_zfs_disk
// skips when picking the freshly attached ZFS disk.
var osDiskCandidates = map[string]bool{
	"/dev/sda":     true,
	"/dev/vda":     true,
	"/dev/nvme0n1": true,
	"/dev/xvda":    true,
}

type zfsTemplate struct {
	Name               string
	TemplateMoref      string
	Datastore          string
	Network            string
	DefaultSSHUsername string
	DefaultZFSPool     string
	DefaultNFSNetwork  string
}

// deployZFSTarget clones a template VM, brings it up, carves a ZFS pool
// and NFS export on it, and registers it as a replication target (and
// optionally an NFS datastore). Grounded on
// original_source/job_executor/handlers/zfs_target.py's
// execute_deploy_zfs_target, reproducing its exact phase/percent
// sequence (clone 0, power_on 20, wait_tools 25, wait_ip 35,
// ssh_connect 40, zfs_create 50, nfs_setup 60, register_target 75,
// register_datastore 85). Unlike the original, which resolves SSH
// credentials from a stored ssh_key_id, a freshly cloned VM has no
// coordinator-stored credential row: this build requires
// details.ssh_password to be supplied with the job.
func (d Deps) deployZFSTarget(ctx context.Context, hctx *handler.Context) error {
	templateID := hctx.Job.TargetScope.TemplateID
	if templateID == "" {
		return hctx.FailValidation(ctx, "deploy_zfs_target requires target_scope.template_id")
	}
	vmName, _ := hctx.Job.Details["vm_name"].(string)
	if vmName == "" {
		return hctx.FailValidation(ctx, "deploy_zfs_target requires details.vm_name")
	}
	sshPassword, _ := hctx.Job.Details["ssh_password"].(string)
	if sshPassword == "" {
		return hctx.FailValidation(ctx, "deploy_zfs_target requires details.ssh_password")
	}

	template, err := fetchZFSTemplate(ctx, hctx.Coordinator, templateID)
	if err != nil {
		return hctx.FailValidation(ctx, err.Error())
	}

	poolName := stringOr(hctx.Job.Details["zfs_pool_name"], template.DefaultZFSPool, "replication")
	nfsNetwork := stringOr(hctx.Job.Details["nfs_network"], template.DefaultNFSNetwork, "*")
	sshUsername := stringOr(hctx.Job.Details["ssh_username"], template.DefaultSSHUsername, "root")
	registerDatastore := true
	if v, ok := hctx.Job.Details["register_datastore"].(bool); ok {
		registerDatastore = v
	}

	if err := hctx.MergeDetails(ctx, map[string]any{
		"template_id":   templateID,
		"template_name": template.Name,
		"zfs_pool_name": poolName,
		"nfs_network":   nfsNetwork,
		"ssh_username":  sshUsername,
	}); err != nil {
		return err
	}
	_ = hctx.AppendConsoleLine(ctx, "INFO", "Starting ZFS Target deployment")

	if err := hctx.SetProgress(ctx, "clone", 0); err != nil {
		return err
	}
	if cancelled, err := d.checkZFSCancelled(ctx, hctx, ""); cancelled || err != nil {
		return err
	}
	vmID, err := d.Hypervisor.CloneVM(ctx, adapters.CloneSpec{
		TemplateID: template.TemplateMoref,
		Name:       vmName,
		Datastore:  template.Datastore,
		Network:    template.Network,
	})
	if err != nil {
		return d.failZFSDeploy(ctx, hctx, "clone", err)
	}
	if err := hctx.MergeDetails(ctx, map[string]any{"cloned_vm_moref": vmID}); err != nil {
		return err
	}

	if err := hctx.SetProgress(ctx, "power_on", 20); err != nil {
		return err
	}
	if cancelled, err := d.checkZFSCancelled(ctx, hctx, vmID); cancelled || err != nil {
		return err
	}
	if err := d.Hypervisor.PowerOnVM(ctx, vmID); err != nil {
		return d.failZFSDeploy(ctx, hctx, "power_on", err)
	}

	if err := hctx.SetProgress(ctx, "wait_tools", 25); err != nil {
		return err
	}
	if cancelled, err := d.checkZFSCancelled(ctx, hctx, vmID); cancelled || err != nil {
		return err
	}
	if err := d.Hypervisor.WaitForTools(ctx, vmID, zfsToolsWaitTimeout); err != nil {
		return d.failZFSDeploy(ctx, hctx, "wait_tools", err)
	}

	if err := hctx.SetProgress(ctx, "wait_ip", 35); err != nil {
		return err
	}
	if cancelled, err := d.checkZFSCancelled(ctx, hctx, vmID); cancelled || err != nil {
		return err
	}
	detectedIP, err := d.Hypervisor.WaitForGuestIP(ctx, vmID, zfsGuestIPWaitTimeout)
	if err != nil {
		return d.failZFSDeploy(ctx, hctx, "wait_ip", err)
	}
	if err := hctx.MergeDetails(ctx, map[string]any{"detected_ip": detectedIP}); err != nil {
		return err
	}

	if err := hctx.SetProgress(ctx, "ssh_connect", 40); err != nil {
		return err
	}
	if cancelled, err := d.checkZFSCancelled(ctx, hctx, vmID); cancelled || err != nil {
		return err
	}
	ep := adapters.SSHEndpoint{Key: detectedIP, Host: detectedIP, Username: sshUsername, Password: sshPassword}
	if _, err := d.SSH.Run(ctx, ep, hctx.Job.ID, vmID, "true"); err != nil {
		return d.failZFSDeploy(ctx, hctx, "ssh_connect", err)
	}

	if err := hctx.SetProgress(ctx, "zfs_create", 50); err != nil {
		return err
	}
	if cancelled, err := d.checkZFSCancelled(ctx, hctx, vmID); cancelled || err != nil {
		return err
	}
	if err := d.createZFSPool(ctx, hctx, ep, vmID, poolName); err != nil {
		return d.failZFSDeploy(ctx, hctx, "zfs_create", err)
	}

	if err := hctx.SetProgress(ctx, "nfs_setup", 60); err != nil {
		return err
	}
	if cancelled, err := d.checkZFSCancelled(ctx, hctx, vmID); cancelled || err != nil {
		return err
	}
	if err := d.configureNFS(ctx, hctx, ep, vmID, poolName, nfsNetwork); err != nil {
		return d.failZFSDeploy(ctx, hctx, "nfs_setup", err)
	}

	if err := hctx.SetProgress(ctx, "register_target", 75); err != nil {
		return err
	}
	if cancelled, err := d.checkZFSCancelled(ctx, hctx, vmID); cancelled || err != nil {
		return err
	}
	targetID, err := registerReplicationTarget(ctx, hctx.Coordinator, hctx.Job.ID, vmID, template, poolName, sshUsername, detectedIP)
	if err != nil {
		return d.failZFSDeploy(ctx, hctx, "register_target", err)
	}
	if err := hctx.MergeDetails(ctx, map[string]any{"replication_target_id": targetID}); err != nil {
		return err
	}

	if registerDatastore {
		if err := hctx.SetProgress(ctx, "register_datastore", 85); err != nil {
			return err
		}
		if cancelled, err := d.checkZFSCancelled(ctx, hctx, vmID); cancelled || err != nil {
			return err
		}
		datastoreName := d.registerZFSDatastore(ctx, hctx, vmName, poolName, detectedIP)
		if datastoreName != "" {
			if err := hctx.MergeDetails(ctx, map[string]any{"datastore_name": datastoreName}); err != nil {
				return err
			}
		}
	}

	_ = hctx.AppendConsoleLine(ctx, "INFO", "ZFS Target deployment completed successfully")
	if err := hctx.MergeDetails(ctx, map[string]any{
		"success":          true,
		"current_phase":    "complete",
		"progress_percent": 100,
	}); err != nil {
		return err
	}
	return hctx.SetStatus(ctx, model.StatusCompleted, map[string]any{
		"completed_at": time.Now().UTC().Format(time.RFC3339),
	})
}

// failZFSDeploy transitions the job to failed and records the phase it
// died in, matching execute_deploy_zfs_target's except block
// (job_details['failed_phase']).
func (d Deps) failZFSDeploy(ctx context.Context, hctx *handler.Context, phase string, cause error) error {
	_ = hctx.AppendConsoleLine(ctx, "ERROR", fmt.Sprintf("deployment failed: %v", cause))
	return hctx.SetStatus(ctx, model.StatusFailed, map[string]any{
		"completed_at": time.Now().UTC().Format(time.RFC3339),
		"details": coordinator.DeepMerge(hctx.Job.Details, map[string]any{
			"error":        cause.Error(),
			"failed_phase": phase,
		}),
	})
}

// checkZFSCancelled is called at every phase boundary once a VM may have
// been cloned. On cancellation it powers off the cloned VM, if any,
// before transitioning the job to cancelled — spec.md §4.4 step 5's
// "undo any partial state... power off a half-provisioned VM" cleanup
// contract. vmID is "" before the clone phase completes, in which case
// there is nothing running yet to clean up.
func (d Deps) checkZFSCancelled(ctx context.Context, hctx *handler.Context, vmID string) (bool, error) {
	cancelled, err := hctx.IsCancelled(ctx)
	if err != nil {
		return false, err
	}
	if !cancelled {
		return false, nil
	}
	if vmID != "" {
		if err := d.Hypervisor.PowerOffVM(ctx, vmID); err != nil {
			_ = hctx.AppendConsoleLine(ctx, "WARN", fmt.Sprintf("failed to power off cancelled VM: %v", err))
		}
	}
	return true, hctx.SetStatus(ctx, model.StatusCancelled, map[string]any{
		"completed_at": time.Now().UTC().Format(time.RFC3339),
	})
}

func (d Deps) createZFSPool(ctx context.Context, hctx *handler.Context, ep adapters.SSHEndpoint, vmID, poolName string) error {
	disk, err := d.detectZFSDisk(ctx, hctx, ep, vmID)
	if err != nil {
		return err
	}
	_ = hctx.AppendConsoleLine(ctx, "INFO", fmt.Sprintf("creating ZFS pool %s on %s", poolName, disk))
	result, err := d.SSH.Run(ctx, ep, hctx.Job.ID, vmID, fmt.Sprintf("zpool create -f %s %s", poolName, disk))
	if err != nil {
		return fmt.Errorf("zpool create: %w", err)
	}
	if result.ExitCode != 0 {
		return fmt.Errorf("zpool create failed: %s", result.Stderr)
	}
	result, err = d.SSH.Run(ctx, ep, hctx.Job.ID, vmID, fmt.Sprintf("zfs create %s/nfs", poolName))
	if err != nil {
		return fmt.Errorf("zfs create: %w", err)
	}
	if result.ExitCode != 0 {
		return fmt.Errorf("zfs create failed: %s", result.Stderr)
	}
	status, err := d.SSH.Run(ctx, ep, hctx.Job.ID, vmID, fmt.Sprintf("zpool status %s", poolName))
	if err == nil && strings.Contains(status.Stdout, "ONLINE") {
		_ = hctx.AppendConsoleLine(ctx, "INFO", "ZFS pool is healthy (ONLINE)")
	}
	return nil
}

// detectZFSDisk picks the first non-OS block device not already part of
// a pool, grounded on zfs_target.py's _detect_zfs_disk.
func (d Deps) detectZFSDisk(ctx context.Context, hctx *handler.Context, ep adapters.SSHEndpoint, vmID string) (string, error) {
	result, err := d.SSH.Run(ctx, ep, hctx.Job.ID, vmID, "lsblk -dpno NAME,TYPE | grep disk")
	if err != nil {
		return "", fmt.Errorf("detect zfs disk: %w", err)
	}
	for _, line := range strings.Split(strings.TrimSpace(result.Stdout), "\n") {
		fields := strings.Fields(line)
		if len(fields) == 0 {
			continue
		}
		device := fields[0]
		if osDiskCandidates[device] {
			continue
		}
		check, err := d.SSH.Run(ctx, ep, hctx.Job.ID, vmID, fmt.Sprintf("zpool status 2>/dev/null | grep -q %s", device))
		if err == nil && check.ExitCode != 0 {
			return device, nil
		}
	}
	return "", fmt.Errorf("could not detect ZFS target disk")
}

func (d Deps) configureNFS(ctx context.Context, hctx *handler.Context, ep adapters.SSHEndpoint, vmID, poolName, nfsNetwork string) error {
	dataset := poolName + "/nfs"
	shareOpts := zfsNFSShareOptions
	if nfsNetwork != "" && nfsNetwork != "*" {
		shareOpts = fmt.Sprintf("%s(%s)", nfsNetwork, shareOpts)
	} else {
		shareOpts = fmt.Sprintf("*(%s)", shareOpts)
	}
	result, err := d.SSH.Run(ctx, ep, hctx.Job.ID, vmID, fmt.Sprintf(`zfs set sharenfs="%s" %s`, shareOpts, dataset))
	if err != nil {
		return fmt.Errorf("zfs set sharenfs: %w", err)
	}
	if result.ExitCode != 0 {
		_ = hctx.AppendConsoleLine(ctx, "WARN", "zfs sharenfs failed, falling back to /etc/exports")
		exportLine := fmt.Sprintf("/%s %s", dataset, shareOpts)
		if _, err := d.SSH.Run(ctx, ep, hctx.Job.ID, vmID, fmt.Sprintf(`echo "%s" >> /etc/exports`, exportLine)); err != nil {
			return fmt.Errorf("append /etc/exports: %w", err)
		}
		if _, err := d.SSH.Run(ctx, ep, hctx.Job.ID, vmID, "exportfs -ra"); err != nil {
			return fmt.Errorf("exportfs -ra: %w", err)
		}
	}
	if _, err := d.SSH.Run(ctx, ep, hctx.Job.ID, vmID, "systemctl enable --now nfs-server 2>/dev/null || service nfs start"); err != nil {
		_ = hctx.AppendConsoleLine(ctx, "WARN", fmt.Sprintf("enable nfs-server: %v", err))
	}
	_ = hctx.AppendConsoleLine(ctx, "INFO", "NFS configuration complete")
	return nil
}

func registerReplicationTarget(ctx context.Context, coord *coordinator.Client, jobID, vmID string, template zfsTemplate, poolName, sshUsername, detectedIP string) (string, error) {
	body := map[string]any{
		"name":               vmID,
		"hostname":           detectedIP,
		"port":               22,
		"target_type":        "zfs",
		"zfs_pool":           poolName,
		"zfs_dataset_prefix": poolName + "/nfs",
		"username":           sshUsername,
		"health_status":      "healthy",
		"is_active":          true,
		"source_template_id": template.Name,
		"deployed_job_id":    jobID,
		"deployed_vm_moref":  vmID,
	}
	rows, err := coord.Post(ctx, "targets", body, true)
	if err != nil {
		return "", fmt.Errorf("register replication target: %w", err)
	}
	if len(rows) == 0 {
		return "", fmt.Errorf("register replication target: coordinator returned no row")
	}
	id, _ := rows[0]["id"].(string)
	return id, nil
}

// registerZFSDatastore mounts the new NFS export as a datastore on each
// host named in details.datastore_hosts. Failures here are warnings, not
// job failures, matching _register_datastore's "no vCenter connection,
// skip" and per-host try/except behavior.
func (d Deps) registerZFSDatastore(ctx context.Context, hctx *handler.Context, vmName, poolName, detectedIP string) string {
	datastoreName := "nfs-" + vmName
	remotePath := "/" + poolName + "/nfs"
	hostsRaw, _ := hctx.Job.Details["datastore_hosts"].([]any)
	if len(hostsRaw) == 0 {
		_ = hctx.AppendConsoleLine(ctx, "WARN", "no datastore_hosts provided, skipping datastore registration")
		return ""
	}
	mounted := 0
	for _, h := range hostsRaw {
		hostID, _ := h.(string)
		if hostID == "" {
			continue
		}
		if err := d.Hypervisor.RegisterDatastore(ctx, hostID, datastoreName, fmt.Sprintf("%s:%s", detectedIP, remotePath)); err != nil {
			_ = hctx.AppendConsoleLine(ctx, "WARN", fmt.Sprintf("failed to mount datastore on %s: %v", hostID, err))
			continue
		}
		mounted++
	}
	_ = hctx.AppendConsoleLine(ctx, "INFO", fmt.Sprintf("datastore mounted on %d/%d hosts", mounted, len(hostsRaw)))
	if mounted == 0 {
		return ""
	}
	return datastoreName
}

func fetchZFSTemplate(ctx context.Context, coord *coordinator.Client, templateID string) (zfsTemplate, error) {
	rows, err := coord.Get(ctx, "zfs_target_templates", coordinator.Filter{"id": coordinator.Eq(templateID)}, "*", "", 1)
	if err != nil {
		return zfsTemplate{}, fmt.Errorf("fetch template %s: %w", templateID, err)
	}
	if len(rows) == 0 {
		return zfsTemplate{}, fmt.Errorf("template not found in database: %s", templateID)
	}
	row := rows[0]
	t := zfsTemplate{}
	t.Name, _ = row["name"].(string)
	t.TemplateMoref, _ = row["template_moref"].(string)
	t.Datastore, _ = row["default_datastore"].(string)
	t.Network, _ = row["default_network"].(string)
	t.DefaultSSHUsername, _ = row["default_ssh_username"].(string)
	t.DefaultZFSPool, _ = row["default_zfs_pool"].(string)
	t.DefaultNFSNetwork, _ = row["default_nfs_network"].(string)
	if t.TemplateMoref == "" {
		name := t.Name
		if name == "" {
			name = templateID
		}
		return zfsTemplate{}, fmt.Errorf("template %q has no template_moref configured", name)
	}
	return t, nil
}

// stringOr returns primary if it is a non-empty string, else the first
// non-empty fallback, matching the layered default resolution
// execute_deploy_zfs_target applies (job detail -> template default ->
// hardcoded default).
func stringOr(primary any, fallbacks ...string) string {
	if s, ok := primary.(string); ok && s != "" {
		return s
	}
	for _, f := range fallbacks {
		if f != "" {
			return f
		}
	}
	return ""
}
