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

package adapters

import (
	"context"
	"errors"
	"time"
)

// ErrHypervisorRPCNotImplemented is returned by StubHypervisor for every
// method. The vCenter/ESXi govmomi RPC surface is out of scope (spec.md
// §1 "Non-goals" names the hypervisor control plane as external); this
// package specifies the shape the zfs_deploy and esxi_upgrade handlers
// call through, grounded on
// original_source/job_executor/handlers/zfs_target.py's
// execute_deploy_zfs_target phase table (clone, power_on, wait for
// VMware Tools, wait for guest IP), without vendoring a vSphere SDK.
var ErrHypervisorRPCNotImplemented = errors.New("adapters: hypervisor RPC not implemented in this build")

// CloneSpec describes a template-to-VM clone request.
type CloneSpec struct {
	TemplateID string
	Name       string
	Datastore  string
	Network    string
}

// Hypervisor is the narrow RPC surface the deploy_zfs_target and related
// handlers drive against vCenter/ESXi. Implementations live outside this
// repository's scope; StubHypervisor below satisfies the interface so
// the handler package compiles and its control flow can be tested with a
// fake.
type Hypervisor interface {
	CloneVM(ctx context.Context, spec CloneSpec) (vmID string, err error)
	PowerOnVM(ctx context.Context, vmID string) error
	PowerOffVM(ctx context.Context, vmID string) error
	WaitForTools(ctx context.Context, vmID string, timeout time.Duration) error
	WaitForGuestIP(ctx context.Context, vmID string, timeout time.Duration) (ip string, err error)
	RegisterDatastore(ctx context.Context, hostID, datastoreName, nfsExport string) error
	EnterMaintenanceMode(ctx context.Context, hostID string) error
	ExitMaintenanceMode(ctx context.Context, hostID string) error
}

// StubHypervisor reports ErrHypervisorRPCNotImplemented for every
// operation. Wiring a real govmomi-backed implementation behind this
// interface is out of scope (spec.md §1).
type StubHypervisor struct{}

var _ Hypervisor = StubHypervisor{}

func (StubHypervisor) CloneVM(ctx context.Context, spec CloneSpec) (string, error) {
	return "", ErrHypervisorRPCNotImplemented
}

func (StubHypervisor) PowerOnVM(ctx context.Context, vmID string) error {
	return ErrHypervisorRPCNotImplemented
}

func (StubHypervisor) PowerOffVM(ctx context.Context, vmID string) error {
	return ErrHypervisorRPCNotImplemented
}

func (StubHypervisor) WaitForTools(ctx context.Context, vmID string, timeout time.Duration) error {
	return ErrHypervisorRPCNotImplemented
}

func (StubHypervisor) WaitForGuestIP(ctx context.Context, vmID string, timeout time.Duration) (string, error) {
	return "", ErrHypervisorRPCNotImplemented
}

func (StubHypervisor) RegisterDatastore(ctx context.Context, hostID, datastoreName, nfsExport string) error {
	return ErrHypervisorRPCNotImplemented
}

func (StubHypervisor) EnterMaintenanceMode(ctx context.Context, hostID string) error {
	return ErrHypervisorRPCNotImplemented
}

func (StubHypervisor) ExitMaintenanceMode(ctx context.Context, hostID string) error {
	return ErrHypervisorRPCNotImplemented
}
