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
	"bytes"
	"context"
	"fmt"
	"net"
	"strings"
	"time"

	"golang.org/x/crypto/ssh"

	"dcjobexec/internal/executor/audit"
)

// SSHEndpoint identifies a host reachable over SSH: a ZFS storage
// appliance or an ESXi management interface. Grounded on
// original_source/job_executor/esxi/ssh_client.py's EsxiSshClient
// (connect with AutoAddPolicy, no agent/key lookup, password auth only —
// translated here to ssh.InsecureIgnoreHostKey, matching the fleet's
// no-known-hosts posture).
type SSHEndpoint struct {
	Key      string // audit/cache key, typically host
	Host     string
	Port     int
	Username string
	Password string
	Timeout  time.Duration
}

func (e SSHEndpoint) addr() string {
	port := e.Port
	if port == 0 {
		port = 22
	}
	return net.JoinHostPort(e.Host, fmt.Sprintf("%d", port))
}

// SSHAdapter runs commands on ZFS appliances and ESXi hosts, auditing
// every invocation. Each call opens and tears down its own connection
// rather than pooling, matching the reference client's per-operation
// connect/disconnect lifecycle (ssh_client.py's connect/execute_command/
// disconnect calling convention).
type SSHAdapter struct {
	Audit *audit.Log
}

func NewSSHAdapter(auditLog *audit.Log) *SSHAdapter {
	return &SSHAdapter{Audit: auditLog}
}

// CommandResult mirrors the reference client's (exit_code, stdout,
// stderr) tuple.
type CommandResult struct {
	ExitCode int
	Stdout   string
	Stderr   string
}

// Run executes command on ep, returning its exit code and captured
// output. Connection and auth failures are distinguished from a non-zero
// remote exit code: only the former is returned as err.
func (a *SSHAdapter) Run(ctx context.Context, ep SSHEndpoint, jobID, resourceID, command string) (CommandResult, error) {
	var result CommandResult
	err := a.Audit.RecordCall(ctx, jobID, resourceID, "SSH", command, func() (int, error) {
		timeout := ep.Timeout
		if timeout <= 0 {
			timeout = 30 * time.Second
		}
		cfg := &ssh.ClientConfig{
			User:            ep.Username,
			Auth:            []ssh.AuthMethod{ssh.Password(ep.Password)},
			HostKeyCallback: ssh.InsecureIgnoreHostKey(), // nolint:gosec // fleet has no known_hosts distribution, spec.md §4.3/§9
			Timeout:         timeout,
		}

		dialer := net.Dialer{Timeout: timeout}
		conn, err := dialer.DialContext(ctx, "tcp", ep.addr())
		if err != nil {
			return 0, fmt.Errorf("adapters: dial %s: %w", ep.addr(), err)
		}
		sshConn, chans, reqs, err := ssh.NewClientConn(conn, ep.addr(), cfg)
		if err != nil {
			conn.Close()
			return 0, fmt.Errorf("adapters: ssh handshake %s: %w", ep.addr(), err)
		}
		client := ssh.NewClient(sshConn, chans, reqs)
		defer client.Close()

		session, err := client.NewSession()
		if err != nil {
			return 0, fmt.Errorf("adapters: ssh new session: %w", err)
		}
		defer session.Close()

		var stdout, stderr bytes.Buffer
		session.Stdout = &stdout
		session.Stderr = &stderr

		runErr := session.Run(command)
		result.Stdout = stdout.String()
		result.Stderr = stderr.String()
		result.ExitCode = 0
		if runErr != nil {
			if exitErr, ok := runErr.(*ssh.ExitError); ok {
				result.ExitCode = exitErr.ExitStatus()
				return result.ExitCode, nil // non-zero exit is a result, not a transport failure
			}
			return -1, fmt.Errorf("adapters: ssh run %q: %w", command, runErr)
		}
		return 0, nil
	})
	return result, err
}

// ESXiVersion parses `vmware -v` output the way
// EsxiSshClient.get_esxi_version does ("VMware ESXi 8.0.2
// build-22380479" -> version, build).
func ESXiVersion(output string) (version, build string) {
	parts := strings.Fields(strings.TrimSpace(output))
	if len(parts) > 2 {
		version = parts[2]
	}
	if len(parts) > 3 {
		build = parts[3]
	}
	return version, build
}
