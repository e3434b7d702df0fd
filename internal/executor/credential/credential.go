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

// Package credential resolves a server/target's stored, encrypted
// password into plaintext for the duration of a single remote call
// (spec.md §3, Credential entity: "opaque encrypted blob... decrypted
// in-process using a process-wide symmetric key"). Decryption is
// grounded on pkg/crypto.Encryptor (AES-GCM, PBKDF2-derived key);
// fetching the row is grounded on
// original_source/job_executor/handlers/power.py's
// executor.get_server_credentials call, translated into a coordinator
// GET on the servers/targets resource.
package credential

import (
	"context"
	"fmt"

	"dcjobexec/internal/executor/coordinator"
	execcrypto "dcjobexec/pkg/crypto"
)

// Resolver decrypts credential blobs stored on coordinator rows using a
// single process-wide key. Never logs the decrypted value.
type Resolver struct {
	coord     *coordinator.Client
	encryptor *execcrypto.Encryptor
}

// New constructs a Resolver. cryptoKey is the process-wide passphrase
// (spec.md §1's "process-wide symmetric key"); it is never persisted
// itself, only used to derive the AES key in-process.
func New(coord *coordinator.Client, cryptoKey string) (*Resolver, error) {
	enc, err := execcrypto.NewEncryptor(cryptoKey)
	if err != nil {
		return nil, fmt.Errorf("credential: construct encryptor: %w", err)
	}
	return &Resolver{coord: coord, encryptor: enc}, nil
}

// ServerCredentials fetches and decrypts the username/password pair for
// a server row. Returns an empty username/password (not an error) if the
// server has no credentials on file — matching power.py's "no
// credentials for <ip>" warn-and-skip behavior, which the calling
// handler is responsible for surfacing as a per-target failure rather
// than aborting the whole job.
func (r *Resolver) ServerCredentials(ctx context.Context, serverID string) (username, password string, err error) {
	rows, err := r.coord.Get(ctx, "servers", coordinator.Filter{"id": coordinator.Eq(serverID)}, "username,password_encrypted", "", 1)
	if err != nil {
		return "", "", fmt.Errorf("credential: fetch server %s: %w", serverID, err)
	}
	if len(rows) == 0 {
		return "", "", nil
	}
	username, _ = rows[0]["username"].(string)
	encrypted, _ := rows[0]["password_encrypted"].(string)
	if encrypted == "" {
		return username, "", nil
	}
	password, err = r.encryptor.Decrypt(encrypted)
	if err != nil {
		return "", "", fmt.Errorf("credential: decrypt server %s password: %w", serverID, err)
	}
	return username, password, nil
}

// SSHCredentials fetches and decrypts the username/password pair for a
// storage appliance or ESXi host row (the "targets" resource), the same
// shape as ServerCredentials applied to the SSH-reachable fleet.
func (r *Resolver) SSHCredentials(ctx context.Context, targetID string) (username, password string, err error) {
	rows, err := r.coord.Get(ctx, "targets", coordinator.Filter{"id": coordinator.Eq(targetID)}, "username,password_encrypted", "", 1)
	if err != nil {
		return "", "", fmt.Errorf("credential: fetch target %s: %w", targetID, err)
	}
	if len(rows) == 0 {
		return "", "", nil
	}
	username, _ = rows[0]["username"].(string)
	encrypted, _ := rows[0]["password_encrypted"].(string)
	if encrypted == "" {
		return username, "", nil
	}
	password, err = r.encryptor.Decrypt(encrypted)
	if err != nil {
		return "", "", fmt.Errorf("credential: decrypt target %s password: %w", targetID, err)
	}
	return username, password, nil
}
