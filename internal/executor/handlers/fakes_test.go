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
	"crypto/ed25519"
	cryptorand "crypto/rand"
	"encoding/json"
	"net"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"sync"
	"testing"

	"golang.org/x/crypto/ssh"

	"dcjobexec/internal/executor/adapters"
	"dcjobexec/internal/executor/audit"
	"dcjobexec/internal/executor/coordinator"
)

// fakeCoordinator is a minimal in-memory PostgREST stand-in: resources are
// keyed by name, rows matched against eq./in./is.null filters well enough
// to drive the handlers under test.
type fakeCoordinator struct {
	mu        sync.Mutex
	resources map[string][]map[string]any
	notified  []map[string]any
}

func newFakeCoordinator() *fakeCoordinator {
	return &fakeCoordinator{resources: map[string][]map[string]any{}}
}

func (f *fakeCoordinator) seed(resource string, rows ...map[string]any) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.resources[resource] = append(f.resources[resource], rows...)
}

func trimOp(v string) string {
	if idx := strings.IndexByte(v, '.'); idx >= 0 {
		return v[idx+1:]
	}
	return v
}

func rowMatches(row map[string]any, query map[string][]string) bool {
	for field, ops := range query {
		switch field {
		case "select", "order", "limit", "or":
			continue
		}
		value := row[field]
		if parent, key, ok := strings.Cut(field, "->>"); ok {
			nested, _ := row[parent].(map[string]any)
			value = nested[key]
		}
		for _, op := range ops {
			switch {
			case op == "is.null":
				if value != nil {
					return false
				}
			case strings.HasPrefix(op, "eq."):
				want := trimOp(op)
				got := ""
				switch v := value.(type) {
				case string:
					got = v
				case bool:
					got = strconv.FormatBool(v)
				case nil:
					got = ""
				default:
					data, _ := json.Marshal(v)
					got = string(data)
				}
				if got != want {
					return false
				}
			case strings.HasPrefix(op, "in.("):
				want := strings.TrimSuffix(strings.TrimPrefix(op, "in.("), ")")
				got, _ := value.(string)
				found := false
				for _, w := range strings.Split(want, ",") {
					if w == got {
						found = true
					}
				}
				if !found {
					return false
				}
			}
		}
	}
	return true
}

func (f *fakeCoordinator) handler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		f.mu.Lock()
		defer f.mu.Unlock()
		w.Header().Set("Content-Type", "application/json")

		if strings.HasPrefix(r.URL.Path, "/functions/v1/") {
			var payload map[string]any
			_ = json.NewDecoder(r.Body).Decode(&payload)
			f.notified = append(f.notified, payload)
			_ = json.NewEncoder(w).Encode([]map[string]any{})
			return
		}

		resource := strings.TrimPrefix(r.URL.Path, "/rest/v1/")
		switch r.Method {
		case http.MethodGet:
			var rows []map[string]any
			for _, row := range f.resources[resource] {
				if rowMatches(row, r.URL.Query()) {
					rows = append(rows, row)
				}
			}
			_ = json.NewEncoder(w).Encode(rows)
		case http.MethodPost:
			var body map[string]any
			_ = json.NewDecoder(r.Body).Decode(&body)
			if _, ok := body["id"]; !ok {
				body["id"] = strconv.Itoa(len(f.resources[resource]) + 1)
			}
			f.resources[resource] = append(f.resources[resource], body)
			_ = json.NewEncoder(w).Encode([]map[string]any{body})
		case http.MethodPatch:
			var patch map[string]any
			_ = json.NewDecoder(r.Body).Decode(&patch)
			var updated []map[string]any
			for _, row := range f.resources[resource] {
				if !rowMatches(row, r.URL.Query()) {
					continue
				}
				for k, v := range patch {
					row[k] = v
				}
				updated = append(updated, row)
			}
			_ = json.NewEncoder(w).Encode(updated)
		default:
			_ = json.NewEncoder(w).Encode([]map[string]any{})
		}
	}
}

func newTestCoordinator(t *testing.T, f *fakeCoordinator) *coordinator.Client {
	t.Helper()
	srv := httptest.NewServer(f.handler())
	t.Cleanup(srv.Close)
	return coordinator.New(srv.URL, "token", "key", "test-secret", nil)
}

type nullPoster struct{}

func (nullPoster) Post(ctx context.Context, resource string, body map[string]any, returnRepresentation bool) ([]map[string]any, error) {
	return nil, nil
}

func newTestSSHAdapter() *adapters.SSHAdapter {
	return adapters.NewSSHAdapter(audit.New(nullPoster{}, nil))
}

// fakeSSHServer accepts repeated connections (unlike a single-shot
// listener) since handlers like deployZFSTarget issue many sequential
// commands against the same endpoint, each over its own connection
// (SSHAdapter.Run's per-call connect/disconnect lifecycle).
type fakeSSHServer struct {
	mu        sync.Mutex
	responses map[string]string // command substring -> stdout
	exitCodes map[string]uint32
}

func startFakeSSHServer(t *testing.T) (addr string, srv *fakeSSHServer) {
	t.Helper()
	_, priv, err := ed25519.GenerateKey(cryptorand.Reader)
	if err != nil {
		t.Fatalf("generate host key: %v", err)
	}
	signer, err := ssh.NewSignerFromKey(priv)
	if err != nil {
		t.Fatalf("signer: %v", err)
	}
	cfg := &ssh.ServerConfig{
		PasswordCallback: func(conn ssh.ConnMetadata, password []byte) (*ssh.Permissions, error) {
			return nil, nil
		},
	}
	cfg.AddHostKey(signer)

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	t.Cleanup(func() { ln.Close() })

	s := &fakeSSHServer{responses: map[string]string{}, exitCodes: map[string]uint32{}}

	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			go s.serveConn(cfg, conn)
		}
	}()

	return ln.Addr().String(), s
}

func (s *fakeSSHServer) serveConn(cfg *ssh.ServerConfig, conn net.Conn) {
	sshConn, chans, reqs, err := ssh.NewServerConn(conn, cfg)
	if err != nil {
		return
	}
	defer sshConn.Close()
	go ssh.DiscardRequests(reqs)
	for newChan := range chans {
		if newChan.ChannelType() != "session" {
			newChan.Reject(ssh.UnknownChannelType, "unsupported")
			continue
		}
		channel, requests, err := newChan.Accept()
		if err != nil {
			continue
		}
		go func() {
			for req := range requests {
				if req.Type != "exec" {
					req.Reply(false, nil)
					continue
				}
				var payload struct{ Command string }
				ssh.Unmarshal(req.Payload, &payload)
				s.mu.Lock()
				reply, exit := s.reply(payload.Command)
				s.mu.Unlock()
				channel.Write([]byte(reply))
				req.Reply(true, nil)
				channel.SendRequest("exit-status", false, ssh.Marshal(struct{ Status uint32 }{exit}))
				channel.Close()
			}
		}()
	}
}

// reply returns the configured response for the first registered command
// substring found in command, defaulting to ("", 0).
func (s *fakeSSHServer) reply(command string) (string, uint32) {
	for substr, out := range s.responses {
		if strings.Contains(command, substr) {
			return out, s.exitCodes[substr]
		}
	}
	return "", 0
}

func (s *fakeSSHServer) on(substr, stdout string, exitCode uint32) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.responses[substr] = stdout
	s.exitCodes[substr] = exitCode
}

func sshEndpoint(addr, username, password string) adapters.SSHEndpoint {
	host, portStr, _ := net.SplitHostPort(addr)
	port, _ := strconv.Atoi(portStr)
	return adapters.SSHEndpoint{Key: host, Host: host, Port: port, Username: username, Password: password}
}
