package adapters

import (
	"context"
	"crypto/ed25519"
	cryptorand "crypto/rand"
	"net"
	"strconv"
	"testing"
	"time"

	"golang.org/x/crypto/ssh"

	"dcjobexec/internal/executor/audit"
)

func mustGenerateTestKey(t *testing.T) ed25519.PrivateKey {
	t.Helper()
	_, priv, err := ed25519.GenerateKey(cryptorand.Reader)
	if err != nil {
		t.Fatalf("generate test host key: %v", err)
	}
	return priv
}

// startFakeSSHServer runs a minimal in-process SSH server that accepts any
// password and, for every "exec" request, writes reply to stdout and exits
// with exitCode. It returns the listener address; the listener is closed
// through t.Cleanup.
func startFakeSSHServer(t *testing.T, reply string, exitCode uint32) string {
	t.Helper()

	signer, err := ssh.NewSignerFromKey(mustGenerateTestKey(t))
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

	go func() {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
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
					if req.Type == "exec" {
						channel.Write([]byte(reply))
						req.Reply(true, nil)
						channel.SendRequest("exit-status", false, ssh.Marshal(struct{ Status uint32 }{exitCode}))
						channel.Close()
					} else {
						req.Reply(false, nil)
					}
				}
			}()
		}
	}()

	return ln.Addr().String()
}

func TestSSHAdapterRunCapturesOutputAndExitCode(t *testing.T) {
	addr := startFakeSSHServer(t, "VMware ESXi 8.0.2 build-22380479\n", 0)
	host, port, _ := net.SplitHostPort(addr)

	a := NewSSHAdapter(audit.New(nullPoster{}, nil))
	p, err := strconv.Atoi(port)
	if err != nil {
		t.Fatalf("parse port: %v", err)
	}

	ep := SSHEndpoint{Key: host, Host: host, Port: p, Username: "root", Password: "x", Timeout: 5 * time.Second}
	result, err := a.Run(context.Background(), ep, "job-1", "appliance-1", "vmware -v")
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if result.ExitCode != 0 {
		t.Errorf("exit code = %d, want 0", result.ExitCode)
	}
	version, build := ESXiVersion(result.Stdout)
	if version != "8.0.2" || build != "build-22380479" {
		t.Errorf("ESXiVersion = (%q, %q)", version, build)
	}
}

func TestSSHAdapterRunReportsNonZeroExit(t *testing.T) {
	addr := startFakeSSHServer(t, "", 1)
	host, port, _ := net.SplitHostPort(addr)

	a := NewSSHAdapter(audit.New(nullPoster{}, nil))
	p, err := strconv.Atoi(port)
	if err != nil {
		t.Fatalf("parse port: %v", err)
	}

	ep := SSHEndpoint{Key: host, Host: host, Port: p, Username: "root", Password: "x", Timeout: 5 * time.Second}
	result, err := a.Run(context.Background(), ep, "job-2", "appliance-2", "false")
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if result.ExitCode != 1 {
		t.Errorf("exit code = %d, want 1", result.ExitCode)
	}
}
