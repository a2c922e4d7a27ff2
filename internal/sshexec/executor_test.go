package sshexec

import (
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"encoding/pem"
	"errors"
	"io"
	"net"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	glssh "github.com/gliderlabs/ssh"
	"golang.org/x/crypto/ssh"
)

const testPassword = "hunter2"

func testSSHServer(t *testing.T) int {
	t.Helper()
	srv := &glssh.Server{Handler: func(s glssh.Session) {
		cmd := s.RawCommand()
		switch {
		case cmd == "echo hello":
			io.WriteString(s, "hello\n")
		case cmd == "fail":
			io.WriteString(s.Stderr(), "boom\n")
			s.Exit(2)
		case strings.HasPrefix(cmd, "sleep"):
			time.Sleep(5 * time.Second)
		case strings.HasPrefix(cmd, "pkill"):
			// abort probe from a timed-out invocation
		default:
			io.WriteString(s, cmd+"\n")
		}
	}}
	if err := srv.SetOption(glssh.PasswordAuth(func(ctx glssh.Context, password string) bool {
		return password == testPassword
	})); err != nil {
		t.Fatalf("set option: %v", err)
	}
	if err := srv.SetOption(glssh.PublicKeyAuth(func(ctx glssh.Context, key glssh.PublicKey) bool {
		return true
	})); err != nil {
		t.Fatalf("set option: %v", err)
	}

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	go srv.Serve(ln)
	t.Cleanup(func() { srv.Close() })
	return ln.Addr().(*net.TCPAddr).Port
}

func testExecutor(port int) *Executor {
	return &Executor{
		Target: Target{
			Host:     "127.0.0.1",
			Port:     port,
			User:     "tester",
			Password: testPassword,
		},
		Timeout:      5 * time.Second,
		AbortTimeout: time.Second,
		ProbeTimeout: 2 * time.Second,
	}
}

func TestRun_Success(t *testing.T) {
	e := testExecutor(testSSHServer(t))
	res, err := e.Run(context.Background(), "echo hello")
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if res.Stdout != "hello\n" {
		t.Fatalf("stdout = %q, want %q", res.Stdout, "hello\n")
	}
	if res.ExitCode != 0 {
		t.Fatalf("exit = %d", res.ExitCode)
	}
}

func TestRun_EmptyCommand(t *testing.T) {
	e := testExecutor(1) // port must never be dialed
	for _, cmd := range []string{"", "   ", "\t\n"} {
		if _, err := e.Run(context.Background(), cmd); !errors.Is(err, ErrEmptyCommand) {
			t.Fatalf("command %q: got %v, want ErrEmptyCommand", cmd, err)
		}
	}
}

func TestRun_StderrIsFailure(t *testing.T) {
	e := testExecutor(testSSHServer(t))
	_, err := e.Run(context.Background(), "fail")
	var remote *RemoteError
	if !errors.As(err, &remote) {
		t.Fatalf("got %v, want RemoteError", err)
	}
	if remote.ExitCode != 2 {
		t.Fatalf("exit = %d, want 2", remote.ExitCode)
	}
	if !strings.Contains(remote.Stderr, "boom") {
		t.Fatalf("stderr = %q", remote.Stderr)
	}
}

func TestRun_TimeoutSettlesAtBudget(t *testing.T) {
	e := testExecutor(testSSHServer(t))
	e.Timeout = 500 * time.Millisecond

	started := time.Now()
	_, err := e.Run(context.Background(), "sleep 5")
	elapsed := time.Since(started)

	var timeout *TimeoutError
	if !errors.As(err, &timeout) {
		t.Fatalf("got %v, want TimeoutError", err)
	}
	if elapsed > 3*time.Second {
		t.Fatalf("caller waited %s, should return near the 500ms budget", elapsed)
	}
}

func TestRun_RefusedIsReachabilityError(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	port := ln.Addr().(*net.TCPAddr).Port
	ln.Close()

	e := testExecutor(port)
	_, err = e.Run(context.Background(), "echo hello")
	var reach *ReachabilityError
	if !errors.As(err, &reach) {
		t.Fatalf("got %v, want ReachabilityError", err)
	}
	if !strings.Contains(reach.Reason, "refused") {
		t.Fatalf("reason = %q, want mention of refused", reach.Reason)
	}
}

func TestRun_BadPassword(t *testing.T) {
	e := testExecutor(testSSHServer(t))
	e.Target.Password = "wrong"
	_, err := e.Run(context.Background(), "echo hello")
	var connect *ConnectError
	if !errors.As(err, &connect) {
		t.Fatalf("got %v, want ConnectError", err)
	}
}

func TestRun_KeyAuth(t *testing.T) {
	_, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	block, err := ssh.MarshalPrivateKey(priv, "")
	if err != nil {
		t.Fatalf("marshal key: %v", err)
	}
	keyPath := filepath.Join(t.TempDir(), "id_test")
	if err := os.WriteFile(keyPath, pem.EncodeToMemory(block), 0o600); err != nil {
		t.Fatalf("write key: %v", err)
	}

	e := testExecutor(testSSHServer(t))
	e.Target.Password = ""
	e.Target.KeyPath = keyPath
	res, err := e.Run(context.Background(), "echo hello")
	if err != nil {
		t.Fatalf("run with key: %v", err)
	}
	if res.Stdout != "hello\n" {
		t.Fatalf("stdout = %q", res.Stdout)
	}
}

func TestRun_AllowPrefixes(t *testing.T) {
	e := testExecutor(testSSHServer(t))
	e.AllowPrefixes = []string{"echo"}

	if _, err := e.Run(context.Background(), "echo hello"); err != nil {
		t.Fatalf("allowed command rejected: %v", err)
	}
	_, err := e.Run(context.Background(), "rm -rf /")
	var notAllowed *NotAllowedError
	if !errors.As(err, &notAllowed) {
		t.Fatalf("got %v, want NotAllowedError", err)
	}
}

func TestRun_ConcurrentInvocationsIndependent(t *testing.T) {
	port := testSSHServer(t)

	slow := testExecutor(port)
	slow.Timeout = 700 * time.Millisecond
	fast := testExecutor(port)

	var wg sync.WaitGroup
	var fastElapsed time.Duration
	wg.Add(2)
	go func() {
		defer wg.Done()
		_, _ = slow.Run(context.Background(), "sleep 5")
	}()
	go func() {
		defer wg.Done()
		started := time.Now()
		if _, err := fast.Run(context.Background(), "echo hello"); err != nil {
			t.Errorf("fast run: %v", err)
		}
		fastElapsed = time.Since(started)
	}()
	wg.Wait()

	if fastElapsed > 500*time.Millisecond {
		t.Fatalf("fast invocation blocked for %s behind the slow one", fastElapsed)
	}
}
