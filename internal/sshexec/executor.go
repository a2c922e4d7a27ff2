// Package sshexec runs exactly one shell command per freshly opened SSH
// connection, with a settle-once state machine covering normal
// completion, connection errors, and the wall-clock timeout.
package sshexec

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/kballard/go-shellquote"
	"golang.org/x/crypto/ssh"

	"github.com/antonkrylov/sshgate/internal/probe"
)

// Runner is the capability the gateway depends on. A Runner executes one
// command and settles with exactly one outcome.
type Runner interface {
	Run(ctx context.Context, command string) (Result, error)
}

// Result is the success outcome of one invocation.
type Result struct {
	Stdout   string
	ExitCode int
	Duration time.Duration
}

// Target holds the SSH connection parameters. Key takes precedence over
// password when both are present.
type Target struct {
	Host     string
	Port     int
	User     string
	Password string
	KeyPath  string
}

// Executor opens one SSH connection per Run call. Connections are never
// pooled or shared.
type Executor struct {
	Target        Target
	Timeout       time.Duration
	AbortTimeout  time.Duration
	ProbeTimeout  time.Duration
	AllowPrefixes []string
	Logger        *slog.Logger
}

type outcome struct {
	res Result
	err error
}

// Run validates the command, preflights the target, then executes the
// command verbatim on one exec channel. It returns after at most
// Timeout; the best-effort remote abort on timeout runs in the
// background and never delays the caller.
func (e *Executor) Run(ctx context.Context, command string) (Result, error) {
	if strings.TrimSpace(command) == "" {
		return Result{}, ErrEmptyCommand
	}
	if err := checkAllowed(command, e.AllowPrefixes); err != nil {
		return Result{}, err
	}

	if r := probe.Check(ctx, e.Target.Host, e.Target.Port, e.ProbeTimeout); !r.OK {
		return Result{}, &ReachabilityError{Host: e.Target.Host, Port: e.Target.Port, Reason: r.Reason}
	}

	clientCfg, err := e.clientConfig()
	if err != nil {
		return Result{}, &ConnectError{Host: e.Target.Host, Port: e.Target.Port, Err: err}
	}
	addr := fmt.Sprintf("%s:%d", e.Target.Host, e.Target.Port)
	client, err := ssh.Dial("tcp", addr, clientCfg)
	if err != nil {
		return Result{}, &ConnectError{Host: e.Target.Host, Port: e.Target.Port, Err: err}
	}

	sess, err := client.NewSession()
	if err != nil {
		_ = client.Close()
		return Result{}, &ConnectError{Host: e.Target.Host, Port: e.Target.Port, Err: err}
	}

	var stdout, stderr bytes.Buffer
	sess.Stdout = &stdout
	sess.Stderr = &stderr

	// Exactly-once settlement: every terminating path goes through
	// settle, and only the first caller wins.
	settleCh := make(chan outcome, 1)
	var once sync.Once
	settle := func(res Result, err error) {
		once.Do(func() { settleCh <- outcome{res: res, err: err} })
	}

	started := time.Now()
	go func() {
		runErr := sess.Run(command)
		settle(e.classify(runErr, &stdout, &stderr, started))
	}()

	timer := time.NewTimer(e.Timeout)
	defer timer.Stop()

	select {
	case out := <-settleCh:
		_ = sess.Close()
		_ = client.Close()
		return out.res, out.err
	case <-timer.C:
		settle(Result{}, &TimeoutError{After: e.Timeout})
		out := <-settleCh
		go e.abortAndClose(client, sess, command)
		return out.res, out.err
	case <-ctx.Done():
		settle(Result{}, &ConnectError{Host: e.Target.Host, Port: e.Target.Port, Err: ctx.Err()})
		out := <-settleCh
		_ = sess.Close()
		_ = client.Close()
		return out.res, out.err
	}
}

// classify turns the exec channel close into the settled outcome.
// Non-empty stderr is a failure regardless of exit status; anything that
// is not a clean exit record is a connection error.
func (e *Executor) classify(runErr error, stdout, stderr *bytes.Buffer, started time.Time) (Result, error) {
	code := 0
	if runErr != nil {
		var exitErr *ssh.ExitError
		var missing *ssh.ExitMissingError
		switch {
		case errors.As(runErr, &exitErr):
			code = exitErr.ExitStatus()
		case errors.As(runErr, &missing):
			code = -1
		default:
			return Result{}, &ConnectError{Host: e.Target.Host, Port: e.Target.Port, Err: runErr}
		}
	}
	if stderr.Len() > 0 {
		return Result{}, &RemoteError{ExitCode: code, Stderr: stderr.String()}
	}
	return Result{Stdout: stdout.String(), ExitCode: code, Duration: time.Since(started)}, nil
}

// abortAndClose signals the remote process by pattern and then forces the
// connection closed. Cleanup only: its own errors are swallowed and the
// caller has already been answered.
func (e *Executor) abortAndClose(client *ssh.Client, main *ssh.Session, command string) {
	defer func() {
		_ = main.Close()
		_ = client.Close()
	}()
	abort, err := client.NewSession()
	if err != nil {
		return
	}
	defer abort.Close()

	kill := "pkill -f " + shellquote.Join(command)
	done := make(chan struct{})
	go func() {
		_ = abort.Run(kill)
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(e.AbortTimeout):
	}
	if e.Logger != nil {
		e.Logger.Debug("issued remote abort", "host", e.Target.Host, "pattern", command)
	}
}

func (e *Executor) clientConfig() (*ssh.ClientConfig, error) {
	var auth []ssh.AuthMethod
	if e.Target.KeyPath != "" {
		key, err := os.ReadFile(e.Target.KeyPath)
		if err != nil {
			return nil, fmt.Errorf("read private key: %w", err)
		}
		signer, err := ssh.ParsePrivateKey(key)
		if err != nil {
			return nil, fmt.Errorf("parse private key: %w", err)
		}
		auth = append(auth, ssh.PublicKeys(signer))
	}
	if e.Target.Password != "" {
		auth = append(auth, ssh.Password(e.Target.Password))
	}
	if len(auth) == 0 {
		return nil, errors.New("no authentication method configured")
	}
	return &ssh.ClientConfig{
		User:            e.Target.User,
		Auth:            auth,
		HostKeyCallback: ssh.InsecureIgnoreHostKey(),
		Timeout:         e.ProbeTimeout,
	}, nil
}

func checkAllowed(command string, prefixes []string) error {
	if len(prefixes) == 0 {
		return nil
	}
	words, err := shellquote.Split(command)
	if err != nil || len(words) == 0 {
		return &NotAllowedError{Command: command}
	}
	for _, p := range prefixes {
		if words[0] == p {
			return nil
		}
	}
	return &NotAllowedError{Command: command}
}
