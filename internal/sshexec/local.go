package sshexec

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os/exec"
	"strings"
	"time"
)

// LocalRunner executes the command on the gateway's own host instead of
// over SSH. Diagnostic use only; it applies the same validation, timeout,
// and stderr policy as the remote executor.
type LocalRunner struct {
	Timeout       time.Duration
	AllowPrefixes []string
	Logger        *slog.Logger
}

// Run executes the command with `sh -c`, bounded by Timeout.
func (l *LocalRunner) Run(ctx context.Context, command string) (Result, error) {
	if strings.TrimSpace(command) == "" {
		return Result{}, ErrEmptyCommand
	}
	if err := checkAllowed(command, l.AllowPrefixes); err != nil {
		return Result{}, err
	}

	runCtx, cancel := context.WithTimeout(ctx, l.Timeout)
	defer cancel()

	cmd := exec.CommandContext(runCtx, "sh", "-c", command)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	started := time.Now()
	runErr := cmd.Run()
	if errors.Is(runCtx.Err(), context.DeadlineExceeded) {
		return Result{}, &TimeoutError{After: l.Timeout}
	}

	code := 0
	if runErr != nil {
		var exitErr *exec.ExitError
		if errors.As(runErr, &exitErr) {
			code = exitErr.ExitCode()
		} else {
			return Result{}, fmt.Errorf("start local command: %w", runErr)
		}
	}
	if stderr.Len() > 0 {
		return Result{}, &RemoteError{ExitCode: code, Stderr: stderr.String()}
	}
	if l.Logger != nil {
		l.Logger.Debug("local command finished", "exit", code)
	}
	return Result{Stdout: stdout.String(), ExitCode: code, Duration: time.Since(started)}, nil
}
