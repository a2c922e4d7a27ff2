package sshexec

import (
	"errors"
	"fmt"
	"time"
)

// ErrEmptyCommand rejects empty or whitespace-only commands before any
// connection attempt.
var ErrEmptyCommand = errors.New("command must not be empty")

// ReachabilityError reports a failed TCP preflight; no SSH handshake was
// attempted.
type ReachabilityError struct {
	Host   string
	Port   int
	Reason string
}

func (e *ReachabilityError) Error() string {
	return fmt.Sprintf("host %s:%d unreachable: %s", e.Host, e.Port, e.Reason)
}

// ConnectError reports a failed SSH handshake (network or authentication).
type ConnectError struct {
	Host string
	Port int
	Err  error
}

func (e *ConnectError) Error() string {
	return fmt.Sprintf("ssh connection to %s:%d failed: %v", e.Host, e.Port, e.Err)
}

func (e *ConnectError) Unwrap() error { return e.Err }

// RemoteError reports a command that ran but produced stderr output or a
// missing exit status.
type RemoteError struct {
	ExitCode int
	Stderr   string
}

func (e *RemoteError) Error() string {
	return fmt.Sprintf("remote command failed (exit %d): %s", e.ExitCode, e.Stderr)
}

// TimeoutError reports that the wall-clock budget elapsed before the
// command settled. The remote process may still be running; a best-effort
// abort was issued.
type TimeoutError struct {
	After time.Duration
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("command timed out after %s", e.After)
}

// NotAllowedError rejects a command whose first word is outside the
// configured allow-prefix list.
type NotAllowedError struct {
	Command string
}

func (e *NotAllowedError) Error() string {
	return fmt.Sprintf("command not permitted by allow list: %s", e.Command)
}
