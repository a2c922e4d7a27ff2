// Package probe answers one question: does host:port accept a TCP
// connection within a bound. It runs before the SSH handshake so that an
// unreachable target produces an actionable message instead of an opaque
// handshake failure.
package probe

import (
	"context"
	"errors"
	"net"
	"strconv"
	"syscall"
	"time"
)

// Result is the outcome of one check. Reason is empty when OK.
type Result struct {
	OK     bool
	Reason string
}

// Check dials host:port with the given bound. It never returns an error;
// every failure mode collapses into a Result. The transient socket is
// closed before returning.
func Check(ctx context.Context, host string, port int, bound time.Duration) Result {
	d := net.Dialer{Timeout: bound}
	conn, err := d.DialContext(ctx, "tcp", net.JoinHostPort(host, strconv.Itoa(port)))
	if err == nil {
		_ = conn.Close()
		return Result{OK: true}
	}
	return Result{Reason: reason(err)}
}

func reason(err error) string {
	var nerr net.Error
	if errors.As(err, &nerr) && nerr.Timeout() {
		return "timeout"
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return "timeout"
	}
	if errors.Is(err, syscall.ECONNREFUSED) {
		return "connection refused"
	}
	return err.Error()
}

// AlternatePort suggests the other commonly used SSH port, or 0 when
// there is no suggestion to make.
func AlternatePort(port int) int {
	switch port {
	case 22:
		return 2222
	case 2222:
		return 22
	default:
		return 0
	}
}
