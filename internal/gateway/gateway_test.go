package gateway

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/antonkrylov/sshgate/internal/config"
	"github.com/antonkrylov/sshgate/internal/sshexec"
)

const initializePayload = `{"jsonrpc":"2.0","id":1,"method":"initialize","params":{"protocolVersion":"2025-03-26","capabilities":{},"clientInfo":{"name":"test-client","version":"0.0.1"}}}`

func execPayload(id int, command string) string {
	return fmt.Sprintf(`{"jsonrpc":"2.0","id":%d,"method":"tools/call","params":{"name":"exec","arguments":{"command":%q}}}`, id, command)
}

func infoPayload(id int) string {
	return fmt.Sprintf(`{"jsonrpc":"2.0","id":%d,"method":"tools/call","params":{"name":"server_info","arguments":{}}}`, id)
}

func testConfig(transport string) *config.Config {
	cfg := &config.Config{
		Transport:   transport,
		SSHHost:     "target.example.com",
		SSHUser:     "ops",
		SSHPassword: "secret",
	}
	cfg.FillDefaults()
	return cfg
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// stubRunner settles every command locally so transport tests never
// touch the network.
type stubRunner struct {
	mu    sync.Mutex
	err   error
	delay map[string]time.Duration
	calls []string
}

func (r *stubRunner) Run(ctx context.Context, command string) (sshexec.Result, error) {
	if strings.TrimSpace(command) == "" {
		return sshexec.Result{}, sshexec.ErrEmptyCommand
	}
	r.mu.Lock()
	d := r.delay[command]
	r.calls = append(r.calls, command)
	err := r.err
	r.mu.Unlock()
	if d > 0 {
		select {
		case <-time.After(d):
		case <-ctx.Done():
			return sshexec.Result{}, ctx.Err()
		}
	}
	if err != nil {
		return sshexec.Result{}, err
	}
	return sshexec.Result{Stdout: command + "\n"}, nil
}

func (r *stubRunner) callCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.calls)
}

// readEvent parses one SSE event from the stream, skipping keep-alive
// pings.
func readEvent(t *testing.T, br *bufio.Reader) (string, string) {
	t.Helper()
	for {
		var event, data string
		for {
			line, err := br.ReadString('\n')
			if err != nil {
				t.Fatalf("read event stream: %v", err)
			}
			line = strings.TrimRight(line, "\n")
			if line == "" {
				break
			}
			if v, ok := strings.CutPrefix(line, "event: "); ok {
				event = v
			}
			if v, ok := strings.CutPrefix(line, "data: "); ok {
				data = v
			}
		}
		if event == "ping" {
			continue
		}
		return event, data
	}
}
