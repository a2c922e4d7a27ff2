// Package gateway accepts MCP sessions over two transport models (SSE
// dual-endpoint and streamable single-endpoint HTTP), correlates them to
// the session registry, and bridges each to its own RPC engine instance.
package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/antonkrylov/sshgate/internal/audit"
	"github.com/antonkrylov/sshgate/internal/config"
	"github.com/antonkrylov/sshgate/internal/probe"
	"github.com/antonkrylov/sshgate/internal/sshexec"
)

// Version identifies the gateway build on the RPC surface.
const Version = "1.0.0"

// Engine wraps one MCP server instance; each session owns exactly one.
type Engine struct {
	srv    *server.MCPServer
	cfg    *config.Config
	runner sshexec.Runner
	audit  *audit.Log
	log    *slog.Logger

	sessionID string
}

func newEngine(cfg *config.Config, runner sshexec.Runner, auditLog *audit.Log, log *slog.Logger) *Engine {
	e := &Engine{
		cfg:    cfg,
		runner: runner,
		audit:  auditLog,
		log:    log,
	}
	srv := server.NewMCPServer("sshgate", Version,
		server.WithToolCapabilities(false),
		server.WithInstructions("Executes shell commands on the configured remote host over SSH."),
	)
	srv.AddTool(mcp.NewTool("exec",
		mcp.WithDescription("Execute a shell command on the remote host and return its stdout"),
		mcp.WithString("command",
			mcp.Required(),
			mcp.Description("Shell command, passed verbatim to the remote shell"),
		),
	), e.handleExec)
	srv.AddTool(mcp.NewTool("server_info",
		mcp.WithDescription("Return gateway transport, target, protocol version, and current time"),
	), e.handleServerInfo)
	e.srv = srv
	return e
}

// BindSession attaches the session identity once it is minted; called
// before the first message is dispatched.
func (e *Engine) BindSession(id string) { e.sessionID = id }

// Handle dispatches one raw JSON-RPC message and returns the raw
// response, or nil for notifications.
func (e *Engine) Handle(ctx context.Context, msg json.RawMessage) (json.RawMessage, error) {
	resp := e.srv.HandleMessage(ctx, msg)
	if resp == nil {
		return nil, nil
	}
	return json.Marshal(resp)
}

func (e *Engine) handleExec(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	command, err := req.RequireString("command")
	if err != nil {
		return mcp.NewToolResultError("command must be a non-empty string"), nil
	}
	started := time.Now()
	res, runErr := e.runner.Run(ctx, command)
	e.record(command, started, res, runErr)
	if runErr != nil {
		return mcp.NewToolResultError(e.describe(runErr)), nil
	}
	return mcp.NewToolResultText(res.Stdout), nil
}

type serverInfo struct {
	Transport       string `json:"transport"`
	TargetHost      string `json:"targetHost"`
	TargetPort      int    `json:"targetPort"`
	ProtocolVersion string `json:"protocolVersion"`
	Timestamp       string `json:"timestamp"`
}

func (e *Engine) handleServerInfo(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	info := serverInfo{
		Transport:       e.cfg.Transport,
		TargetHost:      e.cfg.SSHHost,
		TargetPort:      e.cfg.SSHPort,
		ProtocolVersion: mcp.LATEST_PROTOCOL_VERSION,
		Timestamp:       time.Now().UTC().Format(time.RFC3339),
	}
	b, err := json.Marshal(info)
	if err != nil {
		return nil, err
	}
	return mcp.NewToolResultText(string(b)), nil
}

// describe maps executor failures to the messages surfaced to the
// caller, including the alternate-port hint for unreachable targets.
func (e *Engine) describe(err error) string {
	var reach *sshexec.ReachabilityError
	if errors.As(err, &reach) {
		msg := err.Error()
		if alt := probe.AlternatePort(reach.Port); alt != 0 {
			msg += fmt.Sprintf(" (is sshd listening? try port %d)", alt)
		}
		return msg
	}
	return err.Error()
}

func (e *Engine) record(command string, started time.Time, res sshexec.Result, runErr error) {
	if e.audit == nil {
		return
	}
	rec := audit.Record{
		SessionID:  e.sessionID,
		Command:    command,
		Outcome:    classify(runErr),
		ExitCode:   res.ExitCode,
		StartedAt:  started,
		DurationMS: time.Since(started).Milliseconds(),
	}
	if runErr != nil {
		rec.Detail = runErr.Error()
		var remote *sshexec.RemoteError
		if errors.As(runErr, &remote) {
			rec.ExitCode = remote.ExitCode
		}
	}
	if err := e.audit.Append(rec); err != nil {
		e.log.Warn("audit append failed", "session", e.sessionID, "err", err)
	}
}

func classify(err error) string {
	if err == nil {
		return audit.OutcomeSuccess
	}
	var (
		timeoutErr *sshexec.TimeoutError
		remoteErr  *sshexec.RemoteError
		notAllowed *sshexec.NotAllowedError
	)
	switch {
	case errors.As(err, &timeoutErr):
		return audit.OutcomeTimeout
	case errors.As(err, &remoteErr):
		return audit.OutcomeRemoteError
	case errors.As(err, &notAllowed), errors.Is(err, sshexec.ErrEmptyCommand):
		return audit.OutcomeRejected
	default:
		return audit.OutcomeConnectErr
	}
}
