package main

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/antonkrylov/sshgate/internal/audit"
	"github.com/antonkrylov/sshgate/internal/config"
	"github.com/antonkrylov/sshgate/internal/gateway"
	"github.com/antonkrylov/sshgate/internal/sshexec"
)

func newServeCmd(opts *rootOptions) *cobra.Command {
	var cfg config.Config
	var configPath string

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the gateway",
		RunE: func(cmd *cobra.Command, _ []string) error {
			logger := opts.logger()
			cfg.LogJSON = opts.logJSON

			cfg.ApplyEnv()
			file, err := config.LoadFile(configPath)
			if err != nil {
				return err
			}
			cfg.Merge(file)
			cfg.ApplySSHConfigDefaults()
			cfg.FillDefaults()

			if !cfg.LocalExec && cfg.SSHPassword == "" && cfg.SSHKeyPath == "" {
				if pass, ok := promptPassword(cfg.SSHUser, cfg.SSHHost); ok {
					cfg.SSHPassword = pass
				}
			}
			if err := cfg.Validate(); err != nil {
				logger.Error("configuration rejected", "err", err)
				return err
			}

			var runner sshexec.Runner
			if cfg.LocalExec {
				logger.Warn("local execution fallback enabled: commands run on this host, not over SSH")
				runner = &sshexec.LocalRunner{
					Timeout:       cfg.CommandTimeout,
					AllowPrefixes: cfg.CommandAllowPrefixes,
					Logger:        logger,
				}
			} else {
				runner = &sshexec.Executor{
					Target: sshexec.Target{
						Host:     cfg.SSHHost,
						Port:     cfg.SSHPort,
						User:     cfg.SSHUser,
						Password: cfg.SSHPassword,
						KeyPath:  cfg.SSHKeyPath,
					},
					Timeout:       cfg.CommandTimeout,
					AbortTimeout:  cfg.AbortTimeout,
					ProbeTimeout:  cfg.ProbeTimeout,
					AllowPrefixes: cfg.CommandAllowPrefixes,
					Logger:        logger,
				}
			}

			var auditLog *audit.Log
			if cfg.AuditDir != "" {
				auditLog, err = audit.Open(cfg.AuditDir)
				if err != nil {
					logger.Error("audit log init", "err", err)
					return err
				}
				defer auditLog.Close()
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			return gateway.New(&cfg, runner, auditLog, logger).Run(ctx)
		},
	}

	f := cmd.Flags()
	f.StringVar(&configPath, "config", os.Getenv("SSHGATE_CONFIG"), "path to YAML config file")
	f.StringVar(&cfg.SSHHost, "ssh-host", "", "SSH target host (required unless --local-exec)")
	f.IntVar(&cfg.SSHPort, "ssh-port", 0, "SSH target port (default 22)")
	f.StringVar(&cfg.SSHUser, "ssh-user", "", "SSH username")
	f.StringVar(&cfg.SSHPassword, "ssh-password", "", "SSH password (SSHGATE_SSH_PASSWORD)")
	f.StringVar(&cfg.SSHKeyPath, "ssh-key", "", "path to SSH private key (takes precedence over password)")
	f.StringVar(&cfg.ListenHost, "listen-host", "", "HTTP listen host (default 127.0.0.1)")
	f.IntVar(&cfg.ListenPort, "listen-port", 0, "HTTP listen port (default 3001)")
	f.StringVar(&cfg.Transport, "transport", "", "transport mode: sse or http (default sse)")
	f.DurationVar(&cfg.CommandTimeout, "timeout", 0, "command timeout (default 60s)")
	f.DurationVar(&cfg.SessionMaxAge, "session-max-age", 0, "idle session max age (default 1h)")
	f.DurationVar(&cfg.KeepAliveInterval, "keepalive-interval", 0, "keep-alive ping interval (default 30s)")
	f.StringVar(&cfg.AuthToken, "auth-token", "", "bearer token required on transport endpoints")
	f.StringSliceVar(&cfg.AllowedOrigins, "allow-origin", nil, "allowed origin host (repeatable)")
	f.BoolVar(&cfg.StrictSecurity, "strict", false, "enforce the origin allow-list")
	f.BoolVar(&cfg.LocalExec, "local-exec", false, "run commands on this host instead of over SSH (diagnostic)")
	f.StringSliceVar(&cfg.CommandAllowPrefixes, "allow-command", nil, "permitted command prefix (repeatable; empty allows all)")
	f.StringVar(&cfg.AuditDir, "audit-dir", "", "directory for the command audit log (empty disables)")

	return cmd
}

// promptPassword asks on the terminal when no credential is configured
// and stdin is interactive.
func promptPassword(user, host string) (string, bool) {
	fd := int(os.Stdin.Fd())
	if !term.IsTerminal(fd) {
		return "", false
	}
	fmt.Fprintf(os.Stderr, "password for %s@%s: ", user, host)
	pass, err := term.ReadPassword(fd)
	fmt.Fprintln(os.Stderr)
	if err != nil || len(pass) == 0 {
		return "", false
	}
	return string(pass), true
}
