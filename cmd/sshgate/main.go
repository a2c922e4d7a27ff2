// sshgate is a gateway that accepts MCP sessions from client tools and
// executes their shell commands on a remote host over SSH.
package main

import (
	"log/slog"
	"os"

	"github.com/spf13/cobra"
)

type rootOptions struct {
	logJSON bool
}

func (r *rootOptions) logger() *slog.Logger {
	var handler slog.Handler = slog.NewTextHandler(os.Stderr, nil)
	if r.logJSON {
		handler = slog.NewJSONHandler(os.Stderr, nil)
	}
	return slog.New(handler)
}

func main() {
	opts := &rootOptions{}
	rootCmd := &cobra.Command{
		Use:          "sshgate",
		Short:        "MCP gateway for remote shell execution over SSH",
		SilenceUsage: true,
	}
	rootCmd.PersistentFlags().BoolVar(&opts.logJSON, "log-json", false, "emit logs as JSON")

	rootCmd.AddCommand(newServeCmd(opts))
	rootCmd.AddCommand(newProbeCmd(opts))
	rootCmd.AddCommand(newAuditCmd(opts))

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
