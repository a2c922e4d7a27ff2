package main

import (
	"fmt"
	"strconv"
	"time"

	"github.com/spf13/cobra"

	"github.com/antonkrylov/sshgate/internal/probe"
)

func newProbeCmd(opts *rootOptions) *cobra.Command {
	var bound time.Duration
	cmd := &cobra.Command{
		Use:   "probe <host> <port>",
		Short: "Check whether host:port accepts a TCP connection",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			port, err := strconv.Atoi(args[1])
			if err != nil || port < 1 || port > 65535 {
				return fmt.Errorf("invalid port %q", args[1])
			}
			res := probe.Check(cmd.Context(), args[0], port, bound)
			if res.OK {
				fmt.Fprintf(cmd.OutOrStdout(), "%s:%d reachable\n", args[0], port)
				return nil
			}
			msg := fmt.Sprintf("%s:%d unreachable: %s", args[0], port, res.Reason)
			if alt := probe.AlternatePort(port); alt != 0 {
				msg += fmt.Sprintf(" (try port %d)", alt)
			}
			return fmt.Errorf("%s", msg)
		},
	}
	cmd.Flags().DurationVar(&bound, "timeout", 5*time.Second, "connection bound")
	return cmd
}
