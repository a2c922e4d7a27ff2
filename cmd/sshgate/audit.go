package main

import (
	"encoding/json"
	"fmt"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/antonkrylov/sshgate/internal/audit"
)

func newAuditCmd(opts *rootOptions) *cobra.Command {
	var dir, sessionID string
	var asJSON bool
	cmd := &cobra.Command{
		Use:   "audit",
		Short: "Replay recorded command invocations",
		RunE: func(cmd *cobra.Command, _ []string) error {
			log, err := audit.Open(dir)
			if err != nil {
				return err
			}
			defer log.Close()

			sessions := []string{sessionID}
			if sessionID == "" {
				sessions, err = log.Sessions()
				if err != nil {
					return err
				}
			}

			out := cmd.OutOrStdout()
			tw := tabwriter.NewWriter(out, 2, 4, 2, ' ', 0)
			if !asJSON {
				fmt.Fprintln(tw, "STARTED\tSESSION\tOUTCOME\tEXIT\tDURATION\tCOMMAND")
			}
			for _, id := range sessions {
				err := log.Replay(id, func(rec audit.Record) error {
					if asJSON {
						b, err := json.Marshal(rec)
						if err != nil {
							return err
						}
						fmt.Fprintln(out, string(b))
						return nil
					}
					fmt.Fprintf(tw, "%s\t%s\t%s\t%d\t%s\t%s\n",
						rec.StartedAt.Format(time.RFC3339),
						rec.SessionID,
						rec.Outcome,
						rec.ExitCode,
						time.Duration(rec.DurationMS)*time.Millisecond,
						rec.Command,
					)
					return nil
				})
				if err != nil {
					return err
				}
			}
			if !asJSON {
				return tw.Flush()
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&dir, "dir", "", "audit log directory")
	cmd.Flags().StringVar(&sessionID, "session", "", "limit to one session")
	cmd.Flags().BoolVar(&asJSON, "json", false, "emit records as JSON lines")
	_ = cmd.MarkFlagRequired("dir")
	return cmd
}
