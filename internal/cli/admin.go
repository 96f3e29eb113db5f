package cli

import (
	"fmt"
	"io"
	"time"

	"github.com/spf13/cobra"
)

// NewLogsCommand lists the activity log.
func NewLogsCommand(opts *RootOptions) *cobra.Command {
	var limit int
	cmd := &cobra.Command{
		Use:   "logs",
		Short: "List activity log entries, newest first (needs --pin)",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := opts.context(cmd)
			defer cancel()
			logs, err := opts.client().Logs(ctx, limit)
			if err != nil {
				return err
			}
			return opts.print(cmd, logs, func(w io.Writer) {
				for _, e := range logs {
					fmt.Fprintf(w, "%s  %-18s %-8s %s\n", e.CreatedAt.Local().Format(time.DateTime), e.EventType, e.ActorRole, e.Message)
				}
			})
		},
	}
	cmd.Flags().IntVar(&limit, "limit", 0, "maximum entries (server default 200)")
	return cmd
}

// NewBackupsCommand lists backup days.
func NewBackupsCommand(opts *RootOptions) *cobra.Command {
	var limit int
	cmd := &cobra.Command{
		Use:   "backups",
		Short: "List daily backups, newest first (needs --admin-token)",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := opts.context(cmd)
			defer cancel()
			backups, err := opts.client().Backups(ctx, limit)
			if err != nil {
				return err
			}
			return opts.print(cmd, backups, func(w io.Writer) {
				for _, b := range backups {
					fmt.Fprintf(w, "%s  %d classes  %d submissions\n", b.Day, b.ClassCount, b.SubmissionCount)
				}
			})
		},
	}
	cmd.Flags().IntVar(&limit, "limit", 0, "maximum days (server default 30)")
	return cmd
}

// NewRestoreCommand replaces the server snapshot with a backup day.
func NewRestoreCommand(opts *RootOptions) *cobra.Command {
	var day string
	cmd := &cobra.Command{
		Use:   "restore",
		Short: "Restore the server snapshot from a daily backup (needs --admin-token)",
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := requireFlag("day", day); err != nil {
				return err
			}
			ctx, cancel := opts.context(cmd)
			defer cancel()
			res, err := opts.client().Restore(ctx, day)
			if err != nil {
				return err
			}
			return opts.print(cmd, res, func(w io.Writer) {
				fmt.Fprintf(w, "restored %s: %d classes, %d submissions\n", res.Day, res.ClassCount, res.SubmissionCount)
			})
		},
	}
	cmd.Flags().StringVar(&day, "day", "", "backup day YYYY-MM-DD")
	return cmd
}

// NewAdminTokenCommand trades the shared admin token for a signed one.
func NewAdminTokenCommand(opts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "admin-token",
		Short: "Issue a signed admin token (needs --admin-token)",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := opts.context(cmd)
			defer cancel()
			tok, exp, err := opts.client().IssueAdminToken(ctx)
			if err != nil {
				return err
			}
			out := map[string]any{"token": tok, "expiresAt": exp}
			return opts.print(cmd, out, func(w io.Writer) {
				fmt.Fprintln(w, tok)
			})
		},
	}
}
