// Package cli implements the syncclient command line: a device-side client
// that keeps a local SQLite cache in sync with the state API and exposes the
// admin operations.
package cli

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	json "github.com/goccy/go-json"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"amaliyah/internal/logging"
	"amaliyah/internal/syncclient"
)

// RootOptions holds global flags for all commands.
type RootOptions struct {
	Server     string
	CachePath  string
	Role       string
	AdminToken string
	LogPin     string
	Format     string // "json" | "text"
	Verbose    bool
	Timeout    time.Duration
}

// ValidFormats defines the allowed output formats.
var ValidFormats = []string{"text", "json"}

// NewRootCommand creates the root command.
func NewRootCommand() *cobra.Command {
	opts := &RootOptions{}

	cmd := &cobra.Command{
		Use:   "syncclient",
		Short: "Amaliyah sync client",
		Long:  "Keeps a local copy of the class roster and daily submissions in sync with the state API.",
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			for _, f := range ValidFormats {
				if f == opts.Format {
					return nil
				}
			}
			return fmt.Errorf("invalid format %q: must be one of %v", opts.Format, ValidFormats)
		},
		SilenceUsage: true,
	}

	pf := cmd.PersistentFlags()
	pf.StringVar(&opts.Server, "server", envOr("AMALIYAH_SERVER", "http://localhost:8081"), "state API base URL")
	pf.StringVar(&opts.CachePath, "cache", envOr("AMALIYAH_CACHE", "amaliyah-cache.db"), "path to the local SQLite cache")
	pf.StringVar(&opts.Role, "role", envOr("AMALIYAH_ROLE", "teacher"), "actor role recorded in the activity log")
	pf.StringVar(&opts.AdminToken, "admin-token", os.Getenv("STATE_ADMIN_TOKEN"), "admin token for backups and restore")
	pf.StringVar(&opts.LogPin, "pin", os.Getenv("LOG_VIEW_PIN"), "pin for reading the activity log")
	pf.StringVar(&opts.Format, "format", "text", "output format (json|text)")
	pf.BoolVarP(&opts.Verbose, "verbose", "v", false, "verbose output")
	pf.DurationVar(&opts.Timeout, "timeout", 30*time.Second, "overall command timeout")

	cmd.AddCommand(NewHydrateCommand(opts))
	cmd.AddCommand(NewSubmitCommand(opts))
	cmd.AddCommand(NewAddStudentCommand(opts))
	cmd.AddCommand(NewRemoveStudentCommand(opts))
	cmd.AddCommand(NewRenameStudentCommand(opts))
	cmd.AddCommand(NewRecapCommand(opts))
	cmd.AddCommand(NewLogsCommand(opts))
	cmd.AddCommand(NewBackupsCommand(opts))
	cmd.AddCommand(NewRestoreCommand(opts))
	cmd.AddCommand(NewAdminTokenCommand(opts))

	return cmd
}

func envOr(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func (o *RootOptions) logger(w io.Writer) zerolog.Logger {
	level := "warn"
	if o.Verbose {
		level = "debug"
	}
	return logging.New(level, "console", w)
}

func (o *RootOptions) client() *syncclient.Client {
	c := syncclient.NewClient(o.Server)
	c.ActorRole = o.Role
	c.AdminToken = o.AdminToken
	c.LogPin = o.LogPin
	return c
}

func (o *RootOptions) context(cmd *cobra.Command) (context.Context, context.CancelFunc) {
	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}
	return context.WithTimeout(ctx, o.Timeout)
}

// session is an opened cache plus a started synchronizer.
type session struct {
	cache  *syncclient.SQLiteCache
	sync   *syncclient.Synchronizer
	client *syncclient.Client
}

func (o *RootOptions) open(ctx context.Context, cmd *cobra.Command) (*session, error) {
	c, err := syncclient.OpenSQLiteCache(o.CachePath)
	if err != nil {
		return nil, err
	}
	client := o.client()
	s := syncclient.New(c, client, syncclient.Options{Logger: o.logger(cmd.ErrOrStderr())})
	if err := s.Start(ctx); err != nil {
		c.Close()
		return nil, err
	}
	return &session{cache: c, sync: s, client: client}, nil
}

// close flushes the last mutation before releasing the cache. A failed push
// is reported but the local change is kept.
func (s *session) close(ctx context.Context, cmd *cobra.Command) {
	if err := s.sync.Flush(ctx); err != nil {
		fmt.Fprintf(cmd.ErrOrStderr(), "warning: not synced, kept locally: %v\n", err)
	}
	s.sync.Close()
	s.cache.Close()
}

func (o *RootOptions) print(cmd *cobra.Command, v any, text func(w io.Writer)) error {
	w := cmd.OutOrStdout()
	if o.Format == "json" {
		raw, err := json.MarshalIndent(v, "", "  ")
		if err != nil {
			return err
		}
		_, err = fmt.Fprintln(w, string(raw))
		return err
	}
	text(w)
	return nil
}

func requireFlag(name, value string) error {
	if value == "" {
		return errors.New("--" + name + " is required")
	}
	return nil
}
