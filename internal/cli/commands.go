package cli

import (
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"amaliyah/internal/model"
)

// NewHydrateCommand migrates, hydrates and reconciles the local cache.
func NewHydrateCommand(opts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "hydrate",
		Short: "Load the local cache and reconcile it with the server",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := opts.context(cmd)
			defer cancel()
			s, err := opts.open(ctx, cmd)
			if err != nil {
				return err
			}
			defer s.close(ctx, cmd)

			snap := s.sync.Snapshot()
			out := map[string]any{
				"phase":       s.sync.Phase().String(),
				"pending":     s.sync.Pending(),
				"classes":     len(snap.Classes),
				"submissions": len(snap.Submissions),
			}
			return opts.print(cmd, out, func(w io.Writer) {
				fmt.Fprintf(w, "%s: %d classes, %d submissions", s.sync.Phase(), len(snap.Classes), len(snap.Submissions))
				if s.sync.Pending() {
					fmt.Fprint(w, " (not yet on the server)")
				}
				fmt.Fprintln(w)
			})
		},
	}
}

// SubmitOptions holds flags for the submit command.
type SubmitOptions struct {
	*RootOptions
	Class   string
	Student string
	Date    string
	Haid    bool
	Fields  []string
}

// NewSubmitCommand records one student's daily submission.
func NewSubmitCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &SubmitOptions{RootOptions: rootOpts}
	cmd := &cobra.Command{
		Use:   "submit",
		Short: "Record a daily submission",
		Long: `Record one student's activity for a day. A later submission for the same
class, student and date replaces the earlier one.

Examples:
  syncclient submit --class 7A --student Budi --field puasa=Ya --field tarawih=true
  syncclient submit --class 7A --student Citra --date 2026-03-02 --haid --field dzikir=true`,
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := requireFlag("class", opts.Class); err != nil {
				return err
			}
			if err := requireFlag("student", opts.Student); err != nil {
				return err
			}
			sub, err := buildSubmission(opts)
			if err != nil {
				return err
			}

			ctx, cancel := opts.context(cmd)
			defer cancel()
			s, err := opts.open(ctx, cmd)
			if err != nil {
				return err
			}
			defer s.close(ctx, cmd)

			if err := s.sync.SaveSubmission(ctx, sub); err != nil {
				return err
			}
			return opts.print(cmd, sub, func(w io.Writer) {
				fmt.Fprintf(w, "saved %s (%s) %s\n", sub.StudentName(), sub.ClassID(), sub.Date())
			})
		},
	}
	cmd.Flags().StringVar(&opts.Class, "class", "", "class id")
	cmd.Flags().StringVar(&opts.Student, "student", "", "student name")
	cmd.Flags().StringVar(&opts.Date, "date", "", "day as YYYY-MM-DD (default today)")
	cmd.Flags().BoolVar(&opts.Haid, "haid", false, "mark the day as a haid day")
	cmd.Flags().StringArrayVar(&opts.Fields, "field", nil, "activity field as key=value (repeatable)")
	return cmd
}

func buildSubmission(opts *SubmitOptions) (model.Submission, error) {
	date := opts.Date
	if date == "" {
		date = time.Now().Format(time.DateOnly)
	}
	if _, err := time.Parse(time.DateOnly, date); err != nil {
		return nil, fmt.Errorf("invalid --date %q, use YYYY-MM-DD", date)
	}
	sub := model.Submission{
		model.FieldClassID:     opts.Class,
		model.FieldStudentName: opts.Student,
		model.FieldDate:        date,
		model.FieldTimestamp:   time.Now().UnixMilli(),
	}
	if opts.Haid {
		sub[model.FieldIsHaid] = true
	}
	for _, f := range opts.Fields {
		k, v, ok := strings.Cut(f, "=")
		k = strings.TrimSpace(k)
		if !ok || k == "" {
			return nil, fmt.Errorf("invalid --field %q, use key=value", f)
		}
		sub[k] = fieldValue(strings.TrimSpace(v))
	}
	return sub, nil
}

// fieldValue reads true/false as booleans and numerals as numbers.
func fieldValue(v string) any {
	if b, err := strconv.ParseBool(v); err == nil {
		return b
	}
	if n, err := strconv.ParseFloat(v, 64); err == nil {
		return n
	}
	return v
}

// RosterOptions holds flags for the student commands.
type RosterOptions struct {
	*RootOptions
	Class   string
	Name    string
	NewName string
}

// NewAddStudentCommand adds a student to a class.
func NewAddStudentCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &RosterOptions{RootOptions: rootOpts}
	cmd := &cobra.Command{
		Use:   "add-student",
		Short: "Add a student to a class",
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := requireFlag("class", opts.Class); err != nil {
				return err
			}
			ctx, cancel := opts.context(cmd)
			defer cancel()
			s, err := opts.open(ctx, cmd)
			if err != nil {
				return err
			}
			defer s.close(ctx, cmd)

			err = s.sync.Mutate(ctx, func(snap model.Snapshot) (model.Snapshot, error) {
				return model.AddStudent(snap, opts.Class, opts.Name)
			})
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "added %s to %s\n", strings.TrimSpace(opts.Name), opts.Class)
			return nil
		},
	}
	cmd.Flags().StringVar(&opts.Class, "class", "", "class id")
	cmd.Flags().StringVar(&opts.Name, "name", "", "student name")
	return cmd
}

// NewRemoveStudentCommand removes a student on the server and locally.
// Synchronization never deletes, so the server call comes first.
func NewRemoveStudentCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &RosterOptions{RootOptions: rootOpts}
	cmd := &cobra.Command{
		Use:   "remove-student",
		Short: "Remove a student from a class",
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := requireFlag("class", opts.Class); err != nil {
				return err
			}
			if err := requireFlag("name", opts.Name); err != nil {
				return err
			}
			ctx, cancel := opts.context(cmd)
			defer cancel()
			s, err := opts.open(ctx, cmd)
			if err != nil {
				return err
			}
			defer s.close(ctx, cmd)

			if err := s.client.RemoveStudent(ctx, opts.Class, opts.Name); err != nil {
				return err
			}
			err = s.sync.Mutate(ctx, func(snap model.Snapshot) (model.Snapshot, error) {
				return model.RemoveStudent(snap, opts.Class, opts.Name)
			})
			if err != nil && !errors.Is(err, model.ErrStudentNotFound) && !errors.Is(err, model.ErrClassNotFound) {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "removed %s from %s\n", opts.Name, opts.Class)
			return nil
		},
	}
	cmd.Flags().StringVar(&opts.Class, "class", "", "class id")
	cmd.Flags().StringVar(&opts.Name, "name", "", "student name")
	return cmd
}

// NewRenameStudentCommand renames a student on the server and locally.
func NewRenameStudentCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &RosterOptions{RootOptions: rootOpts}
	cmd := &cobra.Command{
		Use:   "rename-student",
		Short: "Rename a student",
		RunE: func(cmd *cobra.Command, args []string) error {
			for _, f := range [][2]string{{"class", opts.Class}, {"name", opts.Name}, {"new-name", opts.NewName}} {
				if err := requireFlag(f[0], f[1]); err != nil {
					return err
				}
			}
			ctx, cancel := opts.context(cmd)
			defer cancel()
			s, err := opts.open(ctx, cmd)
			if err != nil {
				return err
			}
			defer s.close(ctx, cmd)

			if err := s.client.RenameStudent(ctx, opts.Class, opts.Name, opts.NewName); err != nil {
				return err
			}
			err = s.sync.Mutate(ctx, func(snap model.Snapshot) (model.Snapshot, error) {
				return model.RenameStudent(snap, opts.Class, opts.Name, opts.NewName)
			})
			if err != nil && !errors.Is(err, model.ErrStudentNotFound) && !errors.Is(err, model.ErrClassNotFound) {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "renamed %s to %s in %s\n", opts.Name, opts.NewName, opts.Class)
			return nil
		},
	}
	cmd.Flags().StringVar(&opts.Class, "class", "", "class id")
	cmd.Flags().StringVar(&opts.Name, "name", "", "current student name")
	cmd.Flags().StringVar(&opts.NewName, "new-name", "", "new student name")
	return cmd
}

// RecapOptions holds flags for the recap command.
type RecapOptions struct {
	*RootOptions
	Class   string
	Student string
	From    string
	To      string
}

// NewRecapCommand scores a student's submissions over a date range.
func NewRecapCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &RecapOptions{RootOptions: rootOpts}
	cmd := &cobra.Command{
		Use:   "recap",
		Short: "Score a student's submissions over a date range",
		RunE: func(cmd *cobra.Command, args []string) error {
			for _, f := range [][2]string{{"class", opts.Class}, {"student", opts.Student}, {"from", opts.From}} {
				if err := requireFlag(f[0], f[1]); err != nil {
					return err
				}
			}
			from, err := time.Parse(time.DateOnly, opts.From)
			if err != nil {
				return fmt.Errorf("invalid --from %q", opts.From)
			}
			to := from
			if opts.To != "" {
				if to, err = time.Parse(time.DateOnly, opts.To); err != nil {
					return fmt.Errorf("invalid --to %q", opts.To)
				}
			}
			if to.Before(from) {
				return errors.New("--to is before --from")
			}

			ctx, cancel := opts.context(cmd)
			defer cancel()
			s, err := opts.open(ctx, cmd)
			if err != nil {
				return err
			}
			defer s.close(ctx, cmd)

			r := model.BuildRecap(s.sync.Snapshot().Submissions, opts.Class, opts.Student, from, to)
			return opts.print(cmd, r, func(w io.Writer) {
				fmt.Fprintf(w, "%s (%s): %d/%d days submitted, score %d/%d (%d%%)\n",
					r.Student, r.ClassKey, r.Submitted, r.Days, r.Score, r.MaxScore, r.Percentage)
			})
		},
	}
	cmd.Flags().StringVar(&opts.Class, "class", "", "class id or name")
	cmd.Flags().StringVar(&opts.Student, "student", "", "student name")
	cmd.Flags().StringVar(&opts.From, "from", "", "first day YYYY-MM-DD")
	cmd.Flags().StringVar(&opts.To, "to", "", "last day YYYY-MM-DD (default --from)")
	return cmd
}
