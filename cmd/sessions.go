package cmd

import (
	"context"
	"errors"
	"fmt"
	"io"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/xkilldash9x/webpilot/internal/agent"
	"github.com/xkilldash9x/webpilot/internal/observability"
	"github.com/xkilldash9x/webpilot/internal/store"
)

// newSessionsCmd groups the commands that read the session store.
func newSessionsCmd(deps dependencies) *cobra.Command {
	sessionsCmd := &cobra.Command{
		Use:   "sessions",
		Short: "Inspect sessions saved in the session store",
	}
	sessionsCmd.AddCommand(
		newSessionsListCmd(deps),
		newSessionsShowCmd(deps),
		newSessionsDeleteCmd(deps),
	)
	return sessionsCmd
}

func newSessionsListCmd(deps dependencies) *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List saved sessions, newest first",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withStore(cmd, deps, func(ctx context.Context, st store.Store) error {
				summaries, err := st.ListSessions(ctx)
				if err != nil {
					return err
				}
				return printSummaries(cmd.OutOrStdout(), summaries)
			})
		},
	}
}

func newSessionsShowCmd(deps dependencies) *cobra.Command {
	var format string
	showCmd := &cobra.Command{
		Use:   "show <id>",
		Short: "Print a saved session",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withStore(cmd, deps, func(ctx context.Context, st store.Store) error {
				rec, err := st.LoadSession(ctx, args[0])
				if err != nil {
					return err
				}
				return printRecord(cmd.OutOrStdout(), rec, format)
			})
		},
	}
	showCmd.Flags().StringVarP(&format, "format", "f", "text", "Output format: text, json or yaml.")
	return showCmd
}

func newSessionsDeleteCmd(deps dependencies) *cobra.Command {
	return &cobra.Command{
		Use:   "delete <id>...",
		Short: "Delete saved sessions",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withStore(cmd, deps, func(ctx context.Context, st store.Store) error {
				var errs []error
				for _, id := range args {
					if err := st.DeleteSession(ctx, id); err != nil {
						errs = append(errs, fmt.Errorf("%s: %w", id, err))
						continue
					}
					fmt.Fprintf(cmd.OutOrStdout(), "Deleted %s\n", id)
				}
				return errors.Join(errs...)
			})
		},
	}
}

// newExportCmd writes a stored session to a record file.
func newExportCmd(deps dependencies) *cobra.Command {
	return &cobra.Command{
		Use:   "export <id> <file>",
		Short: "Export a saved session to a .json or .yaml file",
		Long: `Writes the stored record of a session to a file that 'run --import' and the shell's
'import' command can resume from. The format follows the file extension.`,
		Args: cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withStore(cmd, deps, func(ctx context.Context, st store.Store) error {
				rec, err := st.LoadSession(ctx, args[0])
				if err != nil {
					return err
				}
				if err := store.WriteRecordFile(args[1], rec); err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Exported %d entries to %s\n", len(rec.History), args[1])
				return nil
			})
		},
	}
}

// withStore opens the configured store for the duration of fn.
func withStore(cmd *cobra.Command, deps dependencies, fn func(ctx context.Context, st store.Store) error) error {
	ctx := cmd.Context()
	cfg, err := getConfigFromContext(ctx)
	if err != nil {
		return err
	}
	st, err := deps.openStore(ctx, cfg.Store(), observability.GetLogger())
	if err != nil {
		return fmt.Errorf("failed to open session store: %w", err)
	}
	defer st.Close()
	return fn(ctx, st)
}

func printSummaries(out io.Writer, summaries []store.SessionSummary) error {
	if len(summaries) == 0 {
		fmt.Fprintln(out, "No saved sessions.")
		return nil
	}
	w := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tSAVED\tENTRIES\tROLE\tGOAL")
	for _, s := range summaries {
		fmt.Fprintf(w, "%s\t%s\t%d\t%s\t%s\n", s.ID, s.SavedAt.Local().Format(time.RFC3339), s.Entries, dash(s.Role), dash(s.Goal))
	}
	return w.Flush()
}

func printRecord(out io.Writer, rec agent.Record, format string) error {
	switch format {
	case "json", "yaml":
		data, err := store.EncodeRecord(rec, format == "yaml")
		if err != nil {
			return err
		}
		_, err = out.Write(data)
		return err
	case "text", "":
		fmt.Fprintf(out, "URL:   %s\nRole:  %s\nGoal:  %s\nSaved: %s\n\n",
			dash(rec.TargetURL), dash(rec.Role), dash(rec.Goal), rec.Timestamp.Local().Format(time.RFC3339))
		for _, e := range rec.History {
			fmt.Fprintln(out, formatEntry(e))
		}
		return nil
	default:
		return fmt.Errorf("unknown format %q (want text, json or yaml)", format)
	}
}
