package commands

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/openconverge/openconverge/pkg/stores"
)

func newRunsCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "runs",
		Short: "Inspect recorded runs",
		Long: `Inspect the run history database.

Every reconcile run records its sealed transcript and outcome. The history
serves post-mortems (what did the run actually observe and do) and CI
diffing (did the environment drift between two runs).`,
	}

	cmd.AddCommand(newRunsListCommand())
	cmd.AddCommand(newRunsShowCommand())
	cmd.AddCommand(newRunsDiffCommand())
	cmd.AddCommand(newRunsPruneCommand())

	return cmd
}

func newRunsListCommand() *cobra.Command {
	var (
		limit  int
		offset int
	)

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List recorded runs, newest first",
		Example: `  converge runs list
  converge runs list --limit 5 --json`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()

			store, err := openStore(ctx)
			if err != nil {
				return err
			}
			defer func() { _ = store.Close() }()

			runs, err := store.ListRuns(ctx, limit, offset)
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			if jsonOutput {
				return json.NewEncoder(out).Encode(runs)
			}

			if len(runs) == 0 {
				fmt.Fprintln(out, "No recorded runs.")
				return nil
			}
			for _, run := range runs {
				fmt.Fprintf(out, "%s  %-10s  cycles=%d  unresolved=%d  %s (%s)\n",
					run.ID,
					run.State,
					run.Cycles,
					len(run.Unresolved),
					run.StartedAt.Format(time.RFC3339),
					run.Duration().Round(time.Second),
				)
			}
			return nil
		},
	}

	cmd.Flags().IntVar(&limit, "limit", 20, "maximum runs to list")
	cmd.Flags().IntVar(&offset, "offset", 0, "runs to skip")

	return cmd
}

func newRunsShowCommand() *cobra.Command {
	var format string

	cmd := &cobra.Command{
		Use:   "show <run-id>",
		Short: "Show a recorded run and its transcript",
		Example: `  converge runs show 8f14e45f-ceea-4e17-a5d4-46b1c2a9f1d3
  converge runs show 8f14e45f-ceea-4e17-a5d4-46b1c2a9f1d3 --format yaml`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()

			store, err := openStore(ctx)
			if err != nil {
				return err
			}
			defer func() { _ = store.Close() }()

			run, err := store.GetRun(ctx, args[0])
			if err != nil {
				return err
			}
			transcript, err := store.GetTranscript(ctx, args[0])
			if err != nil {
				return err
			}

			record := struct {
				Run        *stores.Run `json:"run" yaml:"run"`
				Transcript interface{} `json:"transcript" yaml:"transcript"`
			}{run, transcript}

			out := cmd.OutOrStdout()
			switch format {
			case "json":
				enc := json.NewEncoder(out)
				enc.SetIndent("", "  ")
				return enc.Encode(record)
			case "yaml":
				enc := yaml.NewEncoder(out)
				defer func() { _ = enc.Close() }()
				return enc.Encode(record)
			default:
				return fmt.Errorf("unsupported format %q (want json or yaml)", format)
			}
		},
	}

	cmd.Flags().StringVar(&format, "format", "json", "output format (json, yaml)")

	return cmd
}

func newRunsDiffCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "diff <run-a> <run-b>",
		Short: "Compare the outcomes of two recorded runs",
		Long: `Compare two recorded runs resource by resource: which resources the
second run fixed, which it broke, and which stayed unresolved in both.`,
		Example: `  converge runs diff <yesterdays-run> <todays-run>`,
		Args:    cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()

			store, err := openStore(ctx)
			if err != nil {
				return err
			}
			defer func() { _ = store.Close() }()

			diff, err := store.DiffRuns(ctx, args[0], args[1])
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			if jsonOutput {
				return json.NewEncoder(out).Encode(diff)
			}

			if len(diff.Fixed) == 0 && len(diff.Broke) == 0 && len(diff.StillUnresolved) == 0 {
				fmt.Fprintln(out, "No differences.")
				return nil
			}
			for _, r := range diff.Fixed {
				fmt.Fprintf(out, "fixed  %s\n", r.ID())
			}
			for _, r := range diff.Broke {
				fmt.Fprintf(out, "broke  %s\n", r.ID())
			}
			for _, r := range diff.StillUnresolved {
				fmt.Fprintf(out, "still  %s\n", r.ID())
			}
			return nil
		},
	}

	return cmd
}

func newRunsPruneCommand() *cobra.Command {
	var keep int

	cmd := &cobra.Command{
		Use:     "prune",
		Short:   "Delete old runs from the history",
		Example: `  converge runs prune --keep 50`,
		Args:    cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()

			store, err := openStore(ctx)
			if err != nil {
				return err
			}
			defer func() { _ = store.Close() }()

			removed, err := store.PruneRuns(ctx, keep)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Pruned %d run(s), kept the newest %d.\n", removed, keep)
			return nil
		},
	}

	cmd.Flags().IntVar(&keep, "keep", 100, "number of newest runs to keep")

	return cmd
}
