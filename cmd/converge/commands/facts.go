package commands

import (
	"encoding/json"
	"fmt"
	"sort"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/openconverge/openconverge/pkg/engine"
)

func newFactsCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "facts <desired-state-file>",
		Short: "Probe and print the current state of declared resources",
		Long: `Probe every resource declared in the desired state document and print
the observed facts without planning or executing anything.

Probes are strictly read-only. A resource that does not exist reports
state "absent"; a probe whose mechanism cannot run (missing binary,
missing privilege) fails the command.`,
		Example: `  # Show the current state of the deploy scenario's resources
  converge facts examples/deploy.yaml

  # Machine-readable facts from a remote host
  converge facts examples/deploy.yaml --target admin@mlhost --json`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()

			tel, err := setupTelemetry()
			if err != nil {
				return err
			}
			defer func() { _ = tel.Shutdown(ctx) }()

			desired, err := loadDesired(args[0])
			if err != nil {
				return err
			}

			backend, closeBackend, err := newBackend(tel)
			if err != nil {
				return err
			}
			defer func() { _ = closeBackend() }()

			planner := engine.NewPlanner(backend, tel.Logger, tel.Metrics)
			transcript := engine.NewTranscript(uuid.New().String())

			facts, err := planner.ProbeAll(ctx, desired, transcript, 1)
			if err != nil {
				return err
			}

			ordered := make([]engine.Fact, 0, len(facts))
			for _, f := range facts {
				ordered = append(ordered, f)
			}
			sort.Slice(ordered, func(i, j int) bool {
				return ordered[i].Resource.ID() < ordered[j].Resource.ID()
			})

			out := cmd.OutOrStdout()
			if jsonOutput {
				enc := json.NewEncoder(out)
				for _, f := range ordered {
					if err := enc.Encode(f); err != nil {
						return err
					}
				}
				return nil
			}

			for _, f := range ordered {
				line := fmt.Sprintf("%-30s %s", f.Resource.ID(), f.State)
				if f.Owner != "" {
					line += fmt.Sprintf(" (owner: %s)", f.Owner)
				}
				fmt.Fprintln(out, line)
				for _, k := range sortedKeys(f.Details) {
					fmt.Fprintf(out, "    %s: %s\n", k, f.Details[k])
				}
			}
			return nil
		},
	}

	return cmd
}

func sortedKeys(m map[string]string) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
