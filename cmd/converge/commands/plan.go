package commands

import (
	"encoding/json"
	"fmt"
	"os"
	"sort"
	"strings"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/openconverge/openconverge/pkg/engine"
	"github.com/openconverge/openconverge/pkg/policy"
)

func newPlanCommand() *cobra.Command {
	var dotFile string

	cmd := &cobra.Command{
		Use:   "plan <desired-state-file>",
		Short: "Probe the environment and show what reconcile would do",
		Long: `Probe the current state of every declared resource, diff it against
the desired state, and print the resulting plan without executing anything.

The plan lists one unit per mismatched resource with the selected action,
ordered into dependency levels. Units on the same level may execute
concurrently. Policies are evaluated against the plan; violations are
reported but the command never executes actions.`,
		Example: `  # Show the plan for the deploy scenario
  converge plan examples/deploy.yaml

  # Plan against a remote host and dump the dependency graph
  converge plan examples/deploy.yaml --target admin@mlhost --dot plan.dot

  # Machine-readable plan
  converge plan examples/deploy.yaml --json`,
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

			runID := uuid.New().String()
			transcript := engine.NewTranscript(runID)
			planner := engine.NewPlanner(backend, tel.Logger, tel.Metrics)

			facts, err := planner.ProbeAll(ctx, desired, transcript, 1)
			if err != nil {
				return err
			}

			plan, err := planner.ComputePlan(ctx, runID, 1, desired, facts, transcript)
			if err != nil {
				return err
			}

			gate, err := newGate(ctx, tel)
			if err != nil {
				return err
			}
			violations, err := gate.EvaluatePlan(ctx, plan, desired.Settings)
			if err != nil {
				return err
			}

			if dotFile != "" && plan.Graph != nil {
				if err := os.WriteFile(dotFile, []byte(graphDOT(plan)), 0o644); err != nil {
					return fmt.Errorf("failed to write DOT graph: %w", err)
				}
			}

			if jsonOutput {
				return json.NewEncoder(cmd.OutOrStdout()).Encode(struct {
					Plan       *engine.Plan       `json:"plan"`
					Violations []policy.Violation `json:"violations,omitempty"`
				}{plan, violations})
			}

			printPlan(cmd, plan, facts)
			for _, v := range violations {
				fmt.Fprintf(cmd.OutOrStdout(), "policy %s [%s]: %s\n", v.Policy, v.Severity, v.Message)
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&dotFile, "dot", "", "write the dependency graph in DOT format")

	return cmd
}

func printPlan(cmd *cobra.Command, plan *engine.Plan, facts map[engine.Resource]engine.Fact) {
	out := cmd.OutOrStdout()

	if len(plan.Units) == 0 {
		fmt.Fprintln(out, "Environment matches the desired state, nothing to do.")
		return
	}

	units := make([]engine.PlanUnit, len(plan.Units))
	copy(units, plan.Units)
	sort.Slice(units, func(i, j int) bool {
		if units[i].Level != units[j].Level {
			return units[i].Level < units[j].Level
		}
		return units[i].ID < units[j].ID
	})

	fmt.Fprintf(out, "Plan: %d action(s) in %d level(s)\n", len(units), planDepth(plan))
	for _, u := range units {
		fmt.Fprintf(out, "  [%d] %-30s %-24s %s -> %s\n",
			u.Level, u.Resource.ID(), u.ActionName, u.Observed.State, u.Target.State)
	}
}

func planDepth(plan *engine.Plan) int {
	if plan.Graph != nil {
		return plan.Graph.Depth
	}
	depth := 0
	for _, u := range plan.Units {
		if u.Level+1 > depth {
			depth = u.Level + 1
		}
	}
	return depth
}

// graphDOT renders the plan's unit DAG in Graphviz DOT form.
func graphDOT(plan *engine.Plan) string {
	var b strings.Builder
	b.WriteString("digraph plan {\n")
	b.WriteString("  rankdir=TB;\n")
	b.WriteString("  node [shape=box];\n")

	ids := make([]string, 0, len(plan.Graph.Nodes))
	for id := range plan.Graph.Nodes {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	for _, id := range ids {
		node := plan.Graph.Nodes[id]
		fmt.Fprintf(&b, "  %q [label=%q];\n", id, fmt.Sprintf("%s (L%d)", id, node.Level))
	}
	for _, edge := range plan.Graph.Edges {
		fmt.Fprintf(&b, "  %q -> %q;\n", edge.From, edge.To)
	}

	b.WriteString("}\n")
	return b.String()
}
