package commands

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/openconverge/openconverge/pkg/engine"
	"github.com/openconverge/openconverge/pkg/telemetry"
)

func newReconcileCommand() *cobra.Command {
	var noHistory bool

	cmd := &cobra.Command{
		Use:   "reconcile <desired-state-file>",
		Short: "Reconcile the environment against a desired state",
		Long: `Run the full probe/plan/execute/verify cycle until the environment
converges, the cycle budget runs out, or the run aborts.

A lease file guards the environment against concurrent runs; a second
invocation fails fast while one is active. Interrupting the run cancels
it between cycles, never mid-action.

Exit codes:
  0  converged: every resource matches its target
  1  degraded: budgets exhausted with resources still mismatched
  2  aborted: probe failure, policy rejection or cancellation
  3  another run holds the environment lease`,
		Example: `  # Deploy the ML API environment
  converge reconcile examples/deploy.yaml

  # Tear it down (the document sets allow_destructive)
  converge reconcile examples/cleanup.yaml

  # Reconcile a remote host, streaming the transcript as JSON
  converge reconcile examples/deploy.yaml --target admin@mlhost --json`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()

			tel, err := setupTelemetry()
			if err != nil {
				return err
			}
			defer func() { _ = tel.Shutdown(context.WithoutCancel(ctx)) }()

			result, err := runReconcile(ctx, tel, args[0], noHistory)
			if err != nil {
				if engine.IsRunInProgress(err) {
					return &exitError{code: engine.ExitRunInProgress, msg: err.Error()}
				}
				return err
			}

			if err := emitRunResult(cmd.OutOrStdout(), result, jsonOutput); err != nil {
				return err
			}

			if code := result.State.ExitCode(); code != 0 {
				// The report already told the story; exit silently.
				return &exitError{code: code}
			}
			return nil
		},
	}

	cmd.Flags().BoolVar(&noHistory, "no-history", false, "do not record the run in the history database")

	return cmd
}

// runReconcile wires the backend, store and policy gate together and runs
// one reconciliation. Shared with the watch command.
func runReconcile(ctx context.Context, tel *telemetry.Telemetry, path string, noHistory bool) (*engine.RunResult, error) {
	desired, err := loadDesired(path)
	if err != nil {
		return nil, err
	}

	backend, closeBackend, err := newBackend(tel)
	if err != nil {
		return nil, err
	}
	defer func() { _ = closeBackend() }()

	gate, err := newGate(ctx, tel)
	if err != nil {
		return nil, err
	}

	opts := engine.ReconcilerOptions{
		Logger:  tel.Logger,
		Metrics: tel.Metrics,
		Gate:    gate,
	}

	if !noHistory {
		store, err := openStore(ctx)
		if err != nil {
			return nil, fmt.Errorf("failed to open run history: %w", err)
		}
		defer func() { _ = store.Close() }()
		opts.Sink = store
	}

	reconciler, err := engine.NewReconciler(backend, opts)
	if err != nil {
		return nil, err
	}

	return reconciler.Reconcile(ctx, desired)
}
