package commands

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/cobra"

	"github.com/openconverge/openconverge/pkg/engine"
)

func newWatchCommand() *cobra.Command {
	var (
		debounce  time.Duration
		noHistory bool
	)

	cmd := &cobra.Command{
		Use:   "watch <desired-state-file>",
		Short: "Reconcile on every change to the desired state file",
		Long: `Reconcile once, then watch the desired state file and reconcile again
whenever it changes. Edits are debounced so editors that write in several
steps trigger one run.

A degraded or aborted run does not stop the watch; the next file change
starts a fresh run. Interrupt to stop.`,
		Example: `  # Keep the environment converged while editing the scenario
  converge watch examples/deploy.yaml

  # Slower debounce for network filesystems
  converge watch examples/deploy.yaml --debounce 2s`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()

			tel, err := setupTelemetry()
			if err != nil {
				return err
			}
			defer func() { _ = tel.Shutdown(context.WithoutCancel(ctx)) }()

			path, err := filepath.Abs(args[0])
			if err != nil {
				return err
			}

			log := tel.Logger.NewComponentLogger("watch")

			// Watch the directory, not the file: most editors replace the
			// file on save, which drops a watch registered on the old inode.
			watcher, err := fsnotify.NewWatcher()
			if err != nil {
				return fmt.Errorf("failed to create watcher: %w", err)
			}
			defer func() { _ = watcher.Close() }()

			if err := watcher.Add(filepath.Dir(path)); err != nil {
				return fmt.Errorf("failed to watch %s: %w", filepath.Dir(path), err)
			}

			reconcileOnce := func() {
				result, err := runReconcile(ctx, tel, path, noHistory)
				switch {
				case err == nil:
					_ = emitRunResult(cmd.OutOrStdout(), result, jsonOutput)
				case engine.IsRunInProgress(err):
					log.Warn("Another run holds the environment lease, skipping")
				case errors.Is(err, context.Canceled):
					// Shutting down.
				default:
					log.WithError(err).Error("Reconcile failed")
				}
			}

			log.WithField("file", path).Info("Watching desired state")
			reconcileOnce()

			var timer *time.Timer
			pending := make(chan struct{}, 1)

			for {
				select {
				case <-ctx.Done():
					return nil

				case event, ok := <-watcher.Events:
					if !ok {
						return nil
					}
					if filepath.Clean(event.Name) != path {
						continue
					}
					if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) && !event.Has(fsnotify.Rename) {
						continue
					}
					// Debounce: restart the timer on every event burst.
					if timer != nil {
						timer.Stop()
					}
					timer = time.AfterFunc(debounce, func() {
						select {
						case pending <- struct{}{}:
						default:
						}
					})

				case err, ok := <-watcher.Errors:
					if !ok {
						return nil
					}
					log.WithError(err).Warn("Watcher error")

				case <-pending:
					log.WithField("file", path).Info("Desired state changed, reconciling")
					reconcileOnce()
				}
			}
		},
	}

	cmd.Flags().DurationVar(&debounce, "debounce", 500*time.Millisecond, "quiet period after a change before reconciling")
	cmd.Flags().BoolVar(&noHistory, "no-history", false, "do not record runs in the history database")

	return cmd
}
